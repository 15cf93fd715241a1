// Package intent implements rule-based classification of inbound chat
// messages: query vs. action, action typing, risk assessment, and
// deterministic parameter extraction.
//
// Classification never fails. A message matching nothing is a query with a
// generic response, and ties between query and action signals resolve to
// query — ambiguous input is never escalated.
package intent

import (
	"net/netip"
	"regexp"
	"strings"

	"github.com/opshalo/opshalo/pkg/models"
)

// Intent is the coarse classification of a message.
type Intent string

const (
	IntentQuery  Intent = "query"
	IntentAction Intent = "action"
)

// Classification is the full result of one classification pass.
type Classification struct {
	Intent     Intent
	ActionType string
	Params     models.ExtractedParams

	// HighRisk marks action types that must escalate instead of being
	// executed or simulated locally.
	HighRisk bool

	// MissingParam names the required parameter the message did not supply
	// for a high-risk action; non-empty means "ask for clarification".
	MissingParam string
}

// Action keywords indicating the user wants something done (English and
// Spanish, matching the deployments this assistant serves).
var actionKeywords = []string{
	"block", "quarantine", "isolate", "shutdown", "shut down", "disable", "remove",
	"delete", "terminate", "kill", "stop", "ban", "restrict",
	"execute", "run", "deploy", "configure", "change", "modify",
	"bloquea", "bloquear", "cuarentena", "aisla", "aislar", "apaga", "apagar",
	"deshabilita", "deshabilitar", "elimina", "eliminar", "detén", "detener",
	"ejecuta", "ejecutar", "despliega", "desplegar", "configura", "configurar",
	"cambia", "cambiar", "modifica", "modificar", "borra", "borrar",
}

// Query keywords for informational requests.
var queryKeywords = []string{
	"show", "list", "get", "display", "what", "when", "where", "how",
	"status", "check", "see", "view", "tell", "explain", "describe",
	"muestra", "mostrar", "lista", "listar", "obtén", "obtener", "qué", "cuándo",
	"dónde", "cómo", "estado", "verifica", "verificar", "dime",
	"explica", "explicar", "describir", "hay", "cuáles", "cuál",
}

// defaultHighRisk is the fixed action-type → high-risk table. Deployments
// can extend it through the escalation policy file.
var defaultHighRisk = map[string]bool{
	"block_ip":           true,
	"quarantine_device":  true,
	"shutdown_system":    true,
	"delete_user":        true,
	"disable_firewall":   true,
	"emergency_response": true,
	"isolate_network":    true,
}

var ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

// ipv6Candidate matches tokens that look like IPv6 literals; candidates are
// validated (and canonicalized) with netip before use.
var ipv6Candidate = regexp.MustCompile(`\b[0-9a-fA-F:]*:[0-9a-fA-F:]+\b`)

// Classifier classifies messages against a risk table.
type Classifier struct {
	highRisk map[string]bool
}

// NewClassifier creates a classifier with the default risk table plus any
// extra high-risk action types from policy.
func NewClassifier(extraHighRisk []string) *Classifier {
	table := make(map[string]bool, len(defaultHighRisk)+len(extraHighRisk))
	for k := range defaultHighRisk {
		table[k] = true
	}
	for _, k := range extraHighRisk {
		table[k] = true
	}
	return &Classifier{highRisk: table}
}

// Classify runs one classification pass over the message.
func (c *Classifier) Classify(message string) Classification {
	lower := strings.ToLower(message)

	hasAction := containsAny(lower, actionKeywords)
	hasQuery := containsAny(lower, queryKeywords)

	result := Classification{
		Intent: IntentQuery,
		Params: extractParams(message),
	}

	// Ties favor query: only an unambiguous action signal classifies as
	// action. "show blocked IPs" stays a query.
	if !hasAction || hasQuery {
		return result
	}

	result.Intent = IntentAction
	result.ActionType = determineActionType(lower)
	result.HighRisk = c.highRisk[result.ActionType]

	if result.HighRisk {
		result.MissingParam = missingRequiredParam(result.ActionType, result.Params)
	}
	return result
}

// determineActionType maps a lowercased action message to its action type.
// Most specific rules first.
func determineActionType(lower string) string {
	switch {
	case strings.Contains(lower, "block") && strings.Contains(lower, "ip"),
		strings.Contains(lower, "bloquea") && strings.Contains(lower, "ip"):
		return "block_ip"
	case strings.Contains(lower, "quarantine"), strings.Contains(lower, "isolate") && strings.Contains(lower, "network"),
		strings.Contains(lower, "cuarentena"):
		if strings.Contains(lower, "network") || strings.Contains(lower, "red") {
			return "isolate_network"
		}
		return "quarantine_device"
	case strings.Contains(lower, "isolate"), strings.Contains(lower, "aisla"):
		return "quarantine_device"
	case strings.Contains(lower, "shutdown"), strings.Contains(lower, "shut down"),
		strings.Contains(lower, "apaga"):
		return "shutdown_system"
	case strings.Contains(lower, "delete") && strings.Contains(lower, "user"),
		strings.Contains(lower, "elimina") && strings.Contains(lower, "usuario"):
		return "delete_user"
	case strings.Contains(lower, "disable") && strings.Contains(lower, "firewall"),
		strings.Contains(lower, "deshabilita") && strings.Contains(lower, "firewall"):
		return "disable_firewall"
	case strings.Contains(lower, "emergency"), strings.Contains(lower, "emergencia"):
		return "emergency_response"
	case strings.Contains(lower, "block"), strings.Contains(lower, "bloquea"):
		return "block_resource"
	case strings.Contains(lower, "configure"), strings.Contains(lower, "change"),
		strings.Contains(lower, "configura"), strings.Contains(lower, "cambia"):
		return "configuration_change"
	default:
		return "general_action"
	}
}

// missingRequiredParam names the parameter a high-risk action cannot
// escalate without, or "" when the request is complete.
func missingRequiredParam(actionType string, params models.ExtractedParams) string {
	switch actionType {
	case "block_ip":
		if len(params.IPs) == 0 {
			return "ip"
		}
	case "quarantine_device", "isolate_network", "shutdown_system", "disable_firewall":
		if params.Device == "" {
			return "device"
		}
	case "delete_user":
		if params.Account == "" {
			return "account"
		}
	}
	return ""
}

// extractParams pulls IP literals, device names, account names, and
// severity hints from the raw message. Deterministic pattern matching only.
func extractParams(message string) models.ExtractedParams {
	var params models.ExtractedParams

	for _, candidate := range ipv4Pattern.FindAllString(message, -1) {
		if addr, err := netip.ParseAddr(candidate); err == nil && addr.Is4() {
			params.IPs = append(params.IPs, addr.String())
		}
	}
	for _, candidate := range ipv6Candidate.FindAllString(message, -1) {
		if addr, err := netip.ParseAddr(candidate); err == nil && addr.Is6() {
			params.IPs = append(params.IPs, addr.String())
		}
	}

	words := strings.Fields(message)
	for i, word := range words {
		switch strings.ToLower(strings.Trim(word, ".,!?")) {
		case "device", "host", "server", "workstation", "system", "firewall":
			if i+1 < len(words) {
				next := strings.Trim(words[i+1], ".,!?\"'")
				if next != "" && !isKeywordToken(next) {
					params.Device = strings.ToLower(next)
				}
			}
		case "user", "account", "usuario", "cuenta":
			if i+1 < len(words) {
				next := strings.Trim(words[i+1], ".,!?\"'")
				if next != "" && !isKeywordToken(next) {
					params.Account = next
				}
			}
		}
	}

	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "critical"), strings.Contains(lower, "crítico"), strings.Contains(lower, "critico"):
		params.SeverityHint = models.SeverityCritical
	case strings.Contains(lower, "urgent"), strings.Contains(lower, "urgente"):
		params.SeverityHint = models.SeverityCritical
	case strings.Contains(lower, "high"), strings.Contains(lower, "alta"):
		params.SeverityHint = models.SeverityHigh
	}

	return params
}

// isKeywordToken filters words that follow "device"/"user" markers but are
// sentence glue, not names ("the", "this", ...).
func isKeywordToken(word string) bool {
	switch strings.ToLower(word) {
	case "the", "this", "that", "a", "an", "is", "was", "el", "la", "este", "esta", "ese", "esa":
		return true
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
