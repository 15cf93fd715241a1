// Package orchestrator ties the core together: one inbound chat message in,
// one reply (and possibly one work item) out.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opshalo/opshalo/internal/escalation"
	"github.com/opshalo/opshalo/internal/intent"
	"github.com/opshalo/opshalo/internal/sessions"
	"github.com/opshalo/opshalo/internal/tenantcache"
	"github.com/opshalo/opshalo/pkg/contracts"
	"github.com/opshalo/opshalo/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	historyWindow = 10
	toolTimeout   = 10 * time.Second
)

// Result is the outcome of one message pass.
type Result struct {
	Reply    string              `json:"reply"`
	ThreadID string              `json:"thread_id"`
	Intent   string              `json:"intent"`
	Mode     string              `json:"mode"`
	WorkItem *models.WorkItemRef `json:"work_item,omitempty"`
}

// Orchestrator runs the single-pass message pipeline: resolve tenant
// capabilities, persist the user turn, classify, act, persist the reply.
type Orchestrator struct {
	cache      *tenantcache.Cache
	sessions   *sessions.Manager
	classifier *intent.Classifier
	gateway    *escalation.Gateway
}

// New wires an Orchestrator from its collaborators.
func New(cache *tenantcache.Cache, sess *sessions.Manager, classifier *intent.Classifier, gateway *escalation.Gateway) *Orchestrator {
	return &Orchestrator{cache: cache, sessions: sess, classifier: classifier, gateway: gateway}
}

// HandleMessage processes one user message end to end. The user turn is
// persisted before classification, so even a failed pass leaves an accurate
// thread; the assistant turn is appended only when a reply was produced.
func (o *Orchestrator) HandleMessage(ctx context.Context, tenantID, userID, threadID, message string) (*Result, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("%w: message is required", models.ErrValidation)
	}

	entry, err := o.cache.Get(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve tenant config: %w", err)
	}

	thread, err := o.sessions.GetOrCreate(ctx, tenantID, userID, threadID)
	if err != nil {
		return nil, err
	}
	history, err := o.sessions.History(ctx, thread.ID, historyWindow)
	if err != nil {
		return nil, err
	}
	if err := o.sessions.Append(ctx, thread.ID, models.RoleUser, message); err != nil {
		return nil, err
	}

	cls := o.classifier.Classify(message)

	var (
		reply string
		ref   *models.WorkItemRef
	)
	switch {
	case cls.Intent == intent.IntentQuery:
		reply = o.answerQuery(ctx, entry, history, message, cls.Params)

	case cls.HighRisk && cls.MissingParam != "":
		reply = clarificationReply(cls)

	case cls.HighRisk:
		ref, err = o.gateway.Escalate(ctx, &models.EscalationRequest{
			TenantID:        tenantID,
			UserID:          userID,
			ThreadID:        thread.ID,
			ActionType:      cls.ActionType,
			Params:          cls.Params,
			OriginalMessage: message,
		})
		if err != nil {
			log.Error().Err(err).
				Str("tenant_id", tenantID).
				Str("action_type", cls.ActionType).
				Msg("Escalation handoff failed")
			reply = "I could not hand this off to the response team right now. " +
				"Nothing has been changed. Please retry, or contact your operations team directly if this is urgent."
			break
		}
		reply = escalationReply(cls, ref)

	default:
		// Low-risk action: acknowledge and simulate, never touch
		// infrastructure from the chat path.
		reply = fmt.Sprintf("I've noted the request (%s). This assistant is read-only, so no change was applied; "+
			"here is what the action would cover: %s.", cls.ActionType, describeTargets(cls.Params))
	}

	if appendErr := o.sessions.Append(ctx, thread.ID, models.RoleAssistant, reply); appendErr != nil {
		log.Warn().Err(appendErr).Str("thread_id", thread.ID).Msg("Assistant turn append failed")
	}

	result := &Result{
		Reply:    reply,
		ThreadID: thread.ID,
		Intent:   string(cls.Intent),
		Mode:     entry.Mode,
		WorkItem: ref,
	}
	log.Debug().
		Str("tenant_id", tenantID).
		Str("thread_id", thread.ID).
		Str("intent", result.Intent).
		Str("mode", entry.Mode).
		Bool("escalated", ref != nil).
		Msg("Message handled")
	return result, nil
}

// answerQuery runs the informational path: consult the relevant read-only
// tools, then let the chat completer (live or mock) phrase the answer. Tool
// or chat failures degrade the reply instead of failing the request.
func (o *Orchestrator) answerQuery(ctx context.Context, entry *tenantcache.Entry, history []models.Turn, message string, params models.ExtractedParams) string {
	results := o.consultTools(ctx, entry, message, params)

	prompt := message
	if len(results) > 0 {
		var b strings.Builder
		b.WriteString(message)
		b.WriteString("\n\nTool findings:\n")
		for _, r := range results {
			fmt.Fprintf(&b, "- [%s] %s\n", r.Source, r.Summary)
		}
		prompt = b.String()
	}

	reply, err := entry.Chat.Complete(ctx, history, prompt)
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", entry.TenantID).Msg("Chat completion failed, degrading to tool summaries")
		return degradedReply(results)
	}
	if mockResults(results) && entry.Mode == "live" {
		reply += "\n\n(Some tool data above is simulated; live tool integrations are not fully configured for this tenant.)"
	}
	return reply
}

// toolHints routes a query to tools by topic keywords. Unmatched queries
// fall back to knowledge search when the tenant has it.
var toolHints = map[string][]string{
	"loghunt":  {"log", "logs", "event", "events", "alert", "alerts", "incident", "registro", "alerta"},
	"firewall": {"firewall", "rule", "rules", "blocked", "port", "ports", "cortafuegos", "regla"},
	"metrics":  {"metric", "metrics", "cpu", "memory", "disk", "latency", "uptime", "performance", "métrica"},
}

func (o *Orchestrator) consultTools(ctx context.Context, entry *tenantcache.Entry, message string, extracted models.ExtractedParams) []*contracts.ToolResult {
	lower := strings.ToLower(message)

	kinds := make([]string, 0, 2)
	for kind, hints := range toolHints {
		if _, ok := entry.Tools[kind]; !ok {
			continue
		}
		for _, hint := range hints {
			if strings.Contains(lower, hint) {
				kinds = append(kinds, kind)
				break
			}
		}
	}
	if len(kinds) == 0 {
		if _, ok := entry.Tools["knowledge"]; ok {
			kinds = append(kinds, "knowledge")
		}
	}
	sort.Strings(kinds)

	params := map[string]string{}
	if len(extracted.IPs) > 0 {
		params["ip"] = extracted.IPs[0]
	}
	if extracted.Device != "" {
		params["device"] = extracted.Device
	}

	var results []*contracts.ToolResult
	for _, kind := range kinds {
		toolCtx, cancel := context.WithTimeout(ctx, toolTimeout)
		res, err := entry.Tools[kind].Invoke(toolCtx, message, params)
		cancel()
		if err != nil {
			log.Warn().Err(err).
				Str("tenant_id", entry.TenantID).
				Str("tool", kind).
				Msg("Tool invocation failed, continuing without it")
			continue
		}
		results = append(results, res)
	}
	return results
}

func degradedReply(results []*contracts.ToolResult) string {
	if len(results) == 0 {
		return "I couldn't reach the tenant's tools or AI provider just now, so I don't have an answer. Please try again shortly."
	}
	var b strings.Builder
	b.WriteString("The AI provider is unavailable, but here is what the tools reported:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "- [%s] %s\n", r.Source, r.Summary)
	}
	return b.String()
}

func mockResults(results []*contracts.ToolResult) bool {
	for _, r := range results {
		if r.Mock {
			return true
		}
	}
	return false
}

func clarificationReply(cls intent.Classification) string {
	need := cls.MissingParam
	switch need {
	case "ip":
		need = "the IP address"
	case "device":
		need = "the device or system name"
	case "account":
		need = "the account name"
	}
	return fmt.Sprintf("That looks like a %s request, which requires a human-approved work item. "+
		"Before I can raise it I need %s — could you provide it?",
		strings.ReplaceAll(cls.ActionType, "_", " "), need)
}

func escalationReply(cls intent.Classification, ref *models.WorkItemRef) string {
	verb := "created"
	if ref.Deduplicated {
		verb = "already open; I've linked your request to it"
	}
	return fmt.Sprintf("This is a protected action (%s), so I've escalated it rather than acting directly. "+
		"Work item %s (%s severity) is %s. The response team will review and execute it.",
		strings.ReplaceAll(cls.ActionType, "_", " "), ref.ID, ref.Severity, verb)
}

func describeTargets(p models.ExtractedParams) string {
	parts := make([]string, 0, 3)
	if len(p.IPs) > 0 {
		parts = append(parts, "IPs "+strings.Join(p.IPs, ", "))
	}
	if p.Device != "" {
		parts = append(parts, "device "+p.Device)
	}
	if p.Account != "" {
		parts = append(parts, "account "+p.Account)
	}
	if len(parts) == 0 {
		return "no specific target was named"
	}
	return strings.Join(parts, "; ")
}
