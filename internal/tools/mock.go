package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/opshalo/opshalo/pkg/contracts"
	"github.com/opshalo/opshalo/pkg/models"
)

// Mock drivers back mock mode: a tenant without full provider configuration
// still gets coherent, clearly labeled simulated answers instead of errors.

// MockDriver is a ToolDriver returning canned results for one tool kind.
type MockDriver struct {
	kind string
}

// NewMockDriver creates a simulated tool driver.
func NewMockDriver(kind string) *MockDriver { return &MockDriver{kind: kind} }

func (d *MockDriver) Kind() string { return d.kind }

func (d *MockDriver) Invoke(_ context.Context, query string, _ map[string]string) (*contracts.ToolResult, error) {
	var summary string
	switch d.kind {
	case "loghunt":
		summary = "Found 3 simulated log events matching the query in the last 24h: 2 failed " +
			"login attempts from 203.0.113.7, 1 blocked outbound connection."
	case "firewall":
		summary = "Simulated firewall status: 847 active rules, 12 blocked sources in the last " +
			"hour, no policy violations detected."
	case "metrics":
		summary = "Simulated metrics: CPU 34%, memory 61%, 0 critical alerts firing."
	case "knowledge":
		summary = fmt.Sprintf("Simulated knowledge result for %q: refer to the incident response "+
			"runbook, section 4 (containment).", query)
	default:
		summary = fmt.Sprintf("Simulated %s result for %q.", d.kind, query)
	}
	return &contracts.ToolResult{
		Source:  d.kind,
		Summary: summary,
		Mock:    true,
	}, nil
}

// MockChat is the ChatCompleter used in mock mode.
type MockChat struct{}

func (MockChat) Mode() string { return "mock" }

// Complete returns a labeled simulated answer. The label is part of the
// contract: a mock reply must never be mistakable for a live one.
func (MockChat) Complete(_ context.Context, _ []models.Turn, message string) (string, error) {
	trimmed := strings.TrimSpace(message)
	if len(trimmed) > 120 {
		trimmed = trimmed[:120] + "…"
	}
	return fmt.Sprintf("[simulated] This tenant has no live AI provider configured. "+
		"In live mode I would answer: %q using the tenant's knowledge base and monitoring tools.", trimmed), nil
}
