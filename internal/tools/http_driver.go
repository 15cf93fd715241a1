// Package tools provides the read-only security tool drivers and chat
// completion handles a tenant's agent works with.
//
// Every driver implements the same contract: invoke with a query and
// parameters, get a normalized result or a failure. Live drivers call the
// tenant's configured backends over HTTP; mock drivers return clearly
// labeled simulated results when a tenant has no live configuration.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opshalo/opshalo/pkg/contracts"
	"github.com/opshalo/opshalo/pkg/models"
)

// HTTPDriver is the live implementation of ToolDriver for a tenant-scoped
// tool backend (log search, firewall status, metrics). The backend exposes
// a single query endpoint; the driver normalizes its reply.
type HTTPDriver struct {
	kind    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPDriver creates a live tool driver for one backend endpoint.
func NewHTTPDriver(kind, baseURL, apiKey string, timeout time.Duration) *HTTPDriver {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPDriver{
		kind:    kind,
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDriver) Kind() string { return d.kind }

type toolQueryRequest struct {
	Query  string            `json:"query"`
	Params map[string]string `json:"params,omitempty"`
}

type toolQueryResponse struct {
	Summary string            `json:"summary"`
	Data    map[string]string `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Invoke runs a read-only query against the backend. Unreachable or erroring
// backends surface as ErrDependencyUnavailable; the caller decides whether
// to degrade or fail.
func (d *HTTPDriver) Invoke(ctx context.Context, query string, params map[string]string) (*contracts.ToolResult, error) {
	body, err := json.Marshal(toolQueryRequest{Query: query, Params: params})
	if err != nil {
		return nil, fmt.Errorf("%s request encode: %w", d.kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", d.kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s unreachable: %w", d.kind, models.ErrDependencyUnavailable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s read: %w", d.kind, models.ErrDependencyUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d: %w", d.kind, resp.StatusCode, models.ErrDependencyUnavailable)
	}

	var parsed toolQueryResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%s response decode: %w", d.kind, err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("%s error: %s: %w", d.kind, parsed.Error, models.ErrDependencyUnavailable)
	}

	return &contracts.ToolResult{
		Source:  d.kind,
		Summary: parsed.Summary,
		Data:    parsed.Data,
	}, nil
}
