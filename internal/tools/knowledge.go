package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opshalo/opshalo/pkg/contracts"
	"github.com/opshalo/opshalo/pkg/models"
)

// KnowledgeDriver searches the tenant's knowledge index (security policies,
// runbooks, documentation) and returns the top passages for grounding an
// informational answer.
type KnowledgeDriver struct {
	endpoint string
	index    string
	apiKey   string
	topK     int
	client   *http.Client
}

// NewKnowledgeDriver creates a live knowledge search driver.
func NewKnowledgeDriver(endpoint, index, apiKey string, timeout time.Duration) *KnowledgeDriver {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &KnowledgeDriver{
		endpoint: endpoint,
		index:    index,
		apiKey:   apiKey,
		topK:     5,
		client:   &http.Client{Timeout: timeout},
	}
}

func (d *KnowledgeDriver) Kind() string { return "knowledge" }

type knowledgeSearchRequest struct {
	Search string `json:"search"`
	Top    int    `json:"top"`
}

type knowledgeSearchResponse struct {
	Value []struct {
		Content string  `json:"content"`
		Title   string  `json:"title,omitempty"`
		Score   float64 `json:"@search.score,omitempty"`
	} `json:"value"`
}

// Invoke searches the index and summarizes the top passages.
func (d *KnowledgeDriver) Invoke(ctx context.Context, query string, _ map[string]string) (*contracts.ToolResult, error) {
	body, err := json.Marshal(knowledgeSearchRequest{Search: query, Top: d.topK})
	if err != nil {
		return nil, fmt.Errorf("knowledge request encode: %w", err)
	}

	url := fmt.Sprintf("%s/indexes/%s/docs/search", strings.TrimRight(d.endpoint, "/"), d.index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("knowledge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("api-key", d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge search unreachable: %w", models.ErrDependencyUnavailable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("knowledge read: %w", models.ErrDependencyUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("knowledge search returned %d: %w", resp.StatusCode, models.ErrDependencyUnavailable)
	}

	var parsed knowledgeSearchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("knowledge response decode: %w", err)
	}

	if len(parsed.Value) == 0 {
		return &contracts.ToolResult{
			Source:  "knowledge",
			Summary: "No relevant documents found.",
		}, nil
	}

	var sb strings.Builder
	data := make(map[string]string, len(parsed.Value))
	for i, doc := range parsed.Value {
		if i > 0 {
			sb.WriteString("\n")
		}
		snippet := doc.Content
		if len(snippet) > 500 {
			snippet = snippet[:500] + "…"
		}
		sb.WriteString(snippet)
		if doc.Title != "" {
			data[fmt.Sprintf("source_%d", i+1)] = doc.Title
		}
	}

	return &contracts.ToolResult{
		Source:  "knowledge",
		Summary: sb.String(),
		Data:    data,
	}, nil
}
