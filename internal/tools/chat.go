package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opshalo/opshalo/pkg/models"
)

// systemPrompt frames the assistant for the informational path. Action
// execution never goes through the model; high-risk requests are escalated
// before any completion is requested.
const systemPrompt = `You are a security operations assistant. Answer questions about
alerts, logs, firewall state, and security documentation concisely. You are
read-only: never claim to have performed an infrastructure action.`

// maxHistoryTurns bounds how much thread history is replayed into the model
// context window.
const maxHistoryTurns = 10

// ChatDriver is the live ChatCompleter backed by the tenant's configured
// chat completion endpoint (OpenAI-compatible wire shape).
type ChatDriver struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

// NewChatDriver creates a live chat completion driver.
func NewChatDriver(endpoint, model, apiKey string, timeout time.Duration) *ChatDriver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ChatDriver{
		endpoint: endpoint,
		model:    model,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (d *ChatDriver) Mode() string { return "live" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete generates a reply to message given the recent thread history.
func (d *ChatDriver) Complete(ctx context.Context, history []models.Turn, message string) (string, error) {
	msgs := make([]chatMessage, 0, len(history)+2)
	msgs = append(msgs, chatMessage{Role: "system", Content: systemPrompt})

	start := 0
	if len(history) > maxHistoryTurns {
		start = len(history) - maxHistoryTurns
	}
	for _, turn := range history[start:] {
		msgs = append(msgs, chatMessage{Role: string(turn.Role), Content: turn.Content})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: message})

	body, err := json.Marshal(chatCompletionRequest{Model: d.model, Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("chat request encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat provider unreachable: %w", models.ErrDependencyUnavailable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("chat read: %w", models.ErrDependencyUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat provider returned %d: %w", resp.StatusCode, models.ErrDependencyUnavailable)
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("chat response decode: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("chat provider error: %s: %w", parsed.Error.Message, models.ErrDependencyUnavailable)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat provider returned no choices: %w", models.ErrDependencyUnavailable)
	}

	return parsed.Choices[0].Message.Content, nil
}
