package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

const (
	anthropicBaseURL   = "https://api.anthropic.com/v1"
	anthropicModel     = "claude-3-5-sonnet-20241022"
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 1024
)

// AnthropicClient calls the Messages API.
type AnthropicClient struct {
	apiKey    string
	baseURL   string
	model     string
	transport transport
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *AnthropicClient) Complete(ctx context.Context, p Prompt) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	req := anthropicRequest{
		Model:       c.model,
		System:      p.System,
		Messages:    []anthropicMessage{{Role: "user", Content: p.User}},
		MaxTokens:   maxTokens,
		Temperature: p.Temperature,
	}
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}
	var resp anthropicResponse
	err := c.transport.postJSON(ctx, BackendAnthropic, c.baseURL+"/messages", headers, req, &resp, func(body []byte) string {
		var e anthropicError
		if json.Unmarshal(body, &e) == nil {
			return e.Error.Message
		}
		return ""
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("anthropic returned no text content")
	}
	return strings.TrimSpace(b.String()), nil
}
