package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

const (
	openaiBaseURL = "https://api.openai.com/v1"
	openaiModel   = "gpt-4o-mini"
)

// OpenAIClient speaks the OpenAI chat completions protocol. Any compatible
// endpoint (DeepSeek, a local gateway) works by changing the base URL.
type OpenAIClient struct {
	apiKey    string
	baseURL   string
	model     string
	transport transport
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message openaiMessage `json:"message"`
	} `json:"choices"`
}

type openaiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *OpenAIClient) Complete(ctx context.Context, p Prompt) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	var messages []openaiMessage
	if p.System != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: p.System})
	}
	messages = append(messages, openaiMessage{Role: "user", Content: p.User})
	req := openaiRequest{Model: c.model, Messages: messages, Temperature: p.Temperature, MaxTokens: p.MaxTokens}

	var resp openaiResponse
	err := c.transport.postJSON(ctx, BackendOpenAI, c.baseURL+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + c.apiKey}, req, &resp, func(body []byte) string {
			var e openaiError
			if json.Unmarshal(body, &e) == nil {
				return e.Error.Message
			}
			return ""
		})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
