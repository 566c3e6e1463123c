package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

const (
	geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	geminiModel   = "gemini-2.5-flash"
)

// GeminiClient calls generateContent.
type GeminiClient struct {
	apiKey    string
	baseURL   string
	model     string
	transport transport
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *GeminiClient) Complete(ctx context.Context, p Prompt) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	var req geminiRequest
	if p.System != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: p.System}}}
	}
	req.Contents = []geminiContent{{Role: "user", Parts: []geminiPart{{Text: p.User}}}}
	req.GenerationConfig.Temperature = p.Temperature
	req.GenerationConfig.MaxOutputTokens = p.MaxTokens

	url := c.baseURL + "/models/" + c.model + ":generateContent"
	var resp geminiResponse
	err := c.transport.postJSON(ctx, BackendGemini, url, map[string]string{"x-goog-api-key": c.apiKey}, req, &resp, func(body []byte) string {
		var e geminiError
		if json.Unmarshal(body, &e) == nil {
			return e.Error.Message
		}
		return ""
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			b.WriteString(part.Text)
		}
		if b.Len() > 0 {
			break
		}
	}
	if b.Len() == 0 {
		return "", errors.New("gemini returned no text")
	}
	return strings.TrimSpace(b.String()), nil
}
