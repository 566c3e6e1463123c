// Package llm talks to text-generation backends.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
	BackendGemini    = "gemini"

	defaultMaxRetries   = 3
	defaultInitialDelay = 1 * time.Second
	defaultTimeout      = 60 * time.Second
)

// Prompt is a single completion request.
type Prompt struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Completer turns a prompt into text.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, p Prompt) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, p Prompt) (string, error) { return f(ctx, p) }

// Config selects and configures a backend.
type Config struct {
	Backend    string
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	MaxRetries int
	// InitialDelay is the first backoff delay; later retries double it.
	InitialDelay time.Duration
}

// ErrMissingAPIKey is returned when a backend is used without credentials.
var ErrMissingAPIKey = errors.New("llm api key not set")

// New builds the Completer named by cfg.Backend. An empty backend selects OpenAI.
func New(cfg Config) (Completer, error) {
	t := newTransport(cfg)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendOpenAI:
		return &OpenAIClient{apiKey: cfg.APIKey, baseURL: orDefault(cfg.BaseURL, openaiBaseURL), model: orDefault(cfg.Model, openaiModel), transport: t}, nil
	case BackendAnthropic:
		return &AnthropicClient{apiKey: cfg.APIKey, baseURL: orDefault(cfg.BaseURL, anthropicBaseURL), model: orDefault(cfg.Model, anthropicModel), transport: t}, nil
	case BackendGemini:
		return &GeminiClient{apiKey: cfg.APIKey, baseURL: orDefault(cfg.BaseURL, geminiBaseURL), model: orDefault(cfg.Model, geminiModel), transport: t}, nil
	default:
		return nil, fmt.Errorf("unsupported llm backend %q", cfg.Backend)
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimRight(v, "/")
}

// APIError is a non-2xx response from a backend.
type APIError struct {
	Backend    string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (%d): %s", e.Backend, e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed if sent again.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type transport struct {
	client       *http.Client
	maxRetries   int
	initialDelay time.Duration
}

func newTransport(cfg Config) transport {
	t := transport{client: cfg.HTTPClient, maxRetries: cfg.MaxRetries, initialDelay: cfg.InitialDelay}
	if t.client == nil {
		t.client = &http.Client{Timeout: defaultTimeout}
	}
	if t.maxRetries <= 0 {
		t.maxRetries = defaultMaxRetries
	}
	if t.initialDelay <= 0 {
		t.initialDelay = defaultInitialDelay
	}
	return t
}

// postJSON sends body to url and decodes a 2xx response into out. 429 and 5xx
// responses and transport errors are retried with exponential backoff.
// errMessage extracts the backend's error message from a failed response body.
func (t transport) postJSON(ctx context.Context, backend, url string, headers map[string]string, body, out any, errMessage func([]byte) string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	var lastErr error
	for attempt := 0; attempt < t.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * t.initialDelay
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		res, err := t.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("%s request failed: %w", backend, err)
			continue
		}
		data, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read %s response: %w", backend, err)
			continue
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			msg := ""
			if errMessage != nil {
				msg = errMessage(data)
			}
			if msg == "" {
				msg = strings.TrimSpace(string(data))
			}
			apiErr := &APIError{Backend: backend, StatusCode: res.StatusCode, Message: msg}
			if !apiErr.Retryable() {
				return apiErr
			}
			lastErr = apiErr
			continue
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", backend, err)
		}
		return nil
	}
	return lastErr
}
