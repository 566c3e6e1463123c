package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportline/internal/domain"
	"reportline/internal/llm"
	"reportline/internal/report"
)

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "deepseek-chat", body["model"])
		msgs := body["messages"].([]any)
		if !assert.Len(t, msgs, 2) {
			return
		}
		assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
		assert.Equal(t, "hello", msgs[1].(map[string]any)["content"])
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  hi there \n"}}]}`))
	}))
	defer srv.Close()

	c, err := llm.New(llm.Config{Backend: "openai", APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Model: "deepseek-chat"})
	require.NoError(t, err)
	out, err := c.Complete(context.Background(), llm.Prompt{System: "be brief", User: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", out)
}

func TestOpenAIRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"slow down"}}`))
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c, err := llm.New(llm.Config{APIKey: "k", BaseURL: srv.URL, InitialDelay: time.Millisecond})
	require.NoError(t, err)
	out, err := c.Complete(context.Background(), llm.Prompt{User: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestOpenAIDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	c, err := llm.New(llm.Config{APIKey: "k", BaseURL: srv.URL, InitialDelay: time.Millisecond})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), llm.Prompt{User: "x"})
	var apiErr *llm.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "bad key", apiErr.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "ak", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sys", body["system"])
		assert.Equal(t, float64(1024), body["max_tokens"])
		w.Write([]byte(`{"content":[{"type":"text","text":"Ana shipped it."}]}`))
	}))
	defer srv.Close()

	c, err := llm.New(llm.Config{Backend: "anthropic", APIKey: "ak", BaseURL: srv.URL})
	require.NoError(t, err)
	out, err := c.Complete(context.Background(), llm.Prompt{System: "sys", User: "u"})
	require.NoError(t, err)
	assert.Equal(t, "Ana shipped it.", out)
}

func TestGeminiComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "gk", r.Header.Get("x-goog-api-key"))
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"part one "},{"text":"part two"}]}}]}`))
	}))
	defer srv.Close()

	c, err := llm.New(llm.Config{Backend: "gemini", APIKey: "gk", BaseURL: srv.URL})
	require.NoError(t, err)
	out, err := c.Complete(context.Background(), llm.Prompt{User: "u"})
	require.NoError(t, err)
	assert.Equal(t, "part one part two", out)
}

func TestMissingKeyAndUnknownBackend(t *testing.T) {
	c, err := llm.New(llm.Config{Backend: "openai"})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), llm.Prompt{User: "x"})
	assert.ErrorIs(t, err, llm.ErrMissingAPIKey)

	_, err = llm.New(llm.Config{Backend: "fal"})
	assert.Error(t, err)
}

func TestSummaryPrompt(t *testing.T) {
	p := llm.SummaryPrompt(report.SummaryRequest{
		Assignee: "Ana",
		Titles:   []string{"Fix login", "Add docs"},
		Phase:    domain.PhaseCurrent,
	})
	assert.Contains(t, p.System, "what this person is working on.")
	assert.Equal(t, "Assignee: Ana\n\nIssue titles:\n- Fix login\n- Add docs", p.User)
	assert.Equal(t, 0.3, p.Temperature)
}

func TestSummarizer(t *testing.T) {
	var got llm.Prompt
	s := llm.Summarizer{Completer: llm.CompleterFunc(func(_ context.Context, p llm.Prompt) (string, error) {
		got = p
		return " Ana worked on auth. ", nil
	})}
	out, err := s.Summarize(context.Background(), report.SummaryRequest{Assignee: "Ana", Titles: []string{"a"}, Phase: domain.PhaseClosed})
	require.NoError(t, err)
	assert.Equal(t, "Ana worked on auth.", out)
	assert.Contains(t, got.System, "this person worked on")

	failing := llm.Summarizer{Completer: llm.CompleterFunc(func(context.Context, llm.Prompt) (string, error) {
		return "", errors.New("down")
	})}
	_, err = failing.Summarize(context.Background(), report.SummaryRequest{Assignee: "Ana"})
	assert.EqualError(t, err, "down")

	blank := llm.Summarizer{Completer: llm.CompleterFunc(func(context.Context, llm.Prompt) (string, error) {
		return "   ", nil
	})}
	_, err = blank.Summarize(context.Background(), report.SummaryRequest{Assignee: "Ana"})
	assert.Error(t, err)
}

func TestParseDraft(t *testing.T) {
	res := llm.ParseDraft("Sure!\n```json\n{\"title\":\"Add SSO\",\"description\":\"Support SAML\"}\n```")
	assert.Equal(t, llm.DraftParsed, res.Status)
	assert.Equal(t, "Add SSO", res.Draft.Title)
	assert.Equal(t, "Support SAML", res.Draft.Description)

	res = llm.ParseDraft(`{"title": "broken"`)
	assert.Equal(t, llm.DraftParseFailed, res.Status)
	assert.NotEmpty(t, res.ParseError)
	assert.Equal(t, `{"title": "broken"`, res.Raw)

	res = llm.ParseDraft("  ")
	assert.Equal(t, llm.DraftEmpty, res.Status)

	res = llm.ParseDraft("{}")
	assert.Equal(t, llm.DraftEmpty, res.Status)
}

func TestDraftIssue(t *testing.T) {
	c := llm.CompleterFunc(func(_ context.Context, p llm.Prompt) (string, error) {
		assert.Contains(t, p.System, `"acceptanceCriteria"`)
		assert.Equal(t, "login with SSO", p.User)
		return `{"title":"SSO login","description":"d","acceptanceCriteria":"- works","dependencies":"none"}`, nil
	})
	res, err := llm.DraftIssue(context.Background(), c, "login with SSO")
	require.NoError(t, err)
	assert.Equal(t, llm.DraftParsed, res.Status)
	assert.Equal(t, "- works", res.Draft.AcceptanceCriteria)

	_, err = llm.DraftEpic(context.Background(), llm.CompleterFunc(func(context.Context, llm.Prompt) (string, error) {
		return "", errors.New("offline")
	}), "x")
	assert.Error(t, err)
}
