package llm

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"reportline/internal/domain"
)

const (
	draftTemperature = 0.5

	issueSystemPrompt = `You are a helpful assistant that writes GitLab issue titles and descriptions in Markdown. Respond ONLY with valid JSON with keys "title", "description", "acceptanceCriteria", and "dependencies".`
	epicSystemPrompt  = `You are a helpful assistant that writes GitLab epic titles and descriptions in Markdown. Respond ONLY with valid JSON with keys "title" and "description".`
)

// DraftStatus tells how a model response was interpreted.
type DraftStatus string

const (
	DraftParsed      DraftStatus = "parsed"
	DraftParseFailed DraftStatus = "parse_failed"
	DraftEmpty       DraftStatus = "empty"
)

// DraftResult is the outcome of a best-effort draft. Raw always holds the
// model's text so callers can show it when parsing failed.
type DraftResult struct {
	Status     DraftStatus       `json:"status" enum:"parsed,parse_failed,empty"`
	Draft      domain.IssueDraft `json:"draft"`
	Raw        string            `json:"raw"`
	ParseError string            `json:"parse_error,omitempty"`
}

var fencedJSON = regexp.MustCompile("(?is)```json\\s*(.*?)\\s*```")

// ExtractJSON returns the contents of a ```json fence, or the trimmed text.
func ExtractJSON(text string) string {
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// ParseDraft never fails: malformed output is reported through Status.
func ParseDraft(raw string) DraftResult {
	res := DraftResult{Raw: raw}
	text := ExtractJSON(raw)
	if text == "" {
		res.Status = DraftEmpty
		return res
	}
	if err := json.Unmarshal([]byte(text), &res.Draft); err != nil {
		res.Status = DraftParseFailed
		res.ParseError = err.Error()
		res.Draft = domain.IssueDraft{}
		return res
	}
	if res.Draft == (domain.IssueDraft{}) {
		res.Status = DraftEmpty
		return res
	}
	res.Status = DraftParsed
	return res
}

// DraftIssue asks the model for an issue draft. Only transport failures are errors.
func DraftIssue(ctx context.Context, c Completer, prompt string) (DraftResult, error) {
	return draft(ctx, c, issueSystemPrompt, prompt)
}

// DraftEpic asks the model for an epic draft.
func DraftEpic(ctx context.Context, c Completer, prompt string) (DraftResult, error) {
	return draft(ctx, c, epicSystemPrompt, prompt)
}

func draft(ctx context.Context, c Completer, system, prompt string) (DraftResult, error) {
	raw, err := c.Complete(ctx, Prompt{System: system, User: prompt, Temperature: draftTemperature})
	if err != nil {
		return DraftResult{}, err
	}
	return ParseDraft(raw), nil
}
