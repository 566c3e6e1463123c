package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"reportline/internal/report"
)

const summaryTemperature = 0.3

// Summarizer writes a short per-assignee work summary.
type Summarizer struct {
	Completer Completer
}

var _ report.SummaryGenerator = Summarizer{}

func (s Summarizer) Summarize(ctx context.Context, req report.SummaryRequest) (string, error) {
	if s.Completer == nil {
		return "", errors.New("no llm backend configured")
	}
	text, err := s.Completer.Complete(ctx, SummaryPrompt(req))
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty summary for %s", req.Assignee)
	}
	return text, nil
}

// SummaryPrompt builds the prompt for one assignee group.
func SummaryPrompt(req report.SummaryRequest) Prompt {
	system := fmt.Sprintf("You are a helpful assistant that creates concise work summaries. "+
		"Based on the issue titles provided, create a brief 2-3 sentence summary of what this person %s on. "+
		"Focus on the main themes and accomplishments. Respond with plain text, no JSON.", req.Phase.Tense())
	var b strings.Builder
	fmt.Fprintf(&b, "Assignee: %s\n\nIssue titles:", req.Assignee)
	for _, t := range req.Titles {
		b.WriteString("\n- ")
		b.WriteString(t)
	}
	return Prompt{System: system, User: b.String(), Temperature: summaryTemperature}
}
