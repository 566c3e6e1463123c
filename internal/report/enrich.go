package report

import (
	"context"

	"reportline/internal/domain"
	"reportline/internal/logging"
)

// FailedSummary replaces the summary of a group whose generation failed.
const FailedSummary = "Failed to generate AI summary"

// SummaryRequest is what a generator needs to describe one group.
type SummaryRequest struct {
	Assignee string
	Titles   []string
	Phase    domain.Phase
}

// SummaryGenerator produces the free-text summary for one group.
type SummaryGenerator interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

// SummaryFunc adapts a function to SummaryGenerator.
type SummaryFunc func(ctx context.Context, req SummaryRequest) (string, error)

func (f SummaryFunc) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	return f(ctx, req)
}

// Enricher runs one summary call per group, one at a time.
type Enricher struct {
	Generator SummaryGenerator
	Logger    logging.Logger
}

// Enrich summarizes groups in order and calls emit with a fresh snapshot after
// every processed group. A failed call stores FailedSummary for that group and
// the loop moves on. Empty groups are skipped. When ctx is done between calls
// Enrich stops and returns the report built so far with ctx.Err().
func (e Enricher) Enrich(ctx context.Context, p domain.Period, groups []domain.Group, emit func(domain.Snapshot)) (domain.RenderedReport, error) {
	logger := logging.OrDiscard(e.Logger)
	summaries := domain.Summaries{}
	current := Render(p, groups, summaries)

	total := 0
	for _, g := range groups {
		if len(g.Items) > 0 {
			total++
		}
	}

	step := 0
	for _, g := range groups {
		if len(g.Items) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return current, err
		}
		step++
		titles := make([]string, 0, len(g.Items))
		for _, item := range g.Items {
			titles = append(titles, item.Title)
		}
		text, err := e.Generator.Summarize(ctx, SummaryRequest{
			Assignee: g.Name,
			Titles:   titles,
			Phase:    p.Phase,
		})
		failed := err != nil
		if failed {
			logger.Warn("summary generation failed", "group", g.Name, "error", err)
			text = FailedSummary
		}
		summaries[g.Name] = text
		current = Render(p, groups, summaries)
		if emit != nil {
			emit(domain.Snapshot{
				Report:    copyReport(current),
				Summaries: summaries.Clone(),
				Group:     g.Name,
				Step:      step,
				Total:     total,
				Failed:    failed,
			})
		}
	}
	return current, nil
}

func copyReport(r domain.RenderedReport) domain.RenderedReport {
	return domain.RenderedReport{Body: r.Body, IIDs: append([]int64(nil), r.IIDs...)}
}
