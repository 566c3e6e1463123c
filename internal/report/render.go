package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"reportline/internal/domain"
)

const (
	// ClosedGlyph marks a closed item.
	ClosedGlyph = "✅"
	// OpenGlyph marks any item that is not closed.
	OpenGlyph = "🟢"

	// DateLayout renders dates as M/D/YYYY.
	DateLayout = "1/2/2006"
)

// Render builds the Markdown body for a period. It is pure: identical inputs
// give byte-identical output.
func Render(p domain.Period, groups []domain.Group, summaries domain.Summaries) domain.RenderedReport {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", p.Name)
	fmt.Fprintf(&b, "**Start Date:** %s\n", FormatDate(p.Start))
	fmt.Fprintf(&b, "**Due Date:** %s\n\n", FormatDate(p.End))

	if len(groups) > 0 {
		b.WriteString("### Work by Assignee:\n\n")
		for _, g := range groups {
			fmt.Fprintf(&b, "**%s** (%d issues):\n", g.Name, len(g.Items))
			if text, ok := summaries[g.Name]; ok && text != "" {
				fmt.Fprintf(&b, "*%s*\n\n", text)
			}
			for _, e := range g.Items {
				b.WriteString(entryLine(e))
				b.WriteByte('\n')
			}
			b.WriteByte('\n')
		}
	}

	// The flat list follows fetch order, not group order.
	var flat []domain.GroupEntry
	seen := make(map[int64]struct{})
	for _, g := range groups {
		for _, e := range g.Items {
			if _, dup := seen[e.IID]; dup {
				continue
			}
			seen[e.IID] = struct{}{}
			flat = append(flat, e)
		}
	}
	sort.SliceStable(flat, func(i, j int) bool { return flat[i].Seq < flat[j].Seq })
	lines := make([]string, 0, len(flat))
	iids := make([]int64, 0, len(flat))
	for _, e := range flat {
		lines = append(lines, entryLine(e))
		iids = append(iids, e.IID)
	}
	b.WriteString("### All Issues:\n")
	b.WriteString(strings.Join(lines, "\n"))

	return domain.RenderedReport{Body: b.String(), IIDs: iids}
}

// FormatDate formats t in its own location. The zero time renders empty.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

// Glyph returns the status marker for an item state.
func Glyph(state string) string {
	if state == domain.StateClosed {
		return ClosedGlyph
	}
	return OpenGlyph
}

func entryLine(e domain.GroupEntry) string {
	if e.WebURL == "" {
		return fmt.Sprintf("- %s %s", Glyph(e.State), e.Title)
	}
	return fmt.Sprintf("- %s [%s](%s)", Glyph(e.State), e.Title, e.WebURL)
}

// Title is the title given to a newly created report record.
func Title(p domain.Period) string {
	switch p.Scope.Kind {
	case domain.ScopeMilestone:
		return p.Name + " – Report"
	case domain.ScopeRange:
		return fmt.Sprintf("Time Period Report – %s - %s", FormatDate(p.Start), FormatDate(p.End))
	default:
		return p.Name + " – Iteration Report"
	}
}

// Label is the category label attached to a newly created report record.
func Label(kind domain.ScopeKind) string {
	switch kind {
	case domain.ScopeMilestone:
		return "milestone-report"
	case domain.ScopeRange:
		return "time-period-report"
	default:
		return "iteration-report"
	}
}
