package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"reportline/internal/domain"
	"reportline/internal/report"
)

var (
	stepStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// progress prints one line per enrichment step to stderr. Styling is applied
// only when stderr is a terminal.
type progress struct {
	w      io.Writer
	styled bool
}

func newProgress() progress {
	return progress{w: os.Stderr, styled: term.IsTerminal(int(os.Stderr.Fd()))}
}

func (p progress) render(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p progress) header(d domain.Draft) {
	fmt.Fprintln(p.w, p.render(headerStyle, report.Title(d.Period)))
}

func (p progress) step(s domain.Snapshot) {
	counter := p.render(stepStyle, fmt.Sprintf("[%d/%d]", s.Step, s.Total))
	status := p.render(okStyle, "ok")
	if s.Failed {
		status = p.render(failStyle, "failed")
	}
	fmt.Fprintf(p.w, "%s %s %s\n", counter, s.Group, status)
}

func (p progress) linkFailures(fs []domain.LinkFailure) {
	for _, f := range fs {
		fmt.Fprintf(p.w, "%s #%d: %s\n", p.render(failStyle, "link failed"), f.TargetIID, f.Error)
	}
}
