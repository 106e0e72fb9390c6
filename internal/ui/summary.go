package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/rileyhilliard/vpsinit/internal/runner"
	"github.com/rileyhilliard/vpsinit/internal/util"
)

// RunSummary counts step outcomes.
type RunSummary struct {
	Applied int
	Skipped int
	Pending int
	Failed  int
}

// Summarize counts results by status.
func Summarize(results []runner.StepResult) RunSummary {
	var s RunSummary
	for _, r := range results {
		switch r.Status {
		case runner.Applied:
			s.Applied++
		case runner.Skipped:
			s.Skipped++
		case runner.Pending:
			s.Pending++
		case runner.Failed:
			s.Failed++
		}
	}
	return s
}

// RenderSummary returns the closing lines of a run. total is the number of
// planned steps; fewer results means the run stopped early.
func RenderSummary(results []runner.StepResult, total int, checkOnly bool) string {
	s := Summarize(results)
	successStyle := lipgloss.NewStyle().Foreground(ColorSuccess)
	errorStyle := lipgloss.NewStyle().Foreground(ColorError)
	warnStyle := lipgloss.NewStyle().Foreground(ColorWarning)
	mutedStyle := lipgloss.NewStyle().Foreground(ColorMuted)

	var parts []string
	if s.Applied > 0 {
		parts = append(parts, fmt.Sprintf("%d applied", s.Applied))
	}
	if s.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d already in place", s.Skipped))
	}
	if s.Pending > 0 {
		parts = append(parts, fmt.Sprintf("%d pending", s.Pending))
	}
	counts := mutedStyle.Render(strings.Join(parts, ", "))

	var b strings.Builder
	b.WriteString(FormatDivider(DividerWidth) + "\n")
	switch {
	case s.Failed > 0:
		notRun := total - len(results)
		line := fmt.Sprintf("%s Provisioning stopped", errorStyle.Render(SymbolFail))
		if notRun > 0 {
			line += fmt.Sprintf(" (%d %s not run)", notRun, util.Pluralize(notRun, "step", "steps"))
		}
		b.WriteString(line + "\n")
	case checkOnly && s.Pending > 0:
		b.WriteString(fmt.Sprintf("%s %d %s would change  %s\n",
			warnStyle.Render(SymbolPending), s.Pending, util.Pluralize(s.Pending, "step", "steps"), counts))
		b.WriteString(mutedStyle.Render("Run 'vpsinit provision' to apply them.") + "\n")
	case checkOnly:
		b.WriteString(fmt.Sprintf("%s Host is fully provisioned  %s\n", successStyle.Render(SymbolSuccess), counts))
	default:
		b.WriteString(fmt.Sprintf("%s Host provisioned  %s\n", successStyle.Render(SymbolSuccess), counts))
	}
	return b.String()
}
