package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/rileyhilliard/vpsinit/internal/runner"
)

// RenderStepList renders the planned steps as a numbered table.
func RenderStepList(steps []runner.Step) string {
	if len(steps) == 0 {
		return "No steps planned"
	}

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(ColorMuted)
	mutedStyle := lipgloss.NewStyle().Foreground(ColorMuted)
	warnStyle := lipgloss.NewStyle().Foreground(ColorWarning)

	var b strings.Builder
	b.WriteString(headerStyle.Render("  #  "+padRight("STEP", nameWidth)+" DESCRIPTION") + "\n")
	for i, step := range steps {
		line := fmt.Sprintf("  %2d %s %s", i+1, padRight(step.Name, nameWidth), step.Description)
		switch {
		case step.Handoff:
			line += " " + warnStyle.Render("(switches to key login)")
		case step.TolerateDisconnect:
			line += " " + mutedStyle.Render("(may drop the connection)")
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
