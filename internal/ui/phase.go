package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rileyhilliard/vpsinit/internal/remote"
	"github.com/rileyhilliard/vpsinit/internal/runner"
	"golang.org/x/term"
)

// DividerWidth is the default width for divider lines.
const DividerWidth = 64

const (
	nameWidth = 20
	descWidth = 40
)

// StepDisplay renders step progress to an output writer. It implements
// runner.Observer.
type StepDisplay struct {
	w           io.Writer
	interactive bool

	mu        sync.Mutex
	descs     map[string]string
	mode      remote.Mode
	modeKnown bool
	adminUser string
}

var _ runner.Observer = (*StepDisplay)(nil)

// NewStepDisplay creates a display writing to w. In-place progress lines
// are used only when w is a terminal.
func NewStepDisplay(w io.Writer, adminUser string) *StepDisplay {
	return &StepDisplay{
		w:           w,
		interactive: IsTerminal(w),
		descs:       make(map[string]string),
		adminUser:   adminUser,
	}
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// StepStarted implements runner.Observer.
func (d *StepDisplay) StepStarted(step runner.Step, mode remote.Mode) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.descs[step.Name] = step.Description
	if !d.modeKnown || mode != d.mode {
		d.renderMode(mode)
	}
	if d.interactive {
		style := lipgloss.NewStyle().Foreground(ColorSecondary)
		fmt.Fprintf(d.w, "\r%s %s...", style.Render(SymbolProgress), step.Name)
	}
}

// StepFinished implements runner.Observer.
func (d *StepDisplay) StepFinished(res runner.StepResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.interactive {
		d.clearLine()
	}
	desc := d.descs[res.Name]
	timing := lipgloss.NewStyle().Foreground(ColorMuted)

	switch res.Status {
	case runner.Applied:
		detail := formatDuration(res.Duration)
		if res.Note != "" {
			detail += " (" + res.Note + ")"
		}
		fmt.Fprintln(d.w, FormatStep(SymbolSuccess, ColorSuccess, res.Name, desc, timing.Render(detail)))
	case runner.Skipped:
		fmt.Fprintln(d.w, FormatStep(SymbolSkipped, ColorWarning, res.Name, desc, timing.Render("already in place")))
	case runner.Pending:
		fmt.Fprintln(d.w, FormatStep(SymbolPending, ColorInfo, res.Name, desc, timing.Render("pending")))
	case runner.Failed:
		fmt.Fprintln(d.w, FormatStep(SymbolFail, ColorError, res.Name, desc, timing.Render(formatDuration(res.Duration))))
	}
}

// RenderMode prints the credential mode the run is using.
func (d *StepDisplay) RenderMode(mode remote.Mode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.renderMode(mode)
}

func (d *StepDisplay) renderMode(mode remote.Mode) {
	if d.interactive {
		d.clearLine()
	}
	who := "root (password)"
	if mode == remote.KeyBasedUser {
		who = d.adminUser + " (key, sudo)"
	}
	verb := "Connected as"
	if d.modeKnown {
		verb = "Switched to"
	}
	style := lipgloss.NewStyle().Foreground(ColorSuccess)
	muted := lipgloss.NewStyle().Foreground(ColorMuted)
	fmt.Fprintf(d.w, "%s %s %s\n", style.Render(SymbolComplete), verb, muted.Render(who))
	d.mode = mode
	d.modeKnown = true
}

// Divider renders a horizontal line.
func (d *StepDisplay) Divider() {
	fmt.Fprintln(d.w, FormatDivider(DividerWidth))
}

// clearLine clears the current line (for overwriting progress output).
func (d *StepDisplay) clearLine() {
	fmt.Fprint(d.w, "\r"+strings.Repeat(" ", 80)+"\r")
}

// FormatStep returns one aligned step line.
func FormatStep(symbol string, symbolColor lipgloss.Color, name, desc, detail string) string {
	symbolStyle := lipgloss.NewStyle().Foreground(symbolColor)
	line := symbolStyle.Render(symbol) + " " + padRight(name, nameWidth)
	if desc != "" {
		line += " " + padRight(desc, descWidth)
	}
	if detail != "" {
		line += " " + detail
	}
	return strings.TrimRight(line, " ")
}

// FormatDivider returns a divider line as a string.
func FormatDivider(width int) string {
	style := lipgloss.NewStyle().Foreground(ColorMuted)
	return style.Render(strings.Repeat("━", width))
}

func formatDuration(d time.Duration) string {
	secs := d.Seconds()
	if secs < 0.1 {
		return fmt.Sprintf("%.2fs", secs)
	}
	return fmt.Sprintf("%.1fs", secs)
}

func padRight(s string, width int) string {
	visible := lipgloss.Width(s)
	if visible >= width {
		return s
	}
	return s + strings.Repeat(" ", width-visible)
}
