package cli

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/rileyhilliard/vpsinit/internal/config"
	"github.com/rileyhilliard/vpsinit/internal/errors"
	"github.com/rileyhilliard/vpsinit/internal/runner"
	"golang.org/x/term"
)

// confirmRun asks before changing the host. Without a terminal on stdin
// there is nobody to ask and the run proceeds, as with --yes.
func confirmRun(app *App, cfg *config.Config, steps []runner.Step) (bool, error) {
	title := fmt.Sprintf("Provision %s as %s?", cfg.Host, cfg.AdminUser)
	desc := describePlan(steps)

	if app.Confirm != nil {
		return app.Confirm(title, desc)
	}

	stdin, ok := app.Stdin.(*os.File)
	if !ok || !term.IsTerminal(int(stdin.Fd())) {
		return true, nil
	}

	proceed := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(desc).
				Affirmative("Provision").
				Negative("Cancel").
				Value(&proceed),
		),
	).WithProgramOptions(tea.WithOutput(os.Stderr), tea.WithInput(stdin))

	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			return false, nil
		}
		return false, errors.WrapWithCode(err, errors.ErrConfig,
			"Confirmation prompt failed",
			"Pass --yes to skip the prompt")
	}
	return proceed, nil
}

// describePlan lists the steps and calls out the one that disables root login.
func describePlan(steps []runner.Step) string {
	names := make([]string, 0, len(steps))
	handoff := false
	for _, s := range steps {
		names = append(names, s.Name)
		handoff = handoff || s.Handoff
	}
	desc := strings.Join(names, " → ")
	if handoff {
		desc += "\n\nRoot and password SSH login will be disabled; later runs log in with your key."
	}
	return desc
}
