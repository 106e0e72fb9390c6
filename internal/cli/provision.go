package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/rileyhilliard/vpsinit/internal/config"
	"github.com/rileyhilliard/vpsinit/internal/plan"
	"github.com/rileyhilliard/vpsinit/internal/remote"
	"github.com/rileyhilliard/vpsinit/internal/report"
	"github.com/rileyhilliard/vpsinit/internal/runner"
	"github.com/rileyhilliard/vpsinit/internal/ui"
	"github.com/spf13/cobra"
)

// ProvisionOptions configures the provision and check commands.
type ProvisionOptions struct {
	CheckOnly  bool   // Run probes only
	AutoYes    bool   // Skip the confirmation prompt
	MachineOut bool   // Output a JSON envelope instead of step lines
	ReportPath string // Also write a JSON or YAML report here
}

func newProvisionCmd(app *App, flags *GlobalFlags) *cobra.Command {
	opts := ProvisionOptions{}
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Bring the host to the hardened end state",
		Long: `Run every provisioning step against the host. Steps whose goal is already
in place are skipped, so re-running after a failure picks up where it stopped.

The run starts as root with VPSINIT_ROOT_PASSWORD when that still works and
switches to the admin user's key once root login is disabled.

Examples:
  vpsinit provision
  vpsinit provision --yes --report run.yaml
  vpsinit provision --host 203.0.113.10 --user deploy --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return provisionCommand(cmd, app, flags, opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.AutoYes, "yes", "y", false, "don't ask for confirmation")
	cmd.Flags().BoolVar(&opts.MachineOut, "json", false, "print the run as JSON")
	cmd.Flags().StringVar(&opts.ReportPath, "report", "", "write a run report (.json, .yaml or .yml)")
	return cmd
}

func newCheckCmd(app *App, flags *GlobalFlags) *cobra.Command {
	opts := ProvisionOptions{CheckOnly: true}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report which steps would change the host",
		Long: `Run only the read-only probes and report each step as already in place
or pending. Nothing on the host changes. Exits 0 even when steps are pending.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return provisionCommand(cmd, app, flags, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.MachineOut, "json", false, "print the result as JSON")
	cmd.Flags().StringVar(&opts.ReportPath, "report", "", "write a report (.json, .yaml or .yml)")
	return cmd
}

// provisionCommand implements provision and check.
func provisionCommand(cmd *cobra.Command, app *App, flags *GlobalFlags, opts ProvisionOptions) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return finishWithoutRun(app, opts, err)
	}
	kp, err := loadKeyPair(cfg)
	if err != nil {
		return finishWithoutRun(app, opts, err)
	}

	steps := plan.Steps(cfg.Plan(kp.AuthorizedLine))

	if !opts.CheckOnly && !opts.AutoYes && !opts.MachineOut {
		proceed, err := confirmRun(app, cfg, steps)
		if err != nil {
			return err
		}
		if !proceed {
			fmt.Fprintln(app.Stderr, "Aborted; nothing was changed.")
			return nil
		}
	}

	log := newLogger(app.Stderr, cfg.Debug)
	command := "provision"
	if opts.CheckOnly {
		command = "check"
	}
	recorder := report.NewRecorder(command, cfg.Host, cfg.AdminUser)

	observers := multiObserver{recorder}
	var display *ui.StepDisplay
	if !opts.MachineOut {
		display = ui.NewStepDisplay(app.Stdout, cfg.AdminUser)
		observers = append(observers, display)
		printHeader(app.Stdout, cfg, kp.Fingerprint, opts.CheckOnly)
	}

	r := runner.New(app.NewDialer(cfg, log), runner.Options{
		Logger:        log,
		Observer:      observers,
		DetectTimeout: cfg.DetectTimeout,
		Reconnect:     cfg.Reconnect(),
		AdminUser:     cfg.AdminUser,
	})
	defer r.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var results []runner.StepResult
	if opts.CheckOnly {
		results, err = r.Check(ctx, steps)
	} else {
		results, err = r.Run(ctx, steps)
	}
	rep := recorder.Finish(r.Mode(), r.Detected(), err)

	if opts.ReportPath != "" {
		if werr := report.WriteFile(opts.ReportPath, rep); werr != nil && err == nil {
			err = werr
		}
	}

	if opts.MachineOut {
		if werr := WriteJSONResult(app.Stdout, rep, err); werr != nil {
			return werr
		}
		if err != nil {
			return &reportedError{err: err}
		}
		return nil
	}

	if display != nil && r.Detected() {
		fmt.Fprint(app.Stdout, ui.RenderSummary(results, len(steps), opts.CheckOnly))
	}
	return err
}

// finishWithoutRun reports an error that happened before any connection.
func finishWithoutRun(app *App, opts ProvisionOptions, err error) error {
	if !opts.MachineOut {
		return err
	}
	if werr := WriteJSONFromError(app.Stdout, err); werr != nil {
		return werr
	}
	return &reportedError{err: err}
}

func printHeader(w io.Writer, cfg *config.Config, fingerprint string, checkOnly bool) {
	headerStyle := lipgloss.NewStyle().Bold(true)
	mutedStyle := lipgloss.NewStyle().Foreground(ui.ColorMuted)

	verb := "Provisioning"
	if checkOnly {
		verb = "Checking"
	}
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render(verb+" "+cfg.Host), mutedStyle.Render(fmt.Sprintf("port %d", cfg.Port)))
	fmt.Fprintf(w, "%s\n\n", mutedStyle.Render(fmt.Sprintf("admin user %s, key %s", cfg.AdminUser, fingerprint)))
}

// multiObserver fans step events out to several observers.
type multiObserver []runner.Observer

func (m multiObserver) StepStarted(step runner.Step, mode remote.Mode) {
	for _, o := range m {
		o.StepStarted(step, mode)
	}
}

func (m multiObserver) StepFinished(res runner.StepResult) {
	for _, o := range m {
		o.StepFinished(res)
	}
}
