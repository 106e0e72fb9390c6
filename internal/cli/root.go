package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rileyhilliard/vpsinit/internal/config"
	"github.com/rileyhilliard/vpsinit/internal/errors"
	"github.com/rileyhilliard/vpsinit/internal/logger"
	"github.com/rileyhilliard/vpsinit/internal/remote"
	"github.com/rileyhilliard/vpsinit/internal/ui"
	"github.com/rileyhilliard/vpsinit/pkg/sshutil"
	"github.com/spf13/cobra"
)

// DialerFactory builds the remote dialer for a validated configuration.
type DialerFactory func(cfg *config.Config, log logger.Logger) remote.Dialer

// App carries the process surroundings a command runs in. Tests replace the
// dialer and the streams.
type App struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader

	NewDialer DialerFactory
	// Confirm asks a yes/no question. Nil uses a huh prompt on a terminal.
	Confirm func(title, description string) (bool, error)
}

// DefaultApp returns an App wired to the real process and SSH.
func DefaultApp() *App {
	return &App{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Stdin:  os.Stdin,
		NewDialer: func(cfg *config.Config, log logger.Logger) remote.Dialer {
			return remote.NewSSHDialer(cfg.Target(), cfg.Credentials(), log)
		},
	}
}

// reportedError marks an error already written to stdout as a JSON
// envelope. It still exits non-zero but is not printed again.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// NewRootCmd builds the command tree for app.
func NewRootCmd(app *App) *cobra.Command {
	flags := &GlobalFlags{}

	root := &cobra.Command{
		Use:   "vpsinit",
		Short: "Idempotently provision a fresh VM over SSH",
		Long: `vpsinit takes a freshly created VM from root password login to a hardened
host: an admin user with key login and passwordless sudo, root and password
SSH login disabled, a firewall, fail2ban and a Node.js toolchain.

Every step checks the host first and only changes what is missing, so it is
safe to run again at any point. Configuration comes from VPSINIT_* environment
variables or a .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ui.SetColorEnabled(!flags.NoColor)
		},
	}
	root.SetOut(app.Stdout)
	root.SetErr(app.Stderr)
	root.SetIn(app.Stdin)

	AddGlobalFlags(root, flags)

	root.AddCommand(
		newProvisionCmd(app, flags),
		newCheckCmd(app, flags),
		newStepsCmd(app, flags),
		newVersionCmd(),
	)
	return root
}

// Run executes the command line in args and returns the process exit code.
func Run(ctx context.Context, app *App, args []string) int {
	root := NewRootCmd(app)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var reported *reportedError
	if !stderrors.As(err, &reported) {
		fmt.Fprint(app.Stderr, renderError(err))
	}
	return errors.ExitCode(err)
}

// Execute runs the CLI against the real process and exits. SIGINT and
// SIGTERM cancel the run between remote commands.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Run(ctx, DefaultApp(), os.Args[1:])
	stop()
	sshutil.CloseAgent()
	os.Exit(code)
}

// renderError formats err for stderr. Structured errors render themselves;
// anything else (usually a cobra usage error) gets the same leading symbol.
func renderError(err error) string {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.Error()
	}
	msg := err.Error()
	if isUsageError(err) {
		msg += "\n\n  Run 'vpsinit --help' for usage."
	}
	return fmt.Sprintf("✗ %s\n", msg)
}

// isUsageError reports whether err came from cobra's argument parsing.
func isUsageError(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") ||
		strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "unknown shorthand flag") ||
		strings.Contains(msg, "accepts ")
}
