// Package runner executes an ordered list of probe-then-apply steps against a
// single host. It owns the credential mode for the run: detected once at the
// start, and switched from RootPassword to KeyBasedUser at most once, by the
// handoff step that disables root login.
package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rileyhilliard/vpsinit/internal/errors"
	"github.com/rileyhilliard/vpsinit/internal/logger"
	"github.com/rileyhilliard/vpsinit/internal/remote"
	"github.com/rileyhilliard/vpsinit/internal/retry"
)

// Status is the outcome of one step.
type Status int

const (
	// Skipped means the probe found the goal state already in place.
	Skipped Status = iota
	// Applied means the probe was false and apply succeeded.
	Applied
	// Failed means apply or its verification failed; the run stopped here.
	Failed
	// Pending is reported by Check for steps that would be applied.
	Pending
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case Skipped:
		return "skipped"
	case Applied:
		return "applied"
	case Failed:
		return "failed"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in reports.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ProbeFunc reports whether a step's goal state already holds. It must not
// change the host. An error means the probe itself could not run.
type ProbeFunc func(ctx context.Context, s remote.Session) (bool, error)

// ApplyFunc changes the host toward the step's goal state.
type ApplyFunc func(ctx context.Context, s remote.Session) error

// Step is one unit of provisioning work.
type Step struct {
	Name        string
	Description string
	Probe       ProbeFunc
	Apply       ApplyFunc
	// TolerateDisconnect marks a step whose apply is expected to drop the
	// session. Errors right after apply are ignored; the probe decides.
	TolerateDisconnect bool
	// Handoff marks the step that disables root login. After it, the run
	// continues in KeyBasedUser mode.
	Handoff bool
}

// StepResult records how a step ended.
type StepResult struct {
	Name     string
	Status   Status
	Mode     remote.Mode
	Duration time.Duration
	Err      error
	// Note carries detail worth showing, such as an expected disconnect.
	Note string
}

// Observer receives step progress. Either method may be called from the
// goroutine running Run or Check.
type Observer interface {
	StepStarted(step Step, mode remote.Mode)
	StepFinished(result StepResult)
}

// Options configures a Runner.
type Options struct {
	Logger   logger.Logger
	Observer Observer
	// DetectTimeout bounds the root password probe during detection.
	DetectTimeout time.Duration
	// Reconnect is the backoff used after a tolerated disconnect or handoff.
	Reconnect retry.Config
	// AdminUser names the key-based account in messages.
	AdminUser string
}

// Runner drives steps against one host.
type Runner struct {
	dialer   remote.Dialer
	opts     Options
	log      logger.Logger
	mode     remote.Mode
	detected bool
	session  remote.Session
}

// New returns a Runner for dialer.
func New(dialer remote.Dialer, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = logger.Noop()
	}
	if opts.DetectTimeout <= 0 {
		opts.DetectTimeout = 5 * time.Second
	}
	if opts.Reconnect.Attempts == 0 {
		opts.Reconnect = retry.DefaultConfig()
	}
	if opts.AdminUser == "" {
		opts.AdminUser = "the admin user"
	}
	return &Runner{dialer: dialer, opts: opts, log: opts.Logger}
}

// Mode returns the current credential mode. It is only meaningful after Detect.
func (r *Runner) Mode() remote.Mode {
	return r.mode
}

// Detected reports whether Detect has found a usable mode.
func (r *Runner) Detected() bool {
	return r.detected
}

// Close releases the open session, if any.
func (r *Runner) Close() error {
	if r.session == nil {
		return nil
	}
	err := r.session.Close()
	r.session = nil
	return err
}

// Detect selects the credential mode. With a root password configured it
// runs `true` as root under DetectTimeout; success selects RootPassword.
// Otherwise, or on any failure, it logs in with the key. If that fails too,
// no mode is usable and Detect returns a CONNECT error.
func (r *Runner) Detect(ctx context.Context) (remote.Mode, error) {
	if r.detected {
		return r.mode, nil
	}

	if r.dialer.CanUseRootPassword() {
		s, err := r.tryRoot(ctx)
		if err == nil {
			r.adopt(s)
			r.log.Info("detected mode %s", remote.RootPassword)
			return r.mode, nil
		}
		r.log.Info("root password login unavailable (%s); trying key login", firstLine(err))
	} else {
		r.log.Debug("no root password configured; skipping root detection")
	}

	s, err := r.dialer.Dial(ctx, remote.KeyBasedUser)
	if err != nil {
		return r.mode, errors.WrapWithCode(err, errors.ErrConnect,
			"Neither root password nor key login works",
			fmt.Sprintf("Check VPSINIT_ROOT_PASSWORD for a fresh host, or that %s can log in with VPSINIT_SSH_PRIVATE_KEY", r.opts.AdminUser))
	}
	r.adopt(s)
	r.log.Info("detected mode %s", remote.KeyBasedUser)
	return r.mode, nil
}

func (r *Runner) tryRoot(ctx context.Context) (remote.Session, error) {
	dctx, cancel := context.WithTimeout(ctx, r.opts.DetectTimeout)
	defer cancel()

	s, err := r.dialer.Dial(dctx, remote.RootPassword)
	if err != nil {
		return nil, err
	}
	res, err := s.Exec(dctx, "true")
	if err == nil && !res.OK() {
		err = fmt.Errorf("true exited %d", res.ExitCode)
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (r *Runner) adopt(s remote.Session) {
	if r.session != nil && r.session != s {
		r.session.Close()
	}
	r.session = s
	r.mode = s.Mode()
	r.detected = true
}

// Run executes steps in order and stops at the first failure. The returned
// results cover every step that started; the error is the failing step's.
func (r *Runner) Run(ctx context.Context, steps []Step) ([]StepResult, error) {
	if _, err := r.Detect(ctx); err != nil {
		return nil, err
	}

	results := make([]StepResult, 0, len(steps))
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return results, errors.WrapWithCode(err, errors.ErrCommand, "Run canceled", "")
		}

		r.notifyStart(step)
		res := r.runStep(ctx, step)
		r.notifyFinish(res)
		results = append(results, res)

		if res.Status == Failed {
			r.log.Error("step %s failed", step.Name)
			return results, res.Err
		}
	}
	return results, nil
}

// Check runs only the probes. Steps report Skipped or Pending; nothing is
// applied and the mode never changes.
func (r *Runner) Check(ctx context.Context, steps []Step) ([]StepResult, error) {
	if _, err := r.Detect(ctx); err != nil {
		return nil, err
	}

	results := make([]StepResult, 0, len(steps))
	for _, step := range steps {
		r.notifyStart(step)
		start := time.Now()

		done, err := step.Probe(ctx, r.session)
		res := StepResult{Name: step.Name, Mode: r.mode, Duration: time.Since(start)}
		switch {
		case err != nil:
			res.Status = Failed
			res.Err = stepError(step.Name, err, "Probe could not run")
		case done:
			res.Status = Skipped
		default:
			res.Status = Pending
		}

		r.notifyFinish(res)
		results = append(results, res)
		if res.Status == Failed {
			return results, res.Err
		}
	}
	return results, nil
}

func (r *Runner) runStep(ctx context.Context, step Step) StepResult {
	start := time.Now()
	res := StepResult{Name: step.Name, Mode: r.mode}
	finish := func(status Status, err error) StepResult {
		res.Status = status
		res.Err = err
		res.Mode = r.mode
		res.Duration = time.Since(start)
		return res
	}

	r.log.Debug("probing %s as %s", step.Name, r.mode)
	done, err := step.Probe(ctx, r.session)
	if err != nil {
		return finish(Failed, stepError(step.Name, err, "Probe could not run"))
	}
	if done {
		r.log.Debug("%s already in place", step.Name)
		return finish(Skipped, nil)
	}

	if step.Handoff && r.mode == remote.RootPassword {
		if err := r.verifyKeyLogin(ctx); err != nil {
			return finish(Failed, errors.WrapWithCode(err, errors.ErrConnect,
				fmt.Sprintf("Key login for %s doesn't work yet; refusing to disable root login", r.opts.AdminUser),
				"Check the authorized-key step and VPSINIT_SSH_PRIVATE_KEY, then re-run").InStep(step.Name))
		}
	}

	r.log.Info("applying %s", step.Name)
	applyErr := step.Apply(ctx, r.session)

	if !step.TolerateDisconnect && !step.Handoff {
		if applyErr != nil {
			return finish(Failed, stepError(step.Name, applyErr, "Apply failed"))
		}
		return finish(Applied, nil)
	}

	if applyErr != nil {
		if !step.TolerateDisconnect {
			return finish(Failed, stepError(step.Name, applyErr, "Apply failed"))
		}
		expected := errors.WrapWithCode(applyErr, errors.ErrDisconnect, "Session dropped as expected", "")
		r.log.Warn("%s: %s (%s)", step.Name, expected.Message, firstLine(applyErr))
		res.Note = "expected disconnect"
	}

	if err := r.reconnect(ctx, step); err != nil {
		return finish(Failed, err)
	}

	done, err = step.Probe(ctx, r.session)
	if err != nil {
		return finish(Failed, stepError(step.Name, err, "Verification probe could not run"))
	}
	if !done {
		suggestion := ""
		if step.Handoff {
			suggestion = manualRemediation(r.opts.AdminUser)
		}
		return finish(Failed, errors.New(errors.ErrCommand,
			"Goal state still absent after apply", suggestion).InStep(step.Name))
	}
	return finish(Applied, nil)
}

// verifyKeyLogin opens and closes one key-based session.
func (r *Runner) verifyKeyLogin(ctx context.Context) error {
	s, err := r.dialer.Dial(ctx, remote.KeyBasedUser)
	if err != nil {
		return err
	}
	return s.Close()
}

// reconnect replaces the session after a disruptive apply, polling with
// backoff while the daemon restarts. A handoff step reconnects with the key
// and permanently switches the mode.
func (r *Runner) reconnect(ctx context.Context, step Step) error {
	target := r.mode
	if step.Handoff {
		target = remote.KeyBasedUser
	}
	if r.session != nil {
		r.session.Close()
		r.session = nil
	}

	var s remote.Session
	err := retry.Do(ctx, func(attempt int) error {
		r.log.Debug("reconnect attempt %d as %s", attempt, target)
		var err error
		s, err = r.dialer.Dial(ctx, target)
		if err != nil && errors.IsCode(err, errors.ErrConfig) {
			return retry.Fatal(err)
		}
		return err
	}, retry.WithConfig(r.opts.Reconnect), retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
		r.log.Info("waiting %s for sshd (attempt %d: %s)", delay, attempt, firstLine(err))
	}))

	if err != nil {
		msg := fmt.Sprintf("Couldn't reconnect as %s after %s", target, step.Name)
		suggestion := ""
		if step.Handoff {
			suggestion = manualRemediation(r.opts.AdminUser)
		}
		return errors.WrapWithCode(err, errors.ErrConnect, msg, suggestion).InStep(step.Name)
	}

	if target != r.mode {
		r.log.Info("credential mode %s -> %s", r.mode, target)
	}
	r.session = s
	r.mode = target
	return nil
}

func (r *Runner) notifyStart(step Step) {
	if r.opts.Observer != nil {
		r.opts.Observer.StepStarted(step, r.mode)
	}
}

func (r *Runner) notifyFinish(res StepResult) {
	if r.opts.Observer != nil {
		r.opts.Observer.StepFinished(res)
	}
}

// stepError attributes err to a step, keeping a structured error's code.
func stepError(step string, err error, fallback string) error {
	if e, ok := err.(*errors.Error); ok {
		return e.InStep(step)
	}
	code := errors.CodeOf(err)
	if code == "" {
		code = errors.ErrCommand
	}
	return errors.WrapWithCode(err, code, fallback, "").InStep(step)
}

func manualRemediation(user string) string {
	return fmt.Sprintf("The host may be half-hardened: root login could be off while %s can't log in yet.\n"+
		"  Use the provider's web console to log in, check /home/%s/.ssh/authorized_keys and\n"+
		"  /etc/ssh/sshd_config, then re-run vpsinit.", user, user)
}

func firstLine(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(strings.TrimPrefix(err.Error(), "✗ "))
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
