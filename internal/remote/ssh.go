package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rileyhilliard/vpsinit/internal/errors"
	"github.com/rileyhilliard/vpsinit/internal/logger"
	"github.com/rileyhilliard/vpsinit/internal/util"
	"github.com/rileyhilliard/vpsinit/pkg/sshutil"
)

// Target is where and how to connect. Immutable for a run.
type Target struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	// CommandTimeout bounds each Exec; zero means no limit.
	CommandTimeout time.Duration
	HostKeyPolicy  sshutil.HostKeyPolicy
	KnownHostsPath string
}

// Credentials holds the secrets for both modes.
type Credentials struct {
	RootPassword   string
	AdminUser      string
	PrivateKeyPath string
	KeyPassphrase  string
}

// DialFunc opens an SSH client. Tests substitute a mock.
type DialFunc func(ctx context.Context, host string, opts sshutil.DialOptions) (sshutil.SSHClient, error)

// SSHDialer opens real SSH sessions.
type SSHDialer struct {
	target Target
	creds  Credentials
	log    logger.Logger
	dial   DialFunc
	strays *strayFiles

	warnOnce sync.Once
}

// NewSSHDialer returns a Dialer backed by pkg/sshutil.
func NewSSHDialer(target Target, creds Credentials, log logger.Logger) *SSHDialer {
	if log == nil {
		log = logger.Noop()
	}
	return &SSHDialer{
		target: target,
		creds:  creds,
		log:    log,
		strays: &strayFiles{},
		dial: func(ctx context.Context, host string, opts sshutil.DialOptions) (sshutil.SSHClient, error) {
			client, err := sshutil.DialContext(ctx, host, opts)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
	}
}

// WithDialFunc replaces the transport, for tests.
func (d *SSHDialer) WithDialFunc(fn DialFunc) *SSHDialer {
	d.dial = fn
	return d
}

// CanUseRootPassword reports whether a root password is configured.
func (d *SSHDialer) CanUseRootPassword() bool {
	return d.creds.RootPassword != ""
}

// DialOptions returns the sshutil options for mode.
func (d *SSHDialer) DialOptions(mode Mode) sshutil.DialOptions {
	opts := sshutil.DialOptions{
		Port:           d.target.Port,
		Timeout:        d.target.ConnectTimeout,
		HostKeyPolicy:  d.target.HostKeyPolicy,
		KnownHostsPath: d.target.KnownHostsPath,
		Warn:           d.warn,
	}
	if mode == RootPassword {
		opts.User = "root"
		opts.Password = d.creds.RootPassword
	} else {
		opts.User = d.creds.AdminUser
		opts.KeyPath = d.creds.PrivateKeyPath
		opts.KeyPassphrase = d.creds.KeyPassphrase
		opts.UseAgent = true
	}
	return opts
}

// warn logs an ssh_config notice once per dialer; every dial resolves the
// host again.
func (d *SSHDialer) warn(message string) {
	d.warnOnce.Do(func() {
		d.log.Warn("%s", message)
	})
}

// Dial opens a session under mode.
func (d *SSHDialer) Dial(ctx context.Context, mode Mode) (Session, error) {
	if mode == RootPassword && !d.CanUseRootPassword() {
		return nil, errors.New(errors.ErrConfig,
			"Root password login requested but VPSINIT_ROOT_PASSWORD is empty", "")
	}

	opts := d.DialOptions(mode)
	d.log.Debug("dialing %s@%s (%s)", opts.User, d.target.Host, mode)

	client, err := d.dial(ctx, d.target.Host, opts)
	if err != nil {
		return nil, connectError(d.target.Host, mode, err)
	}
	sess := &sshSession{client: client, mode: mode, commandTimeout: d.target.CommandTimeout, strays: d.strays}
	d.sweep(ctx, sess)
	return sess, nil
}

// sweep removes staging files a previous session lost track of.
func (d *SSHDialer) sweep(ctx context.Context, s *sshSession) {
	paths := d.strays.take()
	if len(paths) == 0 {
		return
	}
	res, err := s.Exec(ctx, "rm -f "+util.ShellJoin(paths...))
	if err != nil || !res.OK() {
		d.log.Warn("could not remove staging files %s", strings.Join(paths, " "))
		d.strays.add(paths...)
		return
	}
	d.log.Debug("removed staging files %s", strings.Join(paths, " "))
}

// strayFiles tracks staging copies whose session dropped before install
// could remove them.
type strayFiles struct {
	mu    sync.Mutex
	paths []string
}

func (f *strayFiles) add(paths ...string) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, paths...)
}

func (f *strayFiles) take() []string {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	paths := f.paths
	f.paths = nil
	return paths
}

// sshSession adapts an sshutil client to Session.
type sshSession struct {
	client         sshutil.SSHClient
	mode           Mode
	commandTimeout time.Duration
	strays         *strayFiles
}

// NewSession wraps an open client. In KeyBasedUser mode every command runs
// through sudo -n.
func NewSession(client sshutil.SSHClient, mode Mode, commandTimeout time.Duration) Session {
	return &sshSession{client: client, mode: mode, commandTimeout: commandTimeout}
}

func (s *sshSession) Mode() Mode {
	return s.mode
}

func (s *sshSession) Close() error {
	return s.client.Close()
}

// Wrap returns cmd as it is sent over the wire for mode.
func Wrap(mode Mode, cmd string) string {
	if mode == KeyBasedUser {
		return util.SudoWrap(cmd)
	}
	return cmd
}

func (s *sshSession) Exec(ctx context.Context, cmd string) (Result, error) {
	if s.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.commandTimeout)
		defer cancel()
	}

	stdout, stderr, code, err := s.client.ExecContext(ctx, Wrap(s.mode, cmd))
	res := Result{Stdout: string(stdout), Stderr: string(stderr), ExitCode: code}
	if err != nil {
		if errors.CodeOf(err) != "" {
			return res, err
		}
		return res, errors.WrapWithCode(err, errors.ErrConnect,
			"Lost the SSH session", "")
	}
	return res, nil
}

// WriteFile uploads data to a private staging file and moves it into place
// with install(1), which applies mode and ownership in one step.
func (s *sshSession) WriteFile(ctx context.Context, path string, data []byte, spec FileSpec) error {
	staging := "/tmp/vpsinit-" + uuid.NewString()
	if err := s.client.Upload(ctx, staging, data, 0o600); err != nil {
		if errors.CodeOf(err) != "" {
			return err
		}
		return errors.WrapWithCode(err, errors.ErrConnect,
			fmt.Sprintf("Failed to upload %s", path), "")
	}

	res, err := s.Exec(ctx, InstallCommand(staging, path, spec))
	if err != nil {
		s.strays.add(staging)
		return errors.WrapWithCode(err, errors.ErrConnect,
			fmt.Sprintf("Lost the SSH session while installing %s", path),
			fmt.Sprintf("A staging copy may remain at %s; the next connection removes it", staging))
	}
	if !res.OK() {
		_, _ = s.Exec(ctx, "rm -f "+util.ShellQuote(staging))
		return errors.New(errors.ErrCommand,
			fmt.Sprintf("Failed to install %s (exit %d)", path, res.ExitCode),
			strings.TrimSpace(res.Stderr))
	}
	return nil
}

// InstallCommand moves staging to path with the given permissions and removes
// the staging copy.
func InstallCommand(staging, path string, spec FileSpec) string {
	owner, group := spec.Owner, spec.Group
	if owner == "" {
		owner = "root"
	}
	if group == "" {
		group = "root"
	}
	return fmt.Sprintf("install -m %04o -o %s -g %s %s %s && rm -f %s",
		spec.Mode.Perm(),
		util.ShellQuote(owner), util.ShellQuote(group),
		util.ShellQuote(staging), util.ShellQuote(path),
		util.ShellQuote(staging))
}
