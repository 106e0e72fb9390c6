// Package plan builds the ordered provisioning steps for a fresh Debian or
// Ubuntu VM. Every step probes before it applies, so a second run against the
// same host skips everything.
package plan

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rileyhilliard/vpsinit/internal/errors"
	"github.com/rileyhilliard/vpsinit/internal/remote"
	"github.com/rileyhilliard/vpsinit/internal/runner"
)

// Step names, in run order.
const (
	StepAptRefresh       = "apt-refresh"
	StepCreateUser       = "create-user"
	StepAdminGroup       = "admin-group"
	StepPasswordlessSudo = "passwordless-sudo"
	StepAuthorizedKey    = "authorized-key"
	StepHardenSSHD       = "harden-sshd"
	StepFirewall         = "firewall"
	StepFail2ban         = "fail2ban"
	StepDevPackages      = "dev-packages"
	StepNodeJS           = "nodejs"
	StepNpmGlobals       = "npm-globals"
)

// AdminGroup is the group that grants sudo on Debian and Ubuntu.
const AdminGroup = "sudo"

// aptEnv keeps apt and dpkg from prompting.
const aptEnv = "DEBIAN_FRONTEND=noninteractive"

// Config is everything the steps need to know about the target state.
type Config struct {
	// User is the admin account to create.
	User string
	// AuthorizedKey is the public key line installed for User.
	AuthorizedKey string
	// Packages are apt packages for the dev-packages step. Empty omits the step.
	Packages []string
	// NodeMajor is the Node.js major to install. Zero omits the step.
	NodeMajor uint64
	// NpmGlobals are npm packages installed with -g. Empty omits the step.
	NpmGlobals []string
	// FirewallAllow are ufw allow rules, e.g. "OpenSSH" or "443/tcp".
	FirewallAllow []string
	// SSHPort is the port vpsinit connects on. A non-standard port is added
	// to the firewall rules so enabling ufw can't cut the connection.
	SSHPort int
}

// Steps returns the provisioning steps for cfg in run order.
func Steps(cfg Config) []runner.Step {
	steps := []runner.Step{
		aptRefresh(),
		createUser(cfg.User),
		adminGroup(cfg.User),
		passwordlessSudo(cfg.User),
		authorizedKey(cfg.User, cfg.AuthorizedKey),
		hardenSSHD(),
		firewall(cfg.firewallRules()),
		fail2ban(),
	}
	if len(cfg.Packages) > 0 {
		steps = append(steps, devPackages(cfg.Packages))
	}
	if cfg.NodeMajor > 0 {
		steps = append(steps, nodeJS(cfg.NodeMajor))
	}
	if len(cfg.NpmGlobals) > 0 {
		steps = append(steps, npmGlobals(cfg.NpmGlobals))
	}
	return steps
}

func (c Config) firewallRules() []string {
	rules := append([]string(nil), c.FirewallAllow...)
	if c.SSHPort != 0 && c.SSHPort != 22 {
		portRule := strconv.Itoa(c.SSHPort) + "/tcp"
		for _, r := range rules {
			if r == portRule {
				return rules
			}
		}
		rules = append([]string{portRule}, rules...)
	}
	return rules
}

// run executes cmd and turns a non-zero exit into a COMMAND error carrying
// the tail of stderr.
func run(ctx context.Context, s remote.Session, cmd string) (remote.Result, error) {
	res, err := s.Exec(ctx, cmd)
	if err != nil {
		return res, err
	}
	if !res.OK() {
		return res, commandError(cmd, res)
	}
	return res, nil
}

// succeeds runs a probe command and reports whether it exited 0.
func succeeds(ctx context.Context, s remote.Session, cmd string) (bool, error) {
	res, err := s.Exec(ctx, cmd)
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}

func commandError(cmd string, res remote.Result) error {
	msg := fmt.Sprintf("`%s` exited %d", summarize(cmd), res.ExitCode)
	detail := tail(res.Stderr, 5)
	if detail == "" {
		detail = tail(res.Stdout, 5)
	}
	if detail == "" {
		return errors.New(errors.ErrCommand, msg, "")
	}
	return errors.WrapWithCode(stderrors.New(detail), errors.ErrCommand, msg, "")
}

// summarize shortens long commands for error headlines.
func summarize(cmd string) string {
	const max = 80
	cmd = strings.TrimPrefix(cmd, aptEnv+" ")
	if len(cmd) <= max {
		return cmd
	}
	return cmd[:max-3] + "..."
}

// tail returns the last n non-empty lines of out.
func tail(out string, n int) string {
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n  ")
}
