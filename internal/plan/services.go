package plan

import (
	"context"
	"strings"

	"github.com/rileyhilliard/vpsinit/internal/errors"
	"github.com/rileyhilliard/vpsinit/internal/remote"
	"github.com/rileyhilliard/vpsinit/internal/runner"
	"github.com/rileyhilliard/vpsinit/internal/util"
)

func firewall(rules []string) runner.Step {
	return runner.Step{
		Name:        StepFirewall,
		Description: "Enable ufw allowing " + util.JoinOrNone(rules),
		Probe: func(ctx context.Context, s remote.Session) (bool, error) {
			res, err := s.Exec(ctx, "ufw status")
			if err != nil {
				return false, err
			}
			return res.OK() && UFWSatisfied(res.Stdout, rules), nil
		},
		Apply: func(ctx context.Context, s remote.Session) error {
			if _, err := run(ctx, s, aptInstall("ufw")); err != nil {
				return err
			}
			// Rules go in before enable so the SSH session survives it.
			for _, r := range rules {
				if _, err := run(ctx, s, "ufw allow "+util.ShellQuote(r)); err != nil {
					return err
				}
			}
			_, err := run(ctx, s, "ufw --force enable")
			return err
		},
	}
}

// UFWSatisfied reports whether `ufw status` output shows the firewall active
// with an ALLOW rule for each of rules.
func UFWSatisfied(out string, rules []string) bool {
	active := false
	allowed := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Status:") {
			active = strings.TrimSpace(strings.TrimPrefix(line, "Status:")) == "active"
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == "ALLOW" {
			allowed[fields[0]] = true
		}
	}
	if !active {
		return false
	}
	for _, r := range rules {
		if !allowed[r] {
			return false
		}
	}
	return true
}

func fail2ban() runner.Step {
	return runner.Step{
		Name:        StepFail2ban,
		Description: "Install and start fail2ban",
		Probe: func(ctx context.Context, s remote.Session) (bool, error) {
			res, err := s.Exec(ctx, "systemctl is-active fail2ban")
			if err != nil {
				return false, err
			}
			return res.OK() && strings.TrimSpace(res.Stdout) == "active", nil
		},
		Apply: func(ctx context.Context, s remote.Session) error {
			if _, err := run(ctx, s, aptInstall("fail2ban")); err != nil {
				return err
			}
			if _, err := run(ctx, s, "systemctl enable --now fail2ban"); err != nil {
				return err
			}

			// The unit can start and exit right away when no log backend matches.
			res, err := s.Exec(ctx, "systemctl is-active fail2ban")
			if err != nil {
				return err
			}
			if state := strings.TrimSpace(res.Stdout); !res.OK() || state != "active" {
				if state == "" {
					state = "unknown"
				}
				return errors.New(errors.ErrCommand,
					"fail2ban was enabled but is not running (state: "+state+")",
					"Check `journalctl -u fail2ban`; on Debian 12 set backend = systemd in /etc/fail2ban/jail.local")
			}
			return nil
		},
	}
}
