package plan

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rileyhilliard/vpsinit/internal/errors"
	"github.com/rileyhilliard/vpsinit/internal/remote"
	"github.com/rileyhilliard/vpsinit/internal/runner"
	"github.com/rileyhilliard/vpsinit/internal/util"
)

const aptListsDir = "/var/lib/apt/lists"

func aptRefresh() runner.Step {
	return runner.Step{
		Name:        StepAptRefresh,
		Description: "Refresh the apt package index when older than a day",
		Probe: func(ctx context.Context, s remote.Session) (bool, error) {
			res, err := s.Exec(ctx, "find "+aptListsDir+" -maxdepth 1 -name '*_Packages' -mmin -1440")
			if err != nil {
				return false, err
			}
			return res.OK() && strings.TrimSpace(res.Stdout) != "", nil
		},
		Apply: func(ctx context.Context, s remote.Session) error {
			_, err := run(ctx, s, aptEnv+" apt-get update -q")
			return err
		},
	}
}

func createUser(user string) runner.Step {
	q := util.ShellQuote(user)
	return runner.Step{
		Name:        StepCreateUser,
		Description: fmt.Sprintf("Create the %s account", user),
		Probe: func(ctx context.Context, s remote.Session) (bool, error) {
			return succeeds(ctx, s, "id -u "+q)
		},
		Apply: func(ctx context.Context, s remote.Session) error {
			_, err := run(ctx, s, "adduser --disabled-password --gecos '' "+q)
			return err
		},
	}
}

func adminGroup(user string) runner.Step {
	q := util.ShellQuote(user)
	return runner.Step{
		Name:        StepAdminGroup,
		Description: fmt.Sprintf("Add %s to the %s group", user, AdminGroup),
		Probe: func(ctx context.Context, s remote.Session) (bool, error) {
			res, err := s.Exec(ctx, "id -nG "+q)
			if err != nil {
				return false, err
			}
			return res.OK() && hasField(res.Stdout, AdminGroup), nil
		},
		Apply: func(ctx context.Context, s remote.Session) error {
			_, err := run(ctx, s, "usermod -aG "+AdminGroup+" "+q)
			return err
		},
	}
}

// SudoersPath is the drop-in granting user passwordless sudo. sudo skips
// drop-ins whose name contains a dot, so dots in the user name become
// underscores.
func SudoersPath(user string) string {
	return "/etc/sudoers.d/90-vpsinit-" + strings.ReplaceAll(user, ".", "_")
}

// SudoersContent is the drop-in body for user.
func SudoersContent(user string) string {
	return user + " ALL=(ALL) NOPASSWD:ALL\n"
}

func passwordlessSudo(user string) runner.Step {
	path := SudoersPath(user)
	want := SudoersContent(user)
	return runner.Step{
		Name:        StepPasswordlessSudo,
		Description: fmt.Sprintf("Grant %s passwordless sudo via %s", user, path),
		Probe: func(ctx context.Context, s remote.Session) (bool, error) {
			ok, err := hasPerms(ctx, s, path, 0o440, "root")
			if err != nil || !ok {
				return false, err
			}
			res, err := s.Exec(ctx, "cat "+util.ShellQuote(path))
			if err != nil {
				return false, err
			}
			return res.OK() && res.Stdout == want, nil
		},
		Apply: func(ctx context.Context, s remote.Session) error {
			// Validate a staged copy first; a broken sudoers file locks out sudo entirely.
			staged := path + ".new"
			if err := s.WriteFile(ctx, staged, []byte(want), remote.FileSpec{Mode: 0o440}); err != nil {
				return err
			}
			if _, err := run(ctx, s, "visudo -cf "+util.ShellQuote(staged)); err != nil {
				_, _ = s.Exec(ctx, "rm -f "+util.ShellQuote(staged))
				return err
			}
			_, err := run(ctx, s, "mv -f "+util.ShellQuote(staged)+" "+util.ShellQuote(path))
			return err
		},
	}
}

func authorizedKey(user, keyLine string) runner.Step {
	return runner.Step{
		Name:        StepAuthorizedKey,
		Description: fmt.Sprintf("Install the SSH public key for %s", user),
		Probe: func(ctx context.Context, s remote.Session) (bool, error) {
			home, err := homeDir(ctx, s, user)
			if err != nil || home == "" {
				return false, err
			}
			path := home + "/.ssh/authorized_keys"
			ok, err := hasPerms(ctx, s, path, 0o600, user)
			if err != nil || !ok {
				return false, err
			}
			res, err := s.Exec(ctx, "cat "+util.ShellQuote(path))
			if err != nil {
				return false, err
			}
			return res.OK() && HasAuthorizedKey(res.Stdout, keyLine), nil
		},
		Apply: func(ctx context.Context, s remote.Session) error {
			home, err := homeDir(ctx, s, user)
			if err != nil {
				return err
			}
			if home == "" {
				return errors.New(errors.ErrCommand,
					fmt.Sprintf("User %s has no home directory", user),
					"The create-user step should have made it; check `getent passwd "+user+"`")
			}

			sshDir := home + "/.ssh"
			path := sshDir + "/authorized_keys"
			q := util.ShellQuote(user)
			if _, err := run(ctx, s, fmt.Sprintf("install -d -m 700 -o %s -g %s %s", q, q, util.ShellQuote(sshDir))); err != nil {
				return err
			}

			var existing string
			res, err := s.Exec(ctx, "cat "+util.ShellQuote(path))
			if err != nil {
				return err
			}
			if res.OK() {
				existing = res.Stdout
			}
			return s.WriteFile(ctx, path, []byte(AppendAuthorizedKey(existing, keyLine)),
				remote.FileSpec{Mode: 0o600, Owner: user, Group: user})
		},
	}
}

// homeDir returns user's home from getent, or "" if the user doesn't exist.
func homeDir(ctx context.Context, s remote.Session, user string) (string, error) {
	res, err := s.Exec(ctx, "getent passwd "+util.ShellQuote(user))
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", nil
	}
	fields := strings.Split(strings.TrimSpace(res.Stdout), ":")
	if len(fields) < 7 {
		return "", errors.New(errors.ErrCommand,
			fmt.Sprintf("Unexpected passwd entry for %s: %q", user, strings.TrimSpace(res.Stdout)), "")
	}
	return fields[5], nil
}

// hasPerms reports whether path exists with the given permission bits and owner.
func hasPerms(ctx context.Context, s remote.Session, path string, mode os.FileMode, owner string) (bool, error) {
	res, err := s.Exec(ctx, "stat -c %a:%U "+util.ShellQuote(path))
	if err != nil {
		return false, err
	}
	if !res.OK() {
		return false, nil
	}
	return strings.TrimSpace(res.Stdout) == fmt.Sprintf("%o:%s", mode.Perm(), owner), nil
}

// HasAuthorizedKey reports whether content holds a line for the same key as
// keyLine. Options and comments are ignored; the key type and blob must match.
func HasAuthorizedKey(content, keyLine string) bool {
	want := keyFields(keyLine)
	if want == "" {
		return false
	}
	for _, line := range strings.Split(content, "\n") {
		if keyFields(line) == want {
			return true
		}
	}
	return false
}

// AppendAuthorizedKey adds keyLine to content unless the key is already there.
func AppendAuthorizedKey(content, keyLine string) string {
	if HasAuthorizedKey(content, keyLine) {
		return content
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + strings.TrimSpace(keyLine) + "\n"
}

// keyFields returns "type blob" for an authorized_keys line, skipping any
// leading options, or "" for blanks and comments.
func keyFields(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	fields := strings.Fields(line)
	for i := 0; i+1 < len(fields); i++ {
		if strings.HasPrefix(fields[i], "ssh-") || strings.HasPrefix(fields[i], "ecdsa-") || strings.HasPrefix(fields[i], "sk-") {
			return fields[i] + " " + fields[i+1]
		}
	}
	return ""
}

// hasField reports whether out contains word as a whitespace-separated field.
func hasField(out, word string) bool {
	for _, f := range strings.Fields(out) {
		if f == word {
			return true
		}
	}
	return false
}
