package plan

import (
	"context"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rileyhilliard/vpsinit/internal/remote"
	"github.com/rileyhilliard/vpsinit/internal/runner"
	"github.com/rileyhilliard/vpsinit/internal/util"
)

const (
	sshdConfigPath = "/etc/ssh/sshd_config"
	sshdDropInDir  = "/etc/ssh/sshd_config.d"
)

type directive struct {
	key   string
	value string
}

var hardenedDirectives = []directive{
	{key: "PermitRootLogin", value: "no"},
	{key: "PasswordAuthentication", value: "no"},
}

func hardenSSHD() runner.Step {
	return runner.Step{
		Name:        StepHardenSSHD,
		Description: "Disable root and password login, then restart sshd",
		Probe: func(ctx context.Context, s remote.Session) (bool, error) {
			res, err := s.Exec(ctx, "sshd -T")
			if err != nil {
				return false, err
			}
			return res.OK() && SSHDHardened(res.Stdout), nil
		},
		Apply:              applyHardenSSHD,
		TolerateDisconnect: true,
		Handoff:            true,
	}
}

func applyHardenSSHD(ctx context.Context, s remote.Session) error {
	// Include sits at the top of Debian's sshd_config and the first value
	// wins, so a drop-in (cloud-init ships one) overrides the main file.
	res, err := s.Exec(ctx, "find "+sshdDropInDir+" -maxdepth 1 -type f -name '*.conf'")
	if err != nil {
		return err
	}
	if res.OK() {
		dropIns := strings.Fields(res.Stdout)
		sort.Strings(dropIns)
		for _, path := range dropIns {
			if err := rewriteRemote(ctx, s, path, false); err != nil {
				return err
			}
		}
	}

	cur, err := run(ctx, s, "cat "+sshdConfigPath)
	if err != nil {
		return err
	}
	updated, changed := rewriteDirectives(cur.Stdout, hardenedDirectives, true)
	if changed {
		mode, err := existingMode(ctx, s, sshdConfigPath, 0o644)
		if err != nil {
			return err
		}
		staged := sshdConfigPath + ".vpsinit"
		if err := s.WriteFile(ctx, staged, []byte(updated), remote.FileSpec{Mode: mode}); err != nil {
			return err
		}
		if _, err := run(ctx, s, "sshd -t -f "+staged); err != nil {
			_, _ = s.Exec(ctx, "rm -f "+staged)
			return err
		}
		if _, err := run(ctx, s, "mv -f "+staged+" "+sshdConfigPath); err != nil {
			return err
		}
	} else if _, err := run(ctx, s, "sshd -t"); err != nil {
		return err
	}

	_, err = run(ctx, s, "systemctl restart ssh")
	return err
}

// rewriteRemote applies the hardened directives to one remote file, writing
// it back only when something changed.
func rewriteRemote(ctx context.Context, s remote.Session, path string, insertMissing bool) error {
	res, err := run(ctx, s, "cat "+util.ShellQuote(path))
	if err != nil {
		return err
	}
	updated, changed := rewriteDirectives(res.Stdout, hardenedDirectives, insertMissing)
	if !changed {
		return nil
	}
	mode, err := existingMode(ctx, s, path, 0o644)
	if err != nil {
		return err
	}
	return s.WriteFile(ctx, path, []byte(updated), remote.FileSpec{Mode: mode})
}

// existingMode returns the permission bits of a remote file, or fallback
// when they can't be read.
func existingMode(ctx context.Context, s remote.Session, path string, fallback os.FileMode) (os.FileMode, error) {
	res, err := s.Exec(ctx, "stat -c %a:%U "+util.ShellQuote(path))
	if err != nil {
		return 0, err
	}
	if !res.OK() {
		return fallback, nil
	}
	perm, _, _ := strings.Cut(strings.TrimSpace(res.Stdout), ":")
	n, err := strconv.ParseUint(perm, 8, 32)
	if err != nil {
		return fallback, nil
	}
	return os.FileMode(n).Perm(), nil
}

// RewriteSSHDConfig sets PermitRootLogin and PasswordAuthentication to no in
// an sshd_config body. Active lines before the first Match block are
// rewritten in place; a directive that only appears commented out is
// uncommented; one that is absent is inserted before the first Match block.
// Match blocks are left alone.
func RewriteSSHDConfig(content string) (string, bool) {
	return rewriteDirectives(content, hardenedDirectives, true)
}

func rewriteDirectives(content string, want []directive, insertMissing bool) (string, bool) {
	lines := strings.Split(content, "\n")
	active := make(map[string]bool)
	commented := make(map[string]int)
	matchAt := -1
	modified := false

scan:
	for i, line := range lines {
		key, value, isComment := parseDirective(line)
		if key == "" {
			continue
		}
		if !isComment && strings.EqualFold(key, "Match") {
			matchAt = i
			break scan
		}
		for _, d := range want {
			if !strings.EqualFold(key, d.key) {
				continue
			}
			if isComment {
				if _, seen := commented[d.key]; !seen {
					commented[d.key] = i
				}
				continue
			}
			active[d.key] = true
			if !strings.EqualFold(value, d.value) {
				lines[i] = d.key + " " + d.value
				modified = true
			}
		}
	}

	if insertMissing {
		var missing []string
		for _, d := range want {
			if active[d.key] {
				continue
			}
			if i, ok := commented[d.key]; ok {
				lines[i] = d.key + " " + d.value
				modified = true
				continue
			}
			missing = append(missing, d.key+" "+d.value)
		}
		if len(missing) > 0 {
			at := matchAt
			if at < 0 {
				at = len(lines)
				if lines[at-1] == "" {
					at--
				}
			}
			lines = append(lines[:at], append(missing, lines[at:]...)...)
			modified = true
		}
	}

	if !modified {
		return content, false
	}
	out := strings.Join(lines, "\n")
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out, true
}

// parseDirective splits an sshd_config line into keyword and value. Lines
// starting with # report isComment with the keyword of the commented text.
func parseDirective(line string) (key, value string, isComment bool) {
	s := strings.TrimSpace(line)
	if strings.HasPrefix(s, "#") {
		isComment = true
		s = strings.TrimSpace(strings.TrimLeft(s, "#"))
	}
	if s == "" {
		return "", "", isComment
	}
	i := strings.IndexAny(s, " \t=")
	if i < 0 {
		return s, "", isComment
	}
	key = s[:i]
	value = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(s[i:]), "="))
	return key, value, isComment
}

// SSHDHardened reports whether `sshd -T` output shows root and password
// login both disabled.
func SSHDHardened(out string) bool {
	effective := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(strings.ToLower(line))
		if len(fields) >= 2 {
			if _, seen := effective[fields[0]]; !seen {
				effective[fields[0]] = fields[1]
			}
		}
	}
	return effective["permitrootlogin"] == "no" && effective["passwordauthentication"] == "no"
}
