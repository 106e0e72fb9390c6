package plan

import (
	"context"
	"fmt"
	"strings"

	"github.com/rileyhilliard/vpsinit/internal/errors"
	"github.com/rileyhilliard/vpsinit/internal/pkgver"
	"github.com/rileyhilliard/vpsinit/internal/remote"
	"github.com/rileyhilliard/vpsinit/internal/runner"
	"github.com/rileyhilliard/vpsinit/internal/util"
)

// nodeSetupScript is where the NodeSource installer is downloaded to.
const nodeSetupScript = "/tmp/nodesource_setup.sh"

func aptInstall(pkgs ...string) string {
	return aptEnv + " apt-get install -y -q " + util.ShellJoin(pkgs...)
}

func devPackages(pkgs []string) runner.Step {
	return runner.Step{
		Name:        StepDevPackages,
		Description: "Install " + strings.Join(pkgs, ", "),
		Probe: func(ctx context.Context, s remote.Session) (bool, error) {
			// dpkg-query exits 1 when any package is unknown; the output still lists the rest.
			res, err := s.Exec(ctx, "dpkg-query -W -f '${Package} ${db:Status-Status}\\n' "+util.ShellJoin(pkgs...))
			if err != nil {
				return false, err
			}
			return len(MissingPackages(res.Stdout, pkgs)) == 0, nil
		},
		Apply: func(ctx context.Context, s remote.Session) error {
			_, err := run(ctx, s, aptInstall(pkgs...))
			return err
		},
	}
}

// MissingPackages returns the entries of pkgs that dpkg-query output doesn't
// report as installed.
func MissingPackages(out string, pkgs []string) []string {
	installed := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == "installed" {
			// Multi-arch packages print as name:arch.
			name, _, _ := strings.Cut(fields[0], ":")
			installed[name] = true
		}
	}
	var missing []string
	for _, p := range pkgs {
		if !installed[p] {
			missing = append(missing, p)
		}
	}
	return missing
}

func nodeJS(major uint64) runner.Step {
	return runner.Step{
		Name:        StepNodeJS,
		Description: fmt.Sprintf("Install Node.js %d.x from NodeSource", major),
		Probe: func(ctx context.Context, s remote.Session) (bool, error) {
			ok, _, err := nodeAtMajor(ctx, s, major)
			return ok, err
		},
		Apply: func(ctx context.Context, s remote.Session) error {
			url := fmt.Sprintf("https://deb.nodesource.com/setup_%d.x", major)
			if _, err := run(ctx, s, "curl -fsSL "+url+" -o "+nodeSetupScript); err != nil {
				return err
			}
			if _, err := run(ctx, s, "bash "+nodeSetupScript); err != nil {
				return err
			}
			_, _ = s.Exec(ctx, "rm -f "+nodeSetupScript)
			if _, err := run(ctx, s, aptInstall("nodejs")); err != nil {
				return err
			}

			// apt keeps a newer major in place and still exits 0.
			ok, installed, err := nodeAtMajor(ctx, s, major)
			if err != nil {
				return err
			}
			if !ok {
				if installed == "" {
					installed = "no working node binary"
				}
				return errors.New(errors.ErrCommand,
					fmt.Sprintf("Node.js %d.x was requested but %s is installed", major, installed),
					"Remove the installed nodejs package (apt-get purge -y nodejs) and run again, or set VPSINIT_NODE_MAJOR to the installed major")
			}
			return nil
		},
	}
}

// nodeAtMajor reports whether `node --version` parses to major. It also
// returns the trimmed version output, empty when node is missing.
func nodeAtMajor(ctx context.Context, s remote.Session, major uint64) (bool, string, error) {
	res, err := s.Exec(ctx, "node --version")
	if err != nil {
		return false, "", err
	}
	// A missing node binary exits 127 and fails to parse either way.
	if !res.OK() {
		return false, "", nil
	}
	return pkgver.SatisfiesMajor(res.Stdout, major), strings.TrimSpace(res.Stdout), nil
}

func npmGlobals(pkgs []string) runner.Step {
	return runner.Step{
		Name:        StepNpmGlobals,
		Description: "Install global npm packages " + strings.Join(pkgs, ", "),
		Probe: func(ctx context.Context, s remote.Session) (bool, error) {
			for _, p := range pkgs {
				ok, err := succeeds(ctx, s, "npm ls -g --depth=0 "+util.ShellQuote(p))
				if err != nil || !ok {
					return false, err
				}
			}
			return true, nil
		},
		Apply: func(ctx context.Context, s remote.Session) error {
			_, err := run(ctx, s, "npm install -g "+util.ShellJoin(pkgs...))
			return err
		},
	}
}
