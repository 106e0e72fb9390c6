package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rileyhilliard/vpsinit/internal/errors"
	"github.com/rileyhilliard/vpsinit/internal/keys"
	"github.com/rileyhilliard/vpsinit/pkg/sshutil"
)

// userNamePattern is Debian's default NAME_REGEX for adduser.
var userNamePattern = regexp.MustCompile(`^[a-z][-a-z0-9_]*$`)

// ValidationOption controls validation behavior.
type ValidationOption func(*validationContext)

type validationContext struct {
	keySuggestion func() string
}

// WithKeySuggestion overrides how a hint for missing key paths is built.
func WithKeySuggestion(fn func() string) ValidationOption {
	return func(c *validationContext) {
		c.keySuggestion = fn
	}
}

// Validate checks cfg before anything touches the network. Every missing
// required variable is reported in one error; otherwise every malformed
// value is.
func Validate(cfg *Config, opts ...ValidationOption) error {
	vctx := &validationContext{keySuggestion: keys.Suggest}
	for _, opt := range opts {
		opt(vctx)
	}

	if missing := MissingRequired(cfg); len(missing) > 0 {
		suggestion := "Set them in the environment or in a .env file"
		for _, m := range missing {
			if m == EnvVar(KeySSHPublicKey) || m == EnvVar(KeySSHPrivateKey) {
				suggestion += "\n  " + vctx.keySuggestion()
				break
			}
		}
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Missing required configuration: %s", strings.Join(missing, ", ")),
			suggestion)
	}

	var problems []string
	if cfg.Port < 1 || cfg.Port > 65535 {
		problems = append(problems, fmt.Sprintf("%s=%d is not a TCP port", EnvVar(KeyPort), cfg.Port))
	}
	if err := validateUser(cfg.AdminUser); err != "" {
		problems = append(problems, err)
	}
	if _, err := sshutil.ParseHostKeyPolicy(cfg.HostKeyPolicy); err != nil {
		problems = append(problems, fmt.Sprintf("%s=%q must be strict, accept-new or insecure", EnvVar(KeyHostKeyPolicy), cfg.HostKeyPolicy))
	}
	if cfg.ConnectTimeout <= 0 {
		problems = append(problems, EnvVar(KeyConnectTimeout)+" must be positive")
	}
	if cfg.DetectTimeout <= 0 {
		problems = append(problems, EnvVar(KeyDetectTimeout)+" must be positive")
	}
	if cfg.CommandTimeout < 0 {
		problems = append(problems, EnvVar(KeyCommandTimeout)+" can't be negative")
	}
	if cfg.RestartAttempts < 1 {
		problems = append(problems, EnvVar(KeyRestartAttempts)+" must be at least 1")
	}
	if cfg.RestartInitialDelay <= 0 || cfg.RestartMaxDelay < cfg.RestartInitialDelay {
		problems = append(problems, fmt.Sprintf("%s must be positive and no larger than %s",
			EnvVar(KeyRestartInitialDelay), EnvVar(KeyRestartMaxDelay)))
	}
	if cfg.NodeMajor < 0 {
		problems = append(problems, EnvVar(KeyNodeMajor)+" can't be negative (0 skips Node.js)")
	}
	if len(cfg.NpmGlobals) > 0 && cfg.NodeMajor == 0 {
		problems = append(problems, EnvVar(KeyNpmGlobals)+" needs Node.js; set "+EnvVar(KeyNodeMajor)+" or "+EnvVar(KeyNpmGlobals)+"=none")
	}
	for _, p := range cfg.Packages {
		if strings.HasPrefix(p, "-") {
			problems = append(problems, fmt.Sprintf("%s entry %q looks like a flag", EnvVar(KeyPackages), p))
		}
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrConfig,
			"Invalid configuration",
			strings.Join(problems, "\n  "))
	}
	return nil
}

// MissingRequired returns the environment variable names of required
// settings that are empty.
func MissingRequired(cfg *Config) []string {
	var missing []string
	required := []struct {
		key   string
		value string
	}{
		{KeyHost, cfg.Host},
		{KeyAdminUser, cfg.AdminUser},
		{KeySSHPublicKey, cfg.SSHPublicKey},
		{KeySSHPrivateKey, cfg.SSHPrivateKey},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, EnvVar(r.key))
		}
	}
	return missing
}

func validateUser(user string) string {
	switch {
	case user == "root":
		return EnvVar(KeyAdminUser) + " can't be root; it names the account that replaces root login"
	case len(user) > 32:
		return fmt.Sprintf("%s=%q is longer than 32 characters", EnvVar(KeyAdminUser), user)
	case !userNamePattern.MatchString(user):
		return fmt.Sprintf("%s=%q must start with a lowercase letter and contain only a-z, 0-9, - and _",
			EnvVar(KeyAdminUser), user)
	}
	return ""
}
