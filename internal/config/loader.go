package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rileyhilliard/vpsinit/internal/errors"
	"github.com/rileyhilliard/vpsinit/internal/util"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultEnvFile is read when present and no --env-file is given.
const DefaultEnvFile = ".env"

// Keys, as viper sees them. The environment variable is EnvPrefix_KEY.
const (
	KeyHost                = "host"
	KeyPort                = "port"
	KeyAdminUser           = "admin_user"
	KeySSHPublicKey        = "ssh_public_key"
	KeySSHPrivateKey       = "ssh_private_key"
	KeyRootPassword        = "root_password"
	KeyKeyPassphrase       = "ssh_key_passphrase"
	KeyConnectTimeout      = "connect_timeout"
	KeyDetectTimeout       = "detect_timeout"
	KeyCommandTimeout      = "command_timeout"
	KeyRestartAttempts     = "restart_attempts"
	KeyRestartInitialDelay = "restart_initial_delay"
	KeyRestartMaxDelay     = "restart_max_delay"
	KeyHostKeyPolicy       = "host_key_policy"
	KeyKnownHosts          = "known_hosts"
	KeyNodeMajor           = "node_major"
	KeyPackages            = "packages"
	KeyNpmGlobals          = "npm_globals"
	KeyFirewallAllow       = "firewall_allow"
	KeyDebug               = "debug"
)

var allKeys = []string{
	KeyHost, KeyPort, KeyAdminUser, KeySSHPublicKey, KeySSHPrivateKey,
	KeyRootPassword, KeyKeyPassphrase, KeyConnectTimeout, KeyDetectTimeout,
	KeyCommandTimeout, KeyRestartAttempts, KeyRestartInitialDelay,
	KeyRestartMaxDelay, KeyHostKeyPolicy, KeyKnownHosts, KeyNodeMajor,
	KeyPackages, KeyNpmGlobals, KeyFirewallAllow, KeyDebug,
}

// flagKeys maps command-line flags to the keys they override.
var flagKeys = map[string]string{
	"host": KeyHost,
	"user": KeyAdminUser,
	"port": KeyPort,
}

// EnvVar returns the environment variable name for key.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(key)
}

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// EnvFile is an explicit .env path; it must exist. Empty means read
	// DefaultEnvFile if it exists.
	EnvFile string
	// Flags, if set, may carry --host, --user and --port overrides.
	Flags *pflag.FlagSet
}

// Load assembles the configuration. Precedence, highest first: flags, the
// process environment, the .env file, defaults. The .env file never
// overrides a variable that is already set in the environment.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())
	for _, key := range allKeys {
		_ = v.BindEnv(key)
	}

	fileVals, err := readEnvFile(opts.EnvFile)
	if err != nil {
		return nil, err
	}
	for _, key := range allKeys {
		if val, ok := fileVals[EnvVar(key)]; ok && val != "" {
			v.SetDefault(key, val)
		}
	}

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.WrapWithCode(err, errors.ErrConfig,
						"Failed to bind --"+name, "")
				}
			}
		}
	}

	return build(v)
}

// readEnvFile parses the .env file without touching the process environment.
func readEnvFile(path string) (map[string]string, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil, nil
		}
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Can't read env file: "+path,
			"Check the --env-file path")
	}

	vals, err := godotenv.Read(path)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to parse env file: "+path,
			"Each line should look like VPSINIT_HOST=203.0.113.10")
	}
	return vals, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault(KeyPort, d.Port)
	v.SetDefault(KeyConnectTimeout, d.ConnectTimeout.String())
	v.SetDefault(KeyDetectTimeout, d.DetectTimeout.String())
	v.SetDefault(KeyCommandTimeout, "0")
	v.SetDefault(KeyRestartAttempts, d.RestartAttempts)
	v.SetDefault(KeyRestartInitialDelay, d.RestartInitialDelay.String())
	v.SetDefault(KeyRestartMaxDelay, d.RestartMaxDelay.String())
	v.SetDefault(KeyHostKeyPolicy, d.HostKeyPolicy)
	v.SetDefault(KeyKnownHosts, d.KnownHosts)
	v.SetDefault(KeyNodeMajor, d.NodeMajor)
	v.SetDefault(KeyPackages, strings.Join(d.Packages, " "))
	v.SetDefault(KeyNpmGlobals, strings.Join(d.NpmGlobals, " "))
	v.SetDefault(KeyFirewallAllow, strings.Join(d.FirewallAllow, " "))
	v.SetDefault(KeyDebug, false)
}

// build reads every key out of v. Malformed numbers and durations are
// collected and reported together.
func build(v *viper.Viper) (*Config, error) {
	var bad []string
	intVal := func(key string) int {
		s := strings.TrimSpace(v.GetString(key))
		n, err := strconv.Atoi(s)
		if err != nil {
			bad = append(bad, EnvVar(key)+"="+s+" (want a whole number)")
		}
		return n
	}
	durVal := func(key string) time.Duration {
		s := strings.TrimSpace(v.GetString(key))
		d, err := parseDuration(s)
		if err != nil {
			bad = append(bad, EnvVar(key)+"="+s+" (want a duration like 10s)")
		}
		return d
	}

	cfg := &Config{
		Host:                strings.TrimSpace(v.GetString(KeyHost)),
		Port:                intVal(KeyPort),
		AdminUser:           strings.TrimSpace(v.GetString(KeyAdminUser)),
		SSHPublicKey:        strings.TrimSpace(v.GetString(KeySSHPublicKey)),
		SSHPrivateKey:       strings.TrimSpace(v.GetString(KeySSHPrivateKey)),
		RootPassword:        v.GetString(KeyRootPassword),
		KeyPassphrase:       v.GetString(KeyKeyPassphrase),
		ConnectTimeout:      durVal(KeyConnectTimeout),
		DetectTimeout:       durVal(KeyDetectTimeout),
		CommandTimeout:      durVal(KeyCommandTimeout),
		RestartAttempts:     intVal(KeyRestartAttempts),
		RestartInitialDelay: durVal(KeyRestartInitialDelay),
		RestartMaxDelay:     durVal(KeyRestartMaxDelay),
		HostKeyPolicy:       strings.TrimSpace(v.GetString(KeyHostKeyPolicy)),
		KnownHosts:          strings.TrimSpace(v.GetString(KeyKnownHosts)),
		NodeMajor:           intVal(KeyNodeMajor),
		Packages:            listVal(v, KeyPackages),
		NpmGlobals:          listVal(v, KeyNpmGlobals),
		FirewallAllow:       listVal(v, KeyFirewallAllow),
		Debug:               v.GetBool(KeyDebug),
	}

	if len(bad) > 0 {
		return nil, errors.New(errors.ErrConfig,
			"Malformed configuration values",
			strings.Join(bad, "\n  "))
	}
	return cfg, nil
}

// NoneValue empties a list setting; an empty variable falls back to the default.
const NoneValue = "none"

func listVal(v *viper.Viper, key string) []string {
	s := strings.TrimSpace(v.GetString(key))
	if strings.EqualFold(s, NoneValue) {
		return nil
	}
	return util.SplitList(s)
}

// parseDuration accepts Go durations ("90s", "2m") and bare seconds ("10").
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
