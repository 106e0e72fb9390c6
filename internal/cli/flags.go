package cli

import (
	"io"

	"github.com/rileyhilliard/vpsinit/internal/config"
	"github.com/rileyhilliard/vpsinit/internal/keys"
	"github.com/rileyhilliard/vpsinit/internal/logger"
	"github.com/spf13/cobra"
)

// GlobalFlags holds the flags shared by every command.
type GlobalFlags struct {
	EnvFile string
	Debug   bool
	NoColor bool
	Host    string
	User    string
	Port    int
}

// AddGlobalFlags registers the persistent flags on the root command.
// --host, --user and --port override VPSINIT_HOST, VPSINIT_ADMIN_USER and
// VPSINIT_PORT.
func AddGlobalFlags(cmd *cobra.Command, flags *GlobalFlags) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.EnvFile, "env-file", "", "read settings from this .env file (default .env when present)")
	pf.BoolVar(&flags.Debug, "debug", false, "log every remote command")
	pf.BoolVar(&flags.NoColor, "no-color", false, "disable colored output")
	pf.StringVar(&flags.Host, "host", "", "target host (overrides VPSINIT_HOST)")
	pf.StringVar(&flags.User, "user", "", "admin user to create (overrides VPSINIT_ADMIN_USER)")
	pf.IntVar(&flags.Port, "port", 22, "SSH port (overrides VPSINIT_PORT)")
}

// loadConfig reads and validates the configuration. A validation failure
// returns before anything touches the network.
func loadConfig(cmd *cobra.Command, flags *GlobalFlags) (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{
		EnvFile: flags.EnvFile,
		Flags:   cmd.Root().PersistentFlags(),
	})
	if err != nil {
		return nil, err
	}
	if flags.Debug {
		cfg.Debug = true
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadKeyPair reads the local key pair named by cfg.
func loadKeyPair(cfg *config.Config) (*keys.KeyPair, error) {
	return keys.Load(cfg.SSHPublicKey, cfg.SSHPrivateKey, cfg.KeyPassphrase)
}

func newLogger(w io.Writer, debug bool) logger.Logger {
	return logger.New(w, "vpsinit", debug)
}
