package config

import (
	"time"

	"github.com/rileyhilliard/vpsinit/internal/plan"
	"github.com/rileyhilliard/vpsinit/internal/remote"
	"github.com/rileyhilliard/vpsinit/internal/retry"
	"github.com/rileyhilliard/vpsinit/pkg/sshutil"
)

// EnvPrefix prefixes every environment variable vpsinit reads.
const EnvPrefix = "VPSINIT"

// Config is the complete run configuration, assembled from flags, the
// process environment, an optional .env file and defaults.
type Config struct {
	Host          string
	Port          int
	AdminUser     string
	SSHPublicKey  string
	SSHPrivateKey string
	// RootPassword is optional; when empty, detection skips root login.
	RootPassword  string
	KeyPassphrase string

	ConnectTimeout time.Duration
	DetectTimeout  time.Duration
	// CommandTimeout bounds each remote command; zero means no limit.
	CommandTimeout time.Duration

	RestartAttempts     int
	RestartInitialDelay time.Duration
	RestartMaxDelay     time.Duration

	HostKeyPolicy string
	KnownHosts    string

	NodeMajor     int
	Packages      []string
	NpmGlobals    []string
	FirewallAllow []string

	Debug bool
}

// DefaultConfig returns a Config with every optional value at its default.
func DefaultConfig() *Config {
	return &Config{
		Port:                22,
		ConnectTimeout:      10 * time.Second,
		DetectTimeout:       5 * time.Second,
		RestartAttempts:     6,
		RestartInitialDelay: 2 * time.Second,
		RestartMaxDelay:     20 * time.Second,
		HostKeyPolicy:       string(sshutil.HostKeyAcceptNew),
		KnownHosts:          "~/.ssh/known_hosts",
		NodeMajor:           20,
		Packages:            []string{"git", "curl", "build-essential", "ca-certificates", "unzip", "htop"},
		NpmGlobals:          []string{"pm2"},
		FirewallAllow:       []string{"OpenSSH", "80/tcp", "443/tcp"},
	}
}

// Target returns the connection target. Call Validate first.
func (c *Config) Target() remote.Target {
	policy, _ := sshutil.ParseHostKeyPolicy(c.HostKeyPolicy)
	return remote.Target{
		Host:           c.Host,
		Port:           c.Port,
		ConnectTimeout: c.ConnectTimeout,
		CommandTimeout: c.CommandTimeout,
		HostKeyPolicy:  policy,
		KnownHostsPath: sshutil.ExpandPath(c.KnownHosts),
	}
}

// Credentials returns the secrets for both credential modes.
func (c *Config) Credentials() remote.Credentials {
	return remote.Credentials{
		RootPassword:   c.RootPassword,
		AdminUser:      c.AdminUser,
		PrivateKeyPath: sshutil.ExpandPath(c.SSHPrivateKey),
		KeyPassphrase:  c.KeyPassphrase,
	}
}

// Reconnect returns the backoff used while sshd restarts.
func (c *Config) Reconnect() retry.Config {
	return retry.Config{
		Attempts:     c.RestartAttempts,
		InitialDelay: c.RestartInitialDelay,
		MaxDelay:     c.RestartMaxDelay,
		Multiplier:   2,
	}
}

// Plan returns the provisioning plan inputs. authorizedKey is the public key
// line to install for the admin user.
func (c *Config) Plan(authorizedKey string) plan.Config {
	return plan.Config{
		User:          c.AdminUser,
		AuthorizedKey: authorizedKey,
		Packages:      c.Packages,
		NodeMajor:     uint64(c.NodeMajor),
		NpmGlobals:    c.NpmGlobals,
		FirewallAllow: c.FirewallAllow,
		SSHPort:       c.Port,
	}
}
