package sshutil

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
)

// sshSettings holds resolved SSH connection parameters.
type sshSettings struct {
	alias    string
	hostname string
	port     string
	// fromConfig is true when ~/.ssh/config had an entry for the alias.
	fromConfig bool
}

// address returns the host:port string for dialing.
func (s *sshSettings) address() string {
	return net.JoinHostPort(s.hostname, s.port)
}

// resolveSSHSettings resolves a host string against ~/.ssh/config.
func resolveSSHSettings(host string, defaultPort int, warn func(string)) *sshSettings {
	return resolveSSHSettingsFrom(host, defaultPort, filepath.Join(homeDir(), ".ssh", "config"), warn)
}

// resolveSSHSettingsFrom parses host and resolves HostName/Port for it from
// the SSH config at configPath. The host can be:
//   - An SSH config alias (e.g., "staging-vm")
//   - A hostname or IP (e.g., "203.0.113.7")
//   - A hostname:port (e.g., "203.0.113.7:2222")
//
// Precedence for the port: explicit host:port, then the config file, then defaultPort.
// warn, when set, hears about a Match block that may hide the host.
// The user is never taken from the config: vpsinit always names the account it
// logs in as.
func resolveSSHSettingsFrom(host string, defaultPort int, configPath string, warn func(string)) *sshSettings {
	if defaultPort <= 0 {
		defaultPort = 22
	}
	settings := &sshSettings{
		port: strconv.Itoa(defaultPort),
	}

	// A stray user@ prefix is ignored; the login user comes from the caller.
	if atIdx := strings.Index(host, "@"); atIdx != -1 {
		host = host[atIdx+1:]
	}

	explicitPort := false
	if h, p, err := net.SplitHostPort(host); err == nil && isDigits(p) {
		host = h
		settings.port = p
		explicitPort = true
	}

	settings.alias = host
	settings.hostname = host

	// The kevinburke/ssh_config library doesn't support Match, so only parse
	// content before the first Match block.
	content, matchLine, err := preprocessSSHConfig(configPath)
	if err != nil {
		return settings
	}

	cfg, err := ssh_config.Decode(bytes.NewReader(content))
	if err != nil {
		return settings
	}

	if hostname, _ := cfg.Get(host, "HostName"); hostname != "" {
		settings.hostname = hostname
		settings.fromConfig = true
	}

	if port, _ := cfg.Get(host, "Port"); port != "" && !explicitPort {
		settings.port = port
		settings.fromConfig = true
	}

	if warn != nil && matchLine > 0 && !settings.fromConfig && !looksLikeAddress(host) {
		warn(fmt.Sprintf(
			"Host '%s' not found in SSH config (config has a Match block at line %d that may hide later entries).",
			host, matchLine))
	}

	return settings
}

// preprocessSSHConfig reads the SSH config and returns content up to the first Match directive.
// Also returns the line number where Match was found (0 if not found).
func preprocessSSHConfig(configPath string) ([]byte, int, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, 0, err
	}

	lines := strings.Split(string(content), "\n")
	var result []string
	matchLine := 0

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(trimmed), "match ") {
			matchLine = i + 1
			break
		}
		result = append(result, line)
	}

	return []byte(strings.Join(result, "\n")), matchLine, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func looksLikeAddress(host string) bool {
	return net.ParseIP(host) != nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.Getenv("HOME")
	}
	return home
}

// ExpandPath expands a leading ~/ to the current user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}
