package sshutil

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rileyhilliard/vpsinit/internal/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyPolicy controls how unknown or changed host keys are treated.
type HostKeyPolicy string

const (
	// HostKeyStrict only accepts keys already present in known_hosts.
	HostKeyStrict HostKeyPolicy = "strict"
	// HostKeyAcceptNew records the key of a never-seen host and rejects changed keys.
	HostKeyAcceptNew HostKeyPolicy = "accept-new"
	// HostKeyInsecure skips verification entirely.
	HostKeyInsecure HostKeyPolicy = "insecure"
)

// ParseHostKeyPolicy validates a policy name. Empty means accept-new.
func ParseHostKeyPolicy(s string) (HostKeyPolicy, error) {
	switch HostKeyPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", HostKeyAcceptNew:
		return HostKeyAcceptNew, nil
	case HostKeyStrict:
		return HostKeyStrict, nil
	case HostKeyInsecure:
		return HostKeyInsecure, nil
	}
	return "", fmt.Errorf("unknown host key policy %q (want strict, accept-new or insecure)", s)
}

// DialOptions describes one login. Exactly one of Password or KeyPath is
// normally set; UseAgent adds the running ssh-agent as a fallback signer.
type DialOptions struct {
	User          string
	Password      string
	KeyPath       string
	KeyPassphrase string
	UseAgent      bool

	// Port is used when the host string and ~/.ssh/config don't name one.
	Port    int
	Timeout time.Duration

	HostKeyPolicy  HostKeyPolicy
	KnownHostsPath string

	// Warn receives non-fatal notices about the ssh_config lookup. Nil drops them.
	Warn func(message string)
}

// Client wraps an SSH connection with additional metadata.
type Client struct {
	*ssh.Client
	Host    string // The original host/alias used to connect
	Address string // The resolved address (host:port)
	User    string
}

// Dial establishes an SSH connection to host using opts.
func Dial(host string, opts DialOptions) (*Client, error) {
	return DialContext(context.Background(), host, opts)
}

// DialContext establishes an SSH connection. ctx bounds both the TCP dial
// and the SSH handshake.
// The host can be an SSH config alias, a hostname or IP, or hostname:port.
func DialContext(ctx context.Context, host string, opts DialOptions) (*Client, error) {
	settings := resolveSSHSettings(host, opts.Port, opts.Warn)

	config, err := buildSSHConfig(opts)
	if err != nil {
		var vErr *errors.Error
		if stderrors.As(err, &vErr) {
			return nil, err
		}
		return nil, errors.WrapWithCode(err, errors.ErrConnect,
			fmt.Sprintf("Couldn't set up SSH for '%s'", host),
			"Check the key path and known_hosts file are readable")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	address := settings.address()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConnect,
			fmt.Sprintf("Can't reach '%s' at %s", host, address),
			suggestionForDialError(err))
	}

	// The handshake can hang on a half-open port. Bound it by the timeout or
	// the context deadline, whichever comes first, and abort it on cancel.
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	handshakeDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-handshakeDone:
		}
	}()
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	close(handshakeDone)
	if err == nil && ctx.Err() != nil {
		// Cancel raced with a finished handshake; the watcher may have closed conn.
		sshConn.Close()
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.WrapWithCode(fmt.Errorf("SSH handshake: %w", ctxErr), errors.ErrConnect,
				fmt.Sprintf("SSH login as %s@%s was interrupted", opts.User, host),
				"The host accepted the connection but never finished the SSH handshake")
		}

		var hostKeyErr *HostKeyMismatchError
		if stderrors.As(err, &hostKeyErr) {
			return nil, errors.New(errors.ErrConnect,
				hostKeyErr.Error(),
				hostKeyErr.Suggestion())
		}

		return nil, errors.WrapWithCode(err, errors.ErrConnect,
			fmt.Sprintf("SSH login as %s@%s didn't go through", opts.User, host),
			suggestionForHandshakeError(err, opts))
	}
	_ = conn.SetDeadline(time.Time{})

	return &Client{
		Client:  ssh.NewClient(sshConn, chans, reqs),
		Host:    host,
		Address: address,
		User:    opts.User,
	}, nil
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	if c.Client == nil {
		return nil
	}
	return c.Client.Close()
}

// GetHost returns the original host/alias used to connect.
func (c *Client) GetHost() string {
	return c.Host
}

// GetAddress returns the resolved host:port address.
func (c *Client) GetAddress() string {
	return c.Address
}

// buildSSHConfig creates an SSH client config with authentication methods.
func buildSSHConfig(opts DialOptions) (*ssh.ClientConfig, error) {
	if opts.User == "" {
		return nil, errors.New(errors.ErrConfig, "No SSH user given", "")
	}

	var authMethods []ssh.AuthMethod

	if opts.KeyPath != "" {
		keyAuth, err := keyFileAuth(ExpandPath(opts.KeyPath), opts.KeyPassphrase)
		if err != nil {
			var encErr *EncryptedKeyError
			if stderrors.As(err, &encErr) {
				return nil, errors.New(errors.ErrConfig,
					encErr.Error(),
					"Set VPSINIT_SSH_KEY_PASSPHRASE or use an unencrypted key")
			}
			return nil, errors.WrapWithCode(err, errors.ErrConfig,
				fmt.Sprintf("Couldn't load private key %s", opts.KeyPath),
				"Check VPSINIT_SSH_PRIVATE_KEY points at a readable OpenSSH private key")
		}
		authMethods = append(authMethods, keyAuth)
	}

	if opts.UseAgent {
		if agentAuth := sshAgentAuth(); agentAuth != nil {
			authMethods = append(authMethods, agentAuth)
		}
	}

	if opts.Password != "" {
		password := opts.Password
		authMethods = append(authMethods,
			ssh.Password(password),
			// Some images only enable keyboard-interactive for password logins.
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(authMethods) == 0 {
		return nil, errors.New(errors.ErrConfig,
			"No SSH auth methods available",
			"Set VPSINIT_ROOT_PASSWORD or VPSINIT_SSH_PRIVATE_KEY")
	}

	hostKeyCallback, err := hostKeyCallbackFor(opts.HostKeyPolicy, opts.KnownHostsPath)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            opts.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.Timeout,
	}, nil
}

func hostKeyCallbackFor(policy HostKeyPolicy, knownHostsPath string) (ssh.HostKeyCallback, error) {
	if policy == HostKeyInsecure {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // User explicitly disabled host key checking
	}
	if knownHostsPath == "" {
		knownHostsPath = filepath.Join(homeDir(), ".ssh", "known_hosts")
	}
	cb, err := createHostKeyCallback(ExpandPath(knownHostsPath), policy == HostKeyAcceptNew)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to load known_hosts",
			"Check VPSINIT_KNOWN_HOSTS or use VPSINIT_HOST_KEY_POLICY=insecure for throwaway hosts")
	}
	return cb, nil
}

// agentConn holds the reusable SSH agent connection.
var (
	agentConn     net.Conn
	agentClient   agent.ExtendedAgent
	agentConnOnce sync.Once
)

// sshAgentAuth returns an auth method using the SSH agent if available.
// Returns nil if the agent has no keys loaded.
func sshAgentAuth() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}

	agentConnOnce.Do(func() {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return
		}
		agentConn = conn
		agentClient = agent.NewClient(conn)
	})

	if agentClient == nil {
		return nil
	}

	// An empty agent causes auth failures when placed before other methods.
	signers, err := agentClient.Signers()
	if err != nil || len(signers) == 0 {
		return nil
	}

	return ssh.PublicKeysCallback(agentClient.Signers)
}

// CloseAgent closes the SSH agent connection if one is open.
func CloseAgent() {
	if agentConn != nil {
		agentConn.Close()
	}
}

// keyFileAuth returns an auth method using a private key file.
// Returns EncryptedKeyError if the key requires a passphrase and none was given.
func keyFileAuth(keyPath, passphrase string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	signer, err := ParseSigner(key, passphrase)
	if err != nil {
		var encErr *EncryptedKeyError
		if stderrors.As(err, &encErr) {
			encErr.Path = keyPath
		}
		return nil, err
	}

	return ssh.PublicKeys(signer), nil
}

// ParseSigner parses PEM key material, decrypting it with passphrase when set.
func ParseSigner(key []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if stderrors.As(err, &missing) || isEncryptedPEM(key) {
			return nil, &EncryptedKeyError{}
		}
		return nil, err
	}
	return signer, nil
}

func suggestionForDialError(err error) string {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") {
		return "Is SSH running on that box? Check the port in VPSINIT_PORT."
	}
	if strings.Contains(errStr, "no route to host") || strings.Contains(errStr, "network is unreachable") {
		return "Can't route to the host. Check your network connection."
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "i/o timeout") {
		return "Connection timed out. Host might be offline or blocked by a firewall."
	}
	return "Make sure the host is reachable: ping <host>"
}

func suggestionForHandshakeError(err error, opts DialOptions) string {
	errStr := err.Error()
	if strings.Contains(errStr, "unable to authenticate") || strings.Contains(errStr, "no supported methods") {
		if opts.Password != "" {
			return "Password login was refused. Check VPSINIT_ROOT_PASSWORD, or root login may already be disabled."
		}
		return fmt.Sprintf("Key login was refused. Check %s's authorized_keys holds VPSINIT_SSH_PUBLIC_KEY.", opts.User)
	}
	if strings.Contains(errStr, "host key") || strings.Contains(errStr, "knownhosts") {
		return "Host key issue. Try connecting manually first: ssh <host>"
	}
	return "Something went wrong during SSH setup. Try: ssh -v <host>"
}

// IsAuthFailure reports whether err came from the server refusing our credentials,
// as opposed to a network or host key problem.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods")
}

// EncryptedKeyError is returned when an SSH key requires a passphrase.
type EncryptedKeyError struct {
	Path string
}

func (e *EncryptedKeyError) Error() string {
	if e.Path == "" {
		return "SSH key is encrypted (passphrase protected)"
	}
	return fmt.Sprintf("SSH key at %s is encrypted (passphrase protected)", e.Path)
}

// HostKeyMismatchError provides helpful context when known_hosts verification fails.
type HostKeyMismatchError struct {
	Hostname     string
	ReceivedType string
	KnownHosts   string
	Want         []knownhosts.KnownKey
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s: server sent %s key", e.Hostname, e.ReceivedType)
}

// Suggestion returns actionable steps to fix the host key mismatch.
func (e *HostKeyMismatchError) Suggestion() string {
	host := e.Hostname
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	var wantTypes []string
	for _, k := range e.Want {
		wantTypes = append(wantTypes, k.Key.Type())
	}
	wantStr := "unknown"
	if len(wantTypes) > 0 {
		wantStr = strings.Join(wantTypes, ", ")
	}

	return fmt.Sprintf(
		"The server's host key doesn't match what's in known_hosts.\n"+
			"  Known types: %s\n"+
			"  Server sent: %s\n\n"+
			"  A rebuilt droplet gets a fresh key. Remove the old entry:\n"+
			"    ssh-keygen -f %s -R %s",
		wantStr, e.ReceivedType, e.KnownHosts, host)
}

// UnknownHostError is returned under the strict policy for hosts missing from known_hosts.
type UnknownHostError struct {
	Hostname   string
	KnownHosts string
}

func (e *UnknownHostError) Error() string {
	return fmt.Sprintf("host %s is not in %s", e.Hostname, e.KnownHosts)
}

// isEncryptedPEM checks if PEM data contains encryption markers.
func isEncryptedPEM(data []byte) bool {
	return bytes.Contains(data, []byte("ENCRYPTED"))
}

// knownHostsMu serializes appends so two dials in one process don't interleave lines.
var knownHostsMu sync.Mutex

// createHostKeyCallback wraps the knownhosts callback to provide better error
// messages. With acceptNew set, keys for hosts that have no entry are appended.
func createHostKeyCallback(knownHostsPath string, acceptNew bool) (ssh.HostKeyCallback, error) {
	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		dir := filepath.Dir(knownHostsPath)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create .ssh directory: %w", err)
		}
		if err := os.WriteFile(knownHostsPath, []byte{}, 0600); err != nil {
			return nil, fmt.Errorf("failed to create known_hosts: %w", err)
		}
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		// Reload on every call so a key appended by an earlier dial is seen.
		callback, err := knownhosts.New(knownHostsPath)
		if err != nil {
			return err
		}

		err = callback(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !stderrors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return &HostKeyMismatchError{
				Hostname:     hostname,
				ReceivedType: key.Type(),
				KnownHosts:   knownHostsPath,
				Want:         keyErr.Want,
			}
		}
		if !acceptNew {
			return &UnknownHostError{Hostname: hostname, KnownHosts: knownHostsPath}
		}
		return appendKnownHost(knownHostsPath, hostname, key)
	}, nil
}

func appendKnownHost(knownHostsPath, hostname string, key ssh.PublicKey) error {
	knownHostsMu.Lock()
	defer knownHostsMu.Unlock()

	f, err := os.OpenFile(knownHostsPath, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to record host key: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to record host key: %w", err)
	}
	return nil
}
