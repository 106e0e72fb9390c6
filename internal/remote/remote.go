// Package remote executes commands on the target VM under one of two
// credential modes. Callers see the same Exec contract in both modes: in
// key-based mode commands are transparently wrapped in a non-interactive sudo.
package remote

import (
	"context"
	"os"
)

// Mode is the credential scheme used for a session.
type Mode int

const (
	// RootPassword logs in as root with a password.
	RootPassword Mode = iota
	// KeyBasedUser logs in as the admin user with a private key and elevates with sudo.
	KeyBasedUser
)

// String returns the mode name used in logs and reports.
func (m Mode) String() string {
	switch m {
	case RootPassword:
		return "root-password"
	case KeyBasedUser:
		return "key-based-user"
	default:
		return "unknown"
	}
}

// MarshalText lets modes appear by name in JSON and YAML reports.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports whether the command exited 0.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// FileSpec is the permission and ownership of a written file.
// Empty Owner or Group means root.
type FileSpec struct {
	Mode  os.FileMode
	Owner string
	Group string
}

// Session is one authenticated connection to the host.
type Session interface {
	// Exec runs cmd with root privileges. A non-nil error means the command
	// could not be run or its outcome is unknown (the connection dropped).
	Exec(ctx context.Context, cmd string) (Result, error)
	// WriteFile atomically places data at path with the given mode and ownership.
	WriteFile(ctx context.Context, path string, data []byte, spec FileSpec) error
	// Mode is the credential mode the session authenticated with.
	Mode() Mode
	Close() error
}

// Dialer opens sessions to the host.
type Dialer interface {
	Dial(ctx context.Context, mode Mode) (Session, error)
	// CanUseRootPassword is false when no root password is configured, in
	// which case Dial(RootPassword) always fails and detection skips it.
	CanUseRootPassword() bool
}
