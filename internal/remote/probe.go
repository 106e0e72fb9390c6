package remote

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/rileyhilliard/vpsinit/internal/errors"
	"github.com/rileyhilliard/vpsinit/pkg/sshutil"
)

// FailReason categorizes why a connection attempt failed.
type FailReason int

const (
	FailUnknown FailReason = iota
	FailTimeout
	FailRefused
	FailUnreachable
	FailAuth
	FailHostKey
)

// String returns a human-readable description of the failure reason.
func (r FailReason) String() string {
	switch r {
	case FailTimeout:
		return "connection timed out"
	case FailRefused:
		return "connection refused"
	case FailUnreachable:
		return "host unreachable"
	case FailAuth:
		return "authentication failed"
	case FailHostKey:
		return "host key verification failed"
	default:
		return "unknown error"
	}
}

// DialError records a failed login under a given mode.
type DialError struct {
	Host   string
	Mode   Mode
	Reason FailReason
	Cause  error
}

func (e *DialError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s login to %s failed: %s (%v)", e.Mode, e.Host, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s login to %s failed: %s", e.Mode, e.Host, e.Reason)
}

func (e *DialError) Unwrap() error {
	return e.Cause
}

// ReasonOf extracts the failure reason from a dial error chain.
func ReasonOf(err error) FailReason {
	var dErr *DialError
	if stderrors.As(err, &dErr) {
		return dErr.Reason
	}
	return FailUnknown
}

// categorize converts a transport error into a DialError with a categorized reason.
func categorize(host string, mode Mode, err error) *DialError {
	if err == nil {
		return nil
	}

	dErr := &DialError{Host: host, Mode: mode, Reason: FailUnknown, Cause: err}

	var mismatch *sshutil.HostKeyMismatchError
	var unknown *sshutil.UnknownHostError
	if stderrors.As(err, &mismatch) || stderrors.As(err, &unknown) {
		dErr.Reason = FailHostKey
		return dErr
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded"):
		dErr.Reason = FailTimeout
	case strings.Contains(errStr, "connection refused"):
		dErr.Reason = FailRefused
	case strings.Contains(errStr, "no route to host") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "host is down"):
		dErr.Reason = FailUnreachable
	case sshutil.IsAuthFailure(err) ||
		strings.Contains(errStr, "permission denied") ||
		strings.Contains(errStr, "authentication failed"):
		dErr.Reason = FailAuth
	case strings.Contains(errStr, "host key") || strings.Contains(errStr, "not in "):
		dErr.Reason = FailHostKey
	}

	return dErr
}

// connectError wraps a failed dial as a CONNECT error, keeping the suggestion
// from the transport layer. Configuration problems pass through unchanged.
func connectError(host string, mode Mode, err error) error {
	var vErr *errors.Error
	suggestion := ""
	if stderrors.As(err, &vErr) {
		if vErr.Code == errors.ErrConfig {
			return err
		}
		suggestion = vErr.Suggestion
	}

	dErr := categorize(host, mode, err)
	return errors.WrapWithCode(dErr, errors.ErrConnect,
		fmt.Sprintf("Can't log in to %s (%s): %s", host, mode, dErr.Reason),
		suggestion)
}
