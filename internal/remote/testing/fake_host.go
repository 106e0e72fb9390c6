// Package testing provides an in-memory VM that satisfies remote.Dialer.
//
// A FakeHost records every dial and every command (with the credential mode
// it ran under) so tests can assert on what a run did, not just its result.
// Command behavior comes from registered handlers; a few file builtins (cat,
// test -f, rm -f, mv -f, true) work without any setup.
package testing

import (
	"context"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/rileyhilliard/vpsinit/internal/errors"
	"github.com/rileyhilliard/vpsinit/internal/remote"
	sshtest "github.com/rileyhilliard/vpsinit/pkg/sshutil/testing"
)

// Reply is what a handler returns for one command.
type Reply struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Drop closes the session after the command, like sshd restarting under us.
	Drop bool
}

// HandlerFunc computes the reply for cmd. match holds the regex submatches.
type HandlerFunc func(cmd string, match []string) Reply

// File is one file on the fake host.
type File struct {
	Content []byte
	Mode    os.FileMode
	Owner   string
	Group   string
}

// Command is one executed command as the host saw it.
type Command struct {
	Mode remote.Mode
	// Cmd is the command with any sudo wrapper removed.
	Cmd string
	// Raw is the exact string sent over the wire.
	Raw string
}

type handler struct {
	pattern *regexp.Regexp
	fn      HandlerFunc
}

// FakeHost simulates a VM reachable in both credential modes.
type FakeHost struct {
	// RootPasswordSet controls CanUseRootPassword.
	RootPasswordSet bool
	// RootLogin and KeyLogin decide whether Dial succeeds per mode, unless Auth is set.
	RootLogin bool
	KeyLogin  bool
	// Auth, if set, replaces the RootLogin/KeyLogin flags. Return nil to allow.
	Auth func(mode remote.Mode) error
	// SudoOK, if set, gates every key-mode command; false yields sudo's password error.
	SudoOK func() bool

	mu           sync.Mutex
	files        map[string]*File
	handlers     []handler
	commands     []Command
	dials        map[remote.Mode]int
	dialFailures map[remote.Mode]int
}

var _ remote.Dialer = (*FakeHost)(nil)

// NewFakeHost returns a host with a root password configured and accepted,
// and key login refused.
func NewFakeHost() *FakeHost {
	return &FakeHost{
		RootPasswordSet: true,
		RootLogin:       true,
		files:           make(map[string]*File),
		dials:           make(map[remote.Mode]int),
		dialFailures:    make(map[remote.Mode]int),
	}
}

// Handle registers fn for commands matching pattern. Earlier registrations win.
func (h *FakeHost) Handle(pattern string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, handler{pattern: regexp.MustCompile(pattern), fn: fn})
}

// Respond registers a fixed reply for commands matching pattern.
func (h *FakeHost) Respond(pattern string, r Reply) {
	h.Handle(pattern, func(string, []string) Reply { return r })
}

// FailDials makes the next n dials under mode fail with connection refused.
func (h *FakeHost) FailDials(mode remote.Mode, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialFailures[mode] = n
}

// CanUseRootPassword implements remote.Dialer.
func (h *FakeHost) CanUseRootPassword() bool {
	return h.RootPasswordSet
}

// Dial implements remote.Dialer.
func (h *FakeHost) Dial(ctx context.Context, mode remote.Mode) (remote.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.dials[mode]++
	if h.dialFailures[mode] > 0 {
		h.dialFailures[mode]--
		h.mu.Unlock()
		return nil, DialFailure(mode, remote.FailRefused)
	}
	auth := h.Auth
	h.mu.Unlock()

	if mode == remote.RootPassword && !h.RootPasswordSet {
		return nil, errors.New(errors.ErrConfig, "no root password configured", "")
	}

	var err error
	if auth != nil {
		err = auth(mode)
	} else if (mode == remote.RootPassword && !h.RootLogin) || (mode == remote.KeyBasedUser && !h.KeyLogin) {
		err = DialFailure(mode, remote.FailAuth)
	}
	if err != nil {
		return nil, err
	}
	return &fakeSession{host: h, mode: mode}, nil
}

// DialFailure builds the error a real dialer returns for reason.
func DialFailure(mode remote.Mode, reason remote.FailReason) error {
	dErr := &remote.DialError{Host: "fakehost", Mode: mode, Reason: reason}
	return errors.WrapWithCode(dErr, errors.ErrConnect,
		fmt.Sprintf("Can't log in to fakehost (%s): %s", mode, reason), "")
}

// DialCount returns how many dials were attempted under mode.
func (h *FakeHost) DialCount(mode remote.Mode) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials[mode]
}

// TotalDials returns the number of dial attempts in any mode.
func (h *FakeHost) TotalDials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.dials {
		n += c
	}
	return n
}

// Commands returns every executed command in order.
func (h *FakeHost) Commands() []Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Command(nil), h.commands...)
}

// CommandsIn returns the commands run under mode.
func (h *FakeHost) CommandsIn(mode remote.Mode) []Command {
	var out []Command
	for _, c := range h.Commands() {
		if c.Mode == mode {
			out = append(out, c)
		}
	}
	return out
}

// Ran reports whether any command matched pattern.
func (h *FakeHost) Ran(pattern string) bool {
	re := regexp.MustCompile(pattern)
	for _, c := range h.Commands() {
		if re.MatchString(c.Cmd) {
			return true
		}
	}
	return false
}

// ResetLog forgets recorded commands and dial counts, keeping state.
func (h *FakeHost) ResetLog() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = nil
	h.dials = make(map[remote.Mode]int)
}

// SetFile stores a file.
func (h *FakeHost) SetFile(p string, content []byte, spec remote.FileSpec) {
	owner, group := spec.Owner, spec.Group
	if owner == "" {
		owner = "root"
	}
	if group == "" {
		group = "root"
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[path.Clean(p)] = &File{
		Content: append([]byte(nil), content...),
		Mode:    spec.Mode,
		Owner:   owner,
		Group:   group,
	}
}

// File returns a copy of the file at p.
func (h *FakeHost) File(p string) (File, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[path.Clean(p)]
	if !ok {
		return File{}, false
	}
	return *f, true
}

// RemoveFile deletes p if present.
func (h *FakeHost) RemoveFile(p string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.files, path.Clean(p))
}

// Glob returns stored paths matching a path.Match pattern.
func (h *FakeHost) Glob(pattern string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for p := range h.files {
		if ok, _ := path.Match(pattern, p); ok {
			out = append(out, p)
		}
	}
	return out
}

func (h *FakeHost) record(mode remote.Mode, raw string) (string, HandlerFunc, []string) {
	cmd := unwrapSudo(raw)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, Command{Mode: mode, Cmd: cmd, Raw: raw})
	for _, hd := range h.handlers {
		if m := hd.pattern.FindStringSubmatch(cmd); m != nil {
			return cmd, hd.fn, m
		}
	}
	return cmd, nil, nil
}

func unwrapSudo(raw string) string {
	if !strings.HasPrefix(raw, "sudo -n sh -c ") {
		return raw
	}
	words, err := sshtest.SplitWords(raw)
	if err != nil || len(words) != 5 {
		return raw
	}
	return words[4]
}

// builtin handles the few file commands every test needs.
func (h *FakeHost) builtin(cmd string) Reply {
	words, err := sshtest.SplitWords(cmd)
	if err != nil || len(words) == 0 {
		return Reply{Stderr: "sh: syntax error", ExitCode: 2}
	}

	switch {
	case words[0] == "true":
		return Reply{}
	case words[0] == "cat" && len(words) == 2:
		f, ok := h.File(words[1])
		if !ok {
			return Reply{Stderr: "cat: " + words[1] + ": No such file or directory", ExitCode: 1}
		}
		return Reply{Stdout: string(f.Content)}
	case words[0] == "test" && len(words) == 3 && words[1] == "-f":
		if _, ok := h.File(words[2]); ok {
			return Reply{}
		}
		return Reply{ExitCode: 1}
	case words[0] == "rm" && len(words) == 3 && words[1] == "-f":
		h.RemoveFile(words[2])
		return Reply{}
	case words[0] == "mv" && len(words) == 4 && words[1] == "-f":
		f, ok := h.File(words[2])
		if !ok {
			return Reply{Stderr: "mv: cannot stat '" + words[2] + "'", ExitCode: 1}
		}
		h.RemoveFile(words[2])
		h.SetFile(words[3], f.Content, remote.FileSpec{Mode: f.Mode, Owner: f.Owner, Group: f.Group})
		return Reply{}
	}
	return Reply{Stderr: "sh: 1: " + words[0] + ": not found", ExitCode: 127}
}

type fakeSession struct {
	host   *FakeHost
	mode   remote.Mode
	mu     sync.Mutex
	closed bool
}

func (s *fakeSession) Mode() remote.Mode {
	return s.mode
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func lostSession() error {
	return errors.New(errors.ErrConnect, "Lost the SSH session", "")
}

func (s *fakeSession) Exec(ctx context.Context, raw string) (remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return remote.Result{ExitCode: -1}, err
	}
	if s.isClosed() {
		return remote.Result{ExitCode: -1}, lostSession()
	}

	cmd, fn, match := s.host.record(s.mode, remote.Wrap(s.mode, raw))

	if s.mode == remote.KeyBasedUser && s.host.SudoOK != nil && !s.host.SudoOK() {
		return remote.Result{Stderr: "sudo: a password is required\n", ExitCode: 1}, nil
	}

	var reply Reply
	if fn != nil {
		reply = fn(cmd, match)
	} else {
		reply = s.host.builtin(cmd)
	}

	if reply.Drop {
		_ = s.Close()
		return remote.Result{Stdout: reply.Stdout, Stderr: reply.Stderr, ExitCode: -1}, lostSession()
	}
	return remote.Result{Stdout: reply.Stdout, Stderr: reply.Stderr, ExitCode: reply.ExitCode}, nil
}

func (s *fakeSession) WriteFile(ctx context.Context, p string, data []byte, spec remote.FileSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return lostSession()
	}

	s.host.mu.Lock()
	s.host.commands = append(s.host.commands, Command{Mode: s.mode, Cmd: "write " + p, Raw: "sftp put " + p})
	s.host.mu.Unlock()

	if s.mode == remote.KeyBasedUser && s.host.SudoOK != nil && !s.host.SudoOK() {
		return errors.New(errors.ErrCommand, "Failed to install "+p, "sudo: a password is required")
	}
	s.host.SetFile(p, data, spec)
	return nil
}
