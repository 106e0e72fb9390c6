package testing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rileyhilliard/vpsinit/pkg/sshutil"
)

// CommandResponse defines a canned response for a specific command pattern.
type CommandResponse struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Error    error
}

type commandHandler struct {
	pattern *regexp.Regexp
	resp    CommandResponse
}

// MockClient simulates an SSH connection for testing.
// Commands are matched against registered patterns in registration order;
// install, cat and rm -f fall through to the virtual filesystem.
type MockClient struct {
	mu       sync.Mutex
	host     string
	address  string
	fs       *MockFS
	closed   bool
	handlers []commandHandler
	commands []string

	// UploadErr, when set, is returned by every Upload call.
	UploadErr error
}

var _ sshutil.SSHClient = (*MockClient)(nil)

// NewMockClient creates a new mock SSH client with an empty filesystem.
func NewMockClient(host string) *MockClient {
	return &MockClient{
		host:    host,
		address: host + ":22",
		fs:      NewMockFS(),
	}
}

// ExecContext records cmd and returns the first matching canned response.
func (m *MockClient) ExecContext(ctx context.Context, cmd string) (stdout, stderr []byte, exitCode int, err error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, -1, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, -1, errors.New("connection closed")
	}
	m.commands = append(m.commands, cmd)

	for _, h := range m.handlers {
		if h.pattern.MatchString(cmd) {
			return h.resp.Stdout, h.resp.Stderr, h.resp.ExitCode, h.resp.Error
		}
	}

	return m.parseAndExecute(cmd)
}

// Upload stores data in the virtual filesystem.
func (m *MockClient) Upload(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("connection closed")
	}
	if m.UploadErr != nil {
		return m.UploadErr
	}
	m.fs.WriteFile(remotePath, data, mode)
	return nil
}

// Close marks the connection as closed.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockClient) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// GetHost returns the host name.
func (m *MockClient) GetHost() string {
	return m.host
}

// GetAddress returns the host:port address.
func (m *MockClient) GetAddress() string {
	return m.address
}

// SetCommandResponse registers a canned response for a command regex.
// Earlier registrations win over later ones.
func (m *MockClient) SetCommandResponse(pattern string, resp CommandResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, commandHandler{
		pattern: regexp.MustCompile(pattern),
		resp:    resp,
	})
}

// Commands returns every command executed so far, in order.
func (m *MockClient) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// GetFS returns the mock filesystem for direct manipulation in tests.
func (m *MockClient) GetFS() *MockFS {
	return m.fs
}

// parseAndExecute handles the file commands a session issues after an upload.
// The command may be wrapped as sudo -n sh -c '<cmd>'.
func (m *MockClient) parseAndExecute(cmd string) (stdout, stderr []byte, exitCode int, err error) {
	words, splitErr := SplitWords(cmd)
	if splitErr != nil {
		return nil, []byte(splitErr.Error()), 2, nil
	}
	if len(words) == 5 && words[0] == "sudo" && words[1] == "-n" && words[2] == "sh" && words[3] == "-c" {
		return m.parseAndExecute(words[4])
	}

	// Chains joined with && stop at the first failure.
	var segment []string
	flush := func() (int, []byte) {
		if len(segment) == 0 {
			return 0, nil
		}
		out, code := m.run(segment)
		segment = nil
		return code, out
	}
	for _, w := range words {
		if w == "&&" {
			if code, errOut := flush(); code != 0 {
				return nil, errOut, code, nil
			}
			continue
		}
		segment = append(segment, w)
	}
	code, errOut := flush()
	if code != 0 {
		return nil, errOut, code, nil
	}
	if len(words) >= 2 && words[0] == "cat" {
		content, _ := m.fs.ReadFile(words[1])
		return content, nil, 0, nil
	}
	return nil, nil, 0, nil
}

func (m *MockClient) run(args []string) ([]byte, int) {
	switch args[0] {
	case "install":
		return m.handleInstall(args[1:])
	case "rm":
		for _, a := range args[1:] {
			if !strings.HasPrefix(a, "-") {
				m.fs.Remove(a)
			}
		}
		return nil, 0
	case "cat":
		if len(args) < 2 || !m.fs.Exists(args[1]) {
			return []byte("cat: No such file or directory"), 1
		}
		return nil, 0
	case "test":
		if len(args) == 3 && args[1] == "-f" {
			if m.fs.Exists(args[2]) {
				return nil, 0
			}
			return nil, 1
		}
	}
	// Unknown command - return success by default
	return nil, 0
}

// handleInstall processes: install -m MODE -o OWNER -g GROUP SRC DST
func (m *MockClient) handleInstall(args []string) ([]byte, int) {
	mode := os.FileMode(0o755)
	owner, group := "root", "root"
	var paths []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-m", "-o", "-g":
			if i+1 >= len(args) {
				return []byte("install: option requires an argument"), 1
			}
			val := args[i+1]
			switch args[i] {
			case "-m":
				parsed, err := strconv.ParseUint(val, 8, 32)
				if err != nil {
					return []byte(fmt.Sprintf("install: invalid mode '%s'", val)), 1
				}
				mode = os.FileMode(parsed)
			case "-o":
				owner = val
			case "-g":
				group = val
			}
			i++
		default:
			paths = append(paths, args[i])
		}
	}

	if len(paths) != 2 {
		return []byte("install: missing destination file operand"), 1
	}
	if err := m.fs.Install(paths[0], paths[1], mode, owner, group); err != nil {
		return []byte("install: " + err.Error()), 1
	}
	return nil, 0
}

// SplitWords splits a POSIX shell line into words, honoring single and double
// quotes and backslash escapes. It is only as complete as the commands vpsinit generates.
func SplitWords(line string) ([]string, error) {
	var words []string
	var cur strings.Builder
	inWord := false
	escaped := false
	var quote rune

	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '\\':
			escaped = true
			inWord = true
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, errors.New("unterminated quote")
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}
