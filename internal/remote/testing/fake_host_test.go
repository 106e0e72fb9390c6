package testing

import (
	"context"
	"os"
	"testing"

	"github.com/rileyhilliard/vpsinit/internal/errors"
	"github.com/rileyhilliard/vpsinit/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeHost_DialPolicy(t *testing.T) {
	h := NewFakeHost()
	ctx := context.Background()

	s, err := h.Dial(ctx, remote.RootPassword)
	require.NoError(t, err)
	assert.Equal(t, remote.RootPassword, s.Mode())

	_, err = h.Dial(ctx, remote.KeyBasedUser)
	assert.True(t, errors.IsCode(err, errors.ErrConnect))
	assert.Equal(t, remote.FailAuth, remote.ReasonOf(err))

	h.RootLogin = false
	h.KeyLogin = true
	_, err = h.Dial(ctx, remote.RootPassword)
	assert.Error(t, err)
	_, err = h.Dial(ctx, remote.KeyBasedUser)
	assert.NoError(t, err)

	assert.Equal(t, 2, h.DialCount(remote.RootPassword))
	assert.Equal(t, 2, h.DialCount(remote.KeyBasedUser))
	assert.Equal(t, 4, h.TotalDials())
}

func TestFakeHost_NoRootPassword(t *testing.T) {
	h := NewFakeHost()
	h.RootPasswordSet = false

	assert.False(t, h.CanUseRootPassword())
	_, err := h.Dial(context.Background(), remote.RootPassword)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestFakeHost_FailDials(t *testing.T) {
	h := NewFakeHost()
	h.KeyLogin = true
	h.FailDials(remote.KeyBasedUser, 2)

	for i := 0; i < 2; i++ {
		_, err := h.Dial(context.Background(), remote.KeyBasedUser)
		assert.Equal(t, remote.FailRefused, remote.ReasonOf(err))
	}
	_, err := h.Dial(context.Background(), remote.KeyBasedUser)
	assert.NoError(t, err)
}

func TestFakeHost_HandlersAndLog(t *testing.T) {
	h := NewFakeHost()
	h.KeyLogin = true
	h.Respond(`^id -u (\w+)$`, Reply{Stdout: "1000\n"})
	h.Handle(`^echo (.*)$`, func(_ string, m []string) Reply {
		return Reply{Stdout: m[1] + "\n"}
	})
	ctx := context.Background()

	s, err := h.Dial(ctx, remote.KeyBasedUser)
	require.NoError(t, err)

	res, err := s.Exec(ctx, "id -u deploy")
	require.NoError(t, err)
	assert.Equal(t, "1000\n", res.Stdout)

	res, err = s.Exec(ctx, "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Stdout)

	res, err = s.Exec(ctx, "frobnicate")
	require.NoError(t, err)
	assert.Equal(t, 127, res.ExitCode)

	cmds := h.Commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, "id -u deploy", cmds[0].Cmd)
	assert.Equal(t, "sudo -n sh -c 'id -u deploy'", cmds[0].Raw)
	assert.Equal(t, remote.KeyBasedUser, cmds[0].Mode)
	assert.Len(t, h.CommandsIn(remote.RootPassword), 0)
	assert.True(t, h.Ran(`^echo`))
	assert.False(t, h.Ran(`^apt-get`))

	h.ResetLog()
	assert.Empty(t, h.Commands())
	assert.Zero(t, h.TotalDials())
}

func TestFakeHost_DropClosesSession(t *testing.T) {
	h := NewFakeHost()
	h.Respond(`systemctl restart ssh`, Reply{Drop: true})
	ctx := context.Background()

	s, err := h.Dial(ctx, remote.RootPassword)
	require.NoError(t, err)

	_, err = s.Exec(ctx, "systemctl restart ssh")
	assert.True(t, errors.IsCode(err, errors.ErrConnect))

	_, err = s.Exec(ctx, "true")
	assert.Error(t, err)
	assert.Error(t, s.WriteFile(ctx, "/x", nil, remote.FileSpec{}))
}

func TestFakeHost_Builtins(t *testing.T) {
	h := NewFakeHost()
	ctx := context.Background()
	s, err := h.Dial(ctx, remote.RootPassword)
	require.NoError(t, err)

	require.NoError(t, s.WriteFile(ctx, "/etc/sudoers.d/x.new", []byte("rule\n"), remote.FileSpec{Mode: 0o440}))
	f, ok := h.File("/etc/sudoers.d/x.new")
	require.True(t, ok)
	assert.Equal(t, os.FileMode(0o440), f.Mode)
	assert.Equal(t, "root", f.Owner)

	res, _ := s.Exec(ctx, "test -f /etc/sudoers.d/x.new")
	assert.True(t, res.OK())

	res, _ = s.Exec(ctx, "mv -f /etc/sudoers.d/x.new /etc/sudoers.d/x")
	assert.True(t, res.OK())
	assert.Equal(t, []string{"/etc/sudoers.d/x"}, h.Glob("/etc/sudoers.d/*"))

	res, _ = s.Exec(ctx, "cat '/etc/sudoers.d/x'")
	assert.Equal(t, "rule\n", res.Stdout)

	res, _ = s.Exec(ctx, "rm -f /etc/sudoers.d/x")
	assert.True(t, res.OK())
	res, _ = s.Exec(ctx, "cat /etc/sudoers.d/x")
	assert.Equal(t, 1, res.ExitCode)

	res, _ = s.Exec(ctx, "true")
	assert.True(t, res.OK())
}

func TestFakeHost_SudoGate(t *testing.T) {
	h := NewFakeHost()
	h.KeyLogin = true
	allowed := false
	h.SudoOK = func() bool { return allowed }
	ctx := context.Background()

	s, err := h.Dial(ctx, remote.KeyBasedUser)
	require.NoError(t, err)

	res, err := s.Exec(ctx, "true")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "password is required")

	allowed = true
	res, err = s.Exec(ctx, "true")
	require.NoError(t, err)
	assert.True(t, res.OK())
}
