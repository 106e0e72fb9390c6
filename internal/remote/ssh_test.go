package remote

import (
	"context"
	stderrors "errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rileyhilliard/vpsinit/internal/errors"
	"github.com/rileyhilliard/vpsinit/internal/logger"
	"github.com/rileyhilliard/vpsinit/internal/util"
	"github.com/rileyhilliard/vpsinit/pkg/sshutil"
	sshtest "github.com/rileyhilliard/vpsinit/pkg/sshutil/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDialer(creds Credentials, mock *sshtest.MockClient, seen *[]sshutil.DialOptions, dialErr error) *SSHDialer {
	target := Target{Host: "203.0.113.7", Port: 22, ConnectTimeout: time.Second, HostKeyPolicy: sshutil.HostKeyInsecure}
	return NewSSHDialer(target, creds, logger.Noop()).WithDialFunc(
		func(_ context.Context, host string, opts sshutil.DialOptions) (sshutil.SSHClient, error) {
			*seen = append(*seen, opts)
			if dialErr != nil {
				return nil, dialErr
			}
			return mock, nil
		})
}

func TestSSHDialer_DialOptionsPerMode(t *testing.T) {
	var seen []sshutil.DialOptions
	mock := sshtest.NewMockClient("vps")
	d := testDialer(Credentials{
		RootPassword:   "s3cret",
		AdminUser:      "deploy",
		PrivateKeyPath: "/keys/id_ed25519",
		KeyPassphrase:  "pp",
	}, mock, &seen, nil)

	assert.True(t, d.CanUseRootPassword())

	s, err := d.Dial(context.Background(), RootPassword)
	require.NoError(t, err)
	assert.Equal(t, RootPassword, s.Mode())

	s, err = d.Dial(context.Background(), KeyBasedUser)
	require.NoError(t, err)
	assert.Equal(t, KeyBasedUser, s.Mode())

	require.Len(t, seen, 2)
	assert.Equal(t, "root", seen[0].User)
	assert.Equal(t, "s3cret", seen[0].Password)
	assert.Empty(t, seen[0].KeyPath)
	assert.False(t, seen[0].UseAgent)

	assert.Equal(t, "deploy", seen[1].User)
	assert.Empty(t, seen[1].Password)
	assert.Equal(t, "/keys/id_ed25519", seen[1].KeyPath)
	assert.Equal(t, "pp", seen[1].KeyPassphrase)
	assert.True(t, seen[1].UseAgent, "key mode falls back to the ssh-agent")
}

func TestSSHDialer_ConfigWarningsReachLogOnce(t *testing.T) {
	log := logger.NewBufferLogger()
	d := NewSSHDialer(Target{Host: "staging"}, Credentials{AdminUser: "deploy"}, log)

	for _, mode := range []Mode{RootPassword, KeyBasedUser} {
		opts := d.DialOptions(mode)
		require.NotNil(t, opts.Warn)
		opts.Warn("Host 'staging' not found in SSH config")
	}

	require.Len(t, log.Messages, 1)
	assert.Equal(t, "warn", log.Messages[0].Level)
	assert.Contains(t, log.Messages[0].Message, "Host 'staging'")
}

func TestSSHDialer_NoRootPassword(t *testing.T) {
	var seen []sshutil.DialOptions
	d := testDialer(Credentials{AdminUser: "deploy", PrivateKeyPath: "/k"}, sshtest.NewMockClient("vps"), &seen, nil)

	assert.False(t, d.CanUseRootPassword())
	_, err := d.Dial(context.Background(), RootPassword)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
	assert.Empty(t, seen, "no connection may be attempted")
}

func TestSSHDialer_DialFailureIsConnectError(t *testing.T) {
	var seen []sshutil.DialOptions
	d := testDialer(Credentials{RootPassword: "x", AdminUser: "deploy"}, nil, &seen,
		stderrors.New("ssh: handshake failed: ssh: unable to authenticate"))

	_, err := d.Dial(context.Background(), RootPassword)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConnect))
	assert.Equal(t, FailAuth, ReasonOf(err))
}

func TestSession_ExecWrapsSudoInKeyMode(t *testing.T) {
	mock := sshtest.NewMockClient("vps")
	mock.SetCommandResponse(`^id -u deploy$`, sshtest.CommandResponse{Stdout: []byte("0\n")})
	mock.SetCommandResponse(`^sudo -n sh -c `, sshtest.CommandResponse{Stdout: []byte("1000\n")})

	root := NewSession(mock, RootPassword, 0)
	res, err := root.Exec(context.Background(), "id -u deploy")
	require.NoError(t, err)
	assert.Equal(t, "0\n", res.Stdout)

	key := NewSession(mock, KeyBasedUser, 0)
	res, err = key.Exec(context.Background(), "id -u deploy")
	require.NoError(t, err)
	assert.Equal(t, "1000\n", res.Stdout)

	cmds := mock.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "id -u deploy", cmds[0])
	assert.Equal(t, "sudo -n sh -c 'id -u deploy'", cmds[1])
}

func TestSession_ExecNonZeroIsNotAnError(t *testing.T) {
	mock := sshtest.NewMockClient("vps")
	mock.SetCommandResponse(`ufw status`, sshtest.CommandResponse{Stderr: []byte("ufw: not found"), ExitCode: 127})

	res, err := NewSession(mock, RootPassword, 0).Exec(context.Background(), "ufw status")
	require.NoError(t, err)
	assert.Equal(t, 127, res.ExitCode)
	assert.Equal(t, "ufw: not found", res.Stderr)
}

func TestSession_ExecTransportErrorIsConnect(t *testing.T) {
	mock := sshtest.NewMockClient("vps")
	mock.SetCommandResponse(`restart`, sshtest.CommandResponse{ExitCode: -1, Error: stderrors.New("EOF")})

	_, err := NewSession(mock, RootPassword, 0).Exec(context.Background(), "systemctl restart ssh")
	assert.True(t, errors.IsCode(err, errors.ErrConnect))
}

func TestSession_WriteFile(t *testing.T) {
	for _, mode := range []Mode{RootPassword, KeyBasedUser} {
		t.Run(mode.String(), func(t *testing.T) {
			mock := sshtest.NewMockClient("vps")
			s := NewSession(mock, mode, 0)

			err := s.WriteFile(context.Background(), "/home/deploy/.ssh/authorized_keys",
				[]byte("ssh-ed25519 AAAA deploy\n"),
				FileSpec{Mode: 0o600, Owner: "deploy", Group: "deploy"})
			require.NoError(t, err)

			f, err := mock.GetFS().Stat("/home/deploy/.ssh/authorized_keys")
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), f.Mode)
			assert.Equal(t, "deploy", f.Owner)
			assert.Equal(t, "ssh-ed25519 AAAA deploy\n", string(f.Content))

			// The staging copy is gone.
			for _, p := range mock.GetFS().Paths() {
				assert.False(t, strings.HasPrefix(p, "/tmp/vpsinit-"), "leftover %s", p)
			}
		})
	}
}

func TestSession_WriteFileInstallFails(t *testing.T) {
	mock := sshtest.NewMockClient("vps")
	mock.SetCommandResponse(`install -m`, sshtest.CommandResponse{Stderr: []byte("install: invalid user 'ghost'"), ExitCode: 1})

	err := NewSession(mock, RootPassword, 0).WriteFile(context.Background(), "/etc/x", []byte("x"),
		FileSpec{Mode: 0o644, Owner: "ghost"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCommand))
	assert.Contains(t, err.Error(), "invalid user")

	cmds := mock.Commands()
	require.Len(t, cmds, 2)
	assert.True(t, strings.HasPrefix(cmds[1], "rm -f '/tmp/vpsinit-"))
}

func TestSession_WriteFileDropRemovesStagingOnNextDial(t *testing.T) {
	var seen []sshutil.DialOptions
	mock := sshtest.NewMockClient("vps")
	mock.SetCommandResponse(`install -m`, sshtest.CommandResponse{ExitCode: -1, Error: stderrors.New("connection reset by peer")})
	d := testDialer(Credentials{RootPassword: "x", AdminUser: "deploy"}, mock, &seen, nil)

	s, err := d.Dial(context.Background(), RootPassword)
	require.NoError(t, err)
	err = s.WriteFile(context.Background(), "/etc/sudoers.d/90-vpsinit-deploy", []byte("deploy ALL=(ALL) NOPASSWD:ALL\n"),
		FileSpec{Mode: 0o440})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConnect))
	assert.Contains(t, err.Error(), "/tmp/vpsinit-")

	var staging string
	for _, p := range mock.GetFS().Paths() {
		if strings.HasPrefix(p, "/tmp/vpsinit-") {
			staging = p
		}
	}
	require.NotEmpty(t, staging, "upload left a staging copy")

	_, err = d.Dial(context.Background(), KeyBasedUser)
	require.NoError(t, err)
	assert.False(t, mock.GetFS().Exists(staging))
	cmds := mock.Commands()
	assert.Equal(t, util.SudoWrap("rm -f "+util.ShellQuote(staging)), cmds[len(cmds)-1])

	before := len(mock.Commands())
	_, err = d.Dial(context.Background(), KeyBasedUser)
	require.NoError(t, err)
	assert.Len(t, mock.Commands(), before, "nothing left to sweep")
}

func TestSession_WriteFileUploadFails(t *testing.T) {
	mock := sshtest.NewMockClient("vps")
	mock.UploadErr = stderrors.New("sftp: no such subsystem")

	err := NewSession(mock, RootPassword, 0).WriteFile(context.Background(), "/etc/x", nil, FileSpec{Mode: 0o644})
	assert.True(t, errors.IsCode(err, errors.ErrConnect))
	assert.Empty(t, mock.Commands())
}

func TestInstallCommand(t *testing.T) {
	cmd := InstallCommand("/tmp/vpsinit-1", "/etc/sudoers.d/90-vpsinit-deploy", FileSpec{Mode: 0o440})
	assert.Equal(t,
		"install -m 0440 -o 'root' -g 'root' '/tmp/vpsinit-1' '/etc/sudoers.d/90-vpsinit-deploy' && rm -f '/tmp/vpsinit-1'",
		cmd)
}

func TestWrap(t *testing.T) {
	assert.Equal(t, "true", Wrap(RootPassword, "true"))
	assert.Equal(t, "sudo -n sh -c 'true'", Wrap(KeyBasedUser, "true"))
}
