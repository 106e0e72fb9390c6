package testing

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockFS_WriteAndStat(t *testing.T) {
	fs := NewMockFS()
	fs.WriteFile("/tmp/a", []byte("hello"), 0o600)

	f, err := fs.Stat("/tmp/a")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(f.Content))
	assert.Equal(t, os.FileMode(0o600), f.Mode)
	assert.Equal(t, "root", f.Owner)

	_, err = fs.Stat("/tmp/missing")
	assert.Error(t, err)
}

func TestMockFS_InstallAndRemove(t *testing.T) {
	fs := NewMockFS()
	fs.WriteFile("/tmp/src", []byte("x"), 0o600)

	require.NoError(t, fs.Install("/tmp/src", "/etc/dst", 0o440, "root", "root"))
	f, err := fs.Stat("/etc/dst")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o440), f.Mode)

	fs.Remove("/tmp/src")
	assert.False(t, fs.Exists("/tmp/src"))
	fs.Remove("/tmp/src") // idempotent

	assert.Error(t, fs.Install("/tmp/src", "/etc/other", 0o644, "root", "root"))
	assert.ElementsMatch(t, []string{"/etc/dst"}, fs.Paths())
}

func TestMockClient_CustomResponseOrder(t *testing.T) {
	m := NewMockClient("vps")
	m.SetCommandResponse(`^id -u deploy$`, CommandResponse{Stdout: []byte("1000\n")})
	m.SetCommandResponse(`^id `, CommandResponse{ExitCode: 1})

	out, _, code, err := m.ExecContext(context.Background(), "id -u deploy")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "1000\n", string(out))

	_, _, code, err = m.ExecContext(context.Background(), "id -u other")
	require.NoError(t, err)
	assert.Equal(t, 1, code)

	assert.Equal(t, []string{"id -u deploy", "id -u other"}, m.Commands())
}

func TestMockClient_CustomError(t *testing.T) {
	m := NewMockClient("vps")
	m.SetCommandResponse(`systemctl restart`, CommandResponse{ExitCode: -1, Error: errors.New("EOF")})

	_, _, code, err := m.ExecContext(context.Background(), "systemctl restart ssh")
	assert.Error(t, err)
	assert.Equal(t, -1, code)
}

func TestMockClient_UploadThenInstall(t *testing.T) {
	m := NewMockClient("vps")
	ctx := context.Background()

	require.NoError(t, m.Upload(ctx, "/tmp/vpsinit-1", []byte("deploy ALL=(ALL) NOPASSWD:ALL\n"), 0o600))

	cmd := `sudo -n sh -c 'install -m 0440 -o root -g root /tmp/vpsinit-1 /etc/sudoers.d/90-vpsinit-deploy && rm -f /tmp/vpsinit-1'`
	_, stderr, code, err := m.ExecContext(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, 0, code, string(stderr))

	f, err := m.GetFS().Stat("/etc/sudoers.d/90-vpsinit-deploy")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o440), f.Mode)
	assert.False(t, m.GetFS().Exists("/tmp/vpsinit-1"))
}

func TestMockClient_InstallMissingSource(t *testing.T) {
	m := NewMockClient("vps")

	_, stderr, code, err := m.ExecContext(context.Background(), "install -m 0644 /tmp/nope /etc/x && rm -f /tmp/nope")
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, string(stderr), "No such file")
}

func TestMockClient_CatAndTest(t *testing.T) {
	m := NewMockClient("vps")
	WithFiles(m, map[string]string{"/etc/hostname": "droplet\n"})
	ctx := context.Background()

	out, _, code, err := m.ExecContext(ctx, "cat /etc/hostname")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "droplet\n", string(out))

	_, _, code, _ = m.ExecContext(ctx, "cat /etc/missing")
	assert.Equal(t, 1, code)

	_, _, code, _ = m.ExecContext(ctx, "test -f '/etc/hostname'")
	assert.Equal(t, 0, code)
	_, _, code, _ = m.ExecContext(ctx, "test -f /etc/missing")
	assert.Equal(t, 1, code)
}

func TestMockClient_UploadErr(t *testing.T) {
	m := NewMockClient("vps")
	m.UploadErr = errors.New("sftp: permission denied")

	err := m.Upload(context.Background(), "/tmp/x", nil, 0o600)
	assert.EqualError(t, err, "sftp: permission denied")
}

func TestMockClient_Close(t *testing.T) {
	m := NewMockClient("vps")
	require.NoError(t, m.Close())
	assert.True(t, m.Closed())

	_, _, _, err := m.ExecContext(context.Background(), "true")
	assert.Error(t, err)
	assert.Error(t, m.Upload(context.Background(), "/tmp/x", nil, 0o600))
}

func TestMockClient_CanceledContext(t *testing.T) {
	m := NewMockClient("vps")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, _, err := m.ExecContext(ctx, "true")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.Commands())
}

func TestMockClient_GetHostAndAddress(t *testing.T) {
	m := NewMockClient("vps")
	assert.Equal(t, "vps", m.GetHost())
	assert.Equal(t, "vps:22", m.GetAddress())
}

func TestSplitWords(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"a b  c", []string{"a", "b", "c"}},
		{`sh -c 'echo "hi"'`, []string{"sh", "-c", `echo "hi"`}},
		{`'it'"'"'s'`, []string{"it's"}},
		{`'it'\''s'`, []string{"it's"}},
		{`""`, []string{""}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := SplitWords(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := SplitWords("'open")
	assert.Error(t, err)
}
