package sshutil

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/pkg/sftp"
	"github.com/rileyhilliard/vpsinit/internal/errors"
	"golang.org/x/crypto/ssh"
)

// Exec runs a command on the remote host and returns the output.
// Exit code is -1 if the command couldn't be executed at all.
func (c *Client) Exec(cmd string) (stdout, stderr []byte, exitCode int, err error) {
	return c.ExecContext(context.Background(), cmd)
}

// ExecContext runs cmd and waits for it, closing the session if ctx is done first.
// A non-zero exit code with nil error means the command ran but failed. An error
// means the transport broke: the session could not be opened, or the
// connection dropped before an exit status arrived.
func (c *Client) ExecContext(ctx context.Context, cmd string) (stdout, stderr []byte, exitCode int, err error) {
	session, err := c.Client.NewSession()
	if err != nil {
		return nil, nil, -1, errors.WrapWithCode(err, errors.ErrConnect,
			"Failed to create SSH session",
			"Connection may have been closed. Try reconnecting.")
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		session.Close()
		<-done
		return stdoutBuf.Bytes(), stderrBuf.Bytes(), -1, errors.WrapWithCode(ctx.Err(), errors.ErrCommand,
			"Remote command timed out",
			"Raise VPSINIT_COMMAND_TIMEOUT if the host is just slow")
	case err = <-done:
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if stderrors.As(err, &exitErr) {
			return stdoutBuf.Bytes(), stderrBuf.Bytes(), exitErr.ExitStatus(), nil
		}
		// ExitMissingError and io.EOF both mean the server went away mid-command.
		return stdoutBuf.Bytes(), stderrBuf.Bytes(), -1, errors.WrapWithCode(err, errors.ErrConnect,
			"SSH session ended before the command finished",
			"")
	}

	return stdoutBuf.Bytes(), stderrBuf.Bytes(), 0, nil
}

// Upload writes data to remotePath over SFTP and sets its permission bits.
// Ownership is left to the caller; SFTP runs as the login user.
func (c *Client) Upload(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := sftp.NewClient(c.Client)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConnect,
			"Failed to start SFTP subsystem",
			"Check Subsystem sftp is enabled in sshd_config")
	}
	defer client.Close()

	f, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCommand,
			fmt.Sprintf("Failed to create %s", remotePath), "")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.WrapWithCode(err, errors.ErrConnect,
			fmt.Sprintf("Failed to write %s", remotePath), "")
	}
	if err := f.Close(); err != nil {
		return errors.WrapWithCode(err, errors.ErrConnect,
			fmt.Sprintf("Failed to write %s", remotePath), "")
	}

	if err := client.Chmod(remotePath, mode); err != nil {
		return errors.WrapWithCode(err, errors.ErrCommand,
			fmt.Sprintf("Failed to chmod %s", remotePath), "")
	}
	return nil
}
