package ssh

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PullFile copies a remote check script into w over an established SSH
// connection.
func PullFile(ctx context.Context, client *xssh.Client, remotePath string, w io.Writer) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	_, err = Pull(ctx, sf, remotePath, w)
	return err
}

// Pull copies a regular remote file into w and returns the bytes written.
func Pull(ctx context.Context, sf *sftp.Client, remotePath string, w io.Writer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fi, err := sf.Stat(remotePath)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", remotePath, err)
	}
	if !fi.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", remotePath)
	}
	src, err := sf.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", remotePath, err)
	}
	defer src.Close()
	n, err := io.Copy(w, src)
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", remotePath, err)
	}
	return n, nil
}
