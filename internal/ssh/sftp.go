package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// NewSFTP opens an SFTP subsystem on an established connection.
func NewSFTP(client *xssh.Client) (*sftp.Client, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	return sf, nil
}

// PullFile downloads a remote file to a local path, keeping the remote mtime.
// The local file is written under a temporary name and renamed on success.
func PullFile(ctx context.Context, sf *sftp.Client, remotePath, localPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0700); err != nil {
		return 0, fmt.Errorf("mkdir local: %w", err)
	}
	src, err := sf.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("open remote: %w", err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat remote: %w", err)
	}
	tmp := localPath + ".partial"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("create local: %w", err)
	}
	n, err := io.Copy(dst, readerCtx{ctx: ctx, r: src})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return n, fmt.Errorf("copy: %w", err)
	}
	if n != info.Size() {
		os.Remove(tmp)
		return n, fmt.Errorf("short copy: got %d of %d bytes", n, info.Size())
	}
	if err := os.Rename(tmp, localPath); err != nil {
		return n, fmt.Errorf("rename: %w", err)
	}
	_ = os.Chtimes(localPath, info.ModTime(), info.ModTime())
	return n, nil
}

type readerCtx struct {
	ctx context.Context
	r   io.Reader
}

func (r readerCtx) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
