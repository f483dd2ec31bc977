package target

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/rollout/internal/core"
	gssh "github.com/3cpo-dev/rollout/internal/ssh"
)

// DialRemote connects to cfg.Target.Host over SSH and opens an SFTP session on
// the same connection.
func DialRemote(ctx context.Context, cfg core.Config, trustNew bool) (*Target, error) {
	keyPath := cfg.Target.KeyPath
	if keyPath == "" {
		keyPath = DefaultKeyPath()
	}
	signer, err := gssh.LoadPrivateKeySigner(keyPath)
	if err != nil {
		return nil, err
	}
	khPath := cfg.Target.KnownHosts
	if khPath == "" {
		khPath = path.Join(path.Dir(keyPath), "known_hosts")
	}
	kh, err := gssh.LoadKnownHostsCallback(khPath, trustNew)
	if err != nil {
		return nil, err
	}
	c := &gssh.Client{
		Addr:       net.JoinHostPort(cfg.Target.Host, strconv.Itoa(cfg.Target.Port)),
		User:       cfg.Target.User,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    cfg.Timeout(),
		Retries:    cfg.Target.Retries,
		Backoff:    time.Second,
	}
	cli, err := gssh.Dial(ctx, c)
	if err != nil {
		return nil, err
	}
	sf, err := gssh.NewSFTP(cli)
	if err != nil {
		cli.Close()
		return nil, err
	}
	log.Debug().Str("addr", c.Addr).Str("user", c.User).Msg("connected to remote target")
	return &Target{
		Name:   cfg.Target.Host,
		Runner: &SSHRunner{Client: cli},
		FS:     &SFTPFS{Client: sf},
		Locker: &ExclusiveFileLocker{FS: sf},
		Remote: true,
		closer: closers{sf, cli},
	}, nil
}

// SFTPClient exposes the SFTP session of a remote target, for downloads.
func (t *Target) SFTPClient() (*sftp.Client, bool) {
	fsys, ok := t.FS.(*SFTPFS)
	if !ok {
		return nil, false
	}
	return fsys.Client, true
}

// DefaultKeyPath is the deploy key `rollout init` generates.
func DefaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/rollout/id_ed25519"
	}
	return path.Join(home, ".config", "rollout", "id_ed25519")
}

type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		if err := c.Close(); err != nil && !errors.Is(err, io.EOF) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SSHRunner runs commands through a remote shell.
type SSHRunner struct {
	Client *xssh.Client
}

func shellLine(cmd Command) string {
	line := Quote(argv(cmd)...)
	if len(cmd.Env) > 0 {
		line = "env " + Quote(cmd.Env...) + " " + line
	}
	if cmd.Dir != "" {
		line = "cd " + Quote(cmd.Dir) + " && " + line
	}
	return line
}

func (r *SSHRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	var stdout, stderr bytes.Buffer
	line := shellLine(cmd)
	log.Debug().Str("cmd", line).Msg("ssh exec")
	code, err := gssh.Exec(ctx, r.Client, line, &stdout, &stderr)
	return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code}, err
}

func (r *SSHRunner) Stream(ctx context.Context, cmd Command, w io.Writer) error {
	_, err := gssh.Exec(ctx, r.Client, shellLine(cmd), w, w)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// SFTPFS is the remote filesystem over SFTP.
type SFTPFS struct {
	Client *sftp.Client
}

func (f *SFTPFS) Stat(name string) (fs.FileInfo, error) { return f.Client.Stat(name) }

func (f *SFTPFS) Open(name string) (File, error) {
	file, err := f.Client.Open(name)
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (f *SFTPFS) Create(name string, perm fs.FileMode) (io.WriteCloser, error) {
	w, err := f.Client.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY)
	if err != nil {
		return nil, err
	}
	if err := w.Chmod(perm); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// MkdirAll applies perm only to the directories it creates, matching os.MkdirAll.
func (f *SFTPFS) MkdirAll(name string, perm fs.FileMode) error {
	var missing []string
	for p := name; ; p = path.Dir(p) {
		info, err := f.Client.Stat(p)
		if err == nil {
			if !info.IsDir() {
				return &fs.PathError{Op: "mkdir", Path: p, Err: syscall.ENOTDIR}
			}
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		missing = append(missing, p)
		if p == path.Dir(p) {
			break
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := f.Client.MkdirAll(name); err != nil {
		return err
	}
	for i := len(missing) - 1; i >= 0; i-- {
		if err := f.Client.Chmod(missing[i], perm); err != nil {
			return err
		}
	}
	return nil
}

func (f *SFTPFS) ReadDir(name string) ([]fs.FileInfo, error) { return f.Client.ReadDir(name) }

// Rename replaces newname if it exists, matching os.Rename.
func (f *SFTPFS) Rename(oldname, newname string) error {
	return f.Client.PosixRename(oldname, newname)
}

func (f *SFTPFS) Remove(name string) error { return f.Client.Remove(name) }

func (f *SFTPFS) Chmod(name string, perm fs.FileMode) error { return f.Client.Chmod(name, perm) }

// ExclusiveFileLocker creates the lock file with O_EXCL and removes it on release.
// SFTP has no flock, so a crashed run leaves the file behind; the owner line
// written into it tells the operator which run to clean up after.
type ExclusiveFileLocker struct {
	FS *sftp.Client
}

type exclusiveLock struct {
	fs   *sftp.Client
	path string
}

func (l *ExclusiveFileLocker) Acquire(p, owner string) (Lock, error) {
	f, err := l.FS.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY)
	if err != nil {
		if _, statErr := l.FS.Stat(p); statErr == nil {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("create lock: %w", err)
	}
	_, werr := f.Write([]byte(owner + "\n"))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = l.FS.Remove(p)
		return nil, fmt.Errorf("write lock: %w", werr)
	}
	return &exclusiveLock{fs: l.FS, path: p}, nil
}

func (l *exclusiveLock) Release() error { return l.fs.Remove(l.path) }
