package target

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Local returns a target for the machine rollout runs on.
func Local() *Target {
	return &Target{Name: "local", Runner: LocalRunner{}, FS: OSFS{}, Locker: FlockLocker{}}
}

// LocalRunner executes commands with os/exec.
type LocalRunner struct{}

func (LocalRunner) command(ctx context.Context, cmd Command) *exec.Cmd {
	args := argv(cmd)
	c := exec.CommandContext(ctx, args[0], args[1:]...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	return c
}

func (r LocalRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	c := r.command(ctx, cmd)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	log.Debug().Str("cmd", cmd.String()).Str("dir", cmd.Dir).Msg("exec")
	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		res.ExitCode = -1
		return res, err
	}
	return res, nil
}

func (r LocalRunner) Stream(ctx context.Context, cmd Command, w io.Writer) error {
	c := r.command(ctx, cmd)
	c.Stdout = w
	c.Stderr = w
	err := c.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// OSFS is the local filesystem.
type OSFS struct{}

func (OSFS) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }

func (OSFS) Open(name string) (File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (OSFS) Create(name string, perm fs.FileMode) (io.WriteCloser, error) {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (OSFS) MkdirAll(name string, perm fs.FileMode) error { return os.MkdirAll(name, perm) }

func (OSFS) ReadDir(name string) ([]fs.FileInfo, error) {
	entries, err := os.ReadDir(name)
	if err != nil {
		return nil, err
	}
	infos := make([]fs.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (OSFS) Rename(oldname, newname string) error { return os.Rename(oldname, newname) }

func (OSFS) Remove(name string) error { return os.Remove(name) }

func (OSFS) Chmod(name string, perm fs.FileMode) error { return os.Chmod(name, perm) }

// FlockLocker takes non-blocking advisory flock(2) locks. The lock dies with the
// process, so a crashed run never leaves a stale lock behind.
type FlockLocker struct{}

type flockLock struct{ file *os.File }

func (FlockLocker) Acquire(path, owner string) (Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if closeErr := f.Close(); closeErr != nil {
			return nil, errors.Join(err, closeErr)
		}
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, ErrLocked
		}
		return nil, err
	}
	if owner != "" {
		if err := f.Truncate(0); err == nil {
			_, _ = f.WriteAt([]byte(owner+"\n"), 0)
		}
	}
	return &flockLock{file: f}, nil
}

func (l *flockLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		if closeErr := l.file.Close(); closeErr != nil {
			return errors.Join(err, closeErr)
		}
		return err
	}
	return l.file.Close()
}
