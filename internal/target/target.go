// Package target abstracts the machine the orchestrator acts on: a command
// runner, a filesystem and an exclusive lock, either local or over SSH.
package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
)

// Command is a single process invocation on the target.
type Command struct {
	Name string
	Args []string
	Dir  string
	// User, when set, runs the command as that account via runuser.
	User string
	Env  []string
}

func (c Command) String() string {
	parts := append([]string{c.Name}, c.Args...)
	return strings.Join(parts, " ")
}

// Result of a finished command. A non-zero ExitCode is not a transport error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands on the target.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
	// Stream copies stdout to w until the command exits or ctx is done.
	Stream(ctx context.Context, cmd Command, w io.Writer) error
}

// File is an open file on the target.
type File interface {
	io.ReadSeekCloser
	Stat() (fs.FileInfo, error)
}

// FS is the subset of filesystem operations the orchestrator needs. Paths are
// slash-separated and absolute.
type FS interface {
	Stat(name string) (fs.FileInfo, error)
	Open(name string) (File, error)
	// Create truncates or creates name with the given permissions.
	Create(name string, perm fs.FileMode) (io.WriteCloser, error)
	MkdirAll(name string, perm fs.FileMode) error
	ReadDir(name string) ([]fs.FileInfo, error)
	Rename(oldname, newname string) error
	Remove(name string) error
	Chmod(name string, perm fs.FileMode) error
}

// ErrLocked is returned when another invocation holds the lock.
var ErrLocked = errors.New("already locked")

// Lock represents a held lock.
type Lock interface{ Release() error }

// Locker hands out exclusive, non-blocking locks.
type Locker interface {
	Acquire(path, owner string) (Lock, error)
}

// Target bundles the capabilities of one machine.
type Target struct {
	Name   string
	Runner Runner
	FS     FS
	Locker Locker
	Remote bool
	closer io.Closer
}

func (t *Target) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// Check runs cmd and converts a non-zero exit into an error carrying stderr.
func Check(ctx context.Context, r Runner, cmd Command) (Result, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return res, fmt.Errorf("%s: %w", cmd.Name, err)
	}
	if res.ExitCode != 0 {
		return res, &ExitError{Cmd: cmd.String(), Code: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	return res, nil
}

// ExitError reports a command that ran but failed.
type ExitError struct {
	Cmd    string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Cmd, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Cmd, e.Code, lastLine(e.Stderr))
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// ReadFile reads a whole file from fsys.
func ReadFile(fsys FS, name string) ([]byte, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteFile writes data to name through a temporary file and a rename, so a
// reader never observes a partial file.
func WriteFile(fsys FS, name string, data []byte, perm fs.FileMode) error {
	tmp := name + ".tmp"
	w, err := fsys.Create(tmp, perm)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		fsys.Remove(tmp)
		return err
	}
	if err := w.Close(); err != nil {
		fsys.Remove(tmp)
		return err
	}
	if err := fsys.Rename(tmp, name); err != nil {
		fsys.Remove(tmp)
		return err
	}
	return nil
}

// Exists reports whether name exists. Errors other than not-exist are returned.
func Exists(fsys FS, name string) (bool, error) {
	_, err := fsys.Stat(name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Quote renders args as a POSIX shell command line.
func Quote(args ...string) string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = quoteArg(a)
	}
	return strings.Join(out, " ")
}

func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@,+%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// argv returns the full argument vector, wrapping in runuser when a user is set.
func argv(cmd Command) []string {
	args := append([]string{cmd.Name}, cmd.Args...)
	if cmd.User != "" {
		args = append([]string{"runuser", "-u", cmd.User, "--"}, args...)
	}
	return args
}
