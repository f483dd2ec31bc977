package system

import (
	"context"
	"strings"

	"github.com/3cpo-dev/rollout/internal/target"
)

// Git manages the working tree. safe.directory is set per invocation because
// rollout runs as root against a tree owned by the service account.
type Git struct {
	Runner target.Runner
}

func (g Git) git(ctx context.Context, dir string, args ...string) (target.Result, error) {
	full := []string{"-c", "safe.directory=" + dir, "-C", dir}
	return target.Check(ctx, g.Runner, target.Command{
		Name: "git",
		Args: append(full, args...),
		Env:  []string{"GIT_TERMINAL_PROMPT=0"},
	})
}

func (g Git) Clone(ctx context.Context, repo, branch, dir string) error {
	_, err := target.Check(ctx, g.Runner, target.Command{
		Name: "git",
		Args: []string{"clone", "--branch", branch, repo, dir},
		Env:  []string{"GIT_TERMINAL_PROMPT=0"},
	})
	return err
}

// Pull fast-forwards the working tree; local divergence makes it fail.
func (g Git) Pull(ctx context.Context, dir, branch string) error {
	_, err := g.git(ctx, dir, "pull", "--ff-only", "origin", branch)
	return err
}

// ResetHard discards local changes and moves the tree to origin/branch.
// Untracked files (env file, data store, backups, venv) are left alone.
func (g Git) ResetHard(ctx context.Context, dir, branch string) error {
	if _, err := g.git(ctx, dir, "fetch", "origin", branch); err != nil {
		return err
	}
	_, err := g.git(ctx, dir, "reset", "--hard", "origin/"+branch)
	return err
}

func (g Git) Revision(ctx context.Context, dir string) (string, error) {
	res, err := g.git(ctx, dir, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}
