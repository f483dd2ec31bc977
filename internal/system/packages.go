package system

import (
	"context"
	"path"

	"github.com/3cpo-dev/rollout/internal/target"
)

// Packages installs OS packages with apt-get and Python requirements into a venv.
type Packages struct {
	Runner target.Runner
	// User owns the virtualenv; pip runs as this account when set.
	User string
}

func (p Packages) InstallSystem(ctx context.Context, pkgs []string) error {
	env := []string{"DEBIAN_FRONTEND=noninteractive"}
	if _, err := target.Check(ctx, p.Runner, target.Command{Name: "apt-get", Args: []string{"update", "-q"}, Env: env}); err != nil {
		return err
	}
	args := append([]string{"install", "-y", "-q", "--no-install-recommends"}, pkgs...)
	_, err := target.Check(ctx, p.Runner, target.Command{Name: "apt-get", Args: args, Env: env})
	return err
}

func (p Packages) CreateEnv(ctx context.Context, venv string) error {
	_, err := target.Check(ctx, p.Runner, target.Command{Name: "python3", Args: []string{"-m", "venv", venv}, User: p.User})
	return err
}

func (p Packages) InstallRequirements(ctx context.Context, venv, requirements string) error {
	pip := path.Join(venv, "bin", "pip")
	_, err := target.Check(ctx, p.Runner, target.Command{
		Name: pip,
		Args: []string{"install", "--disable-pip-version-check", "-q", "-r", requirements},
		Dir:  path.Dir(requirements),
		User: p.User,
	})
	return err
}
