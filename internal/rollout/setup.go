package rollout

import (
	"context"
	"errors"
	"io/fs"
	"path"

	"github.com/3cpo-dev/rollout/internal/target"
	"github.com/3cpo-dev/rollout/pkg/api"
)

// Setup provisions the host: packages, service account, working copy,
// virtualenv, backup directory, env file, ownership and the service unit. It
// never starts the service and is safe to run again.
func (o *Orchestrator) Setup(ctx context.Context) (api.Report, error) {
	return o.execute(ctx, "setup", func(r *run) []Step {
		return []Step{
			r.privilegeStep(),
			r.lockStep(),
			r.packagesStep(),
			r.accountStep(),
			r.workingCopyStep(),
			r.venvStep(),
			r.requirementsStep(),
			r.backupDirStep(),
			r.envFileStep(),
			r.ownershipStep(),
			r.registerStep(),
		}
	})
}

func (r *run) packagesStep() Step {
	pkgs := r.o.cfg.Packages
	return Step{
		Name: "install system packages",
		Skip: func(context.Context) (string, error) {
			if len(pkgs) == 0 {
				return "no packages configured", nil
			}
			return "", nil
		},
		Run: func(ctx context.Context) error {
			if err := r.o.Packages.InstallSystem(ctx, pkgs); err != nil {
				return fail(ErrDependencyInstall, err)
			}
			return nil
		},
	}
}

func (r *run) accountStep() Step {
	user := r.o.cfg.App.User
	return Step{
		Name: "create service account",
		Skip: func(ctx context.Context) (string, error) {
			ok, err := r.o.Accounts.Exists(ctx, user)
			if err != nil || !ok {
				return "", err
			}
			return user + " exists", nil
		},
		Run: func(ctx context.Context) error {
			return r.o.Accounts.Create(ctx, user, r.o.cfg.App.Root)
		},
	}
}

// workingCopyStep clones into an absent root, otherwise pulls. The tree is
// handed to the service account right away so the virtualenv can be built as it.
func (r *run) workingCopyStep() Step {
	cfg := r.o.cfg
	return Step{
		Name: "fetch working copy",
		Run: func(ctx context.Context) error {
			cloned, err := target.Exists(r.o.FS, path.Join(cfg.App.Root, ".git"))
			if err != nil {
				return err
			}
			detail := "pulled " + cfg.App.Branch
			if cloned {
				err = r.o.VCS.Pull(ctx, cfg.App.Root, cfg.App.Branch)
			} else {
				detail = "cloned " + cfg.App.Repo
				err = r.o.VCS.Clone(ctx, cfg.App.Repo, cfg.App.Branch, cfg.App.Root)
			}
			if err != nil {
				return err
			}
			if err := r.o.Accounts.Chown(ctx, cfg.App.Root, cfg.App.User); err != nil {
				return err
			}
			return completed("%s", detail)
		},
	}
}

func (r *run) venvStep() Step {
	venv := r.o.cfg.VenvPath()
	return Step{
		Name: "create virtualenv",
		Skip: func(context.Context) (string, error) {
			ok, err := target.Exists(r.o.FS, path.Join(venv, "bin", "python"))
			if err != nil || !ok {
				return "", err
			}
			return venv + " exists", nil
		},
		Run: func(ctx context.Context) error {
			if err := r.o.Packages.CreateEnv(ctx, venv); err != nil {
				return fail(ErrDependencyInstall, err)
			}
			return nil
		},
	}
}

func (r *run) backupDirStep() Step {
	dir := r.o.cfg.BackupDir()
	return Step{
		Name: "create backup directory",
		Skip: func(context.Context) (string, error) {
			ok, err := target.Exists(r.o.FS, dir)
			if err != nil || !ok {
				return "", err
			}
			return dir + " exists", nil
		},
		Run: func(context.Context) error {
			return r.o.FS.MkdirAll(dir, 0o750)
		},
	}
}

// envFileStep copies the template into place once. An existing env file is
// never touched: it holds the operator's secrets.
func (r *run) envFileStep() Step {
	cfg := r.o.cfg
	return Step{
		Name: "materialize env file",
		Skip: func(context.Context) (string, error) {
			ok, err := target.Exists(r.o.FS, cfg.EnvFilePath())
			if err != nil || !ok {
				return "", err
			}
			return cfg.EnvFilePath() + " exists", nil
		},
		Run: func(context.Context) error {
			tmpl, err := target.ReadFile(r.o.FS, cfg.EnvTemplatePath())
			if errors.Is(err, fs.ErrNotExist) {
				return warned("template %s not found; create %s by hand", cfg.EnvTemplatePath(), cfg.EnvFilePath())
			}
			if err != nil {
				return err
			}
			if err := target.WriteFile(r.o.FS, cfg.EnvFilePath(), tmpl, 0o600); err != nil {
				return err
			}
			return warned("created %s from template; fill in the secrets before deploying", cfg.EnvFilePath())
		},
	}
}

func (r *run) ownershipStep() Step {
	cfg := r.o.cfg
	return Step{
		Name: "fix ownership",
		Run: func(ctx context.Context) error {
			if err := r.o.Accounts.Chown(ctx, cfg.App.Root, cfg.App.User); err != nil {
				return err
			}
			ok, err := target.Exists(r.o.FS, cfg.EnvFilePath())
			if err != nil || !ok {
				return err
			}
			return r.o.FS.Chmod(cfg.EnvFilePath(), 0o600)
		},
	}
}

func (r *run) registerStep() Step {
	cfg := r.o.cfg
	name := cfg.Service.Name
	return Step{
		Name: "register service",
		Run: func(ctx context.Context) error {
			ok, err := r.o.unitSource()
			if err != nil {
				return err
			}
			if !ok {
				registered, err := r.o.Supervisor.IsRegistered(ctx, name)
				if err != nil {
					return err
				}
				if !registered {
					return failf(ErrPrecondition, "unit file %s not found in the working tree", cfg.UnitSourcePath())
				}
				return warned("no unit file at %s; keeping the installed definition", cfg.UnitSourcePath())
			}
			changed, err := r.o.syncUnit(ctx)
			if err != nil {
				return err
			}
			if err := r.o.Supervisor.Enable(ctx, name); err != nil {
				return err
			}
			if changed {
				return completed("installed %s and enabled %s", cfg.UnitInstallPath(), name)
			}
			return completed("%s enabled, definition unchanged", name)
		},
	}
}
