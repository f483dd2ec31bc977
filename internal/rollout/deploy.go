package rollout

import (
	"context"
	"path"

	"github.com/3cpo-dev/rollout/internal/target"
	"github.com/3cpo-dev/rollout/pkg/api"
)

// Update pulls new code into the running installation and restarts the service.
func (o *Orchestrator) Update(ctx context.Context) (api.Report, error) {
	return o.execute(ctx, "update", func(r *run) []Step {
		steps := []Step{
			r.privilegeStep(),
			r.lockStep(),
			r.stopStep(),
			{
				Name: "pull latest code",
				Run: func(ctx context.Context) error {
					return o.VCS.Pull(ctx, o.cfg.App.Root, o.cfg.App.Branch)
				},
				RollbackHint: "the service is stopped; start it again with `systemctl start " + o.cfg.Service.Name + "`",
			},
			r.requirementsStep(),
		}
		return append(steps, r.startSteps()...)
	})
}

// Deploy backs up the data store, hard-resets the working tree to the remote
// branch, refreshes dependencies and the unit, validates the configuration and
// restarts the service. Steps run in this order and stop at the first failure;
// a failed validation leaves the service stopped.
func (o *Orchestrator) Deploy(ctx context.Context) (api.Report, error) {
	return o.execute(ctx, "deploy", func(r *run) []Step {
		steps := []Step{
			r.privilegeStep(),
			r.lockStep(),
			r.stopStep(),
			r.backupStep(false),
			r.resetStep(),
			r.requirementsStep(),
			r.serviceDefinitionStep(),
			r.permissionsStep(),
			{
				Name: "validate configuration",
				Run: func(ctx context.Context) error {
					if err := o.Validator.Validate(ctx); err != nil {
						return fail(ErrConfigValidation, err)
					}
					return nil
				},
				RollbackHint: "fix " + o.cfg.EnvFilePath() + " and deploy again; the service stays stopped until then",
			},
		}
		return append(steps, r.startSteps()...)
	})
}

func (r *run) resetStep() Step {
	cfg := r.o.cfg
	return Step{
		Name: "reset working tree",
		Run: func(ctx context.Context) error {
			ok, err := target.Exists(r.o.FS, path.Join(cfg.App.Root, ".git"))
			if err != nil {
				return err
			}
			if !ok {
				return failf(ErrPrecondition, "%s is not a working copy; run setup first", cfg.App.Root)
			}
			if err := r.o.VCS.ResetHard(ctx, cfg.App.Root, cfg.App.Branch); err != nil {
				return err
			}
			rev, err := r.o.VCS.Revision(ctx, cfg.App.Root)
			if err != nil {
				return completed("at origin/%s", cfg.App.Branch)
			}
			return completed("at origin/%s (%s)", cfg.App.Branch, rev)
		},
		RollbackHint: "the previous revision is still in the reflog: git -C " + cfg.App.Root + " reset --hard HEAD@{1}",
	}
}

func (r *run) serviceDefinitionStep() Step {
	return Step{
		Name: "update service definition",
		Run: func(ctx context.Context) error {
			ok, err := r.o.unitSource()
			if err != nil {
				return err
			}
			if !ok {
				return skipped("no unit file in the working tree")
			}
			changed, err := r.o.syncUnit(ctx)
			if err != nil {
				return err
			}
			if !changed {
				return skipped("unchanged")
			}
			return nil
		},
	}
}

// permissionsStep hands the tree back to the service account; the reset and
// the backup ran as root. The env file holds secrets and is owner-only.
func (r *run) permissionsStep() Step {
	s := r.ownershipStep()
	s.Name = "fix permissions"
	return s
}
