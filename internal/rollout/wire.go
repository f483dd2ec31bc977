package rollout

import (
	"github.com/3cpo-dev/rollout/internal/core"
	"github.com/3cpo-dev/rollout/internal/store"
	"github.com/3cpo-dev/rollout/internal/system"
	"github.com/3cpo-dev/rollout/internal/target"
	"github.com/3cpo-dev/rollout/internal/telemetry"
)

// ForTarget wires an Orchestrator to the systemd, git, apt and account
// implementations running on t. Remote data stores are checked by header only.
func ForTarget(cfg core.Config, t *target.Target, rep *Reporter, rec *telemetry.Recorder) *Orchestrator {
	accounts := system.Accounts{Runner: t.Runner}
	var inspector StoreInspector = store.SQLiteInspector{}
	if t.Remote {
		inspector = store.HeaderInspector{FS: t.FS}
	}
	return New(cfg, Deps{
		FS:         t.FS,
		Locker:     t.Locker,
		Supervisor: system.Systemd{Runner: t.Runner},
		VCS:        system.Git{Runner: t.Runner},
		Packages:   system.Packages{Runner: t.Runner, User: cfg.App.User},
		Accounts:   accounts,
		Privilege:  accounts,
		Validator:  &EnvFileValidator{Config: cfg, FS: t.FS, Runner: t.Runner},
		Inspector:  inspector,
		Reporter:   rep,
		Metrics:    rec,
	})
}
