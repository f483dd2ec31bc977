// Package rollout provisions, updates, deploys, backs up and health-checks the
// managed service. Every operation is an ordered, fail-fast pipeline of steps
// running against injected capabilities, so it can be exercised with fakes.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/rollout/internal/core"
	"github.com/3cpo-dev/rollout/internal/logview"
	"github.com/3cpo-dev/rollout/internal/store"
	"github.com/3cpo-dev/rollout/internal/target"
	"github.com/3cpo-dev/rollout/internal/telemetry"
	"github.com/3cpo-dev/rollout/pkg/api"
)

// Supervisor controls the service process.
type Supervisor interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Enable(ctx context.Context, name string) error
	DaemonReload(ctx context.Context) error
	Status(ctx context.Context, name string) (api.ServiceState, error)
	IsRegistered(ctx context.Context, name string) (bool, error)
	Logs(ctx context.Context, name string, n int) ([]string, error)
}

// VersionControl manages the app's git working copy.
type VersionControl interface {
	Clone(ctx context.Context, repo, branch, dir string) error
	Pull(ctx context.Context, dir, branch string) error
	// ResetHard discards local changes and moves dir to origin/branch.
	ResetHard(ctx context.Context, dir, branch string) error
	Revision(ctx context.Context, dir string) (string, error)
}

// PackageInstaller installs system packages and the app's Python dependencies.
type PackageInstaller interface {
	InstallSystem(ctx context.Context, pkgs []string) error
	CreateEnv(ctx context.Context, venv string) error
	InstallRequirements(ctx context.Context, venv, requirements string) error
}

// Accounts manages the service account and file ownership.
type Accounts interface {
	Exists(ctx context.Context, user string) (bool, error)
	Create(ctx context.Context, user, home string) error
	Chown(ctx context.Context, path, user string) error
}

// Privilege reports whether operations run with root rights.
type Privilege interface {
	Privileged(ctx context.Context) (bool, error)
}

// ConfigValidator checks that the app's configuration would load.
type ConfigValidator interface {
	Validate(ctx context.Context) error
}

// StoreInspector opens the data store and reports what it holds.
type StoreInspector interface {
	Inspect(ctx context.Context, path string) (store.Info, error)
}

// Deps are the capabilities an Orchestrator acts through. Now, Sleep and
// Reporter are optional.
type Deps struct {
	FS         target.FS
	Locker     target.Locker
	Supervisor Supervisor
	VCS        VersionControl
	Packages   PackageInstaller
	Accounts   Accounts
	Privilege  Privilege
	Validator  ConfigValidator
	Inspector  StoreInspector
	Reporter   *Reporter
	Metrics    *telemetry.Recorder
	Now        func() time.Time
	Sleep      func(ctx context.Context, d time.Duration) error
}

type Orchestrator struct {
	cfg core.Config
	Deps
}

func New(cfg core.Config, deps Deps) *Orchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleep
	}
	return &Orchestrator{cfg: cfg, Deps: deps}
}

func (o *Orchestrator) Config() core.Config { return o.cfg }

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Step is one unit of a pipeline.
type Step struct {
	Name string
	// Skip reports a non-empty reason when the step's target state already holds.
	Skip func(ctx context.Context) (string, error)
	Run  func(ctx context.Context) error
	// RollbackHint is printed when the step fails.
	RollbackHint string
}

// run is the state of one pipeline invocation.
type run struct {
	o      *Orchestrator
	report api.Report
	lock   target.Lock
	log    zerolog.Logger
}

func (o *Orchestrator) execute(ctx context.Context, op string, build func(r *run) []Step) (api.Report, error) {
	r := &run{o: o, report: api.Report{RunID: uuid.NewString(), Operation: op, Started: o.Now()}}
	r.log = log.With().Str("run_id", r.report.RunID).Str("op", op).Logger()
	r.log.Info().Msg("starting")
	o.Reporter.Begin(op, r.report.RunID)

	var err error
	for _, s := range build(r) {
		if err = r.step(ctx, s); err != nil {
			break
		}
	}
	if r.lock != nil {
		if rerr := r.lock.Release(); rerr != nil {
			r.log.Warn().Err(rerr).Str("path", o.cfg.LockPath()).Msg("release lock")
		}
	}

	r.report.Finished = o.Now()
	elapsed := r.report.Finished.Sub(r.report.Started)
	if err != nil {
		r.report.Error = err.Error()
		r.log.Error().Err(err).Dur("duration", elapsed).Msg("aborted")
	} else {
		r.log.Info().Dur("duration", elapsed).Msg("finished")
	}
	o.Metrics.ObserveRun(op, err)
	o.Reporter.Done(op, err, elapsed)
	return r.report, err
}

func (r *run) step(ctx context.Context, s Step) error {
	res := api.StepResult{Name: s.Name}
	start := r.o.Now()
	err := ctx.Err()
	if err == nil && s.Skip != nil {
		var reason string
		if reason, err = s.Skip(ctx); err == nil && reason != "" {
			err = skipped("%s", reason)
		}
	}
	if err == nil {
		err = s.Run(ctx)
	}
	res.Duration = r.o.Now().Sub(start)

	var n *notice
	var se *StepError
	switch {
	case err == nil:
		res.Status = api.StepOK
	case errors.As(err, &n):
		res.Status, res.Detail = n.status, n.detail
		err = nil
	case errors.As(err, &se):
		if se.Step == "" {
			se.Step = s.Name
		}
		res.Status = api.StepFailed
		res.Detail = errString(se.Err, se.Kind)
		err = se
	default:
		se = &StepError{Step: s.Name, Kind: ErrStep, Err: err}
		res.Status, res.Detail = api.StepFailed, err.Error()
		err = se
	}

	r.report.Steps = append(r.report.Steps, res)
	r.o.Metrics.ObserveStep(r.report.Operation, s.Name, string(res.Status), res.Duration)
	r.o.Reporter.Step(res)
	ev := r.log.Debug()
	if res.Status == api.StepWarn {
		ev = r.log.Warn()
	}
	ev.Str("step", s.Name).Str("status", string(res.Status)).Str("detail", res.Detail).Dur("duration", res.Duration).Msg("step")

	if se != nil {
		r.o.Reporter.Lines(se.Lines)
		if b := r.report.Backup; b != nil {
			r.o.Reporter.Hint("data store backed up to %s before the failure", b.DestinationPath)
		}
		if s.RollbackHint != "" {
			r.o.Reporter.Hint("%s", s.RollbackHint)
		}
	}
	return err
}

func errString(err, kind error) string {
	if err == nil {
		return kind.Error()
	}
	return err.Error()
}

func (r *run) privilegeStep() Step {
	return Step{
		Name: "check privileges",
		Run: func(ctx context.Context) error {
			ok, err := r.o.Privilege.Privileged(ctx)
			if err != nil {
				return fail(ErrPrivilege, err)
			}
			if !ok {
				return failf(ErrPrivilege, "%s must run as root", r.report.Operation)
			}
			return nil
		},
	}
}

func (r *run) lockStep() Step {
	p := r.o.cfg.LockPath()
	return Step{
		Name: "acquire lock",
		Run: func(ctx context.Context) error {
			if err := r.o.FS.MkdirAll(path.Dir(p), 0o755); err != nil {
				return err
			}
			owner := fmt.Sprintf("%s %s pid=%d %s", r.report.RunID, r.report.Operation, os.Getpid(), r.o.Now().Format(time.RFC3339))
			l, err := r.o.Locker.Acquire(p, owner)
			if errors.Is(err, target.ErrLocked) {
				return failf(ErrLocked, "%s is held; wait for the other run or remove the file if it is stale", p)
			}
			if err != nil {
				return err
			}
			r.lock = l
			return nil
		},
	}
}

func (r *run) stopStep() Step {
	name := r.o.cfg.Service.Name
	return Step{
		Name: "stop service",
		Skip: func(ctx context.Context) (string, error) {
			ok, err := r.o.Supervisor.IsRegistered(ctx, name)
			if err != nil || ok {
				return "", err
			}
			return name + " is not registered yet", nil
		},
		Run: func(ctx context.Context) error {
			return r.o.Supervisor.Stop(ctx, name)
		},
	}
}

func (r *run) requirementsStep() Step {
	cfg := r.o.cfg
	return Step{
		Name: "install requirements",
		Run: func(ctx context.Context) error {
			ok, err := target.Exists(r.o.FS, path.Join(cfg.VenvPath(), "bin", "python"))
			if err != nil {
				return err
			}
			if !ok {
				if err := r.o.Packages.CreateEnv(ctx, cfg.VenvPath()); err != nil {
					return fail(ErrDependencyInstall, err)
				}
			}
			if err := r.o.Packages.InstallRequirements(ctx, cfg.VenvPath(), cfg.RequirementsPath()); err != nil {
				return fail(ErrDependencyInstall, err)
			}
			return nil
		},
	}
}

func (r *run) startSteps() []Step {
	name := r.o.cfg.Service.Name
	hint := "inspect the logs with `rollout logs`, fix the cause and run the operation again"
	return []Step{
		{
			Name: "start service",
			Run: func(ctx context.Context) error {
				if err := r.o.Supervisor.Start(ctx, name); err != nil {
					return &StepError{Kind: ErrServiceStart, Err: err, Lines: r.o.diagnostics(ctx)}
				}
				return nil
			},
			RollbackHint: hint,
		},
		{
			Name:         "verify service",
			Run:          r.o.verifyLiveness,
			RollbackHint: hint,
		},
	}
}

// verifyLiveness waits for the settle delay and checks the service once.
func (o *Orchestrator) verifyLiveness(ctx context.Context) error {
	delay := o.cfg.SettleDelay()
	if err := o.Sleep(ctx, delay); err != nil {
		return err
	}
	name := o.cfg.Service.Name
	state, err := o.Supervisor.Status(ctx, name)
	if err == nil && state == api.ServiceRunning {
		o.Metrics.ObserveService(true)
		return completed("%s is %s after %s", name, state, delay)
	}
	o.Metrics.ObserveService(false)
	if err == nil {
		err = fmt.Errorf("%s is %s after %s", name, state, delay)
	}
	return &StepError{Kind: ErrServiceStart, Err: err, Lines: o.diagnostics(ctx)}
}

// diagnostics returns the tail of the log file, or of the journal when the app
// has not written a log file.
func (o *Orchestrator) diagnostics(ctx context.Context) []string {
	n := o.cfg.Service.LogLines
	lines, err := logview.TailFile(o.FS, o.cfg.LogFilePath(), n)
	if err == nil {
		return lines
	}
	if !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("path", o.cfg.LogFilePath()).Msg("read log tail")
	}
	lines, err = o.Supervisor.Logs(ctx, o.cfg.Service.Name, n)
	if err != nil {
		log.Warn().Err(err).Msg("read journal tail")
		return nil
	}
	return lines
}

// syncUnit installs the unit file from the working tree when the installed copy
// is missing or different, and reloads the supervisor.
func (o *Orchestrator) syncUnit(ctx context.Context) (bool, error) {
	src, dst := o.cfg.UnitSourcePath(), o.cfg.UnitInstallPath()
	want, err := target.ReadFile(o.FS, src)
	if err != nil {
		return false, err
	}
	have, err := target.ReadFile(o.FS, dst)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err == nil && string(have) == string(want) {
		return false, nil
	}
	if err := target.WriteFile(o.FS, dst, want, 0o644); err != nil {
		return false, fmt.Errorf("install %s: %w", dst, err)
	}
	log.Info().Str("path", dst).Msg("installed unit file")
	return true, o.Supervisor.DaemonReload(ctx)
}

// unitSource reports whether the working tree carries a unit file.
func (o *Orchestrator) unitSource() (bool, error) {
	return target.Exists(o.FS, o.cfg.UnitSourcePath())
}
