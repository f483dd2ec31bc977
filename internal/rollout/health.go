package rollout

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/rollout/internal/logview"
	"github.com/3cpo-dev/rollout/pkg/api"
)

// HealthCheck runs every check regardless of earlier failures and always
// returns a complete report. Use HealthError to turn it into an exit status.
func (o *Orchestrator) HealthCheck(ctx context.Context) api.HealthReport {
	rep := api.HealthReport{RunID: uuid.NewString(), Time: o.Now(), Service: api.ServiceUnknown}
	o.Reporter.Begin("health", rep.RunID)
	checks := []struct {
		name string
		fn   func(context.Context, *api.HealthReport) api.CheckResult
	}{
		{"service active", o.checkService},
		{"service registered", o.checkRegistered},
		{"data store", o.checkStore},
		{"log file", o.checkLogFile},
		{"configuration", o.checkConfig},
		{"backups", o.checkBackups},
	}
	for _, c := range checks {
		res := c.fn(ctx, &rep)
		res.Name = c.name
		rep.Checks = append(rep.Checks, res)
		o.Reporter.Check(res)
		o.Metrics.ObserveCheck(c.name, res.Status != api.CheckFail)
		log.Debug().Str("run_id", rep.RunID).Str("check", c.name).Str("status", string(res.Status)).Msg(res.Detail)
	}
	err := HealthError(rep)
	o.Metrics.ObserveRun("health", err)
	if err != nil {
		o.Reporter.printf("%d of %d checks failed\n", rep.Failed(), len(rep.Checks))
	} else {
		o.Reporter.printf("healthy\n")
	}
	return rep
}

// HealthError returns a HealthCheck error when any check failed.
func HealthError(rep api.HealthReport) error {
	if rep.Healthy() {
		return nil
	}
	var failed []string
	for _, c := range rep.Checks {
		if c.Status == api.CheckFail {
			failed = append(failed, c.Name)
		}
	}
	return &StepError{Step: "health", Kind: ErrHealthCheck, Err: fmt.Errorf("failed: %s", strings.Join(failed, ", "))}
}

func checkFailed(err error) api.CheckResult {
	return api.CheckResult{Status: api.CheckFail, Detail: err.Error()}
}

func (o *Orchestrator) checkService(ctx context.Context, rep *api.HealthReport) api.CheckResult {
	state, err := o.Supervisor.Status(ctx, o.cfg.Service.Name)
	if err != nil {
		return checkFailed(err)
	}
	rep.Service = state
	o.Metrics.ObserveService(state == api.ServiceRunning)
	if state != api.ServiceRunning {
		return api.CheckResult{Status: api.CheckFail, Detail: fmt.Sprintf("%s is %s", o.cfg.Service.Name, state)}
	}
	return api.CheckResult{Status: api.CheckOK, Detail: string(state)}
}

func (o *Orchestrator) checkRegistered(ctx context.Context, _ *api.HealthReport) api.CheckResult {
	ok, err := o.Supervisor.IsRegistered(ctx, o.cfg.Service.Name)
	if err != nil {
		return checkFailed(err)
	}
	if !ok {
		return api.CheckResult{Status: api.CheckFail, Detail: o.cfg.Service.Name + " is not registered with the supervisor"}
	}
	return api.CheckResult{Status: api.CheckOK, Detail: o.cfg.UnitInstallPath()}
}

func (o *Orchestrator) checkStore(ctx context.Context, _ *api.HealthReport) api.CheckResult {
	p := o.cfg.DataStorePath()
	info, err := o.FS.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return api.CheckResult{Status: api.CheckFail, Detail: p + " not found"}
	}
	if err != nil {
		return checkFailed(err)
	}
	si, err := o.Inspector.Inspect(ctx, p)
	if err != nil {
		return checkFailed(fmt.Errorf("open %s: %w", p, err))
	}
	return api.CheckResult{Status: api.CheckOK, Detail: fmt.Sprintf("%s, %s", humanize.IBytes(uint64(info.Size())), si)}
}

func (o *Orchestrator) checkLogFile(ctx context.Context, _ *api.HealthReport) api.CheckResult {
	p := o.cfg.LogFilePath()
	info, err := o.FS.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return api.CheckResult{Status: api.CheckFail, Detail: p + " not found"}
	}
	if err != nil {
		return checkFailed(err)
	}
	lines, err := logview.TailFile(o.FS, p, o.cfg.Service.LogLines)
	if err != nil {
		return checkFailed(err)
	}
	written := humanize.RelTime(info.ModTime(), o.Now(), "ago", "from now")
	return api.CheckResult{
		Status: api.CheckOK,
		Detail: fmt.Sprintf("%s, last written %s", humanize.IBytes(uint64(info.Size())), written),
		Lines:  lines,
	}
}

func (o *Orchestrator) checkConfig(ctx context.Context, _ *api.HealthReport) api.CheckResult {
	if err := o.Validator.Validate(ctx); err != nil {
		msgs := strings.Split(err.Error(), "\n")
		return api.CheckResult{Status: api.CheckFail, Detail: msgs[0], Lines: msgs[1:]}
	}
	return api.CheckResult{Status: api.CheckOK, Detail: o.cfg.EnvFilePath()}
}

func (o *Orchestrator) checkBackups(ctx context.Context, _ *api.HealthReport) api.CheckResult {
	backups, err := o.listBackups()
	if err != nil {
		return api.CheckResult{Status: api.CheckWarn, Detail: err.Error()}
	}
	if len(backups) == 0 {
		return api.CheckResult{Status: api.CheckWarn, Detail: "no backups in " + o.cfg.BackupDir()}
	}
	latest := backups[0]
	age := o.Now().Sub(latest.ModTime()).Round(time.Minute)
	detail := fmt.Sprintf("%d kept, latest %s (%s old)", len(backups), latest.Name(), age)
	if age > o.cfg.Retention() {
		return api.CheckResult{Status: api.CheckWarn, Detail: detail}
	}
	return api.CheckResult{Status: api.CheckOK, Detail: detail}
}
