package rollout

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/3cpo-dev/rollout/internal/target"
	"github.com/3cpo-dev/rollout/pkg/api"
)

func TestSetupIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rep, err := f.orch.Setup(ctx)
	if err != nil {
		t.Fatalf("first setup: %v\n%s", err, f.out)
	}
	want := []string{"apt", "useradd botuser", "clone", "chown", "venv", "pip", "chown", "daemon-reload", "enable"}
	if diff := cmp.Diff(want, f.host.calls); diff != "" {
		t.Errorf("first setup calls (-want +got):\n%s", diff)
	}
	if got := stepStatuses(rep)["materialize env file"]; got != api.StepWarn {
		t.Errorf("env file step = %s, want warn", got)
	}
	info, err := os.Stat(f.cfg.EnvFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("env file mode %v", info.Mode().Perm())
	}
	if _, err := os.Stat(f.cfg.UnitInstallPath()); err != nil {
		t.Errorf("unit not installed: %v", err)
	}

	// The operator fills in the secrets between runs.
	if err := os.WriteFile(f.cfg.EnvFilePath(), []byte("TELEGRAM_BOT_TOKEN=secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	f.host.calls = nil
	rep, err = f.orch.Setup(ctx)
	if err != nil {
		t.Fatalf("second setup: %v\n%s", err, f.out)
	}
	want = []string{"apt", "pull", "chown", "pip", "chown", "enable"}
	if diff := cmp.Diff(want, f.host.calls); diff != "" {
		t.Errorf("second setup calls (-want +got):\n%s", diff)
	}
	statuses := stepStatuses(rep)
	for _, name := range []string{"create service account", "create virtualenv", "create backup directory", "materialize env file"} {
		if statuses[name] != api.StepSkipped {
			t.Errorf("%s = %s, want skipped", name, statuses[name])
		}
	}
	b, _ := os.ReadFile(f.cfg.EnvFilePath())
	if string(b) != "TELEGRAM_BOT_TOKEN=secret\n" {
		t.Errorf("env file overwritten: %q", b)
	}
	if slices.Contains(f.host.calls, "start") {
		t.Error("setup started the service")
	}
}

func TestSetupWithoutTemplateWarns(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	os.Remove(f.cfg.EnvFilePath())
	os.Remove(f.cfg.EnvTemplatePath())
	rep, err := f.orch.Setup(context.Background())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if got := stepStatuses(rep)["materialize env file"]; got != api.StepWarn {
		t.Errorf("env file step = %s, want warn", got)
	}
	if _, err := os.Stat(f.cfg.EnvFilePath()); !os.IsNotExist(err) {
		t.Errorf("env file created without a template: %v", err)
	}
}

func TestPrivilegeRequired(t *testing.T) {
	f := newFixture(t)
	f.host.root = false
	for name, op := range map[string]func(context.Context) (api.Report, error){
		"setup":  f.orch.Setup,
		"update": f.orch.Update,
		"deploy": f.orch.Deploy,
	} {
		_, err := op(context.Background())
		if !errors.Is(err, ErrPrivilege) {
			t.Errorf("%s: got %v, want ErrPrivilege", name, err)
		}
	}
	if len(f.host.calls) != 0 {
		t.Errorf("calls made without privilege: %v", f.host.calls)
	}
}

func TestDeployBacksUpBeforeReset(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	f.host.mustWrite(f.cfg.DataStorePath(), "SQLite format 3\x00data")
	backup := filepath.Join(f.cfg.BackupDir(), BackupName(f.cfg.DataStorePath(), testNow))
	resetSawBackup := false
	f.host.onReset = func() {
		b, err := os.ReadFile(backup)
		resetSawBackup = err == nil && string(b) == "SQLite format 3\x00data"
	}

	rep, err := f.orch.Deploy(context.Background())
	if err != nil {
		t.Fatalf("deploy: %v\n%s", err, f.out)
	}
	if !resetSawBackup {
		t.Fatal("backup was not in place when the working tree was reset")
	}
	var names []string
	for _, s := range rep.Steps {
		names = append(names, s.Name)
	}
	wantSteps := []string{
		"check privileges", "acquire lock", "stop service", "back up data store", "reset working tree",
		"install requirements", "update service definition", "fix permissions", "validate configuration",
		"start service", "verify service",
	}
	if diff := cmp.Diff(wantSteps, names); diff != "" {
		t.Errorf("steps (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"stop", "reset", "pip", "chown", "validate", "start"}, f.host.calls); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
	want := &api.BackupRecord{SourcePath: f.cfg.DataStorePath(), DestinationPath: backup, Timestamp: testNow, Size: 20}
	if diff := cmp.Diff(want, rep.Backup); diff != "" {
		t.Errorf("backup record (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]time.Duration{2 * time.Second}, f.slept); diff != "" {
		t.Errorf("settle delay (-want +got):\n%s", diff)
	}
	if stepStatuses(rep)["update service definition"] != api.StepSkipped {
		t.Errorf("unchanged unit was reinstalled")
	}
	if f.host.state != api.ServiceRunning {
		t.Errorf("service %s after deploy", f.host.state)
	}
	if _, err := os.Stat(backup + ".partial"); !os.IsNotExist(err) {
		t.Errorf("temporary backup left behind: %v", err)
	}
}

func TestDeployReinstallsChangedUnit(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	f.host.mustWrite(f.cfg.UnitSourcePath(), "[Service]\nExecStart=venv/bin/python main.py\n")
	rep, err := f.orch.Deploy(context.Background())
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if stepStatuses(rep)["update service definition"] != api.StepOK {
		t.Errorf("steps: %+v", rep.Steps)
	}
	if !slices.Contains(f.host.calls, "daemon-reload") {
		t.Errorf("no daemon-reload: %v", f.host.calls)
	}
	b, _ := os.ReadFile(f.cfg.UnitInstallPath())
	if !strings.Contains(string(b), "main.py") {
		t.Errorf("installed unit %q", b)
	}
}

func TestDeployWithoutStoreWarns(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	rep, err := f.orch.Deploy(context.Background())
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if got := stepStatuses(rep)["back up data store"]; got != api.StepWarn {
		t.Errorf("backup step = %s, want warn", got)
	}
	if rep.Backup != nil {
		t.Errorf("unexpected backup record %+v", rep.Backup)
	}
}

func TestDeployValidationFailureKeepsServiceStopped(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	f.host.mustWrite(f.cfg.DataStorePath(), "SQLite format 3\x00")
	f.host.validateErr = errors.New("TELEGRAM_BOT_TOKEN is required")

	rep, err := f.orch.Deploy(context.Background())
	if !errors.Is(err, ErrConfigValidation) {
		t.Fatalf("got %v, want ErrConfigValidation", err)
	}
	if se := stepError(t, err); se.Step != "validate configuration" {
		t.Errorf("failed step %q", se.Step)
	}
	if slices.Contains(f.host.calls, "start") {
		t.Error("service started after failed validation")
	}
	if f.host.state != api.ServiceStopped {
		t.Errorf("service %s, want stopped", f.host.state)
	}
	if rep.Error == "" || rep.Steps[len(rep.Steps)-1].Status != api.StepFailed {
		t.Errorf("report does not record the failure: %+v", rep)
	}
	out := f.out.String()
	if !strings.Contains(out, "✗ validate configuration") || !strings.Contains(out, rep.Backup.DestinationPath) {
		t.Errorf("reporter output missing failure or backup hint:\n%s", out)
	}
}

func TestDeployRequiresWorkingCopy(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Deploy(context.Background())
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("got %v, want ErrPrecondition", err)
	}
	if slices.Contains(f.host.calls, "reset") {
		t.Error("reset ran without a working copy")
	}
}

func TestLockHeld(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	if err := os.MkdirAll(filepath.Dir(f.cfg.LockPath()), 0o755); err != nil {
		t.Fatal(err)
	}
	held, err := target.FlockLocker{}.Acquire(f.cfg.LockPath(), "other run")
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	_, err = f.orch.Deploy(context.Background())
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("got %v, want ErrLocked", err)
	}
	if len(f.host.calls) != 0 {
		t.Errorf("steps ran under a held lock: %v", f.host.calls)
	}
	if _, err := f.orch.Backup(context.Background()); !errors.Is(err, ErrLocked) {
		t.Errorf("backup: got %v, want ErrLocked", err)
	}
}

func TestLockReleasedAfterRun(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	if _, err := f.orch.Update(context.Background()); err != nil {
		t.Fatalf("update: %v", err)
	}
	l, err := target.FlockLocker{}.Acquire(f.cfg.LockPath(), "next run")
	if err != nil {
		t.Fatalf("lock still held: %v", err)
	}
	l.Release()
}

func TestUpdateSurfacesLogTail(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	f.host.afterStart = api.ServiceFailed
	var log strings.Builder
	for i := 1; i <= 25; i++ {
		fmt.Fprintf(&log, "line %d\n", i)
	}
	f.host.mustWrite(f.cfg.LogFilePath(), log.String())

	_, err := f.orch.Update(context.Background())
	if !errors.Is(err, ErrServiceStart) {
		t.Fatalf("got %v, want ErrServiceStart", err)
	}
	se := stepError(t, err)
	if se.Step != "verify service" || len(se.Lines) != 20 || se.Lines[19] != "line 25" || se.Lines[0] != "line 6" {
		t.Errorf("step %q lines %q", se.Step, se.Lines)
	}
	if diff := cmp.Diff([]string{"stop", "pull", "pip", "start"}, f.host.calls); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
	if !strings.Contains(f.out.String(), "    | line 25") {
		t.Errorf("tail not reported:\n%s", f.out)
	}
}

func TestStartFailureFallsBackToJournal(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	f.host.startErr = errors.New("Job for telegram-bot.service failed")
	f.host.journal = []string{"python: can't open file 'bot.py'"}

	_, err := f.orch.Update(context.Background())
	se := stepError(t, err)
	if !errors.Is(err, ErrServiceStart) || se.Step != "start service" {
		t.Fatalf("got %v", err)
	}
	if diff := cmp.Diff(f.host.journal, se.Lines); diff != "" {
		t.Errorf("lines (-want +got):\n%s", diff)
	}
}

func TestCanceledContextStopsPipeline(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.orch.Update(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if len(f.host.calls) != 0 {
		t.Errorf("calls after cancel: %v", f.host.calls)
	}
}
