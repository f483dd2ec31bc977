package rollout

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/3cpo-dev/rollout/internal/core"
	"github.com/3cpo-dev/rollout/internal/store"
	"github.com/3cpo-dev/rollout/internal/target"
	"github.com/3cpo-dev/rollout/internal/telemetry"
	"github.com/3cpo-dev/rollout/pkg/api"
)

// fakeHost plays every capability of a managed machine on top of a temp dir.
type fakeHost struct {
	t   *testing.T
	cfg core.Config

	calls      []string
	state      api.ServiceState
	registered bool
	users      map[string]bool
	root       bool
	journal    []string

	startErr    error
	afterStart  api.ServiceState
	validateErr error
	onReset     func()
}

func newFakeHost(t *testing.T, cfg core.Config) *fakeHost {
	return &fakeHost{t: t, cfg: cfg, state: api.ServiceStopped, users: map[string]bool{}, root: true, afterStart: api.ServiceRunning}
}

func (h *fakeHost) record(call string) { h.calls = append(h.calls, call) }

func (h *fakeHost) Start(ctx context.Context, name string) error {
	h.record("start")
	if h.startErr != nil {
		return h.startErr
	}
	h.state = h.afterStart
	return nil
}

func (h *fakeHost) Stop(ctx context.Context, name string) error {
	h.record("stop")
	h.state = api.ServiceStopped
	return nil
}

func (h *fakeHost) Enable(ctx context.Context, name string) error {
	h.record("enable")
	h.registered = true
	return nil
}

func (h *fakeHost) DaemonReload(ctx context.Context) error {
	h.record("daemon-reload")
	return nil
}

func (h *fakeHost) Status(ctx context.Context, name string) (api.ServiceState, error) {
	return h.state, nil
}

func (h *fakeHost) IsRegistered(ctx context.Context, name string) (bool, error) {
	return h.registered, nil
}

func (h *fakeHost) Logs(ctx context.Context, name string, n int) ([]string, error) {
	return h.journal, nil
}

func (h *fakeHost) Clone(ctx context.Context, repo, branch, dir string) error {
	h.record("clone")
	h.mustWrite(filepath.Join(dir, ".git", "HEAD"), "ref: refs/heads/"+branch+"\n")
	h.mustWrite(filepath.Join(dir, h.cfg.App.UnitFile), "[Service]\nExecStart=venv/bin/python bot.py\n")
	h.mustWrite(filepath.Join(dir, h.cfg.App.EnvTemplate), "TELEGRAM_BOT_TOKEN=\n")
	h.mustWrite(filepath.Join(dir, h.cfg.App.Requirements), "python-telegram-bot\n")
	return nil
}

func (h *fakeHost) Pull(ctx context.Context, dir, branch string) error {
	h.record("pull")
	return nil
}

func (h *fakeHost) ResetHard(ctx context.Context, dir, branch string) error {
	h.record("reset")
	if h.onReset != nil {
		h.onReset()
	}
	return nil
}

func (h *fakeHost) Revision(ctx context.Context, dir string) (string, error) {
	return "abc1234", nil
}

func (h *fakeHost) InstallSystem(ctx context.Context, pkgs []string) error {
	h.record("apt")
	return nil
}

func (h *fakeHost) CreateEnv(ctx context.Context, venv string) error {
	h.record("venv")
	h.mustWrite(filepath.Join(venv, "bin", "python"), "")
	return nil
}

func (h *fakeHost) InstallRequirements(ctx context.Context, venv, requirements string) error {
	h.record("pip")
	return nil
}

func (h *fakeHost) Exists(ctx context.Context, user string) (bool, error) {
	return h.users[user], nil
}

func (h *fakeHost) Create(ctx context.Context, user, home string) error {
	h.record("useradd " + user)
	h.users[user] = true
	return nil
}

func (h *fakeHost) Chown(ctx context.Context, path, user string) error {
	h.record("chown")
	return nil
}

func (h *fakeHost) Privileged(ctx context.Context) (bool, error) { return h.root, nil }

func (h *fakeHost) Validate(ctx context.Context) error {
	h.record("validate")
	return h.validateErr
}

func (h *fakeHost) Inspect(ctx context.Context, path string) (store.Info, error) {
	if _, err := os.Stat(path); err != nil {
		return store.Info{}, err
	}
	return store.Info{Tables: []string{"employees"}}, nil
}

func (h *fakeHost) mustWrite(name, content string) {
	h.t.Helper()
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
		h.t.Fatal(err)
	}
}

var testNow = time.Date(2024, 3, 15, 10, 30, 0, 0, time.Local)

type fixture struct {
	cfg    core.Config
	host   *fakeHost
	orch   *Orchestrator
	out    *bytes.Buffer
	slept  []time.Duration
	now    time.Time
	metric *telemetry.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := core.DefaultConfig()
	cfg.App.Root = filepath.Join(dir, "opt", "telegram-bot")
	cfg.Service.UnitDir = filepath.Join(dir, "systemd")
	if err := os.MkdirAll(cfg.Service.UnitDir, 0o755); err != nil {
		t.Fatal(err)
	}
	f := &fixture{cfg: cfg, out: &bytes.Buffer{}, now: testNow, metric: telemetry.NewRecorder()}
	f.host = newFakeHost(t, cfg)
	f.orch = New(cfg, Deps{
		FS:         target.OSFS{},
		Locker:     target.FlockLocker{},
		Supervisor: f.host,
		VCS:        f.host,
		Packages:   f.host,
		Accounts:   f.host,
		Privilege:  f.host,
		Validator:  f.host,
		Inspector:  f.host,
		Reporter:   NewReporter(f.out),
		Metrics:    f.metric,
		Now:        func() time.Time { return f.now },
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.slept = append(f.slept, d)
			return nil
		},
	})
	return f
}

// provision lays out an installed app: working copy, venv, unit, env file.
func (f *fixture) provision(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	f.host.Clone(ctx, f.cfg.App.Repo, f.cfg.App.Branch, f.cfg.App.Root)
	f.host.CreateEnv(ctx, f.cfg.VenvPath())
	f.host.mustWrite(f.cfg.EnvFilePath(), "TELEGRAM_BOT_TOKEN=123:abc\n")
	f.host.mustWrite(f.cfg.UnitInstallPath(), "[Service]\nExecStart=venv/bin/python bot.py\n")
	f.host.registered = true
	f.host.state = api.ServiceRunning
	f.host.users[f.cfg.App.User] = true
	f.host.calls = nil
}

func stepStatuses(r api.Report) map[string]api.StepStatus {
	m := make(map[string]api.StepStatus, len(r.Steps))
	for _, s := range r.Steps {
		m[s.Name] = s.Status
	}
	return m
}

func stepError(t *testing.T, err error) *StepError {
	t.Helper()
	var se *StepError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StepError, got %T: %v", err, err)
	}
	return se
}
