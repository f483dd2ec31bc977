package rollout

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/3cpo-dev/rollout/pkg/api"
)

func checkStatuses(rep api.HealthReport) map[string]api.CheckStatus {
	m := make(map[string]api.CheckStatus, len(rep.Checks))
	for _, c := range rep.Checks {
		m[c.Name] = c.Status
	}
	return m
}

func TestHealthCheckCompletesWhenServiceInactive(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	f.host.state = api.ServiceStopped
	f.host.validateErr = errors.New("ADMIN_CHAT_ID must be an integer\nLOG_LEVEL must be one of DEBUG, INFO")

	rep := f.orch.HealthCheck(context.Background())
	want := map[string]api.CheckStatus{
		"service active":     api.CheckFail,
		"service registered": api.CheckOK,
		"data store":         api.CheckFail,
		"log file":           api.CheckFail,
		"configuration":      api.CheckFail,
		"backups":            api.CheckWarn,
	}
	if diff := cmp.Diff(want, checkStatuses(rep)); diff != "" {
		t.Errorf("checks (-want +got):\n%s", diff)
	}
	if rep.Service != api.ServiceStopped {
		t.Errorf("service state %s", rep.Service)
	}
	for _, c := range rep.Checks {
		if c.Name == "configuration" && (c.Detail != "ADMIN_CHAT_ID must be an integer" || len(c.Lines) != 1) {
			t.Errorf("configuration check %+v", c)
		}
	}
	if err := HealthError(rep); !errors.Is(err, ErrHealthCheck) {
		t.Errorf("got %v, want ErrHealthCheck", err)
	}
}

func TestHealthCheckHealthy(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	f.host.mustWrite(f.cfg.DataStorePath(), "SQLite format 3\x00")
	f.host.mustWrite(f.cfg.LogFilePath(), "started\npolling\n")
	written := testNow.Add(-3 * time.Minute)
	os.Chtimes(f.cfg.LogFilePath(), written, written)
	b := filepath.Join(f.cfg.BackupDir(), BackupName(f.cfg.DataStorePath(), testNow))
	f.host.mustWrite(b, "x")
	os.Chtimes(b, testNow, testNow)

	rep := f.orch.HealthCheck(context.Background())
	if !rep.Healthy() || HealthError(rep) != nil {
		t.Fatalf("unhealthy: %+v", rep.Checks)
	}
	for _, c := range rep.Checks {
		if c.Status != api.CheckOK {
			t.Errorf("%s: %s %s", c.Name, c.Status, c.Detail)
		}
		if c.Name == "log file" {
			if c.Detail != "16 B, last written 3 minutes ago" {
				t.Errorf("log file detail %q", c.Detail)
			}
			if diff := cmp.Diff([]string{"started", "polling"}, c.Lines); diff != "" {
				t.Errorf("log tail (-want +got):\n%s", diff)
			}
		}
	}
}

func TestHealthCheckWarnsOnStaleBackup(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	old := testNow.AddDate(0, 0, -10)
	b := filepath.Join(f.cfg.BackupDir(), BackupName(f.cfg.DataStorePath(), old))
	f.host.mustWrite(b, "x")
	os.Chtimes(b, old, old)

	rep := f.orch.HealthCheck(context.Background())
	if got := checkStatuses(rep)["backups"]; got != api.CheckWarn {
		t.Errorf("backups check = %s, want warn", got)
	}
}
