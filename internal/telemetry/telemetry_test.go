package telemetry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.ObserveStep("deploy", "backup", "ok", 150*time.Millisecond)
	r.ObserveRun("deploy", nil)
	r.ObserveRun("deploy", errors.New("boom"))
	r.ObserveCheck("service", false)
	r.ObserveService(true)
	r.ObserveBackup(time.Unix(1700000000, 0), 4096, 3)

	if got := testutil.ToFloat64(r.runs.WithLabelValues("deploy", "failure")); got != 1 {
		t.Errorf("failure runs = %v", got)
	}
	if got := testutil.ToFloat64(r.checks.WithLabelValues("service")); got != 0 {
		t.Errorf("service check = %v", got)
	}
	if got := testutil.ToFloat64(r.lastBackup); got != 1700000000 {
		t.Errorf("last backup = %v", got)
	}
	if got := testutil.ToFloat64(r.pruned); got != 3 {
		t.Errorf("pruned = %v", got)
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.ObserveStep("update", "stop", "ok", time.Second)
	r.ObserveRun("update", nil)
	r.ObserveBackup(time.Now(), 1, 0)
	if err := r.WriteTextfile(t.TempDir()); err != nil {
		t.Fatalf("nil recorder textfile: %v", err)
	}
}

func TestWriteTextfile(t *testing.T) {
	r := NewRecorder()
	r.ObserveRun("backup", nil)
	dir := filepath.Join(t.TempDir(), "textfile")
	if err := r.WriteTextfile(dir); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "rollout.prom"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `rollout_runs_total{operation="backup",result="success"} 1`) {
		t.Fatalf("unexpected textfile:\n%s", b)
	}
}
