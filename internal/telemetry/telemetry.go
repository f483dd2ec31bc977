// Package telemetry records orchestrator activity as Prometheus metrics. The
// agent serves them on /metrics; one-shot CLI runs can drop them into a
// node_exporter textfile directory.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Recorder is safe to use as a nil pointer; every method is then a no-op.
type Recorder struct {
	registry     *prometheus.Registry
	stepDuration *prometheus.HistogramVec
	runs         *prometheus.CounterVec
	checks       *prometheus.GaugeVec
	serviceUp    prometheus.Gauge
	lastBackup   prometheus.Gauge
	backupBytes  prometheus.Gauge
	pruned       prometheus.Counter
}

// NewRecorder registers the rollout metrics on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rollout_step_duration_seconds",
			Help:    "Duration of orchestrator steps.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 30, 60, 180, 600},
		}, []string{"operation", "step", "status"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollout_runs_total",
			Help: "Orchestrator operations by outcome.",
		}, []string{"operation", "result"}),
		checks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rollout_health_check_ok",
			Help: "1 if the last health sub-check passed, 0 otherwise.",
		}, []string{"check"}),
		serviceUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rollout_service_up",
			Help: "1 if the managed service was active at the last health check.",
		}),
		lastBackup: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rollout_last_backup_timestamp_seconds",
			Help: "Unix time of the last successful data store backup.",
		}),
		backupBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rollout_last_backup_size_bytes",
			Help: "Size of the last successful data store backup.",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollout_backups_pruned_total",
			Help: "Backups removed by retention.",
		}),
	}
	r.registry.MustRegister(r.stepDuration, r.runs, r.checks, r.serviceUp, r.lastBackup, r.backupBytes, r.pruned)
	return r
}

// Gatherer exposes the registry for promhttp.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

func (r *Recorder) ObserveStep(operation, step, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.stepDuration.WithLabelValues(operation, step, status).Observe(d.Seconds())
}

func (r *Recorder) ObserveRun(operation string, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.runs.WithLabelValues(operation, result).Inc()
}

func (r *Recorder) ObserveCheck(check string, ok bool) {
	if r == nil {
		return
	}
	r.checks.WithLabelValues(check).Set(boolGauge(ok))
}

func (r *Recorder) ObserveService(up bool) {
	if r == nil {
		return
	}
	r.serviceUp.Set(boolGauge(up))
}

func (r *Recorder) ObserveBackup(ts time.Time, size int64, pruned int) {
	if r == nil {
		return
	}
	r.lastBackup.Set(float64(ts.Unix()))
	r.backupBytes.Set(float64(size))
	r.pruned.Add(float64(pruned))
}

// WriteTextfile writes the metrics to dir/rollout.prom for node_exporter's
// textfile collector. An empty dir disables the export.
func (r *Recorder) WriteTextfile(dir string) error {
	if r == nil || dir == "" {
		return nil
	}
	name := filepath.Join(dir, "rollout.prom")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("textfile dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(name, r.registry); err != nil {
		return fmt.Errorf("write textfile: %w", err)
	}
	log.Debug().Str("path", name).Msg("wrote metrics textfile")
	return nil
}

func boolGauge(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
