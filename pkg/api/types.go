package api

import "time"

// v0 contains public types emitted by `rollout --json` and the agent.

type ServiceState string

const (
	ServiceStopped ServiceState = "stopped"
	ServiceRunning ServiceState = "running"
	ServiceFailed  ServiceState = "failed"
	ServiceUnknown ServiceState = "unknown"
)

type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepSkipped StepStatus = "skipped"
	StepWarn    StepStatus = "warn"
	StepFailed  StepStatus = "failed"
)

type StepResult struct {
	Name     string        `json:"name" yaml:"name"`
	Status   StepStatus    `json:"status" yaml:"status"`
	Detail   string        `json:"detail,omitempty" yaml:"detail,omitempty"`
	Duration time.Duration `json:"duration_ns" yaml:"duration"`
}

type BackupRecord struct {
	SourcePath      string    `json:"source_path" yaml:"source_path"`
	DestinationPath string    `json:"destination_path" yaml:"destination_path"`
	Timestamp       time.Time `json:"timestamp" yaml:"timestamp"`
	Size            int64     `json:"size" yaml:"size"`
}

type Report struct {
	RunID     string        `json:"run_id" yaml:"run_id"`
	Operation string        `json:"operation" yaml:"operation"`
	Started   time.Time     `json:"started" yaml:"started"`
	Finished  time.Time     `json:"finished" yaml:"finished"`
	Steps     []StepResult  `json:"steps" yaml:"steps"`
	Backup    *BackupRecord `json:"backup,omitempty" yaml:"backup,omitempty"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
}

type CheckStatus string

const (
	CheckOK   CheckStatus = "ok"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
)

type CheckResult struct {
	Name   string      `json:"name" yaml:"name"`
	Status CheckStatus `json:"status" yaml:"status"`
	Detail string      `json:"detail,omitempty" yaml:"detail,omitempty"`
	// Lines holds diagnostic output such as a log tail.
	Lines []string `json:"lines,omitempty" yaml:"lines,omitempty"`
}

type HealthReport struct {
	RunID   string        `json:"run_id" yaml:"run_id"`
	Time    time.Time     `json:"time" yaml:"time"`
	Service ServiceState  `json:"service" yaml:"service"`
	Checks  []CheckResult `json:"checks" yaml:"checks"`
}

// Healthy reports whether no check failed. Warnings do not count.
func (h HealthReport) Healthy() bool {
	for _, c := range h.Checks {
		if c.Status == CheckFail {
			return false
		}
	}
	return true
}

// Failed returns the number of failed checks.
func (h HealthReport) Failed() int {
	n := 0
	for _, c := range h.Checks {
		if c.Status == CheckFail {
			n++
		}
	}
	return n
}
