package rollout

import (
	"errors"
	"fmt"

	"github.com/3cpo-dev/rollout/pkg/api"
)

// Error categories. Match with errors.Is; the concrete error is a *StepError.
var (
	ErrPrivilege         = errors.New("insufficient privilege")
	ErrPrecondition      = errors.New("precondition failed")
	ErrDependencyInstall = errors.New("dependency install failed")
	ErrConfigValidation  = errors.New("config validation failed")
	ErrServiceStart      = errors.New("service start failed")
	ErrHealthCheck       = errors.New("health check failed")
	ErrLocked            = errors.New("another rollout is in progress")
	ErrStep              = errors.New("step failed")
)

// StepError carries the failing step, its category and, for service start
// failures, the last diagnostic log lines.
type StepError struct {
	Step  string
	Kind  error
	Err   error
	Lines []string
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Step, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Step, e.Kind, e.Err)
}

func (e *StepError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// fail builds a categorized error; the pipeline fills in the step name.
func fail(kind error, err error) error {
	return &StepError{Kind: kind, Err: err}
}

func failf(kind error, format string, args ...any) error {
	return &StepError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// notice ends a step successfully with a detail line for the report.
type notice struct {
	status api.StepStatus
	detail string
}

func (n *notice) Error() string { return n.detail }

func completed(format string, args ...any) error {
	return &notice{status: api.StepOK, detail: fmt.Sprintf(format, args...)}
}

// skipped marks a step as a no-op because its target state already holds.
func skipped(format string, args ...any) error {
	return &notice{status: api.StepSkipped, detail: fmt.Sprintf(format, args...)}
}

// warned marks a step as skipped for a reason the operator should look at.
func warned(format string, args ...any) error {
	return &notice{status: api.StepWarn, detail: fmt.Sprintf(format, args...)}
}
