package rollout

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/3cpo-dev/rollout/pkg/api"
)

// Reporter prints operator-facing progress lines. A nil Reporter is silent.
type Reporter struct {
	mu  sync.Mutex
	out io.Writer
}

func NewReporter(out io.Writer) *Reporter {
	return &Reporter{out: out}
}

var stepMarks = map[api.StepStatus]string{
	api.StepOK:      "✓",
	api.StepSkipped: "-",
	api.StepWarn:    "⚠",
	api.StepFailed:  "✗",
}

var checkMarks = map[api.CheckStatus]string{
	api.CheckOK:   "✓",
	api.CheckWarn: "⚠",
	api.CheckFail: "✗",
}

func (r *Reporter) printf(format string, args ...any) {
	if r == nil || r.out == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *Reporter) Begin(op, runID string) {
	r.printf("==> %s (run %s)\n", op, shortID(runID))
}

func (r *Reporter) Step(res api.StepResult) {
	line := fmt.Sprintf("%s %s", stepMarks[res.Status], res.Name)
	if res.Detail != "" {
		line += ": " + res.Detail
	}
	if res.Status == api.StepOK && res.Duration >= time.Second {
		line += fmt.Sprintf(" (%s)", res.Duration.Round(100*time.Millisecond))
	}
	r.printf("%s\n", line)
}

func (r *Reporter) Check(c api.CheckResult) {
	line := fmt.Sprintf("%s %s", checkMarks[c.Status], c.Name)
	if c.Detail != "" {
		line += ": " + c.Detail
	}
	r.printf("%s\n", line)
	r.Lines(c.Lines)
}

// Lines prints diagnostic output indented under the previous status line.
func (r *Reporter) Lines(lines []string) {
	for _, l := range lines {
		r.printf("    | %s\n", l)
	}
}

func (r *Reporter) Hint(format string, args ...any) {
	r.printf("  hint: "+format+"\n", args...)
}

func (r *Reporter) Done(op string, err error, elapsed time.Duration) {
	if err != nil {
		r.printf("%s failed after %s\n", op, elapsed.Round(100*time.Millisecond))
		return
	}
	r.printf("%s finished in %s\n", op, elapsed.Round(100*time.Millisecond))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
