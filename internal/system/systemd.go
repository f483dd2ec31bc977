// Package system implements the orchestrator's capabilities with the usual
// Debian tooling (systemctl, journalctl, git, apt-get, python venv, useradd),
// executed through a target.Runner so the same code works locally and over SSH.
package system

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/3cpo-dev/rollout/internal/target"
	"github.com/3cpo-dev/rollout/pkg/api"
)

// Systemd controls units through systemctl and reads their journal.
type Systemd struct {
	Runner target.Runner
}

func unit(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

func (s Systemd) systemctl(ctx context.Context, args ...string) (target.Result, error) {
	return target.Check(ctx, s.Runner, target.Command{Name: "systemctl", Args: args})
}

func (s Systemd) Start(ctx context.Context, name string) error {
	_, err := s.systemctl(ctx, "start", unit(name))
	return err
}

func (s Systemd) Stop(ctx context.Context, name string) error {
	_, err := s.systemctl(ctx, "stop", unit(name))
	return err
}

func (s Systemd) Enable(ctx context.Context, name string) error {
	_, err := s.systemctl(ctx, "enable", unit(name))
	return err
}

func (s Systemd) DaemonReload(ctx context.Context) error {
	_, err := s.systemctl(ctx, "daemon-reload")
	return err
}

// Status maps `systemctl is-active`. The command exits non-zero for every state
// but active, so only transport errors are returned.
func (s Systemd) Status(ctx context.Context, name string) (api.ServiceState, error) {
	res, err := s.Runner.Run(ctx, target.Command{Name: "systemctl", Args: []string{"is-active", unit(name)}})
	if err != nil {
		return api.ServiceUnknown, fmt.Errorf("systemctl is-active: %w", err)
	}
	return parseActiveState(res.Stdout), nil
}

func parseActiveState(out string) api.ServiceState {
	switch strings.TrimSpace(out) {
	case "active", "reloading":
		return api.ServiceRunning
	case "inactive", "deactivating":
		return api.ServiceStopped
	case "failed":
		return api.ServiceFailed
	default:
		return api.ServiceUnknown
	}
}

// IsRegistered reports whether systemd has a unit file loaded for name.
func (s Systemd) IsRegistered(ctx context.Context, name string) (bool, error) {
	res, err := s.systemctl(ctx, "show", "--property=LoadState", "--value", unit(name))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "loaded", nil
}

// Logs returns the last n journal lines of the unit.
func (s Systemd) Logs(ctx context.Context, name string, n int) ([]string, error) {
	args := []string{"-u", unit(name), "--no-pager", "-o", "short-iso"}
	if n > 0 {
		args = append(args, "-n", strconv.Itoa(n))
	}
	res, err := target.Check(ctx, s.Runner, target.Command{Name: "journalctl", Args: args})
	if err != nil {
		return nil, err
	}
	return splitLines(res.Stdout), nil
}

// Follow streams new journal lines until ctx is done.
func (s Systemd) Follow(ctx context.Context, name string, w io.Writer) error {
	return s.Runner.Stream(ctx, target.Command{Name: "journalctl", Args: []string{"-u", unit(name), "-f", "-n", "0", "--no-pager", "-o", "short-iso"}}, w)
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) == 1 && strings.HasPrefix(lines[0], "-- No entries --") {
		return nil
	}
	return lines
}
