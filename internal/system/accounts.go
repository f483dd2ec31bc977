package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/3cpo-dev/rollout/internal/target"
)

// Accounts manages the service account and file ownership.
type Accounts struct {
	Runner target.Runner
}

func (a Accounts) Exists(ctx context.Context, user string) (bool, error) {
	res, err := a.Runner.Run(ctx, target.Command{Name: "id", Args: []string{"-u", user}})
	if err != nil {
		return false, fmt.Errorf("id: %w", err)
	}
	return res.ExitCode == 0, nil
}

// Create adds a system account without a login shell. The home directory is
// not created here; it is the working tree the clone step creates.
func (a Accounts) Create(ctx context.Context, user, home string) error {
	_, err := target.Check(ctx, a.Runner, target.Command{
		Name: "useradd",
		Args: []string{"--system", "--user-group", "--home-dir", home, "--no-create-home", "--shell", "/usr/sbin/nologin", user},
	})
	return err
}

func (a Accounts) Chown(ctx context.Context, path, user string) error {
	_, err := target.Check(ctx, a.Runner, target.Command{Name: "chown", Args: []string{"-R", user + ":" + user, path}})
	return err
}

// Privileged reports whether commands on the target run as root.
func (a Accounts) Privileged(ctx context.Context) (bool, error) {
	res, err := target.Check(ctx, a.Runner, target.Command{Name: "id", Args: []string{"-u"}})
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "0", nil
}
