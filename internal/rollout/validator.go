package rollout

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/3cpo-dev/rollout/internal/core"
	"github.com/3cpo-dev/rollout/internal/target"
)

// EnvFileValidator checks the app's env file against the configured rules and
// then, if configured, runs the app's own loader as the service account.
type EnvFileValidator struct {
	Config core.Config
	FS     target.FS
	Runner target.Runner
}

func (v *EnvFileValidator) Validate(ctx context.Context) error {
	p := v.Config.EnvFilePath()
	f, err := v.FS.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s not found", p)
	}
	if err != nil {
		return err
	}
	env, err := core.ParseEnv(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	if err := core.ValidateEnv(env, v.Config.Rules()); err != nil {
		return err
	}

	argv := v.Config.Validate.Command
	if len(argv) == 0 {
		return nil
	}
	cmd := target.Command{Name: argv[0], Args: argv[1:], Dir: v.Config.App.Root, User: v.Config.App.User}
	if _, err := target.Check(ctx, v.Runner, cmd); err != nil {
		return fmt.Errorf("validation command: %w", err)
	}
	return nil
}
