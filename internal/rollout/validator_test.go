package rollout

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/3cpo-dev/rollout/internal/core"
	"github.com/3cpo-dev/rollout/internal/target"
)

func TestEnvFileValidator(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.App.Root = t.TempDir()
	v := &EnvFileValidator{Config: cfg, FS: target.OSFS{}, Runner: target.LocalRunner{}}
	ctx := context.Background()

	if err := v.Validate(ctx); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("missing env file: %v", err)
	}

	write := func(s string) {
		if err := os.WriteFile(filepath.Join(cfg.App.Root, ".env"), []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("ADMIN_CHAT_ID=abc\nLOG_LEVEL=verbose\n")
	err := v.Validate(ctx)
	if err == nil {
		t.Fatal("invalid env accepted")
	}
	for _, want := range []string{"TELEGRAM_BOT_TOKEN", "ADMIN_CHAT_ID", "LOG_LEVEL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}

	write("TELEGRAM_BOT_TOKEN=123:abc\nADMIN_CHAT_ID=-100123\nLOG_LEVEL=info\nDATABASE_TIMEOUT=30\n")
	if err := v.Validate(ctx); err != nil {
		t.Fatalf("valid env rejected: %v", err)
	}

	v.Config.App.User = ""
	v.Config.Validate.Command = []string{"sh", "-c", "test -f .env && exit 4"}
	if err := v.Validate(ctx); err == nil || !strings.Contains(err.Error(), "validation command") {
		t.Fatalf("failing command: %v", err)
	}
}
