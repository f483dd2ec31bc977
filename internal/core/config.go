package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is resolved once at startup and handed to every component.
type Config struct {
	App struct {
		Name         string `yaml:"name"`
		Root         string `yaml:"root"`
		Repo         string `yaml:"repo"`
		Branch       string `yaml:"branch"`
		User         string `yaml:"user"`
		DataStore    string `yaml:"data_store"`
		LogFile      string `yaml:"log_file"`
		EnvFile      string `yaml:"env_file"`
		EnvTemplate  string `yaml:"env_template"`
		Requirements string `yaml:"requirements"`
		Venv         string `yaml:"venv"`
		UnitFile     string `yaml:"unit_file"`
	} `yaml:"app"`
	Service struct {
		Name          string `yaml:"name"`
		UnitDir       string `yaml:"unit_dir"`
		SettleSeconds int    `yaml:"settle_seconds"`
		LogLines      int    `yaml:"log_lines"`
	} `yaml:"service"`
	Backup struct {
		Dir           string `yaml:"dir"`
		RetentionDays int    `yaml:"retention_days"`
		Schedule      string `yaml:"schedule"`
	} `yaml:"backup"`
	Packages []string `yaml:"packages"`
	Validate struct {
		Required  []string `yaml:"required"`
		Integer   []string `yaml:"integer"`
		Positive  []string `yaml:"positive"`
		LogLevels []string `yaml:"log_levels"`
		Command   []string `yaml:"command"`
	} `yaml:"validate"`
	Target struct {
		Host           string `yaml:"host"`
		User           string `yaml:"user"`
		Port           int    `yaml:"port"`
		KeyPath        string `yaml:"key_path"`
		KnownHosts     string `yaml:"known_hosts"`
		Retries        int    `yaml:"retries"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"target"`
	Agent struct {
		Addr     string `yaml:"addr"`
		TLSCert  string `yaml:"tls_cert"`
		TLSKey   string `yaml:"tls_key"`
		ClientCA string `yaml:"client_ca"`
	} `yaml:"agent"`
	Telemetry struct {
		TextfileDir string `yaml:"textfile_dir"`
	} `yaml:"telemetry"`
}

// DefaultConfigPath resolves $XDG_CONFIG_HOME/rollout/config.yaml, falling back to
// /etc/rollout/config.yaml when running as root or when no home is available.
func DefaultConfigPath() string {
	if os.Geteuid() == 0 {
		return "/etc/rollout/config.yaml"
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "/etc/rollout/config.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "rollout", "config.yaml")
}

// LoadConfig reads YAML configuration from a path. If path is empty,
// DefaultConfigPath is used. Missing fields take their defaults.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(content)
}

// ParseConfig decodes YAML, applies defaults and environment overrides, and validates.
func ParseConfig(content []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("ROLLOUT_HOST"); v != "" {
		cfg.Target.Host = v
	}
	cfg.ApplyDefaults()
	if err := cfg.Check(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteConfig writes cfg as YAML to path unless the file already exists, and
// reports whether it wrote anything.
func WriteConfig(path string, cfg Config) (bool, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	content, err := yaml.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}

// DefaultConfig returns a config with every default applied, used by `rollout init`.
func DefaultConfig() Config {
	var cfg Config
	cfg.App.Repo = "https://github.com/example/telegram-bot.git"
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every zero field with the value the deployment scripts used.
func (c *Config) ApplyDefaults() {
	setString(&c.App.Name, "telegram-bot")
	setString(&c.App.Root, "/opt/"+c.App.Name)
	setString(&c.App.Branch, "main")
	setString(&c.App.User, "botuser")
	setString(&c.App.DataStore, "employee_tracker.db")
	setString(&c.App.LogFile, "bot.log")
	setString(&c.App.EnvFile, ".env")
	setString(&c.App.EnvTemplate, ".env.example")
	setString(&c.App.Requirements, "requirements.txt")
	setString(&c.App.Venv, "venv")
	setString(&c.Service.Name, c.App.Name)
	setString(&c.App.UnitFile, c.Service.Name+".service")
	setString(&c.Service.UnitDir, "/etc/systemd/system")
	setInt(&c.Service.SettleSeconds, 2)
	setInt(&c.Service.LogLines, 20)
	setString(&c.Backup.Dir, "backups")
	setInt(&c.Backup.RetentionDays, 7)
	if len(c.Packages) == 0 {
		c.Packages = []string{"python3", "python3-venv", "python3-pip", "git", "sqlite3"}
	}
	if len(c.Validate.Required) == 0 {
		c.Validate.Required = []string{"TELEGRAM_BOT_TOKEN"}
	}
	if len(c.Validate.Integer) == 0 {
		c.Validate.Integer = []string{
			"ADMIN_CHAT_ID",
			"CHECK_INTERVAL_MINUTES",
			"LOG_MAX_SIZE_MB",
			"LOG_BACKUP_COUNT",
			"SERVER_PORT",
			"MAX_MESSAGES_PER_MINUTE",
			"ADMIN_NOTIFICATION_COOLDOWN",
		}
	}
	if len(c.Validate.Positive) == 0 {
		c.Validate.Positive = []string{
			"DATABASE_TIMEOUT",
			"RESPONSE_ALERT_THRESHOLD",
			"UNANSWERED_ALERT_THRESHOLD",
			"CONVERSATION_TURN_TIMEOUT",
		}
	}
	if len(c.Validate.LogLevels) == 0 {
		c.Validate.LogLevels = []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}
	}
	setString(&c.Target.User, "root")
	setInt(&c.Target.Port, 22)
	setInt(&c.Target.Retries, 2)
	setInt(&c.Target.TimeoutSeconds, 15)
	setString(&c.Agent.Addr, "127.0.0.1:9187")
}

// Check rejects configurations the orchestrator cannot act on safely.
func (c Config) Check() error {
	var errs []error
	if !path.IsAbs(c.App.Root) {
		errs = append(errs, fmt.Errorf("app.root must be absolute, got %q", c.App.Root))
	}
	if c.App.Repo == "" {
		errs = append(errs, errors.New("app.repo is required"))
	}
	if c.Backup.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("backup.retention_days must be positive, got %d", c.Backup.RetentionDays))
	}
	if c.Service.SettleSeconds < 0 {
		errs = append(errs, fmt.Errorf("service.settle_seconds must not be negative, got %d", c.Service.SettleSeconds))
	}
	if strings.ContainsAny(c.App.User, " :/") {
		errs = append(errs, fmt.Errorf("app.user is not a valid account name: %q", c.App.User))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Remote reports whether operations run over SSH.
func (c Config) Remote() bool { return c.Target.Host != "" }

// rel resolves p against the app root. Paths on the target are always
// slash-separated; the target may not be the local OS.
func (c Config) rel(p string) string {
	if path.IsAbs(p) {
		return p
	}
	return path.Join(c.App.Root, p)
}

// Absolute locations of the app's files on the target.

func (c Config) DataStorePath() string    { return c.rel(c.App.DataStore) }
func (c Config) LogFilePath() string      { return c.rel(c.App.LogFile) }
func (c Config) EnvFilePath() string      { return c.rel(c.App.EnvFile) }
func (c Config) EnvTemplatePath() string  { return c.rel(c.App.EnvTemplate) }
func (c Config) BackupDir() string        { return c.rel(c.Backup.Dir) }
func (c Config) VenvPath() string         { return c.rel(c.App.Venv) }
func (c Config) RequirementsPath() string { return c.rel(c.App.Requirements) }

// UnitSourcePath is the unit file shipped in the working tree.
func (c Config) UnitSourcePath() string { return c.rel(c.App.UnitFile) }

// UnitInstallPath is where the supervisor loads the unit from.
func (c Config) UnitInstallPath() string {
	return path.Join(c.Service.UnitDir, c.Service.Name+".service")
}

// LockPath sits next to the working tree so an empty root can still be cloned into.
func (c Config) LockPath() string {
	return path.Join(path.Dir(c.App.Root), "."+path.Base(c.App.Root)+".rollout.lock")
}

// SettleDelay is the pause between starting the service and checking it.
func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.Service.SettleSeconds) * time.Second
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.Backup.RetentionDays) * 24 * time.Hour
}

func (c Config) Timeout() time.Duration {
	return time.Duration(c.Target.TimeoutSeconds) * time.Second
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}
