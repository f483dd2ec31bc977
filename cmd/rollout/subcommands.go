package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/rollout/internal/core"
	"github.com/3cpo-dev/rollout/internal/logview"
	"github.com/3cpo-dev/rollout/internal/rollout"
	"github.com/3cpo-dev/rollout/internal/schedule"
	gssh "github.com/3cpo-dev/rollout/internal/ssh"
	"github.com/3cpo-dev/rollout/internal/system"
	"github.com/3cpo-dev/rollout/internal/target"
	"github.com/3cpo-dev/rollout/internal/telemetry"
	"github.com/3cpo-dev/rollout/pkg/api"
)

// session is one resolved config plus the target it acts on.
type session struct {
	cfg    core.Config
	target *target.Target
	orch   *rollout.Orchestrator
	rec    *telemetry.Recorder
	json   bool
	out    io.Writer
}

// Resolve the config and connect to the target
func openSession(cmd *cobra.Command) (*session, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Target.Host = host
	}
	t := target.Local()
	if cfg.Remote() {
		trust, _ := cmd.Flags().GetBool("trust-new-host")
		if t, err = target.DialRemote(cmd.Context(), cfg, trust); err != nil {
			return nil, fmt.Errorf("connect to %s: %w", cfg.Target.Host, err)
		}
	}
	s := &session{cfg: cfg, target: t, rec: telemetry.NewRecorder(), out: cmd.OutOrStdout()}
	s.json, _ = cmd.Flags().GetBool("json")
	progress := s.out
	if s.json {
		progress = io.Discard
	}
	s.orch = rollout.ForTarget(cfg, t, rollout.NewReporter(progress), s.rec)
	log.Debug().Str("target", t.Name).Str("root", cfg.App.Root).Msg("session ready")
	return s, nil
}

// close exports metrics for node_exporter and disconnects.
func (s *session) close() {
	if err := s.rec.WriteTextfile(s.cfg.Telemetry.TextfileDir); err != nil {
		log.Warn().Err(err).Msg("export metrics")
	}
	if err := s.target.Close(); err != nil {
		log.Debug().Err(err).Msg("close target")
	}
}

func (s *session) printJSON(v any) error {
	if !s.json {
		return nil
	}
	enc := json.NewEncoder(s.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Create a command running one orchestrator pipeline
func newOpCmd(use, short string, op func(*rollout.Orchestrator) func(context.Context) (api.Report, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			rep, err := op(s.orch)(cmd.Context())
			if jerr := s.printJSON(rep); jerr != nil && err == nil {
				err = jerr
			}
			return err
		},
	}
}

func newSetupCmd() *cobra.Command {
	return newOpCmd("setup", "Provision the host: packages, account, code, virtualenv, env file and service unit",
		func(o *rollout.Orchestrator) func(context.Context) (api.Report, error) { return o.Setup })
}

func newUpdateCmd() *cobra.Command {
	return newOpCmd("update", "Pull the latest code, reinstall requirements and restart the service",
		func(o *rollout.Orchestrator) func(context.Context) (api.Report, error) { return o.Update })
}

func newDeployCmd() *cobra.Command {
	return newOpCmd("deploy", "Back up the data store, reset to the remote branch, validate and restart",
		func(o *rollout.Orchestrator) func(context.Context) (api.Report, error) { return o.Deploy })
}

// Back up the data store, once or on a schedule
func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Copy the data store into the backup directory and prune old backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			expr, _ := cmd.Flags().GetString("cron")
			pullDir, _ := cmd.Flags().GetString("pull")
			if expr != "" {
				if _, err := schedule.Parse(expr); err != nil {
					return err
				}
			}
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			if pullDir != "" && !s.target.Remote {
				return errors.New("--pull needs a remote target (--host)")
			}
			once := func(ctx context.Context) error {
				rep, err := s.orch.Backup(ctx)
				if jerr := s.printJSON(rep); jerr != nil && err == nil {
					err = jerr
				}
				if err != nil || pullDir == "" || rep.Backup == nil {
					return err
				}
				return s.pull(ctx, rep.Backup.DestinationPath, pullDir)
			}
			if expr == "" {
				return once(cmd.Context())
			}
			return schedule.Run(cmd.Context(), "backup", expr, func(ctx context.Context) error {
				err := once(ctx)
				if werr := s.rec.WriteTextfile(s.cfg.Telemetry.TextfileDir); werr != nil {
					log.Warn().Err(werr).Msg("export metrics")
				}
				return err
			})
		},
	}
	cmd.Flags().String("cron", "", "run on this cron schedule (e.g. \"0 3 * * *\" or @daily) until interrupted")
	cmd.Flags().String("pull", "", "download the new backup from the remote target into this directory")
	return cmd
}

func (s *session) pull(ctx context.Context, remote, dir string) error {
	sf, ok := s.target.SFTPClient()
	if !ok {
		return errors.New("target has no SFTP session")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	local := filepath.Join(dir, path.Base(remote))
	n, err := gssh.PullFile(ctx, sf, remote, local)
	if err != nil {
		return fmt.Errorf("pull %s: %w", remote, err)
	}
	log.Info().Str("path", local).Int64("size", n).Msg("backup downloaded")
	if !s.json {
		fmt.Fprintf(s.out, "✓ downloaded %s\n", local)
	}
	return nil
}

// Check on the service
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the service, data store, log file, configuration and backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			rep := s.orch.HealthCheck(cmd.Context())
			if err := s.printJSON(rep); err != nil {
				return err
			}
			return rollout.HealthError(rep)
		},
	}
}

// View the service logs
func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show, follow or search the service logs; without flags an interactive menu",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			v := &logview.Viewer{
				FS:      s.target.FS,
				Journal: system.Systemd{Runner: s.target.Runner},
				LogFile: s.cfg.LogFilePath(),
				Service: s.cfg.Service.Name,
				Out:     s.out,
				Backlog: s.cfg.Service.LogLines,
			}
			ctx := cmd.Context()
			full, _ := cmd.Flags().GetBool("full")
			journal, _ := cmd.Flags().GetBool("journal")
			follow, _ := cmd.Flags().GetBool("follow")
			term, _ := cmd.Flags().GetString("search")
			switch {
			case full:
				return v.Full(ctx)
			case journal:
				return v.Supervisor(ctx)
			case follow:
				return v.Follow(ctx)
			case term != "":
				_, err := v.Search(ctx, term)
				return err
			}
			return v.Menu(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().Bool("full", false, "print the whole log file")
	cmd.Flags().Bool("journal", false, "print the service journal")
	cmd.Flags().BoolP("follow", "f", false, "follow new lines (log file if present, else journal)")
	cmd.Flags().String("search", "", "print lines containing this text (case-sensitive)")
	cmd.MarkFlagsMutuallyExclusive("full", "journal", "follow", "search")
	return cmd
}

// Initialize configuration and deploy key
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config if missing and generate an SSH deploy key. Run this the first time.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = core.DefaultConfigPath()
			}
			wrote, err := core.WriteConfig(cfgPath, core.DefaultConfig())
			if err != nil {
				return err
			}
			if wrote {
				fmt.Fprintf(out, "✓ wrote default config to %s; set app.repo before running setup\n", cfgPath)
			} else {
				fmt.Fprintf(out, "- config %s exists\n", cfgPath)
			}

			keyPath := target.DefaultKeyPath()
			if cfg, err := core.LoadConfig(cfgPath); err == nil && cfg.Target.KeyPath != "" {
				keyPath = cfg.Target.KeyPath
			}
			pub, created, err := gssh.EnsureDeployKey(keyPath, "rollout")
			if err != nil {
				return err
			}
			if err := gssh.EnsureKnownHostsFile(filepath.Join(filepath.Dir(keyPath), "known_hosts")); err != nil {
				return err
			}
			if created {
				fmt.Fprintf(out, "✓ generated deploy key %s\n", keyPath)
			} else {
				fmt.Fprintf(out, "- deploy key %s exists\n", keyPath)
			}
			fmt.Fprintf(out, "add this line to root's authorized_keys on the target:\n%s", pub)
			return nil
		},
	}
}
