package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/rollout/internal/agent"
	"github.com/3cpo-dev/rollout/internal/core"
	"github.com/3cpo-dev/rollout/internal/rollout"
	"github.com/3cpo-dev/rollout/internal/schedule"
	"github.com/3cpo-dev/rollout/internal/target"
	"github.com/3cpo-dev/rollout/internal/telemetry"
)

var version = "dev"

func main() {
	cfgPath := flag.String("config", "", "config file")
	addr := flag.String("addr", "", "listen address (overrides agent.addr)")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := run(*cfgPath, *addr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgPath, addr string) error {
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Agent.Addr
	}
	// The agent always watches the machine it runs on.
	cfg.Target.Host = ""
	rec := telemetry.NewRecorder()
	orch := rollout.ForTarget(cfg, target.Local(), rollout.NewReporter(io.Discard), rec)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Backup.Schedule != "" {
		if _, err := schedule.Parse(cfg.Backup.Schedule); err != nil {
			return err
		}
		go func() {
			_ = schedule.Run(ctx, "backup", cfg.Backup.Schedule, func(ctx context.Context) error {
				_, err := orch.Backup(ctx)
				return err
			})
		}()
	}

	srv := &agent.Server{
		Version:  version,
		Service:  cfg.Service.Name,
		Checker:  orch,
		Metrics:  rec.Gatherer(),
		Token:    os.Getenv("ROLLOUT_AGENT_TOKEN"),
		CacheFor: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		if tlsCfg, ok := agent.TLSFromConfig(cfg); ok {
			errc <- srv.ListenAndServeTLS(addr, tlsCfg)
			return
		}
		errc <- srv.ListenAndServe(addr)
	}()
	log.Info().Str("addr", addr).Str("service", cfg.Service.Name).Msg("rollout-agent listening")

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}
	log.Info().Msg("rollout-agent shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	return srv.Shutdown(shutdownCtx)
}
