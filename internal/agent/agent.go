// Package agent serves the managed service's health and the rollout metrics
// over HTTP for monitoring systems.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/rollout/pkg/api"
)

// HealthChecker runs the full health check.
type HealthChecker interface {
	HealthCheck(ctx context.Context) api.HealthReport
}

type Server struct {
	Version string
	Service string
	Checker HealthChecker
	// Metrics is served on /metrics next to the agent's own counters.
	Metrics prometheus.Gatherer
	// Token, when set, is required as a bearer token on /v0/health. Without
	// it the log and config lines attached to checks are withheld.
	Token string
	// CacheFor bounds how often scrapes re-run the health check.
	CacheFor time.Duration

	srv      *http.Server
	reg      *prometheus.Registry
	requests *prometheus.CounterVec

	mu       sync.Mutex
	last     api.HealthReport
	lastTime time.Time
	now      func() time.Time
}

func (s *Server) init() {
	if s.reg != nil {
		return
	}
	s.reg = prometheus.NewRegistry()
	s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollout_agent_requests_total",
		Help: "Agent HTTP requests by endpoint and status code.",
	}, []string{"endpoint", "code"})
	s.reg.MustRegister(s.requests)
	if s.now == nil {
		s.now = time.Now
	}
}

// Routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	s.init()
	mux.HandleFunc("/v0/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		host, _ := os.Hostname()
		s.writeJSON(w, "heartbeat", http.StatusOK, HeartbeatResponse{Time: s.now(), Host: host, Version: s.Version, Service: s.Service})
	})
	mux.HandleFunc("/v0/health", func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			s.writeJSON(w, "health", http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
			return
		}
		rep, cached := s.health(r.Context())
		if s.Token == "" {
			rep = withoutLines(rep)
		}
		code := http.StatusOK
		if !rep.Healthy() {
			code = http.StatusServiceUnavailable
		}
		s.writeJSON(w, "health", code, HealthResponse{HealthReport: rep, Healthy: rep.Healthy(), Cached: cached})
	})
	gatherers := prometheus.Gatherers{s.reg}
	if s.Metrics != nil {
		gatherers = append(gatherers, s.Metrics)
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
}

// health runs the check, or returns the last report if it is recent enough.
// The lock is held while checking so concurrent scrapes share one run.
func (s *Server) health(ctx context.Context) (api.HealthReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CacheFor > 0 && !s.lastTime.IsZero() && s.now().Sub(s.lastTime) < s.CacheFor {
		return s.last, true
	}
	rep := s.Checker.HealthCheck(ctx)
	s.last, s.lastTime = rep, s.now()
	if !rep.Healthy() {
		log.Warn().Int("failed", rep.Failed()).Str("service", string(rep.Service)).Msg("health check failed")
	}
	return rep, false
}

func (s *Server) writeJSON(w http.ResponseWriter, endpoint string, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Str("endpoint", endpoint).Msg("write response")
	}
	s.requests.WithLabelValues(endpoint, fmt.Sprint(code)).Inc()
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.handler(), ReadHeaderTimeout: 10 * time.Second}
	return s.srv.ListenAndServe()
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}

// withoutLines copies rep with the diagnostic lines dropped from every check.
func withoutLines(rep api.HealthReport) api.HealthReport {
	checks := make([]api.CheckResult, len(rep.Checks))
	for i, c := range rep.Checks {
		c.Lines = nil
		checks[i] = c
	}
	rep.Checks = checks
	return rep
}
