package agent

import (
	"time"

	"github.com/3cpo-dev/rollout/pkg/api"
)

type HeartbeatResponse struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
	Service string    `json:"service"`
}

// HealthResponse is the health report plus the agent's view of it.
type HealthResponse struct {
	api.HealthReport
	Healthy bool `json:"healthy"`
	// Cached is set when the report was served from the last run.
	Cached bool `json:"cached"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
