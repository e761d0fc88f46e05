package agent

import (
	"time"

	"github.com/3cpo-dev/fleetagent/internal/core"
	"github.com/3cpo-dev/fleetagent/internal/telemetry"
	"github.com/3cpo-dev/fleetagent/pkg/api"
)

type HeartbeatResponse struct {
	Time     time.Time   `json:"time"`
	Host     string      `json:"host"`
	Version  string      `json:"version"`
	Channel  string      `json:"channel"`
	Attempts int64       `json:"connect_attempts"`
	Sweep    *core.Sweep `json:"last_sweep,omitempty"`
}

type MachinesResponse struct {
	Subnet   string        `json:"subnet,omitempty"`
	Machines []api.Machine `json:"machines"`
}

type MetricsResponse struct {
	Metrics []telemetry.Metric `json:"metrics"`
}
