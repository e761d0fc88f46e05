// Package agent serves the local read-only status endpoints of a running
// fleet agent.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetagent/internal/control"
	"github.com/3cpo-dev/fleetagent/internal/core"
	"github.com/3cpo-dev/fleetagent/internal/fleet"
	"github.com/3cpo-dev/fleetagent/internal/telemetry"
	"github.com/3cpo-dev/fleetagent/pkg/api"
)

// Channel reports the control channel state. *control.Supervisor
// satisfies it.
type Channel interface {
	State() control.State
	Attempts() int64
}

// Fleet reads the status store. *core.Store satisfies it.
type Fleet interface {
	ListMachines(ctx context.Context, subnet string) ([]api.Machine, error)
	LastSweep(ctx context.Context) (core.Sweep, bool, error)
}

type Server struct {
	Version string
	Channel Channel
	Fleet   Fleet
	Metrics *telemetry.Collector

	once sync.Once
	srv  *http.Server
}

// Routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/v0/heartbeat", s.instrument("heartbeat", func(w http.ResponseWriter, r *http.Request) int {
		h := HeartbeatResponse{Time: time.Now(), Host: r.Host, Version: s.Version, Channel: control.Disconnected.String()}
		if s.Channel != nil {
			h.Channel = s.Channel.State().String()
			h.Attempts = s.Channel.Attempts()
		}
		if s.Fleet != nil {
			sw, ok, err := s.Fleet.LastSweep(r.Context())
			if err != nil {
				log.Warn().Err(err).Msg("Heartbeat could not read last sweep")
			} else if ok {
				h.Sweep = &sw
			}
		}
		return writeJSON(w, http.StatusOK, h)
	}))
	mux.HandleFunc("/v0/machines", s.instrument("machines", func(w http.ResponseWriter, r *http.Request) int {
		if s.Fleet == nil {
			http.Error(w, "status store disabled", http.StatusServiceUnavailable)
			return http.StatusServiceUnavailable
		}
		subnet := r.URL.Query().Get("subnet")
		if subnet != "" {
			prefix, err := fleet.SubnetPrefix(subnet)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return http.StatusBadRequest
			}
			subnet = prefix
		}
		machines, err := s.Fleet.ListMachines(r.Context(), subnet)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return http.StatusInternalServerError
		}
		return writeJSON(w, http.StatusOK, MachinesResponse{Subnet: subnet, Machines: machines})
	}))
	mux.HandleFunc("/v0/metrics", s.instrument("metrics", func(w http.ResponseWriter, r *http.Request) int {
		c := s.Metrics
		if c == nil {
			c = telemetry.GetGlobal()
		}
		return writeJSON(w, http.StatusOK, MetricsResponse{Metrics: c.Snapshot()})
	}))
}

func (s *Server) instrument(endpoint string, h func(http.ResponseWriter, *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer r.Body.Close()
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		status := h(w, r)
		telemetry.TimerGlobal("agent_request_duration", time.Since(start), map[string]string{
			"endpoint": endpoint,
			"status":   fmt.Sprint(status),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
	return status
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("status listen: %w", err)
	}
	return s.Serve(ln)
}

func (s *Server) server() *http.Server {
	s.once.Do(func() {
		mux := http.NewServeMux()
		s.routes(mux)
		s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	})
	return s.srv
}

// Serve answers requests on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	log.Info().Str("addr", ln.Addr().String()).Msg("Status server listening")
	if err := s.server().Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown the server. A server shut down before Serve refuses to start.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server().Shutdown(ctx)
}
