package control

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetagent/internal/telemetry"
)

// DefaultReconnectDelay is the fixed wait between connection attempts.
const DefaultReconnectDelay = 10 * time.Second

// State of the control channel.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler consumes a live connection until it fails.
type Handler interface {
	Serve(ctx context.Context, conn Conn) error
}

// Supervisor keeps the control channel up: connect, serve, wait a fixed
// delay, repeat. It never gives up; only ctx stops it.
type Supervisor struct {
	URL     string
	Dialer  Dialer
	Handler Handler
	Delay   time.Duration
	// Wait sleeps between attempts; nil uses a timer.
	Wait func(ctx context.Context, d time.Duration) error

	state    atomic.Int32
	attempts atomic.Int64
}

// State returns the current connection state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Attempts returns the number of connection attempts made so far.
func (s *Supervisor) Attempts() int64 { return s.attempts.Load() }

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	telemetry.GaugeGlobal("control_state", float64(st), nil)
}

// Run blocks until ctx is done and returns ctx.Err().
func (s *Supervisor) Run(ctx context.Context) error {
	delay := s.Delay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	coordinator := redact(s.URL)
	defer s.setState(Disconnected)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.setState(Connecting)
		attempt := s.attempts.Add(1)
		log.Info().Str("coordinator", coordinator).Int64("attempt", attempt).Msg("Connecting to coordinator")

		conn, err := s.Dialer.Dial(ctx, s.URL)
		if err != nil {
			s.setState(Disconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			telemetry.CounterGlobal("control_connect_failures", 1, nil)
			log.Error().Err(err).Dur("retry_in", delay).Msg("Failed to connect")
		} else {
			s.setState(Connected)
			telemetry.CounterGlobal("control_connects", 1, nil)
			log.Info().Str("coordinator", coordinator).Msg("Control channel established")
			err = s.serve(ctx, conn)
			s.setState(Disconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Dur("retry_in", delay).Msg("Control channel lost")
		}

		if err := s.wait(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *Supervisor) serve(ctx context.Context, conn Conn) error {
	// closing the connection unblocks a pending read on shutdown
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()
	return s.Handler.Serve(ctx, conn)
}

func (s *Supervisor) wait(ctx context.Context, d time.Duration) error {
	if s.Wait != nil {
		return s.Wait(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
