// Package watch runs the periodic fleet sweep that keeps the local status
// store fresh, independently of the control channel.
package watch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetagent/internal/core"
	"github.com/3cpo-dev/fleetagent/internal/fleet"
	"github.com/3cpo-dev/fleetagent/internal/telemetry"
	"github.com/3cpo-dev/fleetagent/pkg/api"
)

// Recorder persists sweep output. *core.Store satisfies it.
type Recorder interface {
	UpsertMachines(ctx context.Context, subnet string, machines []api.Machine, seen time.Time) error
	RecordSweep(ctx context.Context, sw core.Sweep) error
}

// Watcher sweeps one subnet window by window on a cron schedule.
type Watcher struct {
	exec   *fleet.Executor
	op     fleet.Operation
	prefix string
	window int
	store  Recorder

	cron *cron.Cron
	halt context.Context
	stop context.CancelFunc
	mu   sync.Mutex
}

// New validates subnet and prepares a watcher; nothing runs until Start.
func New(exec *fleet.Executor, op fleet.Operation, subnet string, window int, store Recorder) (*Watcher, error) {
	prefix, err := fleet.SubnetPrefix(subnet)
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		window = 10
	}
	halt, stop := context.WithCancel(context.Background())
	w := &Watcher{exec: exec, op: op, prefix: prefix, window: window, store: store, halt: halt, stop: stop}
	w.cron = cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
	)
	return w, nil
}

// Start schedules the sweep with a six-field cron expression.
func (w *Watcher) Start(spec string) error {
	if _, err := w.cron.AddFunc(spec, func() {
		if _, err := w.Sweep(w.halt); err != nil {
			log.Warn().Err(err).Str("subnet", w.prefix).Msg("Periodic sweep interrupted")
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	w.cron.Start()
	log.Info().Str("subnet", w.prefix).Str("schedule", spec).Msg("Periodic sweep scheduled")
	return nil
}

// Stop prevents further runs and new windows, then waits up to drain for a
// running sweep to finish its current window. It reports whether the sweep
// drained in time.
func (w *Watcher) Stop(drain time.Duration) bool {
	w.stop()
	done := w.cron.Stop().Done()
	if drain <= 0 {
		<-done
		return true
	}
	t := time.NewTimer(drain)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		log.Warn().Dur("drain", drain).Msg("Periodic sweep still running at shutdown")
		return false
	}
}

// Sweep probes the subnet one window at a time and records each window as it
// completes. ctx is checked between windows only; host operations already
// issued run to their own timeout.
func (w *Watcher) Sweep(ctx context.Context) (core.Sweep, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sw := core.Sweep{ID: uuid.NewString(), Subnet: w.prefix, Started: time.Now()}
	bg := context.WithoutCancel(ctx)
	for i, r := range fleet.FullRange().Windows(w.window) {
		if err := ctx.Err(); err != nil {
			return sw, err
		}
		outcome := w.exec.Execute(bg, w.op, w.prefix, r)
		sw.Succeeded += len(outcome.Succeeded)
		sw.Dropped += len(outcome.Dropped)
		if err := w.store.UpsertMachines(bg, w.prefix, outcome.Machines(), time.Now()); err != nil {
			log.Error().Err(err).Str("sweep", sw.ID).Int("window", i+1).Msg("Failed to record window")
		}
	}
	sw.Finished = time.Now()
	if err := w.store.RecordSweep(bg, sw); err != nil {
		log.Error().Err(err).Str("sweep", sw.ID).Msg("Failed to record sweep")
	}
	telemetry.CounterGlobal("watch_sweeps", 1, nil)
	telemetry.GaugeGlobal("watch_last_sweep_hosts", float64(sw.Succeeded), map[string]string{"subnet": w.prefix})
	log.Info().
		Str("sweep", sw.ID).
		Str("subnet", w.prefix).
		Int("hosts", sw.Succeeded).
		Dur("took", sw.Finished.Sub(sw.Started)).
		Msg("Periodic sweep complete")
	return sw, nil
}

// cronLogger routes cron's own logging into zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
