package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	gssh "github.com/3cpo-dev/fleetagent/internal/ssh"
	"github.com/3cpo-dev/fleetagent/internal/telemetry"
	"github.com/3cpo-dev/fleetagent/pkg/api"
)

// DefaultTimeout bounds one host operation.
const DefaultTimeout = 5 * time.Second

// Auth is the login used for every host of a sweep.
type Auth struct {
	User     string
	Password string
	Port     int
}

// HostResult is the outcome of one operation against one host. Value is
// operation specific: api.Machine for Probe, struct{} otherwise.
type HostResult struct {
	Host    string
	Value   any
	Err     error
	Elapsed time.Duration
}

// Outcome collects the per-host results of one fan-out. Succeeded is in
// completion order. Dropped is kept for logging and tests only; callers
// report Succeeded.
type Outcome struct {
	Succeeded []HostResult
	Dropped   []HostResult
}

// Hosts returns the succeeded host addresses in completion order.
func (o Outcome) Hosts() []string {
	hosts := make([]string, 0, len(o.Succeeded))
	for _, r := range o.Succeeded {
		hosts = append(hosts, r.Host)
	}
	return hosts
}

// Machines returns the probe records of the succeeded hosts.
func (o Outcome) Machines() []api.Machine {
	machines := make([]api.Machine, 0, len(o.Succeeded))
	for _, r := range o.Succeeded {
		if m, ok := r.Value.(api.Machine); ok {
			machines = append(machines, m)
		}
	}
	return machines
}

// Executor fans one operation out over many hosts. It holds no mutable
// state; the pool is the only resource shared between invocations.
type Executor struct {
	runner  Runner
	pool    *Pool
	auth    Auth
	timeout time.Duration
}

// NewExecutor creates an executor. A non-positive timeout selects
// DefaultTimeout.
func NewExecutor(runner Runner, pool *Pool, auth Auth, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if pool == nil {
		pool = NewPool(0)
	}
	return &Executor{runner: runner, pool: pool, auth: auth, timeout: timeout}
}

// WithPassword returns an executor that logs in with password instead of
// the configured one. An empty password returns e unchanged.
func (e *Executor) WithPassword(password string) *Executor {
	if password == "" {
		return e
	}
	cp := *e
	cp.auth.Password = password
	return &cp
}

// Execute runs op once per host of prefix.r and waits for every host.
// Failed hosts are dropped; no error is returned.
func (e *Executor) Execute(ctx context.Context, op Operation, prefix string, r HostRange) Outcome {
	return e.ExecuteHosts(ctx, op, Expand(prefix, r))
}

// ExecuteHosts runs op against each distinct IPv4 address in hosts.
func (e *Executor) ExecuteHosts(ctx context.Context, op Operation, hosts []string) Outcome {
	hosts = ValidHosts(hosts)
	start := time.Now()

	results := make(chan HostResult, len(hosts))
	var wg sync.WaitGroup
	for _, host := range hosts {
		wg.Add(1)
		go func(h string) {
			defer wg.Done()
			results <- e.runHost(ctx, op, h)
		}(host)
	}
	wg.Wait()
	close(results)

	out := Outcome{Succeeded: make([]HostResult, 0, len(hosts))}
	for res := range results {
		if res.Err != nil {
			log.Debug().Str("host", res.Host).Str("operation", string(op.Kind())).Err(res.Err).Msg("Host dropped")
			out.Dropped = append(out.Dropped, res)
			continue
		}
		out.Succeeded = append(out.Succeeded, res)
	}

	labels := map[string]string{"operation": string(op.Kind())}
	telemetry.CounterGlobal("fleet_hosts_succeeded", float64(len(out.Succeeded)), labels)
	telemetry.CounterGlobal("fleet_hosts_dropped", float64(len(out.Dropped)), labels)
	telemetry.TimerGlobal("fleet_fanout_duration", time.Since(start), labels)
	return out
}

// One runs op against a single host.
func (e *Executor) One(ctx context.Context, op Operation, host string) HostResult {
	return e.runHost(ctx, op, host)
}

func (e *Executor) runHost(ctx context.Context, op Operation, host string) (res HostResult) {
	res.Host = host
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res.Value = nil
			res.Err = fmt.Errorf("host unit panicked: %v", p)
		}
		res.Elapsed = time.Since(start)
	}()

	if err := e.pool.Acquire(ctx); err != nil {
		res.Err = err
		return res
	}
	defer e.pool.Release()

	timeout := e.timeout
	if t, ok := op.(interface{ hostTimeout() time.Duration }); ok && t.hostTimeout() > 0 {
		timeout = t.hostTimeout()
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ep := gssh.Endpoint{Host: host, Port: e.auth.Port, User: e.auth.User, Password: e.auth.Password}
	res.Value, res.Err = op.apply(hctx, e.runner, ep)
	if res.Err != nil {
		res.Value = nil
	}
	return res
}
