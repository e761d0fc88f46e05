package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetagent/internal/fleet"
	"github.com/3cpo-dev/fleetagent/internal/telemetry"
	"github.com/3cpo-dev/fleetagent/pkg/api"
)

// DefaultWindow is the number of hosts per scan_result envelope.
const DefaultWindow = 10

// Sender is the write half of a Conn.
type Sender interface {
	WriteMessage(messageType int, data []byte) error
}

// Dispatcher turns inbound envelopes into fleet operations and streams the
// results back on the same connection.
type Dispatcher struct {
	exec    *fleet.Executor
	catalog fleet.Catalog
	window  int
}

func NewDispatcher(exec *fleet.Executor, catalog fleet.Catalog, window int) *Dispatcher {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Dispatcher{exec: exec, catalog: catalog, window: window}
}

// Serve is the receive loop. It returns on a read error, a peer close or a
// failed send; every other problem is logged and the loop continues.
func (d *Dispatcher) Serve(ctx context.Context, conn Conn) error {
	for {
		typ, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("%w: %d %s", ErrPeerClosed, closeErr.Code, closeErr.Text)
			}
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.TextMessage {
			log.Warn().Int("type", typ).Msg("Ignoring non-text message")
			continue
		}
		if err := d.Handle(ctx, conn, raw); err != nil {
			return err
		}
	}
}

// Handle processes one inbound envelope. Only send failures are returned.
func (d *Dispatcher) Handle(ctx context.Context, out Sender, raw []byte) error {
	msg := Decode(raw)
	log.Info().Str("command", msg.Name).Msg("Received command")
	telemetry.CounterGlobal("control_messages", 1, map[string]string{"command": msg.Command.String()})

	exec := d.exec.WithPassword(msg.Password)
	start := time.Now()
	var err error
	switch msg.Command {
	case CommandScan:
		err = d.scan(ctx, out, exec, msg.Data)
	case CommandQuery:
		err = d.query(ctx, out, exec, msg.Data)
	case CommandConfig:
		err = d.configure(ctx, out, exec, msg.Data)
	case CommandDeploy:
		err = d.deploy(ctx, out, exec, msg.Data)
	case CommandReboot:
		err = d.batch(ctx, out, exec, msg.Data, d.catalog.Reboot(), api.RebootResult)
	case CommandRestart:
		err = d.batch(ctx, out, exec, msg.Data, d.catalog.RestartService(), api.RestartResult)
	default:
		log.Warn().Str("command", msg.Name).Msg("Unrecognized command")
		return nil
	}
	telemetry.TimerGlobal("control_command_duration", time.Since(start), map[string]string{"command": msg.Command.String()})
	return err
}

// scan sweeps the subnet one window at a time. Every window produces one
// envelope, even when no host in it answered, and window i is sent before
// window i+1 starts.
func (d *Dispatcher) scan(ctx context.Context, out Sender, exec *fleet.Executor, ip string) error {
	prefix, err := fleet.SubnetPrefix(ip)
	if err != nil {
		log.Warn().Str("ip", ip).Err(err).Msg("Scan ignored")
		return nil
	}
	sweep := uuid.NewString()
	windows := fleet.FullRange().Windows(d.window)
	found := 0
	for i, w := range windows {
		if err := ctx.Err(); err != nil {
			return err
		}
		machines := exec.Execute(ctx, d.catalog.Probe(), prefix, w).Machines()
		found += len(machines)
		progress := (i + 1) * 100 / len(windows)
		log.Debug().
			Str("sweep", sweep).
			Str("subnet", prefix).
			Int("window", i+1).
			Int("progress", progress).
			Int("hosts", len(machines)).
			Msg("Scan window complete")
		if err := send(out, api.ScanResult, machines, &progress); err != nil {
			return fmt.Errorf("scan window %d: %w", i+1, err)
		}
	}
	log.Info().Str("sweep", sweep).Str("subnet", prefix).Int("hosts", found).Msg("Scan complete")
	return nil
}

// query always answers, with {} when the host is dropped.
func (d *Dispatcher) query(ctx context.Context, out Sender, exec *fleet.Executor, ip string) error {
	hosts := fleet.ValidHosts([]string{ip})
	if len(hosts) == 0 {
		log.Warn().Str("ip", ip).Msg("Query ignored")
		return nil
	}
	var payload any = struct{}{}
	res := exec.One(ctx, d.catalog.Probe(), hosts[0])
	if res.Err != nil {
		log.Info().Str("host", hosts[0]).Err(res.Err).Msg("Query host unreachable")
	} else {
		payload = res.Value
	}
	return send(out, api.QueryResult, payload, nil)
}

func (d *Dispatcher) configure(ctx context.Context, out Sender, exec *fleet.Executor, data string) error {
	var req api.ConfigRequest
	decodePayload(data, &req)
	hosts := fleet.ValidHosts(req.Hosts)
	if len(hosts) == 0 {
		log.Warn().Msg("Config ignored: no hosts")
		return nil
	}
	outcome := exec.ExecuteHosts(ctx, d.catalog.Configure(req.Pools, req.Mode), hosts)
	return send(out, api.ConfigResult, api.Report{Total: len(hosts), Succeeded: outcome.Hosts()}, nil)
}

func (d *Dispatcher) deploy(ctx context.Context, out Sender, exec *fleet.Executor, data string) error {
	var req api.DeployRequest
	decodePayload(data, &req)
	if d.catalog.Artifact == "" {
		log.Error().Msg("Deploy ignored: no artifact configured")
		return nil
	}
	hosts := fleet.ValidHosts(req.Hosts)
	if len(hosts) == 0 && req.IP != "" {
		if prefix, err := fleet.SubnetPrefix(req.IP); err == nil {
			hosts = fleet.Expand(prefix, fleet.FullRange())
		}
	}
	if len(hosts) == 0 {
		log.Warn().Msg("Deploy ignored: no hosts")
		return nil
	}
	log.Info().Str("version", req.Version).Int("hosts", len(hosts)).Msg("Deploying")
	outcome := exec.ExecuteHosts(ctx, d.catalog.Deploy(req.Version, req.Address), hosts)
	return send(out, api.DeployResult, api.Report{Total: len(hosts), Succeeded: outcome.Hosts()}, nil)
}

func (d *Dispatcher) batch(ctx context.Context, out Sender, exec *fleet.Executor, data string, op fleet.Operation, name string) error {
	var req api.HostsRequest
	decodePayload(data, &req)
	hosts := fleet.ValidHosts(req.Hosts)
	if len(hosts) == 0 {
		log.Warn().Str("operation", string(op.Kind())).Msg("Command ignored: no hosts")
		return nil
	}
	outcome := exec.ExecuteHosts(ctx, op, hosts)
	return send(out, name, api.Report{Total: len(hosts), Succeeded: outcome.Hosts()}, nil)
}

func send(out Sender, name string, payload any, progress *int) error {
	env, err := Encode(name, payload, progress)
	if err != nil {
		return err
	}
	if err := out.WriteMessage(websocket.TextMessage, env); err != nil {
		telemetry.CounterGlobal("control_send_failures", 1, nil)
		return fmt.Errorf("%w: %s: %w", ErrSend, name, err)
	}
	telemetry.CounterGlobal("control_messages_sent", 1, map[string]string{"name": name})
	return nil
}
