package fleet

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/alessio/shellescape"

	gssh "github.com/3cpo-dev/fleetagent/internal/ssh"
	"github.com/3cpo-dev/fleetagent/pkg/api"
)

// Kind names an operation in logs and metrics.
type Kind string

const (
	KindProbe          Kind = "probe"
	KindDeploy         Kind = "deploy"
	KindReboot         Kind = "reboot"
	KindRestartService Kind = "restart_service"
	KindConfigure      Kind = "configure"
)

// Runner executes one remote command or file transfer against one host.
// It has no concurrency of its own.
type Runner interface {
	Run(ctx context.Context, ep gssh.Endpoint, command string) (string, error)
	Push(ctx context.Context, ep gssh.Endpoint, localPath, remotePath string) error
}

// Operation is the closed set of things a sweep can do to a host. Values
// are immutable once built.
type Operation interface {
	Kind() Kind
	apply(ctx context.Context, r Runner, ep gssh.Endpoint) (any, error)
}

// Probe runs the collector script and yields an api.Machine.
type Probe struct {
	Command string
}

func (Probe) Kind() Kind { return KindProbe }

func (p Probe) apply(ctx context.Context, r Runner, ep gssh.Endpoint) (any, error) {
	start := time.Now()
	out, err := r.Run(ctx, ep, p.Command)
	if err != nil {
		return nil, err
	}
	m := ParseMachine(ep.Host, out)
	m.ElapsedMs = time.Since(start).Milliseconds()
	return m, nil
}

// Deploy transfers a bundle, extracts it and runs its install script. The
// steps stop at the first failure.
type Deploy struct {
	Version   string
	Address   string
	Artifact  string
	RemoteDir string
	Script    string
	Timeout   time.Duration
}

func (Deploy) Kind() Kind { return KindDeploy }

func (d Deploy) hostTimeout() time.Duration { return d.Timeout }

// StagedPath is where the bundle lands before extraction.
func (d Deploy) StagedPath() string {
	return path.Join("/tmp", filepath.Base(d.Artifact))
}

func (d Deploy) ExtractCommand() string {
	dir := shellescape.Quote(d.RemoteDir)
	return fmt.Sprintf("mkdir -p %s && tar -xzf %s -C %s", dir, shellescape.Quote(d.StagedPath()), dir)
}

func (d Deploy) InstallCommand() string {
	return strings.Join([]string{
		shellescape.Quote(path.Join(d.RemoteDir, d.Script)),
		shellescape.Quote(d.Version),
		shellescape.Quote(d.Address),
	}, " ")
}

func (d Deploy) apply(ctx context.Context, r Runner, ep gssh.Endpoint) (any, error) {
	if err := r.Push(ctx, ep, d.Artifact, d.StagedPath()); err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	if _, err := r.Run(ctx, ep, d.ExtractCommand()); err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	if _, err := r.Run(ctx, ep, d.InstallCommand()); err != nil {
		return nil, fmt.Errorf("install: %w", err)
	}
	return struct{}{}, nil
}

type Reboot struct {
	Command string
}

func (Reboot) Kind() Kind { return KindReboot }

func (o Reboot) apply(ctx context.Context, r Runner, ep gssh.Endpoint) (any, error) {
	if _, err := r.Run(ctx, ep, o.Command); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

type RestartService struct {
	Service string
}

func (RestartService) Kind() Kind { return KindRestartService }

func (o RestartService) Command() string {
	return "systemctl restart " + shellescape.Quote(o.Service)
}

func (o RestartService) apply(ctx context.Context, r Runner, ep gssh.Endpoint) (any, error) {
	if _, err := r.Run(ctx, ep, o.Command()); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// Configure rewrites the pool list and mode of a host.
type Configure struct {
	Script string
	Pools  []api.Pool
	Mode   string
}

func (Configure) Kind() Kind { return KindConfigure }

func (o Configure) Command() string {
	args := []string{o.Script}
	if o.Mode != "" {
		args = append(args, "--mode", shellescape.Quote(o.Mode))
	}
	for _, p := range o.Pools {
		args = append(args,
			"--pool", shellescape.Quote(p.URL),
			"--user", shellescape.Quote(p.User),
			"--pass", shellescape.Quote(p.Pass),
		)
	}
	return strings.Join(args, " ")
}

func (o Configure) apply(ctx context.Context, r Runner, ep gssh.Endpoint) (any, error) {
	if _, err := r.Run(ctx, ep, o.Command()); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// Catalog builds operations from the configured remote commands.
type Catalog struct {
	ProbeCommand  string
	ConfigCommand string
	RebootCommand string
	Service       string
	Artifact      string
	RemoteDir     string
	InstallScript string
	DeployTimeout time.Duration
}

func (c Catalog) Probe() Probe { return Probe{Command: c.ProbeCommand} }

func (c Catalog) Deploy(version, address string) Deploy {
	return Deploy{
		Version:   version,
		Address:   address,
		Artifact:  c.Artifact,
		RemoteDir: c.RemoteDir,
		Script:    c.InstallScript,
		Timeout:   c.DeployTimeout,
	}
}

func (c Catalog) Reboot() Reboot { return Reboot{Command: c.RebootCommand} }

func (c Catalog) RestartService() RestartService { return RestartService{Service: c.Service} }

func (c Catalog) Configure(pools []api.Pool, mode string) Configure {
	return Configure{Script: c.ConfigCommand, Pools: pools, Mode: mode}
}
