package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/fleetagent/internal/agent"
	"github.com/3cpo-dev/fleetagent/internal/control"
	"github.com/3cpo-dev/fleetagent/internal/core"
	"github.com/3cpo-dev/fleetagent/internal/fleet"
	gssh "github.com/3cpo-dev/fleetagent/internal/ssh"
	"github.com/3cpo-dev/fleetagent/internal/telemetry"
	"github.com/3cpo-dev/fleetagent/internal/watch"
)

func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

// newExecutor wires the SSH runner and the shared worker pool.
func newExecutor(cfg core.Config) (*fleet.Executor, error) {
	signer, err := gssh.LoadPrivateKeySigner(cfg.SSH.KeyPath)
	if err != nil {
		return nil, err
	}
	kh, err := gssh.LoadKnownHostsCallback(cfg.SSH.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	if kh == nil {
		log.Warn().Msg("No known_hosts configured, accepting any host key")
	}
	runner := &gssh.Runner{Signer: signer, KnownHosts: kh, Timeout: cfg.SSHTimeout()}
	pool := fleet.NewPool(cfg.Fleet.Concurrency)
	return fleet.NewExecutor(runner, pool, cfg.Auth(), cfg.SSHTimeout()), nil
}

// startWatcher schedules the periodic sweep of the configured subnet.
func startWatcher(cfg core.Config, exec *fleet.Executor, store *core.Store) (*watch.Watcher, error) {
	w, err := watch.New(exec, cfg.Catalog().Probe(), cfg.Fleet.Subnet, cfg.Fleet.WindowSize, store)
	if err != nil {
		return nil, err
	}
	if err := w.Start(cfg.Schedule.Probe); err != nil {
		return nil, err
	}
	return w, nil
}

// Run the agent until interrupted
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the coordinator and serve fleet commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			home, err := core.Bootstrap(cfg.Agent.HomeDir)
			if err != nil {
				return err
			}
			logFile := addFileSink(home.LogFile())
			defer logFile.Close()
			log.Debug().Msg("Configuration:\n" + cfg.String())

			metrics := telemetry.InitGlobal(true, time.Minute)
			defer telemetry.Shutdown()

			store, err := core.NewStore(cfg.Store.DSN)
			if err != nil {
				return fmt.Errorf("open status store: %w", err)
			}
			defer store.Close()

			exec, err := newExecutor(cfg)
			if err != nil {
				return err
			}
			supervisor := &control.Supervisor{
				URL:     control.CoordinatorURL(cfg.Agent.CoordinatorURL, cfg.Agent.Token),
				Dialer:  control.WebsocketDialer{HandshakeTimeout: 10 * time.Second},
				Handler: control.NewDispatcher(exec, cfg.Catalog(), cfg.Fleet.WindowSize),
				Delay:   cfg.ReconnectDelay(),
			}

			var watcher *watch.Watcher
			if cfg.Fleet.Subnet != "" && cfg.Schedule.Probe != "" {
				watcher, err = startWatcher(cfg, exec, store)
				if err != nil {
					return err
				}
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				if err := supervisor.Run(ctx); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			if cfg.Agent.StatusAddr != "" {
				status := &agent.Server{Version: version, Channel: supervisor, Fleet: store, Metrics: metrics}
				g.Go(func() error { return status.ListenAndServe(cfg.Agent.StatusAddr) })
				g.Go(func() error {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return status.Shutdown(sctx)
				})
			}

			log.Info().Str("version", version).Msg("Agent started")
			err = g.Wait()
			if watcher != nil {
				watcher.Stop(cfg.DrainTimeout())
			}
			log.Info().Msg("Agent stopped")
			return err
		},
	}
}

// Probe a subnet once and print the machines found
func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan <ip>",
		Short: "Probe every host of the /24 containing ip and print the results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, err := fleet.SubnetPrefix(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			exec, err := newExecutor(cfg)
			if err != nil {
				return err
			}
			password, _ := cmd.Flags().GetString("password")
			outcome := exec.WithPassword(password).Execute(cmd.Context(), cfg.Catalog().Probe(), prefix, fleet.FullRange())
			log.Info().Str("subnet", prefix).Int("hosts", len(outcome.Succeeded)).Int("dropped", len(outcome.Dropped)).Msg("Scan complete")
			return printJSON(cmd, outcome.Machines())
		},
	}
	cmd.Flags().String("password", "", "SSH password override")
	return cmd
}

// Probe a single host
func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <ip>",
		Short: "Probe one host and print its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hosts := fleet.ValidHosts(args[:1])
			if len(hosts) == 0 {
				return fmt.Errorf("not an IPv4 address: %q", args[0])
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			exec, err := newExecutor(cfg)
			if err != nil {
				return err
			}
			password, _ := cmd.Flags().GetString("password")
			res := exec.WithPassword(password).One(cmd.Context(), cfg.Catalog().Probe(), hosts[0])
			if res.Err != nil {
				return fmt.Errorf("query %s: %w", hosts[0], res.Err)
			}
			return printJSON(cmd, res.Value)
		},
	}
	cmd.Flags().String("password", "", "SSH password override")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
