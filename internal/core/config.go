package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/fleetagent/internal/fleet"
)

var ErrMissingToken = errors.New("config: agent token is required")

type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	SSH      SSHConfig      `yaml:"ssh"`
	Fleet    FleetConfig    `yaml:"fleet"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Store    StoreConfig    `yaml:"store"`
}

type AgentConfig struct {
	Token                 string `yaml:"token"`
	CoordinatorURL        string `yaml:"coordinator_url"`
	ReconnectDelaySeconds int    `yaml:"reconnect_delay_seconds"`
	HomeDir               string `yaml:"home_dir"`
	// StatusAddr is the loopback status server address; empty disables it.
	StatusAddr string `yaml:"status_addr"`
}

type SSHConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Port     int    `yaml:"port"`
	KeyPath  string `yaml:"key_path"`
	// KnownHosts is optional; without it any host key is accepted.
	KnownHosts     string `yaml:"known_hosts"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type DeployConfig struct {
	Artifact       string `yaml:"artifact"`
	RemoteDir      string `yaml:"remote_dir"`
	InstallScript  string `yaml:"install_script"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type FleetConfig struct {
	Subnet        string       `yaml:"subnet"`
	WindowSize    int          `yaml:"window_size"`
	Concurrency   int          `yaml:"concurrency"`
	ProbeCommand  string       `yaml:"probe_command"`
	ConfigCommand string       `yaml:"config_command"`
	RebootCommand string       `yaml:"reboot_command"`
	Service       string       `yaml:"service"`
	Deploy        DeployConfig `yaml:"deploy"`
}

type ScheduleConfig struct {
	// Probe is a six-field cron expression (with seconds); empty disables
	// the periodic sweep.
	Probe        string `yaml:"probe"`
	DrainSeconds int    `yaml:"drain_seconds"`
}

type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Agent: AgentConfig{
			CoordinatorURL:        "wss://omni.earthledger.com/websocket",
			ReconnectDelaySeconds: 10,
			HomeDir:               "~/.fleetagent",
			StatusAddr:            "127.0.0.1:8089",
		},
		SSH: SSHConfig{
			User:           "root",
			Port:           22,
			TimeoutSeconds: 5,
		},
		Fleet: FleetConfig{
			WindowSize:    10,
			Concurrency:   256,
			ProbeCommand:  "/opt/script/omni-collect.sh",
			ConfigCommand: "/opt/script/omni-config.sh",
			RebootCommand: "reboot",
			Service:       "miner",
			Deploy: DeployConfig{
				RemoteDir:      "/opt/omni",
				InstallScript:  "install.sh",
				TimeoutSeconds: 300,
			},
		},
		Schedule: ScheduleConfig{
			Probe:        "0 */2 * * * *",
			DrainSeconds: 30,
		},
		Store: StoreConfig{DSN: ":memory:"},
	}
}

// DefaultConfigPath resolves $XDG_CONFIG_HOME/fleetagent/config.yaml or
// ~/.config/fleetagent/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "fleetagent")
}

// LoadConfig reads YAML configuration from a path on top of Default. If path
// is empty the default location is used and a missing file is not an error.
// Values from secrets.env next to the file and from the environment win over
// the YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		log.Debug().Str("path", path).Msg("No config file, using defaults")
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	secrets, err := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	if err != nil {
		return cfg, err
	}
	cfg.applyOverrides(secrets)
	cfg.Agent.HomeDir = expandHome(cfg.Agent.HomeDir)
	cfg.SSH.KeyPath = expandHome(cfg.SSH.KeyPath)
	cfg.SSH.KnownHosts = expandHome(cfg.SSH.KnownHosts)
	cfg.Fleet.Deploy.Artifact = expandHome(cfg.Fleet.Deploy.Artifact)
	return cfg, nil
}

// applyOverrides merges secrets.env values, then the process environment.
func (c *Config) applyOverrides(secrets map[string]string) {
	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return secrets[key]
	}
	if v := lookup("AGENT_TOKEN"); v != "" {
		c.Agent.Token = v
	}
	if v := lookup("FLEET_SSH_PASSWORD"); v != "" {
		c.SSH.Password = v
	}
	if v := lookup("FLEET_SUBNET"); v != "" {
		c.Fleet.Subnet = v
	}
	if v := lookup("FLEETAGENT_HOME"); v != "" {
		c.Agent.HomeDir = v
	}
}

// Validate reports configuration that makes the agent unable to start.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Agent.Token) == "" {
		return ErrMissingToken
	}
	u, err := url.Parse(c.Agent.CoordinatorURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("config: coordinator_url must be a ws:// or wss:// URL, got %q", c.Agent.CoordinatorURL)
	}
	if c.Fleet.WindowSize <= 0 {
		return fmt.Errorf("config: fleet.window_size must be positive, got %d", c.Fleet.WindowSize)
	}
	if c.Fleet.Concurrency < 0 {
		return fmt.Errorf("config: fleet.concurrency must not be negative, got %d", c.Fleet.Concurrency)
	}
	if c.Fleet.Subnet != "" {
		if _, err := fleet.SubnetPrefix(c.Fleet.Subnet); err != nil {
			return fmt.Errorf("config: fleet.subnet: %w", err)
		}
	}
	if c.Agent.HomeDir == "" {
		return errors.New("config: agent.home_dir is required")
	}
	return nil
}

func (c Config) ReconnectDelay() time.Duration {
	return seconds(c.Agent.ReconnectDelaySeconds)
}

func (c Config) SSHTimeout() time.Duration { return seconds(c.SSH.TimeoutSeconds) }

func (c Config) DrainTimeout() time.Duration { return seconds(c.Schedule.DrainSeconds) }

// Auth is the fleet login derived from the ssh section.
func (c Config) Auth() fleet.Auth {
	return fleet.Auth{User: c.SSH.User, Password: c.SSH.Password, Port: c.SSH.Port}
}

// Catalog binds the configured remote commands and deploy layout.
func (c Config) Catalog() fleet.Catalog {
	return fleet.Catalog{
		ProbeCommand:  c.Fleet.ProbeCommand,
		ConfigCommand: c.Fleet.ConfigCommand,
		RebootCommand: c.Fleet.RebootCommand,
		Service:       c.Fleet.Service,
		Artifact:      c.Fleet.Deploy.Artifact,
		RemoteDir:     c.Fleet.Deploy.RemoteDir,
		InstallScript: c.Fleet.Deploy.InstallScript,
		DeployTimeout: seconds(c.Fleet.Deploy.TimeoutSeconds),
	}
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// String renders the config for debug logs with secrets masked.
func (c Config) String() string {
	masked := c
	masked.Agent.Token = mask(c.Agent.Token)
	masked.SSH.Password = mask(c.SSH.Password)
	out, err := yaml.Marshal(masked)
	if err != nil {
		return "config(" + strconv.Quote(err.Error()) + ")"
	}
	return string(out)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}
