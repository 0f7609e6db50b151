// Package config defines the fully-populated configuration struct the core
// subsystems consume, and a thin TOML loader that produces it. Parsing the
// TOML itself is explicitly out of scope for the core (spec.md §1) — this
// package is the ambient CLI-layer boundary that turns a file on disk into
// the struct every other package depends on, the same separation
// arkeep/server/cmd/server/main.go draws between cobra flag parsing and the
// components it wires up.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the root configuration struct, matching spec.md §6 exactly.
type Config struct {
	Supervisor          SupervisorConfig          `toml:"supervisor"`
	Reconnect           ReconnectConfig           `toml:"reconnect"`
	MCP                 MCPConfig                 `toml:"mcp"`
	InteractiveTerminal ProcessServiceConfig      `toml:"interactive_terminal"`
	Dashboard           DashboardConfig           `toml:"dashboard"`
	BrainstormGUI       FormAppConfig             `toml:"brainstorm_gui"`
	ApprovalGUI         FormAppConfig             `toml:"approval_gui"`
}

// ControlTransport selects the NDJSON control-plane transport.
type ControlTransport string

const (
	TransportNamedPipe ControlTransport = "named_pipe"
	TransportTCP       ControlTransport = "tcp"
)

// SupervisorConfig is the `[supervisor]` table.
type SupervisorConfig struct {
	LogLevel          string           `toml:"log_level"`
	DataDir           string           `toml:"data_dir"`
	BindAddress       string           `toml:"bind_address"`
	ControlTransport  ControlTransport `toml:"control_transport"`
	ControlPipe       string           `toml:"control_pipe"`
	ControlTCPPort    int              `toml:"control_tcp_port"`
	TerminalWorkerAddr string          `toml:"terminal_worker_addr"`
	HeartbeatIntervalMs int            `toml:"heartbeat_interval_ms"`
}

func (s SupervisorConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMs) * time.Millisecond
}

// ReconnectConfig is the `[reconnect]` table, mapping onto backoff.Config.
type ReconnectConfig struct {
	InitialDelayMs int     `toml:"initial_delay_ms"`
	MaxDelayMs     int     `toml:"max_delay_ms"`
	Multiplier     float64 `toml:"multiplier"`
	MaxAttempts    int     `toml:"max_attempts"`
	JitterRatio    float64 `toml:"jitter_ratio"`
}

// Duration helpers so callers don't repeat millisecond-to-Duration math.
func (r ReconnectConfig) InitialDelay() time.Duration { return time.Duration(r.InitialDelayMs) * time.Millisecond }
func (r ReconnectConfig) MaxDelay() time.Duration     { return time.Duration(r.MaxDelayMs) * time.Millisecond }

// MCPBackend selects how the MCP service is launched.
type MCPBackend string

const (
	BackendNode      MCPBackend = "node"
	BackendContainer MCPBackend = "container"
)

// MCPConfig is the `[mcp]` table.
type MCPConfig struct {
	Enabled         bool            `toml:"enabled"`
	Port            int             `toml:"port"`
	HealthTimeoutMs int             `toml:"health_timeout_ms"`
	Backend         MCPBackend      `toml:"backend"`
	Node            NodeBackend     `toml:"node"`
	Container       ContainerBackend `toml:"container"`
	Pool            PoolConfig      `toml:"pool"`
	Runtime         RuntimeDispatcherConfig `toml:"runtime"`
}

// RuntimeDispatcherConfig is the `[mcp.runtime]` table: the separate
// runtime-execute subprocess McpRuntimeExec spawns fresh per call, distinct
// from the long-lived pool instances `[mcp.node]`/`[mcp.pool]` describe
// (original_source/supervisor/src/control/runtime/dispatcher.rs).
type RuntimeDispatcherConfig struct {
	Command                 string            `toml:"command"`
	Args                     []string          `toml:"args"`
	WorkingDir               string            `toml:"working_dir"`
	Env                      map[string]string `toml:"env"`
	Enabled                  bool              `toml:"enabled"`
	MaxConcurrency           int               `toml:"max_concurrency"`
	QueueLimit               int               `toml:"queue_limit"`
	QueueWaitTimeoutMs       int               `toml:"queue_wait_timeout_ms"`
	DefaultTimeoutMs         int               `toml:"default_timeout_ms"`
	PerSessionInflightLimit  int               `toml:"per_session_inflight_limit"`
	EnabledWaveCohorts       []string          `toml:"enabled_wave_cohorts"`
	HardStopGate             bool              `toml:"hard_stop_gate"`
}

func (m MCPConfig) HealthTimeout() time.Duration {
	return time.Duration(m.HealthTimeoutMs) * time.Millisecond
}

// NodeBackend is the `[mcp.node]` table — launch MCP as a local process.
type NodeBackend struct {
	Command    string            `toml:"command"`
	Args       []string          `toml:"args"`
	WorkingDir string            `toml:"working_dir"`
	Env        map[string]string `toml:"env"`
}

// ContainerBackend is the `[mcp.container]` table — launch MCP in a container.
type ContainerBackend struct {
	Engine        string   `toml:"engine"`
	Image         string   `toml:"image"`
	ContainerName string   `toml:"container_name"`
	Ports         []string `toml:"ports"`
	Labels        map[string]string `toml:"labels"`
}

// PoolConfig is the `[mcp.pool]` table.
type PoolConfig struct {
	BasePort                 int `toml:"base_port"`
	MinInstances             int `toml:"min_instances"`
	MaxInstances             int `toml:"max_instances"`
	MaxConnectionsPerInstance int `toml:"max_connections_per_instance"`
}

// ProcessServiceConfig describes a simple managed process service
// (interactive_terminal).
type ProcessServiceConfig struct {
	Enabled    bool              `toml:"enabled"`
	Port       int               `toml:"port"`
	Command    string            `toml:"command"`
	Args       []string          `toml:"args"`
	WorkingDir string            `toml:"working_dir"`
	Env        map[string]string `toml:"env"`
}

// DashboardConfig is the `[dashboard]` table.
type DashboardConfig struct {
	ProcessServiceConfig
	RequiresMCP bool   `toml:"requires_mcp"`
	StaticDir   string `toml:"static_dir"`
}

// LaunchMode selects how a form-app GUI helper window is presented.
// Out of scope for the core — passed through opaquely to the GUI bridge.
type LaunchMode string

// FormAppConfig is the `[brainstorm_gui]`/`[approval_gui]` tables.
type FormAppConfig struct {
	Enabled       bool              `toml:"enabled"`
	Command       string            `toml:"command"`
	Args          []string          `toml:"args"`
	WorkingDir    string            `toml:"working_dir"`
	Env           map[string]string `toml:"env"`
	LaunchMode    LaunchMode        `toml:"launch_mode"`
	TimeoutSecs   int               `toml:"timeout_seconds"`
	WindowWidth   int               `toml:"window_width"`
	WindowHeight  int               `toml:"window_height"`
	AlwaysOnTop   bool              `toml:"always_on_top"`
}

func (f FormAppConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSecs) * time.Second
}

// Load reads and decodes the TOML file at path into a Config, then applies
// defaults for anything the file leaves zero-valued.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults fills in zero-valued fields with sane defaults so a minimal
// config file (or one written before a field existed) still works.
func applyDefaults(cfg *Config) {
	if cfg.Supervisor.LogLevel == "" {
		cfg.Supervisor.LogLevel = "info"
	}
	if cfg.Supervisor.DataDir == "" {
		cfg.Supervisor.DataDir = "."
	}
	if cfg.Supervisor.ControlTransport == "" {
		cfg.Supervisor.ControlTransport = TransportTCP
	}
	if cfg.Supervisor.TerminalWorkerAddr == "" {
		cfg.Supervisor.TerminalWorkerAddr = "127.0.0.1:7801"
	}
	if cfg.Supervisor.HeartbeatIntervalMs == 0 {
		cfg.Supervisor.HeartbeatIntervalMs = 15000
	}
	if cfg.Reconnect.InitialDelayMs == 0 {
		cfg.Reconnect.InitialDelayMs = 1000
	}
	if cfg.Reconnect.MaxDelayMs == 0 {
		cfg.Reconnect.MaxDelayMs = 60000
	}
	if cfg.Reconnect.Multiplier == 0 {
		cfg.Reconnect.Multiplier = 2.0
	}
	if cfg.Reconnect.JitterRatio == 0 {
		cfg.Reconnect.JitterRatio = 0.2
	}
	if cfg.MCP.HealthTimeoutMs == 0 {
		cfg.MCP.HealthTimeoutMs = 2000
	}
	if cfg.MCP.Pool.MinInstances == 0 {
		cfg.MCP.Pool.MinInstances = 1
	}
	if cfg.MCP.Pool.MaxInstances == 0 {
		cfg.MCP.Pool.MaxInstances = cfg.MCP.Pool.MinInstances
	}
	if cfg.MCP.Pool.MaxConnectionsPerInstance == 0 {
		cfg.MCP.Pool.MaxConnectionsPerInstance = 10
	}
	for _, f := range []*FormAppConfig{&cfg.BrainstormGUI, &cfg.ApprovalGUI} {
		if f.TimeoutSecs == 0 {
			f.TimeoutSecs = 60
		}
	}
	if cfg.MCP.Runtime.MaxConcurrency == 0 {
		cfg.MCP.Runtime.MaxConcurrency = 4
	}
	if cfg.MCP.Runtime.QueueLimit == 0 {
		cfg.MCP.Runtime.QueueLimit = 16
	}
	if cfg.MCP.Runtime.QueueWaitTimeoutMs == 0 {
		cfg.MCP.Runtime.QueueWaitTimeoutMs = 2000
	}
	if cfg.MCP.Runtime.DefaultTimeoutMs == 0 {
		cfg.MCP.Runtime.DefaultTimeoutMs = 30000
	}
	if cfg.MCP.Runtime.PerSessionInflightLimit == 0 {
		cfg.MCP.Runtime.PerSessionInflightLimit = 2
	}
}
