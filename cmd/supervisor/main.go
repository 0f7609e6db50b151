// Command supervisor is the pm-supervisor binary: it loads a TOML config,
// acquires the single-instance lock, brings up the registry, the service
// runners, the MCP pool, the reverse proxy, the NDJSON control plane, and
// the terminal-worker listener, then waits for a shutdown signal. The
// cobra root-command-plus-numbered-setup-blocks shape follows
// arkeep/server/cmd/server/main.go, generalized from a single HTTP+gRPC
// pair to this supervisor's larger set of subsystems.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ds-codi/pm-supervisor/internal/bridge"
	"github.com/ds-codi/pm-supervisor/internal/config"
	"github.com/ds-codi/pm-supervisor/internal/control"
	"github.com/ds-codi/pm-supervisor/internal/controlplane"
	"github.com/ds-codi/pm-supervisor/internal/executor"
	"github.com/ds-codi/pm-supervisor/internal/formapp"
	"github.com/ds-codi/pm-supervisor/internal/lock"
	"github.com/ds-codi/pm-supervisor/internal/mcppool"
	"github.com/ds-codi/pm-supervisor/internal/mcpruntime"
	"github.com/ds-codi/pm-supervisor/internal/metrics"
	"github.com/ds-codi/pm-supervisor/internal/outputstore"
	"github.com/ds-codi/pm-supervisor/internal/proxy"
	"github.com/ds-codi/pm-supervisor/internal/redact"
	"github.com/ds-codi/pm-supervisor/internal/registry"
	"github.com/ds-codi/pm-supervisor/internal/runner"
	"github.com/ds-codi/pm-supervisor/internal/savedcommands"
	"github.com/ds-codi/pm-supervisor/internal/terminalworker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	configPath string
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "pm-supervisor",
		Short: "pm-supervisor — desktop supervisor for the developer-assistant platform",
		Long: `pm-supervisor brings up and supervises the MCP tool server, the
interactive-terminal worker, the dashboard, and the on-demand GUI form
helpers it coordinates, exposing an NDJSON control plane for the
desktop shell that drives it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := run(cmd.Context(), cfg); err != nil {
				return err
			}
			return nil
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.configPath, "config", defaultConfigPath(), "path to TOML config")
	root.PersistentFlags().BoolVar(&cfg.debug, "debug", false, "verbose logging and console visibility")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pm-supervisor %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// defaultConfigPath mirrors spec.md §6's "OS-appropriate app-data
// directory" default.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "pm-supervisor", "config.toml")
}

func run(ctx context.Context, cli *cliConfig) error {
	cfg, err := config.Load(cli.configPath)
	if err != nil {
		// spec.md §6: exit code 1 on config load failure.
		return fmt.Errorf("config load failed: %w", err)
	}

	logLevel := cfg.Supervisor.LogLevel
	if cli.debug {
		logLevel = "debug"
	}
	logger, err := buildLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting pm-supervisor",
		zap.String("version", version),
		zap.String("data_dir", cfg.Supervisor.DataDir),
		zap.String("control_transport", string(cfg.Supervisor.ControlTransport)),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Single-instance lock ---
	lockPath := filepath.Join(cfg.Supervisor.DataDir, "supervisor.lock")
	guard, err := lock.Acquire(lockPath, cfg.Supervisor.HeartbeatInterval(), logger)
	if err != nil {
		return fmt.Errorf("failed to acquire single-instance lock: %w", err)
	}
	defer guard.Stop()

	// --- 2. Registry, metrics, bridge ---
	reg := registry.New(logger)
	reg.SetActiveBackend(string(cfg.MCP.Backend))
	metricsReg := metrics.New()
	guiBridge := bridge.NewLoggingBridge(logger)

	// --- 3. Disk-backed stores ---
	outStore, err := outputstore.New(filepath.Join(cfg.Supervisor.DataDir, "command_output"))
	if err != nil {
		return fmt.Errorf("failed to open command output store: %w", err)
	}
	savedStore, err := savedcommands.New(filepath.Join(cfg.Supervisor.DataDir, "saved_commands"))
	if err != nil {
		return fmt.Errorf("failed to open saved-commands store: %w", err)
	}

	// --- 4. Command executor ---
	exec := executor.New(executor.Config{
		Store:  outStore,
		Bridge: guiBridge,
		Logger: logger,
	})

	// --- 5. Service runners (interactive_terminal, dashboard) ---
	runners := map[string]runner.Runner{}
	if cfg.InteractiveTerminal.Enabled {
		runners["interactive_terminal"] = runner.NewProcessRunner(runner.ProcessConfig{
			Command:    cfg.InteractiveTerminal.Command,
			Args:       cfg.InteractiveTerminal.Args,
			WorkingDir: cfg.InteractiveTerminal.WorkingDir,
			Env:        envPairs(cfg.InteractiveTerminal.Env),
			Endpoint:   fmt.Sprintf("http://127.0.0.1:%d", cfg.InteractiveTerminal.Port),
		})
	}
	if cfg.Dashboard.Enabled {
		runners["dashboard"] = runner.NewProcessRunner(runner.ProcessConfig{
			Command:    cfg.Dashboard.Command,
			Args:       cfg.Dashboard.Args,
			WorkingDir: cfg.Dashboard.WorkingDir,
			Env:        envPairs(cfg.Dashboard.Env),
			Endpoint:   fmt.Sprintf("http://127.0.0.1:%d", cfg.Dashboard.Port),
		})
	}

	// --- 6. MCP: pool (node backend) or a single container runner ---
	pool := mcppool.New(mcppool.Config{
		BasePort:                  cfg.MCP.Pool.BasePort,
		MinInstances:              cfg.MCP.Pool.MinInstances,
		MaxInstances:              cfg.MCP.Pool.MaxInstances,
		MaxConnectionsPerInstance: cfg.MCP.Pool.MaxConnectionsPerInstance,
		Command:                   cfg.MCP.Node.Command,
		BaseArgs:                  cfg.MCP.Node.Args,
		WorkingDir:                cfg.MCP.Node.WorkingDir,
		Env:                       envPairs(cfg.MCP.Node.Env),
		HealthTimeout:             cfg.MCP.HealthTimeout(),
		RefreshInterval:           5 * time.Second,
	}, logger)

	var mcpContainerRunner runner.Runner
	if cfg.MCP.Enabled {
		switch cfg.MCP.Backend {
		case config.BackendContainer:
			cr, err := runner.NewContainerRunner(runner.ContainerConfig{
				Image:         cfg.MCP.Container.Image,
				ContainerName: cfg.MCP.Container.ContainerName,
				Labels:        cfg.MCP.Container.Labels,
				Ports:         cfg.MCP.Container.Ports,
				FallbackURL:   fmt.Sprintf("http://127.0.0.1:%d", cfg.MCP.Port),
			})
			if err != nil {
				return fmt.Errorf("failed to build mcp container runner: %w", err)
			}
			mcpContainerRunner = cr
			if err := cr.Start(ctx); err != nil {
				reg.RecordError("mcp", err.Error())
				logger.Warn("mcp container start failed", zap.Error(err))
			} else {
				reg.SetStatus("mcp", registry.Running, 0)
			}
		default: // config.BackendNode
			if err := pool.Startup(ctx); err != nil {
				return fmt.Errorf("failed to start mcp pool: %w", err)
			}
			if err := pool.Begin(ctx); err != nil {
				return fmt.Errorf("failed to start mcp pool health sweep: %w", err)
			}
			reg.SetStatus("mcp", registry.Running, 0)
		}
	}

	// --- 6b. MCP runtime-execute subprocess dispatcher (separate from the
	// pool above: McpRuntimeExec spawns its own process per call) ---
	runtimeDispatcher := mcpruntime.New(mcpruntime.Config{
		Command:                 cfg.MCP.Runtime.Command,
		Args:                    cfg.MCP.Runtime.Args,
		WorkingDir:              cfg.MCP.Runtime.WorkingDir,
		Env:                     envPairs(cfg.MCP.Runtime.Env),
		RuntimeEnabled:          cfg.MCP.Runtime.Enabled,
		MaxConcurrency:          cfg.MCP.Runtime.MaxConcurrency,
		QueueLimit:              cfg.MCP.Runtime.QueueLimit,
		QueueWaitTimeout:        time.Duration(cfg.MCP.Runtime.QueueWaitTimeoutMs) * time.Millisecond,
		DefaultTimeout:          time.Duration(cfg.MCP.Runtime.DefaultTimeoutMs) * time.Millisecond,
		PerSessionInflightLimit: cfg.MCP.Runtime.PerSessionInflightLimit,
		EnabledWaveCohorts:      cfg.MCP.Runtime.EnabledWaveCohorts,
		HardStopGate:            cfg.MCP.Runtime.HardStopGate,
	}, logger)
	reg.SetRuntimePolicy(registry.RuntimePolicy{
		Enabled:      cfg.MCP.Runtime.Enabled,
		WaveCohorts:  cfg.MCP.Runtime.EnabledWaveCohorts,
		HardStopGate: cfg.MCP.Runtime.HardStopGate,
	})

	// --- 7. Reverse proxy ---
	rp := proxy.New(proxy.Config{
		BindAddress:     cfg.Supervisor.BindAddress,
		BasePort:        cfg.MCP.Pool.BasePort,
		MCPProxyPort:    cfg.MCP.Port,
		DispatchPort:    pool.LeastLoadedPort,
		PoolInstances:   func() int { return len(pool.Snapshot()) },
		MCPHealthy:      func() bool { return mcpHealthy(pool) },
		HeartbeatPeriod: 10 * time.Second,
		EventsEnabled:   true,
		MetricsHandler:  metricsReg.Handler(),
	}, logger)
	if err := rp.Start(); err != nil {
		return fmt.Errorf("failed to start reverse proxy: %w", err)
	}
	rp.BeginHeartbeat(ctx)

	// --- 8. Form-app launcher ---
	launcher := formapp.New(logger)
	formApps := control.FormApps{
		"brainstorm_gui": cfg.BrainstormGUI,
		"approval_gui":   cfg.ApprovalGUI,
	}

	// --- 9. Control handler + NDJSON control plane ---
	var shutdownOnce sync.Once
	handler := control.New(control.Config{
		InstanceID:         instanceID(),
		Mode:               string(cfg.MCP.Backend),
		EventsEnabled:      true,
		EventsURL:          fmt.Sprintf("http://%s/supervisor/events", cfg.Supervisor.BindAddress),
		Registry:           reg,
		Runners:            runners,
		Pool:               pool,
		MCPContainerRunner: mcpContainerRunner,
		RuntimeDispatcher:  runtimeDispatcher,
		Launcher:           launcher,
		FormApps:           formApps,
		Metrics:            metricsReg,
		Events:             rp,
		Shutdown:           func() { shutdownOnce.Do(cancel) },
		Logger:             logger,
	})

	controlSrv := controlplane.NewServer(controlplane.Config{
		Transport:  controlplane.Transport(cfg.Supervisor.ControlTransport),
		PipePath:   cfg.Supervisor.ControlPipe,
		TCPAddress: fmt.Sprintf("127.0.0.1:%d", cfg.Supervisor.ControlTCPPort),
		Logger:     logger,
	}, handler.Handle)
	if err := controlSrv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}

	// --- 10. Terminal-worker listener ---
	twSrv := terminalworker.New(terminalworker.Config{
		ListenAddr:        cfg.Supervisor.TerminalWorkerAddr,
		Executor:          exec,
		SavedCommands:     savedStore,
		HeartbeatInterval: cfg.Supervisor.HeartbeatInterval(),
		Logger:            logger,
	})
	if err := twSrv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start terminal-worker listener: %w", err)
	}

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down pm-supervisor")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := rp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("reverse proxy shutdown error", zap.Error(err))
	}
	controlSrv.Stop()
	twSrv.Stop()
	pool.Stop(shutdownCtx)
	if mcpContainerRunner != nil {
		if err := mcpContainerRunner.Stop(shutdownCtx); err != nil {
			logger.Warn("mcp container stop error", zap.Error(err))
		}
	}
	for name, r := range runners {
		if err := r.Stop(shutdownCtx); err != nil {
			logger.Warn("runner stop error", zap.String("service", name), zap.Error(err))
		}
	}

	logger.Info("pm-supervisor stopped")
	return nil
}

func mcpHealthy(pool *mcppool.Pool) bool {
	for _, inst := range pool.Snapshot() {
		if inst.Healthy {
			return true
		}
	}
	return false
}

// envPairs turns a config map into "KEY=VALUE" pairs, the shape
// runner.ProcessConfig.Env and mcppool.Config.Env expect.
func envPairs(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// instanceID identifies this supervisor process to WhoAmI callers; the
// pid is stable for the process lifetime and distinguishes concurrent
// test/dev runs on the same host.
func instanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func buildLogger(level string) (*zap.Logger, error) {
	var zcfg zap.Config
	if level == "debug" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zcfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zcfg.EncoderConfig),
		redact.NewWriter(zapcore.Lock(os.Stdout)),
		zcfg.Level,
	)
	return zap.New(core, zap.AddCaller()), nil
}
