// Package mcppool implements the MCP instance pool of spec.md §4.E: a set
// of process-runner-backed MCP servers that scale with load and respawn on
// failure. The periodic health-refresh tick is a gocron job, the same way
// arkeep/server/internal/scheduler/scheduler.go wraps gocron.Scheduler —
// generalized here from cron-expression backup jobs to a fixed-interval
// health sweep. Each instance's underlying process is a
// runner.ProcessRunner.
package mcppool

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/ds-codi/pm-supervisor/internal/runner"
)

// Config mirrors spec.md §4.E's pool config.
type Config struct {
	BasePort                  int
	MinInstances              int
	MaxInstances              int
	MaxConnectionsPerInstance int

	Command    string
	BaseArgs   []string
	WorkingDir string
	Env        []string

	HealthTimeout   time.Duration
	RefreshInterval time.Duration
}

// Instance is one pool member.
type Instance struct {
	Port              int
	Runner            *runner.ProcessRunner
	Healthy           bool
	ConsecutiveFails  int
	ConnectionCount   int
}

// ConnectionInfo is the minimal per-connection view maybeScaleUp needs to
// recompute per-instance load, supplied by whatever owns the live MCP
// client/session list (spec.md §4.E).
type ConnectionInfo struct {
	InstancePort int
}

// Pool manages the running set of MCP instances.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	instances []*Instance

	cron gocron.Scheduler
}

// New builds a Pool. Call Startup to reclaim squatted ports and spawn the
// minimum instance count, then Begin to start the periodic health sweep.
func New(cfg Config, logger *zap.Logger) *Pool {
	return &Pool{cfg: cfg, logger: logger.Named("mcppool")}
}

// Startup reclaims any process already listening on the pool's target
// ports (orphans from a crashed prior run) and spawns MinInstances fresh
// process runners, per spec.md §4.E steps 1-3.
func (p *Pool) Startup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.cfg.MinInstances; i++ {
		port := p.cfg.BasePort + i
		reclaimPort(port, p.logger)
		inst, err := p.spawnLocked(ctx, port)
		if err != nil {
			return fmt.Errorf("mcppool: failed to spawn instance on port %d: %w", port, err)
		}
		p.instances = append(p.instances, inst)
	}
	return nil
}

// Begin starts the periodic health-refresh tick using gocron, the same
// wrapper shape scheduler.Scheduler uses for its own gocron.Scheduler.
func (p *Pool) Begin(ctx context.Context) error {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("mcppool: failed to create scheduler: %w", err)
	}
	interval := p.cfg.RefreshInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	_, err = cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { p.refreshHealth(ctx) }),
	)
	if err != nil {
		return fmt.Errorf("mcppool: failed to schedule health refresh: %w", err)
	}
	p.cron = cron
	cron.Start()
	return nil
}

// Stop halts the health-refresh scheduler and every managed instance.
func (p *Pool) Stop(ctx context.Context) {
	if p.cron != nil {
		_ = p.cron.Shutdown()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.instances {
		_ = inst.Runner.Stop(ctx)
	}
}

// Snapshot returns a copy of the current instance list for ListMcpInstances.
func (p *Pool) Snapshot() []Instance {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Instance, len(p.instances))
	for i, inst := range p.instances {
		out[i] = *inst
	}
	return out
}

// refreshHealth probes every instance; two consecutive failures, or a dead
// child process, triggers a respawn on the same port (spec.md §4.E).
func (p *Pool) refreshHealth(ctx context.Context) {
	p.mu.Lock()
	instances := append([]*Instance(nil), p.instances...)
	p.mu.Unlock()

	for _, inst := range instances {
		state := inst.Runner.HealthProbe(ctx, p.cfg.HealthTimeout)
		dead := !inst.Runner.Status()

		p.mu.Lock()
		if state.Healthy && !dead {
			inst.Healthy = true
			inst.ConsecutiveFails = 0
		} else {
			inst.ConsecutiveFails++
			if dead || inst.ConsecutiveFails >= 2 {
				p.logger.Warn("respawning unhealthy mcp instance",
					zap.Int("port", inst.Port),
					zap.Bool("dead", dead),
					zap.Int("consecutive_fails", inst.ConsecutiveFails),
				)
				inst.ConsecutiveFails = 0
				inst.Healthy = false
				_ = inst.Runner.Stop(ctx)
				newRunner := runner.NewProcessRunner(p.processConfig(inst.Port))
				inst.Runner = newRunner
				if err := newRunner.Start(ctx); err != nil {
					p.logger.Error("failed to respawn mcp instance", zap.Int("port", inst.Port), zap.Error(err))
				}
			}
		}
		p.mu.Unlock()
	}
}

// MaybeScaleUp recomputes per-instance connection counts from conns and
// spawns one more instance iff every existing instance is at or above
// MaxConnectionsPerInstance and there is room under MaxInstances. Returns
// whether a scale-up occurred.
func (p *Pool) MaybeScaleUp(ctx context.Context, conns []ConnectionInfo) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := make(map[int]int)
	for _, c := range conns {
		counts[c.InstancePort]++
	}
	for _, inst := range p.instances {
		inst.ConnectionCount = counts[inst.Port]
	}

	if len(p.instances) >= p.cfg.MaxInstances {
		return false, nil
	}
	for _, inst := range p.instances {
		if inst.ConnectionCount < p.cfg.MaxConnectionsPerInstance {
			return false, nil
		}
	}

	inst, err := p.spawnLocked(ctx, p.cfg.BasePort+len(p.instances))
	if err != nil {
		return false, err
	}
	p.instances = append(p.instances, inst)
	return true, nil
}

// ForceScaleUp spawns unconditionally, erroring at MaxInstances.
func (p *Pool) ForceScaleUp(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.instances) >= p.cfg.MaxInstances {
		return runner.ErrMaxInstances
	}
	inst, err := p.spawnLocked(ctx, p.cfg.BasePort+len(p.instances))
	if err != nil {
		return err
	}
	p.instances = append(p.instances, inst)
	return nil
}

// LeastLoadedPort returns the port of the instance with the minimum
// ConnectionCount, ties broken by lowest port; falls back to BasePort if
// the pool is empty (spec.md §4.E).
func (p *Pool) LeastLoadedPort() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.instances) == 0 {
		return p.cfg.BasePort
	}
	sorted := append([]*Instance(nil), p.instances...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ConnectionCount != sorted[j].ConnectionCount {
			return sorted[i].ConnectionCount < sorted[j].ConnectionCount
		}
		return sorted[i].Port < sorted[j].Port
	})
	return sorted[0].Port
}

func (p *Pool) spawnLocked(ctx context.Context, port int) (*Instance, error) {
	pCfg := p.processConfig(port)
	r := runner.NewProcessRunner(pCfg)
	if err := r.Start(ctx); err != nil {
		return nil, err
	}
	return &Instance{Port: port, Runner: r}, nil
}

func (p *Pool) processConfig(port int) runner.ProcessConfig {
	args := append([]string{}, p.cfg.BaseArgs...)
	args = append(args, "--transport", "streamable-http", "--port", fmt.Sprintf("%d", port))
	env := append([]string{}, p.cfg.Env...)
	env = append(env, fmt.Sprintf("MCP_PORT=%d", port))
	return runner.ProcessConfig{
		Command:    p.cfg.Command,
		Args:       args,
		WorkingDir: p.cfg.WorkingDir,
		Env:        env,
		Endpoint:   fmt.Sprintf("http://127.0.0.1:%d", port),
	}
}

// reclaimPort kills whatever process is listening on port, reclaiming
// orphans left behind by a crashed prior supervisor run (spec.md §4.E
// step 2). Best-effort: failures are logged, not returned, since a clean
// port (the common case) is indistinguishable from a failed reclaim
// without a live listener to confirm against.
func reclaimPort(port int, logger *zap.Logger) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
	if err != nil {
		return // nothing listening
	}
	conn.Close()

	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		logger.Warn("failed to enumerate tcp connections for port reclaim", zap.Int("port", port), zap.Error(err))
		return
	}
	for _, c := range conns {
		if int(c.Laddr.Port) != port || c.Pid <= 0 {
			continue
		}
		proc, err := process.NewProcess(c.Pid)
		if err != nil {
			continue
		}
		if err := proc.Kill(); err != nil {
			logger.Warn("failed to kill port squatter", zap.Int("port", port), zap.Int32("pid", c.Pid), zap.Error(err))
			continue
		}
		logger.Info("reclaimed squatted port", zap.Int("port", port), zap.Int32("pid", c.Pid))
	}
}
