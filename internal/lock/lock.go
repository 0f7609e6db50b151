// Package lock implements the single-instance lock described in spec.md
// §3/§4.B: an atomic exclusive lock file with heartbeat, stale detection,
// and automatic reclaim. The on-disk write/read pattern (marshal JSON,
// write to a temp file, rename into place) is the same one
// arkeep/agent/internal/connection/manager.go uses for agent-state.json;
// the pid-liveness check that decides staleness uses gopsutil/process
// instead of a platform-specific syscall, since the lock must behave
// identically on Linux, macOS, and Windows.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Data is the on-disk lock file contents (spec.md §3 LockData).
type Data struct {
	PID           int   `json:"pid"`
	StartedAt     int64 `json:"started_at"`
	LastHeartbeat int64 `json:"last_heartbeat"`
}

// Outcome classifies the result of an acquisition attempt.
type Outcome int

const (
	Acquired Outcome = iota
	AlreadyRunning
	Stale
)

// ErrAlreadyRunning is returned by Acquire (not TryAcquire) when another
// live instance holds the lock; OwnerPID identifies it for a clear error
// message per spec.md §7 LockContention.
type ErrAlreadyRunning struct {
	OwnerPID int
}

func (e *ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("lock: another instance is already running (pid %d)", e.OwnerPID)
}

// Guard is the RAII-style handle returned by a successful Acquire. Stop
// halts the heartbeat loop and removes the lock file (best-effort — a
// crash before Stop runs leaves the file to be reclaimed as Stale on the
// next launch, within 2×interval).
type Guard struct {
	path     string
	interval time.Duration
	logger   *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Acquire wraps TryAcquire: on Stale it deletes the file and retries once,
// as spec.md §4.B describes. Returns ErrAlreadyRunning if another live
// instance holds the lock.
func Acquire(path string, interval time.Duration, logger *zap.Logger) (*Guard, error) {
	outcome, data, err := TryAcquire(path, interval)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case Acquired:
		return startGuard(path, interval, logger), nil
	case Stale:
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("lock: failed to remove stale lock file: %w", err)
		}
		outcome, data, err = TryAcquire(path, interval)
		if err != nil {
			return nil, err
		}
		if outcome != Acquired {
			return nil, &ErrAlreadyRunning{OwnerPID: data.PID}
		}
		return startGuard(path, interval, logger), nil
	default: // AlreadyRunning
		return nil, &ErrAlreadyRunning{OwnerPID: data.PID}
	}
}

// TryAcquire performs one acquisition attempt without retrying on Stale,
// per spec.md §4.B steps 1-4.
func TryAcquire(path string, interval time.Duration) (Outcome, Data, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, Data{}, fmt.Errorf("lock: failed to create parent dir: %w", err)
	}

	now := time.Now().Unix()
	data := Data{PID: os.Getpid(), StartedAt: now, LastHeartbeat: now}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err == nil {
		defer f.Close()
		if err := json.NewEncoder(f).Encode(data); err != nil {
			return 0, Data{}, fmt.Errorf("lock: failed to write lock file: %w", err)
		}
		return Acquired, data, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return 0, Data{}, fmt.Errorf("lock: failed to create lock file: %w", err)
	}

	// Already exists — read and classify.
	existing, readErr := readData(path)
	if readErr != nil {
		// Corrupt or empty file.
		return Stale, Data{}, nil
	}

	if isStale(existing, interval) {
		return Stale, existing, nil
	}
	return AlreadyRunning, existing, nil
}

func readData(path string) (Data, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Data{}, err
	}
	if len(raw) == 0 {
		return Data{}, errors.New("lock: empty lock file")
	}
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return Data{}, fmt.Errorf("lock: corrupt lock file: %w", err)
	}
	return data, nil
}

// isStale implements spec.md §4.B/§8: stale iff the heartbeat is older than
// 2×interval AND the recorded pid is not alive. A heartbeat aged exactly
// 1.5×interval must never be classified stale regardless of pid liveness.
func isStale(d Data, interval time.Duration) bool {
	age := time.Since(time.Unix(d.LastHeartbeat, 0))
	if age <= 2*interval {
		return false
	}
	return !pidAlive(d.PID)
}

// pidAlive uses gopsutil so the check behaves the same on every supported
// OS instead of branching on syscalls per platform.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		// Treat an inconclusive check as "alive" — the conservative choice
		// for a staleness decision that, if wrong, could let two
		// supervisors run concurrently.
		return true
	}
	return exists
}

func startGuard(path string, interval time.Duration, logger *zap.Logger) *Guard {
	g := &Guard{
		path:     path,
		interval: interval,
		logger:   logger.Named("lock"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go g.heartbeatLoop()
	return g
}

func (g *Guard) heartbeatLoop() {
	defer close(g.doneCh)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			if err := g.refresh(); err != nil {
				g.logger.Warn("failed to refresh heartbeat", zap.Error(err))
			}
		}
	}
}

func (g *Guard) refresh() error {
	existing, err := readData(g.path)
	if err != nil {
		existing = Data{PID: os.Getpid(), StartedAt: time.Now().Unix()}
	}
	existing.LastHeartbeat = time.Now().Unix()
	return writeAtomic(g.path, existing)
}

func writeAtomic(path string, data Data) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".lock-*.tmp")
	if err != nil {
		return fmt.Errorf("lock: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if err := json.NewEncoder(tmp).Encode(data); err != nil {
		tmp.Close()
		return fmt.Errorf("lock: failed to encode lock data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("lock: failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("lock: failed to rename lock file into place: %w", err)
	}
	ok = true
	return nil
}

// Stop halts the heartbeat loop and deletes the lock file. Safe to call
// more than once; only the first call has effect.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		<-g.doneCh
		if err := os.Remove(g.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			g.logger.Warn("failed to remove lock file on shutdown", zap.Error(err))
		}
	})
}
