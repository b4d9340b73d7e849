// Package monitor periodically logs the tarpit's own resource usage:
// live session count, goroutines, and resident memory. Its purpose is
// operational proof that held connections stay cheap — memory should
// track the fixed per-connection overhead, nothing more.
package monitor

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/cyberinferno/tarpit/logger"
)

// Snapshot is one observation of the process.
type Snapshot struct {
	LiveSessions int
	Goroutines   int
	RSSBytes     uint64
}

// Monitor samples the running process on a fixed interval and writes
// each sample as one structured log entry.
type Monitor struct {
	proc     *process.Process
	interval time.Duration
	liveFn   func() int
	log      logger.Logger
}

// New creates a Monitor that samples every interval. liveFn supplies
// the current live-session count (typically Server.LiveCount).
func New(interval time.Duration, liveFn func() int, log logger.Logger) (*Monitor, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("monitor: interval must be positive, got %s", interval)
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("monitor: attach to own process: %w", err)
	}

	return &Monitor{
		proc:     proc,
		interval: interval,
		liveFn:   liveFn,
		log:      log,
	}, nil
}

// Snapshot takes one observation. RSS is zero if the platform denies
// memory introspection; the other fields are always populated.
func (m *Monitor) Snapshot() Snapshot {
	s := Snapshot{
		LiveSessions: m.liveFn(),
		Goroutines:   runtime.NumGoroutine(),
	}

	if mem, err := m.proc.MemoryInfo(); err == nil && mem != nil {
		s.RSSBytes = mem.RSS
	}

	return s
}

// Run samples and logs until ctx is cancelled, then returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s := m.Snapshot()
			m.log.Info("resource snapshot",
				logger.Field{Key: "live_sessions", Value: s.LiveSessions},
				logger.Field{Key: "goroutines", Value: s.Goroutines},
				logger.Field{Key: "rss_bytes", Value: s.RSSBytes})
		}
	}
}
