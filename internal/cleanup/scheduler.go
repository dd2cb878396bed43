// Package cleanup periodically evicts stale clients from the registry.
package cleanup

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"scenariomaker/internal/metrics"
	"scenariomaker/internal/registry"
)

const (
	defaultInterval = time.Hour
	defaultTTL      = 24 * time.Hour
)

// Config controls sweep cadence and eviction policy.
type Config struct {
	// Interval between sweeps (default hourly).
	Interval time.Duration
	// TTL is the client age beyond which eviction applies (default 24h).
	TTL time.Duration
	// EvictBusy removes clients even while a run is in flight. The
	// in-flight run keeps executing but its remaining events target an
	// unknown client and are dropped.
	EvictBusy bool
}

// Scheduler owns the periodic sweep. It runs independently of any client's
// pipeline and is stopped as a unit at shutdown.
type Scheduler struct {
	reg    *registry.Registry
	cfg    Config
	logger *zap.Logger

	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New constructs a Scheduler.
func New(reg *registry.Registry, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Scheduler{
		reg:    reg,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the sweep loop. Subsequent calls are ignored.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Stop halts the loop and blocks until it exits. Safe to call multiple
// times, including before Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.startOnce.Do(func() {
		close(s.doneCh)
	})
	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

// tick performs one sweep. A failing sweep never terminates the schedule;
// the next tick still fires.
func (s *Scheduler) tick() {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("cleanup sweep panicked", zap.Any("panic", rec))
		}
	}()
	s.Sweep()
}

// Sweep evicts clients older than the configured TTL and returns the
// before/after counts. It is also invoked directly by the admin endpoint.
func (s *Scheduler) Sweep() registry.EvictStats {
	stats := s.reg.EvictOlderThan(s.cfg.TTL, s.cfg.EvictBusy)
	metrics.AddEvicted(stats.Removed)
	if stats.Removed > 0 {
		s.logger.Info("cleanup sweep",
			zap.Int("before", stats.Before),
			zap.Int("after", stats.After),
			zap.Int("removed", stats.Removed),
		)
	}
	return stats
}
