// Package scheduler fires the trading engine on the funding settlement
// grid. Funding settles every eight hours at 00:00, 08:00 and 16:00 UTC;
// asset snapshots run on the hour.
package scheduler

import (
	"context"
	"sync"
	"time"

	"carrybot/internal/logger"
)

// Runner is the engine surface the scheduler drives.
type Runner interface {
	RunCycle(ctx context.Context) error
	RecordAssetSnapshots(ctx context.Context) error
}

// FundingScheduler aligns engine runs to UTC boundaries. A fired run is
// never cancelled mid-flight: Stop waits for in-progress work to finish.
type FundingScheduler struct {
	engine Runner

	fundingInterval  time.Duration
	snapshotInterval time.Duration
	now              func() time.Time

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewFundingScheduler builds a scheduler on the standard 8h/1h grid.
func NewFundingScheduler(engine Runner) *FundingScheduler {
	return &FundingScheduler{
		engine:           engine,
		fundingInterval:  8 * time.Hour,
		snapshotInterval: time.Hour,
		now:              time.Now,
	}
}

// NextAligned returns the first instant strictly after now that sits on
// the UTC interval grid.
func NextAligned(now time.Time, interval time.Duration) time.Time {
	return now.UTC().Truncate(interval).Add(interval)
}

// Start launches the funding and snapshot loops. Starting twice is a no-op.
func (s *FundingScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})

	s.wg.Add(2)
	go s.loop("funding", s.fundingInterval, func(ctx context.Context) error {
		return s.engine.RunCycle(ctx)
	})
	go s.loop("snapshot", s.snapshotInterval, func(ctx context.Context) error {
		return s.engine.RecordAssetSnapshots(ctx)
	})
}

func (s *FundingScheduler) loop(name string, interval time.Duration, run func(context.Context) error) {
	defer s.wg.Done()
	for {
		next := NextAligned(s.now(), interval)
		wait := next.Sub(s.now())
		if wait <= 0 {
			wait = interval
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		logger.Infof("定时任务触发 task=%s at=%s", name, next.Format(time.RFC3339))
		if err := run(context.Background()); err != nil {
			logger.Errorf("定时任务失败 task=%s: %v", name, err)
		}
	}
}

// Stop halts future runs and waits for an in-flight run to complete.
func (s *FundingScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
}
