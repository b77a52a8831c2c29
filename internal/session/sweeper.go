package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultSweepInterval = 5 * time.Second

// Sweeper periodically destroys sessions that sat idle past their budget.
type Sweeper struct {
	mgr      *Manager
	interval time.Duration
	log      *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper builds a sweeper over the manager. A non-positive interval
// falls back to the default.
func NewSweeper(mgr *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		mgr:      mgr,
		interval: interval,
		log:      mgr.log.Named("sweeper"),
	}
}

// Start launches the sweep loop. Call Stop to shut it down.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.mgr.CleanupExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("sweep failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				s.log.Info("swept expired sessions", zap.Int("count", n))
			}
		}
	}
}
