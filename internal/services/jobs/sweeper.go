// -----------------------------------------------------------------------
// Pending Sweeper - Background recovery of jobs stuck before the broker
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/common"
)

// Sweeper periodically re-enqueues jobs that never reached the broker:
// a crash between job insert and enqueue, or between the queued status
// write and the push, leaves records only this loop recovers.
type Sweeper struct {
	service  *Service
	logger   arbor.ILogger
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates the pending sweeper
func NewSweeper(service *Service, config *common.JobsConfig, logger arbor.ILogger) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		service:  service,
		logger:   logger,
		interval: common.Duration(config.PendingSweepInterval, time.Minute),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop. One sweep runs immediately so jobs stranded
// by the previous process are recovered without waiting a full interval.
func (s *Sweeper) Start() {
	s.logger.Info().
		Str("interval", s.interval.String()).
		Msg("Starting pending sweeper")
	go s.run()
}

// Stop halts the loop and waits for an in-flight sweep to finish
func (s *Sweeper) Stop() {
	s.cancel()
	<-s.done
	s.logger.Info().Msg("Pending sweeper stopped")
}

func (s *Sweeper) run() {
	defer close(s.done)

	s.sweep()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	swept, err := s.service.SweepPending(s.ctx)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Msg("Pending sweep failed")
		return
	}
	if swept > 0 {
		s.logger.Debug().
			Int("count", swept).
			Msg("Pending sweep recovered jobs")
	}
}
