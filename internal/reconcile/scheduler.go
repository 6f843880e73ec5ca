package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Syncer runs a full reconciliation pass.
type Syncer interface {
	SyncAllActiveEvents(ctx context.Context) (*Report, error)
}

// Scheduler triggers SyncAllActiveEvents on a cron spec.
type Scheduler struct {
	cron    *cron.Cron
	syncer  Syncer
	spec    string
	timeout time.Duration
	logger  *zap.Logger
}

// NewScheduler creates a scheduler. Spec accepts the optional-seconds cron
// syntax and descriptors such as "@every 1m".
func NewScheduler(syncer Syncer, spec string, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		syncer:  syncer,
		spec:    spec,
		timeout: timeout,
		logger:  logger,
	}
}

// Start registers the sync job and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.run); err != nil {
		return fmt.Errorf("schedule sync %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.logger.Info("sync scheduler started", zap.String("spec", s.spec))
	return nil
}

// Stop stops the loop and waits for a running job to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("sync scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("sync scheduler stop timed out")
	}
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.syncer.SyncAllActiveEvents(ctx); err != nil {
		s.logger.Error("scheduled sync failed", zap.Error(err))
	}
}
