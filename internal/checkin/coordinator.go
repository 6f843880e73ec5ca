// Package checkin coordinates check-in and undo requests against the fast store.
package checkin

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/rollcall/backend/internal/apperr"
	"github.com/rollcall/backend/internal/faststore"
	"github.com/rollcall/backend/internal/metrics"
	"github.com/rollcall/backend/internal/models"
	"github.com/rollcall/backend/internal/syncqueue"
	"github.com/rollcall/backend/pkg/retry"
)

const (
	// MaxEntranceLength bounds the entrance label.
	MaxEntranceLength = 50

	opCheckIn = "checkin"
	opUndo    = "undo"
)

// DefaultRetryPolicy retries transient store failures five times with
// exponential backoff from 200ms and 20% jitter.
func DefaultRetryPolicy() retry.Policy {
	return retry.Policy{
		Attempts:  5,
		Backoff:   retry.Exponential(100*time.Millisecond, 0.2),
		Retryable: apperr.IsTransient,
	}
}

// Enqueuer accepts roster sync jobs without blocking.
type Enqueuer interface {
	Enqueue(job syncqueue.Job) bool
}

// Config configures a Coordinator.
type Config struct {
	Store   faststore.GuestStore
	Queue   Enqueuer
	Clock   clock.Clock
	Retry   *retry.Policy
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Coordinator runs each check-in or undo as one fast store transaction,
// retried on transient failures, and then schedules the roster write.
type Coordinator struct {
	store   faststore.GuestStore
	queue   Enqueuer
	clock   clock.Clock
	policy  retry.Policy
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		store:   cfg.Store,
		queue:   cfg.Queue,
		clock:   cfg.Clock,
		policy:  DefaultRetryPolicy(),
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if cfg.Retry != nil {
		c.policy = *cfg.Retry
	}
	if c.policy.Retryable == nil {
		c.policy.Retryable = apperr.IsTransient
	}
	if c.clock == nil {
		c.clock = clock.WallClock
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// CheckIn marks the guest as present. A guest already checked in yields an
// ALREADY_CHECKED_IN conflict carrying the original check-in time.
func (c *Coordinator) CheckIn(ctx context.Context, eventID, guestID string, data models.CheckInData) (*models.Guest, error) {
	if err := validate(eventID, guestID); err != nil {
		return nil, err
	}
	if len(data.Entrance) > MaxEntranceLength {
		return nil, apperr.Validation("entrance must be at most %d characters", MaxEntranceLength)
	}
	return c.run(ctx, opCheckIn, eventID, guestID, func(ctx context.Context) (*models.Guest, error) {
		return c.store.PerformCheckIn(ctx, eventID, guestID, data, c.clock.Now())
	})
}

// UndoCheckIn returns a checked-in guest to the not-checked-in state.
func (c *Coordinator) UndoCheckIn(ctx context.Context, eventID, guestID string) (*models.Guest, error) {
	if err := validate(eventID, guestID); err != nil {
		return nil, err
	}
	return c.run(ctx, opUndo, eventID, guestID, func(ctx context.Context) (*models.Guest, error) {
		return c.store.UndoCheckIn(ctx, eventID, guestID, c.clock.Now())
	})
}

func validate(eventID, guestID string) error {
	if eventID == "" {
		return apperr.Validation("event id is required")
	}
	if guestID == "" {
		return apperr.Validation("guest id is required")
	}
	return nil
}

func (c *Coordinator) run(ctx context.Context, op, eventID, guestID string, tx func(context.Context) (*models.Guest, error)) (*models.Guest, error) {
	start := c.clock.Now()
	logger := c.logger.With(zap.String("op", op), zap.String("event_id", eventID), zap.String("guest_id", guestID))

	policy := c.policy
	policy.OnRetry = func(err error, attempt int) {
		c.metrics.TxRetry(op)
		logger.Warn("transaction failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}

	var guest *models.Guest
	err := retry.Do(ctx, c.clock, policy, func(ctx context.Context) error {
		g, err := tx(ctx)
		if err != nil {
			return err
		}
		guest = g
		return nil
	})
	if err != nil {
		err = c.failure(err)
		c.metrics.CheckIn(op, apperr.CodeOf(err), c.clock.Now().Sub(start))
		if kind := apperr.KindOf(err); kind == apperr.KindUnavailable || kind == apperr.KindInternal {
			logger.Error("transaction failed", zap.Error(err))
		}
		return nil, err
	}
	c.metrics.CheckIn(op, "ok", c.clock.Now().Sub(start))

	if c.queue != nil && !c.queue.Enqueue(syncqueue.JobFromGuest(guest, c.clock.Now())) {
		logger.Warn("sync queue closed, leaving guest for reconciliation")
	}
	return guest, nil
}

// failure hides retry internals from callers: exhausted retries become a
// generic retry-later error; semantic errors pass through.
func (c *Coordinator) failure(err error) error {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return apperr.Wrap(exhausted.Last, apperr.KindUnavailable, apperr.CodeRetryExhausted,
			"the check-in could not be completed, please retry")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(err, apperr.KindUnavailable, apperr.CodeTransient, "request cancelled")
	}
	if apperr.IsTransient(err) {
		return apperr.Wrap(err, apperr.KindUnavailable, apperr.CodeRetryExhausted,
			"the check-in could not be completed, please retry")
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Internal(err, "check-in failed")
}
