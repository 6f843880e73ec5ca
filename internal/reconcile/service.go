// Package reconcile pushes every unsynced guest change to the roster and
// imports rosters into the fast store.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rollcall/backend/internal/apperr"
	"github.com/rollcall/backend/internal/faststore"
	"github.com/rollcall/backend/internal/metrics"
	"github.com/rollcall/backend/internal/models"
	"github.com/rollcall/backend/internal/roster"
	"github.com/rollcall/backend/pkg/retry"
)

const (
	// DefaultBatchSize bounds the rows written per roster call.
	DefaultBatchSize = 100
	// DefaultLockTTL bounds how long one instance holds the sync lock.
	DefaultLockTTL = 5 * time.Minute

	// LockKey guards SyncAllActiveEvents across instances.
	LockKey = "rollcall:sync:lock"

	opSyncEvent = "sync_event"
	opLoad      = "initial_load"
)

// DefaultRetryPolicy retries a failed event sync twice with 5s and 10s waits.
func DefaultRetryPolicy() retry.Policy {
	return retry.Policy{
		Attempts:  3,
		Backoff:   retry.Linear(5 * time.Second),
		Retryable: apperr.IsTransient,
	}
}

// Roster is the part of the roster adapter reconciliation needs.
type Roster interface {
	ReadAll(ctx context.Context, loc models.RosterLocation) ([]roster.Entry, error)
	Positions(ctx context.Context, loc models.RosterLocation) (map[string]int, error)
	BatchWrite(ctx context.Context, loc models.RosterLocation, updates []roster.Update) error
}

// Config configures a Service.
type Config struct {
	Store     faststore.Store
	Roster    Roster
	Locker    Locker
	Clock     clock.Clock
	Retry     *retry.Policy
	Limit     int
	BatchSize int
	LockTTL   time.Duration
	Metrics   *metrics.Collector
	Logger    *zap.Logger

	// PassTimeout bounds one SyncAllActiveEvents run. It defaults to LockTTL.
	PassTimeout time.Duration
}

// EventResult is the outcome of one event sync.
type EventResult struct {
	EventID  string `json:"event_id"`
	Success  bool   `json:"success"`
	Synced   int    `json:"synced"`
	Skipped  int    `json:"skipped"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Report aggregates a sync over all active events.
type Report struct {
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	Results    []*EventResult `json:"results"`
	// Locked is set when another instance held the sync lock and nothing ran.
	Locked bool `json:"locked,omitempty"`
}

// LoadResult is the outcome of an initial roster import.
type LoadResult struct {
	EventID  string `json:"event_id"`
	Total    int    `json:"total"`
	Inserted int    `json:"inserted"`
	Updated  int    `json:"updated"`
}

// Service is the authoritative path from the fast store to the roster.
type Service struct {
	store     faststore.Store
	roster    Roster
	locker    Locker
	clock     clock.Clock
	policy    retry.Policy
	limit     int
	batchSize int
	lockTTL   time.Duration
	passTTL   time.Duration
	metrics   *metrics.Collector
	logger    *zap.Logger
	group     singleflight.Group
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	s := &Service{
		store:     cfg.Store,
		roster:    cfg.Roster,
		locker:    cfg.Locker,
		clock:     cfg.Clock,
		policy:    DefaultRetryPolicy(),
		limit:     cfg.Limit,
		batchSize: cfg.BatchSize,
		lockTTL:   cfg.LockTTL,
		passTTL:   cfg.PassTimeout,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
	if cfg.Retry != nil {
		s.policy = *cfg.Retry
	}
	if s.locker == nil {
		s.locker = NopLocker{}
	}
	if s.clock == nil {
		s.clock = clock.WallClock
	}
	if s.limit <= 0 {
		s.limit = faststore.DefaultUnsyncedLimit
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.lockTTL <= 0 {
		s.lockTTL = DefaultLockTTL
	}
	if s.passTTL <= 0 {
		s.passTTL = s.lockTTL
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// SyncEvent writes the unsynced guests of one event to its roster.
//
// Transient failures retry the whole pass. When every attempt fails a dead
// letter is recorded and the guests stay unsynced for the next run. A missing
// event fails without retrying.
func (s *Service) SyncEvent(ctx context.Context, eventID string) (*EventResult, error) {
	res := &EventResult{EventID: eventID}
	logger := s.logger.With(zap.String("event_id", eventID))

	policy := s.policy
	policy.OnRetry = func(err error, attempt int) {
		logger.Warn("event sync failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	err := retry.Do(ctx, s.clock, policy, func(ctx context.Context) error {
		res.Attempts++
		synced, skipped, err := s.syncOnce(ctx, eventID)
		res.Synced, res.Skipped = synced, skipped
		return err
	})
	if err == nil {
		res.Success = true
		s.metrics.SyncRun("ok", res.Synced)
		if res.Synced > 0 || res.Skipped > 0 {
			logger.Info("event synced", zap.Int("synced", res.Synced), zap.Int("skipped", res.Skipped))
		}
		return res, nil
	}

	cause := err
	var (
		exhausted *retry.ExhaustedError
		stopped   *retry.StoppedError
	)
	switch {
	case errors.As(err, &exhausted):
		cause = exhausted.Last
	case errors.As(err, &stopped):
		cause = stopped.Last
	}
	res.Synced = 0
	res.Error = cause.Error()
	s.metrics.SyncRun("failed", 0)
	logger.Error("event sync failed", zap.Int("attempts", res.Attempts), zap.Error(cause))
	s.deadLetter(ctx, eventID, opSyncEvent, cause, map[string]any{"attempts": res.Attempts})

	kind := apperr.KindOf(cause)
	if kind == apperr.KindTransient || kind == apperr.KindInternal {
		kind = apperr.KindUnavailable
	}
	return res, apperr.Wrap(cause, kind, apperr.CodeSyncFailed, "event sync failed")
}

func (s *Service) syncOnce(ctx context.Context, eventID string) (synced, skipped int, err error) {
	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return 0, 0, err
	}
	guests, err := s.store.GetUnsynced(ctx, eventID, s.limit)
	if err != nil || len(guests) == 0 {
		return 0, 0, err
	}

	positions, err := s.roster.Positions(ctx, event.Roster)
	if err != nil {
		return 0, 0, err
	}
	var (
		updates []roster.Update
		marks   []models.SyncMark
		moved   = make(map[string]int)
	)
	for i := range guests {
		g := &guests[i]
		pos, ok := positions[g.GuestID]
		if !ok {
			skipped++
			s.logger.Warn("guest missing from roster, skipping",
				zap.String("event_id", eventID), zap.String("guest_id", g.GuestID))
			continue
		}
		if g.ExternalPosition == nil || *g.ExternalPosition != pos {
			moved[g.GuestID] = pos
		}
		updates = append(updates, roster.Update{Position: pos, Fields: roster.FieldsFromGuest(g)})
		marks = append(marks, models.SyncMark{GuestID: g.GuestID, Version: g.Version})
	}
	if len(moved) > 0 {
		if err := s.store.SetExternalPositions(ctx, eventID, moved); err != nil {
			return 0, skipped, err
		}
	}

	for start := 0; start < len(updates); start += s.batchSize {
		end := min(start+s.batchSize, len(updates))
		if err := s.roster.BatchWrite(ctx, event.Roster, updates[start:end]); err != nil {
			return 0, skipped, err
		}
	}
	if len(marks) == 0 {
		return 0, skipped, nil
	}
	synced, err = s.store.MarkSynced(ctx, eventID, marks)
	if err != nil {
		return 0, skipped, err
	}
	if err := s.store.UpdateLastSynced(ctx, eventID, s.clock.Now()); err != nil {
		return synced, skipped, err
	}
	return synced, skipped, nil
}

// SyncAllActiveEvents syncs every active event. A failing event does not stop
// the others. Concurrent calls share one run, and instances exclude each
// other through the Locker.
//
// The run keeps the values of ctx but not its deadline or cancellation; it is
// bounded by the pass timeout instead.
func (s *Service) SyncAllActiveEvents(ctx context.Context) (*Report, error) {
	v, err, shared := s.group.Do("sync-all", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.passTTL)
		defer cancel()
		return s.syncAll(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug("joined running sync")
	}
	return v.(*Report), nil
}

func (s *Service) syncAll(ctx context.Context) (*Report, error) {
	release, ok, err := s.locker.TryLock(ctx, LockKey, s.lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Info("sync lock held elsewhere, skipping run")
		return &Report{Locked: true, Results: []*EventResult{}}, nil
	}
	defer release()

	start := s.clock.Now()
	events, err := s.store.ListActiveEvents(ctx)
	if err != nil {
		return nil, err
	}
	report := &Report{Total: len(events), Results: make([]*EventResult, 0, len(events))}
	for _, e := range events {
		res, err := s.SyncEvent(ctx, e.EventID)
		if err != nil {
			report.Failed++
		} else {
			report.Successful++
		}
		report.Results = append(report.Results, res)
	}
	took := s.clock.Now().Sub(start)
	s.metrics.SyncAll(took)
	s.logger.Info("sync run finished",
		zap.Int("total", report.Total), zap.Int("successful", report.Successful),
		zap.Int("failed", report.Failed), zap.Duration("took", took))
	return report, nil
}

// LoadInitialRoster imports the roster of the active event with the given
// code. Existing guests keep their check-in state.
func (s *Service) LoadInitialRoster(ctx context.Context, eventCode string) (*LoadResult, error) {
	event, err := s.store.GetActiveEventByCode(ctx, eventCode)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(zap.String("event_id", event.EventID))

	entries, err := s.roster.ReadAll(ctx, event.Roster)
	if err != nil {
		s.deadLetter(ctx, event.EventID, opLoad, err, map[string]any{"event_code": eventCode})
		return nil, err
	}
	guests := make([]models.Guest, 0, len(entries))
	for _, e := range entries {
		g := e.Guest()
		g.EventID = event.EventID
		guests = append(guests, g)
	}
	inserted, updated, err := s.store.UpsertRoster(ctx, event.EventID, guests, s.clock.Now())
	if err != nil {
		s.deadLetter(ctx, event.EventID, opLoad, err, map[string]any{"event_code": eventCode, "guests": len(guests)})
		return nil, err
	}
	logger.Info("roster loaded", zap.Int("total", len(guests)), zap.Int("inserted", inserted), zap.Int("updated", updated))
	return &LoadResult{EventID: event.EventID, Total: len(guests), Inserted: inserted, Updated: updated}, nil
}

// deadLetter records a failure for manual review. It runs on a fresh context
// so a cancelled request still leaves a record.
func (s *Service) deadLetter(ctx context.Context, eventID, op string, cause error, details map[string]any) {
	raw, err := json.Marshal(details)
	if err != nil {
		raw = []byte("{}")
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	dl := &models.DeadLetter{
		ID:        uuid.NewString(),
		EventID:   eventID,
		Operation: op,
		Error:     cause.Error(),
		Context:   raw,
		Status:    models.DeadLetterPending,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.store.WriteDeadLetter(ctx, dl); err != nil {
		s.logger.Error("write dead letter", zap.String("event_id", eventID), zap.String("operation", op), zap.Error(err))
		return
	}
	s.metrics.DeadLetter()
}
