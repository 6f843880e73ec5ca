package syncqueue

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/rollcall/backend/internal/apperr"
	"github.com/rollcall/backend/internal/metrics"
	"github.com/rollcall/backend/internal/models"
	"github.com/rollcall/backend/internal/roster"
)

// Store is the part of the fast store a RosterProcessor needs.
type Store interface {
	GetEvent(ctx context.Context, eventID string) (*models.Event, error)
	GetGuest(ctx context.Context, eventID, guestID string) (*models.Guest, error)
	MarkSynced(ctx context.Context, eventID string, marks []models.SyncMark) (int, error)
	SetExternalPositions(ctx context.Context, eventID string, positions map[string]int) error
}

// RosterWriter is the part of the roster adapter a RosterProcessor needs.
type RosterWriter interface {
	GetEntryAndPosition(ctx context.Context, loc models.RosterLocation, guestID string) (*roster.Entry, int, error)
	ConditionalWrite(ctx context.Context, loc models.RosterLocation, position int, guestID string, expectedCheckedIn bool, f roster.Fields) (bool, error)
}

// RosterProcessor writes one guest change to the roster with a conditional write.
type RosterProcessor struct {
	store   Store
	roster  RosterWriter
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewRosterProcessor creates a RosterProcessor.
func NewRosterProcessor(store Store, w RosterWriter, m *metrics.Collector, logger *zap.Logger) *RosterProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RosterProcessor{store: store, roster: w, metrics: m, logger: logger}
}

// Process implements Processor.
//
// A job whose guest has moved past its version is skipped; the newer change
// has its own job. When the conditional write is refused the row is re-read:
// if it already shows the target state the guest is left unsynced so
// reconciliation overwrites the details, otherwise the job is retried. A
// cached position that now holds another guest is looked up again by guest
// id, stored, and the write is attempted once more at the new row.
func (p *RosterProcessor) Process(ctx context.Context, job Job) error {
	event, err := p.store.GetEvent(ctx, job.EventID)
	if err != nil {
		return err
	}
	guest, err := p.store.GetGuest(ctx, job.EventID, job.GuestID)
	if err != nil {
		return err
	}
	if guest.Version != job.Version || guest.SyncedToRoster {
		p.metrics.QueueJob("skipped")
		return nil
	}
	position, err := p.position(ctx, event, guest)
	if err != nil {
		return err
	}
	ok, err := p.roster.ConditionalWrite(ctx, event.Roster, position, job.GuestID, !job.Fields.CheckedIn, job.Fields)
	if roster.IsRowMoved(err) {
		p.logger.Info("roster row moved, resolving position again",
			zap.String("event_id", job.EventID), zap.String("guest_id", job.GuestID), zap.Int("stale_position", position))
		if position, err = p.lookup(ctx, event, job.GuestID); err != nil {
			return err
		}
		ok, err = p.roster.ConditionalWrite(ctx, event.Roster, position, job.GuestID, !job.Fields.CheckedIn, job.Fields)
	}
	if err != nil {
		return err
	}
	if !ok {
		entry, _, err := p.roster.GetEntryAndPosition(ctx, event.Roster, job.GuestID)
		if err != nil {
			return err
		}
		if entry.CheckedIn != job.Fields.CheckedIn {
			return apperr.Transient(errors.New("roster row changed during write"), "conditional write")
		}
		p.logger.Info("roster already in target state, leaving for reconciliation",
			zap.String("event_id", job.EventID), zap.String("guest_id", job.GuestID))
		return nil
	}
	_, err = p.store.MarkSynced(ctx, job.EventID, []models.SyncMark{{GuestID: job.GuestID, Version: job.Version}})
	return err
}

func (p *RosterProcessor) position(ctx context.Context, event *models.Event, guest *models.Guest) (int, error) {
	if guest.ExternalPosition != nil && *guest.ExternalPosition > 0 {
		return *guest.ExternalPosition, nil
	}
	return p.lookup(ctx, event, guest.GuestID)
}

// lookup finds the row of guestID on the roster and stores it on the guest.
func (p *RosterProcessor) lookup(ctx context.Context, event *models.Event, guestID string) (int, error) {
	_, pos, err := p.roster.GetEntryAndPosition(ctx, event.Roster, guestID)
	if err != nil {
		return 0, err
	}
	if err := p.store.SetExternalPositions(ctx, event.EventID, map[string]int{guestID: pos}); err != nil {
		p.logger.Warn("store roster position", zap.String("guest_id", guestID), zap.Error(err))
	}
	return pos, nil
}
