// Package faststore is the authoritative low-latency store for guests and events.
//
// Every mutating call runs as one all-or-nothing transaction. Failures are
// returned as *apperr.Error: semantic outcomes (not found, already checked in)
// with their own kinds, retryable infrastructure failures as KindTransient.
package faststore

import (
	"context"
	"time"

	"github.com/rollcall/backend/internal/models"
)

// DefaultUnsyncedLimit bounds GetUnsynced when no limit is given.
const DefaultUnsyncedLimit = 100

// LoadBatchSize is the number of roster entries upserted per round trip.
const LoadBatchSize = 500

// DeleteBatchSize is the number of guests removed per transaction on event deletion.
const DeleteBatchSize = 500

// GuestStore holds guests and their check-in state.
type GuestStore interface {
	PerformCheckIn(ctx context.Context, eventID, guestID string, data models.CheckInData, at time.Time) (*models.Guest, error)
	UndoCheckIn(ctx context.Context, eventID, guestID string, at time.Time) (*models.Guest, error)
	GetGuest(ctx context.Context, eventID, guestID string) (*models.Guest, error)
	GetGuests(ctx context.Context, eventID string) ([]models.Guest, error)
	GetUnsynced(ctx context.Context, eventID string, limit int) ([]models.Guest, error)
	MarkSynced(ctx context.Context, eventID string, marks []models.SyncMark) (int, error)
	SetExternalPositions(ctx context.Context, eventID string, positions map[string]int) error
	UpsertRoster(ctx context.Context, eventID string, guests []models.Guest, at time.Time) (inserted, updated int, err error)
}

// EventStore holds events and their counters.
type EventStore interface {
	CreateEvent(ctx context.Context, e *models.Event) error
	GetEvent(ctx context.Context, eventID string) (*models.Event, error)
	GetActiveEventByCode(ctx context.Context, code string) (*models.Event, error)
	ListEvents(ctx context.Context) ([]models.Event, error)
	ListActiveEvents(ctx context.Context) ([]models.Event, error)
	UpdateEventStatus(ctx context.Context, eventID string, status models.EventStatus) error
	UpdateLastSynced(ctx context.Context, eventID string, at time.Time) error
	DeleteEvent(ctx context.Context, eventID string) (deletedGuests int, err error)
}

// DeadLetterStore keeps reconciliation failures for manual review.
type DeadLetterStore interface {
	WriteDeadLetter(ctx context.Context, dl *models.DeadLetter) error
	ListDeadLetters(ctx context.Context, eventID string, limit int) ([]models.DeadLetter, error)
}

// Store is the full fast store.
type Store interface {
	GuestStore
	EventStore
	DeadLetterStore
}
