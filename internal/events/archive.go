package events

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rollcall/backend/internal/models"
	"github.com/rollcall/backend/pkg/storage"
)

// SnapshotStore persists roster snapshots.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, key, contentType string, body io.Reader) (string, error)
	SnapshotURL(ctx context.Context, key string) (string, error)
}

// GuestSource reads the guests of an event.
type GuestSource interface {
	GetGuests(ctx context.Context, eventID string) ([]models.Guest, error)
}

var snapshotHeader = []string{
	"guest_id", "name", "surname", "company", "email",
	"checked_in", "checkin_time", "entrance", "checked_in_by", "roster_position", "version",
}

// Archiver writes the final guest list of an event as CSV.
type Archiver struct {
	guests GuestSource
	store  SnapshotStore
	logger *zap.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(guests GuestSource, store SnapshotStore, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{guests: guests, store: store, logger: logger}
}

// Snapshot stores the guest list of eventID and returns the object key.
func (a *Archiver) Snapshot(ctx context.Context, eventID string, at time.Time) (string, error) {
	guests, err := a.guests.GetGuests(ctx, eventID)
	if err != nil {
		return "", err
	}
	body, err := encodeGuests(guests)
	if err != nil {
		return "", err
	}
	key, err := a.store.PutSnapshot(ctx, storage.SnapshotKey(eventID, at), "text/csv", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("store snapshot: %w", err)
	}
	a.logger.Info("roster snapshot stored", zap.String("event_id", eventID), zap.String("key", key), zap.Int("guests", len(guests)))
	return key, nil
}

// URL returns a time-limited download link for a stored snapshot.
func (a *Archiver) URL(ctx context.Context, key string) (string, error) {
	url, err := a.store.SnapshotURL(ctx, key)
	if err != nil {
		return "", fmt.Errorf("snapshot url: %w", err)
	}
	return url, nil
}

func encodeGuests(guests []models.Guest) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(snapshotHeader); err != nil {
		return nil, err
	}
	for _, g := range guests {
		checkInTime := ""
		if g.CheckInTime != nil {
			checkInTime = g.CheckInTime.UTC().Format(time.RFC3339)
		}
		position := ""
		if g.ExternalPosition != nil {
			position = strconv.Itoa(*g.ExternalPosition)
		}
		rec := []string{
			g.GuestID, g.Name, g.Surname, g.Company, g.Email,
			strconv.FormatBool(g.CheckedIn), checkInTime, models.Deref(g.Entrance), models.Deref(g.CheckedInBy),
			position, strconv.FormatInt(g.Version, 10),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
