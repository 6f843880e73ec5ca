// Package events administers check-in events and resolves staff event codes.
package events

import (
	"context"
	"crypto/rand"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/rollcall/backend/internal/apperr"
	"github.com/rollcall/backend/internal/faststore"
	"github.com/rollcall/backend/internal/models"
)

const (
	// CodeLength is the length of staff event codes.
	CodeLength   = 6
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeAttempts = 5
)

// ColumnEnsurer adds missing check-in columns to a roster.
type ColumnEnsurer interface {
	EnsureColumns(ctx context.Context, loc models.RosterLocation) ([]string, error)
}

// Config configures a Service.
type Config struct {
	Store    faststore.Store
	Roster   ColumnEnsurer
	Cache    *CodeCache
	Archiver *Archiver
	// Columns is the default roster header mapping for new events.
	Columns models.ColumnMapping
	Clock   clock.Clock
	Logger  *zap.Logger
}

// CreateInput describes a new event.
type CreateInput struct {
	Name    string
	Date    string
	SheetID string
	Tab     string
	Columns *models.ColumnMapping
}

// Created is a new event plus the roster columns added for it.
type Created struct {
	Event        *models.Event `json:"event"`
	AddedColumns []string      `json:"added_columns,omitempty"`
}

// StatusChange is the outcome of a status update.
type StatusChange struct {
	Event       *models.Event `json:"event"`
	SnapshotKey string        `json:"snapshot_key,omitempty"`
	SnapshotURL string        `json:"snapshot_url,omitempty"`
}

// Service manages the event lifecycle.
type Service struct {
	store    faststore.Store
	roster   ColumnEnsurer
	cache    *CodeCache
	archiver *Archiver
	columns  models.ColumnMapping
	clock    clock.Clock
	logger   *zap.Logger
	newCode  func() (string, error)
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	s := &Service{
		store:    cfg.Store,
		roster:   cfg.Roster,
		cache:    cfg.Cache,
		archiver: cfg.Archiver,
		columns:  cfg.Columns.WithDefaults(models.DefaultColumnMapping()),
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		newCode:  NewCode,
	}
	if s.clock == nil {
		s.clock = clock.WallClock
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// NewCode returns a random staff code of CodeLength characters from A-Z0-9.
func NewCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// NewEventID returns a generated event id.
func NewEventID() string {
	return "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Create stores a new active event with a fresh code. Missing check-in
// columns are added to the roster; a roster failure does not fail creation.
func (s *Service) Create(ctx context.Context, in CreateInput, createdBy string) (*Created, error) {
	if strings.TrimSpace(in.Name) == "" || in.SheetID == "" {
		return nil, apperr.Validation("name and sheet id are required")
	}
	cols := s.columns
	if in.Columns != nil {
		cols = in.Columns.WithDefaults(s.columns)
	}
	tab := in.Tab
	if tab == "" {
		tab = "Sheet1"
	}
	event := &models.Event{
		EventID:   NewEventID(),
		Name:      strings.TrimSpace(in.Name),
		Date:      in.Date,
		Status:    models.EventActive,
		Roster:    models.RosterLocation{SheetID: in.SheetID, Tab: tab, Columns: cols},
		CreatedAt: s.clock.Now().UTC(),
		CreatedBy: createdBy,
	}

	var err error
	for attempt := 0; attempt < codeAttempts; attempt++ {
		if event.EventCode, err = s.newCode(); err != nil {
			return nil, apperr.Internal(err, "generate event code")
		}
		err = s.store.CreateEvent(ctx, event)
		if !apperr.Is(err, apperr.CodeEventCodeTaken) {
			break
		}
		s.logger.Debug("event code taken, regenerating", zap.String("code", event.EventCode))
	}
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(zap.String("event_id", event.EventID), zap.String("event_code", event.EventCode))
	logger.Info("event created")

	out := &Created{Event: event}
	if s.roster != nil {
		added, err := s.roster.EnsureColumns(ctx, event.Roster)
		if err != nil {
			logger.Warn("ensure roster columns", zap.Error(err))
		}
		out.AddedColumns = added
	}
	return out, nil
}

// List returns every event, newest first.
func (s *Service) List(ctx context.Context) ([]models.Event, error) {
	return s.store.ListEvents(ctx)
}

// Get returns one event.
func (s *Service) Get(ctx context.Context, eventID string) (*models.Event, error) {
	return s.store.GetEvent(ctx, eventID)
}

// SetStatus moves an event through its lifecycle. Archiving stores a roster
// snapshot when an archiver is configured and returns its key and a download
// link; a snapshot failure is logged.
func (s *Service) SetStatus(ctx context.Context, eventID string, status models.EventStatus) (*StatusChange, error) {
	if !status.Valid() {
		return nil, apperr.Validation("unknown status %q", status)
	}
	if err := s.store.UpdateEventStatus(ctx, eventID, status); err != nil {
		return nil, err
	}
	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, event.EventCode)
	s.logger.Info("event status changed", zap.String("event_id", eventID), zap.String("status", string(status)))

	out := &StatusChange{Event: event}
	if status == models.EventArchived && s.archiver != nil {
		key, err := s.archiver.Snapshot(ctx, eventID, s.clock.Now())
		if err != nil {
			s.logger.Error("archive snapshot", zap.String("event_id", eventID), zap.Error(err))
			return out, nil
		}
		out.SnapshotKey = key
		if out.SnapshotURL, err = s.archiver.URL(ctx, key); err != nil {
			s.logger.Warn("presign snapshot", zap.String("event_id", eventID), zap.Error(err))
		}
	}
	return out, nil
}

// Delete removes an event and its guests.
func (s *Service) Delete(ctx context.Context, eventID string) (int, error) {
	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return 0, err
	}
	start := s.clock.Now()
	n, err := s.store.DeleteEvent(ctx, eventID)
	if err != nil {
		return n, err
	}
	s.cache.Invalidate(ctx, event.EventCode)
	s.logger.Info("event deleted", zap.String("event_id", eventID), zap.Int("guests", n),
		zap.Duration("took", s.clock.Now().Sub(start)))
	return n, nil
}
