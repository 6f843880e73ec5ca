package faststore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rollcall/backend/internal/apperr"
	"github.com/rollcall/backend/internal/models"
)

// Memory is an in-process Store. A single mutex makes every call atomic,
// which gives the same per-guest serialization as the row locks in Postgres.
type Memory struct {
	mu          sync.Mutex
	events      map[string]*models.Event
	guests      map[string]map[string]*models.Guest
	deadLetters []models.DeadLetter
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		events: make(map[string]*models.Event),
		guests: make(map[string]map[string]*models.Guest),
	}
}

func cloneGuest(g *models.Guest) *models.Guest {
	cp := *g
	if g.CheckInTime != nil {
		t := *g.CheckInTime
		cp.CheckInTime = &t
	}
	if g.Entrance != nil {
		s := *g.Entrance
		cp.Entrance = &s
	}
	if g.CheckedInBy != nil {
		s := *g.CheckedInBy
		cp.CheckedInBy = &s
	}
	if g.ExternalPosition != nil {
		p := *g.ExternalPosition
		cp.ExternalPosition = &p
	}
	return &cp
}

func cloneEvent(e *models.Event) *models.Event {
	cp := *e
	if e.Stats.LastCheckInAt != nil {
		t := *e.Stats.LastCheckInAt
		cp.Stats.LastCheckInAt = &t
	}
	if e.LastSyncedAt != nil {
		t := *e.LastSyncedAt
		cp.LastSyncedAt = &t
	}
	return &cp
}

func (m *Memory) guest(eventID, guestID string) (*models.Guest, error) {
	g, ok := m.guests[eventID][guestID]
	if !ok {
		return nil, errGuestNotFound(eventID, guestID)
	}
	return g, nil
}

// PerformCheckIn marks a not-checked-in guest as checked in and bumps the event counter.
func (m *Memory) PerformCheckIn(ctx context.Context, eventID, guestID string, data models.CheckInData, at time.Time) (*models.Guest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.guest(eventID, guestID)
	if err != nil {
		return nil, err
	}
	if g.CheckedIn {
		return nil, errAlreadyCheckedIn(guestID, g.CheckInTime)
	}
	at = nextTimestamp(at, g.LastModified)
	g.CheckedIn = true
	g.CheckInTime = &at
	g.Entrance = models.StringPtr(data.Entrance)
	g.CheckedInBy = models.StringPtr(data.CheckedInBy)
	g.SyncedToRoster = false
	g.LastModified = at
	g.Version++
	if e, ok := m.events[eventID]; ok {
		e.Stats.CheckedInCount++
		ts := at
		e.Stats.LastCheckInAt = &ts
	}
	return cloneGuest(g), nil
}

// UndoCheckIn resets a checked-in guest and decrements the event counter.
func (m *Memory) UndoCheckIn(ctx context.Context, eventID, guestID string, at time.Time) (*models.Guest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.guest(eventID, guestID)
	if err != nil {
		return nil, err
	}
	if !g.CheckedIn {
		return nil, errNotCheckedIn(guestID)
	}
	at = nextTimestamp(at, g.LastModified)
	g.ClearCheckIn()
	g.SyncedToRoster = false
	g.LastModified = at
	g.Version++
	if e, ok := m.events[eventID]; ok && e.Stats.CheckedInCount > 0 {
		e.Stats.CheckedInCount--
	}
	return cloneGuest(g), nil
}

// GetGuest returns one guest.
func (m *Memory) GetGuest(_ context.Context, eventID, guestID string) (*models.Guest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.guest(eventID, guestID)
	if err != nil {
		return nil, err
	}
	return cloneGuest(g), nil
}

// GetGuests returns all guests of an event ordered by surname.
func (m *Memory) GetGuests(_ context.Context, eventID string) ([]models.Guest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]models.Guest, 0, len(m.guests[eventID]))
	for _, g := range m.guests[eventID] {
		list = append(list, *cloneGuest(g))
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Surname != b.Surname {
			return a.Surname < b.Surname
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.GuestID < b.GuestID
	})
	return list, nil
}

// GetUnsynced returns guests awaiting a roster write, oldest change first.
func (m *Memory) GetUnsynced(_ context.Context, eventID string, limit int) ([]models.Guest, error) {
	if limit <= 0 {
		limit = DefaultUnsyncedLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []models.Guest
	for _, g := range m.guests[eventID] {
		if !g.SyncedToRoster {
			list = append(list, *cloneGuest(g))
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].LastModified.Equal(list[j].LastModified) {
			return list[i].LastModified.Before(list[j].LastModified)
		}
		return list[i].GuestID < list[j].GuestID
	})
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// MarkSynced flags guests still at the marked version as written to the roster.
func (m *Memory) MarkSynced(_ context.Context, eventID string, marks []models.SyncMark) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mk := range marks {
		g, ok := m.guests[eventID][mk.GuestID]
		if ok && g.Version == mk.Version {
			g.SyncedToRoster = true
			n++
		}
	}
	return n, nil
}

// SetExternalPositions stores the roster rows of guests.
func (m *Memory) SetExternalPositions(_ context.Context, eventID string, positions map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range positions {
		if g, ok := m.guests[eventID][id]; ok {
			pos := p
			g.ExternalPosition = &pos
		}
	}
	return nil
}

// UpsertRoster merges roster entries. See Postgres.UpsertRoster.
func (m *Memory) UpsertRoster(_ context.Context, eventID string, guests []models.Guest, at time.Time) (inserted, updated int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return 0, 0, errEventNotFound(eventID)
	}
	if m.guests[eventID] == nil {
		m.guests[eventID] = make(map[string]*models.Guest)
	}
	at = at.UTC().Truncate(time.Microsecond)
	for i := range guests {
		in := cloneGuest(&guests[i])
		if existing, ok := m.guests[eventID][in.GuestID]; ok {
			existing.Name = in.Name
			existing.Surname = in.Surname
			existing.Company = in.Company
			existing.Email = in.Email
			existing.ExternalPosition = in.ExternalPosition
			updated++
			continue
		}
		if !in.CheckedIn {
			in.ClearCheckIn()
		}
		in.EventID = eventID
		in.SyncedToRoster = true
		in.Version = 1
		in.LastModified = at
		m.guests[eventID][in.GuestID] = in
		inserted++
	}
	e.Stats.TotalGuests = len(m.guests[eventID])
	e.Stats.CheckedInCount = 0
	for _, g := range m.guests[eventID] {
		if g.CheckedIn {
			e.Stats.CheckedInCount++
		}
	}
	return inserted, updated, nil
}

// CreateEvent inserts an event. A code already used by an active event is a conflict.
func (m *Memory) CreateEvent(_ context.Context, e *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.EventID]; ok {
		return apperr.New(apperr.KindConflict, apperr.CodeEventCodeTaken, "event already exists")
	}
	if e.Status == models.EventActive && m.activeCodeTaken(e.EventCode, "") {
		return apperr.New(apperr.KindConflict, apperr.CodeEventCodeTaken, "event code already in use")
	}
	m.events[e.EventID] = cloneEvent(e)
	return nil
}

func (m *Memory) activeCodeTaken(code, exceptID string) bool {
	for id, other := range m.events {
		if id != exceptID && other.Status == models.EventActive && other.EventCode == code {
			return true
		}
	}
	return false
}

// GetEvent returns an event by id.
func (m *Memory) GetEvent(_ context.Context, eventID string) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return nil, errEventNotFound(eventID)
	}
	return cloneEvent(e), nil
}

// GetActiveEventByCode returns the active event holding code.
func (m *Memory) GetActiveEventByCode(_ context.Context, code string) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.Status == models.EventActive && e.EventCode == code {
			return cloneEvent(e), nil
		}
	}
	return nil, apperr.NotFound("no active event with code %s", code)
}

func (m *Memory) listEvents(keep func(*models.Event) bool) []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []models.Event
	for _, e := range m.events {
		if keep(e) {
			list = append(list, *cloneEvent(e))
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].EventID < list[j].EventID
	})
	return list
}

// ListEvents returns every event, newest first.
func (m *Memory) ListEvents(context.Context) ([]models.Event, error) {
	return m.listEvents(func(*models.Event) bool { return true }), nil
}

// ListActiveEvents returns active events, newest first.
func (m *Memory) ListActiveEvents(context.Context) ([]models.Event, error) {
	return m.listEvents(func(e *models.Event) bool { return e.Status == models.EventActive }), nil
}

// UpdateEventStatus changes the lifecycle state of an event.
func (m *Memory) UpdateEventStatus(_ context.Context, eventID string, status models.EventStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return errEventNotFound(eventID)
	}
	if status == models.EventActive && m.activeCodeTaken(e.EventCode, eventID) {
		return apperr.New(apperr.KindConflict, apperr.CodeEventCodeTaken, "event code already in use by another active event")
	}
	e.Status = status
	return nil
}

// UpdateLastSynced records a completed reconciliation.
func (m *Memory) UpdateLastSynced(_ context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return errEventNotFound(eventID)
	}
	ts := at
	e.LastSyncedAt = &ts
	return nil
}

// DeleteEvent removes the guests of an event, then the event itself.
func (m *Memory) DeleteEvent(_ context.Context, eventID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; !ok {
		return 0, errEventNotFound(eventID)
	}
	n := len(m.guests[eventID])
	delete(m.guests, eventID)
	delete(m.events, eventID)
	return n, nil
}

// WriteDeadLetter stores a failed reconciliation.
func (m *Memory) WriteDeadLetter(_ context.Context, dl *models.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, *dl)
	return nil
}

// ListDeadLetters returns the newest records, optionally for one event.
func (m *Memory) ListDeadLetters(_ context.Context, eventID string, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []models.DeadLetter
	for i := len(m.deadLetters) - 1; i >= 0 && len(list) < limit; i-- {
		if eventID == "" || m.deadLetters[i].EventID == eventID {
			list = append(list, m.deadLetters[i])
		}
	}
	return list, nil
}
