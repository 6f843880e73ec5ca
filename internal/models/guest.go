package models

import "time"

// Guest is one roster entry of an event and its check-in state.
type Guest struct {
	GuestID          string     `json:"guest_id"`
	EventID          string     `json:"event_id"`
	Name             string     `json:"name"`
	Surname          string     `json:"surname"`
	Company          string     `json:"company,omitempty"`
	Email            string     `json:"email,omitempty"`
	CheckedIn        bool       `json:"checked_in"`
	CheckInTime      *time.Time `json:"checkin_time,omitempty"`
	Entrance         *string    `json:"entrance,omitempty"`
	CheckedInBy      *string    `json:"checked_in_by,omitempty"`
	SyncedToRoster   bool       `json:"synced_to_roster"`
	LastModified     time.Time  `json:"last_modified"`
	Version          int64      `json:"version"`
	ExternalPosition *int       `json:"external_position,omitempty"`
}

// CheckInData is the optional metadata recorded with a check-in.
type CheckInData struct {
	Entrance    string `json:"entrance,omitempty"`
	CheckedInBy string `json:"checked_in_by,omitempty"`
}

// SyncMark identifies a guest whose state at Version has been written to the roster.
// Marks for guests that changed since are ignored.
type SyncMark struct {
	GuestID string
	Version int64
}

// ClearCheckIn resets the check-in fields to the not-checked-in state.
func (g *Guest) ClearCheckIn() {
	g.CheckedIn = false
	g.CheckInTime = nil
	g.Entrance = nil
	g.CheckedInBy = nil
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
