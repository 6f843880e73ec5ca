package models

import "time"

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	EventActive   EventStatus = "active"
	EventInactive EventStatus = "inactive"
	EventArchived EventStatus = "archived"
)

// Valid reports whether s is a known status.
func (s EventStatus) Valid() bool {
	switch s {
	case EventActive, EventInactive, EventArchived:
		return true
	}
	return false
}

// ColumnMapping names the roster header for each guest attribute.
// Header matching is case-insensitive.
type ColumnMapping struct {
	Name        string `json:"name" yaml:"name"`
	Surname     string `json:"surname" yaml:"surname"`
	Company     string `json:"company" yaml:"company"`
	Email       string `json:"email" yaml:"email"`
	GuestID     string `json:"guest_id" yaml:"guest_id"`
	CheckIn     string `json:"checkin" yaml:"checkin"`
	CheckInTime string `json:"checkin_time" yaml:"checkin_time"`
	Entrance    string `json:"entrance" yaml:"entrance"`
	CheckedInBy string `json:"checked_in_by" yaml:"checked_in_by"`
	// CheckedInMarker is written into the check-in column for checked-in guests.
	CheckedInMarker string `json:"checked_in_marker,omitempty" yaml:"checked_in_marker"`
}

// DefaultColumnMapping matches the headers of the standard roster template.
func DefaultColumnMapping() ColumnMapping {
	return ColumnMapping{
		Name:            "nome",
		Surname:         "cognome",
		Company:         "azienda",
		Email:           "email",
		GuestID:         "guestid",
		CheckIn:         "checkin",
		CheckInTime:     "checkintime",
		Entrance:        "entrance",
		CheckedInBy:     "checkedinby",
		CheckedInMarker: "SI",
	}
}

// WithDefaults fills empty headers from def.
func (m ColumnMapping) WithDefaults(def ColumnMapping) ColumnMapping {
	fill := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	fill(&m.Name, def.Name)
	fill(&m.Surname, def.Surname)
	fill(&m.Company, def.Company)
	fill(&m.Email, def.Email)
	fill(&m.GuestID, def.GuestID)
	fill(&m.CheckIn, def.CheckIn)
	fill(&m.CheckInTime, def.CheckInTime)
	fill(&m.Entrance, def.Entrance)
	fill(&m.CheckedInBy, def.CheckedInBy)
	fill(&m.CheckedInMarker, def.CheckedInMarker)
	return m
}

// RosterLocation points at the external roster of an event.
type RosterLocation struct {
	SheetID string        `json:"sheet_id"`
	Tab     string        `json:"tab"`
	Columns ColumnMapping `json:"columns"`
}

// Key identifies the location for caching.
func (l RosterLocation) Key() string {
	return l.SheetID + "/" + l.Tab
}

// EventStats are the denormalized counters kept with the event.
type EventStats struct {
	TotalGuests    int        `json:"total_guests"`
	CheckedInCount int        `json:"checked_in_count"`
	LastCheckInAt  *time.Time `json:"last_checkin_at,omitempty"`
}

// Event is a check-in session bound to one roster.
type Event struct {
	EventID      string         `json:"event_id"`
	Name         string         `json:"name"`
	Date         string         `json:"date,omitempty"`
	EventCode    string         `json:"event_code"`
	Status       EventStatus    `json:"status"`
	Roster       RosterLocation `json:"roster"`
	Stats        EventStats     `json:"stats"`
	LastSyncedAt *time.Time     `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	CreatedBy    string         `json:"created_by,omitempty"`
}
