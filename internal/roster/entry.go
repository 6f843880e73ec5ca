package roster

import (
	"strings"
	"time"

	"github.com/rollcall/backend/internal/models"
)

// Entry is one parsed roster row.
type Entry struct {
	Position    int
	GuestID     string
	Name        string
	Surname     string
	Company     string
	Email       string
	CheckedIn   bool
	CheckInTime *time.Time
	Entrance    string
	CheckedInBy string
}

// Guest converts the entry to a fast store guest.
func (e Entry) Guest() models.Guest {
	pos := e.Position
	g := models.Guest{
		GuestID:          e.GuestID,
		Name:             e.Name,
		Surname:          e.Surname,
		Company:          e.Company,
		Email:            e.Email,
		ExternalPosition: &pos,
	}
	if e.CheckedIn {
		g.CheckedIn = true
		g.CheckInTime = e.CheckInTime
		g.Entrance = models.StringPtr(e.Entrance)
		g.CheckedInBy = models.StringPtr(e.CheckedInBy)
	}
	return g
}

// Fields is the check-in state written to a roster row.
type Fields struct {
	CheckedIn   bool       `json:"checked_in"`
	CheckInTime *time.Time `json:"checkin_time,omitempty"`
	Entrance    string     `json:"entrance,omitempty"`
	CheckedInBy string     `json:"checked_in_by,omitempty"`
}

// FieldsFromGuest takes the check-in state of g.
func FieldsFromGuest(g *models.Guest) Fields {
	if !g.CheckedIn {
		return Fields{}
	}
	return Fields{
		CheckedIn:   true,
		CheckInTime: g.CheckInTime,
		Entrance:    models.Deref(g.Entrance),
		CheckedInBy: models.Deref(g.CheckedInBy),
	}
}

// Update writes Fields to the row at Position.
type Update struct {
	Position int
	Fields   Fields
}

var truthy = map[string]bool{
	"si": true, "sì": true, "true": true, "1": true, "yes": true, "y": true, "x": true,
}

// ParseCheckedIn reads a check-in cell. Anything but a known truthy marker is false.
func ParseCheckedIn(v string) bool {
	return truthy[strings.ToLower(strings.TrimSpace(v))]
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

// ParseTime reads a check-in time cell; unparseable values yield nil.
func ParseTime(v string) *time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// cells renders f for the row at position.
func (l *Layout) cells(position int, f Fields) []Cell {
	var out []Cell
	add := func(col int, v string) {
		if col >= 0 {
			out = append(out, Cell{Row: position, Col: col, Value: v})
		}
	}
	marker := ""
	if f.CheckedIn {
		marker = l.Mapping.CheckedInMarker
		if marker == "" {
			marker = "TRUE"
		}
	}
	add(l.CheckIn, marker)
	if f.CheckedIn {
		add(l.CheckInTime, formatTime(f.CheckInTime))
		add(l.Entrance, f.Entrance)
		add(l.CheckedInBy, f.CheckedInBy)
	} else {
		add(l.CheckInTime, "")
		add(l.Entrance, "")
		add(l.CheckedInBy, "")
	}
	return out
}

func (l *Layout) parse(position int, row []string) Entry {
	e := Entry{
		Position:    position,
		GuestID:     cellAt(row, l.GuestID),
		Name:        cellAt(row, l.Name),
		Surname:     cellAt(row, l.Surname),
		Company:     cellAt(row, l.Company),
		Email:       cellAt(row, l.Email),
		CheckedIn:   ParseCheckedIn(cellAt(row, l.CheckIn)),
		Entrance:    cellAt(row, l.Entrance),
		CheckedInBy: cellAt(row, l.CheckedInBy),
	}
	if e.CheckedIn {
		e.CheckInTime = ParseTime(cellAt(row, l.CheckInTime))
	} else {
		e.Entrance, e.CheckedInBy = "", ""
	}
	return e
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
