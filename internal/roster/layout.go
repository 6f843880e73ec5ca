package roster

import (
	"fmt"
	"strings"

	"github.com/rollcall/backend/internal/apperr"
	"github.com/rollcall/backend/internal/models"
)

// Layout is a column mapping resolved against a header row.
// Indexes are zero-based; -1 marks an absent column.
type Layout struct {
	Mapping     models.ColumnMapping
	Name        int
	Surname     int
	Company     int
	Email       int
	GuestID     int
	CheckIn     int
	CheckInTime int
	Entrance    int
	CheckedInBy int
	Width       int
}

// ResolveLayout matches header names case-insensitively. The guest id and
// check-in columns are required.
func ResolveLayout(header []string, m models.ColumnMapping) (*Layout, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, dup := index[key]; !dup && key != "" {
			index[key] = i
		}
	}
	find := func(name string) int {
		if name == "" {
			return -1
		}
		if i, ok := index[strings.ToLower(name)]; ok {
			return i
		}
		return -1
	}
	l := &Layout{
		Mapping:     m,
		Name:        find(m.Name),
		Surname:     find(m.Surname),
		Company:     find(m.Company),
		Email:       find(m.Email),
		GuestID:     find(m.GuestID),
		CheckIn:     find(m.CheckIn),
		CheckInTime: find(m.CheckInTime),
		Entrance:    find(m.Entrance),
		CheckedInBy: find(m.CheckedInBy),
		Width:       len(header),
	}
	var missing []string
	if l.GuestID < 0 {
		missing = append(missing, m.GuestID)
	}
	if l.CheckIn < 0 {
		missing = append(missing, m.CheckIn)
	}
	if len(missing) > 0 {
		return nil, apperr.Validation("roster header is missing required columns %s", strings.Join(missing, ", "))
	}
	return l, nil
}

// missingCheckInColumns lists the mapped bookkeeping headers absent from header.
func missingCheckInColumns(header []string, m models.ColumnMapping) []string {
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[strings.ToLower(strings.TrimSpace(h))] = true
	}
	var out []string
	for _, name := range []string{m.GuestID, m.CheckIn, m.CheckInTime, m.Entrance, m.CheckedInBy} {
		if name != "" && !present[strings.ToLower(name)] {
			out = append(out, name)
		}
	}
	return out
}

func (l *Layout) String() string {
	return fmt.Sprintf("guestid=%s checkin=%s width=%d", ColumnName(l.GuestID), ColumnName(l.CheckIn), l.Width)
}
