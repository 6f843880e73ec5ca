package roster

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rollcall/backend/internal/apperr"
	"github.com/rollcall/backend/internal/models"
)

var loc = models.RosterLocation{SheetID: "sheet-1", Tab: "Guests"}

func header() []string {
	return []string{"Nome", "Cognome", "Azienda", "Email", "GuestID", "CheckIn", "CheckInTime", "Entrance", "CheckedInBy"}
}

func newTestAdapter(t *testing.T, rows [][]string) (*Adapter, *MemoryGrid) {
	grid := NewMemoryGrid()
	grid.SetRows(loc.SheetID, loc.Tab, rows)
	a := NewAdapter(Config{Grid: grid, Logger: zaptest.NewLogger(t)})
	return a, grid
}

func TestReadAllParsesAndBackfillsIDs(t *testing.T) {
	a, grid := newTestAdapter(t, [][]string{
		header(),
		{"Ada", "Lovelace", "Engines", "ada@example.com", "g1", "SI", "2026-03-14T09:00:00Z", "North", "staff@example.com"},
		{"Alan", "Turing", "", "", "", "no"},
		{},
		{"Grace", "Hopper", "", "", "g3", "true"},
	})

	entries, err := a.ReadAll(context.Background(), loc)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "g1", entries[0].GuestID)
	assert.Equal(t, 1, entries[0].Position)
	assert.True(t, entries[0].CheckedIn)
	require.NotNil(t, entries[0].CheckInTime)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC), *entries[0].CheckInTime)
	assert.Equal(t, "North", entries[0].Entrance)

	assert.True(t, strings.HasPrefix(entries[1].GuestID, "gst_"))
	assert.Len(t, entries[1].GuestID, 12)
	assert.False(t, entries[1].CheckedIn)
	assert.Equal(t, 2, entries[1].Position)

	assert.Equal(t, 4, entries[2].Position)
	assert.True(t, entries[2].CheckedIn)

	assert.Equal(t, 1, grid.WriteCalls())
	assert.Equal(t, entries[1].GuestID, grid.Rows(loc.SheetID, loc.Tab)[2][4])

	again, err := a.ReadAll(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, entries[1].GuestID, again[1].GuestID)
	assert.Equal(t, 1, grid.WriteCalls())
}

func TestReadAllRequiresColumns(t *testing.T) {
	a, _ := newTestAdapter(t, [][]string{{"Nome", "Cognome"}, {"Ada", "Lovelace"}})
	_, err := a.ReadAll(context.Background(), loc)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestParseCheckedIn(t *testing.T) {
	for _, v := range []string{"SI", "si", "Sì", "TRUE", "true", "1", "yes", "Y", "x", " si "} {
		assert.True(t, ParseCheckedIn(v), v)
	}
	for _, v := range []string{"", "no", "false", "0", "NO", "maybe"} {
		assert.False(t, ParseCheckedIn(v), v)
	}
}

func TestGetEntryAndPosition(t *testing.T) {
	a, _ := newTestAdapter(t, [][]string{
		header(),
		{"Ada", "Lovelace", "", "", "g1", ""},
		{"Alan", "Turing", "", "", "g2", "SI"},
	})
	e, pos, err := a.GetEntryAndPosition(context.Background(), loc, "g2")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
	assert.Equal(t, "Turing", e.Surname)
	assert.True(t, e.CheckedIn)

	_, _, err = a.GetEntryAndPosition(context.Background(), loc, "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestConditionalWrite(t *testing.T) {
	a, grid := newTestAdapter(t, [][]string{
		header(),
		{"Ada", "Lovelace", "", "", "g1", ""},
		{"Alan", "Turing", "", "", "g2", "SI", "2026-03-14T09:00:00Z", "South", "other@example.com"},
	})
	ctx := context.Background()
	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	fields := Fields{CheckedIn: true, CheckInTime: &at, Entrance: "North", CheckedInBy: "staff@example.com"}

	ok, err := a.ConditionalWrite(ctx, loc, 1, "g1", false, fields)
	require.NoError(t, err)
	assert.True(t, ok)
	row := grid.Rows(loc.SheetID, loc.Tab)[1]
	assert.Equal(t, []string{"Ada", "Lovelace", "", "", "g1", "SI", "2026-03-14T10:00:00Z", "North", "staff@example.com"}, row)

	// Already checked in on the roster: refused without writing.
	writes := grid.WriteCalls()
	ok, err = a.ConditionalWrite(ctx, loc, 2, "g2", false, fields)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, writes, grid.WriteCalls())
	assert.Equal(t, "South", grid.Rows(loc.SheetID, loc.Tab)[2][7])

	// Undo clears every check-in cell.
	ok, err = a.ConditionalWrite(ctx, loc, 2, "g2", true, Fields{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"Alan", "Turing", "", "", "g2", "", "", "", ""}, grid.Rows(loc.SheetID, loc.Tab)[2])
}

func TestConditionalWriteRejectsRowOfAnotherGuest(t *testing.T) {
	a, grid := newTestAdapter(t, [][]string{
		header(),
		{"Alan", "Turing", "", "", "g2", ""},
		{"Ada", "Lovelace", "", "", "g1", ""},
	})
	writes := grid.WriteCalls()

	ok, err := a.ConditionalWrite(context.Background(), loc, 1, "g1", false, Fields{CheckedIn: true})
	assert.False(t, ok)
	assert.True(t, IsRowMoved(err))
	assert.Equal(t, writes, grid.WriteCalls())
	assert.Equal(t, "", grid.Rows(loc.SheetID, loc.Tab)[1][5])
}

func TestConditionalWritePropagatesGridErrors(t *testing.T) {
	a, grid := newTestAdapter(t, [][]string{header(), {"Ada", "Lovelace", "", "", "g1", ""}})
	_, err := a.Layout(context.Background(), loc)
	require.NoError(t, err)

	boom := apperr.Transient(errors.New("quota"), "read roster row")
	grid.FailNext(boom)
	ok, err := a.ConditionalWrite(context.Background(), loc, 1, "g1", false, Fields{CheckedIn: true})
	assert.False(t, ok)
	assert.True(t, apperr.IsTransient(err))
}

func TestBatchWriteIsSingleCall(t *testing.T) {
	a, grid := newTestAdapter(t, [][]string{
		header(),
		{"Ada", "Lovelace", "", "", "g1", ""},
		{"Alan", "Turing", "", "", "g2", "SI"},
	})
	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	err := a.BatchWrite(context.Background(), loc, []Update{
		{Position: 1, Fields: Fields{CheckedIn: true, CheckInTime: &at}},
		{Position: 2, Fields: Fields{}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, grid.WriteCalls())
	rows := grid.Rows(loc.SheetID, loc.Tab)
	assert.Equal(t, "SI", rows[1][5])
	assert.Equal(t, "", rows[2][5])
}

func TestEnsureColumnsAppendsMissingHeaders(t *testing.T) {
	a, grid := newTestAdapter(t, [][]string{{"Nome", "Cognome", "CHECKIN"}, {"Ada", "Lovelace", ""}})
	added, err := a.EnsureColumns(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, []string{"guestid", "checkintime", "entrance", "checkedinby"}, added)
	assert.Equal(t, []string{"Nome", "Cognome", "CHECKIN", "guestid", "checkintime", "entrance", "checkedinby"},
		grid.Rows(loc.SheetID, loc.Tab)[0])

	added, err = a.EnsureColumns(context.Background(), loc)
	require.NoError(t, err)
	assert.Empty(t, added)
}

func TestLayoutCacheInvalidation(t *testing.T) {
	a, grid := newTestAdapter(t, [][]string{header()})
	l, err := a.Layout(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, 5, l.CheckIn)

	grid.SetRows(loc.SheetID, loc.Tab, [][]string{{"GuestID", "CheckIn"}})
	cached, err := a.Layout(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, 5, cached.CheckIn)

	a.Invalidate(loc)
	fresh, err := a.Layout(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.CheckIn)
}

func TestCustomColumnMapping(t *testing.T) {
	custom := loc
	custom.Columns = models.ColumnMapping{Name: "First", Surname: "Last", GuestID: "ID", CheckIn: "Arrived", CheckedInMarker: "YES"}
	grid := NewMemoryGrid()
	grid.SetRows(custom.SheetID, custom.Tab, [][]string{{"ID", "First", "Last", "Arrived"}, {"g1", "Ada", "Lovelace", ""}})
	a := NewAdapter(Config{Grid: grid})

	entries, err := a.ReadAll(context.Background(), custom)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Ada", entries[0].Name)

	require.NoError(t, a.BatchWrite(context.Background(), custom, []Update{{Position: 1, Fields: Fields{CheckedIn: true}}}))
	assert.Equal(t, "YES", grid.Rows(custom.SheetID, custom.Tab)[1][3])
}

func TestColumnName(t *testing.T) {
	assert.Equal(t, "A", ColumnName(0))
	assert.Equal(t, "Z", ColumnName(25))
	assert.Equal(t, "AA", ColumnName(26))
	assert.Equal(t, "AZ", ColumnName(51))
	assert.Equal(t, "'Guest''s list'!C2", A1("Guest's list", 1, 2))
}
