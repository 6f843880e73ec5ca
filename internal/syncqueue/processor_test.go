package syncqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rollcall/backend/internal/apperr"
	"github.com/rollcall/backend/internal/faststore"
	"github.com/rollcall/backend/internal/models"
	"github.com/rollcall/backend/internal/roster"
)

var rosterLoc = models.RosterLocation{SheetID: "sheet-1", Tab: "Guests"}

func setup(t *testing.T) (*faststore.Memory, *roster.MemoryGrid, *RosterProcessor) {
	ctx := context.Background()
	store := faststore.NewMemory()
	require.NoError(t, store.CreateEvent(ctx, &models.Event{
		EventID: "evt_1", Name: "Gala", EventCode: "GALA26", Status: models.EventActive, Roster: rosterLoc,
	}))
	pos := 1
	_, _, err := store.UpsertRoster(ctx, "evt_1", []models.Guest{
		{GuestID: "g1", Name: "Ada", Surname: "Lovelace", ExternalPosition: &pos},
		{GuestID: "g2", Name: "Alan", Surname: "Turing"},
	}, time.Now())
	require.NoError(t, err)

	grid := roster.NewMemoryGrid()
	grid.SetRows(rosterLoc.SheetID, rosterLoc.Tab, [][]string{
		{"nome", "cognome", "guestid", "checkin", "checkintime", "entrance", "checkedinby"},
		{"Ada", "Lovelace", "g1", ""},
		{"Alan", "Turing", "g2", ""},
	})
	adapter := roster.NewAdapter(roster.Config{Grid: grid, Logger: zaptest.NewLogger(t)})
	return store, grid, NewRosterProcessor(store, adapter, nil, zaptest.NewLogger(t))
}

func TestProcessWritesAndMarksSynced(t *testing.T) {
	ctx := context.Background()
	store, grid, proc := setup(t)

	g, err := store.PerformCheckIn(ctx, "evt_1", "g1", models.CheckInData{Entrance: "Main"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, proc.Process(ctx, JobFromGuest(g, time.Now())))

	row := grid.Rows(rosterLoc.SheetID, rosterLoc.Tab)[1]
	assert.Equal(t, "SI", row[3])
	assert.Equal(t, "Main", row[5])
	after, err := store.GetGuest(ctx, "evt_1", "g1")
	require.NoError(t, err)
	assert.True(t, after.SyncedToRoster)
}

func TestProcessResolvesMissingPosition(t *testing.T) {
	ctx := context.Background()
	store, grid, proc := setup(t)

	g, err := store.PerformCheckIn(ctx, "evt_1", "g2", models.CheckInData{}, time.Now())
	require.NoError(t, err)
	require.NoError(t, proc.Process(ctx, JobFromGuest(g, time.Now())))

	assert.Equal(t, "SI", grid.Rows(rosterLoc.SheetID, rosterLoc.Tab)[2][3])
	after, err := store.GetGuest(ctx, "evt_1", "g2")
	require.NoError(t, err)
	require.NotNil(t, after.ExternalPosition)
	assert.Equal(t, 2, *after.ExternalPosition)
	assert.True(t, after.SyncedToRoster)
}

func TestProcessSkipsSupersededJob(t *testing.T) {
	ctx := context.Background()
	store, grid, proc := setup(t)

	in, err := store.PerformCheckIn(ctx, "evt_1", "g1", models.CheckInData{}, time.Now())
	require.NoError(t, err)
	_, err = store.UndoCheckIn(ctx, "evt_1", "g1", time.Now())
	require.NoError(t, err)

	require.NoError(t, proc.Process(ctx, JobFromGuest(in, time.Now())))
	assert.Zero(t, grid.WriteCalls())
	after, err := store.GetGuest(ctx, "evt_1", "g1")
	require.NoError(t, err)
	assert.False(t, after.SyncedToRoster)
}

func TestProcessFollowsGuestAfterRowsMove(t *testing.T) {
	ctx := context.Background()
	store, grid, proc := setup(t)
	// g1 is cached at position 1; the sheet is then re-sorted so g2 sits there.
	grid.SetRows(rosterLoc.SheetID, rosterLoc.Tab, [][]string{
		{"nome", "cognome", "guestid", "checkin", "checkintime", "entrance", "checkedinby"},
		{"Alan", "Turing", "g2", ""},
		{"Ada", "Lovelace", "g1", ""},
	})

	g, err := store.PerformCheckIn(ctx, "evt_1", "g1", models.CheckInData{Entrance: "Main"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, proc.Process(ctx, JobFromGuest(g, time.Now())))

	rows := grid.Rows(rosterLoc.SheetID, rosterLoc.Tab)
	assert.Equal(t, []string{"Alan", "Turing", "g2", ""}, rows[1])
	assert.Equal(t, "SI", rows[2][3])
	assert.Equal(t, "Main", rows[2][5])

	after, err := store.GetGuest(ctx, "evt_1", "g1")
	require.NoError(t, err)
	assert.True(t, after.SyncedToRoster)
	require.NotNil(t, after.ExternalPosition)
	assert.Equal(t, 2, *after.ExternalPosition)
	other, err := store.GetGuest(ctx, "evt_1", "g2")
	require.NoError(t, err)
	assert.False(t, other.CheckedIn)
}

func TestProcessRefusedWriteLeavesGuestUnsynced(t *testing.T) {
	ctx := context.Background()
	store, grid, proc := setup(t)
	grid.SetRows(rosterLoc.SheetID, rosterLoc.Tab, [][]string{
		{"nome", "cognome", "guestid", "checkin"},
		{"Ada", "Lovelace", "g1", "SI"},
	})

	g, err := store.PerformCheckIn(ctx, "evt_1", "g1", models.CheckInData{}, time.Now())
	require.NoError(t, err)
	require.NoError(t, proc.Process(ctx, JobFromGuest(g, time.Now())))

	assert.Zero(t, grid.WriteCalls())
	after, err := store.GetGuest(ctx, "evt_1", "g1")
	require.NoError(t, err)
	assert.False(t, after.SyncedToRoster)
}

// racingRoster refuses every conditional write and reports a row that does
// not show the target state, as if another writer flipped it in between.
type racingRoster struct{}

func (racingRoster) GetEntryAndPosition(context.Context, models.RosterLocation, string) (*roster.Entry, int, error) {
	return &roster.Entry{Position: 1, GuestID: "g1"}, 1, nil
}

func (racingRoster) ConditionalWrite(context.Context, models.RosterLocation, int, string, bool, roster.Fields) (bool, error) {
	return false, nil
}

func TestProcessRefusedWriteWithRaceIsTransient(t *testing.T) {
	ctx := context.Background()
	store, _, _ := setup(t)
	proc := NewRosterProcessor(store, racingRoster{}, nil, zaptest.NewLogger(t))

	g, err := store.PerformCheckIn(ctx, "evt_1", "g1", models.CheckInData{}, time.Now())
	require.NoError(t, err)
	err = proc.Process(ctx, JobFromGuest(g, time.Now()))
	assert.True(t, apperr.IsTransient(err))
}
