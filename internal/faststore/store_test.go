package faststore_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rollcall/backend/internal/apperr"
	"github.com/rollcall/backend/internal/faststore"
	"github.com/rollcall/backend/internal/models"
	"github.com/rollcall/backend/pkg/database"
)

type storeFactory func(t *testing.T) faststore.Store

// stores returns every Store implementation available in this environment.
// Postgres runs only when TEST_DATABASE_URL points at a scratch database.
func stores(t *testing.T) map[string]storeFactory {
	out := map[string]storeFactory{
		"memory": func(*testing.T) faststore.Store { return faststore.NewMemory() },
	}
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		return out
	}
	out["postgres"] = func(t *testing.T) faststore.Store {
		ctx := context.Background()
		pool, err := database.NewPostgresPool(ctx, dsn, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(pool.Close)
		require.NoError(t, database.Migrate(ctx, pool))
		truncate(t, pool)
		return faststore.NewPostgres(pool)
	}
	return out
}

func truncate(t *testing.T, pool *pgxpool.Pool) {
	_, err := pool.Exec(context.Background(), `TRUNCATE guests, dead_letters, events`)
	require.NoError(t, err)
}

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func seedEvent(t *testing.T, s faststore.Store, eventID, code string, guestIDs ...string) {
	ctx := context.Background()
	require.NoError(t, s.CreateEvent(ctx, &models.Event{
		EventID:   eventID,
		Name:      "Launch night",
		EventCode: code,
		Status:    models.EventActive,
		Roster:    models.RosterLocation{SheetID: "sheet", Tab: "Guests", Columns: models.DefaultColumnMapping()},
		CreatedAt: t0,
	}))
	var guests []models.Guest
	for i, id := range guestIDs {
		pos := i + 1
		guests = append(guests, models.Guest{
			GuestID:          id,
			Name:             "Name" + id,
			Surname:          fmt.Sprintf("Surname%02d", len(guestIDs)-i),
			ExternalPosition: &pos,
		})
	}
	inserted, updated, err := s.UpsertRoster(ctx, eventID, guests, t0)
	require.NoError(t, err)
	require.Equal(t, len(guestIDs), inserted)
	require.Zero(t, updated)
}

func forEachStore(t *testing.T, fn func(t *testing.T, s faststore.Store)) {
	for name, factory := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestCheckInUndoRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s faststore.Store) {
		ctx := context.Background()
		seedEvent(t, s, "evt_1", "ABC123", "g1")

		before, err := s.GetGuest(ctx, "evt_1", "g1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), before.Version)
		assert.True(t, before.SyncedToRoster)

		in, err := s.PerformCheckIn(ctx, "evt_1", "g1", models.CheckInData{Entrance: "A", CheckedInBy: "staff@example.com"}, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, in.CheckedIn)
		require.NotNil(t, in.CheckInTime)
		assert.Equal(t, "A", models.Deref(in.Entrance))
		assert.False(t, in.SyncedToRoster)
		assert.Equal(t, int64(2), in.Version)

		_, err = s.PerformCheckIn(ctx, "evt_1", "g1", models.CheckInData{}, t0.Add(2*time.Minute))
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.CodeAlreadyCheckedIn))
		e, _ := apperr.As(err)
		assert.Equal(t, in.CheckInTime.UTC(), e.Context["checkinTime"])

		out, err := s.UndoCheckIn(ctx, "evt_1", "g1", t0.Add(3*time.Minute))
		require.NoError(t, err)
		assert.False(t, out.CheckedIn)
		assert.Nil(t, out.CheckInTime)
		assert.Nil(t, out.Entrance)
		assert.Nil(t, out.CheckedInBy)
		assert.Equal(t, int64(3), out.Version)

		_, err = s.UndoCheckIn(ctx, "evt_1", "g1", t0.Add(4*time.Minute))
		assert.True(t, apperr.Is(err, apperr.CodeNotCheckedIn))

		again, err := s.PerformCheckIn(ctx, "evt_1", "g1", models.CheckInData{}, t0.Add(5*time.Minute))
		require.NoError(t, err)
		assert.True(t, again.CheckInTime.After(*in.CheckInTime))
		assert.Equal(t, int64(4), again.Version)

		ev, err := s.GetEvent(ctx, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, 1, ev.Stats.CheckedInCount)
	})
}

func TestUnknownGuest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s faststore.Store) {
		seedEvent(t, s, "evt_1", "ABC123", "g1")
		_, err := s.PerformCheckIn(context.Background(), "evt_1", "nope", models.CheckInData{}, t0)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
		_, err = s.UndoCheckIn(context.Background(), "evt_1", "nope", t0)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})
}

func TestConcurrentCheckInIsAtMostOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s faststore.Store) {
		ctx := context.Background()
		seedEvent(t, s, "evt_1", "ABC123", "g1")

		const n = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.PerformCheckIn(ctx, "evt_1", "g1", models.CheckInData{Entrance: fmt.Sprint(i)}, time.Now())
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case apperr.Is(err, apperr.CodeAlreadyCheckedIn):
					conflicts++
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, n-1, conflicts)
		g, err := s.GetGuest(ctx, "evt_1", "g1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), g.Version)
		ev, err := s.GetEvent(ctx, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, 1, ev.Stats.CheckedInCount)
	})
}

func TestCounterMatchesGuests(t *testing.T) {
	forEachStore(t, func(t *testing.T, s faststore.Store) {
		ctx := context.Background()
		seedEvent(t, s, "evt_1", "ABC123", "g1", "g2", "g3", "g4")
		for _, id := range []string{"g1", "g2", "g3"} {
			_, err := s.PerformCheckIn(ctx, "evt_1", id, models.CheckInData{}, t0)
			require.NoError(t, err)
		}
		_, err := s.UndoCheckIn(ctx, "evt_1", "g2", t0)
		require.NoError(t, err)

		guests, err := s.GetGuests(ctx, "evt_1")
		require.NoError(t, err)
		checked := 0
		for _, g := range guests {
			if g.CheckedIn {
				checked++
			}
		}
		ev, err := s.GetEvent(ctx, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, checked, ev.Stats.CheckedInCount)
		assert.Equal(t, 2, checked)
		assert.Equal(t, 4, ev.Stats.TotalGuests)
	})
}

func TestGetGuestsOrderedBySurname(t *testing.T) {
	forEachStore(t, func(t *testing.T, s faststore.Store) {
		seedEvent(t, s, "evt_1", "ABC123", "g1", "g2", "g3")
		guests, err := s.GetGuests(context.Background(), "evt_1")
		require.NoError(t, err)
		require.Len(t, guests, 3)
		assert.Equal(t, []string{"g3", "g2", "g1"}, []string{guests[0].GuestID, guests[1].GuestID, guests[2].GuestID})
	})
}

func TestUnsyncedAndVersionGuardedMark(t *testing.T) {
	forEachStore(t, func(t *testing.T, s faststore.Store) {
		ctx := context.Background()
		seedEvent(t, s, "evt_1", "ABC123", "g1", "g2", "g3")

		none, err := s.GetUnsynced(ctx, "evt_1", 0)
		require.NoError(t, err)
		assert.Empty(t, none)

		g2, err := s.PerformCheckIn(ctx, "evt_1", "g2", models.CheckInData{}, t0.Add(time.Minute))
		require.NoError(t, err)
		g1, err := s.PerformCheckIn(ctx, "evt_1", "g1", models.CheckInData{}, t0.Add(2*time.Minute))
		require.NoError(t, err)

		unsynced, err := s.GetUnsynced(ctx, "evt_1", 10)
		require.NoError(t, err)
		require.Len(t, unsynced, 2)
		assert.Equal(t, "g2", unsynced[0].GuestID)
		assert.Equal(t, "g1", unsynced[1].GuestID)

		limited, err := s.GetUnsynced(ctx, "evt_1", 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		// g1 changes again after being read, so its mark must not apply.
		_, err = s.UndoCheckIn(ctx, "evt_1", "g1", t0.Add(3*time.Minute))
		require.NoError(t, err)

		n, err := s.MarkSynced(ctx, "evt_1", []models.SyncMark{
			{GuestID: "g2", Version: g2.Version},
			{GuestID: "g1", Version: g1.Version},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		left, err := s.GetUnsynced(ctx, "evt_1", 0)
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, "g1", left[0].GuestID)
	})
}

func TestUpsertRosterIsMergeSafe(t *testing.T) {
	forEachStore(t, func(t *testing.T, s faststore.Store) {
		ctx := context.Background()
		seedEvent(t, s, "evt_1", "ABC123", "g1", "g2")
		_, err := s.PerformCheckIn(ctx, "evt_1", "g1", models.CheckInData{Entrance: "A"}, t0.Add(time.Minute))
		require.NoError(t, err)
		before, err := s.GetGuest(ctx, "evt_1", "g1")
		require.NoError(t, err)

		p1, p3 := 7, 3
		checkinAt := t0.Add(-time.Hour)
		inserted, updated, err := s.UpsertRoster(ctx, "evt_1", []models.Guest{
			{GuestID: "g1", Name: "Renamed", Surname: "Person", ExternalPosition: &p1},
			{GuestID: "g3", Name: "New", Surname: "Comer", CheckedIn: true, CheckInTime: &checkinAt, ExternalPosition: &p3},
		}, t0.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, inserted)
		assert.Equal(t, 1, updated)

		after, err := s.GetGuest(ctx, "evt_1", "g1")
		require.NoError(t, err)
		assert.Equal(t, "Renamed", after.Name)
		assert.Equal(t, 7, *after.ExternalPosition)
		assert.Equal(t, before.CheckedIn, after.CheckedIn)
		assert.Equal(t, before.Version, after.Version)
		assert.Equal(t, before.SyncedToRoster, after.SyncedToRoster)
		assert.Equal(t, models.Deref(before.Entrance), models.Deref(after.Entrance))

		g3, err := s.GetGuest(ctx, "evt_1", "g3")
		require.NoError(t, err)
		assert.True(t, g3.SyncedToRoster)
		assert.Equal(t, int64(1), g3.Version)
		assert.True(t, g3.CheckedIn)

		ev, err := s.GetEvent(ctx, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, 3, ev.Stats.TotalGuests)
		assert.Equal(t, 2, ev.Stats.CheckedInCount)
	})
}

func TestEventCodeUniqueAmongActive(t *testing.T) {
	forEachStore(t, func(t *testing.T, s faststore.Store) {
		ctx := context.Background()
		seedEvent(t, s, "evt_1", "ABC123")
		err := s.CreateEvent(ctx, &models.Event{EventID: "evt_2", Name: "Other", EventCode: "ABC123", Status: models.EventActive, CreatedAt: t0})
		assert.True(t, apperr.Is(err, apperr.CodeEventCodeTaken))

		require.NoError(t, s.UpdateEventStatus(ctx, "evt_1", models.EventArchived))
		require.NoError(t, s.CreateEvent(ctx, &models.Event{EventID: "evt_2", Name: "Other", EventCode: "ABC123", Status: models.EventActive, CreatedAt: t0}))

		ev, err := s.GetActiveEventByCode(ctx, "ABC123")
		require.NoError(t, err)
		assert.Equal(t, "evt_2", ev.EventID)

		active, err := s.ListActiveEvents(ctx)
		require.NoError(t, err)
		assert.Len(t, active, 1)
		all, err := s.ListEvents(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestDeleteEventRemovesGuests(t *testing.T) {
	forEachStore(t, func(t *testing.T, s faststore.Store) {
		ctx := context.Background()
		ids := make([]string, 0, 1200)
		for i := 0; i < 1200; i++ {
			ids = append(ids, fmt.Sprintf("g%04d", i))
		}
		seedEvent(t, s, "evt_1", "ABC123", ids...)

		n, err := s.DeleteEvent(ctx, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, 1200, n)
		_, err = s.GetEvent(ctx, "evt_1")
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
		_, err = s.DeleteEvent(ctx, "evt_1")
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})
}

func TestDeadLetters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s faststore.Store) {
		ctx := context.Background()
		for i, ev := range []string{"evt_1", "evt_2", "evt_1"} {
			require.NoError(t, s.WriteDeadLetter(ctx, &models.DeadLetter{
				ID:        fmt.Sprintf("00000000-0000-0000-0000-00000000000%d", i+1),
				EventID:   ev,
				Operation: "sync_event",
				Error:     "boom",
				Status:    models.DeadLetterPending,
				CreatedAt: t0.Add(time.Duration(i) * time.Minute),
			}))
		}
		all, err := s.ListDeadLetters(ctx, "", 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
		one, err := s.ListDeadLetters(ctx, "evt_1", 1)
		require.NoError(t, err)
		require.Len(t, one, 1)
		assert.Equal(t, "00000000-0000-0000-0000-000000000003", one[0].ID)
	})
}
