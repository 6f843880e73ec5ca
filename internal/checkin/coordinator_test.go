package checkin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rollcall/backend/internal/apperr"
	"github.com/rollcall/backend/internal/faststore"
	"github.com/rollcall/backend/internal/models"
	"github.com/rollcall/backend/internal/syncqueue"
	"github.com/rollcall/backend/pkg/retry"
)

type captureQueue struct {
	mu   sync.Mutex
	jobs []syncqueue.Job
}

func (q *captureQueue) Enqueue(job syncqueue.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return true
}

func (q *captureQueue) all() []syncqueue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]syncqueue.Job(nil), q.jobs...)
}

// flakyStore fails the first n check-in transactions with a transient error.
type flakyStore struct {
	faststore.GuestStore
	failures atomic.Int32
	calls    atomic.Int32
	err      error
}

func (s *flakyStore) PerformCheckIn(ctx context.Context, eventID, guestID string, data models.CheckInData, at time.Time) (*models.Guest, error) {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return nil, s.err
	}
	return s.GuestStore.PerformCheckIn(ctx, eventID, guestID, data, at)
}

func fastPolicy() *retry.Policy {
	p := DefaultRetryPolicy()
	p.Backoff = func(int) time.Duration { return time.Millisecond }
	return &p
}

func seed(t *testing.T) *faststore.Memory {
	ctx := context.Background()
	store := faststore.NewMemory()
	require.NoError(t, store.CreateEvent(ctx, &models.Event{
		EventID: "evt_1", Name: "Gala", EventCode: "GALA26", Status: models.EventActive,
	}))
	_, _, err := store.UpsertRoster(ctx, "evt_1", []models.Guest{
		{GuestID: "g1", Name: "Ada", Surname: "Lovelace"},
		{GuestID: "g2", Name: "Alan", Surname: "Turing"},
	}, time.Now())
	require.NoError(t, err)
	return store
}

func newCoordinator(t *testing.T, store faststore.GuestStore, q Enqueuer) *Coordinator {
	return NewCoordinator(Config{Store: store, Queue: q, Retry: fastPolicy(), Logger: zaptest.NewLogger(t)})
}

func TestCheckInUndoCheckInScenario(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	q := &captureQueue{}
	coord := newCoordinator(t, store, q)

	before, err := store.GetGuest(ctx, "evt_1", "g1")
	require.NoError(t, err)

	first, err := coord.CheckIn(ctx, "evt_1", "g1", models.CheckInData{Entrance: "Main", CheckedInBy: "staff@example.com"})
	require.NoError(t, err)
	require.NotNil(t, first.CheckInTime)
	assert.True(t, first.CheckedIn)
	assert.Equal(t, before.Version+1, first.Version)

	_, err = coord.CheckIn(ctx, "evt_1", "g1", models.CheckInData{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeAlreadyCheckedIn))
	e, _ := apperr.As(err)
	assert.Equal(t, first.CheckInTime.UTC(), e.Context["checkinTime"])

	undone, err := coord.UndoCheckIn(ctx, "evt_1", "g1")
	require.NoError(t, err)
	assert.False(t, undone.CheckedIn)
	assert.Nil(t, undone.CheckInTime)
	assert.Nil(t, undone.Entrance)

	second, err := coord.CheckIn(ctx, "evt_1", "g1", models.CheckInData{Entrance: "Side"})
	require.NoError(t, err)
	assert.True(t, second.CheckInTime.After(*first.CheckInTime))
	assert.Equal(t, first.Version+2, second.Version)
	assert.Equal(t, "Side", models.Deref(second.Entrance))
	assert.False(t, second.SyncedToRoster)

	jobs := q.all()
	require.Len(t, jobs, 3)
	assert.Equal(t, second.Version, jobs[2].Version)
	assert.True(t, jobs[2].Fields.CheckedIn)
	assert.False(t, jobs[1].Fields.CheckedIn)
}

func TestUndoWithoutCheckIn(t *testing.T) {
	coord := newCoordinator(t, seed(t), nil)
	_, err := coord.UndoCheckIn(context.Background(), "evt_1", "g2")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeNotCheckedIn, apperr.CodeOf(err))
}

func TestUnknownGuestIsNotFound(t *testing.T) {
	coord := newCoordinator(t, seed(t), nil)
	_, err := coord.CheckIn(context.Background(), "evt_1", "nope", models.CheckInData{})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestValidation(t *testing.T) {
	store := &flakyStore{GuestStore: seed(t)}
	coord := newCoordinator(t, store, nil)

	long := make([]byte, MaxEntranceLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err := coord.CheckIn(context.Background(), "evt_1", "g1", models.CheckInData{Entrance: string(long)})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = coord.CheckIn(context.Background(), "evt_1", "", models.CheckInData{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Zero(t, store.calls.Load())
}

func TestTransientFailuresAreRetried(t *testing.T) {
	store := &flakyStore{GuestStore: seed(t), err: apperr.Transient(errors.New("serialization failure"), "check in")}
	store.failures.Store(3)
	q := &captureQueue{}
	coord := newCoordinator(t, store, q)

	g, err := coord.CheckIn(context.Background(), "evt_1", "g1", models.CheckInData{})
	require.NoError(t, err)
	assert.True(t, g.CheckedIn)
	assert.EqualValues(t, 4, store.calls.Load())
	assert.Len(t, q.all(), 1)
}

func TestExhaustedRetriesAreUnavailable(t *testing.T) {
	store := &flakyStore{GuestStore: seed(t), err: apperr.Transient(errors.New("deadlock detected"), "check in")}
	store.failures.Store(100)
	q := &captureQueue{}
	coord := newCoordinator(t, store, q)

	_, err := coord.CheckIn(context.Background(), "evt_1", "g1", models.CheckInData{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeRetryExhausted, apperr.CodeOf(err))
	assert.NotContains(t, err.Error(), "attempt")
	assert.EqualValues(t, 5, store.calls.Load())
	assert.Empty(t, q.all())
}

func TestSemanticErrorsAreNotRetried(t *testing.T) {
	store := &flakyStore{GuestStore: seed(t), err: apperr.NotFound("guest gone")}
	store.failures.Store(100)
	coord := newCoordinator(t, store, nil)

	_, err := coord.CheckIn(context.Background(), "evt_1", "g1", models.CheckInData{})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.EqualValues(t, 1, store.calls.Load())
}

func TestConcurrentCheckInsSucceedOnce(t *testing.T) {
	store := seed(t)
	q := &captureQueue{}
	coord := newCoordinator(t, store, q)

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winner    *models.Guest
		conflicts []*apperr.Error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := coord.CheckIn(context.Background(), "evt_1", "g2", models.CheckInData{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				assert.Nil(t, winner, "second successful check-in")
				winner = g
			case apperr.Is(err, apperr.CodeAlreadyCheckedIn):
				e, _ := apperr.As(err)
				conflicts = append(conflicts, e)
			}
		}()
	}
	wg.Wait()

	require.NotNil(t, winner)
	require.NotNil(t, winner.CheckInTime)
	require.Len(t, conflicts, n-1)
	for _, e := range conflicts {
		assert.Equal(t, winner.CheckInTime.UTC(), e.Context["checkinTime"])
	}
	assert.Len(t, q.all(), 1)

	event, err := store.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, 1, event.Stats.CheckedInCount)
}
