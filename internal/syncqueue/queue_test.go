package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/rollcall/backend/internal/apperr"
)

type recordingProcessor struct {
	mu          sync.Mutex
	calls       []Job
	inflight    map[string]int
	maxInflight map[string]int
	fn          func(Job) error
}

func newRecordingProcessor(fn func(Job) error) *recordingProcessor {
	return &recordingProcessor{inflight: map[string]int{}, maxInflight: map[string]int{}, fn: fn}
}

func (p *recordingProcessor) Process(_ context.Context, job Job) error {
	p.mu.Lock()
	p.calls = append(p.calls, job)
	p.inflight[job.EventID]++
	if p.inflight[job.EventID] > p.maxInflight[job.EventID] {
		p.maxInflight[job.EventID] = p.inflight[job.EventID]
	}
	p.mu.Unlock()

	time.Sleep(time.Millisecond)
	var err error
	if p.fn != nil {
		err = p.fn(job)
	}

	p.mu.Lock()
	p.inflight[job.EventID]--
	p.mu.Unlock()
	return err
}

func (p *recordingProcessor) snapshot() []Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Job(nil), p.calls...)
}

type parked struct {
	kind     string
	job      Job
	attempts int
	reason   string
}

type memoryParker struct {
	mu   sync.Mutex
	jobs []parked
}

func (p *memoryParker) Park(_ context.Context, kind string, payload any, attempts int, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, parked{kind: kind, job: payload.(Job), attempts: attempts, reason: reason})
	return nil
}

func (p *memoryParker) parked() []parked {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]parked(nil), p.jobs...)
}

func newTestQueue(t *testing.T, proc Processor, parker Parker) *Queue {
	q := New(Config{
		Processor: proc,
		Parker:    parker,
		Delay:     time.Millisecond,
		Logger:    zaptest.NewLogger(t),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, q.Shutdown(ctx))
	})
	return q
}

func TestLanesAreFIFOWithOneWorkerPerEvent(t *testing.T) {
	defer goleak.VerifyNone(t)

	proc := newRecordingProcessor(nil)
	q := newTestQueue(t, proc, nil)

	const perEvent = 20
	for i := 0; i < perEvent; i++ {
		for _, ev := range []string{"evt_a", "evt_b"} {
			require.True(t, q.Enqueue(Job{EventID: ev, GuestID: fmt.Sprintf("g%02d", i)}))
		}
	}

	require.Eventually(t, func() bool { return len(proc.snapshot()) == 2*perEvent }, 5*time.Second, 5*time.Millisecond)

	order := map[string][]string{}
	for _, j := range proc.snapshot() {
		order[j.EventID] = append(order[j.EventID], j.GuestID)
	}
	for _, ev := range []string{"evt_a", "evt_b"} {
		require.Len(t, order[ev], perEvent)
		for i, id := range order[ev] {
			assert.Equal(t, fmt.Sprintf("g%02d", i), id)
		}
		assert.Equal(t, 1, proc.maxInflight[ev])
	}

	require.Eventually(t, func() bool { return !q.Status("evt_a").Processing }, time.Second, 5*time.Millisecond)
	assert.Zero(t, q.Status("evt_a").QueueSize)

	require.NoError(t, q.Shutdown(context.Background()))
}

func TestTransientFailuresAreRetriedThenDropped(t *testing.T) {
	defer goleak.VerifyNone(t)

	flaky := apperr.Transient(errors.New("quota exceeded"), "write roster")
	proc := newRecordingProcessor(func(Job) error { return flaky })
	parker := &memoryParker{}
	q := newTestQueue(t, proc, parker)

	q.Enqueue(Job{EventID: "evt_a", GuestID: "g1", Version: 2})

	require.Eventually(t, func() bool { return len(parker.parked()) == 1 }, 5*time.Second, 5*time.Millisecond)
	calls := proc.snapshot()
	require.Len(t, calls, 1+DefaultMaxRetries)
	for i, c := range calls {
		assert.Equal(t, i, c.RetryCount)
	}
	p := parker.parked()[0]
	assert.Equal(t, JobKind, p.kind)
	assert.Equal(t, "g1", p.job.GuestID)
	assert.Equal(t, 1+DefaultMaxRetries, p.attempts)
	assert.Contains(t, p.reason, "quota exceeded")

	require.NoError(t, q.Shutdown(context.Background()))
}

func TestRetriedJobGoesToTail(t *testing.T) {
	defer goleak.VerifyNone(t)

	var once sync.Once
	proc := newRecordingProcessor(func(j Job) error {
		var err error
		if j.GuestID == "g1" {
			once.Do(func() { err = apperr.Transient(errors.New("busy"), "write") })
		}
		return err
	})
	q := newTestQueue(t, proc, nil)
	q.Enqueue(Job{EventID: "evt_a", GuestID: "g1"})
	q.Enqueue(Job{EventID: "evt_a", GuestID: "g2"})

	require.Eventually(t, func() bool { return len(proc.snapshot()) == 3 }, 5*time.Second, 5*time.Millisecond)
	calls := proc.snapshot()
	assert.Equal(t, []string{"g1", "g2", "g1"}, []string{calls[0].GuestID, calls[1].GuestID, calls[2].GuestID})

	require.NoError(t, q.Shutdown(context.Background()))
}

func TestPermanentFailureIsDroppedImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)

	proc := newRecordingProcessor(func(Job) error { return apperr.NotFound("guest gone") })
	parker := &memoryParker{}
	q := newTestQueue(t, proc, parker)
	q.Enqueue(Job{EventID: "evt_a", GuestID: "g1"})

	require.Eventually(t, func() bool { return len(parker.parked()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, proc.snapshot(), 1)

	require.NoError(t, q.Shutdown(context.Background()))
}

func TestWorkerRestartsAfterIdle(t *testing.T) {
	defer goleak.VerifyNone(t)

	proc := newRecordingProcessor(nil)
	q := newTestQueue(t, proc, nil)

	q.Enqueue(Job{EventID: "evt_a", GuestID: "g1"})
	require.Eventually(t, func() bool {
		return len(proc.snapshot()) == 1 && !q.Status("evt_a").Processing
	}, 5*time.Second, 5*time.Millisecond)

	q.Enqueue(Job{EventID: "evt_a", GuestID: "g2"})
	require.Eventually(t, func() bool { return len(proc.snapshot()) == 2 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, q.Shutdown(context.Background()))
}

func TestEnqueueAfterShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := New(Config{Processor: newRecordingProcessor(nil), Delay: time.Millisecond})
	require.NoError(t, q.Shutdown(context.Background()))
	assert.False(t, q.Enqueue(Job{EventID: "evt_a", GuestID: "g1"}))
	assert.Equal(t, Status{EventID: "evt_a"}, q.Status("evt_a"))
}

func TestConcurrentEnqueueNeverStrandsJobs(t *testing.T) {
	defer goleak.VerifyNone(t)

	proc := newRecordingProcessor(nil)
	q := newTestQueue(t, proc, nil)

	const producers, perProducer = 8, 25
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(Job{EventID: "evt_a", GuestID: fmt.Sprintf("p%d-%d", p, i)})
			}
		}(p)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(proc.snapshot()) == producers*perProducer }, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, proc.maxInflight["evt_a"])

	require.NoError(t, q.Shutdown(context.Background()))
}
