// Package syncqueue pushes committed check-in changes to the roster in the background.
//
// Each event has its own FIFO lane drained by at most one worker goroutine.
// Delivery is best effort: a job that keeps failing is dropped and left for
// reconciliation, which reads unsynced guests from the fast store.
package syncqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/rollcall/backend/internal/apperr"
	"github.com/rollcall/backend/internal/metrics"
	"github.com/rollcall/backend/internal/models"
	"github.com/rollcall/backend/internal/roster"
)

const (
	// DefaultDelay is the pause between two jobs of the same lane.
	DefaultDelay = 200 * time.Millisecond
	// DefaultMaxRetries is the number of re-queues before a job is dropped.
	DefaultMaxRetries = 3
	// JobKind labels parked sync jobs.
	JobKind = "roster_sync"
)

// Job is one guest change awaiting a roster write.
type Job struct {
	EventID    string        `json:"event_id"`
	GuestID    string        `json:"guest_id"`
	Version    int64         `json:"version"`
	Fields     roster.Fields `json:"fields"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	RetryCount int           `json:"retry_count"`
}

// JobFromGuest builds the job that writes the current state of g.
func JobFromGuest(g *models.Guest, now time.Time) Job {
	return Job{
		EventID:    g.EventID,
		GuestID:    g.GuestID,
		Version:    g.Version,
		Fields:     roster.FieldsFromGuest(g),
		EnqueuedAt: now,
	}
}

// Processor performs a job. Transient errors are retried.
type Processor interface {
	Process(ctx context.Context, job Job) error
}

// Parker keeps dropped jobs for inspection.
type Parker interface {
	Park(ctx context.Context, kind string, payload any, attempts int, reason string) error
}

// Config configures a Queue.
type Config struct {
	Processor  Processor
	Parker     Parker
	Delay      time.Duration
	MaxRetries int
	Clock      clock.Clock
	Metrics    *metrics.Collector
	Logger     *zap.Logger
}

// Status describes one lane.
type Status struct {
	EventID    string `json:"event_id"`
	QueueSize  int    `json:"queue_size"`
	Processing bool   `json:"processing"`
}

type lane struct {
	mu     sync.Mutex
	jobs   []Job
	active atomic.Bool
}

func (l *lane) push(job Job) {
	l.mu.Lock()
	l.jobs = append(l.jobs, job)
	l.mu.Unlock()
}

// pop removes the head job. On an empty lane it clears the active flag under
// the lane lock, so a concurrent push either lands before the check or starts
// a new worker after it.
func (l *lane) pop() (Job, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.jobs) == 0 {
		l.active.Store(false)
		return Job{}, false
	}
	job := l.jobs[0]
	l.jobs[0] = Job{}
	l.jobs = l.jobs[1:]
	return job, true
}

// Queue is the set of per-event lanes.
type Queue struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
}

// New creates a Queue. Workers start on demand.
func New(cfg Config) *Queue {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{cfg: cfg, ctx: ctx, cancel: cancel, lanes: make(map[string]*lane)}
}

// Enqueue appends a job to its event lane and starts the lane worker if idle.
// It never blocks on I/O. It returns false once the queue is shut down.
func (q *Queue) Enqueue(job Job) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	l, ok := q.lanes[job.EventID]
	if !ok {
		l = &lane{}
		q.lanes[job.EventID] = l
	}
	q.wg.Add(1)
	q.mu.Unlock()

	l.push(job)
	q.cfg.Metrics.QueueDepth(1)
	if l.active.CompareAndSwap(false, true) {
		go q.drain(job.EventID, l)
		return true
	}
	q.wg.Done()
	return true
}

// Status reports the lane of eventID.
func (q *Queue) Status(eventID string) Status {
	q.mu.Lock()
	l, ok := q.lanes[eventID]
	q.mu.Unlock()
	st := Status{EventID: eventID}
	if !ok {
		return st
	}
	l.mu.Lock()
	st.QueueSize = len(l.jobs)
	l.mu.Unlock()
	st.Processing = l.active.Load()
	return st
}

// Shutdown stops accepting jobs, cancels running workers and waits for them.
// Jobs still queued are abandoned; their guests stay unsynced.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) drain(eventID string, l *lane) {
	defer q.wg.Done()
	logger := q.cfg.Logger.With(zap.String("event_id", eventID))
	logger.Debug("sync worker started")
	for {
		job, ok := l.pop()
		if !ok {
			logger.Debug("sync worker idle")
			return
		}
		q.cfg.Metrics.QueueDepth(-1)
		q.run(logger, l, job)

		select {
		case <-q.ctx.Done():
			return
		case <-q.cfg.Clock.After(q.cfg.Delay):
		}
	}
}

func (q *Queue) run(logger *zap.Logger, l *lane, job Job) {
	err := q.cfg.Processor.Process(q.ctx, job)
	if err == nil {
		q.cfg.Metrics.QueueJob("written")
		return
	}
	if q.ctx.Err() != nil {
		return
	}
	fields := []zap.Field{zap.String("guest_id", job.GuestID), zap.Int("retry_count", job.RetryCount), zap.Error(err)}
	if apperr.IsTransient(err) && job.RetryCount < q.cfg.MaxRetries {
		job.RetryCount++
		l.push(job)
		q.cfg.Metrics.QueueDepth(1)
		q.cfg.Metrics.QueueJob("retried")
		logger.Warn("sync job failed, requeued", fields...)
		return
	}
	q.cfg.Metrics.QueueJob("dropped")
	logger.Error("sync job dropped", fields...)
	if q.cfg.Parker == nil {
		return
	}
	if perr := q.cfg.Parker.Park(q.ctx, JobKind, job, job.RetryCount+1, err.Error()); perr != nil {
		logger.Warn("park dropped sync job", zap.String("guest_id", job.GuestID), zap.Error(perr))
	}
}
