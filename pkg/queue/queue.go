package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueParked is the Redis list key for jobs dropped after their retries.
	QueueParked = "worker:parked"
	// MaxParked caps the parked list; older entries are trimmed.
	MaxParked = 10000
)

// ParkedJob is a generic envelope for a dropped job.
type ParkedJob struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
	Reason   string          `json:"reason"`
	ParkedAt time.Time       `json:"parked_at"`
}

// Queue keeps dropped jobs in a capped Redis list.
type Queue struct {
	client redis.Cmdable
	logger *zap.Logger
}

// NewQueue creates a Redis-backed parked job list.
func NewQueue(client redis.Cmdable, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// Park appends a dropped job.
func (q *Queue) Park(ctx context.Context, kind string, payload any, attempts int, reason string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := ParkedJob{
		ID:       uuid.New().String(),
		Kind:     kind,
		Payload:  body,
		Attempts: attempts,
		Reason:   reason,
		ParkedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, QueueParked, raw)
	pipe.LTrim(ctx, QueueParked, -MaxParked, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Warn("job parked", zap.String("job_id", job.ID), zap.String("kind", kind), zap.Int("attempts", attempts))
	return nil
}

// List returns up to n of the most recently parked jobs, newest first.
func (q *Queue) List(ctx context.Context, n int) ([]ParkedJob, error) {
	if n <= 0 {
		n = 100
	}
	raws, err := q.client.LRange(ctx, QueueParked, int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange: %w", err)
	}
	out := make([]ParkedJob, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var job ParkedJob
		if err := json.Unmarshal([]byte(raws[i]), &job); err != nil {
			q.logger.Warn("invalid parked job", zap.String("raw", raws[i]), zap.Error(err))
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// Len returns the number of parked jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, QueueParked).Result()
}
