package queue

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Runs only against a scratch Redis given by TEST_REDIS_ADDR.
func newTestQueue(t *testing.T) *Queue {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Del(context.Background(), QueueParked).Err())
	return NewQueue(client, zaptest.NewLogger(t))
}

func TestParkAndList(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	type payload struct {
		GuestID string `json:"guest_id"`
	}
	require.NoError(t, q.Park(ctx, "roster_sync", payload{GuestID: "g1"}, 4, "quota exceeded"))
	require.NoError(t, q.Park(ctx, "roster_sync", payload{GuestID: "g2"}, 4, "quota exceeded"))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	jobs, err := q.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.JSONEq(t, `{"guest_id":"g2"}`, string(jobs[0].Payload))
	assert.Equal(t, 4, jobs[0].Attempts)
	assert.Equal(t, "quota exceeded", jobs[1].Reason)
}
