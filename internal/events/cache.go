package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rollcall/backend/internal/models"
)

const (
	codeKeyPrefix = "rollcall:event-code:"
	// DefaultCodeTTL bounds how stale a cached code lookup can be.
	DefaultCodeTTL = time.Minute
)

// CodeLookup finds the active event for a code.
type CodeLookup interface {
	GetActiveEventByCode(ctx context.Context, code string) (*models.Event, error)
}

// CodeCache resolves staff event codes through Redis in front of the store.
// A nil cache, or a nil Redis client, always reads the store.
type CodeCache struct {
	store  CodeLookup
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// NewCodeCache creates a CodeCache. client may be nil.
func NewCodeCache(store CodeLookup, client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *CodeCache {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CodeCache{store: store, client: client, ttl: ttl, logger: logger}
}

// ResolveCode returns the active event for code. Redis failures fall back to the store.
func (c *CodeCache) ResolveCode(ctx context.Context, code string) (*models.Event, error) {
	if c.client == nil {
		return c.store.GetActiveEventByCode(ctx, code)
	}
	key := codeKeyPrefix + code
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var e models.Event
		if err := json.Unmarshal(raw, &e); err == nil {
			return &e, nil
		}
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("event code cache read", zap.Error(err))
	}

	event, err := c.store.GetActiveEventByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if body, err := json.Marshal(event); err == nil {
		if err := c.client.Set(ctx, key, body, c.ttl).Err(); err != nil {
			c.logger.Warn("event code cache write", zap.Error(err))
		}
	}
	return event, nil
}

// Invalidate drops a cached code.
func (c *CodeCache) Invalidate(ctx context.Context, code string) {
	if c == nil || c.client == nil || code == "" {
		return
	}
	if err := c.client.Del(ctx, codeKeyPrefix+code).Err(); err != nil {
		c.logger.Warn("event code cache delete", zap.String("code", code), zap.Error(err))
	}
}
