// Package guard protects attempt mutations against duplicate retries and
// replayed client signals. Both guards prefer a shared Redis store so that
// replicas agree; an in-process fallback covers single-node operation, but a
// production deployment without the shared store fails closed.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrBadRequestID indicates the supplied idempotency key has an invalid length.
var ErrBadRequestID = errors.New("request id must be 8-128 characters")

// ErrStoreUnavailable indicates the shared store failed and the deployment
// does not permit the in-process fallback.
var ErrStoreUnavailable = errors.New("idempotency store unavailable")

const (
	minRequestIDLen = 8
	maxRequestIDLen = 128

	// DefaultIdempotencyTTL bounds how long a request id is remembered.
	DefaultIdempotencyTTL = time.Hour
)

// IdempotencyGuard records (scope, attempt, request id) triples and reports
// replays within the retention window.
type IdempotencyGuard struct {
	redis      *redis.Client
	ttl        time.Duration
	failClosed bool
	logger     zerolog.Logger

	mu       sync.Mutex
	fallback map[string]time.Time
	now      func() time.Time
}

// NewIdempotencyGuard constructs the guard. A nil client selects the
// in-process fallback outright; failClosed should be true in production so a
// broken shared store rejects mutations instead of silently reapplying them.
func NewIdempotencyGuard(client *redis.Client, ttl time.Duration, failClosed bool, logger zerolog.Logger) *IdempotencyGuard {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}

	return &IdempotencyGuard{
		redis:      client,
		ttl:        ttl,
		failClosed: failClosed,
		logger:     logger.With().Str("component", "idempotency_guard").Logger(),
		fallback:   make(map[string]time.Time),
		now:        time.Now,
	}
}

// Check records the request id and reports whether it was already applied
// within the retention window. An empty request id degrades to "always
// apply": the mutation proceeds without replay protection.
func (g *IdempotencyGuard) Check(ctx context.Context, scope string, attemptID uint, requestID string) (alreadyApplied bool, err error) {
	if requestID == "" {
		return false, nil
	}
	if len(requestID) < minRequestIDLen || len(requestID) > maxRequestIDLen {
		return false, ErrBadRequestID
	}

	key := fmt.Sprintf("idem:%s:%d:%s", scope, attemptID, requestID)

	if g.redis != nil {
		stored, err := g.redis.SetNX(ctx, key, "1", g.ttl).Result()
		if err == nil {
			return !stored, nil
		}

		g.logger.Warn().Err(err).Str("key", key).Msg("shared idempotency store unreachable")
		if g.failClosed {
			return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	return g.checkFallback(key), nil
}

func (g *IdempotencyGuard) checkFallback(key string) bool {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for k, expiry := range g.fallback {
		if now.After(expiry) {
			delete(g.fallback, k)
		}
	}

	if expiry, ok := g.fallback[key]; ok && now.Before(expiry) {
		return true
	}

	g.fallback[key] = now.Add(g.ttl)
	return false
}
