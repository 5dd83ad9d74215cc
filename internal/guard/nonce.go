package guard

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrIntegrity indicates a presented nonce does not match the one bound to
// the attempt.
var ErrIntegrity = errors.New("integrity nonce mismatch")

// DefaultNonceTTL bounds how long an attempt nonce stays valid.
const DefaultNonceTTL = 6 * time.Hour

// NonceGuard binds a per-attempt secret to client-originated signals. The
// first value presented for an attempt is persisted; later presentations
// must match it exactly.
type NonceGuard struct {
	redis      *redis.Client
	ttl        time.Duration
	failClosed bool
	logger     zerolog.Logger

	mu       sync.Mutex
	fallback map[string]nonceEntry
	now      func() time.Time
}

type nonceEntry struct {
	value  string
	expiry time.Time
}

// NewNonceGuard constructs the guard with the same store semantics as the
// idempotency guard.
func NewNonceGuard(client *redis.Client, ttl time.Duration, failClosed bool, logger zerolog.Logger) *NonceGuard {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}

	return &NonceGuard{
		redis:      client,
		ttl:        ttl,
		failClosed: failClosed,
		logger:     logger.With().Str("component", "nonce_guard").Logger(),
		fallback:   make(map[string]nonceEntry),
		now:        time.Now,
	}
}

// Verify checks the presented nonce against the attempt's stored value,
// minting it from the first presentation. Mismatches return ErrIntegrity.
func (g *NonceGuard) Verify(ctx context.Context, attemptID uint, presented string) error {
	if presented == "" {
		return fmt.Errorf("%w: empty nonce", ErrIntegrity)
	}

	key := fmt.Sprintf("nonce:attempt:%d", attemptID)

	stored, err := g.load(ctx, key, presented)
	if err != nil {
		return err
	}

	return compareNonce(stored, presented)
}

func (g *NonceGuard) load(ctx context.Context, key, presented string) (string, error) {
	if g.redis != nil {
		stored, err := g.redis.Get(ctx, key).Result()
		if err == nil {
			return stored, nil
		}
		if errors.Is(err, redis.Nil) {
			// First presentation wins and is persisted for the TTL. SETNX
			// arbitrates racing first presentations; whichever value landed
			// is the one every caller compares against.
			set, setErr := g.redis.SetNX(ctx, key, presented, g.ttl).Result()
			if setErr == nil {
				if set {
					return presented, nil
				}
				stored, err = g.redis.Get(ctx, key).Result()
				if err == nil {
					return stored, nil
				}
			} else {
				err = setErr
			}
		}

		g.logger.Warn().Err(err).Str("key", key).Msg("shared nonce store unreachable")
		if g.failClosed {
			return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	return g.loadFallback(key, presented), nil
}

func (g *NonceGuard) loadFallback(key, presented string) string {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if entry, ok := g.fallback[key]; ok && now.Before(entry.expiry) {
		return entry.value
	}

	g.fallback[key] = nonceEntry{value: presented, expiry: now.Add(g.ttl)}
	return presented
}

// compareNonce length-checks before the constant-time byte comparison so the
// comparison itself cannot leak length through timing.
func compareNonce(stored, presented string) error {
	if len(stored) != len(presented) {
		return ErrIntegrity
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		return ErrIntegrity
	}
	return nil
}
