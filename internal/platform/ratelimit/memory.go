package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxAttempts is the number of attempts allowed before an identity is blocked.
	DefaultMaxAttempts = 5
	// DefaultBlockDuration is how long a blocked identity stays blocked.
	DefaultBlockDuration = 15 * time.Minute

	pruneEvery = 256
)

// Policy configures attempt counting.
type Policy struct {
	MaxAttempts   int
	BlockDuration time.Duration
}

func (p Policy) normalise() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BlockDuration <= 0 {
		p.BlockDuration = DefaultBlockDuration
	}
	return p
}

type attemptEntry struct {
	count        int
	blockedUntil time.Time
}

// MemoryLimiter counts attempts per identity in process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	policy  Policy
	clock   func() time.Time
	entries map[string]*attemptEntry
	calls   int
}

// Option customises a limiter.
type Option func(*MemoryLimiter)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *MemoryLimiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewMemoryLimiter constructs a limiter holding state in memory.
func NewMemoryLimiter(policy Policy, opts ...Option) *MemoryLimiter {
	l := &MemoryLimiter{
		policy:  policy.normalise(),
		clock:   time.Now,
		entries: make(map[string]*attemptEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// TryAcquire records an attempt for identity and reports whether it may proceed.
// The attempt after MaxAttempts starts a block; attempts during a block are rejected
// without being counted, and an expired block clears the counter.
func (l *MemoryLimiter) TryAcquire(_ context.Context, identity string) (bool, error) {
	key := normaliseIdentity(identity)
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%pruneEvery == 0 {
		l.pruneExpiredLocked(now)
	}

	entry, ok := l.entries[key]
	if !ok {
		entry = &attemptEntry{}
		l.entries[key] = entry
	}
	if !entry.blockedUntil.IsZero() {
		if now.Before(entry.blockedUntil) {
			return false, nil
		}
		entry.count = 0
		entry.blockedUntil = time.Time{}
	}
	if entry.count >= l.policy.MaxAttempts {
		entry.blockedUntil = now.Add(l.policy.BlockDuration)
		return false, nil
	}
	entry.count++
	return true, nil
}

// ResetLimit clears all state for identity.
func (l *MemoryLimiter) ResetLimit(_ context.Context, identity string) error {
	key := normaliseIdentity(identity)
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
	return nil
}

// pruneExpiredLocked drops entries whose block has lapsed. Counters that never
// reached a block are kept so attempts keep accumulating.
func (l *MemoryLimiter) pruneExpiredLocked(now time.Time) {
	for key, entry := range l.entries {
		if !entry.blockedUntil.IsZero() && !now.Before(entry.blockedUntil) {
			delete(l.entries, key)
		}
	}
}

func normaliseIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
