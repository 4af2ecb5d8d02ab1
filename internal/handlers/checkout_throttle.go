package handlers

import (
	"strings"
	"sync"
	"time"

	"github.com/bookstore/payments/internal/platform/auth"
)

// checkoutThrottle admits at most limit checkout attempts per payer in any rolling window.
// Each payer keeps the timestamps of its admitted attempts; the oldest one decides when the
// next slot opens.
type checkoutThrottle struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu       sync.Mutex
	attempts map[string][]time.Time
}

func newCheckoutThrottle(limit int, window time.Duration, clock func() time.Time) *checkoutThrottle {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &checkoutThrottle{
		limit:    limit,
		window:   window,
		clock:    clock,
		attempts: make(map[string][]time.Time),
	}
}

// admit records an attempt for the payer behind identity. A rejected attempt is not recorded
// and reports how long until the payer's oldest attempt leaves the window.
func (t *checkoutThrottle) admit(identity *auth.Identity) (time.Duration, bool) {
	if t == nil || identity == nil {
		return 0, true
	}
	payer := strings.TrimSpace(identity.PayerID)
	now := t.clock()
	cutoff := now.Add(-t.window)

	t.mu.Lock()
	defer t.mu.Unlock()

	recent := dropBefore(t.attempts[payer], cutoff)
	if len(recent) >= t.limit {
		t.attempts[payer] = recent
		return recent[0].Sub(cutoff), false
	}
	t.attempts[payer] = append(recent, now)

	if len(t.attempts) > 1024 {
		t.forgetIdleLocked(cutoff)
	}
	return 0, true
}

func (t *checkoutThrottle) forgetIdleLocked(cutoff time.Time) {
	for payer, stamps := range t.attempts {
		if len(dropBefore(stamps, cutoff)) == 0 {
			delete(t.attempts, payer)
		}
	}
}

// dropBefore returns the suffix of stamps newer than cutoff. stamps is ascending.
func dropBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}
