package remediation

import (
	"context"
	"fmt"
	"time"
)

// LimiterConfig supplies the rate policy applied to runbooks that do not
// carry their own. A DefaultMax of zero disables limiting for such runbooks.
type LimiterConfig struct {
	DefaultMax    int
	DefaultWindow time.Duration
}

// Limiter bounds how often each runbook may execute using a fixed counting
// window per runbook id. Admission is a check-and-increment under a per-key
// lock, so the admitted count never exceeds the limit within a window even
// under concurrent calls. Independent of the circuit breaker: a healthy
// scope can still be denied purely on throughput grounds.
type Limiter struct {
	store WindowStore
	cfg   LimiterConfig
	locks *kmutex

	now func() time.Time
}

// NewLimiter creates a rate limiter over the given window store.
func NewLimiter(store WindowStore, cfg LimiterConfig) *Limiter {
	return &Limiter{
		store: store,
		cfg:   cfg,
		locks: newKmutex(),
		now:   time.Now,
	}
}

// Admit reports whether the runbook may execute now, consuming one slot of
// its current window when allowed. A state-store failure denies admission
// (fail safe) and surfaces the error.
func (l *Limiter) Admit(ctx context.Context, rb *Runbook) (bool, error) {
	max, window := l.policy(rb)
	if max <= 0 {
		return true, nil
	}

	unlock := l.locks.lock(rb.ID)
	defer unlock()

	w, ok, err := l.store.GetWindow(ctx, rb.ID)
	if err != nil {
		return false, fmt.Errorf("rate window read %s: %w", rb.ID, err)
	}

	now := l.now()
	if !ok || now.Sub(w.WindowStart) >= window {
		w = &RateWindow{
			RunbookID:   rb.ID,
			WindowStart: now,
			Limit:       max,
			Window:      window,
		}
	}

	if w.Count >= w.Limit {
		return false, nil
	}

	w.Count++
	if err := l.store.PutWindow(ctx, w); err != nil {
		return false, fmt.Errorf("rate window write %s: %w", rb.ID, err)
	}
	return true, nil
}

func (l *Limiter) policy(rb *Runbook) (int, time.Duration) {
	if rb.RateLimit != nil && rb.RateLimit.Max > 0 && rb.RateLimit.Window > 0 {
		return rb.RateLimit.Max, rb.RateLimit.Window
	}
	return l.cfg.DefaultMax, l.cfg.DefaultWindow
}
