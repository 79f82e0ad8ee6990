package remediation

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/remedy/internal/alert"
)

// Decision is the breaker's answer to an admission request.
type Decision int

const (
	// DecisionDeny refuses the execution outright.
	DecisionDeny Decision = iota

	// DecisionAllow admits the execution normally.
	DecisionAllow

	// DecisionAllowProbe admits a single trial execution while half-open.
	// The caller must resolve the probe via RecordOutcome or ReleaseProbe.
	DecisionAllowProbe
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionAllowProbe:
		return "allow_probe"
	default:
		return "deny"
	}
}

// BreakerConfig holds the tunable breaker policy. All values come from
// configuration; there are no production defaults baked in here.
type BreakerConfig struct {
	// Threshold is the consecutive-failure count that opens the breaker.
	Threshold int

	// Cooldown is the initial open duration. Repeated trips double it up
	// to MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

// Breaker is the per-scope circuit breaker. It denies new executions against
// a scope that keeps failing, regardless of which trigger or runbook is
// involved. State-store read failures deny admission (fail safe) and surface
// the error to the caller.
type Breaker struct {
	store  BreakerStore
	cfg    BreakerConfig
	locks  *kmutex
	logger log.Logger

	// onTransition is invoked after every phase change, for metrics.
	onTransition func(from, to BreakerPhase)

	now func() time.Time
}

// NewBreaker creates a circuit breaker over the given state store.
func NewBreaker(store BreakerStore, cfg BreakerConfig, logger log.Logger) *Breaker {
	if logger == nil {
		logger = log.Nop()
	}
	return &Breaker{
		store:  store,
		cfg:    cfg,
		locks:  newKmutex(),
		logger: logger,
		now:    time.Now,
	}
}

// OnTransition registers a hook called after each phase change.
func (b *Breaker) OnTransition(fn func(from, to BreakerPhase)) {
	b.onTransition = fn
}

// Admit decides whether a new execution against the scope may proceed.
// While half-open at most one probe is admitted; concurrent requests are
// denied until that probe resolves.
func (b *Breaker) Admit(ctx context.Context, scope alert.Scope) (Decision, error) {
	key := scope.Key()
	unlock := b.locks.lock(key)
	defer unlock()

	st, ok, err := b.store.GetBreaker(ctx, key)
	if err != nil {
		return DecisionDeny, fmt.Errorf("breaker state read %s: %w", key, err)
	}
	if !ok {
		// No state yet means the scope has never failed: closed.
		return DecisionAllow, nil
	}

	switch st.Phase {
	case BreakerClosed:
		return DecisionAllow, nil

	case BreakerOpen:
		if b.now().Before(st.OpenUntil) {
			return DecisionDeny, nil
		}
		// Cooldown elapsed: move to half-open and admit this request as
		// the single probe.
		b.transition(ctx, st, BreakerHalfOpen)
		st.ProbeInFlight = true
		if err := b.store.PutBreaker(ctx, st); err != nil {
			return DecisionDeny, fmt.Errorf("breaker state write %s: %w", key, err)
		}
		return DecisionAllowProbe, nil

	case BreakerHalfOpen:
		if st.ProbeInFlight {
			return DecisionDeny, nil
		}
		st.ProbeInFlight = true
		if err := b.store.PutBreaker(ctx, st); err != nil {
			return DecisionDeny, fmt.Errorf("breaker state write %s: %w", key, err)
		}
		return DecisionAllowProbe, nil

	default:
		return DecisionDeny, fmt.Errorf("breaker state %s: unknown phase %q", key, st.Phase)
	}
}

// RecordOutcome feeds a terminal execution outcome into the breaker. It must
// be called exactly once per terminal execution; replays for the same
// execution id are ignored so retried feedback never double-counts.
func (b *Breaker) RecordOutcome(ctx context.Context, scope alert.Scope, executionID string, outcome Status) error {
	if outcome != StatusSucceeded && outcome != StatusFailed {
		return nil
	}

	key := scope.Key()
	unlock := b.locks.lock(key)
	defer unlock()

	st, ok, err := b.store.GetBreaker(ctx, key)
	if err != nil {
		return fmt.Errorf("breaker state read %s: %w", key, err)
	}
	if !ok {
		st = &BreakerState{Key: key, Phase: BreakerClosed, LastTransition: b.now()}
	}
	if executionID != "" {
		if st.SeenOutcome(executionID) {
			return nil
		}
		st.RememberOutcome(executionID)
	}

	switch outcome {
	case StatusSucceeded:
		if st.Phase == BreakerHalfOpen {
			b.logger.Info(ctx, "breaker probe succeeded, closing", "scope", key)
			b.transition(ctx, st, BreakerClosed)
			st.Trips = 0
		}
		st.Failures = 0
		st.ProbeInFlight = false

	case StatusFailed:
		if st.Phase == BreakerHalfOpen {
			// Failed probe: reopen with backed-off cooldown.
			st.Trips++
			st.OpenUntil = b.now().Add(b.cooldown(st.Trips))
			st.ProbeInFlight = false
			b.logger.Warn(ctx, "breaker probe failed, reopening",
				"scope", key, "open_until", st.OpenUntil)
			b.transition(ctx, st, BreakerOpen)
			break
		}
		st.Failures++
		if st.Phase == BreakerClosed && st.Failures >= b.cfg.Threshold {
			st.Trips++
			st.OpenUntil = b.now().Add(b.cooldown(st.Trips))
			b.logger.Warn(ctx, "breaker tripped",
				"scope", key, "failures", st.Failures, "open_until", st.OpenUntil)
			b.transition(ctx, st, BreakerOpen)
		}
	}

	if err := b.store.PutBreaker(ctx, st); err != nil {
		return fmt.Errorf("breaker state write %s: %w", key, err)
	}
	return nil
}

// ReleaseProbe returns an unused probe slot without recording an outcome.
// The orchestrator calls this when a probe admission does not lead to a
// dispatch (rate limited, approval gated, queue full).
func (b *Breaker) ReleaseProbe(ctx context.Context, scope alert.Scope) error {
	key := scope.Key()
	unlock := b.locks.lock(key)
	defer unlock()

	st, ok, err := b.store.GetBreaker(ctx, key)
	if err != nil {
		return fmt.Errorf("breaker state read %s: %w", key, err)
	}
	if !ok || !st.ProbeInFlight {
		return nil
	}
	st.ProbeInFlight = false
	if err := b.store.PutBreaker(ctx, st); err != nil {
		return fmt.Errorf("breaker state write %s: %w", key, err)
	}
	return nil
}

func (b *Breaker) transition(ctx context.Context, st *BreakerState, to BreakerPhase) {
	from := st.Phase
	st.Phase = to
	st.LastTransition = b.now()
	if b.onTransition != nil && from != to {
		b.onTransition(from, to)
	}
}

// cooldown returns the open duration for the given consecutive trip count:
// Cooldown doubled per trip, capped at MaxCooldown.
func (b *Breaker) cooldown(trips int) time.Duration {
	d := b.cfg.Cooldown
	for i := 1; i < trips; i++ {
		d *= 2
		if d >= b.cfg.MaxCooldown {
			return b.cfg.MaxCooldown
		}
	}
	if b.cfg.MaxCooldown > 0 && d > b.cfg.MaxCooldown {
		return b.cfg.MaxCooldown
	}
	return d
}
