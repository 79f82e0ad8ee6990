package remediation

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/linnemanlabs/remedy/internal/alert"
)

// LabelOp is the comparison applied by a label constraint.
type LabelOp string

const (
	LabelEquals   LabelOp = "equals"
	LabelContains LabelOp = "contains"
)

// LabelConstraint requires an alert label to equal or contain a value.
type LabelConstraint struct {
	Key   string  `json:"key" yaml:"key"`
	Op    LabelOp `json:"op" yaml:"op"`
	Value string  `json:"value" yaml:"value"`
}

// MatchRule is the predicate half of a trigger. Unset fields are wildcards.
type MatchRule struct {
	// NamePattern matches the alert name. Plain patterns are globs matched
	// case-insensitively; patterns anchored with ^ or $ are compiled as
	// case-sensitive regular expressions.
	NamePattern string            `json:"name_pattern" yaml:"name"`
	Severities  []alert.Severity  `json:"severities" yaml:"severities"`
	Labels      []LabelConstraint `json:"labels" yaml:"labels"`
}

// ExecutionMode controls whether a matched trigger dispatches automatically.
type ExecutionMode string

const (
	ModeAuto     ExecutionMode = "auto"
	ModeApproval ExecutionMode = "approval"
)

// Trigger maps alert-matching criteria to a runbook. Operators own these;
// the core treats them as read-only at match time.
type Trigger struct {
	ID        string        `json:"id" yaml:"id"`
	Name      string        `json:"name" yaml:"name"`
	Enabled   bool          `json:"enabled" yaml:"enabled"`
	Priority  int           `json:"priority" yaml:"priority"`
	Match     MatchRule     `json:"match" yaml:"match"`
	RunbookID string        `json:"runbook_id" yaml:"runbook"`
	Mode      ExecutionMode `json:"mode" yaml:"mode"`
}

// Validate reports configuration problems that would make the trigger
// unusable at match time. Invalid triggers are skipped, not fatal.
func (t *Trigger) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("trigger has no id")
	}
	if t.RunbookID == "" {
		return fmt.Errorf("trigger %s: no runbook id", t.ID)
	}
	if p := t.Match.NamePattern; p != "" {
		if anchored(p) {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("trigger %s: bad name regexp %q: %w", t.ID, p, err)
			}
		} else if _, err := path.Match(strings.ToLower(p), ""); err != nil {
			return fmt.Errorf("trigger %s: bad name glob %q: %w", t.ID, p, err)
		}
	}
	for _, lc := range t.Match.Labels {
		if lc.Key == "" {
			return fmt.Errorf("trigger %s: label constraint with empty key", t.ID)
		}
		switch lc.Op {
		case LabelEquals, LabelContains, "":
		default:
			return fmt.Errorf("trigger %s: unknown label op %q", t.ID, lc.Op)
		}
	}
	switch t.Mode {
	case ModeAuto, ModeApproval, "":
	default:
		return fmt.Errorf("trigger %s: unknown mode %q", t.ID, t.Mode)
	}
	return nil
}

// RatePolicy bounds how often a runbook may execute. Zero Max means the
// configured defaults apply.
type RatePolicy struct {
	Max    int           `json:"max" yaml:"max"`
	Window time.Duration `json:"window" yaml:"window"`
}

// Runbook is a pre-authorized remediation action with execution policy.
// The action itself is opaque to the core and handed to the runner as-is.
type Runbook struct {
	ID               string          `json:"id" yaml:"id"`
	Name             string          `json:"name" yaml:"name"`
	ScopeType        string          `json:"scope_type" yaml:"scope_type"`
	AutoExecute      bool            `json:"auto_execute" yaml:"auto_execute"`
	ApprovalRequired bool            `json:"approval_required" yaml:"approval_required"`
	RateLimit        *RatePolicy     `json:"rate_limit,omitempty" yaml:"-"`
	Action           json.RawMessage `json:"action" yaml:"-"`
}

// Status tracks where an execution is in its lifecycle.
type Status string

const (
	// StatusPending means admitted and queued for dispatch.
	StatusPending Status = "pending"

	// StatusApprovalRequired means gated on an explicit approve call.
	StatusApprovalRequired Status = "approval_required"

	// StatusRunning means the action runner has been invoked.
	StatusRunning Status = "running"

	// StatusSucceeded and StatusFailed are the runner outcomes.
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"

	// StatusSkipped means an operator rejected or cancelled the execution
	// before it ran, or the dispatch queue was saturated.
	StatusSkipped Status = "skipped"

	// StatusCircuitOpen means the scope's breaker denied admission.
	StatusCircuitOpen Status = "circuit_open"

	// StatusRateLimited means the runbook's rate window was exhausted.
	StatusRateLimited Status = "rate_limited"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusCircuitOpen, StatusRateLimited:
		return true
	}
	return false
}

// Execution is one concrete attempt (or gated refusal) to run a runbook in
// response to an alert. Trigger and runbook identity plus the action payload
// are snapshotted at creation so later rule edits do not rewrite history.
type Execution struct {
	ID          string          `json:"id"`
	AlertID     string          `json:"alert_id"`
	AlertName   string          `json:"alert_name"`
	TriggerID   string          `json:"trigger_id"`
	RunbookID   string          `json:"runbook_id"`
	RunbookName string          `json:"runbook_name"`
	Scope       alert.Scope     `json:"scope"`
	Action      json.RawMessage `json:"action,omitempty"`
	Status      Status          `json:"status"`
	Probe       bool            `json:"probe,omitempty"` // holds the scope's half-open probe slot
	Outcome     string          `json:"outcome,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// BreakerPhase is the circuit breaker state for one scope.
type BreakerPhase string

const (
	BreakerClosed   BreakerPhase = "closed"
	BreakerOpen     BreakerPhase = "open"
	BreakerHalfOpen BreakerPhase = "half_open"
)

// recentOutcomeCap bounds the replay guard. Outcomes for different executions
// in the same scope interleave, so the guard must remember more than the last
// id seen.
const recentOutcomeCap = 16

// BreakerState is the persisted per-scope breaker record. Created lazily on
// the first relevant outcome or admission, never deleted.
type BreakerState struct {
	Key            string       `json:"key"` // scope_type/scope_id
	Phase          BreakerPhase `json:"phase"`
	Failures       int          `json:"failures"`
	Trips          int          `json:"trips"` // consecutive opens, drives backoff
	OpenUntil      time.Time    `json:"open_until"`
	LastTransition time.Time    `json:"last_transition"`
	ProbeInFlight  bool         `json:"probe_in_flight"`

	// RecentOutcomeIDs is the replay guard for RecordOutcome: execution ids
	// already counted, oldest first.
	RecentOutcomeIDs []string `json:"recent_outcome_ids,omitempty"`
}

// SeenOutcome reports whether the execution id was already counted.
func (st *BreakerState) SeenOutcome(executionID string) bool {
	for _, id := range st.RecentOutcomeIDs {
		if id == executionID {
			return true
		}
	}
	return false
}

// RememberOutcome adds the execution id to the replay guard, evicting the
// oldest entries past the cap.
func (st *BreakerState) RememberOutcome(executionID string) {
	st.RecentOutcomeIDs = append(st.RecentOutcomeIDs, executionID)
	if n := len(st.RecentOutcomeIDs); n > recentOutcomeCap {
		st.RecentOutcomeIDs = st.RecentOutcomeIDs[n-recentOutcomeCap:]
	}
}

// RateWindow is the persisted fixed-window counter for one runbook.
type RateWindow struct {
	RunbookID   string        `json:"runbook_id"`
	WindowStart time.Time     `json:"window_start"`
	Count       int           `json:"count"`
	Limit       int           `json:"limit"`
	Window      time.Duration `json:"window"`
}

func anchored(pattern string) bool {
	return strings.HasPrefix(pattern, "^") || strings.HasSuffix(pattern, "$")
}
