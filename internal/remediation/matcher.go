package remediation

import (
	"context"
	"fmt"
	"sort"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/remedy/internal/alert"
)

// Candidate is a matched (trigger, runbook) pair ready for gating.
type Candidate struct {
	Trigger *Trigger
	Runbook *Runbook
}

// Matcher evaluates incoming alerts against the enabled trigger set.
type Matcher struct {
	rules  RuleStore
	logger log.Logger
}

// NewMatcher creates a trigger matcher backed by the given rule store.
func NewMatcher(rules RuleStore, logger log.Logger) *Matcher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Matcher{rules: rules, logger: logger}
}

// FindCandidates returns the (trigger, runbook) pairs whose constraints the
// alert satisfies, ordered by priority descending then trigger id ascending.
// An empty result is the common case and not an error. Invalid triggers and
// dangling runbook references are logged and skipped so one bad rule never
// blocks the rest of the set.
func (m *Matcher) FindCandidates(ctx context.Context, al *alert.Alert) ([]Candidate, error) {
	triggers, err := m.rules.ListEnabledTriggers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}

	var matched []*Trigger
	for _, t := range triggers {
		if err := t.Validate(); err != nil {
			m.logger.Warn(ctx, "skipping invalid trigger", "trigger", t.ID, "error", err)
			continue
		}
		if Matches(al, t) {
			matched = append(matched, t)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].ID < matched[j].ID
	})

	candidates := make([]Candidate, 0, len(matched))
	for _, t := range matched {
		rb, ok, err := m.rules.GetRunbook(ctx, t.RunbookID)
		if err != nil {
			return candidates, fmt.Errorf("get runbook %s: %w", t.RunbookID, err)
		}
		if !ok {
			m.logger.Warn(ctx, "trigger references unknown runbook",
				"trigger", t.ID, "runbook", t.RunbookID)
			continue
		}
		candidates = append(candidates, Candidate{Trigger: t, Runbook: rb})
	}

	return candidates, nil
}
