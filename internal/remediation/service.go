package remediation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/remedy/internal/alert"
)

// ErrNotFound is returned when an execution id is unknown.
var ErrNotFound = errors.New("execution not found")

// ErrInvalidTransition is returned when an operation does not apply to the
// execution's current status (e.g. approving an execution already running).
var ErrInvalidTransition = errors.New("invalid execution state transition")

// Service is the business boundary of the remediation core: it turns an
// ingested alert into gated executions and owns the approval, cancellation,
// and startup-reconciliation lifecycle around them.
type Service struct {
	matcher *Matcher
	breaker *Breaker
	limiter *Limiter
	execs   ExecutionStore
	pool    *Pool
	logger  log.Logger
	metrics *Metrics

	now func() time.Time
}

// NewService creates the execution orchestrator.
func NewService(matcher *Matcher, breaker *Breaker, limiter *Limiter, execs ExecutionStore, pool *Pool, logger log.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		matcher: matcher,
		breaker: breaker,
		limiter: limiter,
		execs:   execs,
		pool:    pool,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Process evaluates one alert against the trigger set and gates each
// candidate through the circuit breaker, rate limiter, and approval policy
// in priority order. Every gated refusal is recorded as an execution with an
// explicit status; nothing fails silently. A denial for one candidate never
// short-circuits the rest.
func (s *Service) Process(ctx context.Context, al *alert.Alert) ([]*Execution, error) {
	L := s.logger.With("alert", al.Name, "alert_id", al.ID, "scope", al.Scope.Key())

	if !al.Firing() {
		L.Info(ctx, "ignoring non-firing alert", "status", al.Status)
		s.countAlert("not_firing")
		return nil, nil
	}

	candidates, err := s.matcher.FindCandidates(ctx, al)
	if err != nil {
		s.countAlert("error")
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	if s.metrics != nil {
		s.metrics.CandidatesPerAlert.Observe(float64(len(candidates)))
	}
	if len(candidates) == 0 {
		// The common case for most alerts; loggable, not an error.
		L.Info(ctx, "no matching triggers")
		s.countAlert("no_match")
		return nil, nil
	}
	s.countAlert("processed")

	executions := make([]*Execution, 0, len(candidates))
	for i := range candidates {
		ex := s.processCandidate(ctx, L, al, &candidates[i])
		executions = append(executions, ex)
	}
	return executions, nil
}

func (s *Service) processCandidate(ctx context.Context, L log.Logger, al *alert.Alert, c *Candidate) *Execution {
	scope := executionScope(al, c.Runbook)
	ex := s.newExecution(al, c, scope)
	L = L.With("execution", ex.ID, "trigger", c.Trigger.ID, "runbook", c.Runbook.ID)

	decision, err := s.breaker.Admit(ctx, scope)
	if err != nil {
		// Fail safe: a state-read failure denies, and we say why.
		L.Error(ctx, err, "breaker admission failed, denying")
	}
	if decision == DecisionDeny {
		s.finalize(ctx, L, ex, StatusCircuitOpen, "circuit open for scope "+scope.Key())
		s.countDecision("circuit_open")
		return ex
	}
	probe := decision == DecisionAllowProbe

	allowed, err := s.limiter.Admit(ctx, c.Runbook)
	if err != nil {
		L.Error(ctx, err, "rate limiter admission failed, denying")
	}
	if !allowed {
		s.releaseProbe(ctx, L, probe, scope)
		s.finalize(ctx, L, ex, StatusRateLimited, "rate limit reached for runbook "+c.Runbook.ID)
		s.countDecision("rate_limited")
		return ex
	}

	// Approval always wins over auto-execute; a runbook that is neither
	// approval-gated nor auto-executable also waits for a human.
	if s.needsApproval(c) {
		s.releaseProbe(ctx, L, probe, scope)
		ex.Status = StatusApprovalRequired
		if err := s.execs.Create(ctx, ex); err != nil {
			L.Error(ctx, err, "failed to record approval-gated execution")
		}
		s.countDecision("approval_required")
		L.Info(ctx, "execution awaiting approval")
		return ex
	}

	ex.Status = StatusPending
	ex.Probe = probe
	if err := s.execs.Create(ctx, ex); err != nil {
		L.Error(ctx, err, "failed to record execution")
	}
	if !s.pool.Enqueue(ex.ID) {
		s.releaseProbe(ctx, L, probe, scope)
		ex.Probe = false
		s.finalize(ctx, L, ex, StatusSkipped, "worker queue full")
		s.countDecision("queue_full")
		L.Warn(ctx, "dispatch queue full, execution skipped")
		return ex
	}
	s.countDecision("dispatched")
	L.Info(ctx, "execution enqueued", "probe", probe)
	return ex
}

// Approve transitions an APPROVAL_REQUIRED execution to PENDING and enqueues
// it. Approval is explicit human authorization, so it is not re-gated
// through the breaker or rate limiter.
func (s *Service) Approve(ctx context.Context, id string) (*Execution, error) {
	ex, ok, err := s.execs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	if ex.Status != StatusApprovalRequired {
		return nil, fmt.Errorf("approve %s in status %s: %w", id, ex.Status, ErrInvalidTransition)
	}

	ex.Status = StatusPending
	if err := s.execs.Update(ctx, ex); err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}
	if !s.pool.Enqueue(ex.ID) {
		s.finalize(ctx, s.logger, ex, StatusSkipped, "worker queue full")
		return ex, nil
	}
	s.logger.Info(ctx, "execution approved", "execution", id, "runbook", ex.RunbookID)
	return ex, nil
}

// Reject transitions an APPROVAL_REQUIRED execution to SKIPPED.
func (s *Service) Reject(ctx context.Context, id string) (*Execution, error) {
	ex, ok, err := s.execs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	if ex.Status != StatusApprovalRequired {
		return nil, fmt.Errorf("reject %s in status %s: %w", id, ex.Status, ErrInvalidTransition)
	}

	s.finalize(ctx, s.logger, ex, StatusSkipped, "rejected")
	s.logger.Info(ctx, "execution rejected", "execution", id)
	return ex, nil
}

// Cancel stops an execution that has not finished. Approval-gated and queued
// executions are skipped outright; a running execution gets a best-effort
// cancellation signal and is terminalized by its worker.
func (s *Service) Cancel(ctx context.Context, id string) (*Execution, error) {
	ex, ok, err := s.execs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	switch ex.Status {
	case StatusApprovalRequired:
		s.finalize(ctx, s.logger, ex, StatusSkipped, "cancelled before approval")
	case StatusPending:
		// The worker re-checks status on dequeue and drops this.
		s.finalize(ctx, s.logger, ex, StatusSkipped, "cancelled before dispatch")
		s.releaseProbe(ctx, s.logger, ex.Probe, ex.Scope)
	case StatusRunning:
		if !s.pool.Cancel(id) {
			s.logger.Warn(ctx, "no in-flight run to cancel", "execution", id)
		}
	default:
		return nil, fmt.Errorf("cancel %s in status %s: %w", id, ex.Status, ErrInvalidTransition)
	}
	s.logger.Info(ctx, "execution cancellation requested", "execution", id, "status", ex.Status)
	return ex, nil
}

// Get retrieves an execution by id.
func (s *Service) Get(ctx context.Context, id string) (*Execution, bool, error) {
	return s.execs.Get(ctx, id)
}

// ReconcileStuck terminalizes executions a previous process left behind.
// PENDING rows are orphans: the dispatch queue is in-memory and this runs
// before workers start, so nothing can ever dequeue them. They are skipped
// and any probe slot they held is released. RUNNING rows past the safety
// threshold are recorded as FAILED and fed to the breaker, which likewise
// resolves the probe a dead run was holding. Called once at startup.
func (s *Service) ReconcileStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	reconciled := 0

	pending, err := s.execs.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending executions: %w", err)
	}
	for _, ex := range pending {
		s.finalize(ctx, s.logger, ex, StatusSkipped, "reconciled: orphaned before dispatch")
		s.releaseProbe(ctx, s.logger, ex.Probe, ex.Scope)
		if s.metrics != nil {
			s.metrics.ReconciledTotal.Inc()
		}
		s.logger.Warn(ctx, "reconciled orphaned execution",
			"execution", ex.ID, "runbook", ex.RunbookID, "created_at", ex.CreatedAt)
		reconciled++
	}

	running, err := s.execs.ListRunning(ctx)
	if err != nil {
		return reconciled, fmt.Errorf("list running executions: %w", err)
	}

	cutoff := s.now().Add(-olderThan)
	for _, ex := range running {
		if ex.StartedAt.IsZero() || ex.StartedAt.After(cutoff) {
			continue
		}
		s.finalize(ctx, s.logger, ex, StatusFailed, "reconciled: running past safety threshold")
		if err := s.breaker.RecordOutcome(ctx, ex.Scope, ex.ID, StatusFailed); err != nil {
			s.logger.Error(ctx, err, "failed to record reconciled outcome", "execution", ex.ID)
		}
		if s.metrics != nil {
			s.metrics.ReconciledTotal.Inc()
		}
		s.logger.Warn(ctx, "reconciled stuck execution",
			"execution", ex.ID, "runbook", ex.RunbookID, "started_at", ex.StartedAt)
		reconciled++
	}
	return reconciled, nil
}

func (s *Service) newExecution(al *alert.Alert, c *Candidate, scope alert.Scope) *Execution {
	return &Execution{
		ID:          ulid.Make().String(),
		AlertID:     al.ID,
		AlertName:   al.Name,
		TriggerID:   c.Trigger.ID,
		RunbookID:   c.Runbook.ID,
		RunbookName: c.Runbook.Name,
		Scope:       scope,
		Action:      c.Runbook.Action,
		CreatedAt:   s.now(),
	}
}

// finalize stamps a terminal status and persists. Used both for gated
// refusals (created terminal) and lifecycle transitions (updated).
func (s *Service) finalize(ctx context.Context, L log.Logger, ex *Execution, status Status, outcome string) {
	exists := ex.Status != ""
	ex.Status = status
	ex.Outcome = outcome
	ex.CompletedAt = s.now()

	var err error
	if exists {
		err = s.execs.Update(ctx, ex)
	} else {
		err = s.execs.Create(ctx, ex)
	}
	if err != nil {
		L.Error(ctx, err, "failed to persist execution", "execution", ex.ID, "status", status)
	}
	if s.metrics != nil && status.Terminal() {
		s.metrics.ExecutionsTotal.WithLabelValues(string(status)).Inc()
	}
}

func (s *Service) releaseProbe(ctx context.Context, L log.Logger, probe bool, scope alert.Scope) {
	if !probe {
		return
	}
	if err := s.breaker.ReleaseProbe(ctx, scope); err != nil {
		L.Error(ctx, err, "failed to release breaker probe", "scope", scope.Key())
	}
}

func (s *Service) needsApproval(c *Candidate) bool {
	if c.Runbook.ApprovalRequired || c.Trigger.Mode == ModeApproval {
		return true
	}
	return !c.Runbook.AutoExecute
}

func (s *Service) countAlert(result string) {
	if s.metrics != nil {
		s.metrics.AlertsTotal.WithLabelValues(result).Inc()
	}
}

func (s *Service) countDecision(decision string) {
	if s.metrics != nil {
		s.metrics.DecisionsTotal.WithLabelValues(decision).Inc()
	}
}

// executionScope keys breaker state: the runbook declares the scope type it
// remediates, the alert supplies the concrete scope id.
func executionScope(al *alert.Alert, rb *Runbook) alert.Scope {
	t := rb.ScopeType
	if t == "" {
		t = al.Scope.Type
	}
	return alert.Scope{Type: t, ID: al.Scope.ID}
}
