package remediation

import "context"

// RuleStore supplies trigger and runbook configuration. Implementations are
// read-only from the core's point of view; operators edit rules elsewhere.
type RuleStore interface {
	ListEnabledTriggers(ctx context.Context) ([]*Trigger, error)
	GetRunbook(ctx context.Context, id string) (*Runbook, bool, error)
}

// ExecutionStore persists execution history.
type ExecutionStore interface {
	Create(ctx context.Context, ex *Execution) error
	Update(ctx context.Context, ex *Execution) error
	Get(ctx context.Context, id string) (*Execution, bool, error)
	ListPending(ctx context.Context) ([]*Execution, error)
	ListRunning(ctx context.Context) ([]*Execution, error)
}

// BreakerStore persists per-scope circuit breaker state. Callers serialize
// access per key; implementations only need plain load/save semantics.
type BreakerStore interface {
	GetBreaker(ctx context.Context, key string) (*BreakerState, bool, error)
	PutBreaker(ctx context.Context, st *BreakerState) error
}

// WindowStore persists per-runbook rate windows. Same per-key serialization
// contract as BreakerStore.
type WindowStore interface {
	GetWindow(ctx context.Context, runbookID string) (*RateWindow, bool, error)
	PutWindow(ctx context.Context, w *RateWindow) error
}

// RunRequest hands the worker's snapshot of an execution to the runner.
type RunRequest struct {
	Execution *Execution
}

// RunResult is the runner's opaque outcome detail for a successful run.
type RunResult struct {
	Detail string
}

// Runner invokes the externally defined remediation action. Implementations
// must honor context cancellation; the worker bounds every call with a
// timeout and treats errors and timeouts alike as failed outcomes.
type Runner interface {
	Execute(ctx context.Context, req *RunRequest) (*RunResult, error)
}

// Notifier receives terminal executions for out-of-band notification.
type Notifier interface {
	Send(ctx context.Context, ex *Execution) error
}
