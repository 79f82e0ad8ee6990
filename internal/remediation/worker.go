package remediation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/sync/errgroup"
)

// PoolConfig sizes the execution worker pool.
type PoolConfig struct {
	Workers    int
	QueueSize  int
	RunTimeout time.Duration
}

// Pool runs admitted executions against the action runner. It decouples the
// admission path from dispatch with a bounded queue: enqueueing never blocks
// alert ingestion, and a saturated queue is reported to the caller instead.
type Pool struct {
	cfg      PoolConfig
	execs    ExecutionStore
	runner   Runner
	breaker  *Breaker
	notifier Notifier
	logger   log.Logger
	metrics  *Metrics

	queue    chan string
	done     chan struct{}
	stopOnce sync.Once
	g        *errgroup.Group

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	now func() time.Time
}

// NewPool creates a worker pool. The notifier may be nil.
func NewPool(cfg PoolConfig, execs ExecutionStore, runner Runner, breaker *Breaker, notifier Notifier, logger log.Logger, metrics *Metrics) *Pool {
	if logger == nil {
		logger = log.Nop()
	}
	return &Pool{
		cfg:      cfg,
		execs:    execs,
		runner:   runner,
		breaker:  breaker,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		queue:    make(chan string, cfg.QueueSize),
		done:     make(chan struct{}),
		cancels:  make(map[string]context.CancelFunc),
		now:      time.Now,
	}
}

// Start launches the workers. The context is the process lifetime context;
// cancelling it stops the pool the same way Stop does.
func (p *Pool) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	p.g = g
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-p.done:
					return nil
				case <-gctx.Done():
					return nil
				case id := <-p.queue:
					if p.metrics != nil {
						p.metrics.QueueDepth.Dec()
					}
					p.run(gctx, id)
				}
			}
		})
	}
}

// Stop tells workers to finish their current run and exit, then waits up to
// the context deadline for them to do so.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.done) })
	if p.g == nil {
		return nil
	}
	waited := make(chan error, 1)
	go func() { waited <- p.g.Wait() }()
	select {
	case err := <-waited:
		return err
	case <-ctx.Done():
		return fmt.Errorf("worker pool stop: %w", ctx.Err())
	}
}

// Enqueue offers an execution id to the dispatch queue without blocking.
// Returns false when the pool is stopped or the queue is full.
func (p *Pool) Enqueue(id string) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.queue <- id:
		if p.metrics != nil {
			p.metrics.QueueDepth.Inc()
		}
		return true
	default:
		return false
	}
}

// Cancel signals the in-flight run for the execution, if any. Best effort:
// the worker still terminalizes the execution itself.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[id]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// run executes one dequeued execution end to end: PENDING -> RUNNING ->
// SUCCEEDED|FAILED, with outcome detail recorded and the breaker fed exactly
// once per terminal execution.
func (p *Pool) run(ctx context.Context, id string) {
	L := p.logger.With("execution", id)

	ex, ok, err := p.execs.Get(ctx, id)
	if err != nil {
		L.Error(ctx, err, "failed to load queued execution")
		return
	}
	if !ok {
		L.Warn(ctx, "queued execution no longer exists")
		return
	}
	// Cancelled or otherwise moved on while queued.
	if ex.Status != StatusPending {
		L.Info(ctx, "skipping dequeued execution", "status", ex.Status)
		return
	}

	ex.Status = StatusRunning
	ex.StartedAt = p.now()
	if err := p.execs.Update(ctx, ex); err != nil {
		L.Error(ctx, err, "failed to mark execution running")
		// The run is abandoned here, so give back the scope's probe slot.
		if ex.Probe {
			if rerr := p.breaker.ReleaseProbe(ctx, ex.Scope); rerr != nil {
				L.Error(ctx, rerr, "failed to release breaker probe", "scope", ex.Scope.Key())
			}
		}
		return
	}

	rctx, cancel := context.WithTimeout(ctx, p.cfg.RunTimeout)
	p.mu.Lock()
	p.cancels[id] = cancel
	p.mu.Unlock()

	start := p.now()
	res, runErr := p.runner.Execute(rctx, &RunRequest{Execution: ex})

	cancel()
	p.mu.Lock()
	delete(p.cancels, id)
	p.mu.Unlock()

	switch {
	case runErr == nil:
		ex.Status = StatusSucceeded
		ex.Outcome = "ok"
		if res != nil && res.Detail != "" {
			ex.Outcome = res.Detail
		}
	case errors.Is(runErr, context.DeadlineExceeded):
		ex.Status = StatusFailed
		ex.Outcome = fmt.Sprintf("timed out after %s", p.cfg.RunTimeout)
	case errors.Is(runErr, context.Canceled):
		ex.Status = StatusFailed
		ex.Outcome = "cancelled"
	default:
		ex.Status = StatusFailed
		ex.Outcome = runErr.Error()
	}
	ex.CompletedAt = p.now()

	// The run context may be dead; finish bookkeeping on a detached context.
	fctx := context.WithoutCancel(ctx)

	if err := p.execs.Update(fctx, ex); err != nil {
		L.Error(fctx, err, "failed to persist execution outcome", "status", ex.Status)
	}
	if err := p.breaker.RecordOutcome(fctx, ex.Scope, ex.ID, ex.Status); err != nil {
		L.Error(fctx, err, "failed to record breaker outcome", "scope", ex.Scope.Key())
	}
	if p.metrics != nil {
		p.metrics.ExecutionsTotal.WithLabelValues(string(ex.Status)).Inc()
		p.metrics.RunDuration.WithLabelValues(string(ex.Status)).Observe(ex.CompletedAt.Sub(start).Seconds())
	}
	if p.notifier != nil {
		if err := p.notifier.Send(fctx, ex); err != nil {
			L.Warn(fctx, "outcome notification failed", "error", err)
		}
	}

	L.Info(fctx, "execution finished",
		"runbook", ex.RunbookID,
		"scope", ex.Scope.Key(),
		"status", ex.Status,
		"duration", ex.CompletedAt.Sub(start).Seconds(),
	)
}
