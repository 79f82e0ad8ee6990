// Package pgstore provides PostgreSQL implementations of the remediation
// store interfaces.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/remedy/internal/remediation"
)

var tracer = otel.Tracer("github.com/linnemanlabs/remedy/internal/remediation/pgstore")

//go:embed schema.sql
var schema string

// Store persists remediation rules, executions, and gate state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store over the given pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) span(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// ListEnabledTriggers returns all enabled triggers.
func (s *Store) ListEnabledTriggers(ctx context.Context) ([]*remediation.Trigger, error) {
	ctx, span := s.span(ctx, "pgstore.ListEnabledTriggers", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, priority, runbook_id, mode, match FROM triggers WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query triggers: %w", err))
	}
	defer rows.Close()

	var out []*remediation.Trigger
	for rows.Next() {
		var (
			t         remediation.Trigger
			mode      string
			matchJSON []byte
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Priority, &t.RunbookID, &mode, &matchJSON); err != nil {
			return nil, fail(span, fmt.Errorf("scan trigger: %w", err))
		}
		if err := json.Unmarshal(matchJSON, &t.Match); err != nil {
			return nil, fail(span, fmt.Errorf("unmarshal match for trigger %s: %w", t.ID, err))
		}
		t.Enabled = true
		t.Mode = remediation.ExecutionMode(mode)
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate triggers: %w", err))
	}
	return out, nil
}

// GetRunbook retrieves a runbook by id.
func (s *Store) GetRunbook(ctx context.Context, id string) (*remediation.Runbook, bool, error) {
	ctx, span := s.span(ctx, "pgstore.GetRunbook", "SELECT")
	defer span.End()

	var (
		rb      remediation.Runbook
		rateMax *int
		rateWin *int64
		action  []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, scope_type, auto_execute, approval_required, rate_limit_max, rate_limit_window_s, action
		 FROM runbooks WHERE id = $1`, id,
	).Scan(&rb.ID, &rb.Name, &rb.ScopeType, &rb.AutoExecute, &rb.ApprovalRequired, &rateMax, &rateWin, &action)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("scan runbook: %w", err))
	}

	if rateMax != nil && rateWin != nil {
		rb.RateLimit = &remediation.RatePolicy{
			Max:    *rateMax,
			Window: time.Duration(*rateWin) * time.Second,
		}
	}
	rb.Action = action
	return &rb, true, nil
}

// Create inserts a new execution row.
func (s *Store) Create(ctx context.Context, ex *remediation.Execution) error {
	ctx, span := s.span(ctx, "pgstore.Create", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO executions (
			id, alert_id, alert_name, trigger_id, runbook_id, runbook_name,
			scope_type, scope_id, action, status, probe, outcome, created_at, started_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		ex.ID, ex.AlertID, ex.AlertName, ex.TriggerID, ex.RunbookID, ex.RunbookName,
		ex.Scope.Type, ex.Scope.ID, []byte(ex.Action), string(ex.Status), ex.Probe, ex.Outcome,
		ex.CreatedAt, nullTime(ex.StartedAt), nullTime(ex.CompletedAt),
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert execution: %w", err))
	}
	return nil
}

// Update rewrites the mutable fields of an execution row.
func (s *Store) Update(ctx context.Context, ex *remediation.Execution) error {
	ctx, span := s.span(ctx, "pgstore.Update", "UPDATE")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`UPDATE executions SET status = $2, outcome = $3, started_at = $4, completed_at = $5 WHERE id = $1`,
		ex.ID, string(ex.Status), ex.Outcome, nullTime(ex.StartedAt), nullTime(ex.CompletedAt),
	)
	if err != nil {
		return fail(span, fmt.Errorf("update execution: %w", err))
	}
	return nil
}

const executionColumns = `id, alert_id, alert_name, trigger_id, runbook_id, runbook_name,
	scope_type, scope_id, action, status, probe, outcome, created_at, started_at, completed_at`

// Get retrieves an execution by id.
func (s *Store) Get(ctx context.Context, id string) (*remediation.Execution, bool, error) {
	ctx, span := s.span(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	ex, err := scanExecution(s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if ex == nil {
		return nil, false, nil
	}
	return ex, true, nil
}

// ListPending returns all executions still queued for dispatch.
func (s *Store) ListPending(ctx context.Context) ([]*remediation.Execution, error) {
	ctx, span := s.span(ctx, "pgstore.ListPending", "SELECT")
	defer span.End()
	return s.listByStatus(ctx, span, remediation.StatusPending, "created_at")
}

// ListRunning returns all executions currently in RUNNING state.
func (s *Store) ListRunning(ctx context.Context) ([]*remediation.Execution, error) {
	ctx, span := s.span(ctx, "pgstore.ListRunning", "SELECT")
	defer span.End()
	return s.listByStatus(ctx, span, remediation.StatusRunning, "started_at")
}

func (s *Store) listByStatus(ctx context.Context, span trace.Span, status remediation.Status, orderBy string) ([]*remediation.Execution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE status = $1 ORDER BY `+orderBy,
		string(status))
	if err != nil {
		return nil, fail(span, fmt.Errorf("query %s executions: %w", status, err))
	}
	defer rows.Close()

	var out []*remediation.Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate executions: %w", err))
	}
	return out, nil
}

// GetBreaker retrieves breaker state by scope key.
func (s *Store) GetBreaker(ctx context.Context, key string) (*remediation.BreakerState, bool, error) {
	ctx, span := s.span(ctx, "pgstore.GetBreaker", "SELECT")
	defer span.End()

	var (
		st        remediation.BreakerState
		phase     string
		openUntil *time.Time
		lastTrans *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT key, phase, failures, trips, open_until, last_transition, probe_in_flight, recent_outcome_ids
		 FROM breaker_states WHERE key = $1`, key,
	).Scan(&st.Key, &phase, &st.Failures, &st.Trips, &openUntil, &lastTrans, &st.ProbeInFlight, &st.RecentOutcomeIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("scan breaker state: %w", err))
	}

	st.Phase = remediation.BreakerPhase(phase)
	if openUntil != nil {
		st.OpenUntil = *openUntil
	}
	if lastTrans != nil {
		st.LastTransition = *lastTrans
	}
	return &st, true, nil
}

// PutBreaker upserts breaker state.
func (s *Store) PutBreaker(ctx context.Context, st *remediation.BreakerState) error {
	ctx, span := s.span(ctx, "pgstore.PutBreaker", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO breaker_states (key, phase, failures, trips, open_until, last_transition, probe_in_flight, recent_outcome_ids)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (key) DO UPDATE SET
			phase              = EXCLUDED.phase,
			failures           = EXCLUDED.failures,
			trips              = EXCLUDED.trips,
			open_until         = EXCLUDED.open_until,
			last_transition    = EXCLUDED.last_transition,
			probe_in_flight    = EXCLUDED.probe_in_flight,
			recent_outcome_ids = EXCLUDED.recent_outcome_ids`,
		st.Key, string(st.Phase), st.Failures, st.Trips,
		nullTime(st.OpenUntil), nullTime(st.LastTransition), st.ProbeInFlight, outcomeIDs(st),
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert breaker state: %w", err))
	}
	return nil
}

// GetWindow retrieves the rate window for a runbook.
func (s *Store) GetWindow(ctx context.Context, runbookID string) (*remediation.RateWindow, bool, error) {
	ctx, span := s.span(ctx, "pgstore.GetWindow", "SELECT")
	defer span.End()

	var (
		w       remediation.RateWindow
		windowS int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT runbook_id, window_start, count, max_count, window_s FROM rate_windows WHERE runbook_id = $1`,
		runbookID,
	).Scan(&w.RunbookID, &w.WindowStart, &w.Count, &w.Limit, &windowS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("scan rate window: %w", err))
	}
	w.Window = time.Duration(windowS) * time.Second
	return &w, true, nil
}

// PutWindow upserts a rate window.
func (s *Store) PutWindow(ctx context.Context, w *remediation.RateWindow) error {
	ctx, span := s.span(ctx, "pgstore.PutWindow", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO rate_windows (runbook_id, window_start, count, max_count, window_s)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (runbook_id) DO UPDATE SET
			window_start = EXCLUDED.window_start,
			count        = EXCLUDED.count,
			max_count    = EXCLUDED.max_count,
			window_s     = EXCLUDED.window_s`,
		w.RunbookID, w.WindowStart, w.Count, w.Limit, int64(w.Window/time.Second),
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert rate window: %w", err))
	}
	return nil
}

func scanExecution(row pgx.Row) (*remediation.Execution, error) {
	var (
		ex          remediation.Execution
		action      []byte
		status      string
		startedAt   *time.Time
		completedAt *time.Time
	)
	err := row.Scan(
		&ex.ID, &ex.AlertID, &ex.AlertName, &ex.TriggerID, &ex.RunbookID, &ex.RunbookName,
		&ex.Scope.Type, &ex.Scope.ID, &action, &status, &ex.Probe, &ex.Outcome,
		&ex.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	ex.Action = action
	ex.Status = remediation.Status(status)
	if startedAt != nil {
		ex.StartedAt = *startedAt
	}
	if completedAt != nil {
		ex.CompletedAt = *completedAt
	}
	return &ex, nil
}

// outcomeIDs never hands pgx a nil slice, which would encode as NULL.
func outcomeIDs(st *remediation.BreakerState) []string {
	if st.RecentOutcomeIDs == nil {
		return []string{}
	}
	return st.RecentOutcomeIDs
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
