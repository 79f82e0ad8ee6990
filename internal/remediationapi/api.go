// Package remediationapi exposes the remediation core over HTTP: alert
// ingestion plus the execution approval/query surface.
package remediationapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/remedy/internal/alert"
	"github.com/linnemanlabs/remedy/internal/authmw"
	"github.com/linnemanlabs/remedy/internal/remediation"
)

// Service defines the business operations the API needs.
type Service interface {
	Process(ctx context.Context, al *alert.Alert) ([]*remediation.Execution, error)
	Approve(ctx context.Context, id string) (*remediation.Execution, error)
	Reject(ctx context.Context, id string) (*remediation.Execution, error)
	Cancel(ctx context.Context, id string) (*remediation.Execution, error)
	Get(ctx context.Context, id string) (*remediation.Execution, bool, error)
}

// Options tunes the API surface.
type Options struct {
	// Token protects the mutating execution endpoints when set.
	Token string

	// IngestRate/IngestBurst bound webhook deliveries per second. Zero
	// disables the guard. This is overload protection for the boundary,
	// independent of the per-runbook rate limiter in the core.
	IngestRate  float64
	IngestBurst int
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	svc     Service
	ingest  *rate.Limiter
	token   string
}

// New creates a new API handler.
func New(logger log.Logger, svc Service, opts Options) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("remediation service is required"))
	}
	var ingest *rate.Limiter
	if opts.IngestRate > 0 {
		ingest = rate.NewLimiter(rate.Limit(opts.IngestRate), opts.IngestBurst)
	}
	return &API{
		logger: logger,
		svc:    svc,
		ingest: ingest,
		token:  opts.Token,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleIngestAlerts)
		r.Get("/executions/{id}", a.handleGetExecution)

		r.Group(func(r chi.Router) {
			if a.token != "" {
				r.Use(authmw.BearerToken(a.token))
			}
			r.Post("/executions/{id}/approve", a.handleApprove)
			r.Post("/executions/{id}/reject", a.handleReject)
			r.Post("/executions/{id}/cancel", a.handleCancel)
		})
	})
}

func (a *API) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("remedy.execution.id", id))

	ex, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get execution", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("remedy.execution.status", string(ex.Status)))
	writeJSON(w, http.StatusOK, ex)
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, "approve", a.svc.Approve)
}

func (a *API) handleReject(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, "reject", a.svc.Reject)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, "cancel", a.svc.Cancel)
}

func (a *API) transition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) (*remediation.Execution, error)) {
	id := chi.URLParam(r, "id")

	ex, err := fn(r.Context(), id)
	switch {
	case errors.Is(err, remediation.ErrNotFound):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	case errors.Is(err, remediation.ErrInvalidTransition):
		http.Error(w, `{"error":"execution is not in a state that allows this"}`, http.StatusConflict)
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "execution transition failed", "op", op, "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ex)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
