package remediationapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/remedy/internal/alert"
	"github.com/linnemanlabs/remedy/internal/remediation"
)

type mockService struct {
	mu        sync.Mutex
	processed []*alert.Alert

	processFn func(ctx context.Context, al *alert.Alert) ([]*remediation.Execution, error)
	approveFn func(ctx context.Context, id string) (*remediation.Execution, error)
	rejectFn  func(ctx context.Context, id string) (*remediation.Execution, error)
	cancelFn  func(ctx context.Context, id string) (*remediation.Execution, error)
	getFn     func(ctx context.Context, id string) (*remediation.Execution, bool, error)
}

func (m *mockService) Process(ctx context.Context, al *alert.Alert) ([]*remediation.Execution, error) {
	m.mu.Lock()
	m.processed = append(m.processed, al)
	m.mu.Unlock()
	if m.processFn != nil {
		return m.processFn(ctx, al)
	}
	return nil, nil
}

func (m *mockService) Approve(ctx context.Context, id string) (*remediation.Execution, error) {
	if m.approveFn != nil {
		return m.approveFn(ctx, id)
	}
	return &remediation.Execution{ID: id, Status: remediation.StatusPending}, nil
}

func (m *mockService) Reject(ctx context.Context, id string) (*remediation.Execution, error) {
	if m.rejectFn != nil {
		return m.rejectFn(ctx, id)
	}
	return &remediation.Execution{ID: id, Status: remediation.StatusSkipped}, nil
}

func (m *mockService) Cancel(ctx context.Context, id string) (*remediation.Execution, error) {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, id)
	}
	return &remediation.Execution{ID: id, Status: remediation.StatusSkipped}, nil
}

func (m *mockService) Get(ctx context.Context, id string) (*remediation.Execution, bool, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, false, nil
}

func (m *mockService) processedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processed)
}

func newTestRouter(t *testing.T, svc *mockService, opts Options) chi.Router {
	t.Helper()
	api := New(nil, svc, opts)
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, &mockService{}, Options{})
	if api == nil {
		t.Fatal("New(nil, svc) returned nil API")
	}
	if api.logger == nil {
		t.Fatal("New(nil, svc) left logger nil; expected Nop logger")
	}
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil) did not panic; expected panic for nil service")
		}
	}()
	New(nil, nil, Options{})
}

func TestNew_IngestLimiter(t *testing.T) {
	t.Parallel()

	api := New(nil, &mockService{}, Options{})
	if api.ingest != nil {
		t.Error("zero IngestRate built a limiter; expected nil")
	}

	api = New(nil, &mockService{}, Options{IngestRate: 10, IngestBurst: 20})
	if api.ingest == nil {
		t.Error("positive IngestRate did not build a limiter")
	}
}

// Routing

func TestRegisterRoutes_Methods(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &mockService{}, Options{})

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"POST alerts", http.MethodPost, "/api/v1/alerts", http.StatusAccepted},
		{"GET alerts not allowed", http.MethodGet, "/api/v1/alerts", http.StatusMethodNotAllowed},
		{"GET execution not found", http.MethodGet, "/api/v1/executions/x", http.StatusNotFound},
		{"DELETE execution not allowed", http.MethodDelete, "/api/v1/executions/x", http.StatusMethodNotAllowed},
		{"POST approve", http.MethodPost, "/api/v1/executions/x/approve", http.StatusOK},
		{"GET approve not allowed", http.MethodGet, "/api/v1/executions/x/approve", http.StatusMethodNotAllowed},
		{"unknown path", http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{}`))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

// Alert ingestion

func TestHandleIngestAlerts_Accepted(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		processFn: func(_ context.Context, al *alert.Alert) ([]*remediation.Execution, error) {
			return []*remediation.Execution{{ID: "exec-1", AlertID: al.ID}}, nil
		},
	}
	r := newTestRouter(t, svc, Options{})

	body := `{
		"status": "firing",
		"alerts": [{
			"status": "firing",
			"labels": {"alertname": "NginxDown", "severity": "critical", "instance": "node-1"}
		}]
	}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, http.StatusAccepted, rec.Body)
	}

	var resp struct {
		Alerts []struct {
			AlertID    string   `json:"alert_id"`
			AlertName  string   `json:"alert_name"`
			Executions []string `json:"executions"`
		} `json:"alerts"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Alerts) != 1 {
		t.Fatalf("alerts in response = %d, want 1", len(resp.Alerts))
	}
	if resp.Alerts[0].AlertName != "NginxDown" {
		t.Errorf("alert_name = %q, want NginxDown", resp.Alerts[0].AlertName)
	}
	if resp.Alerts[0].AlertID == "" {
		t.Error("alert_id is empty; expected a generated ID")
	}
	if len(resp.Alerts[0].Executions) != 1 || resp.Alerts[0].Executions[0] != "exec-1" {
		t.Errorf("executions = %v, want [exec-1]", resp.Alerts[0].Executions)
	}
	if svc.processedCount() != 1 {
		t.Errorf("alerts processed = %d, want 1", svc.processedCount())
	}
}

func TestHandleIngestAlerts_InvalidJSON(t *testing.T) {
	t.Parallel()

	svc := &mockService{}
	r := newTestRouter(t, svc, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(`{bad`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if svc.processedCount() != 0 {
		t.Errorf("alerts processed = %d, want 0", svc.processedCount())
	}
}

func TestHandleIngestAlerts_ProcessErrorContinuesBatch(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		processFn: func(_ context.Context, al *alert.Alert) ([]*remediation.Execution, error) {
			if al.Name == "Broken" {
				return nil, errors.New("store down")
			}
			return []*remediation.Execution{{ID: "exec-ok"}}, nil
		},
	}
	r := newTestRouter(t, svc, Options{})

	body := `{"alerts":[
		{"status":"firing","labels":{"alertname":"Broken"}},
		{"status":"firing","labels":{"alertname":"Healthy"}}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	var resp struct {
		Alerts []struct {
			AlertName  string   `json:"alert_name"`
			Executions []string `json:"executions"`
		} `json:"alerts"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Alerts) != 2 {
		t.Fatalf("alerts in response = %d, want 2", len(resp.Alerts))
	}
	if len(resp.Alerts[0].Executions) != 0 {
		t.Errorf("broken alert executions = %v, want empty", resp.Alerts[0].Executions)
	}
	if len(resp.Alerts[1].Executions) != 1 {
		t.Errorf("healthy alert executions = %v, want [exec-ok]", resp.Alerts[1].Executions)
	}
}

func TestHandleIngestAlerts_RateLimited(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &mockService{}, Options{IngestRate: 0.001, IngestBurst: 1})

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(`{"alerts":[]}`))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(); code != http.StatusAccepted {
		t.Fatalf("first request = %d, want %d", code, http.StatusAccepted)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want %d", code, http.StatusTooManyRequests)
	}
}

// Execution lookup

func TestHandleGetExecution(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		getFn: func(_ context.Context, id string) (*remediation.Execution, bool, error) {
			switch id {
			case "ex-1":
				return &remediation.Execution{ID: "ex-1", Status: remediation.StatusSucceeded}, true, nil
			case "ex-err":
				return nil, false, errors.New("store down")
			default:
				return nil, false, nil
			}
		},
	}
	r := newTestRouter(t, svc, Options{})

	tests := []struct {
		name       string
		id         string
		wantStatus int
	}{
		{"found", "ex-1", http.StatusOK},
		{"missing", "ex-404", http.StatusNotFound},
		{"store error", "ex-err", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/"+tt.id, http.NoBody)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("GET %s = %d, want %d", tt.id, rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var ex remediation.Execution
			if err := json.NewDecoder(rec.Body).Decode(&ex); err != nil {
				t.Fatalf("failed to decode execution: %v", err)
			}
			if ex.ID != tt.id || ex.Status != remediation.StatusSucceeded {
				t.Errorf("execution = %+v, want %s succeeded", ex, tt.id)
			}
		})
	}
}

func TestHandleGetExecution_RecordsSpanAttributes(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	svc := &mockService{
		getFn: func(context.Context, string) (*remediation.Execution, bool, error) {
			return &remediation.Execution{ID: "ex-1", Status: remediation.StatusSucceeded}, true, nil
		},
	}
	api := New(nil, svc, Options{})

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx, span := tp.Tracer("test").Start(req.Context(), "http.request")
			defer span.End()
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	api.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/ex-1", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans recorded = %d, want 1", len(spans))
	}

	attrs := make(map[string]string)
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["remedy.execution.id"] != "ex-1" {
		t.Errorf("remedy.execution.id attribute = %q, want ex-1", attrs["remedy.execution.id"])
	}
	if attrs["remedy.execution.status"] != string(remediation.StatusSucceeded) {
		t.Errorf("remedy.execution.status attribute = %q, want succeeded", attrs["remedy.execution.status"])
	}
}

// Transitions

func TestTransitions_ErrorMapping(t *testing.T) {
	t.Parallel()

	fail := func(err error) func(context.Context, string) (*remediation.Execution, error) {
		return func(context.Context, string) (*remediation.Execution, error) {
			return nil, err
		}
	}

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"ok", nil, http.StatusOK},
		{"not found", remediation.ErrNotFound, http.StatusNotFound},
		{"invalid transition", remediation.ErrInvalidTransition, http.StatusConflict},
		{"other error", errors.New("store down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := &mockService{}
			if tt.err != nil {
				svc.approveFn = fail(tt.err)
				svc.rejectFn = fail(tt.err)
				svc.cancelFn = fail(tt.err)
			}
			r := newTestRouter(t, svc, Options{})

			for _, op := range []string{"approve", "reject", "cancel"} {
				req := httptest.NewRequest(http.MethodPost, "/api/v1/executions/ex-1/"+op, http.NoBody)
				rec := httptest.NewRecorder()
				r.ServeHTTP(rec, req)

				if rec.Code != tt.wantStatus {
					t.Errorf("POST %s = %d, want %d", op, rec.Code, tt.wantStatus)
				}
			}
		})
	}
}

func TestApprove_ReturnsExecution(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		approveFn: func(_ context.Context, id string) (*remediation.Execution, error) {
			return &remediation.Execution{ID: id, Status: remediation.StatusPending}, nil
		},
	}
	r := newTestRouter(t, svc, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/executions/ex-7/approve", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var ex remediation.Execution
	if err := json.NewDecoder(rec.Body).Decode(&ex); err != nil {
		t.Fatalf("failed to decode execution: %v", err)
	}
	if ex.ID != "ex-7" || ex.Status != remediation.StatusPending {
		t.Errorf("execution = %+v, want ex-7 pending", ex)
	}
}

// Token guard

func TestTokenGuard(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &mockService{}, Options{Token: "secret"})

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized},
		{"correct token", "Bearer secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodPost, "/api/v1/executions/ex-1/approve", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestTokenGuard_DoesNotCoverReads(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		getFn: func(context.Context, string) (*remediation.Execution, bool, error) {
			return &remediation.Execution{ID: "ex-1", Status: remediation.StatusRunning}, true, nil
		},
	}
	r := newTestRouter(t, svc, Options{Token: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/ex-1", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("unauthenticated GET = %d, want %d", rec.Code, http.StatusOK)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(`{"alerts":[]}`))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("unauthenticated ingest = %d, want %d", rec.Code, http.StatusAccepted)
	}
}
