// Package runner provides the action runner client that dispatches runbook
// actions to the remote execution collaborator.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/remedy/internal/alert"
	"github.com/linnemanlabs/remedy/internal/remediation"
)

// HTTP posts runbook actions to a remote executor endpoint. The executor is
// opaque: it receives the snapshotted action payload and target scope, does
// whatever the runbook defines, and reports a detail string back. Timeouts
// come from the caller's context; the worker pool bounds every run.
type HTTP struct {
	endpoint string
	token    string
	client   *http.Client
	logger   log.Logger
}

// NewHTTP creates an action runner client. Token is optional bearer auth.
func NewHTTP(endpoint, token string, logger log.Logger) *HTTP {
	if logger == nil {
		logger = log.Nop()
	}
	return &HTTP{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{},
		logger:   logger,
	}
}

type runPayload struct {
	ExecutionID string          `json:"execution_id"`
	RunbookID   string          `json:"runbook_id"`
	Scope       alert.Scope     `json:"scope"`
	Action      json.RawMessage `json:"action,omitempty"`
}

type runResponse struct {
	Detail string `json:"detail"`
}

// Execute dispatches one execution to the remote executor. Transport errors
// and non-2xx responses are returned as errors; the worker records both the
// same way as a logical failure.
func (r *HTTP) Execute(ctx context.Context, req *remediation.RunRequest) (*remediation.RunResult, error) {
	ex := req.Execution

	body, err := json.Marshal(runPayload{
		ExecutionID: ex.ID,
		RunbookID:   ex.RunbookID,
		Scope:       ex.Scope,
		Action:      ex.Action,
	})
	if err != nil {
		return nil, fmt.Errorf("runner: marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("runner: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("runner: post action: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("runner: executor returned %d: %s", resp.StatusCode, string(snippet))
	}

	var rr runResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&rr); err != nil {
		// A successful run with an unparseable body is still a success;
		// we just lose the detail.
		r.logger.Warn(ctx, "runner response decode failed", "execution", ex.ID, "error", err)
		return &remediation.RunResult{}, nil
	}
	return &remediation.RunResult{Detail: rr.Detail}, nil
}
