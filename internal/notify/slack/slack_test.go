package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/remedy/internal/alert"
	"github.com/linnemanlabs/remedy/internal/remediation"
)

func TestSend_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL)
	ex := &remediation.Execution{
		ID:          "01JN123",
		AlertID:     "01JN122",
		AlertName:   "HighMemoryUsage",
		TriggerID:   "trg-memory",
		RunbookID:   "rb-restart",
		RunbookName: "Restart Service",
		Scope:       alert.Scope{Type: "host", ID: "node-1"},
		Status:      remediation.StatusSucceeded,
		Outcome:     "service restarted",
		CreatedAt:   time.Date(2026, 2, 26, 14, 20, 0, 0, time.UTC),
		StartedAt:   time.Date(2026, 2, 26, 14, 22, 30, 0, time.UTC),
		CompletedAt: time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
	}

	if err := n.Send(context.Background(), ex); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, outcome, divider, context = 7 blocks
	if len(blocks) != 7 {
		t.Errorf("blocks count = %d, want 7", len(blocks))
	}

	// Verify header contains runbook name and green emoji for success
	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "Restart Service") {
		t.Errorf("header text = %q, want to contain Restart Service", headerText)
	}
	if !strings.Contains(headerText, "\U0001f7e2") {
		t.Errorf("header should contain green circle for succeeded execution")
	}
}

func TestSend_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("")
	if err := n.Send(context.Background(), &remediation.Execution{}); err != nil {
		t.Fatalf("Send with empty URL should be no-op, got: %v", err)
	}
}

func TestSend_TruncatesLongOutcome(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	longOutcome := strings.Repeat("x", 4000)
	n := New(srv.URL)
	err := n.Send(context.Background(), &remediation.Execution{
		ID:      "01JN456",
		Status:  remediation.StatusFailed,
		Outcome: longOutcome,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks := got["blocks"].([]any)
	outcomeSection := blocks[4].(map[string]any)
	text := outcomeSection["text"].(map[string]any)["text"].(string)

	// Text includes the "*Outcome*\n\n" prefix, so the outcome portion is what follows.
	// The outcome itself should be truncated to maxOutcomeLen (3000) chars.
	if len(text) > maxOutcomeLen+len("*Outcome*\n\n") {
		t.Errorf("outcome text length = %d, expected <= %d", len(text), maxOutcomeLen+len("*Outcome*\n\n"))
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated outcome to end with ...")
	}
}

func TestStatusEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status remediation.Status
		want   string
	}{
		{"succeeded", remediation.StatusSucceeded, "\U0001f7e2"},
		{"failed", remediation.StatusFailed, "\U0001f534"},
		{"circuit open", remediation.StatusCircuitOpen, "\U0001f534"},
		{"rate limited", remediation.StatusRateLimited, "\U0001f7e1"},
		{"skipped", remediation.StatusSkipped, "\U0001f7e1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := statusEmoji(tt.status)
			if got != tt.want {
				t.Errorf("statusEmoji(%q) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestStatusTitle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status remediation.Status
		want   string
	}{
		{remediation.StatusSucceeded, "Remediation Succeeded"},
		{remediation.StatusFailed, "Remediation Failed"},
		{remediation.StatusCircuitOpen, "Remediation Held (circuit open)"},
		{remediation.StatusRateLimited, "Remediation Held (rate limited)"},
		{remediation.StatusSkipped, "Remediation Skipped"},
		{remediation.Status("other"), "Remediation other"},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			if got := statusTitle(tt.status); got != tt.want {
				t.Errorf("statusTitle(%q) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("HighCPU", "Restart Nginx", "host/node-1", "restarted nginx on node-1")
	f.Add("", "", "", "")
	f.Add("<@U123> mention", "*bold* _italic_ ~strike~", "db/primary", "done")
	f.Add("alert\x00\x01\x02", "rb\nline", "scope\ttab", "o\x00utcome")
	f.Add(strings.Repeat("A", 5000), "runbook", "host/h", strings.Repeat("x", 10000))
	f.Add("test", "```code block```", "svc/api", "<http://example.com|link>")

	f.Fuzz(func(t *testing.T, alertName, runbookName, scopeID, outcome string) {
		ex := &remediation.Execution{
			ID:          "fuzz-id",
			AlertName:   alertName,
			RunbookName: runbookName,
			Scope:       alert.Scope{Type: "host", ID: scopeID},
			Status:      remediation.StatusSucceeded,
			Outcome:     outcome,
			CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}

		// Must not panic
		msg := buildMessage(ex)

		// Must produce valid JSON
		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		// Must round-trip
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}

		blocks, ok := decoded["blocks"].([]any)
		if !ok {
			t.Fatal("expected blocks array")
		}
		if len(blocks) != 7 {
			t.Fatalf("blocks count = %d, want 7", len(blocks))
		}
	})
}

func TestSend_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := New(srv.URL)
	err := n.Send(context.Background(), &remediation.Execution{
		ID:     "01JN789",
		Status: remediation.StatusSucceeded,
	})
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}
