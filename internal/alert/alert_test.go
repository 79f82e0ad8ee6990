package alert

import (
	"testing"
	"time"
)

func TestParseSeverity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Severity
	}{
		{"info", SeverityInfo},
		{"INFO", SeverityInfo},
		{"warning", SeverityWarning},
		{"warn", SeverityWarning},
		{"critical", SeverityCritical},
		{"crit", SeverityCritical},
		{"  Critical  ", SeverityCritical},
		{"", SeverityWarning},
		{"page", SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			if got := ParseSeverity(tt.in); got != tt.want {
				t.Errorf("ParseSeverity(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestScopeKey(t *testing.T) {
	t.Parallel()

	s := Scope{Type: "host", ID: "node-1"}
	if got := s.Key(); got != "host/node-1" {
		t.Errorf("Key() = %q, want host/node-1", got)
	}
}

func TestFiring(t *testing.T) {
	t.Parallel()

	if !(&Alert{Status: "firing"}).Firing() {
		t.Error("firing alert reported as not firing")
	}
	if (&Alert{Status: "resolved"}).Firing() {
		t.Error("resolved alert reported as firing")
	}
}

func TestFromWebhook(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		labels    map[string]string
		wantName  string
		wantSev   Severity
		wantScope Scope
	}{
		{
			name: "scope label wins",
			labels: map[string]string{
				"alertname":  "NginxDown",
				"severity":   "critical",
				"scope_type": "service",
				"scope":      "nginx",
				"instance":   "node-1:9100",
			},
			wantName:  "NginxDown",
			wantSev:   SeverityCritical,
			wantScope: Scope{Type: "service", ID: "nginx"},
		},
		{
			name: "instance fallback",
			labels: map[string]string{
				"alertname": "HighCPU",
				"severity":  "warning",
				"instance":  "node-2:9100",
				"host":      "node-2",
			},
			wantName:  "HighCPU",
			wantSev:   SeverityWarning,
			wantScope: Scope{Type: "host", ID: "node-2:9100"},
		},
		{
			name: "host fallback",
			labels: map[string]string{
				"alertname": "DiskFull",
				"host":      "node-3",
			},
			wantName:  "DiskFull",
			wantSev:   SeverityWarning,
			wantScope: Scope{Type: "host", ID: "node-3"},
		},
		{
			name:      "no labels",
			labels:    map[string]string{},
			wantName:  "",
			wantSev:   SeverityWarning,
			wantScope: Scope{Type: "host", ID: ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			wa := &WebhookAlert{Status: "firing", Labels: tt.labels}
			al := FromWebhook(wa, "al-1", now)

			if al.ID != "al-1" {
				t.Errorf("ID = %q, want al-1", al.ID)
			}
			if al.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", al.Name, tt.wantName)
			}
			if al.Severity != tt.wantSev {
				t.Errorf("Severity = %q, want %q", al.Severity, tt.wantSev)
			}
			if al.Scope != tt.wantScope {
				t.Errorf("Scope = %+v, want %+v", al.Scope, tt.wantScope)
			}
			if !al.ReceivedAt.Equal(now) {
				t.Errorf("ReceivedAt = %v, want %v", al.ReceivedAt, now)
			}
			if !al.Firing() {
				t.Error("alert from firing webhook entry is not firing")
			}
		})
	}
}

func TestFromWebhook_CopiesLabels(t *testing.T) {
	t.Parallel()

	labels := map[string]string{"alertname": "NginxDown"}
	al := FromWebhook(&WebhookAlert{Status: "firing", Labels: labels}, "al-1", time.Now())

	labels["alertname"] = "mutated"
	if al.Labels["alertname"] != "NginxDown" {
		t.Error("alert labels share storage with the webhook payload")
	}
}
