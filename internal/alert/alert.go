// Package alert defines the alert record delivered by the monitoring boundary
// and the webhook payload it arrives in.
package alert

import (
	"strings"
	"time"
)

// Severity classifies how urgent an alert is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity folds case and maps unknown values to SeverityWarning so a
// misconfigured source still flows through the pipeline rather than being
// dropped at the boundary.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return SeverityInfo
	case "warning", "warn":
		return SeverityWarning
	case "critical", "crit":
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

// Scope identifies the logical target an alert (and any remediation) applies to.
type Scope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Key returns the canonical "type/id" form used to key breaker state.
func (s Scope) Key() string {
	return s.Type + "/" + s.ID
}

// Alert is the immutable record handed to the core once per webhook delivery.
type Alert struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Severity   Severity          `json:"severity"`
	Scope      Scope             `json:"scope"`
	Status     string            `json:"status"` // firing or resolved
	Labels     map[string]string `json:"labels"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Firing reports whether the alert is still active.
func (a *Alert) Firing() bool {
	return a.Status == "firing"
}

// Webhook is the Alertmanager-compatible delivery payload.
type Webhook struct {
	Status string         `json:"status"`
	Alerts []WebhookAlert `json:"alerts"`
}

// WebhookAlert is a single alert entry inside a webhook delivery.
type WebhookAlert struct {
	Status      string            `json:"status"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
}

const defaultScopeType = "host"

// FromWebhook converts a webhook entry into the core Alert record. The alert
// name comes from the alertname label, severity from the severity label, and
// the scope id from the first of the scope, instance, or host labels.
func FromWebhook(wa *WebhookAlert, id string, now time.Time) *Alert {
	labels := make(map[string]string, len(wa.Labels))
	for k, v := range wa.Labels {
		labels[k] = v
	}

	scopeType := labels["scope_type"]
	if scopeType == "" {
		scopeType = defaultScopeType
	}
	scopeID := labels["scope"]
	if scopeID == "" {
		scopeID = labels["instance"]
	}
	if scopeID == "" {
		scopeID = labels["host"]
	}

	return &Alert{
		ID:         id,
		Name:       labels["alertname"],
		Severity:   ParseSeverity(labels["severity"]),
		Scope:      Scope{Type: scopeType, ID: scopeID},
		Status:     wa.Status,
		Labels:     labels,
		ReceivedAt: now,
	}
}
