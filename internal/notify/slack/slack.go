// Package slack sends execution outcome notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/remedy/internal/remediation"
)

const (
	maxOutcomeLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier sends terminal executions to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Send posts an execution outcome to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, ex *remediation.Execution) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(ex)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(ex *remediation.Execution) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(ex),
			{"type": "divider"},
			fieldsBlock(ex),
			{"type": "divider"},
			outcomeBlock(ex),
			{"type": "divider"},
			contextBlock(ex),
		},
	}
}

func headerBlock(ex *remediation.Execution) map[string]any {
	emoji := statusEmoji(ex.Status)
	title := statusTitle(ex.Status)
	text := fmt.Sprintf("%s %s: %s", emoji, title, ex.RunbookName)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(ex *remediation.Execution) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", ex.Status),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Alert:* %s", ex.AlertName),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Scope:* %s", ex.Scope.Key()),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Runbook:* %s", ex.RunbookID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Duration:* %s", durationField(ex)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Trigger:* %s", ex.TriggerID),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func outcomeBlock(ex *remediation.Execution) map[string]any {
	text := truncate(ex.Outcome, maxOutcomeLen)
	if text == "" {
		text = "_No outcome detail._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Outcome*\n\n%s", text),
		},
	}
}

func contextBlock(ex *remediation.Execution) map[string]any {
	ts := ex.CompletedAt
	if ts.IsZero() {
		ts = ex.CreatedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("remedy • execution %s • %s", ex.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func statusTitle(s remediation.Status) string {
	switch s {
	case remediation.StatusSucceeded:
		return "Remediation Succeeded"
	case remediation.StatusFailed:
		return "Remediation Failed"
	case remediation.StatusCircuitOpen:
		return "Remediation Held (circuit open)"
	case remediation.StatusRateLimited:
		return "Remediation Held (rate limited)"
	case remediation.StatusSkipped:
		return "Remediation Skipped"
	default:
		return "Remediation " + string(s)
	}
}

func statusEmoji(s remediation.Status) string {
	switch s {
	case remediation.StatusSucceeded:
		return "\U0001f7e2" // green circle
	case remediation.StatusFailed, remediation.StatusCircuitOpen:
		return "\U0001f534" // red circle
	default:
		return "\U0001f7e1" // yellow circle
	}
}

func durationField(ex *remediation.Execution) string {
	if ex.StartedAt.IsZero() || ex.CompletedAt.IsZero() {
		return "n/a"
	}
	return fmt.Sprintf("%.1fs", ex.CompletedAt.Sub(ex.StartedAt).Seconds())
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
