package remediationapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/remedy/internal/alert"
)

// alertResult is the per-alert slice of the ingest response.
type alertResult struct {
	AlertID    string   `json:"alert_id"`
	AlertName  string   `json:"alert_name"`
	Executions []string `json:"executions"`
}

func (a *API) handleIngestAlerts(w http.ResponseWriter, r *http.Request) {
	if a.ingest != nil && !a.ingest.Allow() {
		http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
		return
	}

	var wh alert.Webhook
	if err := json.NewDecoder(r.Body).Decode(&wh); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	now := time.Now()
	results := make([]alertResult, 0, len(wh.Alerts))

	for i := range wh.Alerts {
		al := alert.FromWebhook(&wh.Alerts[i], ulid.Make().String(), now)

		execs, err := a.svc.Process(r.Context(), al)
		if err != nil {
			// One broken delivery entry must not drop the rest of the
			// batch; the error is logged and the alert reported empty.
			a.logger.Error(r.Context(), err, "alert processing failed",
				"alert", al.Name, "alert_id", al.ID)
		}

		res := alertResult{AlertID: al.ID, AlertName: al.Name, Executions: []string{}}
		for _, ex := range execs {
			res.Executions = append(res.Executions, ex.ID)
		}
		results = append(results, res)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"alerts": results})
}
