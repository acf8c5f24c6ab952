package services

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"foreman/internal/logging"
	"foreman/pkg/models"
)

// Notifier posts run lifecycle callbacks to a run's notify_url. Delivery is
// fire-and-forget: a failed callback is logged, never retried, and never
// blocks the transaction that produced it.
type Notifier struct {
	client *http.Client
}

func NewNotifier() *Notifier {
	return &Notifier{client: &http.Client{Timeout: 30 * time.Second}}
}

type notifyPayload struct {
	Event  string  `json:"event"`
	RunID  string  `json:"run_id"`
	TaskID *string `json:"task_id,omitempty"`
	Task   string  `json:"task"`
	Status string  `json:"status"`
}

// Notify fires the webhook in the background when the run carries a
// notify_url.
func (n *Notifier) Notify(run *models.Run, event string) {
	if run.NotifyURL == nil || *run.NotifyURL == "" {
		return
	}
	url := *run.NotifyURL
	payload := notifyPayload{
		Event:  event,
		RunID:  run.ID,
		TaskID: run.TaskID,
		Task:   run.Task,
		Status: run.Status,
	}

	go func() {
		body, err := json.Marshal(payload)
		if err != nil {
			logging.Error("notify %s: marshal failed: %v", url, err)
			return
		}
		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			logging.Error("notify %s: %v", url, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			logging.Error("notify %s: status %d", url, resp.StatusCode)
			return
		}
		logging.Debug("notified %s for run %s (%s)", url, run.ID, event)
	}()
}
