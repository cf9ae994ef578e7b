// Package notify emits operational events: task lifecycle transitions and
// service start/stop. Events always go to the log; when a webhook URL is
// configured they are also posted there. Delivery is best effort and never
// blocks the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/zj1123581321/youtube-download-api/internal/config"
	"github.com/zj1123581321/youtube-download-api/internal/model"
)

type Event struct {
	Event     string           `json:"event"`
	TaskID    string           `json:"task_id,omitempty"`
	VideoID   string           `json:"video_id,omitempty"`
	Status    model.TaskStatus `json:"status,omitempty"`
	ErrorCode *model.ErrorCode `json:"error_code,omitempty"`
	Message   string           `json:"message,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type Notifier struct {
	cfg    config.NotifyCfg
	pool   *ants.Pool
	client *http.Client
}

func New(cfg config.NotifyCfg, pool *ants.Pool) *Notifier {
	return &Notifier{
		cfg:    cfg,
		pool:   pool,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// TaskCompleted reports a task that finished with its artifacts in place.
func (n *Notifier) TaskCompleted(task *model.Task) {
	n.emit(Event{
		Event:   "task.completed",
		TaskID:  task.ID,
		VideoID: task.VideoID,
		Status:  model.StatusCompleted,
	})
}

// TaskFailed reports a task that exhausted retries or hit a terminal error.
func (n *Notifier) TaskFailed(task *model.Task) {
	ev := Event{
		Event:     "task.failed",
		TaskID:    task.ID,
		VideoID:   task.VideoID,
		Status:    model.StatusFailed,
		ErrorCode: task.ErrorCode,
	}
	if task.ErrorMessage != nil {
		ev.Message = *task.ErrorMessage
	}
	n.emit(ev)
}

// ServiceStarted reports the service coming up.
func (n *Notifier) ServiceStarted(version string) {
	n.emit(Event{Event: "service.started", Message: version})
}

// ServiceStopping reports a graceful shutdown in progress.
func (n *Notifier) ServiceStopping() {
	n.emit(Event{Event: "service.stopping"})
}

func (n *Notifier) emit(ev Event) {
	ev.Timestamp = time.Now().UTC()
	slog.Info("notify",
		"event", ev.Event, "task_id", ev.TaskID, "status", ev.Status, "message", ev.Message)

	if n.cfg.WebhookURL == "" {
		return
	}
	if err := n.pool.Submit(func() { n.post(ev) }); err != nil {
		slog.Warn("notification dropped", "event", ev.Event, "error", err)
	}
}

func (n *Notifier) post(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("failed to encode notification", "event", ev.Event, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		slog.Warn("failed to build notification request", "event", ev.Event, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("notification webhook unreachable", "event", ev.Event, "error", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("notification webhook rejected event",
			"event", ev.Event, "status", resp.StatusCode)
	}
}
