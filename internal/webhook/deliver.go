// Package webhook delivers signed task callbacks to client endpoints.
// Delivery is at-least-once with a bounded attempt budget; the outcome is
// recorded on the task but never changes the task's own status.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/zj1123581321/youtube-download-api/internal/api"
	"github.com/zj1123581321/youtube-download-api/internal/config"
	"github.com/zj1123581321/youtube-download-api/internal/model"
	"github.com/zj1123581321/youtube-download-api/internal/store"
)

// errNoRetry marks delivery failures that are the receiver's configuration
// problem (4xx); retrying cannot help.
var errNoRetry = errors.New("webhook: rejected by receiver")

type Service struct {
	store   *store.Store
	cfg     config.WebhookCfg
	baseURL string
	client  *http.Client
}

func NewService(st *store.Store, cfg config.WebhookCfg, baseURL string) *Service {
	return &Service{
		store:   st,
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Deliver sends the callback for a finished task, retrying per policy, and
// records the delivery status. Returns true on success.
func (s *Service) Deliver(ctx context.Context, task *model.Task) bool {
	if task.CallbackURL == nil {
		return true
	}

	payload, err := s.buildPayload(ctx, task)
	if err != nil {
		slog.Error("failed to build callback payload", "task_id", task.ID, "error", err)
		return false
	}
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to encode callback payload", "task_id", task.ID, "error", err)
		return false
	}

	success := false
	attempts := 0
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		attempts = attempt + 1
		err := s.send(ctx, *task.CallbackURL, body, task)
		if err == nil {
			success = true
			slog.Info("callback delivered", "task_id", task.ID, "attempts", attempts)
			break
		}
		slog.Warn("callback attempt failed",
			"task_id", task.ID, "attempt", attempts, "error", err)
		if errors.Is(err, errNoRetry) {
			break
		}
		if attempt < s.cfg.MaxAttempts-1 {
			select {
			case <-time.After(s.retryDelay(attempt)):
			case <-ctx.Done():
				attempt = s.cfg.MaxAttempts
			}
		}
	}

	status := model.CallbackSuccess
	if !success {
		status = model.CallbackFailed
		slog.Error("callback delivery failed", "task_id", task.ID, "attempts", attempts)
	}
	if err := s.store.UpdateCallbackStatus(ctx, task.ID, status, attempts); err != nil {
		slog.Error("failed to record callback status", "task_id", task.ID, "error", err)
	}
	return success
}

func (s *Service) retryDelay(attempt int) time.Duration {
	if len(s.cfg.RetryDelays) == 0 {
		return 5 * time.Second
	}
	if attempt >= len(s.cfg.RetryDelays) {
		attempt = len(s.cfg.RetryDelays) - 1
	}
	return s.cfg.RetryDelays[attempt]
}

func (s *Service) send(ctx context.Context, url string, body []byte, task *model.Task) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %s", errNoRetry, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-Id", task.ID)
	req.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	if task.CallbackSecret != nil && *task.CallbackSecret != "" {
		req.Header.Set("X-Signature", Sign(body, *task.CallbackSecret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Timeouts and connection errors are worth retrying.
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d", errNoRetry, resp.StatusCode)
	default:
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
}

func (s *Service) buildPayload(ctx context.Context, task *model.Task) (*api.CallbackPayload, error) {
	payload := &api.CallbackPayload{
		TaskID:        task.ID,
		Status:        task.Status,
		VideoID:       task.VideoID,
		HasTranscript: task.HasTranscript,
		AudioFallback: task.AudioFallback,
		ExpiresAt:     task.ExpiresAt,
	}

	switch task.Status {
	case model.StatusCompleted:
		if video, err := s.store.GetVideo(ctx, task.VideoID); err == nil {
			payload.VideoInfo = video.Info
		}
		files := &api.FilesInfo{}
		if task.AudioFileID != nil {
			if rec, err := s.store.GetFile(ctx, *task.AudioFileID); err == nil {
				files.Audio = api.NewFileInfo(rec, s.baseURL, task.ReusedAudio)
			}
		}
		if task.TranscriptFileID != nil {
			if rec, err := s.store.GetFile(ctx, *task.TranscriptFileID); err == nil {
				files.Transcript = api.NewFileInfo(rec, s.baseURL, task.ReusedTranscript)
			}
		}
		if files.Audio != nil || files.Transcript != nil {
			payload.Files = files
		}
	case model.StatusFailed:
		if task.ErrorCode != nil {
			msg := "unknown error"
			if task.ErrorMessage != nil {
				msg = *task.ErrorMessage
			}
			payload.Error = &api.ErrorInfo{
				Code:       *task.ErrorCode,
				Message:    msg,
				RetryCount: task.RetryCount,
			}
		}
	}
	return payload, nil
}
