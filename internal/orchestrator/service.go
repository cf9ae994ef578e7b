// Package orchestrator decides how each request is satisfied: served from
// cache, attached to an in-flight task for the same video, or enqueued as a
// new task. It owns every task status transition reachable from the API.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zj1123581321/youtube-download-api/internal/api"
	"github.com/zj1123581321/youtube-download-api/internal/cache"
	"github.com/zj1123581321/youtube-download-api/internal/config"
	"github.com/zj1123581321/youtube-download-api/internal/model"
	"github.com/zj1123581321/youtube-download-api/internal/progress"
	"github.com/zj1123581321/youtube-download-api/internal/queue"
	"github.com/zj1123581321/youtube-download-api/internal/store"
	"github.com/zj1123581321/youtube-download-api/internal/videoid"
)

var (
	ErrTaskNotFound   = errors.New("orchestrator: task not found")
	ErrInvalidURL     = errors.New("orchestrator: not a recognizable video url")
	ErrInvalidMode    = errors.New("orchestrator: at least one of audio or transcript must be requested")
	ErrNotCancellable = errors.New("orchestrator: only pending tasks can be cancelled")
)

// recoverBatch bounds how many stranded tasks one startup pass re-enqueues.
const recoverBatch = 1000

type Service struct {
	store    *store.Store
	cache    *cache.Manager
	queue    *queue.Client
	progress *progress.Tracker
	baseURL  string
	download config.DownloadCfg
}

func NewService(st *store.Store, cm *cache.Manager, qc *queue.Client, pt *progress.Tracker, baseURL string, download config.DownloadCfg) *Service {
	return &Service{
		store:    st,
		cache:    cm,
		queue:    qc,
		progress: pt,
		baseURL:  baseURL,
		download: download,
	}
}

// Create resolves a download request. The returned bool reports whether a new
// task was enqueued; false means the response came from cache or from an
// already active task for the same video.
func (s *Service) Create(ctx context.Context, req api.CreateTaskRequest) (*api.TaskResponse, bool, error) {
	videoID := videoid.Parse(req.VideoURL)
	if videoID == "" {
		return nil, false, ErrInvalidURL
	}

	includeAudio := req.IncludeAudio == nil || *req.IncludeAudio
	includeTranscript := req.IncludeTranscript == nil || *req.IncludeTranscript
	if !includeAudio && !includeTranscript {
		return nil, false, ErrInvalidMode
	}

	video, err := s.store.GetOrCreateVideo(ctx, videoID)
	if err != nil {
		return nil, false, err
	}

	var audioRec, transcriptRec *model.FileRecord
	if includeAudio {
		if audioRec, err = s.cache.ResolveAny(ctx, videoID, model.FileAudio); err != nil {
			return nil, false, err
		}
	}
	if includeTranscript {
		if transcriptRec, err = s.cache.ResolveAny(ctx, videoID, model.FileTranscript); err != nil {
			return nil, false, err
		}
	}

	audioSatisfied := !includeAudio || audioRec != nil
	transcriptSatisfied := !includeTranscript || transcriptRec != nil

	// A video known to carry no native transcript never gets one by retrying;
	// the transcript half of the request degrades to the audio already cached.
	knownNoTranscript := video.HasNativeTranscript != nil && !*video.HasNativeTranscript
	audioFallback := false
	if includeTranscript && transcriptRec == nil && knownNoTranscript && audioRec != nil {
		transcriptSatisfied = true
		audioFallback = true
	}

	if audioSatisfied && transcriptSatisfied {
		slog.Info("request served from cache", "video_id", videoID, "audio_fallback", audioFallback)
		return s.cachedResponse(video, req.VideoURL, audioRec, transcriptRec, audioFallback), false, nil
	}

	// Coalesce onto an active task instead of downloading the same video twice.
	if active, err := s.store.ActiveTaskByVideo(ctx, videoID); err == nil {
		resp, err := s.taskResponse(ctx, active)
		if err != nil {
			return nil, false, err
		}
		resp.Message = "a task for this video is already in progress"
		return resp, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	task := &model.Task{
		ID:                uuid.NewString(),
		VideoID:           videoID,
		VideoURL:          req.VideoURL,
		Status:            model.StatusPending,
		IncludeAudio:      includeAudio,
		IncludeTranscript: includeTranscript,
		CallbackURL:       req.CallbackURL,
		CallbackSecret:    req.CallbackSecret,
		CreatedAt:         time.Now().UTC(),
	}
	// Artifacts already on hand are reused; the worker only fetches the rest.
	if audioRec != nil {
		task.AudioFileID = &audioRec.ID
		task.ReusedAudio = true
	}
	if transcriptRec != nil {
		task.TranscriptFileID = &transcriptRec.ID
		task.ReusedTranscript = true
	}
	if task.CallbackURL != nil {
		cs := model.CallbackPending
		task.CallbackStatus = &cs
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, false, err
	}
	if err := s.queue.Enqueue(ctx, task.ID); err != nil {
		return nil, false, err
	}
	slog.Info("task enqueued", "task_id", task.ID, "video_id", videoID)

	resp, err := s.taskResponse(ctx, task)
	if err != nil {
		return nil, false, err
	}
	return resp, true, nil
}

// Get returns the current view of a task.
func (s *Service) Get(ctx context.Context, taskID string) (*api.TaskResponse, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.taskResponse(ctx, task)
}

// List returns a page of tasks, newest first.
func (s *Service) List(ctx context.Context, status *model.TaskStatus, limit, offset int) (*api.TaskListResponse, error) {
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.store.ListTasks(ctx, status, limit, offset)
	if err != nil {
		return nil, err
	}

	out := &api.TaskListResponse{
		Tasks:  make([]*api.TaskResponse, 0, len(tasks)),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
	for _, t := range tasks {
		resp, err := s.taskResponse(ctx, t)
		if err != nil {
			return nil, err
		}
		out.Tasks = append(out.Tasks, resp)
	}
	return out, nil
}

// Cancel aborts a pending task. Downloads already in flight and finished
// tasks stay untouched.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	if task.Status != model.StatusPending {
		return ErrNotCancellable
	}

	if err := s.store.MarkCancelled(ctx, taskID); err != nil {
		return err
	}
	// Best effort; the worker rechecks status before starting anyway.
	if err := s.queue.CancelPending(taskID); err != nil {
		slog.Warn("failed to remove cancelled task from queue", "task_id", taskID, "error", err)
	}
	slog.Info("task cancelled", "task_id", taskID)
	return nil
}

// RecoverStartupState repairs queue state after a restart: tasks stranded in
// downloading go back to pending, and every pending task is re-enqueued.
// Enqueueing is idempotent, so tasks still sitting in redis are unaffected.
func (s *Service) RecoverStartupState(ctx context.Context) error {
	reset, err := s.store.ResetDownloading(ctx)
	if err != nil {
		return err
	}
	if reset > 0 {
		slog.Info("reset stranded downloading tasks", "count", reset)
	}

	ids, err := s.store.PendingTaskIDs(ctx, recoverBatch)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, id); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		slog.Info("re-enqueued pending tasks", "count", len(ids))
	}
	return nil
}

// cachedResponse builds a synthetic completed response for a full cache hit.
// No task row exists, so TaskID stays nil.
func (s *Service) cachedResponse(video *model.VideoResource, videoURL string, audioRec, transcriptRec *model.FileRecord, audioFallback bool) *api.TaskResponse {
	resp := &api.TaskResponse{
		Status:        model.StatusCompleted,
		VideoID:       video.VideoID,
		VideoURL:      videoURL,
		VideoInfo:     video.Info,
		Cached:        true,
		AudioFallback: audioFallback,
	}

	files := &api.FilesInfo{}
	var expires *time.Time
	if audioRec != nil {
		files.Audio = api.NewFileInfo(audioRec, s.baseURL, true)
		expires = audioRec.ExpiresAt
	}
	if transcriptRec != nil {
		files.Transcript = api.NewFileInfo(transcriptRec, s.baseURL, true)
		if expires == nil {
			expires = transcriptRec.ExpiresAt
		}
		has := true
		resp.HasTranscript = &has
	} else if audioFallback {
		has := false
		resp.HasTranscript = &has
	}
	if files.Audio != nil || files.Transcript != nil {
		resp.Files = files
	}
	resp.ExpiresAt = expires
	return resp
}

// taskResponse renders a task row, augmented with whatever its status makes
// relevant: queue position for pending, live progress for downloading, files
// for completed, the error for failed.
func (s *Service) taskResponse(ctx context.Context, task *model.Task) (*api.TaskResponse, error) {
	id := task.ID
	created := task.CreatedAt
	resp := &api.TaskResponse{
		TaskID:        &id,
		Status:        task.Status,
		VideoID:       task.VideoID,
		VideoURL:      task.VideoURL,
		HasTranscript: task.HasTranscript,
		AudioFallback: task.AudioFallback,
		CreatedAt:     &created,
		StartedAt:     task.StartedAt,
		CompletedAt:   task.CompletedAt,
		ExpiresAt:     task.ExpiresAt,
	}

	switch task.Status {
	case model.StatusPending:
		pos, err := s.store.QueuePosition(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		resp.Position = &pos
		wait := pos * int(s.meanInterval().Seconds())
		resp.EstimatedWait = &wait

	case model.StatusDownloading:
		if p, ok := s.progress.Get(ctx, task.ID); ok {
			resp.Progress = &p
		}

	case model.StatusCompleted:
		if video, err := s.store.GetVideo(ctx, task.VideoID); err == nil {
			resp.VideoInfo = video.Info
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
			resp.Files = files
		}

	case model.StatusFailed:
		if task.ErrorCode != nil {
			msg := ""
			if task.ErrorMessage != nil {
				msg = *task.ErrorMessage
			}
			resp.Error = &api.ErrorInfo{
				Code:       *task.ErrorCode,
				Message:    msg,
				RetryCount: task.RetryCount,
			}
		}
	}
	return resp, nil
}

// meanInterval is the expected per-task service time used for wait estimates.
func (s *Service) meanInterval() time.Duration {
	return (s.download.TaskIntervalMin + s.download.TaskIntervalMax) / 2
}
