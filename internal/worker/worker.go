// Package worker consumes the download queue, one task at a time, and drives
// each task through its full lifecycle: resolve what the cache still lacks,
// extract it, promote the artifacts, and settle the final status.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/panjf2000/ants/v2"

	"github.com/zj1123581321/youtube-download-api/internal/cache"
	"github.com/zj1123581321/youtube-download-api/internal/config"
	"github.com/zj1123581321/youtube-download-api/internal/extractor"
	"github.com/zj1123581321/youtube-download-api/internal/model"
	"github.com/zj1123581321/youtube-download-api/internal/notify"
	"github.com/zj1123581321/youtube-download-api/internal/progress"
	"github.com/zj1123581321/youtube-download-api/internal/queue"
	"github.com/zj1123581321/youtube-download-api/internal/store"
	"github.com/zj1123581321/youtube-download-api/internal/webhook"
)

type Worker struct {
	store     *store.Store
	cache     *cache.Manager
	extractor extractor.Extractor
	progress  *progress.Tracker
	webhook   *webhook.Service
	notify    *notify.Notifier
	pool      *ants.Pool
	cfg       config.DownloadCfg
	policies  map[model.ErrorCode]model.RetryPolicy
	srv       *asynq.Server
}

func New(redisOpt asynq.RedisClientOpt, queueCfg config.QueueCfg, downloadCfg config.DownloadCfg,
	st *store.Store, cm *cache.Manager, ex extractor.Extractor, pt *progress.Tracker,
	wh *webhook.Service, nf *notify.Notifier, pool *ants.Pool) *Worker {

	w := &Worker{
		store:     st,
		cache:     cm,
		extractor: ex,
		progress:  pt,
		webhook:   wh,
		notify:    nf,
		pool:      pool,
		cfg:       downloadCfg,
		policies: model.RetryPolicies(downloadCfg.RetryBackoff,
			downloadCfg.RetryJitter, downloadCfg.RateLimitJitter, downloadCfg.MaxRetries),
	}

	w.srv = asynq.NewServer(redisOpt, asynq.Config{
		// One download in flight at a time. The source rate limits
		// aggressively and parallelism buys nothing but bans.
		Concurrency:    1,
		Queues:         map[string]int{queueCfg.QueueName: 1},
		RetryDelayFunc: w.retryDelay,
		Logger:         slogAdapter{},
	})
	return w
}

// Start runs the asynq consumer in the background.
func (w *Worker) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeDownload, w.Handle)
	return w.srv.Start(mux)
}

// Shutdown waits for the in-flight task to finish and stops the consumer.
func (w *Worker) Shutdown() { w.srv.Shutdown() }

// retryDelay schedules the next attempt from the per-code backoff schedule
// plus uniform jitter, so repeated failures do not probe the source on a
// fixed cadence.
func (w *Worker) retryDelay(n int, err error, _ *asynq.Task) time.Duration {
	policy := w.policyFor(classify(err))
	delay := policy.Delay(n)
	if policy.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(policy.Jitter)))
	}
	return delay
}

func (w *Worker) policyFor(code model.ErrorCode) model.RetryPolicy {
	if p, ok := w.policies[code]; ok {
		return p
	}
	return w.policies[model.ErrDownloadFailed]
}

// classify maps any handler error onto the taxonomy. Unclassified errors are
// internal faults, never the source's.
func classify(err error) model.ErrorCode {
	var exErr *extractor.Error
	if errors.As(err, &exErr) {
		return exErr.Code
	}
	return model.ErrInternal
}

// Handle processes one queued download. It returns nil when the task reached
// a final state, an error when asynq should retry, and wraps asynq.SkipRetry
// once the failure is terminal or the retry budget is spent.
func (w *Worker) Handle(ctx context.Context, t *asynq.Task) error {
	var payload queue.Payload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("malformed payload: %v: %w", err, asynq.SkipRetry)
	}

	task, err := w.store.GetTask(ctx, payload.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("dropping queued task with no record", "task_id", payload.TaskID)
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status != model.StatusPending {
		slog.Info("skipping task no longer pending", "task_id", task.ID, "status", task.Status)
		return nil
	}

	if err := w.store.MarkDownloading(ctx, task.ID); err != nil {
		return err
	}
	slog.Info("task started", "task_id", task.ID, "video_id", task.VideoID, "retry", task.RetryCount)

	err = w.process(ctx, task)
	// Pace requests against the source whatever the outcome.
	defer w.pace(ctx)

	if err == nil {
		w.progress.Set(ctx, task.ID, 100)
		w.progress.Clear(ctx, task.ID)
		w.dispatchFinish(task.ID, true)
		return nil
	}

	code := classify(err)
	policy := w.policyFor(code)
	if policy.Retryable() && task.RetryCount < policy.MaxRetries {
		count, rerr := w.store.IncrementRetry(ctx, task.ID)
		if rerr != nil {
			return rerr
		}
		slog.Warn("task failed, will retry",
			"task_id", task.ID, "code", code, "attempt", count, "error", err)
		return err
	}

	msg := err.Error()
	var exErr *extractor.Error
	if errors.As(err, &exErr) {
		msg = exErr.Message
	}
	if ferr := w.store.MarkFailed(ctx, task.ID, code, msg); ferr != nil {
		return ferr
	}
	w.progress.Clear(ctx, task.ID)
	slog.Error("task failed permanently", "task_id", task.ID, "code", code, "error", err)
	w.dispatchFinish(task.ID, false)
	return fmt.Errorf("%s: %s: %w", code, msg, asynq.SkipRetry)
}

// process performs the work for one attempt. A panic inside extraction
// surfaces as an internal error rather than killing the consumer.
func (w *Worker) process(ctx context.Context, task *model.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = extractor.NewError(model.ErrInternal, fmt.Sprintf("panic: %v", r))
		}
	}()

	video, err := w.store.GetVideo(ctx, task.VideoID)
	if err != nil {
		return err
	}

	// The cache may have been filled by an earlier task since this one was
	// created, so re-resolve before touching the network.
	var audioRec, transcriptRec *model.FileRecord
	if task.IncludeAudio {
		if audioRec, err = w.cache.ResolveAny(ctx, task.VideoID, model.FileAudio); err != nil {
			return err
		}
	}
	if task.IncludeTranscript {
		if transcriptRec, err = w.cache.ResolveAny(ctx, task.VideoID, model.FileTranscript); err != nil {
			return err
		}
	}

	needAudio := task.IncludeAudio && audioRec == nil
	needTranscript := task.IncludeTranscript && transcriptRec == nil
	reusedAudio := task.IncludeAudio && audioRec != nil
	reusedTranscript := task.IncludeTranscript && transcriptRec != nil

	knownNoTranscript := video.HasNativeTranscript != nil && !*video.HasNativeTranscript
	audioFallback := false
	if needTranscript && knownNoTranscript {
		needTranscript = false
		audioFallback = true
		// The fallback artifact is audio even when the caller asked for only
		// a transcript, so consult the audio cache here too.
		if audioRec == nil {
			if audioRec, err = w.cache.ResolveAny(ctx, task.VideoID, model.FileAudio); err != nil {
				return err
			}
			reusedAudio = audioRec != nil
		}
		if audioRec == nil {
			needAudio = true
		}
	}

	var hasNative *bool
	var info *model.VideoInfo

	if needAudio || needTranscript {
		tmpDir, err := os.MkdirTemp("", "ytdl-*")
		if err != nil {
			return extractor.NewError(model.ErrInternal, err.Error())
		}
		defer os.RemoveAll(tmpDir)

		dctx, cancel := context.WithTimeout(ctx, w.cfg.DownloadTimeout)
		defer cancel()

		switch {
		case !needAudio && needTranscript:
			res, err := w.extractor.DownloadTranscript(dctx, task.VideoURL, tmpDir)
			if err != nil {
				return err
			}
			info = res.Info
			native := res.HasTranscript
			hasNative = &native
			if res.HasTranscript {
				lang := transcriptLanguage(res.TranscriptPath)
				transcriptRec, err = w.cache.Promote(ctx, task.VideoID, model.FileTranscript, res.TranscriptPath, nil, lang)
				if err != nil {
					return extractor.NewError(model.ErrInternal, err.Error())
				}
			} else {
				audioFallback = true
				if audioRec == nil {
					if audioRec, err = w.cache.ResolveAny(ctx, task.VideoID, model.FileAudio); err != nil {
						return err
					}
					reusedAudio = audioRec != nil
				}
				if audioRec == nil {
					// No native transcript exists, fall back to audio.
					dres, err := w.extractor.Download(dctx, task.VideoURL, false, tmpDir, w.progressFn(ctx, task.ID))
					if err != nil {
						return err
					}
					info = dres.Info
					q := w.cfg.AudioQuality
					audioRec, err = w.cache.Promote(ctx, task.VideoID, model.FileAudio, dres.AudioPath, &q, nil)
					if err != nil {
						return extractor.NewError(model.ErrInternal, err.Error())
					}
				}
			}

		default:
			res, err := w.extractor.Download(dctx, task.VideoURL, needTranscript, tmpDir, w.progressFn(ctx, task.ID))
			if err != nil {
				return err
			}
			info = res.Info
			if needAudio {
				q := w.cfg.AudioQuality
				audioRec, err = w.cache.Promote(ctx, task.VideoID, model.FileAudio, res.AudioPath, &q, nil)
				if err != nil {
					return extractor.NewError(model.ErrInternal, err.Error())
				}
			}
			if needTranscript {
				native := res.TranscriptPath != ""
				hasNative = &native
				if native {
					lang := transcriptLanguage(res.TranscriptPath)
					transcriptRec, err = w.cache.Promote(ctx, task.VideoID, model.FileTranscript, res.TranscriptPath, nil, lang)
					if err != nil {
						return extractor.NewError(model.ErrInternal, err.Error())
					}
				} else {
					audioFallback = true
				}
			}
		}
	}

	if info != nil || hasNative != nil {
		if err := w.store.UpdateVideo(ctx, task.VideoID, info, hasNative); err != nil {
			return err
		}
	}

	done := store.CompletedTask{
		HasTranscript: transcriptRec != nil,
		AudioFallback: audioFallback,
		ExpiresAt:     time.Now().UTC().Add(w.cache.Retention()),
	}
	if audioRec != nil {
		done.AudioFileID = &audioRec.ID
		done.ReusedAudio = reusedAudio
		if audioRec.ExpiresAt != nil {
			// A reused artifact expires on its own clock, not the task's.
			done.ExpiresAt = *audioRec.ExpiresAt
		}
	}
	if transcriptRec != nil {
		done.TranscriptFileID = &transcriptRec.ID
		done.ReusedTranscript = reusedTranscript
	}
	if err := w.store.MarkCompleted(ctx, task.ID, done); err != nil {
		return err
	}
	slog.Info("task completed",
		"task_id", task.ID, "video_id", task.VideoID,
		"audio", audioRec != nil, "transcript", transcriptRec != nil,
		"audio_fallback", audioFallback)
	return nil
}

// dispatchFinish sends the completion notification and webhook off the
// download path. The task is re-read so the payload reflects its final row.
func (w *Worker) dispatchFinish(taskID string, success bool) {
	err := w.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		task, err := w.store.GetTask(ctx, taskID)
		if err != nil {
			slog.Error("failed to load finished task", "task_id", taskID, "error", err)
			return
		}
		if success {
			w.notify.TaskCompleted(task)
		} else {
			w.notify.TaskFailed(task)
		}
		w.webhook.Deliver(ctx, task)
	})
	if err != nil {
		slog.Error("failed to dispatch task finish hooks", "task_id", taskID, "error", err)
	}
}

func (w *Worker) progressFn(ctx context.Context, taskID string) func(int) {
	return func(percent int) {
		w.progress.Set(ctx, taskID, percent)
	}
}

// pace sleeps a random interval before the next task is picked up, keeping
// request frequency against the source irregular and low.
func (w *Worker) pace(ctx context.Context) {
	span := w.cfg.TaskIntervalMax - w.cfg.TaskIntervalMin
	d := w.cfg.TaskIntervalMin
	if span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	if d <= 0 {
		return
	}
	slog.Debug("pacing before next task", "sleep", d)
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// transcriptLanguage pulls the language tag out of a subtitle filename of the
// form <id>.<lang>.<ext>. Returns nil when the name carries no tag.
func transcriptLanguage(path string) *string {
	base := filepath.Base(path)
	parts := strings.Split(base, ".")
	if len(parts) < 3 {
		return nil
	}
	lang := parts[len(parts)-2]
	if lang == "" {
		return nil
	}
	return &lang
}

// slogAdapter bridges asynq's logger onto the process-wide slog handler.
type slogAdapter struct{}

func (slogAdapter) Debug(args ...any) { slog.Debug(fmt.Sprint(args...)) }
func (slogAdapter) Info(args ...any)  { slog.Info(fmt.Sprint(args...)) }
func (slogAdapter) Warn(args ...any)  { slog.Warn(fmt.Sprint(args...)) }
func (slogAdapter) Error(args ...any) { slog.Error(fmt.Sprint(args...)) }
func (slogAdapter) Fatal(args ...any) { slog.Error(fmt.Sprint(args...)); os.Exit(1) }
