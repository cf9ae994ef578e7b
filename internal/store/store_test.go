package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/zj1123581321/youtube-download-api/internal/model"
)

var dbSeq int

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbSeq++
	s, err := Open(fmt.Sprintf("file:store_test_%d?mode=memory&cache=shared", dbSeq))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateVideo(t *testing.T, s *Store, videoID string) {
	t.Helper()
	if _, err := s.GetOrCreateVideo(context.Background(), videoID); err != nil {
		t.Fatalf("GetOrCreateVideo: %v", err)
	}
}

func mustCreateTask(t *testing.T, s *Store, id, videoID string, createdAt time.Time) {
	t.Helper()
	err := s.CreateTask(context.Background(), &model.Task{
		ID:                id,
		VideoID:           videoID,
		VideoURL:          "https://www.youtube.com/watch?v=" + videoID,
		Status:            model.StatusPending,
		IncludeAudio:      true,
		IncludeTranscript: true,
		CreatedAt:         createdAt,
	})
	if err != nil {
		t.Fatalf("CreateTask %s: %v", id, err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustCreateVideo(t, s, "dQw4w9WgXcQ")
	mustCreateTask(t, s, "task-1", "dQw4w9WgXcQ", time.Now().UTC())

	got, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}

	if err := s.MarkDownloading(ctx, "task-1"); err != nil {
		t.Fatalf("MarkDownloading: %v", err)
	}
	got, _ = s.GetTask(ctx, "task-1")
	if got.Status != model.StatusDownloading || got.StartedAt == nil {
		t.Fatalf("after MarkDownloading: status=%s started=%v", got.Status, got.StartedAt)
	}

	audioID := "file-audio"
	expires := time.Now().UTC().Add(24 * time.Hour)
	err = s.MarkCompleted(ctx, "task-1", CompletedTask{
		AudioFileID:   &audioID,
		HasTranscript: false,
		AudioFallback: true,
		ExpiresAt:     expires,
	})
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	got, _ = s.GetTask(ctx, "task-1")
	if got.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.AudioFileID == nil || *got.AudioFileID != audioID {
		t.Fatalf("audio file id = %v", got.AudioFileID)
	}
	if got.HasTranscript == nil || *got.HasTranscript {
		t.Fatalf("has transcript = %v, want false", got.HasTranscript)
	}
	if !got.AudioFallback {
		t.Fatal("audio fallback not recorded")
	}
	if got.CompletedAt == nil || got.ExpiresAt == nil {
		t.Fatalf("timestamps missing: completed=%v expires=%v", got.CompletedAt, got.ExpiresAt)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetTask(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestQueuePositionFollowsCreationOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateVideo(t, s, "aaaaaaaaaaa")

	base := time.Now().UTC()
	mustCreateTask(t, s, "t1", "aaaaaaaaaaa", base)
	mustCreateTask(t, s, "t2", "aaaaaaaaaaa", base.Add(time.Second))
	mustCreateTask(t, s, "t3", "aaaaaaaaaaa", base.Add(2*time.Second))

	for i, id := range []string{"t1", "t2", "t3"} {
		pos, err := s.QueuePosition(ctx, id)
		if err != nil {
			t.Fatalf("QueuePosition(%s): %v", id, err)
		}
		if pos != i+1 {
			t.Fatalf("position(%s) = %d, want %d", id, pos, i+1)
		}
	}

	// The head leaving the pending set shifts everyone up.
	if err := s.MarkDownloading(ctx, "t1"); err != nil {
		t.Fatalf("MarkDownloading: %v", err)
	}
	pos, _ := s.QueuePosition(ctx, "t3")
	if pos != 2 {
		t.Fatalf("position(t3) after head left = %d, want 2", pos)
	}
}

func TestPendingTaskIDsInCreationOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateVideo(t, s, "aaaaaaaaaaa")

	base := time.Now().UTC()
	mustCreateTask(t, s, "t-new", "aaaaaaaaaaa", base.Add(time.Minute))
	mustCreateTask(t, s, "t-old", "aaaaaaaaaaa", base)

	ids, err := s.PendingTaskIDs(ctx, 10)
	if err != nil {
		t.Fatalf("PendingTaskIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "t-old" || ids[1] != "t-new" {
		t.Fatalf("ids = %v, want [t-old t-new]", ids)
	}
}

func TestResetDownloading(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateVideo(t, s, "aaaaaaaaaaa")
	mustCreateTask(t, s, "t1", "aaaaaaaaaaa", time.Now().UTC())

	if err := s.MarkDownloading(ctx, "t1"); err != nil {
		t.Fatalf("MarkDownloading: %v", err)
	}
	n, err := s.ResetDownloading(ctx)
	if err != nil {
		t.Fatalf("ResetDownloading: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset %d tasks, want 1", n)
	}
	got, _ := s.GetTask(ctx, "t1")
	if got.Status != model.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
}

func TestMarkCancelledOnlyAffectsPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateVideo(t, s, "aaaaaaaaaaa")
	mustCreateTask(t, s, "t1", "aaaaaaaaaaa", time.Now().UTC())

	if err := s.MarkDownloading(ctx, "t1"); err != nil {
		t.Fatalf("MarkDownloading: %v", err)
	}
	if err := s.MarkCancelled(ctx, "t1"); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}
	got, _ := s.GetTask(ctx, "t1")
	if got.Status != model.StatusDownloading {
		t.Fatalf("downloading task was cancelled: status=%s", got.Status)
	}
}

func TestIncrementRetryResetsToPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateVideo(t, s, "aaaaaaaaaaa")
	mustCreateTask(t, s, "t1", "aaaaaaaaaaa", time.Now().UTC())

	if err := s.MarkDownloading(ctx, "t1"); err != nil {
		t.Fatalf("MarkDownloading: %v", err)
	}
	count, err := s.IncrementRetry(ctx, "t1")
	if err != nil {
		t.Fatalf("IncrementRetry: %v", err)
	}
	if count != 1 {
		t.Fatalf("retry count = %d, want 1", count)
	}
	got, _ := s.GetTask(ctx, "t1")
	if got.Status != model.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if count, _ = s.IncrementRetry(ctx, "t1"); count != 2 {
		t.Fatalf("second retry count = %d, want 2", count)
	}
}

func TestActiveTaskByVideo(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateVideo(t, s, "aaaaaaaaaaa")

	if _, err := s.ActiveTaskByVideo(ctx, "aaaaaaaaaaa"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	mustCreateTask(t, s, "t1", "aaaaaaaaaaa", time.Now().UTC())
	active, err := s.ActiveTaskByVideo(ctx, "aaaaaaaaaaa")
	if err != nil {
		t.Fatalf("ActiveTaskByVideo: %v", err)
	}
	if active.ID != "t1" {
		t.Fatalf("active task = %s, want t1", active.ID)
	}

	if err := s.MarkFailed(ctx, "t1", model.ErrVideoPrivate, "private"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if _, err := s.ActiveTaskByVideo(ctx, "aaaaaaaaaaa"); err != ErrNotFound {
		t.Fatalf("failed task still counted active: %v", err)
	}
}

func TestListTasksPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateVideo(t, s, "aaaaaaaaaaa")

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		mustCreateTask(t, s, fmt.Sprintf("t%d", i), "aaaaaaaaaaa", base.Add(time.Duration(i)*time.Second))
	}
	if err := s.MarkDownloading(ctx, "t4"); err != nil {
		t.Fatalf("MarkDownloading: %v", err)
	}

	tasks, total, err := s.ListTasks(ctx, nil, 2, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 5 || len(tasks) != 2 {
		t.Fatalf("total=%d len=%d, want 5 and 2", total, len(tasks))
	}
	// Newest first.
	if tasks[0].ID != "t4" {
		t.Fatalf("first task = %s, want t4", tasks[0].ID)
	}

	pending := model.StatusPending
	_, total, err = s.ListTasks(ctx, &pending, 10, 0)
	if err != nil {
		t.Fatalf("ListTasks filtered: %v", err)
	}
	if total != 4 {
		t.Fatalf("pending total = %d, want 4", total)
	}
}

func TestFileByTierMatchesNullColumns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateVideo(t, s, "aaaaaaaaaaa")

	q := 128
	lang := "en"
	now := time.Now().UTC()
	files := []*model.FileRecord{
		{ID: "f1", VideoID: "aaaaaaaaaaa", Type: model.FileAudio, Filename: "a.m4a", Filepath: "files/audio/a.m4a", Quality: &q, CreatedAt: now},
		{ID: "f2", VideoID: "aaaaaaaaaaa", Type: model.FileTranscript, Filename: "a.json3", Filepath: "files/transcript/a.json3", Language: &lang, CreatedAt: now},
	}
	for _, f := range files {
		if err := s.InsertFile(ctx, f); err != nil {
			t.Fatalf("InsertFile %s: %v", f.ID, err)
		}
	}

	got, err := s.FileByTier(ctx, "aaaaaaaaaaa", model.FileAudio, &q, nil)
	if err != nil {
		t.Fatalf("FileByTier audio: %v", err)
	}
	if got.ID != "f1" {
		t.Fatalf("audio tier = %s, want f1", got.ID)
	}

	got, err = s.FileByTier(ctx, "aaaaaaaaaaa", model.FileTranscript, nil, &lang)
	if err != nil {
		t.Fatalf("FileByTier transcript: %v", err)
	}
	if got.ID != "f2" {
		t.Fatalf("transcript tier = %s, want f2", got.ID)
	}

	other := 64
	if _, err := s.FileByTier(ctx, "aaaaaaaaaaa", model.FileAudio, &other, nil); err != ErrNotFound {
		t.Fatalf("wrong tier err = %v, want ErrNotFound", err)
	}
}

func TestExpiredFilesAndOrphanCascade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateVideo(t, s, "aaaaaaaaaaa")
	mustCreateVideo(t, s, "bbbbbbbbbbb")

	old := time.Now().UTC().Add(-90 * 24 * time.Hour)
	fresh := time.Now().UTC()
	err := s.InsertFile(ctx, &model.FileRecord{
		ID: "stale", VideoID: "aaaaaaaaaaa", Type: model.FileAudio,
		Filename: "a.m4a", Filepath: "files/audio/a.m4a",
		CreatedAt: old, LastAccessedAt: &old,
	})
	if err != nil {
		t.Fatalf("InsertFile stale: %v", err)
	}
	err = s.InsertFile(ctx, &model.FileRecord{
		ID: "live", VideoID: "bbbbbbbbbbb", Type: model.FileAudio,
		Filename: "b.m4a", Filepath: "files/audio/b.m4a",
		CreatedAt: fresh, LastAccessedAt: &fresh,
	})
	if err != nil {
		t.Fatalf("InsertFile live: %v", err)
	}

	cutoff := time.Now().UTC().Add(-60 * 24 * time.Hour)
	expired, err := s.ExpiredFiles(ctx, cutoff)
	if err != nil {
		t.Fatalf("ExpiredFiles: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "stale" {
		t.Fatalf("expired = %v", expired)
	}

	if err := s.DeleteFile(ctx, "stale"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	n, err := s.DeleteOrphanVideos(ctx)
	if err != nil {
		t.Fatalf("DeleteOrphanVideos: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d orphan videos, want 1", n)
	}
	if _, err := s.GetVideo(ctx, "bbbbbbbbbbb"); err != nil {
		t.Fatalf("video with live file was deleted: %v", err)
	}
}

func TestUpdateVideoPartialColumns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateVideo(t, s, "aaaaaaaaaaa")

	info := &model.VideoInfo{Title: "hello", Duration: 42}
	if err := s.UpdateVideo(ctx, "aaaaaaaaaaa", info, nil); err != nil {
		t.Fatalf("UpdateVideo info: %v", err)
	}
	got, _ := s.GetVideo(ctx, "aaaaaaaaaaa")
	if got.Info == nil || got.Info.Title != "hello" {
		t.Fatalf("info = %+v", got.Info)
	}
	if got.HasNativeTranscript != nil {
		t.Fatalf("has_native_transcript set unexpectedly: %v", got.HasNativeTranscript)
	}

	no := false
	if err := s.UpdateVideo(ctx, "aaaaaaaaaaa", nil, &no); err != nil {
		t.Fatalf("UpdateVideo flag: %v", err)
	}
	got, _ = s.GetVideo(ctx, "aaaaaaaaaaa")
	if got.HasNativeTranscript == nil || *got.HasNativeTranscript {
		t.Fatalf("flag = %v, want false", got.HasNativeTranscript)
	}
	if got.Info == nil || got.Info.Title != "hello" {
		t.Fatal("info was clobbered by flag-only update")
	}
}
