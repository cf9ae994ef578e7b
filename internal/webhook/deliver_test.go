package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zj1123581321/youtube-download-api/internal/api"
	"github.com/zj1123581321/youtube-download-api/internal/config"
	"github.com/zj1123581321/youtube-download-api/internal/model"
	"github.com/zj1123581321/youtube-download-api/internal/store"
)

var dbSeq int

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	dbSeq++
	st, err := store.Open(fmt.Sprintf("file:webhook_test_%d?mode=memory&cache=shared", dbSeq))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.WebhookCfg{
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		RetryDelays: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	}
	return NewService(st, cfg, "http://localhost:8000"), st
}

func seedTask(t *testing.T, st *store.Store, callbackURL, secret string) *model.Task {
	t.Helper()
	ctx := context.Background()
	if _, err := st.GetOrCreateVideo(ctx, "dQw4w9WgXcQ"); err != nil {
		t.Fatalf("create video: %v", err)
	}
	task := &model.Task{
		ID:                "task-1",
		VideoID:           "dQw4w9WgXcQ",
		VideoURL:          "https://youtu.be/dQw4w9WgXcQ",
		Status:            model.StatusPending,
		IncludeAudio:      true,
		IncludeTranscript: true,
		CallbackURL:       &callbackURL,
		CreatedAt:         time.Now().UTC(),
	}
	if secret != "" {
		task.CallbackSecret = &secret
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := st.MarkFailed(ctx, task.ID, model.ErrVideoPrivate, "video is private"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return got
}

func TestDeliverSignsAndSucceeds(t *testing.T) {
	var gotSig, gotTaskID string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotTaskID = r.Header.Get("X-Task-Id")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc, st := newTestService(t)
	task := seedTask(t, st, srv.URL, "hunter2")

	if !svc.Deliver(context.Background(), task) {
		t.Fatal("delivery reported failure")
	}
	if gotTaskID != task.ID {
		t.Fatalf("X-Task-Id = %q, want %q", gotTaskID, task.ID)
	}
	if !Verify(gotBody, gotSig, "hunter2") {
		t.Fatal("signature does not verify against the received body")
	}

	var payload api.CallbackPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if payload.Status != model.StatusFailed || payload.Error == nil {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.Error.Code != model.ErrVideoPrivate {
		t.Fatalf("error code = %s", payload.Error.Code)
	}

	got, _ := st.GetTask(context.Background(), task.ID)
	if got.CallbackStatus == nil || *got.CallbackStatus != model.CallbackSuccess {
		t.Fatalf("callback status = %v, want success", got.CallbackStatus)
	}
	if got.CallbackAttempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.CallbackAttempts)
	}
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc, st := newTestService(t)
	task := seedTask(t, st, srv.URL, "")

	if !svc.Deliver(context.Background(), task) {
		t.Fatal("delivery reported failure")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	got, _ := st.GetTask(context.Background(), task.ID)
	if got.CallbackAttempts != 3 {
		t.Fatalf("attempts = %d, want 3", got.CallbackAttempts)
	}
}

func TestDeliverStopsOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	svc, st := newTestService(t)
	task := seedTask(t, st, srv.URL, "")

	if svc.Deliver(context.Background(), task) {
		t.Fatal("delivery reported success against a 404 receiver")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 (4xx must not be retried)", calls.Load())
	}
	got, _ := st.GetTask(context.Background(), task.ID)
	if got.CallbackStatus == nil || *got.CallbackStatus != model.CallbackFailed {
		t.Fatalf("callback status = %v, want failed", got.CallbackStatus)
	}
	// A failed callback never disturbs the task's own status.
	if got.Status != model.StatusFailed {
		t.Fatalf("task status = %s, want failed", got.Status)
	}
}

func TestDeliverExhaustsBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	svc, st := newTestService(t)
	task := seedTask(t, st, srv.URL, "")

	if svc.Deliver(context.Background(), task) {
		t.Fatal("delivery reported success")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	got, _ := st.GetTask(context.Background(), task.ID)
	if got.CallbackStatus == nil || *got.CallbackStatus != model.CallbackFailed {
		t.Fatalf("callback status = %v, want failed", got.CallbackStatus)
	}
}

func TestDeliverNoCallbackConfigured(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	if _, err := st.GetOrCreateVideo(ctx, "dQw4w9WgXcQ"); err != nil {
		t.Fatalf("create video: %v", err)
	}
	task := &model.Task{
		ID: "no-cb", VideoID: "dQw4w9WgXcQ", VideoURL: "u",
		Status: model.StatusCompleted, CreatedAt: time.Now().UTC(),
	}
	if !svc.Deliver(ctx, task) {
		t.Fatal("task without callback should trivially succeed")
	}
}
