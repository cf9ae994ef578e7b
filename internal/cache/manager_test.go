package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zj1123581321/youtube-download-api/internal/config"
	"github.com/zj1123581321/youtube-download-api/internal/model"
	"github.com/zj1123581321/youtube-download-api/internal/store"
)

var dbSeq int

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	dbSeq++
	st, err := store.Open(fmt.Sprintf("file:cache_test_%d?mode=memory&cache=shared", dbSeq))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	m := NewManager(st, config.StorageCfg{DataDir: t.TempDir(), RetentionDays: 60})
	if err := m.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	return m, st
}

func writeTempArtifact(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}

func TestPromoteAndResolve(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	if _, err := st.GetOrCreateVideo(ctx, "dQw4w9WgXcQ"); err != nil {
		t.Fatalf("create video: %v", err)
	}

	q := 128
	src := writeTempArtifact(t, "dQw4w9WgXcQ.m4a")
	rec, err := m.Promote(ctx, "dQw4w9WgXcQ", model.FileAudio, src, &q, nil)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if rec.Format != "m4a" || rec.Size == 0 {
		t.Fatalf("record = %+v", rec)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("source file still present after promote")
	}
	if _, err := os.Stat(filepath.Join(m.cfg.DataDir, rec.Filepath)); err != nil {
		t.Fatalf("promoted file missing: %v", err)
	}

	got, err := m.Resolve(ctx, "dQw4w9WgXcQ", model.FileAudio, &q, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got == nil || got.ID != rec.ID {
		t.Fatalf("resolve = %+v, want %s", got, rec.ID)
	}

	// Different tier is a miss, not an error.
	other := 64
	got, err = m.Resolve(ctx, "dQw4w9WgXcQ", model.FileAudio, &other, nil)
	if err != nil || got != nil {
		t.Fatalf("wrong tier: rec=%v err=%v", got, err)
	}
}

func TestPromoteReplacesSameTier(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	if _, err := st.GetOrCreateVideo(ctx, "dQw4w9WgXcQ"); err != nil {
		t.Fatalf("create video: %v", err)
	}

	q := 128
	first, err := m.Promote(ctx, "dQw4w9WgXcQ", model.FileAudio, writeTempArtifact(t, "v1.m4a"), &q, nil)
	if err != nil {
		t.Fatalf("first promote: %v", err)
	}
	second, err := m.Promote(ctx, "dQw4w9WgXcQ", model.FileAudio, writeTempArtifact(t, "v2.m4a"), &q, nil)
	if err != nil {
		t.Fatalf("second promote: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("replacement kept the old id")
	}
	if _, err := st.GetFile(ctx, first.ID); err != store.ErrNotFound {
		t.Fatalf("old record still present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.cfg.DataDir, first.Filepath)); !os.IsNotExist(err) {
		t.Fatal("old physical file still present")
	}
}

func TestResolveSelfHealsStaleRecord(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	if _, err := st.GetOrCreateVideo(ctx, "dQw4w9WgXcQ"); err != nil {
		t.Fatalf("create video: %v", err)
	}

	rec, err := m.Promote(ctx, "dQw4w9WgXcQ", model.FileAudio, writeTempArtifact(t, "gone.m4a"), nil, nil)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if err := os.Remove(filepath.Join(m.cfg.DataDir, rec.Filepath)); err != nil {
		t.Fatalf("remove backing file: %v", err)
	}

	got, err := m.Resolve(ctx, "dQw4w9WgXcQ", model.FileAudio, nil, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != nil {
		t.Fatalf("stale record served: %+v", got)
	}
	if _, err := st.GetFile(ctx, rec.ID); err != store.ErrNotFound {
		t.Fatalf("stale record not purged: %v", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	m, _ := newTestManager(t)
	if _, _, err := m.Open(context.Background(), "no-such-id"); err != ErrFileNotFound {
		t.Fatalf("err = %v, want ErrFileNotFound", err)
	}
}

func TestReclaimCascades(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	if _, err := st.GetOrCreateVideo(ctx, "dQw4w9WgXcQ"); err != nil {
		t.Fatalf("create video: %v", err)
	}

	// Insert a record whose last access predates retention, backed by a real
	// file so Reclaim exercises the physical delete too.
	relPath := filepath.Join("files", "audio", "old.m4a")
	absPath := filepath.Join(m.cfg.DataDir, relPath)
	if err := os.WriteFile(absPath, []byte("old"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	old := time.Now().UTC().Add(-90 * 24 * time.Hour)
	err := st.InsertFile(ctx, &model.FileRecord{
		ID: "old-file", VideoID: "dQw4w9WgXcQ", Type: model.FileAudio,
		Filename: "old.m4a", Filepath: relPath,
		CreatedAt: old, LastAccessedAt: &old,
	})
	if err != nil {
		t.Fatalf("InsertFile: %v", err)
	}

	n, err := m.Reclaim(ctx)
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d files, want 1", n)
	}
	if _, err := os.Stat(absPath); !os.IsNotExist(err) {
		t.Fatal("physical file survived reclaim")
	}
	if _, err := st.GetFile(ctx, "old-file"); err != store.ErrNotFound {
		t.Fatalf("record survived reclaim: %v", err)
	}
	// Video had no other files, so the resource goes too.
	if _, err := st.GetVideo(ctx, "dQw4w9WgXcQ"); err != store.ErrNotFound {
		t.Fatalf("orphan video survived reclaim: %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"normal.m4a", "normal.m4a"},
		{`bad<>:"/\|?*.m4a`, "bad_________.m4a"},
		{"...   ", "unnamed"},
		{"", "unnamed"},
	}
	for _, c := range cases {
		if got := sanitizeFilename(c.in); got != c.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	long := strings.Repeat("世", 100) + ".m4a" // 3 bytes per rune
	got := sanitizeFilename(long)
	if len(got) > maxFilenameBytes {
		t.Fatalf("len = %d, want <= %d", len(got), maxFilenameBytes)
	}
	for _, r := range got {
		if r == '�' {
			t.Fatal("truncation split a multi-byte rune")
		}
	}
}
