// Package cache manages produced artifacts on disk and their records. A
// resolve hit guarantees the backing file exists; stale records are purged
// inline so callers never need their own existence checks.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/zj1123581321/youtube-download-api/internal/config"
	"github.com/zj1123581321/youtube-download-api/internal/model"
	"github.com/zj1123581321/youtube-download-api/internal/store"
)

// ErrFileNotFound is returned by Open when neither record nor backing file
// can be served.
var ErrFileNotFound = errors.New("cache: file not found")

// maxFilenameBytes keeps stored names under common filesystem limits.
const maxFilenameBytes = 200

type Manager struct {
	store *store.Store
	cfg   config.StorageCfg
}

func NewManager(st *store.Store, cfg config.StorageCfg) *Manager {
	return &Manager{store: st, cfg: cfg}
}

// Retention is the configured lifetime of unaccessed artifacts.
func (m *Manager) Retention() time.Duration { return m.cfg.Retention() }

// EnsureDirs creates the storage layout.
func (m *Manager) EnsureDirs() error { return m.cfg.EnsureDirs() }

// Resolve finds the file for an exact (video, type, quality, language) tier.
// Returns nil without error on a miss. On a hit the record's access time is
// refreshed and the backing file is guaranteed present.
func (m *Manager) Resolve(ctx context.Context, videoID string, fileType model.FileType, quality *int, language *string) (*model.FileRecord, error) {
	rec, err := m.store.FileByTier(ctx, videoID, fileType, quality, language)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.validate(ctx, rec)
}

// ResolveAny finds any valid file of the given type for a video, regardless
// of quality or language tier.
func (m *Manager) ResolveAny(ctx context.Context, videoID string, fileType model.FileType) (*model.FileRecord, error) {
	recs, err := m.store.FilesByVideo(ctx, videoID, fileType)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		valid, err := m.validate(ctx, rec)
		if err != nil {
			return nil, err
		}
		if valid != nil {
			return valid, nil
		}
	}
	return nil, nil
}

// validate checks the backing file and self-heals a stale record by deleting
// it and reporting a miss.
func (m *Manager) validate(ctx context.Context, rec *model.FileRecord) (*model.FileRecord, error) {
	path := filepath.Join(m.cfg.DataDir, rec.Filepath)
	if _, err := os.Stat(path); err != nil {
		slog.Warn("purging stale file record, backing file missing",
			"file_id", rec.ID, "path", path)
		if err := m.store.DeleteFile(ctx, rec.ID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err := m.store.TouchFile(ctx, rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

// Promote moves a freshly produced artifact from transient storage into the
// permanent layout and records it. An existing record in the same tier is
// replaced, file and all.
func (m *Manager) Promote(ctx context.Context, videoID string, fileType model.FileType, srcPath string, quality *int, language *string) (*model.FileRecord, error) {
	if prev, err := m.store.FileByTier(ctx, videoID, fileType, quality, language); err == nil {
		m.removePhysical(prev)
		if err := m.store.DeleteFile(ctx, prev.ID); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	fileID := uuid.NewString()
	filename := sanitizeFilename(filepath.Base(srcPath))
	format := strings.TrimPrefix(filepath.Ext(filename), ".")

	targetDir := m.cfg.AudioDir()
	if fileType == model.FileTranscript {
		targetDir = m.cfg.TranscriptDir()
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, err
	}

	targetPath := filepath.Join(targetDir, fileID+"_"+filename)
	if err := moveFile(srcPath, targetPath); err != nil {
		return nil, fmt.Errorf("promote %s: %w", srcPath, err)
	}

	st, err := os.Stat(targetPath)
	if err != nil {
		return nil, err
	}
	relPath, err := filepath.Rel(m.cfg.DataDir, targetPath)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expires := now.Add(m.cfg.Retention())
	rec := &model.FileRecord{
		ID:             fileID,
		VideoID:        videoID,
		Type:           fileType,
		Filename:       filename,
		Filepath:       relPath,
		Size:           st.Size(),
		Format:         format,
		Quality:        quality,
		Language:       language,
		CreatedAt:      now,
		LastAccessedAt: &now,
		ExpiresAt:      &expires,
	}
	if err := m.store.InsertFile(ctx, rec); err != nil {
		return nil, err
	}
	slog.Info("file promoted", "file_id", fileID, "type", fileType, "size", st.Size())
	return rec, nil
}

// Open returns the record and absolute path for serving, refreshing access
// time. A missing backing file self-heals to ErrFileNotFound.
func (m *Manager) Open(ctx context.Context, fileID string) (*model.FileRecord, string, error) {
	rec, err := m.store.GetFile(ctx, fileID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", ErrFileNotFound
	}
	if err != nil {
		return nil, "", err
	}
	valid, err := m.validate(ctx, rec)
	if err != nil {
		return nil, "", err
	}
	if valid == nil {
		return nil, "", ErrFileNotFound
	}
	return valid, filepath.Join(m.cfg.DataDir, valid.Filepath), nil
}

// Reclaim deletes files unaccessed past the retention window, then cascades:
// videos with no remaining files and completed tasks past retention. Returns
// the number of files removed. Scheduled daily, never on the request path.
func (m *Manager) Reclaim(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-m.cfg.Retention())

	expired, err := m.store.ExpiredFiles(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, rec := range expired {
		m.removePhysical(rec)
		if err := m.store.DeleteFile(ctx, rec.ID); err != nil {
			slog.Error("failed to delete expired file record", "file_id", rec.ID, "error", err)
			continue
		}
		deleted++
	}

	if n, err := m.store.DeleteOrphanVideos(ctx); err != nil {
		slog.Error("failed to delete orphan videos", "error", err)
	} else if n > 0 {
		slog.Info("deleted orphan video resources", "count", n)
	}

	if n, err := m.store.DeleteExpiredCompletedTasks(ctx, cutoff); err != nil {
		slog.Error("failed to delete expired tasks", "error", err)
	} else if n > 0 {
		slog.Info("deleted expired tasks", "count", n)
	}

	if deleted > 0 {
		slog.Info("cleanup completed", "files_removed", deleted)
	}
	return deleted, nil
}

// DiskUsage reports stored bytes per artifact type for the health endpoint.
func (m *Manager) DiskUsage() (audio, transcript int64) {
	return dirSize(m.cfg.AudioDir()), dirSize(m.cfg.TranscriptDir())
}

func (m *Manager) removePhysical(rec *model.FileRecord) {
	path := filepath.Join(m.cfg.DataDir, rec.Filepath)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Error("failed to remove file", "path", path, "error", err)
	}
}

func dirSize(dir string) int64 {
	var total int64
	filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// moveFile renames when possible and falls back to copy+remove for
// cross-device moves out of temp directories.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// sanitizeFilename strips characters filesystems reject and truncates by byte
// count (not runes) so multi-byte names stay under the limit.
func sanitizeFilename(name string) string {
	s := invalidFilenameChars.ReplaceAllString(name, "_")
	s = strings.Trim(s, ". ")
	for len(s) > maxFilenameBytes {
		_, size := utf8.DecodeLastRuneInString(s)
		s = s[:len(s)-size]
	}
	if s == "" {
		return "unnamed"
	}
	return s
}
