// Package store persists the three entity tables (videos, files, tasks) in
// sqlite and is the single source of truth for task state. All mutations run
// in transactions so cross-field state is never observed half-written.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zj1123581321/youtube-download-api/internal/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS videos (
    video_id              TEXT PRIMARY KEY,
    video_info            TEXT,
    has_native_transcript INTEGER,
    created_at            DATETIME NOT NULL,
    updated_at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
    id               TEXT PRIMARY KEY,
    video_id         TEXT NOT NULL,
    type             TEXT NOT NULL,
    filename         TEXT NOT NULL,
    filepath         TEXT NOT NULL,
    size             INTEGER NOT NULL DEFAULT 0,
    format           TEXT,
    quality          INTEGER,
    language         TEXT,
    created_at       DATETIME NOT NULL,
    last_accessed_at DATETIME,
    expires_at       DATETIME,
    FOREIGN KEY (video_id) REFERENCES videos(video_id)
);

CREATE TABLE IF NOT EXISTS tasks (
    id                 TEXT PRIMARY KEY,
    video_id           TEXT NOT NULL,
    video_url          TEXT NOT NULL,
    status             TEXT NOT NULL DEFAULT 'pending',
    include_audio      INTEGER NOT NULL DEFAULT 1,
    include_transcript INTEGER NOT NULL DEFAULT 1,
    has_transcript     INTEGER,
    audio_fallback     INTEGER NOT NULL DEFAULT 0,
    reused_audio       INTEGER NOT NULL DEFAULT 0,
    reused_transcript  INTEGER NOT NULL DEFAULT 0,
    audio_file_id      TEXT,
    transcript_file_id TEXT,
    callback_url       TEXT,
    callback_secret    TEXT,
    callback_status    TEXT,
    callback_attempts  INTEGER NOT NULL DEFAULT 0,
    error_code         TEXT,
    error_message      TEXT,
    retry_count        INTEGER NOT NULL DEFAULT 0,
    created_at         DATETIME NOT NULL,
    started_at         DATETIME,
    completed_at       DATETIME,
    expires_at         DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_files_tier
    ON files(video_id, type, COALESCE(quality, -1), COALESCE(language, ''));
CREATE INDEX IF NOT EXISTS idx_files_video_id ON files(video_id);
CREATE INDEX IF NOT EXISTS idx_files_last_accessed ON files(last_accessed_at);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_video_id ON tasks(video_id);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
`

// Store wraps a sqlite database. Safe for concurrent use; writes are
// serialized through a single connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping reports database health for the health endpoint.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ==================== Video operations ====================

// GetOrCreateVideo returns the resource row for a video identity, creating it
// on first sight. Idempotent.
func (s *Store) GetOrCreateVideo(ctx context.Context, videoID string) (*model.VideoResource, error) {
	now := time.Now().UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO videos (video_id, created_at, updated_at) VALUES (?, ?, ?)`,
			videoID, now, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetVideo(ctx, videoID)
}

// GetVideo fetches a video resource by id.
func (s *Store) GetVideo(ctx context.Context, videoID string) (*model.VideoResource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT video_id, video_info, has_native_transcript, created_at, updated_at
		 FROM videos WHERE video_id = ?`, videoID)

	v := model.VideoResource{}
	var infoJSON sql.NullString
	var hasNative sql.NullBool
	if err := row.Scan(&v.VideoID, &infoJSON, &hasNative, &v.CreatedAt, &v.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if infoJSON.Valid && infoJSON.String != "" {
		info := model.VideoInfo{}
		if err := json.Unmarshal([]byte(infoJSON.String), &info); err == nil {
			v.Info = &info
		}
	}
	if hasNative.Valid {
		b := hasNative.Bool
		v.HasNativeTranscript = &b
	}
	return &v, nil
}

// UpdateVideo stores freshly observed metadata and, when known, the native
// transcript flag. Nil arguments leave the corresponding column untouched.
func (s *Store) UpdateVideo(ctx context.Context, videoID string, info *model.VideoInfo, hasNativeTranscript *bool) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if info != nil {
			raw, err := json.Marshal(info)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE videos SET video_info = ?, updated_at = ? WHERE video_id = ?`,
				string(raw), now, videoID); err != nil {
				return err
			}
		}
		if hasNativeTranscript != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE videos SET has_native_transcript = ?, updated_at = ? WHERE video_id = ?`,
				*hasNativeTranscript, now, videoID); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteOrphanVideos removes video resources no file references any longer.
func (s *Store) DeleteOrphanVideos(ctx context.Context) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM videos WHERE video_id NOT IN (SELECT DISTINCT video_id FROM files)`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ==================== File operations ====================

const fileColumns = `id, video_id, type, filename, filepath, size, format, quality, language,
	created_at, last_accessed_at, expires_at`

func scanFile(row interface{ Scan(...any) error }) (*model.FileRecord, error) {
	f := model.FileRecord{}
	var format sql.NullString
	var quality sql.NullInt64
	var language sql.NullString
	var lastAccessed, expires sql.NullTime
	err := row.Scan(&f.ID, &f.VideoID, &f.Type, &f.Filename, &f.Filepath, &f.Size,
		&format, &quality, &language, &f.CreatedAt, &lastAccessed, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	f.Format = format.String
	if quality.Valid {
		q := int(quality.Int64)
		f.Quality = &q
	}
	if language.Valid {
		l := language.String
		f.Language = &l
	}
	if lastAccessed.Valid {
		t := lastAccessed.Time
		f.LastAccessedAt = &t
	}
	if expires.Valid {
		t := expires.Time
		f.ExpiresAt = &t
	}
	return &f, nil
}

// InsertFile creates a file record.
func (s *Store) InsertFile(ctx context.Context, f *model.FileRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO files (`+fileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.VideoID, f.Type, f.Filename, f.Filepath, f.Size,
			nullStr(f.Format), nullIntPtr(f.Quality), f.Language,
			f.CreatedAt, f.LastAccessedAt, f.ExpiresAt)
		return err
	})
}

// GetFile fetches a file record by its opaque id.
func (s *Store) GetFile(ctx context.Context, fileID string) (*model.FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = ?`, fileID)
	return scanFile(row)
}

// FilesByVideo lists a video's files of one type, newest first.
func (s *Store) FilesByVideo(ctx context.Context, videoID string, fileType model.FileType) ([]*model.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE video_id = ? AND type = ? ORDER BY created_at DESC`,
		videoID, fileType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FileByTier fetches the unique file for (video, type, quality, language).
// Nil quality/language match the corresponding untagged tier.
func (s *Store) FileByTier(ctx context.Context, videoID string, fileType model.FileType, quality *int, language *string) (*model.FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files
		 WHERE video_id = ? AND type = ?
		   AND COALESCE(quality, -1) = COALESCE(?, -1)
		   AND COALESCE(language, '') = COALESCE(?, '')`,
		videoID, fileType, nullIntPtr(quality), language)
	return scanFile(row)
}

// TouchFile refreshes last access time; used on every serve and cache hit.
func (s *Store) TouchFile(ctx context.Context, fileID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE files SET last_accessed_at = ? WHERE id = ?`, time.Now().UTC(), fileID)
		return err
	})
}

// DeleteFile removes a file record.
func (s *Store) DeleteFile(ctx context.Context, fileID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID)
		return err
	})
}

// ExpiredFiles returns files whose last access (or creation, if never
// accessed) is older than cutoff.
func (s *Store) ExpiredFiles(ctx context.Context, cutoff time.Time) ([]*model.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files
		 WHERE last_accessed_at < ? OR (last_accessed_at IS NULL AND created_at < ?)`,
		cutoff.UTC(), cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ==================== Task operations ====================

const taskColumns = `id, video_id, video_url, status, include_audio, include_transcript,
	has_transcript, audio_fallback, reused_audio, reused_transcript,
	audio_file_id, transcript_file_id,
	callback_url, callback_secret, callback_status, callback_attempts,
	error_code, error_message, retry_count,
	created_at, started_at, completed_at, expires_at`

func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	t := model.Task{}
	var hasTranscript sql.NullBool
	var audioFileID, transcriptFileID sql.NullString
	var callbackURL, callbackSecret, callbackStatus sql.NullString
	var errorCode, errorMessage sql.NullString
	var startedAt, completedAt, expiresAt sql.NullTime

	err := row.Scan(&t.ID, &t.VideoID, &t.VideoURL, &t.Status,
		&t.IncludeAudio, &t.IncludeTranscript,
		&hasTranscript, &t.AudioFallback, &t.ReusedAudio, &t.ReusedTranscript,
		&audioFileID, &transcriptFileID,
		&callbackURL, &callbackSecret, &callbackStatus, &t.CallbackAttempts,
		&errorCode, &errorMessage, &t.RetryCount,
		&t.CreatedAt, &startedAt, &completedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if hasTranscript.Valid {
		b := hasTranscript.Bool
		t.HasTranscript = &b
	}
	t.AudioFileID = strPtr(audioFileID)
	t.TranscriptFileID = strPtr(transcriptFileID)
	t.CallbackURL = strPtr(callbackURL)
	t.CallbackSecret = strPtr(callbackSecret)
	if callbackStatus.Valid {
		cs := model.CallbackStatus(callbackStatus.String)
		t.CallbackStatus = &cs
	}
	if errorCode.Valid {
		ec := model.ErrorCode(errorCode.String)
		t.ErrorCode = &ec
	}
	t.ErrorMessage = strPtr(errorMessage)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	t.ExpiresAt = timePtr(expiresAt)
	return &t, nil
}

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, t *model.Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var cs any
		if t.CallbackStatus != nil {
			cs = string(*t.CallbackStatus)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (id, video_id, video_url, status, include_audio, include_transcript,
				reused_audio, reused_transcript, audio_file_id, transcript_file_id,
				callback_url, callback_secret, callback_status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.VideoID, t.VideoURL, t.Status, t.IncludeAudio, t.IncludeTranscript,
			t.ReusedAudio, t.ReusedTranscript, t.AudioFileID, t.TranscriptFileID,
			t.CallbackURL, t.CallbackSecret, cs, t.CreatedAt.UTC())
		return err
	})
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	return scanTask(row)
}

// ActiveTaskByVideo finds the newest pending or downloading task for a video.
// This is the coalescing lookup: concurrent requests for the same video attach
// to the task it returns instead of spawning a duplicate.
func (s *Store) ActiveTaskByVideo(ctx context.Context, videoID string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE video_id = ? AND status IN ('pending', 'downloading')
		 ORDER BY created_at DESC LIMIT 1`, videoID)
	return scanTask(row)
}

// ListTasks returns a page of tasks, newest first, plus the total count.
func (s *Store) ListTasks(ctx context.Context, status *model.TaskStatus, limit, offset int) ([]*model.Task, int, error) {
	where := ""
	args := []any{}
	if status != nil {
		where = "WHERE status = ?"
		args = append(args, *status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// QueuePosition counts pending tasks created strictly before the target,
// 1-based. This is the FIFO contract the worker drains by.
func (s *Store) QueuePosition(ctx context.Context, taskID string) (int, error) {
	var pos int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) + 1 FROM tasks
		 WHERE status = 'pending'
		 AND created_at < (SELECT created_at FROM tasks WHERE id = ?)`,
		taskID).Scan(&pos)
	return pos, err
}

// PendingTaskIDs returns pending task ids in creation order, for startup
// re-enqueue.
func (s *Store) PendingTaskIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tasks WHERE status = 'pending' ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// QueueStats returns pending and downloading counts for the health endpoint.
func (s *Store) QueueStats(ctx context.Context) (pending, downloading int, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks
		 WHERE status IN ('pending', 'downloading') GROUP BY status`)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, err
		}
		switch model.TaskStatus(status) {
		case model.StatusPending:
			pending = n
		case model.StatusDownloading:
			downloading = n
		}
	}
	return pending, downloading, rows.Err()
}

// MarkDownloading moves a pending task into downloading and stamps start time.
func (s *Store) MarkDownloading(ctx context.Context, taskID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, started_at = ? WHERE id = ?`,
			model.StatusDownloading, time.Now().UTC(), taskID)
		return err
	})
}

// CompletedTask carries the final state written atomically on completion.
type CompletedTask struct {
	AudioFileID      *string
	TranscriptFileID *string
	HasTranscript    bool
	AudioFallback    bool
	ReusedAudio      bool
	ReusedTranscript bool
	ExpiresAt        time.Time
}

// MarkCompleted finalizes a task. File references are immutable afterwards.
func (s *Store) MarkCompleted(ctx context.Context, taskID string, done CompletedTask) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks
			 SET status = ?, audio_file_id = ?, transcript_file_id = ?,
			     has_transcript = ?, audio_fallback = ?, reused_audio = ?, reused_transcript = ?,
			     completed_at = ?, expires_at = ?
			 WHERE id = ?`,
			model.StatusCompleted, done.AudioFileID, done.TranscriptFileID,
			done.HasTranscript, done.AudioFallback, done.ReusedAudio, done.ReusedTranscript,
			time.Now().UTC(), done.ExpiresAt.UTC(), taskID)
		return err
	})
}

// MarkFailed records a terminal failure with its taxonomy code.
func (s *Store) MarkFailed(ctx context.Context, taskID string, code model.ErrorCode, message string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, error_code = ?, error_message = ?, completed_at = ?
			 WHERE id = ?`,
			model.StatusFailed, string(code), message, time.Now().UTC(), taskID)
		return err
	})
}

// MarkCancelled cancels a task. The orchestrator guards that only pending
// tasks reach here.
func (s *Store) MarkCancelled(ctx context.Context, taskID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ? WHERE id = ? AND status = ?`,
			model.StatusCancelled, taskID, model.StatusPending)
		return err
	})
}

// IncrementRetry bumps the retry count and moves the task back to pending for
// the next attempt. Returns the new count.
func (s *Store) IncrementRetry(ctx context.Context, taskID string) (int, error) {
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET retry_count = retry_count + 1, status = 'pending' WHERE id = ?`,
			taskID); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT retry_count FROM tasks WHERE id = ?`, taskID).Scan(&count)
	})
	return count, err
}

// ResetDownloading moves tasks stranded in downloading back to pending.
// Called once at startup so a crash never leaves a task stuck.
func (s *Store) ResetDownloading(ctx context.Context) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = 'pending' WHERE status = 'downloading'`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// UpdateCallbackStatus records webhook delivery outcome. It never touches the
// task's own status.
func (s *Store) UpdateCallbackStatus(ctx context.Context, taskID string, status model.CallbackStatus, attempts int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET callback_status = ?, callback_attempts = ? WHERE id = ?`,
			string(status), attempts, taskID)
		return err
	})
}

// DeleteExpiredCompletedTasks removes completed tasks past retention.
func (s *Store) DeleteExpiredCompletedTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM tasks WHERE status = 'completed' AND completed_at < ?`, cutoff.UTC())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ==================== helpers ====================

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
