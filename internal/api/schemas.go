// Package api holds the wire shapes shared by the HTTP layer and the webhook
// callbacks.
package api

import (
	"time"

	"github.com/zj1123581321/youtube-download-api/internal/model"
)

// FileInfo describes one downloadable artifact.
type FileInfo struct {
	URL      string  `json:"url"`
	Size     int64   `json:"size,omitempty"`
	Format   string  `json:"format,omitempty"`
	Bitrate  *int    `json:"bitrate,omitempty"`
	Language *string `json:"language,omitempty"`
	Reused   bool    `json:"reused"`
}

// FilesInfo groups a task's artifacts.
type FilesInfo struct {
	Audio      *FileInfo `json:"audio,omitempty"`
	Transcript *FileInfo `json:"transcript,omitempty"`
}

// ErrorInfo carries the failure taxonomy to the caller.
type ErrorInfo struct {
	Code       model.ErrorCode `json:"code"`
	Message    string          `json:"message"`
	RetryCount int             `json:"retry_count"`
}

// TaskResponse is the task representation returned by every task endpoint.
// TaskID is nil for synthetic cache-hit responses, which create no task.
type TaskResponse struct {
	TaskID   *string          `json:"task_id"`
	Status   model.TaskStatus `json:"status"`
	VideoID  string           `json:"video_id"`
	VideoURL string           `json:"video_url,omitempty"`

	VideoInfo *model.VideoInfo `json:"video_info,omitempty"`
	Files     *FilesInfo       `json:"files,omitempty"`
	Error     *ErrorInfo       `json:"error,omitempty"`

	// Cached marks a response served entirely from existing artifacts.
	Cached        bool  `json:"cached,omitempty"`
	HasTranscript *bool `json:"has_transcript,omitempty"`
	AudioFallback bool  `json:"audio_fallback,omitempty"`

	// Queue info, pending tasks only.
	Position      *int `json:"position,omitempty"`
	EstimatedWait *int `json:"estimated_wait,omitempty"` // seconds

	// Progress percentage, downloading tasks only.
	Progress *int `json:"progress,omitempty"`

	CreatedAt   *time.Time `json:"created_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`

	Message string `json:"message,omitempty"`
}

// TaskListResponse is a paginated task listing.
type TaskListResponse struct {
	Tasks  []*TaskResponse `json:"tasks"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// CreateTaskRequest is the body of POST /tasks.
type CreateTaskRequest struct {
	VideoURL          string  `json:"video_url"`
	IncludeAudio      *bool   `json:"include_audio,omitempty"`
	IncludeTranscript *bool   `json:"include_transcript,omitempty"`
	CallbackURL       *string `json:"callback_url,omitempty"`
	CallbackSecret    *string `json:"callback_secret,omitempty"`
}

// NewFileInfo converts a file record to its wire shape. baseURL may be empty
// for relative URLs in API responses.
func NewFileInfo(rec *model.FileRecord, baseURL string, reused bool) *FileInfo {
	return &FileInfo{
		URL:      baseURL + "/api/v1/files/" + rec.ID,
		Size:     rec.Size,
		Format:   rec.Format,
		Bitrate:  rec.Quality,
		Language: rec.Language,
		Reused:   reused,
	}
}

// CallbackPayload is what webhook endpoints receive on task completion or
// failure.
type CallbackPayload struct {
	TaskID        string           `json:"task_id"`
	Status        model.TaskStatus `json:"status"`
	VideoID       string           `json:"video_id"`
	VideoInfo     *model.VideoInfo `json:"video_info,omitempty"`
	Files         *FilesInfo       `json:"files,omitempty"`
	Error         *ErrorInfo       `json:"error,omitempty"`
	HasTranscript *bool            `json:"has_transcript,omitempty"`
	AudioFallback bool             `json:"audio_fallback,omitempty"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
}
