package model

import "time"

// TaskStatus represents task processing status recorded in the database.
// Kept as string for readability in SQL and API payloads.
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusDownloading TaskStatus = "downloading"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
	StatusCancelled   TaskStatus = "cancelled"
)

func (s TaskStatus) String() string { return string(s) }

// IsActive reports whether the task still occupies the queue or the worker.
func (s TaskStatus) IsActive() bool {
	return s == StatusPending || s == StatusDownloading
}

// IsFinal reports whether the status admits no further transitions.
func (s TaskStatus) IsFinal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CallbackStatus tracks webhook delivery outcome for a task.
type CallbackStatus string

const (
	CallbackPending CallbackStatus = "pending"
	CallbackSuccess CallbackStatus = "success"
	CallbackFailed  CallbackStatus = "failed"
)

// FileType is the artifact kind a file record holds.
type FileType string

const (
	FileAudio      FileType = "audio"
	FileTranscript FileType = "transcript"
)

// VideoInfo is metadata observed from the extraction source. All fields are
// optional; they are populated lazily from the first successful extraction.
type VideoInfo struct {
	Title       string `json:"title,omitempty"`
	Author      string `json:"author,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	Duration    int    `json:"duration,omitempty"`
	Description string `json:"description,omitempty"`
	UploadDate  string `json:"upload_date,omitempty"`
	ViewCount   int64  `json:"view_count,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
}

// VideoResource is the per-video identity row. Files belong to it; tasks
// reference it by video id. HasNativeTranscript is tri-state: nil means the
// source has not been asked yet.
type VideoResource struct {
	VideoID             string
	Info                *VideoInfo
	HasNativeTranscript *bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// FileRecord is one produced artifact on disk. The id is an opaque UUID used
// in public download URLs so video ids cannot be enumerated.
type FileRecord struct {
	ID             string
	VideoID        string
	Type           FileType
	Filename       string
	Filepath       string // relative to the data dir
	Size           int64
	Format         string
	Quality        *int    // audio bitrate tier, audio files only
	Language       *string // transcript language tag, transcript files only
	CreatedAt      time.Time
	LastAccessedAt *time.Time
	ExpiresAt      *time.Time
}

// Task is one client request that could not be served from cache.
type Task struct {
	ID       string
	VideoID  string
	VideoURL string
	Status   TaskStatus

	IncludeAudio      bool
	IncludeTranscript bool

	// Result flags, populated on completion.
	HasTranscript    *bool
	AudioFallback    bool
	ReusedAudio      bool
	ReusedTranscript bool

	AudioFileID      *string
	TranscriptFileID *string

	CallbackURL      *string
	CallbackSecret   *string
	CallbackStatus   *CallbackStatus
	CallbackAttempts int

	ErrorCode    *ErrorCode
	ErrorMessage *string
	RetryCount   int

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExpiresAt   *time.Time
}
