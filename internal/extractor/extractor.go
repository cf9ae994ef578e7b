// Package extractor defines the contract with the external extraction tool.
// Implementations surface a typed error code from the taxonomy in
// model.ErrorCode; nothing above this boundary inspects error text.
package extractor

import (
	"context"
	"fmt"

	"github.com/zj1123581321/youtube-download-api/internal/model"
)

// Error is a classified extraction failure.
type Error struct {
	Code    model.ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a classified extraction error.
func NewError(code model.ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// DownloadResult is the outcome of a full download. TranscriptPath is empty
// when the source offered no transcript or none was requested.
type DownloadResult struct {
	Info           *model.VideoInfo
	AudioPath      string
	TranscriptPath string
}

// TranscriptResult is the outcome of a transcript-only extraction.
// HasTranscript false with an empty path means the source has no native
// transcript for this video.
type TranscriptResult struct {
	Info           *model.VideoInfo
	TranscriptPath string
	HasTranscript  bool
}

// Extractor is the extraction collaborator. Download calls block for the
// duration of the transfer and honor ctx cancellation between network
// operations; callers dispatch them off the request path.
type Extractor interface {
	// Download fetches audio into destDir, opportunistically fetching a
	// transcript when wantTranscript is set and the source offers one.
	// progress receives percentages in [0,100]; it may be nil.
	Download(ctx context.Context, videoURL string, wantTranscript bool, destDir string, progress func(int)) (*DownloadResult, error)

	// DownloadTranscript fetches only the transcript, the cheap path for
	// transcript-only requests.
	DownloadTranscript(ctx context.Context, videoURL string, destDir string) (*TranscriptResult, error)
}
