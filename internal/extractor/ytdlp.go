package extractor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/zj1123581321/youtube-download-api/internal/config"
	"github.com/zj1123581321/youtube-download-api/internal/model"
	"github.com/zj1123581321/youtube-download-api/internal/videoid"
)

// Subtitle language preference order, also the discovery order on disk.
var subtitleLangs = []string{"zh-Hans", "zh-Hant", "zh", "en"}

var audioExtensions = []string{"m4a", "webm", "mp3", "opus", "ogg"}

// YTDLP drives the yt-dlp binary through go-ytdlp. It is the one component
// allowed to look at raw tool output; everything it returns is a typed
// *Error or a result struct.
type YTDLP struct {
	cfg config.DownloadCfg
}

func NewYTDLP(cfg config.DownloadCfg) *YTDLP {
	return &YTDLP{cfg: cfg}
}

func (y *YTDLP) base(destDir string) *ytdlp.Command {
	dl := ytdlp.New().
		Format(fmt.Sprintf("bestaudio[ext=m4a][abr<=%d]/bestaudio[ext=m4a]/bestaudio", y.cfg.AudioQuality)).
		Output(filepath.Join(destDir, "%(id)s.%(ext)s")).
		NoPlaylist().
		WriteSubs().
		WriteAutoSubs().
		SubLangs(strings.Join(subtitleLangs, ",")).
		SubFormat("json3").
		SocketTimeout(30).
		Retries("3").
		NoColors().
		// Anti-bot measures: mweb player client plus the PO token provider.
		ExtractorArgs("youtube:player_client=mweb").
		ExtractorArgs("youtubepot-bgutilhttp:base_url=" + y.cfg.POTServerURL)

	if y.cfg.Proxy != "" {
		dl = dl.Proxy(y.cfg.Proxy)
	}
	if y.cfg.CookieFile != "" {
		if _, err := os.Stat(y.cfg.CookieFile); err == nil {
			dl = dl.Cookies(y.cfg.CookieFile)
		}
	}
	return dl
}

func (y *YTDLP) Download(ctx context.Context, videoURL string, wantTranscript bool, destDir string, progress func(int)) (*DownloadResult, error) {
	id := videoid.Parse(videoURL)
	if y.cfg.DryRun {
		return y.dryRunDownload(destDir, id, wantTranscript)
	}

	dl := y.base(destDir)
	if !wantTranscript {
		dl = dl.NoWriteSubs()
	}
	if progress != nil {
		dl = dl.ProgressFunc(500*time.Millisecond, func(update ytdlp.ProgressUpdate) {
			if update.TotalBytes > 0 {
				progress(int(float64(update.DownloadedBytes) / float64(update.TotalBytes) * 100))
			}
		})
	}

	res, err := dl.Run(ctx, videoURL)
	if err != nil {
		return nil, y.classify(err)
	}

	infoID, info := extractInfo(res)
	if infoID != "" {
		id = infoID
	}

	audioPath := findAudioFile(destDir, id)
	if audioPath == "" {
		return nil, NewError(model.ErrDownloadFailed, "audio file not found after download")
	}
	if progress != nil {
		progress(100)
	}

	out := &DownloadResult{Info: info, AudioPath: audioPath}
	if wantTranscript {
		out.TranscriptPath = findTranscriptFile(destDir, id)
	}
	return out, nil
}

func (y *YTDLP) DownloadTranscript(ctx context.Context, videoURL string, destDir string) (*TranscriptResult, error) {
	id := videoid.Parse(videoURL)
	if y.cfg.DryRun {
		return y.dryRunTranscript(destDir, id)
	}

	res, err := y.base(destDir).SkipDownload().Run(ctx, videoURL)
	if err != nil {
		return nil, y.classify(err)
	}

	infoID, info := extractInfo(res)
	if infoID != "" {
		id = infoID
	}

	path := findTranscriptFile(destDir, id)
	return &TranscriptResult{
		Info:           info,
		TranscriptPath: path,
		HasTranscript:  path != "",
	}, nil
}

// extractInfo pulls video metadata out of a yt-dlp run result.
func extractInfo(res *ytdlp.Result) (string, *model.VideoInfo) {
	if res == nil {
		return "", nil
	}
	infos, err := res.GetExtractedInfo()
	if err != nil || len(infos) == 0 {
		return "", nil
	}
	raw := infos[0]

	info := &model.VideoInfo{}
	if raw.ChannelID != nil {
		info.ChannelID = *raw.ChannelID
	}
	if raw.Title != nil {
		info.Title = *raw.Title
	}
	if raw.Uploader != nil {
		info.Author = *raw.Uploader
	}
	if raw.Duration != nil {
		info.Duration = int(*raw.Duration)
	}
	if raw.Description != nil {
		info.Description = *raw.Description
	}
	if raw.UploadDate != nil {
		info.UploadDate = *raw.UploadDate
	}
	if raw.ViewCount != nil {
		info.ViewCount = int64(*raw.ViewCount)
	}
	if raw.Thumbnail != nil {
		info.Thumbnail = *raw.Thumbnail
	}
	return raw.ID, info
}

func findAudioFile(dir, id string) string {
	for _, ext := range audioExtensions {
		path := filepath.Join(dir, id+"."+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func findTranscriptFile(dir, id string) string {
	for _, lang := range subtitleLangs {
		path := filepath.Join(dir, fmt.Sprintf("%s.%s.json3", id, lang))
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	matches, _ := filepath.Glob(filepath.Join(dir, id+".*.json3"))
	if len(matches) > 0 {
		return matches[0]
	}
	return ""
}

// classify maps yt-dlp failure output onto the error taxonomy. The patterns
// below are the reference mapping ported from the tool's known messages; this
// is the only place error text is inspected.
func (y *YTDLP) classify(err error) *Error {
	var alreadyTyped *Error
	if errors.As(err, &alreadyTyped) {
		return alreadyTyped
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "private video"):
		return NewError(model.ErrVideoPrivate, "video is private")
	case strings.Contains(msg, "in your country"), strings.Contains(msg, "blocked") && strings.Contains(msg, "country"):
		return NewError(model.ErrVideoRegionBlocked, "video is blocked in this region")
	case strings.Contains(msg, "video unavailable"), strings.Contains(msg, "not available"):
		return NewError(model.ErrVideoUnavailable, "video is unavailable")
	case strings.Contains(msg, "age-restricted"), strings.Contains(msg, "sign in to confirm your age"):
		return NewError(model.ErrVideoAgeRestricted, "video is age-restricted, cookie required")
	case strings.Contains(msg, "is a livestream"), strings.Contains(msg, "live event"):
		return NewError(model.ErrVideoLiveStream, "live streams are not supported")
	case strings.Contains(msg, "http error 403"), strings.Contains(msg, "forbidden"):
		return NewError(model.ErrRateLimited, "rate limited by source")
	case strings.Contains(msg, "http error 429"):
		return NewError(model.ErrRateLimited, "too many requests")
	case strings.Contains(msg, "network"), strings.Contains(msg, "connection"), strings.Contains(msg, "timeout"):
		return NewError(model.ErrNetwork, "network error: "+err.Error())
	case strings.Contains(msg, "po token"), strings.Contains(msg, "pot provider"):
		return NewError(model.ErrPOTokenFailed, "failed to obtain PO token")
	default:
		return NewError(model.ErrDownloadFailed, err.Error())
	}
}

func (y *YTDLP) dryRunDownload(destDir, id string, wantTranscript bool) (*DownloadResult, error) {
	audio := filepath.Join(destDir, id+".m4a")
	if err := os.WriteFile(audio, []byte("dry run"), 0o644); err != nil {
		return nil, NewError(model.ErrInternal, err.Error())
	}
	out := &DownloadResult{
		Info:      &model.VideoInfo{Title: "Test Video (Dry Run)", Author: "Test Author", Duration: 60},
		AudioPath: audio,
	}
	if wantTranscript {
		transcript := filepath.Join(destDir, id+".en.json3")
		if err := os.WriteFile(transcript, []byte("{}"), 0o644); err != nil {
			return nil, NewError(model.ErrInternal, err.Error())
		}
		out.TranscriptPath = transcript
	}
	return out, nil
}

func (y *YTDLP) dryRunTranscript(destDir, id string) (*TranscriptResult, error) {
	transcript := filepath.Join(destDir, id+".en.json3")
	if err := os.WriteFile(transcript, []byte("{}"), 0o644); err != nil {
		return nil, NewError(model.ErrInternal, err.Error())
	}
	return &TranscriptResult{
		Info:           &model.VideoInfo{Title: "Test Video (Dry Run)", Author: "Test Author", Duration: 60},
		TranscriptPath: transcript,
		HasTranscript:  true,
	}, nil
}
