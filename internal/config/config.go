package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type ServerCfg struct {
	Host    string
	Port    int
	BaseURL string // external base for file download links
	APIKey  string
}

type QueueCfg struct {
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	QueueName     string
}

type DownloadCfg struct {
	TaskIntervalMin time.Duration
	TaskIntervalMax time.Duration
	AudioQuality    int // kbps
	RetryBackoff    []time.Duration
	RetryJitter     time.Duration
	RateLimitJitter time.Duration
	MaxRetries      int
	DownloadTimeout time.Duration
	POTServerURL    string
	Proxy           string
	CookieFile      string
	DryRun          bool
}

type StorageCfg struct {
	DataDir       string
	RetentionDays int
}

type WebhookCfg struct {
	Timeout     time.Duration
	MaxAttempts int
	RetryDelays []time.Duration
}

type NotifyCfg struct {
	WebhookURL string
}

type Config struct {
	ServerCfg
	QueueCfg
	DownloadCfg
	StorageCfg
	WebhookCfg
	NotifyCfg
}

type In struct {
	Host    string `env:"HOST, default=0.0.0.0"`
	Port    int    `env:"PORT, default=8000"`
	BaseURL string `env:"BASE_URL, default=http://localhost:8000"`
	APIKey  string `env:"API_KEY, required"`

	RedisAddress  string `env:"REDIS_ADDRESS, default=localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB, default=0"`
	QueueName     string `env:"QUEUE_NAME, default=downloads"`

	TaskIntervalMin time.Duration   `env:"TASK_INTERVAL_MIN, default=300s"`
	TaskIntervalMax time.Duration   `env:"TASK_INTERVAL_MAX, default=1800s"`
	AudioQuality    int             `env:"AUDIO_QUALITY, default=128"`
	RetryBackoff    []time.Duration `env:"RETRY_BACKOFF, default=120s,240s,480s"`
	RetryJitter     time.Duration   `env:"RETRY_JITTER, default=30s"`
	RateLimitJitter time.Duration   `env:"RATE_LIMIT_JITTER, default=60s"`
	MaxRetries      int             `env:"MAX_RETRIES, default=3"`
	DownloadTimeout time.Duration   `env:"DOWNLOAD_TIMEOUT, default=2h"`
	POTServerURL    string          `env:"POT_SERVER_URL, default=http://pot-provider:4416"`
	Proxy           string          `env:"HTTP_PROXY"`
	CookieFile      string          `env:"COOKIE_FILE"`
	DryRun          bool            `env:"DRY_RUN, default=false"`

	DataDir       string `env:"DATA_DIR, default=./data"`
	RetentionDays int    `env:"FILE_RETENTION_DAYS, default=60"`

	WebhookTimeout     time.Duration   `env:"CALLBACK_TIMEOUT, default=10s"`
	WebhookMaxAttempts int             `env:"CALLBACK_MAX_ATTEMPTS, default=3"`
	WebhookRetryDelays []time.Duration `env:"CALLBACK_RETRY_DELAYS, default=5s,10s,20s"`

	NotifyWebhookURL string `env:"NOTIFY_WEBHOOK_URL"`
}

func LoadCfg(ctx context.Context) (Config, error) {
	var input In

	c, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := envconfig.Process(c, &input); err != nil {
		return Config{}, err
	}

	if err := validate(input); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ServerCfg: ServerCfg{
			Host:    input.Host,
			Port:    input.Port,
			BaseURL: input.BaseURL,
			APIKey:  input.APIKey,
		},
		QueueCfg: QueueCfg{
			RedisAddress:  input.RedisAddress,
			RedisPassword: input.RedisPassword,
			RedisDB:       input.RedisDB,
			QueueName:     input.QueueName,
		},
		DownloadCfg: DownloadCfg{
			TaskIntervalMin: input.TaskIntervalMin,
			TaskIntervalMax: input.TaskIntervalMax,
			AudioQuality:    input.AudioQuality,
			RetryBackoff:    input.RetryBackoff,
			RetryJitter:     input.RetryJitter,
			RateLimitJitter: input.RateLimitJitter,
			MaxRetries:      input.MaxRetries,
			DownloadTimeout: input.DownloadTimeout,
			POTServerURL:    input.POTServerURL,
			Proxy:           input.Proxy,
			CookieFile:      input.CookieFile,
			DryRun:          input.DryRun,
		},
		StorageCfg: StorageCfg{
			DataDir:       input.DataDir,
			RetentionDays: input.RetentionDays,
		},
		WebhookCfg: WebhookCfg{
			Timeout:     input.WebhookTimeout,
			MaxAttempts: input.WebhookMaxAttempts,
			RetryDelays: input.WebhookRetryDelays,
		},
		NotifyCfg: NotifyCfg{
			WebhookURL: input.NotifyWebhookURL,
		},
	}

	return cfg, nil
}

func validate(in In) error {
	if in.Port < 1 || in.Port > 65535 {
		return fmt.Errorf("expected port to be between 1 and 65535 but received: %d", in.Port)
	}
	if in.TaskIntervalMax < in.TaskIntervalMin {
		return fmt.Errorf("TASK_INTERVAL_MAX (%s) must be >= TASK_INTERVAL_MIN (%s)",
			in.TaskIntervalMax, in.TaskIntervalMin)
	}
	if in.AudioQuality < 64 || in.AudioQuality > 320 {
		return fmt.Errorf("AUDIO_QUALITY must be between 64 and 320 kbps, got %d", in.AudioQuality)
	}
	if in.RetentionDays < 1 {
		return fmt.Errorf("FILE_RETENTION_DAYS must be at least 1, got %d", in.RetentionDays)
	}
	return nil
}

// AudioDir is where promoted audio artifacts live.
func (c StorageCfg) AudioDir() string {
	return filepath.Join(c.DataDir, "files", "audio")
}

// TranscriptDir is where promoted transcript artifacts live.
func (c StorageCfg) TranscriptDir() string {
	return filepath.Join(c.DataDir, "files", "transcript")
}

// DBPath is the sqlite database file location.
func (c StorageCfg) DBPath() string {
	return filepath.Join(c.DataDir, "db.sqlite")
}

// Retention converts the configured retention window to a duration.
func (c StorageCfg) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// EnsureDirs creates the storage layout, including the data root the
// database lives in. Must run before the database is opened.
func (c StorageCfg) EnsureDirs() error {
	for _, dir := range []string{c.AudioDir(), c.TranscriptDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
