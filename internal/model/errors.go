package model

import "time"

// ErrorCode classifies extraction and worker failures. The taxonomy decides
// whether a task is retried and what the caller sees.
type ErrorCode string

const (
	// Source-side conditions, never retried.
	ErrVideoUnavailable   ErrorCode = "VIDEO_UNAVAILABLE"
	ErrVideoPrivate       ErrorCode = "VIDEO_PRIVATE"
	ErrVideoRegionBlocked ErrorCode = "VIDEO_REGION_BLOCKED"
	ErrVideoAgeRestricted ErrorCode = "VIDEO_AGE_RESTRICTED"
	ErrVideoLiveStream    ErrorCode = "VIDEO_LIVE_STREAM"

	// Transient conditions, retried within a per-code budget.
	ErrDownloadFailed ErrorCode = "DOWNLOAD_FAILED"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrNetwork        ErrorCode = "NETWORK_ERROR"
	ErrPOTokenFailed  ErrorCode = "POT_TOKEN_FAILED"

	// Unexpected failures inside the worker pipeline. Fails fast.
	ErrInternal ErrorCode = "INTERNAL_ERROR"
)

// RetryPolicy is the retry budget and delay schedule for one error code.
// Backoff is indexed by attempt number and clamped to the last tier; a uniform
// random value in [0, Jitter) is added on top.
type RetryPolicy struct {
	MaxRetries int
	Backoff    []time.Duration
	Jitter     time.Duration
}

// Retryable reports whether the policy allows any retry at all.
func (p RetryPolicy) Retryable() bool { return p.MaxRetries > 0 }

// Delay returns the backoff for the given attempt (1-based), without jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}

// RetryPolicies builds the per-code policy table. The backoff tiers and jitter
// bounds are deployment configuration tuned against the source's rate
// limiting, so callers pass them in rather than relying on constants.
func RetryPolicies(backoff []time.Duration, jitter, rateLimitJitter time.Duration, maxRetries int) map[ErrorCode]RetryPolicy {
	retryable := RetryPolicy{MaxRetries: maxRetries, Backoff: backoff, Jitter: jitter}
	return map[ErrorCode]RetryPolicy{
		ErrNetwork:        retryable,
		ErrDownloadFailed: retryable,
		ErrPOTokenFailed:  retryable,
		ErrRateLimited:    {MaxRetries: maxRetries, Backoff: backoff, Jitter: rateLimitJitter},

		ErrVideoUnavailable:   {},
		ErrVideoPrivate:       {},
		ErrVideoRegionBlocked: {},
		ErrVideoAgeRestricted: {},
		ErrVideoLiveStream:    {},
		ErrInternal:           {},
	}
}
