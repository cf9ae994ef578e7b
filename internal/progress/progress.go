// Package progress shares live download percentages between the worker and
// the API through redis, so no process memory is shared across the two.
package progress

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "progress:task:"

// Keys outlive any sane single download but never linger after a crash.
const ttl = 6 * time.Hour

type Tracker struct {
	rdb *redis.Client
}

func NewTracker(rdb *redis.Client) *Tracker {
	return &Tracker{rdb: rdb}
}

// Set records a task's progress percentage. Fire-and-forget: a redis hiccup
// must not fail a download.
func (t *Tracker) Set(ctx context.Context, taskID string, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if err := t.rdb.Set(ctx, keyPrefix+taskID, percent, ttl).Err(); err != nil {
		slog.Debug("progress write failed", "task_id", taskID, "error", err)
	}
}

// Get returns the last reported percentage, or false when none is known.
func (t *Tracker) Get(ctx context.Context, taskID string) (int, bool) {
	val, err := t.rdb.Get(ctx, keyPrefix+taskID).Result()
	if err != nil {
		return 0, false
	}
	p, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return p, true
}

// Clear drops the key once a task reaches a final state.
func (t *Tracker) Clear(ctx context.Context, taskID string) {
	if err := t.rdb.Del(ctx, keyPrefix+taskID).Err(); err != nil {
		slog.Debug("progress clear failed", "task_id", taskID, "error", err)
	}
}
