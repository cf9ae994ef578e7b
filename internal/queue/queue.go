// Package queue wraps asynq enqueue and cancellation for download tasks.
// Task ids double as asynq task ids, so enqueueing is idempotent: a task
// already waiting in redis cannot be queued twice.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"

	"github.com/zj1123581321/youtube-download-api/internal/config"
)

// TypeDownload is the asynq task type for video download jobs.
const TypeDownload = "video:download"

// Payload is the message carried through redis. The task row in the store
// holds everything else.
type Payload struct {
	TaskID string `json:"task_id"`
}

type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
	maxRetry  int
	timeout   time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, cfg config.QueueCfg, maxRetry int, timeout time.Duration) *Client {
	return &Client{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		queue:     cfg.QueueName,
		maxRetry:  maxRetry,
		timeout:   timeout,
	}
}

// Enqueue queues a task by id. A duplicate of a task already waiting or
// running is silently dropped, which is what makes startup re-enqueue safe.
func (c *Client) Enqueue(ctx context.Context, taskID string) error {
	payload, err := json.Marshal(Payload{TaskID: taskID})
	if err != nil {
		return err
	}
	t := asynq.NewTask(TypeDownload, payload)
	_, err = c.client.EnqueueContext(ctx, t,
		asynq.Queue(c.queue),
		asynq.TaskID(taskID),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(c.timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// CancelPending removes a queued task. Best effort: a task that already left
// the queue is not an error here, the caller's status check decides.
func (c *Client) CancelPending(taskID string) error {
	err := c.inspector.DeleteTask(c.queue, taskID)
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		return err
	}
	return nil
}

// Ping reports queue backend health.
func (c *Client) Ping() error { return c.client.Ping() }

func (c *Client) Close() error {
	cerr := c.client.Close()
	if err := c.inspector.Close(); err != nil {
		return err
	}
	return cerr
}
