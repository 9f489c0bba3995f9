// ABOUTME: Queue abstraction shared by the redis and in-memory brokers
// ABOUTME: Defines jobs, retry policy, handler contract, and the gateway queue names

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Gateway queue names. Each maps to one worker pool.
const (
	SessionInit     = "session-init"
	SessionClose    = "session-close"
	MessageSend     = "message-send"
	MessageReceive  = "message-receive"
	MessageStatus   = "message-status"
	WebhookDelivery = "webhook-delivery"
	PresenceEvents  = "presence-events"
	ReceiptEvents   = "receipt-events"
	CallEvents      = "call-events"
	Maintenance     = "maintenance-cleanup"
)

// AllQueues lists every queue the gateway consumes from.
var AllQueues = []string{
	SessionInit,
	SessionClose,
	MessageSend,
	MessageReceive,
	MessageStatus,
	WebhookDelivery,
	PresenceEvents,
	ReceiptEvents,
	CallEvents,
	Maintenance,
}

var (
	// ErrClosed is returned when enqueuing on a closed broker
	ErrClosed = errors.New("queue: broker closed")
	// ErrDuplicate is returned when a job with the same ID is already pending
	ErrDuplicate = errors.New("queue: duplicate job")
)

// Job is one unit of work pulled from a queue.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     time.Duration   `json:"backoff"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

// Options control how a job is enqueued.
type Options struct {
	// JobID deduplicates: while a job with this ID is pending, further
	// enqueues with the same ID are dropped. Empty means a random ID.
	JobID string
	// Delay postpones the first delivery.
	Delay time.Duration
	// MaxAttempts overrides the broker default when > 0.
	MaxAttempts int
	// Backoff overrides the broker's base retry delay when > 0.
	// Retry n waits Backoff * 2^(n-1).
	Backoff time.Duration
}

// Handler processes one job. Returning an error schedules a retry with
// exponential backoff until the attempt budget is spent, after which the
// job moves to the dead list.
type Handler func(ctx context.Context, job *Job) error

// DeadHandler observes jobs that exhausted their attempts. The job is
// already on the dead list when this is called.
type DeadHandler func(ctx context.Context, job *Job, jobErr error)

// Broker is a named-queue job broker with at-least-once delivery.
type Broker interface {
	// Enqueue marshals payload and pushes a job onto the named queue.
	// Returns the job ID, or ErrDuplicate if Options.JobID is already pending.
	Enqueue(ctx context.Context, queue string, payload any, opts Options) (string, error)

	// Subscribe registers a handler with a fixed worker concurrency for a
	// queue. Must be called before Start.
	Subscribe(queue string, concurrency int, handler Handler)

	// Start launches the worker pools and blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Close releases broker resources.
	Close() error
}

// backoffDelay computes the delay before retry attempt n (1-based).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
