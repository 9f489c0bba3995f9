// ABOUTME: In-memory broker used by tests and single-process deployments
// ABOUTME: Mirrors the redis broker semantics including dedup, retry, and dead jobs

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBroker is a Broker backed by in-process channels. Jobs do not
// survive a restart; it exists for tests and redis-less deployments.
type MemoryBroker struct {
	logger *slog.Logger

	mu          sync.Mutex
	queues      map[string]chan *Job
	pending     map[string]struct{} // "<queue>/<jobID>" dedup set
	dead        map[string][]*Job
	subs        []subscription
	deadHandler DeadHandler
	defaultMax  int
	defaultBack time.Duration
	closed      bool
	timers      sync.WaitGroup
}

type subscription struct {
	queue       string
	concurrency int
	handler     Handler
}

// NewMemoryBroker creates an in-memory broker. maxAttempts and backoff are
// the per-job defaults applied when Options leave them unset.
func NewMemoryBroker(maxAttempts int, backoff time.Duration) *MemoryBroker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &MemoryBroker{
		logger:      slog.Default().With("component", "queue"),
		queues:      make(map[string]chan *Job),
		pending:     make(map[string]struct{}),
		dead:        make(map[string][]*Job),
		defaultMax:  maxAttempts,
		defaultBack: backoff,
	}
}

// OnDead registers an observer for dead-lettered jobs.
func (b *MemoryBroker) OnDead(handler DeadHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadHandler = handler
}

// Enqueue implements Broker.
func (b *MemoryBroker) Enqueue(ctx context.Context, queue string, payload any, opts Options) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling job payload: %w", err)
	}

	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	dedupKey := queue + "/" + jobID
	if opts.JobID != "" {
		if _, exists := b.pending[dedupKey]; exists {
			b.mu.Unlock()
			return jobID, ErrDuplicate
		}
	}
	b.pending[dedupKey] = struct{}{}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = b.defaultMax
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = b.defaultBack
	}

	job := &Job{
		ID:          jobID,
		Queue:       queue,
		Payload:     data,
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
		EnqueuedAt:  time.Now().UTC(),
	}
	ch := b.channel(queue)
	b.mu.Unlock()

	if opts.Delay > 0 {
		b.timers.Add(1)
		time.AfterFunc(opts.Delay, func() {
			defer b.timers.Done()
			b.push(ch, job)
		})
		return jobID, nil
	}

	b.push(ch, job)
	return jobID, nil
}

// push delivers unless the broker closed underneath us.
func (b *MemoryBroker) push(ch chan *Job, job *Job) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	ch <- job
}

// channel returns (creating if needed) the delivery channel for a queue.
// Caller must hold b.mu.
func (b *MemoryBroker) channel(queue string) chan *Job {
	ch, ok := b.queues[queue]
	if !ok {
		ch = make(chan *Job, 1024)
		b.queues[queue] = ch
	}
	return ch
}

// Subscribe implements Broker.
func (b *MemoryBroker) Subscribe(queue string, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{queue: queue, concurrency: concurrency, handler: handler})
}

// Start implements Broker. Blocks until ctx is cancelled.
func (b *MemoryBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	channels := make([]chan *Job, len(subs))
	for i, sub := range subs {
		channels[i] = b.channel(sub.queue)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for i, sub := range subs {
		ch := channels[i]
		for w := 0; w < sub.concurrency; w++ {
			wg.Add(1)
			go func(sub subscription) {
				defer wg.Done()
				b.work(ctx, ch, sub)
			}(sub)
		}
	}
	wg.Wait()
	return ctx.Err()
}

func (b *MemoryBroker) work(ctx context.Context, ch chan *Job, sub subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-ch:
			b.process(ctx, ch, sub, job)
		}
	}
}

func (b *MemoryBroker) process(ctx context.Context, ch chan *Job, sub subscription, job *Job) {
	job.Attempts++
	err := sub.handler(ctx, job)
	if err == nil {
		b.mu.Lock()
		delete(b.pending, job.Queue+"/"+job.ID)
		b.mu.Unlock()
		return
	}

	if job.Attempts >= job.MaxAttempts {
		b.logger.Warn("job exhausted attempts",
			"queue", job.Queue, "job_id", job.ID, "attempts", job.Attempts, "error", err)
		b.mu.Lock()
		delete(b.pending, job.Queue+"/"+job.ID)
		b.dead[job.Queue] = append(b.dead[job.Queue], job)
		deadHandler := b.deadHandler
		b.mu.Unlock()
		if deadHandler != nil {
			deadHandler(ctx, job, err)
		}
		return
	}

	delay := backoffDelay(job.Backoff, job.Attempts)
	b.logger.Debug("retrying job",
		"queue", job.Queue, "job_id", job.ID, "attempt", job.Attempts, "delay", delay)
	b.timers.Add(1)
	time.AfterFunc(delay, func() {
		defer b.timers.Done()
		b.push(ch, job)
	})
}

// DeadJobs returns the dead-lettered jobs for a queue. Test hook.
func (b *MemoryBroker) DeadJobs(queue string) []*Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	jobs := make([]*Job, len(b.dead[queue]))
	copy(jobs, b.dead[queue])
	return jobs
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
