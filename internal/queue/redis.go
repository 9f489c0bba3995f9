// ABOUTME: Redis-backed broker with ready lists, a delayed zset, and dead lists
// ABOUTME: Job IDs dedup via SETNX keys that live while the job is pending

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix       = "zaphub:queue:"
	promoteInterval = 500 * time.Millisecond
	popTimeout      = 2 * time.Second
	pendingKeyTTL   = 24 * time.Hour
)

// RedisBroker is a Broker backed by redis. Ready jobs live in a list per
// queue, delayed jobs in a sorted set scored by their ready time, and
// exhausted jobs in a dead list.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger

	mu          sync.Mutex
	subs        []subscription
	deadHandler DeadHandler
	defaultMax  int
	defaultBack time.Duration
}

// NewRedisBroker creates a redis broker. maxAttempts and backoff are the
// per-job defaults applied when Options leave them unset.
func NewRedisBroker(client *redis.Client, maxAttempts int, backoff time.Duration) *RedisBroker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &RedisBroker{
		client:      client,
		logger:      slog.Default().With("component", "queue"),
		defaultMax:  maxAttempts,
		defaultBack: backoff,
	}
}

// OnDead registers an observer for dead-lettered jobs.
func (b *RedisBroker) OnDead(handler DeadHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadHandler = handler
}

func readyKey(queue string) string   { return keyPrefix + queue }
func delayedKey(queue string) string { return keyPrefix + queue + ":delayed" }
func deadKey(queue string) string    { return keyPrefix + queue + ":dead" }
func pendingKey(queue, jobID string) string {
	return keyPrefix + queue + ":pending:" + jobID
}

// Enqueue implements Broker.
func (b *RedisBroker) Enqueue(ctx context.Context, queue string, payload any, opts Options) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling job payload: %w", err)
	}

	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	if opts.JobID != "" {
		ok, err := b.client.SetNX(ctx, pendingKey(queue, jobID), "1", pendingKeyTTL).Result()
		if err != nil {
			return "", fmt.Errorf("reserving job id: %w", err)
		}
		if !ok {
			return jobID, ErrDuplicate
		}
	}

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
	encoded, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshaling job: %w", err)
	}

	if opts.Delay > 0 {
		readyAt := float64(time.Now().Add(opts.Delay).UnixMilli())
		if err := b.client.ZAdd(ctx, delayedKey(queue), redis.Z{Score: readyAt, Member: encoded}).Err(); err != nil {
			return "", fmt.Errorf("scheduling delayed job: %w", err)
		}
		return jobID, nil
	}

	if err := b.client.LPush(ctx, readyKey(queue), encoded).Err(); err != nil {
		return "", fmt.Errorf("enqueuing job: %w", err)
	}
	return jobID, nil
}

// Subscribe implements Broker.
func (b *RedisBroker) Subscribe(queue string, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{queue: queue, concurrency: concurrency, handler: handler})
}

// Start implements Broker. Launches one promote loop per queue plus the
// worker pools, and blocks until ctx is cancelled.
func (b *RedisBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			b.promoteLoop(ctx, queue)
		}(sub.queue)

		for w := 0; w < sub.concurrency; w++ {
			wg.Add(1)
			go func(sub subscription) {
				defer wg.Done()
				b.work(ctx, sub)
			}(sub)
		}
	}
	wg.Wait()
	return ctx.Err()
}

// promoteLoop moves due delayed jobs onto the ready list.
func (b *RedisBroker) promoteLoop(ctx context.Context, queue string) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.promote(ctx, queue); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Warn("promoting delayed jobs failed", "queue", queue, "error", err)
			}
		}
	}
}

func (b *RedisBroker) promote(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := b.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range due {
		removed, err := b.client.ZRem(ctx, delayedKey(queue), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			// Another instance promoted it first.
			continue
		}
		if err := b.client.LPush(ctx, readyKey(queue), member).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisBroker) work(ctx context.Context, sub subscription) {
	for {
		if ctx.Err() != nil {
			return
		}

		result, err := b.client.BRPop(ctx, popTimeout, readyKey(sub.queue)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("popping job failed", "queue", sub.queue, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if len(result) != 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			b.logger.Error("dropping undecodable job", "queue", sub.queue, "error", err)
			continue
		}

		b.process(ctx, sub, &job)
	}
}

func (b *RedisBroker) process(ctx context.Context, sub subscription, job *Job) {
	job.Attempts++
	err := sub.handler(ctx, job)
	if err == nil {
		b.release(ctx, job)
		return
	}

	if job.Attempts >= job.MaxAttempts {
		b.logger.Warn("job exhausted attempts",
			"queue", job.Queue, "job_id", job.ID, "attempts", job.Attempts, "error", err)
		encoded, marshalErr := json.Marshal(job)
		if marshalErr == nil {
			if pushErr := b.client.LPush(ctx, deadKey(job.Queue), encoded).Err(); pushErr != nil {
				b.logger.Error("pushing dead job failed", "queue", job.Queue, "error", pushErr)
			}
		}
		b.release(ctx, job)

		b.mu.Lock()
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

	encoded, marshalErr := json.Marshal(job)
	if marshalErr != nil {
		b.logger.Error("marshaling retry job failed", "queue", job.Queue, "error", marshalErr)
		return
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if zErr := b.client.ZAdd(ctx, delayedKey(job.Queue), redis.Z{Score: readyAt, Member: encoded}).Err(); zErr != nil {
		b.logger.Error("scheduling retry failed", "queue", job.Queue, "error", zErr)
	}
}

// release drops the pending dedup key so the job ID can be reused.
func (b *RedisBroker) release(ctx context.Context, job *Job) {
	if err := b.client.Del(ctx, pendingKey(job.Queue, job.ID)).Err(); err != nil {
		b.logger.Warn("releasing job id failed", "queue", job.Queue, "job_id", job.ID, "error", err)
	}
}

// Close implements Broker. The redis client is owned by the caller and is
// not closed here.
func (b *RedisBroker) Close() error {
	return nil
}
