// ABOUTME: Tests for the in-memory broker covering delivery, dedup, retry, and dead jobs

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T, b *MemoryBroker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = b.Close()
	})
	return cancel
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestMemoryBrokerDelivers(t *testing.T) {
	b := NewMemoryBroker(3, 10*time.Millisecond)

	var got atomic.Value
	b.Subscribe("test", 1, func(ctx context.Context, job *Job) error {
		got.Store(job)
		return nil
	})
	startBroker(t, b)

	_, err := b.Enqueue(context.Background(), "test", map[string]string{"hello": "world"}, Options{})
	require.NoError(t, err)

	waitFor(t, func() bool { return got.Load() != nil }, "job never delivered")

	job := got.Load().(*Job)
	assert.Equal(t, "test", job.Queue)
	assert.Equal(t, 1, job.Attempts)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "world", payload["hello"])
}

func TestMemoryBrokerDedupByJobID(t *testing.T) {
	b := NewMemoryBroker(3, 10*time.Millisecond)

	var count atomic.Int64
	block := make(chan struct{})
	b.Subscribe("test", 1, func(ctx context.Context, job *Job) error {
		count.Add(1)
		<-block
		return nil
	})
	startBroker(t, b)

	ctx := context.Background()
	id1, err := b.Enqueue(ctx, "test", "a", Options{JobID: "msg-send-1"})
	require.NoError(t, err)

	// Second enqueue with the same ID while the first is pending.
	id2, err := b.Enqueue(ctx, "test", "b", Options{JobID: "msg-send-1"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, id1, id2)

	close(block)
	waitFor(t, func() bool { return count.Load() == 1 }, "job never delivered")

	// After completion the ID is free again.
	waitFor(t, func() bool {
		_, err := b.Enqueue(ctx, "test", "c", Options{JobID: "msg-send-1"})
		return err == nil
	}, "job id never released")
}

func TestMemoryBrokerRetriesThenDeadLetters(t *testing.T) {
	b := NewMemoryBroker(3, time.Millisecond)

	var attempts atomic.Int64
	b.Subscribe("test", 1, func(ctx context.Context, job *Job) error {
		attempts.Add(1)
		return errors.New("boom")
	})

	var deadMu sync.Mutex
	var deadErr error
	b.OnDead(func(ctx context.Context, job *Job, jobErr error) {
		deadMu.Lock()
		deadErr = jobErr
		deadMu.Unlock()
	})
	startBroker(t, b)

	_, err := b.Enqueue(context.Background(), "test", "payload", Options{})
	require.NoError(t, err)

	waitFor(t, func() bool { return attempts.Load() == 3 }, "expected 3 attempts")
	waitFor(t, func() bool { return len(b.DeadJobs("test")) == 1 }, "job never dead-lettered")

	dead := b.DeadJobs("test")[0]
	assert.Equal(t, 3, dead.Attempts)

	deadMu.Lock()
	defer deadMu.Unlock()
	assert.EqualError(t, deadErr, "boom")
}

func TestMemoryBrokerDelay(t *testing.T) {
	b := NewMemoryBroker(3, time.Millisecond)

	var deliveredAt atomic.Value
	b.Subscribe("test", 1, func(ctx context.Context, job *Job) error {
		deliveredAt.Store(time.Now())
		return nil
	})
	startBroker(t, b)

	start := time.Now()
	_, err := b.Enqueue(context.Background(), "test", "x", Options{Delay: 50 * time.Millisecond})
	require.NoError(t, err)

	waitFor(t, func() bool { return deliveredAt.Load() != nil }, "delayed job never delivered")
	assert.GreaterOrEqual(t, deliveredAt.Load().(time.Time).Sub(start), 50*time.Millisecond)
}

func TestMemoryBrokerConcurrency(t *testing.T) {
	b := NewMemoryBroker(3, time.Millisecond)

	var inFlight, peak atomic.Int64
	b.Subscribe("test", 3, func(ctx context.Context, job *Job) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	startBroker(t, b)

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := b.Enqueue(ctx, "test", i, Options{})
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return peak.Load() >= 2 }, "workers never ran concurrently")
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestEnqueueAfterClose(t *testing.T) {
	b := NewMemoryBroker(3, time.Millisecond)
	require.NoError(t, b.Close())

	_, err := b.Enqueue(context.Background(), "test", "x", Options{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBackoffDelay(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, backoffDelay(base, 1))
	assert.Equal(t, 4*time.Second, backoffDelay(base, 2))
	assert.Equal(t, 8*time.Second, backoffDelay(base, 3))
}
