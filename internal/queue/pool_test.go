package queue_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transhub/cceval/internal/queue"
)

var discard = slog.New(slog.DiscardHandler)

func TestMemQueueRoundTrip(t *testing.T) {
	q := queue.NewMemQueue(4)
	ctx := context.Background()

	msg := queue.Message{TaskID: "t1", Username: "alice", Competition: "net2026"}
	require.NoError(t, q.Publish(ctx, msg))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg, d.Msg)
	assert.NoError(t, d.Ack(ctx))
}

func TestMemQueueReceiveHonorsContext(t *testing.T) {
	q := queue.NewMemQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolDrainsAllMessages(t *testing.T) {
	q := queue.NewMemQueue(16)
	ctx, cancel := context.WithCancel(context.Background())

	var handled atomic.Int64
	var mu sync.Mutex
	seen := map[string]bool{}

	pool := queue.NewPool(q, func(ctx context.Context, msg queue.Message) error {
		mu.Lock()
		seen[msg.TaskID] = true
		mu.Unlock()
		if handled.Add(1) == 8 {
			cancel()
		}
		return nil
	}, 4, discard)

	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		require.NoError(t, q.Publish(context.Background(), queue.Message{TaskID: id}))
	}

	require.NoError(t, pool.Run(ctx))
	assert.Equal(t, int64(8), handled.Load())
	assert.Len(t, seen, 8, "each message handled exactly once")
}

func TestPoolHandlerErrorDoesNotStopWorkers(t *testing.T) {
	q := queue.NewMemQueue(4)
	ctx, cancel := context.WithCancel(context.Background())

	var handled atomic.Int64
	pool := queue.NewPool(q, func(ctx context.Context, msg queue.Message) error {
		if handled.Add(1) == 2 {
			cancel()
		}
		return errors.New("evaluation blew up")
	}, 1, discard)

	require.NoError(t, q.Publish(context.Background(), queue.Message{TaskID: "a"}))
	require.NoError(t, q.Publish(context.Background(), queue.Message{TaskID: "b"}))

	require.NoError(t, pool.Run(ctx))
	assert.Equal(t, int64(2), handled.Load())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	q := queue.NewMemQueue(16)
	ctx, cancel := context.WithCancel(context.Background())

	var active, peak, handled atomic.Int64
	pool := queue.NewPool(q, func(ctx context.Context, msg queue.Message) error {
		cur := active.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		if handled.Add(1) == 6 {
			cancel()
		}
		return nil
	}, 2, discard)

	for i := 0; i < 6; i++ {
		require.NoError(t, q.Publish(context.Background(), queue.Message{TaskID: "t"}))
	}

	require.NoError(t, pool.Run(ctx))
	assert.LessOrEqual(t, peak.Load(), int64(2))
}
