package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(kv KVStore) *Coordinator {
	c := New(kv, slog.New(slog.DiscardHandler))
	c.bindCheck = func(port int) error { return nil }
	return c
}

func TestAcquirePortNeverDuplicatesUnderConcurrency(t *testing.T) {
	kv := NewMemKV()
	ctx := context.Background()

	const workers = 32
	var mu sync.Mutex
	seen := make(map[int]int)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each goroutine gets its own coordinator, as separate worker
			// processes would, sharing only the store.
			c := newTestCoordinator(kv)
			port, err := c.AcquirePort(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			seen[port]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers, "every allocation must return a distinct port")
	for port, n := range seen {
		assert.Equal(t, 1, n, "port %d allocated %d times", port, n)
	}
}

func TestAcquirePortSkipsUnbindable(t *testing.T) {
	kv := NewMemKV()
	ctx := context.Background()

	c := newTestCoordinator(kv)
	c.bindCheck = func(port int) error {
		if port == PortRangeStart {
			return errors.New("address already in use")
		}
		return nil
	}

	port, err := c.AcquirePort(ctx)
	require.NoError(t, err)
	assert.Equal(t, PortRangeStart+1, port)

	// The failed candidate's claim must have been released.
	_, err = kv.Get(ctx, portLockKey(PortRangeStart))
	assert.ErrorIs(t, err, ErrKeyMissing)
}

func TestAcquirePortExhaustion(t *testing.T) {
	kv := NewMemKV()
	ctx := context.Background()

	// Pre-claim the whole range as other workers would have.
	for port := PortRangeStart; port <= PortRangeEnd; port++ {
		ok, err := kv.SetNX(ctx, portLockKey(port), "locked", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}

	c := newTestCoordinator(kv)
	_, err := c.AcquirePort(ctx)
	assert.ErrorIs(t, err, ErrNoAvailablePort)
}

func TestReleasePortFreesClaim(t *testing.T) {
	kv := NewMemKV()
	ctx := context.Background()
	c := newTestCoordinator(kv)

	port, err := c.AcquirePort(ctx)
	require.NoError(t, err)
	require.NoError(t, c.ReleasePort(ctx, port))

	c2 := newTestCoordinator(kv)
	again, err := c2.AcquirePort(ctx)
	require.NoError(t, err)
	assert.Equal(t, port, again)
}

func TestUserLockSerializesHolders(t *testing.T) {
	kv := NewMemKV()
	ctx := context.Background()

	var mu sync.Mutex
	active := 0
	maxActive := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newTestCoordinator(kv)
			release, err := c.AcquireUserLock(ctx, "student-42")
			if err != nil {
				t.Error(err)
				return
			}
			defer release()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "user lock must serialize same-user work")
}

func TestUserLockDifferentUsersDoNotBlock(t *testing.T) {
	kv := NewMemKV()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c := newTestCoordinator(kv)
	rel1, err := c.AcquireUserLock(ctx, "student-1")
	require.NoError(t, err)
	defer rel1()

	rel2, err := c.AcquireUserLock(ctx, "student-2")
	require.NoError(t, err)
	rel2()
}

func TestCompileLockSerializesAcrossUsers(t *testing.T) {
	kv := NewMemKV()
	ctx := context.Background()

	var mu sync.Mutex
	active := 0
	maxActive := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Different workers compiling different users' uploads still
			// contend on the one competition workspace.
			c := newTestCoordinator(kv)
			release, err := c.AcquireCompileLock(ctx, "net2026")
			if err != nil {
				t.Error(err)
				return
			}
			defer release()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "compile lock must serialize the shared workspace")
}

func TestCompileLockDifferentCompetitionsDoNotBlock(t *testing.T) {
	kv := NewMemKV()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c := newTestCoordinator(kv)
	rel1, err := c.AcquireCompileLock(ctx, "net2026")
	require.NoError(t, err)
	defer rel1()

	rel2, err := c.AcquireCompileLock(ctx, "net2025")
	require.NoError(t, err)
	rel2()
}

func TestUserLockAcquireRespectsContext(t *testing.T) {
	kv := NewMemKV()
	c := newTestCoordinator(kv)

	rel, err := c.AcquireUserLock(context.Background(), "student-1")
	require.NoError(t, err)
	defer rel()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = c.AcquireUserLock(ctx, "student-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUserLockReleaseOnlyDeletesOwnClaim(t *testing.T) {
	kv := NewMemKV()
	ctx := context.Background()

	c := newTestCoordinator(kv)
	c.lockTTL = 50 * time.Millisecond
	release, err := c.AcquireUserLock(ctx, "student-1")
	require.NoError(t, err)

	// Let the claim expire and have another worker take the lock.
	time.Sleep(80 * time.Millisecond)
	c2 := newTestCoordinator(kv)
	rel2, err := c2.AcquireUserLock(ctx, "student-1")
	require.NoError(t, err)
	defer rel2()

	// The stale release must not steal the new holder's claim.
	release()
	_, err = kv.Get(ctx, userLockKey("student-1"))
	assert.NoError(t, err)
}

func TestMemKVTTL(t *testing.T) {
	kv := NewMemKV()
	base := time.Now()
	kv.now = func() time.Time { return base }
	ctx := context.Background()

	ok, err := kv.SetNX(ctx, "k", "v", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = kv.SetNX(ctx, "k", "v2", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	kv.now = func() time.Time { return base.Add(2 * time.Second) }
	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyMissing)

	ok, err = kv.SetNX(ctx, "k", "v3", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired key should be claimable again")
}
