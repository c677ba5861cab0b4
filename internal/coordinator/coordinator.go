package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

const (
	// PortRangeStart and PortRangeEnd bound the ephemeral range scanned by
	// the allocator, inclusive on both ends.
	PortRangeStart = 50000
	PortRangeEnd   = 65535

	// A single task normally finishes well within this; the TTL is only the
	// fallback reclaim path when a worker dies holding the resource.
	defaultLockTTL = 600 * time.Second

	userLockPollInterval = 100 * time.Millisecond
)

var ErrNoAvailablePort = errors.New("no available port in range 50000-65535")

// Coordinator mediates the two shared mutable resources of the pipeline:
// the per-user workspace lock and the run-port set. No other component
// touches the underlying store.
type Coordinator struct {
	kv  KVStore
	log *slog.Logger

	lockTTL time.Duration

	// bindCheck verifies a claimed port is actually bindable; injected so
	// tests do not open sockets.
	bindCheck func(port int) error

	// ports this process currently holds, for diagnostics and so the scan
	// can skip our own claims without a store round-trip.
	heldPorts mapset.Set[int]
}

func New(kv KVStore, log *slog.Logger) *Coordinator {
	return &Coordinator{
		kv:        kv,
		log:       log,
		lockTTL:   defaultLockTTL,
		bindCheck: bindUDP,
		heldPorts: mapset.NewSet[int](),
	}
}

// bindUDP checks the port by binding it the same way the emulator's
// receiver does (UDP, all interfaces including v6).
func bindUDP(port int) error {
	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return conn.Close()
}

func userLockKey(userID string) string {
	return "user_lock_" + userID
}

func compileLockKey(competition string) string {
	return "compile_lock_" + competition
}

func portLockKey(port int) string {
	return fmt.Sprintf("port_lock_%d", port)
}

// acquireLock blocks until the key is claimed with our token, then returns
// a release function that only deletes our own claim (the TTL may have
// expired and another worker may hold the lock by release time). Lock busy
// is never an error; the caller waits.
func (c *Coordinator) acquireLock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()

	for {
		ok, err := c.kv.SetNX(ctx, key, token, c.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
		case <-time.After(userLockPollInterval):
		}
	}
	c.log.Debug("acquired lock", "key", key)

	release := func() {
		ctx := context.Background()
		val, err := c.kv.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, ErrKeyMissing) {
				c.log.Error("failed to read lock on release", "key", key, "err", err)
			}
			return
		}
		if val != token {
			c.log.Warn("lock no longer ours, skipping release", "key", key)
			return
		}
		if err := c.kv.Del(ctx, key); err != nil {
			c.log.Error("failed to release lock", "key", key, "err", err)
		}
	}
	return release, nil
}

// AcquireUserLock blocks until the per-user workspace lock is held.
// Compiled artifacts live in one shared per-user workspace, so two tasks of
// the same user must never interleave compile+run.
//
// The returned release function must be called on every exit path.
func (c *Coordinator) AcquireUserLock(ctx context.Context, userID string) (func(), error) {
	return c.acquireLock(ctx, userLockKey(userID))
}

// AcquireCompileLock blocks until the competition's compile lock is held.
// Every upload of a competition compiles as controller.cc in the one shared
// course workspace, so stage+make+move must be serialized across users, not
// just within one user.
func (c *Coordinator) AcquireCompileLock(ctx context.Context, competition string) (func(), error) {
	return c.acquireLock(ctx, compileLockKey(competition))
}

// AcquirePort scans the ephemeral range, claiming each candidate in the
// store before verifying it is locally bindable. A claim that fails the
// bind check (lost a race with an unrelated process) is released and the
// scan advances. Exhausting the range returns ErrNoAvailablePort.
func (c *Coordinator) AcquirePort(ctx context.Context) (int, error) {
	for port := PortRangeStart; port <= PortRangeEnd; port++ {
		if c.heldPorts.Contains(port) {
			continue
		}
		key := portLockKey(port)
		ok, err := c.kv.SetNX(ctx, key, "locked", c.lockTTL)
		if err != nil {
			return 0, fmt.Errorf("claim port %d: %w", port, err)
		}
		if !ok {
			continue
		}
		if err := c.bindCheck(port); err != nil {
			c.log.Warn("claimed port not bindable, moving on", "port", port, "err", err)
			if delErr := c.kv.Del(ctx, key); delErr != nil {
				c.log.Error("failed to release unbindable port claim", "port", port, "err", delErr)
			}
			continue
		}
		c.heldPorts.Add(port)
		c.log.Info("allocated port", "port", port)
		return port, nil
	}
	return 0, ErrNoAvailablePort
}

// ReleasePort removes the port claim explicitly. TTL expiry is the fallback
// when a worker dies in between.
func (c *Coordinator) ReleasePort(ctx context.Context, port int) error {
	c.heldPorts.Remove(port)
	if err := c.kv.Del(ctx, portLockKey(port)); err != nil {
		return fmt.Errorf("release port %d: %w", port, err)
	}
	c.log.Debug("released port", "port", port)
	return nil
}
