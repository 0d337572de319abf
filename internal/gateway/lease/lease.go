// Package lease implements the gateway's exclusivity primitives on Redis:
// the per-session owner lease, the runtime liveness marker, and the
// migration lock.
//
// Every method distinguishes "not held by me" (a false return) from "store
// unreachable" (a non-nil error). Callers treat the former as fatal to
// their invariant and the latter as retryable.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/boxgate/boxgate/internal/gateway/id"
)

const (
	ownerKeyPrefix     = "lease:owner:"
	runtimeKeyPrefix   = "lease:runtime:"
	migrationKeyPrefix = "lock:migration:"

	lockPollInterval = 250 * time.Millisecond
	lockProbeTTL     = time.Second
)

// renewScript extends a key's TTL only while this instance still owns it.
var renewScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if (not v) or (v ~= ARGV[1]) then
  return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// releaseScript deletes a key only while this instance still owns it.
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if (not v) or (v ~= ARGV[1]) then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// Manager issues leases on behalf of one gateway process.
type Manager struct {
	rdb        *redis.Client
	instanceID string
	ownerTTL   time.Duration
	runtimeTTL time.Duration
}

// NewManager returns a Manager bound to this process's instance id.
func NewManager(rdb *redis.Client, instanceID string, ownerTTL, runtimeTTL time.Duration) *Manager {
	return &Manager{
		rdb:        rdb,
		instanceID: instanceID,
		ownerTTL:   ownerTTL,
		runtimeTTL: runtimeTTL,
	}
}

// InstanceID returns the id leases are stamped with.
func (m *Manager) InstanceID() string { return m.instanceID }

// OwnerTTL returns the owner lease TTL; the hub renews at a third of it.
func (m *Manager) OwnerTTL() time.Duration { return m.ownerTTL }

func ownerKey(sessionID string) string     { return ownerKeyPrefix + sessionID }
func runtimeKey(sessionID string) string   { return runtimeKeyPrefix + sessionID }
func migrationKey(sessionID string) string { return migrationKeyPrefix + sessionID }

// AcquireOwner takes the owner lease for sessionID. Returns true if the
// lease was free or already held by this instance (in which case the TTL
// is refreshed).
func (m *Manager) AcquireOwner(ctx context.Context, sessionID string) (bool, error) {
	key := ownerKey(sessionID)
	ok, err := m.rdb.SetNX(ctx, key, m.instanceID, m.ownerTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire owner lease: %w", err)
	}
	if ok {
		return true, nil
	}
	// Taken: re-acquiring our own lease refreshes it.
	n, err := renewScript.Run(ctx, m.rdb, []string{key}, m.instanceID, m.ownerTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh owner lease: %w", err)
	}
	return n == 1, nil
}

// RenewOwner extends the owner lease. A false return means the lease is
// gone or held by someone else; the caller must self-terminate.
func (m *Manager) RenewOwner(ctx context.Context, sessionID string) (bool, error) {
	n, err := renewScript.Run(ctx, m.rdb, []string{ownerKey(sessionID)}, m.instanceID, m.ownerTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew owner lease: %w", err)
	}
	return n == 1, nil
}

// ReleaseOwner drops the owner lease if this instance holds it. Releasing
// a lease that moved on is not an error.
func (m *Manager) ReleaseOwner(ctx context.Context, sessionID string) error {
	if err := releaseScript.Run(ctx, m.rdb, []string{ownerKey(sessionID)}, m.instanceID).Err(); err != nil {
		return fmt.Errorf("release owner lease: %w", err)
	}
	return nil
}

// SetRuntime refreshes the short-TTL marker that tells the fleet some
// process believes this session's runtime is alive.
func (m *Manager) SetRuntime(ctx context.Context, sessionID string) error {
	if err := m.rdb.Set(ctx, runtimeKey(sessionID), m.instanceID, m.runtimeTTL).Err(); err != nil {
		return fmt.Errorf("set runtime lease: %w", err)
	}
	return nil
}

// HasRuntime reports whether any process currently claims the runtime.
func (m *Manager) HasRuntime(ctx context.Context, sessionID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, runtimeKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("check runtime lease: %w", err)
	}
	return n > 0, nil
}

// ClearRuntime removes the runtime marker.
func (m *Manager) ClearRuntime(ctx context.Context, sessionID string) error {
	if err := m.rdb.Del(ctx, runtimeKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear runtime lease: %w", err)
	}
	return nil
}

// RunWithMigrationLock acquires the per-session migration lock with no
// retries, runs fn, and releases the lock on every exit path. Returns
// false without running fn when the lock is already held elsewhere.
func (m *Manager) RunWithMigrationLock(ctx context.Context, sessionID string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	key := migrationKey(sessionID)
	token := id.Generate()

	ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire migration lock: %w", err)
	}
	if !ok {
		return false, nil
	}
	defer func() {
		// Best-effort: the TTL reclaims the lock if this release fails.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, m.rdb, []string{key}, token).Err()
	}()

	return true, fn(ctx)
}

// WaitForMigrationLockRelease blocks until the migration lock is free,
// polling by briefly acquiring and releasing it. The caller bounds the
// wait through ctx.
func (m *Manager) WaitForMigrationLockRelease(ctx context.Context, sessionID string) error {
	key := migrationKey(sessionID)
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		token := id.Generate()
		ok, err := m.rdb.SetNX(ctx, key, token, lockProbeTTL).Result()
		if err != nil {
			return fmt.Errorf("probe migration lock: %w", err)
		}
		if ok {
			if err := releaseScript.Run(ctx, m.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("release migration lock probe: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for migration lock: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
