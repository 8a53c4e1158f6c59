package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease elects one master per session. A holder keeps the lease by calling
// Acquire again before the TTL runs out.
type Lease interface {
	// Acquire takes the session's lease for owner, or extends it if owner
	// already holds it. It reports whether owner holds the lease afterwards.
	Acquire(ctx context.Context, sessionID int64, owner string, ttl time.Duration) (bool, error)

	// Release gives up the lease if owner holds it.
	Release(ctx context.Context, sessionID int64, owner string) error

	// Holder returns the current holder, or "" if the lease is free.
	Holder(ctx context.Context, sessionID int64) (string, error)
}

type memoryEntry struct {
	owner   string
	expires time.Time
}

// MemoryLease is a Lease shared by the containers of one process.
type MemoryLease struct {
	mu      sync.Mutex
	entries map[int64]memoryEntry
	now     func() time.Time
}

// NewMemoryLease returns an empty lease table.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{entries: make(map[int64]memoryEntry), now: time.Now}
}

func (l *MemoryLease) Acquire(_ context.Context, sessionID int64, owner string, ttl time.Duration) (bool, error) {
	if owner == "" {
		return false, errors.New("lease owner cannot be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.entries[sessionID]
	if ok && e.owner != owner && now.Before(e.expires) {
		return false, nil
	}
	l.entries[sessionID] = memoryEntry{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLease) Release(_ context.Context, sessionID int64, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[sessionID]; ok && e.owner == owner {
		delete(l.entries, sessionID)
	}
	return nil
}

func (l *MemoryLease) Holder(_ context.Context, sessionID int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[sessionID]
	if !ok || !l.now().Before(e.expires) {
		return "", nil
	}
	return e.owner, nil
}

var (
	acquireScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if v == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)
	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// RedisLease keeps leases as expiring Redis keys shared by every node.
type RedisLease struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLease stores leases under "<prefix>:<session>".
func NewRedisLease(client redis.UniversalClient, prefix string) *RedisLease {
	if prefix == "" {
		prefix = "sectioning:master"
	}
	return &RedisLease{client: client, prefix: prefix}
}

func (l *RedisLease) key(sessionID int64) string {
	return l.prefix + ":" + strconv.FormatInt(sessionID, 10)
}

func (l *RedisLease) Acquire(ctx context.Context, sessionID int64, owner string, ttl time.Duration) (bool, error) {
	if owner == "" {
		return false, errors.New("lease owner cannot be empty")
	}
	n, err := acquireScript.Run(ctx, l.client, []string{l.key(sessionID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lease of session %d: %w", sessionID, err)
	}
	return n == 1, nil
}

func (l *RedisLease) Release(ctx context.Context, sessionID int64, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(sessionID)}, owner).Err(); err != nil {
		return fmt.Errorf("release lease of session %d: %w", sessionID, err)
	}
	return nil
}

func (l *RedisLease) Holder(ctx context.Context, sessionID int64) (string, error) {
	v, err := l.client.Get(ctx, l.key(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease of session %d: %w", sessionID, err)
	}
	return v, nil
}
