package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	memory := NewMemoryLease()
	clock := time.Unix(1000, 0)
	memory.now = func() time.Time { return clock }

	leases := map[string]struct {
		lease   Lease
		advance func(time.Duration)
	}{
		"memory": {memory, func(d time.Duration) { clock = clock.Add(d) }},
		"redis":  {NewRedisLease(client, "test:master"), mr.FastForward},
	}

	ctx := context.Background()
	for name, tc := range leases {
		t.Run(name, func(t *testing.T) {
			l := tc.lease

			ok, err := l.Acquire(ctx, 1, "node-a", time.Second)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = l.Acquire(ctx, 1, "node-b", time.Second)
			require.NoError(t, err)
			assert.False(t, ok, "held by another node")

			holder, err := l.Holder(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, "node-a", holder)

			// Renewal pushes expiry out.
			tc.advance(700 * time.Millisecond)
			ok, err = l.Acquire(ctx, 1, "node-a", time.Second)
			require.NoError(t, err)
			assert.True(t, ok)
			tc.advance(700 * time.Millisecond)
			ok, _ = l.Acquire(ctx, 1, "node-b", time.Second)
			assert.False(t, ok, "renewed lease still valid")

			// Expiry frees it.
			tc.advance(2 * time.Second)
			holder, err = l.Holder(ctx, 1)
			require.NoError(t, err)
			assert.Empty(t, holder)
			ok, err = l.Acquire(ctx, 1, "node-b", time.Second)
			require.NoError(t, err)
			assert.True(t, ok)

			// Release only by the holder.
			require.NoError(t, l.Release(ctx, 1, "node-a"))
			holder, _ = l.Holder(ctx, 1)
			assert.Equal(t, "node-b", holder)
			require.NoError(t, l.Release(ctx, 1, "node-b"))
			holder, _ = l.Holder(ctx, 1)
			assert.Empty(t, holder)

			// Sessions are independent.
			ok, _ = l.Acquire(ctx, 2, "node-a", time.Second)
			assert.True(t, ok)
			ok, _ = l.Acquire(ctx, 3, "node-b", time.Second)
			assert.True(t, ok)

			_, err = l.Acquire(ctx, 4, "", time.Second)
			assert.Error(t, err)
		})
	}
}
