package lockset

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestCanonicalOrdersAndDeduplicates(t *testing.T) {
	keys := []Key{StudentKey(3), OfferingKey(9), OfferingKey(2), StudentKey(3), OfferingKey(9)}
	assert.Equal(t, []Key{OfferingKey(2), OfferingKey(9), StudentKey(3)}, Canonical(keys))
}

func TestKeyKindsDoNotCollide(t *testing.T) {
	c := NewCoordinator()
	ctx := context.Background()

	a, err := c.Acquire(ctx, []Key{OfferingKey(5)})
	require.NoError(t, err)
	defer a.Release()

	// Same numeric id, different kind: must not block.
	done := make(chan struct{})
	go func() {
		b, err := c.Acquire(ctx, []Key{StudentKey(5)})
		if err == nil {
			b.Release()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("student key blocked on offering key with the same id")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := NewCoordinator()
	lock, err := c.Acquire(context.Background(), []Key{OfferingKey(1), StudentKey(1)})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	lock.Release()
	lock.Release()
	assert.Equal(t, 0, c.Len())

	var nilLock *Lock
	assert.NotPanics(t, func() { nilLock.Release() })

	// Keys are free again.
	again, err := c.Acquire(context.Background(), []Key{OfferingKey(1), StudentKey(1)})
	require.NoError(t, err)
	again.Release()
}

func TestOverlappingCallersSerialize(t *testing.T) {
	c := NewCoordinator()
	first, err := c.Acquire(context.Background(), []Key{OfferingKey(1), OfferingKey(2)})
	require.NoError(t, err)

	acquired := make(chan *Lock)
	go func() {
		l, err := c.Acquire(context.Background(), []Key{OfferingKey(2), OfferingKey(3)})
		if err == nil {
			acquired <- l
		}
	}()

	select {
	case <-acquired:
		t.Fatal("overlapping lock acquired while the first one is held")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	select {
	case l := <-acquired:
		l.Release()
	case <-time.After(time.Second):
		t.Fatal("second caller never acquired after release")
	}
}

func TestAcquireHonorsContextAndReleasesPartialKeys(t *testing.T) {
	c := NewCoordinator()
	holder, err := c.Acquire(context.Background(), []Key{OfferingKey(2)})
	require.NoError(t, err)
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	// OfferingKey(1) is taken first, then the call waits on OfferingKey(2).
	_, err = c.Acquire(ctx, []Key{OfferingKey(1), OfferingKey(2)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAcquire))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// The partially acquired key must be free.
	free, err := c.Acquire(context.Background(), []Key{OfferingKey(1)})
	require.NoError(t, err)
	free.Release()
}

func TestConcurrentRandomSubsetsNeverDeadlock(t *testing.T) {
	c := NewCoordinator()
	const (
		universe = 12
		workers  = 32
		rounds   = 200
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var inside [universe * 2]int32
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		seed := int64(w)
		g.Go(func() error {
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < rounds; i++ {
				var keys []Key
				for n := rnd.Intn(5) + 1; n > 0; n-- {
					id := int64(rnd.Intn(universe))
					if rnd.Intn(2) == 0 {
						keys = append(keys, OfferingKey(id))
					} else {
						keys = append(keys, StudentKey(id))
					}
				}
				lock, err := c.Acquire(ctx, keys)
				if err != nil {
					return err
				}
				for _, k := range lock.Keys() {
					slot := int(k.ID)
					if k.Kind == KindStudent {
						slot += universe
					}
					if atomic.AddInt32(&inside[slot], 1) != 1 {
						lock.Release()
						return errors.New("two holders of the same key")
					}
				}
				for _, k := range lock.Keys() {
					slot := int(k.ID)
					if k.Kind == KindStudent {
						slot += universe
					}
					atomic.AddInt32(&inside[slot], -1)
				}
				lock.Release()
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.Equal(t, 0, c.Len())
}
