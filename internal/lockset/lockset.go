// Package lockset acquires composite locks over sets of student and offering
// keys. Keys of one call are always taken in a single canonical order, so
// callers asking for overlapping sets concurrently can never deadlock, while
// callers with disjoint sets never wait on each other.
//
// Usage:
//
//	c := lockset.NewCoordinator()
//	lock, err := c.Acquire(ctx, []lockset.Key{lockset.StudentKey(7), lockset.OfferingKey(42)})
//	if err != nil {
//	    return err
//	}
//	defer lock.Release()
package lockset

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// ErrAcquire is returned when a composite lock could not be acquired.
// Keys acquired before the failure have already been released.
var ErrAcquire = errors.New("lock acquisition failed")

// Kind tells which entity a key protects.
type Kind uint8

const (
	// KindOffering keys protect an offering.
	KindOffering Kind = iota + 1
	// KindStudent keys protect a student.
	KindStudent
)

func (k Kind) String() string {
	switch k {
	case KindOffering:
		return "offering"
	case KindStudent:
		return "student"
	default:
		return "unknown"
	}
}

// Key identifies one lockable resource.
type Key struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id"`
}

// OfferingKey returns the key of an offering.
func OfferingKey(id int64) Key { return Key{Kind: KindOffering, ID: id} }

// StudentKey returns the key of a student.
func StudentKey(id int64) Key { return Key{Kind: KindStudent, ID: id} }

func (k Key) String() string { return fmt.Sprintf("%s:%d", k.Kind, k.ID) }

// Compare orders keys by kind, then by id. This is the acquisition order.
func Compare(a, b Key) int {
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Canonical returns the deduplicated keys in acquisition order.
func Canonical(keys []Key) []Key {
	out := slices.Clone(keys)
	slices.SortFunc(out, Compare)
	return slices.Compact(out)
}

// keyEntry is a per-key mutex with reference counting, removed from the
// coordinator once no goroutine holds or waits for it.
type keyEntry struct {
	sem  chan struct{}
	refs int
}

// Coordinator hands out composite locks. The zero value is not usable; use NewCoordinator.
type Coordinator struct {
	mu      sync.Mutex
	entries map[Key]*keyEntry
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{entries: make(map[Key]*keyEntry)}
}

// Acquire blocks until every key is held by the returned lock or ctx is done.
// Keys are deduplicated and taken in canonical order. On failure nothing is
// left held and the error wraps both ErrAcquire and the context error.
func (c *Coordinator) Acquire(ctx context.Context, keys []Key) (*Lock, error) {
	ordered := Canonical(keys)
	lock := &Lock{id: uuid.NewString(), c: c}

	for _, key := range ordered {
		e := c.ref(key)
		select {
		case e.sem <- struct{}{}:
			lock.keys = append(lock.keys, key)
		case <-ctx.Done():
			c.unref(key)
			lock.Release()
			return nil, fmt.Errorf("%w: waiting for %s: %w", ErrAcquire, key, ctx.Err())
		}
	}
	return lock, nil
}

// Len returns the number of keys currently held or waited on.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Coordinator) ref(key Key) *keyEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &keyEntry{sem: make(chan struct{}, 1)}
		c.entries[key] = e
	}
	e.refs++
	return e
}

func (c *Coordinator) unref(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(c.entries, key)
	}
}

func (c *Coordinator) unlock(key Key) {
	c.mu.Lock()
	e := c.entries[key]
	c.mu.Unlock()
	if e != nil {
		<-e.sem
	}
	c.unref(key)
}

// Lock is a held composite lock.
type Lock struct {
	id   string
	c    *Coordinator
	keys []Key
	once sync.Once
}

// ID returns a unique identifier of this acquisition, used in logs.
func (l *Lock) ID() string { return l.id }

// Keys returns the keys held by the lock in acquisition order.
func (l *Lock) Keys() []Key { return slices.Clone(l.keys) }

// Release frees every held key. It is idempotent and safe on a nil lock.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		for i := len(l.keys) - 1; i >= 0; i-- {
			l.c.unlock(l.keys[i])
		}
	})
}
