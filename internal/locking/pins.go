package locking

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/sectioning/internal/lockset"
)

// Pins holds long-lived offering locks spanning a multi-step external process.
type Pins struct {
	coord *lockset.Coordinator

	mu      sync.Mutex
	held    map[int64]*lockset.Lock
	pending map[int64]chan struct{} // closed when the first Pin of an offering settles
}

// NewPins returns an empty pin set acquiring through coord.
func NewPins(coord *lockset.Coordinator) *Pins {
	return &Pins{
		coord:   coord,
		held:    make(map[int64]*lockset.Lock),
		pending: make(map[int64]chan struct{}),
	}
}

// Pin acquires the offering's lock and keeps it until Unpin. Pinning a pinned
// offering is a no-op, and so is pinning one another caller is pinning: such
// a call waits for that caller and returns its outcome. The wait for the lock
// happens outside the pin table so other offerings can be pinned and
// inspected meanwhile.
func (p *Pins) Pin(ctx context.Context, offeringID int64) error {
	for {
		p.mu.Lock()
		if _, ok := p.held[offeringID]; ok {
			p.mu.Unlock()
			return nil
		}
		wait, busy := p.pending[offeringID]
		if !busy {
			break
		}
		p.mu.Unlock()
		select {
		case <-wait:
			// Settled: pinned, or the first caller gave up and this one retries.
		case <-ctx.Done():
			return fmt.Errorf("%w: pin offering %d: %w", lockset.ErrAcquire, offeringID, ctx.Err())
		}
	}
	done := make(chan struct{})
	p.pending[offeringID] = done
	p.mu.Unlock()

	l, err := p.coord.Acquire(ctx, []lockset.Key{lockset.OfferingKey(offeringID)})

	p.mu.Lock()
	delete(p.pending, offeringID)
	if err == nil {
		p.held[offeringID] = l
	}
	p.mu.Unlock()
	close(done)
	return err
}

// Unpin releases the offering's pin if present.
func (p *Pins) Unpin(offeringID int64) {
	p.mu.Lock()
	l, ok := p.held[offeringID]
	delete(p.held, offeringID)
	p.mu.Unlock()
	if ok {
		l.Release()
	}
}

// IsPinned reports whether the offering is currently pinned.
func (p *Pins) IsPinned(offeringID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.held[offeringID]
	return ok
}

// ListPinned returns the pinned offering ids in ascending order.
func (p *Pins) ListPinned() []int64 {
	p.mu.Lock()
	ids := maps.Keys(p.held)
	p.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// UnpinAll releases every pin.
func (p *Pins) UnpinAll() {
	p.mu.Lock()
	held := p.held
	p.held = make(map[int64]*lockset.Lock)
	p.mu.Unlock()
	for _, l := range held {
		l.Release()
	}
}
