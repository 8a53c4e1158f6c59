package changes

import (
	"context"
	"fmt"
	"sync"
)

// MemoryQueue is a Queue for a single process. A session's changes are kept
// in publish order, so change n sits at index n-1.
type MemoryQueue struct {
	mu       sync.RWMutex
	sessions map[int64][]Change
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{sessions: make(map[int64][]Change)}
}

func (q *MemoryQueue) Publish(_ context.Context, c Change) error {
	if err := prepare(&c); err != nil {
		return fmt.Errorf("publish %s: %w", c.Kind, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.sessions[c.Session]
	c.Seq = int64(len(list)) + 1
	q.sessions[c.Session] = append(list, c)
	return nil
}

func (q *MemoryQueue) Since(_ context.Context, session int64, after int64) ([]Change, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	list := q.sessions[session]
	if after < 0 {
		after = 0
	}
	if after >= int64(len(list)) {
		return nil, nil
	}
	out := make([]Change, int64(len(list))-after)
	copy(out, list[after:])
	return out, nil
}

func (q *MemoryQueue) Last(_ context.Context, session int64) (int64, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return int64(len(q.sessions[session])), nil
}
