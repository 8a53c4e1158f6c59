package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/sectioning/internal/cluster"
	"github.com/dreamware/sectioning/internal/logging"
	"github.com/dreamware/sectioning/internal/registry"
	"github.com/dreamware/sectioning/internal/session"
)

// Container is the node side of cluster coordination. It holds the node's
// registry, competes for the master lease of every loaded session and
// reacts to membership views. It implements cluster.Host.
type Container struct {
	nodeID   string
	registry *registry.Registry
	lease    Lease
	ttl      time.Duration
	log      zerolog.Logger

	// mu serializes election rounds with merge resets so a reset cannot be
	// undone by a round that started before it.
	mu       sync.Mutex
	lastView atomic.Uint64
	merges   atomic.Uint64
}

var _ cluster.Host = (*Container)(nil)

// NewContainer wires a container. ttl is the master lease duration; the
// lease is renewed every ttl/3.
func NewContainer(nodeID string, reg *registry.Registry, lease Lease, ttl time.Duration) *Container {
	return &Container{
		nodeID:   nodeID,
		registry: reg,
		lease:    lease,
		ttl:      ttl,
		log:      logging.For("container").With().Str("node", nodeID).Logger(),
	}
}

// NodeID returns the node's id.
func (c *Container) NodeID() string { return c.nodeID }

// Registry returns the node's session registry.
func (c *Container) Registry() *registry.Registry { return c.registry }

// LastView returns the id of the last view applied.
func (c *Container) LastView() uint64 { return c.lastView.Load() }

// Merges returns how many merge views were applied.
func (c *Container) Merges() uint64 { return c.merges.Load() }

// Operations returns the local server for op.
func (c *Container) Operations(sessionID int64, op session.Op) (session.Operations, error) {
	srv := c.registry.GetOrNil(sessionID)
	if srv == nil {
		return nil, fmt.Errorf("%w: session %d on %s", cluster.ErrNotLoaded, sessionID, c.nodeID)
	}
	if op.MasterOnly() && !srv.IsMaster() {
		return nil, fmt.Errorf("%w: %s for session %d on %s", cluster.ErrNotMaster, op, sessionID, c.nodeID)
	}
	return srv, nil
}

// HasMaster reports whether the session is loaded here and mastered by this node.
func (c *Container) HasMaster(sessionID int64) cluster.HasMasterResponse {
	srv := c.registry.GetOrNil(sessionID)
	return cluster.HasMasterResponse{Node: c.nodeID, Loaded: srv != nil, Master: srv != nil && srv.IsMaster()}
}

// Sessions returns the sessions loaded here.
func (c *Container) Sessions() []int64 { return c.registry.SessionIDs() }

// ApplyView records a membership view and resets mastership on a merge.
// Views older than the last one applied are ignored.
func (c *Container) ApplyView(ctx context.Context, v cluster.View) error {
	for {
		last := c.lastView.Load()
		if v.ID != 0 && v.ID <= last {
			c.log.Debug().Uint64("view", v.ID).Uint64("last", last).Msg("stale view ignored")
			return nil
		}
		if c.lastView.CompareAndSwap(last, v.ID) {
			break
		}
	}
	c.log.Info().Uint64("view", v.ID).Int("members", len(v.Members)).Bool("merge", v.Merge).Msg("view applied")
	if v.Merge {
		c.Reset(ctx)
	}
	return nil
}

// Reset gives up every session this node masters: the session stops
// serving, is flagged for reload and its lease is released so the next
// election starts from a single holder. Sessions this node does not master
// keep serving. The next Elect reloads what was reset.
//
// Parameters:
//   - ctx: bounds the lease releases; a failed release is logged and the
//     lease then lapses after its TTL
//
// Example:
//
//	// on a merge view from the coordinator
//	c.Reset(ctx)
//	c.Elect(ctx)
func (c *Container) Reset(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.merges.Add(1)

	for _, srv := range c.registry.Servers() {
		if !srv.IsMaster() {
			continue
		}
		id := srv.Session().ID
		srv.MarkNotReady()
		srv.SetMaster(false)
		if err := c.lease.Release(ctx, id, c.nodeID); err != nil {
			c.log.Error().Err(err).Int64("session", id).Msg("lease not released")
		}
		c.log.Warn().Int64("session", id).Msg("mastership reset after merge")
	}
}

// Elect runs one election round: every loaded session tries to take or keep
// its lease, then sessions waiting for a reload are reloaded.
func (c *Container) Elect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, srv := range c.registry.Servers() {
		id := srv.Session().ID
		held, err := c.lease.Acquire(ctx, id, c.nodeID, c.ttl)
		if err != nil {
			// Without a confirmed lease this node must not act as master.
			c.log.Error().Err(err).Int64("session", id).Msg("lease check failed")
			held = false
		}
		srv.SetMaster(held)

		if srv.ReloadNeeded() {
			if err := srv.Reload(ctx); err != nil {
				c.log.Error().Err(err).Int64("session", id).Msg("reload after reset failed")
			}
		}
	}
}

// Run elects every ttl/3 until ctx is done, then releases the leases it holds.
func (c *Container) Run(ctx context.Context) {
	interval := c.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Elect(ctx)
	for {
		select {
		case <-ctx.Done():
			c.releaseAll()
			return
		case <-ticker.C:
			c.Elect(ctx)
		}
	}
}

func (c *Container) releaseAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, srv := range c.registry.Servers() {
		if srv.IsMaster() {
			srv.SetMaster(false)
			if err := c.lease.Release(ctx, srv.Session().ID, c.nodeID); err != nil {
				c.log.Error().Err(err).Int64("session", srv.Session().ID).Msg("lease not released")
			}
		}
	}
}
