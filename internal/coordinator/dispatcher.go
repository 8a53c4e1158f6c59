package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/sectioning/internal/cluster"
	"github.com/dreamware/sectioning/internal/logging"
	"github.com/dreamware/sectioning/internal/session"
)

var (
	// ErrNoMaster is returned when a master-only operation finds no master.
	ErrNoMaster = errors.New("no master for session")
	// ErrNoNode is returned when no reachable node has the session loaded.
	ErrNoNode = errors.New("no node hosts session")
)

// Placement is where a session currently lives.
type Placement struct {
	Master *cluster.NodeInfo  `json:"master,omitempty"`
	Slaves []cluster.NodeInfo `json:"slaves"`
}

// Dispatcher routes session operations to nodes: master-only operations to
// the node holding the session's lease, the others round-robin over the
// slaves, or to the only node hosting the session.
type Dispatcher struct {
	members *Membership
	probe   func(ctx context.Context, node cluster.NodeInfo, sessionID int64) (cluster.HasMasterResponse, error)
	log     zerolog.Logger

	mu   sync.Mutex
	next map[int64]int
}

// NewDispatcher routes over the reachable members.
func NewDispatcher(members *Membership) *Dispatcher {
	return &Dispatcher{
		members: members,
		probe: func(ctx context.Context, node cluster.NodeInfo, sessionID int64) (cluster.HasMasterResponse, error) {
			return cluster.NewNode(node.Addr).HasMaster(ctx, sessionID)
		},
		log:  logging.For("dispatcher"),
		next: make(map[int64]int),
	}
}

// Locate asks every member about the session. Members that cannot be
// reached are left out.
func (d *Dispatcher) Locate(ctx context.Context, sessionID int64) Placement {
	members := d.members.Members()
	answers := make([]cluster.HasMasterResponse, len(members))

	var g errgroup.Group
	for i, node := range members {
		g.Go(func() error {
			resp, err := d.probe(ctx, node, sessionID)
			if err != nil {
				d.log.Warn().Err(err).Str("node", node.ID).Int64("session", sessionID).Msg("has-master probe failed")
				return nil
			}
			answers[i] = resp
			return nil
		})
	}
	_ = g.Wait()

	p := Placement{Slaves: []cluster.NodeInfo{}}
	for i, a := range answers {
		switch {
		case !a.Loaded:
		case a.Master && p.Master == nil:
			node := members[i]
			p.Master = &node
		default:
			p.Slaves = append(p.Slaves, members[i])
		}
	}
	return p
}

// Target picks the node that should run op on the session.
// Master-only operations go to the node holding the session's lease. Others
// rotate over the slaves, falling back to the master when it is the only
// node hosting the session.
//
// Parameters:
//   - ctx: bounds the has-master round used to locate the session
//   - sessionID: the academic session
//   - op: the operation to route
//
// Returns:
//   - the chosen node
//   - ErrNoMaster when op needs a master and no member reports one
//   - ErrNoNode when no reachable member hosts the session
//
// Example:
//
//	node, err := d.Target(ctx, 42, session.OpEnroll)
//	if err != nil {
//	    return err
//	}
//	client := cluster.NewNodeClient(node.Addr, 42)
func (d *Dispatcher) Target(ctx context.Context, sessionID int64, op session.Op) (cluster.NodeInfo, error) {
	p := d.Locate(ctx, sessionID)
	if op.MasterOnly() {
		if p.Master == nil {
			return cluster.NodeInfo{}, fmt.Errorf("%w %d", ErrNoMaster, sessionID)
		}
		return *p.Master, nil
	}
	if len(p.Slaves) == 0 {
		if p.Master == nil {
			return cluster.NodeInfo{}, fmt.Errorf("%w %d", ErrNoNode, sessionID)
		}
		return *p.Master, nil
	}

	d.mu.Lock()
	i := d.next[sessionID] % len(p.Slaves)
	d.next[sessionID] = i + 1
	d.mu.Unlock()
	return p.Slaves[i], nil
}

// Invoke routes req and returns the node's answer. Routing and transport
// failures are logged and returned; the operation never ran in that case.
func (d *Dispatcher) Invoke(ctx context.Context, req cluster.InvokeRequest) (cluster.InvokeResponse, error) {
	if !req.Op.Valid() {
		return cluster.InvokeResponse{}, fmt.Errorf("%w: unknown operation %q", cluster.ErrBadRequest, req.Op)
	}
	target, err := d.Target(ctx, req.Session, req.Op)
	if err != nil {
		d.log.Warn().Err(err).Int64("session", req.Session).Str("op", string(req.Op)).Msg("no dispatch target")
		return cluster.InvokeResponse{}, err
	}
	resp, err := cluster.NewNodeClient(target.Addr, req.Session).Invoke(ctx, req)
	if err != nil {
		d.log.Error().Err(err).Str("node", target.ID).Int64("session", req.Session).Str("op", string(req.Op)).Msg("dispatch failed")
		return cluster.InvokeResponse{}, err
	}
	return resp, nil
}

// Solvers returns the union of the sessions loaded on reachable members.
func (d *Dispatcher) Solvers(ctx context.Context) []int64 {
	members := d.members.Members()
	var (
		mu  sync.Mutex
		all = make(map[int64]struct{})
		g   errgroup.Group
	)
	for _, node := range members {
		g.Go(func() error {
			resp, err := cluster.NewNode(node.Addr).Solvers(ctx)
			if err != nil {
				d.log.Warn().Err(err).Str("node", node.ID).Msg("solvers probe failed")
				return nil
			}
			mu.Lock()
			for _, id := range resp.Sessions {
				all[id] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := make([]int64, 0, len(all))
	for id := range all {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Broadcast sends the view to every member in it. Delivery failures are
// logged; the health monitor takes care of unreachable nodes.
func (d *Dispatcher) Broadcast(ctx context.Context, v cluster.View) {
	var g errgroup.Group
	for _, node := range v.Members {
		g.Go(func() error {
			if err := cluster.NewNode(node.Addr).SendView(ctx, v); err != nil {
				d.log.Warn().Err(err).Str("node", node.ID).Uint64("view", v.ID).Msg("view not delivered")
			}
			return nil
		})
	}
	_ = g.Wait()
}
