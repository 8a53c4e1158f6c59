package coordinator

import (
	"cmp"
	"errors"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/sectioning/internal/cluster"
)

// ErrEmptyNodeID is returned when registering a node without an id.
var ErrEmptyNodeID = errors.New("node ID cannot be empty")

// Membership is the coordinator's authoritative member list. Every change
// produces a new view with a higher id.
//
// A member that is marked down stays known. When it is seen again, through a
// successful probe or a new registration, the resulting view is a merge:
// while it was unreachable it may have kept mastering sessions on its own,
// so every node has to give up and re-elect its masters.
type Membership struct {
	mu     sync.RWMutex                // Protects all fields
	nodes  map[string]cluster.NodeInfo // Known nodes by id
	down   map[string]bool             // Nodes currently considered unreachable
	viewID uint64                      // Id of the latest view
}

// NewMembership returns an empty member list.
func NewMembership() *Membership {
	return &Membership{
		nodes: make(map[string]cluster.NodeInfo),
		down:  make(map[string]bool),
	}
}

// view builds the current view. Callers hold mu.
func (m *Membership) view(merge bool, joined ...string) cluster.View {
	members := make([]cluster.NodeInfo, 0, len(m.nodes))
	for id, n := range m.nodes {
		if !m.down[id] {
			members = append(members, n)
		}
	}
	slices.SortFunc(members, func(a, b cluster.NodeInfo) int { return cmp.Compare(a.ID, b.ID) })
	return cluster.View{ID: m.viewID, Members: members, Merge: merge, Joined: joined}
}

// Register adds or updates a node and returns the resulting view. A node
// registering again after being marked down produces a merge view.
func (m *Membership) Register(node cluster.NodeInfo) (cluster.View, error) {
	if node.ID == "" {
		return cluster.View{}, ErrEmptyNodeID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	_, known := m.nodes[node.ID]
	merge := known && m.down[node.ID]
	m.nodes[node.ID] = node
	delete(m.down, node.ID)
	m.viewID++
	return m.view(merge, node.ID), nil
}

// MarkDown excludes a node from the view. It reports false if nothing changed.
func (m *Membership) MarkDown(nodeID string) (cluster.View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[nodeID]; !ok || m.down[nodeID] {
		return cluster.View{}, false
	}
	m.down[nodeID] = true
	m.viewID++
	return m.view(false), true
}

// MarkUp brings back a node that was down, producing a merge view. It
// reports false if the node was not down.
func (m *Membership) MarkUp(nodeID string) (cluster.View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.down[nodeID] {
		return cluster.View{}, false
	}
	delete(m.down, nodeID)
	m.viewID++
	return m.view(true, nodeID), true
}

// Remove forgets a node entirely.
func (m *Membership) Remove(nodeID string) (cluster.View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[nodeID]; !ok {
		return cluster.View{}, false
	}
	delete(m.nodes, nodeID)
	delete(m.down, nodeID)
	m.viewID++
	return m.view(false), true
}

// Get returns a known node.
func (m *Membership) Get(nodeID string) (cluster.NodeInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[nodeID]
	return n, ok
}

// Members returns the reachable nodes ordered by id.
func (m *Membership) Members() []cluster.NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view(false).Members
}

// All returns every known node, reachable or not, ordered by id. The health
// monitor probes all of them so that down nodes can come back.
func (m *Membership) All() []cluster.NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]cluster.NodeInfo, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b cluster.NodeInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// View returns the current view.
func (m *Membership) View() cluster.View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view(false)
}

// IsDown reports whether the node is currently excluded from the view.
func (m *Membership) IsDown(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.down[nodeID]
}
