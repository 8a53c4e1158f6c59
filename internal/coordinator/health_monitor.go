package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/sectioning/internal/cluster"
	"github.com/dreamware/sectioning/internal/logging"
)

// Health states of a monitored node.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the health status of a single node in the cluster.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`        // Timestamp of the last health check attempt
	LastHealthy      time.Time `json:"last_healthy"`      // Timestamp of the last successful health check
	NodeID           string    `json:"node_id"`           // Unique identifier of the node
	Status           string    `json:"status"`            // StatusHealthy, StatusUnhealthy or StatusUnknown
	ConsecutiveFails int       `json:"consecutive_fails"` // Number of consecutive failed health checks
}

// HealthMonitor periodically probes every member and reports transitions.
//
// A node becomes unhealthy after maxFailures consecutive failed probes and
// the onUnhealthy callback fires once. When an unhealthy node answers again
// the onRecovered callback fires once: the node was cut off from the rest of
// the cluster and may have mastered sessions meanwhile, so the coordinator
// turns this into a merge view.
//
// Callbacks run on their own goroutine so a slow callback never delays the
// next probe round.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth                      // Current health status per node
	httpClient  *http.Client                                // HTTP client for health checks
	checkFunc   func(ctx context.Context, addr string) error // Function to perform health check
	onUnhealthy func(nodeID string)                         // Callback when node becomes unhealthy
	onRecovered func(nodeID string)                         // Callback when an unhealthy node answers again
	log         zerolog.Logger
	ctx         context.Context    // Context for cancellation
	cancel      context.CancelFunc // Cancel function for shutdown
	interval    time.Duration      // How often to check node health
	mu          sync.RWMutex       // Protects nodes map
	wg          sync.WaitGroup     // Wait group for graceful shutdown
	maxFailures int                // Failures before marking unhealthy
}

// NewHealthMonitor creates a monitor probing every interval. Probes time out
// after 2 seconds and three consecutive failures mark a node unhealthy.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		interval:    interval,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		log:         logging.For("health"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy sets the callback invoked when a node becomes unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.onUnhealthy = callback
}

// SetOnRecovered sets the callback invoked when an unhealthy node recovers.
func (h *HealthMonitor) SetOnRecovered(callback func(nodeID string)) {
	h.onRecovered = callback
}

// SetCheckFunction replaces the HTTP probe, mainly for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.checkFunc = checkFunc
}

// SetMaxFailures changes the number of failed probes before a node is unhealthy.
func (h *HealthMonitor) SetMaxFailures(n int) {
	if n > 0 {
		h.maxFailures = n
	}
}

// Start runs the probe loop until ctx or Stop ends it. It blocks; run it on
// its own goroutine. nodeProvider is consulted each round so registrations
// are picked up without restarting the monitor.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info().Dur("interval", h.interval).Msg("health monitor started")
	h.checkAllNodes(ctx, nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(ctx, nodeProvider())
		case <-ctx.Done():
			h.log.Info().Msg("health monitor stopping")
			return
		case <-h.ctx.Done():
			h.log.Info().Msg("health monitor stopping")
			return
		}
	}
}

// Stop ends the probe loop and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) checkAllNodes(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	var wg sync.WaitGroup
	for _, node := range nodes {
		current[node.ID] = true
		wg.Add(1)
		go func(node cluster.NodeInfo) {
			defer wg.Done()
			h.checkNode(ctx, node)
		}(node)
	}
	wg.Wait()

	h.mu.Lock()
	for nodeID := range h.nodes {
		if !current[nodeID] {
			delete(h.nodes, nodeID)
			h.log.Info().Str("node", nodeID).Msg("removed from health monitoring")
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		health = &NodeHealth{
			NodeID:      node.ID,
			Status:      StatusUnknown,
			LastCheck:   time.Now(),
			LastHealthy: time.Now(),
		}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	// Probe without holding the lock.
	err := h.checkFunc(ctx, node.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		h.log.Warn().Str("node", node.ID).Int("attempt", health.ConsecutiveFails).Int("max", h.maxFailures).Err(err).Msg("health check failed")
		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			h.log.Warn().Str("node", node.ID).Msg("node marked unhealthy")
			if h.onUnhealthy != nil {
				go h.onUnhealthy(node.ID)
			}
		}
		return
	}

	if health.Status == StatusUnhealthy {
		h.log.Info().Str("node", node.ID).Msg("node recovered")
		if h.onRecovered != nil {
			go h.onRecovered(node.ID)
		}
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = fmt.Sprintf("http://%s", addr)
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of the node's health, or nil if unmonitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	out := *health
	return &out
}

// GetAllNodeHealth returns copies of every monitored node's health.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		out := *health
		result[id] = &out
	}
	return result
}

// IsHealthy reports whether the node's last probes succeeded.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, exists := h.nodes[nodeID]
	return exists && health.Status == StatusHealthy
}
