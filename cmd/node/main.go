// Package main implements the sectioning node service. A node loads the
// eligible academic sessions into memory, competes for the master lease of
// each of them and serves session operations routed by the coordinator.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                      │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health          - Health check      │
//	│    /info            - Loaded sessions   │
//	│    /rpc/has-master  - Mastership probe  │
//	│    /rpc/invoke      - Session ops       │
//	│    /rpc/solvers     - Loaded session ids│
//	│    /rpc/view        - Membership views  │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Registry   - Session servers         │
//	│    Container  - Election and views      │
//	│    Queue      - Change feed (Redis)     │
//	└─────────────────────────────────────────┘
//
// Configuration comes from the YAML file named by CONFIG_FILE, a .env file
// and the environment (see internal/config). Without REDIS_URL the node
// runs standalone with in-process lease and change queue.
//
// Example usage:
//
//	NODE_ID=node-1 \
//	NODE_LISTEN=:8081 \
//	NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080 \
//	REDIS_URL=redis://localhost:6379/0 \
//	CONFIG_FILE=node.yaml \
//	./node
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dreamware/sectioning/internal/changes"
	"github.com/dreamware/sectioning/internal/cluster"
	"github.com/dreamware/sectioning/internal/config"
	"github.com/dreamware/sectioning/internal/coordinator"
	"github.com/dreamware/sectioning/internal/logging"
	"github.com/dreamware/sectioning/internal/registry"
	"github.com/dreamware/sectioning/internal/session"
)

// logFatal is a variable to allow mocking fatal exits in tests.
var logFatal = func(format string, args ...any) {
	l := logging.Logger()
	l.Fatal().Msgf(format, args...)
}

// Key prefixes shared with every node of the cluster.
const (
	changePrefix = "sectioning:changes"
	leasePrefix  = "sectioning:master"
)

// Node is the runtime state of one node process.
type Node struct {
	cfg       *config.Config
	registry  *registry.Registry
	container *coordinator.Container
	queue     changes.Queue
	redis     redis.UniversalClient // nil when standalone
	log       zerolog.Logger
}

// NewNode wires the registry and container for cfg. With a Redis URL the
// change queue and master lease are shared through Redis; otherwise both
// live in this process.
func NewNode(ctx context.Context, cfg *config.Config) (*Node, error) {
	var (
		queue  changes.Queue
		lease  coordinator.Lease
		client redis.UniversalClient
	)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: redis url: %v", config.ErrInvalid, err)
		}
		client = redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		queue = changes.NewRedisQueue(client, changePrefix)
		lease = coordinator.NewRedisLease(client, leasePrefix)
	} else {
		queue = changes.NewMemoryQueue()
		lease = coordinator.NewMemoryLease()
	}

	var loader session.Loader
	if cfg.Node.DataDir != "" {
		loader = session.DirLoader(cfg.Node.DataDir)
	}
	reg := registry.New(registry.Options{
		Eligibility:  cfg.Eligibility,
		Properties:   cfg.LockProperties(),
		Loader:       loader,
		Queue:        queue,
		SyncInterval: cfg.Sync.Interval,

		// Neither snapshot files nor an absent loader contain published
		// changes, so every load replays them.
		ReplayChanges: true,
	})
	return &Node{
		cfg:       cfg,
		registry:  reg,
		container: coordinator.NewContainer(cfg.Node.ID, reg, lease, cfg.Cluster.LeaseTTL),
		queue:     queue,
		redis:     client,
		log:       logging.For("node").With().Str("node", cfg.Node.ID).Logger(),
	}, nil
}

// Start loads the configured sessions. Ineligible sessions are skipped; a
// session that fails to load is an error.
func (n *Node) Start(ctx context.Context) error {
	if err := n.registry.LoadAll(ctx, n.cfg.Sessions); err != nil {
		return err
	}
	n.log.Info().Int("configured", len(n.cfg.Sessions)).Ints64("loaded", n.registry.SessionIDs()).Msg("sessions loaded")
	return nil
}

// Close unloads every session and drops the Redis connection.
func (n *Node) Close() {
	n.registry.UnloadAll()
	if n.redis != nil {
		_ = n.redis.Close()
	}
}

// Routes returns the node's HTTP API.
func (n *Node) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /info", n.handleInfo)
	cluster.NewHandler(n.container).Register(mux)
	return mux
}

// nodeInfo is the body of GET /info.
type nodeInfo struct {
	NodeID   string          `json:"node_id"`
	View     uint64          `json:"view"`
	Merges   uint64          `json:"merges"`
	Sessions []session.Stats `json:"sessions"`
}

func (n *Node) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := nodeInfo{
		NodeID:   n.cfg.Node.ID,
		View:     n.container.LastView(),
		Merges:   n.container.Merges(),
		Sessions: []session.Stats{},
	}
	for _, srv := range n.registry.Servers() {
		stats, err := srv.Stats(r.Context())
		if err != nil {
			continue
		}
		info.Sessions = append(info.Sessions, stats)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

// register announces the node to the coordinator, retrying while the
// coordinator starts up. The coordinator answers by broadcasting a view.
func register(ctx context.Context, coord, id, addr string, attempts int, delay time.Duration) error {
	log := logging.For("node")
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: id, Addr: addr}}
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/register", body, nil)
		if lastErr == nil {
			log.Info().Str("coordinator", coord).Msg("registered with coordinator")
			return nil
		}
		log.Warn().Err(lastErr).Int("attempt", i+1).Msg("register retry")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("failed to register with coordinator: %w", lastErr)
}

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logFatal("config: %v", err)
		return
	}
	if err := logging.Init(cfg.Log); err != nil {
		logFatal("logging: %v", err)
		return
	}
	log := logging.For("node")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := NewNode(ctx, cfg)
	if err != nil {
		logFatal("node: %v", err)
		return
	}
	defer node.Close()
	if err := node.Start(ctx); err != nil {
		logFatal("load sessions: %v", err)
		return
	}

	s := &http.Server{
		Addr:              cfg.Node.Listen,
		Handler:           node.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("listen", cfg.Node.Listen).Str("public", cfg.Node.PublicAddr).Msg("node listening")
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal("listen: %v", err)
		}
	}()

	electionDone := make(chan struct{})
	go func() {
		defer close(electionDone)
		node.container.Run(ctx)
	}()

	if cfg.Coordinator.Addr != "" {
		if err := register(ctx, cfg.Coordinator.Addr, cfg.Node.ID, cfg.Node.PublicAddr, 10, 400*time.Millisecond); err != nil {
			logFatal("%v", err)
			return
		}
	} else {
		log.Info().Msg("no coordinator configured, running standalone")
	}

	<-ctx.Done()
	<-electionDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("node stopped")
}
