// Package main implements the sectioning coordinator. It keeps the member
// list of the cluster, broadcasts membership views to the nodes and routes
// session operations to the node that should run them.
//
// Endpoints:
//
//	POST /register                 - node registration
//	GET  /nodes                    - known nodes and their health
//	GET  /view                     - current membership view
//	GET  /solvers                  - sessions loaded anywhere in the cluster
//	GET  /sessions/{id}/placement  - master and slaves of a session
//	POST /sessions/{id}/invoke     - run a session operation
//	GET  /health                   - liveness
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/sectioning/internal/cluster"
	"github.com/dreamware/sectioning/internal/config"
	"github.com/dreamware/sectioning/internal/coordinator"
	"github.com/dreamware/sectioning/internal/logging"
)

// logFatal is a variable to allow mocking fatal exits in tests.
var logFatal = func(format string, args ...any) {
	l := logging.Logger()
	l.Fatal().Msgf(format, args...)
}

// coordinatorNode is the node name reported in responses the coordinator
// produces itself.
const coordinatorNode = "coordinator"

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
	log := logging.For("coordinator")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := newServer(cfg.Coordinator.HealthInterval)
	go srv.monitor.Start(ctx, srv.members.All)

	httpSrv := &http.Server{
		Addr:              cfg.Coordinator.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("listen", cfg.Coordinator.Listen).Msg("coordinator listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal("listen: %v", err)
		}
	}()

	<-ctx.Done()
	srv.monitor.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Info().Msg("coordinator stopped")
}

type server struct {
	members    *coordinator.Membership
	dispatcher *coordinator.Dispatcher
	monitor    *coordinator.HealthMonitor
	log        zerolog.Logger
}

func newServer(healthInterval time.Duration) *server {
	if healthInterval <= 0 {
		healthInterval = config.DefaultHealthInterval
	}
	members := coordinator.NewMembership()
	s := &server{
		members:    members,
		dispatcher: coordinator.NewDispatcher(members),
		monitor:    coordinator.NewHealthMonitor(healthInterval),
		log:        logging.For("coordinator"),
	}
	s.monitor.SetOnUnhealthy(s.markNodeUnhealthy)
	s.monitor.SetOnRecovered(s.markNodeRecovered)
	return s
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /view", s.handleView)
	mux.HandleFunc("GET /solvers", s.handleSolvers)
	mux.HandleFunc("GET /sessions/{id}/placement", s.handlePlacement)
	mux.HandleFunc("POST /sessions/{id}/invoke", s.handleInvoke)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// broadcast sends v to its members without tying delivery to a request.
func (s *server) broadcast(v cluster.View) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	s.dispatcher.Broadcast(ctx, v)
}

// markNodeUnhealthy drops the node from the view and tells the others.
func (s *server) markNodeUnhealthy(nodeID string) {
	v, changed := s.members.MarkDown(nodeID)
	if !changed {
		return
	}
	s.log.Warn().Str("node", nodeID).Uint64("view", v.ID).Msg("node marked down")
	s.broadcast(v)
}

// markNodeRecovered readmits the node; the resulting merge view makes every
// member reset the sessions it masters.
func (s *server) markNodeRecovered(nodeID string) {
	v, changed := s.members.MarkUp(nodeID)
	if !changed {
		return
	}
	s.log.Warn().Str("node", nodeID).Uint64("view", v.ID).Msg("node rejoined, merging")
	s.broadcast(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	v, err := s.members.Register(req.Node)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.log.Info().Str("node", req.Node.ID).Str("addr", req.Node.Addr).Uint64("view", v.ID).Bool("merge", v.Merge).Msg("node registered")
	s.broadcast(v)
	writeJSON(w, http.StatusOK, v)
}

type nodeStatus struct {
	cluster.NodeInfo
	Down   bool   `json:"down"`
	Health string `json:"health,omitempty"`
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	all := s.members.All()
	out := make([]nodeStatus, 0, len(all))
	for _, n := range all {
		st := nodeStatus{NodeInfo: n, Down: s.members.IsDown(n.ID)}
		if h := s.monitor.GetNodeHealth(n.ID); h != nil {
			st.Health = h.Status
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, struct {
		Nodes []nodeStatus `json:"nodes"`
	}{Nodes: out})
}

func (s *server) handleView(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.members.View())
}

func (s *server) handleSolvers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cluster.SolversResponse{Node: coordinatorNode, Sessions: s.dispatcher.Solvers(r.Context())})
}

func sessionID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil
}

func (s *server) handlePlacement(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.dispatcher.Locate(r.Context(), id))
}

// routingCode maps dispatcher failures onto the wire error codes clients
// already understand.
func routingCode(err error) cluster.ErrorCode {
	switch {
	case errors.Is(err, coordinator.ErrNoMaster):
		return cluster.CodeNotMaster
	case errors.Is(err, coordinator.ErrNoNode):
		return cluster.CodeNotLoaded
	default:
		return cluster.CodeOf(err)
	}
}

func (s *server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	fail := func(err error) {
		code := routingCode(err)
		writeJSON(w, cluster.StatusOf(code), cluster.InvokeResponse{Node: coordinatorNode, Error: err.Error(), Code: code})
	}

	id, ok := sessionID(r)
	if !ok {
		fail(cluster.ErrBadRequest)
		return
	}
	var req cluster.InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(cluster.ErrBadRequest)
		return
	}
	req.Session = id

	resp, err := s.dispatcher.Invoke(r.Context(), req)
	if err != nil {
		fail(err)
		return
	}
	writeJSON(w, cluster.StatusOf(resp.Code), resp)
}
