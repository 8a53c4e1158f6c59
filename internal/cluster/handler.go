package cluster

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dreamware/sectioning/internal/logging"
	"github.com/dreamware/sectioning/internal/session"
)

// Host is the node-side state the RPC handler serves.
type Host interface {
	// NodeID returns this node's id.
	NodeID() string

	// Operations returns the local session able to run op, failing with
	// ErrNotLoaded or, for master-only operations on a slave, ErrNotMaster.
	Operations(sessionID int64, op session.Op) (session.Operations, error)

	// HasMaster reports whether this node loads and masters the session.
	HasMaster(sessionID int64) HasMasterResponse

	// Sessions returns the ids of the sessions loaded here.
	Sessions() []int64

	// ApplyView processes a membership view.
	ApplyView(ctx context.Context, v View) error
}

// Handler serves the internal RPC routes of a node.
type Handler struct {
	host Host
	log  zerolog.Logger
}

// NewHandler returns the RPC handler for host.
func NewHandler(host Host) *Handler {
	return &Handler{host: host, log: logging.For("rpc")}
}

// Register adds the RPC routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /rpc/has-master", h.hasMaster)
	mux.HandleFunc("POST /rpc/invoke", h.invoke)
	mux.HandleFunc("GET /rpc/solvers", h.solvers)
	mux.HandleFunc("POST /rpc/view", h.view)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) hasMaster(w http.ResponseWriter, r *http.Request) {
	var req HasMasterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.host.HasMaster(req.Session))
}

func (h *Handler) solvers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, SolversResponse{Node: h.host.NodeID(), Sessions: h.host.Sessions()})
}

func (h *Handler) view(w http.ResponseWriter, r *http.Request) {
	var v View
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := h.host.ApplyView(r.Context(), v); err != nil {
		h.log.Error().Err(err).Uint64("view", v.ID).Msg("view not applied")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) invoke(w http.ResponseWriter, r *http.Request) {
	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, InvokeResponse{Node: h.host.NodeID(), Error: "bad json", Code: CodeBadRequest})
		return
	}
	resp := Serve(r.Context(), h.host, req)
	writeJSON(w, StatusOf(resp.Code), resp)
}

// Serve runs an invocation against host and packs the outcome.
func Serve(ctx context.Context, host Host, req InvokeRequest) InvokeResponse {
	resp := InvokeResponse{Node: host.NodeID()}
	fail := func(err error) InvokeResponse {
		resp.Error = err.Error()
		resp.Code = CodeOf(err)
		return resp
	}

	ops, err := host.Operations(req.Session, req.Op)
	if err != nil {
		return fail(err)
	}
	result, err := Dispatch(ctx, ops, req.Op, req.Args)
	if err != nil {
		return fail(err)
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fail(err)
		}
		resp.Result = raw
	}
	return resp
}
