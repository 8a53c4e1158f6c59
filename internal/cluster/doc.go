// Package cluster defines how the processes of a deployment talk to each
// other: membership views, the internal RPC used to reach a session hosted
// on another node, and the JSON-over-HTTP helpers underneath.
//
// # Overview
//
// Every node loads a copy of each eligible academic session. For each
// session one node holds the master lease and alone runs operations that
// mutate authoritative state; the others serve reads. The coordinator keeps
// the member list and routes operations to the right node.
//
//	             ┌──────────────┐
//	             │ Coordinator  │
//	             │ - Members    │
//	             │ - Health Mon │
//	             │ - Dispatch   │
//	             └──────┬───────┘
//	                    │ /rpc/*
//	     ┌──────────────┼──────────────┐
//	┌────▼─────┐   ┌────▼─────┐   ┌────▼─────┐
//	│  Node 1  │   │  Node 2  │   │  Node 3  │
//	│ S1 (M)   │   │ S1       │   │ S1       │
//	│ S2       │   │ S2 (M)   │   │ S2       │
//	└──────────┘   └──────────┘   └──────────┘
//
// # Communication Protocol
//
// Nodes serve four routes:
//
//	POST /rpc/has-master  HasMasterRequest -> HasMasterResponse
//	POST /rpc/invoke      InvokeRequest    -> InvokeResponse
//	GET  /rpc/solvers                      -> SolversResponse
//	POST /rpc/view        View             -> 204
//
// Invocations name an operation from the session package's catalogue and
// carry typed, JSON-encoded arguments. Dispatch decodes them and calls the
// matching method of session.Operations; Client does the reverse, so a
// remote session satisfies the same interface as a local one.
//
// # Failure Handling
//
// Transport failures and unexpected statuses wrap ErrRemote. Failures of the
// operation itself travel as an ErrorCode and are rebuilt on the calling
// side around the original sentinel (session.ErrNotReady,
// storage.ErrRequestNotFound, lockset.ErrAcquire, ...), so callers match
// them with errors.Is regardless of where the operation ran.
package cluster
