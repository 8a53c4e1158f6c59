// Package coordinator implements cluster coordination: who is a member,
// which node masters each academic session, and where an operation on a
// session should run.
//
// # Overview
//
// Every node loads its own copy of each eligible session. Exactly one node
// at a time may mutate a session authoritatively: the holder of the
// session's master lease. The coordinator process tracks membership and
// routes operations; the nodes elect masters among themselves through the
// lease.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│         COORDINATOR                 │
//	│  Membership    - member list, views │
//	│  HealthMonitor - probes, recovery   │
//	│  Dispatcher    - target selection   │
//	└──────────────────┬──────────────────┘
//	                   │ views, invocations
//	┌──────────────────▼──────────────────┐
//	│         NODE                        │
//	│  Container     - election, merges   │
//	│  Registry      - session servers    │
//	└──────────────────┬──────────────────┘
//	                   │ SET NX PX / renew
//	            ┌──────▼──────┐
//	            │ Lease store │ (Redis, or memory for one process)
//	            └─────────────┘
//
// # Master Election
//
// Each node's Container runs an election round every TTL/3. For every
// loaded session it takes the lease if it is free or extends it if the node
// already holds it. A node whose lease check fails demotes itself, so a
// node cut off from the lease store stops mutating within one round.
//
// # Merge Handling
//
// When a member that had been unreachable is seen again the coordinator
// broadcasts a merge view. On a merge every node resets the sessions it
// masters: they stop serving (session.ErrNotReady), are flagged for reload
// and their lease is released. The next election round picks one master per
// session and reloads the reset stores, so two partitions can never keep
// diverged masters.
//
// # Request Routing
//
// The Dispatcher asks the members which of them host and master a session.
// Operations flagged master-only in the session package's catalogue go to
// the master; all others rotate over the slaves, or go to the only node
// hosting the session. Routing and transport failures are logged and
// returned to the caller; since the target never ran the operation, no
// store is left half-mutated.
package coordinator
