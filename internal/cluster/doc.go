// Package cluster holds the wire protocol between fish tank workers and the
// coordinator: request and response types, small JSON-over-HTTP helpers and
// the worker-side Client.
//
// # Topology
//
// The coordinator is the hub; workers only ever talk to it:
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │ - regions    │
//	              │ - ownership  │
//	              │ - store      │
//	              └──────┬───────┘
//	                     │ HTTP + JSON
//	      ┌──────────────┼──────────────┐
//	┌─────▼─────┐  ┌─────▼─────┐  ┌─────▼─────┐
//	│ Worker 1  │  │ Worker 2  │  │ Worker 3  │
//	│ [0,200)   │  │ [200,400) │  │ [400,600] │
//	└───────────┘  └───────────┘  └───────────┘
//
// # Protocol
//
//	POST /join               {workerId}            → worker record
//	POST /leave              {workerId}            → 204
//	GET  /workers/{id}/particles                   → owned particles
//	PUT  /particles/{id}     {workerId, particle}  → stored particle
//	POST /workers/{id}/scan                        → {reassigned}
//	POST /out-of-bounds      {workerId, region}    → {reassigned}
//	GET  /snapshot                                 → [{particleId, position, state}]
//
// # Error Handling
//
// Non-2xx responses become *StatusError carrying the server's message. The
// Client maps them back onto domain errors so callers can use errors.Is:
//
//	409 on any route            → tank.ErrOwnershipConflict
//	404 on a particle route     → tank.ErrParticleNotFound
//	404 on a worker route       → tank.ErrWorkerNotFound
//
// A worker's tick loop drops a publish that fails with a conflict and stops
// when its own record is gone.
package cluster
