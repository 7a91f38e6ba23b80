// Package coordinator implements the control plane of the fish tank: worker
// membership, the split of the tank into per-worker slabs, and particle
// ownership as particles move and workers come and go.
//
// # Overview
//
// Workers never talk to each other. Each one reads the particles it owns from
// the coordinator, integrates them, and publishes the results back. The
// coordinator decides who owns what and keeps that decision consistent with
// where particles actually are.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            COORDINATOR              │
//	├─────────────────────────────────────┤
//	│  ┌──────────────────────────────┐   │
//	│  │   Lifecycle Manager          │   │
//	│  │   - join / leave             │   │
//	│  └──────────────┬───────────────┘   │
//	│                 ▼                   │
//	│  ┌──────────────────────────────┐   │
//	│  │   Partition Manager          │   │
//	│  │   - slabs along X            │   │
//	│  │   - full ownership recompute │   │
//	│  └──────────────────────────────┘   │
//	│  ┌──────────────────────────────┐   │
//	│  │   Boundary Monitor           │   │
//	│  │   - escapee hand-off         │   │
//	│  │   - orphan adoption          │   │
//	│  └──────────────────────────────┘   │
//	│  ┌──────────────────────────────┐   │
//	│  │   Liveness Monitor           │   │
//	│  │   - silent worker expiry     │   │
//	│  └──────────────────────────────┘   │
//	└─────────────────┬───────────────────┘
//	                  ▼
//	         storage.Store (CAS)
//
// # Partitioning
//
// With N workers in join order the tank is cut along X at
// edge[i] = Width/N*i, with edge[N] = Width. Worker i owns [edge[i], edge[i+1])
// and the last worker owns [edge[N-1], Width], so a particle on a shared edge
// belongs to the higher-index worker and the far wall is covered. Y and Z are
// never split.
//
// # Ownership Hand-off
//
// Ownership changes in three places:
//   - Rebalance, on every join and leave, gives every particle to the worker
//     whose slab contains it
//   - Scan, after a worker's tick, moves each of its escapees to the slab they
//     are in now
//   - Sweep, periodically, scans all workers and adopts unowned particles
//
// Every ownership change is a compare-and-swap that bumps the particle's
// version. A worker publishes with the version it read, so a publish that
// races with a hand-off is rejected with tank.ErrOwnershipConflict and the
// worker simply picks up the new state on its next tick.
//
// # Concurrency and Synchronization
//
// Topology changes (join, leave, rebalance, scans, sweeps) are serialized by
// the Coordinator's mutex. Particle publishes and reads do not take it.
//
// # Failure Scenarios and Recovery
//
// Worker disappears without leaving:
//   - The liveness monitor sees no requests for WORKER_TIMEOUT
//   - Leave runs once; its particles are released and rebalanced
//   - A later request from the worker gets tank.ErrWorkerNotFound, which its
//     tick loop treats as the signal to stop
//
// Partial rebalance after a store error:
//   - Some particles keep stale owners or end up unowned
//   - The next sweep or rebalance repairs them
//
// # Monitoring and Observability
//
// Metrics (Prometheus, fishtank_ prefix): worker count, rebalances and their
// duration, reassignments by cause, particle publishes by result, expired
// workers. OpenTelemetry spans wrap join, leave, rebalance and scans.
package coordinator
