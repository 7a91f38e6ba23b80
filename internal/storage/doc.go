// Package storage is the authoritative state store of the fish tank: one keyed
// collection of Particle records and one of Worker records, shared by the
// coordinator and, through it, by every worker.
//
// # Overview
//
// Workers never talk to each other. Everything they know about ownership and
// positions they read from here, and everything they compute they write back
// here, so the store is the only shared mutable resource in the system.
//
// # Core Interface
//
// Store: typed record operations
//   - InsertParticle / GetParticle / ListParticles
//   - CompareAndSwapParticle - version-guarded single-record write
//   - ParticlesOwnedBy(workerID) - the owned set a tick integrates
//   - ParticlesInRegion(region) - spatial range query
//   - InsertWorker / GetWorker / DeleteWorker / ListWorkers (join order)
//   - CompareAndSwapWorker - version-guarded region and ownership write
//   - WorkerContaining(point) - which slab holds a position
//
// # Versioning
//
// Every successful write bumps the record's Version by one. A writer passes
// the version it read; if someone else wrote in between, the write fails with
// ErrVersionConflict and nothing changes:
//
//	p, _ := store.GetParticle(ctx, id)
//	p.Position = next
//	if _, err := store.CompareAndSwapParticle(ctx, p); errors.Is(err, storage.ErrVersionConflict) {
//	    // drop it, the next read sees the winner
//	}
//
// # Implementations
//
// MemoryStore: two maps behind a sync.RWMutex
//   - Returns copies, never internal references
//   - Lost on restart
//
// SQLiteStore: modernc.org/sqlite, pure Go
//   - One connection, so each read-compare-write transaction is atomic
//   - Survives restarts; durability beyond that is not a goal
//   - ":memory:" gives a throwaway database for tests
//
// Both return records ordered by id (particles) or join sequence (workers).
package storage
