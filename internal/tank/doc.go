// Package tank defines the shared vocabulary of the fish tank simulation: the
// tank bounds, the per-worker slab regions, and the Particle and Worker records
// held by the state store.
//
// The tank is split along X only. A Region is half-open on its far X edge
// except for the slab that touches the far wall, which is closed, so every
// point of [0, Width] belongs to exactly one slab and a point sitting on a
// shared edge belongs to the slab to its right.
//
// The domain errors declared here are what callers compare against with
// errors.Is, whichever transport or store produced them.
package tank
