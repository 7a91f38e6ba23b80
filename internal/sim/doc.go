// Package sim is the worker side of the fish tank: the per-tick integration
// of the particles a worker owns and the loop that schedules it.
//
// A tick is read, step, publish, scan. Step is pure and deterministic for a
// given random source. Publishing is version guarded, so a publish for a
// particle that was handed to another worker mid-tick is rejected and
// dropped; the next tick simply reads the new owned set.
package sim
