package sim

import (
	"math"
	"math/rand"

	"github.com/dreamware/fishtank/internal/tank"
)

// Step advances particles by one tick in place and returns the number of
// colliding pairs.
//
// The tick runs in four phases:
//  1. Every pair closer than cfg.CollisionRadius flips the velocity
//     component of one randomly chosen axis on both particles. This is a
//     deliberately crude stand-in for an elastic collision.
//  2. A particle on or past a wall gets the velocity component for that axis
//     pointed back into the tank.
//  3. Explicit Euler: position += velocity * cfg.TickDuration.
//  4. Any overshoot past a wall is mirrored back inside and the position is
//     clamped, so every coordinate stays within [0, extent].
//
// Only Position and Velocity change; Version is left as read so the publish
// can be version guarded.
func Step(particles []tank.Particle, cfg tank.Config, rng *rand.Rand) int {
	collisions := collide(particles, cfg.CollisionRadius, rng)
	for i := range particles {
		p := &particles[i]
		for axis := 0; axis < 3; axis++ {
			ext := cfg.Bounds.Extent(axis)
			reflect(&p.Position[axis], &p.Velocity[axis], ext)
			p.Position[axis] += p.Velocity[axis] * cfg.TickDuration
			contain(&p.Position[axis], &p.Velocity[axis], ext)
		}
	}
	return collisions
}

func collide(particles []tank.Particle, radius float64, rng *rand.Rand) int {
	limit := radius * radius
	count := 0
	for i := 0; i < len(particles); i++ {
		for j := i + 1; j < len(particles); j++ {
			if particles[i].Position.DistanceSq(particles[j].Position) >= limit {
				continue
			}
			axis := rng.Intn(3)
			particles[i].Velocity[axis] = -particles[i].Velocity[axis]
			particles[j].Velocity[axis] = -particles[j].Velocity[axis]
			count++
		}
	}
	return count
}

func reflect(pos, vel *float64, ext float64) {
	if *pos <= 0 {
		*vel = math.Abs(*vel)
	} else if *pos >= ext {
		*vel = -math.Abs(*vel)
	}
}

func contain(pos, vel *float64, ext float64) {
	if *pos < 0 {
		*pos = -*pos
		*vel = math.Abs(*vel)
	} else if *pos > ext {
		*pos = 2*ext - *pos
		*vel = -math.Abs(*vel)
	}
	*pos = math.Max(0, math.Min(ext, *pos))
}
