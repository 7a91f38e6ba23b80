package tank

import (
	"errors"
	"fmt"
)

// Config holds the simulation constants fixed at start.
type Config struct {
	Bounds Bounds `json:"bounds" yaml:"bounds"`

	// NumParticles is the population created at bootstrap.
	NumParticles int `json:"numParticles" yaml:"numParticles"`

	// CollisionRadius is the center distance below which two particles collide.
	CollisionRadius float64 `json:"collisionRadius" yaml:"collisionRadius"`

	// TickDuration is the simulated time advanced by one tick, in seconds.
	// It is a constant, not derived from the wall clock.
	TickDuration float64 `json:"tickDuration" yaml:"tickDuration"`
}

// DefaultConfig is a 600 unit cube holding 20 fish.
func DefaultConfig() Config {
	return Config{
		Bounds:          Bounds{Width: 600, Height: 600, Depth: 600},
		NumParticles:    20,
		CollisionRadius: 20,
		TickDuration:    0.1,
	}
}

// Validate checks every constant.
func (c Config) Validate() error {
	if err := c.Bounds.Validate(); err != nil {
		return err
	}
	if c.NumParticles < 0 {
		return fmt.Errorf("particle count must not be negative, got %d", c.NumParticles)
	}
	if c.CollisionRadius < 0 {
		return fmt.Errorf("collision radius must not be negative, got %g", c.CollisionRadius)
	}
	if c.TickDuration <= 0 {
		return errors.New("tick duration must be positive")
	}
	return nil
}
