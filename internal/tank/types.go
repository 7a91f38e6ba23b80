package tank

import (
	"errors"
	"fmt"
	"time"
)

// Unowned is the OwnerID of a particle that no worker is responsible for.
const Unowned = ""

var (
	// ErrWorkerNotFound is returned when a worker record does not exist.
	// A tick loop that observes it treats it as a termination signal.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrParticleNotFound is returned when a particle record does not exist.
	ErrParticleNotFound = errors.New("particle not found")

	// ErrOwnershipConflict is returned when a particle write was based on a
	// stale version or came from a worker that no longer owns the particle.
	// Callers drop the write and re-derive state on their next tick.
	ErrOwnershipConflict = errors.New("ownership conflict")
)

// Vec3 is a point or vector in tank space.
type Vec3 [3]float64

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]}
}

// Scale returns v * k.
func (v Vec3) Scale(k float64) Vec3 {
	return Vec3{v[0] * k, v[1] * k, v[2] * k}
}

// DistanceSq returns the squared euclidean distance between v and o.
func (v Vec3) DistanceSq(o Vec3) float64 {
	dx, dy, dz := v[0]-o[0], v[1]-o[1], v[2]-o[2]
	return dx*dx + dy*dy + dz*dz
}

// Bounds are the extents of the tank. The tank spans [0, Width] x [0, Height] x [0, Depth].
type Bounds struct {
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
	Depth  float64 `json:"depth" yaml:"depth"`
}

// Extent returns the size of the tank along axis (0=x, 1=y, 2=z).
func (b Bounds) Extent(axis int) float64 {
	switch axis {
	case 0:
		return b.Width
	case 1:
		return b.Height
	default:
		return b.Depth
	}
}

// Validate reports whether all extents are positive.
func (b Bounds) Validate() error {
	if b.Width <= 0 || b.Height <= 0 || b.Depth <= 0 {
		return fmt.Errorf("tank extents must be positive, got %gx%gx%g", b.Width, b.Height, b.Depth)
	}
	return nil
}

// Contains reports whether p lies inside the closed tank volume.
func (b Bounds) Contains(p Vec3) bool {
	return p[0] >= 0 && p[0] <= b.Width &&
		p[1] >= 0 && p[1] <= b.Height &&
		p[2] >= 0 && p[2] <= b.Depth
}

// Region is the axis-aligned slab a worker is responsible for.
//
// Along X the slab is half-open, [StartX, EndX), unless ClosedX is set, in
// which case it is [StartX, EndX]. Only the slab touching the far wall of the
// tank is closed, so a point on a shared edge belongs to the higher-index slab.
// Y and Z always span the closed tank extent.
type Region struct {
	StartX  float64 `json:"startX"`
	EndX    float64 `json:"endX"`
	StartY  float64 `json:"startY"`
	EndY    float64 `json:"endY"`
	StartZ  float64 `json:"startZ"`
	EndZ    float64 `json:"endZ"`
	ClosedX bool    `json:"closedX,omitempty"`
}

// IsZero reports whether r is the zero region a freshly joined worker holds.
func (r Region) IsZero() bool {
	return r == Region{}
}

// Contains reports whether p lies inside r.
func (r Region) Contains(p Vec3) bool {
	if p[0] < r.StartX {
		return false
	}
	if r.ClosedX {
		if p[0] > r.EndX {
			return false
		}
	} else if p[0] >= r.EndX {
		return false
	}
	return p[1] >= r.StartY && p[1] <= r.EndY &&
		p[2] >= r.StartZ && p[2] <= r.EndZ
}

// Width returns the X extent of r.
func (r Region) Width() float64 {
	return r.EndX - r.StartX
}

func (r Region) String() string {
	right := ")"
	if r.ClosedX {
		right = "]"
	}
	return fmt.Sprintf("[%g,%g%s", r.StartX, r.EndX, right)
}

// Particle is one simulated fish.
type Particle struct {
	ID             string    `json:"id"`
	Position       Vec3      `json:"position"`
	Velocity       Vec3      `json:"velocity"`
	Mass           float64   `json:"mass"`
	Radius         float64   `json:"radius"`
	OwnerID        string    `json:"ownerId"`
	Version        uint64    `json:"version"`
	CreateTime     time.Time `json:"createTime"`
	LastUpdateTime time.Time `json:"lastUpdateTime"`
}

// Owned reports whether some worker currently owns p.
func (p Particle) Owned() bool {
	return p.OwnerID != Unowned
}

// Worker is a connected simulation worker and the slab it owns.
type Worker struct {
	ID               string    `json:"id"`
	Seq              uint64    `json:"seq"` // join order, assigned by the store
	Region           Region    `json:"region"`
	OwnedParticleIDs []string  `json:"ownedParticleIds"`
	Version          uint64    `json:"version"`
	CreateTime       time.Time `json:"createTime"`
	LastUpdateTime   time.Time `json:"lastUpdateTime"`
}

// Clone returns a deep copy of w.
func (w Worker) Clone() Worker {
	out := w
	if w.OwnedParticleIDs != nil {
		out.OwnedParticleIDs = append([]string(nil), w.OwnedParticleIDs...)
	}
	return out
}
