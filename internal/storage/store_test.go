package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/fishtank/internal/tank"
)

// backends returns a constructor per Store implementation so every contract
// test runs against both.
func backends() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func particleAt(id string, x, y, z float64) tank.Particle {
	return tank.Particle{
		ID:       id,
		Position: tank.Vec3{x, y, z},
		Velocity: tank.Vec3{1, 2, 3},
		Mass:     5,
		Radius:   20,
	}
}

// TestStoreParticles tests particle record operations
func TestStoreParticles(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("new store is empty", func(t *testing.T) {
				store := open(t)

				particles, err := store.ListParticles(ctx)
				require.NoError(t, err)
				assert.Empty(t, particles)

				_, err = store.GetParticle(ctx, "nonexistent")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("insert and get", func(t *testing.T) {
				store := open(t)

				require.NoError(t, store.InsertParticle(ctx, particleAt("p1", 10, 20, 30)))

				got, err := store.GetParticle(ctx, "p1")
				require.NoError(t, err)
				assert.Equal(t, tank.Vec3{10, 20, 30}, got.Position)
				assert.Equal(t, tank.Vec3{1, 2, 3}, got.Velocity)
				assert.Equal(t, uint64(0), got.Version)
				assert.Equal(t, tank.Unowned, got.OwnerID)
				assert.False(t, got.CreateTime.IsZero())
			})

			t.Run("duplicate insert", func(t *testing.T) {
				store := open(t)

				require.NoError(t, store.InsertParticle(ctx, particleAt("p1", 0, 0, 0)))
				err := store.InsertParticle(ctx, particleAt("p1", 1, 1, 1))
				assert.ErrorIs(t, err, ErrAlreadyExists)

				got, err := store.GetParticle(ctx, "p1")
				require.NoError(t, err)
				assert.Equal(t, tank.Vec3{0, 0, 0}, got.Position, "stored copy is unchanged")
			})

			t.Run("list is ordered by id", func(t *testing.T) {
				store := open(t)

				for _, id := range []string{"c", "a", "b"} {
					require.NoError(t, store.InsertParticle(ctx, particleAt(id, 0, 0, 0)))
				}

				particles, err := store.ListParticles(ctx)
				require.NoError(t, err)
				ids := make([]string, 0, len(particles))
				for _, p := range particles {
					ids = append(ids, p.ID)
				}
				assert.Equal(t, []string{"a", "b", "c"}, ids)
			})

			t.Run("owned by", func(t *testing.T) {
				store := open(t)

				a := particleAt("a", 0, 0, 0)
				a.OwnerID = "w1"
				b := particleAt("b", 0, 0, 0)
				b.OwnerID = "w2"
				require.NoError(t, store.InsertParticle(ctx, a))
				require.NoError(t, store.InsertParticle(ctx, b))
				require.NoError(t, store.InsertParticle(ctx, particleAt("c", 0, 0, 0)))

				owned, err := store.ParticlesOwnedBy(ctx, "w1")
				require.NoError(t, err)
				require.Len(t, owned, 1)
				assert.Equal(t, "a", owned[0].ID)

				unowned, err := store.ParticlesOwnedBy(ctx, tank.Unowned)
				require.NoError(t, err)
				require.Len(t, unowned, 1)
				assert.Equal(t, "c", unowned[0].ID)
			})

			t.Run("in region honours half-open slabs", func(t *testing.T) {
				store := open(t)

				require.NoError(t, store.InsertParticle(ctx, particleAt("left-edge", 0, 10, 10)))
				require.NoError(t, store.InsertParticle(ctx, particleAt("inside", 150, 10, 10)))
				require.NoError(t, store.InsertParticle(ctx, particleAt("right-edge", 300, 10, 10)))
				require.NoError(t, store.InsertParticle(ctx, particleAt("far-wall", 600, 600, 600)))

				left := tank.Region{StartX: 0, EndX: 300, EndY: 600, EndZ: 600}
				got, err := store.ParticlesInRegion(ctx, left)
				require.NoError(t, err)
				assert.Equal(t, []string{"inside", "left-edge"}, particleIDs(got))

				right := tank.Region{StartX: 300, EndX: 600, EndY: 600, EndZ: 600, ClosedX: true}
				got, err = store.ParticlesInRegion(ctx, right)
				require.NoError(t, err)
				assert.Equal(t, []string{"far-wall", "right-edge"}, particleIDs(got))
			})
		})
	}
}

// TestStoreCompareAndSwapParticle tests version-guarded particle writes
func TestStoreCompareAndSwapParticle(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("matching version bumps", func(t *testing.T) {
				store := open(t)
				require.NoError(t, store.InsertParticle(ctx, particleAt("p1", 0, 0, 0)))

				p, err := store.GetParticle(ctx, "p1")
				require.NoError(t, err)
				p.Position = tank.Vec3{5, 5, 5}

				stored, err := store.CompareAndSwapParticle(ctx, p)
				require.NoError(t, err)
				assert.Equal(t, uint64(1), stored.Version)
				assert.Equal(t, tank.Vec3{5, 5, 5}, stored.Position)

				got, err := store.GetParticle(ctx, "p1")
				require.NoError(t, err)
				assert.Equal(t, uint64(1), got.Version)
				assert.Equal(t, tank.Vec3{5, 5, 5}, got.Position)
				assert.Equal(t, p.CreateTime.UnixMilli(), got.CreateTime.UnixMilli())
			})

			t.Run("stale version is rejected", func(t *testing.T) {
				store := open(t)
				require.NoError(t, store.InsertParticle(ctx, particleAt("p1", 0, 0, 0)))

				first, err := store.GetParticle(ctx, "p1")
				require.NoError(t, err)
				second := first

				first.OwnerID = "w2"
				_, err = store.CompareAndSwapParticle(ctx, first)
				require.NoError(t, err)

				second.Position = tank.Vec3{9, 9, 9}
				_, err = store.CompareAndSwapParticle(ctx, second)
				assert.ErrorIs(t, err, ErrVersionConflict)

				got, err := store.GetParticle(ctx, "p1")
				require.NoError(t, err)
				assert.Equal(t, "w2", got.OwnerID)
				assert.Equal(t, tank.Vec3{0, 0, 0}, got.Position, "stale write must not land")
			})

			t.Run("missing particle", func(t *testing.T) {
				store := open(t)
				_, err := store.CompareAndSwapParticle(ctx, particleAt("ghost", 0, 0, 0))
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("concurrent writers, one winner per version", func(t *testing.T) {
				store := open(t)
				require.NoError(t, store.InsertParticle(ctx, particleAt("p1", 0, 0, 0)))
				base, err := store.GetParticle(ctx, "p1")
				require.NoError(t, err)

				var wins, conflicts atomic.Int32
				var wg sync.WaitGroup
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						p := base
						p.Position = tank.Vec3{float64(i), 0, 0}
						_, err := store.CompareAndSwapParticle(ctx, p)
						switch {
						case err == nil:
							wins.Add(1)
						case errors.Is(err, ErrVersionConflict):
							conflicts.Add(1)
						default:
							t.Errorf("unexpected error: %v", err)
						}
					}(i)
				}
				wg.Wait()

				assert.Equal(t, int32(1), wins.Load())
				assert.Equal(t, int32(19), conflicts.Load())
			})
		})
	}
}

// TestStoreWorkers tests worker record operations
func TestStoreWorkers(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("insert assigns join order", func(t *testing.T) {
				store := open(t)

				for _, id := range []string{"w-b", "w-a", "w-c"} {
					_, err := store.InsertWorker(ctx, tank.Worker{ID: id})
					require.NoError(t, err)
				}

				workers, err := store.ListWorkers(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"w-b", "w-a", "w-c"}, workerIDs(workers))
				assert.Less(t, workers[0].Seq, workers[1].Seq)
				assert.Less(t, workers[1].Seq, workers[2].Seq)
			})

			t.Run("duplicate insert", func(t *testing.T) {
				store := open(t)

				_, err := store.InsertWorker(ctx, tank.Worker{ID: "w1"})
				require.NoError(t, err)
				_, err = store.InsertWorker(ctx, tank.Worker{ID: "w1"})
				assert.ErrorIs(t, err, ErrAlreadyExists)

				workers, err := store.ListWorkers(ctx)
				require.NoError(t, err)
				assert.Len(t, workers, 1)
			})

			t.Run("sequence is not reused after delete", func(t *testing.T) {
				store := open(t)

				w1, err := store.InsertWorker(ctx, tank.Worker{ID: "w1"})
				require.NoError(t, err)
				require.NoError(t, store.DeleteWorker(ctx, "w1"))
				w2, err := store.InsertWorker(ctx, tank.Worker{ID: "w2"})
				require.NoError(t, err)
				assert.Greater(t, w2.Seq, w1.Seq)
			})

			t.Run("delete is idempotent", func(t *testing.T) {
				store := open(t)

				assert.NoError(t, store.DeleteWorker(ctx, "nobody"))
				_, err := store.InsertWorker(ctx, tank.Worker{ID: "w1"})
				require.NoError(t, err)
				assert.NoError(t, store.DeleteWorker(ctx, "w1"))
				assert.NoError(t, store.DeleteWorker(ctx, "w1"))

				_, err = store.GetWorker(ctx, "w1")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("compare and swap", func(t *testing.T) {
				store := open(t)

				w, err := store.InsertWorker(ctx, tank.Worker{ID: "w1"})
				require.NoError(t, err)
				stale := w

				w.Region = tank.Region{StartX: 0, EndX: 600, EndY: 600, EndZ: 600, ClosedX: true}
				w.OwnedParticleIDs = []string{"p1", "p2"}
				updated, err := store.CompareAndSwapWorker(ctx, w)
				require.NoError(t, err)
				assert.Equal(t, uint64(1), updated.Version)
				assert.Equal(t, w.Region, updated.Region)
				assert.Equal(t, []string{"p1", "p2"}, updated.OwnedParticleIDs)

				_, err = store.CompareAndSwapWorker(ctx, stale)
				assert.ErrorIs(t, err, ErrVersionConflict)

				_, err = store.CompareAndSwapWorker(ctx, tank.Worker{ID: "ghost"})
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("worker containing", func(t *testing.T) {
				store := open(t)

				regions := map[string]tank.Region{
					"w1": {StartX: 0, EndX: 300, EndY: 600, EndZ: 600},
					"w2": {StartX: 300, EndX: 600, EndY: 600, EndZ: 600, ClosedX: true},
				}
				for _, id := range []string{"w1", "w2"} {
					w, err := store.InsertWorker(ctx, tank.Worker{ID: id})
					require.NoError(t, err)
					w.Region = regions[id]
					_, err = store.CompareAndSwapWorker(ctx, w)
					require.NoError(t, err)
				}

				tests := []struct {
					point tank.Vec3
					want  string
				}{
					{tank.Vec3{0, 0, 0}, "w1"},
					{tank.Vec3{299.99, 10, 10}, "w1"},
					{tank.Vec3{300, 10, 10}, "w2"},
					{tank.Vec3{600, 600, 600}, "w2"},
				}
				for _, tt := range tests {
					w, err := store.WorkerContaining(ctx, tt.point)
					require.NoError(t, err, "point %v", tt.point)
					assert.Equal(t, tt.want, w.ID, "point %v", tt.point)
				}

				_, err := store.WorkerContaining(ctx, tank.Vec3{700, 10, 10})
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("stats", func(t *testing.T) {
				store := open(t)

				owned := particleAt("a", 0, 0, 0)
				owned.OwnerID = "w1"
				require.NoError(t, store.InsertParticle(ctx, owned))
				require.NoError(t, store.InsertParticle(ctx, particleAt("b", 0, 0, 0)))
				_, err := store.InsertWorker(ctx, tank.Worker{ID: "w1"})
				require.NoError(t, err)

				stats, err := store.Stats(ctx)
				require.NoError(t, err)
				assert.Equal(t, StoreStats{Particles: 2, Workers: 1, Unowned: 1}, stats)
			})
		})
	}
}

// TestMemoryStoreReturnsCopies tests that callers cannot mutate stored workers
func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	w, err := store.InsertWorker(ctx, tank.Worker{ID: "w1", OwnedParticleIDs: []string{"p1"}})
	require.NoError(t, err)
	w.OwnedParticleIDs[0] = "mutated"

	got, err := store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, got.OwnedParticleIDs)
}

// TestMemoryStoreClock tests that timestamps come from the injected clock
func TestMemoryStoreClock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	fixed := time.Date(2015, 8, 3, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return fixed })

	require.NoError(t, store.InsertParticle(ctx, particleAt("p1", 0, 0, 0)))
	p, err := store.GetParticle(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, fixed, p.CreateTime)

	later := fixed.Add(time.Second)
	store.SetClock(func() time.Time { return later })
	p, err = store.CompareAndSwapParticle(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, fixed, p.CreateTime)
	assert.Equal(t, later, p.LastUpdateTime)
}

// TestStoreCanceledContext tests that a canceled context is reported
func TestStoreCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := NewMemoryStore()
	_, err := store.ListParticles(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// BenchmarkParticlesInRegion measures the spatial query on a populated store
func BenchmarkParticlesInRegion(b *testing.B) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < 1000; i++ {
		_ = store.InsertParticle(ctx, particleAt(fmt.Sprintf("p%04d", i), float64(i%600), 10, 10))
	}
	region := tank.Region{StartX: 200, EndX: 400, EndY: 600, EndZ: 600}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.ParticlesInRegion(ctx, region)
	}
}

func particleIDs(ps []tank.Particle) []string {
	ids := make([]string, 0, len(ps))
	for _, p := range ps {
		ids = append(ids, p.ID)
	}
	return ids
}

func workerIDs(ws []tank.Worker) []string {
	ids := make([]string, 0, len(ws))
	for _, w := range ws {
		ids = append(ids, w.ID)
	}
	return ids
}
