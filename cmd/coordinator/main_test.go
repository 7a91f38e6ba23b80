package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/fishtank/internal/cluster"
	"github.com/dreamware/fishtank/internal/config"
	"github.com/dreamware/fishtank/internal/coordinator"
	"github.com/dreamware/fishtank/internal/sim"
	"github.com/dreamware/fishtank/internal/storage"
	"github.com/dreamware/fishtank/internal/tank"
)

// TestOpenStore tests driver selection
func TestOpenStore(t *testing.T) {
	mem, err := openStore(config.CoordinatorConfig{StoreDriver: config.DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStore{}, mem)
	require.NoError(t, mem.Close())

	sqlite, err := openStore(config.CoordinatorConfig{
		StoreDriver: config.DriverSQLite,
		SQLitePath:  filepath.Join(t.TempDir(), "tank.db"),
	})
	require.NoError(t, err)
	require.NoError(t, sqlite.Close())
}

// TestLivenessInterval tests the check cadence derived from the timeout
func TestLivenessInterval(t *testing.T) {
	assert.Equal(t, 2500*time.Millisecond, livenessInterval(10*time.Second))
	assert.Equal(t, 3*time.Nanosecond, livenessInterval(3*time.Nanosecond))
}

// TestRunStopsOnCancel tests that run serves and returns once ctx is done
func TestRunStopsOnCancel(t *testing.T) {
	t.Setenv("COORDINATOR_ADDR", "127.0.0.1:0")
	t.Setenv("STORE_DRIVER", config.DriverSQLite)
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "tank.db"))
	t.Setenv("NUM_PARTICLES", "5")
	cfg, err := config.LoadCoordinator()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zerolog.Nop()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

// TestConcurrentPublishes tests many publishers racing joins through the
// handlers
func TestConcurrentPublishes(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.routes()
	for i := 0; i < 30; i++ {
		placeParticle(t, store, fmt.Sprintf("p%02d", i), float64(i*20))
	}
	do(t, h, http.MethodPost, "/join", cluster.JoinRequest{WorkerID: "w0"})

	var wg sync.WaitGroup
	for i := 1; i <= 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			do(t, h, http.MethodPost, "/join", cluster.JoinRequest{WorkerID: fmt.Sprintf("w%d", id)})
		}(i)
	}
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p, err := store.GetParticle(context.Background(), id)
			if err != nil {
				return
			}
			do(t, h, http.MethodPut, "/particles/"+id, cluster.UpdateParticleRequest{WorkerID: p.OwnerID, Particle: p})
		}(fmt.Sprintf("p%02d", i))
	}
	wg.Wait()

	stats := decode[coordinator.Stats](t, do(t, h, http.MethodGet, "/stats", nil))
	assert.Equal(t, 5, stats.Workers)
	assert.Equal(t, 30, stats.Particles)
	assert.Zero(t, stats.Unowned)

	workers, err := store.ListWorkers(context.Background())
	require.NoError(t, err)
	for _, w := range workers {
		for _, id := range w.OwnedParticleIDs {
			p, err := store.GetParticle(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, w.ID, p.OwnerID)
			assert.True(t, w.Region.Contains(p.Position), "%s at %v outside %s", id, p.Position, w.Region)
		}
	}
}

// TestWorkersOverHTTP runs two simulated workers against the coordinator
// through the HTTP client
func TestWorkersOverHTTP(t *testing.T) {
	store := storage.NewMemoryStore()
	coord := coordinator.New(store, tank.DefaultConfig(), zerolog.Nop())
	_, err := coord.Bootstrap(context.Background(), rand.New(rand.NewSource(7)))
	require.NoError(t, err)

	ts := httptest.NewServer(newServer(coord, zerolog.Nop(), 50*time.Millisecond).routes())
	defer ts.Close()
	client := cluster.NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	tankCfg, err := client.Tank(ctx)
	require.NoError(t, err)

	var integrators []*sim.Integrator
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range []string{"w1", "w2"} {
		_, err := client.Join(ctx, id)
		require.NoError(t, err)

		integ := sim.NewIntegrator(id, client, tankCfg, rand.New(rand.NewSource(int64(i))))
		integrators = append(integrators, integ)
		runner := sim.NewRunner(integ, 10*time.Millisecond, zerolog.Nop())
		g.Go(func() error { return runner.Run(gctx) })
	}
	require.NoError(t, g.Wait())

	for _, integ := range integrators {
		st := integ.Stats()
		assert.Positive(t, st.Ticks, integ.WorkerID())
		assert.Positive(t, st.Published, integ.WorkerID())
	}

	// Settle any hand-off left between a publish and its scan.
	_, err = coord.Sweep(context.Background())
	require.NoError(t, err)

	feed, err := client.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, feed, 20)
	for _, e := range feed {
		assert.Equal(t, cluster.StateOwned, e.State, e.ParticleID)
	}

	require.NoError(t, client.Leave(context.Background(), "w1"))
	owned, err := client.OwnedParticles(context.Background(), "w2")
	require.NoError(t, err)
	assert.Len(t, owned, 20)

	_, err = client.Worker(context.Background(), "w1")
	assert.ErrorIs(t, err, tank.ErrWorkerNotFound)
}
