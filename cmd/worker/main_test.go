package main

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/fishtank/internal/cluster"
	"github.com/dreamware/fishtank/internal/config"
	"github.com/dreamware/fishtank/internal/sim"
	"github.com/dreamware/fishtank/internal/tank"
)

// stubCoordinator fails the first failJoins joins with 503, then serves a
// one-particle tank for worker w1 until removed is set.
type stubCoordinator struct {
	failJoins int32
	joins     atomic.Int32
	removed   atomic.Bool

	mu        sync.Mutex
	leaves    []string
	published int
	particle  tank.Particle
}

func newStub(failJoins int32) *stubCoordinator {
	return &stubCoordinator{
		failJoins: failJoins,
		particle: tank.Particle{
			ID:       "p1",
			Position: tank.Vec3{100, 100, 100},
			Velocity: tank.Vec3{10, 0, 0},
			OwnerID:  "w1",
			Version:  1,
		},
	}
}

func (s *stubCoordinator) handler() http.Handler {
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	gone := func(w http.ResponseWriter) bool {
		if s.removed.Load() {
			writeJSON(w, http.StatusNotFound, cluster.ErrorResponse{Error: "worker not found"})
			return true
		}
		return false
	}
	region := tank.Region{EndX: 600, EndY: 600, EndZ: 600, ClosedX: true}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /join", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.JoinRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if s.joins.Add(1) <= s.failJoins {
			writeJSON(w, http.StatusServiceUnavailable, cluster.ErrorResponse{Error: "starting"})
			return
		}
		if req.WorkerID == "bad" {
			writeJSON(w, http.StatusBadRequest, cluster.ErrorResponse{Error: "invalid worker id"})
			return
		}
		writeJSON(w, http.StatusOK, tank.Worker{ID: req.WorkerID, Region: region, OwnedParticleIDs: []string{"p1"}})
	})
	mux.HandleFunc("POST /leave", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.LeaveRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.leaves = append(s.leaves, req.WorkerID)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /tank", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, tank.DefaultConfig())
	})
	mux.HandleFunc("GET /workers/{id}", func(w http.ResponseWriter, r *http.Request) {
		if gone(w) {
			return
		}
		writeJSON(w, http.StatusOK, tank.Worker{ID: r.PathValue("id"), Region: region, OwnedParticleIDs: []string{"p1"}})
	})
	mux.HandleFunc("GET /workers/{id}/particles", func(w http.ResponseWriter, r *http.Request) {
		if gone(w) {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		writeJSON(w, http.StatusOK, []tank.Particle{s.particle})
	})
	mux.HandleFunc("PUT /particles/{id}", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.UpdateParticleRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		defer s.mu.Unlock()
		if req.Particle.Version != s.particle.Version {
			writeJSON(w, http.StatusConflict, cluster.ErrorResponse{Error: "ownership conflict"})
			return
		}
		s.particle.Position = req.Particle.Position
		s.particle.Velocity = req.Particle.Velocity
		s.particle.Version++
		s.published++
		writeJSON(w, http.StatusOK, s.particle)
	})
	mux.HandleFunc("POST /workers/{id}/scan", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cluster.ScanResponse{})
	})
	return mux
}

func (s *stubCoordinator) leftWith() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.leaves...)
}

// TestJoin tests the join retry policy
func TestJoin(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		failJoins int32
		attempts  uint
		wantErr   bool
		wantJoins int32
	}{
		{name: "first try", id: "w1", attempts: 3, wantJoins: 1},
		{name: "retries through failures", id: "w1", failJoins: 2, attempts: 5, wantJoins: 3},
		{name: "gives up after attempts", id: "w1", failJoins: 10, attempts: 2, wantErr: true, wantJoins: 2},
		{name: "client error is final", id: "bad", attempts: 5, wantErr: true, wantJoins: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := newStub(tt.failJoins)
			ts := httptest.NewServer(stub.handler())
			defer ts.Close()

			w, err := join(context.Background(), cluster.NewClient(ts.URL), tt.id, tt.attempts, zerolog.Nop())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.id, w.ID)
			}
			assert.Equal(t, tt.wantJoins, stub.joins.Load())
		})
	}
}

// TestJoinCanceled tests that a canceled context stops the retries
func TestJoinCanceled(t *testing.T) {
	stub := newStub(100)
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := join(ctx, cluster.NewClient(ts.URL), "w1", 100, zerolog.Nop())
	assert.Error(t, err)
	assert.Less(t, stub.joins.Load(), int32(100))
}

// TestHandleInfo tests the info endpoint
func TestHandleInfo(t *testing.T) {
	stub := newStub(0)
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	client := cluster.NewClient(ts.URL)
	integ := sim.NewIntegrator("w1", client, tank.DefaultConfig(), rand.New(rand.NewSource(1)))
	_, err := integ.Tick(context.Background())
	require.NoError(t, err)

	h := routes(client, integ)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var info infoResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "w1", info.WorkerID)
	assert.Equal(t, 1, info.Owned)
	assert.Equal(t, 600.0, info.Region.EndX)
	assert.Equal(t, uint64(1), info.Stats.Ticks)
	assert.Equal(t, uint64(1), info.Stats.Published)

	stub.removed.Store(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func workerConfig(url string) config.WorkerConfig {
	return config.WorkerConfig{
		WorkerID:       "w1",
		Listen:         "127.0.0.1:0",
		CoordinatorURL: url,
		TickInterval:   10 * time.Millisecond,
		JoinAttempts:   3,
	}
}

// TestRunStopsOnCancel tests a full worker lifecycle ending in a leave
func TestRunStopsOnCancel(t *testing.T) {
	stub := newStub(1)
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, workerConfig(ts.URL), zerolog.Nop()) }()

	require.Eventually(t, func() bool {
		stub.mu.Lock()
		defer stub.mu.Unlock()
		return stub.published >= 3
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.Equal(t, []string{"w1"}, stub.leftWith())

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Greater(t, stub.particle.Position[0], 100.0, "the fish swam in +x")
}

// TestRunStopsWhenRemoved tests that the worker exits once the coordinator
// forgets it
func TestRunStopsWhenRemoved(t *testing.T) {
	stub := newStub(0)
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	done := make(chan error, 1)
	go func() { done <- run(context.Background(), workerConfig(ts.URL), zerolog.Nop()) }()

	time.Sleep(50 * time.Millisecond)
	stub.removed.Store(true)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after removal")
	}
}

// TestRunJoinFailure tests that run reports an unreachable coordinator
func TestRunJoinFailure(t *testing.T) {
	cfg := workerConfig("http://127.0.0.1:1")
	cfg.JoinAttempts = 1
	err := run(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
