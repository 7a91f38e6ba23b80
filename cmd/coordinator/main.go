package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/fishtank/internal/cluster"
	"github.com/dreamware/fishtank/internal/config"
	"github.com/dreamware/fishtank/internal/coordinator"
	"github.com/dreamware/fishtank/internal/storage"
	"github.com/dreamware/fishtank/internal/tank"
)

func main() {
	cfg, err := config.LoadCoordinator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := config.Logger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("coordinator failed")
	}
	logger.Info().Msg("coordinator stopped")
}

// run serves the coordinator until ctx is canceled.
func run(ctx context.Context, cfg config.CoordinatorConfig, logger zerolog.Logger) error {
	tankCfg, err := cfg.Tank()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	coord := coordinator.New(store, tankCfg, logger)
	if _, err := coord.Bootstrap(ctx, rand.New(rand.NewSource(time.Now().UnixNano()))); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	srv := newServer(coord, logger, cfg.SnapshotInterval)
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Str("store", cfg.StoreDriver).Msg("coordinator listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return coord.RunSweeper(ctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		return coord.RunLiveness(ctx, livenessInterval(cfg.WorkerTimeout), cfg.WorkerTimeout)
	})
	return g.Wait()
}

func openStore(cfg config.CoordinatorConfig) (storage.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		return storage.OpenSQLite(cfg.SQLitePath)
	default:
		return storage.NewMemoryStore(), nil
	}
}

// livenessInterval checks a few times per timeout so expiry lags by at most
// a quarter of it.
func livenessInterval(timeout time.Duration) time.Duration {
	if d := timeout / 4; d > 0 {
		return d
	}
	return timeout
}

type server struct {
	coord            *coordinator.Coordinator
	logger           zerolog.Logger
	snapshotInterval time.Duration
	upgrader         websocket.Upgrader
}

func newServer(coord *coordinator.Coordinator, logger zerolog.Logger, snapshotInterval time.Duration) *server {
	return &server{
		coord:            coord,
		logger:           logger,
		snapshotInterval: snapshotInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /join", s.handleJoin)
	mux.HandleFunc("POST /leave", s.handleLeave)
	mux.HandleFunc("PUT /particles/{id}", s.handleUpdateParticle)
	mux.HandleFunc("POST /out-of-bounds", s.handleOutOfBounds)
	mux.HandleFunc("POST /workers/{id}/scan", s.handleScan)
	mux.HandleFunc("GET /workers", s.handleListWorkers)
	mux.HandleFunc("GET /workers/{id}", s.handleGetWorker)
	mux.HandleFunc("GET /workers/{id}/particles", s.handleOwnedParticles)
	mux.HandleFunc("GET /tank", s.handleTank)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /snapshot/stream", s.handleSnapshotStream)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, cluster.ErrorResponse{Error: msg})
}

// writeDomainError maps coordinator errors onto status codes.
func (s *server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tank.ErrOwnershipConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, tank.ErrWorkerNotFound), errors.Is(err, tank.ErrParticleNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, coordinator.ErrInvalidUpdate), errors.Is(err, coordinator.ErrInvalidWorkerID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request canceled")
	default:
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req cluster.JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "missing workerId")
		return
	}
	worker, _, err := s.coord.Join(r.Context(), req.WorkerID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req cluster.LeaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if _, err := s.coord.Leave(r.Context(), req.WorkerID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleUpdateParticle(w http.ResponseWriter, r *http.Request) {
	var req cluster.UpdateParticleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	id := r.PathValue("id")
	if req.Particle.ID == "" {
		req.Particle.ID = id
	}
	if req.Particle.ID != id {
		writeError(w, http.StatusBadRequest, "particle id does not match path")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "missing workerId")
		return
	}
	stored, err := s.coord.UpdateParticle(r.Context(), req.WorkerID, req.Particle)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *server) handleOutOfBounds(w http.ResponseWriter, r *http.Request) {
	var req cluster.OutOfBoundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	moves, err := s.coord.ReportOutOfBounds(r.Context(), req.WorkerID, req.Region)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster.ScanResponse{Reassigned: len(moves)})
}

func (s *server) handleScan(w http.ResponseWriter, r *http.Request) {
	moves, err := s.coord.ScanWorker(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster.ScanResponse{Reassigned: len(moves)})
}

func (s *server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.coord.Workers(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Workers []tank.Worker `json:"workers"`
	}{Workers: workers})
}

func (s *server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.coord.Worker(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *server) handleOwnedParticles(w http.ResponseWriter, r *http.Request) {
	particles, err := s.coord.OwnedParticles(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, particles)
}

func (s *server) handleTank(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Config())
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.coord.Stats(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) snapshot(ctx context.Context) ([]cluster.FeedEntry, error) {
	particles, err := s.coord.Particles(ctx)
	if err != nil {
		return nil, err
	}
	return cluster.Feed(particles), nil
}

func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	feed, err := s.snapshot(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

// handleSnapshotStream pushes the feed over a websocket every snapshot
// interval until the client goes away.
func (s *server) handleSnapshotStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads only detect the close; the stream is one way.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()
	for {
		feed, err := s.snapshot(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("snapshot for stream")
			}
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(feed); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
