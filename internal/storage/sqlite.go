package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dreamware/fishtank/internal/tank"
)

const schema = `
CREATE TABLE IF NOT EXISTS particles (
	id         TEXT PRIMARY KEY,
	px         REAL NOT NULL,
	py         REAL NOT NULL,
	pz         REAL NOT NULL,
	vx         REAL NOT NULL,
	vy         REAL NOT NULL,
	vz         REAL NOT NULL,
	mass       REAL NOT NULL,
	radius     REAL NOT NULL,
	owner_id   TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS particles_owner ON particles (owner_id);
CREATE INDEX IF NOT EXISTS particles_px ON particles (px);
CREATE TABLE IF NOT EXISTS workers (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	start_x    REAL NOT NULL DEFAULT 0,
	end_x      REAL NOT NULL DEFAULT 0,
	start_y    REAL NOT NULL DEFAULT 0,
	end_y      REAL NOT NULL DEFAULT 0,
	start_z    REAL NOT NULL DEFAULT 0,
	end_z      REAL NOT NULL DEFAULT 0,
	closed_x   INTEGER NOT NULL DEFAULT 0,
	owned_ids  TEXT NOT NULL DEFAULT '[]',
	version    INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);`

const particleColumns = `id, px, py, pz, vx, vy, vz, mass, radius, owner_id, version, created_at, updated_at`

const workerColumns = `seq, id, start_x, end_x, start_y, end_y, start_z, end_z, closed_x, owned_ids, version, created_at, updated_at`

// SQLiteStore implements Store on a SQLite database.
// A single connection serializes every statement, which is what makes the
// read-compare-write transactions below atomic.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens (or creates) a SQLite store at path and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// SetClock overrides the time source used for record timestamps.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticle(row rowScanner) (tank.Particle, error) {
	var (
		p                tank.Particle
		created, updated int64
	)
	err := row.Scan(&p.ID,
		&p.Position[0], &p.Position[1], &p.Position[2],
		&p.Velocity[0], &p.Velocity[1], &p.Velocity[2],
		&p.Mass, &p.Radius, &p.OwnerID, &p.Version, &created, &updated)
	if err != nil {
		return tank.Particle{}, err
	}
	p.CreateTime = fromMillis(created)
	p.LastUpdateTime = fromMillis(updated)
	return p, nil
}

func scanWorker(row rowScanner) (tank.Worker, error) {
	var (
		w                tank.Worker
		closed           int
		owned            string
		created, updated int64
	)
	err := row.Scan(&w.Seq, &w.ID,
		&w.Region.StartX, &w.Region.EndX,
		&w.Region.StartY, &w.Region.EndY,
		&w.Region.StartZ, &w.Region.EndZ,
		&closed, &owned, &w.Version, &created, &updated)
	if err != nil {
		return tank.Worker{}, err
	}
	w.Region.ClosedX = closed != 0
	if err := json.Unmarshal([]byte(owned), &w.OwnedParticleIDs); err != nil {
		return tank.Worker{}, fmt.Errorf("decode owned ids of worker %s: %w", w.ID, err)
	}
	w.CreateTime = fromMillis(created)
	w.LastUpdateTime = fromMillis(updated)
	return w, nil
}

// InsertParticle inserts a particle row at version 0.
func (s *SQLiteStore) InsertParticle(ctx context.Context, p tank.Particle) error {
	if p.CreateTime.IsZero() {
		p.CreateTime = s.now()
	}
	if p.LastUpdateTime.IsZero() {
		p.LastUpdateTime = p.CreateTime
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO particles (`+particleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		p.ID, p.Position[0], p.Position[1], p.Position[2],
		p.Velocity[0], p.Velocity[1], p.Velocity[2],
		p.Mass, p.Radius, p.OwnerID, p.Version,
		toMillis(p.CreateTime), toMillis(p.LastUpdateTime))
	if err != nil {
		return fmt.Errorf("insert particle %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert particle %s: %w", p.ID, err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetParticle reads one particle row.
func (s *SQLiteStore) GetParticle(ctx context.Context, id string) (tank.Particle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+particleColumns+` FROM particles WHERE id = ?`, id)
	p, err := scanParticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tank.Particle{}, ErrNotFound
	}
	if err != nil {
		return tank.Particle{}, fmt.Errorf("get particle %s: %w", id, err)
	}
	return p, nil
}

// CompareAndSwapParticle updates the row only where the version still matches.
func (s *SQLiteStore) CompareAndSwapParticle(ctx context.Context, p tank.Particle) (tank.Particle, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tank.Particle{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		version uint64
		created int64
	)
	err = tx.QueryRowContext(ctx, `SELECT version, created_at FROM particles WHERE id = ?`, p.ID).Scan(&version, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return tank.Particle{}, ErrNotFound
	}
	if err != nil {
		return tank.Particle{}, fmt.Errorf("read particle %s: %w", p.ID, err)
	}
	if version != p.Version {
		return tank.Particle{}, ErrVersionConflict
	}

	p.Version = version + 1
	p.CreateTime = fromMillis(created)
	p.LastUpdateTime = s.now()
	_, err = tx.ExecContext(ctx,
		`UPDATE particles
		 SET px = ?, py = ?, pz = ?, vx = ?, vy = ?, vz = ?,
		     mass = ?, radius = ?, owner_id = ?, version = ?, updated_at = ?
		 WHERE id = ?`,
		p.Position[0], p.Position[1], p.Position[2],
		p.Velocity[0], p.Velocity[1], p.Velocity[2],
		p.Mass, p.Radius, p.OwnerID, p.Version, toMillis(p.LastUpdateTime), p.ID)
	if err != nil {
		return tank.Particle{}, fmt.Errorf("update particle %s: %w", p.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return tank.Particle{}, fmt.Errorf("commit: %w", err)
	}
	p.LastUpdateTime = fromMillis(toMillis(p.LastUpdateTime))
	return p, nil
}

func (s *SQLiteStore) queryParticles(ctx context.Context, where string, args ...any) ([]tank.Particle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+particleColumns+` FROM particles `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query particles: %w", err)
	}
	defer rows.Close()

	out := []tank.Particle{}
	for rows.Next() {
		p, err := scanParticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan particle: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListParticles returns every particle ordered by id.
func (s *SQLiteStore) ListParticles(ctx context.Context) ([]tank.Particle, error) {
	return s.queryParticles(ctx, "")
}

// ParticlesOwnedBy returns the particles owned by workerID.
func (s *SQLiteStore) ParticlesOwnedBy(ctx context.Context, workerID string) ([]tank.Particle, error) {
	return s.queryParticles(ctx, `WHERE owner_id = ?`, workerID)
}

// ParticlesInRegion filters on the indexed x column and the region's y and z
// bounds; the half-open x edge is applied in SQL as well.
func (s *SQLiteStore) ParticlesInRegion(ctx context.Context, r tank.Region) ([]tank.Particle, error) {
	closed := 0
	if r.ClosedX {
		closed = 1
	}
	return s.queryParticles(ctx,
		`WHERE px >= ? AND (px < ? OR (? = 1 AND px <= ?))
		   AND py >= ? AND py <= ? AND pz >= ? AND pz <= ?`,
		r.StartX, r.EndX, closed, r.EndX, r.StartY, r.EndY, r.StartZ, r.EndZ)
}

// InsertWorker inserts a worker row with the next join sequence.
func (s *SQLiteStore) InsertWorker(ctx context.Context, w tank.Worker) (tank.Worker, error) {
	owned, err := json.Marshal(nonNil(w.OwnedParticleIDs))
	if err != nil {
		return tank.Worker{}, fmt.Errorf("encode owned ids: %w", err)
	}
	now := toMillis(s.now())
	closed := 0
	if w.Region.ClosedX {
		closed = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (id, start_x, end_x, start_y, end_y, start_z, end_z, closed_x, owned_ids, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		w.ID, w.Region.StartX, w.Region.EndX, w.Region.StartY, w.Region.EndY,
		w.Region.StartZ, w.Region.EndZ, closed, string(owned), now, now)
	if err != nil {
		return tank.Worker{}, fmt.Errorf("insert worker %s: %w", w.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return tank.Worker{}, fmt.Errorf("insert worker %s: %w", w.ID, err)
	}
	if n == 0 {
		return tank.Worker{}, ErrAlreadyExists
	}
	return s.GetWorker(ctx, w.ID)
}

// GetWorker reads one worker row.
func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (tank.Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tank.Worker{}, ErrNotFound
	}
	if err != nil {
		return tank.Worker{}, fmt.Errorf("get worker %s: %w", id, err)
	}
	return w, nil
}

// CompareAndSwapWorker updates the row only where the version still matches.
func (s *SQLiteStore) CompareAndSwapWorker(ctx context.Context, w tank.Worker) (tank.Worker, error) {
	owned, err := json.Marshal(nonNil(w.OwnedParticleIDs))
	if err != nil {
		return tank.Worker{}, fmt.Errorf("encode owned ids: %w", err)
	}
	closed := 0
	if w.Region.ClosedX {
		closed = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers
		 SET start_x = ?, end_x = ?, start_y = ?, end_y = ?, start_z = ?, end_z = ?,
		     closed_x = ?, owned_ids = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		w.Region.StartX, w.Region.EndX, w.Region.StartY, w.Region.EndY,
		w.Region.StartZ, w.Region.EndZ, closed, string(owned), toMillis(s.now()),
		w.ID, w.Version)
	if err != nil {
		return tank.Worker{}, fmt.Errorf("update worker %s: %w", w.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return tank.Worker{}, fmt.Errorf("update worker %s: %w", w.ID, err)
	}
	if n == 0 {
		if _, err := s.GetWorker(ctx, w.ID); err != nil {
			return tank.Worker{}, err
		}
		return tank.Worker{}, ErrVersionConflict
	}
	return s.GetWorker(ctx, w.ID)
}

// DeleteWorker removes a worker row; a missing row is not an error.
func (s *SQLiteStore) DeleteWorker(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete worker %s: %w", id, err)
	}
	return nil
}

// ListWorkers returns every worker in join order.
func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]tank.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()

	out := []tank.Worker{}
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// WorkerContaining returns the worker whose region contains p, or ErrNotFound.
func (s *SQLiteStore) WorkerContaining(ctx context.Context, p tank.Vec3) (tank.Worker, error) {
	workers, err := s.ListWorkers(ctx)
	if err != nil {
		return tank.Worker{}, err
	}
	for _, w := range workers {
		if w.Region.Contains(p) {
			return w, nil
		}
	}
	return tank.Worker{}, ErrNotFound
}

// Stats counts rows in both tables.
func (s *SQLiteStore) Stats(ctx context.Context) (StoreStats, error) {
	var stats StoreStats
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM particles),
		   (SELECT COUNT(*) FROM workers),
		   (SELECT COUNT(*) FROM particles WHERE owner_id = '')`).
		Scan(&stats.Particles, &stats.Workers, &stats.Unowned)
	if err != nil {
		return StoreStats{}, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
