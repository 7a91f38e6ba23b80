package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Liveness states reported by WorkerLiveness.Status.
const (
	StatusAlive   = "alive"
	StatusExpired = "expired"
)

// WorkerLiveness tracks when a single worker was last heard from.
// Thread-safe: Protected by LivenessMonitor's mutex when accessed.
type WorkerLiveness struct {
	LastSeen  time.Time `json:"lastSeen"`  // Last request received from the worker
	LastCheck time.Time `json:"lastCheck"` // Last time the monitor evaluated it
	WorkerID  string    `json:"workerId"`
	Status    string    `json:"status"` // "alive" or "expired"
}

// LivenessMonitor expires workers that stop talking to the coordinator.
//
// Workers are not probed. Every coordinator request made on behalf of a
// worker calls Touch, and a worker whose last touch is older than the timeout
// is expired. The expiry callback fires once per worker unless Retry re-arms
// it; the worker is forgotten when it disappears from the provider's list, so
// a worker that rejoins under the same id is tracked afresh.
//
// Thread-safe: All methods are safe for concurrent access.
type LivenessMonitor struct {
	workers   map[string]*WorkerLiveness
	onExpired func(workerID string)
	now       func() time.Time
	logger    zerolog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	interval  time.Duration
	timeout   time.Duration
	mu        sync.RWMutex
	wg        sync.WaitGroup
}

// NewLivenessMonitor creates a monitor that evaluates every interval and
// expires workers silent for longer than timeout.
//
// Example:
//
//	monitor := NewLivenessMonitor(time.Second, 10*time.Second, logger)
//	monitor.SetOnExpired(func(id string) { coord.Leave(ctx, id) })
//	go monitor.Start(ctx, coord.WorkerIDs)
func NewLivenessMonitor(interval, timeout time.Duration, logger zerolog.Logger) *LivenessMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &LivenessMonitor{
		workers:  make(map[string]*WorkerLiveness),
		now:      time.Now,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		interval: interval,
		timeout:  timeout,
	}
}

// SetOnExpired sets the callback invoked, in its own goroutine, when a worker expires.
func (m *LivenessMonitor) SetOnExpired(callback func(workerID string)) {
	m.mu.Lock()
	m.onExpired = callback
	m.mu.Unlock()
}

// SetClock replaces the monitor's time source.
func (m *LivenessMonitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Touch records that a worker was just heard from. An expired worker that
// touches again is alive again; its Leave has already run, so it must rejoin
// before its requests succeed.
func (m *LivenessMonitor) Touch(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.workers[workerID]
	if !ok {
		m.workers[workerID] = &WorkerLiveness{WorkerID: workerID, Status: StatusAlive, LastSeen: now, LastCheck: now}
		return
	}
	w.LastSeen = now
	w.Status = StatusAlive
}

// Forget stops tracking a worker.
func (m *LivenessMonitor) Forget(workerID string) {
	m.mu.Lock()
	delete(m.workers, workerID)
	m.mu.Unlock()
}

// Retry marks an expired worker as pending again without refreshing its
// last-seen time, so the next CheckAll expires it and fires the callback
// again. Used when the expiry action failed.
func (m *LivenessMonitor) Retry(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.workers[workerID]; ok && w.Status == StatusExpired {
		w.Status = StatusAlive
	}
}

// Start evaluates the workers returned by provider every interval until ctx
// or the monitor is canceled. It blocks.
func (m *LivenessMonitor) Start(ctx context.Context, provider func() []string) {
	m.wg.Add(1)
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.interval).Dur("timeout", m.timeout).Msg("liveness monitor started")
	m.CheckAll(provider())

	for {
		select {
		case <-ticker.C:
			m.CheckAll(provider())
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// Stop cancels a running Start and waits for it to return.
func (m *LivenessMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// CheckAll evaluates the given workers once.
//
// Implementation:
//  1. Start tracking unknown workers as alive now
//  2. Expire workers silent past the timeout and fire the callback once
//  3. Drop tracked workers no longer in the list
func (m *LivenessMonitor) CheckAll(workerIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	current := make(map[string]bool, len(workerIDs))
	for _, id := range workerIDs {
		current[id] = true
		w, ok := m.workers[id]
		if !ok {
			m.workers[id] = &WorkerLiveness{WorkerID: id, Status: StatusAlive, LastSeen: now, LastCheck: now}
			continue
		}
		w.LastCheck = now
		if w.Status == StatusExpired || now.Sub(w.LastSeen) <= m.timeout {
			continue
		}
		w.Status = StatusExpired
		expiredWorkersTotal.Inc()
		m.logger.Warn().Str("worker_id", id).Time("last_seen", w.LastSeen).Msg("worker expired")
		if m.onExpired != nil {
			go m.onExpired(id)
		}
	}

	for id := range m.workers {
		if !current[id] {
			delete(m.workers, id)
		}
	}
}

// Get returns a copy of a worker's liveness record, or nil if it is not tracked.
func (m *LivenessMonitor) Get(workerID string) *WorkerLiveness {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workers[workerID]
	if !ok {
		return nil
	}
	c := *w
	return &c
}

// IsAlive reports whether a tracked worker has not expired.
func (m *LivenessMonitor) IsAlive(workerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workers[workerID]
	return ok && w.Status == StatusAlive
}
