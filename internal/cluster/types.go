package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dreamware/fishtank/internal/tank"
)

// Feed entry states.
const (
	StateOwned   = "owned"
	StateUnowned = "unowned"
)

type JoinRequest struct {
	WorkerID string `json:"workerId"`
}

type LeaveRequest struct {
	WorkerID string `json:"workerId"`
}

// UpdateParticleRequest publishes one particle. Particle.Version is the
// version the worker read at the start of its tick.
type UpdateParticleRequest struct {
	WorkerID string        `json:"workerId"`
	Particle tank.Particle `json:"particle"`
}

// OutOfBoundsRequest asks for a boundary scan of one worker against the
// region it reports. A zero region means the stored one.
type OutOfBoundsRequest struct {
	WorkerID string      `json:"workerId"`
	Region   tank.Region `json:"region"`
}

type ScanResponse struct {
	Reassigned int `json:"reassigned"`
}

// FeedEntry is one particle in the whole-population snapshot.
type FeedEntry struct {
	ParticleID string     `json:"particleId"`
	Position   [3]float64 `json:"position"`
	State      string     `json:"state"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Feed converts particles to snapshot entries, keeping their order.
func Feed(particles []tank.Particle) []FeedEntry {
	out := make([]FeedEntry, len(particles))
	for i, p := range particles {
		state := StateUnowned
		if p.Owned() {
			state = StateOwned
		}
		out[i] = FeedEntry{ParticleID: p.ID, Position: p.Position, State: state}
	}
	return out
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method  string
	URL     string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %s %s: %d: %s", e.Method, e.URL, e.Status, e.Message)
	}
	return fmt.Sprintf("http %s %s: %d", e.Method, e.URL, e.Status)
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, http.MethodPost, url, body, out)
}

func PutJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, http.MethodPut, url, body, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, http.MethodGet, url, nil, out)
}

func doJSON(ctx context.Context, method, url string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		se := &StatusError{Method: method, URL: url, Status: resp.StatusCode}
		var er ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&er) == nil {
			se.Message = er.Error
		}
		return se
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
