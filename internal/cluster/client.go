package cluster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dreamware/fishtank/internal/tank"
)

// Client talks to the coordinator on behalf of one worker process.
// It implements sim.StateClient.
type Client struct {
	baseURL string
}

// NewClient creates a client for the coordinator at baseURL
// (e.g. "http://127.0.0.1:8080").
func NewClient(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/")}
}

func (c *Client) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.baseURL + "/" + strings.Join(escaped, "/")
}

// Join registers the worker and returns its record after the rebalance.
func (c *Client) Join(ctx context.Context, workerID string) (tank.Worker, error) {
	var w tank.Worker
	err := PostJSON(ctx, c.url("join"), JoinRequest{WorkerID: workerID}, &w)
	return w, err
}

// Leave deregisters the worker. Leaving twice is not an error.
func (c *Client) Leave(ctx context.Context, workerID string) error {
	return PostJSON(ctx, c.url("leave"), LeaveRequest{WorkerID: workerID}, nil)
}

// Tank returns the tank and simulation constants.
func (c *Client) Tank(ctx context.Context) (tank.Config, error) {
	var cfg tank.Config
	err := GetJSON(ctx, c.url("tank"), &cfg)
	return cfg, err
}

// Worker returns one worker record, or tank.ErrWorkerNotFound.
func (c *Client) Worker(ctx context.Context, workerID string) (tank.Worker, error) {
	var w tank.Worker
	err := GetJSON(ctx, c.url("workers", workerID), &w)
	return w, mapStatus(err, tank.ErrWorkerNotFound)
}

// OwnedParticles returns the worker's particles, or tank.ErrWorkerNotFound.
func (c *Client) OwnedParticles(ctx context.Context, workerID string) ([]tank.Particle, error) {
	var ps []tank.Particle
	err := GetJSON(ctx, c.url("workers", workerID, "particles"), &ps)
	return ps, mapStatus(err, tank.ErrWorkerNotFound)
}

// UpdateParticle publishes one particle.
//
// Returns:
//   - tank.ErrOwnershipConflict on 409
//   - tank.ErrParticleNotFound on 404
func (c *Client) UpdateParticle(ctx context.Context, workerID string, p tank.Particle) (tank.Particle, error) {
	var stored tank.Particle
	err := PutJSON(ctx, c.url("particles", p.ID), UpdateParticleRequest{WorkerID: workerID, Particle: p}, &stored)
	return stored, mapStatus(err, tank.ErrParticleNotFound)
}

// ScanWorker runs the post-tick boundary scan for the worker.
func (c *Client) ScanWorker(ctx context.Context, workerID string) (int, error) {
	var resp ScanResponse
	err := PostJSON(ctx, c.url("workers", workerID, "scan"), nil, &resp)
	return resp.Reassigned, mapStatus(err, tank.ErrWorkerNotFound)
}

// ReportOutOfBounds scans the worker's particles against region.
func (c *Client) ReportOutOfBounds(ctx context.Context, workerID string, region tank.Region) (int, error) {
	var resp ScanResponse
	err := PostJSON(ctx, c.url("out-of-bounds"), OutOfBoundsRequest{WorkerID: workerID, Region: region}, &resp)
	return resp.Reassigned, mapStatus(err, tank.ErrWorkerNotFound)
}

// Snapshot returns the whole-population feed.
func (c *Client) Snapshot(ctx context.Context) ([]FeedEntry, error) {
	var feed []FeedEntry
	err := GetJSON(ctx, c.url("snapshot"), &feed)
	return feed, err
}

// mapStatus turns 404 into notFound and 409 into tank.ErrOwnershipConflict,
// keeping the response as context.
func mapStatus(err error, notFound error) error {
	var se *StatusError
	if !errors.As(err, &se) {
		return err
	}
	switch se.Status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", notFound, se.Error())
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", tank.ErrOwnershipConflict, se.Error())
	}
	return err
}
