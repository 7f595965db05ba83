// Package client talks to a running beacon server: the REST endpoints for
// producers and operators, and the WebSocket feed for subscribers.
package client

import "context"

// BeaconClient is what the beacon CLI commands use to reach the server.
type BeaconClient interface {
	Collect(ctx context.Context, payload map[string]any) (*CollectResponse, error)
	Status(ctx context.Context) (*Status, error)
	Health(ctx context.Context) (string, error)
	Close() error
}

// CollectResponse is the body returned by POST /collect.
type CollectResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Delivered int    `json:"delivered"`
}

// Status is the body returned by GET /status.
type Status struct {
	Status             string  `json:"status"`
	ActiveAdmins       int     `json:"activeAdmins"`
	Uptime             float64 `json:"uptime"`
	StoreErrors        int64   `json:"storeErrors"`
	LastStoreErrorKind string  `json:"lastStoreErrorKind,omitempty"`
}
