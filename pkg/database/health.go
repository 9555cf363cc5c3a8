package database

import (
	"context"
	"time"
)

// HealthStatus describes database reachability for the health endpoint.
type HealthStatus struct {
	Reachable bool          `json:"reachable"`
	Driver    string        `json:"driver"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
}

// Health pings the database and reports reachability with latency.
func (c *Client) Health(ctx context.Context) HealthStatus {
	start := time.Now()
	err := c.db.PingContext(ctx)
	status := HealthStatus{
		Reachable: err == nil,
		Driver:    string(c.driver),
		Latency:   time.Since(start),
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}
