// health.go - Health monitoring for the pool daemon
package main

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a specific component
type ComponentHealth struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency,omitempty"`
}

// SystemHealth represents the overall system health
type SystemHealth struct {
	OverallStatus HealthStatus      `json:"overall_status"`
	Timestamp     time.Time         `json:"timestamp"`
	Components    []ComponentHealth `json:"components"`
	Uptime        time.Duration     `json:"uptime"`
	Version       string            `json:"version"`
}

// CheckFunc reports a component as unhealthy by returning an error. Returning a *DegradedError
// marks it degraded instead.
type CheckFunc func(ctx context.Context) error

// DegradedError marks a component as working with reduced service.
type DegradedError struct{ Reason string }

func (e *DegradedError) Error() string { return e.Reason }

// HealthChecker runs the registered component checks.
type HealthChecker struct {
	mu        sync.Mutex
	checkers  map[string]CheckFunc
	startTime time.Time
	version   string
}

func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		checkers:  make(map[string]CheckFunc),
		startTime: time.Now(),
		version:   version,
	}
}

// RegisterComponent registers a health check for a component
func (hc *HealthChecker) RegisterComponent(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checkers[name] = check
}

// CheckHealth runs every check concurrently.
func (hc *HealthChecker) CheckHealth(ctx context.Context) *SystemHealth {
	hc.mu.Lock()
	names := make([]string, 0, len(hc.checkers))
	for name := range hc.checkers {
		names = append(names, name)
	}
	checkers := make([]CheckFunc, len(names))
	sort.Strings(names)
	for i, name := range names {
		checkers[i] = hc.checkers[name]
	}
	hc.mu.Unlock()

	components := make([]ComponentHealth, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i := range names {
		g.Go(func() error {
			start := time.Now()
			err := checkers[i](gctx)
			c := ComponentHealth{Name: names[i], Status: Healthy, Message: "OK", LastCheck: time.Now(), Latency: time.Since(start)}
			if err != nil {
				c.Message = err.Error()
				c.Status = Unhealthy
				var degraded *DegradedError
				if errors.As(err, &degraded) {
					c.Status = Degraded
				}
			}
			components[i] = c
			return nil
		})
	}
	g.Wait()

	overall := Healthy
	for _, c := range components {
		if c.Status == Unhealthy {
			overall = Unhealthy
		} else if c.Status == Degraded && overall == Healthy {
			overall = Degraded
		}
	}
	return &SystemHealth{
		OverallStatus: overall,
		Timestamp:     time.Now(),
		Components:    components,
		Uptime:        time.Since(hc.startTime),
		Version:       hc.version,
	}
}

// HealthCheckResponse represents the response format for health check endpoints
type HealthCheckResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Data    *SystemHealth `json:"data,omitempty"`
}

// CreateHealthResponse creates a standardized health check response
func CreateHealthResponse(health *SystemHealth) *HealthCheckResponse {
	status := "success"
	message := "System is healthy"

	if health.OverallStatus == Unhealthy {
		status = "error"
		message = "System is unhealthy"
	} else if health.OverallStatus == Degraded {
		status = "warning"
		message = "System is degraded"
	}

	return &HealthCheckResponse{
		Status:  status,
		Message: message,
		Data:    health,
	}
}
