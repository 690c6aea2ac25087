// Package health derives a fleet health summary from the container runtime.
// A service is healthy exactly when it is running.
package health

import (
	"context"
	"fmt"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/observability"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/runtime"
)

type ServiceHealth struct {
	Name    string         `json:"name"`
	Status  runtime.Status `json:"status"`
	Healthy bool           `json:"healthy"`
}

type Summary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

type Report struct {
	Services []ServiceHealth `json:"health"`
	Summary  Summary         `json:"summary"`
}

// Unhealthy returns the names of services that are not running.
func (r Report) Unhealthy() []string {
	names := make([]string, 0, r.Summary.Unhealthy)
	for _, s := range r.Services {
		if !s.Healthy {
			names = append(names, s.Name)
		}
	}
	return names
}

// Lister is the part of the runtime the aggregator needs.
type Lister interface {
	List(ctx context.Context) ([]runtime.Container, error)
}

type Aggregator struct {
	rt      Lister
	metrics *observability.Metrics
}

func NewAggregator(rt Lister, metrics *observability.Metrics) *Aggregator {
	return &Aggregator{rt: rt, metrics: metrics}
}

// Compute queries the runtime and builds a fresh report.
func (a *Aggregator) Compute(ctx context.Context) (Report, error) {
	containers, err := a.rt.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("compute health: %w", err)
	}
	r := Report{Services: make([]ServiceHealth, 0, len(containers))}
	for _, c := range containers {
		healthy := c.Status == runtime.StatusRunning
		r.Services = append(r.Services, ServiceHealth{Name: c.Name, Status: c.Status, Healthy: healthy})
		if healthy {
			r.Summary.Healthy++
		} else {
			r.Summary.Unhealthy++
		}
	}
	r.Summary.Total = len(containers)
	a.metrics.SetFleetHealth(r.Summary.Healthy, r.Summary.Unhealthy)
	return r, nil
}
