// Package eta supplies the default ETA for offers that arrive without one.
package eta

import (
	"context"
	"math"

	"github.com/example/ride-coordination/internal/geo"
	"github.com/example/ride-coordination/internal/models"
)

// DefaultSpeedMps is about 28.8 km/h, a city average.
const DefaultSpeedMps = 8.0

// Client estimates travel time between two points.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Straight is a Client that assumes straight-line travel at a constant speed.
type Straight struct {
	SpeedMps float64
}

func (s Straight) EstimateSeconds(_ context.Context, from, to models.Coord) (float64, error) {
	return EstimateSeconds(from, to, s.SpeedMps), nil
}

// Naive ETA: distance / speed_mps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.Distance(from, to) / speedMps
}

// Estimator derives an offer ETA from a driver's last known location.
type Estimator struct {
	locs   geo.Locations
	client Client
}

func NewEstimator(locs geo.Locations, client Client) *Estimator {
	if client == nil {
		client = Straight{SpeedMps: DefaultSpeedMps}
	}
	return &Estimator{locs: locs, client: client}
}

// Minutes returns the whole minutes, at least one, for driverID to reach
// dest. ok is false when the driver has never reported a location.
func (e *Estimator) Minutes(ctx context.Context, driverID string, dest models.Coord) (minutes int, ok bool) {
	loc, err := e.locs.Get(ctx, driverID)
	if err != nil {
		return 0, false
	}
	secs, err := e.client.EstimateSeconds(ctx, loc.Loc, dest)
	if err != nil {
		return 0, false
	}
	m := int(math.Ceil(secs / 60))
	if m < 1 {
		m = 1
	}
	return m, true
}
