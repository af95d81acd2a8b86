// Package geo keeps each driver's last reported position and provides the
// distance maths used for ETA defaults.
package geo

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/example/ride-coordination/internal/models"
)

var ErrUnknownDriver = errors.New("geo: no location for driver")

// Locations stores the last known position per driver.
type Locations interface {
	Upsert(ctx context.Context, loc models.DriverLocation) error
	Get(ctx context.Context, driverID string) (models.DriverLocation, error)
	Remove(ctx context.Context, driverID string) error
}

// Index is the in-process Locations used when Redis is not configured.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverLocation
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverLocation)}
}

func (g *Index) Upsert(_ context.Context, loc models.DriverLocation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[loc.DriverID] = loc
	return nil
}

func (g *Index) Get(_ context.Context, driverID string) (models.DriverLocation, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	loc, ok := g.drivers[driverID]
	if !ok {
		return models.DriverLocation{}, ErrUnknownDriver
	}
	return loc, nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// Valid reports whether c is a plausible WGS84 coordinate.
func Valid(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180 &&
		!math.IsNaN(c.Lat) && !math.IsNaN(c.Lon)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}
