package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-coordination/internal/models"
)

const DefaultKey = "drivers_geo"

// RedisLocations implements Locations with a GEO set for positions and a
// hash per driver for the rest of the record.
type RedisLocations struct {
	client redis.UniversalClient
	key    string
}

func NewRedisLocations(client redis.UniversalClient, key string) *RedisLocations {
	if key == "" {
		key = DefaultKey
	}
	return &RedisLocations{client: client, key: key}
}

func (r *RedisLocations) Upsert(ctx context.Context, loc models.DriverLocation) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Loc.Lon, Latitude: loc.Loc.Lat, Name: loc.DriverID})
		p.HSet(ctx, MetaKey(loc.DriverID), map[string]any{
			"trip_id": loc.TripID,
			"heading": strconv.FormatFloat(loc.Heading, 'f', -1, 64),
			"speed":   strconv.FormatFloat(loc.Speed, 'f', -1, 64),
			"updated": loc.Updated.UTC().Format(time.RFC3339Nano),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("geo.RedisLocations.Upsert: %w", err)
	}
	return nil
}

func (r *RedisLocations) Get(ctx context.Context, driverID string) (models.DriverLocation, error) {
	pos, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err != nil {
		return models.DriverLocation{}, fmt.Errorf("geo.RedisLocations.Get: %w", err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.DriverLocation{}, ErrUnknownDriver
	}
	loc := models.DriverLocation{DriverID: driverID, Loc: models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}}
	meta, err := r.client.HGetAll(ctx, MetaKey(driverID)).Result()
	if err != nil {
		return loc, nil
	}
	loc.TripID = meta["trip_id"]
	loc.Heading, _ = strconv.ParseFloat(meta["heading"], 64)
	loc.Speed, _ = strconv.ParseFloat(meta["speed"], 64)
	loc.Updated, _ = time.Parse(time.RFC3339Nano, meta["updated"])
	return loc, nil
}

func (r *RedisLocations) Remove(ctx context.Context, driverID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.key, driverID)
		p.Del(ctx, MetaKey(driverID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("geo.RedisLocations.Remove: %w", err)
	}
	return nil
}

func MetaKey(id string) string { return "driver:meta:" + id }
