package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

// RedisMirror keeps a per-station GEO set of last-known driver positions in
// Redis. It is fed by the position consumer and read by dashboard queries;
// the driver registry stays the source of truth for dispatch decisions.
type RedisMirror struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisMirror(addr, password, keyPrefix string) *RedisMirror {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisMirror{client: c, keyPrefix: keyPrefix}
}

// NewRedisMirrorFromClient wires an existing client, used by the consumer.
func NewRedisMirrorFromClient(c *redis.Client, keyPrefix string) *RedisMirror {
	return &RedisMirror{client: c, keyPrefix: keyPrefix}
}

func (r *RedisMirror) geoKey(stationID string) string {
	return r.keyPrefix + ":" + stationID
}

func metaKey(driverID string) string { return "driver:meta:" + driverID }

func (r *RedisMirror) Upsert(ctx context.Context, rep models.PositionReport) error {
	_, err := r.client.GeoAdd(ctx, r.geoKey(rep.StationID), &redis.GeoLocation{
		Longitude: rep.Lng,
		Latitude:  rep.Lat,
		Name:      rep.DriverID,
	}).Result()
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(rep.DriverID), map[string]interface{}{
		"station_id": rep.StationID,
		"heading":    strconv.FormatFloat(rep.Heading, 'f', -1, 64),
		"updated":    rep.ReportedAt.Format(time.RFC3339),
	}).Err()
}

// Nearby returns drivers around a point from the mirror, closest first.
// Display-quality data only; claims are always validated against the
// registry and the trip store.
func (r *RedisMirror) Nearby(ctx context.Context, stationID string, point models.Coord, radiusMeters float64, limit int) []models.Driver {
	res, err := r.client.GeoRadius(ctx, r.geoKey(stationID), point.Lng, point.Lat, &redis.GeoRadiusQuery{
		Radius: radiusMeters, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name, StationID: stationID}
		d.Position = &models.Position{Coord: models.Coord{Lat: g.Latitude, Lng: g.Longitude}}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["heading"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					d.Position.Heading = f
				}
			}
			if v, ok := m["updated"]; ok {
				if ts, err := time.Parse(time.RFC3339, v); err == nil {
					d.LastPositionAt = &ts
				}
			}
		}
		out = append(out, d)
	}
	return out
}

func (r *RedisMirror) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisMirror) Close() error { return r.client.Close() }
