package geo

import (
	"math"
	"sort"

	"github.com/example/trip-dispatch/internal/models"
)

// distanceEpsilon is the tolerance under which two candidate distances are
// considered a tie and freshness decides the order.
const distanceEpsilon = 1e-6

// Source yields drivers currently eligible for dispatch in a station,
// optionally narrowed to a zone. The driver registry is the canonical
// implementation.
type Source interface {
	Dispatchable(stationID, zoneID string) []models.Driver
}

type Candidate struct {
	Driver   models.Driver
	Distance float64 // meters
}

// Locator answers nearest-driver queries by scanning the dispatchable set.
// Station fleets are hundreds of drivers at most, so a full scan with an
// in-memory sort beats maintaining a spatial index.
type Locator struct {
	Source Source
}

func NewLocator(src Source) *Locator {
	return &Locator{Source: src}
}

// Nearest returns up to limit candidates ordered by ascending great-circle
// distance from point. Drivers in exclude are skipped; the Locator itself
// ranks by position only, so callers supply trip-derived exclusions such as
// current assignees and prior declines. Ties within floating-point
// tolerance go to the driver with the freshest position.
func (l *Locator) Nearest(stationID string, point models.Coord, zoneID string, exclude map[string]bool, limit int) []Candidate {
	drivers := l.Source.Dispatchable(stationID, zoneID)
	cands := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if exclude[d.ID] {
			continue
		}
		dist := Haversine(point.Lat, point.Lng, d.Position.Lat, d.Position.Lng)
		cands = append(cands, Candidate{Driver: d, Distance: dist})
	}
	sort.Slice(cands, func(i, j int) bool {
		di, dj := cands[i].Distance, cands[j].Distance
		if math.Abs(di-dj) < distanceEpsilon {
			ti, tj := cands[i].Driver.LastPositionAt, cands[j].Driver.LastPositionAt
			if ti != nil && tj != nil {
				return ti.After(*tj)
			}
			return tj == nil
		}
		return di < dj
	})
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	return cands
}

// Haversine distance in meters
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// PointInPolygon reports whether p lies inside the polygon by ray casting.
// Zone polygons are small enough that geodesic edge handling is not worth
// the complexity.
func PointInPolygon(p models.Coord, polygon []models.Coord) bool {
	if len(polygon) < 3 {
		return false
	}
	inside := false
	j := len(polygon) - 1
	for i := 0; i < len(polygon); i++ {
		pi, pj := polygon[i], polygon[j]
		if (pi.Lat > p.Lat) != (pj.Lat > p.Lat) &&
			p.Lng < (pj.Lng-pi.Lng)*(p.Lat-pi.Lat)/(pj.Lat-pi.Lat)+pi.Lng {
			inside = !inside
		}
		j = i
	}
	return inside
}
