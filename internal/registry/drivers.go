package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
)

var (
	ErrUnknownDriver = errors.New("unknown driver")
	ErrDriverOffline = errors.New("driver is offline")
	// ErrHasActiveTrip rejects going offline while the driver still owns a
	// live trip; a trip must never lose its only responsible party.
	ErrHasActiveTrip = errors.New("driver has an active trip")
)

// TripChecker is the slice of the trip store the registry needs to veto an
// offline toggle.
type TripChecker interface {
	LiveDriverIDs(stationID string) (map[string]bool, error)
}

// Drivers tracks driver identity, flags and live position. Position writes
// come only through ReportPosition on the driver's own channel and are
// throttled to bound write amplification.
type Drivers struct {
	mu      sync.RWMutex
	drivers map[string]*models.Driver

	stations *Stations
	trips    TripChecker

	minInterval time.Duration
	minMove     float64 // meters
}

func NewDrivers(stations *Stations, trips TripChecker, minInterval time.Duration, minMoveMeters float64) *Drivers {
	return &Drivers{
		drivers:     make(map[string]*models.Driver),
		stations:    stations,
		trips:       trips,
		minInterval: minInterval,
		minMove:     minMoveMeters,
	}
}

func (r *Drivers) Register(d models.Driver) (models.Driver, error) {
	if _, ok := r.stations.Get(d.StationID); !ok {
		return models.Driver{}, ErrUnknownStation
	}
	if d.ID == "" {
		d.ID = newID()
	}
	r.mu.Lock()
	r.drivers[d.ID] = &d
	r.mu.Unlock()
	return d, nil
}

func (r *Drivers) Get(id string) (models.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[id]
	if !ok {
		return models.Driver{}, false
	}
	return *d, true
}

func (r *Drivers) SetApproved(id string, approved bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[id]
	if !ok {
		return ErrUnknownDriver
	}
	d.Approved = approved
	return nil
}

// SetOnline toggles availability. Going offline is refused while the driver
// is the assignee of a live trip.
func (r *Drivers) SetOnline(id string, online bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[id]
	if !ok {
		return ErrUnknownDriver
	}
	if !online && d.Online {
		live, err := r.trips.LiveDriverIDs(d.StationID)
		if err != nil {
			return err
		}
		if live[id] {
			return ErrHasActiveTrip
		}
	}
	d.Online = online
	return nil
}

// ReportPosition applies a driver location update. Offline drivers are
// rejected. Updates arriving too soon after the last accepted one, or that
// moved less than the minimum threshold, are dropped; the bool return says
// whether the write was applied. Accepted writes re-evaluate the driver's
// current zone.
func (r *Drivers) ReportPosition(rep models.PositionReport) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[rep.DriverID]
	if !ok {
		return false, ErrUnknownDriver
	}
	if !d.Online {
		return false, ErrDriverOffline
	}
	now := rep.ReportedAt
	if now.IsZero() {
		now = time.Now()
	}
	if d.Position != nil && d.LastPositionAt != nil {
		if now.Sub(*d.LastPositionAt) < r.minInterval {
			return false, nil
		}
		moved := geo.Haversine(d.Position.Lat, d.Position.Lng, rep.Lat, rep.Lng)
		if moved < r.minMove {
			return false, nil
		}
	}
	d.Position = &models.Position{
		Coord:   models.Coord{Lat: rep.Lat, Lng: rep.Lng},
		Heading: rep.Heading,
	}
	d.LastPositionAt = &now
	d.CurrentZoneID = r.zoneFor(d.StationID, d.Position.Coord)
	return true, nil
}

func (r *Drivers) zoneFor(stationID string, p models.Coord) string {
	for _, z := range r.stations.Zones(stationID) {
		if geo.PointInPolygon(p, z.Geometry) {
			return z.ID
		}
	}
	return ""
}

// Dispatchable implements geo.Source: online, approved, position known,
// right station, optionally narrowed to a zone.
func (r *Drivers) Dispatchable(stationID, zoneID string) []models.Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Driver
	for _, d := range r.drivers {
		if !d.Dispatchable(stationID) {
			continue
		}
		if zoneID != "" && d.CurrentZoneID != zoneID {
			continue
		}
		out = append(out, *d)
	}
	return out
}

// OnlineCount feeds the drivers-online gauge.
func (r *Drivers) OnlineCount(stationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, d := range r.drivers {
		if d.StationID == stationID && d.Online {
			n++
		}
	}
	return n
}
