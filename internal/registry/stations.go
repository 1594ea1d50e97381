package registry

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/example/trip-dispatch/internal/models"
)

var ErrUnknownStation = errors.New("unknown station")

// Stations is the tenant directory. Station records are immutable after
// provisioning except for their display name.
type Stations struct {
	mu       sync.RWMutex
	stations map[string]*models.Station
	zones    map[string][]models.Zone
}

func NewStations() *Stations {
	return &Stations{
		stations: make(map[string]*models.Station),
		zones:    make(map[string][]models.Zone),
	}
}

func (s *Stations) Create(name string) *models.Station {
	return s.Seed("", name)
}

// Seed provisions a station, keeping the caller's id when given so tenants
// keep stable identifiers across restarts.
func (s *Stations) Seed(id, name string) *models.Station {
	if id == "" {
		id = newID()
	}
	st := &models.Station{ID: id, Name: name}
	s.mu.Lock()
	s.stations[st.ID] = st
	s.mu.Unlock()
	return st
}

func (s *Stations) List() []models.Station {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Station, 0, len(s.stations))
	for _, st := range s.stations {
		out = append(out, *st)
	}
	return out
}

func (s *Stations) Get(id string) (models.Station, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stations[id]
	if !ok {
		return models.Station{}, false
	}
	return *st, true
}

func (s *Stations) Rename(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stations[id]
	if !ok {
		return ErrUnknownStation
	}
	st.Name = name
	return nil
}

// SetZones replaces the station's zone set. Zones never span stations, so
// any zone carrying a different station id is rejected.
func (s *Stations) SetZones(stationID string, zones []models.Zone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stations[stationID]; !ok {
		return ErrUnknownStation
	}
	for i := range zones {
		if zones[i].StationID == "" {
			zones[i].StationID = stationID
		}
		if zones[i].StationID != stationID {
			return ErrUnknownStation
		}
		if zones[i].ID == "" {
			zones[i].ID = newID()
		}
	}
	s.zones[stationID] = zones
	return nil
}

func (s *Stations) Zones(stationID string) []models.Zone {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Zone(nil), s.zones[stationID]...)
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
