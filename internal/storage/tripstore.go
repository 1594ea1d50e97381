package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("trip not found")
	ErrConflict          = errors.New("precondition no longer holds")
	ErrInvalidTransition = errors.New("invalid trip transition")
)

// TransitionFields carries the writes that ride along with a status change.
// Zero values are left untouched.
type TransitionFields struct {
	DriverID     string
	AcceptedAt   *time.Time
	CancelReason string
}

// TripStore is the single mutation path for trips. Transition performs a
// compare-and-swap on status (and on driver_id being unset for the claim
// transition); that CAS is what makes concurrent claims and cancellations
// race-safe without any external lock.
type TripStore interface {
	Create(draft models.TripDraft) (*models.Trip, error)
	Get(id string) (*models.Trip, error)
	Transition(id string, expected, next models.TripStatus, fields TransitionFields) (*models.Trip, error)
	ListUnassigned(stationID, zoneID string) ([]*models.Trip, error)
	// PendingStationIDs lists stations that still have pending trips, so a
	// restarted process knows where to pick dispatch back up.
	PendingStationIDs() ([]string, error)
	// LiveDriverIDs returns drivers currently the exclusive assignee of a
	// pending or active trip in the station. Busy-ness is derived here, not
	// denormalized onto the driver record.
	LiveDriverIDs(stationID string) (map[string]bool, error)
	RecordDecline(tripID, driverID string) error
	Declines(tripID string) (map[string]bool, error)
}

func validTransition(expected, next models.TripStatus) bool {
	switch {
	case expected == models.TripPending && next == models.TripActive:
		return true
	case expected == models.TripActive && next == models.TripCompleted:
		return true
	case expected == models.TripPending && next == models.TripCancelled:
		return true
	case expected == models.TripActive && next == models.TripCancelled:
		return true
	}
	return false
}

func validateDraft(draft models.TripDraft) error {
	if draft.StationID == "" {
		return fmt.Errorf("%w: station_id is required", ErrValidation)
	}
	if draft.Pickup == nil {
		return fmt.Errorf("%w: pickup coordinates are required", ErrValidation)
	}
	return nil
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

type MemoryStore struct {
	mu       sync.RWMutex
	trips    map[string]*models.Trip
	declines map[string]map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:    make(map[string]*models.Trip),
		declines: make(map[string]map[string]bool),
	}
}

func (m *MemoryStore) Create(draft models.TripDraft) (*models.Trip, error) {
	if err := validateDraft(draft); err != nil {
		return nil, err
	}
	now := time.Now()
	t := &models.Trip{
		ID:          newID(),
		StationID:   draft.StationID,
		ZoneID:      draft.ZoneID,
		Pickup:      *draft.Pickup,
		Destination: draft.Destination,
		Status:      models.TripPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.mu.Lock()
	m.trips[t.ID] = t
	m.mu.Unlock()
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Get(id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Transition(id string, expected, next models.TripStatus, fields TransitionFields) (*models.Trip, error) {
	if !validTransition(expected, next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != expected {
		return nil, fmt.Errorf("%w: status is %s, expected %s", ErrConflict, t.Status, expected)
	}
	if next == models.TripActive && t.DriverID != "" {
		return nil, fmt.Errorf("%w: trip already has a driver", ErrConflict)
	}
	t.Status = next
	if fields.DriverID != "" {
		t.DriverID = fields.DriverID
	}
	if fields.AcceptedAt != nil {
		t.AcceptedAt = fields.AcceptedAt
	}
	if fields.CancelReason != "" {
		t.CancelReason = fields.CancelReason
	}
	t.UpdatedAt = time.Now()
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListUnassigned(stationID, zoneID string) ([]*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Trip
	for _, t := range m.trips {
		if t.StationID != stationID || t.Status != models.TripPending {
			continue
		}
		if zoneID != "" && t.ZoneID != zoneID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) PendingStationIDs() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, t := range m.trips {
		if t.Status != models.TripPending || seen[t.StationID] {
			continue
		}
		seen[t.StationID] = true
		out = append(out, t.StationID)
	}
	return out, nil
}

func (m *MemoryStore) LiveDriverIDs(stationID string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool)
	for _, t := range m.trips {
		if t.StationID != stationID || t.DriverID == "" {
			continue
		}
		if t.Status == models.TripPending || t.Status == models.TripActive {
			out[t.DriverID] = true
		}
	}
	return out, nil
}

func (m *MemoryStore) RecordDecline(tripID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[tripID]; !ok {
		return ErrNotFound
	}
	if m.declines[tripID] == nil {
		m.declines[tripID] = make(map[string]bool)
	}
	m.declines[tripID][driverID] = true
	return nil
}

func (m *MemoryStore) Declines(tripID string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.declines[tripID]))
	for id := range m.declines[tripID] {
		out[id] = true
	}
	return out, nil
}
