package claim

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
)

var (
	// ErrAlreadyTaken means another claim or a cancellation won the race.
	// The caller must not retry against the same trip.
	ErrAlreadyTaken = errors.New("trip already taken")
	// ErrStationMismatch is a cross-tenant claim attempt. Never downgraded
	// to a generic failure; always logged and counted.
	ErrStationMismatch   = errors.New("driver and trip belong to different stations")
	ErrDriverUnavailable = errors.New("driver is not dispatchable")
)

// DriverSource is the slice of the driver registry the arbiter needs.
type DriverSource interface {
	Get(id string) (models.Driver, bool)
}

// Arbiter decides claim races. It holds no state and takes no locks: the
// trip store's conditional transition is the single synchronization point,
// so the decision stays correct across any number of server processes.
type Arbiter struct {
	Store   storage.TripStore
	Drivers DriverSource
	Bus     *events.Bus
	Logger  *slog.Logger
}

func NewArbiter(store storage.TripStore, drivers DriverSource, bus *events.Bus, logger *slog.Logger) *Arbiter {
	return &Arbiter{Store: store, Drivers: drivers, Bus: bus, Logger: logger}
}

// Claim attempts to make driverID the exclusive assignee of the trip.
// Exactly one concurrent claim can succeed; losers observe ErrAlreadyTaken.
func (a *Arbiter) Claim(tripID, driverID string) (*models.Trip, error) {
	trip, err := a.Store.Get(tripID)
	if err != nil {
		return nil, err
	}
	d, ok := a.Drivers.Get(driverID)
	if !ok {
		observability.ClaimsTotal.WithLabelValues("driver_unavailable").Inc()
		return nil, fmt.Errorf("%w: unknown driver %s", ErrDriverUnavailable, driverID)
	}
	if d.StationID != trip.StationID {
		observability.StationMismatchTotal.Inc()
		observability.ClaimsTotal.WithLabelValues("station_mismatch").Inc()
		a.Logger.Warn("cross-station claim rejected",
			"trip_id", tripID, "driver_id", driverID,
			"trip_station", trip.StationID, "driver_station", d.StationID)
		return nil, ErrStationMismatch
	}
	if !d.Dispatchable(trip.StationID) {
		observability.ClaimsTotal.WithLabelValues("driver_unavailable").Inc()
		return nil, ErrDriverUnavailable
	}

	now := time.Now()
	updated, err := a.Store.Transition(tripID, models.TripPending, models.TripActive, storage.TransitionFields{
		DriverID:   driverID,
		AcceptedAt: &now,
	})
	if errors.Is(err, storage.ErrConflict) {
		observability.ClaimsTotal.WithLabelValues("already_taken").Inc()
		return nil, ErrAlreadyTaken
	}
	if err != nil {
		return nil, err
	}
	observability.ClaimsTotal.WithLabelValues("claimed").Inc()
	a.Bus.TripEvent(events.KindTripClaimed, updated, driverID)
	return updated, nil
}

// Decline records that the driver passed on the trip and nudges the match
// loop forward. Trip status is untouched.
func (a *Arbiter) Decline(tripID, driverID string) error {
	if err := a.Store.RecordDecline(tripID, driverID); err != nil {
		return err
	}
	trip, err := a.Store.Get(tripID)
	if err != nil {
		return err
	}
	a.Bus.TripEvent(events.KindTripDeclined, trip, driverID)
	return nil
}
