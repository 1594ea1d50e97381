package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
)

// Locator is the nearest-driver query the engine drives.
type Locator interface {
	Nearest(stationID string, point models.Coord, zoneID string, exclude map[string]bool, limit int) []geo.Candidate
}

type response int

const (
	responseResolved response = iota // trip left pending, or context ended
	responseDeclined
	responseTimeout
)

// Service runs the per-trip dispatch loop. It keeps no authoritative state
// of its own: candidates, exclusions and trip status are re-derived from
// the trip store on every step, so the loop is safe to re-enter after a
// crash or to start twice for the same trip.
type Service struct {
	Store   storage.TripStore
	Locator Locator
	Bus     *events.Bus
	Logger  *slog.Logger

	OfferTimeout  time.Duration
	SearchBudget  time.Duration
	RetryInterval time.Duration
	TopN          int

	running inflight
}

func New(store storage.TripStore, locator Locator, bus *events.Bus, logger *slog.Logger) *Service {
	return &Service{
		Store:         store,
		Locator:       locator,
		Bus:           bus,
		Logger:        logger,
		OfferTimeout:  30 * time.Second,
		SearchBudget:  2 * time.Minute,
		RetryInterval: 3 * time.Second,
		TopN:          8,
	}
}

// Dispatch drives tripID from pending until it is claimed or the search
// budget runs out. Returns immediately if another Dispatch for the same
// trip is already running in this process, or if the trip is not pending.
func (s *Service) Dispatch(ctx context.Context, tripID string) error {
	if !s.running.add(tripID) {
		return nil
	}
	defer s.running.remove(tripID)

	trip, err := s.Store.Get(tripID)
	if err != nil {
		return err
	}
	if trip.Status != models.TripPending {
		return nil
	}

	// Wake on trip transitions and on station-level driver changes.
	ch, cancel := s.Bus.Subscribe(events.TripTopic(tripID), events.StationTopic(trip.StationID))
	defer cancel()

	deadline := time.Now().Add(s.SearchBudget)
	for {
		trip, err = s.Store.Get(tripID)
		if err != nil {
			return err
		}
		if trip.Status != models.TripPending {
			observability.DispatchLatency.Observe(time.Since(trip.CreatedAt).Seconds())
			return nil
		}

		exclude, err := s.exclusions(trip)
		if err != nil {
			return err
		}
		cands := s.Locator.Nearest(trip.StationID, trip.Pickup, trip.ZoneID, exclude, s.TopN)
		if len(cands) == 0 {
			if time.Now().After(deadline) {
				return s.giveUp(trip)
			}
			if !s.sleep(ctx, ch, s.RetryInterval) {
				return ctx.Err()
			}
			continue
		}

		cand := cands[0]
		s.offer(trip, cand)
		switch s.awaitResponse(ctx, ch, tripID, cand.Driver.ID) {
		case responseTimeout:
			// Exclusion lives in the store so a restarted loop skips the
			// unresponsive driver too.
			if err := s.Store.RecordDecline(tripID, cand.Driver.ID); err != nil {
				s.Logger.Error("record offer timeout", "trip_id", tripID, "driver_id", cand.Driver.ID, "error", err)
			}
		case responseDeclined, responseResolved:
			// Declines are recorded by the arbiter; resolution is
			// re-checked against the store at the top of the loop.
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// exclusions is the set of drivers not to offer this trip: those who have
// declined or timed out, and those already holding a live trip.
func (s *Service) exclusions(trip *models.Trip) (map[string]bool, error) {
	exclude, err := s.Store.Declines(trip.ID)
	if err != nil {
		return nil, err
	}
	live, err := s.Store.LiveDriverIDs(trip.StationID)
	if err != nil {
		return nil, err
	}
	for id := range live {
		exclude[id] = true
	}
	return exclude, nil
}

func (s *Service) offer(trip *models.Trip, cand geo.Candidate) {
	observability.OffersTotal.Inc()
	s.Logger.Info("offering trip",
		"trip_id", trip.ID, "station_id", trip.StationID,
		"driver_id", cand.Driver.ID, "distance_m", cand.Distance)
	ev := events.Event{
		Kind:      events.KindTripOffer,
		StationID: trip.StationID,
		TripID:    trip.ID,
		DriverID:  cand.Driver.ID,
		Trip:      trip,
	}
	s.Bus.Broadcast(ev, events.DriverTopic(cand.Driver.ID), events.StationTopic(trip.StationID))
}

// awaitResponse waits for the offered driver to act, for the trip to leave
// pending, or for the offer timer to expire. The timer is advisory: a late
// claim is still decided by the trip store, never by this wait. The channel
// also carries station traffic about other trips; anything not addressed to
// tripID is ignored so unrelated activity cannot restart the offer window.
func (s *Service) awaitResponse(ctx context.Context, ch <-chan events.Event, tripID, driverID string) response {
	timer := time.NewTimer(s.OfferTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return responseResolved
		case <-timer.C:
			return responseTimeout
		case ev, ok := <-ch:
			if !ok {
				return responseResolved
			}
			if ev.TripID != tripID {
				continue
			}
			switch ev.Kind {
			case events.KindTripClaimed, events.KindTripCancelled, events.KindTripCompleted:
				return responseResolved
			case events.KindTripDeclined:
				if ev.DriverID == driverID {
					return responseDeclined
				}
			}
		}
	}
}

func (s *Service) giveUp(trip *models.Trip) error {
	updated, err := s.Store.Transition(trip.ID, models.TripPending, models.TripCancelled, storage.TransitionFields{
		CancelReason: models.CancelReasonNoDrivers,
	})
	if errors.Is(err, storage.ErrConflict) {
		// A claim or explicit cancellation beat us to it.
		return nil
	}
	if err != nil {
		return err
	}
	observability.TripsCancelled.WithLabelValues(models.CancelReasonNoDrivers).Inc()
	observability.DispatchLatency.Observe(time.Since(updated.CreatedAt).Seconds())
	s.Logger.Info("dispatch exhausted", "trip_id", trip.ID, "station_id", trip.StationID)
	s.Bus.TripEvent(events.KindTripCancelled, updated, "")
	return nil
}

// sleep waits for d, a bus wake-up, or cancellation; false means ctx ended.
func (s *Service) sleep(ctx context.Context, ch <-chan events.Event, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case _, ok := <-ch:
		return ok
	}
}

// Resume re-enters dispatch for every unassigned trip in the station,
// typically after a process restart.
func (s *Service) Resume(ctx context.Context, stationID string) {
	trips, err := s.Store.ListUnassigned(stationID, "")
	if err != nil {
		s.Logger.Error("resume scan failed", "station_id", stationID, "error", err)
		return
	}
	for _, t := range trips {
		go func(id string) {
			if err := s.Dispatch(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				s.Logger.Error("dispatch failed", "trip_id", id, "error", err)
			}
		}(t.ID)
	}
}

type inflight struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (f *inflight) add(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ids == nil {
		f.ids = make(map[string]bool)
	}
	if f.ids[id] {
		return false
	}
	f.ids[id] = true
	return true
}

func (f *inflight) remove(id string) {
	f.mu.Lock()
	delete(f.ids, id)
	f.mu.Unlock()
}
