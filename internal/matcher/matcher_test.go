package matcher

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/storage"
)

type fakeLocator struct {
	mu      sync.Mutex
	drivers []models.Driver
}

func (f *fakeLocator) Nearest(stationID string, point models.Coord, zoneID string, exclude map[string]bool, limit int) []geo.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []geo.Candidate
	for i, d := range f.drivers {
		if exclude[d.ID] || d.StationID != stationID {
			continue
		}
		out = append(out, geo.Candidate{Driver: d, Distance: float64(i)})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func testEngine(loc Locator) (*Service, *storage.MemoryStore, *events.Bus) {
	store := storage.NewMemoryStore()
	bus := events.NewBus(16)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(store, loc, bus, logger)
	s.OfferTimeout = 40 * time.Millisecond
	s.SearchBudget = 150 * time.Millisecond
	s.RetryInterval = 10 * time.Millisecond
	return s, store, bus
}

func pendingTrip(t *testing.T, store *storage.MemoryStore, station string) *models.Trip {
	t.Helper()
	trip, err := store.Create(models.TripDraft{
		StationID:   station,
		Pickup:      &models.Coord{Lat: 32.001, Lng: 35.001},
		Destination: models.Coord{Lat: 32.1, Lng: 35.1},
	})
	if err != nil {
		t.Fatalf("create trip: %v", err)
	}
	return trip
}

func testDriver(id, station string) models.Driver {
	now := time.Now()
	return models.Driver{
		ID: id, StationID: station, Online: true, Approved: true,
		Position:       &models.Position{Coord: models.Coord{Lat: 32.0, Lng: 35.0}},
		LastPositionAt: &now,
	}
}

func awaitEvent(t *testing.T, ch <-chan events.Event, kind string) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestDispatchExhaustionCancelsTrip(t *testing.T) {
	s, store, bus := testEngine(&fakeLocator{})
	trip := pendingTrip(t, store, "s1")

	ch, cancel := bus.Subscribe(events.TripTopic(trip.ID))
	defer cancel()

	if err := s.Dispatch(context.Background(), trip.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, _ := store.Get(trip.ID)
	if got.Status != models.TripCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if got.CancelReason != models.CancelReasonNoDrivers {
		t.Fatalf("expected %s reason, got %q", models.CancelReasonNoDrivers, got.CancelReason)
	}
	awaitEvent(t, ch, events.KindTripCancelled)
}

func TestDispatchOfferAndClaim(t *testing.T) {
	loc := &fakeLocator{drivers: []models.Driver{testDriver("A", "s1")}}
	s, store, bus := testEngine(loc)
	s.OfferTimeout = 2 * time.Second
	s.SearchBudget = 5 * time.Second
	trip := pendingTrip(t, store, "s1")

	offers, cancelOffers := bus.Subscribe(events.DriverTopic("A"))
	defer cancelOffers()

	done := make(chan error, 1)
	go func() { done <- s.Dispatch(context.Background(), trip.ID) }()

	ev := awaitEvent(t, offers, events.KindTripOffer)
	if ev.TripID != trip.ID || ev.DriverID != "A" {
		t.Fatalf("unexpected offer: %+v", ev)
	}

	// Driver A accepts: the store transition decides, the bus wakes the loop.
	now := time.Now()
	updated, err := store.Transition(trip.ID, models.TripPending, models.TripActive, storage.TransitionFields{DriverID: "A", AcceptedAt: &now})
	if err != nil {
		t.Fatalf("claim transition: %v", err)
	}
	bus.TripEvent(events.KindTripClaimed, updated, "A")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("dispatch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after claim")
	}

	got, _ := store.Get(trip.ID)
	if got.Status != models.TripActive || got.DriverID != "A" {
		t.Fatalf("unexpected final trip: %+v", got)
	}
}

func TestDispatchAdvancesAfterDecline(t *testing.T) {
	loc := &fakeLocator{drivers: []models.Driver{testDriver("A", "s1"), testDriver("B", "s1")}}
	s, store, bus := testEngine(loc)
	s.OfferTimeout = 2 * time.Second
	s.SearchBudget = 5 * time.Second
	trip := pendingTrip(t, store, "s1")

	offersA, cancelA := bus.Subscribe(events.DriverTopic("A"))
	defer cancelA()
	offersB, cancelB := bus.Subscribe(events.DriverTopic("B"))
	defer cancelB()

	done := make(chan error, 1)
	go func() { done <- s.Dispatch(context.Background(), trip.ID) }()

	awaitEvent(t, offersA, events.KindTripOffer)

	// A declines.
	if err := store.RecordDecline(trip.ID, "A"); err != nil {
		t.Fatalf("record decline: %v", err)
	}
	declined, _ := store.Get(trip.ID)
	bus.TripEvent(events.KindTripDeclined, declined, "A")

	ev := awaitEvent(t, offersB, events.KindTripOffer)
	if ev.DriverID != "B" {
		t.Fatalf("expected next offer to B, got %+v", ev)
	}

	// B accepts.
	now := time.Now()
	updated, err := store.Transition(trip.ID, models.TripPending, models.TripActive, storage.TransitionFields{DriverID: "B", AcceptedAt: &now})
	if err != nil {
		t.Fatalf("claim transition: %v", err)
	}
	bus.TripEvent(events.KindTripClaimed, updated, "B")

	if err := <-done; err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, _ := store.Get(trip.ID)
	if got.DriverID != "B" {
		t.Fatalf("expected B to win after A declined, got %+v", got)
	}
}

func TestDispatchTimeoutExcludesCandidate(t *testing.T) {
	loc := &fakeLocator{drivers: []models.Driver{testDriver("A", "s1")}}
	s, store, _ := testEngine(loc)
	s.OfferTimeout = 20 * time.Millisecond
	s.SearchBudget = 100 * time.Millisecond
	trip := pendingTrip(t, store, "s1")

	if err := s.Dispatch(context.Background(), trip.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// A never answered: the timeout must be recorded like a decline and the
	// trip cancelled once nobody else is left.
	declines, _ := store.Declines(trip.ID)
	if !declines["A"] {
		t.Fatal("timed-out candidate was not excluded")
	}
	got, _ := store.Get(trip.ID)
	if got.Status != models.TripCancelled || got.CancelReason != models.CancelReasonNoDrivers {
		t.Fatalf("unexpected final trip: %+v", got)
	}
}

func TestDispatchTimeoutFiresUnderUnrelatedStationTraffic(t *testing.T) {
	loc := &fakeLocator{drivers: []models.Driver{testDriver("A", "s1")}}
	s, store, bus := testEngine(loc)
	s.OfferTimeout = 60 * time.Millisecond
	s.SearchBudget = 250 * time.Millisecond
	trip := pendingTrip(t, store, "s1")

	// Other trips in the same station keep resolving in the background.
	// None of that traffic concerns A's offer, so it must not keep the
	// offer window open.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(15 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				bus.Publish(events.StationTopic("s1"), events.Event{
					Kind: events.KindTripClaimed, StationID: "s1", TripID: "some-other-trip",
				})
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- s.Dispatch(context.Background(), trip.ID) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch starved by unrelated station events")
	}

	declines, _ := store.Declines(trip.ID)
	if !declines["A"] {
		t.Fatal("offer timeout never fired for the unresponsive candidate")
	}
	got, _ := store.Get(trip.ID)
	if got.Status != models.TripCancelled || got.CancelReason != models.CancelReasonNoDrivers {
		t.Fatalf("unexpected final trip: %+v", got)
	}
}

func TestAwaitResponseIgnoresOtherTripsDecline(t *testing.T) {
	s, _, bus := testEngine(&fakeLocator{})
	s.OfferTimeout = 50 * time.Millisecond

	ch, cancel := bus.Subscribe(events.StationTopic("s1"))
	defer cancel()
	bus.Publish(events.StationTopic("s1"), events.Event{
		Kind: events.KindTripDeclined, StationID: "s1", TripID: "other", DriverID: "A",
	})

	if got := s.awaitResponse(context.Background(), ch, "t1", "A"); got != responseTimeout {
		t.Fatalf("expected timeout, got %v", got)
	}
}

func TestDispatchReentryIsIdempotent(t *testing.T) {
	loc := &fakeLocator{drivers: []models.Driver{testDriver("A", "s1")}}
	s, store, bus := testEngine(loc)
	s.OfferTimeout = 2 * time.Second
	s.SearchBudget = 5 * time.Second
	trip := pendingTrip(t, store, "s1")

	offers, cancelOffers := bus.Subscribe(events.DriverTopic("A"))
	defer cancelOffers()

	done := make(chan error, 1)
	go func() { done <- s.Dispatch(context.Background(), trip.ID) }()
	awaitEvent(t, offers, events.KindTripOffer)

	// Re-entering while the loop is live must be a no-op.
	if err := s.Dispatch(context.Background(), trip.ID); err != nil {
		t.Fatalf("re-entry: %v", err)
	}
	select {
	case ev := <-offers:
		t.Fatalf("re-entry produced a duplicate side effect: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	now := time.Now()
	updated, err := store.Transition(trip.ID, models.TripPending, models.TripActive, storage.TransitionFields{DriverID: "A", AcceptedAt: &now})
	if err != nil {
		t.Fatalf("claim transition: %v", err)
	}
	bus.TripEvent(events.KindTripClaimed, updated, "A")
	if err := <-done; err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// A fresh Dispatch for a trip that already left pending returns
	// immediately with no new offers.
	if err := s.Dispatch(context.Background(), trip.ID); err != nil {
		t.Fatalf("post-claim dispatch: %v", err)
	}
	select {
	case ev := <-offers:
		if ev.Kind == events.KindTripOffer {
			t.Fatalf("offer sent for a non-pending trip: %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchSkipsBusyDrivers(t *testing.T) {
	loc := &fakeLocator{drivers: []models.Driver{testDriver("A", "s1"), testDriver("B", "s1")}}
	s, store, bus := testEngine(loc)
	s.OfferTimeout = 2 * time.Second
	s.SearchBudget = 5 * time.Second

	// A already holds a live trip in the same station.
	busyTrip := pendingTrip(t, store, "s1")
	now := time.Now()
	if _, err := store.Transition(busyTrip.ID, models.TripPending, models.TripActive, storage.TransitionFields{DriverID: "A", AcceptedAt: &now}); err != nil {
		t.Fatalf("setup busy driver: %v", err)
	}

	trip := pendingTrip(t, store, "s1")
	offersB, cancelB := bus.Subscribe(events.DriverTopic("B"))
	defer cancelB()

	done := make(chan error, 1)
	go func() { done <- s.Dispatch(context.Background(), trip.ID) }()

	ev := awaitEvent(t, offersB, events.KindTripOffer)
	if ev.DriverID != "B" {
		t.Fatalf("expected offer to B, got %+v", ev)
	}

	updated, err := store.Transition(trip.ID, models.TripPending, models.TripActive, storage.TransitionFields{DriverID: "B", AcceptedAt: &now})
	if err != nil {
		t.Fatalf("claim transition: %v", err)
	}
	bus.TripEvent(events.KindTripClaimed, updated, "B")
	if err := <-done; err != nil {
		t.Fatalf("dispatch: %v", err)
	}
}

func TestResumeReentersPendingTrips(t *testing.T) {
	s, store, _ := testEngine(&fakeLocator{})
	trip := pendingTrip(t, store, "s1")

	s.Resume(context.Background(), "s1")

	// With nobody to offer to, the resumed loop must still drive the trip
	// to its terminal state.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := store.Get(trip.ID)
		if got.Status == models.TripCancelled {
			if got.CancelReason != models.CancelReasonNoDrivers {
				t.Fatalf("unexpected cancel reason %q", got.CancelReason)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("resume did not re-enter dispatch for the pending trip")
}
