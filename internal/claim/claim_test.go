package claim

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/storage"
)

type fakeDrivers struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func (f *fakeDrivers) Get(id string) (models.Driver, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.drivers[id]
	return d, ok
}

func (f *fakeDrivers) add(id, station string) {
	now := time.Now()
	f.mu.Lock()
	f.drivers[id] = models.Driver{
		ID: id, StationID: station, Online: true, Approved: true,
		Position:       &models.Position{Coord: models.Coord{Lat: 32.0, Lng: 35.0}},
		LastPositionAt: &now,
	}
	f.mu.Unlock()
}

func testArbiter() (*Arbiter, *storage.MemoryStore, *fakeDrivers) {
	store := storage.NewMemoryStore()
	drivers := &fakeDrivers{drivers: make(map[string]models.Driver)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewArbiter(store, drivers, events.NewBus(8), logger), store, drivers
}

func newTrip(t *testing.T, store *storage.MemoryStore, station string) *models.Trip {
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

func TestClaimSuccess(t *testing.T) {
	a, store, drivers := testArbiter()
	drivers.add("d1", "s1")
	trip := newTrip(t, store, "s1")

	got, err := a.Claim(trip.ID, "d1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.Status != models.TripActive || got.DriverID != "d1" || got.AcceptedAt == nil {
		t.Fatalf("unexpected claimed trip: %+v", got)
	}
}

func TestClaimStationMismatch(t *testing.T) {
	a, store, drivers := testArbiter()
	drivers.add("d-other", "s2")
	trip := newTrip(t, store, "s1")

	if _, err := a.Claim(trip.ID, "d-other"); !errors.Is(err, ErrStationMismatch) {
		t.Fatalf("expected ErrStationMismatch, got %v", err)
	}

	// Online/approval status must not change the outcome.
	d, _ := drivers.Get("d-other")
	d.Online = false
	d.Approved = false
	drivers.mu.Lock()
	drivers.drivers["d-other"] = d
	drivers.mu.Unlock()
	if _, err := a.Claim(trip.ID, "d-other"); !errors.Is(err, ErrStationMismatch) {
		t.Fatalf("expected ErrStationMismatch regardless of flags, got %v", err)
	}
}

func TestClaimDriverUnavailable(t *testing.T) {
	a, store, drivers := testArbiter()
	trip := newTrip(t, store, "s1")

	if _, err := a.Claim(trip.ID, "ghost"); !errors.Is(err, ErrDriverUnavailable) {
		t.Fatalf("unknown driver: expected ErrDriverUnavailable, got %v", err)
	}

	drivers.add("d1", "s1")
	d, _ := drivers.Get("d1")
	d.Online = false
	drivers.mu.Lock()
	drivers.drivers["d1"] = d
	drivers.mu.Unlock()
	if _, err := a.Claim(trip.ID, "d1"); !errors.Is(err, ErrDriverUnavailable) {
		t.Fatalf("offline driver: expected ErrDriverUnavailable, got %v", err)
	}
}

func TestClaimMissingTrip(t *testing.T) {
	a, _, drivers := testArbiter()
	drivers.add("d1", "s1")
	if _, err := a.Claim("missing", "d1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentClaimsExactlyOneWinner(t *testing.T) {
	a, store, drivers := testArbiter()
	trip := newTrip(t, store, "s1")

	const attempts = 8
	for i := 0; i < attempts; i++ {
		drivers.add(fmt.Sprintf("d%d", i), "s1")
	}

	var wg sync.WaitGroup
	winners := make(chan string, attempts)
	losers := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		id := fmt.Sprintf("d%d", i)
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			if _, err := a.Claim(trip.ID, driverID); err != nil {
				losers <- err
				return
			}
			winners <- driverID
		}(id)
	}
	wg.Wait()
	close(winners)
	close(losers)

	var won []string
	for id := range winners {
		won = append(won, id)
	}
	if len(won) != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", len(won))
	}
	for err := range losers {
		if !errors.Is(err, ErrAlreadyTaken) {
			t.Fatalf("loser saw unexpected error: %v", err)
		}
	}

	got, _ := store.Get(trip.ID)
	if got.Status != models.TripActive || got.DriverID != won[0] {
		t.Fatalf("final trip does not reflect the winner: %+v", got)
	}
}

func TestClaimRacingCancellation(t *testing.T) {
	a, store, drivers := testArbiter()
	drivers.add("d1", "s1")
	trip := newTrip(t, store, "s1")

	var wg sync.WaitGroup
	results := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := a.Claim(trip.ID, "d1")
		results <- err
	}()
	go func() {
		defer wg.Done()
		_, err := store.Transition(trip.ID, models.TripPending, models.TripCancelled, storage.TransitionFields{CancelReason: models.CancelReasonRequested})
		results <- err
	}()
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrAlreadyTaken) && !errors.Is(err, storage.ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}

	got, _ := store.Get(trip.ID)
	if got.Status != models.TripActive && got.Status != models.TripCancelled {
		t.Fatalf("unexpected final status: %s", got.Status)
	}
}

func TestDeclineLeavesStatusAlone(t *testing.T) {
	a, store, drivers := testArbiter()
	drivers.add("d1", "s1")
	trip := newTrip(t, store, "s1")

	if err := a.Decline(trip.ID, "d1"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	got, _ := store.Get(trip.ID)
	if got.Status != models.TripPending || got.DriverID != "" {
		t.Fatalf("decline must not mutate trip state: %+v", got)
	}
	declines, _ := store.Declines(trip.ID)
	if !declines["d1"] {
		t.Fatal("decline was not recorded")
	}
}
