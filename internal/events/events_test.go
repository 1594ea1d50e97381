package events

import (
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

func TestPublishReachesSubscribedTopicOnly(t *testing.T) {
	b := NewBus(4)
	ch, cancel := b.Subscribe(StationTopic("s1"))
	defer cancel()

	b.Publish(StationTopic("s2"), Event{Kind: KindDriverOnline, StationID: "s2"})
	b.Publish(StationTopic("s1"), Event{Kind: KindDriverOnline, StationID: "s1"})

	select {
	case ev := <-ch:
		if ev.StationID != "s1" {
			t.Fatalf("received event for wrong topic: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestPublishPreservesOrderPerTopic(t *testing.T) {
	b := NewBus(8)
	ch, cancel := b.Subscribe(TripTopic("t1"))
	defer cancel()

	kinds := []string{KindTripCreated, KindTripOffer, KindTripClaimed, KindTripCompleted}
	for _, k := range kinds {
		b.Publish(TripTopic("t1"), Event{Kind: k, TripID: "t1"})
	}
	for i, want := range kinds {
		select {
		case ev := <-ch:
			if ev.Kind != want {
				t.Fatalf("event %d: expected %s, got %s", i, want, ev.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBus(1)
	_, cancel := b.Subscribe(StationTopic("s1"))
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(StationTopic("s1"), Event{Kind: KindDriverOnline})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestCancelClosesStream(t *testing.T) {
	b := NewBus(4)
	ch, cancel := b.Subscribe(StationTopic("s1"))
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}
	// Publishing after cancel must not panic.
	b.Publish(StationTopic("s1"), Event{Kind: KindDriverOnline})
}

func TestTripEventFanout(t *testing.T) {
	b := NewBus(4)
	tripCh, c1 := b.Subscribe(TripTopic("t1"))
	defer c1()
	stationCh, c2 := b.Subscribe(StationTopic("s1"))
	defer c2()
	driverCh, c3 := b.Subscribe(DriverTopic("d1"))
	defer c3()

	trip := &models.Trip{ID: "t1", StationID: "s1", DriverID: "d1", Status: models.TripActive}
	b.TripEvent(KindTripClaimed, trip, "d1")

	for name, ch := range map[string]<-chan Event{"trip": tripCh, "station": stationCh, "driver": driverCh} {
		select {
		case ev := <-ch:
			if ev.Kind != KindTripClaimed || ev.Trip == nil || ev.Trip.ID != "t1" {
				t.Fatalf("%s: unexpected event %+v", name, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s topic did not receive the event", name)
		}
	}
}
