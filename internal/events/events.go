package events

import (
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// Event kinds published on the bus.
const (
	KindTripCreated   = "trip.created"
	KindTripOffer     = "trip.offer"
	KindTripClaimed   = "trip.claimed"
	KindTripDeclined  = "trip.declined"
	KindTripCompleted = "trip.completed"
	KindTripCancelled = "trip.cancelled"
	KindDriverOnline  = "driver.online"
	KindDriverOffline = "driver.offline"
)

type Event struct {
	Kind      string       `json:"kind"`
	StationID string       `json:"station_id"`
	TripID    string       `json:"trip_id,omitempty"`
	DriverID  string       `json:"driver_id,omitempty"`
	Trip      *models.Trip `json:"trip,omitempty"`
	At        time.Time    `json:"at"`
}

func StationTopic(id string) string { return "station:" + id }
func DriverTopic(id string) string  { return "driver:" + id }
func TripTopic(id string) string    { return "trip:" + id }

type subscriber struct {
	ch     chan Event
	topics map[string]bool
}

// Bus is an in-process publish/subscribe fan-out. Delivery is best-effort:
// a subscriber that cannot keep up loses events and is expected to re-fetch
// state from the stores, which stay the source of truth. Within one topic,
// events go out in publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	buffer int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{subs: make(map[int]*subscriber), buffer: buffer}
}

// Subscribe returns a stream of events for the given topics and a cancel
// func that must be called when the consumer goes away.
func (b *Bus) Subscribe(topics ...string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, b.buffer), topics: make(map[string]bool, len(topics))}
	for _, t := range topics {
		s.topics[t] = true
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if cur, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(cur.ch)
		}
		b.mu.Unlock()
	}
	return s.ch, cancel
}

// Publish delivers ev to every subscriber of topic without blocking; a full
// subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(topic string, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.topics[topic] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Broadcast publishes the same event on several topics; each subscriber
// sees it at most once per topic it follows.
func (b *Bus) Broadcast(ev Event, topics ...string) {
	for _, t := range topics {
		b.Publish(t, ev)
	}
}

// TripEvent routes a trip transition to its trip topic, its station topic
// and, when a driver is involved, that driver's topic.
func (b *Bus) TripEvent(kind string, t *models.Trip, driverID string) {
	ev := Event{Kind: kind, StationID: t.StationID, TripID: t.ID, DriverID: driverID, Trip: t}
	topics := []string{TripTopic(t.ID), StationTopic(t.StationID)}
	if driverID != "" {
		topics = append(topics, DriverTopic(driverID))
	}
	b.Broadcast(ev, topics...)
}
