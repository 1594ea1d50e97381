package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Station is the tenant. Drivers, trips and zones belong to exactly one
// station and never reference another.
type Station struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Position struct {
	Coord
	Heading float64 `json:"heading"`
}

type Driver struct {
	ID             string     `json:"id"`
	StationID      string     `json:"station_id"`
	Online         bool       `json:"is_online"`
	Approved       bool       `json:"is_approved"`
	Position       *Position  `json:"position,omitempty"`
	CurrentZoneID  string     `json:"current_zone_id,omitempty"`
	LastPositionAt *time.Time `json:"last_position_at,omitempty"`
}

// Dispatchable reports whether the driver may be offered a trip for the
// given station.
func (d Driver) Dispatchable(stationID string) bool {
	return d.Online && d.Approved && d.Position != nil && d.StationID == stationID
}

type TripStatus string

const (
	TripPending   TripStatus = "pending"
	TripActive    TripStatus = "active"
	TripCompleted TripStatus = "completed"
	TripCancelled TripStatus = "cancelled"
)

// Cancel reasons are persisted so the product can tell a dispatch that ran
// out of drivers apart from an explicit cancellation.
const (
	CancelReasonRequested = "requested"
	CancelReasonNoDrivers = "no_drivers_available"
)

type Trip struct {
	ID           string     `json:"id"`
	StationID    string     `json:"station_id"`
	ZoneID       string     `json:"zone_id,omitempty"`
	Pickup       Coord      `json:"pickup"`
	Destination  Coord      `json:"destination"`
	DriverID     string     `json:"driver_id,omitempty"`
	Status       TripStatus `json:"status"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TripDraft is the inbound shape for trip creation. Pickup coordinates may
// be absent when a pickup address is supplied; the geocoding collaborator
// resolves it before the draft reaches the store.
type TripDraft struct {
	StationID     string `json:"station_id"`
	ZoneID        string `json:"zone_id,omitempty"`
	Pickup        *Coord `json:"pickup,omitempty"`
	PickupAddress string `json:"pickup_address,omitempty"`
	Destination   Coord  `json:"destination"`
}

type Zone struct {
	ID        string  `json:"id"`
	StationID string  `json:"station_id"`
	Name      string  `json:"name"`
	Geometry  []Coord `json:"geometry"`
}

type Role string

const (
	RoleDriver     Role = "driver"
	RoleDispatcher Role = "dispatcher"
)

// RequestContext is the already-authenticated principal handed to every
// core entry point. The auth gateway derives it; the core only trusts it.
type RequestContext struct {
	Role      Role
	StationID string
	DriverID  string
}

// PositionReport is the wire shape for driver location updates, both on the
// HTTP ingest path and on the kafka topic feeding the redis mirror.
type PositionReport struct {
	DriverID   string    `json:"driver_id"`
	StationID  string    `json:"station_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Heading    float64   `json:"heading"`
	ReportedAt time.Time `json:"reported_at"`
}
