package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-dispatch/internal/claim"
	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/geocode"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/matcher"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/payments"
	"github.com/example/trip-dispatch/internal/registry"
	"github.com/example/trip-dispatch/internal/storage"
)

// fareHoldCents is the flat deposit held per trip when a fare processor is
// configured. Real pricing is a separate product concern.
const fareHoldCents = 500

type Deps struct {
	Config   config.ServerConfig
	Logger   *slog.Logger
	Stations *registry.Stations
	Drivers  *registry.Drivers
	Store    storage.TripStore
	Arbiter  *claim.Arbiter
	Engine   *matcher.Service
	Bus      *events.Bus
	Geocoder geocode.Geocoder       // optional
	Fares    payments.FareProcessor // optional
	Kafka    *ingest.KafkaProducer  // optional
	Mirror   *geo.RedisMirror       // optional
}

type Server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	stations *registry.Stations
	drivers  *registry.Drivers
	store    storage.TripStore
	arbiter  *claim.Arbiter
	engine   *matcher.Service
	bus      *events.Bus
	bridge   *events.WSBridge
	geocoder geocode.Geocoder
	fares    payments.FareProcessor
	kafka    *ingest.KafkaProducer
	mirror   *geo.RedisMirror
	mux      *mux.Router

	// baseCtx outlives individual requests; dispatch loops run on it.
	baseCtx context.Context

	holdsMu sync.Mutex
	holds   map[string]string // trip id -> payment hold ref
}

func NewServer(baseCtx context.Context, d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		logger:   d.Logger,
		stations: d.Stations,
		drivers:  d.Drivers,
		store:    d.Store,
		arbiter:  d.Arbiter,
		engine:   d.Engine,
		bus:      d.Bus,
		bridge:   events.NewWSBridge(d.Bus, d.Logger),
		geocoder: d.Geocoder,
		fares:    d.Fares,
		kafka:    d.Kafka,
		mirror:   d.Mirror,
		mux:      mux.NewRouter(),
		baseCtx:  baseCtx,
		holds:    make(map[string]string),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.principalMiddleware)
	api.HandleFunc("/trips", s.handleCreateTrip).Methods("POST")
	api.HandleFunc("/trips/{trip_id}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{trip_id}/claim", s.handleClaim).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/decline", s.handleDecline).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/drivers/location", s.handleDriverLocation).Methods("POST")
	api.HandleFunc("/drivers/online", s.handleSetOnline).Methods("POST")
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods("GET")

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.principalMiddleware)
	ws.HandleFunc("/driver", s.handleDriverWS).Methods("GET")
	ws.HandleFunc("/station", s.handleStationWS).Methods("GET")

	// Provisioning glue for operators and the admin product. Sits behind
	// network policy, not the public gateway.
	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.HandleFunc("/stations", s.handleProvisionStation).Methods("POST")
	internal.HandleFunc("/stations/{station_id}/zones", s.handleSetZones).Methods("PUT")
	internal.HandleFunc("/drivers", s.handleProvisionDriver).Methods("POST")
}

func (s *Server) handleProvisionStation(w http.ResponseWriter, r *http.Request) {
	var body models.Station
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	st := s.stations.Seed(body.ID, body.Name)
	s.writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleSetZones(w http.ResponseWriter, r *http.Request) {
	var zones []models.Zone
	if err := json.NewDecoder(r.Body).Decode(&zones); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stationID := mux.Vars(r)["station_id"]
	if err := s.stations.SetZones(stationID, zones); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.stations.Zones(stationID))
}

func (s *Server) handleProvisionDriver(w http.ResponseWriter, r *http.Request) {
	var body models.Driver
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := s.drivers.Register(body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, d)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	rc := principalFromContext(r.Context())
	var draft models.TripDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// The principal's station always wins; clients cannot write into
	// another tenant.
	draft.StationID = rc.StationID

	if draft.Pickup == nil && draft.PickupAddress != "" && s.geocoder != nil {
		pt, err := s.geocoder.Geocode(r.Context(), draft.PickupAddress, r.Header.Get("Accept-Language"))
		if err != nil {
			s.logger.Warn("geocode failed", "address", draft.PickupAddress, "error", err)
			http.Error(w, "could not resolve pickup address", http.StatusBadRequest)
			return
		}
		draft.Pickup = &pt
	}

	trip, err := s.store.Create(draft)
	if err != nil {
		s.writeError(w, err)
		return
	}
	observability.TripsCreated.Inc()
	s.bus.TripEvent(events.KindTripCreated, trip, "")

	if s.fares != nil {
		if ref, err := s.fares.Hold(r.Context(), fareHoldCents, "usd", ""); err != nil {
			s.logger.Warn("fare hold failed", "trip_id", trip.ID, "error", err)
		} else {
			s.holdsMu.Lock()
			s.holds[trip.ID] = ref
			s.holdsMu.Unlock()
		}
	}

	go func() {
		if err := s.engine.Dispatch(s.baseCtx, trip.ID); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("dispatch failed", "trip_id", trip.ID, "error", err)
		}
	}()

	s.writeJSON(w, http.StatusCreated, trip)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	rc := principalFromContext(r.Context())
	trip, err := s.store.Get(mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if trip.StationID != rc.StationID {
		// Cross-tenant reads look like a missing trip, not a hint that it
		// exists elsewhere.
		s.writeError(w, storage.ErrNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	rc := principalFromContext(r.Context())
	if rc.Role != models.RoleDriver || rc.DriverID == "" {
		http.Error(w, "driver principal required", http.StatusForbidden)
		return
	}
	trip, err := s.arbiter.Claim(mux.Vars(r)["trip_id"], rc.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	rc := principalFromContext(r.Context())
	if rc.Role != models.RoleDriver || rc.DriverID == "" {
		http.Error(w, "driver principal required", http.StatusForbidden)
		return
	}
	if err := s.arbiter.Decline(mux.Vars(r)["trip_id"], rc.DriverID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	rc := principalFromContext(r.Context())
	tripID := mux.Vars(r)["trip_id"]
	trip, err := s.store.Get(tripID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if trip.StationID != rc.StationID {
		s.writeError(w, storage.ErrNotFound)
		return
	}
	// The assigned driver or a dispatcher may complete.
	if rc.Role == models.RoleDriver && trip.DriverID != rc.DriverID {
		http.Error(w, "not the assigned driver", http.StatusForbidden)
		return
	}
	updated, err := s.store.Transition(tripID, models.TripActive, models.TripCompleted, storage.TransitionFields{})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.bus.TripEvent(events.KindTripCompleted, updated, updated.DriverID)
	s.settleHold(r.Context(), tripID, true)
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rc := principalFromContext(r.Context())
	if rc.Role != models.RoleDispatcher {
		http.Error(w, "dispatcher principal required", http.StatusForbidden)
		return
	}
	tripID := mux.Vars(r)["trip_id"]
	trip, err := s.store.Get(tripID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if trip.StationID != rc.StationID {
		s.writeError(w, storage.ErrNotFound)
		return
	}
	if trip.Status != models.TripPending && trip.Status != models.TripActive {
		s.writeError(w, storage.ErrInvalidTransition)
		return
	}
	updated, err := s.store.Transition(tripID, trip.Status, models.TripCancelled, storage.TransitionFields{
		CancelReason: models.CancelReasonRequested,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	observability.TripsCancelled.WithLabelValues(models.CancelReasonRequested).Inc()
	s.bus.TripEvent(events.KindTripCancelled, updated, updated.DriverID)
	s.settleHold(r.Context(), tripID, false)
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	rc := principalFromContext(r.Context())
	if rc.Role != models.RoleDriver || rc.DriverID == "" {
		http.Error(w, "driver principal required", http.StatusForbidden)
		return
	}
	var rep models.PositionReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// Position moves only over the driver's own channel.
	rep.DriverID = rc.DriverID
	rep.StationID = rc.StationID

	applied, err := s.drivers.ReportPosition(rep)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if applied && s.kafka != nil {
		if err := s.kafka.PublishPosition(rep); err != nil {
			s.logger.Warn("position publish failed", "driver_id", rep.DriverID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetOnline(w http.ResponseWriter, r *http.Request) {
	rc := principalFromContext(r.Context())
	if rc.Role != models.RoleDriver || rc.DriverID == "" {
		http.Error(w, "driver principal required", http.StatusForbidden)
		return
	}
	var body struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	before, _ := s.drivers.Get(rc.DriverID)
	if err := s.drivers.SetOnline(rc.DriverID, body.Online); err != nil {
		s.writeError(w, err)
		return
	}
	if before.Online != body.Online {
		kind := events.KindDriverOffline
		if body.Online {
			kind = events.KindDriverOnline
			observability.DriversOnline.Inc()
		} else {
			observability.DriversOnline.Dec()
		}
		s.bus.Publish(events.StationTopic(rc.StationID), events.Event{
			Kind: kind, StationID: rc.StationID, DriverID: rc.DriverID,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleNearby serves dispatcher map views from the redis mirror when
// available, falling back to the registry. Display only; never consulted
// for claims.
func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	rc := principalFromContext(r.Context())
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "lat and lng are required", http.StatusBadRequest)
		return
	}
	radius := 5000.0
	if v := q.Get("radius"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			radius = f
		}
	}
	point := models.Coord{Lat: lat, Lng: lng}
	if s.mirror != nil {
		s.writeJSON(w, http.StatusOK, s.mirror.Nearby(r.Context(), rc.StationID, point, radius, 50))
		return
	}
	// Nearest ranks by position alone; busy assignees come from the trip
	// store, same as on the dispatch path.
	exclude, err := s.store.LiveDriverIDs(rc.StationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cands := s.engine.Locator.Nearest(rc.StationID, point, q.Get("zone_id"), exclude, 50)
	out := make([]models.Driver, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.Driver)
	}
	s.writeJSON(w, http.StatusOK, out)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	rc := principalFromContext(r.Context())
	if rc.Role != models.RoleDriver || rc.DriverID == "" {
		http.Error(w, "driver principal required", http.StatusForbidden)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	go s.bridge.Stream(conn, events.DriverTopic(rc.DriverID))
}

func (s *Server) handleStationWS(w http.ResponseWriter, r *http.Request) {
	rc := principalFromContext(r.Context())
	if rc.Role != models.RoleDispatcher {
		http.Error(w, "dispatcher principal required", http.StatusForbidden)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	go s.bridge.Stream(conn, events.StationTopic(rc.StationID))
}

func (s *Server) settleHold(ctx context.Context, tripID string, capture bool) {
	if s.fares == nil {
		return
	}
	s.holdsMu.Lock()
	ref, ok := s.holds[tripID]
	delete(s.holds, tripID)
	s.holdsMu.Unlock()
	if !ok {
		return
	}
	var err error
	if capture {
		err = s.fares.Capture(ctx, ref)
	} else {
		err = s.fares.Release(ctx, ref)
	}
	if err != nil {
		s.logger.Warn("fare settle failed", "trip_id", tripID, "capture", capture, "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, registry.ErrUnknownDriver),
		errors.Is(err, registry.ErrUnknownStation):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, claim.ErrStationMismatch):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, claim.ErrAlreadyTaken),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrInvalidTransition),
		errors.Is(err, registry.ErrHasActiveTrip):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, claim.ErrDriverUnavailable),
		errors.Is(err, registry.ErrDriverOffline):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
