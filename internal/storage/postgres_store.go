package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const tripColumns = `id, station_id, zone_id, pickup_lat, pickup_lng, dest_lat, dest_lng, driver_id, status, cancel_reason, created_at, accepted_at, updated_at`

func (p *PostgresStore) Create(draft models.TripDraft) (*models.Trip, error) {
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
	_, err := p.db.Exec(`INSERT INTO trips(id, station_id, zone_id, pickup_lat, pickup_lng, dest_lat, dest_lng, status, created_at, updated_at)
		VALUES($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.StationID, t.ZoneID, t.Pickup.Lat, t.Pickup.Lng, t.Destination.Lat, t.Destination.Lng, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) Get(id string) (*models.Trip, error) {
	row := p.db.QueryRow(`SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
	return scanTrip(row)
}

// Transition is the single conditional update the whole claim protocol
// hangs off. The WHERE clause carries the expected status (and, for the
// claim, driver_id IS NULL) so exactly one concurrent caller can win even
// across multiple server processes.
func (p *PostgresStore) Transition(id string, expected, next models.TripStatus, fields TransitionFields) (*models.Trip, error) {
	if !validTransition(expected, next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	query := `UPDATE trips SET status=$1, updated_at=now()`
	args := []any{next}
	if fields.DriverID != "" {
		args = append(args, fields.DriverID)
		query += fmt.Sprintf(", driver_id=$%d", len(args))
	}
	if fields.AcceptedAt != nil {
		args = append(args, *fields.AcceptedAt)
		query += fmt.Sprintf(", accepted_at=$%d", len(args))
	}
	if fields.CancelReason != "" {
		args = append(args, fields.CancelReason)
		query += fmt.Sprintf(", cancel_reason=$%d", len(args))
	}
	args = append(args, id)
	query += fmt.Sprintf(" WHERE id=$%d", len(args))
	args = append(args, expected)
	query += fmt.Sprintf(" AND status=$%d", len(args))
	if next == models.TripActive {
		query += " AND driver_id IS NULL"
	}
	query += " RETURNING " + tripColumns

	t, err := scanTrip(p.db.QueryRow(query, args...))
	if errors.Is(err, ErrNotFound) {
		// Distinguish a missing trip from a lost race.
		if _, gerr := p.Get(id); gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: trip %s is no longer %s", ErrConflict, id, expected)
	}
	return t, err
}

func (p *PostgresStore) ListUnassigned(stationID, zoneID string) ([]*models.Trip, error) {
	rows, err := p.db.Query(`SELECT `+tripColumns+` FROM trips
		WHERE station_id=$1 AND status='pending' AND ($2 = '' OR zone_id = $2)
		ORDER BY created_at`, stationID, zoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PendingStationIDs() ([]string, error) {
	rows, err := p.db.Query(`SELECT DISTINCT station_id FROM trips WHERE status='pending'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LiveDriverIDs(stationID string) (map[string]bool, error) {
	rows, err := p.db.Query(`SELECT driver_id FROM trips
		WHERE station_id=$1 AND driver_id IS NOT NULL AND status IN ('pending','active')`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecordDecline(tripID, driverID string) error {
	_, err := p.db.Exec(`INSERT INTO trip_declines(trip_id, driver_id, declined_at)
		VALUES($1,$2,now()) ON CONFLICT (trip_id, driver_id) DO NOTHING`, tripID, driverID)
	return err
}

func (p *PostgresStore) Declines(tripID string) (map[string]bool, error) {
	rows, err := p.db.Query(`SELECT driver_id FROM trip_declines WHERE trip_id=$1`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*models.Trip, error) {
	var t models.Trip
	var zoneID, driverID, cancelReason sql.NullString
	var acceptedAt sql.NullTime
	err := row.Scan(&t.ID, &t.StationID, &zoneID, &t.Pickup.Lat, &t.Pickup.Lng,
		&t.Destination.Lat, &t.Destination.Lng, &driverID, &t.Status, &cancelReason,
		&t.CreatedAt, &acceptedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.ZoneID = zoneID.String
	t.DriverID = driverID.String
	t.CancelReason = cancelReason.String
	if acceptedAt.Valid {
		t.AcceptedAt = &acceptedAt.Time
	}
	return &t, nil
}
