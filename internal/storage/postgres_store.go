package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore keeps trips and users in the tables from migrations/001_init.sql.
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
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

const tripColumns = `passenger_uid, driver_uid, pickup_lat, pickup_lon, dest_lat, dest_lon, state, updated_at`

func (p *PostgresStore) PutTrip(ctx context.Context, t *models.Trip) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trips (`+tripColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (passenger_uid) DO UPDATE SET
			driver_uid = EXCLUDED.driver_uid,
			pickup_lat = EXCLUDED.pickup_lat,
			pickup_lon = EXCLUDED.pickup_lon,
			dest_lat = EXCLUDED.dest_lat,
			dest_lon = EXCLUDED.dest_lon,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`,
		t.PassengerUID, nullString(t.DriverUID),
		t.Pickup.Lat, t.Pickup.Lon, t.Destination.Lat, t.Destination.Lon,
		int(t.State),
	)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, passengerUID string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE passenger_uid = $1`, passengerUID)
	return scanTrip(row)
}

func (p *PostgresStore) AcceptTrip(ctx context.Context, passengerUID, driverUID string) (*models.Trip, error) {
	// The WHERE clause makes this first-writer-wins; losers fall through to a read.
	row := p.db.QueryRowContext(ctx, `
		UPDATE trips SET driver_uid = $1, state = $2, updated_at = NOW()
		WHERE passenger_uid = $3 AND state = $4 AND driver_uid IS NULL
		RETURNING `+tripColumns,
		driverUID, int(models.TripAccepted), passengerUID, int(models.TripRequested),
	)
	t, err := scanTrip(row)
	if errors.Is(err, ErrNotFound) {
		return p.GetTrip(ctx, passengerUID)
	}
	return t, err
}

func (p *PostgresStore) UpdateTripState(ctx context.Context, passengerUID, driverUID string, from, to models.TripState) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE trips SET state = $1, updated_at = NOW()
		WHERE passenger_uid = $2 AND driver_uid = $3 AND state = $4
		RETURNING `+tripColumns,
		int(to), passengerUID, driverUID, int(from),
	)
	t, err := scanTrip(row)
	if !errors.Is(err, ErrNotFound) {
		return t, err
	}
	if _, err := p.GetTrip(ctx, passengerUID); err != nil {
		return nil, err
	}
	return nil, ErrConflict
}

func (p *PostgresStore) DeleteTrip(ctx context.Context, passengerUID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM trips WHERE passenger_uid = $1`, passengerUID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) PutUser(ctx context.Context, u *models.User) error {
	if u.UID == "" || !u.AccountType.Valid() {
		return fmt.Errorf("invalid user %q", u.UID)
	}
	var lat, lon sql.NullFloat64
	if u.Location != nil {
		lat = sql.NullFloat64{Float64: u.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: u.Location.Lon, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO users (uid, email, name, account_type, push_token, lat, lon)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (uid) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			push_token = EXCLUDED.push_token,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon
		WHERE users.account_type = EXCLUDED.account_type`,
		u.UID, u.Email, u.Name, int(u.AccountType), nullString(u.PushToken), lat, lon,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: accountType", ErrImmutable)
	}
	return nil
}

func (p *PostgresStore) GetUser(ctx context.Context, uid string) (*models.User, error) {
	var (
		u         models.User
		acct      int
		pushToken sql.NullString
		lat, lon  sql.NullFloat64
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT uid, email, name, account_type, push_token, lat, lon
		FROM users WHERE uid = $1`, uid,
	).Scan(&u.UID, &u.Email, &u.Name, &acct, &pushToken, &lat, &lon)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.AccountType = models.AccountType(acct)
	u.PushToken = pushToken.String
	if lat.Valid && lon.Valid {
		u.Location = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	return &u, nil
}

func scanTrip(row *sql.Row) (*models.Trip, error) {
	var (
		t         models.Trip
		driverUID sql.NullString
		state     int
		updatedAt time.Time
	)
	err := row.Scan(&t.PassengerUID, &driverUID,
		&t.Pickup.Lat, &t.Pickup.Lon, &t.Destination.Lat, &t.Destination.Lon,
		&state, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.DriverUID = driverUID.String
	t.State = models.TripState(state)
	t.UpdatedAt = updatedAt
	return &t, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
