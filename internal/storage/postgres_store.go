package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-coordination/internal/models"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	const op = "storage.NewPostgresStore"
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate creates the schema if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage.Migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrDuplicate) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// expectOne maps a zero-row update to ErrNotFound.
func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// Users

const userColumns = `id, phone, name, role, vehicle_type, verified, available, total_trips, rating, rating_count, created_at`

func scanUser(s scanner) (models.User, error) {
	var u models.User
	err := s.Scan(&u.ID, &u.Phone, &u.Name, &u.Role, &u.VehicleType, &u.Verified, &u.Available,
		&u.TotalTrips, &u.Rating, &u.RatingCount, &u.CreatedAt)
	return u, notFound(err)
}

func (p *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	const op = "storage.CreateUser"
	_, err := p.db.ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		u.ID, u.Phone, u.Name, u.Role, u.VehicleType, u.Verified, u.Available, u.TotalTrips, u.Rating, u.RatingCount, u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return wrap(op, err)
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (models.User, error) {
	u, err := scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	return u, wrap("storage.GetUser", err)
}

func (p *PostgresStore) GetUserByPhone(ctx context.Context, phone string) (models.User, error) {
	u, err := scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE phone=$1`, phone))
	return u, wrap("storage.GetUserByPhone", err)
}

func (p *PostgresStore) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrap(op, err)
	}
	return wrap(op, expectOne(res))
}

func (p *PostgresStore) SetVehicleType(ctx context.Context, id string, vt models.VehicleType) error {
	return p.execOne(ctx, "storage.SetVehicleType", `UPDATE users SET vehicle_type=$1 WHERE id=$2`, vt, id)
}

func (p *PostgresStore) SetVerified(ctx context.Context, id string, verified bool) error {
	return p.execOne(ctx, "storage.SetVerified", `UPDATE users SET verified=$1 WHERE id=$2`, verified, id)
}

func (p *PostgresStore) SetAvailability(ctx context.Context, id string, available bool) error {
	return p.execOne(ctx, "storage.SetAvailability", `UPDATE users SET available=$1 WHERE id=$2`, available, id)
}

func (p *PostgresStore) IncrementTripCount(ctx context.Context, id string) error {
	return p.execOne(ctx, "storage.IncrementTripCount", `UPDATE users SET total_trips=total_trips+1 WHERE id=$1`, id)
}

func (p *PostgresStore) SetRating(ctx context.Context, id string, avg float64, count int) error {
	return p.execOne(ctx, "storage.SetRating", `UPDATE users SET rating=$1, rating_count=$2 WHERE id=$3`, avg, count, id)
}

func (p *PostgresStore) AddTrustedContact(ctx context.Context, c models.TrustedContact) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trusted_contacts(user_id, phone, name) VALUES($1,$2,$3)`, c.UserID, c.Phone, c.Name)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return wrap("storage.AddTrustedContact", err)
}

func (p *PostgresStore) RemoveTrustedContact(ctx context.Context, userID, phone string) error {
	return p.execOne(ctx, "storage.RemoveTrustedContact", `DELETE FROM trusted_contacts WHERE user_id=$1 AND phone=$2`, userID, phone)
}

func (p *PostgresStore) ListTrustedContacts(ctx context.Context, userID string) ([]models.TrustedContact, error) {
	const op = "storage.ListTrustedContacts"
	rows, err := p.db.QueryContext(ctx, `SELECT user_id, phone, name FROM trusted_contacts WHERE user_id=$1 ORDER BY phone`, userID)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var out []models.TrustedContact
	for rows.Next() {
		var c models.TrustedContact
		if err := rows.Scan(&c.UserID, &c.Phone, &c.Name); err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, c)
	}
	return out, wrap(op, rows.Err())
}

// Trips

const tripColumns = `id, rider_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, pickup_address,
	dropoff_address, vehicle_type, proposed_price, accepted_price, status, shared_with, created_at,
	accepted_at, started_at, completed_at, cancelled_at, cancelled_by`

func scanTrip(s scanner) (models.Trip, error) {
	var (
		t                                               models.Trip
		driverID                                        sql.NullString
		accepted                                        sql.NullFloat64
		shared                                          pq.StringArray
		acceptedAt, startedAt, completedAt, cancelledAt sql.NullTime
	)
	err := s.Scan(&t.ID, &t.RiderID, &driverID, &t.Pickup.Lat, &t.Pickup.Lon, &t.Dropoff.Lat, &t.Dropoff.Lon,
		&t.PickupAddress, &t.DropAddress, &t.VehicleType, &t.ProposedPrice, &accepted, &t.Status, &shared,
		&t.CreatedAt, &acceptedAt, &startedAt, &completedAt, &cancelledAt, &t.CancelledBy)
	if err != nil {
		return t, notFound(err)
	}
	if driverID.Valid {
		t.DriverID = &driverID.String
	}
	if accepted.Valid {
		t.AcceptedPrice = &accepted.Float64
	}
	t.SharedWith = []string(shared)
	t.AcceptedAt = timePtr(acceptedAt)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	t.CancelledAt = timePtr(cancelledAt)
	return t, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(id, rider_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
		pickup_address, dropoff_address, vehicle_type, proposed_price, status, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.ID, t.RiderID, t.Pickup.Lat, t.Pickup.Lon, t.Dropoff.Lat, t.Dropoff.Lon, t.PickupAddress, t.DropAddress,
		t.VehicleType, t.ProposedPrice, t.Status, t.CreatedAt)
	return wrap("storage.CreateTrip", err)
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, id))
	return t, wrap("storage.GetTrip", err)
}

func (p *PostgresStore) ListTripsForUser(ctx context.Context, userID string, limit int) ([]models.Trip, error) {
	const op = "storage.ListTripsForUser"
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE rider_id=$1 OR driver_id=$1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var out []models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, t)
	}
	return out, wrap(op, rows.Err())
}

// AssignTrip runs the trip update and the offer update in one transaction.
// The trip UPDATE is conditional on status='requested', so of two racing
// acceptances only one sees a row affected.
func (p *PostgresStore) AssignTrip(ctx context.Context, tripID, offerID string, at time.Time) (models.Trip, error) {
	const op = "storage.AssignTrip"
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Trip{}, wrap(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		driverID string
		price    float64
	)
	err = tx.QueryRowContext(ctx, `UPDATE offers SET status='accepted'
		WHERE id=$1 AND trip_id=$2 AND status='pending' RETURNING driver_id, price`, offerID, tripID).Scan(&driverID, &price)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, p.assignFailure(ctx, tripID, offerID)
	}
	if err != nil {
		return models.Trip{}, wrap(op, err)
	}

	t, err := scanTrip(tx.QueryRowContext(ctx, `UPDATE trips SET driver_id=$1, accepted_price=$2, status='accepted', accepted_at=$3
		WHERE id=$4 AND status='requested' RETURNING `+tripColumns, driverID, price, at, tripID))
	if errors.Is(err, ErrNotFound) {
		return models.Trip{}, ErrConflict
	}
	if err != nil {
		return models.Trip{}, wrap(op, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Trip{}, wrap(op, err)
	}
	return t, nil
}

// assignFailure distinguishes a missing offer from one that is no longer pending.
func (p *PostgresStore) assignFailure(ctx context.Context, tripID, offerID string) error {
	var got string
	err := p.db.QueryRowContext(ctx, `SELECT trip_id FROM offers WHERE id=$1`, offerID).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && got != tripID) {
		return ErrNotFound
	}
	if err != nil {
		return wrap("storage.AssignTrip", err)
	}
	return ErrConflict
}

func (p *PostgresStore) UpdateTripStatus(ctx context.Context, id string, from, to models.TripStatus, actorID string, at time.Time) (models.Trip, error) {
	const op = "storage.UpdateTripStatus"
	if !from.CanTransition(to) {
		return models.Trip{}, ErrConflict
	}
	var column string
	switch to {
	case models.TripInProgress:
		column = "started_at"
	case models.TripCompleted:
		column = "completed_at"
	case models.TripCancelled:
		column = "cancelled_at"
	default:
		return models.Trip{}, ErrConflict
	}
	t, err := scanTrip(p.db.QueryRowContext(ctx, `UPDATE trips SET status=$1, `+column+`=$2,
		cancelled_by=CASE WHEN $1='cancelled' THEN $3 ELSE cancelled_by END
		WHERE id=$4 AND status=$5 RETURNING `+tripColumns, to, at, actorID, id, from))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := p.GetTrip(ctx, id); getErr != nil {
			return models.Trip{}, getErr
		}
		return models.Trip{}, ErrConflict
	}
	return t, wrap(op, err)
}

func (p *PostgresStore) AddSharedContact(ctx context.Context, tripID, phone string) error {
	return p.execOne(ctx, "storage.AddSharedContact", `UPDATE trips SET shared_with =
		CASE WHEN $1 = ANY(shared_with) THEN shared_with ELSE array_append(shared_with, $1) END WHERE id=$2`, phone, tripID)
}

func (p *PostgresStore) RemoveSharedContact(ctx context.Context, tripID, phone string) error {
	return p.execOne(ctx, "storage.RemoveSharedContact", `UPDATE trips SET shared_with = array_remove(shared_with, $1)
		WHERE id=$2 AND $1 = ANY(shared_with)`, phone, tripID)
}

// Offers

const offerColumns = `id, trip_id, driver_id, price, eta_minutes, status, created_at`

func scanOffer(s scanner) (models.Offer, error) {
	var o models.Offer
	err := s.Scan(&o.ID, &o.TripID, &o.DriverID, &o.Price, &o.ETAMinutes, &o.Status, &o.CreatedAt)
	return o, notFound(err)
}

func (p *PostgresStore) queryOffers(ctx context.Context, op, query string, args ...any) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var out []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, o)
	}
	return out, wrap(op, rows.Err())
}

func (p *PostgresStore) CreateOffer(ctx context.Context, o *models.Offer) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO offers(`+offerColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		o.ID, o.TripID, o.DriverID, o.Price, o.ETAMinutes, o.Status, o.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return wrap("storage.CreateOffer", err)
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=$1`, id))
	return o, wrap("storage.GetOffer", err)
}

func (p *PostgresStore) ListOffers(ctx context.Context, tripID string) ([]models.Offer, error) {
	return p.queryOffers(ctx, "storage.ListOffers", `SELECT `+offerColumns+` FROM offers WHERE trip_id=$1 ORDER BY created_at`, tripID)
}

func (p *PostgresStore) FindPendingOffer(ctx context.Context, tripID, driverID string) (models.Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers
		WHERE trip_id=$1 AND driver_id=$2 AND status='pending'`, tripID, driverID))
	return o, wrap("storage.FindPendingOffer", err)
}

func (p *PostgresStore) RejectOtherOffers(ctx context.Context, tripID, exceptOfferID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE offers SET status='rejected' WHERE trip_id=$1 AND id<>$2 AND status='pending'`,
		tripID, exceptOfferID)
	if err != nil {
		return 0, wrap("storage.RejectOtherOffers", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrap("storage.RejectOtherOffers", err)
}

// Calls

const callColumns = `id, trip_id, caller_id, callee_id, status, started_at, connected_at, ended_at, duration, end_reason`

func scanCall(s scanner) (models.Call, error) {
	var (
		c                  models.Call
		connected, endedAt sql.NullTime
	)
	err := s.Scan(&c.ID, &c.TripID, &c.CallerID, &c.CalleeID, &c.Status, &c.StartedAt, &connected, &endedAt, &c.Duration, &c.EndReason)
	if err != nil {
		return c, notFound(err)
	}
	c.ConnectedAt = timePtr(connected)
	c.EndedAt = timePtr(endedAt)
	return c, nil
}

func (p *PostgresStore) CreateCall(ctx context.Context, c *models.Call) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO calls(id, trip_id, caller_id, callee_id, status, started_at)
		VALUES($1,$2,$3,$4,$5,$6)`, c.ID, c.TripID, c.CallerID, c.CalleeID, c.Status, c.StartedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return wrap("storage.CreateCall", err)
}

func (p *PostgresStore) GetCall(ctx context.Context, id string) (models.Call, error) {
	c, err := scanCall(p.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id=$1`, id))
	return c, wrap("storage.GetCall", err)
}

func (p *PostgresStore) GetActiveCall(ctx context.Context, tripID string) (models.Call, error) {
	c, err := scanCall(p.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls
		WHERE trip_id=$1 AND status IN ('ringing','connected')`, tripID))
	return c, wrap("storage.GetActiveCall", err)
}

func (p *PostgresStore) ConnectCall(ctx context.Context, id string, at time.Time) (models.Call, error) {
	const op = "storage.ConnectCall"
	c, err := scanCall(p.db.QueryRowContext(ctx, `UPDATE calls SET status='connected', connected_at=COALESCE(connected_at, $1)
		WHERE id=$2 AND status IN ('ringing','connected') RETURNING `+callColumns, at, id))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := p.GetCall(ctx, id); getErr != nil {
			return models.Call{}, getErr
		}
		return models.Call{}, ErrConflict
	}
	return c, wrap(op, err)
}

func (p *PostgresStore) FinishCall(ctx context.Context, id string, status models.CallStatus, reason string, at time.Time) (models.Call, error) {
	const op = "storage.FinishCall"
	from := []string{string(models.CallRinging)}
	if status == models.CallEnded {
		from = append(from, string(models.CallConnected))
	}
	c, err := scanCall(p.db.QueryRowContext(ctx, `UPDATE calls SET status=$1, ended_at=$2, end_reason=$3,
		duration=CASE WHEN connected_at IS NULL OR connected_at > $2 THEN 0
			ELSE FLOOR(EXTRACT(EPOCH FROM ($2 - connected_at)))::INTEGER END
		WHERE id=$4 AND status = ANY($5) RETURNING `+callColumns, status, at, reason, id, pq.Array(from)))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := p.GetCall(ctx, id); getErr != nil {
			return models.Call{}, getErr
		}
		return models.Call{}, ErrConflict
	}
	return c, wrap(op, err)
}

func (p *PostgresStore) ListCalls(ctx context.Context, tripID string) ([]models.Call, error) {
	const op = "storage.ListCalls"
	rows, err := p.db.QueryContext(ctx, `SELECT `+callColumns+` FROM calls WHERE trip_id=$1 ORDER BY started_at`, tripID)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var out []models.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, c)
	}
	return out, wrap(op, rows.Err())
}

// Messages

const messageColumns = `id, trip_id, sender_id, content, flagged, read_at, created_at`

func scanMessage(s scanner) (models.Message, error) {
	var (
		m      models.Message
		readAt sql.NullTime
	)
	if err := s.Scan(&m.ID, &m.TripID, &m.SenderID, &m.Content, &m.Flagged, &readAt, &m.CreatedAt); err != nil {
		return m, notFound(err)
	}
	m.ReadAt = timePtr(readAt)
	return m, nil
}

func (p *PostgresStore) CreateMessage(ctx context.Context, m *models.Message) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO messages(id, trip_id, sender_id, content, flagged, created_at)
		VALUES($1,$2,$3,$4,$5,$6)`, m.ID, m.TripID, m.SenderID, m.Content, m.Flagged, m.CreatedAt)
	return wrap("storage.CreateMessage", err)
}

func (p *PostgresStore) GetMessage(ctx context.Context, id string) (models.Message, error) {
	m, err := scanMessage(p.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id))
	return m, wrap("storage.GetMessage", err)
}

func (p *PostgresStore) ListMessages(ctx context.Context, tripID string, limit int) ([]models.Message, error) {
	const op = "storage.ListMessages"
	if limit <= 0 {
		limit = 200
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM (
		SELECT `+messageColumns+` FROM messages WHERE trip_id=$1 ORDER BY created_at DESC LIMIT $2
	) recent ORDER BY created_at`, tripID, limit)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, m)
	}
	return out, wrap(op, rows.Err())
}

func (p *PostgresStore) MarkMessageRead(ctx context.Context, id string, at time.Time) (models.Message, error) {
	m, err := scanMessage(p.db.QueryRowContext(ctx, `UPDATE messages SET read_at=COALESCE(read_at, $1)
		WHERE id=$2 RETURNING `+messageColumns, at, id))
	return m, wrap("storage.MarkMessageRead", err)
}

// Ratings

func (p *PostgresStore) CreateRating(ctx context.Context, r *models.Rating) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ratings(id, trip_id, rater_id, ratee_id, score, comment, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`, r.ID, r.TripID, r.RaterID, r.RateeID, r.Score, r.Comment, r.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return wrap("storage.CreateRating", err)
}

func (p *PostgresStore) AverageRating(ctx context.Context, rateeID string) (float64, int, error) {
	var (
		avg sql.NullFloat64
		n   int
	)
	err := p.db.QueryRowContext(ctx, `SELECT AVG(score)::DOUBLE PRECISION, COUNT(*) FROM ratings WHERE ratee_id=$1`, rateeID).Scan(&avg, &n)
	if err != nil {
		return 0, 0, wrap("storage.AverageRating", err)
	}
	return avg.Float64, n, nil
}

// Tokens

func (p *PostgresStore) SaveRefreshToken(ctx context.Context, rt models.RefreshToken) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO refresh_tokens(token, user_id, expires_at, created_at) VALUES($1,$2,$3,$4)`,
		rt.Token, rt.UserID, rt.ExpiresAt, rt.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return wrap("storage.SaveRefreshToken", err)
}

func (p *PostgresStore) GetRefreshToken(ctx context.Context, token string) (models.RefreshToken, error) {
	var rt models.RefreshToken
	err := p.db.QueryRowContext(ctx, `SELECT token, user_id, expires_at, created_at FROM refresh_tokens WHERE token=$1`, token).
		Scan(&rt.Token, &rt.UserID, &rt.ExpiresAt, &rt.CreatedAt)
	return rt, wrap("storage.GetRefreshToken", notFound(err))
}

func (p *PostgresStore) DeleteRefreshToken(ctx context.Context, token string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token=$1`, token)
	if err != nil {
		return false, wrap("storage.DeleteRefreshToken", err)
	}
	n, err := res.RowsAffected()
	return n > 0, wrap("storage.DeleteRefreshToken", err)
}

func (p *PostgresStore) DeleteRefreshTokensForUser(ctx context.Context, userID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE user_id=$1`, userID)
	if err != nil {
		return 0, wrap("storage.DeleteRefreshTokensForUser", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrap("storage.DeleteRefreshTokensForUser", err)
}

func (p *PostgresStore) RevokeTokenHash(ctx context.Context, hash string, expiresAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO revoked_tokens(token_hash, expires_at) VALUES($1,$2)
		ON CONFLICT (token_hash) DO UPDATE SET expires_at=EXCLUDED.expires_at`, hash, expiresAt)
	return wrap("storage.RevokeTokenHash", err)
}

func (p *PostgresStore) IsTokenHashRevoked(ctx context.Context, hash string, now time.Time) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE token_hash=$1 AND expires_at > $2)`, hash, now).Scan(&exists)
	return exists, wrap("storage.IsTokenHashRevoked", err)
}

func (p *PostgresStore) PurgeExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	const op = "storage.PurgeExpiredTokens"
	total := 0
	for _, q := range []string{
		`DELETE FROM refresh_tokens WHERE expires_at <= $1`,
		`DELETE FROM revoked_tokens WHERE expires_at <= $1`,
	} {
		res, err := p.db.ExecContext(ctx, q, now)
		if err != nil {
			return total, wrap(op, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

// OTP

func (p *PostgresStore) SaveOTP(ctx context.Context, o models.OTP) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO otps(phone, code_hash, expires_at, attempts) VALUES($1,$2,$3,$4)
		ON CONFLICT (phone) DO UPDATE SET code_hash=EXCLUDED.code_hash, expires_at=EXCLUDED.expires_at, attempts=EXCLUDED.attempts`,
		o.Phone, o.CodeHash, o.ExpiresAt, o.Attempts)
	return wrap("storage.SaveOTP", err)
}

func (p *PostgresStore) GetOTP(ctx context.Context, phone string) (models.OTP, error) {
	var o models.OTP
	err := p.db.QueryRowContext(ctx, `SELECT phone, code_hash, expires_at, attempts FROM otps WHERE phone=$1`, phone).
		Scan(&o.Phone, &o.CodeHash, &o.ExpiresAt, &o.Attempts)
	return o, wrap("storage.GetOTP", notFound(err))
}

func (p *PostgresStore) IncrementOTPAttempts(ctx context.Context, phone string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `UPDATE otps SET attempts=attempts+1 WHERE phone=$1 RETURNING attempts`, phone).Scan(&n)
	return n, wrap("storage.IncrementOTPAttempts", notFound(err))
}

func (p *PostgresStore) DeleteOTP(ctx context.Context, phone string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM otps WHERE phone=$1`, phone)
	return wrap("storage.DeleteOTP", err)
}

var _ Store = (*PostgresStore)(nil)
