package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-coordination/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned by conditional updates whose precondition no
	// longer holds (another writer got there first).
	ErrConflict  = errors.New("storage: state changed")
	ErrDuplicate = errors.New("storage: duplicate")
)

type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (models.User, error)
	GetUserByPhone(ctx context.Context, phone string) (models.User, error)
	SetVehicleType(ctx context.Context, id string, vt models.VehicleType) error
	SetVerified(ctx context.Context, id string, verified bool) error
	SetAvailability(ctx context.Context, id string, available bool) error
	IncrementTripCount(ctx context.Context, id string) error
	SetRating(ctx context.Context, id string, avg float64, count int) error

	AddTrustedContact(ctx context.Context, c models.TrustedContact) error
	RemoveTrustedContact(ctx context.Context, userID, phone string) error
	ListTrustedContacts(ctx context.Context, userID string) ([]models.TrustedContact, error)
}

type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (models.Trip, error)
	ListTripsForUser(ctx context.Context, userID string, limit int) ([]models.Trip, error)
	// AssignTrip matches a requested trip to a pending offer in one step:
	// driver, accepted price and status on the trip, accepted on the offer.
	// It fails with ErrConflict unless the trip is still requested and the
	// offer still pending.
	AssignTrip(ctx context.Context, tripID, offerID string, at time.Time) (models.Trip, error)
	// UpdateTripStatus moves a trip from -> to, stamping the matching
	// timestamp. ErrConflict if the trip is no longer in from.
	UpdateTripStatus(ctx context.Context, id string, from, to models.TripStatus, actorID string, at time.Time) (models.Trip, error)
	AddSharedContact(ctx context.Context, tripID, phone string) error
	RemoveSharedContact(ctx context.Context, tripID, phone string) error
}

type OfferStore interface {
	// CreateOffer fails with ErrDuplicate when the driver already has a
	// pending offer on the trip.
	CreateOffer(ctx context.Context, o *models.Offer) error
	GetOffer(ctx context.Context, id string) (models.Offer, error)
	ListOffers(ctx context.Context, tripID string) ([]models.Offer, error)
	FindPendingOffer(ctx context.Context, tripID, driverID string) (models.Offer, error)
	RejectOtherOffers(ctx context.Context, tripID, exceptOfferID string) (int, error)
}

type CallStore interface {
	// CreateCall fails with ErrConflict if the trip already has a ringing or
	// connected call.
	CreateCall(ctx context.Context, c *models.Call) error
	GetCall(ctx context.Context, id string) (models.Call, error)
	GetActiveCall(ctx context.Context, tripID string) (models.Call, error)
	// ConnectCall moves ringing -> connected and stamps the connect time once.
	ConnectCall(ctx context.Context, id string, at time.Time) (models.Call, error)
	// FinishCall moves a non-terminal call to ended or missed and records
	// its duration.
	FinishCall(ctx context.Context, id string, status models.CallStatus, reason string, at time.Time) (models.Call, error)
	ListCalls(ctx context.Context, tripID string) ([]models.Call, error)
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id string) (models.Message, error)
	ListMessages(ctx context.Context, tripID string, limit int) ([]models.Message, error)
	// MarkMessageRead stamps read_at once; later calls return the message
	// unchanged.
	MarkMessageRead(ctx context.Context, id string, at time.Time) (models.Message, error)
}

type RatingStore interface {
	// CreateRating fails with ErrDuplicate if the rater already rated the trip.
	CreateRating(ctx context.Context, r *models.Rating) error
	AverageRating(ctx context.Context, rateeID string) (avg float64, count int, err error)
}

// TokenStore holds refresh-token records and revoked access-token hashes.
type TokenStore interface {
	SaveRefreshToken(ctx context.Context, rt models.RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (models.RefreshToken, error)
	// DeleteRefreshToken reports whether a record was removed, so that two
	// concurrent redemptions can tell which one consumed the token.
	DeleteRefreshToken(ctx context.Context, token string) (bool, error)
	DeleteRefreshTokensForUser(ctx context.Context, userID string) (int, error)
	RevokeTokenHash(ctx context.Context, hash string, expiresAt time.Time) error
	IsTokenHashRevoked(ctx context.Context, hash string, now time.Time) (bool, error)
	PurgeExpiredTokens(ctx context.Context, now time.Time) (int, error)
}

type OTPStore interface {
	SaveOTP(ctx context.Context, o models.OTP) error
	GetOTP(ctx context.Context, phone string) (models.OTP, error)
	IncrementOTPAttempts(ctx context.Context, phone string) (int, error)
	DeleteOTP(ctx context.Context, phone string) error
}

// Store is the full durable store used by the server.
type Store interface {
	UserStore
	TripStore
	OfferStore
	CallStore
	MessageStore
	RatingStore
	TokenStore
	OTPStore
	Close() error
}
