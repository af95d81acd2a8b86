// Package trips runs the trip state machine and the offer negotiation on
// top of it. Every mutation consults the policy package against freshly
// loaded state and then fans events out to live channels.
package trips

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/clock"
	"github.com/example/ride-coordination/internal/dispatch"
	"github.com/example/ride-coordination/internal/geo"
	"github.com/example/ride-coordination/internal/ingest"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
	"github.com/example/ride-coordination/internal/policy"
	"github.com/example/ride-coordination/internal/storage"
)

// Server-emitted events.
const (
	EventNewTrip       = "new_trip"
	EventNewOffer      = "new_offer"
	EventOfferAccepted = "offer_accepted"
	EventOfferRejected = "offer_rejected"
	EventTripStarted   = "trip_started"
	EventTripCompleted = "trip_completed"
	EventTripCancelled = "trip_cancelled"
	EventChatDisabled  = "chat_disabled"
	EventTripShared    = "trip_shared"
	EventTripUnshared  = "trip_unshared"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

var (
	ErrTripNotFound   = apperr.New(apperr.NotFound, "trip not found")
	ErrOfferNotFound  = apperr.New(apperr.NotFound, "offer not found")
	ErrNotAvailable   = apperr.New(apperr.Conflict, "trip is no longer available")
	ErrDuplicateOffer = apperr.New(apperr.Conflict, "you already have a pending offer on this trip")
	ErrAlreadyRated   = apperr.New(apperr.Conflict, "trip already rated")
)

// Store is the slice of the durable store the trip service uses.
type Store interface {
	storage.UserStore
	storage.TripStore
	storage.OfferStore
	storage.RatingStore
}

// Notifier delivers events to live channels.
type Notifier interface {
	FanOut(userID, event string, payload any) int
	Broadcast(room, event string, payload any, except ...string) int
	OnlineUsers(role models.Role) []string
}

// CallTerminator force-ends the active call of a trip.
type CallTerminator interface {
	EndActiveForTrip(ctx context.Context, trip models.Trip, reason string) error
}

// ETAEstimator supplies a default ETA for offers that carry none.
type ETAEstimator interface {
	Minutes(ctx context.Context, driverID string, dest models.Coord) (int, bool)
}

type Options struct {
	Clock       clock.Clock
	Logger      *slog.Logger
	Broadcaster *dispatch.Broadcaster
	Events      ingest.Publisher
	ETA         ETAEstimator
	Calls       CallTerminator
}

type Service struct {
	store  Store
	notify Notifier
	clock  clock.Clock
	logger *slog.Logger
	bcast  *dispatch.Broadcaster
	events ingest.Publisher
	eta    ETAEstimator
	calls  CallTerminator
}

func NewService(store Store, notify Notifier, opts Options) *Service {
	s := &Service{
		store:  store,
		notify: notify,
		clock:  opts.Clock,
		logger: opts.Logger,
		bcast:  opts.Broadcaster,
		events: opts.Events,
		eta:    opts.ETA,
		calls:  opts.Calls,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.bcast == nil {
		s.bcast = dispatch.NewBroadcaster(dispatch.DefaultConcurrency, s.logger)
	}
	if s.events == nil {
		s.events = ingest.Nop{}
	}
	return s
}

// SetCallTerminator wires the call service after construction; the two
// services reference each other.
func (s *Service) SetCallTerminator(c CallTerminator) { s.calls = c }

type CreateInput struct {
	Pickup        models.Coord       `json:"pickup"`
	Dropoff       models.Coord       `json:"dropoff"`
	PickupAddress string             `json:"pickup_address"`
	DropAddress   string             `json:"dropoff_address"`
	VehicleType   models.VehicleType `json:"vehicle_type"`
	ProposedPrice float64            `json:"proposed_price"`
}

func (in CreateInput) validate() error {
	var problems []string
	if !geo.Valid(in.Pickup) {
		problems = append(problems, "pickup")
	}
	if !geo.Valid(in.Dropoff) {
		problems = append(problems, "dropoff")
	}
	if !in.VehicleType.Valid() {
		problems = append(problems, "vehicle_type")
	}
	if in.ProposedPrice <= 0 {
		problems = append(problems, "proposed_price")
	}
	if len(problems) > 0 {
		return apperr.Newf(apperr.Invalid, "invalid fields: %s", strings.Join(problems, ", "))
	}
	return nil
}

type OfferInput struct {
	Price      float64 `json:"price"`
	ETAMinutes int     `json:"eta_minutes"`
}

func (s *Service) getTrip(ctx context.Context, id string) (models.Trip, error) {
	t, err := s.store.GetTrip(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Trip{}, ErrTripNotFound
	}
	if err != nil {
		return models.Trip{}, transient(err)
	}
	return t, nil
}

func transient(err error) error {
	return apperr.Wrap(apperr.Transient, "storage unavailable", err)
}

func (s *Service) publish(ctx context.Context, typ string, t models.Trip, actorID string) {
	observability.TripTransitionsTotal.WithLabelValues(string(t.Status)).Inc()
	ev := models.TripEvent{Type: typ, TripID: t.ID, ActorID: actorID, Status: t.Status, At: s.clock.Now()}
	if err := s.events.PublishTripEvent(ctx, ev); err != nil {
		s.logger.Warn("publish trip event", "type", typ, "trip_id", t.ID, "error", err)
	}
}

// Create inserts a requested trip and announces it to every connected,
// verified driver of the same vehicle type. The announcement runs in the
// background.
func (s *Service) Create(ctx context.Context, a policy.Actor, in CreateInput) (models.Trip, error) {
	if err := policy.CreateTrip(a).Error(); err != nil {
		return models.Trip{}, err
	}
	if err := in.validate(); err != nil {
		return models.Trip{}, err
	}
	t := models.Trip{
		ID:            uuid.NewString(),
		RiderID:       a.UserID,
		Pickup:        in.Pickup,
		Dropoff:       in.Dropoff,
		PickupAddress: in.PickupAddress,
		DropAddress:   in.DropAddress,
		VehicleType:   in.VehicleType,
		ProposedPrice: in.ProposedPrice,
		Status:        models.TripRequested,
		CreatedAt:     s.clock.Now(),
	}
	if err := s.store.CreateTrip(ctx, &t); err != nil {
		return models.Trip{}, transient(fmt.Errorf("trips.Create: %w", err))
	}
	s.publish(ctx, "trip_requested", t, a.UserID)

	s.bcast.Go(ctx, EventNewTrip, s.notify.OnlineUsers(models.RoleDriver), func(ctx context.Context, driverID string) error {
		u, err := s.store.GetUser(ctx, driverID)
		if err != nil {
			return err
		}
		if !u.Verified || u.VehicleType != t.VehicleType {
			return nil
		}
		s.notify.FanOut(driverID, EventNewTrip, t)
		return nil
	})
	return t, nil
}

// Offer records a driver's bid on a requested trip and shows it to the
// trip's room.
func (s *Service) Offer(ctx context.Context, a policy.Actor, tripID string, in OfferInput) (models.Offer, error) {
	t, err := s.getTrip(ctx, tripID)
	if err != nil {
		return models.Offer{}, err
	}
	if err := policy.CreateOffer(a, t).Error(); err != nil {
		return models.Offer{}, err
	}
	if in.Price <= 0 {
		return models.Offer{}, apperr.New(apperr.Invalid, "price must be positive")
	}
	if in.ETAMinutes < 0 {
		return models.Offer{}, apperr.New(apperr.Invalid, "eta_minutes must not be negative")
	}
	driver, err := s.store.GetUser(ctx, a.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Offer{}, apperr.New(apperr.Forbidden, "driver profile not found")
		}
		return models.Offer{}, transient(err)
	}
	if !driver.Verified {
		return models.Offer{}, apperr.New(apperr.Forbidden, "driver is not verified")
	}
	if driver.VehicleType != t.VehicleType {
		return models.Offer{}, apperr.New(apperr.Forbidden, "vehicle type does not match the trip")
	}

	// Pre-check; the store's uniqueness on pending offers is the backstop.
	if _, err := s.store.FindPendingOffer(ctx, tripID, a.UserID); err == nil {
		return models.Offer{}, ErrDuplicateOffer
	} else if !errors.Is(err, storage.ErrNotFound) {
		return models.Offer{}, transient(err)
	}

	eta := in.ETAMinutes
	if eta == 0 && s.eta != nil {
		if m, ok := s.eta.Minutes(ctx, a.UserID, t.Pickup); ok {
			eta = m
		}
	}
	o := models.Offer{
		ID:         uuid.NewString(),
		TripID:     tripID,
		DriverID:   a.UserID,
		Price:      in.Price,
		ETAMinutes: eta,
		Status:     models.OfferPending,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.store.CreateOffer(ctx, &o); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return models.Offer{}, ErrDuplicateOffer
		}
		return models.Offer{}, transient(fmt.Errorf("trips.Offer: %w", err))
	}
	observability.OffersTotal.WithLabelValues("created").Inc()

	s.notify.Broadcast(t.Room(), EventNewOffer, offerView{Offer: o, DriverName: driver.Name, DriverRating: driver.Rating})
	return o, nil
}

type offerView struct {
	models.Offer
	DriverName   string  `json:"driver_name,omitempty"`
	DriverRating float64 `json:"driver_rating"`
}

type acceptedPayload struct {
	Trip  models.Trip  `json:"trip"`
	Offer models.Offer `json:"offer"`
}

// AcceptOffer assigns the trip to the offer's driver. The assignment is a
// conditional update: of two concurrent accepts only one can move the trip
// out of requested, the other gets ErrNotAvailable.
func (s *Service) AcceptOffer(ctx context.Context, a policy.Actor, tripID, offerID string) (models.Trip, error) {
	t, err := s.getTrip(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if err := policy.AcceptOffer(a, t).Error(); err != nil {
		return models.Trip{}, err
	}
	o, err := s.store.GetOffer(ctx, offerID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && o.TripID != tripID) {
		return models.Trip{}, ErrOfferNotFound
	}
	if err != nil {
		return models.Trip{}, transient(err)
	}
	if o.Status != models.OfferPending {
		return models.Trip{}, apperr.New(apperr.Conflict, "offer is no longer pending")
	}
	others, err := s.store.ListOffers(ctx, tripID)
	if err != nil {
		return models.Trip{}, transient(err)
	}

	updated, err := s.store.AssignTrip(ctx, tripID, offerID, s.clock.Now())
	switch {
	case errors.Is(err, storage.ErrConflict):
		return models.Trip{}, ErrNotAvailable
	case errors.Is(err, storage.ErrNotFound):
		return models.Trip{}, ErrOfferNotFound
	case err != nil:
		return models.Trip{}, transient(fmt.Errorf("trips.AcceptOffer: %w", err))
	}
	if _, err := s.store.RejectOtherOffers(ctx, tripID, offerID); err != nil {
		// The trip is already assigned; leftover pending offers can no
		// longer be accepted because the trip left requested.
		s.logger.Error("reject other offers", "trip_id", tripID, "error", err)
	}
	o.Status = models.OfferAccepted
	observability.OffersTotal.WithLabelValues("accepted").Inc()
	s.publish(ctx, "trip_accepted", updated, a.UserID)

	payload := acceptedPayload{Trip: updated, Offer: o}
	s.notify.FanOut(o.DriverID, EventOfferAccepted, payload)
	s.notify.Broadcast(updated.Room(), EventOfferAccepted, payload)
	for _, other := range others {
		if other.ID == offerID || other.Status != models.OfferPending {
			continue
		}
		observability.OffersTotal.WithLabelValues("rejected").Inc()
		s.notify.FanOut(other.DriverID, EventOfferRejected, map[string]string{"trip_id": tripID, "offer_id": other.ID})
	}
	return updated, nil
}

func (s *Service) transition(ctx context.Context, a policy.Actor, t models.Trip, to models.TripStatus) (models.Trip, error) {
	updated, err := s.store.UpdateTripStatus(ctx, t.ID, t.Status, to, a.UserID, s.clock.Now())
	switch {
	case errors.Is(err, storage.ErrConflict):
		return models.Trip{}, apperr.New(apperr.Conflict, "trip status changed concurrently")
	case errors.Is(err, storage.ErrNotFound):
		return models.Trip{}, ErrTripNotFound
	case err != nil:
		return models.Trip{}, transient(err)
	}
	return updated, nil
}

// Start moves an accepted trip to in_progress.
func (s *Service) Start(ctx context.Context, a policy.Actor, tripID string) (models.Trip, error) {
	t, err := s.getTrip(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if err := policy.DriveTrip(a, t, models.TripAccepted).Error(); err != nil {
		return models.Trip{}, err
	}
	updated, err := s.transition(ctx, a, t, models.TripInProgress)
	if err != nil {
		return models.Trip{}, err
	}
	s.publish(ctx, EventTripStarted, updated, a.UserID)
	s.notify.Broadcast(updated.Room(), EventTripStarted, updated)
	return updated, nil
}

// Complete finishes an in-progress trip, credits the driver, and closes
// chat and calls.
func (s *Service) Complete(ctx context.Context, a policy.Actor, tripID string) (models.Trip, error) {
	t, err := s.getTrip(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if err := policy.DriveTrip(a, t, models.TripInProgress).Error(); err != nil {
		return models.Trip{}, err
	}
	updated, err := s.transition(ctx, a, t, models.TripCompleted)
	if err != nil {
		return models.Trip{}, err
	}
	if err := s.store.IncrementTripCount(ctx, updated.Driver()); err != nil {
		s.logger.Error("increment driver trip count", "driver_id", updated.Driver(), "error", err)
	}
	s.closeTrip(ctx, updated, models.EndReasonTripCompleted, EventTripCompleted, a.UserID)
	return updated, nil
}

// Cancel ends a non-terminal trip on behalf of either participant.
func (s *Service) Cancel(ctx context.Context, a policy.Actor, tripID string) (models.Trip, error) {
	t, err := s.getTrip(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if err := policy.CancelTrip(a, t).Error(); err != nil {
		return models.Trip{}, err
	}
	updated, err := s.transition(ctx, a, t, models.TripCancelled)
	if err != nil {
		return models.Trip{}, err
	}
	if t.Status == models.TripRequested {
		if _, err := s.store.RejectOtherOffers(ctx, tripID, ""); err != nil {
			s.logger.Warn("reject offers of cancelled trip", "trip_id", tripID, "error", err)
		}
	}
	s.closeTrip(ctx, updated, models.EndReasonTripCancelled, EventTripCancelled, a.UserID)
	return updated, nil
}

func (s *Service) closeTrip(ctx context.Context, t models.Trip, callReason, event, actorID string) {
	if s.calls != nil {
		if err := s.calls.EndActiveForTrip(ctx, t, callReason); err != nil {
			s.logger.Error("end active call", "trip_id", t.ID, "error", err)
		}
	}
	s.publish(ctx, event, t, actorID)
	s.notify.Broadcast(t.Room(), event, t)
	s.notify.Broadcast(t.Room(), EventChatDisabled, map[string]string{"trip_id": t.ID, "reason": string(t.Status)})
	if d := t.Driver(); d != "" && event == EventTripCancelled {
		// The driver may not have joined the room yet.
		s.notify.FanOut(d, event, t)
	}
}

// Share makes the trip visible to one of the rider's trusted contacts and
// notifies that contact if they are online.
func (s *Service) Share(ctx context.Context, a policy.Actor, tripID, phone string) (models.Trip, error) {
	t, err := s.getTrip(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if err := policy.ShareTrip(a, t).Error(); err != nil {
		return models.Trip{}, err
	}
	contacts, err := s.store.ListTrustedContacts(ctx, t.RiderID)
	if err != nil {
		return models.Trip{}, transient(err)
	}
	known := false
	for _, c := range contacts {
		if c.Phone == phone {
			known = true
			break
		}
	}
	if !known {
		return models.Trip{}, apperr.New(apperr.Invalid, "phone is not one of your trusted contacts")
	}
	if err := s.store.AddSharedContact(ctx, tripID, phone); err != nil {
		return models.Trip{}, transient(err)
	}
	if !t.SharedWithPhone(phone) {
		t.SharedWith = append(t.SharedWith, phone)
	}
	s.notifyPhone(ctx, phone, EventTripShared, t)
	return t, nil
}

func (s *Service) Unshare(ctx context.Context, a policy.Actor, tripID, phone string) (models.Trip, error) {
	t, err := s.getTrip(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if err := policy.ShareTrip(a, t).Error(); err != nil {
		return models.Trip{}, err
	}
	if err := s.store.RemoveSharedContact(ctx, tripID, phone); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Trip{}, apperr.New(apperr.NotFound, "trip is not shared with this contact")
		}
		return models.Trip{}, transient(err)
	}
	kept := t.SharedWith[:0:0]
	for _, p := range t.SharedWith {
		if p != phone {
			kept = append(kept, p)
		}
	}
	t.SharedWith = kept
	s.notifyPhone(ctx, phone, EventTripUnshared, map[string]string{"trip_id": t.ID})
	return t, nil
}

func (s *Service) notifyPhone(ctx context.Context, phone, event string, payload any) {
	u, err := s.store.GetUserByPhone(ctx, phone)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("look up shared contact", "error", err)
		}
		return
	}
	s.notify.FanOut(u.ID, event, payload)
}

type RateInput struct {
	Score   int    `json:"score"`
	Comment string `json:"comment"`
}

// Rate records one participant's rating of the other and refreshes the
// ratee's average.
func (s *Service) Rate(ctx context.Context, a policy.Actor, tripID string, in RateInput) (models.Rating, error) {
	t, err := s.getTrip(ctx, tripID)
	if err != nil {
		return models.Rating{}, err
	}
	if err := policy.RateTrip(a, t).Error(); err != nil {
		return models.Rating{}, err
	}
	if in.Score < 1 || in.Score > 5 {
		return models.Rating{}, apperr.New(apperr.Invalid, "score must be between 1 and 5")
	}
	r := models.Rating{
		ID:        uuid.NewString(),
		TripID:    tripID,
		RaterID:   a.UserID,
		RateeID:   t.Counterpart(a.UserID),
		Score:     in.Score,
		Comment:   in.Comment,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateRating(ctx, &r); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return models.Rating{}, ErrAlreadyRated
		}
		return models.Rating{}, transient(err)
	}
	avg, count, err := s.store.AverageRating(ctx, r.RateeID)
	if err != nil {
		return models.Rating{}, transient(err)
	}
	if err := s.store.SetRating(ctx, r.RateeID, avg, count); err != nil {
		return models.Rating{}, transient(err)
	}
	return r, nil
}

// Get returns a trip to a participant, an admin, or a contact it is shared with.
func (s *Service) Get(ctx context.Context, a policy.Actor, tripID string) (models.Trip, error) {
	t, err := s.getTrip(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if err := policy.ViewTrip(a, t).Error(); err != nil {
		return models.Trip{}, err
	}
	return t, nil
}

// List returns the actor's own trips, newest first.
func (s *Service) List(ctx context.Context, a policy.Actor, limit int) ([]models.Trip, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	out, err := s.store.ListTripsForUser(ctx, a.UserID, limit)
	if err != nil {
		return nil, transient(err)
	}
	return out, nil
}

// ListOffers shows all offers to the rider and admins; a driver sees only
// their own.
func (s *Service) ListOffers(ctx context.Context, a policy.Actor, tripID string) ([]models.Offer, error) {
	t, err := s.getTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListOffers(ctx, tripID)
	if err != nil {
		return nil, transient(err)
	}
	if a.IsAdmin() || a.UserID == t.RiderID {
		return all, nil
	}
	if a.Role != models.RoleDriver {
		return nil, ErrTripNotFound
	}
	own := make([]models.Offer, 0, 1)
	for _, o := range all {
		if o.DriverID == a.UserID {
			own = append(own, o)
		}
	}
	return own, nil
}

// Wait blocks until background broadcasts have finished.
func (s *Service) Wait() { s.bcast.Wait() }
