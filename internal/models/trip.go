package models

import "time"

type TripStatus string

const (
	TripRequested  TripStatus = "requested"
	TripAccepted   TripStatus = "accepted"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

// tripTransitions lists every legal edge of the trip state machine.
var tripTransitions = map[TripStatus][]TripStatus{
	TripRequested:  {TripAccepted, TripCancelled},
	TripAccepted:   {TripInProgress, TripCancelled},
	TripInProgress: {TripCompleted, TripCancelled},
	TripCompleted:  nil,
	TripCancelled:  nil,
}

func (s TripStatus) Valid() bool {
	_, ok := tripTransitions[s]
	return ok
}

func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCancelled
}

// CanTransition reports whether the state machine allows s -> to.
func (s TripStatus) CanTransition(to TripStatus) bool {
	for _, next := range tripTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether chat and calls are open for a trip in this status.
func (s TripStatus) Active() bool {
	return s == TripAccepted || s == TripInProgress
}

type Trip struct {
	ID            string      `json:"id"`
	RiderID       string      `json:"rider_id"`
	DriverID      *string     `json:"driver_id"`
	Pickup        Coord       `json:"pickup"`
	Dropoff       Coord       `json:"dropoff"`
	PickupAddress string      `json:"pickup_address,omitempty"`
	DropAddress   string      `json:"dropoff_address,omitempty"`
	VehicleType   VehicleType `json:"vehicle_type"`
	ProposedPrice float64     `json:"proposed_price"`
	AcceptedPrice *float64    `json:"accepted_price"`
	Status        TripStatus  `json:"status"`
	SharedWith    []string    `json:"shared_with,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	AcceptedAt    *time.Time  `json:"accepted_at,omitempty"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	CancelledAt   *time.Time  `json:"cancelled_at,omitempty"`
	CancelledBy   string      `json:"cancelled_by,omitempty"`
}

// Driver returns the assignee id or "" while unmatched.
func (t Trip) Driver() string {
	if t.DriverID == nil {
		return ""
	}
	return *t.DriverID
}

// IsParticipant reports whether userID is the requester or assignee.
func (t Trip) IsParticipant(userID string) bool {
	return userID != "" && (userID == t.RiderID || userID == t.Driver())
}

// Counterpart returns the other participant of the trip.
func (t Trip) Counterpart(userID string) string {
	if userID == t.RiderID {
		return t.Driver()
	}
	return t.RiderID
}

func (t Trip) SharedWithPhone(phone string) bool {
	for _, p := range t.SharedWith {
		if p == phone {
			return true
		}
	}
	return false
}

// Room is the fan-out group name for live trip events.
func (t Trip) Room() string { return TripRoom(t.ID) }

func TripRoom(tripID string) string { return "trip:" + tripID }

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
)

type Offer struct {
	ID         string      `json:"id"`
	TripID     string      `json:"trip_id"`
	DriverID   string      `json:"driver_id"`
	Price      float64     `json:"price"`
	ETAMinutes int         `json:"eta_minutes"`
	Status     OfferStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
}
