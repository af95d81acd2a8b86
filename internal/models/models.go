package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Role is the closed set of actor kinds.
type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleRider, RoleDriver, RoleAdmin:
		return true
	}
	return false
}

// VehicleType is the trip category a driver can serve.
type VehicleType string

const (
	VehicleBike VehicleType = "bike"
	VehicleAuto VehicleType = "auto"
	VehicleCar  VehicleType = "car"
	VehicleSUV  VehicleType = "suv"
)

func (v VehicleType) Valid() bool {
	switch v {
	case VehicleBike, VehicleAuto, VehicleCar, VehicleSUV:
		return true
	}
	return false
}

type User struct {
	ID          string      `json:"id"`
	Phone       string      `json:"phone"`
	Name        string      `json:"name"`
	Role        Role        `json:"role"`
	VehicleType VehicleType `json:"vehicle_type,omitempty"`
	Verified    bool        `json:"verified"`
	Available   bool        `json:"available"`
	TotalTrips  int         `json:"total_trips"`
	Rating      float64     `json:"rating"` // 0..5
	RatingCount int         `json:"rating_count"`
	CreatedAt   time.Time   `json:"created_at"`
}

type TrustedContact struct {
	UserID string `json:"-"`
	Phone  string `json:"phone"`
	Name   string `json:"name"`
}

// DriverLocation is the last reported position of a driver.
type DriverLocation struct {
	DriverID string    `json:"driver_id"`
	TripID   string    `json:"trip_id,omitempty"`
	Loc      Coord     `json:"loc"`
	Heading  float64   `json:"heading"`
	Speed    float64   `json:"speed"`
	Updated  time.Time `json:"updated"`
}

type Message struct {
	ID        string     `json:"id"`
	TripID    string     `json:"trip_id"`
	SenderID  string     `json:"sender_id"`
	Content   string     `json:"content"`
	Flagged   bool       `json:"flagged"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type Rating struct {
	ID        string    `json:"id"`
	TripID    string    `json:"trip_id"`
	RaterID   string    `json:"rater_id"`
	RateeID   string    `json:"ratee_id"`
	Score     int       `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RefreshToken is the server-side record of an opaque refresh credential.
type RefreshToken struct {
	Token     string    `json:"-"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// OTP holds the hash of a one-time login code for a phone number.
type OTP struct {
	Phone     string
	CodeHash  []byte
	ExpiresAt time.Time
	Attempts  int
}

// TripEvent is the lifecycle record published to the event stream.
type TripEvent struct {
	Type    string     `json:"type"`
	TripID  string     `json:"trip_id"`
	ActorID string     `json:"actor_id"`
	Status  TripStatus `json:"status"`
	At      time.Time  `json:"at"`
}
