// Package policy holds the pure authorization decisions consulted by every
// mutating trip, offer, message and call operation. Nothing here performs
// I/O; callers load the resource and pass it in.
package policy

import (
	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/models"
)

// Actor is the authenticated identity performing an operation.
type Actor struct {
	UserID string
	Role   models.Role
	Phone  string
}

func (a Actor) IsAdmin() bool { return a.Role == models.RoleAdmin }

// Decision is the outcome of a policy check. Err is set iff !Allowed.
type Decision struct {
	Allowed bool
	Err     *apperr.Error
}

var allow = Decision{Allowed: true}

func deny(kind apperr.Kind, msg string) Decision {
	return Decision{Err: apperr.New(kind, msg)}
}

// Error returns nil for an allowed decision. It avoids the typed-nil trap of
// returning d.Err directly as an error.
func (d Decision) Error() error {
	if d.Allowed {
		return nil
	}
	return d.Err
}

const (
	errNoTripAccess = "trip not found"
	errChatClosed   = "chat and calls are only available while the trip is accepted or in progress"
)

// AccessTrip: admins always; otherwise the requester or the assignee. A
// stranger is told the trip does not exist.
func AccessTrip(a Actor, t models.Trip) Decision {
	if a.IsAdmin() || t.IsParticipant(a.UserID) {
		return allow
	}
	return deny(apperr.NotFound, errNoTripAccess)
}

// ViewTrip extends AccessTrip with read-only visibility for trusted
// contacts the trip has been shared with.
func ViewTrip(a Actor, t models.Trip) Decision {
	if d := AccessTrip(a, t); d.Allowed {
		return d
	}
	if a.Phone != "" && t.SharedWithPhone(a.Phone) {
		return allow
	}
	return deny(apperr.NotFound, errNoTripAccess)
}

// WriteTrip gates mutation of a trip by its participants. The requester may
// write while the trip is requested or accepted; the assignee while it is
// accepted or in progress.
func WriteTrip(a Actor, t models.Trip) Decision {
	if a.IsAdmin() {
		return allow
	}
	if d := AccessTrip(a, t); !d.Allowed {
		return d
	}
	switch {
	case a.UserID == t.RiderID:
		switch t.Status {
		case models.TripRequested, models.TripAccepted:
			return allow
		}
	case a.UserID == t.Driver():
		switch t.Status {
		case models.TripAccepted, models.TripInProgress:
			return allow
		}
	}
	return deny(apperr.Conflict, "trip cannot be modified in status "+string(t.Status))
}

// Communicate gates chat and calls: trip access plus an active trip.
func Communicate(a Actor, t models.Trip) Decision {
	if d := AccessTrip(a, t); !d.Allowed {
		return d
	}
	if !t.Status.Active() {
		return deny(apperr.Conflict, errChatClosed)
	}
	return allow
}

// CreateOffer: only drivers, only while the trip is still requested.
func CreateOffer(a Actor, t models.Trip) Decision {
	if a.Role != models.RoleDriver {
		return deny(apperr.Forbidden, "only drivers can make offers")
	}
	if t.Status != models.TripRequested {
		return deny(apperr.Conflict, "trip is no longer accepting offers")
	}
	return allow
}

// CreateTrip: only riders request trips.
func CreateTrip(a Actor) Decision {
	if a.Role != models.RoleRider {
		return deny(apperr.Forbidden, "only riders can request trips")
	}
	return allow
}

// AcceptOffer: only the requester (or an admin), only while requested.
func AcceptOffer(a Actor, t models.Trip) Decision {
	if !a.IsAdmin() && a.UserID != t.RiderID {
		if t.IsParticipant(a.UserID) {
			return deny(apperr.Forbidden, "only the rider can accept offers")
		}
		return deny(apperr.NotFound, errNoTripAccess)
	}
	if t.Status != models.TripRequested {
		return deny(apperr.Conflict, "trip is no longer available")
	}
	return allow
}

// DriveTrip gates start and complete: the assignee's write window, narrowed
// to the one status the transition starts from.
func DriveTrip(a Actor, t models.Trip, want models.TripStatus) Decision {
	if d := AccessTrip(a, t); !d.Allowed {
		return d
	}
	if a.UserID != t.Driver() && !a.IsAdmin() {
		return deny(apperr.Forbidden, "only the assigned driver can do this")
	}
	if d := WriteTrip(a, t); !d.Allowed {
		return d
	}
	if t.Status != want {
		return deny(apperr.Conflict, "trip is "+string(t.Status)+", expected "+string(want))
	}
	return allow
}

// CancelTrip: either participant (or admin) from any non-terminal status.
// It is wider than WriteTrip on purpose: a rider may still abandon a trip
// that is already in progress.
func CancelTrip(a Actor, t models.Trip) Decision {
	if d := AccessTrip(a, t); !d.Allowed {
		return d
	}
	if t.Status.Terminal() {
		return deny(apperr.Conflict, "trip is already "+string(t.Status))
	}
	return allow
}

// ShareTrip: the requester only.
func ShareTrip(a Actor, t models.Trip) Decision {
	if d := AccessTrip(a, t); !d.Allowed {
		return d
	}
	if a.UserID != t.RiderID {
		return deny(apperr.Forbidden, "only the rider can share a trip")
	}
	return allow
}

// RateTrip: participants of a completed trip.
func RateTrip(a Actor, t models.Trip) Decision {
	if !t.IsParticipant(a.UserID) {
		return deny(apperr.NotFound, errNoTripAccess)
	}
	if t.Status != models.TripCompleted {
		return deny(apperr.Conflict, "only completed trips can be rated")
	}
	return allow
}

// ActOnCall: the caller and the callee, nobody else.
func ActOnCall(a Actor, c models.Call) Decision {
	if !c.IsParty(a.UserID) {
		return deny(apperr.Forbidden, "not a participant of this call")
	}
	return allow
}

// VerifyDriver: admins only.
func VerifyDriver(a Actor) Decision {
	if !a.IsAdmin() {
		return deny(apperr.Forbidden, "admin only")
	}
	return allow
}
