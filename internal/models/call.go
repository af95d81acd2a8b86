package models

import "time"

type CallStatus string

const (
	CallRinging   CallStatus = "ringing"
	CallConnected CallStatus = "connected"
	CallEnded     CallStatus = "ended"
	CallMissed    CallStatus = "missed"
)

var callTransitions = map[CallStatus][]CallStatus{
	CallRinging:   {CallConnected, CallEnded, CallMissed},
	CallConnected: {CallEnded},
	CallEnded:     nil,
	CallMissed:    nil,
}

func (s CallStatus) Terminal() bool { return s == CallEnded || s == CallMissed }

func (s CallStatus) CanTransition(to CallStatus) bool {
	for _, next := range callTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Call end reasons carried on call_ended.
const (
	EndReasonCompleted     = "completed"
	EndReasonTripCompleted = "trip_completed"
	EndReasonTripCancelled = "trip_cancelled"
	EndReasonDeclined      = "declined"
)

type Call struct {
	ID          string     `json:"id"`
	TripID      string     `json:"trip_id"`
	CallerID    string     `json:"caller_id"`
	CalleeID    string     `json:"callee_id"`
	Status      CallStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Duration    int        `json:"duration"` // seconds
	EndReason   string     `json:"end_reason,omitempty"`
}

func (c Call) IsParty(userID string) bool {
	return userID != "" && (userID == c.CallerID || userID == c.CalleeID)
}

// Other returns the counterpart of userID on the call.
func (c Call) Other(userID string) string {
	if userID == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

// DurationUntil is the whole seconds between connect and end, zero if the
// call never connected.
func (c Call) DurationUntil(end time.Time) int {
	if c.ConnectedAt == nil || end.Before(*c.ConnectedAt) {
		return 0
	}
	return int(end.Sub(*c.ConnectedAt) / time.Second)
}
