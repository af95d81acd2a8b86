// Package calls relays WebRTC signaling between the two participants of a
// trip. It never touches media; payloads are shape-checked and forwarded.
package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/clock"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
	"github.com/example/ride-coordination/internal/policy"
	"github.com/example/ride-coordination/internal/storage"
)

const (
	EventCallIncoming = "call_incoming"
	EventCallOffer    = "call_offer"
	EventCallAnswer   = "call_answer"
	EventICECandidate = "ice_candidate"
	EventCallEnded    = "call_ended"
)

var (
	ErrCallNotFound = apperr.New(apperr.NotFound, "call not found")
	ErrCallActive   = apperr.New(apperr.Conflict, "a call is already in progress for this trip")
	ErrCallEnded    = apperr.New(apperr.Conflict, "call has already ended")
	ErrTripNotFound = apperr.New(apperr.NotFound, "trip not found")
	ErrBadSignal    = apperr.New(apperr.Invalid, "malformed session description")
	ErrBadCandidate = apperr.New(apperr.Invalid, "malformed ice candidate")
)

const maxReasonLen = 64

type Store interface {
	storage.TripStore
	storage.CallStore
}

// Notifier delivers events to live channels.
type Notifier interface {
	FanOut(userID, event string, payload any) int
	Broadcast(room, event string, payload any, except ...string) int
}

type Service struct {
	store  Store
	notify Notifier
	clock  clock.Clock
	logger *slog.Logger
}

func NewService(store Store, notify Notifier, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, notify: notify, clock: clk, logger: logger}
}

func transient(err error) error {
	return apperr.Wrap(apperr.Transient, "storage unavailable", err)
}

func (s *Service) getCall(ctx context.Context, a policy.Actor, id string) (models.Call, error) {
	c, err := s.store.GetCall(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Call{}, ErrCallNotFound
	}
	if err != nil {
		return models.Call{}, transient(err)
	}
	if err := policy.ActOnCall(a, c).Error(); err != nil {
		return models.Call{}, err
	}
	return c, nil
}

// Initiate rings the other participant of an active trip. The invitation
// goes to the trip room and directly to the callee's channels.
func (s *Service) Initiate(ctx context.Context, a policy.Actor, tripID string) (models.Call, error) {
	t, err := s.store.GetTrip(ctx, tripID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Call{}, ErrTripNotFound
	}
	if err != nil {
		return models.Call{}, transient(err)
	}
	if err := policy.Communicate(a, t).Error(); err != nil {
		return models.Call{}, err
	}
	if !t.IsParticipant(a.UserID) {
		return models.Call{}, apperr.New(apperr.Forbidden, "only trip participants can place calls")
	}
	if _, err := s.store.GetActiveCall(ctx, tripID); err == nil {
		return models.Call{}, ErrCallActive
	} else if !errors.Is(err, storage.ErrNotFound) {
		return models.Call{}, transient(err)
	}

	c := models.Call{
		ID:        uuid.NewString(),
		TripID:    tripID,
		CallerID:  a.UserID,
		CalleeID:  t.Counterpart(a.UserID),
		Status:    models.CallRinging,
		StartedAt: s.clock.Now(),
	}
	if err := s.store.CreateCall(ctx, &c); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return models.Call{}, ErrCallActive
		}
		return models.Call{}, transient(fmt.Errorf("calls.Initiate: %w", err))
	}
	observability.CallsTotal.WithLabelValues(string(models.CallRinging)).Inc()

	s.notify.Broadcast(t.Room(), EventCallIncoming, c)
	s.notify.FanOut(c.CalleeID, EventCallIncoming, c)
	return c, nil
}

// Signal is a relayed offer or answer.
type Signal struct {
	CallID string                    `json:"call_id"`
	TripID string                    `json:"trip_id"`
	From   string                    `json:"from"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

func validateSDP(sd webrtc.SessionDescription, want webrtc.SDPType) error {
	if sd.Type != want {
		return apperr.Newf(apperr.Invalid, "expected a session description of type %s", want)
	}
	if strings.TrimSpace(sd.SDP) == "" {
		return ErrBadSignal
	}
	if _, err := sd.Unmarshal(); err != nil {
		return apperr.Wrap(apperr.Invalid, ErrBadSignal.Msg, err)
	}
	return nil
}

func requireLive(c models.Call) error {
	if c.Status.Terminal() {
		return ErrCallEnded
	}
	return nil
}

// RelayOffer forwards an SDP offer to the other party. Renegotiation on a
// connected call is allowed.
func (s *Service) RelayOffer(ctx context.Context, a policy.Actor, callID string, sd webrtc.SessionDescription) error {
	if err := validateSDP(sd, webrtc.SDPTypeOffer); err != nil {
		return err
	}
	c, err := s.getCall(ctx, a, callID)
	if err != nil {
		return err
	}
	if err := requireLive(c); err != nil {
		return err
	}
	s.notify.FanOut(c.Other(a.UserID), EventCallOffer, Signal{CallID: c.ID, TripID: c.TripID, From: a.UserID, SDP: sd})
	return nil
}

// RelayAnswer forwards an SDP answer and marks a ringing call connected.
func (s *Service) RelayAnswer(ctx context.Context, a policy.Actor, callID string, sd webrtc.SessionDescription) (models.Call, error) {
	if err := validateSDP(sd, webrtc.SDPTypeAnswer); err != nil {
		return models.Call{}, err
	}
	c, err := s.getCall(ctx, a, callID)
	if err != nil {
		return models.Call{}, err
	}
	if err := requireLive(c); err != nil {
		return models.Call{}, err
	}
	if c.Status == models.CallRinging {
		connected, err := s.store.ConnectCall(ctx, c.ID, s.clock.Now())
		switch {
		case errors.Is(err, storage.ErrConflict):
			return models.Call{}, ErrCallEnded
		case err != nil:
			return models.Call{}, transient(err)
		}
		c = connected
		observability.CallsTotal.WithLabelValues(string(models.CallConnected)).Inc()
	}
	s.notify.FanOut(c.Other(a.UserID), EventCallAnswer, Signal{CallID: c.ID, TripID: c.TripID, From: a.UserID, SDP: sd})
	return c, nil
}

// Candidate is a relayed trickle-ICE candidate.
type Candidate struct {
	CallID    string                  `json:"call_id"`
	From      string                  `json:"from"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

func validateCandidate(c webrtc.ICECandidateInit) error {
	// An empty candidate string signals end-of-candidates.
	if c.Candidate == "" {
		return nil
	}
	if !strings.HasPrefix(c.Candidate, "candidate:") && !strings.HasPrefix(c.Candidate, "a=candidate:") {
		return ErrBadCandidate
	}
	if c.SDPMid == nil && c.SDPMLineIndex == nil {
		return apperr.New(apperr.Invalid, "ice candidate needs sdpMid or sdpMLineIndex")
	}
	return nil
}

// RelayICE forwards a candidate while the call is live.
func (s *Service) RelayICE(ctx context.Context, a policy.Actor, callID string, cand webrtc.ICECandidateInit) error {
	if err := validateCandidate(cand); err != nil {
		return err
	}
	c, err := s.getCall(ctx, a, callID)
	if err != nil {
		return err
	}
	if err := requireLive(c); err != nil {
		return err
	}
	s.notify.FanOut(c.Other(a.UserID), EventICECandidate, Candidate{CallID: c.ID, From: a.UserID, Candidate: cand})
	return nil
}

type endedPayload struct {
	models.Call
	EndedBy string `json:"ended_by,omitempty"`
}

// End hangs up on behalf of either party. A ringing call the caller gives
// up on is recorded as missed; anything else becomes ended.
func (s *Service) End(ctx context.Context, a policy.Actor, callID, reason string) (models.Call, error) {
	c, err := s.getCall(ctx, a, callID)
	if err != nil {
		return models.Call{}, err
	}
	if err := requireLive(c); err != nil {
		return models.Call{}, err
	}
	reason = strings.TrimSpace(reason)
	if r := []rune(reason); len(r) > maxReasonLen {
		reason = string(r[:maxReasonLen])
	}
	status := models.CallEnded
	switch {
	case c.Status == models.CallRinging && a.UserID == c.CallerID:
		status = models.CallMissed
		if reason == "" {
			reason = "cancelled"
		}
	case c.Status == models.CallRinging && reason == "":
		reason = models.EndReasonDeclined
	case reason == "":
		reason = models.EndReasonCompleted
	}
	ended, err := s.finish(ctx, c, status, reason, a.UserID)
	if err != nil {
		return models.Call{}, err
	}
	return ended, nil
}

func (s *Service) finish(ctx context.Context, c models.Call, status models.CallStatus, reason, by string) (models.Call, error) {
	ended, err := s.store.FinishCall(ctx, c.ID, status, reason, s.clock.Now())
	switch {
	case errors.Is(err, storage.ErrConflict):
		return models.Call{}, ErrCallEnded
	case errors.Is(err, storage.ErrNotFound):
		return models.Call{}, ErrCallNotFound
	case err != nil:
		return models.Call{}, transient(err)
	}
	observability.CallsTotal.WithLabelValues(string(ended.Status)).Inc()
	if ended.ConnectedAt != nil {
		observability.CallDuration.Observe(float64(ended.Duration))
	}
	s.notify.Broadcast(models.TripRoom(ended.TripID), EventCallEnded, endedPayload{Call: ended, EndedBy: by})
	return ended, nil
}

// EndActiveForTrip force-ends the trip's live call, if any. It is used when
// the trip completes or is cancelled.
func (s *Service) EndActiveForTrip(ctx context.Context, t models.Trip, reason string) error {
	c, err := s.store.GetActiveCall(ctx, t.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return transient(err)
	}
	status := models.CallEnded
	if c.Status == models.CallRinging {
		status = models.CallMissed
	}
	_, err = s.finish(ctx, c, status, reason, "")
	if errors.Is(err, ErrCallEnded) {
		return nil
	}
	return err
}

// History lists a trip's calls to its participants and admins.
func (s *Service) History(ctx context.Context, a policy.Actor, tripID string) ([]models.Call, error) {
	t, err := s.store.GetTrip(ctx, tripID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrTripNotFound
	}
	if err != nil {
		return nil, transient(err)
	}
	if err := policy.AccessTrip(a, t).Error(); err != nil {
		return nil, err
	}
	out, err := s.store.ListCalls(ctx, tripID)
	if err != nil {
		return nil, transient(err)
	}
	return out, nil
}
