package calls

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/pion/webrtc/v4"

	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/clock"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/policy"
	"github.com/example/ride-coordination/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const minimalSDP = "v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

var (
	offerSD  = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: minimalSDP}
	answerSD = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: minimalSDP}

	rider    = policy.Actor{UserID: "rider", Role: models.RoleRider}
	driver   = policy.Actor{UserID: "driver", Role: models.RoleDriver}
	stranger = policy.Actor{UserID: "stranger", Role: models.RoleDriver}
	admin    = policy.Actor{UserID: "admin", Role: models.RoleAdmin}
)

type delivery struct {
	target string
	event  string
}

type recorder struct {
	mu   sync.Mutex
	sent []delivery
}

func (r *recorder) FanOut(userID, event string, _ any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, delivery{userID, event})
	return 1
}

func (r *recorder) Broadcast(room, event string, _ any, _ ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, delivery{room, event})
	return 1
}

func (r *recorder) count(target, event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.sent {
		if d.target == target && d.event == event {
			n++
		}
	}
	return n
}

func setup(t *testing.T, status models.TripStatus) (*Service, *storage.MemoryStore, *recorder, *clock.Fake) {
	t.Helper()
	store := storage.NewMemoryStore()
	d := "driver"
	price := 450.0
	trip := models.Trip{ID: "trip1", RiderID: "rider", Status: status, VehicleType: models.VehicleCar, ProposedPrice: 500, CreatedAt: t0}
	if status != models.TripRequested {
		trip.DriverID = &d
		trip.AcceptedPrice = &price
	}
	if err := store.CreateTrip(context.Background(), &trip); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	clk := clock.NewFake(t0)
	return NewService(store, rec, clk, nil), store, rec, clk
}

func wantKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if got := apperr.KindOf(err); err == nil || got != kind {
		t.Fatalf("expected %v error, got %v", kind, err)
	}
}

func TestConnectedCallDuration(t *testing.T) {
	ctx := context.Background()
	svc, _, rec, clk := setup(t, models.TripInProgress)

	c, err := svc.Initiate(ctx, rider, "trip1")
	if err != nil {
		t.Fatal(err)
	}
	if c.CalleeID != "driver" || c.Status != models.CallRinging {
		t.Fatalf("unexpected call %+v", c)
	}
	if rec.count("trip:trip1", EventCallIncoming) != 1 || rec.count("driver", EventCallIncoming) != 1 {
		t.Fatalf("call_incoming must go to the room and to the callee: %+v", rec.sent)
	}

	if err := svc.RelayOffer(ctx, rider, c.ID, offerSD); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if rec.count("driver", EventCallOffer) != 1 || rec.count("trip:trip1", EventCallOffer) != 0 {
		t.Fatalf("offer must be relayed only to the other party")
	}

	connected, err := svc.RelayAnswer(ctx, driver, c.ID, answerSD)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if connected.Status != models.CallConnected || connected.ConnectedAt == nil {
		t.Fatalf("answer did not connect: %+v", connected)
	}

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 UDP 2122252543 192.168.1.2 50000 typ host", SDPMid: ptr("0")}
	if err := svc.RelayICE(ctx, driver, c.ID, cand); err != nil {
		t.Fatalf("ice: %v", err)
	}
	if rec.count("rider", EventICECandidate) != 1 {
		t.Fatalf("ice not relayed")
	}

	clk.Advance(42 * time.Second)
	ended, err := svc.End(ctx, driver, c.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if ended.Status != models.CallEnded || ended.Duration != 42 || ended.EndReason != models.EndReasonCompleted {
		t.Fatalf("unexpected end state %+v", ended)
	}
	if rec.count("trip:trip1", EventCallEnded) != 1 {
		t.Fatalf("call_ended not broadcast")
	}

	err = svc.RelayOffer(ctx, rider, c.ID, offerSD)
	wantKind(t, err, apperr.Conflict)
	_, err = svc.End(ctx, rider, c.ID, "")
	wantKind(t, err, apperr.Conflict)
}

func ptr(s string) *string { return &s }

func TestSingleActiveCallPerTrip(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := setup(t, models.TripAccepted)

	if _, err := svc.Initiate(ctx, rider, "trip1"); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Initiate(ctx, driver, "trip1")
	wantKind(t, err, apperr.Conflict)
}

func TestCallsOnlyWhileTripActive(t *testing.T) {
	ctx := context.Background()
	for _, status := range []models.TripStatus{models.TripRequested, models.TripCompleted, models.TripCancelled} {
		svc, _, _, _ := setup(t, status)
		_, err := svc.Initiate(ctx, rider, "trip1")
		wantKind(t, err, apperr.Conflict)
	}
}

func TestOnlyPartiesMayAct(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := setup(t, models.TripAccepted)

	_, err := svc.Initiate(ctx, stranger, "trip1")
	wantKind(t, err, apperr.NotFound)

	c, err := svc.Initiate(ctx, rider, "trip1")
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range []policy.Actor{stranger, admin} {
		err := svc.RelayOffer(ctx, a, c.ID, offerSD)
		wantKind(t, err, apperr.Forbidden)
		_, err = svc.End(ctx, a, c.ID, "")
		wantKind(t, err, apperr.Forbidden)
	}
}

func TestSignalValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := setup(t, models.TripAccepted)
	c, err := svc.Initiate(ctx, rider, "trip1")
	if err != nil {
		t.Fatal(err)
	}

	err = svc.RelayOffer(ctx, rider, c.ID, answerSD)
	wantKind(t, err, apperr.Invalid)
	err = svc.RelayOffer(ctx, rider, c.ID, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not sdp"})
	wantKind(t, err, apperr.Invalid)
	_, err = svc.RelayAnswer(ctx, driver, c.ID, offerSD)
	wantKind(t, err, apperr.Invalid)

	err = svc.RelayICE(ctx, rider, c.ID, webrtc.ICECandidateInit{Candidate: "garbage", SDPMid: ptr("0")})
	wantKind(t, err, apperr.Invalid)
	if err := svc.RelayICE(ctx, rider, c.ID, webrtc.ICECandidateInit{}); err != nil {
		t.Fatalf("end-of-candidates rejected: %v", err)
	}
}

func TestEndRingingCall(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := setup(t, models.TripAccepted)

	c, err := svc.Initiate(ctx, rider, "trip1")
	if err != nil {
		t.Fatal(err)
	}
	declined, err := svc.End(ctx, driver, c.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if declined.Status != models.CallEnded || declined.EndReason != models.EndReasonDeclined || declined.Duration != 0 {
		t.Fatalf("unexpected %+v", declined)
	}

	c, err = svc.Initiate(ctx, rider, "trip1")
	if err != nil {
		t.Fatalf("new call after previous ended: %v", err)
	}
	gaveUp, err := svc.End(ctx, rider, c.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if gaveUp.Status != models.CallMissed {
		t.Fatalf("caller hang-up while ringing should be missed, got %s", gaveUp.Status)
	}
}

func TestEndReasonTruncatedOnRuneBoundary(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := setup(t, models.TripInProgress)
	c, err := svc.Initiate(ctx, rider, "trip1")
	if err != nil {
		t.Fatal(err)
	}
	ended, err := svc.End(ctx, driver, c.ID, "a"+strings.Repeat("é", 100))
	if err != nil {
		t.Fatal(err)
	}
	if !utf8.ValidString(ended.EndReason) || utf8.RuneCountInString(ended.EndReason) != maxReasonLen {
		t.Fatalf("end reason %q is not %d whole runes", ended.EndReason, maxReasonLen)
	}
}

func TestEndActiveForTrip(t *testing.T) {
	ctx := context.Background()
	svc, store, rec, _ := setup(t, models.TripInProgress)
	trip, err := store.GetTrip(ctx, "trip1")
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.EndActiveForTrip(ctx, trip, models.EndReasonTripCompleted); err != nil {
		t.Fatalf("no active call should be a no-op: %v", err)
	}

	c, err := svc.Initiate(ctx, driver, "trip1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RelayAnswer(ctx, rider, c.ID, answerSD); err != nil {
		t.Fatal(err)
	}
	if err := svc.EndActiveForTrip(ctx, trip, models.EndReasonTripCancelled); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetCall(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.CallEnded || got.EndReason != models.EndReasonTripCancelled {
		t.Fatalf("unexpected %+v", got)
	}
	if rec.count("trip:trip1", EventCallEnded) != 1 {
		t.Fatalf("call_ended not broadcast")
	}

	history, err := svc.History(ctx, rider, "trip1")
	if err != nil || len(history) != 1 {
		t.Fatalf("history = %v, %v", history, err)
	}
	_, err = svc.History(ctx, stranger, "trip1")
	wantKind(t, err, apperr.NotFound)
}
