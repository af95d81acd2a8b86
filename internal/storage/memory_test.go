package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-coordination/internal/models"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedTrip(t *testing.T, m *MemoryStore) models.Trip {
	t.Helper()
	tr := models.Trip{ID: "trip1", RiderID: "rider", VehicleType: models.VehicleCar, ProposedPrice: 500, Status: models.TripRequested, CreatedAt: t0}
	if err := m.CreateTrip(context.Background(), &tr); err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestAssignTripRejectsSecondAcceptance(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedTrip(t, m)
	for _, o := range []models.Offer{
		{ID: "o1", TripID: "trip1", DriverID: "d1", Price: 400, Status: models.OfferPending, CreatedAt: t0},
		{ID: "o2", TripID: "trip1", DriverID: "d2", Price: 450, Status: models.OfferPending, CreatedAt: t0.Add(time.Second)},
	} {
		o := o
		if err := m.CreateOffer(ctx, &o); err != nil {
			t.Fatal(err)
		}
	}

	var (
		wg        sync.WaitGroup
		successes int
		conflicts int
		mu        sync.Mutex
	)
	for _, id := range []string{"o1", "o2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := m.AssignTrip(ctx, "trip1", id, t0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(id)
	}
	wg.Wait()
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner, got successes=%d conflicts=%d", successes, conflicts)
	}
	tr, _ := m.GetTrip(ctx, "trip1")
	if tr.Status != models.TripAccepted || tr.DriverID == nil || tr.AcceptedPrice == nil {
		t.Fatalf("trip not assigned: %+v", tr)
	}
}

func TestRejectOtherOffers(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedTrip(t, m)
	for _, id := range []string{"a", "b", "c"} {
		o := models.Offer{ID: id, TripID: "trip1", DriverID: "driver-" + id, Status: models.OfferPending}
		_ = m.CreateOffer(ctx, &o)
	}
	n, err := m.RejectOtherOffers(ctx, "trip1", "b")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 rejected, got %d err=%v", n, err)
	}
	b, _ := m.GetOffer(ctx, "b")
	if b.Status != models.OfferPending {
		t.Fatalf("excepted offer must be untouched, got %s", b.Status)
	}
}

func TestDuplicatePendingOffer(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	o := models.Offer{ID: "x", TripID: "trip1", DriverID: "d1", Status: models.OfferPending}
	if err := m.CreateOffer(ctx, &o); err != nil {
		t.Fatal(err)
	}
	o2 := models.Offer{ID: "y", TripID: "trip1", DriverID: "d1", Status: models.OfferPending}
	if err := m.CreateOffer(ctx, &o2); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestUpdateTripStatusIsConditional(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedTrip(t, m)
	if _, err := m.UpdateTripStatus(ctx, "trip1", models.TripAccepted, models.TripInProgress, "d", t0); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict starting a requested trip, got %v", err)
	}
	tr, err := m.UpdateTripStatus(ctx, "trip1", models.TripRequested, models.TripCancelled, "rider", t0)
	if err != nil {
		t.Fatal(err)
	}
	if tr.CancelledAt == nil || tr.CancelledBy != "rider" {
		t.Fatalf("cancel metadata missing: %+v", tr)
	}
	if _, err := m.UpdateTripStatus(ctx, "missing", models.TripRequested, models.TripCancelled, "", t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelledTripKeepsAssignment(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedTrip(t, m)
	o := models.Offer{ID: "o1", TripID: "trip1", DriverID: "d1", Price: 420, Status: models.OfferPending, CreatedAt: t0}
	if err := m.CreateOffer(ctx, &o); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AssignTrip(ctx, "trip1", "o1", t0); err != nil {
		t.Fatal(err)
	}
	tr, err := m.UpdateTripStatus(ctx, "trip1", models.TripAccepted, models.TripCancelled, "d1", t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if tr.Driver() != "d1" || tr.AcceptedPrice == nil || *tr.AcceptedPrice != 420 {
		t.Fatalf("cancelled trip lost its assignment: %+v", tr)
	}
}

func TestSingleActiveCallPerTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	c1 := models.Call{ID: "c1", TripID: "trip1", CallerID: "a", CalleeID: "b", Status: models.CallRinging, StartedAt: t0}
	if err := m.CreateCall(ctx, &c1); err != nil {
		t.Fatal(err)
	}
	c2 := models.Call{ID: "c2", TripID: "trip1", CallerID: "b", CalleeID: "a", Status: models.CallRinging, StartedAt: t0}
	if err := m.CreateCall(ctx, &c2); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := m.ConnectCall(ctx, "c1", t0.Add(3*time.Second)); err != nil {
		t.Fatal(err)
	}
	ended, err := m.FinishCall(ctx, "c1", models.CallEnded, models.EndReasonCompleted, t0.Add(45*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if ended.Duration != 42 {
		t.Fatalf("expected duration 42, got %d", ended.Duration)
	}
	if _, err := m.FinishCall(ctx, "c1", models.CallEnded, "again", t0.Add(time.Minute)); !errors.Is(err, ErrConflict) {
		t.Fatalf("ending an ended call must conflict, got %v", err)
	}
	if err := m.CreateCall(ctx, &c2); err != nil {
		t.Fatalf("new call after end should be allowed: %v", err)
	}
}

func TestPurgeExpiredTokens(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.SaveRefreshToken(ctx, models.RefreshToken{Token: "old", UserID: "u", ExpiresAt: t0})
	_ = m.SaveRefreshToken(ctx, models.RefreshToken{Token: "new", UserID: "u", ExpiresAt: t0.Add(time.Hour)})
	_ = m.RevokeTokenHash(ctx, "h1", t0)
	n, err := m.PurgeExpiredTokens(ctx, t0)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 purged, got %d err=%v", n, err)
	}
	if _, err := m.GetRefreshToken(ctx, "new"); err != nil {
		t.Fatalf("live token purged: %v", err)
	}
}

func TestAverageRating(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRating(ctx, &models.Rating{ID: "r1", TripID: "t1", RaterID: "a", RateeID: "d", Score: 5})
	_ = m.CreateRating(ctx, &models.Rating{ID: "r2", TripID: "t2", RaterID: "b", RateeID: "d", Score: 4})
	if err := m.CreateRating(ctx, &models.Rating{ID: "r3", TripID: "t1", RaterID: "a", RateeID: "d", Score: 1}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate rating, got %v", err)
	}
	avg, n, err := m.AverageRating(ctx, "d")
	if err != nil || n != 2 || avg != 4.5 {
		t.Fatalf("expected 4.5 over 2, got %v over %d (%v)", avg, n, err)
	}
}
