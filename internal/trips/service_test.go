package trips

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/clock"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/policy"
	"github.com/example/ride-coordination/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type delivery struct {
	target string // user id or room
	event  string
}

// fakeNotifier records deliveries instead of sending them.
type fakeNotifier struct {
	mu     sync.Mutex
	online []string
	fanOut []delivery
	rooms  []delivery
}

func (f *fakeNotifier) FanOut(userID, event string, _ any) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fanOut = append(f.fanOut, delivery{userID, event})
	return 1
}

func (f *fakeNotifier) Broadcast(room, event string, _ any, _ ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, delivery{room, event})
	return 1
}

func (f *fakeNotifier) OnlineUsers(models.Role) []string { return f.online }

func (f *fakeNotifier) fanOutTargets(event string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, d := range f.fanOut {
		if d.event == event {
			out = append(out, d.target)
		}
	}
	sort.Strings(out)
	return out
}

func (f *fakeNotifier) roomEvents(room string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, d := range f.rooms {
		if d.target == room {
			out = append(out, d.event)
		}
	}
	return out
}

type fakeCalls struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeCalls) EndActiveForTrip(_ context.Context, _ models.Trip, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return nil
}

type fixture struct {
	svc    *Service
	store  *storage.MemoryStore
	notify *fakeNotifier
	calls  *fakeCalls
}

var (
	rider    = policy.Actor{UserID: "rider", Role: models.RoleRider, Phone: "+15550000"}
	driver1  = policy.Actor{UserID: "d1", Role: models.RoleDriver}
	driver2  = policy.Actor{UserID: "d2", Role: models.RoleDriver}
	driver3  = policy.Actor{UserID: "d3", Role: models.RoleDriver}
	bikeGuy  = policy.Actor{UserID: "bike", Role: models.RoleDriver}
	newbie   = policy.Actor{UserID: "newbie", Role: models.RoleDriver}
	admin    = policy.Actor{UserID: "admin", Role: models.RoleAdmin}
	stranger = policy.Actor{UserID: "stranger", Role: models.RoleRider}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: storage.NewMemoryStore(), notify: &fakeNotifier{}, calls: &fakeCalls{}}
	users := []models.User{
		{ID: "rider", Phone: "+15550000", Role: models.RoleRider},
		{ID: "stranger", Phone: "+15550009", Role: models.RoleRider},
		{ID: "d1", Phone: "+15550001", Role: models.RoleDriver, VehicleType: models.VehicleCar, Verified: true},
		{ID: "d2", Phone: "+15550002", Role: models.RoleDriver, VehicleType: models.VehicleCar, Verified: true},
		{ID: "d3", Phone: "+15550003", Role: models.RoleDriver, VehicleType: models.VehicleCar, Verified: true},
		{ID: "bike", Phone: "+15550004", Role: models.RoleDriver, VehicleType: models.VehicleBike, Verified: true},
		{ID: "newbie", Phone: "+15550005", Role: models.RoleDriver, VehicleType: models.VehicleCar},
	}
	for i := range users {
		if err := f.store.CreateUser(ctx, &users[i]); err != nil {
			t.Fatal(err)
		}
	}
	f.svc = NewService(f.store, f.notify, Options{Clock: clock.NewFake(t0), Calls: f.calls})
	return f
}

func (f *fixture) createTrip(t *testing.T) models.Trip {
	t.Helper()
	trip, err := f.svc.Create(context.Background(), rider, CreateInput{
		Pickup:        models.Coord{Lat: 12.97, Lon: 77.59},
		Dropoff:       models.Coord{Lat: 12.93, Lon: 77.62},
		VehicleType:   models.VehicleCar,
		ProposedPrice: 500,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return trip
}

func (f *fixture) offer(t *testing.T, a policy.Actor, tripID string, price float64) models.Offer {
	t.Helper()
	o, err := f.svc.Offer(context.Background(), a, tripID, OfferInput{Price: price, ETAMinutes: 4})
	if err != nil {
		t.Fatalf("offer by %s: %v", a.UserID, err)
	}
	return o
}

func wantKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v error, got nil", kind)
	}
	if got := apperr.KindOf(err); got != kind {
		t.Fatalf("expected %v, got %v (%v)", kind, got, err)
	}
}

func TestNegotiationScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trip := f.createTrip(t)

	low := f.offer(t, driver1, trip.ID, 400)
	high := f.offer(t, driver2, trip.ID, 450)

	accepted, err := f.svc.AcceptOffer(ctx, rider, trip.ID, high.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != models.TripAccepted || accepted.Driver() != "d2" {
		t.Fatalf("unexpected trip %+v", accepted)
	}
	if accepted.AcceptedPrice == nil || *accepted.AcceptedPrice != 450 {
		t.Fatalf("accepted price = %v", accepted.AcceptedPrice)
	}
	lost, err := f.store.GetOffer(ctx, low.ID)
	if err != nil {
		t.Fatal(err)
	}
	if lost.Status != models.OfferRejected {
		t.Fatalf("losing offer status = %s", lost.Status)
	}
	if got := f.notify.fanOutTargets(EventOfferAccepted); len(got) != 1 || got[0] != "d2" {
		t.Fatalf("winner not notified directly: %v", got)
	}
	if got := f.notify.fanOutTargets(EventOfferRejected); len(got) != 1 || got[0] != "d1" {
		t.Fatalf("loser notifications = %v", got)
	}

	_, err = f.svc.Offer(ctx, driver3, trip.ID, OfferInput{Price: 300})
	wantKind(t, err, apperr.Conflict)

	_, err = f.svc.AcceptOffer(ctx, rider, trip.ID, low.ID)
	wantKind(t, err, apperr.Conflict)
}

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trip := f.createTrip(t)
	offers := []models.Offer{
		f.offer(t, driver1, trip.ID, 400),
		f.offer(t, driver2, trip.ID, 450),
		f.offer(t, driver3, trip.ID, 480),
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 12; i++ {
		o := offers[i%len(offers)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AcceptOffer(ctx, rider, trip.ID, o.ID)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if k := apperr.KindOf(err); k != apperr.Conflict {
				t.Errorf("loser got %v: %v", k, err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}

	all, err := f.store.ListOffers(ctx, trip.ID)
	if err != nil {
		t.Fatal(err)
	}
	accepted := 0
	for _, o := range all {
		switch o.Status {
		case models.OfferAccepted:
			accepted++
		case models.OfferPending:
			t.Fatalf("offer %s left pending", o.ID)
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted offers = %d", accepted)
	}
}

func TestCreateAnnouncesToMatchingVerifiedDrivers(t *testing.T) {
	f := newFixture(t)
	f.notify.online = []string{"d1", "d2", "bike", "newbie", "ghost"}
	f.createTrip(t)
	f.svc.Wait()

	got := f.notify.fanOutTargets(EventNewTrip)
	if len(got) != 2 || got[0] != "d1" || got[1] != "d2" {
		t.Fatalf("new_trip delivered to %v", got)
	}
}

func TestOfferRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trip := f.createTrip(t)

	_, err := f.svc.Offer(ctx, rider, trip.ID, OfferInput{Price: 400})
	wantKind(t, err, apperr.Forbidden)

	_, err = f.svc.Offer(ctx, bikeGuy, trip.ID, OfferInput{Price: 400})
	wantKind(t, err, apperr.Forbidden)

	_, err = f.svc.Offer(ctx, newbie, trip.ID, OfferInput{Price: 400})
	wantKind(t, err, apperr.Forbidden)

	_, err = f.svc.Offer(ctx, driver1, trip.ID, OfferInput{Price: 0})
	wantKind(t, err, apperr.Invalid)

	f.offer(t, driver1, trip.ID, 400)
	_, err = f.svc.Offer(ctx, driver1, trip.ID, OfferInput{Price: 380})
	wantKind(t, err, apperr.Conflict)

	_, err = f.svc.Offer(ctx, driver1, "missing", OfferInput{Price: 380})
	wantKind(t, err, apperr.NotFound)

	if got := f.notify.roomEvents(trip.Room()); len(got) != 1 || got[0] != EventNewOffer {
		t.Fatalf("room events = %v", got)
	}
}

func TestOfferListingVisibility(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trip := f.createTrip(t)
	f.offer(t, driver1, trip.ID, 400)
	f.offer(t, driver2, trip.ID, 450)

	all, err := f.svc.ListOffers(ctx, rider, trip.ID)
	if err != nil || len(all) != 2 {
		t.Fatalf("rider sees %d offers, %v", len(all), err)
	}
	own, err := f.svc.ListOffers(ctx, driver1, trip.ID)
	if err != nil || len(own) != 1 || own[0].DriverID != "d1" {
		t.Fatalf("driver sees %v, %v", own, err)
	}
	_, err = f.svc.ListOffers(ctx, stranger, trip.ID)
	wantKind(t, err, apperr.NotFound)
}

func TestLifecycleToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trip := f.createTrip(t)
	o := f.offer(t, driver1, trip.ID, 400)
	if _, err := f.svc.AcceptOffer(ctx, rider, trip.ID, o.ID); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Complete(ctx, driver1, trip.ID)
	wantKind(t, err, apperr.Conflict)
	_, err = f.svc.Start(ctx, rider, trip.ID)
	wantKind(t, err, apperr.Forbidden)
	_, err = f.svc.Start(ctx, driver2, trip.ID)
	wantKind(t, err, apperr.NotFound)

	started, err := f.svc.Start(ctx, driver1, trip.ID)
	if err != nil {
		t.Fatal(err)
	}
	if started.Status != models.TripInProgress || started.StartedAt == nil {
		t.Fatalf("unexpected %+v", started)
	}
	done, err := f.svc.Complete(ctx, driver1, trip.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != models.TripCompleted || done.CompletedAt == nil {
		t.Fatalf("unexpected %+v", done)
	}

	d, err := f.store.GetUser(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if d.TotalTrips != 1 {
		t.Fatalf("trip count = %d", d.TotalTrips)
	}
	if len(f.calls.reasons) != 1 || f.calls.reasons[0] != models.EndReasonTripCompleted {
		t.Fatalf("call teardown reasons = %v", f.calls.reasons)
	}
	events := f.notify.roomEvents(trip.Room())
	last := events[len(events)-2:]
	if last[0] != EventTripCompleted || last[1] != EventChatDisabled {
		t.Fatalf("room events = %v", events)
	}

	_, err = f.svc.Cancel(ctx, rider, trip.ID)
	wantKind(t, err, apperr.Conflict)
}

func TestCancelRequestedTripRejectsOffers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trip := f.createTrip(t)
	o := f.offer(t, driver1, trip.ID, 400)

	_, err := f.svc.Cancel(ctx, stranger, trip.ID)
	wantKind(t, err, apperr.NotFound)

	cancelled, err := f.svc.Cancel(ctx, rider, trip.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != models.TripCancelled || cancelled.CancelledBy != "rider" {
		t.Fatalf("unexpected %+v", cancelled)
	}
	got, err := f.store.GetOffer(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.OfferRejected {
		t.Fatalf("offer status = %s", got.Status)
	}
	if len(f.calls.reasons) != 1 || f.calls.reasons[0] != models.EndReasonTripCancelled {
		t.Fatalf("call teardown reasons = %v", f.calls.reasons)
	}
}

func TestShareRequiresTrustedContact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trip := f.createTrip(t)

	_, err := f.svc.Share(ctx, rider, trip.ID, "+15550009")
	wantKind(t, err, apperr.Invalid)

	if err := f.store.AddTrustedContact(ctx, models.TrustedContact{UserID: "rider", Phone: "+15550009", Name: "Sam"}); err != nil {
		t.Fatal(err)
	}
	shared, err := f.svc.Share(ctx, rider, trip.ID, "+15550009")
	if err != nil {
		t.Fatal(err)
	}
	if !shared.SharedWithPhone("+15550009") {
		t.Fatalf("trip not shared: %+v", shared.SharedWith)
	}
	if got := f.notify.fanOutTargets(EventTripShared); len(got) != 1 || got[0] != "stranger" {
		t.Fatalf("shared notifications = %v", got)
	}

	contact := policy.Actor{UserID: "stranger", Role: models.RoleRider, Phone: "+15550009"}
	if _, err := f.svc.Get(ctx, contact, trip.ID); err != nil {
		t.Fatalf("contact cannot view shared trip: %v", err)
	}

	_, err = f.svc.Share(ctx, driver1, trip.ID, "+15550009")
	wantKind(t, err, apperr.NotFound)

	if _, err := f.svc.Unshare(ctx, rider, trip.ID, "+15550009"); err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.Get(ctx, contact, trip.ID)
	wantKind(t, err, apperr.NotFound)
}

func TestRatingOncePerRater(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trip := f.createTrip(t)
	o := f.offer(t, driver1, trip.ID, 400)
	if _, err := f.svc.AcceptOffer(ctx, rider, trip.ID, o.ID); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Rate(ctx, rider, trip.ID, RateInput{Score: 5})
	wantKind(t, err, apperr.Conflict)

	if _, err := f.svc.Start(ctx, driver1, trip.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Complete(ctx, driver1, trip.ID); err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.Rate(ctx, rider, trip.ID, RateInput{Score: 9})
	wantKind(t, err, apperr.Invalid)

	r, err := f.svc.Rate(ctx, rider, trip.ID, RateInput{Score: 4})
	if err != nil {
		t.Fatal(err)
	}
	if r.RateeID != "d1" {
		t.Fatalf("ratee = %s", r.RateeID)
	}
	_, err = f.svc.Rate(ctx, rider, trip.ID, RateInput{Score: 5})
	wantKind(t, err, apperr.Conflict)

	if _, err := f.svc.Rate(ctx, driver1, trip.ID, RateInput{Score: 5}); err != nil {
		t.Fatalf("driver rating rider: %v", err)
	}

	d, err := f.store.GetUser(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Rating != 4 || d.RatingCount != 1 {
		t.Fatalf("driver rating = %v over %d", d.Rating, d.RatingCount)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), driver1, CreateInput{VehicleType: models.VehicleCar, ProposedPrice: 10})
	wantKind(t, err, apperr.Forbidden)

	_, err = f.svc.Create(context.Background(), rider, CreateInput{
		Pickup:        models.Coord{Lat: 120},
		VehicleType:   "hovercraft",
		ProposedPrice: -1,
	})
	wantKind(t, err, apperr.Invalid)

	_, err = f.svc.Get(context.Background(), admin, "missing")
	wantKind(t, err, apperr.NotFound)
}
