package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/auth"
	"github.com/example/ride-coordination/internal/calls"
	"github.com/example/ride-coordination/internal/chat"
	"github.com/example/ride-coordination/internal/clock"
	"github.com/example/ride-coordination/internal/logging"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/registry"
	"github.com/example/ride-coordination/internal/storage"
	"github.com/example/ride-coordination/internal/trips"
	"github.com/example/ride-coordination/internal/users"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	srv   *Server
	clk   *clock.Fake
	auth  *auth.Authority
	store *storage.MemoryStore
	trips *trips.Service
	logs  *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clk: clock.NewFake(t0), store: storage.NewMemoryStore(), logs: &bytes.Buffer{}}
	f.auth = auth.NewAuthority(f.store, auth.Options{Secret: []byte("test-secret"), Clock: f.clk})
	otp := auth.NewOTPService(f.store, auth.OTPOptions{BcryptCost: bcrypt.MinCost, Clock: f.clk})
	reg := registry.New(f.auth, registry.Options{Clock: f.clk})
	userSvc := users.NewService(f.store, f.clk, nil)
	f.trips = trips.NewService(f.store, reg, trips.Options{Clock: f.clk})
	callSvc := calls.NewService(f.store, reg, f.clk, nil)
	f.trips.SetCallTerminator(callSvc)
	chatSvc := chat.NewService(f.store, reg, chat.DefaultFilter(), f.clk, nil)
	f.srv = NewServer(Services{
		Auth:  f.auth,
		OTP:   otp,
		Users: userSvc,
		Trips: f.trips,
		Chat:  chatSvc,
		Calls: callSvc,
	}, Options{TestMode: true, Logger: logging.New(f.logs, "info")})
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func wantStatus(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d; body %s", rec.Code, status, rec.Body.String())
	}
}

// login runs the OTP flow and returns the session.
func (f *fixture) login(t *testing.T, phone string, role models.Role) sessionResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/auth/otp", "", otpRequest{Phone: phone})
	wantStatus(t, rec, http.StatusAccepted)
	otp := decodeBody[otpResponse](t, rec)
	if len(otp.Code) != 6 {
		t.Fatalf("code = %q", otp.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/v1/auth/verify", "", verifyRequest{Phone: phone, Code: otp.Code, Role: role, Name: "Test"})
	wantStatus(t, rec, http.StatusOK)
	return decodeBody[sessionResponse](t, rec)
}

// verifiedDriver stores a ready-to-work driver and returns an access token.
func (f *fixture) verifiedDriver(t *testing.T, id string) string {
	t.Helper()
	u := models.User{ID: id, Phone: "+1555" + id, Role: models.RoleDriver, VehicleType: models.VehicleCar, Verified: true}
	if err := f.store.CreateUser(context.Background(), &u); err != nil {
		t.Fatal(err)
	}
	pair, err := f.auth.Issue(context.Background(), auth.SubjectOf(u))
	if err != nil {
		t.Fatal(err)
	}
	return pair.AccessToken
}

func TestLoginAndMe(t *testing.T) {
	f := newFixture(t)
	s := f.login(t, "+1 (555) 010-2000", models.RoleRider)
	if s.User.Phone != "+15550102000" || s.User.Role != models.RoleRider {
		t.Fatalf("user = %+v", s.User)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/me", s.AccessToken, nil)
	wantStatus(t, rec, http.StatusOK)
	if me := decodeBody[models.User](t, rec); me.ID != s.User.ID {
		t.Fatalf("me = %+v", me)
	}

	wantStatus(t, f.do(t, http.MethodGet, "/api/v1/me", "", nil), http.StatusUnauthorized)
	rec = f.do(t, http.MethodGet, "/api/v1/me", "not-a-token", nil)
	wantStatus(t, rec, http.StatusUnauthorized)
	if body := decodeBody[errorBody](t, rec); body.Error != "unauthorized" {
		t.Fatalf("leaked reason: %+v", body)
	}
}

func TestAccessLogNamesCallerAndRoute(t *testing.T) {
	f := newFixture(t)
	s := f.login(t, "+15550102001", models.RoleRider)
	f.logs.Reset()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	wantStatus(t, rec, http.StatusOK)
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("request id header = %q", got)
	}

	var line struct {
		Msg       string `json:"msg"`
		RequestID string `json:"request_id"`
		Route     string `json:"route"`
		Status    int    `json:"status"`
		UserID    string `json:"user_id"`
		Role      string `json:"role"`
	}
	if err := json.Unmarshal(f.logs.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", f.logs.String(), err)
	}
	if line.Msg != "http_request" || line.RequestID != "req-42" || line.Route != "/api/v1/me" ||
		line.Status != http.StatusOK || line.UserID != s.User.ID || line.Role != string(models.RoleRider) {
		t.Fatalf("access log = %+v", line)
	}
}

func TestVerifyRejectsWrongCodeAndAdminRole(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/auth/otp", "", otpRequest{Phone: "+15550300"})
	code := decodeBody[otpResponse](t, rec).Code

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	rec = f.do(t, http.MethodPost, "/api/v1/auth/verify", "", verifyRequest{Phone: "+15550300", Code: wrong})
	wantStatus(t, rec, http.StatusUnauthorized)

	rec = f.do(t, http.MethodPost, "/api/v1/auth/verify", "", verifyRequest{Phone: "+15550300", Code: code, Role: models.RoleAdmin})
	wantStatus(t, rec, http.StatusBadRequest)

	wantStatus(t, f.do(t, http.MethodPost, "/api/v1/auth/otp", "", otpRequest{Phone: "abc"}), http.StatusBadRequest)
}

func TestRefreshRotationAndExpiry(t *testing.T) {
	f := newFixture(t)
	s := f.login(t, "+15550400", models.RoleRider)

	rec := f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", refreshRequest{RefreshToken: s.RefreshToken})
	wantStatus(t, rec, http.StatusOK)
	next := decodeBody[auth.TokenPair](t, rec)
	if next.RefreshToken == s.RefreshToken {
		t.Fatalf("refresh token not rotated")
	}

	rec = f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", refreshRequest{RefreshToken: s.RefreshToken})
	wantStatus(t, rec, http.StatusUnauthorized)
	if body := decodeBody[errorBody](t, rec); body.Code != "invalid" {
		t.Fatalf("reused token: %+v", body)
	}

	f.clk.Advance(auth.DefaultRefreshTTL + time.Minute)
	rec = f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", refreshRequest{RefreshToken: next.RefreshToken})
	wantStatus(t, rec, http.StatusUnauthorized)
	if body := decodeBody[errorBody](t, rec); body.Code != "expired" {
		t.Fatalf("expired token: %+v", body)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	f := newFixture(t)
	s := f.login(t, "+15550500", models.RoleRider)

	wantStatus(t, f.do(t, http.MethodPost, "/api/v1/auth/logout", s.AccessToken, refreshRequest{RefreshToken: s.RefreshToken}), http.StatusNoContent)
	wantStatus(t, f.do(t, http.MethodGet, "/api/v1/me", s.AccessToken, nil), http.StatusUnauthorized)
	wantStatus(t, f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", refreshRequest{RefreshToken: s.RefreshToken}), http.StatusUnauthorized)
}

func TestLogoutAll(t *testing.T) {
	f := newFixture(t)
	first := f.login(t, "+15550600", models.RoleRider)
	second := f.login(t, "+15550600", models.RoleRider)

	rec := f.do(t, http.MethodPost, "/api/v1/auth/logout-all", second.AccessToken, nil)
	wantStatus(t, rec, http.StatusOK)
	if n := decodeBody[map[string]int](t, rec)["revoked_sessions"]; n != 2 {
		t.Fatalf("revoked = %d", n)
	}
	wantStatus(t, f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", refreshRequest{RefreshToken: first.RefreshToken}), http.StatusUnauthorized)
}

func TestTripNegotiationOverHTTP(t *testing.T) {
	f := newFixture(t)
	rider := f.login(t, "+15550700", models.RoleRider).AccessToken
	stranger := f.login(t, "+15550701", models.RoleRider).AccessToken
	d1 := f.verifiedDriver(t, "d1")
	d2 := f.verifiedDriver(t, "d2")

	rec := f.do(t, http.MethodPost, "/api/v1/trips", rider, trips.CreateInput{
		Pickup:        models.Coord{Lat: 12.97, Lon: 77.59},
		Dropoff:       models.Coord{Lat: 12.93, Lon: 77.62},
		VehicleType:   models.VehicleCar,
		ProposedPrice: 500,
	})
	wantStatus(t, rec, http.StatusCreated)
	trip := decodeBody[models.Trip](t, rec)
	base := "/api/v1/trips/" + trip.ID

	wantStatus(t, f.do(t, http.MethodPost, base+"/offers", d1, trips.OfferInput{Price: 400, ETAMinutes: 5}), http.StatusCreated)
	rec = f.do(t, http.MethodPost, base+"/offers", d2, trips.OfferInput{Price: 450, ETAMinutes: 3})
	wantStatus(t, rec, http.StatusCreated)
	winner := decodeBody[models.Offer](t, rec)
	wantStatus(t, f.do(t, http.MethodPost, base+"/offers", d1, trips.OfferInput{Price: 390}), http.StatusConflict)
	wantStatus(t, f.do(t, http.MethodPost, base+"/offers", rider, trips.OfferInput{Price: 390}), http.StatusForbidden)

	rec = f.do(t, http.MethodGet, base+"/offers", rider, nil)
	wantStatus(t, rec, http.StatusOK)
	if offers := decodeBody[[]models.Offer](t, rec); len(offers) != 2 {
		t.Fatalf("offers = %d", len(offers))
	}

	wantStatus(t, f.do(t, http.MethodGet, base, stranger, nil), http.StatusNotFound)

	rec = f.do(t, http.MethodPost, base+"/offers/"+winner.ID+"/accept", rider, nil)
	wantStatus(t, rec, http.StatusOK)
	if got := decodeBody[models.Trip](t, rec); got.Driver() != "d2" || got.Status != models.TripAccepted {
		t.Fatalf("trip = %+v", got)
	}
	wantStatus(t, f.do(t, http.MethodPost, base+"/offers/"+winner.ID+"/accept", rider, nil), http.StatusConflict)

	wantStatus(t, f.do(t, http.MethodPost, base+"/messages", rider, map[string]string{"content": "blue gate"}), http.StatusCreated)
	rec = f.do(t, http.MethodGet, base+"/messages", d2, nil)
	wantStatus(t, rec, http.StatusOK)
	if msgs := decodeBody[[]models.Message](t, rec); len(msgs) != 1 || msgs[0].Content != "blue gate" {
		t.Fatalf("messages = %+v", msgs)
	}

	wantStatus(t, f.do(t, http.MethodPost, base+"/start", rider, nil), http.StatusForbidden)
	wantStatus(t, f.do(t, http.MethodPost, base+"/start", d2, nil), http.StatusOK)
	wantStatus(t, f.do(t, http.MethodPost, base+"/complete", d2, nil), http.StatusOK)
	wantStatus(t, f.do(t, http.MethodPost, base+"/rating", rider, trips.RateInput{Score: 5}), http.StatusCreated)
	wantStatus(t, f.do(t, http.MethodPost, base+"/rating", rider, trips.RateInput{Score: 4}), http.StatusConflict)
	wantStatus(t, f.do(t, http.MethodPost, base+"/messages", rider, map[string]string{"content": "thanks"}), http.StatusConflict)
	f.trips.Wait()
}

func TestAdminVerifiesDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := models.User{ID: "root", Phone: "+15559999", Role: models.RoleAdmin}
	if err := f.store.CreateUser(ctx, &admin); err != nil {
		t.Fatal(err)
	}
	adminPair, err := f.auth.Issue(ctx, auth.SubjectOf(admin))
	if err != nil {
		t.Fatal(err)
	}
	driver := f.login(t, "+15550800", models.RoleDriver)

	wantStatus(t, f.do(t, http.MethodPatch, "/api/v1/admin/drivers/"+driver.User.ID+"/verify", adminPair.AccessToken, nil), http.StatusConflict)
	wantStatus(t, f.do(t, http.MethodPut, "/api/v1/me/vehicle", driver.AccessToken, map[string]string{"vehicle_type": "suv"}), http.StatusOK)
	wantStatus(t, f.do(t, http.MethodPatch, "/api/v1/admin/drivers/"+driver.User.ID+"/verify", driver.AccessToken, nil), http.StatusForbidden)

	rec := f.do(t, http.MethodPatch, "/api/v1/admin/drivers/"+driver.User.ID+"/verify", adminPair.AccessToken, map[string]bool{"verified": true})
	wantStatus(t, rec, http.StatusOK)
	if u := decodeBody[models.User](t, rec); !u.Verified || u.VehicleType != models.VehicleSUV {
		t.Fatalf("driver = %+v", u)
	}
}

func TestContactsEndpoints(t *testing.T) {
	f := newFixture(t)
	s := f.login(t, "+15550900", models.RoleRider)

	rec := f.do(t, http.MethodPost, "/api/v1/me/contacts", s.AccessToken, map[string]string{"phone": "+1 555 0901", "name": "Sam"})
	wantStatus(t, rec, http.StatusCreated)
	rec = f.do(t, http.MethodGet, "/api/v1/me/contacts", s.AccessToken, nil)
	if list := decodeBody[[]models.TrustedContact](t, rec); len(list) != 1 || list[0].Phone != "+15550901" {
		t.Fatalf("contacts = %+v", list)
	}
	wantStatus(t, f.do(t, http.MethodDelete, "/api/v1/me/contacts/+15550901", s.AccessToken, nil), http.StatusNoContent)
	rec = f.do(t, http.MethodGet, "/api/v1/me/contacts", s.AccessToken, nil)
	if list := decodeBody[[]models.TrustedContact](t, rec); len(list) != 0 {
		t.Fatalf("contacts after delete = %+v", list)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.Unauthenticated: http.StatusUnauthorized,
		apperr.Forbidden:       http.StatusForbidden,
		apperr.NotFound:        http.StatusNotFound,
		apperr.Conflict:        http.StatusConflict,
		apperr.Invalid:         http.StatusBadRequest,
		apperr.Transient:       http.StatusServiceUnavailable,
	}
	for kind, want := range cases {
		if got := statusOf(kind); got != want {
			t.Errorf("%v -> %d, want %d", kind, got, want)
		}
	}
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t)
	wantStatus(t, f.do(t, http.MethodGet, "/healthz", "", nil), http.StatusOK)
	wantStatus(t, f.do(t, http.MethodGet, "/readyz", "", nil), http.StatusOK)

	f.srv.ready = func(context.Context) error { return apperr.New(apperr.Transient, "redis down") }
	wantStatus(t, f.do(t, http.MethodGet, "/readyz", "", nil), http.StatusServiceUnavailable)
}
