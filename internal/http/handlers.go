package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-coordination/internal/auth"
	"github.com/example/ride-coordination/internal/calls"
	"github.com/example/ride-coordination/internal/chat"
	"github.com/example/ride-coordination/internal/trips"
	"github.com/example/ride-coordination/internal/users"
)

// Services are the domain components the HTTP surface fronts.
type Services struct {
	Auth     *auth.Authority
	OTP      *auth.OTPService
	Users    *users.Service
	Trips    *trips.Service
	Chat     *chat.Service
	Calls    *calls.Service
	Realtime http.Handler
}

type Options struct {
	Logger *slog.Logger
	// TestMode returns OTP codes in the response body.
	TestMode bool
	// Ready reports whether backing stores are reachable; nil means always.
	Ready func(ctx context.Context) error
}

type Server struct {
	auth     *auth.Authority
	otp      *auth.OTPService
	users    *users.Service
	trips    *trips.Service
	chat     *chat.Service
	calls    *calls.Service
	realtime http.Handler

	logger   *slog.Logger
	testMode bool
	ready    func(ctx context.Context) error
	mux      *mux.Router
}

func NewServer(svc Services, opts Options) *Server {
	s := &Server{
		auth:     svc.Auth,
		otp:      svc.OTP,
		users:    svc.Users,
		trips:    svc.Trips,
		chat:     svc.Chat,
		calls:    svc.Calls,
		realtime: svc.Realtime,
		logger:   opts.Logger,
		testMode: opts.TestMode,
		ready:    opts.Ready,
		mux:      mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.realtime != nil {
		s.mux.Handle("/ws", s.realtime)
	}

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auth/otp", s.handleRequestOTP).Methods(http.MethodPost)
	api.HandleFunc("/auth/verify", s.handleVerifyOTP).Methods(http.MethodPost)
	api.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)

	p := api.NewRoute().Subrouter()
	p.Use(s.authMiddleware)
	p.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	p.HandleFunc("/auth/logout-all", s.handleLogoutAll).Methods(http.MethodPost)

	p.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)
	p.HandleFunc("/me/vehicle", s.handleSetVehicle).Methods(http.MethodPut)
	p.HandleFunc("/me/contacts", s.handleListContacts).Methods(http.MethodGet)
	p.HandleFunc("/me/contacts", s.handleAddContact).Methods(http.MethodPost)
	p.HandleFunc("/me/contacts/{phone}", s.handleRemoveContact).Methods(http.MethodDelete)

	p.HandleFunc("/trips", s.handleCreateTrip).Methods(http.MethodPost)
	p.HandleFunc("/trips", s.handleListTrips).Methods(http.MethodGet)
	p.HandleFunc("/trips/{id}", s.handleGetTrip).Methods(http.MethodGet)
	p.HandleFunc("/trips/{id}/offers", s.handleCreateOffer).Methods(http.MethodPost)
	p.HandleFunc("/trips/{id}/offers", s.handleListOffers).Methods(http.MethodGet)
	p.HandleFunc("/trips/{id}/offers/{offer_id}/accept", s.handleAcceptOffer).Methods(http.MethodPost)
	p.HandleFunc("/trips/{id}/start", s.transition(s.trips.Start)).Methods(http.MethodPost)
	p.HandleFunc("/trips/{id}/complete", s.transition(s.trips.Complete)).Methods(http.MethodPost)
	p.HandleFunc("/trips/{id}/cancel", s.transition(s.trips.Cancel)).Methods(http.MethodPost)
	p.HandleFunc("/trips/{id}/share", s.handleShare).Methods(http.MethodPost)
	p.HandleFunc("/trips/{id}/share/{phone}", s.handleUnshare).Methods(http.MethodDelete)
	p.HandleFunc("/trips/{id}/rating", s.handleRate).Methods(http.MethodPost)
	p.HandleFunc("/trips/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	p.HandleFunc("/trips/{id}/messages", s.handleSendMessage).Methods(http.MethodPost)
	p.HandleFunc("/trips/{id}/calls", s.handleCallHistory).Methods(http.MethodGet)
	p.HandleFunc("/messages/{id}/read", s.handleMarkRead).Methods(http.MethodPost)

	p.HandleFunc("/admin/drivers/{id}/verify", s.handleVerifyDriver).Methods(http.MethodPatch)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
