package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/policy"
	"github.com/example/ride-coordination/internal/trips"
)

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var in trips.CreateInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.trips.Create(r.Context(), actorFrom(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.trips.List(r.Context(), actorFrom(r.Context()), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Trip{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.trips.Get(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	var in trips.OfferInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := s.trips.Offer(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	list, err := s.trips.ListOffers(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Offer{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, err := s.trips.AcceptOffer(r.Context(), actorFrom(r.Context()), vars["id"], vars["offer_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type tripTransition func(ctx context.Context, a policy.Actor, tripID string) (models.Trip, error)

func (s *Server) transition(fn tripTransition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := fn(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.trips.Share(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], req.Phone)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, err := s.trips.Unshare(r.Context(), actorFrom(r.Context()), vars["id"], vars["phone"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var in trips.RateInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	rating, err := s.trips.Rate(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.chat.List(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Message{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.chat.Send(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	m, err := s.chat.MarkRead(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	list, err := s.calls.History(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Call{}
	}
	writeJSON(w, http.StatusOK, list)
}
