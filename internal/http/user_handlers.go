package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-coordination/internal/models"
)

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.users.Get(r.Context(), actorFrom(r.Context()).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleSetVehicle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VehicleType models.VehicleType `json:"vehicle_type"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.users.SetVehicle(r.Context(), actorFrom(r.Context()), req.VehicleType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.users.Contacts(r.Context(), actorFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if contacts == nil {
		contacts = []models.TrustedContact{}
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (s *Server) handleAddContact(w http.ResponseWriter, r *http.Request) {
	var req models.TrustedContact
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.users.AddContact(r.Context(), actorFrom(r.Context()), req.Phone, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleRemoveContact(w http.ResponseWriter, r *http.Request) {
	if err := s.users.RemoveContact(r.Context(), actorFrom(r.Context()), mux.Vars(r)["phone"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerifyDriver(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Verified *bool `json:"verified"`
	}{}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	verified := req.Verified == nil || *req.Verified
	u, err := s.users.VerifyDriver(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], verified)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
