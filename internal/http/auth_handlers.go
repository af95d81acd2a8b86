package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/auth"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
)

type otpRequest struct {
	Phone string `json:"phone"`
}

type otpResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
	Code      string    `json:"code,omitempty"`
}

func (s *Server) handleRequestOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	phone, err := auth.NormalizePhone(req.Phone)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code, expiresAt, err := s.otp.Request(r.Context(), phone)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := otpResponse{ExpiresAt: expiresAt}
	if s.testMode {
		resp.Code = code
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type verifyRequest struct {
	Phone string      `json:"phone"`
	Code  string      `json:"code"`
	Role  models.Role `json:"role"`
	Name  string      `json:"name"`
}

type sessionResponse struct {
	auth.TokenPair
	User models.User `json:"user"`
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	phone, err := auth.NormalizePhone(req.Phone)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Role == "" {
		req.Role = models.RoleRider
	}
	if err := s.otp.Verify(r.Context(), phone, req.Code); err != nil {
		observability.AuthFailuresTotal.WithLabelValues("otp").Inc()
		s.writeError(w, r, err)
		return
	}
	u, err := s.users.Resolve(r.Context(), phone, req.Role, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pair, err := s.auth.Issue(r.Context(), auth.SubjectOf(u))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{TokenPair: pair, User: u})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleRefresh rotates a refresh token. Unlike other endpoints it tells an
// expired token apart from an invalid one so clients know to log in again.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.auth.VerifyRefresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.refreshError(w, r, err)
		return
	}
	u, err := s.users.Get(r.Context(), rec.UserID)
	if err != nil {
		if apperr.IsKind(err, apperr.NotFound) {
			err = auth.ErrNotFound
		}
		s.refreshError(w, r, err)
		return
	}
	pair, err := s.auth.Rotate(r.Context(), req.RefreshToken, auth.SubjectOf(u))
	if err != nil {
		s.refreshError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) refreshError(w http.ResponseWriter, r *http.Request, err error) {
	if !apperr.IsKind(err, apperr.Unauthenticated) {
		s.writeError(w, r, err)
		return
	}
	observability.AuthFailuresTotal.WithLabelValues(auth.FailureReason(err)).Inc()
	if errors.Is(err, auth.ErrExpired) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "refresh token expired", Code: "expired"})
		return
	}
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid refresh token", Code: "invalid"})
}

// handleLogout revokes the presented access token and, when given, the
// refresh token of the same session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.auth.RevokeAccess(r.Context(), tokenFrom(r.Context()))
	if req.RefreshToken != "" {
		if err := s.auth.RevokeRefresh(r.Context(), req.RefreshToken); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	a := actorFrom(r.Context())
	s.auth.RevokeAccess(r.Context(), tokenFrom(r.Context()))
	n, err := s.auth.RevokeAllForSubject(r.Context(), a.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("all sessions revoked", "user_id", a.UserID, "sessions", n)
	writeJSON(w, http.StatusOK, map[string]int{"revoked_sessions": n})
}
