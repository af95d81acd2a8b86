package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ride-coordination/internal/auth"
	"github.com/example/ride-coordination/internal/observability"
	"github.com/example/ride-coordination/internal/policy"
)

type contextKey string

const (
	requestKey contextKey = "request"
	actorKey   contextKey = "actor"
	tokenKey   contextKey = "access-token"
)

// requestInfo travels down the chain by pointer so inner middleware can
// report the caller back to the access log.
type requestInfo struct {
	id    string
	actor policy.Actor
}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.requestMiddleware)
	s.mux.Use(s.recoverMiddleware)
}

// requestMiddleware assigns the request id, times the request and writes
// one access-log line plus the HTTP metrics once the handler returns.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		info := &requestInfo{id: r.Header.Get("X-Request-ID")}
		if info.id == "" {
			info.id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", info.id)
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), requestKey, info)))

		route := routeTemplate(r)
		status := strconv.Itoa(ww.status)
		elapsed := time.Since(start)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())

		level := slog.LevelInfo
		switch {
		case ww.status >= http.StatusInternalServerError:
			level = slog.LevelWarn
		case route == "/healthz" || route == "/readyz" || route == "/metrics":
			level = slog.LevelDebug
		}
		args := []any{
			"request_id", info.id,
			"method", r.Method,
			"route", route,
			"status", ww.status,
			"duration_ms", elapsed.Milliseconds(),
			"remote_addr", remoteIP(r),
		}
		if info.actor.UserID != "" {
			args = append(args, "user_id", info.actor.UserID, "role", info.actor.Role)
		}
		s.logger.Log(r.Context(), level, "http_request", args...)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "request_id", requestIDFromContext(r.Context()), "route", routeTemplate(r), "error", rec)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware admits requests carrying a valid bearer access token and
// stores the caller as a policy.Actor in the request context. The response
// never says why a token was refused.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			observability.AuthFailuresTotal.WithLabelValues("missing").Inc()
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "unauthenticated"})
			return
		}
		claims, err := s.auth.VerifyAccess(r.Context(), token)
		if err != nil {
			reason := auth.FailureReason(err)
			observability.AuthFailuresTotal.WithLabelValues(reason).Inc()
			if reason == "error" {
				s.writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "unauthenticated"})
			return
		}
		a := policy.Actor{UserID: claims.UserID, Role: claims.Role, Phone: claims.Phone}
		if info, ok := r.Context().Value(requestKey).(*requestInfo); ok {
			info.actor = a
		}
		ctx := context.WithValue(r.Context(), actorKey, a)
		ctx = context.WithValue(ctx, tokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func actorFrom(ctx context.Context) policy.Actor {
	a, _ := ctx.Value(actorKey).(policy.Actor)
	return a
}

func tokenFrom(ctx context.Context) string {
	t, _ := ctx.Value(tokenKey).(string)
	return t
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade reach the underlying connection.
func (r *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpapi: response does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *responseWriter) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func requestIDFromContext(ctx context.Context) string {
	if info, ok := ctx.Value(requestKey).(*requestInfo); ok {
		return info.id
	}
	return ""
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
