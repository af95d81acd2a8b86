// Package auth implements the token authority: short-lived signed access
// tokens, rotating opaque refresh tokens, and a revocation list of
// access-token hashes.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/clock"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
	"github.com/example/ride-coordination/internal/storage"
)

const (
	TypeAccess = "access"

	DefaultAccessTTL  = 30 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour

	refreshTokenBytes = 32
)

var (
	ErrRevoked      = apperr.New(apperr.Unauthenticated, "token revoked")
	ErrExpired      = apperr.New(apperr.Unauthenticated, "token expired")
	ErrWrongType    = apperr.New(apperr.Unauthenticated, "wrong token type")
	ErrMalformed    = apperr.New(apperr.Unauthenticated, "malformed token")
	ErrBadSignature = apperr.New(apperr.Unauthenticated, "invalid token signature")
	ErrNotFound     = apperr.New(apperr.Unauthenticated, "refresh token not found")
)

type Claims struct {
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"`
	Phone  string      `json:"phone"`
	Type   string      `json:"type"`
	jwt.RegisteredClaims
}

// Subject is the identity a token pair is minted for.
type Subject struct {
	UserID string
	Role   models.Role
	Phone  string
}

func SubjectOf(u models.User) Subject {
	return Subject{UserID: u.ID, Role: u.Role, Phone: u.Phone}
}

type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type Options struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
}

type Authority struct {
	store      storage.TokenStore
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      clock.Clock
	logger     *slog.Logger
}

func NewAuthority(store storage.TokenStore, opts Options) *Authority {
	a := &Authority{
		store:      store,
		secret:     opts.Secret,
		issuer:     opts.Issuer,
		accessTTL:  opts.AccessTTL,
		refreshTTL: opts.RefreshTTL,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}
	if a.accessTTL <= 0 {
		a.accessTTL = DefaultAccessTTL
	}
	if a.refreshTTL <= 0 {
		a.refreshTTL = DefaultRefreshTTL
	}
	if a.clock == nil {
		a.clock = clock.Real()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// HashToken is the revocation-list key for a token. Raw tokens are never
// stored in the list.
func HashToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Issue mints an access/refresh pair. Nothing is returned unless the
// refresh record was persisted.
func (a *Authority) Issue(ctx context.Context, sub Subject) (TokenPair, error) {
	const op = "auth.Issue"
	now := a.clock.Now()
	expiresAt := now.Add(a.accessTTL)
	claims := Claims{
		UserID: sub.UserID,
		Role:   sub.Role,
		Phone:  sub.Phone,
		Type:   TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   sub.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}
	refresh, err := newRefreshToken()
	if err != nil {
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}
	rec := models.RefreshToken{Token: refresh, UserID: sub.UserID, ExpiresAt: now.Add(a.refreshTTL), CreatedAt: now}
	if err := a.store.SaveRefreshToken(ctx, rec); err != nil {
		return TokenPair{}, apperr.Wrap(apperr.Transient, "could not persist session", fmt.Errorf("%s: %w", op, err))
	}
	observability.TokensIssuedTotal.Inc()
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt}, nil
}

func (a *Authority) keyFunc(t *jwt.Token) (any, error) {
	return a.secret, nil
}

// VerifyAccess validates an access token. The revocation list is consulted
// before the signature so a revoked token is rejected without further work.
func (a *Authority) VerifyAccess(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMalformed
	}
	now := a.clock.Now()
	revoked, err := a.store.IsTokenHashRevoked(ctx, HashToken(token), now)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "token store unavailable", err)
	}
	if revoked {
		return nil, ErrRevoked
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(token, claims, a.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithExpirationRequired(),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrBadSignature
	default:
		return nil, ErrMalformed
	}
	if claims.Type != TypeAccess {
		return nil, ErrWrongType
	}
	if claims.UserID == "" || !claims.Role.Valid() {
		return nil, ErrMalformed
	}
	return claims, nil
}

// VerifyRefresh looks up a refresh record. An expired record is deleted as
// a side effect.
func (a *Authority) VerifyRefresh(ctx context.Context, token string) (models.RefreshToken, error) {
	if token == "" {
		return models.RefreshToken{}, ErrNotFound
	}
	rec, err := a.store.GetRefreshToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return models.RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return models.RefreshToken{}, apperr.Wrap(apperr.Transient, "token store unavailable", err)
	}
	if !a.clock.Now().Before(rec.ExpiresAt) {
		if _, err := a.store.DeleteRefreshToken(ctx, token); err != nil {
			a.logger.Warn("delete expired refresh token", "user_id", rec.UserID, "error", err)
		}
		return models.RefreshToken{}, ErrExpired
	}
	return rec, nil
}

// RevokeAccess adds the token's hash to the revocation list until the
// token's own expiry. It is best effort: failures are logged, never returned.
func (a *Authority) RevokeAccess(ctx context.Context, token string) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		a.logger.Warn("revoke access token: undecodable token", "error", err)
		return
	}
	if claims.ExpiresAt == nil || !claims.ExpiresAt.After(a.clock.Now()) {
		return
	}
	if err := a.store.RevokeTokenHash(ctx, HashToken(token), claims.ExpiresAt.Time); err != nil {
		a.logger.Warn("revoke access token", "user_id", claims.UserID, "error", err)
	}
}

func (a *Authority) RevokeRefresh(ctx context.Context, token string) error {
	if _, err := a.store.DeleteRefreshToken(ctx, token); err != nil {
		return apperr.Wrap(apperr.Transient, "token store unavailable", err)
	}
	return nil
}

// RevokeAllForSubject ends every refresh session of a user.
func (a *Authority) RevokeAllForSubject(ctx context.Context, userID string) (int, error) {
	n, err := a.store.DeleteRefreshTokensForUser(ctx, userID)
	if err != nil {
		return 0, apperr.Wrap(apperr.Transient, "token store unavailable", err)
	}
	return n, nil
}

// Rotate redeems a refresh token for a new pair. The old record is deleted
// before the new pair is minted; of two concurrent redemptions only the one
// whose delete removed the record proceeds.
func (a *Authority) Rotate(ctx context.Context, old string, sub Subject) (TokenPair, error) {
	rec, err := a.VerifyRefresh(ctx, old)
	if err != nil {
		return TokenPair{}, err
	}
	if rec.UserID != sub.UserID {
		return TokenPair{}, ErrNotFound
	}
	removed, err := a.store.DeleteRefreshToken(ctx, old)
	if err != nil {
		return TokenPair{}, apperr.Wrap(apperr.Transient, "token store unavailable", err)
	}
	if !removed {
		return TokenPair{}, ErrNotFound
	}
	return a.Issue(ctx, sub)
}

// Sweep deletes expired refresh records and revocation entries.
func (a *Authority) Sweep(ctx context.Context) (int, error) {
	return a.store.PurgeExpiredTokens(ctx, a.clock.Now())
}

// RunSweeper calls Sweep every interval until ctx is done. A non-positive
// interval disables it.
func (a *Authority) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		a.logger.Info("token sweeper disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Sweep(ctx)
			if err != nil {
				a.logger.Warn("token sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Debug("token sweep", "removed", n)
			}
		}
	}
}

// FailureReason is a low-cardinality label for a verification error.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrWrongType):
		return "wrong_type"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
