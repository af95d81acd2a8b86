package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/clock"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/storage"
)

const (
	DefaultOTPTTL         = 5 * time.Minute
	DefaultOTPMaxAttempts = 5
	otpDigits             = 6
)

var (
	ErrInvalidPhone    = apperr.New(apperr.Invalid, "invalid phone number")
	ErrInvalidCode     = apperr.New(apperr.Unauthenticated, "invalid or expired code")
	ErrTooManyAttempts = apperr.New(apperr.Unauthenticated, "too many attempts, request a new code")
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// NormalizePhone strips separators and validates the result.
func NormalizePhone(raw string) (string, error) {
	p := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(raw))
	if !phonePattern.MatchString(p) {
		return "", ErrInvalidPhone
	}
	return p, nil
}

type OTPOptions struct {
	TTL         time.Duration
	MaxAttempts int
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	Clock      clock.Clock
	Logger     *slog.Logger
}

// OTPService issues and checks one-time login codes. Codes are stored only
// as bcrypt hashes.
type OTPService struct {
	store       storage.OTPStore
	ttl         time.Duration
	maxAttempts int
	cost        int
	clock       clock.Clock
	logger      *slog.Logger
}

func NewOTPService(store storage.OTPStore, opts OTPOptions) *OTPService {
	s := &OTPService{
		store:       store,
		ttl:         opts.TTL,
		maxAttempts: opts.MaxAttempts,
		cost:        opts.BcryptCost,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultOTPTTL
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultOTPMaxAttempts
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}

// Request replaces any outstanding code for phone and returns the new one.
// Delivering the code is the caller's concern.
func (s *OTPService) Request(ctx context.Context, phone string) (string, time.Time, error) {
	const op = "auth.OTPService.Request"
	code, err := generateCode()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%s: %w", op, err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cost)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%s: %w", op, err)
	}
	expiresAt := s.clock.Now().Add(s.ttl)
	if err := s.store.SaveOTP(ctx, models.OTP{Phone: phone, CodeHash: hash, ExpiresAt: expiresAt}); err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.Transient, "could not store code", fmt.Errorf("%s: %w", op, err))
	}
	return code, expiresAt, nil
}

// Verify consumes the code on success. Expired codes and codes past the
// attempt limit are deleted.
func (s *OTPService) Verify(ctx context.Context, phone, code string) error {
	o, err := s.store.GetOTP(ctx, phone)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrInvalidCode
	}
	if err != nil {
		return apperr.Wrap(apperr.Transient, "code store unavailable", err)
	}
	if !s.clock.Now().Before(o.ExpiresAt) {
		s.discard(ctx, phone)
		return ErrInvalidCode
	}
	if o.Attempts >= s.maxAttempts {
		s.discard(ctx, phone)
		return ErrTooManyAttempts
	}
	if bcrypt.CompareHashAndPassword(o.CodeHash, []byte(code)) != nil {
		attempts, err := s.store.IncrementOTPAttempts(ctx, phone)
		if err != nil {
			s.logger.Warn("count otp attempt", "error", err)
		} else if attempts >= s.maxAttempts {
			s.discard(ctx, phone)
			return ErrTooManyAttempts
		}
		return ErrInvalidCode
	}
	s.discard(ctx, phone)
	return nil
}

func (s *OTPService) discard(ctx context.Context, phone string) {
	if err := s.store.DeleteOTP(ctx, phone); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("delete otp", "error", err)
	}
}
