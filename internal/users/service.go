// Package users manages accounts, trusted contacts and driver state.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/auth"
	"github.com/example/ride-coordination/internal/clock"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/policy"
	"github.com/example/ride-coordination/internal/storage"
)

const MaxTrustedContacts = 5

var ErrUserNotFound = apperr.New(apperr.NotFound, "user not found")

type Service struct {
	store  storage.UserStore
	clock  clock.Clock
	logger *slog.Logger
}

func NewService(store storage.UserStore, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, clock: clk, logger: logger}
}

func transient(err error) error {
	return apperr.Wrap(apperr.Transient, "storage unavailable", err)
}

// Resolve returns the account for a verified phone, creating it with role
// on first login. Admins are never created this way.
func (s *Service) Resolve(ctx context.Context, phone string, role models.Role, name string) (models.User, error) {
	u, err := s.store.GetUserByPhone(ctx, phone)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return models.User{}, transient(err)
	}
	if role == "" {
		role = models.RoleRider
	}
	if role != models.RoleRider && role != models.RoleDriver {
		return models.User{}, apperr.New(apperr.Invalid, "role must be rider or driver")
	}
	u = models.User{
		ID:        uuid.NewString(),
		Phone:     phone,
		Name:      strings.TrimSpace(name),
		Role:      role,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateUser(ctx, &u); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// Lost a race with a concurrent first login.
			existing, err := s.store.GetUserByPhone(ctx, phone)
			if err != nil {
				return models.User{}, transient(err)
			}
			return existing, nil
		}
		return models.User{}, transient(fmt.Errorf("users.Resolve: %w", err))
	}
	s.logger.Info("user created", "user_id", u.ID, "role", u.Role)
	return u, nil
}

func (s *Service) Get(ctx context.Context, id string) (models.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, transient(err)
	}
	return u, nil
}

func requireDriver(a policy.Actor) error {
	if a.Role != models.RoleDriver {
		return apperr.New(apperr.Forbidden, "drivers only")
	}
	return nil
}

// SetVehicle records the category a driver serves. Changing it drops the
// driver's verification.
func (s *Service) SetVehicle(ctx context.Context, a policy.Actor, vt models.VehicleType) (models.User, error) {
	if err := requireDriver(a); err != nil {
		return models.User{}, err
	}
	if !vt.Valid() {
		return models.User{}, apperr.New(apperr.Invalid, "unknown vehicle type")
	}
	u, err := s.Get(ctx, a.UserID)
	if err != nil {
		return models.User{}, err
	}
	if u.VehicleType == vt {
		return u, nil
	}
	if err := s.store.SetVehicleType(ctx, a.UserID, vt); err != nil {
		return models.User{}, transient(err)
	}
	if u.Verified {
		if err := s.store.SetVerified(ctx, a.UserID, false); err != nil {
			return models.User{}, transient(err)
		}
	}
	return s.Get(ctx, a.UserID)
}

// SetAvailable toggles whether a driver wants trip announcements.
func (s *Service) SetAvailable(ctx context.Context, a policy.Actor, available bool) error {
	if err := requireDriver(a); err != nil {
		return err
	}
	if err := s.store.SetAvailability(ctx, a.UserID, available); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUserNotFound
		}
		return transient(err)
	}
	return nil
}

// HandleOffline runs when a user's last live channel closes: a driver is
// marked unavailable.
func (s *Service) HandleOffline(ctx context.Context, userID string, role models.Role) {
	if role != models.RoleDriver {
		return
	}
	if err := s.store.SetAvailability(ctx, userID, false); err != nil {
		s.logger.Warn("mark driver unavailable", "user_id", userID, "error", err)
		return
	}
	s.logger.Debug("driver offline", "user_id", userID)
}

// VerifyDriver is the admin approval that lets a driver receive trips.
func (s *Service) VerifyDriver(ctx context.Context, a policy.Actor, driverID string, verified bool) (models.User, error) {
	if err := policy.VerifyDriver(a).Error(); err != nil {
		return models.User{}, err
	}
	u, err := s.Get(ctx, driverID)
	if err != nil {
		return models.User{}, err
	}
	if u.Role != models.RoleDriver {
		return models.User{}, apperr.New(apperr.Invalid, "user is not a driver")
	}
	if verified && !u.VehicleType.Valid() {
		return models.User{}, apperr.New(apperr.Conflict, "driver has no vehicle type")
	}
	if err := s.store.SetVerified(ctx, driverID, verified); err != nil {
		return models.User{}, transient(err)
	}
	u.Verified = verified
	s.logger.Info("driver verification changed", "driver_id", driverID, "verified", verified, "admin_id", a.UserID)
	return u, nil
}

func (s *Service) Contacts(ctx context.Context, a policy.Actor) ([]models.TrustedContact, error) {
	out, err := s.store.ListTrustedContacts(ctx, a.UserID)
	if err != nil {
		return nil, transient(err)
	}
	return out, nil
}

func (s *Service) AddContact(ctx context.Context, a policy.Actor, phone, name string) (models.TrustedContact, error) {
	phone, err := auth.NormalizePhone(phone)
	if err != nil {
		return models.TrustedContact{}, err
	}
	if phone == a.Phone {
		return models.TrustedContact{}, apperr.New(apperr.Invalid, "cannot add yourself as a trusted contact")
	}
	existing, err := s.Contacts(ctx, a)
	if err != nil {
		return models.TrustedContact{}, err
	}
	if len(existing) >= MaxTrustedContacts {
		return models.TrustedContact{}, apperr.Newf(apperr.Conflict, "at most %d trusted contacts", MaxTrustedContacts)
	}
	c := models.TrustedContact{UserID: a.UserID, Phone: phone, Name: strings.TrimSpace(name)}
	if err := s.store.AddTrustedContact(ctx, c); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return models.TrustedContact{}, apperr.New(apperr.Conflict, "contact already exists")
		}
		return models.TrustedContact{}, transient(err)
	}
	return c, nil
}

func (s *Service) RemoveContact(ctx context.Context, a policy.Actor, phone string) error {
	if p, err := auth.NormalizePhone(phone); err == nil {
		phone = p
	}
	if err := s.store.RemoveTrustedContact(ctx, a.UserID, phone); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.New(apperr.NotFound, "contact not found")
		}
		return transient(err)
	}
	return nil
}
