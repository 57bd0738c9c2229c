package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glowstyle/glowstyle-backend/internal/models"
)

var (
	// ErrNoIdentity is returned when a request carries none of the supported
	// credentials.
	ErrNoIdentity = errors.New("no identity credential supplied")
	// ErrUserNotFound is returned when an operation targets a user id that
	// does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrUnknownPlan is returned for a plan name outside the known tiers.
	ErrUnknownPlan = errors.New("unknown plan")
)

// Identity is the set of credentials and profile fields extracted from a
// request. At most one credential is used for resolution, in priority
// order telegram > clerk > device.
type Identity struct {
	TelegramID string
	ClerkID    string
	DeviceID   string
	Email      string
	FirstName  string
	LastName   string
}

// Source returns the highest-priority credential present.
func (i Identity) Source() (models.IdentitySource, error) {
	switch {
	case i.TelegramID != "":
		return models.IdentityTelegram, nil
	case i.ClerkID != "":
		return models.IdentityClerk, nil
	case i.DeviceID != "":
		return models.IdentityDevice, nil
	default:
		return "", ErrNoIdentity
	}
}

type userStore interface {
	FindByID(ctx context.Context, id int64) (*models.User, error)
	FindByTelegramID(ctx context.Context, telegramID string) (*models.User, error)
	FindByClerkID(ctx context.Context, clerkID string) (*models.User, error)
	FindByDeviceID(ctx context.Context, deviceID string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	UpdateProfile(ctx context.Context, userID int64, email, firstName, lastName string) error
	SetPlan(ctx context.Context, userID int64, plan models.Plan) error
	DeleteAnonymous(ctx context.Context) (int64, error)
}

// UserService resolves requests to users, creating accounts on first
// authenticated contact.
type UserService struct {
	users userStore
	log   *slog.Logger
}

func NewUserService(users userStore, log *slog.Logger) *UserService {
	return &UserService{users: users, log: log}
}

// Resolve finds or creates the user for an identity. Profile fields are
// refreshed best-effort on every contact with an existing account.
func (s *UserService) Resolve(ctx context.Context, ident Identity) (*models.User, models.IdentitySource, bool, error) {
	source, err := ident.Source()
	if err != nil {
		return nil, "", false, err
	}

	var user *models.User
	switch source {
	case models.IdentityTelegram:
		user, err = s.users.FindByTelegramID(ctx, ident.TelegramID)
	case models.IdentityClerk:
		user, err = s.users.FindByClerkID(ctx, ident.ClerkID)
	case models.IdentityDevice:
		user, err = s.users.FindByDeviceID(ctx, ident.DeviceID)
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("find user: %w", err)
	}

	if user != nil {
		if ident.Email != "" || ident.FirstName != "" || ident.LastName != "" {
			if err := s.users.UpdateProfile(ctx, user.ID, ident.Email, ident.FirstName, ident.LastName); err != nil {
				s.log.Warn("profile refresh failed", "user_id", user.ID, "err", err)
			}
		}
		return user, source, false, nil
	}

	created, err := s.users.Create(ctx, &models.User{
		TelegramID: ident.TelegramID,
		ClerkID:    ident.ClerkID,
		DeviceID:   ident.DeviceID,
		Email:      ident.Email,
		FirstName:  ident.FirstName,
		LastName:   ident.LastName,
		Plan:       models.PlanFree,
	})
	if err != nil {
		return nil, "", false, fmt.Errorf("create user: %w", err)
	}
	s.log.Info("user created", "user_id", created.ID, "source", source)
	return created, source, true, nil
}

// SetPlan moves a user to another subscription tier.
func (s *UserService) SetPlan(ctx context.Context, userID int64, plan models.Plan) (*models.User, error) {
	switch plan {
	case models.PlanFree, models.PlanPremium, models.PlanPro:
	default:
		return nil, ErrUnknownPlan
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	if err := s.users.SetPlan(ctx, userID, plan); err != nil {
		return nil, fmt.Errorf("set plan: %w", err)
	}
	user.Plan = plan
	s.log.Info("plan changed", "user_id", userID, "plan", plan)
	return user, nil
}

// DeleteAnonymous removes device-only accounts and their dependent rows.
func (s *UserService) DeleteAnonymous(ctx context.Context) (int64, error) {
	n, err := s.users.DeleteAnonymous(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("anonymous accounts removed", "count", n)
	}
	return n, nil
}
