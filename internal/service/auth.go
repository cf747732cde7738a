// Package service implements the relay's business rules on top of the
// repositories: registration, the public key directory, conversations and
// the ciphertext message store.
package service

import (
	"context"
	"errors"

	"github.com/atinyakov/hammerchat/internal/apperr"
	"github.com/atinyakov/hammerchat/internal/repository"
	"github.com/atinyakov/hammerchat/internal/validation"
)

// AuthRepository defines the persistence operations
// required by the authentication service.
type AuthRepository interface {
	// UserExists returns true if a user with the given login exists.
	// ctx carries deadlines, cancellation signals, and other request-scoped values.
	UserExists(ctx context.Context, login string) (bool, error)
	// RegisterUser creates a new user record with the given login.
	// Returns repository.ErrConflict if the login is taken.
	RegisterUser(ctx context.Context, login string) error
}

// Service implements authentication operations by delegating
// to an AuthRepository.
type Service struct {
	repo      AuthRepository
	validator *validation.Validator
}

// NewAuthService constructs a new Service using the provided repository.
func NewAuthService(repo AuthRepository, v *validation.Validator) *Service {
	return &Service{repo: repo, validator: v}
}

// UserExists checks whether a user with the specified login exists.
func (s *Service) UserExists(ctx context.Context, login string) (bool, error) {
	ok, err := s.repo.UserExists(ctx, login)
	if err != nil {
		return false, storeError(err, "user lookup failed")
	}
	return ok, nil
}

// RegisterUser validates login and creates the account. A taken login is a
// Conflict error.
func (s *Service) RegisterUser(ctx context.Context, login string) error {
	if err := s.validator.ValidateUsername(login); err != nil {
		return err
	}
	if err := s.repo.RegisterUser(ctx, login); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return apperr.New(apperr.Conflict, "User already exists")
		}
		return storeError(err, "registration failed")
	}
	return nil
}

// storeError classifies a repository error. Sentinels map to their kinds,
// anything else is an internal failure.
func storeError(err error, msg string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperr.Wrap(apperr.NotFound, msg, err)
	case errors.Is(err, repository.ErrConflict):
		return apperr.Wrap(apperr.Conflict, msg, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.Connection, msg, err)
	default:
		return apperr.Wrap(apperr.Unknown, msg, err)
	}
}
