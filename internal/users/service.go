package users

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
)

// lookupTimeout bounds a shared lookup that no longer follows any single
// caller's cancellation.
const lookupTimeout = 3 * time.Second

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	FindByID(ctx context.Context, id int64) (User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]User, error)
	CountUsers(ctx context.Context) (int, error)
}

// Service handles user business logic and serves as the user directory for
// authentication.
type Service struct {
	repo    RepositoryPort
	group   singleflight.Group
	timeout time.Duration
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo, timeout: lookupTimeout}
}

// Resolve returns the active user with the given id. Concurrent lookups of
// the same id share one query. Backend failures are reported as
// ErrDirectoryUnavailable so callers never confuse them with ErrNotFound.
func (s *Service) Resolve(ctx context.Context, id int64) (User, error) {
	if id <= 0 {
		return User{}, ErrNotFound
	}
	v, err, _ := s.group.Do(strconv.FormatInt(id, 10), func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.repo.FindByID(lookupCtx, id)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	user := v.(User)
	if !user.IsActive {
		return User{}, ErrNotFound
	}
	return user, nil
}

// ListUsers returns one page of users and the total count.
func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]User, int, error) {
	total, err := s.repo.CountUsers(ctx)
	if err != nil {
		return nil, 0, err
	}
	users, err := s.repo.ListUsers(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if users == nil {
		users = []User{}
	}
	return users, total, nil
}
