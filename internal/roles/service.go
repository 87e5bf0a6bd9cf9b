package roles

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tourdesk/tourdesk/internal/audit"
	"github.com/tourdesk/tourdesk/internal/rbac"
)

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	Provision(ctx context.Context, roles []rbac.Role) error
	ListRoles(ctx context.Context) ([]Role, error)
	Deactivate(ctx context.Context, name string) error
}

// Service handles role business logic.
type Service struct {
	repo   RepositoryPort
	audit  audit.Sink
	logger *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, sink audit.Sink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: sink, logger: logger}
}

// LoadCatalog provisions the built-in roles and returns a catalog carrying
// the persisted active flags. A persisted role unknown to the built-in table
// fails the load. System roles are always active.
func (s *Service) LoadCatalog(ctx context.Context, base []rbac.Role) (*rbac.RoleCatalog, error) {
	seed, err := rbac.NewRoleCatalog(base)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Provision(ctx, seed.Roles()); err != nil {
		return nil, fmt.Errorf("roles: provision: %w", err)
	}
	persisted, err := s.repo.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("roles: list: %w", err)
	}
	active := make(map[string]bool, len(persisted))
	for _, row := range persisted {
		if _, ok := seed.Get(row.Name); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRole, row.Name)
		}
		active[row.Name] = row.Active
	}
	merged := seed.Roles()
	for i := range merged {
		if merged[i].IsSystemRole {
			merged[i].Active = true
			continue
		}
		if flag, ok := active[merged[i].Name]; ok {
			merged[i].Active = flag
		}
	}
	return rbac.NewRoleCatalog(merged)
}

// ListRoles returns all persisted roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// Deactivate persists the deactivation of a non-system role. The running
// catalog is immutable; the change applies from the next catalog load.
func (s *Service) Deactivate(ctx context.Context, catalog *rbac.RoleCatalog, name string) error {
	role, ok := catalog.Get(name)
	if !ok {
		return ErrNotFound
	}
	if role.IsSystemRole {
		return ErrSystemRole
	}
	if err := s.repo.Deactivate(ctx, role.Name); err != nil {
		return err
	}
	if s.audit != nil {
		entry := audit.NewEntry(ctx, audit.ActionDeactivate, "roles", role.Name)
		if err := s.audit.Submit(ctx, entry); err != nil {
			s.logger.Error("submit role deactivation audit", slog.Any("error", err), audit.LogAttr(ctx))
		}
	}
	return nil
}
