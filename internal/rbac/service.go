package rbac

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// GrantSource maps a role to the permissions it was granted. The mapping is
// owned outside the catalog; an unmapped permission is denied for every role.
type GrantSource interface {
	PermissionsForRole(ctx context.Context, role string) ([]string, error)
}

// StaticGrants is an in-memory GrantSource.
type StaticGrants map[string][]string

// PermissionsForRole implements GrantSource.
func (g StaticGrants) PermissionsForRole(_ context.Context, role string) ([]string, error) {
	perms := g[strings.ToLower(strings.TrimSpace(role))]
	out := make([]string, len(perms))
	copy(out, perms)
	return out, nil
}

// Service orchestrates RBAC persistence.
type Service struct {
	pool *pgxpool.Pool
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// PermissionsForRole returns the permission names granted to an active role.
func (s *Service) PermissionsForRole(ctx context.Context, role string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT p.name
FROM role_permissions rp
JOIN roles r ON r.id = rp.role_id
JOIN permissions p ON p.id = rp.permission_id
WHERE r.name = $1 AND r.active
ORDER BY p.name`, strings.ToLower(strings.TrimSpace(role)))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// SyncPermissions upserts the catalog's permissions so grants can reference them.
func (s *Service) SyncPermissions(ctx context.Context, perms []Permission) error {
	batch := &pgx.Batch{}
	for _, p := range perms {
		batch.Queue(`INSERT INTO permissions (name, resource, action, description) VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE SET resource = EXCLUDED.resource, action = EXCLUDED.action, description = EXCLUDED.description`,
			p.Name, p.Resource, p.Action, p.Description)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// SetRolePermissions replaces the permissions granted to a role.
func (s *Service) SetRolePermissions(ctx context.Context, role string, permissions []string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	normalized := normalizePermissions(permissions)
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var roleID int64
		if err := tx.QueryRow(ctx, `SELECT id FROM roles WHERE name = $1`, role).Scan(&roleID); err != nil {
			if err == pgx.ErrNoRows {
				return ErrRoleNotFound
			}
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id NOT IN (SELECT id FROM permissions WHERE name = ANY($2))`, roleID, normalized); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id)
SELECT $1, id FROM permissions WHERE name = ANY($2)
ON CONFLICT DO NOTHING`, roleID, normalized)
		return err
	})
}

var _ GrantSource = (*Service)(nil)
var _ GrantSource = StaticGrants(nil)
