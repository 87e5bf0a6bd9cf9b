package roles

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tourdesk/tourdesk/internal/platform/db"
	"github.com/tourdesk/tourdesk/internal/rbac"
)

// Repository provides PostgreSQL backed persistence. Writes go through the
// elevated pool inside an attributed transaction.
type Repository struct {
	pool     *pgxpool.Pool
	elevated *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool, elevated *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, elevated: elevated}
}

// Provision inserts catalog roles that are missing and refreshes the static
// columns of existing ones. Active flags are left untouched.
func (r *Repository) Provision(ctx context.Context, roles []rbac.Role) error {
	batch := &pgx.Batch{}
	for _, role := range roles {
		batch.Queue(`INSERT INTO roles (name, level, display_name, is_system_role, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
ON CONFLICT (name) DO UPDATE SET level = EXCLUDED.level, display_name = EXCLUDED.display_name,
    is_system_role = EXCLUDED.is_system_role, updated_at = NOW()`,
			role.Name, role.Level, role.DisplayName, role.IsSystemRole, role.Active)
	}
	return r.elevated.SendBatch(ctx, batch).Close()
}

// ListRoles returns all roles ordered by level.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, level, display_name, is_system_role, active, created_at, updated_at
FROM roles ORDER BY level, name`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Role, error) {
		var role Role
		err := row.Scan(&role.ID, &role.Name, &role.Level, &role.DisplayName, &role.IsSystemRole, &role.Active, &role.CreatedAt, &role.UpdatedAt)
		return role, err
	})
}

// Deactivate marks a non-system role inactive.
func (r *Repository) Deactivate(ctx context.Context, name string) error {
	return db.WithAttributedTx(ctx, r.elevated, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE roles SET active = FALSE, updated_at = NOW() WHERE name = $1 AND NOT is_system_role`, name)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}
