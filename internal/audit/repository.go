package audit

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const timelineSelect = `SELECT occurred_at, COALESCE(actor_id, 0), actor_email, action, entity, entity_id, COALESCE(ip, ''), COALESCE(request_id, ''), meta
FROM audit_logs
WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
  AND ($2::timestamptz IS NULL OR occurred_at < $2 + INTERVAL '1 day')
  AND ($3::text IS NULL OR actor_email = $3)
  AND ($4::text IS NULL OR entity = $4)
  AND ($5::text IS NULL OR action = $5)
  AND ($6::text IS NULL OR request_id = $6)
  AND ($7::boolean IS NULL OR (actor_id IS NOT NULL) = $7)
ORDER BY occurred_at DESC, id DESC`

// PGRepository reads audit_logs from PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// TimelineWindow returns one page of the timeline.
func (r *PGRepository) TimelineWindow(ctx context.Context, q TimelineQuery) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, timelineSelect+` OFFSET $8 LIMIT $9`, append(q.args(), q.OffsetRows, q.LimitRows)...)
	if err != nil {
		return nil, err
	}
	return scanTimeline(rows)
}

// TimelineAll returns the full filtered timeline.
func (r *PGRepository) TimelineAll(ctx context.Context, q TimelineQuery) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, timelineSelect, q.args()...)
	if err != nil {
		return nil, err
	}
	return scanTimeline(rows)
}

func (q TimelineQuery) args() []any {
	return []any{q.FromAt, q.ToAt, q.Actor, q.Entity, q.Action, q.RequestID, q.Attributed}
}

func scanTimeline(rows pgx.Rows) ([]TimelineRow, error) {
	defer rows.Close()
	var out []TimelineRow
	for rows.Next() {
		var (
			row  TimelineRow
			at   pgtype.Timestamptz
			meta []byte
		)
		if err := rows.Scan(&at, &row.ActorID, &row.Actor, &row.Action, &row.Entity, &row.EntityID, &row.IP, &row.RequestID, &meta); err != nil {
			return nil, err
		}
		if at.Valid {
			row.At = at.Time
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &row.Meta)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Repository = (*PGRepository)(nil)
