package quotes

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tourdesk/tourdesk/internal/platform/db"
)

// Repository persists quotes. Duplication runs on the elevated pool so the
// copy can carry over rows the caller's own grants would hide.
type Repository struct {
	elevated *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(elevated *pgxpool.Pool) *Repository {
	return &Repository{elevated: elevated}
}

const duplicateQuote = `INSERT INTO quotes (client_id, reference, title, total_cents, currency, status, source_id, created_by, created_at)
SELECT client_id, reference || '-COPY', title, total_cents, currency, $3, id, $4, NOW()
FROM quotes WHERE id = $1 AND client_id = $2
RETURNING id, client_id, reference, title, total_cents, currency, status, source_id, created_by, created_at`

const duplicateItems = `INSERT INTO quote_items (quote_id, description, quantity, unit_cents)
SELECT $2, description, quantity, unit_cents FROM quote_items WHERE quote_id = $1`

// Duplicate copies the quote and its items as a new draft owned by actorID.
func (r *Repository) Duplicate(ctx context.Context, clientID string, quoteID, actorID int64) (Quote, error) {
	var out Quote
	err := db.WithAttributedTx(ctx, r.elevated, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, duplicateQuote, quoteID, clientID, StatusDraft, actorID).Scan(
			&out.ID, &out.ClientID, &out.Reference, &out.Title, &out.TotalCents,
			&out.Currency, &out.Status, &out.SourceID, &out.CreatedBy, &out.CreatedAt,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		_, err = tx.Exec(ctx, duplicateItems, quoteID, out.ID)
		return err
	})
	return out, err
}
