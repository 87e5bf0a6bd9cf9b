package quotes

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/tourdesk/tourdesk/internal/audit"
	"github.com/tourdesk/tourdesk/internal/rbac"
)

// RepositoryPort defines quote persistence.
type RepositoryPort interface {
	Duplicate(ctx context.Context, clientID string, quoteID, actorID int64) (Quote, error)
}

// Idempotency guards repeated submissions of the same request.
type Idempotency interface {
	Claim(ctx context.Context, key, operation string, actorID int64) error
	Release(ctx context.Context, key, operation string, actorID int64) error
}

// Service implements quote operations.
type Service struct {
	repo        RepositoryPort
	idempotency Idempotency
	audit       audit.Sink
	logger      *slog.Logger
}

// NewService constructs a Service.
func NewService(repo RepositoryPort, idempotency Idempotency, sink audit.Sink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, idempotency: idempotency, audit: sink, logger: logger}
}

// Duplicate copies a quote on behalf of the subject. A non-empty key is
// claimed first; a failed copy releases it so the client may retry.
func (s *Service) Duplicate(ctx context.Context, subject rbac.Subject, clientID string, quoteID int64, key string) (Quote, error) {
	if key != "" && s.idempotency != nil {
		if err := s.idempotency.Claim(ctx, key, rbac.PermQuoteDuplicate, subject.ID); err != nil {
			return Quote{}, err
		}
	}
	quote, err := s.repo.Duplicate(ctx, clientID, quoteID, subject.ID)
	if err != nil {
		if key != "" && s.idempotency != nil {
			if relErr := s.idempotency.Release(context.WithoutCancel(ctx), key, rbac.PermQuoteDuplicate, subject.ID); relErr != nil {
				s.logger.Warn("release idempotency key", slog.Any("error", relErr))
			}
		}
		return Quote{}, err
	}
	if s.audit != nil {
		entry := audit.NewEntry(ctx, audit.ActionDuplicate, "quotes", strconv.FormatInt(quote.ID, 10))
		entry.Meta["source_id"] = quoteID
		entry.Meta["client_id"] = clientID
		if err := s.audit.Submit(ctx, entry); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("submit duplicate audit", slog.Any("error", err), audit.LogAttr(ctx))
		}
	}
	return quote, nil
}
