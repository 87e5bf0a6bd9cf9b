package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 50
)

var errNoRepository = errors.New("audit: repository not configured")

// TimelineQuery is the repository form of TimelineFilters. Null values
// disable the matching predicate.
type TimelineQuery struct {
	FromAt     pgtype.Timestamptz
	ToAt       pgtype.Timestamptz
	Actor      pgtype.Text
	Entity     pgtype.Text
	Action     pgtype.Text
	RequestID  pgtype.Text
	Attributed pgtype.Bool
	OffsetRows int32
	LimitRows  int32
}

// Repository menyediakan akses ke audit_logs.
type Repository interface {
	TimelineWindow(ctx context.Context, q TimelineQuery) ([]TimelineRow, error)
	TimelineAll(ctx context.Context, q TimelineQuery) ([]TimelineRow, error)
}

// Service serves the audit timeline to auditors.
type Service struct {
	repo Repository
}

// NewService membuat service audit timeline baru.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline returns one page, newest first. It fetches one extra row to learn
// whether a next page exists.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, errNoRepository
	}
	size := min(max(filters.PageSize, 0), MaxPageSize)
	if size == 0 {
		size = DefaultPageSize
	}
	page := max(filters.Page, 1)

	q := toQuery(filters)
	q.OffsetRows = int32((page - 1) * size)
	q.LimitRows = int32(size + 1)
	rows, err := s.repo.TimelineWindow(ctx, q)
	if err != nil {
		return Result{}, err
	}

	paging := PagingInfo{Page: page, PageSize: size, HasNext: len(rows) > size}
	if paging.HasNext {
		rows = rows[:size]
		paging.NextPage = page + 1
	}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if rows == nil {
		rows = []TimelineRow{}
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export returns every row matching filters, ignoring paging.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	if s.repo == nil {
		return nil, errNoRepository
	}
	return s.repo.TimelineAll(ctx, toQuery(filters))
}

func toQuery(f TimelineFilters) TimelineQuery {
	q := TimelineQuery{
		FromAt:    timestamptz(f.From),
		ToAt:      timestamptz(f.To),
		Actor:     text(f.Actor),
		Entity:    text(f.Entity),
		Action:    text(strings.ToUpper(f.Action)),
		RequestID: text(f.RequestID),
	}
	switch f.Attribution {
	case AttributionHuman:
		q.Attributed = pgtype.Bool{Bool: true, Valid: true}
	case AttributionSystem:
		q.Attributed = pgtype.Bool{Bool: false, Valid: true}
	}
	return q
}

func timestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func text(value string) pgtype.Text {
	value = strings.TrimSpace(value)
	if value == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}
