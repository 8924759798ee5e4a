package event

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"eventcredits/internal/domain"
	"eventcredits/internal/store"
)

var eventColumns = []string{
	"id", "title", "description", "category", "credits", "date", "venue",
	"rulebook_url", "status", "created_by", "qr_secret", "created_at", "updated_at",
}

const selectEvent = `SELECT id, title, description, category, credits, date, venue,
	rulebook_url, status, created_by, qr_secret, created_at, updated_at FROM events`

const returningEvent = ` RETURNING id, title, description, category, credits, date, venue,
	rulebook_url, status, created_by, qr_secret, created_at, updated_at`

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Status    domain.EventStatus
	CreatedBy uuid.UUID
	Category  string
	Limit     int
	Offset    int
}

// Repository persists events in Postgres.
type Repository struct {
	db store.DB
	sb squirrel.StatementBuilderType
}

// NewRepository creates a repo.
func NewRepository(db store.DB) *Repository {
	return &Repository{db: db, sb: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)}
}

// Create inserts a new event.
func (r *Repository) Create(ctx context.Context, ev domain.Event) (domain.Event, error) {
	row := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, `
		INSERT INTO events (id, title, description, category, credits, date, venue, rulebook_url, status, created_by, qr_secret, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)`+returningEvent,
		ev.ID, ev.Title, ev.Description, ev.Category, ev.Credits, ev.Date, ev.Venue,
		ev.RulebookURL, string(ev.Status), ev.CreatedBy, ev.QRSecret, ev.CreatedAt)
	created, err := scanEvent(row)
	if err != nil {
		return domain.Event{}, store.MapError(err, "insert event")
	}
	return created, nil
}

// Get returns a single event by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	row := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, selectEvent+` WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if err != nil {
		return domain.Event{}, store.MapError(err, fmt.Sprintf("event %s", id))
	}
	return ev, nil
}

// GetForUpdate is Get with a row lock; call it inside a transaction.
func (r *Repository) GetForUpdate(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	row := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, selectEvent+` WHERE id = $1 FOR UPDATE`, id)
	ev, err := scanEvent(row)
	if err != nil {
		return domain.Event{}, store.MapError(err, fmt.Sprintf("event %s", id))
	}
	return ev, nil
}

// UpdateStatus writes status unconditionally; the caller checks the transition.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.EventStatus, at time.Time) (domain.Event, error) {
	row := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx,
		`UPDATE events SET status = $2, updated_at = $3 WHERE id = $1`+returningEvent,
		id, string(status), at)
	ev, err := scanEvent(row)
	if err != nil {
		return domain.Event{}, store.MapError(err, fmt.Sprintf("update event %s status", id))
	}
	return ev, nil
}

// SetRulebook stores the URL of the uploaded rulebook.
func (r *Repository) SetRulebook(ctx context.Context, id uuid.UUID, url string, at time.Time) (domain.Event, error) {
	row := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx,
		`UPDATE events SET rulebook_url = $2, updated_at = $3 WHERE id = $1`+returningEvent,
		id, url, at)
	ev, err := scanEvent(row)
	if err != nil {
		return domain.Event{}, store.MapError(err, fmt.Sprintf("update event %s rulebook", id))
	}
	return ev, nil
}

// List returns events ordered by date, newest first.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]domain.Event, error) {
	q := r.sb.Select(eventColumns...).From("events").OrderBy("date DESC", "id")
	if f.Status != "" {
		q = q.Where(squirrel.Eq{"status": string(f.Status)})
	}
	if f.CreatedBy != uuid.Nil {
		q = q.Where(squirrel.Eq{"created_by": f.CreatedBy})
	}
	if f.Category != "" {
		q = q.Where(squirrel.Eq{"category": f.Category})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list events query: %w", err)
	}
	rows, err := store.QuerierFromCtx(ctx, r.db).Query(ctx, sql, args...)
	if err != nil {
		return nil, store.MapError(err, "list events")
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Count returns the number of events.
func (r *Repository) Count(ctx context.Context) (int, error) {
	var n int
	if err := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, store.MapError(err, "count events")
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (domain.Event, error) {
	var (
		ev     domain.Event
		status string
	)
	err := row.Scan(&ev.ID, &ev.Title, &ev.Description, &ev.Category, &ev.Credits, &ev.Date, &ev.Venue,
		&ev.RulebookURL, &status, &ev.CreatedBy, &ev.QRSecret, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return domain.Event{}, err
	}
	ev.Status = domain.EventStatus(status)
	return ev, nil
}
