package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"eventcredits/internal/domain"
	"eventcredits/internal/store"
)

const returningRegistration = ` RETURNING id, event_id, student_id, status, accepted_rules, created_at, updated_at`

// EventRegistration is a student's registration joined with its event.
type EventRegistration struct {
	domain.Registration
	EventTitle  string             `json:"event_title"`
	EventDate   time.Time          `json:"event_date"`
	EventStatus domain.EventStatus `json:"event_status"`
	Attended    bool               `json:"attended"`
}

// Registrant is a registration joined with the student who holds it.
type Registrant struct {
	domain.Registration
	StudentName string  `json:"student_name"`
	Email       string  `json:"email"`
	USN         *string `json:"usn,omitempty"`
	Attended    bool    `json:"attended"`
}

// Repository persists registrations in Postgres.
type Repository struct {
	db store.DB
}

// NewRepository creates a repo.
func NewRepository(db store.DB) *Repository {
	return &Repository{db: db}
}

// Upsert inserts a live registration for (event, student), or reactivates a
// cancelled one. A live registration already present yields ErrConflict.
func (r *Repository) Upsert(ctx context.Context, reg domain.Registration) (domain.Registration, error) {
	row := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, `
		INSERT INTO registrations (id, event_id, student_id, status, accepted_rules, created_at, updated_at)
		VALUES ($1, $2, $3, 'REGISTERED', $4, $5, $5)
		ON CONFLICT (event_id, student_id) DO UPDATE
		SET status = 'REGISTERED', accepted_rules = EXCLUDED.accepted_rules, updated_at = EXCLUDED.updated_at
		WHERE registrations.status = 'CANCELLED'`+returningRegistration,
		reg.ID, reg.EventID, reg.StudentID, reg.AcceptedRules, reg.CreatedAt)
	got, err := scanRegistration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// the pair exists and is live, so DO UPDATE ... WHERE skipped it
		return domain.Registration{}, fmt.Errorf("student %s event %s: %w", reg.StudentID, reg.EventID, domain.ErrConflict)
	}
	if err != nil {
		return domain.Registration{}, store.MapError(err, "register")
	}
	return got, nil
}

// LockEventStatus reads the event's status under a share lock held until the
// transaction ends. The completion cascade updates the event row first, so it
// cannot run between this read and the upsert.
func (r *Repository) LockEventStatus(ctx context.Context, eventID uuid.UUID) (domain.EventStatus, error) {
	var status string
	err := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx,
		`SELECT status FROM events WHERE id = $1 FOR SHARE`, eventID).Scan(&status)
	if err != nil {
		return "", store.MapError(err, fmt.Sprintf("event %s", eventID))
	}
	return domain.EventStatus(status), nil
}

// Get returns the registration for (event, student) in any status.
func (r *Repository) Get(ctx context.Context, eventID, studentID uuid.UUID) (domain.Registration, error) {
	row := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, `
		SELECT id, event_id, student_id, status, accepted_rules, created_at, updated_at
		FROM registrations WHERE event_id = $1 AND student_id = $2`, eventID, studentID)
	reg, err := scanRegistration(row)
	if err != nil {
		return domain.Registration{}, store.MapError(err, fmt.Sprintf("registration %s/%s", eventID, studentID))
	}
	return reg, nil
}

// IsRegistered reports whether a live registration exists.
func (r *Repository) IsRegistered(ctx context.Context, studentID, eventID uuid.UUID) (bool, error) {
	var ok bool
	err := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM registrations
			WHERE event_id = $1 AND student_id = $2 AND status = 'REGISTERED'
		)`, eventID, studentID).Scan(&ok)
	if err != nil {
		return false, store.MapError(err, "check registration")
	}
	return ok, nil
}

// HasAttended reports whether attendance was marked for (event, student).
func (r *Repository) HasAttended(ctx context.Context, eventID, studentID uuid.UUID) (bool, error) {
	var ok bool
	err := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM attendance WHERE event_id = $1 AND student_id = $2)`,
		eventID, studentID).Scan(&ok)
	if err != nil {
		return false, store.MapError(err, "check attendance")
	}
	return ok, nil
}

// Cancel marks a live, unattended registration CANCELLED.
func (r *Repository) Cancel(ctx context.Context, eventID, studentID uuid.UUID, at time.Time) (domain.Registration, error) {
	row := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, `
		UPDATE registrations r SET status = 'CANCELLED', updated_at = $3
		WHERE r.event_id = $1 AND r.student_id = $2 AND r.status = 'REGISTERED'
		  AND NOT EXISTS (
			SELECT 1 FROM attendance a WHERE a.event_id = r.event_id AND a.student_id = r.student_id
		  )`+returningRegistration,
		eventID, studentID, at)
	reg, err := scanRegistration(row)
	if err != nil {
		return domain.Registration{}, store.MapError(err, fmt.Sprintf("cancel registration %s/%s", eventID, studentID))
	}
	return reg, nil
}

// CancelUnattended cancels every live registration of an event that has no
// attendance record and returns how many rows changed.
func (r *Repository) CancelUnattended(ctx context.Context, eventID uuid.UUID, at time.Time) (int64, error) {
	tag, err := store.QuerierFromCtx(ctx, r.db).Exec(ctx, `
		UPDATE registrations r SET status = 'CANCELLED', updated_at = $2
		WHERE r.event_id = $1 AND r.status = 'REGISTERED'
		  AND NOT EXISTS (
			SELECT 1 FROM attendance a WHERE a.event_id = r.event_id AND a.student_id = r.student_id
		  )`, eventID, at)
	if err != nil {
		return 0, store.MapError(err, fmt.Sprintf("cancel registrations of event %s", eventID))
	}
	return tag.RowsAffected(), nil
}

// ListForStudent returns a student's registrations, newest event first.
func (r *Repository) ListForStudent(ctx context.Context, studentID uuid.UUID) ([]EventRegistration, error) {
	rows, err := store.QuerierFromCtx(ctx, r.db).Query(ctx, `
		SELECT r.id, r.event_id, r.student_id, r.status, r.accepted_rules, r.created_at, r.updated_at,
		       e.title, e.date, e.status,
		       EXISTS (SELECT 1 FROM attendance a WHERE a.event_id = r.event_id AND a.student_id = r.student_id)
		FROM registrations r
		JOIN events e ON e.id = r.event_id
		WHERE r.student_id = $1
		ORDER BY e.date DESC, r.id`, studentID)
	if err != nil {
		return nil, store.MapError(err, "list student registrations")
	}
	defer rows.Close()

	out := []EventRegistration{}
	for rows.Next() {
		var (
			er                   EventRegistration
			regStatus, evtStatus string
		)
		if err := rows.Scan(&er.ID, &er.EventID, &er.StudentID, &regStatus, &er.AcceptedRules, &er.CreatedAt, &er.UpdatedAt,
			&er.EventTitle, &er.EventDate, &evtStatus, &er.Attended); err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		er.Status = domain.RegistrationStatus(regStatus)
		er.EventStatus = domain.EventStatus(evtStatus)
		out = append(out, er)
	}
	return out, rows.Err()
}

// ListForEvent returns everyone registered for an event, ordered by name.
func (r *Repository) ListForEvent(ctx context.Context, eventID uuid.UUID) ([]Registrant, error) {
	rows, err := store.QuerierFromCtx(ctx, r.db).Query(ctx, `
		SELECT r.id, r.event_id, r.student_id, r.status, r.accepted_rules, r.created_at, r.updated_at,
		       u.name, u.email, u.usn,
		       EXISTS (SELECT 1 FROM attendance a WHERE a.event_id = r.event_id AND a.student_id = r.student_id)
		FROM registrations r
		JOIN users u ON u.id = r.student_id
		WHERE r.event_id = $1
		ORDER BY u.name, r.id`, eventID)
	if err != nil {
		return nil, store.MapError(err, "list event registrations")
	}
	defer rows.Close()

	out := []Registrant{}
	for rows.Next() {
		var (
			rg     Registrant
			status string
		)
		if err := rows.Scan(&rg.ID, &rg.EventID, &rg.StudentID, &status, &rg.AcceptedRules, &rg.CreatedAt, &rg.UpdatedAt,
			&rg.StudentName, &rg.Email, &rg.USN, &rg.Attended); err != nil {
			return nil, fmt.Errorf("scan registrant: %w", err)
		}
		rg.Status = domain.RegistrationStatus(status)
		out = append(out, rg)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row scanner) (domain.Registration, error) {
	var (
		reg    domain.Registration
		status string
	)
	if err := row.Scan(&reg.ID, &reg.EventID, &reg.StudentID, &status, &reg.AcceptedRules, &reg.CreatedAt, &reg.UpdatedAt); err != nil {
		return domain.Registration{}, err
	}
	reg.Status = domain.RegistrationStatus(status)
	return reg, nil
}
