package attendance

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

// Attendee is an attendance record joined with the student's identity.
type Attendee struct {
	domain.Attendance
	StudentName string  `json:"student_name"`
	Email       string  `json:"email"`
	USN         *string `json:"usn,omitempty"`
}

// Repository persists attendance and the credit ledger in Postgres.
type Repository struct {
	db store.DB
}

// NewRepository creates a repo.
func NewRepository(db store.DB) *Repository {
	return &Repository{db: db}
}

// HasAttendance reports whether attendance is already marked for the pair.
func (r *Repository) HasAttendance(ctx context.Context, eventID, studentID uuid.UUID) (bool, error) {
	var ok bool
	err := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM attendance WHERE event_id = $1 AND student_id = $2)`,
		eventID, studentID).Scan(&ok)
	if err != nil {
		return false, store.MapError(err, "check attendance")
	}
	return ok, nil
}

// LockEventStatus reads the event's status and holds a share lock on the row
// until the transaction ends, so a concurrent status change waits for it.
func (r *Repository) LockEventStatus(ctx context.Context, eventID uuid.UUID) (domain.EventStatus, error) {
	var status string
	err := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx,
		`SELECT status FROM events WHERE id = $1 FOR SHARE`, eventID).Scan(&status)
	if err != nil {
		return "", store.MapError(err, fmt.Sprintf("event %s", eventID))
	}
	return domain.EventStatus(status), nil
}

// LockRegistration reports whether the pair holds a live registration and
// share-locks the row against a concurrent cancel.
func (r *Repository) LockRegistration(ctx context.Context, eventID, studentID uuid.UUID) (bool, error) {
	var status string
	err := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, `
		SELECT status FROM registrations WHERE event_id = $1 AND student_id = $2 FOR SHARE`,
		eventID, studentID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, store.MapError(err, "lock registration")
	}
	return domain.RegistrationStatus(status) == domain.RegistrationActive, nil
}

// InsertAttendance records presence. A second record for the same pair
// fails with ErrAlreadyMarked.
func (r *Repository) InsertAttendance(ctx context.Context, a domain.Attendance) error {
	_, err := store.QuerierFromCtx(ctx, r.db).Exec(ctx, `
		INSERT INTO attendance (id, event_id, student_id, marked_at)
		VALUES ($1, $2, $3, $4)`,
		a.ID, a.EventID, a.StudentID, a.MarkedAt)
	if store.IsUniqueViolation(err, "attendance_event_student_key") {
		return fmt.Errorf("event %s student %s: %w", a.EventID, a.StudentID, domain.ErrAlreadyMarked)
	}
	if err != nil {
		return store.MapError(err, "insert attendance")
	}
	return nil
}

// AddCredits increments the cached credit total and returns the new total and
// the student's name.
func (r *Repository) AddCredits(ctx context.Context, studentID uuid.UUID, credits int, at time.Time) (int, string, error) {
	var (
		total int
		name  string
	)
	err := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, `
		UPDATE users SET total_credits = total_credits + $2, updated_at = $3
		WHERE id = $1
		RETURNING total_credits, name`,
		studentID, credits, at).Scan(&total, &name)
	if err != nil {
		return 0, "", store.MapError(err, fmt.Sprintf("add credits to %s", studentID))
	}
	return total, name, nil
}

// InsertCreditTransaction appends to the ledger.
func (r *Repository) InsertCreditTransaction(ctx context.Context, tx domain.CreditTransaction) error {
	_, err := store.QuerierFromCtx(ctx, r.db).Exec(ctx, `
		INSERT INTO credit_transactions (id, student_id, event_id, credits, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		tx.ID, tx.StudentID, tx.EventID, tx.Credits, tx.CreatedAt)
	if store.IsUniqueViolation(err, "credit_transactions_event_student_key") {
		return fmt.Errorf("credit for event %s student %s: %w", tx.EventID, tx.StudentID, domain.ErrAlreadyMarked)
	}
	if err != nil {
		return store.MapError(err, "insert credit transaction")
	}
	return nil
}

// LockCreditTotal returns a student's cached total and locks the row.
func (r *Repository) LockCreditTotal(ctx context.Context, studentID uuid.UUID) (int, error) {
	var total int
	err := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, `
		SELECT total_credits FROM users WHERE id = $1 AND role = 'STUDENT' FOR UPDATE`,
		studentID).Scan(&total)
	if err != nil {
		return 0, store.MapError(err, fmt.Sprintf("student %s", studentID))
	}
	return total, nil
}

// LedgerSum returns the sum of a student's credit transactions.
func (r *Repository) LedgerSum(ctx context.Context, studentID uuid.UUID) (int, error) {
	var sum int
	err := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, `
		SELECT COALESCE(SUM(credits), 0)::int FROM credit_transactions WHERE student_id = $1`,
		studentID).Scan(&sum)
	if err != nil {
		return 0, store.MapError(err, "sum credit ledger")
	}
	return sum, nil
}

// SetCreditTotal overwrites the cached total.
func (r *Repository) SetCreditTotal(ctx context.Context, studentID uuid.UUID, total int, at time.Time) error {
	_, err := store.QuerierFromCtx(ctx, r.db).Exec(ctx,
		`UPDATE users SET total_credits = $2, updated_at = $3 WHERE id = $1`,
		studentID, total, at)
	if err != nil {
		return store.MapError(err, fmt.Sprintf("set credits of %s", studentID))
	}
	return nil
}

// CreditHistory returns a student's ledger, newest first.
func (r *Repository) CreditHistory(ctx context.Context, studentID uuid.UUID) ([]domain.CreditEntry, error) {
	rows, err := store.QuerierFromCtx(ctx, r.db).Query(ctx, `
		SELECT ct.id, ct.student_id, ct.event_id, ct.credits, ct.created_at, e.title
		FROM credit_transactions ct
		JOIN events e ON e.id = ct.event_id
		WHERE ct.student_id = $1
		ORDER BY ct.created_at DESC, ct.id`, studentID)
	if err != nil {
		return nil, store.MapError(err, "list credit history")
	}
	defer rows.Close()

	out := []domain.CreditEntry{}
	for rows.Next() {
		var ce domain.CreditEntry
		if err := rows.Scan(&ce.ID, &ce.StudentID, &ce.EventID, &ce.Credits, &ce.CreatedAt, &ce.EventTitle); err != nil {
			return nil, fmt.Errorf("scan credit entry: %w", err)
		}
		out = append(out, ce)
	}
	return out, rows.Err()
}

// AttendedEvents returns the events a student attended, most recent first.
func (r *Repository) AttendedEvents(ctx context.Context, studentID uuid.UUID) ([]domain.AttendedEvent, error) {
	rows, err := store.QuerierFromCtx(ctx, r.db).Query(ctx, `
		SELECT a.id, a.event_id, a.student_id, a.marked_at, e.title, e.category, e.date, e.credits
		FROM attendance a
		JOIN events e ON e.id = a.event_id
		WHERE a.student_id = $1
		ORDER BY a.marked_at DESC, a.id`, studentID)
	if err != nil {
		return nil, store.MapError(err, "list attended events")
	}
	defer rows.Close()

	out := []domain.AttendedEvent{}
	for rows.Next() {
		var ae domain.AttendedEvent
		if err := rows.Scan(&ae.ID, &ae.EventID, &ae.StudentID, &ae.MarkedAt,
			&ae.Title, &ae.Category, &ae.Date, &ae.Credits); err != nil {
			return nil, fmt.Errorf("scan attended event: %w", err)
		}
		out = append(out, ae)
	}
	return out, rows.Err()
}

// EventAttendance returns everyone marked present at an event.
func (r *Repository) EventAttendance(ctx context.Context, eventID uuid.UUID) ([]Attendee, error) {
	rows, err := store.QuerierFromCtx(ctx, r.db).Query(ctx, `
		SELECT a.id, a.event_id, a.student_id, a.marked_at, u.name, u.email, u.usn
		FROM attendance a
		JOIN users u ON u.id = a.student_id
		WHERE a.event_id = $1
		ORDER BY a.marked_at, a.id`, eventID)
	if err != nil {
		return nil, store.MapError(err, "list event attendance")
	}
	defer rows.Close()

	out := []Attendee{}
	for rows.Next() {
		var at Attendee
		if err := rows.Scan(&at.ID, &at.EventID, &at.StudentID, &at.MarkedAt, &at.StudentName, &at.Email, &at.USN); err != nil {
			return nil, fmt.Errorf("scan attendee: %w", err)
		}
		out = append(out, at)
	}
	return out, rows.Err()
}
