package domain

import (
	"time"

	"github.com/google/uuid"
)

// RegistrationStatus tracks whether a registration is live.
type RegistrationStatus string

const (
	RegistrationActive    RegistrationStatus = "REGISTERED"
	RegistrationCancelled RegistrationStatus = "CANCELLED"
)

// Registration is a student's recorded intent to attend an event.
type Registration struct {
	ID            uuid.UUID          `json:"id"`
	EventID       uuid.UUID          `json:"event_id"`
	StudentID     uuid.UUID          `json:"student_id"`
	Status        RegistrationStatus `json:"status"`
	AcceptedRules bool               `json:"accepted_rules"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Attendance proves a registered student was present at an event.
type Attendance struct {
	ID        uuid.UUID `json:"id"`
	EventID   uuid.UUID `json:"event_id"`
	StudentID uuid.UUID `json:"student_id"`
	MarkedAt  time.Time `json:"marked_at"`
}

// CreditTransaction is an immutable ledger entry backing User.TotalCredits.
type CreditTransaction struct {
	ID        uuid.UUID `json:"id"`
	StudentID uuid.UUID `json:"student_id"`
	EventID   uuid.UUID `json:"event_id"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
}

// AttendedEvent joins an attendance record with the event it belongs to.
type AttendedEvent struct {
	Attendance
	Title    string    `json:"title"`
	Category string    `json:"category"`
	Date     time.Time `json:"date"`
	Credits  int       `json:"credits"`
}

// CreditEntry joins a credit transaction with its event title for history views.
type CreditEntry struct {
	CreditTransaction
	EventTitle string `json:"event_title"`
}
