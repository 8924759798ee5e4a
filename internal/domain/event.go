package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	EventPending   EventStatus = "PENDING"
	EventApproved  EventStatus = "APPROVED"
	EventRejected  EventStatus = "REJECTED"
	EventCompleted EventStatus = "COMPLETED"
)

var eventTransitions = map[EventStatus][]EventStatus{
	EventPending:  {EventApproved, EventRejected},
	EventApproved: {EventCompleted},
}

// ParseEventStatus normalizes s into an EventStatus.
func ParseEventStatus(s string) (EventStatus, error) {
	switch st := EventStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case EventPending, EventApproved, EventRejected, EventCompleted:
		return st, nil
	default:
		return "", NewValidationError("status", fmt.Sprintf("unknown status %q", s))
	}
}

// IsTerminal reports whether no transition leaves s.
func (s EventStatus) IsTerminal() bool {
	return s == EventRejected || s == EventCompleted
}

// CanTransitionTo reports whether s -> next is an allowed move.
func (s EventStatus) CanTransitionTo(next EventStatus) bool {
	for _, allowed := range eventTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Event is an activity that awards credits to students who attend it.
type Event struct {
	ID          uuid.UUID   `json:"id"`
	Title       string      `json:"title"`
	Description *string     `json:"description,omitempty"`
	Category    string      `json:"category"`
	Credits     int         `json:"credits"`
	Date        time.Time   `json:"date"`
	Venue       string      `json:"venue"`
	RulebookURL *string     `json:"rulebook_url,omitempty"`
	Status      EventStatus `json:"status"`
	CreatedBy   uuid.UUID   `json:"created_by"`
	QRSecret    []byte      `json:"-"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// OpenForAttendance is true iff the event accepts registrations and scans.
func (e Event) OpenForAttendance() bool {
	return e.Status == EventApproved
}

// Transition moves the event to next or fails with ErrInvalidTransition.
func (e *Event) Transition(next EventStatus) error {
	if !e.Status.CanTransitionTo(next) {
		return fmt.Errorf("event %s %s -> %s: %w", e.ID, e.Status, next, ErrInvalidTransition)
	}
	e.Status = next
	return nil
}
