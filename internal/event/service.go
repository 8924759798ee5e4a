// Package event implements the event approval gate: event creation and the
// PENDING -> APPROVED | REJECTED, APPROVED -> COMPLETED lifecycle that every
// registration and attendance scan depends on.
package event

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"eventcredits/internal/domain"
	"eventcredits/internal/metrics"
)

const (
	qrSecretSize = 32
	defaultLimit = 50
	maxLimit     = 200
)

type repository interface {
	Create(ctx context.Context, ev domain.Event) (domain.Event, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Event, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (domain.Event, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.EventStatus, at time.Time) (domain.Event, error)
	SetRulebook(ctx context.Context, id uuid.UUID, url string, at time.Time) (domain.Event, error)
	List(ctx context.Context, f ListFilter) ([]domain.Event, error)
}

// registrationCloser cancels registrations that can no longer be attended.
type registrationCloser interface {
	CancelUnattended(ctx context.Context, eventID uuid.UUID, at time.Time) (int64, error)
}

type txRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service owns event lifecycle rules.
type Service struct {
	repo repository
	regs registrationCloser
	tx   txRunner
	log  zerolog.Logger
	now  func() time.Time
}

// NewService creates an event service.
func NewService(repo repository, regs registrationCloser, tx txRunner, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		regs: regs,
		tx:   tx,
		log:  log.With().Str("service", "event").Logger(),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// CreateInput holds the fields a coordinator supplies for a new event.
type CreateInput struct {
	Title       string
	Description *string
	Category    string
	Credits     int
	Date        time.Time
	Venue       string
	RulebookURL *string
}

// Validate checks all fields and collects all errors.
func (i CreateInput) Validate() error {
	var errs []domain.FieldError
	if strings.TrimSpace(i.Title) == "" {
		errs = append(errs, domain.FieldError{Field: "title", Message: "required"})
	}
	if strings.TrimSpace(i.Category) == "" {
		errs = append(errs, domain.FieldError{Field: "category", Message: "required"})
	}
	if strings.TrimSpace(i.Venue) == "" {
		errs = append(errs, domain.FieldError{Field: "venue", Message: "required"})
	}
	if i.Credits < 0 {
		errs = append(errs, domain.FieldError{Field: "credits", Message: "must be non-negative"})
	}
	if i.Date.IsZero() {
		errs = append(errs, domain.FieldError{Field: "date", Message: "required"})
	}
	if len(errs) > 0 {
		return &domain.ValidationError{Errors: errs}
	}
	return nil
}

// Create stores a new PENDING event owned by caller.
func (s *Service) Create(ctx context.Context, caller domain.Caller, in CreateInput) (domain.Event, error) {
	if err := domain.RequireRole(caller, domain.RoleCoordinator, domain.RoleAdmin); err != nil {
		return domain.Event{}, err
	}
	if err := in.Validate(); err != nil {
		return domain.Event{}, err
	}

	secret := make([]byte, qrSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return domain.Event{}, fmt.Errorf("generate qr secret: %w", err)
	}

	now := s.now()
	ev, err := s.repo.Create(ctx, domain.Event{
		ID:          uuid.New(),
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Category:    strings.TrimSpace(in.Category),
		Credits:     in.Credits,
		Date:        in.Date.UTC(),
		Venue:       strings.TrimSpace(in.Venue),
		RulebookURL: in.RulebookURL,
		Status:      domain.EventPending,
		CreatedBy:   caller.ID,
		QRSecret:    secret,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return domain.Event{}, fmt.Errorf("create event: %w", err)
	}

	s.log.Info().
		Str("event_id", ev.ID.String()).
		Str("created_by", caller.ID.String()).
		Int("credits", ev.Credits).
		Msg("event created")
	return ev, nil
}

// SetStatus moves an event along its lifecycle. When the event reaches a
// terminal state, registrations that were never attended are cancelled in the
// same transaction.
func (s *Service) SetStatus(ctx context.Context, caller domain.Caller, eventID uuid.UUID, next domain.EventStatus) (domain.Event, error) {
	if err := domain.RequireRole(caller, domain.RoleCoordinator, domain.RoleAdmin); err != nil {
		return domain.Event{}, err
	}
	if _, err := domain.ParseEventStatus(string(next)); err != nil {
		return domain.Event{}, err
	}

	var (
		updated   domain.Event
		from      domain.EventStatus
		cancelled int64
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		ev, err := s.repo.GetForUpdate(ctx, eventID)
		if err != nil {
			return err
		}
		from = ev.Status
		if err := ev.Transition(next); err != nil {
			return err
		}

		now := s.now()
		updated, err = s.repo.UpdateStatus(ctx, eventID, next, now)
		if err != nil {
			return err
		}
		if next.IsTerminal() {
			cancelled, err = s.regs.CancelUnattended(ctx, eventID, now)
			if err != nil {
				return fmt.Errorf("cancel registrations: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.Event{}, err
	}

	metrics.EventTransitions.WithLabelValues(string(next)).Inc()
	s.log.Info().
		Str("event_id", eventID.String()).
		Str("from", string(from)).
		Str("to", string(next)).
		Str("by", caller.ID.String()).
		Int64("registrations_cancelled", cancelled).
		Msg("event status changed")
	return updated, nil
}

// IsOpenForAttendance reports whether ev accepts registrations and scans.
func IsOpenForAttendance(ev domain.Event) bool {
	return ev.OpenForAttendance()
}

// Get returns one event.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	return s.repo.Get(ctx, id)
}

// List returns events matching f. Limit defaults to 50 and is capped at 200.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.repo.List(ctx, f)
}

// AttachRulebook records where the event's rulebook was uploaded.
func (s *Service) AttachRulebook(ctx context.Context, caller domain.Caller, eventID uuid.UUID, url string) (domain.Event, error) {
	if err := domain.RequireRole(caller, domain.RoleCoordinator, domain.RoleAdmin); err != nil {
		return domain.Event{}, err
	}
	if strings.TrimSpace(url) == "" {
		return domain.Event{}, domain.NewValidationError("rulebook_url", "required")
	}
	return s.repo.SetRulebook(ctx, eventID, url, s.now())
}
