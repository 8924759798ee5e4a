// Package registration is the registration ledger: it records which students
// intend to attend which approved events.
package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"eventcredits/internal/domain"
	"eventcredits/internal/metrics"
)

type repository interface {
	LockEventStatus(ctx context.Context, eventID uuid.UUID) (domain.EventStatus, error)
	Upsert(ctx context.Context, reg domain.Registration) (domain.Registration, error)
	Get(ctx context.Context, eventID, studentID uuid.UUID) (domain.Registration, error)
	IsRegistered(ctx context.Context, studentID, eventID uuid.UUID) (bool, error)
	HasAttended(ctx context.Context, eventID, studentID uuid.UUID) (bool, error)
	Cancel(ctx context.Context, eventID, studentID uuid.UUID, at time.Time) (domain.Registration, error)
	ListForStudent(ctx context.Context, studentID uuid.UUID) ([]EventRegistration, error)
	ListForEvent(ctx context.Context, eventID uuid.UUID) ([]Registrant, error)
}

type eventReader interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Event, error)
}

type txRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service applies registration rules on top of the repository.
type Service struct {
	repo   repository
	events eventReader
	tx     txRunner
	log    zerolog.Logger
	now    func() time.Time
}

// NewService creates a registration service.
func NewService(repo repository, events eventReader, tx txRunner, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		events: events,
		tx:     tx,
		log:    log.With().Str("service", "registration").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register records the caller's intent to attend eventID. Checks run in a
// fixed order: event exists, event approved, rules accepted, not already
// registered. A previously cancelled registration is reactivated. The status
// is re-read under a share lock in the same transaction as the write.
func (s *Service) Register(ctx context.Context, caller domain.Caller, eventID uuid.UUID, acceptedRules bool) (domain.Registration, error) {
	if err := domain.RequireRole(caller, domain.RoleStudent); err != nil {
		return domain.Registration{}, err
	}

	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return domain.Registration{}, err
	}
	if !ev.OpenForAttendance() {
		metrics.Registrations.WithLabelValues("rejected").Inc()
		return domain.Registration{}, fmt.Errorf("event %s is %s: %w", eventID, ev.Status, domain.ErrInvalidState)
	}
	if !acceptedRules {
		metrics.Registrations.WithLabelValues("rejected").Inc()
		return domain.Registration{}, fmt.Errorf("rules not accepted: %w", domain.ErrPreconditionFailed)
	}

	now := s.now()
	id := uuid.New()
	var reg domain.Registration
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		status, err := s.repo.LockEventStatus(ctx, eventID)
		if err != nil {
			return err
		}
		if status != domain.EventApproved {
			return fmt.Errorf("event %s is %s: %w", eventID, status, domain.ErrInvalidState)
		}
		reg, err = s.repo.Upsert(ctx, domain.Registration{
			ID:            id,
			EventID:       eventID,
			StudentID:     caller.ID,
			Status:        domain.RegistrationActive,
			AcceptedRules: true,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrConflict):
			metrics.Registrations.WithLabelValues("conflict").Inc()
		case errors.Is(err, domain.ErrInvalidState):
			metrics.Registrations.WithLabelValues("rejected").Inc()
		}
		return domain.Registration{}, err
	}

	outcome := "registered"
	if reg.ID != id {
		outcome = "reactivated"
	}
	metrics.Registrations.WithLabelValues(outcome).Inc()
	s.log.Info().
		Str("event_id", eventID.String()).
		Str("student_id", caller.ID.String()).
		Str("outcome", outcome).
		Msg("student registered")
	return reg, nil
}

// IsRegistered reports whether studentID holds a live registration for eventID.
func (s *Service) IsRegistered(ctx context.Context, studentID, eventID uuid.UUID) (bool, error) {
	return s.repo.IsRegistered(ctx, studentID, eventID)
}

// Cancel withdraws the caller's registration. Only possible while the event
// is approved and attendance has not been marked.
func (s *Service) Cancel(ctx context.Context, caller domain.Caller, eventID uuid.UUID) (domain.Registration, error) {
	if err := domain.RequireRole(caller, domain.RoleStudent); err != nil {
		return domain.Registration{}, err
	}

	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return domain.Registration{}, err
	}
	if !ev.OpenForAttendance() {
		return domain.Registration{}, fmt.Errorf("event %s is %s: %w", eventID, ev.Status, domain.ErrInvalidState)
	}

	reg, err := s.repo.Get(ctx, eventID, caller.ID)
	if err != nil {
		return domain.Registration{}, err
	}
	if reg.Status != domain.RegistrationActive {
		return domain.Registration{}, fmt.Errorf("registration %s: %w", reg.ID, domain.ErrNotFound)
	}
	attended, err := s.repo.HasAttended(ctx, eventID, caller.ID)
	if err != nil {
		return domain.Registration{}, err
	}
	if attended {
		return domain.Registration{}, fmt.Errorf("registration %s: %w", reg.ID, domain.ErrAlreadyMarked)
	}

	cancelled, err := s.repo.Cancel(ctx, eventID, caller.ID, s.now())
	if errors.Is(err, domain.ErrNotFound) {
		// attendance or another cancel landed after the checks above
		return domain.Registration{}, fmt.Errorf("registration %s: %w", reg.ID, domain.ErrConflict)
	}
	if err != nil {
		return domain.Registration{}, err
	}

	metrics.Registrations.WithLabelValues("cancelled").Inc()
	s.log.Info().
		Str("event_id", eventID.String()).
		Str("student_id", caller.ID.String()).
		Msg("registration cancelled")
	return cancelled, nil
}

// ListForStudent returns the caller's own registrations.
func (s *Service) ListForStudent(ctx context.Context, caller domain.Caller) ([]EventRegistration, error) {
	if err := domain.RequireRole(caller, domain.RoleStudent); err != nil {
		return nil, err
	}
	return s.repo.ListForStudent(ctx, caller.ID)
}

// ListForEvent returns the registrants of an event.
func (s *Service) ListForEvent(ctx context.Context, caller domain.Caller, eventID uuid.UUID) ([]Registrant, error) {
	if err := domain.RequireRole(caller, domain.RoleCoordinator, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if _, err := s.events.Get(ctx, eventID); err != nil {
		return nil, err
	}
	return s.repo.ListForEvent(ctx, eventID)
}
