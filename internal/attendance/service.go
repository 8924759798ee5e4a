// Package attendance marks attendance from scanned QR tokens and awards the
// event's credits exactly once per student.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"eventcredits/internal/domain"
	"eventcredits/internal/metrics"
	"eventcredits/internal/queue"
)

const publishTimeout = 2 * time.Second

type repository interface {
	LockEventStatus(ctx context.Context, eventID uuid.UUID) (domain.EventStatus, error)
	LockRegistration(ctx context.Context, eventID, studentID uuid.UUID) (bool, error)
	HasAttendance(ctx context.Context, eventID, studentID uuid.UUID) (bool, error)
	InsertAttendance(ctx context.Context, a domain.Attendance) error
	AddCredits(ctx context.Context, studentID uuid.UUID, credits int, at time.Time) (int, string, error)
	InsertCreditTransaction(ctx context.Context, tx domain.CreditTransaction) error
	LockCreditTotal(ctx context.Context, studentID uuid.UUID) (int, error)
	LedgerSum(ctx context.Context, studentID uuid.UUID) (int, error)
	SetCreditTotal(ctx context.Context, studentID uuid.UUID, total int, at time.Time) error
	CreditHistory(ctx context.Context, studentID uuid.UUID) ([]domain.CreditEntry, error)
	AttendedEvents(ctx context.Context, studentID uuid.UUID) ([]domain.AttendedEvent, error)
	EventAttendance(ctx context.Context, eventID uuid.UUID) ([]Attendee, error)
}

type eventReader interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Event, error)
}

type registrationChecker interface {
	IsRegistered(ctx context.Context, studentID, eventID uuid.UUID) (bool, error)
}

type txRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Result describes a successful scan.
type Result struct {
	EventID      uuid.UUID `json:"event_id"`
	Credits      int       `json:"credits"`
	TotalCredits int       `json:"total_credits"`
	MarkedAt     time.Time `json:"marked_at"`
}

// Reconciliation reports the cached total before and the ledger sum it was
// reset to.
type Reconciliation struct {
	StudentID uuid.UUID `json:"student_id"`
	Stored    int       `json:"stored"`
	Ledger    int       `json:"ledger"`
}

// Drifted reports whether the cache disagreed with the ledger.
func (r Reconciliation) Drifted() bool { return r.Stored != r.Ledger }

// Service issues attendance tokens and awards credits.
type Service struct {
	repo   repository
	events eventReader
	regs   registrationChecker
	tx     txRunner
	pub    publisher
	signer TokenSigner
	log    zerolog.Logger
	now    func() time.Time
}

// NewService creates an attendance service. pub may be nil, in which case no
// notifications are sent.
func NewService(repo repository, events eventReader, regs registrationChecker, tx txRunner, pub publisher, tokenTTL time.Duration, log zerolog.Logger) *Service {
	s := &Service{
		repo:   repo,
		events: events,
		regs:   regs,
		tx:     tx,
		pub:    pub,
		log:    log.With().Str("service", "attendance").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	s.signer = TokenSigner{TTL: tokenTTL, Now: func() time.Time { return s.now() }}
	return s
}

// IssueToken signs a fresh attendance token for an approved event and renders
// it as a QR code.
func (s *Service) IssueToken(ctx context.Context, caller domain.Caller, eventID uuid.UUID) (Token, error) {
	if err := domain.RequireRole(caller, domain.RoleCoordinator, domain.RoleAdmin); err != nil {
		return Token{}, err
	}
	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return Token{}, err
	}
	if !ev.OpenForAttendance() {
		return Token{}, fmt.Errorf("event %s is %s: %w", eventID, ev.Status, domain.ErrInvalidState)
	}

	payload, claims, err := s.signer.Sign(ev)
	if err != nil {
		return Token{}, err
	}
	png, err := RenderQR(payload)
	if err != nil {
		return Token{}, err
	}

	metrics.AttendanceTokensIssued.Inc()
	s.log.Debug().
		Str("event_id", eventID.String()).
		Str("jti", claims.ID).
		Time("expires_at", claims.ExpiresAt.Time).
		Msg("attendance token issued")
	return Token{
		EventID:   eventID,
		Payload:   payload,
		QRCode:    png,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// ScanAndAward validates a scanned token and, if the caller is registered and
// not yet marked, records attendance and awards the event's credits in one
// transaction.
func (s *Service) ScanAndAward(ctx context.Context, caller domain.Caller, payload string) (Result, error) {
	res, err := s.scanAndAward(ctx, caller, payload)
	metrics.Scans.WithLabelValues(scanOutcome(err)).Inc()
	if err != nil {
		s.log.Info().Err(err).Str("student_id", caller.ID.String()).Msg("scan rejected")
	}
	return res, err
}

func (s *Service) scanAndAward(ctx context.Context, caller domain.Caller, payload string) (Result, error) {
	if err := domain.RequireRole(caller, domain.RoleStudent); err != nil {
		return Result{}, err
	}

	eventID, err := EventIDFromToken(payload)
	if err != nil {
		return Result{}, err
	}
	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return Result{}, err
	}
	if _, err := s.signer.Verify(payload, ev.QRSecret); err != nil {
		return Result{}, err
	}
	if !ev.OpenForAttendance() {
		return Result{}, fmt.Errorf("event %s is %s: %w", eventID, ev.Status, domain.ErrInvalidState)
	}

	registered, err := s.regs.IsRegistered(ctx, caller.ID, eventID)
	if err != nil {
		return Result{}, err
	}
	if !registered {
		return Result{}, fmt.Errorf("student %s event %s: %w", caller.ID, eventID, domain.ErrNotRegistered)
	}

	marked, err := s.repo.HasAttendance(ctx, eventID, caller.ID)
	if err != nil {
		return Result{}, err
	}
	if marked {
		return Result{}, fmt.Errorf("student %s event %s: %w", caller.ID, eventID, domain.ErrAlreadyMarked)
	}

	now := s.now()
	var (
		total int
		name  string
	)
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		// Re-check under share locks: a completion cascade or a cancel now
		// waits for this transaction instead of slipping in before it.
		status, err := s.repo.LockEventStatus(ctx, eventID)
		if err != nil {
			return err
		}
		if status != domain.EventApproved {
			return fmt.Errorf("event %s is %s: %w", eventID, status, domain.ErrInvalidState)
		}
		live, err := s.repo.LockRegistration(ctx, eventID, caller.ID)
		if err != nil {
			return err
		}
		if !live {
			return fmt.Errorf("student %s event %s: %w", caller.ID, eventID, domain.ErrNotRegistered)
		}

		if err := s.repo.InsertAttendance(ctx, domain.Attendance{
			ID:        uuid.New(),
			EventID:   eventID,
			StudentID: caller.ID,
			MarkedAt:  now,
		}); err != nil {
			return err
		}
		total, name, err = s.repo.AddCredits(ctx, caller.ID, ev.Credits, now)
		if err != nil {
			return err
		}
		return s.repo.InsertCreditTransaction(ctx, domain.CreditTransaction{
			ID:        uuid.New(),
			StudentID: caller.ID,
			EventID:   eventID,
			Credits:   ev.Credits,
			CreatedAt: now,
		})
	})
	if err != nil {
		return Result{}, err
	}

	metrics.CreditsAwarded.Add(float64(ev.Credits))
	s.log.Info().
		Str("event_id", eventID.String()).
		Str("student_id", caller.ID.String()).
		Int("credits", ev.Credits).
		Int("total_credits", total).
		Msg("attendance marked")

	s.notify(ctx, queue.TypeAttendanceMarked, caller.ID, queue.AttendanceMarked{
		EventID:      eventID,
		StudentID:    caller.ID,
		StudentName:  name,
		Credits:      ev.Credits,
		TotalCredits: total,
		MarkedAt:     now,
	})

	return Result{EventID: eventID, Credits: ev.Credits, TotalCredits: total, MarkedAt: now}, nil
}

// notify publishes after commit; failures never undo the write.
func (s *Service) notify(ctx context.Context, typ string, studentID uuid.UUID, body any) {
	if s.pub == nil {
		return
	}
	msg, err := queue.NewMessage(typ, body)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		err = s.pub.Publish(ctx, msg)
	}
	if err != nil {
		metrics.QueuePublishErrors.Inc()
		s.log.Warn().Err(err).Str("type", typ).Str("student_id", studentID.String()).Msg("publish failed")
	}
}

func scanOutcome(err error) string {
	switch {
	case err == nil:
		return "awarded"
	case errors.Is(err, domain.ErrMalformedToken):
		return "malformed"
	case errors.Is(err, domain.ErrTokenExpired):
		return "expired"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidState):
		return "closed"
	case errors.Is(err, domain.ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, domain.ErrAlreadyMarked):
		return "already_marked"
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrUnauthorized):
		return "forbidden"
	default:
		return "error"
	}
}

// ReconcileCredits resets a student's cached total to the ledger sum.
func (s *Service) ReconcileCredits(ctx context.Context, caller domain.Caller, studentID uuid.UUID) (Reconciliation, error) {
	if err := domain.RequireRole(caller, domain.RoleAdmin); err != nil {
		return Reconciliation{}, err
	}

	now := s.now()
	rec := Reconciliation{StudentID: studentID}
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		if rec.Stored, err = s.repo.LockCreditTotal(ctx, studentID); err != nil {
			return err
		}
		if rec.Ledger, err = s.repo.LedgerSum(ctx, studentID); err != nil {
			return err
		}
		if !rec.Drifted() {
			return nil
		}
		return s.repo.SetCreditTotal(ctx, studentID, rec.Ledger, now)
	})
	if err != nil {
		return Reconciliation{}, err
	}

	if rec.Drifted() {
		metrics.CreditDrift.Inc()
		s.log.Warn().
			Str("student_id", studentID.String()).
			Int("stored", rec.Stored).
			Int("ledger", rec.Ledger).
			Msg("credit total reconciled")
		s.notify(ctx, queue.TypeCreditsReconciled, studentID, queue.CreditsReconciled{
			StudentID:    studentID,
			TotalCredits: rec.Ledger,
			ReconciledAt: now,
		})
	}
	return rec, nil
}

// CreditHistory returns the ledger entries of a student.
func (s *Service) CreditHistory(ctx context.Context, studentID uuid.UUID) ([]domain.CreditEntry, error) {
	return s.repo.CreditHistory(ctx, studentID)
}

// AttendedEvents returns the events a student attended.
func (s *Service) AttendedEvents(ctx context.Context, studentID uuid.UUID) ([]domain.AttendedEvent, error) {
	return s.repo.AttendedEvents(ctx, studentID)
}

// EventAttendance lists who was marked present at an event.
func (s *Service) EventAttendance(ctx context.Context, caller domain.Caller, eventID uuid.UUID) ([]Attendee, error) {
	if err := domain.RequireRole(caller, domain.RoleCoordinator, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if _, err := s.events.Get(ctx, eventID); err != nil {
		return nil, err
	}
	return s.repo.EventAttendance(ctx, eventID)
}
