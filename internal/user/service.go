// Package user manages identities: student sign-up with OTP verification and
// admin approval, coordinator accounts, sessions and profiles.
package user

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"eventcredits/internal/auth"
	"eventcredits/internal/domain"
)

const (
	otpTTL            = 10 * time.Minute
	maxOTPAttempts    = 5
	minPasswordLength = 6
	defaultLimit      = 100
	maxLimit          = 500
)

type repository interface {
	Create(ctx context.Context, u domain.User, otp *string, otpExpires *time.Time) (domain.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.User, error)
	GetByEmail(ctx context.Context, email string) (domain.User, error)
	ClaimOTPAttempt(ctx context.Context, phone string) (PendingOTP, error)
	ClearOTP(ctx context.Context, id uuid.UUID, at time.Time) error
	Approve(ctx context.Context, id uuid.UUID, at time.Time) (domain.User, error)
	SetAvatar(ctx context.Context, id uuid.UUID, url string, at time.Time) (domain.User, error)
	List(ctx context.Context, f ListFilter) ([]domain.User, error)
	Stats(ctx context.Context) (Stats, error)
	SaveRefreshToken(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) error
	ConsumeRefreshToken(ctx context.Context, token string, at time.Time) (uuid.UUID, error)
	RevokeRefreshToken(ctx context.Context, token string) error
}

type tokenIssuer interface {
	Issue(userID uuid.UUID, role domain.Role) (auth.TokenPair, error)
	Parse(tokenStr, wantType string) (auth.Claims, error)
}

// activityReader supplies the attendance side of the student dashboard.
type activityReader interface {
	AttendedEvents(ctx context.Context, studentID uuid.UUID) ([]domain.AttendedEvent, error)
	CreditHistory(ctx context.Context, studentID uuid.UUID) ([]domain.CreditEntry, error)
}

type txRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Options configures a Service.
type Options struct {
	// ExposeOTP returns sign-up codes to the client. Only for environments
	// without an SMS gateway.
	ExposeOTP bool
}

// Service implements identity operations.
type Service struct {
	repo     repository
	tokens   tokenIssuer
	activity activityReader
	tx       txRunner
	opts     Options
	log      zerolog.Logger
	now      func() time.Time
}

// NewService creates a user service.
func NewService(repo repository, tokens tokenIssuer, activity activityReader, tx txRunner, opts Options, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		tokens:   tokens,
		activity: activity,
		tx:       tx,
		opts:     opts,
		log:      log.With().Str("service", "user").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SignUpInput is a student self-registration request.
type SignUpInput struct {
	Name       string
	Email      string
	USN        string
	Password   string
	Department string
	Year       string
	Semester   string
	Phone      string
}

// Validate checks all fields and collects all errors.
func (in SignUpInput) Validate() error {
	var errs []domain.FieldError
	if strings.TrimSpace(in.Name) == "" {
		errs = append(errs, domain.FieldError{Field: "name", Message: "required"})
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		errs = append(errs, domain.FieldError{Field: "email", Message: "invalid email"})
	}
	if strings.TrimSpace(in.USN) == "" {
		errs = append(errs, domain.FieldError{Field: "usn", Message: "required"})
	}
	if len(in.Password) < minPasswordLength {
		errs = append(errs, domain.FieldError{Field: "password", Message: fmt.Sprintf("at least %d characters", minPasswordLength)})
	}
	if strings.TrimSpace(in.Phone) == "" {
		errs = append(errs, domain.FieldError{Field: "phone", Message: "required"})
	}
	if len(errs) > 0 {
		return &domain.ValidationError{Errors: errs}
	}
	return nil
}

// SignUpResult is returned by SignUpStudent. OTP is empty unless the service
// exposes codes.
type SignUpResult struct {
	User domain.User `json:"user"`
	OTP  string      `json:"otp,omitempty"`
}

// SignUpStudent creates an unapproved student and issues a phone OTP.
func (s *Service) SignUpStudent(ctx context.Context, in SignUpInput) (SignUpResult, error) {
	if err := in.Validate(); err != nil {
		return SignUpResult{}, err
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return SignUpResult{}, err
	}
	otp, err := newOTP()
	if err != nil {
		return SignUpResult{}, err
	}

	now := s.now()
	expires := now.Add(otpTTL)
	u, err := s.repo.Create(ctx, domain.User{
		ID:           uuid.New(),
		Name:         strings.TrimSpace(in.Name),
		Email:        normalizeEmail(in.Email),
		USN:          optional(strings.ToUpper(in.USN)),
		PasswordHash: hash,
		Role:         domain.RoleStudent,
		Department:   optional(in.Department),
		Year:         optional(in.Year),
		Semester:     optional(in.Semester),
		Phone:        optional(in.Phone),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, &otp, &expires)
	if err != nil {
		return SignUpResult{}, err
	}

	s.log.Info().Str("user_id", u.ID.String()).Msg("student signed up")
	res := SignUpResult{User: u}
	if s.opts.ExposeOTP {
		res.OTP = otp
	}
	return res, nil
}

// VerifyOTP confirms the phone number of a pending sign-up. A code allows
// maxOTPAttempts tries; after that it is dead like an expired one.
func (s *Service) VerifyOTP(ctx context.Context, phone, code string) error {
	pending, err := s.repo.ClaimOTPAttempt(ctx, strings.TrimSpace(phone))
	if err != nil {
		return err
	}
	if pending.Attempts > maxOTPAttempts {
		s.log.Warn().Str("user_id", pending.UserID.String()).Int("attempts", pending.Attempts).Msg("otp locked")
		return fmt.Errorf("otp: too many attempts: %w", domain.ErrTokenExpired)
	}
	if s.now().After(pending.ExpiresAt) {
		return fmt.Errorf("otp: %w", domain.ErrTokenExpired)
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(code)), []byte(pending.Code)) != 1 {
		return domain.NewValidationError("otp", fmt.Sprintf("incorrect code, %d attempts left", maxOTPAttempts-pending.Attempts))
	}
	return s.repo.ClearOTP(ctx, pending.UserID, s.now())
}

// Session is the result of a successful login.
type Session struct {
	User   domain.User    `json:"user"`
	Tokens auth.TokenPair `json:"tokens"`
}

// Login checks credentials and opens a session.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	u, err := s.repo.GetByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, domain.ErrNotFound) {
		return Session{}, fmt.Errorf("invalid credentials: %w", domain.ErrUnauthorized)
	}
	if err != nil {
		return Session{}, err
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return Session{}, fmt.Errorf("invalid credentials: %w", domain.ErrUnauthorized)
	}
	if !u.CanSignIn() {
		return Session{}, fmt.Errorf("account awaiting approval: %w", domain.ErrForbidden)
	}

	pair, err := s.issue(ctx, u)
	if err != nil {
		return Session{}, err
	}
	s.log.Info().Str("user_id", u.ID.String()).Str("role", string(u.Role)).Msg("login")
	return Session{User: u, Tokens: pair}, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	claims, err := s.tokens.Parse(refreshToken, auth.TypeRefresh)
	if err != nil {
		return auth.TokenPair{}, err
	}

	var pair auth.TokenPair
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		owner, err := s.repo.ConsumeRefreshToken(ctx, refreshToken, s.now())
		if err != nil {
			return err
		}
		if owner.String() != claims.Subject {
			return fmt.Errorf("refresh token owner: %w", domain.ErrUnauthorized)
		}
		u, err := s.repo.GetByID(ctx, owner)
		if err != nil {
			return err
		}
		if !u.CanSignIn() {
			return fmt.Errorf("account awaiting approval: %w", domain.ErrForbidden)
		}
		pair, err = s.issue(ctx, u)
		return err
	})
	if err != nil {
		return auth.TokenPair{}, err
	}
	return pair, nil
}

// Logout revokes a refresh token. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.repo.RevokeRefreshToken(ctx, refreshToken)
}

func (s *Service) issue(ctx context.Context, u domain.User) (auth.TokenPair, error) {
	pair, err := s.tokens.Issue(u.ID, u.Role)
	if err != nil {
		return auth.TokenPair{}, fmt.Errorf("issue tokens: %w", err)
	}
	if err := s.repo.SaveRefreshToken(ctx, u.ID, pair.RefreshToken, pair.RefreshExp); err != nil {
		return auth.TokenPair{}, err
	}
	return pair, nil
}

// CoordinatorInput is an admin request to create a coordinator.
type CoordinatorInput struct {
	Name       string
	Email      string
	Password   string
	Department string
	Phone      string
}

// CreateCoordinator adds an approved coordinator account.
func (s *Service) CreateCoordinator(ctx context.Context, caller domain.Caller, in CoordinatorInput) (domain.User, error) {
	if err := domain.RequireRole(caller, domain.RoleAdmin); err != nil {
		return domain.User{}, err
	}
	var errs []domain.FieldError
	if strings.TrimSpace(in.Name) == "" {
		errs = append(errs, domain.FieldError{Field: "name", Message: "required"})
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		errs = append(errs, domain.FieldError{Field: "email", Message: "invalid email"})
	}
	if len(in.Password) < minPasswordLength {
		errs = append(errs, domain.FieldError{Field: "password", Message: fmt.Sprintf("at least %d characters", minPasswordLength)})
	}
	if len(errs) > 0 {
		return domain.User{}, &domain.ValidationError{Errors: errs}
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, err
	}
	now := s.now()
	u, err := s.repo.Create(ctx, domain.User{
		ID:           uuid.New(),
		Name:         strings.TrimSpace(in.Name),
		Email:        normalizeEmail(in.Email),
		PasswordHash: hash,
		Role:         domain.RoleCoordinator,
		IsApproved:   true,
		Department:   optional(in.Department),
		Phone:        optional(in.Phone),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil, nil)
	if err != nil {
		return domain.User{}, err
	}
	s.log.Info().Str("user_id", u.ID.String()).Str("by", caller.ID.String()).Msg("coordinator created")
	return u, nil
}

// ApproveStudent lets a verified student sign in.
func (s *Service) ApproveStudent(ctx context.Context, caller domain.Caller, id uuid.UUID) (domain.User, error) {
	if err := domain.RequireRole(caller, domain.RoleAdmin); err != nil {
		return domain.User{}, err
	}
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return domain.User{}, err
	}
	if u.Role != domain.RoleStudent {
		return domain.User{}, fmt.Errorf("user %s is %s: %w", id, u.Role, domain.ErrInvalidState)
	}
	if !u.PhoneVerified {
		return domain.User{}, fmt.Errorf("phone not verified: %w", domain.ErrPreconditionFailed)
	}
	if u.IsApproved {
		return u, nil
	}
	approved, err := s.repo.Approve(ctx, id, s.now())
	if err != nil {
		return domain.User{}, err
	}
	s.log.Info().Str("user_id", id.String()).Str("by", caller.ID.String()).Msg("student approved")
	return approved, nil
}

// ListStudents returns all students.
func (s *Service) ListStudents(ctx context.Context, caller domain.Caller, limit, offset int) ([]domain.User, error) {
	return s.list(ctx, caller, ListFilter{Role: domain.RoleStudent, Limit: limit, Offset: offset})
}

// ListPendingStudents returns students awaiting approval.
func (s *Service) ListPendingStudents(ctx context.Context, caller domain.Caller) ([]domain.User, error) {
	approved := false
	return s.list(ctx, caller, ListFilter{Role: domain.RoleStudent, Approved: &approved})
}

// ListCoordinators returns all coordinators.
func (s *Service) ListCoordinators(ctx context.Context, caller domain.Caller) ([]domain.User, error) {
	return s.list(ctx, caller, ListFilter{Role: domain.RoleCoordinator})
}

func (s *Service) list(ctx context.Context, caller domain.Caller, f ListFilter) ([]domain.User, error) {
	if err := domain.RequireRole(caller, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	f.Limit = min(f.Limit, maxLimit)
	f.Offset = max(f.Offset, 0)
	return s.repo.List(ctx, f)
}

// Stats returns the admin counters.
func (s *Service) Stats(ctx context.Context, caller domain.Caller) (Stats, error) {
	if err := domain.RequireRole(caller, domain.RoleAdmin); err != nil {
		return Stats{}, err
	}
	return s.repo.Stats(ctx)
}

// Profile returns the caller's own account.
func (s *Service) Profile(ctx context.Context, caller domain.Caller) (domain.User, error) {
	if caller.ID == uuid.Nil {
		return domain.User{}, domain.ErrUnauthorized
	}
	return s.repo.GetByID(ctx, caller.ID)
}

// SetAvatar records the caller's uploaded avatar.
func (s *Service) SetAvatar(ctx context.Context, caller domain.Caller, url string) (domain.User, error) {
	if caller.ID == uuid.Nil {
		return domain.User{}, domain.ErrUnauthorized
	}
	if strings.TrimSpace(url) == "" {
		return domain.User{}, domain.NewValidationError("avatar_url", "required")
	}
	return s.repo.SetAvatar(ctx, caller.ID, url, s.now())
}

// Dashboard is the student's overview page.
type Dashboard struct {
	User           domain.User            `json:"user"`
	TotalCredits   int                    `json:"total_credits"`
	EventsAttended int                    `json:"events_attended"`
	AttendedEvents []domain.AttendedEvent `json:"attended_events"`
	CreditHistory  []domain.CreditEntry   `json:"credit_history"`
}

// Dashboard assembles the caller's credits and attendance.
func (s *Service) Dashboard(ctx context.Context, caller domain.Caller) (Dashboard, error) {
	if err := domain.RequireRole(caller, domain.RoleStudent); err != nil {
		return Dashboard{}, err
	}
	u, err := s.repo.GetByID(ctx, caller.ID)
	if err != nil {
		return Dashboard{}, err
	}
	attended, err := s.activity.AttendedEvents(ctx, caller.ID)
	if err != nil {
		return Dashboard{}, err
	}
	history, err := s.activity.CreditHistory(ctx, caller.ID)
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{
		User:           u,
		TotalCredits:   u.TotalCredits,
		EventsAttended: len(attended),
		AttendedEvents: attended,
		CreditHistory:  history,
	}, nil
}

// SeedUser is an account created at startup when absent.
type SeedUser struct {
	Name     string
	Email    string
	Password string
	Role     domain.Role
	USN      string
}

// DefaultSeeds are the demo accounts.
var DefaultSeeds = []SeedUser{
	{Name: "Admin", Email: "admin@gmu.edu", Password: "Admin@123", Role: domain.RoleAdmin},
	{Name: "Coordinator", Email: "coordinator@gmu.edu", Password: "Coord@123", Role: domain.RoleCoordinator},
	{Name: "Student", Email: "student@gmu.edu", Password: "Stud@123", Role: domain.RoleStudent, USN: "1GMU23CS001"},
}

// SeedDefaults creates any seed account whose email is not yet taken and
// returns how many were created. Seeded students are approved and verified.
func (s *Service) SeedDefaults(ctx context.Context, seeds []SeedUser) (int, error) {
	created := 0
	for _, seed := range seeds {
		_, err := s.repo.GetByEmail(ctx, seed.Email)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return created, err
		}

		hash, err := auth.HashPassword(seed.Password)
		if err != nil {
			return created, err
		}
		now := s.now()
		u := domain.User{
			ID:           uuid.New(),
			Name:         seed.Name,
			Email:        normalizeEmail(seed.Email),
			USN:          optional(seed.USN),
			PasswordHash: hash,
			Role:         seed.Role,
			IsApproved:   true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if _, err := s.repo.Create(ctx, u, nil, nil); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return created, fmt.Errorf("seed %s: %w", seed.Email, err)
		}
		created++
		s.log.Info().Str("email", u.Email).Str("role", string(u.Role)).Msg("seeded user")
	}
	return created, nil
}

func newOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
