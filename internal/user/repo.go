package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"eventcredits/internal/domain"
	"eventcredits/internal/store"
)

var userColumns = []string{
	"id", "name", "email", "usn", "password_hash", "role", "is_approved", "total_credits",
	"department", "year", "semester", "phone", "avatar_url", "otp IS NULL", "created_at", "updated_at",
}

const selectUser = `SELECT id, name, email, usn, password_hash, role, is_approved, total_credits,
	department, year, semester, phone, avatar_url, otp IS NULL, created_at, updated_at FROM users`

const returningUser = ` RETURNING id, name, email, usn, password_hash, role, is_approved, total_credits,
	department, year, semester, phone, avatar_url, otp IS NULL, created_at, updated_at`

// ListFilter narrows List results.
type ListFilter struct {
	Role     domain.Role
	Approved *bool
	Limit    int
	Offset   int
}

// Stats are the admin dashboard counters.
type Stats struct {
	Students        int   `json:"students"`
	PendingStudents int   `json:"pending_students"`
	Coordinators    int   `json:"coordinators"`
	Events          int   `json:"events"`
	ApprovedEvents  int   `json:"approved_events"`
	CreditsAwarded  int64 `json:"credits_awarded"`
}

// CreditTotal is a student's cached credit total.
type CreditTotal struct {
	ID           uuid.UUID
	Name         string
	TotalCredits int
}

// Repository persists users and refresh tokens in Postgres.
type Repository struct {
	db store.DB
	sb squirrel.StatementBuilderType
}

// NewRepository creates a repo.
func NewRepository(db store.DB) *Repository {
	return &Repository{db: db, sb: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)}
}

// Create inserts u. otp and otpExpires may be nil.
func (r *Repository) Create(ctx context.Context, u domain.User, otp *string, otpExpires *time.Time) (domain.User, error) {
	row := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, `
		INSERT INTO users (id, name, email, usn, password_hash, role, is_approved, department, year, semester, phone,
			otp, otp_expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)`+returningUser,
		u.ID, u.Name, u.Email, u.USN, u.PasswordHash, string(u.Role), u.IsApproved,
		u.Department, u.Year, u.Semester, u.Phone, otp, otpExpires, u.CreatedAt)
	created, err := scanUser(row)
	if err != nil {
		return domain.User{}, store.MapError(err, "insert user")
	}
	return created, nil
}

// GetByID returns a user by id.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (domain.User, error) {
	row := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, selectUser+` WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return domain.User{}, store.MapError(err, fmt.Sprintf("user %s", id))
	}
	return u, nil
}

// GetByEmail returns a user by email, case-insensitively.
func (r *Repository) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	row := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, selectUser+` WHERE lower(email) = lower($1)`, email)
	u, err := scanUser(row)
	if err != nil {
		return domain.User{}, store.MapError(err, "user by email")
	}
	return u, nil
}

// PendingOTP is the outstanding sign-up code for a phone number. Attempts
// counts verification tries including the current one.
type PendingOTP struct {
	UserID    uuid.UUID
	Code      string
	ExpiresAt time.Time
	Attempts  int
}

// ClaimOTPAttempt counts one verification try against the most recent
// outstanding OTP for phone and returns it. The increment happens before the
// caller compares codes, so concurrent guesses each use up an attempt.
func (r *Repository) ClaimOTPAttempt(ctx context.Context, phone string) (PendingOTP, error) {
	var p PendingOTP
	err := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, `
		UPDATE users SET otp_attempts = otp_attempts + 1
		WHERE id = (
			SELECT id FROM users
			WHERE phone = $1 AND otp IS NOT NULL
			ORDER BY created_at DESC LIMIT 1
		)
		RETURNING id, otp, otp_expires_at, otp_attempts`, phone).Scan(&p.UserID, &p.Code, &p.ExpiresAt, &p.Attempts)
	if err != nil {
		return PendingOTP{}, store.MapError(err, "pending otp")
	}
	return p, nil
}

// ClearOTP marks the phone as verified.
func (r *Repository) ClearOTP(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := store.QuerierFromCtx(ctx, r.db).Exec(ctx, `
		UPDATE users SET otp = NULL, otp_expires_at = NULL, otp_attempts = 0, updated_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return store.MapError(err, "clear otp")
	}
	return nil
}

// Approve sets is_approved on a student.
func (r *Repository) Approve(ctx context.Context, id uuid.UUID, at time.Time) (domain.User, error) {
	row := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx,
		`UPDATE users SET is_approved = TRUE, updated_at = $2 WHERE id = $1 AND role = 'STUDENT'`+returningUser,
		id, at)
	u, err := scanUser(row)
	if err != nil {
		return domain.User{}, store.MapError(err, fmt.Sprintf("approve student %s", id))
	}
	return u, nil
}

// SetAvatar stores the avatar URL.
func (r *Repository) SetAvatar(ctx context.Context, id uuid.UUID, url string, at time.Time) (domain.User, error) {
	row := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx,
		`UPDATE users SET avatar_url = $2, updated_at = $3 WHERE id = $1`+returningUser,
		id, url, at)
	u, err := scanUser(row)
	if err != nil {
		return domain.User{}, store.MapError(err, fmt.Sprintf("set avatar of %s", id))
	}
	return u, nil
}

// List returns users ordered by name.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]domain.User, error) {
	q := r.sb.Select(userColumns...).From("users").OrderBy("name", "id")
	if f.Role != "" {
		q = q.Where(squirrel.Eq{"role": string(f.Role)})
	}
	if f.Approved != nil {
		q = q.Where(squirrel.Eq{"is_approved": *f.Approved})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list users query: %w", err)
	}
	rows, err := store.QuerierFromCtx(ctx, r.db).Query(ctx, sql, args...)
	if err != nil {
		return nil, store.MapError(err, "list users")
	}
	defer rows.Close()

	users := []domain.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Stats computes the admin counters in one round trip.
func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users WHERE role = 'STUDENT'),
			(SELECT COUNT(*) FROM users WHERE role = 'STUDENT' AND NOT is_approved),
			(SELECT COUNT(*) FROM users WHERE role = 'COORDINATOR'),
			(SELECT COUNT(*) FROM events),
			(SELECT COUNT(*) FROM events WHERE status = 'APPROVED'),
			(SELECT COALESCE(SUM(credits), 0) FROM credit_transactions)::bigint`).
		Scan(&s.Students, &s.PendingStudents, &s.Coordinators, &s.Events, &s.ApprovedEvents, &s.CreditsAwarded)
	if err != nil {
		return Stats{}, store.MapError(err, "stats")
	}
	return s, nil
}

// CreditTotals returns every student's cached total.
func (r *Repository) CreditTotals(ctx context.Context) ([]CreditTotal, error) {
	rows, err := store.QuerierFromCtx(ctx, r.db).Query(ctx,
		`SELECT id, name, total_credits FROM users WHERE role = 'STUDENT' ORDER BY id`)
	if err != nil {
		return nil, store.MapError(err, "credit totals")
	}
	defer rows.Close()

	out := []CreditTotal{}
	for rows.Next() {
		var ct CreditTotal
		if err := rows.Scan(&ct.ID, &ct.Name, &ct.TotalCredits); err != nil {
			return nil, fmt.Errorf("scan credit total: %w", err)
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) error {
	_, err := store.QuerierFromCtx(ctx, r.db).Exec(ctx, `
		INSERT INTO refresh_tokens (token, user_id, expires_at)
		VALUES ($1, $2, $3)`, token, userID, expiresAt)
	if err != nil {
		return store.MapError(err, "save refresh token")
	}
	return nil
}

// ConsumeRefreshToken revokes a live token and returns its owner. Unknown,
// expired or already revoked tokens yield ErrUnauthorized.
func (r *Repository) ConsumeRefreshToken(ctx context.Context, token string, at time.Time) (uuid.UUID, error) {
	var userID uuid.UUID
	err := store.QuerierFromCtx(ctx, r.db).QueryRow(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE
		WHERE token = $1 AND NOT revoked AND expires_at > $2
		RETURNING user_id`, token, at).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("refresh token: %w", domain.ErrUnauthorized)
	}
	if err != nil {
		return uuid.Nil, store.MapError(err, "consume refresh token")
	}
	return userID, nil
}

// RevokeRefreshToken marks a token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := store.QuerierFromCtx(ctx, r.db).Exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	if err != nil {
		return store.MapError(err, "revoke refresh token")
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (domain.User, error) {
	var (
		u    domain.User
		role string
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.USN, &u.PasswordHash, &role, &u.IsApproved, &u.TotalCredits,
		&u.Department, &u.Year, &u.Semester, &u.Phone, &u.AvatarURL, &u.PhoneVerified, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return domain.User{}, err
	}
	u.Role = domain.Role(role)
	return u, nil
}
