package attendance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventcredits/internal/attendance"
	"eventcredits/internal/domain"
	"eventcredits/internal/event"
	"eventcredits/internal/registration"
	"eventcredits/internal/store"
	"eventcredits/internal/store/storetest"
)

type stack struct {
	pool       *pgxpool.Pool
	events     *event.Service
	regs       *registration.Service
	attendance *attendance.Service
}

func newStack(t *testing.T) stack {
	pool := storetest.SetupDB(t)
	tx := store.NewTxManager(pool)
	log := zerolog.Nop()

	eventRepo := event.NewRepository(pool)
	regRepo := registration.NewRepository(pool)
	events := event.NewService(eventRepo, regRepo, tx, log)
	regs := registration.NewService(regRepo, events, tx, log)
	att := attendance.NewService(attendance.NewRepository(pool), events, regs, tx, nil, time.Minute, log)
	return stack{pool: pool, events: events, regs: regs, attendance: att}
}

func insertUser(t *testing.T, pool *pgxpool.Pool, role domain.Role) domain.Caller {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO users (id, name, email, password_hash, role, is_approved)
		VALUES ($1, $2, $3, 'x', $4, TRUE)`,
		id, "user-"+id.String()[:8], id.String()+"@gmu.edu", string(role))
	require.NoError(t, err)
	return domain.Caller{ID: id, Role: role}
}

func approvedEvent(t *testing.T, s stack, coordinator domain.Caller, credits int) domain.Event {
	t.Helper()
	ctx := context.Background()
	ev, err := s.events.Create(ctx, coordinator, event.CreateInput{
		Title: "Hackathon", Category: "Technical", Credits: credits,
		Date: time.Now().Add(24 * time.Hour), Venue: "Main Hall",
	})
	require.NoError(t, err)
	ev, err = s.events.SetStatus(ctx, coordinator, ev.ID, domain.EventApproved)
	require.NoError(t, err)
	return ev
}

func creditTotal(t *testing.T, pool *pgxpool.Pool, id uuid.UUID) (total, ledger int) {
	t.Helper()
	err := pool.QueryRow(context.Background(), `
		SELECT u.total_credits, COALESCE((SELECT SUM(credits) FROM credit_transactions WHERE student_id = u.id), 0)::int
		FROM users u WHERE u.id = $1`, id).Scan(&total, &ledger)
	require.NoError(t, err)
	return total, ledger
}

func TestIntegration_ConcurrentScansAwardOnce(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	coordinator := insertUser(t, s.pool, domain.RoleCoordinator)
	student := insertUser(t, s.pool, domain.RoleStudent)
	ev := approvedEvent(t, s, coordinator, 10)

	_, err := s.regs.Register(ctx, student, ev.ID, true)
	require.NoError(t, err)
	tok, err := s.attendance.IssueToken(ctx, coordinator, ev.ID)
	require.NoError(t, err)

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		awarded int
		dupes   int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.attendance.ScanAndAward(ctx, student, tok.Payload)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				awarded++
			case errors.Is(err, domain.ErrAlreadyMarked):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, awarded)
	assert.Equal(t, n-1, dupes)
	total, ledger := creditTotal(t, s.pool, student.ID)
	assert.Equal(t, 10, total)
	assert.Equal(t, total, ledger)
}

func TestIntegration_ConcurrentRegistrations(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	coordinator := insertUser(t, s.pool, domain.RoleCoordinator)
	student := insertUser(t, s.pool, domain.RoleStudent)
	ev := approvedEvent(t, s, coordinator, 5)

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.regs.Register(ctx, student, ev.ID, true)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)
}

func TestIntegration_CompletionCancelsUnattended(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	coordinator := insertUser(t, s.pool, domain.RoleCoordinator)
	present := insertUser(t, s.pool, domain.RoleStudent)
	absent := insertUser(t, s.pool, domain.RoleStudent)
	ev := approvedEvent(t, s, coordinator, 3)

	for _, st := range []domain.Caller{present, absent} {
		_, err := s.regs.Register(ctx, st, ev.ID, true)
		require.NoError(t, err)
	}
	tok, err := s.attendance.IssueToken(ctx, coordinator, ev.ID)
	require.NoError(t, err)
	_, err = s.attendance.ScanAndAward(ctx, present, tok.Payload)
	require.NoError(t, err)

	_, err = s.events.SetStatus(ctx, coordinator, ev.ID, domain.EventCompleted)
	require.NoError(t, err)

	regs, err := s.regs.ListForEvent(ctx, coordinator, ev.ID)
	require.NoError(t, err)
	statuses := map[uuid.UUID]domain.RegistrationStatus{}
	for _, r := range regs {
		statuses[r.StudentID] = r.Status
	}
	assert.Equal(t, domain.RegistrationActive, statuses[present.ID])
	assert.Equal(t, domain.RegistrationCancelled, statuses[absent.ID])

	_, err = s.attendance.ScanAndAward(ctx, absent, tok.Payload)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestIntegration_ReconcileRestoresLedgerTotal(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	coordinator := insertUser(t, s.pool, domain.RoleCoordinator)
	admin := insertUser(t, s.pool, domain.RoleAdmin)
	student := insertUser(t, s.pool, domain.RoleStudent)
	ev := approvedEvent(t, s, coordinator, 7)

	_, err := s.regs.Register(ctx, student, ev.ID, true)
	require.NoError(t, err)
	tok, err := s.attendance.IssueToken(ctx, coordinator, ev.ID)
	require.NoError(t, err)
	_, err = s.attendance.ScanAndAward(ctx, student, tok.Payload)
	require.NoError(t, err)

	_, err = s.pool.Exec(ctx, `UPDATE users SET total_credits = 100 WHERE id = $1`, student.ID)
	require.NoError(t, err)

	rec, err := s.attendance.ReconcileCredits(ctx, admin, student.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, rec.Stored)
	assert.Equal(t, 7, rec.Ledger)

	total, ledger := creditTotal(t, s.pool, student.ID)
	assert.Equal(t, 7, total)
	assert.Equal(t, 7, ledger)
}
