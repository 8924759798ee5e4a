package registration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventcredits/internal/domain"
)

type pairKey struct{ event, student uuid.UUID }

// memRepo mimics the upsert semantics of the Postgres repository.
type memRepo struct {
	mu       sync.Mutex
	regs     map[pairKey]domain.Registration
	attended map[pairKey]bool
	events   memEvents
}

func newMemRepo(events memEvents) *memRepo {
	return &memRepo{regs: map[pairKey]domain.Registration{}, attended: map[pairKey]bool{}, events: events}
}

func (m *memRepo) LockEventStatus(ctx context.Context, eventID uuid.UUID) (domain.EventStatus, error) {
	ev, err := m.events.Get(ctx, eventID)
	if err != nil {
		return "", err
	}
	return ev.Status, nil
}

func (m *memRepo) Upsert(_ context.Context, reg domain.Registration) (domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey{reg.EventID, reg.StudentID}
	if cur, ok := m.regs[k]; ok {
		if cur.Status == domain.RegistrationActive {
			return domain.Registration{}, domain.ErrConflict
		}
		cur.Status = domain.RegistrationActive
		cur.AcceptedRules = reg.AcceptedRules
		cur.UpdatedAt = reg.UpdatedAt
		m.regs[k] = cur
		return cur, nil
	}
	m.regs[k] = reg
	return reg, nil
}

func (m *memRepo) Get(_ context.Context, eventID, studentID uuid.UUID) (domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[pairKey{eventID, studentID}]
	if !ok {
		return domain.Registration{}, domain.ErrNotFound
	}
	return reg, nil
}

func (m *memRepo) IsRegistered(_ context.Context, studentID, eventID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[pairKey{eventID, studentID}]
	return ok && reg.Status == domain.RegistrationActive, nil
}

func (m *memRepo) HasAttended(_ context.Context, eventID, studentID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attended[pairKey{eventID, studentID}], nil
}

func (m *memRepo) Cancel(_ context.Context, eventID, studentID uuid.UUID, at time.Time) (domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey{eventID, studentID}
	reg, ok := m.regs[k]
	if !ok || reg.Status != domain.RegistrationActive || m.attended[k] {
		return domain.Registration{}, domain.ErrNotFound
	}
	reg.Status = domain.RegistrationCancelled
	reg.UpdatedAt = at
	m.regs[k] = reg
	return reg, nil
}

func (m *memRepo) ListForStudent(_ context.Context, studentID uuid.UUID) ([]EventRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []EventRegistration{}
	for k, reg := range m.regs {
		if k.student == studentID {
			out = append(out, EventRegistration{Registration: reg, Attended: m.attended[k]})
		}
	}
	return out, nil
}

func (m *memRepo) ListForEvent(_ context.Context, eventID uuid.UUID) ([]Registrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Registrant{}
	for k, reg := range m.regs {
		if k.event == eventID {
			out = append(out, Registrant{Registration: reg, Attended: m.attended[k]})
		}
	}
	return out, nil
}

type memEvents map[uuid.UUID]domain.Event

func (m memEvents) Get(_ context.Context, id uuid.UUID) (domain.Event, error) {
	ev, ok := m[id]
	if !ok {
		return domain.Event{}, domain.ErrNotFound
	}
	return ev, nil
}

// serialTx runs transactions one at a time, without rollback.
type serialTx struct{ mu sync.Mutex }

func (s *serialTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx)
}

type fixture struct {
	svc    *Service
	repo   *memRepo
	events memEvents
}

func newFixture() *fixture {
	events := memEvents{}
	f := &fixture{repo: newMemRepo(events), events: events}
	f.svc = NewService(f.repo, f.events, &serialTx{}, zerolog.Nop())
	return f
}

func (f *fixture) event(status domain.EventStatus) uuid.UUID {
	id := uuid.New()
	f.events[id] = domain.Event{ID: id, Title: "Hackathon", Credits: 10, Status: status}
	return id
}

func newStudent() domain.Caller {
	return domain.Caller{ID: uuid.New(), Role: domain.RoleStudent}
}

func TestRegister_Success(t *testing.T) {
	f := newFixture()
	eventID := f.event(domain.EventApproved)
	s := newStudent()

	reg, err := f.svc.Register(context.Background(), s, eventID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.RegistrationActive, reg.Status)
	assert.True(t, reg.AcceptedRules)
	assert.Equal(t, s.ID, reg.StudentID)

	ok, err := f.svc.IsRegistered(context.Background(), s.ID, eventID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegister_CheckOrder(t *testing.T) {
	tests := []struct {
		name     string
		status   domain.EventStatus
		missing  bool
		accepted bool
		caller   func() domain.Caller
		want     error
	}{
		{name: "unknown event beats rules", missing: true, accepted: false, want: domain.ErrNotFound},
		{name: "pending event", status: domain.EventPending, accepted: true, want: domain.ErrInvalidState},
		{name: "rejected event", status: domain.EventRejected, accepted: true, want: domain.ErrInvalidState},
		{name: "completed event", status: domain.EventCompleted, accepted: true, want: domain.ErrInvalidState},
		{name: "state beats rules", status: domain.EventPending, accepted: false, want: domain.ErrInvalidState},
		{name: "rules not accepted", status: domain.EventApproved, accepted: false, want: domain.ErrPreconditionFailed},
		{
			name: "coordinator cannot register", status: domain.EventApproved, accepted: true,
			caller: func() domain.Caller { return domain.Caller{ID: uuid.New(), Role: domain.RoleCoordinator} },
			want:   domain.ErrForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			eventID := uuid.New()
			if !tt.missing {
				eventID = f.event(tt.status)
			}
			caller := newStudent()
			if tt.caller != nil {
				caller = tt.caller()
			}

			_, err := f.svc.Register(context.Background(), caller, eventID, tt.accepted)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, f.repo.regs)
		})
	}
}

func TestRegister_EventCompletedBeforeWrite(t *testing.T) {
	f := newFixture()
	eventID := f.event(domain.EventApproved)
	s := newStudent()

	// the unlocked read still sees APPROVED, the row under lock is COMPLETED
	stale := memEvents{eventID: f.events[eventID]}
	completed := f.events[eventID]
	completed.Status = domain.EventCompleted
	f.events[eventID] = completed
	f.svc.events = stale

	_, err := f.svc.Register(context.Background(), s, eventID, true)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Empty(t, f.repo.regs)
}

func TestRegister_DuplicateConflicts(t *testing.T) {
	f := newFixture()
	eventID := f.event(domain.EventApproved)
	s := newStudent()

	_, err := f.svc.Register(context.Background(), s, eventID, true)
	require.NoError(t, err)
	_, err = f.svc.Register(context.Background(), s, eventID, true)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Len(t, f.repo.regs, 1)
}

func TestRegister_ConcurrentDuplicates(t *testing.T) {
	f := newFixture()
	eventID := f.event(domain.EventApproved)
	s := newStudent()

	const n = 16
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
			_, err := f.svc.Register(context.Background(), s, eventID, true)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)
}

func TestCancelThenReregister(t *testing.T) {
	f := newFixture()
	eventID := f.event(domain.EventApproved)
	s := newStudent()
	ctx := context.Background()

	first, err := f.svc.Register(ctx, s, eventID, true)
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, s, eventID)
	require.NoError(t, err)
	assert.Equal(t, domain.RegistrationCancelled, cancelled.Status)

	registered, err := f.svc.IsRegistered(ctx, s.ID, eventID)
	require.NoError(t, err)
	assert.False(t, registered)

	again, err := f.svc.Register(ctx, s, eventID, true)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "reactivation keeps one row per pair")
	assert.Equal(t, domain.RegistrationActive, again.Status)
}

func TestCancel_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("not registered", func(t *testing.T) {
		f := newFixture()
		eventID := f.event(domain.EventApproved)
		_, err := f.svc.Cancel(ctx, newStudent(), eventID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("already cancelled", func(t *testing.T) {
		f := newFixture()
		eventID := f.event(domain.EventApproved)
		s := newStudent()
		_, err := f.svc.Register(ctx, s, eventID, true)
		require.NoError(t, err)
		_, err = f.svc.Cancel(ctx, s, eventID)
		require.NoError(t, err)

		_, err = f.svc.Cancel(ctx, s, eventID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("attended", func(t *testing.T) {
		f := newFixture()
		eventID := f.event(domain.EventApproved)
		s := newStudent()
		_, err := f.svc.Register(ctx, s, eventID, true)
		require.NoError(t, err)
		f.repo.attended[pairKey{eventID, s.ID}] = true

		_, err = f.svc.Cancel(ctx, s, eventID)
		assert.ErrorIs(t, err, domain.ErrAlreadyMarked)
	})

	t.Run("event closed", func(t *testing.T) {
		f := newFixture()
		eventID := f.event(domain.EventCompleted)
		_, err := f.svc.Cancel(ctx, newStudent(), eventID)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})
}

func TestListForEvent(t *testing.T) {
	f := newFixture()
	eventID := f.event(domain.EventApproved)
	ctx := context.Background()
	for range 3 {
		_, err := f.svc.Register(ctx, newStudent(), eventID, true)
		require.NoError(t, err)
	}

	coordinator := domain.Caller{ID: uuid.New(), Role: domain.RoleCoordinator}
	got, err := f.svc.ListForEvent(ctx, coordinator, eventID)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	_, err = f.svc.ListForEvent(ctx, newStudent(), eventID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.ListForEvent(ctx, coordinator, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListForStudent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s := newStudent()
	for range 2 {
		_, err := f.svc.Register(ctx, s, f.event(domain.EventApproved), true)
		require.NoError(t, err)
	}
	_, err := f.svc.Register(ctx, newStudent(), f.event(domain.EventApproved), true)
	require.NoError(t, err)

	got, err := f.svc.ListForStudent(ctx, s)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
