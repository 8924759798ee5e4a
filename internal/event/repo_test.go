package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventcredits/internal/domain"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func eventRow(ev domain.Event) *pgxmock.Rows {
	return pgxmock.NewRows(eventColumns).AddRow(
		ev.ID, ev.Title, ev.Description, ev.Category, ev.Credits, ev.Date, ev.Venue,
		ev.RulebookURL, string(ev.Status), ev.CreatedBy, ev.QRSecret, ev.CreatedAt, ev.UpdatedAt,
	)
}

func sampleEvent() domain.Event {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	desc := "Annual coding contest"
	return domain.Event{
		ID:          uuid.New(),
		Title:       "Hackathon",
		Description: &desc,
		Category:    "Technical",
		Credits:     10,
		Date:        now.Add(30 * 24 * time.Hour),
		Venue:       "Main Hall",
		Status:      domain.EventPending,
		CreatedBy:   uuid.New(),
		QRSecret:    []byte("0123456789abcdef0123456789abcdef"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestRepository_Get(t *testing.T) {
	ev := sampleEvent()

	tests := []struct {
		name    string
		setup   func(mock pgxmock.PgxPoolIface)
		wantErr error
	}{
		{
			name: "found",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT .* FROM events WHERE id = \$1`).
					WithArgs(ev.ID).
					WillReturnRows(eventRow(ev))
			},
		},
		{
			name: "not found",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT .* FROM events`).
					WithArgs(ev.ID).
					WillReturnError(pgx.ErrNoRows)
			},
			wantErr: domain.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			tt.setup(mock)

			got, err := NewRepository(mock).Get(context.Background(), ev.ID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, ev, got)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRepository_Create(t *testing.T) {
	ev := sampleEvent()

	t.Run("inserted", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`INSERT INTO events`).
			WithArgs(ev.ID, ev.Title, ev.Description, ev.Category, ev.Credits, ev.Date, ev.Venue,
				ev.RulebookURL, "PENDING", ev.CreatedBy, ev.QRSecret, ev.CreatedAt).
			WillReturnRows(eventRow(ev))

		got, err := NewRepository(mock).Create(context.Background(), ev)
		require.NoError(t, err)
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, domain.EventPending, got.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown creator", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`INSERT INTO events`).
			WithArgs(ev.ID, ev.Title, ev.Description, ev.Category, ev.Credits, ev.Date, ev.Venue,
				ev.RulebookURL, "PENDING", ev.CreatedBy, ev.QRSecret, ev.CreatedAt).
			WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "events_created_by_fkey"})

		_, err := NewRepository(mock).Create(context.Background(), ev)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRepository_UpdateStatus(t *testing.T) {
	ev := sampleEvent()
	at := ev.CreatedAt.Add(time.Hour)
	approved := ev
	approved.Status = domain.EventApproved
	approved.UpdatedAt = at

	mock := newMock(t)
	mock.ExpectQuery(`UPDATE events SET status = \$2`).
		WithArgs(ev.ID, "APPROVED", at).
		WillReturnRows(eventRow(approved))

	got, err := NewRepository(mock).UpdateStatus(context.Background(), ev.ID, domain.EventApproved, at)
	require.NoError(t, err)
	assert.Equal(t, domain.EventApproved, got.Status)
	assert.Equal(t, at, got.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_List(t *testing.T) {
	ev := sampleEvent()
	ev.Status = domain.EventApproved

	t.Run("filters by status and pages", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`SELECT .* FROM events WHERE status = \$1 ORDER BY date DESC, id LIMIT 10 OFFSET 20`).
			WithArgs("APPROVED").
			WillReturnRows(eventRow(ev))

		got, err := NewRepository(mock).List(context.Background(), ListFilter{
			Status: domain.EventApproved, Limit: 10, Offset: 20,
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ev.ID, got[0].ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty result is not nil", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`SELECT .* FROM events ORDER BY`).
			WillReturnRows(pgxmock.NewRows(eventColumns))

		got, err := NewRepository(mock).List(context.Background(), ListFilter{})
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query error", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`SELECT`).WillReturnError(errors.New("connection reset"))

		_, err := NewRepository(mock).List(context.Background(), ListFilter{})
		assert.Error(t, err)
	})
}

func TestRepository_Count(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM events`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	n, err := NewRepository(mock).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
