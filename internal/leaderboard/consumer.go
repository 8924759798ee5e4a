package leaderboard

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"eventcredits/internal/metrics"
	"eventcredits/internal/queue"
)

// Consumer applies attendance and reconciliation notifications to a Board.
type Consumer struct {
	board *Board
	log   zerolog.Logger
}

// NewConsumer creates a consumer.
func NewConsumer(board *Board, log zerolog.Logger) *Consumer {
	return &Consumer{board: board, log: log.With().Str("component", "leaderboard").Logger()}
}

// Run drains messages until the channel closes.
func (c *Consumer) Run(ctx context.Context, messages <-chan queue.Message) {
	for msg := range messages {
		c.Handle(ctx, msg)
	}
}

// Handle applies one message. Unknown types are ignored.
func (c *Consumer) Handle(ctx context.Context, msg queue.Message) {
	var (
		studentID uuid.UUID
		total     int
		err       error
	)
	switch msg.Type {
	case queue.TypeAttendanceMarked:
		var body queue.AttendanceMarked
		if err := msg.Decode(&body); err != nil {
			c.invalid(msg, err)
			return
		}
		studentID, total = body.StudentID, body.TotalCredits
		err = c.board.Raise(ctx, body.StudentID, body.StudentName, body.TotalCredits)
	case queue.TypeCreditsReconciled:
		var body queue.CreditsReconciled
		if err := msg.Decode(&body); err != nil {
			c.invalid(msg, err)
			return
		}
		studentID, total = body.StudentID, body.TotalCredits
		err = c.board.Set(ctx, body.StudentID, "", body.TotalCredits)
	default:
		metrics.LeaderboardUpdates.WithLabelValues("skipped").Inc()
		return
	}
	if err != nil {
		metrics.LeaderboardUpdates.WithLabelValues("error").Inc()
		c.log.Error().Err(err).Str("student_id", studentID.String()).Msg("leaderboard update failed")
		return
	}
	metrics.LeaderboardUpdates.WithLabelValues("applied").Inc()
	c.log.Debug().
		Str("type", msg.Type).
		Str("student_id", studentID.String()).
		Int("total_credits", total).
		Msg("leaderboard updated")
}

func (c *Consumer) invalid(msg queue.Message, err error) {
	metrics.LeaderboardUpdates.WithLabelValues("invalid").Inc()
	c.log.Warn().Err(err).Str("type", msg.Type).Msg("bad leaderboard message")
}
