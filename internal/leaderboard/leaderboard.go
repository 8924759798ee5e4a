// Package leaderboard keeps a Redis sorted set of student credit totals.
package leaderboard

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKey is the sorted set holding the ranking.
const DefaultKey = "eventcredits:leaderboard"

// Entry is one ranked student.
type Entry struct {
	Rank         int       `json:"rank"`
	StudentID    uuid.UUID `json:"student_id"`
	Name         string    `json:"name"`
	TotalCredits int       `json:"total_credits"`
}

// Board reads and writes the ranking.
type Board struct {
	rdb      *redis.Client
	key      string
	namesKey string
}

// New creates a Board on key. An empty key uses DefaultKey.
func New(rdb *redis.Client, key string) *Board {
	if key == "" {
		key = DefaultKey
	}
	return &Board{rdb: rdb, key: key, namesKey: key + ":names"}
}

// Set records a student's total, replacing whatever the board held. Used when
// a total is corrected downwards.
func (b *Board) Set(ctx context.Context, studentID uuid.UUID, name string, total int) error {
	return b.write(ctx, studentID, name, total, false)
}

// Raise records a student's total unless the board already holds a higher
// one. Credits only grow between reconciliations, so a late or replayed
// award cannot move a student backwards.
func (b *Board) Raise(ctx context.Context, studentID uuid.UUID, name string, total int) error {
	return b.write(ctx, studentID, name, total, true)
}

func (b *Board) write(ctx context.Context, studentID uuid.UUID, name string, total int, onlyHigher bool) error {
	member := studentID.String()
	z := redis.Z{Score: float64(total), Member: member}
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if onlyHigher {
			p.ZAddGT(ctx, b.key, z)
		} else {
			p.ZAdd(ctx, b.key, z)
		}
		if name != "" {
			p.HSet(ctx, b.namesKey, member, name)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("leaderboard set %s: %w", member, err)
	}
	return nil
}

// Top returns the n highest totals, best first.
func (b *Board) Top(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return []Entry{}, nil
	}
	zs, err := b.rdb.ZRevRangeWithScores(ctx, b.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard top: %w", err)
	}
	if len(zs) == 0 {
		return []Entry{}, nil
	}

	members := make([]string, len(zs))
	for i, z := range zs {
		members[i], _ = z.Member.(string)
	}
	names, err := b.rdb.HMGet(ctx, b.namesKey, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard names: %w", err)
	}

	out := make([]Entry, 0, len(zs))
	for i, z := range zs {
		id, err := uuid.Parse(members[i])
		if err != nil {
			continue
		}
		name, _ := names[i].(string)
		out = append(out, Entry{Rank: len(out) + 1, StudentID: id, Name: name, TotalCredits: int(z.Score)})
	}
	return out, nil
}

// Snapshot is a student total used to rebuild the board.
type Snapshot struct {
	StudentID    uuid.UUID
	Name         string
	TotalCredits int
}

// Rebuild replaces the board with totals in a single transaction.
func (b *Board) Rebuild(ctx context.Context, totals []Snapshot) error {
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, b.key, b.namesKey)
		if len(totals) == 0 {
			return nil
		}
		zs := make([]redis.Z, 0, len(totals))
		names := make([]any, 0, 2*len(totals))
		for _, t := range totals {
			member := t.StudentID.String()
			zs = append(zs, redis.Z{Score: float64(t.TotalCredits), Member: member})
			names = append(names, member, t.Name)
		}
		p.ZAdd(ctx, b.key, zs...)
		p.HSet(ctx, b.namesKey, names...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("leaderboard rebuild: %w", err)
	}
	return nil
}
