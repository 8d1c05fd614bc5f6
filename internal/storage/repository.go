// Package storage persists chat messages to Postgres and serves the
// analytical queries over them. The table is range-partitioned monthly on
// created_at; identity is (message_id, created_at) and inserts are
// idempotent on conflict.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chatflow/internal/logging"
	"github.com/adred-codev/chatflow/internal/types"
)

const insertSQL = `
	INSERT INTO chat_messages
		(message_id, room_id, user_id, username, message, message_type,
		 client_timestamp, server_timestamp)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (message_id, created_at) DO NOTHING`

// StoredMessage is one persisted row.
type StoredMessage struct {
	MessageID       uuid.UUID
	RoomID          int
	UserID          int
	Username        string
	Message         string
	MessageType     string
	ClientTimestamp time.Time
	ServerTimestamp time.Time
	CreatedAt       time.Time
}

// UserRoomActivity summarizes one user's presence in one room.
type UserRoomActivity struct {
	RoomID       int
	MessageCount int64
	LastActivity time.Time
}

// MinuteCount is one bucket of the per-minute throughput query.
type MinuteCount struct {
	Minute time.Time
	Count  int64
}

// Leader is one row of a top-N ranking.
type Leader struct {
	ID    int
	Count int64
}

// Repository wraps the Postgres pool.
type Repository struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewRepository connects the pool against the given DSN.
func NewRepository(ctx context.Context, dsn string, logger zerolog.Logger) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Repository{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (r *Repository) Close() {
	r.pool.Close()
}

// InsertBatch writes msgs in a single batched round trip under one
// transaction. Each message receives a fresh message_id; conflicting rows
// are no-ops. Returns the number of rows actually inserted.
func (r *Repository) InsertBatch(ctx context.Context, msgs []types.QueuedMessage) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, qm := range msgs {
		clientTS, err := time.Parse(time.RFC3339, qm.ChatMessage.Timestamp)
		if err != nil {
			// Validated at ingress; a bad value here means corruption, keep
			// the row with the server time.
			clientTS = time.UnixMilli(qm.ReceivedTimestamp)
		}
		batch.Queue(insertSQL,
			uuid.New(),
			qm.ChatMessage.RoomID,
			qm.ChatMessage.UserID,
			qm.ChatMessage.Username,
			qm.ChatMessage.Message,
			qm.ChatMessage.MessageType,
			clientTS.UTC(),
			time.UnixMilli(qm.ReceivedTimestamp).UTC(),
		)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	var inserted int64
	for range msgs {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return inserted, fmt.Errorf("batch exec: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return inserted, fmt.Errorf("batch close: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return inserted, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// RoomHistory returns up to 1000 messages for a room in [t0, t1], newest
// first.
func (r *Repository) RoomHistory(ctx context.Context, roomID int, t0, t1 time.Time) ([]StoredMessage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT message_id, room_id, user_id, username, message, message_type,
		       client_timestamp, server_timestamp, created_at
		FROM chat_messages
		WHERE room_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
		LIMIT 1000`, roomID, t0, t1)
	if err != nil {
		return nil, fmt.Errorf("room history: %w", err)
	}
	return scanMessages(rows)
}

// UserHistory returns up to 10000 messages for a user in [t0, t1], newest
// first.
func (r *Repository) UserHistory(ctx context.Context, userID int, t0, t1 time.Time) ([]StoredMessage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT message_id, room_id, user_id, username, message, message_type,
		       client_timestamp, server_timestamp, created_at
		FROM chat_messages
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
		LIMIT 10000`, userID, t0, t1)
	if err != nil {
		return nil, fmt.Errorf("user history: %w", err)
	}
	return scanMessages(rows)
}

// ActiveUsers returns the distinct users that posted in [t0, t1].
func (r *Repository) ActiveUsers(ctx context.Context, t0, t1 time.Time) ([]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT user_id
		FROM chat_messages
		WHERE created_at BETWEEN $1 AND $2
		ORDER BY user_id`, t0, t1)
	if err != nil {
		return nil, fmt.Errorf("active users: %w", err)
	}
	defer rows.Close()

	var users []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// RoomsForUser returns every room the user posted in, with message count and
// last activity, most recent first.
func (r *Repository) RoomsForUser(ctx context.Context, userID int) ([]UserRoomActivity, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT room_id, COUNT(*), MAX(created_at)
		FROM chat_messages
		WHERE user_id = $1
		GROUP BY room_id
		ORDER BY MAX(created_at) DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("rooms for user: %w", err)
	}
	defer rows.Close()

	var out []UserRoomActivity
	for rows.Next() {
		var a UserRoomActivity
		if err := rows.Scan(&a.RoomID, &a.MessageCount, &a.LastActivity); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MessagesPerMinute buckets message counts by minute in [t0, t1].
func (r *Repository) MessagesPerMinute(ctx context.Context, t0, t1 time.Time) ([]MinuteCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT date_trunc('minute', created_at) AS minute, COUNT(*)
		FROM chat_messages
		WHERE created_at BETWEEN $1 AND $2
		GROUP BY minute
		ORDER BY minute`, t0, t1)
	if err != nil {
		return nil, fmt.Errorf("messages per minute: %w", err)
	}
	defer rows.Close()

	var out []MinuteCount
	for rows.Next() {
		var mc MinuteCount
		if err := rows.Scan(&mc.Minute, &mc.Count); err != nil {
			return nil, err
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}

// TopUsers ranks users by message count.
func (r *Repository) TopUsers(ctx context.Context, n int) ([]Leader, error) {
	return r.leaders(ctx, "user_id", n)
}

// TopRooms ranks rooms by message count.
func (r *Repository) TopRooms(ctx context.Context, n int) ([]Leader, error) {
	return r.leaders(ctx, "room_id", n)
}

func (r *Repository) leaders(ctx context.Context, column string, n int) ([]Leader, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s, COUNT(*)
		FROM chat_messages
		GROUP BY %s
		ORDER BY COUNT(*) DESC
		LIMIT $1`, column, column), n)
	if err != nil {
		return nil, fmt.Errorf("top %s: %w", column, err)
	}
	defer rows.Close()

	var out []Leader
	for rows.Next() {
		var l Leader
		if err := rows.Scan(&l.ID, &l.Count); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanMessages(rows pgx.Rows) ([]StoredMessage, error) {
	defer rows.Close()
	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.MessageID, &m.RoomID, &m.UserID, &m.Username,
			&m.Message, &m.MessageType, &m.ClientTimestamp, &m.ServerTimestamp,
			&m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// EnsurePartitions creates the monthly partitions for the current and next
// month if they do not exist yet.
func (r *Repository) EnsurePartitions(ctx context.Context) error {
	now := time.Now().UTC()
	for _, start := range []time.Time{monthStart(now), monthStart(now).AddDate(0, 1, 0)} {
		end := start.AddDate(0, 1, 0)
		name := fmt.Sprintf("chat_messages_%s", start.Format("2006_01"))
		sql := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s PARTITION OF chat_messages
			FOR VALUES FROM ('%s') TO ('%s')`,
			name, start.Format("2006-01-02"), end.Format("2006-01-02"))
		if _, err := r.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("ensure partition %s: %w", name, err)
		}
	}
	return nil
}

// RunPartitionManager keeps partitions ahead of the calendar: one pass at
// startup, then one per day until ctx is cancelled.
func (r *Repository) RunPartitionManager(ctx context.Context) {
	defer logging.RecoverPanic(r.logger, "partition-manager")

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		if err := r.EnsurePartitions(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Partition maintenance failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
