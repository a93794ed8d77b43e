package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker is the tier-2 dedup store behind
// core.IdempotencyChecker, backed by event_log.processed_commands.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB, timeout time.Duration) *PostgresIdempotencyChecker {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &PostgresIdempotencyChecker{db: db, timeout: timeout}
}

func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, command, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.processed_commands
		WHERE command = $1 AND idempotency_key = $2
		LIMIT 1
	`, command, idempotencyKey).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (pic *PostgresIdempotencyChecker) MarkProcessed(ctx context.Context, command, idempotencyKey string) error {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	_, err := pic.db.ExecContext(ctx, `
		INSERT INTO event_log.processed_commands (command, idempotency_key, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (command, idempotency_key) DO NOTHING
	`, command, idempotencyKey)
	return err
}
