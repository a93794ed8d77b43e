package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"OptionsLedger/internal/core"
	"OptionsLedger/internal/event"
	"OptionsLedger/internal/observability"

	"github.com/google/uuid"
)

// snapshotFormatVersion 1 is JSON-encoded core.SnapshotState.
const snapshotFormatVersion = 1

// SnapshotManager saves and loads engine snapshots and reads the event log
// back for recovery.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics}
}

// SaveSnapshot persists snap unverified. It becomes loadable once
// VerifyPending matches it against the event log.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) error {
	start := time.Now()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash[:], snapshotFormatVersion, len(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sm.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		sm.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return nil
}

// VerifyPending marks unverified snapshots whose hash equals the persisted
// event at the same sequence. Snapshots ahead of the event log stay pending.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s SET verified = TRUE
		FROM event_log.events e
		WHERE s.verified = FALSE
		  AND e.sequence = s.sequence
		  AND e.state_hash = s.state_hash
	`)
	if err != nil {
		return 0, fmt.Errorf("verify snapshots: %w", err)
	}
	return res.RowsAffected()
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	var (
		data    []byte
		version int32
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("load snapshot: unsupported format version %d", version)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadEventsFrom loads up to limit envelopes starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, COALESCE(idempotency_key, ''), instrument_id,
		       payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("load events from %d: %w", fromSequence, err)
	}
	defer rows.Close()

	var envelopes []*event.EventEnvelope
	for rows.Next() {
		var (
			r          EventRow
			instrument sql.NullInt64
		)
		if err := rows.Scan(
			&r.Sequence, &r.EventType, &r.IdempotencyKey, &instrument,
			&r.Payload, &r.StateHash, &r.PrevHash, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		if instrument.Valid {
			r.InstrumentID = &instrument.Int64
		}
		env, err := r.Envelope()
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, rows.Err()
}

// GetLatestSequence returns the highest persisted sequence, 0 when empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// Recover restores eng from the latest verified snapshot and replays the
// event log after it, page by page.
func (sm *SnapshotManager) Recover(ctx context.Context, eng *core.Engine, pageSize int) (int64, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	from := int64(1)
	if snap != nil {
		if err := eng.RestoreFromSnapshot(ctx, snap); err != nil {
			return 0, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		from = snap.Sequence + 1
	}

	var replayed int64
	for {
		page, err := sm.LoadEventsFrom(ctx, from, pageSize)
		if err != nil {
			return replayed, err
		}
		if len(page) == 0 {
			return replayed, nil
		}
		n, err := eng.Replay(ctx, page)
		replayed += int64(n)
		if err != nil {
			return replayed, err
		}
		from = page[len(page)-1].Sequence + 1
	}
}
