package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"OptionsLedger/internal/core"
	"OptionsLedger/internal/event"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes committed events to event_log.events using
// multi-row INSERT.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a row in event_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	InstrumentID   *int64
	Payload        []byte // JSON-encoded event
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

const eventColumns = 8

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowFromOutput converts an engine output into its log row.
func RowFromOutput(out core.CoreOutput) EventRow {
	env := out.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}
	if env.InstrumentID != nil {
		id := int64(*env.InstrumentID)
		row.InstrumentID = &id
	}
	return row
}

// Envelope converts a stored row back into an envelope for replay.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      event.ParseEventType(r.EventType),
		Timestamp:      r.Timestamp,
		Payload:        r.Payload,
	}
	if env.EventType == event.EventTypeUnknown {
		return nil, fmt.Errorf("sequence %d: %w: %q", r.Sequence, event.ErrUnknownEventType, r.EventType)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("sequence %d: malformed hash columns", r.Sequence)
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	if r.InstrumentID != nil {
		id := uint64(*r.InstrumentID)
		env.InstrumentID = &id
	}
	return env, nil
}

// WriteEventBatch writes events through ex. Rewrites of an existing sequence
// are ignored.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(`INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, instrument_id, payload, state_hash, prev_hash, timestamp)
		VALUES `)

	args := make([]any, 0, len(events)*eventColumns)
	for i, e := range events {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * eventColumns
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)

		var key sql.NullString
		if e.IdempotencyKey != "" {
			key = sql.NullString{String: e.IdempotencyKey, Valid: true}
		}
		args = append(args,
			e.Sequence, e.EventType, key, e.InstrumentID,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp,
		)
	}
	b.WriteString(" ON CONFLICT (sequence) DO NOTHING")

	_, err := ex.ExecContext(ctx, b.String(), args...)
	return err
}
