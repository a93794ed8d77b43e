package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"OptionsLedger/internal/core"
	"OptionsLedger/internal/market"

	"github.com/ethereum/go-ethereum/common"
)

var ErrNoEventLog = errors.New("event log is not configured")

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// QueryService serves read-only views. Account and position reads come from
// engine memory; history and integrity reads come from the event log.
// Every response carries as_of_sequence, the last committed sequence.
type QueryService struct {
	engine    *core.Engine
	custodian market.Custodian
	assets    []common.Address
	db        *sql.DB
}

// NewQueryService builds the service. db may be nil, in which case event
// log reads return ErrNoEventLog.
func NewQueryService(engine *core.Engine, custodian market.Custodian, assets []common.Address, db *sql.DB) *QueryService {
	return &QueryService{
		engine:    engine,
		custodian: custodian,
		assets:    append([]common.Address(nil), assets...),
		db:        db,
	}
}

func (qs *QueryService) asOf(ctx context.Context) int64 {
	return qs.engine.Sequence(ctx) - 1
}

// GetAccount returns the margin view of trader.
func (qs *QueryService) GetAccount(ctx context.Context, trader common.Address) (*AccountResponse, error) {
	asOf := qs.asOf(ctx)
	st, err := qs.engine.AccountState(ctx, trader)
	if err != nil {
		return nil, err
	}
	liquidatable, err := qs.engine.IsLiquidatable(ctx, trader)
	if err != nil {
		return nil, err
	}
	return &AccountResponse{
		Trader:         trader,
		Assets:         st.Assets,
		Liabilities:    st.Liabilities,
		Equity:         st.Equity(),
		Maintenance:    st.Maintenance,
		Initial:        st.Initial,
		RatioBps:       st.RatioBps,
		ShortContracts: st.Shorts,
		IsLiquidatable: liquidatable,
		Nonce:          qs.engine.Nonce(ctx, trader),
		AsOfSequence:   asOf,
	}, nil
}

// GetPosition returns trader's position in one series.
func (qs *QueryService) GetPosition(ctx context.Context, trader common.Address, instrumentID uint64) PositionResponse {
	return PositionResponse{
		Trader:       trader,
		InstrumentID: instrumentID,
		Size:         qs.engine.Position(ctx, trader, instrumentID),
		Settled:      qs.engine.IsSettled(ctx, instrumentID, trader),
		AsOfSequence: qs.asOf(ctx),
	}
}

// ListOpenInstruments pages through trader's open series. NextOffset is
// zero on the last page.
func (qs *QueryService) ListOpenInstruments(ctx context.Context, trader common.Address, offset, limit int) OpenInstrumentsResponse {
	limit = pageSize(limit)
	if offset < 0 {
		offset = 0
	}
	resp := OpenInstrumentsResponse{Trader: trader, AsOfSequence: qs.asOf(ctx)}
	ids := qs.engine.OpenInstruments(ctx, trader, offset, limit)
	for _, id := range ids {
		resp.Positions = append(resp.Positions, PositionResponse{
			Trader:       trader,
			InstrumentID: id,
			Size:         qs.engine.Position(ctx, trader, id),
			AsOfSequence: resp.AsOfSequence,
		})
	}
	if len(ids) == limit {
		resp.NextOffset = offset + limit
	}
	return resp
}

// GetNonce returns trader's signed-order nonce.
func (qs *QueryService) GetNonce(ctx context.Context, trader common.Address) uint64 {
	return qs.engine.Nonce(ctx, trader)
}

// GetSettlementTotals returns the running settlement totals of a series.
func (qs *QueryService) GetSettlementTotals(ctx context.Context, instrumentID uint64) SettlementResponse {
	return SettlementResponse{
		InstrumentID: instrumentID,
		Totals:       qs.engine.SettlementTotals(ctx, instrumentID),
		AsOfSequence: qs.asOf(ctx),
	}
}

// ListEvents returns persisted events matching f, newest first.
func (qs *QueryService) ListEvents(ctx context.Context, f EventFilter) ([]EventRecord, error) {
	if qs.db == nil {
		return nil, ErrNoEventLog
	}

	var (
		where []string
		args  []any
	)
	arg := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.EventType != "" {
		arg("event_type = $%d", f.EventType)
	}
	if f.InstrumentID != nil {
		arg("instrument_id = $%d", int64(*f.InstrumentID))
	}
	if f.BeforeSequence > 0 {
		arg("sequence < $%d", f.BeforeSequence)
	}

	q := `SELECT sequence, event_type, COALESCE(idempotency_key, ''), instrument_id, payload, timestamp
		FROM event_log.events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, pageSize(f.Limit))
	q += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			r          EventRecord
			instrument sql.NullInt64
			payload    []byte
		)
		if err := rows.Scan(&r.Sequence, &r.EventType, &r.IdempotencyKey, &instrument, &payload, &r.Timestamp); err != nil {
			return nil, err
		}
		if instrument.Valid {
			id := uint64(instrument.Int64)
			r.InstrumentID = &id
		}
		r.Payload = payload
		out = append(out, r)
	}
	return out, rows.Err()
}

// VerifyIntegrity checks hash-chain continuity of the persisted log and the
// in-memory position invariants.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{EngineSequence: qs.asOf(ctx)}
	if err := qs.engine.CheckInvariants(ctx); err != nil {
		report.LedgerError = err.Error()
	}

	if qs.db != nil {
		rows, err := qs.db.QueryContext(ctx, `
			SELECT e1.sequence
			FROM event_log.events e1
			JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
			WHERE e1.prev_hash <> e2.state_hash
			ORDER BY e1.sequence
			LIMIT 10
		`)
		if err != nil {
			return nil, fmt.Errorf("verify chain: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				return nil, err
			}
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}

		var last sql.NullInt64
		if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&last); err != nil {
			return nil, fmt.Errorf("log sequence: %w", err)
		}
		report.LogSequence = last.Int64
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.LedgerError == ""
	return report, nil
}

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	return min(limit, maxPageSize)
}
