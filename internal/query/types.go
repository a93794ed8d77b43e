package query

import (
	"encoding/json"
	"time"

	"OptionsLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccountResponse is the margin view of one trader. Amounts are base-asset
// native units, ratios in basis points.
type AccountResponse struct {
	Trader         common.Address `json:"trader"`
	Assets         *uint256.Int   `json:"assets"`
	Liabilities    *uint256.Int   `json:"liabilities"`
	Equity         *uint256.Int   `json:"equity"`
	Maintenance    *uint256.Int   `json:"maintenance"`
	Initial        *uint256.Int   `json:"initial"`
	RatioBps       *uint256.Int   `json:"ratio_bps"`
	ShortContracts uint64         `json:"short_contracts"`
	IsLiquidatable bool           `json:"is_liquidatable"`
	Nonce          uint64         `json:"nonce"`
	AsOfSequence   int64          `json:"as_of_sequence"`
}

// PositionResponse is a signed position in one series.
type PositionResponse struct {
	Trader       common.Address `json:"trader"`
	InstrumentID uint64         `json:"instrument_id"`
	Size         int64          `json:"size"`
	Settled      bool           `json:"settled"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// OpenInstrumentsResponse is one page of a trader's open series.
type OpenInstrumentsResponse struct {
	Trader       common.Address     `json:"trader"`
	Positions    []PositionResponse `json:"positions"`
	NextOffset   int                `json:"next_offset,omitempty"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

// SettlementResponse is the running settlement result of one series.
type SettlementResponse struct {
	InstrumentID uint64                 `json:"instrument_id"`
	Totals       state.SettlementTotals `json:"totals"`
	AsOfSequence int64                  `json:"as_of_sequence"`
}

// EventRecord is one persisted event.
type EventRecord struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	InstrumentID   *uint64         `json:"instrument_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
}

// EventFilter selects events for ListEvents. Results are newest first;
// BeforeSequence is the pagination cursor.
type EventFilter struct {
	EventType      string
	InstrumentID   *uint64
	BeforeSequence int64
	Limit          int
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	LedgerError     string  `json:"ledger_error,omitempty"`
	EngineSequence  int64   `json:"engine_sequence"`
	LogSequence     int64   `json:"log_sequence"`
}
