package state

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SettlementTotals are running per-instrument totals in settlement-asset
// native units.
type SettlementTotals struct {
	Collected *uint256.Int `json:"collected"`
	Paid      *uint256.Int `json:"paid"`
	BadDebt   *uint256.Int `json:"bad_debt"`
}

func NewSettlementTotals() SettlementTotals {
	return SettlementTotals{Collected: new(uint256.Int), Paid: new(uint256.Int), BadDebt: new(uint256.Int)}
}

func (t SettlementTotals) Clone() SettlementTotals {
	return SettlementTotals{Collected: t.Collected.Clone(), Paid: t.Paid.Clone(), BadDebt: t.BadDebt.Clone()}
}

// SettlementBook holds the one-shot settled flag per (instrument, trader) and
// the per-instrument totals. Records are created lazily and never reset.
type SettlementBook struct {
	settled map[PositionKey]struct{}
	totals  map[uint64]SettlementTotals
}

func NewSettlementBook() *SettlementBook {
	return &SettlementBook{
		settled: make(map[PositionKey]struct{}),
		totals:  make(map[uint64]SettlementTotals),
	}
}

func (sb *SettlementBook) IsSettled(instrumentID uint64, trader common.Address) bool {
	_, ok := sb.settled[PositionKey{Trader: trader, InstrumentID: instrumentID}]
	return ok
}

func (sb *SettlementBook) MarkSettled(instrumentID uint64, trader common.Address) {
	sb.settled[PositionKey{Trader: trader, InstrumentID: instrumentID}] = struct{}{}
}

// Unmark reverts MarkSettled. Only used by transaction rollback.
func (sb *SettlementBook) Unmark(instrumentID uint64, trader common.Address) {
	delete(sb.settled, PositionKey{Trader: trader, InstrumentID: instrumentID})
}

// Totals returns a copy of the instrument's totals, zero when never settled.
func (sb *SettlementBook) Totals(instrumentID uint64) SettlementTotals {
	t, ok := sb.totals[instrumentID]
	if !ok {
		return NewSettlementTotals()
	}
	return t.Clone()
}

// SetTotals replaces the instrument's totals.
func (sb *SettlementBook) SetTotals(instrumentID uint64, t SettlementTotals) {
	sb.totals[instrumentID] = t.Clone()
}

// SettledRecord is the serialisable form of one settled flag.
type SettledRecord struct {
	InstrumentID uint64         `json:"instrument_id"`
	Trader       common.Address `json:"trader"`
}

// Export returns every settled flag in deterministic order and a copy of all
// totals.
func (sb *SettlementBook) Export() ([]SettledRecord, map[uint64]SettlementTotals) {
	records := make([]SettledRecord, 0, len(sb.settled))
	for k := range sb.settled {
		records = append(records, SettledRecord{InstrumentID: k.InstrumentID, Trader: k.Trader})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].InstrumentID != records[j].InstrumentID {
			return records[i].InstrumentID < records[j].InstrumentID
		}
		return bytes.Compare(records[i].Trader[:], records[j].Trader[:]) < 0
	})

	totals := make(map[uint64]SettlementTotals, len(sb.totals))
	for id, t := range sb.totals {
		totals[id] = t.Clone()
	}
	return records, totals
}

// Load replaces all state.
func (sb *SettlementBook) Load(records []SettledRecord, totals map[uint64]SettlementTotals) {
	sb.settled = make(map[PositionKey]struct{}, len(records))
	for _, r := range records {
		sb.MarkSettled(r.InstrumentID, r.Trader)
	}
	sb.totals = make(map[uint64]SettlementTotals, len(totals))
	for id, t := range totals {
		sb.totals[id] = t.Clone()
	}
}
