package state

import (
	"bytes"
	"errors"
	"fmt"
	stdmath "math"
	"sort"

	fpmath "OptionsLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrReservedPositionValue = errors.New("position would equal reserved minimum value")
	ErrPositionOverflow      = errors.New("position arithmetic overflow")
	ErrShortCounterOverflow  = errors.New("aggregate short counter overflow")
)

// PositionManager is the position ledger: signed exposure per (trader,
// instrument), each trader's open-instrument index and aggregate short
// exposure. Callers are responsible for serialization.
type PositionManager struct {
	positions map[PositionKey]int64
	open      map[common.Address]*OpenIndex
	shorts    map[common.Address]uint64
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions: make(map[PositionKey]int64),
		open:      make(map[common.Address]*OpenIndex),
		shorts:    make(map[common.Address]uint64),
	}
}

// Position returns the signed quantity held by trader in instrument.
func (pm *PositionManager) Position(trader common.Address, instrumentID uint64) int64 {
	return pm.positions[PositionKey{Trader: trader, InstrumentID: instrumentID}]
}

// ShortExposure returns the sum of |q| over trader's negative positions.
func (pm *PositionManager) ShortExposure(trader common.Address) uint64 {
	return pm.shorts[trader]
}

// ShortOn returns the short contract count trader holds on instrument.
func (pm *PositionManager) ShortOn(trader common.Address, instrumentID uint64) uint64 {
	q := pm.Position(trader, instrumentID)
	if q >= 0 {
		return 0
	}
	return fpmath.AbsInt64(q)
}

// OpenInstruments returns every instrument in which trader is non-flat.
func (pm *PositionManager) OpenInstruments(trader common.Address) []uint64 {
	ix, ok := pm.open[trader]
	if !ok {
		return []uint64{}
	}
	return ix.Items()
}

// OpenInstrumentsPage returns a slice of trader's open instruments.
func (pm *PositionManager) OpenInstrumentsPage(trader common.Address, offset, limit int) []uint64 {
	ix, ok := pm.open[trader]
	if !ok {
		return []uint64{}
	}
	return ix.Page(offset, limit)
}

// OpenCount returns the size of trader's open-instrument index.
func (pm *PositionManager) OpenCount(trader common.Address) int {
	if ix, ok := pm.open[trader]; ok {
		return ix.Len()
	}
	return 0
}

// ApplyDelta adds delta to the position and returns the values before and
// after. On error nothing is modified.
func (pm *PositionManager) ApplyDelta(trader common.Address, instrumentID uint64, delta int64) (prev, next int64, err error) {
	key := PositionKey{Trader: trader, InstrumentID: instrumentID}
	prev = pm.positions[key]
	if delta == 0 {
		return prev, prev, nil
	}

	next, err = fpmath.AddInt64(prev, delta)
	if err != nil {
		return prev, prev, fmt.Errorf("%w: %d%+d", ErrPositionOverflow, prev, delta)
	}
	if err := pm.set(key, prev, next); err != nil {
		return prev, prev, err
	}
	return prev, next, nil
}

// Restore sets a position to an absolute quantity, keeping the index and the
// short counter consistent. Used to undo ApplyDelta.
func (pm *PositionManager) Restore(trader common.Address, instrumentID uint64, qty int64) error {
	key := PositionKey{Trader: trader, InstrumentID: instrumentID}
	return pm.set(key, pm.positions[key], qty)
}

func (pm *PositionManager) set(key PositionKey, prev, next int64) error {
	if next == stdmath.MinInt64 {
		return ErrReservedPositionValue
	}

	shorts := pm.shorts[key.Trader]
	if prev < 0 {
		shorts -= fpmath.AbsInt64(prev)
	}
	if next < 0 {
		var err error
		shorts, err = fpmath.AddUint64(shorts, fpmath.AbsInt64(next))
		if err != nil {
			return ErrShortCounterOverflow
		}
	}

	if next == 0 {
		delete(pm.positions, key)
	} else {
		pm.positions[key] = next
	}

	if shorts == 0 {
		delete(pm.shorts, key.Trader)
	} else {
		pm.shorts[key.Trader] = shorts
	}

	switch {
	case prev == 0 && next != 0:
		ix, ok := pm.open[key.Trader]
		if !ok {
			ix = NewOpenIndex()
			pm.open[key.Trader] = ix
		}
		ix.Add(key.InstrumentID)
	case prev != 0 && next == 0:
		if ix, ok := pm.open[key.Trader]; ok {
			ix.Remove(key.InstrumentID)
			if ix.Len() == 0 {
				delete(pm.open, key.Trader)
			}
		}
	}

	return nil
}

// Traders returns every trader with at least one open position, sorted.
func (pm *PositionManager) Traders() []common.Address {
	out := make([]common.Address, 0, len(pm.open))
	for t := range pm.open {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Positions returns all non-flat positions in deterministic order.
func (pm *PositionManager) Positions() []Position {
	out := make([]Position, 0, len(pm.positions))
	for k, q := range pm.positions {
		out = append(out, Position{Trader: k.Trader, InstrumentID: k.InstrumentID, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Trader[:], out[j].Trader[:]); c != 0 {
			return c < 0
		}
		return out[i].InstrumentID < out[j].InstrumentID
	})
	return out
}

// Load replaces all state with the given positions.
func (pm *PositionManager) Load(positions []Position) error {
	pm.positions = make(map[PositionKey]int64)
	pm.open = make(map[common.Address]*OpenIndex)
	pm.shorts = make(map[common.Address]uint64)

	for _, p := range positions {
		if _, _, err := pm.ApplyDelta(p.Trader, p.InstrumentID, p.Quantity); err != nil {
			return fmt.Errorf("load position %s/%d: %w", p.Trader.Hex(), p.InstrumentID, err)
		}
	}
	return nil
}

// CheckInvariants verifies that every non-flat position is indexed, every
// indexed instrument is non-flat, and short counters equal the sum of short
// magnitudes.
func (pm *PositionManager) CheckInvariants() error {
	sums := make(map[common.Address]uint64)
	for k, q := range pm.positions {
		if q == 0 {
			return fmt.Errorf("flat position stored for %s/%d", k.Trader.Hex(), k.InstrumentID)
		}
		if q == stdmath.MinInt64 {
			return fmt.Errorf("reserved value stored for %s/%d", k.Trader.Hex(), k.InstrumentID)
		}
		ix, ok := pm.open[k.Trader]
		if !ok || !ix.Contains(k.InstrumentID) {
			return fmt.Errorf("position %s/%d missing from open index", k.Trader.Hex(), k.InstrumentID)
		}
		if q < 0 {
			sums[k.Trader] += fpmath.AbsInt64(q)
		}
	}

	for trader, ix := range pm.open {
		for _, id := range ix.Items() {
			if pm.positions[PositionKey{Trader: trader, InstrumentID: id}] == 0 {
				return fmt.Errorf("open index of %s lists flat instrument %d", trader.Hex(), id)
			}
		}
	}

	for trader, s := range pm.shorts {
		if sums[trader] != s {
			return fmt.Errorf("short counter of %s is %d, positions sum to %d", trader.Hex(), s, sums[trader])
		}
	}
	for trader, s := range sums {
		if pm.shorts[trader] != s {
			return fmt.Errorf("short counter of %s is %d, positions sum to %d", trader.Hex(), pm.shorts[trader], s)
		}
	}

	return nil
}
