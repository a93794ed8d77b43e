package state

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// PositionKey identifies a (trader, instrument) position.
type PositionKey struct {
	Trader       common.Address
	InstrumentID uint64
}

// Position is a signed contract count: positive long, negative short.
type Position struct {
	Trader       common.Address `json:"trader"`
	InstrumentID uint64         `json:"instrument_id"`
	Quantity     int64          `json:"quantity"`
}

// IsFlat returns true if position has no exposure
func (p *Position) IsFlat() bool {
	return p.Quantity == 0
}

// IsShort returns true for a net short position
func (p *Position) IsShort() bool {
	return p.Quantity < 0
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, common.AddressLength+16)

	// trader (20 bytes)
	buf = append(buf, p.Trader.Bytes()...)

	// instrument_id (8 bytes LE)
	buf = binary.LittleEndian.AppendUint64(buf, p.InstrumentID)

	// quantity (8 bytes LE)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Quantity))

	return buf
}
