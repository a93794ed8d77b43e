package core

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"OptionsLedger/internal/event"
)

const GenesisHashSeed = "OptionsLedger:genesis:v1"

// GenesisHash is the chain tip before the first committed event.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// StateHasher chains committed event payloads:
// hash[N] = SHA-256(hash[N-1] || sequence LE || payload).
type StateHasher struct {
	tip [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: GenesisHash()}
}

// ComputeHash links payload at sequence onto the chain and advances the tip.
func (h *StateHasher) ComputeHash(sequence int64, payload []byte) [32]byte {
	h.tip = link(h.tip, sequence, payload)
	return h.tip
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.tip
}

// SetPrevHash resumes the chain from a snapshot tip.
func (h *StateHasher) SetPrevHash(tip [32]byte) {
	h.tip = tip
}

func link(prev [32]byte, sequence int64, payload []byte) [32]byte {
	buf := make([]byte, 0, 32+8+len(payload))
	buf = append(buf, prev[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(sequence))
	buf = append(buf, payload...)
	return sha256.Sum256(buf)
}

// VerifyChain checks that envelopes form an unbroken chain starting at from.
func VerifyChain(from [32]byte, envelopes []*event.EventEnvelope) error {
	prev := from
	for _, env := range envelopes {
		if env.PrevHash != prev {
			return fmt.Errorf("sequence %d: prev hash does not match chain tip", env.Sequence)
		}
		if link(prev, env.Sequence, env.Payload) != env.StateHash {
			return fmt.Errorf("sequence %d: state hash mismatch", env.Sequence)
		}
		prev = env.StateHash
	}
	return nil
}
