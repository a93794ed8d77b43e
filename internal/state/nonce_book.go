package state

import (
	"github.com/ethereum/go-ethereum/common"
)

// NonceBook holds each trader's signed-order nonce. Nonces start at zero and
// only move forward; the engine enforces direction, the book only stores.
type NonceBook struct {
	nonces map[common.Address]uint64
}

func NewNonceBook() *NonceBook {
	return &NonceBook{nonces: make(map[common.Address]uint64)}
}

func (nb *NonceBook) Get(trader common.Address) uint64 {
	return nb.nonces[trader]
}

func (nb *NonceBook) Set(trader common.Address, nonce uint64) {
	if nonce == 0 {
		delete(nb.nonces, trader)
		return
	}
	nb.nonces[trader] = nonce
}

// Export returns a copy of all nonzero nonces.
func (nb *NonceBook) Export() map[common.Address]uint64 {
	out := make(map[common.Address]uint64, len(nb.nonces))
	for k, v := range nb.nonces {
		out[k] = v
	}
	return out
}

// Load replaces all state.
func (nb *NonceBook) Load(nonces map[common.Address]uint64) {
	nb.nonces = make(map[common.Address]uint64, len(nonces))
	for k, v := range nonces {
		nb.Set(k, v)
	}
}
