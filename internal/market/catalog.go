package market

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

// Catalog is an in-memory InstrumentCatalog.
type Catalog struct {
	mu          sync.RWMutex
	instruments map[uint64]*Instrument
	finalPrices map[uint64]*uint256.Int
}

func NewCatalog() *Catalog {
	return &Catalog{
		instruments: make(map[uint64]*Instrument),
		finalPrices: make(map[uint64]*uint256.Int),
	}
}

// List adds a new series.
func (c *Catalog) List(inst *Instrument) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.instruments[inst.ID]; ok {
		return fmt.Errorf("%w: %d", ErrInstrumentExists, inst.ID)
	}
	c.instruments[inst.ID] = inst.Clone()
	return nil
}

// SetActive toggles the administrative active flag of a series.
func (c *Catalog) SetActive(id uint64, active bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inst, ok := c.instruments[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInstrumentNotFound, id)
	}
	inst.IsActive = active
	return nil
}

// Finalize records the settlement price of a series. A price is final once set.
func (c *Catalog) Finalize(id uint64, price *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.instruments[id]; !ok {
		return fmt.Errorf("%w: %d", ErrInstrumentNotFound, id)
	}
	if _, ok := c.finalPrices[id]; ok {
		return fmt.Errorf("%w: %d", ErrAlreadyFinalized, id)
	}
	c.finalPrices[id] = price.Clone()
	return nil
}

func (c *Catalog) Instrument(_ context.Context, id uint64) (*Instrument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	inst, ok := c.instruments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInstrumentNotFound, id)
	}
	return inst.Clone(), nil
}

func (c *Catalog) SettlementInfo(_ context.Context, id uint64) (*uint256.Int, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.instruments[id]; !ok {
		return nil, false, fmt.Errorf("%w: %d", ErrInstrumentNotFound, id)
	}
	price, ok := c.finalPrices[id]
	if !ok {
		return new(uint256.Int), false, nil
	}
	return price.Clone(), true, nil
}
