package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	fpmath "OptionsLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type pair struct {
	base, quote common.Address
}

type quote struct {
	price     *uint256.Int
	updatedAt int64
}

// PriceBoard is an in-memory Oracle fed by price update commands.
type PriceBoard struct {
	mu     sync.RWMutex
	prices map[pair]quote
}

func NewPriceBoard() *PriceBoard {
	return &PriceBoard{prices: make(map[pair]quote)}
}

// Set records a price for base/quote. Older updates than the stored one are
// ignored so redelivered feed messages cannot move the price backwards.
func (pb *PriceBoard) Set(base, quoteAsset common.Address, price *uint256.Int, updatedAt int64) bool {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	k := pair{base, quoteAsset}
	if cur, ok := pb.prices[k]; ok && cur.updatedAt > updatedAt {
		return false
	}
	pb.prices[k] = quote{price: price.Clone(), updatedAt: updatedAt}
	return true
}

func (pb *PriceBoard) Price(_ context.Context, base, quoteAsset common.Address) (*uint256.Int, int64, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	q, ok := pb.prices[pair{base, quoteAsset}]
	if !ok {
		return new(uint256.Int), 0, nil
	}
	return q.price.Clone(), q.updatedAt, nil
}

// FreshPrice reads base/quote from the oracle and fails closed when the
// reading is missing, zero or older than maxAge. A zero maxAge disables the
// age check. Identical assets price at exactly 1.
func FreshPrice(
	ctx context.Context,
	oracle Oracle,
	base, quoteAsset common.Address,
	now time.Time,
	maxAge time.Duration,
) (*uint256.Int, error) {
	if base == quoteAsset {
		return fpmath.PriceScale(), nil
	}

	price, updatedAt, err := oracle.Price(ctx, base, quoteAsset)
	if err != nil {
		return nil, fmt.Errorf("oracle %s/%s: %w", base.Hex(), quoteAsset.Hex(), err)
	}
	if price == nil || price.IsZero() || updatedAt == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrPriceUnavailable, base.Hex(), quoteAsset.Hex())
	}
	if maxAge > 0 {
		age := now.Unix() - updatedAt
		if age > int64(maxAge/time.Second) {
			return nil, fmt.Errorf("%w: %s/%s age=%ds max=%s", ErrStalePrice, base.Hex(), quoteAsset.Hex(), age, maxAge)
		}
	}
	return price, nil
}
