package core

import (
	"context"
	"fmt"
	"time"

	"OptionsLedger/internal/observability"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier command deduplication: an in-memory
// LRU in front of the processed-commands table.
type IdempotencyChecker struct {
	lru       *lru.Cache[string, struct{}]
	dbChecker DBIdempotencyChecker
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

// DBIdempotencyChecker is the interface for the Postgres dedup tier.
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, command, idempotencyKey string) (bool, error)
	MarkProcessed(ctx context.Context, command, idempotencyKey string) error
}

func NewIdempotencyChecker(
	capacity int,
	dbChecker DBIdempotencyChecker,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) (*IdempotencyChecker, error) {
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("idempotency lru: %w", err)
	}
	return &IdempotencyChecker{
		lru:       cache,
		dbChecker: dbChecker,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

func compositeKey(command, key string) string {
	return command + ":" + key
}

// IsDuplicate checks both tiers. A tier-2 error is treated as "not seen":
// a database outage must not block command processing.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, command, key string) bool {
	ck := compositeKey(command, key)

	if ic.lru.Contains(ck) {
		ic.recordDuplicate(command, "lru")
		return true
	}

	if ic.dbChecker == nil {
		return false
	}

	start := time.Now()
	dup, err := ic.dbChecker.IsDuplicate(ctx, command, key)
	if ic.metrics != nil {
		ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		ic.logger.Warn().Err(err).Str("command", command).Msg("tier-2 dedup lookup failed")
		return false
	}
	if dup {
		ic.recordDuplicate(command, "postgres")
		ic.lru.Add(ck, struct{}{})
		return true
	}
	return false
}

// MarkProcessed records key in both tiers after a successful commit.
func (ic *IdempotencyChecker) MarkProcessed(ctx context.Context, command, key string) {
	ic.lru.Add(compositeKey(command, key), struct{}{})
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Len()))
	}
	if ic.dbChecker == nil {
		return
	}
	if err := ic.dbChecker.MarkProcessed(ctx, command, key); err != nil {
		ic.logger.Warn().Err(err).Str("command", command).Msg("tier-2 mark processed failed")
	}
}

// Warm loads composite keys into the LRU, e.g. from a snapshot.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, k := range keys {
		ic.lru.Add(k, struct{}{})
	}
}

// Keys returns the LRU contents, oldest first.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.Keys()
}

func (ic *IdempotencyChecker) recordDuplicate(command, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(command, tier).Inc()
	}
}
