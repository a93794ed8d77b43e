package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator builds journal batches for custody movements.
type JournalGenerator struct {
	now func() int64
}

func NewJournalGenerator(now func() int64) *JournalGenerator {
	return &JournalGenerator{now: now}
}

// GenerateDeposit moves amount from the asset boundary into owner's account.
func (jg *JournalGenerator) GenerateDeposit(owner, asset common.Address, amount *uint256.Int) *Batch {
	return jg.single(
		NewUserAccountKey(owner, asset),
		NewExternalAccountKey(asset),
		asset, amount, JournalTypeDeposit,
	)
}

// GenerateWithdrawal moves amount out of owner's account across the boundary.
func (jg *JournalGenerator) GenerateWithdrawal(owner, asset common.Address, amount *uint256.Int) *Batch {
	return jg.single(
		NewExternalAccountKey(asset),
		NewUserAccountKey(owner, asset),
		asset, amount, JournalTypeWithdrawal,
	)
}

// GenerateTransfer moves amount between two custodied accounts.
func (jg *JournalGenerator) GenerateTransfer(from, to, asset common.Address, amount *uint256.Int) *Batch {
	return jg.single(
		NewUserAccountKey(to, asset),
		NewUserAccountKey(from, asset),
		asset, amount, JournalTypeTransfer,
	)
}

func (jg *JournalGenerator) single(
	debit, credit AccountKey,
	asset common.Address,
	amount *uint256.Int,
	jt JournalType,
) *Batch {
	batchID := uuid.New()
	ts := jg.now()
	return &Batch{
		BatchID:   batchID,
		Timestamp: ts,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  debit,
			CreditAccount: credit,
			Asset:         asset,
			Amount:        amount.Clone(),
			JournalType:   jt,
			Timestamp:     ts,
		}},
	}
}
