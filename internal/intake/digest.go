package intake

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var ErrInvalidSignature = errors.New("signature does not recover to the claimed signer")

const (
	orderTypeSignature       = "OptionOrder(address buyer,address seller,uint256 instrumentId,uint256 quantity,uint256 price,uint256 buyerNonce,uint256 sellerNonce,uint256 deadline)"
	cancelTypeSignature      = "NonceCancel(address trader,uint256 newNonce)"
	liquidationTypeSignature = "Liquidation(address liquidator,address trader,uint256[] instrumentIds,uint256[] quantities,uint256 nonce,uint256 deadline)"
)

var (
	orderTypeHash       = crypto.Keccak256Hash([]byte(orderTypeSignature))
	cancelTypeHash      = crypto.Keccak256Hash([]byte(cancelTypeSignature))
	liquidationTypeHash = crypto.Keccak256Hash([]byte(liquidationTypeSignature))

	orderArgs = arguments(
		"bytes32", "uint256", "address",
		"address", "address", "uint256", "uint256", "uint256", "uint256", "uint256", "uint256",
	)
	cancelArgs      = arguments("bytes32", "uint256", "address", "address", "uint256")
	liquidationArgs = arguments(
		"bytes32", "uint256", "address",
		"address", "address", "uint256[]", "uint256[]", "uint256", "uint256",
	)
)

func arguments(types ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(types))
	for _, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(fmt.Sprintf("abi type %s: %v", t, err))
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args
}

// OrderTerms is the trade both counterparties sign. Price is in
// settlement-asset native units per contract. A zero Deadline never expires.
type OrderTerms struct {
	Buyer        common.Address `json:"buyer"`
	Seller       common.Address `json:"seller"`
	InstrumentID uint64         `json:"instrument_id"`
	Quantity     uint64         `json:"quantity"`
	Price        *uint256.Int   `json:"price"`
	BuyerNonce   uint64         `json:"buyer_nonce"`
	SellerNonce  uint64         `json:"seller_nonce"`
	Deadline     int64          `json:"deadline"`
}

// SignedOrder carries the terms and one 65-byte signature per side.
type SignedOrder struct {
	Terms     OrderTerms    `json:"terms"`
	BuyerSig  hexutil.Bytes `json:"buyer_signature"`
	SellerSig hexutil.Bytes `json:"seller_signature"`
}

// SignedCancel is a trader's signed request to move its nonce to NewNonce.
type SignedCancel struct {
	Trader    common.Address `json:"trader"`
	NewNonce  uint64         `json:"new_nonce"`
	Signature hexutil.Bytes  `json:"signature"`
}

// LiquidationTerms is what a liquidator signs: the account, the candidate
// series with their requested quantities, and the liquidator's current nonce.
type LiquidationTerms struct {
	Liquidator    common.Address `json:"liquidator"`
	Trader        common.Address `json:"trader"`
	InstrumentIDs []uint64       `json:"instrument_ids"`
	Quantities    []uint64       `json:"quantities"`
	Nonce         uint64         `json:"nonce"`
	Deadline      int64          `json:"deadline"`
}

type SignedLiquidation struct {
	Terms     LiquidationTerms `json:"terms"`
	Signature hexutil.Bytes    `json:"signature"`
}

// Domain binds digests to one chain and one verifying deployment so a
// signature cannot be replayed against another venue.
type Domain struct {
	ChainID  *big.Int
	Verifier common.Address
}

// OrderDigest is keccak256(abi.encode(typeHash, chainId, verifier, terms...)).
func (d Domain) OrderDigest(t OrderTerms) (common.Hash, error) {
	if t.Price == nil {
		return common.Hash{}, errors.New("order digest: nil price")
	}
	if t.Deadline < 0 {
		return common.Hash{}, errors.New("order digest: negative deadline")
	}
	packed, err := orderArgs.Pack(
		[32]byte(orderTypeHash),
		d.chainID(),
		d.Verifier,
		t.Buyer,
		t.Seller,
		new(big.Int).SetUint64(t.InstrumentID),
		new(big.Int).SetUint64(t.Quantity),
		t.Price.ToBig(),
		new(big.Int).SetUint64(t.BuyerNonce),
		new(big.Int).SetUint64(t.SellerNonce),
		big.NewInt(t.Deadline),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("order digest: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// CancelDigest is keccak256(abi.encode(typeHash, chainId, verifier, trader, newNonce)).
func (d Domain) CancelDigest(trader common.Address, newNonce uint64) (common.Hash, error) {
	packed, err := cancelArgs.Pack(
		[32]byte(cancelTypeHash),
		d.chainID(),
		d.Verifier,
		trader,
		new(big.Int).SetUint64(newNonce),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("cancel digest: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// LiquidationDigest is keccak256(abi.encode(typeHash, chainId, verifier, terms...)).
func (d Domain) LiquidationDigest(t LiquidationTerms) (common.Hash, error) {
	if t.Deadline < 0 {
		return common.Hash{}, errors.New("liquidation digest: negative deadline")
	}
	packed, err := liquidationArgs.Pack(
		[32]byte(liquidationTypeHash),
		d.chainID(),
		d.Verifier,
		t.Liquidator,
		t.Trader,
		bigs(t.InstrumentIDs),
		bigs(t.Quantities),
		new(big.Int).SetUint64(t.Nonce),
		big.NewInt(t.Deadline),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("liquidation digest: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

func bigs(vs []uint64) []*big.Int {
	out := make([]*big.Int, len(vs))
	for i, v := range vs {
		out[i] = new(big.Int).SetUint64(v)
	}
	return out
}

func (d Domain) chainID() *big.Int {
	if d.ChainID == nil {
		return new(big.Int)
	}
	return d.ChainID
}

// Sign produces one side's signature over the order digest.
func (d Domain) Sign(t OrderTerms, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := d.OrderDigest(t)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(digest.Bytes(), key)
}

// SignCancel produces a trader's signature over a cancellation.
func (d Domain) SignCancel(trader common.Address, newNonce uint64, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := d.CancelDigest(trader, newNonce)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(digest.Bytes(), key)
}

// SignLiquidation produces a liquidator's signature over the terms.
func (d Domain) SignLiquidation(t LiquidationTerms, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := d.LiquidationDigest(t)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(digest.Bytes(), key)
}

// Recover returns the address that produced sig over digest. v may be 0/1
// or 27/28; high-s signatures are rejected.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	v := normalized[crypto.RecoveryIDOffset]
	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, fmt.Errorf("%w: malformed values", ErrInvalidSignature)
	}

	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// verify fails unless sig over digest recovers to signer.
func verify(digest common.Hash, sig []byte, signer common.Address) error {
	got, err := Recover(digest, sig)
	if err != nil {
		return err
	}
	if got != signer {
		return fmt.Errorf("%w: recovered %s, want %s", ErrInvalidSignature, got.Hex(), signer.Hex())
	}
	return nil
}
