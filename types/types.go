// Package types defines the domain records of the gas refund pipeline:
// raw swaps from the subgraph, staged refund transactions, price points,
// and the sealed participation/distribution rows users claim against.
package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gasrefund/gasrefund/params"
)

// Swap is one successful aggregator swap as reported by the subgraph.
type Swap struct {
	TxHash      common.Hash
	BlockHash   common.Hash
	TxOrigin    common.Address
	Initiator   common.Address
	TxGasPrice  *big.Int // wei
	BlockNumber uint64
	Timestamp   uint64 // unix seconds
	ChainID     params.ChainID
}

// TxStatus is the lifecycle state of a staged refund transaction.
type TxStatus int

const (
	StatusIdle      TxStatus = iota // staged by ingestion, not yet classified
	StatusValidated                 // counted against the budgets, claimable
	StatusRejected                  // budget exhausted when its turn came
)

// String returns the persisted status name.
func (s TxStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusValidated:
		return "validated"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// TxKey uniquely identifies a refund transaction: tx hashes are unique per
// chain only.
type TxKey struct {
	ChainID params.ChainID
	Hash    common.Hash
}

// GasRefundTransaction is the persisted per-swap refund record. Monetary
// fields are decimal strings in the persisted shape: PSP amounts are
// integer wei strings, USD amounts and rates keep their decimal places.
type GasRefundTransaction struct {
	ID          uint64
	ChainID     params.ChainID
	Epoch       uint64
	Hash        common.Hash
	Address     common.Address // refund recipient (tx origin)
	Timestamp   uint64
	BlockNumber uint64

	GasUsed              uint64
	GasUsedChainCurrency string // gasUsed * gasPrice, wei integer string
	PSPChainCurrency     string // native-per-PSP rate at tx time, decimal
	PSPUSD               string // USD per whole PSP at tx time, decimal
	ChainCurrencyUSD     string // USD per whole native token, decimal
	TotalStakeAmountPSP  string // staked PSP wei integer string

	RefundedAmountPSP string // integer wei string, decimals truncated
	RefundedAmountUSD string // full-precision decimal string

	Status TxStatus
}

// Key returns the (chain, hash) identity of the transaction.
func (tx *GasRefundTransaction) Key() TxKey {
	return TxKey{ChainID: tx.ChainID, Hash: tx.Hash}
}

// RefundedPSP parses RefundedAmountPSP as wei.
func (tx *GasRefundTransaction) RefundedPSP() (*big.Int, error) {
	return ParseInt(tx.RefundedAmountPSP)
}

// RefundedUSD parses RefundedAmountUSD as an exact rational.
func (tx *GasRefundTransaction) RefundedUSD() (*big.Rat, error) {
	return ParseRat(tx.RefundedAmountUSD)
}

// StakePSP parses TotalStakeAmountPSP as wei.
func (tx *GasRefundTransaction) StakePSP() (*big.Int, error) {
	return ParseInt(tx.TotalStakeAmountPSP)
}

// PricePoint is one daily oracle observation. Rates are exact rationals;
// USD prices are per whole token (10^18 wei).
type PricePoint struct {
	Timestamp       uint64
	PSPPriceUSD     *big.Rat
	ChainPriceUSD   *big.Rat
	PSPToNativeRate *big.Rat // native wei per PSP wei
}

// Participation is the per-(chain, epoch, address) aggregated entitlement
// with its merkle proof path. IsCompleted flips only when the epoch's root
// is sealed.
type Participation struct {
	ChainID      params.ChainID
	Epoch        uint64
	Address      common.Address
	AmountPSP    string   // Σ refundedAmountPSP over validated rows, wei string
	MerkleProofs []string // 0x-prefixed sibling hashes, leaf to root
	IsCompleted  bool
}

// Distribution is the sealed per-(chain, epoch) merkle root published
// on-chain.
type Distribution struct {
	ChainID                params.ChainID
	Epoch                  uint64
	MerkleRoot             common.Hash
	TotalPSPAmountToRefund string // wei integer string
	IsCompleted            bool
}
