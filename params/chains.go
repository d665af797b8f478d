// Package params holds the protocol constants of the gas refund program:
// the closed set of supported chains, the epoch clock, the budget caps and
// the epoch-gated feature activation config.
package params

// ChainID identifies an EVM network supported by the refund program.
type ChainID uint64

// Supported networks. The set is closed: refunds are only computed for
// chains listed here.
const (
	MainnetChainID   ChainID = 1
	BSCChainID       ChainID = 56
	PolygonChainID   ChainID = 137
	FantomChainID    ChainID = 250
	AvalancheChainID ChainID = 43114
)

// supportedChains is the canonical iteration order for per-chain work.
var supportedChains = []ChainID{
	MainnetChainID,
	BSCChainID,
	PolygonChainID,
	FantomChainID,
	AvalancheChainID,
}

// SupportedChains returns the closed set of refund-eligible chains in
// canonical order. The returned slice is a copy.
func SupportedChains() []ChainID {
	out := make([]ChainID, len(supportedChains))
	copy(out, supportedChains)
	return out
}

// IsSupportedChain reports whether id belongs to the refund program.
func IsSupportedChain(id ChainID) bool {
	for _, c := range supportedChains {
		if c == id {
			return true
		}
	}
	return false
}

// String returns the conventional network name.
func (c ChainID) String() string {
	switch c {
	case MainnetChainID:
		return "mainnet"
	case BSCChainID:
		return "bsc"
	case PolygonChainID:
		return "polygon"
	case FantomChainID:
		return "fantom"
	case AvalancheChainID:
		return "avalanche"
	default:
		return "unknown"
	}
}
