package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gasrefund/gasrefund/params"
)

// Config is the resolved command-line configuration.
type Config struct {
	Chains            []params.ChainID
	SubgraphEndpoints map[params.ChainID]string
	RPCEndpoints      map[params.ChainID]string
	OracleURL         string
	APIAddr           string
	Interval          time.Duration
	Verbosity         string

	StakeChain   params.ChainID
	SPSPPools    []common.Address
	SafetyModule common.Address

	// Activation overrides, defaulting to the production schedule.
	Refund *params.RefundConfig
}

// parseFlags parses args into a Config. The second return value asks the
// caller to exit with the given code (help, version, usage errors).
func parseFlags(args []string) (*Config, bool, int) {
	fs := flag.NewFlagSet("gasrefundd", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	refund := params.DefaultRefundConfig()
	cfg := &Config{Refund: refund}

	var (
		chains      = fs.String("chains", joinChains(params.SupportedChains()), "comma-separated chain ids to index")
		subgraphs   = fs.String("subgraph", "", "swaps subgraph endpoints, chainId=url pairs, comma-separated")
		rpcs        = fs.String("rpc", "", "JSON-RPC endpoints, chainId=url pairs, comma-separated")
		oracleURL   = fs.String("oracle.url", "", "price oracle base URL")
		apiAddr     = fs.String("api.addr", ":8547", "read API listen address")
		interval    = fs.Duration("interval", time.Hour, "delay between scheduling rounds")
		verbosity   = fs.String("verbosity", "info", "log level: debug, info, warn, error")
		stakeChain  = fs.Uint64("stake.chain", uint64(params.MainnetChainID), "chain hosting the staking contracts")
		spspPools   = fs.String("stake.pools", "", "SPSP pool token addresses, comma-separated")
		smPool      = fs.String("stake.safetymodule", "", "Safety Module share token address")
		showVersion = fs.Bool("version", false, "print version and exit")
	)
	fs.Uint64Var(&refund.Clock.GenesisEpoch, "genesis.epoch", refund.Clock.GenesisEpoch, "first epoch of the program")
	fs.Uint64Var(&refund.Clock.GenesisTime, "genesis.time", refund.Clock.GenesisTime, "unix start of the first epoch")
	fs.Uint64Var(&refund.SafetyModuleEpoch, "epoch.safetymodule", refund.SafetyModuleEpoch, "Safety Module stake activation epoch")
	fs.Uint64Var(&refund.PrecisionGlitchEpoch, "epoch.precisionglitch", refund.PrecisionGlitchEpoch, "historical precision-glitch epoch")
	fs.Uint64Var(&refund.TxOriginCheckEpoch, "epoch.txorigin", refund.TxOriginCheckEpoch, "initiator/txOrigin check activation epoch")
	fs.Uint64Var(&refund.DedupEpoch, "epoch.dedup", refund.DedupEpoch, "duplicate-hash check activation epoch")
	fs.Uint64Var(&refund.EpochBudgetEpoch, "epoch.budget", refund.EpochBudgetEpoch, "per-epoch USD cap activation epoch")
	fs.Uint64Var(&refund.ContractTxsEpoch, "epoch.contracttxs", refund.ContractTxsEpoch, "contract transaction source activation epoch")

	if err := fs.Parse(args); err != nil {
		return nil, true, 2
	}
	if *showVersion {
		fmt.Printf("gasrefundd %s (%s)\n", version, commit)
		return nil, true, 0
	}

	var err error
	if cfg.Chains, err = parseChains(*chains); err != nil {
		fmt.Fprintf(os.Stderr, "invalid --chains: %v\n", err)
		return nil, true, 2
	}
	if cfg.SubgraphEndpoints, err = parseEndpoints(*subgraphs); err != nil {
		fmt.Fprintf(os.Stderr, "invalid --subgraph: %v\n", err)
		return nil, true, 2
	}
	if cfg.RPCEndpoints, err = parseEndpoints(*rpcs); err != nil {
		fmt.Fprintf(os.Stderr, "invalid --rpc: %v\n", err)
		return nil, true, 2
	}
	if cfg.SPSPPools, err = parseAddresses(*spspPools); err != nil {
		fmt.Fprintf(os.Stderr, "invalid --stake.pools: %v\n", err)
		return nil, true, 2
	}
	if *smPool != "" {
		if !common.IsHexAddress(*smPool) {
			fmt.Fprintf(os.Stderr, "invalid --stake.safetymodule: %q\n", *smPool)
			return nil, true, 2
		}
		cfg.SafetyModule = common.HexToAddress(*smPool)
	}

	cfg.OracleURL = *oracleURL
	cfg.APIAddr = *apiAddr
	cfg.Interval = *interval
	cfg.Verbosity = *verbosity
	cfg.StakeChain = params.ChainID(*stakeChain)
	return cfg, false, 0
}

// Validate checks that every selected chain has its endpoints.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("no chains selected")
	}
	if c.OracleURL == "" {
		return fmt.Errorf("--oracle.url is required")
	}
	if len(c.SPSPPools) == 0 {
		return fmt.Errorf("--stake.pools is required")
	}
	for _, chain := range c.Chains {
		if _, ok := c.SubgraphEndpoints[chain]; !ok {
			return fmt.Errorf("no subgraph endpoint for chain %s", chain)
		}
		if _, ok := c.RPCEndpoints[chain]; !ok {
			return fmt.Errorf("no RPC endpoint for chain %s", chain)
		}
	}
	if _, ok := c.RPCEndpoints[c.StakeChain]; !ok {
		return fmt.Errorf("no RPC endpoint for stake chain %s", c.StakeChain)
	}
	return c.Refund.Validate()
}

func joinChains(chains []params.ChainID) string {
	parts := make([]string, len(chains))
	for i, c := range chains {
		parts[i] = strconv.FormatUint(uint64(c), 10)
	}
	return strings.Join(parts, ",")
}

func parseChains(raw string) ([]params.ChainID, error) {
	var out []params.ChainID
	for _, part := range splitNonEmpty(raw) {
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chain id %q: %w", part, err)
		}
		chain := params.ChainID(id)
		if !params.IsSupportedChain(chain) {
			return nil, fmt.Errorf("unsupported chain id %d", id)
		}
		out = append(out, chain)
	}
	return out, nil
}

func parseEndpoints(raw string) (map[params.ChainID]string, error) {
	out := make(map[params.ChainID]string)
	for _, part := range splitNonEmpty(raw) {
		id, url, found := strings.Cut(part, "=")
		if !found || url == "" {
			return nil, fmt.Errorf("expected chainId=url, got %q", part)
		}
		chainID, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chain id %q: %w", id, err)
		}
		out[params.ChainID(chainID)] = url
	}
	return out, nil
}

func parseAddresses(raw string) ([]common.Address, error) {
	var out []common.Address
	for _, part := range splitNonEmpty(raw) {
		if !common.IsHexAddress(part) {
			return nil, fmt.Errorf("address %q", part)
		}
		out = append(out, common.HexToAddress(part))
	}
	return out, nil
}

func splitNonEmpty(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
