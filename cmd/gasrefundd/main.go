// Command gasrefundd indexes ParaSwap gas refunds and serves the claim API.
//
// Usage:
//
//	gasrefundd [flags]
//
// Flags:
//
//	--chains              Chain ids to index (default: all supported)
//	--subgraph            Swaps subgraph endpoints, chainId=url pairs
//	--rpc                 JSON-RPC endpoints, chainId=url pairs
//	--oracle.url          Price oracle base URL
//	--stake.pools         SPSP pool token addresses
//	--stake.safetymodule  Safety Module share token address
//	--api.addr            Read API listen address (default: :8547)
//	--interval            Delay between scheduling rounds (default: 1h)
//	--verbosity           Log level: debug, info, warn, error
//	--version             Print version and exit
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gasrefund/gasrefund/api"
	"github.com/gasrefund/gasrefund/explorer"
	"github.com/gasrefund/gasrefund/lock"
	"github.com/gasrefund/gasrefund/log"
	"github.com/gasrefund/gasrefund/metrics"
	"github.com/gasrefund/gasrefund/pipeline"
	"github.com/gasrefund/gasrefund/pricing"
	"github.com/gasrefund/gasrefund/refund"
	"github.com/gasrefund/gasrefund/stake"
	"github.com/gasrefund/gasrefund/storage"
	"github.com/gasrefund/gasrefund/subgraph"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v1.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	cfg, exit, code := parseFlags(args)
	if exit {
		return code
	}

	logger := log.New(log.LevelFromString(cfg.Verbosity))
	log.SetDefault(logger)
	logger.Info("gasrefundd starting", "version", version, "commit", commit,
		"chains", len(cfg.Chains), "api", cfg.APIAddr, "interval", cfg.Interval.String())

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exp, err := explorer.Dial(ctx, cfg.RPCEndpoints)
	if err != nil {
		logger.Error("dialing RPC backends", "err", err)
		return 1
	}
	defer exp.Close()

	resolver, err := pricing.NewResolver(pricing.NewHTTPOracle(cfg.OracleURL), 64)
	if err != nil {
		logger.Error("building price resolver", "err", err)
		return 1
	}

	stakeBackend, ok := exp.Backend(cfg.StakeChain)
	if !ok {
		logger.Error("no RPC backend for stake chain", "chain", cfg.StakeChain.String())
		return 1
	}
	spsp := stake.NewTimelineSource(stake.NewTransferLogFetcher(stakeBackend, cfg.SPSPPools, "spsp"))
	sm := stake.NewTimelineSource(stake.NewTransferLogFetcher(stakeBackend, []common.Address{cfg.SafetyModule}, "safety-module"))
	stakes := stake.NewAggregator(cfg.Refund, spsp, sm)

	store := storage.NewMemoryStore()
	guardian := refund.NewGuardian(cfg.Refund)
	collector := metrics.NewCollector()

	ingestor := pipeline.NewIngestor(pipeline.IngestorConfig{
		Config:   cfg.Refund,
		Store:    store,
		Swaps:    subgraph.NewClient(cfg.Refund, cfg.SubgraphEndpoints),
		Gas:      exp,
		Prices:   resolver,
		Stakes:   stakes,
		Guardian: guardian,
		Metrics:  collector,
		Log:      logger,
	})
	revalidator := pipeline.NewRevalidator(pipeline.RevalidatorConfig{
		Config:   cfg.Refund,
		Store:    store,
		Guardian: guardian,
		Metrics:  collector,
		Log:      logger,
	})
	sealer := pipeline.NewSealer(pipeline.SealerConfig{
		Store:   store,
		Metrics: collector,
		Log:     logger,
	})
	orchestrator := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Config:      cfg.Refund,
		Store:       store,
		Locker:      lock.NewMemoryLocker(),
		Chains:      cfg.Chains,
		StakeChain:  cfg.StakeChain,
		Stakes:      stakes,
		Blocks:      exp,
		Ingestor:    ingestor,
		Revalidator: revalidator,
		Sealer:      sealer,
		Log:         logger,
	})

	apiServer := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: api.NewServer(store, nil, collector, logger),
	}
	go func() {
		logger.Info("read API listening", "addr", cfg.APIAddr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("read API failed", "err", err)
			stop()
		}
	}()

	runRounds(ctx, orchestrator, cfg.Interval, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("read API shutdown", "err", err)
	}
	logger.Info("gasrefundd stopped")
	return 0
}

// runRounds runs scheduling rounds until the context is cancelled. A
// failed round is logged and retried at the next tick; the pipeline's
// resume points make retries safe.
func runRounds(ctx context.Context, orch *pipeline.Orchestrator, interval time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := orch.Run(ctx); err != nil {
			logger.Error("scheduling round failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
