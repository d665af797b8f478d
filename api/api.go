// Package api is the read-only HTTP surface of the refund service: sealed
// epoch entries, per-address claimable amounts and the metrics snapshot.
// All writes happen in the pipeline; this server never mutates state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/gasrefund/gasrefund/log"
	"github.com/gasrefund/gasrefund/metrics"
	"github.com/gasrefund/gasrefund/params"
	"github.com/gasrefund/gasrefund/storage"
)

// API errors.
var (
	ErrBadChainID = errors.New("api: missing or unsupported chainId")
	ErrBadEpoch   = errors.New("api: missing or malformed epoch")
	ErrBadAddress = errors.New("api: missing or malformed address")
)

// ClaimChecker reports whether an address already claimed its epoch
// entitlement on chain. Implementations read the distributor contract's
// claim bitmap; a nil checker treats everything as unclaimed.
type ClaimChecker interface {
	IsClaimed(ctx context.Context, chain params.ChainID, epoch uint64, addr common.Address) (bool, error)
}

// Server serves the read API.
type Server struct {
	store     storage.Store
	checker   ClaimChecker
	collector *metrics.Collector
	log       *log.Logger
	mux       *http.ServeMux
}

// NewServer builds the read API over store. checker may be nil.
func NewServer(store storage.Store, checker ClaimChecker, collector *metrics.Collector, logger *log.Logger) *Server {
	s := &Server{
		store:     store,
		checker:   checker,
		collector: collector,
		log:       logger.Module("api"),
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /gas-refund/entries-for-epoch", s.handleEntriesForEpoch)
	s.mux.HandleFunc("GET /gas-refund/claims-for-address", s.handleClaimsForAddress)
	s.mux.HandleFunc("GET /gas-refund/metrics", s.handleMetrics)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type epochEntry struct {
	Address      string   `json:"address"`
	AmountPSP    string   `json:"amount"`
	MerkleProofs []string `json:"merkleProofs"`
}

type entriesResponse struct {
	ChainID    uint64       `json:"chainId"`
	Epoch      uint64       `json:"epoch"`
	MerkleRoot string       `json:"merkleRoot"`
	TotalPSP   string       `json:"totalPSPAmountToRefund"`
	Entries    []epochEntry `json:"entries"`
}

func (s *Server) handleEntriesForEpoch(w http.ResponseWriter, r *http.Request) {
	chain, err := parseChain(r.URL.Query().Get("chainId"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	epoch, err := parseEpoch(r.URL.Query().Get("epoch"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}

	dist, ok, err := s.store.Distribution(r.Context(), chain, epoch)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		s.fail(w, http.StatusNotFound, fmt.Errorf("api: %s epoch %d not sealed", chain, epoch))
		return
	}
	parts, err := s.store.Participations(r.Context(), chain, epoch)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}

	resp := entriesResponse{
		ChainID:    uint64(chain),
		Epoch:      epoch,
		MerkleRoot: dist.MerkleRoot.Hex(),
		TotalPSP:   dist.TotalPSPAmountToRefund,
		Entries:    make([]epochEntry, 0, len(parts)),
	}
	for _, p := range parts {
		resp.Entries = append(resp.Entries, epochEntry{
			Address:      p.Address.Hex(),
			AmountPSP:    p.AmountPSP,
			MerkleProofs: p.MerkleProofs,
		})
	}
	s.respond(w, resp)
}

type addressClaim struct {
	Epoch        uint64   `json:"epoch"`
	AmountPSP    string   `json:"amount"`
	MerkleProofs []string `json:"merkleProofs"`
}

type claimsResponse struct {
	ChainID        uint64         `json:"chainId"`
	Address        string         `json:"address"`
	TotalClaimable string         `json:"totalClaimable"`
	Claims         []addressClaim `json:"claims"`
}

func (s *Server) handleClaimsForAddress(w http.ResponseWriter, r *http.Request) {
	chain, err := parseChain(r.URL.Query().Get("chainId"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	addr, err := parseAddress(r.URL.Query().Get("address"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}

	parts, err := s.store.ParticipationsForAddress(r.Context(), chain, addr)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}

	resp := claimsResponse{
		ChainID: uint64(chain),
		Address: addr.Hex(),
		Claims:  make([]addressClaim, 0, len(parts)),
	}
	total := uint256.NewInt(0)
	for _, p := range parts {
		if !p.IsCompleted {
			continue
		}
		if s.checker != nil {
			claimed, err := s.checker.IsClaimed(r.Context(), chain, p.Epoch, addr)
			if err != nil {
				s.fail(w, http.StatusBadGateway, fmt.Errorf("api: claim status of epoch %d: %w", p.Epoch, err))
				return
			}
			if claimed {
				continue
			}
		}
		amount, err := uint256.FromDecimal(p.AmountPSP)
		if err != nil {
			s.fail(w, http.StatusInternalServerError, fmt.Errorf("api: stored amount of epoch %d: %w", p.Epoch, err))
			return
		}
		total.Add(total, amount)
		resp.Claims = append(resp.Claims, addressClaim{
			Epoch:        p.Epoch,
			AmountPSP:    p.AmountPSP,
			MerkleProofs: p.MerkleProofs,
		})
	}
	resp.TotalClaimable = total.Dec()
	s.respond(w, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, s.collector.Snapshot())
}

func (s *Server) respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response", "err", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		s.log.Error("request failed", "status", status, "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func parseChain(raw string) (params.ChainID, error) {
	if raw == "" {
		return 0, ErrBadChainID
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadChainID, raw)
	}
	chain := params.ChainID(id)
	if !params.IsSupportedChain(chain) {
		return 0, fmt.Errorf("%w: %d", ErrBadChainID, id)
	}
	return chain, nil
}

func parseEpoch(raw string) (uint64, error) {
	if raw == "" {
		return 0, ErrBadEpoch
	}
	epoch, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadEpoch, raw)
	}
	return epoch, nil
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrBadAddress, raw)
	}
	return common.HexToAddress(raw), nil
}
