package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"futarchy/native/market"
)

// MarketResult is the wire form of a market record.
type MarketResult struct {
	MarketID     string `json:"marketId"`
	Slug         string `json:"slug"`
	OutcomeCount uint32 `json:"outcomeCount"`
	CreatedAt    int64  `json:"createdAt"`
	Finalized    bool   `json:"finalized"`
	Winner       uint32 `json:"winner,omitempty"`
}

type MarketCreateResult struct {
	Market MarketResult `json:"market"`
	// SweepCapability is returned exactly once at creation; the node keeps
	// only its digest.
	SweepCapability string `json:"sweepCapability"`
}

func marketResult(m *market.Market) MarketResult {
	res := MarketResult{
		MarketID:     encodeID(m.MarketID()),
		Slug:         m.Slug(),
		OutcomeCount: m.OutcomeCount(),
		CreatedAt:    m.CreatedAt(),
		Finalized:    m.Finalized(),
	}
	if winner, ok := m.WinningOutcome(); ok {
		res.Winner = winner
	}
	return res
}

func encodeID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func decodeID(raw string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("invalid market id: %w", err)
	}
	if len(decoded) != len(id) {
		return id, fmt.Errorf("invalid market id: expected %d bytes, got %d", len(id), len(decoded))
	}
	copy(id[:], decoded)
	return id, nil
}

// parseAmount accepts decimal-string amounts; JSON numbers are refused to
// avoid silent precision loss on large values.
func parseAmount(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

func decodeParams(req *RPCRequest, target interface{}) error {
	if len(req.Params) == 0 {
		return fmt.Errorf("parameter object required")
	}
	return json.Unmarshal(req.Params[0], target)
}

func (s *Server) handleMarketCreate(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Slug         string `json:"slug"`
		OutcomeCount uint32 `json:"outcomeCount"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid market parameters", err.Error())
		return
	}
	id, capability, err := s.node.CreateMarket(params.Slug, params.OutcomeCount)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	m, err := s.node.GetMarket(id)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, MarketCreateResult{
		Market:          marketResult(m),
		SweepCapability: "0x" + hex.EncodeToString(capability[:]),
	})
}

func (s *Server) handleMarketFinalize(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		MarketID string `json:"marketId"`
		Winner   uint32 `json:"winner"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid finalize parameters", err.Error())
		return
	}
	id, err := decodeID(params.MarketID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.FinalizeMarket(id, params.Winner); err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	m, err := s.node.GetMarket(id)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, marketResult(m))
}

func (s *Server) handleMarketGet(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		MarketID string `json:"marketId"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid market parameters", err.Error())
		return
	}
	id, err := decodeID(params.MarketID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	m, err := s.node.GetMarket(id)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, marketResult(m))
}

func (s *Server) handleMarketList(w http.ResponseWriter, req *RPCRequest) {
	ids := s.node.ListMarkets()
	encoded := make([]string, 0, len(ids))
	for _, id := range ids {
		encoded = append(encoded, encodeID(id))
	}
	writeResult(w, req.ID, encoded)
}
