package rpc

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"futarchy/core"
	"futarchy/native/escrow"
)

// OutcomeSupplyResult reports one outcome's per-flavor claim counters.
type OutcomeSupplyResult struct {
	Outcome   uint32 `json:"outcome"`
	RiskAsset string `json:"riskAsset"`
	Numeraire string `json:"numeraire"`
}

// EscrowResult is the wire form of an escrow snapshot.
type EscrowResult struct {
	MarketID             string                `json:"marketId"`
	OutcomeCount         uint32                `json:"outcomeCount"`
	RegisteredOutcomes   uint32                `json:"registeredOutcomes"`
	RegistrationComplete bool                  `json:"registrationComplete"`
	CreatedAt            int64                 `json:"createdAt"`
	SeqNum               uint64                `json:"seqNum"`
	RiskBalance          string                `json:"riskBalance"`
	NumeraireBalance     string                `json:"numeraireBalance"`
	Supplies             []OutcomeSupplyResult `json:"supplies"`
	FeesExtracted        string                `json:"feesExtracted,omitempty"`
	SweptRiskAsset       string                `json:"sweptRiskAsset,omitempty"`
	SweptNumeraire       string                `json:"sweptNumeraire,omitempty"`
}

// TokenResult is the wire form of a live claim token.
type TokenResult struct {
	Handle   string `json:"handle"`
	MarketID string `json:"marketId"`
	Flavor   string `json:"flavor"`
	Outcome  uint32 `json:"outcome"`
	Amount   string `json:"amount"`
}

type RedeemSetResult struct {
	Amount string `json:"amount"`
	Flavor string `json:"flavor"`
}

type SweepResult struct {
	RiskAsset string `json:"riskAsset"`
	Numeraire string `json:"numeraire"`
}

func escrowResult(esc *escrow.Escrow) EscrowResult {
	res := EscrowResult{
		MarketID:             encodeID(esc.MarketID()),
		OutcomeCount:         esc.OutcomeCount(),
		RegisteredOutcomes:   esc.RegisteredOutcomes(),
		RegistrationComplete: esc.RegistrationComplete(),
		CreatedAt:            esc.CreatedAt(),
		SeqNum:               esc.SeqNum(),
		RiskBalance:          esc.Balance(escrow.FlavorRiskAsset).String(),
		NumeraireBalance:     esc.Balance(escrow.FlavorNumeraire).String(),
	}
	for outcome := uint32(0); outcome < esc.RegisteredOutcomes(); outcome++ {
		res.Supplies = append(res.Supplies, OutcomeSupplyResult{
			Outcome:   outcome,
			RiskAsset: esc.Supply(outcome, escrow.FlavorRiskAsset).String(),
			Numeraire: esc.Supply(outcome, escrow.FlavorNumeraire).String(),
		})
	}
	if fees := esc.Extension(escrow.ExtensionFeesExtracted); fees.Sign() > 0 {
		res.FeesExtracted = fees.String()
	}
	if swept := esc.Extension(escrow.ExtensionSweptRiskAsset); swept.Sign() > 0 {
		res.SweptRiskAsset = swept.String()
	}
	if swept := esc.Extension(escrow.ExtensionSweptNumeraire); swept.Sign() > 0 {
		res.SweptNumeraire = swept.String()
	}
	return res
}

func tokenResult(ref core.TokenRef) TokenResult {
	return TokenResult{
		Handle:   ref.Handle,
		MarketID: encodeID(ref.MarketID),
		Flavor:   ref.Flavor.String(),
		Outcome:  ref.Outcome,
		Amount:   ref.Amount.String(),
	}
}

func tokenResults(refs []core.TokenRef) []TokenResult {
	out := make([]TokenResult, 0, len(refs))
	for _, ref := range refs {
		out = append(out, tokenResult(ref))
	}
	return out
}

func (s *Server) handleEscrowRegisterOutcome(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		MarketID  string `json:"marketId"`
		Outcome   uint32 `json:"outcome"`
		RiskAsset string `json:"riskAsset"`
		Numeraire string `json:"numeraire"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid register parameters", err.Error())
		return
	}
	id, err := decodeID(params.MarketID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	risk, err := parseAmount(params.RiskAsset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	numeraire, err := parseAmount(params.Numeraire)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.RegisterOutcome(id, params.Outcome, risk, numeraire); err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	s.replyEscrow(w, req, id)
}

func (s *Server) handleEscrowSeed(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		MarketID  string `json:"marketId"`
		RiskAsset string `json:"riskAsset"`
		Numeraire string `json:"numeraire"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid seed parameters", err.Error())
		return
	}
	id, err := decodeID(params.MarketID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	risk, err := parseAmount(params.RiskAsset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	numeraire, err := parseAmount(params.Numeraire)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	refs, err := s.node.Seed(id, risk, numeraire)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, tokenResults(refs))
}

func (s *Server) handleEscrowMintSet(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		MarketID string `json:"marketId"`
		Flavor   string `json:"flavor"`
		Amount   string `json:"amount"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid mint parameters", err.Error())
		return
	}
	id, err := decodeID(params.MarketID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	flavor, err := escrow.ParseFlavor(params.Flavor)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	refs, err := s.node.MintSet(id, flavor, amount)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, tokenResults(refs))
}

func (s *Server) handleEscrowRedeemSet(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		MarketID string   `json:"marketId"`
		Handles  []string `json:"handles"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid redeem parameters", err.Error())
		return
	}
	id, err := decodeID(params.MarketID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, flavor, err := s.node.RedeemSet(id, params.Handles)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, RedeemSetResult{Amount: amount.String(), Flavor: flavor.String()})
}

func (s *Server) handleEscrowRedeemWinning(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		MarketID string `json:"marketId"`
		Handle   string `json:"handle"`
		Flavor   string `json:"flavor"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid redeem parameters", err.Error())
		return
	}
	id, err := decodeID(params.MarketID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	flavor, err := escrow.ParseFlavor(params.Flavor)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := s.node.RedeemWinning(id, params.Handle, flavor)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, RedeemSetResult{Amount: amount.String(), Flavor: flavor.String()})
}

func (s *Server) handleEscrowBurnLosing(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		MarketID string   `json:"marketId"`
		Handles  []string `json:"handles"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid burn parameters", err.Error())
		return
	}
	id, err := decodeID(params.MarketID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.BurnLosing(id, params.Handles); err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]int{"burned": len(params.Handles)})
}

func (s *Server) handleEscrowSwap(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		MarketID  string `json:"marketId"`
		Handle    string `json:"handle"`
		Outcome   uint32 `json:"outcome"`
		From      string `json:"from"`
		AmountOut string `json:"amountOut"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid swap parameters", err.Error())
		return
	}
	id, err := decodeID(params.MarketID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	from, err := escrow.ParseFlavor(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amountOut, err := parseAmount(params.AmountOut)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	ref, err := s.node.Swap(id, params.Handle, params.Outcome, from, amountOut)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, tokenResult(ref))
}

func (s *Server) handleEscrowExtractFee(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		MarketID string `json:"marketId"`
		Amount   string `json:"amount"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid fee parameters", err.Error())
		return
	}
	id, err := decodeID(params.MarketID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	extracted, err := s.node.ExtractFee(id, amount)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"extracted": extracted.String()})
}

func (s *Server) handleEscrowSweep(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		MarketID   string `json:"marketId"`
		Capability string `json:"capability"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid sweep parameters", err.Error())
		return
	}
	id, err := decodeID(params.MarketID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	capability, err := decodeCapability(params.Capability)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	risk, numeraire, err := s.node.Sweep(id, capability)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, SweepResult{RiskAsset: risk.String(), Numeraire: numeraire.String()})
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		MarketID string `json:"marketId"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid escrow parameters", err.Error())
		return
	}
	id, err := decodeID(params.MarketID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	s.replyEscrow(w, req, id)
}

func (s *Server) handleTokenGet(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Handle string `json:"handle"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid token parameters", err.Error())
		return
	}
	ref, err := s.node.GetToken(params.Handle)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, tokenResult(ref))
}

func (s *Server) replyEscrow(w http.ResponseWriter, req *RPCRequest, id [32]byte) {
	esc, err := s.node.GetEscrow(id)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowResult(esc))
}

func decodeCapability(raw string) (escrow.SweepCapability, error) {
	var capability escrow.SweepCapability
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return capability, fmt.Errorf("invalid capability: %w", err)
	}
	if len(decoded) != len(capability) {
		return capability, fmt.Errorf("invalid capability: expected %d bytes, got %d", len(capability), len(decoded))
	}
	copy(capability[:], decoded)
	return capability, nil
}
