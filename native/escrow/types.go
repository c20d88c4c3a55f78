package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Flavor identifies which of the two collateral pools a claim token is
// denominated in.
type Flavor uint8

const (
	// FlavorRiskAsset denominates claims against the risk-asset pool.
	FlavorRiskAsset Flavor = iota
	// FlavorNumeraire denominates claims against the numeraire pool.
	FlavorNumeraire

	flavorCount = 2
)

// Valid reports whether the flavor value is within the supported range.
func (f Flavor) Valid() bool {
	return f == FlavorRiskAsset || f == FlavorNumeraire
}

// Other returns the opposite flavor. Swaps reshuffle claims between the two.
func (f Flavor) Other() Flavor {
	if f == FlavorRiskAsset {
		return FlavorNumeraire
	}
	return FlavorRiskAsset
}

func (f Flavor) String() string {
	switch f {
	case FlavorRiskAsset:
		return "risk_asset"
	case FlavorNumeraire:
		return "numeraire"
	default:
		return fmt.Sprintf("flavor(%d)", uint8(f))
	}
}

// ParseFlavor converts the canonical string form back into a Flavor.
func ParseFlavor(s string) (Flavor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "risk_asset", "risk", "asset":
		return FlavorRiskAsset, nil
	case "numeraire", "stable":
		return FlavorNumeraire, nil
	default:
		return 0, fmt.Errorf("escrow: unknown flavor %q", s)
	}
}

// ClaimToken is a transferable claim against one outcome of one market. Its
// identity fields are fixed at mint; amounts change only by burning the token
// and minting a new one. Tokens are created and destroyed exclusively by the
// engine in this package, and a consumed token can never be spent again.
type ClaimToken struct {
	marketID [32]byte
	flavor   Flavor
	outcome  uint32
	amount   *big.Int
	consumed bool
}

func newClaimToken(marketID [32]byte, flavor Flavor, outcome uint32, amount *big.Int) *ClaimToken {
	return &ClaimToken{
		marketID: marketID,
		flavor:   flavor,
		outcome:  outcome,
		amount:   new(big.Int).Set(amount),
	}
}

// MarketID returns the identity of the market the token was minted against.
func (t *ClaimToken) MarketID() [32]byte { return t.marketID }

// Flavor returns which collateral pool the token is a claim against.
func (t *ClaimToken) Flavor() Flavor { return t.flavor }

// Outcome returns the decision outcome the token pays out on.
func (t *ClaimToken) Outcome() uint32 { return t.outcome }

// Amount returns a copy of the token amount. The stored amount is immutable.
func (t *ClaimToken) Amount() *big.Int {
	if t == nil || t.amount == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(t.amount)
}

// Consumed reports whether the token has already been burned.
func (t *ClaimToken) Consumed() bool { return t != nil && t.consumed }

// consume marks the token spent. The runtime guard backs the single-use
// discipline: a token that has been burned once fails every later operation.
func (t *ClaimToken) consume() error {
	if t == nil {
		return fmt.Errorf("escrow: nil claim token")
	}
	if t.consumed {
		return ErrTokenConsumed
	}
	t.consumed = true
	return nil
}

// restoreClaimToken rebuilds a live token from a persisted record. Only the
// snapshot ledger calls it; consumed tokens are never persisted.
func restoreClaimToken(marketID [32]byte, flavor Flavor, outcome uint32, amount *big.Int) (*ClaimToken, error) {
	if !flavor.Valid() {
		return nil, fmt.Errorf("escrow: invalid persisted flavor %d", flavor)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return newClaimToken(marketID, flavor, outcome, amount), nil
}
