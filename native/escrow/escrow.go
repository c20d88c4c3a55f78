package escrow

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ExtensionKind keys the closed set of side-state payloads an escrow may
// carry beyond its pools and counters.
type ExtensionKind uint8

const (
	// ExtensionFeesExtracted accumulates numeraire split off as protocol fees
	// after finalization.
	ExtensionFeesExtracted ExtensionKind = iota
	// ExtensionSweptRiskAsset records risk-asset collateral recovered by the
	// administrative sweep.
	ExtensionSweptRiskAsset
	// ExtensionSweptNumeraire records numeraire collateral recovered by the
	// administrative sweep.
	ExtensionSweptNumeraire
)

// Valid reports whether the kind is one of the known side-state kinds.
func (k ExtensionKind) Valid() bool {
	switch k {
	case ExtensionFeesExtracted, ExtensionSweptRiskAsset, ExtensionSweptNumeraire:
		return true
	default:
		return false
	}
}

// SweepCapability is the opaque credential gating the stranded-collateral
// sweep. The escrow stores only its keccak digest; possession of the value is
// the authority.
type SweepCapability [32]byte

// NewSweepCapability draws a fresh capability from the system entropy source.
func NewSweepCapability() (SweepCapability, error) {
	var c SweepCapability
	if _, err := rand.Read(c[:]); err != nil {
		return SweepCapability{}, fmt.Errorf("escrow: capability entropy: %w", err)
	}
	return c, nil
}

func (c SweepCapability) digest() [32]byte {
	return ethcrypto.Keccak256Hash(c[:])
}

// Escrow is the collateral record for one market: two collateral pools shared
// by every outcome at once, plus one supply tracker per outcome. All fields
// are private; mutation happens only through the Engine so the conservation
// invariants hold at every observable point.
type Escrow struct {
	marketID     [32]byte
	outcomeCount uint32
	createdAt    int64
	seqNum       uint64

	riskBalance      *big.Int
	numeraireBalance *big.Int
	supplies         []*SupplyTracker
	seeded           bool

	extensions map[ExtensionKind]*big.Int
	capDigest  [32]byte
}

// NewEscrow creates the empty collateral record for a market and issues the
// administrative sweep capability. Outcome trackers must then be registered
// sequentially before any trading operation is accepted.
func NewEscrow(marketID [32]byte, outcomeCount uint32, createdAt int64) (*Escrow, SweepCapability, error) {
	if outcomeCount < 2 {
		return nil, SweepCapability{}, fmt.Errorf("escrow: at least two outcomes required, got %d", outcomeCount)
	}
	capability, err := NewSweepCapability()
	if err != nil {
		return nil, SweepCapability{}, err
	}
	esc := &Escrow{
		marketID:         marketID,
		outcomeCount:     outcomeCount,
		createdAt:        createdAt,
		riskBalance:      big.NewInt(0),
		numeraireBalance: big.NewInt(0),
		supplies:         make([]*SupplyTracker, 0, outcomeCount),
		extensions:       make(map[ExtensionKind]*big.Int),
		capDigest:        capability.digest(),
	}
	return esc, capability, nil
}

// MarketID returns the market identity the escrow settles.
func (e *Escrow) MarketID() [32]byte { return e.marketID }

// OutcomeCount returns the fixed number of outcomes.
func (e *Escrow) OutcomeCount() uint32 { return e.outcomeCount }

// CreatedAt returns the creation timestamp (unix seconds) the sweep expiry is
// measured from.
func (e *Escrow) CreatedAt() int64 { return e.createdAt }

// SeqNum returns the number of successful mutating operations applied.
func (e *Escrow) SeqNum() uint64 { return e.seqNum }

// Balance returns a copy of the collateral pool for the flavor.
func (e *Escrow) Balance(flavor Flavor) *big.Int {
	pool := e.pool(flavor)
	if pool == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(pool)
}

// Supply returns a copy of the (outcome, flavor) counter. Unregistered
// outcomes read as zero.
func (e *Escrow) Supply(outcome uint32, flavor Flavor) *big.Int {
	if e == nil || int(outcome) >= len(e.supplies) {
		return big.NewInt(0)
	}
	return e.supplies[outcome].Supply(flavor)
}

// Extension returns a copy of the side-state payload for the kind, zero when
// the kind has never been written.
func (e *Escrow) Extension(kind ExtensionKind) *big.Int {
	if e == nil || e.extensions == nil {
		return big.NewInt(0)
	}
	value, ok := e.extensions[kind]
	if !ok || value == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(value)
}

// RegisteredOutcomes returns how many outcome trackers have been registered
// so far.
func (e *Escrow) RegisteredOutcomes() uint32 {
	if e == nil {
		return 0
	}
	return uint32(len(e.supplies))
}

// RegistrationComplete reports whether every outcome tracker is in place.
func (e *Escrow) RegistrationComplete() bool {
	return e != nil && uint32(len(e.supplies)) == e.outcomeCount
}

// Seeded reports whether the one-time initial liquidity deposit has been
// applied.
func (e *Escrow) Seeded() bool { return e != nil && e.seeded }

// RegisterOutcome installs the supply tracker for the next outcome index.
// Registration is strictly sequential: index must equal the number of
// outcomes registered so far, which rejects duplicates and gaps in one check.
func (e *Escrow) RegisterOutcome(index uint32, riskAsset, numeraire *big.Int) error {
	if e == nil {
		return fmt.Errorf("escrow: nil escrow")
	}
	if index >= e.outcomeCount {
		return fmt.Errorf("%w: %d >= %d", ErrOutcomeOutOfRange, index, e.outcomeCount)
	}
	if e.RegistrationComplete() {
		return ErrRegistrationComplete
	}
	if index != uint32(len(e.supplies)) {
		return fmt.Errorf("%w: got %d, want %d", ErrOutcomeOutOfOrder, index, len(e.supplies))
	}
	tracker, err := NewSupplyTracker(riskAsset, numeraire)
	if err != nil {
		return err
	}
	e.supplies = append(e.supplies, tracker)
	return nil
}

// verifyCapability checks a presented sweep capability against the stored
// digest in constant time.
func (e *Escrow) verifyCapability(capability SweepCapability) error {
	digest := capability.digest()
	if subtle.ConstantTimeCompare(digest[:], e.capDigest[:]) != 1 {
		return ErrBadCapability
	}
	return nil
}

// pool returns the mutable collateral balance for the flavor. Engine use
// only.
func (e *Escrow) pool(flavor Flavor) *big.Int {
	if e == nil {
		return nil
	}
	switch flavor {
	case FlavorRiskAsset:
		return e.riskBalance
	case FlavorNumeraire:
		return e.numeraireBalance
	default:
		return nil
	}
}

// addExtension accumulates into a side-state payload.
func (e *Escrow) addExtension(kind ExtensionKind, amount *big.Int) {
	if e.extensions == nil {
		e.extensions = make(map[ExtensionKind]*big.Int)
	}
	current, ok := e.extensions[kind]
	if !ok || current == nil {
		current = big.NewInt(0)
	}
	e.extensions[kind] = new(big.Int).Add(current, amount)
}

// checkInvariants re-asserts the conservation properties after a mutation:
// pools never negative, and for each flavor the largest balanced set
// redeemable across all outcomes never exceeds the matching pool. Only
// meaningful before finalization; callers skip the balanced-set bound once a
// winner orphans the losing counters.
func (e *Escrow) checkInvariants(finalized bool) error {
	if e.riskBalance.Sign() < 0 || e.numeraireBalance.Sign() < 0 {
		return fmt.Errorf("%w: negative collateral pool", ErrInvariantViolated)
	}
	if finalized || !e.RegistrationComplete() {
		return nil
	}
	for _, flavor := range []Flavor{FlavorRiskAsset, FlavorNumeraire} {
		setEquivalent := e.balancedSetEquivalent(flavor)
		if setEquivalent.Cmp(e.pool(flavor)) > 0 {
			return fmt.Errorf("%w: balanced-set claims %s exceed %s pool %s",
				ErrInvariantViolated, setEquivalent, flavor, e.pool(flavor))
		}
	}
	return nil
}

// balancedSetEquivalent computes the largest amount redeemable as a complete
// set for the flavor: the minimum counter across all outcomes.
func (e *Escrow) balancedSetEquivalent(flavor Flavor) *big.Int {
	if len(e.supplies) == 0 {
		return big.NewInt(0)
	}
	minimum := e.supplies[0].Supply(flavor)
	for _, tracker := range e.supplies[1:] {
		supply := tracker.Supply(flavor)
		if supply.Cmp(minimum) < 0 {
			minimum = supply
		}
	}
	return minimum
}

// Clone returns a deep copy of the escrow record so callers can inspect state
// without holding the engine lock.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := &Escrow{
		marketID:         e.marketID,
		outcomeCount:     e.outcomeCount,
		createdAt:        e.createdAt,
		seqNum:           e.seqNum,
		seeded:           e.seeded,
		riskBalance:      new(big.Int).Set(e.riskBalance),
		numeraireBalance: new(big.Int).Set(e.numeraireBalance),
		supplies:         make([]*SupplyTracker, len(e.supplies)),
		extensions:       make(map[ExtensionKind]*big.Int, len(e.extensions)),
		capDigest:        e.capDigest,
	}
	for i, tracker := range e.supplies {
		clone.supplies[i] = tracker.Clone()
	}
	for kind, value := range e.extensions {
		clone.extensions[kind] = new(big.Int).Set(value)
	}
	return clone
}
