package escrow

import (
	"math"
	"math/big"
)

// maxCounter caps every supply counter at 2^64-1, mirroring the 64-bit
// amounts of the original settlement ledger. Crossing it is the overflow
// condition, not a silent wrap.
var maxCounter = new(big.Int).SetUint64(math.MaxUint64)

// SupplyTracker records the net outstanding claim amount for a single
// outcome, one counter per flavor. Pure bookkeeping: the tracker has no
// knowledge of collateral, finalization or token identity.
type SupplyTracker struct {
	counters [flavorCount]*big.Int
}

// NewSupplyTracker seeds a tracker with the initial per-flavor counters.
// Nil counters start at zero; negative or over-cap counters are rejected.
func NewSupplyTracker(riskAsset, numeraire *big.Int) (*SupplyTracker, error) {
	t := &SupplyTracker{}
	for i, initial := range []*big.Int{riskAsset, numeraire} {
		value := big.NewInt(0)
		if initial != nil {
			value = new(big.Int).Set(initial)
		}
		if value.Sign() < 0 {
			return nil, ErrInsufficientSupply
		}
		if value.Cmp(maxCounter) > 0 {
			return nil, ErrOverflow
		}
		t.counters[i] = value
	}
	return t, nil
}

// Supply returns a copy of the current counter for the flavor.
func (t *SupplyTracker) Supply(flavor Flavor) *big.Int {
	if t == nil || !flavor.Valid() || t.counters[flavor] == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(t.counters[flavor])
}

// Increase adds amount to the flavor counter. Fails with ErrOverflow if the
// result would exceed the counter cap.
func (t *SupplyTracker) Increase(flavor Flavor, amount *big.Int) error {
	if err := t.checkIncrease(flavor, amount); err != nil {
		return err
	}
	t.counters[flavor].Add(t.counters[flavor], amount)
	return nil
}

// Decrease subtracts amount from the flavor counter. Fails with
// ErrInsufficientSupply if the counter would go negative.
func (t *SupplyTracker) Decrease(flavor Flavor, amount *big.Int) error {
	if err := t.checkDecrease(flavor, amount); err != nil {
		return err
	}
	t.counters[flavor].Sub(t.counters[flavor], amount)
	return nil
}

// checkIncrease validates an Increase without mutating, so multi-counter
// operations can verify every leg before applying any.
func (t *SupplyTracker) checkIncrease(flavor Flavor, amount *big.Int) error {
	if err := t.checkArgs(flavor, amount); err != nil {
		return err
	}
	next := new(big.Int).Add(t.counters[flavor], amount)
	if next.Cmp(maxCounter) > 0 {
		return ErrOverflow
	}
	return nil
}

// checkDecrease validates a Decrease without mutating.
func (t *SupplyTracker) checkDecrease(flavor Flavor, amount *big.Int) error {
	if err := t.checkArgs(flavor, amount); err != nil {
		return err
	}
	if t.counters[flavor].Cmp(amount) < 0 {
		return ErrInsufficientSupply
	}
	return nil
}

func (t *SupplyTracker) checkArgs(flavor Flavor, amount *big.Int) error {
	if t == nil || !flavor.Valid() || t.counters[flavor] == nil {
		return ErrWrongFlavor
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Clone returns a deep copy of the tracker.
func (t *SupplyTracker) Clone() *SupplyTracker {
	if t == nil {
		return nil
	}
	clone := &SupplyTracker{}
	for i, counter := range t.counters {
		if counter != nil {
			clone.counters[i] = new(big.Int).Set(counter)
		} else {
			clone.counters[i] = big.NewInt(0)
		}
	}
	return clone
}
