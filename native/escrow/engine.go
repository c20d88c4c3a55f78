package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"futarchy/core/events"
	"futarchy/core/types"
	"futarchy/native/market"
)

var (
	errNilEscrow = errors.New("escrow engine: escrow not supplied")
	errNilOracle = errors.New("escrow engine: status oracle not supplied")
)

// maxOutcomes bounds the seen-bitmap used by complete-set verification. Kept
// in lockstep with market.MaxOutcomes.
const maxOutcomes = 64

// defaultSweepWindow is the expiry measured from escrow creation after which
// the capability-gated sweep may recover stranded collateral.
const defaultSweepWindow = 90 * 24 * time.Hour

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine executes every mutation of a collateral escrow. Each operation is an
// atomic, synchronous state transition: all checks run before any counter or
// balance moves, so a failed call leaves the escrow untouched. The engine
// holds no per-market state itself; callers provide the escrow record and the
// read-only market status oracle on every call.
type Engine struct {
	emitter     events.Emitter
	nowFn       func() int64
	sweepWindow int64
}

// NewEngine creates an engine with a no-op emitter, wall-clock time and the
// default sweep window.
func NewEngine() *Engine {
	return &Engine{
		emitter:     events.NoopEmitter{},
		nowFn:       func() int64 { return time.Now().Unix() },
		sweepWindow: int64(defaultSweepWindow / time.Second),
	}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op
// implementation.
func (eng *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		eng.emitter = events.NoopEmitter{}
		return
	}
	eng.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests to
// provide deterministic timestamps.
func (eng *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		eng.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	eng.nowFn = now
}

// SetSweepWindow overrides the stranded-collateral expiry window. Durations
// below one second are rejected silently in favour of the default.
func (eng *Engine) SetSweepWindow(window time.Duration) {
	if window < time.Second {
		eng.sweepWindow = int64(defaultSweepWindow / time.Second)
		return
	}
	eng.sweepWindow = int64(window / time.Second)
}

func (eng *Engine) emit(event *types.Event) {
	if eng == nil || eng.emitter == nil || event == nil {
		return
	}
	eng.emitter.Emit(escrowEvent{evt: event})
}

func (eng *Engine) now() int64 {
	if eng == nil || eng.nowFn == nil {
		return time.Now().Unix()
	}
	return eng.nowFn()
}

// CreateEscrow initialises the collateral record for the oracle's market and
// issues the sweep capability to the caller.
func (eng *Engine) CreateEscrow(oracle market.StatusOracle) (*Escrow, SweepCapability, error) {
	if oracle == nil {
		return nil, SweepCapability{}, errNilOracle
	}
	count := oracle.OutcomeCount()
	if count > maxOutcomes {
		return nil, SweepCapability{}, fmt.Errorf("escrow: outcome count %d exceeds %d", count, maxOutcomes)
	}
	esc, capability, err := NewEscrow(oracle.MarketID(), count, eng.now())
	if err != nil {
		return nil, SweepCapability{}, err
	}
	eng.emit(newCreatedEvent(esc))
	return esc, capability, nil
}

// RegisterOutcome installs the next outcome tracker with its initial
// per-flavor counters (the seeding targets, or zero for a blank market).
func (eng *Engine) RegisterOutcome(esc *Escrow, index uint32, riskAsset, numeraire *big.Int) error {
	if esc == nil {
		return errNilEscrow
	}
	if err := esc.RegisterOutcome(index, riskAsset, numeraire); err != nil {
		return err
	}
	esc.seqNum++
	eng.emit(newOutcomeRegisteredEvent(esc, index))
	return nil
}

// DepositInitialLiquidity performs the balanced quantum seeding. The lump
// deposit for each flavor must equal the maximum of that flavor's registered
// per-outcome targets: one unit of collateral backs a claim in every outcome
// at once, so only the largest requirement is funded. Outcomes below the
// maximum receive top-up claim tokens for the shortfall.
func (eng *Engine) DepositInitialLiquidity(esc *Escrow, oracle market.StatusOracle, riskDeposit, numeraireDeposit *big.Int) ([]*ClaimToken, error) {
	if err := eng.ready(esc, oracle); err != nil {
		return nil, err
	}
	if oracle.Finalized() {
		return nil, ErrMarketFinalized
	}
	if esc.seeded {
		return nil, ErrAlreadySeeded
	}
	deposits := map[Flavor]*big.Int{
		FlavorRiskAsset: riskDeposit,
		FlavorNumeraire: numeraireDeposit,
	}
	maxima := make(map[Flavor]*big.Int, flavorCount)
	for flavor, deposit := range deposits {
		if deposit == nil || deposit.Sign() < 0 {
			return nil, ErrInvalidAmount
		}
		maximum := big.NewInt(0)
		for outcome := uint32(0); outcome < esc.outcomeCount; outcome++ {
			supply := esc.Supply(outcome, flavor)
			if supply.Cmp(maximum) > 0 {
				maximum = supply
			}
		}
		if deposit.Cmp(maximum) != 0 {
			return nil, fmt.Errorf("%w: %s deposit %s, required %s",
				ErrInsufficientDeposit, flavor, deposit, maximum)
		}
		maxima[flavor] = maximum
	}
	// All checks passed; apply deposits and mint the shortfall top-ups.
	var minted []*ClaimToken
	for _, flavor := range []Flavor{FlavorRiskAsset, FlavorNumeraire} {
		esc.pool(flavor).Add(esc.pool(flavor), deposits[flavor])
		for outcome := uint32(0); outcome < esc.outcomeCount; outcome++ {
			shortfall := new(big.Int).Sub(maxima[flavor], esc.Supply(outcome, flavor))
			if shortfall.Sign() <= 0 {
				continue
			}
			if err := esc.supplies[outcome].Increase(flavor, shortfall); err != nil {
				return nil, err
			}
			minted = append(minted, newClaimToken(esc.marketID, flavor, outcome, shortfall))
		}
	}
	if err := esc.checkInvariants(false); err != nil {
		return nil, err
	}
	esc.seeded = true
	esc.seqNum++
	eng.emit(newSeededEvent(esc, riskDeposit, numeraireDeposit, len(minted)))
	return minted, nil
}

// MintCompleteSet deposits amount of the flavor's collateral and mints one
// claim token of that amount for every outcome. This is quantum splitting in
// the literal sense: the deposit backs a full claim in each outcome
// simultaneously, not a fraction of one.
func (eng *Engine) MintCompleteSet(esc *Escrow, oracle market.StatusOracle, flavor Flavor, amount *big.Int) ([]*ClaimToken, error) {
	if err := eng.ready(esc, oracle); err != nil {
		return nil, err
	}
	if oracle.Finalized() {
		return nil, ErrMarketFinalized
	}
	if !flavor.Valid() {
		return nil, ErrWrongFlavor
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	for _, tracker := range esc.supplies {
		if err := tracker.checkIncrease(flavor, amount); err != nil {
			return nil, err
		}
	}
	esc.pool(flavor).Add(esc.pool(flavor), amount)
	minted := make([]*ClaimToken, 0, esc.outcomeCount)
	for outcome := uint32(0); outcome < esc.outcomeCount; outcome++ {
		if err := esc.supplies[outcome].Increase(flavor, amount); err != nil {
			return nil, err
		}
		minted = append(minted, newClaimToken(esc.marketID, flavor, outcome, amount))
	}
	if err := esc.checkInvariants(false); err != nil {
		return nil, err
	}
	esc.seqNum++
	eng.emit(newSetMintedEvent(esc, flavor, amount))
	return minted, nil
}

// RedeemCompleteSet burns a balanced set (one token per outcome, same flavor,
// same amount) and releases that amount from the matching pool. A complete
// set is worth its amount regardless of which outcome eventually wins, so no
// resolution is needed; the operation mirrors MintCompleteSet and is likewise
// only available pre-finalization.
func (eng *Engine) RedeemCompleteSet(esc *Escrow, oracle market.StatusOracle, tokens []*ClaimToken) (*big.Int, Flavor, error) {
	if err := eng.ready(esc, oracle); err != nil {
		return nil, 0, err
	}
	if oracle.Finalized() {
		return nil, 0, ErrMarketFinalized
	}
	if uint32(len(tokens)) != esc.outcomeCount || len(tokens) == 0 {
		return nil, 0, ErrIncompleteSet
	}
	if tokens[0] == nil {
		return nil, 0, ErrIncompleteSet
	}
	amount := tokens[0].Amount()
	flavor := tokens[0].flavor
	if !flavor.Valid() {
		return nil, 0, ErrWrongFlavor
	}
	if amount.Sign() <= 0 {
		return nil, 0, ErrInvalidAmount
	}
	var seen uint64
	for _, token := range tokens {
		if token == nil {
			return nil, 0, ErrIncompleteSet
		}
		if token.consumed {
			return nil, 0, ErrTokenConsumed
		}
		if token.marketID != esc.marketID {
			return nil, 0, ErrWrongMarket
		}
		if token.flavor != flavor {
			return nil, 0, ErrWrongFlavor
		}
		if token.amount.Cmp(amount) != 0 {
			return nil, 0, ErrAmountMismatch
		}
		if token.outcome >= esc.outcomeCount {
			return nil, 0, fmt.Errorf("%w: outcome %d", ErrWrongOutcome, token.outcome)
		}
		bit := uint64(1) << token.outcome
		if seen&bit != 0 {
			return nil, 0, fmt.Errorf("%w: outcome %d seen twice", ErrIncompleteSet, token.outcome)
		}
		seen |= bit
	}
	if seen != fullBitmap(esc.outcomeCount) {
		return nil, 0, ErrIncompleteSet
	}
	if esc.pool(flavor).Cmp(amount) < 0 {
		return nil, 0, ErrInsufficientBalance
	}
	for _, tracker := range esc.supplies {
		if err := tracker.checkDecrease(flavor, amount); err != nil {
			return nil, 0, err
		}
	}
	// All checks passed; burn the set and release the collateral.
	for _, token := range tokens {
		if err := token.consume(); err != nil {
			return nil, 0, err
		}
		if err := esc.supplies[token.outcome].Decrease(flavor, amount); err != nil {
			return nil, 0, err
		}
	}
	esc.pool(flavor).Sub(esc.pool(flavor), amount)
	if err := esc.checkInvariants(false); err != nil {
		return nil, 0, err
	}
	esc.seqNum++
	eng.emit(newSetRedeemedEvent(esc, flavor, amount))
	return amount, flavor, nil
}

// RedeemWinning burns a single token of the declared winning outcome and
// releases its amount 1:1 from the pool named by flavor. Only available once
// the oracle reports finalization.
func (eng *Engine) RedeemWinning(esc *Escrow, oracle market.StatusOracle, token *ClaimToken, flavor Flavor) (*big.Int, error) {
	if err := eng.ready(esc, oracle); err != nil {
		return nil, err
	}
	winner, finalized := oracle.WinningOutcome()
	if !finalized {
		return nil, ErrNotFinalized
	}
	if !flavor.Valid() {
		return nil, ErrWrongFlavor
	}
	if token == nil {
		return nil, fmt.Errorf("escrow: nil claim token")
	}
	if token.consumed {
		return nil, ErrTokenConsumed
	}
	if token.marketID != esc.marketID {
		return nil, ErrWrongMarket
	}
	if token.flavor != flavor {
		return nil, ErrWrongFlavor
	}
	if token.outcome != winner {
		return nil, fmt.Errorf("%w: outcome %d, winner %d", ErrWrongOutcome, token.outcome, winner)
	}
	amount := token.Amount()
	if esc.pool(flavor).Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	if err := esc.supplies[winner].checkDecrease(flavor, amount); err != nil {
		return nil, err
	}
	if err := token.consume(); err != nil {
		return nil, err
	}
	if err := esc.supplies[winner].Decrease(flavor, amount); err != nil {
		return nil, err
	}
	esc.pool(flavor).Sub(esc.pool(flavor), amount)
	if err := esc.checkInvariants(true); err != nil {
		return nil, err
	}
	esc.seqNum++
	eng.emit(newWinningsRedeemedEvent(esc, flavor, winner, amount))
	return amount, nil
}

// BurnLosing destroys a batch of tokens from non-winning outcomes with no
// collateral movement, driving orphaned counters to zero for cleanup. The
// batch is all-or-nothing: one bad token rejects the whole batch with nothing
// burned.
func (eng *Engine) BurnLosing(esc *Escrow, oracle market.StatusOracle, tokens []*ClaimToken) error {
	if err := eng.ready(esc, oracle); err != nil {
		return err
	}
	winner, finalized := oracle.WinningOutcome()
	if !finalized {
		return ErrNotFinalized
	}
	if len(tokens) == 0 {
		return ErrInvalidAmount
	}
	// Aggregate planned decrements so distinct tokens sharing an (outcome,
	// flavor) pair cannot jointly drive a counter below zero, and reject the
	// same token instance appearing twice: the second leg would trip the
	// single-use guard only after the first leg had already mutated state.
	planned := make(map[uint64]*big.Int, len(tokens))
	seen := make(map[*ClaimToken]struct{}, len(tokens))
	for _, token := range tokens {
		if token == nil {
			return fmt.Errorf("escrow: nil claim token")
		}
		if _, dup := seen[token]; dup {
			return fmt.Errorf("%w: outcome %d", ErrDuplicateToken, token.outcome)
		}
		seen[token] = struct{}{}
		if token.consumed {
			return ErrTokenConsumed
		}
		if token.marketID != esc.marketID {
			return ErrWrongMarket
		}
		if token.outcome >= esc.outcomeCount {
			return fmt.Errorf("%w: outcome %d", ErrWrongOutcome, token.outcome)
		}
		if token.outcome == winner {
			return fmt.Errorf("%w: outcome %d is the winner", ErrWrongOutcome, token.outcome)
		}
		key := uint64(token.outcome)<<8 | uint64(token.flavor)
		if planned[key] == nil {
			planned[key] = big.NewInt(0)
		}
		planned[key].Add(planned[key], token.amount)
	}
	for key, total := range planned {
		outcome := uint32(key >> 8)
		flavor := Flavor(key & 0xff)
		if err := esc.supplies[outcome].checkDecrease(flavor, total); err != nil {
			return err
		}
	}
	for _, token := range tokens {
		if err := token.consume(); err != nil {
			return err
		}
		if err := esc.supplies[token.outcome].Decrease(token.flavor, token.amount); err != nil {
			return err
		}
	}
	esc.seqNum++
	eng.emit(newLosingBurnedEvent(esc, winner, len(tokens)))
	return nil
}

// Swap executes the mechanical leg of a within-outcome flavor swap on behalf
// of the pricing layer: burn the input token, mint amountOut of the opposite
// flavor at the same outcome. Collateral pools are untouched; the engine
// trusts the caller-supplied output and does not price the trade itself, but
// refuses an amountOut that would push balanced-set claims past the collateral
// backing them before anything is mutated.
func (eng *Engine) Swap(esc *Escrow, oracle market.StatusOracle, token *ClaimToken, outcome uint32, from Flavor, amountOut *big.Int) (*ClaimToken, error) {
	if err := eng.ready(esc, oracle); err != nil {
		return nil, err
	}
	if oracle.Finalized() {
		return nil, ErrMarketFinalized
	}
	if outcome >= esc.outcomeCount {
		return nil, fmt.Errorf("%w: outcome %d", ErrWrongOutcome, outcome)
	}
	if !from.Valid() {
		return nil, ErrWrongFlavor
	}
	if amountOut == nil || amountOut.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if token == nil {
		return nil, fmt.Errorf("escrow: nil claim token")
	}
	if token.consumed {
		return nil, ErrTokenConsumed
	}
	if token.marketID != esc.marketID {
		return nil, ErrWrongMarket
	}
	if token.outcome != outcome {
		return nil, fmt.Errorf("%w: token outcome %d, swap outcome %d", ErrWrongOutcome, token.outcome, outcome)
	}
	if token.flavor != from {
		return nil, ErrWrongFlavor
	}
	to := from.Other()
	tracker := esc.supplies[outcome]
	if err := tracker.checkDecrease(from, token.amount); err != nil {
		return nil, err
	}
	if err := tracker.checkIncrease(to, amountOut); err != nil {
		return nil, err
	}
	// The output leg may not push the balanced-set equivalent of the target
	// flavor past the pool backing it. Checked here, before any state moves;
	// the from-side decrement can only lower its flavor's minimum.
	minimum := new(big.Int).Add(tracker.Supply(to), amountOut)
	for i, other := range esc.supplies {
		if uint32(i) == outcome {
			continue
		}
		if supply := other.Supply(to); supply.Cmp(minimum) < 0 {
			minimum = supply
		}
	}
	if minimum.Cmp(esc.pool(to)) > 0 {
		return nil, fmt.Errorf("%w: swap output %s exceeds %s pool %s",
			ErrInsufficientBalance, amountOut, to, esc.pool(to))
	}
	if err := token.consume(); err != nil {
		return nil, err
	}
	if err := tracker.Decrease(from, token.amount); err != nil {
		return nil, err
	}
	if err := tracker.Increase(to, amountOut); err != nil {
		return nil, err
	}
	if err := esc.checkInvariants(false); err != nil {
		return nil, err
	}
	minted := newClaimToken(esc.marketID, to, outcome, amountOut)
	esc.seqNum++
	eng.emit(newSwappedEvent(esc, outcome, from, token.Amount(), amountOut))
	return minted, nil
}

// ExtractFee splits off amount from the numeraire pool once the market is
// finalized, recording the cumulative total in the fee side-state.
func (eng *Engine) ExtractFee(esc *Escrow, oracle market.StatusOracle, amount *big.Int) (*big.Int, error) {
	if err := eng.ready(esc, oracle); err != nil {
		return nil, err
	}
	if !oracle.Finalized() {
		return nil, ErrNotFinalized
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if esc.numeraireBalance.Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	esc.numeraireBalance.Sub(esc.numeraireBalance, amount)
	esc.addExtension(ExtensionFeesExtracted, amount)
	esc.seqNum++
	eng.emit(newFeeExtractedEvent(esc, amount))
	return new(big.Int).Set(amount), nil
}

// SweepStranded recovers whatever collateral remains, regardless of
// outstanding counters, once the expiry window measured from escrow creation
// has elapsed. A last-resort recovery path gated by the creation-time
// capability, never a normal-operation path.
func (eng *Engine) SweepStranded(esc *Escrow, capability SweepCapability) (*big.Int, *big.Int, error) {
	if esc == nil {
		return nil, nil, errNilEscrow
	}
	if err := esc.verifyCapability(capability); err != nil {
		return nil, nil, err
	}
	if eng.now() < esc.createdAt+eng.sweepWindow {
		return nil, nil, ErrSweepNotElapsed
	}
	risk := new(big.Int).Set(esc.riskBalance)
	numeraire := new(big.Int).Set(esc.numeraireBalance)
	if risk.Sign() > 0 {
		esc.addExtension(ExtensionSweptRiskAsset, risk)
	}
	if numeraire.Sign() > 0 {
		esc.addExtension(ExtensionSweptNumeraire, numeraire)
	}
	esc.riskBalance.SetInt64(0)
	esc.numeraireBalance.SetInt64(0)
	esc.seqNum++
	eng.emit(newSweptEvent(esc, risk, numeraire))
	return risk, numeraire, nil
}

// ready runs the checks shared by every trading operation: the escrow and
// oracle describe the same market and outcome registration has completed.
func (eng *Engine) ready(esc *Escrow, oracle market.StatusOracle) error {
	if esc == nil {
		return errNilEscrow
	}
	if oracle == nil {
		return errNilOracle
	}
	if esc.marketID != oracle.MarketID() || esc.outcomeCount != oracle.OutcomeCount() {
		return ErrWrongMarket
	}
	if !esc.RegistrationComplete() {
		return ErrRegistrationOpen
	}
	return nil
}

func fullBitmap(count uint32) uint64 {
	if count >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << count) - 1
}
