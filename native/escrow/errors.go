package escrow

import "errors"

// Named failure conditions surfaced by the collateral escrow. Every abort maps
// to exactly one of these, so callers and tests branch with errors.Is instead
// of string matching. Grouped by failure class.
var (
	// Structural: the supplied token or token set does not belong here.
	ErrWrongMarket    = errors.New("escrow: token minted against a different market")
	ErrWrongFlavor    = errors.New("escrow: token flavor does not match pool")
	ErrWrongOutcome   = errors.New("escrow: token outcome mismatch")
	ErrIncompleteSet  = errors.New("escrow: duplicate or missing outcome in set")
	ErrAmountMismatch = errors.New("escrow: set amounts differ")
	ErrTokenConsumed  = errors.New("escrow: claim token already consumed")
	ErrDuplicateToken = errors.New("escrow: token appears more than once in batch")

	// Arithmetic: balances and counters never clamp, they abort.
	ErrOverflow            = errors.New("escrow: supply counter overflow")
	ErrInsufficientSupply  = errors.New("escrow: insufficient outcome supply")
	ErrInsufficientBalance = errors.New("escrow: insufficient collateral balance")
	ErrInsufficientDeposit = errors.New("escrow: deposit must equal the per-outcome maximum")
	ErrInvalidAmount       = errors.New("escrow: amount must be positive")

	// Lifecycle: the operation is valid, just not in this finalization state.
	ErrMarketFinalized = errors.New("escrow: market already finalized")
	ErrNotFinalized    = errors.New("escrow: market not finalized")
	ErrSweepNotElapsed = errors.New("escrow: sweep expiry window has not elapsed")
	ErrBadCapability   = errors.New("escrow: sweep capability rejected")
	ErrAlreadySeeded   = errors.New("escrow: initial liquidity already deposited")

	// Sequencing: setup-phase ordering violations.
	ErrOutcomeOutOfOrder    = errors.New("escrow: outcome registered out of order")
	ErrOutcomeOutOfRange    = errors.New("escrow: outcome index out of range")
	ErrRegistrationOpen     = errors.New("escrow: outcome registration incomplete")
	ErrRegistrationComplete = errors.New("escrow: all outcomes already registered")

	// Internal consistency. Surfacing this means a bug in the engine itself,
	// never bad caller input.
	ErrInvariantViolated = errors.New("escrow: conservation invariant violated")
)
