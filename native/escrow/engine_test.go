package escrow

import (
	"errors"
	"math/big"
	"testing"

	"futarchy/core/events"
)

// mockOracle is a hand-rolled market status view so tests control
// finalization independently of the lifecycle package.
type mockOracle struct {
	id        [32]byte
	outcomes  uint32
	finalized bool
	winner    uint32
}

func (m *mockOracle) MarketID() [32]byte   { return m.id }
func (m *mockOracle) OutcomeCount() uint32 { return m.outcomes }
func (m *mockOracle) Finalized() bool      { return m.finalized }
func (m *mockOracle) WinningOutcome() (uint32, bool) {
	if !m.finalized {
		return 0, false
	}
	return m.winner, true
}

func newTestOracle(fill byte, outcomes uint32) *mockOracle {
	var id [32]byte
	for i := range id {
		id[i] = fill
	}
	return &mockOracle{id: id, outcomes: outcomes}
}

func newTestEngine() *Engine {
	eng := NewEngine()
	eng.SetNowFunc(func() int64 { return 1_700_000_000 })
	return eng
}

// newReadyEscrow creates an escrow with every outcome registered at zero.
func newReadyEscrow(t *testing.T, eng *Engine, oracle *mockOracle) (*Escrow, SweepCapability) {
	t.Helper()
	esc, capability, err := eng.CreateEscrow(oracle)
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	for i := uint32(0); i < oracle.outcomes; i++ {
		if err := eng.RegisterOutcome(esc, i, nil, nil); err != nil {
			t.Fatalf("register outcome %d: %v", i, err)
		}
	}
	return esc, capability
}

func TestRegistrationSequencing(t *testing.T) {
	eng := newTestEngine()
	oracle := newTestOracle(0x01, 3)
	esc, _, err := eng.CreateEscrow(oracle)
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}

	if _, err := eng.MintCompleteSet(esc, oracle, FlavorRiskAsset, big.NewInt(1)); !errors.Is(err, ErrRegistrationOpen) {
		t.Fatalf("expected registration open, got %v", err)
	}
	if err := eng.RegisterOutcome(esc, 1, nil, nil); !errors.Is(err, ErrOutcomeOutOfOrder) {
		t.Fatalf("expected out of order, got %v", err)
	}
	if err := eng.RegisterOutcome(esc, 3, nil, nil); !errors.Is(err, ErrOutcomeOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if err := eng.RegisterOutcome(esc, 0, nil, nil); err != nil {
		t.Fatalf("register 0: %v", err)
	}
	if err := eng.RegisterOutcome(esc, 0, nil, nil); !errors.Is(err, ErrOutcomeOutOfOrder) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if err := eng.RegisterOutcome(esc, 1, nil, nil); err != nil {
		t.Fatalf("register 1: %v", err)
	}
	if err := eng.RegisterOutcome(esc, 2, nil, nil); err != nil {
		t.Fatalf("register 2: %v", err)
	}
	if !esc.RegistrationComplete() {
		t.Fatal("registration must be complete")
	}
	if err := eng.RegisterOutcome(esc, 2, nil, nil); !errors.Is(err, ErrRegistrationComplete) {
		t.Fatalf("expected registration complete rejection, got %v", err)
	}
}

func TestQuantumSeeding(t *testing.T) {
	eng := newTestEngine()
	oracle := newTestOracle(0x02, 3)
	esc, _, err := eng.CreateEscrow(oracle)
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	targets := []int64{100, 60, 100}
	for i, target := range targets {
		if err := eng.RegisterOutcome(esc, uint32(i), big.NewInt(target), nil); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}

	// A deposit below the per-outcome maximum must be rejected outright.
	if _, err := eng.DepositInitialLiquidity(esc, oracle, big.NewInt(60), big.NewInt(0)); !errors.Is(err, ErrInsufficientDeposit) {
		t.Fatalf("expected insufficient deposit, got %v", err)
	}
	if esc.Balance(FlavorRiskAsset).Sign() != 0 {
		t.Fatal("failed seeding must not deposit")
	}

	minted, err := eng.DepositInitialLiquidity(esc, oracle, big.NewInt(100), big.NewInt(0))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(minted) != 1 {
		t.Fatalf("expected exactly one top-up token, got %d", len(minted))
	}
	topUp := minted[0]
	if topUp.Outcome() != 1 || topUp.Flavor() != FlavorRiskAsset {
		t.Fatalf("unexpected top-up token outcome=%d flavor=%s", topUp.Outcome(), topUp.Flavor())
	}
	if topUp.Amount().Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("unexpected top-up amount %s", topUp.Amount())
	}
	if got := esc.Balance(FlavorRiskAsset); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected pool balance %s", got)
	}
	for i := uint32(0); i < 3; i++ {
		if got := esc.Supply(i, FlavorRiskAsset); got.Cmp(big.NewInt(100)) != 0 {
			t.Fatalf("outcome %d counter = %s, want 100", i, got)
		}
	}
}

func TestSeedingIsOneShot(t *testing.T) {
	eng := newTestEngine()
	oracle := newTestOracle(0x1C, 2)
	esc, _, err := eng.CreateEscrow(oracle)
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	for i := uint32(0); i < 2; i++ {
		if err := eng.RegisterOutcome(esc, i, big.NewInt(50), nil); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}

	if _, err := eng.DepositInitialLiquidity(esc, oracle, big.NewInt(50), big.NewInt(0)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !esc.Seeded() {
		t.Fatal("escrow must record the seeding")
	}

	seq := esc.SeqNum()
	if _, err := eng.DepositInitialLiquidity(esc, oracle, big.NewInt(50), big.NewInt(0)); !errors.Is(err, ErrAlreadySeeded) {
		t.Fatalf("expected already seeded, got %v", err)
	}
	if got := esc.Balance(FlavorRiskAsset); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("pool = %s after rejected reseed, want 50", got)
	}
	if esc.SeqNum() != seq {
		t.Fatal("rejected reseed must not advance the sequence number")
	}
}

func TestMintRedeemRoundTrip(t *testing.T) {
	eng := newTestEngine()
	oracle := newTestOracle(0x03, 2)
	esc, _ := newReadyEscrow(t, eng, oracle)

	minted, err := eng.MintCompleteSet(esc, oracle, FlavorNumeraire, big.NewInt(50))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if len(minted) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(minted))
	}
	for i, token := range minted {
		if token.Outcome() != uint32(i) {
			t.Fatalf("token %d has outcome %d", i, token.Outcome())
		}
		if token.Amount().Cmp(big.NewInt(50)) != 0 {
			t.Fatalf("token %d amount %s", i, token.Amount())
		}
	}
	if got := esc.Balance(FlavorNumeraire); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("numeraire pool %s, want 50", got)
	}
	for i := uint32(0); i < 2; i++ {
		if got := esc.Supply(i, FlavorNumeraire); got.Cmp(big.NewInt(50)) != 0 {
			t.Fatalf("counter %d = %s, want 50", i, got)
		}
	}

	released, flavor, err := eng.RedeemCompleteSet(esc, oracle, minted)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if flavor != FlavorNumeraire {
		t.Fatalf("unexpected flavor %s", flavor)
	}
	if released.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("released %s, want 50", released)
	}
	if esc.Balance(FlavorNumeraire).Sign() != 0 {
		t.Fatalf("pool must be drained, got %s", esc.Balance(FlavorNumeraire))
	}
	for i := uint32(0); i < 2; i++ {
		if esc.Supply(i, FlavorNumeraire).Sign() != 0 {
			t.Fatalf("counter %d must return to zero", i)
		}
	}
}

func TestRedeemRejectsIncompleteSet(t *testing.T) {
	eng := newTestEngine()
	oracle := newTestOracle(0x04, 3)
	esc, _ := newReadyEscrow(t, eng, oracle)

	minted, err := eng.MintCompleteSet(esc, oracle, FlavorRiskAsset, big.NewInt(10))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, _, err := eng.RedeemCompleteSet(esc, oracle, minted[:2]); !errors.Is(err, ErrIncompleteSet) {
		t.Fatalf("expected incomplete set for short slice, got %v", err)
	}
	duplicated := []*ClaimToken{minted[0], minted[1], minted[1]}
	if _, _, err := eng.RedeemCompleteSet(esc, oracle, duplicated); !errors.Is(err, ErrIncompleteSet) {
		t.Fatalf("expected incomplete set for duplicate outcome, got %v", err)
	}

	// The failed attempts must not have burned anything.
	for _, token := range minted {
		if token.Consumed() {
			t.Fatal("failed redemption must not consume tokens")
		}
	}
	for i := uint32(0); i < 3; i++ {
		if got := esc.Supply(i, FlavorRiskAsset); got.Cmp(big.NewInt(10)) != 0 {
			t.Fatalf("counter %d = %s, want 10", i, got)
		}
	}
}

func TestRedeemRejectsForeignAndMismatched(t *testing.T) {
	eng := newTestEngine()
	oracle := newTestOracle(0x05, 2)
	esc, _ := newReadyEscrow(t, eng, oracle)

	other := newTestOracle(0x06, 2)
	otherEsc, _ := newReadyEscrow(t, eng, other)

	minted, err := eng.MintCompleteSet(esc, oracle, FlavorRiskAsset, big.NewInt(10))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	foreign, err := eng.MintCompleteSet(otherEsc, other, FlavorRiskAsset, big.NewInt(10))
	if err != nil {
		t.Fatalf("mint foreign: %v", err)
	}

	mixed := []*ClaimToken{minted[0], foreign[1]}
	if _, _, err := eng.RedeemCompleteSet(esc, oracle, mixed); !errors.Is(err, ErrWrongMarket) {
		t.Fatalf("expected wrong market, got %v", err)
	}

	numeraire, err := eng.MintCompleteSet(esc, oracle, FlavorNumeraire, big.NewInt(10))
	if err != nil {
		t.Fatalf("mint numeraire: %v", err)
	}
	flavorMix := []*ClaimToken{minted[0], numeraire[1]}
	if _, _, err := eng.RedeemCompleteSet(esc, oracle, flavorMix); !errors.Is(err, ErrWrongFlavor) {
		t.Fatalf("expected wrong flavor, got %v", err)
	}

	small, err := eng.MintCompleteSet(esc, oracle, FlavorRiskAsset, big.NewInt(5))
	if err != nil {
		t.Fatalf("mint small: %v", err)
	}
	amountMix := []*ClaimToken{minted[0], small[1]}
	if _, _, err := eng.RedeemCompleteSet(esc, oracle, amountMix); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
}

func TestDoubleConsumptionGuard(t *testing.T) {
	eng := newTestEngine()
	oracle := newTestOracle(0x07, 2)
	esc, _ := newReadyEscrow(t, eng, oracle)

	minted, err := eng.MintCompleteSet(esc, oracle, FlavorRiskAsset, big.NewInt(20))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, _, err := eng.RedeemCompleteSet(esc, oracle, minted); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	// The burned tokens are dead: every later operation must reject them.
	if _, err := eng.Swap(esc, oracle, minted[0], 0, FlavorRiskAsset, big.NewInt(5)); !errors.Is(err, ErrTokenConsumed) {
		t.Fatalf("expected consumed token rejection, got %v", err)
	}
	if _, _, err := eng.RedeemCompleteSet(esc, oracle, minted); !errors.Is(err, ErrTokenConsumed) {
		t.Fatalf("expected consumed token rejection, got %v", err)
	}
}

func TestWinnerOnlyRedemption(t *testing.T) {
	eng := newTestEngine()
	oracle := newTestOracle(0x08, 3)
	esc, _ := newReadyEscrow(t, eng, oracle)

	minted, err := eng.MintCompleteSet(esc, oracle, FlavorRiskAsset, big.NewInt(30))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := eng.RedeemWinning(esc, oracle, minted[1], FlavorRiskAsset); !errors.Is(err, ErrNotFinalized) {
		t.Fatalf("expected not finalized, got %v", err)
	}

	oracle.finalized = true
	oracle.winner = 1

	if _, err := eng.RedeemWinning(esc, oracle, minted[0], FlavorRiskAsset); !errors.Is(err, ErrWrongOutcome) {
		t.Fatalf("expected wrong outcome, got %v", err)
	}
	if minted[0].Consumed() {
		t.Fatal("rejected token must not be consumed")
	}
	if _, err := eng.RedeemWinning(esc, oracle, minted[1], FlavorNumeraire); !errors.Is(err, ErrWrongFlavor) {
		t.Fatalf("expected wrong flavor, got %v", err)
	}

	released, err := eng.RedeemWinning(esc, oracle, minted[1], FlavorRiskAsset)
	if err != nil {
		t.Fatalf("redeem winning: %v", err)
	}
	if released.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("released %s, want 30", released)
	}
	if esc.Balance(FlavorRiskAsset).Sign() != 0 {
		t.Fatalf("pool must be exhausted, got %s", esc.Balance(FlavorRiskAsset))
	}
}

func TestWinningRedemptionExhaustsPool(t *testing.T) {
	eng := newTestEngine()
	oracle := newTestOracle(0x09, 2)
	esc, _ := newReadyEscrow(t, eng, oracle)

	first, err := eng.MintCompleteSet(esc, oracle, FlavorNumeraire, big.NewInt(10))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	second, err := eng.MintCompleteSet(esc, oracle, FlavorNumeraire, big.NewInt(10))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	oracle.finalized = true
	oracle.winner = 0

	// Fees removed post-finalization shrink what winners can still draw.
	if _, err := eng.ExtractFee(esc, oracle, big.NewInt(5)); err != nil {
		t.Fatalf("extract fee: %v", err)
	}
	if _, err := eng.RedeemWinning(esc, oracle, first[0], FlavorNumeraire); err != nil {
		t.Fatalf("first winning redemption: %v", err)
	}
	if _, err := eng.RedeemWinning(esc, oracle, second[0], FlavorNumeraire); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if second[0].Consumed() {
		t.Fatal("failed redemption must not consume the token")
	}
}

func TestLifecycleGates(t *testing.T) {
	eng := newTestEngine()
	oracle := newTestOracle(0x0A, 2)
	esc, _ := newReadyEscrow(t, eng, oracle)

	minted, err := eng.MintCompleteSet(esc, oracle, FlavorRiskAsset, big.NewInt(5))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	oracle.finalized = true
	oracle.winner = 0

	if _, err := eng.MintCompleteSet(esc, oracle, FlavorRiskAsset, big.NewInt(5)); !errors.Is(err, ErrMarketFinalized) {
		t.Fatalf("expected market finalized, got %v", err)
	}
	if _, _, err := eng.RedeemCompleteSet(esc, oracle, minted); !errors.Is(err, ErrMarketFinalized) {
		t.Fatalf("expected market finalized, got %v", err)
	}
	if _, err := eng.Swap(esc, oracle, minted[0], 0, FlavorRiskAsset, big.NewInt(1)); !errors.Is(err, ErrMarketFinalized) {
		t.Fatalf("expected market finalized, got %v", err)
	}
	if _, err := eng.DepositInitialLiquidity(esc, oracle, big.NewInt(0), big.NewInt(0)); !errors.Is(err, ErrMarketFinalized) {
		t.Fatalf("expected market finalized, got %v", err)
	}
}

func TestBurnLosingBatch(t *testing.T) {
	eng := newTestEngine()
	oracle := newTestOracle(0x0B, 3)
	esc, _ := newReadyEscrow(t, eng, oracle)

	minted, err := eng.MintCompleteSet(esc, oracle, FlavorRiskAsset, big.NewInt(25))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := eng.BurnLosing(esc, oracle, minted); !errors.Is(err, ErrNotFinalized) {
		t.Fatalf("expected not finalized, got %v", err)
	}

	oracle.finalized = true
	oracle.winner = 2

	// A batch containing the winner aborts entirely: no partial cleanup.
	if err := eng.BurnLosing(esc, oracle, minted); !errors.Is(err, ErrWrongOutcome) {
		t.Fatalf("expected wrong outcome, got %v", err)
	}
	for _, token := range minted {
		if token.Consumed() {
			t.Fatal("aborted batch must not consume tokens")
		}
	}

	balanceBefore := esc.Balance(FlavorRiskAsset)
	if err := eng.BurnLosing(esc, oracle, minted[:2]); err != nil {
		t.Fatalf("burn losing: %v", err)
	}
	if esc.Supply(0, FlavorRiskAsset).Sign() != 0 || esc.Supply(1, FlavorRiskAsset).Sign() != 0 {
		t.Fatal("losing counters must reach zero")
	}
	if esc.Supply(2, FlavorRiskAsset).Cmp(big.NewInt(25)) != 0 {
		t.Fatal("winner counter must be untouched")
	}
	if esc.Balance(FlavorRiskAsset).Cmp(balanceBefore) != 0 {
		t.Fatal("unconditional burn must not move collateral")
	}
}

func TestBurnLosingRejectsRepeatedInstance(t *testing.T) {
	eng := newTestEngine()
	oracle := newTestOracle(0x1B, 2)
	esc, _ := newReadyEscrow(t, eng, oracle)

	minted, err := eng.MintCompleteSet(esc, oracle, FlavorRiskAsset, big.NewInt(20))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	oracle.finalized = true
	oracle.winner = 1

	// The same token listed twice sums to 40 against a counter holding 20 for
	// two distinct mints, so the aggregate pre-check alone would wave it
	// through. It must be rejected before anything burns.
	seq := esc.SeqNum()
	batch := []*ClaimToken{minted[0], minted[0]}
	if err := eng.BurnLosing(esc, oracle, batch); !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("expected duplicate token rejection, got %v", err)
	}
	if minted[0].Consumed() {
		t.Fatal("rejected batch must not consume the token")
	}
	if got := esc.Supply(0, FlavorRiskAsset); got.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("counter = %s after rejected batch, want 20", got)
	}
	if esc.SeqNum() != seq {
		t.Fatal("rejected batch must not advance the sequence number")
	}

	// The token is still live and burns normally on its own.
	if err := eng.BurnLosing(esc, oracle, minted[:1]); err != nil {
		t.Fatalf("burn losing: %v", err)
	}
}

func TestSwapNeutrality(t *testing.T) {
	eng := newTestEngine()
	oracle := newTestOracle(0x0C, 2)
	esc, _ := newReadyEscrow(t, eng, oracle)

	minted, err := eng.MintCompleteSet(esc, oracle, FlavorRiskAsset, big.NewInt(40))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	riskBefore := esc.Balance(FlavorRiskAsset)
	numBefore := esc.Balance(FlavorNumeraire)

	out, err := eng.Swap(esc, oracle, minted[0], 0, FlavorRiskAsset, big.NewInt(33))
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if out.Flavor() != FlavorNumeraire || out.Outcome() != 0 {
		t.Fatalf("unexpected output token flavor=%s outcome=%d", out.Flavor(), out.Outcome())
	}
	if out.Amount().Cmp(big.NewInt(33)) != 0 {
		t.Fatalf("unexpected output amount %s", out.Amount())
	}
	if esc.Balance(FlavorRiskAsset).Cmp(riskBefore) != 0 || esc.Balance(FlavorNumeraire).Cmp(numBefore) != 0 {
		t.Fatal("swap must not touch collateral pools")
	}
	if esc.Supply(0, FlavorRiskAsset).Sign() != 0 {
		t.Fatalf("risk counter must drop by the burned amount, got %s", esc.Supply(0, FlavorRiskAsset))
	}
	if esc.Supply(0, FlavorNumeraire).Cmp(big.NewInt(33)) != 0 {
		t.Fatalf("numeraire counter must rise by amountOut, got %s", esc.Supply(0, FlavorNumeraire))
	}
	if !minted[0].Consumed() {
		t.Fatal("swap input must be consumed")
	}
}

func TestSwapValidation(t *testing.T) {
	eng := newTestEngine()
	oracle := newTestOracle(0x0D, 2)
	esc, _ := newReadyEscrow(t, eng, oracle)

	minted, err := eng.MintCompleteSet(esc, oracle, FlavorRiskAsset, big.NewInt(10))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := eng.Swap(esc, oracle, minted[0], 1, FlavorRiskAsset, big.NewInt(5)); !errors.Is(err, ErrWrongOutcome) {
		t.Fatalf("expected wrong outcome, got %v", err)
	}
	if _, err := eng.Swap(esc, oracle, minted[0], 0, FlavorNumeraire, big.NewInt(5)); !errors.Is(err, ErrWrongFlavor) {
		t.Fatalf("expected wrong flavor, got %v", err)
	}
	if _, err := eng.Swap(esc, oracle, minted[0], 0, FlavorRiskAsset, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestSwapRejectsUnbackedOutput(t *testing.T) {
	eng := newTestEngine()
	oracle := newTestOracle(0x1D, 2)
	esc, _ := newReadyEscrow(t, eng, oracle)

	minted, err := eng.MintCompleteSet(esc, oracle, FlavorRiskAsset, big.NewInt(10))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	// The first swap raises outcome 0's numeraire counter to 10; the other
	// outcome still reads zero, so balanced-set claims stay within the empty
	// numeraire pool.
	if _, err := eng.Swap(esc, oracle, minted[0], 0, FlavorRiskAsset, big.NewInt(10)); err != nil {
		t.Fatalf("first swap: %v", err)
	}

	// A matching swap at outcome 1 would lift the numeraire minimum across
	// all outcomes to 10 with nothing backing it. It must be refused with the
	// input token still live and every counter and pool untouched.
	seq := esc.SeqNum()
	if _, err := eng.Swap(esc, oracle, minted[1], 1, FlavorRiskAsset, big.NewInt(10)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if minted[1].Consumed() {
		t.Fatal("rejected swap must not consume the input token")
	}
	if got := esc.Supply(1, FlavorRiskAsset); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("risk counter = %s after rejected swap, want 10", got)
	}
	if esc.Supply(1, FlavorNumeraire).Sign() != 0 {
		t.Fatalf("numeraire counter = %s after rejected swap, want 0", esc.Supply(1, FlavorNumeraire))
	}
	if esc.Balance(FlavorRiskAsset).Cmp(big.NewInt(10)) != 0 || esc.Balance(FlavorNumeraire).Sign() != 0 {
		t.Fatal("rejected swap must not move collateral")
	}
	if esc.SeqNum() != seq {
		t.Fatal("rejected swap must not advance the sequence number")
	}
}

func TestExtractFee(t *testing.T) {
	eng := newTestEngine()
	oracle := newTestOracle(0x0E, 2)
	esc, _ := newReadyEscrow(t, eng, oracle)

	if _, err := eng.MintCompleteSet(esc, oracle, FlavorNumeraire, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := eng.ExtractFee(esc, oracle, big.NewInt(10)); !errors.Is(err, ErrNotFinalized) {
		t.Fatalf("expected not finalized, got %v", err)
	}

	oracle.finalized = true
	oracle.winner = 0

	if _, err := eng.ExtractFee(esc, oracle, big.NewInt(101)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	got, err := eng.ExtractFee(esc, oracle, big.NewInt(10))
	if err != nil {
		t.Fatalf("extract fee: %v", err)
	}
	if got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("extracted %s, want 10", got)
	}
	if _, err := eng.ExtractFee(esc, oracle, big.NewInt(20)); err != nil {
		t.Fatalf("extract fee: %v", err)
	}
	if total := esc.Extension(ExtensionFeesExtracted); total.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("cumulative fees %s, want 30", total)
	}
	if got := esc.Balance(FlavorNumeraire); got.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("numeraire pool %s, want 70", got)
	}
}

func TestSweepStranded(t *testing.T) {
	eng := newTestEngine()
	base := int64(1_700_000_000)
	now := base
	eng.SetNowFunc(func() int64 { return now })

	oracle := newTestOracle(0x0F, 2)
	esc, capability := newReadyEscrow(t, eng, oracle)

	if _, err := eng.MintCompleteSet(esc, oracle, FlavorRiskAsset, big.NewInt(44)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := eng.MintCompleteSet(esc, oracle, FlavorNumeraire, big.NewInt(7)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	var forged SweepCapability
	forged[0] = 0xFF
	if _, _, err := eng.SweepStranded(esc, forged); !errors.Is(err, ErrBadCapability) {
		t.Fatalf("expected bad capability, got %v", err)
	}
	if _, _, err := eng.SweepStranded(esc, capability); !errors.Is(err, ErrSweepNotElapsed) {
		t.Fatalf("expected sweep window gate, got %v", err)
	}

	now = base + 90*24*3600
	risk, numeraire, err := eng.SweepStranded(esc, capability)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if risk.Cmp(big.NewInt(44)) != 0 || numeraire.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("swept %s/%s, want 44/7", risk, numeraire)
	}
	if esc.Balance(FlavorRiskAsset).Sign() != 0 || esc.Balance(FlavorNumeraire).Sign() != 0 {
		t.Fatal("sweep must drain both pools")
	}
	if esc.Extension(ExtensionSweptRiskAsset).Cmp(big.NewInt(44)) != 0 {
		t.Fatal("swept risk-asset side-state not recorded")
	}
}

func TestConservation(t *testing.T) {
	eng := newTestEngine()
	oracle := newTestOracle(0x10, 3)
	esc, _ := newReadyEscrow(t, eng, oracle)

	deposited := big.NewInt(0)
	released := big.NewInt(0)

	var sets [][]*ClaimToken
	for _, amount := range []int64{10, 25, 7} {
		minted, err := eng.MintCompleteSet(esc, oracle, FlavorRiskAsset, big.NewInt(amount))
		if err != nil {
			t.Fatalf("mint %d: %v", amount, err)
		}
		deposited.Add(deposited, big.NewInt(amount))
		sets = append(sets, minted)
	}
	for _, set := range sets[:2] {
		out, _, err := eng.RedeemCompleteSet(esc, oracle, set)
		if err != nil {
			t.Fatalf("redeem: %v", err)
		}
		released.Add(released, out)
	}

	held := esc.Balance(FlavorRiskAsset)
	total := new(big.Int).Add(held, released)
	if total.Cmp(deposited) != 0 {
		t.Fatalf("conservation broken: held %s + released %s != deposited %s", held, released, deposited)
	}
}

func TestEventSequence(t *testing.T) {
	collector := &events.CollectEmitter{}
	eng := newTestEngine()
	eng.SetEmitter(collector)

	oracle := newTestOracle(0x11, 2)
	esc, _ := newReadyEscrow(t, eng, oracle)
	minted, err := eng.MintCompleteSet(esc, oracle, FlavorNumeraire, big.NewInt(5))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, _, err := eng.RedeemCompleteSet(esc, oracle, minted); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	want := []string{
		EventTypeEscrowCreated,
		EventTypeOutcomeRegistered,
		EventTypeOutcomeRegistered,
		EventTypeSetMinted,
		EventTypeSetRedeemed,
	}
	if len(collector.Events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(collector.Events))
	}
	for i, evt := range collector.Events {
		if evt.EventType() != want[i] {
			t.Fatalf("event %d = %s, want %s", i, evt.EventType(), want[i])
		}
	}
}

func TestSeqNumAdvances(t *testing.T) {
	eng := newTestEngine()
	oracle := newTestOracle(0x12, 2)
	esc, _ := newReadyEscrow(t, eng, oracle)

	seq := esc.SeqNum()
	if _, err := eng.MintCompleteSet(esc, oracle, FlavorRiskAsset, big.NewInt(3)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if esc.SeqNum() != seq+1 {
		t.Fatalf("seq %d, want %d", esc.SeqNum(), seq+1)
	}
	if _, err := eng.MintCompleteSet(esc, oracle, FlavorRiskAsset, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if esc.SeqNum() != seq+1 {
		t.Fatal("failed operations must not advance the sequence number")
	}
}
