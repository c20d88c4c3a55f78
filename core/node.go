package core

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"futarchy/core/events"
	"futarchy/native/escrow"
	"futarchy/native/market"
	"futarchy/observability"
	"futarchy/storage"
)

var (
	// ErrMarketNotFound is returned when an operation names a market the
	// node has never created.
	ErrMarketNotFound = errors.New("core: market not found")
	// ErrTokenNotFound is returned when a claim-token handle does not
	// resolve to a live token.
	ErrTokenNotFound = errors.New("core: claim token not found")
	// ErrDuplicateSlug is returned when market creation reuses a slug that
	// already identifies a live market.
	ErrDuplicateSlug = errors.New("core: market slug already in use")
)

// TokenRef describes a live claim token by its custody handle.
type TokenRef struct {
	Handle   string
	MarketID [32]byte
	Flavor   escrow.Flavor
	Outcome  uint32
	Amount   *big.Int
}

// Node hosts the escrow engine over persistent storage. It owns the market
// registry, the escrow records, and the custody registry mapping opaque
// handles to live claim tokens. All mutations run under a single lock and are
// persisted before they return.
type Node struct {
	mu sync.Mutex

	db     storage.Database
	ledger *escrow.Ledger
	engine *escrow.Engine
	logger *slog.Logger

	markets map[[32]byte]*market.Market
	escrows map[[32]byte]*escrow.Escrow
	tokens  map[string]*escrow.ClaimToken

	nowFn func() int64
}

// NewNode opens a node over the given database and reloads any persisted
// markets, escrows, and claim tokens.
func NewNode(db storage.Database) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: nil database")
	}
	n := &Node{
		db:      db,
		ledger:  escrow.NewLedger(db),
		engine:  escrow.NewEngine(),
		logger:  slog.Default(),
		markets: make(map[[32]byte]*market.Market),
		escrows: make(map[[32]byte]*escrow.Escrow),
		tokens:  make(map[string]*escrow.ClaimToken),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
	if err := n.reload(); err != nil {
		return nil, err
	}
	return n, nil
}

// SetEmitter routes engine events to the provided emitter.
func (n *Node) SetEmitter(emitter events.Emitter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engine.SetEmitter(emitter)
}

// SetNowFunc overrides the node clock. Tests use this to pin time.
func (n *Node) SetNowFunc(now func() int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	n.nowFn = now
	n.engine.SetNowFunc(now)
}

// SetSweepWindow overrides the stranded-collateral expiry window.
func (n *Node) SetSweepWindow(window time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engine.SetSweepWindow(window)
}

// SetLogger replaces the node logger.
func (n *Node) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.logger = logger
}

func (n *Node) reload() error {
	if err := n.ledger.LoadMarkets(func(m *market.Market) error {
		n.markets[m.MarketID()] = m
		return nil
	}); err != nil {
		return fmt.Errorf("core: reload markets: %w", err)
	}
	for id := range n.markets {
		esc, ok, err := n.ledger.GetEscrow(id)
		if err != nil {
			return fmt.Errorf("core: reload escrow %x: %w", id, err)
		}
		if ok {
			n.escrows[id] = esc
		}
	}
	if err := n.ledger.LoadTokens(func(handle string, token *escrow.ClaimToken) error {
		n.tokens[handle] = token
		return nil
	}); err != nil {
		return fmt.Errorf("core: reload tokens: %w", err)
	}
	n.logger.Info("state reloaded",
		"markets", len(n.markets),
		"escrows", len(n.escrows),
		"tokens", len(n.tokens))
	return nil
}

func (n *Node) observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.Engine().ObserveOperation(op, outcome, time.Since(start))
}

// CreateMarket creates a market with the given slug and outcome count plus its
// backing escrow, and returns the market identity and the one-time sweep
// capability. The capability is returned exactly once and never stored.
func (n *Node) CreateMarket(slug string, outcomeCount uint32) (id [32]byte, capability escrow.SweepCapability, err error) {
	start := time.Now()
	defer func() { n.observe("create_market", start, err) }()

	n.mu.Lock()
	defer n.mu.Unlock()

	m, err := market.New(slug, outcomeCount, n.nowFn())
	if err != nil {
		return id, capability, err
	}
	if _, exists := n.markets[m.MarketID()]; exists {
		return id, capability, ErrDuplicateSlug
	}
	esc, capability, err := n.engine.CreateEscrow(m)
	if err != nil {
		return id, capability, err
	}
	if err = n.ledger.PutMarket(m); err != nil {
		return id, capability, err
	}
	if err = n.ledger.PutEscrow(esc); err != nil {
		return id, capability, err
	}
	n.markets[m.MarketID()] = m
	n.escrows[m.MarketID()] = esc
	n.logger.Info("market created", "market", fmt.Sprintf("%x", m.MarketID()), "slug", slug, "outcomes", outcomeCount)
	return m.MarketID(), capability, nil
}

// FinalizeMarket records the winning outcome for a market. Finalization is
// one-shot.
func (n *Node) FinalizeMarket(marketID [32]byte, winner uint32) (err error) {
	start := time.Now()
	defer func() { n.observe("finalize_market", start, err) }()

	n.mu.Lock()
	defer n.mu.Unlock()

	m, ok := n.markets[marketID]
	if !ok {
		return ErrMarketNotFound
	}
	if err = m.Finalize(winner); err != nil {
		return err
	}
	if err = n.ledger.PutMarket(m); err != nil {
		return err
	}
	n.logger.Info("market finalized", "market", fmt.Sprintf("%x", marketID), "winner", winner)
	return nil
}

// GetMarket returns the market with the given identity.
func (n *Node) GetMarket(marketID [32]byte) (*market.Market, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.markets[marketID]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return m, nil
}

// ListMarkets returns the identities of all known markets in stable order.
func (n *Node) ListMarkets() [][32]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([][32]byte, 0, len(n.markets))
	for id := range n.markets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		for k := range ids[i] {
			if ids[i][k] != ids[j][k] {
				return ids[i][k] < ids[j][k]
			}
		}
		return false
	})
	return ids
}

// GetEscrow returns the escrow snapshot for the given market. The returned
// record is a deep copy and safe to read without holding the node lock.
func (n *Node) GetEscrow(marketID [32]byte) (*escrow.Escrow, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	esc, ok := n.escrows[marketID]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return esc.Clone(), nil
}

// RegisterOutcome records the next outcome's initial supply counters.
func (n *Node) RegisterOutcome(marketID [32]byte, index uint32, riskAsset, numeraire *big.Int) (err error) {
	start := time.Now()
	defer func() { n.observe("register_outcome", start, err) }()

	n.mu.Lock()
	defer n.mu.Unlock()

	esc, ok := n.escrows[marketID]
	if !ok {
		return ErrMarketNotFound
	}
	if err = n.engine.RegisterOutcome(esc, index, riskAsset, numeraire); err != nil {
		return err
	}
	return n.ledger.PutEscrow(esc)
}

// Seed deposits the initial liquidity and returns handles for the shortfall
// top-up tokens that equalise the supply counters.
func (n *Node) Seed(marketID [32]byte, riskDeposit, numeraireDeposit *big.Int) (refs []TokenRef, err error) {
	start := time.Now()
	defer func() { n.observe("seed", start, err) }()

	n.mu.Lock()
	defer n.mu.Unlock()

	esc, m, err := n.pair(marketID)
	if err != nil {
		return nil, err
	}
	minted, err := n.engine.DepositInitialLiquidity(esc, m, riskDeposit, numeraireDeposit)
	if err != nil {
		return nil, err
	}
	return n.commitMinted(esc, minted)
}

// MintSet deposits amount units of collateral of the given flavor and returns
// handles for one claim token per outcome.
func (n *Node) MintSet(marketID [32]byte, flavor escrow.Flavor, amount *big.Int) (refs []TokenRef, err error) {
	start := time.Now()
	defer func() { n.observe("mint_set", start, err) }()

	n.mu.Lock()
	defer n.mu.Unlock()

	esc, m, err := n.pair(marketID)
	if err != nil {
		return nil, err
	}
	minted, err := n.engine.MintCompleteSet(esc, m, flavor, amount)
	if err != nil {
		return nil, err
	}
	return n.commitMinted(esc, minted)
}

// RedeemSet consumes one equal-amount token per outcome and releases the
// backing collateral. The handles are consumed on success.
func (n *Node) RedeemSet(marketID [32]byte, handles []string) (amount *big.Int, flavor escrow.Flavor, err error) {
	start := time.Now()
	defer func() { n.observe("redeem_set", start, err) }()

	n.mu.Lock()
	defer n.mu.Unlock()

	esc, m, err := n.pair(marketID)
	if err != nil {
		return nil, 0, err
	}
	tokens, err := n.resolve(handles)
	if err != nil {
		return nil, 0, err
	}
	amount, flavor, err = n.engine.RedeemCompleteSet(esc, m, tokens)
	if err != nil {
		return nil, 0, err
	}
	if err = n.retire(handles...); err != nil {
		return nil, 0, err
	}
	return amount, flavor, n.ledger.PutEscrow(esc)
}

// RedeemWinning consumes a single winning-outcome token post-finalization and
// releases collateral from the matching pool one-for-one.
func (n *Node) RedeemWinning(marketID [32]byte, handle string, flavor escrow.Flavor) (amount *big.Int, err error) {
	start := time.Now()
	defer func() { n.observe("redeem_winning", start, err) }()

	n.mu.Lock()
	defer n.mu.Unlock()

	esc, m, err := n.pair(marketID)
	if err != nil {
		return nil, err
	}
	token, ok := n.tokens[handle]
	if !ok {
		return nil, ErrTokenNotFound
	}
	amount, err = n.engine.RedeemWinning(esc, m, token, flavor)
	if err != nil {
		return nil, err
	}
	if err = n.retire(handle); err != nil {
		return nil, err
	}
	return amount, n.ledger.PutEscrow(esc)
}

// BurnLosing destroys a batch of losing-outcome tokens post-finalization. The
// batch is all-or-nothing.
func (n *Node) BurnLosing(marketID [32]byte, handles []string) (err error) {
	start := time.Now()
	defer func() { n.observe("burn_losing", start, err) }()

	n.mu.Lock()
	defer n.mu.Unlock()

	esc, m, err := n.pair(marketID)
	if err != nil {
		return err
	}
	tokens, err := n.resolve(handles)
	if err != nil {
		return err
	}
	if err = n.engine.BurnLosing(esc, m, tokens); err != nil {
		return err
	}
	if err = n.retire(handles...); err != nil {
		return err
	}
	return n.ledger.PutEscrow(esc)
}

// Swap exchanges a claim token for one of the opposite flavor on the chosen
// outcome without touching the collateral pools. The input handle is consumed
// and a handle for the output token is returned.
func (n *Node) Swap(marketID [32]byte, handle string, outcome uint32, from escrow.Flavor, amountOut *big.Int) (ref TokenRef, err error) {
	start := time.Now()
	defer func() { n.observe("swap", start, err) }()

	n.mu.Lock()
	defer n.mu.Unlock()

	esc, m, err := n.pair(marketID)
	if err != nil {
		return ref, err
	}
	token, ok := n.tokens[handle]
	if !ok {
		return ref, ErrTokenNotFound
	}
	out, err := n.engine.Swap(esc, m, token, outcome, from, amountOut)
	if err != nil {
		return ref, err
	}
	if err = n.retire(handle); err != nil {
		return ref, err
	}
	refs, err := n.commitMinted(esc, []*escrow.ClaimToken{out})
	if err != nil {
		return ref, err
	}
	return refs[0], nil
}

// ExtractFee withdraws accrued fees from the numeraire pool after
// finalization and returns the amount withdrawn by this call. The running
// total lives in the escrow's fee extension.
func (n *Node) ExtractFee(marketID [32]byte, amount *big.Int) (extracted *big.Int, err error) {
	start := time.Now()
	defer func() { n.observe("extract_fee", start, err) }()

	n.mu.Lock()
	defer n.mu.Unlock()

	esc, m, err := n.pair(marketID)
	if err != nil {
		return nil, err
	}
	extracted, err = n.engine.ExtractFee(esc, m, amount)
	if err != nil {
		return nil, err
	}
	return extracted, n.ledger.PutEscrow(esc)
}

// Sweep drains both collateral pools of a stranded escrow. It requires the
// sweep capability issued at creation and only succeeds after the expiry
// window has elapsed.
func (n *Node) Sweep(marketID [32]byte, capability escrow.SweepCapability) (risk, numeraire *big.Int, err error) {
	start := time.Now()
	defer func() { n.observe("sweep", start, err) }()

	n.mu.Lock()
	defer n.mu.Unlock()

	esc, ok := n.escrows[marketID]
	if !ok {
		return nil, nil, ErrMarketNotFound
	}
	risk, numeraire, err = n.engine.SweepStranded(esc, capability)
	if err != nil {
		return nil, nil, err
	}
	n.logger.Info("stranded collateral swept", "market", fmt.Sprintf("%x", marketID))
	return risk, numeraire, n.ledger.PutEscrow(esc)
}

// GetToken returns the descriptor for a live claim token.
func (n *Node) GetToken(handle string) (TokenRef, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	token, ok := n.tokens[handle]
	if !ok {
		return TokenRef{}, ErrTokenNotFound
	}
	return tokenRef(handle, token), nil
}

// Close releases the underlying database.
func (n *Node) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.db.Close()
}

func (n *Node) pair(marketID [32]byte) (*escrow.Escrow, *market.Market, error) {
	esc, ok := n.escrows[marketID]
	if !ok {
		return nil, nil, ErrMarketNotFound
	}
	m, ok := n.markets[marketID]
	if !ok {
		return nil, nil, ErrMarketNotFound
	}
	return esc, m, nil
}

func (n *Node) resolve(handles []string) ([]*escrow.ClaimToken, error) {
	tokens := make([]*escrow.ClaimToken, 0, len(handles))
	for _, handle := range handles {
		token, ok := n.tokens[handle]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, handle)
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// commitMinted registers freshly minted tokens under new handles and persists
// both the tokens and the mutated escrow.
func (n *Node) commitMinted(esc *escrow.Escrow, minted []*escrow.ClaimToken) ([]TokenRef, error) {
	refs := make([]TokenRef, 0, len(minted))
	for _, token := range minted {
		handle := uuid.NewString()
		if err := n.ledger.PutToken(handle, token); err != nil {
			return nil, err
		}
		n.tokens[handle] = token
		refs = append(refs, tokenRef(handle, token))
	}
	return refs, n.ledger.PutEscrow(esc)
}

// retire removes consumed tokens from custody and storage.
func (n *Node) retire(handles ...string) error {
	for _, handle := range handles {
		if err := n.ledger.DeleteToken(handle); err != nil {
			return err
		}
		delete(n.tokens, handle)
	}
	return nil
}

func tokenRef(handle string, token *escrow.ClaimToken) TokenRef {
	return TokenRef{
		Handle:   handle,
		MarketID: token.MarketID(),
		Flavor:   token.Flavor(),
		Outcome:  token.Outcome(),
		Amount:   token.Amount(),
	}
}
