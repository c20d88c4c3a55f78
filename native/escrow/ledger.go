package escrow

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"

	"futarchy/native/market"
)

// Storage abstracts the key-value subset the snapshot ledger needs from the
// hosting database.
type Storage interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, bool, error)
	Delete(key []byte) error
	Iterate(prefix []byte, fn func(key, value []byte) error) error
}

var (
	escrowRecordPrefix = []byte("escrow/state/")
	tokenRecordPrefix  = []byte("escrow/token/")
	marketRecordPrefix = []byte("market/state/")
)

// Ledger persists escrow snapshots, live claim-token records and market
// lifecycle records in the underlying key-value store. Snapshots are written
// after every successful mutation so a restarted node resumes from the exact
// counters and balances it last observed.
type Ledger struct {
	store Storage
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store Storage) *Ledger {
	return &Ledger{store: store}
}

type storedSupply struct {
	RiskAsset *big.Int
	Numeraire *big.Int
}

type storedExtension struct {
	Kind  uint8
	Value *big.Int
}

type storedEscrow struct {
	MarketID         [32]byte
	OutcomeCount     uint32
	CreatedAt        uint64
	SeqNum           uint64
	RiskBalance      *big.Int
	NumeraireBalance *big.Int
	Supplies         []storedSupply
	Seeded           bool
	Extensions       []storedExtension
	CapDigest        [32]byte
}

type storedToken struct {
	MarketID [32]byte
	Flavor   uint8
	Outcome  uint32
	Amount   *big.Int
}

type storedMarket struct {
	ID           [32]byte
	Slug         string
	OutcomeCount uint32
	CreatedAt    uint64
	Finalized    bool
	Winner       uint32
}

// PutEscrow writes the escrow snapshot, replacing any previous snapshot for
// the market.
func (l *Ledger) PutEscrow(esc *Escrow) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("ledger not initialised")
	}
	if esc == nil {
		return fmt.Errorf("ledger: escrow must not be nil")
	}
	stored := storedEscrow{
		MarketID:         esc.marketID,
		OutcomeCount:     esc.outcomeCount,
		CreatedAt:        int64ToUint64(esc.createdAt),
		SeqNum:           esc.seqNum,
		RiskBalance:      new(big.Int).Set(esc.riskBalance),
		NumeraireBalance: new(big.Int).Set(esc.numeraireBalance),
		Supplies:         make([]storedSupply, len(esc.supplies)),
		Seeded:           esc.seeded,
		CapDigest:        esc.capDigest,
	}
	for i, tracker := range esc.supplies {
		stored.Supplies[i] = storedSupply{
			RiskAsset: tracker.Supply(FlavorRiskAsset),
			Numeraire: tracker.Supply(FlavorNumeraire),
		}
	}
	kinds := make([]int, 0, len(esc.extensions))
	for kind := range esc.extensions {
		kinds = append(kinds, int(kind))
	}
	sort.Ints(kinds)
	for _, kind := range kinds {
		stored.Extensions = append(stored.Extensions, storedExtension{
			Kind:  uint8(kind),
			Value: new(big.Int).Set(esc.extensions[ExtensionKind(kind)]),
		})
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return l.store.Put(escrowKey(esc.marketID), encoded)
}

// GetEscrow rebuilds the escrow snapshot for a market.
func (l *Ledger) GetEscrow(marketID [32]byte) (*Escrow, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, fmt.Errorf("ledger not initialised")
	}
	raw, ok, err := l.store.Get(escrowKey(marketID))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedEscrow
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, err
	}
	esc, err := restoreEscrow(&stored)
	if err != nil {
		return nil, false, err
	}
	return esc, true, nil
}

// ListMarkets returns the market identities with a persisted escrow snapshot,
// in ascending key order.
func (l *Ledger) ListMarkets() ([][32]byte, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("ledger not initialised")
	}
	var ids [][32]byte
	err := l.store.Iterate(escrowRecordPrefix, func(key, value []byte) error {
		var stored storedEscrow
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			return err
		}
		ids = append(ids, stored.MarketID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// PutToken records a live claim token under its custody handle. Consumed
// tokens are never persisted; burning deletes the record instead.
func (l *Ledger) PutToken(handle string, token *ClaimToken) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("ledger not initialised")
	}
	trimmed := strings.TrimSpace(handle)
	if trimmed == "" {
		return fmt.Errorf("ledger: token handle required")
	}
	if token == nil || token.Consumed() {
		return fmt.Errorf("ledger: only live tokens may be persisted")
	}
	stored := storedToken{
		MarketID: token.marketID,
		Flavor:   uint8(token.flavor),
		Outcome:  token.outcome,
		Amount:   token.Amount(),
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return l.store.Put(tokenKey(trimmed), encoded)
}

// GetToken rebuilds a live claim token by custody handle.
func (l *Ledger) GetToken(handle string) (*ClaimToken, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, fmt.Errorf("ledger not initialised")
	}
	raw, ok, err := l.store.Get(tokenKey(strings.TrimSpace(handle)))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedToken
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, err
	}
	token, err := restoreClaimToken(stored.MarketID, Flavor(stored.Flavor), stored.Outcome, stored.Amount)
	if err != nil {
		return nil, false, err
	}
	return token, true, nil
}

// DeleteToken removes a consumed token's custody record.
func (l *Ledger) DeleteToken(handle string) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("ledger not initialised")
	}
	return l.store.Delete(tokenKey(strings.TrimSpace(handle)))
}

// LoadTokens walks every persisted live token, invoking fn with its custody
// handle. Used at node boot to rebuild the in-memory custody registry.
func (l *Ledger) LoadTokens(fn func(handle string, token *ClaimToken) error) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("ledger not initialised")
	}
	return l.store.Iterate(tokenRecordPrefix, func(key, value []byte) error {
		handle := strings.TrimPrefix(string(key), string(tokenRecordPrefix))
		var stored storedToken
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			return err
		}
		token, err := restoreClaimToken(stored.MarketID, Flavor(stored.Flavor), stored.Outcome, stored.Amount)
		if err != nil {
			return err
		}
		return fn(handle, token)
	})
}

// PutMarket writes the lifecycle record for a market.
func (l *Ledger) PutMarket(m *market.Market) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("ledger not initialised")
	}
	if m == nil {
		return fmt.Errorf("ledger: market must not be nil")
	}
	winner, finalized := m.WinningOutcome()
	stored := storedMarket{
		ID:           m.MarketID(),
		Slug:         m.Slug(),
		OutcomeCount: m.OutcomeCount(),
		CreatedAt:    int64ToUint64(m.CreatedAt()),
		Finalized:    finalized,
		Winner:       winner,
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return l.store.Put(marketKey(stored.ID), encoded)
}

// LoadMarkets walks every persisted market lifecycle record.
func (l *Ledger) LoadMarkets(fn func(m *market.Market) error) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("ledger not initialised")
	}
	return l.store.Iterate(marketRecordPrefix, func(key, value []byte) error {
		var stored storedMarket
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			return err
		}
		createdAt, err := uint64ToInt64(stored.CreatedAt)
		if err != nil {
			return fmt.Errorf("ledger: market created at overflow: %w", err)
		}
		m, err := market.Restore(stored.ID, stored.Slug, stored.OutcomeCount, createdAt, stored.Finalized, stored.Winner)
		if err != nil {
			return err
		}
		return fn(m)
	})
}

func restoreEscrow(stored *storedEscrow) (*Escrow, error) {
	if stored == nil {
		return nil, fmt.Errorf("ledger: nil stored escrow")
	}
	createdAt, err := uint64ToInt64(stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ledger: created at overflow: %w", err)
	}
	if stored.RiskBalance == nil || stored.NumeraireBalance == nil {
		return nil, fmt.Errorf("ledger: snapshot missing collateral balances")
	}
	if stored.RiskBalance.Sign() < 0 || stored.NumeraireBalance.Sign() < 0 {
		return nil, fmt.Errorf("%w: persisted negative pool", ErrInvariantViolated)
	}
	esc := &Escrow{
		marketID:         stored.MarketID,
		outcomeCount:     stored.OutcomeCount,
		createdAt:        createdAt,
		seqNum:           stored.SeqNum,
		seeded:           stored.Seeded,
		riskBalance:      new(big.Int).Set(stored.RiskBalance),
		numeraireBalance: new(big.Int).Set(stored.NumeraireBalance),
		supplies:         make([]*SupplyTracker, 0, len(stored.Supplies)),
		extensions:       make(map[ExtensionKind]*big.Int),
		capDigest:        stored.CapDigest,
	}
	if uint32(len(stored.Supplies)) > stored.OutcomeCount {
		return nil, fmt.Errorf("ledger: snapshot has %d trackers for %d outcomes", len(stored.Supplies), stored.OutcomeCount)
	}
	for _, supply := range stored.Supplies {
		tracker, err := NewSupplyTracker(supply.RiskAsset, supply.Numeraire)
		if err != nil {
			return nil, err
		}
		esc.supplies = append(esc.supplies, tracker)
	}
	for _, ext := range stored.Extensions {
		kind := ExtensionKind(ext.Kind)
		if !kind.Valid() {
			return nil, fmt.Errorf("ledger: unknown extension kind %d", ext.Kind)
		}
		if ext.Value == nil || ext.Value.Sign() < 0 {
			return nil, fmt.Errorf("ledger: invalid extension payload for kind %d", ext.Kind)
		}
		esc.extensions[kind] = new(big.Int).Set(ext.Value)
	}
	return esc, nil
}

func escrowKey(marketID [32]byte) []byte {
	return appendHexKey(escrowRecordPrefix, marketID[:])
}

func tokenKey(handle string) []byte {
	buf := make([]byte, len(tokenRecordPrefix)+len(handle))
	copy(buf, tokenRecordPrefix)
	copy(buf[len(tokenRecordPrefix):], handle)
	return buf
}

func marketKey(id [32]byte) []byte {
	return appendHexKey(marketRecordPrefix, id[:])
}

func appendHexKey(prefix, id []byte) []byte {
	const hextable = "0123456789abcdef"
	buf := make([]byte, len(prefix), len(prefix)+2*len(id))
	copy(buf, prefix)
	for _, b := range id {
		buf = append(buf, hextable[b>>4], hextable[b&0x0f])
	}
	return buf
}

func uint64ToInt64(value uint64) (int64, error) {
	if value > math.MaxInt64 {
		return 0, fmt.Errorf("value %d exceeds int64 range", value)
	}
	return int64(value), nil
}

func int64ToUint64(value int64) uint64 {
	if value < 0 {
		return 0
	}
	return uint64(value)
}
