package market

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrTooFewOutcomes    = errors.New("market: at least two outcomes required")
	ErrAlreadyFinalized  = errors.New("market: already finalized")
	ErrWinnerOutOfRange  = errors.New("market: winning outcome out of range")
	ErrNotFinalized      = errors.New("market: not finalized")
	ErrEmptySlug         = errors.New("market: slug must not be empty")
	ErrTooManyOutcomes   = errors.New("market: outcome count exceeds maximum")
	errNegativeTimestamp = errors.New("market: creation timestamp must not be negative")
)

// MaxOutcomes bounds the number of decision outcomes a single market may
// carry. The bound keeps per-market state (supply counters, seen bitmaps)
// small and matches the registration budget of the hosting ledger.
const MaxOutcomes = 64

// StatusOracle is the read-only view of a market's lifecycle consumed by the
// collateral escrow. The escrow never mutates the market through it.
type StatusOracle interface {
	MarketID() [32]byte
	OutcomeCount() uint32
	Finalized() bool
	// WinningOutcome reports the declared winner. The boolean is false until
	// the market has been finalized.
	WinningOutcome() (uint32, bool)
}

// Market is the lifecycle record for one decision market. Identity and
// outcome count are fixed at creation; the only mutation supported is the
// one-shot finalization flipping the market from trading to settled.
type Market struct {
	id           [32]byte
	slug         string
	outcomeCount uint32
	createdAt    int64
	finalized    bool
	winner       uint32
}

// New derives a market with a deterministic identity from the governance slug,
// the outcome count and the creation timestamp.
func New(slug string, outcomeCount uint32, createdAt int64) (*Market, error) {
	trimmed := strings.TrimSpace(slug)
	if trimmed == "" {
		return nil, ErrEmptySlug
	}
	if outcomeCount < 2 {
		return nil, ErrTooFewOutcomes
	}
	if outcomeCount > MaxOutcomes {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyOutcomes, outcomeCount, MaxOutcomes)
	}
	if createdAt < 0 {
		return nil, errNegativeTimestamp
	}
	var meta [12]byte
	binary.BigEndian.PutUint32(meta[:4], outcomeCount)
	binary.BigEndian.PutUint64(meta[4:], uint64(createdAt))
	id := ethcrypto.Keccak256Hash([]byte(trimmed), meta[:])
	return &Market{
		id:           id,
		slug:         trimmed,
		outcomeCount: outcomeCount,
		createdAt:    createdAt,
	}, nil
}

// Restore rebuilds a market from persisted fields. Intended for node boot;
// performs the same validation as New but trusts the stored identity.
func Restore(id [32]byte, slug string, outcomeCount uint32, createdAt int64, finalized bool, winner uint32) (*Market, error) {
	if outcomeCount < 2 {
		return nil, ErrTooFewOutcomes
	}
	if finalized && winner >= outcomeCount {
		return nil, ErrWinnerOutOfRange
	}
	return &Market{
		id:           id,
		slug:         strings.TrimSpace(slug),
		outcomeCount: outcomeCount,
		createdAt:    createdAt,
		finalized:    finalized,
		winner:       winner,
	}, nil
}

// MarketID implements StatusOracle.
func (m *Market) MarketID() [32]byte { return m.id }

// Slug returns the governance slug the market identity was derived from.
func (m *Market) Slug() string { return m.slug }

// OutcomeCount implements StatusOracle.
func (m *Market) OutcomeCount() uint32 { return m.outcomeCount }

// CreatedAt returns the creation timestamp (unix seconds).
func (m *Market) CreatedAt() int64 { return m.createdAt }

// Finalized implements StatusOracle.
func (m *Market) Finalized() bool { return m.finalized }

// WinningOutcome implements StatusOracle.
func (m *Market) WinningOutcome() (uint32, bool) {
	if !m.finalized {
		return 0, false
	}
	return m.winner, true
}

// Finalize declares the winning outcome and permanently closes trading. The
// transition is one-shot: re-finalizing, even with the same winner, fails.
func (m *Market) Finalize(winner uint32) error {
	if m.finalized {
		return ErrAlreadyFinalized
	}
	if winner >= m.outcomeCount {
		return fmt.Errorf("%w: %d >= %d", ErrWinnerOutOfRange, winner, m.outcomeCount)
	}
	m.finalized = true
	m.winner = winner
	return nil
}
