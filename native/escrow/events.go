package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"futarchy/core/types"
)

const (
	EventTypeEscrowCreated     = "escrow.created"
	EventTypeOutcomeRegistered = "escrow.outcome_registered"
	EventTypeSeeded            = "escrow.seeded"
	EventTypeSetMinted         = "escrow.set_minted"
	EventTypeSetRedeemed       = "escrow.set_redeemed"
	EventTypeWinningsRedeemed  = "escrow.winnings_redeemed"
	EventTypeLosingBurned      = "escrow.losing_burned"
	EventTypeSwapped           = "escrow.swapped"
	EventTypeFeeExtracted      = "escrow.fee_extracted"
	EventTypeSwept             = "escrow.swept"
)

func baseAttributes(esc *Escrow) map[string]string {
	attrs := make(map[string]string)
	if esc == nil {
		return attrs
	}
	id := esc.MarketID()
	attrs["market"] = hex.EncodeToString(id[:])
	attrs["seq"] = strconv.FormatUint(esc.SeqNum(), 10)
	attrs["riskAssetBalance"] = esc.Balance(FlavorRiskAsset).String()
	attrs["numeraireBalance"] = esc.Balance(FlavorNumeraire).String()
	return attrs
}

func amountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func newCreatedEvent(esc *Escrow) *types.Event {
	attrs := baseAttributes(esc)
	if esc != nil {
		attrs["outcomes"] = strconv.FormatUint(uint64(esc.OutcomeCount()), 10)
		attrs["createdAt"] = strconv.FormatInt(esc.CreatedAt(), 10)
	}
	return &types.Event{Type: EventTypeEscrowCreated, Attributes: attrs}
}

func newOutcomeRegisteredEvent(esc *Escrow, index uint32) *types.Event {
	attrs := baseAttributes(esc)
	attrs["outcome"] = strconv.FormatUint(uint64(index), 10)
	if esc != nil {
		attrs["riskAssetSupply"] = esc.Supply(index, FlavorRiskAsset).String()
		attrs["numeraireSupply"] = esc.Supply(index, FlavorNumeraire).String()
	}
	return &types.Event{Type: EventTypeOutcomeRegistered, Attributes: attrs}
}

func newSeededEvent(esc *Escrow, riskDeposit, numeraireDeposit *big.Int, topUps int) *types.Event {
	attrs := baseAttributes(esc)
	attrs["riskAssetDeposit"] = amountString(riskDeposit)
	attrs["numeraireDeposit"] = amountString(numeraireDeposit)
	attrs["topUps"] = strconv.Itoa(topUps)
	return &types.Event{Type: EventTypeSeeded, Attributes: attrs}
}

func newSetMintedEvent(esc *Escrow, flavor Flavor, amount *big.Int) *types.Event {
	attrs := baseAttributes(esc)
	attrs["flavor"] = flavor.String()
	attrs["amount"] = amountString(amount)
	return &types.Event{Type: EventTypeSetMinted, Attributes: attrs}
}

func newSetRedeemedEvent(esc *Escrow, flavor Flavor, amount *big.Int) *types.Event {
	attrs := baseAttributes(esc)
	attrs["flavor"] = flavor.String()
	attrs["amount"] = amountString(amount)
	return &types.Event{Type: EventTypeSetRedeemed, Attributes: attrs}
}

func newWinningsRedeemedEvent(esc *Escrow, flavor Flavor, winner uint32, amount *big.Int) *types.Event {
	attrs := baseAttributes(esc)
	attrs["flavor"] = flavor.String()
	attrs["winner"] = strconv.FormatUint(uint64(winner), 10)
	attrs["amount"] = amountString(amount)
	return &types.Event{Type: EventTypeWinningsRedeemed, Attributes: attrs}
}

func newLosingBurnedEvent(esc *Escrow, winner uint32, burned int) *types.Event {
	attrs := baseAttributes(esc)
	attrs["winner"] = strconv.FormatUint(uint64(winner), 10)
	attrs["burned"] = strconv.Itoa(burned)
	return &types.Event{Type: EventTypeLosingBurned, Attributes: attrs}
}

func newSwappedEvent(esc *Escrow, outcome uint32, from Flavor, amountIn, amountOut *big.Int) *types.Event {
	attrs := baseAttributes(esc)
	attrs["outcome"] = strconv.FormatUint(uint64(outcome), 10)
	attrs["fromFlavor"] = from.String()
	attrs["toFlavor"] = from.Other().String()
	attrs["amountIn"] = amountString(amountIn)
	attrs["amountOut"] = amountString(amountOut)
	return &types.Event{Type: EventTypeSwapped, Attributes: attrs}
}

func newFeeExtractedEvent(esc *Escrow, amount *big.Int) *types.Event {
	attrs := baseAttributes(esc)
	attrs["amount"] = amountString(amount)
	attrs["totalExtracted"] = esc.Extension(ExtensionFeesExtracted).String()
	return &types.Event{Type: EventTypeFeeExtracted, Attributes: attrs}
}

func newSweptEvent(esc *Escrow, riskAsset, numeraire *big.Int) *types.Event {
	attrs := baseAttributes(esc)
	attrs["riskAssetSwept"] = amountString(riskAsset)
	attrs["numeraireSwept"] = amountString(numeraire)
	return &types.Event{Type: EventTypeSwept, Attributes: attrs}
}
