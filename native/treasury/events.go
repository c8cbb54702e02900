package treasury

import (
	"math/big"
	"strconv"

	"bondvault/core/types"
)

const (
	// EventTypeConverted is emitted after capital settles into a reserve
	// batch.
	EventTypeConverted = "treasury.converted"
	// EventTypeObligationRecorded and EventTypeObligationReleased track the
	// obligation ledger.
	EventTypeObligationRecorded = "treasury.obligation_recorded"
	EventTypeObligationReleased = "treasury.obligation_released"
	// EventTypeEmergencyPaused marks the automatic entry into the paused
	// state; EventTypeResumed marks the explicit admin exit.
	EventTypeEmergencyPaused = "treasury.emergency_paused"
	EventTypeResumed         = "treasury.resumed"
	// EventTypeLiquidated records a mature-only emergency liquidation.
	EventTypeLiquidated = "treasury.liquidated"
)

const (
	eventObligationRecorded = EventTypeObligationRecorded
	eventObligationReleased = EventTypeObligationReleased
)

type treasuryEvent struct {
	evt *types.Event
}

func (e treasuryEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e treasuryEvent) Event() *types.Event { return e.evt }

func newConvertedEvent(batch *ReserveBatch, backingRatioBps uint64) treasuryEvent {
	attrs := map[string]string{
		"batchId":         strconv.FormatUint(batch.ID, 10),
		"amount":          batch.Amount.String(),
		"maturesAt":       strconv.FormatInt(batch.MaturesAt, 10),
		"backingRatioBps": strconv.FormatUint(backingRatioBps, 10),
	}
	if batch.AcquisitionPrice != nil {
		attrs["executionPrice"] = batch.AcquisitionPrice.FloatString(8)
	}
	return treasuryEvent{evt: &types.Event{Type: EventTypeConverted, Attributes: attrs}}
}

func newObligationEvent(eventType string, amount *big.Int, maturity int64, total *big.Int) treasuryEvent {
	return treasuryEvent{evt: &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"amount":           amount.String(),
			"maturity":         strconv.FormatInt(maturity, 10),
			"totalObligations": total.String(),
		},
	}}
}

func newEmergencyPausedEvent(coverageBps *big.Int) treasuryEvent {
	coverage := ""
	if coverageBps != nil {
		coverage = coverageBps.String()
	}
	return treasuryEvent{evt: &types.Event{
		Type: EventTypeEmergencyPaused,
		Attributes: map[string]string{
			"weightedCoverageBps": coverage,
		},
	}}
}

func newResumedEvent(backingRatioBps uint64) treasuryEvent {
	return treasuryEvent{evt: &types.Event{
		Type: EventTypeResumed,
		Attributes: map[string]string{
			"backingRatioBps": strconv.FormatUint(backingRatioBps, 10),
		},
	}}
}

func newLiquidatedEvent(amount *big.Int, batchesTouched int) treasuryEvent {
	return treasuryEvent{evt: &types.Event{
		Type: EventTypeLiquidated,
		Attributes: map[string]string{
			"amount":         amount.String(),
			"batchesTouched": strconv.Itoa(batchesTouched),
		},
	}}
}
