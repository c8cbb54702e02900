package bond

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"bondvault/core/types"
)

const (
	// EventTypePurchased is emitted when a purchase commits.
	EventTypePurchased = "bond.purchased"
	// EventTypeRedeemed is emitted when a position is burned and credited.
	EventTypeRedeemed = "bond.redeemed"
	// EventTypeCohortMatured marks a cohort's first successful redemption.
	EventTypeCohortMatured = "bond.cohort_matured"
)

type bondEvent struct {
	evt *types.Event
}

func (e bondEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e bondEvent) Event() *types.Event { return e.evt }

func newPurchasedEvent(buyer [20]byte, cohortID int64, capital, owed *big.Int, discountBps, vestingDays uint64) bondEvent {
	return bondEvent{evt: &types.Event{
		Type: EventTypePurchased,
		Attributes: map[string]string{
			"buyer":       hex.EncodeToString(buyer[:]),
			"cohortId":    strconv.FormatInt(cohortID, 10),
			"capital":     capital.String(),
			"owed":        owed.String(),
			"discountBps": strconv.FormatUint(discountBps, 10),
			"vestingDays": strconv.FormatUint(vestingDays, 10),
		},
	}}
}

func newRedeemedEvent(holder [20]byte, cohortID int64, amount *big.Int) bondEvent {
	return bondEvent{evt: &types.Event{
		Type: EventTypeRedeemed,
		Attributes: map[string]string{
			"holder":   hex.EncodeToString(holder[:]),
			"cohortId": strconv.FormatInt(cohortID, 10),
			"amount":   amount.String(),
		},
	}}
}

func newCohortMaturedEvent(cohortID int64) bondEvent {
	return bondEvent{evt: &types.Event{
		Type: EventTypeCohortMatured,
		Attributes: map[string]string{
			"cohortId": strconv.FormatInt(cohortID, 10),
		},
	}}
}
