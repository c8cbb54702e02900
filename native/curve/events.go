package curve

import (
	"strconv"

	"bondvault/core/types"
)

const (
	// EventTypeMarketParamsUpdated is emitted after an admin retune commits.
	EventTypeMarketParamsUpdated = "curve.params_updated"
	// EventTypeEmergencyMode is emitted when the emergency flag flips.
	EventTypeEmergencyMode = "curve.emergency_mode"
)

type curveEvent struct {
	evt *types.Event
}

func (e curveEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e curveEvent) Event() *types.Event { return e.evt }

func newMarketParamsEvent(m MarketParams) curveEvent {
	return curveEvent{evt: &types.Event{
		Type: EventTypeMarketParamsUpdated,
		Attributes: map[string]string{
			"volatilityMultiplier": strconv.FormatUint(m.VolatilityMultiplier, 10),
			"liquidityNeedBps":     strconv.FormatUint(m.LiquidityNeedBps, 10),
			"demandPressureBps":    strconv.FormatInt(m.DemandPressureBps, 10),
			"maxDailyChangeBps":    strconv.FormatUint(m.MaxDailyChangeBps, 10),
		},
	}}
}

func newEmergencyModeEvent(enabled bool) curveEvent {
	return curveEvent{evt: &types.Event{
		Type: EventTypeEmergencyMode,
		Attributes: map[string]string{
			"enabled": strconv.FormatBool(enabled),
		},
	}}
}
