package curve

import (
	"errors"
	"fmt"
)

const basisPoints = 10_000

var (
	errTiersEmpty     = errors.New("curve: consistency tier table must not be empty")
	errTiersUnsorted  = errors.New("curve: consistency tiers must be sorted ascending by duration")
	errTierTerminal   = errors.New("curve: final consistency tier must cover the maximum vesting duration at 10000 bps")
	errVestingBounds  = errors.New("curve: vesting bounds must satisfy 0 < min < max")
	errDiscountBounds = errors.New("curve: discount bounds must satisfy min <= max <= 10000")
	errEmergencyCurve = errors.New("curve: emergency base plus time bonus must stay below 10000 bps")
)

// ConsistencyTier maps a duration ceiling (in days) to the share of the safe
// appreciation component that may be priced in, expressed in basis points.
type ConsistencyTier struct {
	MaxDurationDays uint64 `toml:"MaxDurationDays"`
	RatioBps        uint64 `toml:"RatioBps"`
}

// RiskTier adds a fixed risk premium increment for durations up to the ceiling.
type RiskTier struct {
	MaxDurationDays uint64 `toml:"MaxDurationDays"`
	AddBps          uint64 `toml:"AddBps"`
}

// CurveParams holds the fixed constants of the discount curve. They are set at
// initialisation and never mutated at runtime; only MarketParams move.
type CurveParams struct {
	// MaxSafeCagrBps is the baseline annualised growth rate credited to the
	// reserve asset, in basis points.
	MaxSafeCagrBps uint64 `toml:"MaxSafeCagrBps"`
	// BaseVolatilityBps is the baseline monthly volatility; oracle readings
	// above it feed the market adjustment.
	BaseVolatilityBps uint64 `toml:"BaseVolatilityBps"`
	// BaseVolatilityBufferBps is subtracted from the appreciation component
	// at the minimum duration and decays linearly to zero at the maximum.
	BaseVolatilityBufferBps uint64 `toml:"BaseVolatilityBufferBps"`
	// TimePremiumPerMonthBps compensates illiquidity linearly per 30 days.
	TimePremiumPerMonthBps uint64 `toml:"TimePremiumPerMonthBps"`
	// LongLockQuadraticBps is the full quadratic surcharge reached at the
	// maximum duration for locks beyond one year.
	LongLockQuadraticBps uint64 `toml:"LongLockQuadraticBps"`
	// RiskBaselineBps covers operational and platform risk for every bond.
	RiskBaselineBps uint64 `toml:"RiskBaselineBps"`

	MinDiscountBps uint64 `toml:"MinDiscountBps"`
	MaxDiscountBps uint64 `toml:"MaxDiscountBps"`
	MinVestingDays uint64 `toml:"MinVestingDays"`
	MaxVestingDays uint64 `toml:"MaxVestingDays"`

	// EmergencyBaseBps and EmergencyTimeBonusBps define the flat emergency
	// pricing curve used while emergency mode is active.
	EmergencyBaseBps      uint64 `toml:"EmergencyBaseBps"`
	EmergencyTimeBonusBps uint64 `toml:"EmergencyTimeBonusBps"`

	ConsistencyTiers []ConsistencyTier `toml:"ConsistencyTiers"`
	RiskTiers        []RiskTier        `toml:"RiskTiers"`
}

// DefaultCurveParams returns the conservative bootstrap constants.
func DefaultCurveParams() CurveParams {
	return CurveParams{
		MaxSafeCagrBps:          2_000,
		BaseVolatilityBps:       1_500,
		BaseVolatilityBufferBps: 400,
		TimePremiumPerMonthBps:  40,
		LongLockQuadraticBps:    500,
		RiskBaselineBps:         150,
		MinDiscountBps:          100,
		MaxDiscountBps:          5_000,
		MinVestingDays:          30,
		MaxVestingDays:          1_825,
		EmergencyBaseBps:        2_000,
		EmergencyTimeBonusBps:   1_000,
		ConsistencyTiers: []ConsistencyTier{
			{MaxDurationDays: 90, RatioBps: 4_000},
			{MaxDurationDays: 180, RatioBps: 5_500},
			{MaxDurationDays: 365, RatioBps: 7_000},
			{MaxDurationDays: 730, RatioBps: 8_500},
			{MaxDurationDays: 1_825, RatioBps: 10_000},
		},
		RiskTiers: []RiskTier{
			{MaxDurationDays: 90, AddBps: 0},
			{MaxDurationDays: 180, AddBps: 50},
			{MaxDurationDays: 365, AddBps: 100},
			{MaxDurationDays: 730, AddBps: 200},
			{MaxDurationDays: 1_825, AddBps: 300},
		},
	}
}

// Validate checks the structural invariants of the curve constants.
func (p CurveParams) Validate() error {
	if p.MinVestingDays == 0 || p.MinVestingDays >= p.MaxVestingDays {
		return errVestingBounds
	}
	if p.MinDiscountBps > p.MaxDiscountBps || p.MaxDiscountBps > basisPoints {
		return errDiscountBounds
	}
	if len(p.ConsistencyTiers) == 0 {
		return errTiersEmpty
	}
	prev := uint64(0)
	for i, tier := range p.ConsistencyTiers {
		if tier.MaxDurationDays <= prev {
			return errTiersUnsorted
		}
		if tier.RatioBps > basisPoints {
			return fmt.Errorf("curve: consistency tier %d ratio exceeds 10000 bps", i)
		}
		prev = tier.MaxDurationDays
	}
	last := p.ConsistencyTiers[len(p.ConsistencyTiers)-1]
	if last.MaxDurationDays != p.MaxVestingDays || last.RatioBps != basisPoints {
		return errTierTerminal
	}
	prev = 0
	for _, tier := range p.RiskTiers {
		if tier.MaxDurationDays <= prev {
			return errTiersUnsorted
		}
		prev = tier.MaxDurationDays
	}
	if p.EmergencyBaseBps+p.EmergencyTimeBonusBps >= basisPoints {
		return errEmergencyCurve
	}
	return nil
}

// consistencyRatio resolves the tier step function. Durations strictly below a
// tier boundary take that tier's ratio; a duration at the boundary rolls into
// the next tier.
func (p CurveParams) consistencyRatio(vestingDays uint64) uint64 {
	for _, tier := range p.ConsistencyTiers {
		if vestingDays < tier.MaxDurationDays {
			return tier.RatioBps
		}
	}
	return p.ConsistencyTiers[len(p.ConsistencyTiers)-1].RatioBps
}

func (p CurveParams) riskIncrement(vestingDays uint64) uint64 {
	if len(p.RiskTiers) == 0 {
		return 0
	}
	for _, tier := range p.RiskTiers {
		if vestingDays < tier.MaxDurationDays {
			return tier.AddBps
		}
	}
	return p.RiskTiers[len(p.RiskTiers)-1].AddBps
}

// Hard bounds applied when admins retune the market parameters.
const (
	maxVolatilityMultiplier = 500
	maxLiquidityNeedBps     = 2_000
	maxDemandPressureAbsBps = 2_000
	maxDailyChangeCeilBps   = 2_000
)

// MarketParams are the admin-owned knobs layered on top of the fixed curve.
type MarketParams struct {
	// VolatilityMultiplier scales excess volatility into discount bps,
	// expressed as a percentage (100 = 1x).
	VolatilityMultiplier uint64 `toml:"VolatilityMultiplier"`
	// LiquidityNeedBps is added when the treasury wants to attract capital.
	LiquidityNeedBps uint64 `toml:"LiquidityNeedBps"`
	// DemandPressureBps shifts the curve with observed demand; negative
	// values cool an overheated book.
	DemandPressureBps int64 `toml:"DemandPressureBps"`
	// MaxDailyChangeBps bounds how far a single retune may move each of the
	// numeric knobs above.
	MaxDailyChangeBps uint64 `toml:"MaxDailyChangeBps"`
	// EmergencyMode switches pricing to the flat emergency curve. It is
	// toggled through SetEmergencyMode, never through UpdateMarketParams.
	EmergencyMode bool `toml:"EmergencyMode"`
}

// DefaultMarketParams returns the conservative bootstrap knobs.
func DefaultMarketParams() MarketParams {
	return MarketParams{
		VolatilityMultiplier: 100,
		LiquidityNeedBps:     0,
		DemandPressureBps:    0,
		MaxDailyChangeBps:    500,
	}
}

// Validate checks each knob against its hard bound.
func (m MarketParams) Validate() error {
	if m.VolatilityMultiplier > maxVolatilityMultiplier {
		return fmt.Errorf("%w: volatility multiplier %d exceeds %d", ErrInvalidParameter, m.VolatilityMultiplier, maxVolatilityMultiplier)
	}
	if m.LiquidityNeedBps > maxLiquidityNeedBps {
		return fmt.Errorf("%w: liquidity need %d bps exceeds %d", ErrInvalidParameter, m.LiquidityNeedBps, maxLiquidityNeedBps)
	}
	if m.DemandPressureBps > maxDemandPressureAbsBps || m.DemandPressureBps < -maxDemandPressureAbsBps {
		return fmt.Errorf("%w: demand pressure %d bps outside +/-%d", ErrInvalidParameter, m.DemandPressureBps, maxDemandPressureAbsBps)
	}
	if m.MaxDailyChangeBps == 0 || m.MaxDailyChangeBps > maxDailyChangeCeilBps {
		return fmt.Errorf("%w: max daily change %d bps outside (0, %d]", ErrInvalidParameter, m.MaxDailyChangeBps, maxDailyChangeCeilBps)
	}
	return nil
}

func absDelta(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

func absDeltaSigned(a, b int64) uint64 {
	d := a - b
	if d < 0 {
		d = -d
	}
	return uint64(d)
}

// boundedBy reports whether the proposed knobs move from the current ones by
// more than the configured daily allowance.
func (m MarketParams) boundedBy(current MarketParams) error {
	limit := current.MaxDailyChangeBps
	if limit == 0 {
		return nil
	}
	if absDelta(m.LiquidityNeedBps, current.LiquidityNeedBps) > limit {
		return fmt.Errorf("%w: liquidity need change exceeds daily allowance of %d bps", ErrInvalidParameter, limit)
	}
	if absDeltaSigned(m.DemandPressureBps, current.DemandPressureBps) > limit {
		return fmt.Errorf("%w: demand pressure change exceeds daily allowance of %d bps", ErrInvalidParameter, limit)
	}
	if absDelta(m.VolatilityMultiplier, current.VolatilityMultiplier) > limit {
		return fmt.Errorf("%w: volatility multiplier change exceeds daily allowance of %d", ErrInvalidParameter, limit)
	}
	return nil
}
