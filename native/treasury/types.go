package treasury

import (
	"errors"
	"fmt"
	"math/big"
)

const basisPoints = 10_000

// Strategy selects how incoming capital is deployed into the reserve asset.
type Strategy string

const (
	// StrategyImmediate converts the full amount in the same call.
	StrategyImmediate Strategy = "immediate"
	// StrategyStaged splits the amount into equal slices executed on a
	// fixed cadence by the operator.
	StrategyStaged Strategy = "staged"
	// StrategySplit converts a configured share immediately and stages the
	// remainder.
	StrategySplit Strategy = "split"
)

// Valid reports whether the strategy is one of the supported modes.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyImmediate, StrategyStaged, StrategySplit:
		return true
	}
	return false
}

// TreasuryState is the singleton accounting record owned by the engine.
// TotalReserve only grows through successful conversions and only shrinks
// through mature-only emergency liquidation; TotalObligations moves solely
// through Record/ReleaseObligation.
type TreasuryState struct {
	TotalReserve          *big.Int
	TotalObligations      *big.Int
	TotalCapitalProcessed *big.Int
	IdleCapital           *big.Int
	TotalCapitalConverted *big.Int
	TotalReserveAcquired  *big.Int
	LastBackingRatioBps   uint64
	EmergencyPaused       bool
	NextBatchID           uint64
}

// Clone returns a deep copy of the state record.
func (s *TreasuryState) Clone() *TreasuryState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.TotalReserve = cloneBig(s.TotalReserve)
	clone.TotalObligations = cloneBig(s.TotalObligations)
	clone.TotalCapitalProcessed = cloneBig(s.TotalCapitalProcessed)
	clone.IdleCapital = cloneBig(s.IdleCapital)
	clone.TotalCapitalConverted = cloneBig(s.TotalCapitalConverted)
	clone.TotalReserveAcquired = cloneBig(s.TotalReserveAcquired)
	return &clone
}

// ReserveBatch tracks one conversion's reserve under the statistical holding
// guarantee. Batches are never merged; Amount decreases only through
// emergency liquidation and a fully consumed batch is retained at zero for
// audit continuity. Mature flips false to true exactly once.
type ReserveBatch struct {
	ID               uint64
	Amount           *big.Int
	OriginalAmount   *big.Int
	AcquiredAt       int64
	MaturesAt        int64
	AcquisitionPrice *big.Rat
	Mature           bool
}

// Clone returns a deep copy of the batch.
func (b *ReserveBatch) Clone() *ReserveBatch {
	if b == nil {
		return nil
	}
	clone := *b
	clone.Amount = cloneBig(b.Amount)
	clone.OriginalAmount = cloneBig(b.OriginalAmount)
	if b.AcquisitionPrice != nil {
		clone.AcquisitionPrice = new(big.Rat).Set(b.AcquisitionPrice)
	}
	return &clone
}

// StagedOrder tracks capital awaiting sliced conversion. Orders close when
// the remainder reaches zero or the deadline passes; unconverted remainder
// stays in the idle capital pool.
type StagedOrder struct {
	ID              string
	RemainingAmount *big.Int
	SliceAmount     *big.Int
	CadenceSeconds  int64
	CreatedAt       int64
	LastExecutedAt  int64
	Deadline        int64
	Closed          bool
}

// Clone returns a deep copy of the order.
func (o *StagedOrder) Clone() *StagedOrder {
	if o == nil {
		return nil
	}
	clone := *o
	clone.RemainingAmount = cloneBig(o.RemainingAmount)
	clone.SliceAmount = cloneBig(o.SliceAmount)
	return &clone
}

// SolvencyReport is the result of a point-in-time solvency check. Excess is
// positive when held value covers the requirement and negative otherwise,
// denominated in capital-asset value.
type SolvencyReport struct {
	Solvent         bool
	RequiredValue   *big.Rat
	HeldValue       *big.Rat
	ExcessOrDeficit *big.Rat
	BackingRatioBps uint64
}

// Status aggregates the treasury for operator dashboards and the RPC surface.
type Status struct {
	TotalReserve          *big.Int
	MatureReserve         *big.Int
	ImmatureReserve       *big.Int
	TotalObligations      *big.Int
	TotalCapitalProcessed *big.Int
	IdleCapital           *big.Int
	BackingRatioBps       uint64
	EmergencyPaused       bool
	OpenStagedOrders      int
	BatchCount            int
	BlendedCostBasis      *big.Rat
	Strategy              Strategy
}

// Params groups the operator-configured treasury knobs.
type Params struct {
	// MinimumConversionAmount rejects dust deposits.
	MinimumConversionAmount *big.Int
	// MaxSlippageBps bounds acceptable venue execution shortfall.
	MaxSlippageBps uint64
	// GuaranteePeriodSeconds is the statistical holding period a batch must
	// age through before it may be forcibly liquidated.
	GuaranteePeriodSeconds int64
	// GuaranteeSuccessRateBps caps the confidence weight a fully aged batch
	// contributes to the weighted solvency figure.
	GuaranteeSuccessRateBps uint64
	// StartBackingRatioBps and FloorBackingRatioBps bound the progressive
	// backing requirement as maturity progress advances from 0 to 10000.
	StartBackingRatioBps uint64
	FloorBackingRatioBps uint64
	// EmergencyThresholdBps pauses the treasury when weighted coverage of
	// the requirement falls below it.
	EmergencyThresholdBps uint64
	// StagedSlices and StagedCadenceSeconds shape staged orders.
	StagedSlices         uint64
	StagedCadenceSeconds int64
	// SplitImmediateBps is the share converted immediately under the split
	// strategy.
	SplitImmediateBps uint64
	// OrderDeadlineGraceSeconds extends an order's deadline beyond its
	// nominal slice schedule.
	OrderDeadlineGraceSeconds int64
}

// DefaultParams returns the conservative bootstrap treasury knobs.
func DefaultParams() Params {
	return Params{
		MinimumConversionAmount:   big.NewInt(1),
		MaxSlippageBps:            100,
		GuaranteePeriodSeconds:    120 * 24 * 60 * 60,
		GuaranteeSuccessRateBps:   9_500,
		StartBackingRatioBps:      20_000,
		FloorBackingRatioBps:      11_000,
		EmergencyThresholdBps:     basisPoints,
		StagedSlices:              10,
		StagedCadenceSeconds:      24 * 60 * 60,
		SplitImmediateBps:         5_000,
		OrderDeadlineGraceSeconds: 3 * 24 * 60 * 60,
	}
}

// Validate checks internal consistency of the knobs.
func (p Params) Validate() error {
	if p.MinimumConversionAmount == nil || p.MinimumConversionAmount.Sign() <= 0 {
		return errors.New("treasury: minimum conversion amount must be positive")
	}
	if p.MaxSlippageBps >= basisPoints {
		return errors.New("treasury: max slippage must be below 10000 bps")
	}
	if p.GuaranteePeriodSeconds <= 0 {
		return errors.New("treasury: guarantee period must be positive")
	}
	if p.GuaranteeSuccessRateBps == 0 || p.GuaranteeSuccessRateBps > basisPoints {
		return errors.New("treasury: guarantee success rate must be in (0, 10000] bps")
	}
	if p.FloorBackingRatioBps < basisPoints {
		return errors.New("treasury: floor backing ratio must be at least 10000 bps")
	}
	if p.StartBackingRatioBps < p.FloorBackingRatioBps {
		return errors.New("treasury: start backing ratio must not be below the floor")
	}
	if p.StagedSlices == 0 {
		return errors.New("treasury: staged slices must be positive")
	}
	if p.StagedCadenceSeconds <= 0 {
		return errors.New("treasury: staged cadence must be positive")
	}
	if p.SplitImmediateBps == 0 || p.SplitImmediateBps >= basisPoints {
		return fmt.Errorf("treasury: split immediate share %d bps outside (0, 10000)", p.SplitImmediateBps)
	}
	return nil
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
