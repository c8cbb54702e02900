package bond

import (
	"errors"
	"math/big"
)

const basisPoints = 10_000

// Cohort groups bonds maturing inside the same bucket window into one
// semi-fungible position type. Weighted averages are maintained
// incrementally on every purchase; Matured flips one-way on the first
// redemption attempt at or after the maturity timestamp.
type Cohort struct {
	ID                  int64
	MaturityTimestamp   int64
	TotalObligationOwed *big.Int
	TotalCapitalRaised  *big.Int
	// WeightedAvgDiscount is weighted by capital contributed;
	// WeightedAvgVestingDays is weighted by obligation owed. Both are kept
	// as exact rationals so incremental updates match a from-scratch
	// recomputation; basis-point views round down.
	WeightedAvgDiscount    *big.Rat
	WeightedAvgVestingDays *big.Rat
	Matured                bool
	Contributions          map[[20]byte]*big.Int
}

// Clone returns a deep copy of the cohort.
func (c *Cohort) Clone() *Cohort {
	if c == nil {
		return nil
	}
	clone := *c
	if c.TotalObligationOwed != nil {
		clone.TotalObligationOwed = new(big.Int).Set(c.TotalObligationOwed)
	}
	if c.TotalCapitalRaised != nil {
		clone.TotalCapitalRaised = new(big.Int).Set(c.TotalCapitalRaised)
	}
	if c.WeightedAvgDiscount != nil {
		clone.WeightedAvgDiscount = new(big.Rat).Set(c.WeightedAvgDiscount)
	}
	if c.WeightedAvgVestingDays != nil {
		clone.WeightedAvgVestingDays = new(big.Rat).Set(c.WeightedAvgVestingDays)
	}
	clone.Contributions = make(map[[20]byte]*big.Int, len(c.Contributions))
	for addr, amount := range c.Contributions {
		clone.Contributions[addr] = new(big.Int).Set(amount)
	}
	return &clone
}

// AvgDiscountBps renders the capital-weighted average discount in basis
// points, rounded down.
func (c *Cohort) AvgDiscountBps() uint64 {
	if c == nil || c.WeightedAvgDiscount == nil {
		return 0
	}
	v := new(big.Int).Quo(c.WeightedAvgDiscount.Num(), c.WeightedAvgDiscount.Denom())
	if v.Sign() < 0 {
		return 0
	}
	return v.Uint64()
}

// AvgVestingDays renders the owed-weighted average vesting duration in whole
// days, rounded down.
func (c *Cohort) AvgVestingDays() uint64 {
	if c == nil || c.WeightedAvgVestingDays == nil {
		return 0
	}
	v := new(big.Int).Quo(c.WeightedAvgVestingDays.Num(), c.WeightedAvgVestingDays.Denom())
	if v.Sign() < 0 {
		return 0
	}
	return v.Uint64()
}

// PurchaseQuote is the read-only simulation of a purchase.
type PurchaseQuote struct {
	OwedAmount        *big.Int
	DiscountBps       uint64
	CohortID          int64
	MaturityTimestamp int64
}

// PositionInfo describes one holder's stake in a cohort.
type PositionInfo struct {
	CohortID          int64
	Balance           *big.Int
	MaturityTimestamp int64
	Matured           bool
}

// BatchRedeemResult reports the outcome of one cohort inside a batch
// redemption. Failures are carried per cohort; successes stand on their own.
type BatchRedeemResult struct {
	CohortID int64
	Amount   *big.Int
	Err      error
}

// Params groups the issuance-side knobs.
type Params struct {
	// MinimumBondAmount rejects dust purchases.
	MinimumBondAmount *big.Int
	// CohortBucketSeconds is the maturity truncation width that groups
	// bonds into cohorts.
	CohortBucketSeconds int64
}

// DefaultParams returns the bootstrap issuance knobs: 30-day cohort buckets.
func DefaultParams() Params {
	return Params{
		MinimumBondAmount:   big.NewInt(1),
		CohortBucketSeconds: 30 * 24 * 60 * 60,
	}
}

// Validate checks internal consistency of the knobs.
func (p Params) Validate() error {
	if p.MinimumBondAmount == nil || p.MinimumBondAmount.Sign() <= 0 {
		return errors.New("bond: minimum bond amount must be positive")
	}
	if p.CohortBucketSeconds <= 0 {
		return errors.New("bond: cohort bucket width must be positive")
	}
	return nil
}
