package bond

import (
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"bondvault/core/events"
	"bondvault/native/common"
	"bondvault/native/curve"
	"bondvault/native/treasury"
)

var (
	// ErrAmountTooSmall rejects purchases below the configured minimum or
	// so small that they round to zero owed units.
	ErrAmountTooSmall = errors.New("bond: amount below minimum bond size")
	// ErrOracleIntegrityFailed rejects purchases while the statistical
	// oracle fails its integrity check.
	ErrOracleIntegrityFailed = errors.New("bond: oracle integrity check failed")
	// ErrDiscountExceedsUserLimit protects buyers from a discount above
	// the bound they quoted.
	ErrDiscountExceedsUserLimit = errors.New("bond: discount exceeds caller limit")
	// ErrZeroIssuePrice rejects quotes where the discount consumes the
	// entire reference price and no finite owed amount exists.
	ErrZeroIssuePrice = errors.New("bond: discount leaves zero issue price")
	// ErrNotYetMatured blocks redemption before the cohort window closes.
	ErrNotYetMatured = errors.New("bond: cohort not yet matured")
	// ErrTreasuryInsolvent blocks redemption outright while the treasury
	// cannot cover outstanding obligations.
	ErrTreasuryInsolvent = errors.New("bond: treasury insolvent")
	// ErrNoBondsToRedeem reports a zero balance for the caller.
	ErrNoBondsToRedeem = errors.New("bond: no bonds to redeem")
	// ErrCohortNotFound reports an unknown cohort identifier.
	ErrCohortNotFound = errors.New("bond: cohort not found")

	errNilState  = errors.New("bond: state not configured")
	errNilCurve  = errors.New("bond: discount curve not configured")
	errNilVault  = errors.New("bond: treasury manager not configured")
	errNilOracle = errors.New("bond: reference oracle not configured")
	errNilLedger = errors.New("bond: debt ledger not configured")
)

const moduleName = "bond"

const secondsPerDay = 24 * 60 * 60

// DiscountCurve is the pricing surface the issuance ledger consumes.
type DiscountCurve interface {
	GetDiscount(vestingDays uint64) (uint64, error)
	Params() curve.CurveParams
}

// TreasuryManager is the custody surface the issuance ledger composes. The
// conversion and the obligation recording travel in one call so the treasury
// can stage both against a single commit.
type TreasuryManager interface {
	ConvertAndRecord(caller [20]byte, capitalAmount *big.Int, slippageBps uint64, obligation *big.Int, maturity int64) (*big.Int, error)
	ReleaseObligation(caller [20]byte, amount *big.Int, maturity int64) error
	CheckSolvency() (treasury.SolvencyReport, error)
}

// ReferenceOracle supplies the statistical reference price for issuance.
type ReferenceOracle interface {
	ReferencePrice() (*big.Rat, error)
	ValidateIntegrity() bool
}

// DebtLedger credits redeemed holders on the external debt-backed asset
// ledger. Mint and supply-cap bookkeeping live on the other side of this
// interface.
type DebtLedger interface {
	CreditBalance(holder [20]byte, amount *big.Int) error
}

type engineState interface {
	GetCohort(id int64) (*Cohort, error)
	PutCohort(*Cohort) error
	CohortIDs() ([]int64, error)
	GetPosition(holder [20]byte, cohortID int64) (*big.Int, error)
	PutPosition(holder [20]byte, cohortID int64, balance *big.Int) error
	PositionCohorts(holder [20]byte) ([]int64, error)
}

// Engine is the buyer-facing issuance and redemption ledger. It composes the
// discount curve for pricing and the treasury for custody, and owns cohorts
// and semi-fungible positions exclusively. Each top-level operation runs
// serialized under one lock with all preconditions validated before the
// first mutation.
type Engine struct {
	mu         sync.Mutex
	state      engineState
	params     Params
	curve      DiscountCurve
	vault      TreasuryManager
	stats      ReferenceOracle
	debt       DebtLedger
	pauses     common.PauseView
	emitter    events.Emitter
	clock      func() time.Time
	moduleAddr [20]byte
}

// NewEngine constructs a bond engine. moduleAddr identifies the engine to the
// treasury, which expects it to hold the protocol role.
func NewEngine(moduleAddr [20]byte, params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		params:     params,
		moduleAddr: moduleAddr,
		emitter:    events.NoopEmitter{},
		clock:      time.Now,
	}, nil
}

// SetState wires the persistence layer.
func (e *Engine) SetState(state engineState) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
}

// SetCollaborators wires the discount curve, treasury, reference oracle and
// external debt ledger.
func (e *Engine) SetCollaborators(c DiscountCurve, vault TreasuryManager, stats ReferenceOracle, debt DebtLedger) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.curve = c
	e.vault = vault
	e.stats = stats
	e.debt = debt
}

// SetPauses wires the module pause switchboard.
func (e *Engine) SetPauses(p common.PauseView) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauses = p
}

// SetEmitter configures the event sink. Passing nil restores the no-op sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetClock overrides the time source for deterministic tests.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

// Purchase prices a bond at the current discount, deploys the capital through
// the treasury and mints the buyer's position in the maturity cohort. The
// conversion and the obligation land through one treasury call, so a failed
// purchase converts nothing and records nothing; no cohort or position state
// is persisted until that call succeeds. slippageBps caps the conversion
// shortfall the buyer accepts, with zero deferring to the treasury's
// configured cap.
func (e *Engine) Purchase(buyer [20]byte, capitalAmount *big.Int, vestingDays, maxAcceptableDiscountBps, slippageBps uint64) (int64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return 0, err
	}
	quote, err := e.quote(capitalAmount, vestingDays)
	if err != nil {
		return 0, err
	}
	if quote.DiscountBps > maxAcceptableDiscountBps {
		return 0, ErrDiscountExceedsUserLimit
	}
	if e.vault == nil {
		return 0, errNilVault
	}

	cohort, err := e.ensureCohort(quote.CohortID, quote.MaturityTimestamp)
	if err != nil {
		return 0, err
	}

	// Stage every ledger mutation on clones before touching collaborators.
	staged := cohort.Clone()
	applyPurchase(staged, buyer, capitalAmount, quote.OwedAmount, quote.DiscountBps, vestingDays)

	balance, err := e.positionBalance(buyer, quote.CohortID)
	if err != nil {
		return 0, err
	}
	newBalance := new(big.Int).Add(balance, quote.OwedAmount)

	if _, err := e.vault.ConvertAndRecord(e.moduleAddr, capitalAmount, slippageBps, quote.OwedAmount, staged.MaturityTimestamp); err != nil {
		return 0, err
	}

	if err := e.state.PutCohort(staged); err != nil {
		return 0, err
	}
	if err := e.state.PutPosition(buyer, quote.CohortID, newBalance); err != nil {
		return 0, err
	}

	e.emitter.Emit(newPurchasedEvent(buyer, staged.ID, capitalAmount, quote.OwedAmount, quote.DiscountBps, vestingDays))
	return quote.CohortID, nil
}

// Redeem burns the caller's full position in a matured cohort and credits the
// debt-backed asset. Redemption is blocked outright while the treasury is
// insolvent; there is no partial payout.
func (e *Engine) Redeem(caller [20]byte, cohortID int64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.redeemLocked(caller, cohortID)
}

// BatchRedeem attempts redemption for every listed cohort in which the caller
// holds a nonzero balance. Each redemption is independently atomic; one
// failure does not roll back earlier successes.
func (e *Engine) BatchRedeem(caller [20]byte, cohortIDs []int64) []BatchRedeemResult {
	if e == nil || e.state == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	results := make([]BatchRedeemResult, 0, len(cohortIDs))
	for _, id := range cohortIDs {
		balance, err := e.positionBalance(caller, id)
		if err == nil && balance.Sign() == 0 {
			continue
		}
		amount, err := e.redeemLocked(caller, id)
		results = append(results, BatchRedeemResult{CohortID: id, Amount: amount, Err: err})
	}
	return results
}

func (e *Engine) redeemLocked(caller [20]byte, cohortID int64) (*big.Int, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if e.vault == nil {
		return nil, errNilVault
	}
	if e.debt == nil {
		return nil, errNilLedger
	}
	cohort, err := e.state.GetCohort(cohortID)
	if err != nil {
		return nil, err
	}
	if cohort == nil {
		return nil, ErrCohortNotFound
	}
	now := e.clock().Unix()
	if now < cohort.MaturityTimestamp {
		return nil, ErrNotYetMatured
	}
	report, err := e.vault.CheckSolvency()
	if err != nil {
		return nil, err
	}
	if !report.Solvent {
		return nil, ErrTreasuryInsolvent
	}
	balance, err := e.positionBalance(caller, cohortID)
	if err != nil {
		return nil, err
	}
	if balance.Sign() == 0 {
		return nil, ErrNoBondsToRedeem
	}

	// The holder is credited and the position burned before the obligation
	// unwinds. A failure mid-sequence leaves the obligation recorded, never
	// a paid-out position, so a retried redemption cannot double-release.
	if err := e.debt.CreditBalance(caller, balance); err != nil {
		return nil, err
	}
	if err := e.state.PutPosition(caller, cohortID, big.NewInt(0)); err != nil {
		return nil, err
	}
	matured := false
	if !cohort.Matured {
		staged := cohort.Clone()
		staged.Matured = true
		if err := e.state.PutCohort(staged); err != nil {
			return nil, err
		}
		matured = true
	}
	if err := e.vault.ReleaseObligation(e.moduleAddr, balance, cohort.MaturityTimestamp); err != nil {
		return nil, err
	}

	e.emitter.Emit(newRedeemedEvent(caller, cohortID, balance))
	if matured {
		e.emitter.Emit(newCohortMaturedEvent(cohortID))
	}
	return balance, nil
}

// PreviewPurchase simulates a purchase with the live curve and reference
// price. No state is read or written beyond the quote inputs.
func (e *Engine) PreviewPurchase(capitalAmount *big.Int, vestingDays uint64) (PurchaseQuote, error) {
	if e == nil {
		return PurchaseQuote{}, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quote(capitalAmount, vestingDays)
}

// CurrentPositionValue estimates the present value of the caller's position
// by re-pricing it at the current discount for the remaining duration. This
// is a display approximation, not a redemption guarantee.
func (e *Engine) CurrentPositionValue(holder [20]byte, cohortID int64) (*big.Rat, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.curve == nil {
		return nil, errNilCurve
	}
	if e.stats == nil {
		return nil, errNilOracle
	}
	cohort, err := e.state.GetCohort(cohortID)
	if err != nil {
		return nil, err
	}
	if cohort == nil {
		return nil, ErrCohortNotFound
	}
	balance, err := e.positionBalance(holder, cohortID)
	if err != nil {
		return nil, err
	}
	referencePrice, err := e.stats.ReferencePrice()
	if err != nil {
		return nil, err
	}

	value := new(big.Rat).SetInt(balance)
	value.Mul(value, referencePrice)

	now := e.clock().Unix()
	if now >= cohort.MaturityTimestamp {
		return value, nil
	}

	remainingDays := uint64((cohort.MaturityTimestamp - now + secondsPerDay - 1) / secondsPerDay)
	bounds := e.curve.Params()
	if remainingDays < bounds.MinVestingDays {
		remainingDays = bounds.MinVestingDays
	}
	if remainingDays > bounds.MaxVestingDays {
		remainingDays = bounds.MaxVestingDays
	}
	discount, err := e.curve.GetDiscount(remainingDays)
	if err != nil {
		return nil, err
	}
	value.Mul(value, big.NewRat(int64(basisPoints-discount), basisPoints))
	return value, nil
}

// UserPositions lists the holder's nonzero positions sorted by cohort.
func (e *Engine) UserPositions(holder [20]byte) ([]PositionInfo, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ids, err := e.state.PositionCohorts(holder)
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	positions := make([]PositionInfo, 0, len(ids))
	for _, id := range ids {
		balance, err := e.positionBalance(holder, id)
		if err != nil {
			return nil, err
		}
		if balance.Sign() == 0 {
			continue
		}
		cohort, err := e.state.GetCohort(id)
		if err != nil {
			return nil, err
		}
		info := PositionInfo{CohortID: id, Balance: balance}
		if cohort != nil {
			info.MaturityTimestamp = cohort.MaturityTimestamp
			info.Matured = cohort.Matured
		}
		positions = append(positions, info)
	}
	return positions, nil
}

// CohortInfo returns a deep copy of the cohort record.
func (e *Engine) CohortInfo(cohortID int64) (*Cohort, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cohort, err := e.state.GetCohort(cohortID)
	if err != nil {
		return nil, err
	}
	if cohort == nil {
		return nil, ErrCohortNotFound
	}
	return cohort.Clone(), nil
}

// quote runs the shared purchase math. Callers hold the lock.
func (e *Engine) quote(capitalAmount *big.Int, vestingDays uint64) (PurchaseQuote, error) {
	if e.curve == nil {
		return PurchaseQuote{}, errNilCurve
	}
	if e.stats == nil {
		return PurchaseQuote{}, errNilOracle
	}
	if capitalAmount == nil || capitalAmount.Cmp(e.params.MinimumBondAmount) < 0 {
		return PurchaseQuote{}, ErrAmountTooSmall
	}
	if !e.stats.ValidateIntegrity() {
		return PurchaseQuote{}, ErrOracleIntegrityFailed
	}
	discount, err := e.curve.GetDiscount(vestingDays)
	if err != nil {
		return PurchaseQuote{}, err
	}
	referencePrice, err := e.stats.ReferencePrice()
	if err != nil {
		return PurchaseQuote{}, err
	}
	if referencePrice == nil || referencePrice.Sign() <= 0 {
		return PurchaseQuote{}, ErrOracleIntegrityFailed
	}

	// issuePrice = reference * (10000 - discount) / 10000;
	// owed = capital / issuePrice, rounded down so accumulated rounding
	// never over-issues.
	issuePrice := new(big.Rat).Set(referencePrice)
	issuePrice.Mul(issuePrice, big.NewRat(int64(basisPoints-discount), basisPoints))
	if issuePrice.Sign() <= 0 {
		return PurchaseQuote{}, ErrZeroIssuePrice
	}
	owed := new(big.Rat).SetInt(capitalAmount)
	owed.Quo(owed, issuePrice)
	owedUnits := new(big.Int).Quo(owed.Num(), owed.Denom())
	if owedUnits.Sign() <= 0 {
		return PurchaseQuote{}, ErrAmountTooSmall
	}

	maturity := e.clock().Unix() + int64(vestingDays)*secondsPerDay
	cohortID := e.bucket(maturity)
	return PurchaseQuote{
		OwedAmount:        owedUnits,
		DiscountBps:       discount,
		CohortID:          cohortID,
		MaturityTimestamp: cohortID + e.params.CohortBucketSeconds,
	}, nil
}

// bucket truncates a maturity timestamp to its cohort window start.
func (e *Engine) bucket(maturity int64) int64 {
	width := e.params.CohortBucketSeconds
	return maturity - maturity%width
}

func (e *Engine) ensureCohort(id, maturity int64) (*Cohort, error) {
	cohort, err := e.state.GetCohort(id)
	if err != nil {
		return nil, err
	}
	if cohort == nil {
		cohort = &Cohort{
			ID:                     id,
			MaturityTimestamp:      maturity,
			TotalObligationOwed:    big.NewInt(0),
			TotalCapitalRaised:     big.NewInt(0),
			WeightedAvgDiscount:    new(big.Rat),
			WeightedAvgVestingDays: new(big.Rat),
			Contributions:          make(map[[20]byte]*big.Int),
		}
	}
	if cohort.TotalObligationOwed == nil {
		cohort.TotalObligationOwed = big.NewInt(0)
	}
	if cohort.TotalCapitalRaised == nil {
		cohort.TotalCapitalRaised = big.NewInt(0)
	}
	if cohort.WeightedAvgDiscount == nil {
		cohort.WeightedAvgDiscount = new(big.Rat)
	}
	if cohort.WeightedAvgVestingDays == nil {
		cohort.WeightedAvgVestingDays = new(big.Rat)
	}
	if cohort.Contributions == nil {
		cohort.Contributions = make(map[[20]byte]*big.Int)
	}
	return cohort, nil
}

func (e *Engine) positionBalance(holder [20]byte, cohortID int64) (*big.Int, error) {
	balance, err := e.state.GetPosition(holder, cohortID)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		balance = big.NewInt(0)
	}
	return balance, nil
}

// applyPurchase folds one purchase into the cohort accumulators. The weighted
// averages move incrementally:
//
//	newAvg = (oldAvg*oldWeight + value*weight) / newWeight
//
// with discount weighted by capital and vesting days weighted by owed amount.
func applyPurchase(c *Cohort, buyer [20]byte, capital, owed *big.Int, discountBps uint64, vestingDays uint64) {
	oldCapital := new(big.Rat).SetInt(c.TotalCapitalRaised)
	newCapitalTotal := new(big.Int).Add(c.TotalCapitalRaised, capital)

	discountNumer := new(big.Rat).Mul(c.WeightedAvgDiscount, oldCapital)
	discountNumer.Add(discountNumer, new(big.Rat).Mul(
		new(big.Rat).SetUint64(discountBps),
		new(big.Rat).SetInt(capital),
	))
	c.WeightedAvgDiscount = discountNumer.Quo(discountNumer, new(big.Rat).SetInt(newCapitalTotal))

	oldOwed := new(big.Rat).SetInt(c.TotalObligationOwed)
	newOwedTotal := new(big.Int).Add(c.TotalObligationOwed, owed)

	vestingNumer := new(big.Rat).Mul(c.WeightedAvgVestingDays, oldOwed)
	vestingNumer.Add(vestingNumer, new(big.Rat).Mul(
		new(big.Rat).SetUint64(vestingDays),
		new(big.Rat).SetInt(owed),
	))
	c.WeightedAvgVestingDays = vestingNumer.Quo(vestingNumer, new(big.Rat).SetInt(newOwedTotal))

	c.TotalCapitalRaised = newCapitalTotal
	c.TotalObligationOwed = newOwedTotal

	contribution, ok := c.Contributions[buyer]
	if !ok {
		contribution = big.NewInt(0)
	}
	c.Contributions[buyer] = new(big.Int).Add(contribution, capital)
}
