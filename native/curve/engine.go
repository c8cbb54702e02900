package curve

import (
	"errors"
	"math/big"
	"sync"

	"bondvault/core/events"
	"bondvault/native/common"
)

var (
	// ErrInvalidVestingPeriod rejects durations outside the configured range.
	ErrInvalidVestingPeriod = errors.New("curve: vesting period outside allowed range")
	// ErrInvalidParameter rejects market parameter updates breaching a bound.
	ErrInvalidParameter = errors.New("curve: invalid market parameter")
	// ErrTargetDiscountUnreachable reports that no admissible duration prices
	// at or above the requested discount.
	ErrTargetDiscountUnreachable = errors.New("curve: target discount unreachable within vesting bounds")

	errNilOracle = errors.New("curve: statistics oracle not configured")
	errNilPeg    = errors.New("curve: peg monitor not configured")
)

const moduleName = "curve"

// StatOracle supplies the statistical reference readings the curve prices
// against. All readings are treated as untrusted until ValidateIntegrity
// passes at the call site that requires it.
type StatOracle interface {
	ReferencePrice() (*big.Rat, error)
	Volatility() (uint64, error)
	MaturityProgress() (uint64, error)
	ValidateIntegrity() bool
}

// PegMonitor reports how the market price trades against the reference.
type PegMonitor interface {
	PegDeviationBps() (int64, error)
	SpotPrice() (*big.Rat, error)
}

// DiscountBreakdown exposes the four formula components plus the clamped
// total, for quoting transparency and operator debugging.
type DiscountBreakdown struct {
	AppreciationBps     uint64
	TimePremiumBps      uint64
	RiskPremiumBps      uint64
	MarketAdjustmentBps int64
	TotalBps            uint64
}

// Engine prices time-locked debt against the statistical reference. It is
// stateless apart from the admin-tunable market knobs and the emergency flag;
// every discount query is a pure read over params and oracle state.
type Engine struct {
	mu      sync.Mutex
	params  CurveParams
	market  MarketParams
	stat    StatOracle
	peg     PegMonitor
	auth    common.Authorizer
	pauses  common.PauseView
	emitter events.Emitter
}

// NewEngine constructs a curve engine with validated constants and the
// conservative default market knobs.
func NewEngine(params CurveParams) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		params:  params,
		market:  DefaultMarketParams(),
		emitter: events.NoopEmitter{},
	}, nil
}

// SetOracles wires the statistics oracle and peg monitor.
func (e *Engine) SetOracles(stat StatOracle, peg PegMonitor) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stat = stat
	e.peg = peg
}

// SetAuthorizer wires the role registry consulted by privileged operations.
func (e *Engine) SetAuthorizer(auth common.Authorizer) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auth = auth
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

// Params returns a copy of the fixed curve constants.
func (e *Engine) Params() CurveParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// MarketParams returns a copy of the current market knobs. Callers receive the
// snapshot by value; the engine retains exclusive ownership of the live state.
func (e *Engine) MarketParams() MarketParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.market
}

// GetDiscount returns the discount in basis points for the requested vesting
// duration. In emergency mode the flat emergency curve applies and oracle
// readings are ignored entirely.
func (e *Engine) GetDiscount(vestingDays uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.validateVesting(vestingDays); err != nil {
		return 0, err
	}
	if e.market.EmergencyMode {
		return e.emergencyDiscount(vestingDays), nil
	}
	breakdown, err := e.breakdown(vestingDays)
	if err != nil {
		return 0, err
	}
	return breakdown.TotalBps, nil
}

// PreviewDiscountCalculation returns the individual formula components for the
// requested duration without side effects. Emergency mode collapses the
// breakdown into a single appreciation-free total.
func (e *Engine) PreviewDiscountCalculation(vestingDays uint64) (DiscountBreakdown, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.validateVesting(vestingDays); err != nil {
		return DiscountBreakdown{}, err
	}
	if e.market.EmergencyMode {
		total := e.emergencyDiscount(vestingDays)
		return DiscountBreakdown{TotalBps: total}, nil
	}
	return e.breakdown(vestingDays)
}

// FindOptimalVestingForTargetDiscount binary-searches the smallest admissible
// duration whose non-emergency discount meets or exceeds the target. The curve
// is assumed monotone in duration; extreme market adjustments can in principle
// break that locally, so callers should treat the result as a quote aid, not a
// guarantee.
func (e *Engine) FindOptimalVestingForTargetDiscount(targetBps uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lo, hi := e.params.MinVestingDays, e.params.MaxVestingDays
	top, err := e.breakdown(hi)
	if err != nil {
		return 0, err
	}
	if top.TotalBps < targetBps {
		return 0, ErrTargetDiscountUnreachable
	}
	for lo < hi {
		mid := lo + (hi-lo)/2
		b, err := e.breakdown(mid)
		if err != nil {
			return 0, err
		}
		if b.TotalBps >= targetBps {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, nil
}

// UpdateMarketParams replaces the market knobs after validating every field
// against its hard bound and the per-update daily change allowance. The
// emergency flag is preserved from the current state; it moves only through
// SetEmergencyMode.
func (e *Engine) UpdateMarketParams(caller [20]byte, params MarketParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := common.RequireRole(e.auth, caller, common.RoleAdmin); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	if err := params.boundedBy(e.market); err != nil {
		return err
	}
	params.EmergencyMode = e.market.EmergencyMode
	e.market = params
	e.emitter.Emit(newMarketParamsEvent(params))
	return nil
}

// SetEmergencyMode flips the emergency pricing flag. Entering emergency mode
// is a logged state transition, not an error condition.
func (e *Engine) SetEmergencyMode(caller [20]byte, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.RequireRole(e.auth, caller, common.RoleAdmin); err != nil {
		return err
	}
	if e.market.EmergencyMode == enabled {
		return nil
	}
	e.market.EmergencyMode = enabled
	e.emitter.Emit(newEmergencyModeEvent(enabled))
	return nil
}

func (e *Engine) validateVesting(vestingDays uint64) error {
	if vestingDays < e.params.MinVestingDays || vestingDays > e.params.MaxVestingDays {
		return ErrInvalidVestingPeriod
	}
	return nil
}

func (e *Engine) emergencyDiscount(vestingDays uint64) uint64 {
	// base + days*bonus/max stays below 10000 by construction (Validate).
	return e.params.EmergencyBaseBps + vestingDays*e.params.EmergencyTimeBonusBps/e.params.MaxVestingDays
}

// breakdown evaluates the four-component formula. Callers hold the lock.
func (e *Engine) breakdown(vestingDays uint64) (DiscountBreakdown, error) {
	if e.stat == nil {
		return DiscountBreakdown{}, errNilOracle
	}
	if e.peg == nil {
		return DiscountBreakdown{}, errNilPeg
	}

	p := e.params
	span := p.MaxVestingDays - p.MinVestingDays

	// Expected appreciation: zero at the minimum duration so the shortest
	// instrument stays conservative.
	durationFactorBps := (vestingDays - p.MinVestingDays) * basisPoints / span
	cagrComponent := p.MaxSafeCagrBps * durationFactorBps / basisPoints
	consistency := p.consistencyRatio(vestingDays)
	buffer := p.BaseVolatilityBufferBps * (p.MaxVestingDays - vestingDays) / span
	appreciation := cagrComponent * consistency / basisPoints
	if appreciation > buffer {
		appreciation -= buffer
	} else {
		appreciation = 0
	}

	// Time premium: linear illiquidity compensation plus a quadratic
	// surcharge for locks beyond one year.
	timePremium := vestingDays * p.TimePremiumPerMonthBps / 30
	if vestingDays > 365 && p.MaxVestingDays > 365 {
		over := vestingDays - 365
		maxOver := p.MaxVestingDays - 365
		timePremium += over * over * p.LongLockQuadraticBps / (maxOver * maxOver)
	}

	riskPremium := p.RiskBaselineBps + p.riskIncrement(vestingDays)

	pegDeviation, err := e.peg.PegDeviationBps()
	if err != nil {
		return DiscountBreakdown{}, err
	}
	volatility, err := e.stat.Volatility()
	if err != nil {
		return DiscountBreakdown{}, err
	}
	adjustment := -(pegDeviation / 4)
	if volatility > p.BaseVolatilityBps {
		excess := volatility - p.BaseVolatilityBps
		adjustment += int64(excess * e.market.VolatilityMultiplier / 100)
	}
	adjustment += int64(e.market.LiquidityNeedBps)
	adjustment += e.market.DemandPressureBps

	total := int64(appreciation) + int64(timePremium) + int64(riskPremium) + adjustment
	if total < 0 {
		total = 0
	}
	clamped := uint64(total)
	if clamped < p.MinDiscountBps {
		clamped = p.MinDiscountBps
	}
	if clamped > p.MaxDiscountBps {
		clamped = p.MaxDiscountBps
	}

	return DiscountBreakdown{
		AppreciationBps:     appreciation,
		TimePremiumBps:      timePremium,
		RiskPremiumBps:      riskPremium,
		MarketAdjustmentBps: adjustment,
		TotalBps:            clamped,
	}, nil
}
