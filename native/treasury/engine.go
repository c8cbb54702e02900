package treasury

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"bondvault/core/events"
	"bondvault/native/common"
)

var (
	// ErrAmountTooSmall rejects conversions below the configured minimum.
	ErrAmountTooSmall = errors.New("treasury: amount below minimum conversion size")
	// ErrInsufficientFunds reports that the idle capital pool cannot cover
	// the requested conversion slice.
	ErrInsufficientFunds = errors.New("treasury: insufficient idle capital")
	// ErrStaleOracle rejects operations when price feeds fail validation.
	ErrStaleOracle = errors.New("treasury: price oracle failed staleness check")
	// ErrSlippageExceeded reports a venue execution below the acceptable
	// minimum; no state is mutated.
	ErrSlippageExceeded = errors.New("treasury: execution below slippage bound")
	// ErrExecutionFailed wraps venue-specific conversion failures.
	ErrExecutionFailed = errors.New("treasury: venue execution failed")
	// ErrTooEarly rejects staged slices before a cadence interval elapsed.
	ErrTooEarly = errors.New("treasury: staged slice cadence not yet elapsed")
	// ErrNoOpenOrder reports that no staged order is awaiting execution.
	ErrNoOpenOrder = errors.New("treasury: no open staged order")
	// ErrInsufficientObligations rejects releasing more than was recorded
	// for a maturity bucket.
	ErrInsufficientObligations = errors.New("treasury: release exceeds recorded obligations")
	// ErrInsufficientMatureReserve rejects liquidating more than the mature
	// batch supply. Immature reserve is never touched.
	ErrInsufficientMatureReserve = errors.New("treasury: insufficient mature reserve")
	// ErrBatchNotFound reports an unknown reserve batch identifier.
	ErrBatchNotFound = errors.New("treasury: reserve batch not found")
	// ErrNotEmergencyPaused restricts forced liquidation to the paused state.
	ErrNotEmergencyPaused = errors.New("treasury: emergency liquidation requires paused state")
	// ErrStillInsolvent blocks resuming operations before solvency returns.
	ErrStillInsolvent = errors.New("treasury: solvency not restored")
	// ErrInvalidStrategy rejects unknown conversion strategies.
	ErrInvalidStrategy = errors.New("treasury: invalid conversion strategy")

	errNilState = errors.New("treasury: state not configured")
	errNilVenue = errors.New("treasury: execution venue not configured")
	errNilPrice = errors.New("treasury: price oracle not configured")
	errNilStats = errors.New("treasury: reference oracle not configured")
)

const moduleName = "treasury"

// PriceOracle quotes the reserve and capital assets used for conversion and
// solvency math.
type PriceOracle interface {
	ReservePrice() (*big.Rat, error)
	CapitalAssetPrice() (*big.Rat, error)
	ValidatePrices() bool
}

// ReferenceOracle supplies the statistical reference price and the global
// maturity-progress signal driving the progressive backing ratio.
type ReferenceOracle interface {
	ReferencePrice() (*big.Rat, error)
	MaturityProgress() (uint64, error)
}

// ExecutionVenue performs the capital-to-reserve conversion. Implementations
// map venue-specific failures onto plain errors; the engine translates a
// short fill into ErrSlippageExceeded.
type ExecutionVenue interface {
	ExecuteConversion(amountIn, minAmountOut *big.Int) (*big.Int, error)
}

type engineState interface {
	GetTreasuryState() (*TreasuryState, error)
	PutTreasuryState(*TreasuryState) error
	GetBatch(id uint64) (*ReserveBatch, error)
	PutBatch(*ReserveBatch) error
	BatchIDs() ([]uint64, error)
	GetObligationBucket(maturity int64) (*big.Int, error)
	PutObligationBucket(maturity int64, amount *big.Int) error
	GetStagedOrder(id string) (*StagedOrder, error)
	PutStagedOrder(*StagedOrder) error
	OpenStagedOrderIDs() ([]string, error)
}

// Engine custodies the reserve asset: it executes conversions, tracks reserve
// in guarantee-period batches, maintains the obligation ledger and answers
// solvency queries. Every top-level operation runs under one lock and stages
// its mutations until all preconditions and collaborator calls succeed.
type Engine struct {
	mu       sync.Mutex
	state    engineState
	params   Params
	strategy Strategy
	venue    ExecutionVenue
	prices   PriceOracle
	stats    ReferenceOracle
	auth     common.Authorizer
	pauses   common.PauseView
	emitter  events.Emitter
	clock    func() time.Time
	index    batchHeap
}

// NewEngine constructs a treasury engine with validated parameters and the
// immediate conversion strategy.
func NewEngine(params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		params:   params,
		strategy: StrategyImmediate,
		emitter:  events.NoopEmitter{},
		clock:    time.Now,
	}, nil
}

// SetState wires the persistence layer and rebuilds the maturity index from
// the surviving batches.
func (e *Engine) SetState(state engineState) error {
	if e == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
	e.index = e.index[:0]
	if state == nil {
		return nil
	}
	ids, err := state.BatchIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		batch, err := state.GetBatch(id)
		if err != nil {
			return err
		}
		if batch == nil || batch.Amount == nil || batch.Amount.Sign() == 0 {
			continue
		}
		e.index = append(e.index, batchRef{id: batch.ID, maturesAt: batch.MaturesAt})
	}
	e.index.init()
	return nil
}

// SetCollaborators wires the execution venue and oracles.
func (e *Engine) SetCollaborators(venue ExecutionVenue, prices PriceOracle, stats ReferenceOracle) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.venue = venue
	e.prices = prices
	e.stats = stats
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

// SetClock overrides the time source for deterministic tests.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

// SetStrategy switches the conversion strategy for future deposits.
func (e *Engine) SetStrategy(caller [20]byte, strategy Strategy) error {
	if e == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.RequireRole(e.auth, caller, common.RoleAdmin); err != nil {
		return err
	}
	if !strategy.Valid() {
		return ErrInvalidStrategy
	}
	e.strategy = strategy
	return nil
}

// Convert deploys incoming capital into the reserve asset under the active
// strategy and returns the reserve received by the immediate leg. Staged
// remainders enter the idle capital pool and an open staged order.
func (e *Engine) Convert(caller [20]byte, capitalAmount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := common.RequireRole(e.auth, caller, common.RoleProtocol); err != nil {
		return nil, err
	}
	if capitalAmount == nil || capitalAmount.Cmp(e.params.MinimumConversionAmount) < 0 {
		return nil, ErrAmountTooSmall
	}
	if e.prices == nil {
		return nil, errNilPrice
	}
	if !e.prices.ValidatePrices() {
		return nil, ErrStaleOracle
	}

	st, err := e.ensureState()
	if err != nil {
		return nil, err
	}

	immediate := new(big.Int).Set(capitalAmount)
	staged := big.NewInt(0)
	switch e.strategy {
	case StrategyStaged:
		immediate.SetInt64(0)
		staged.Set(capitalAmount)
	case StrategySplit:
		immediate.Mul(capitalAmount, new(big.Int).SetUint64(e.params.SplitImmediateBps))
		immediate.Quo(immediate, big.NewInt(basisPoints))
		staged.Sub(capitalAmount, immediate)
	}

	received := big.NewInt(0)
	var batch *ReserveBatch
	if immediate.Sign() > 0 {
		received, batch, err = e.executeConversion(st, immediate, e.params.MaxSlippageBps)
		if err != nil {
			return nil, err
		}
	}

	var order *StagedOrder
	if staged.Sign() > 0 {
		order = e.newStagedOrder(staged)
		st.IdleCapital = new(big.Int).Add(st.IdleCapital, staged)
	}
	st.TotalCapitalProcessed = new(big.Int).Add(st.TotalCapitalProcessed, capitalAmount)

	// All preconditions and the venue call are behind us; commit.
	if batch != nil {
		if err := e.state.PutBatch(batch); err != nil {
			return nil, err
		}
		e.index.push(batchRef{id: batch.ID, maturesAt: batch.MaturesAt})
	}
	if order != nil {
		if err := e.state.PutStagedOrder(order); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutTreasuryState(st); err != nil {
		return nil, err
	}

	if batch != nil {
		ratio := e.currentBackingRatio()
		e.emitter.Emit(newConvertedEvent(batch, ratio))
	}
	return received, nil
}

// ConvertAndRecord deploys incoming capital and books the promised debt as one
// operation. The conversion, the obligation bucket and the automatic weighted
// solvency check all stage on the same snapshot; nothing persists until every
// fallible collaborator call has succeeded, so a failure anywhere leaves no
// committed batch and no recorded obligation. slippageBps is the caller's own
// bound: the tighter of it and the configured MaxSlippageBps applies, with
// zero deferring to the configured cap.
func (e *Engine) ConvertAndRecord(caller [20]byte, capitalAmount *big.Int, slippageBps uint64, obligation *big.Int, maturity int64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := common.RequireRole(e.auth, caller, common.RoleProtocol); err != nil {
		return nil, err
	}
	if capitalAmount == nil || capitalAmount.Cmp(e.params.MinimumConversionAmount) < 0 {
		return nil, ErrAmountTooSmall
	}
	if obligation == nil || obligation.Sign() <= 0 {
		return nil, fmt.Errorf("treasury: obligation amount must be positive")
	}
	if e.prices == nil {
		return nil, errNilPrice
	}
	if !e.prices.ValidatePrices() {
		return nil, ErrStaleOracle
	}

	st, err := e.ensureState()
	if err != nil {
		return nil, err
	}

	immediate := new(big.Int).Set(capitalAmount)
	staged := big.NewInt(0)
	switch e.strategy {
	case StrategyStaged:
		immediate.SetInt64(0)
		staged.Set(capitalAmount)
	case StrategySplit:
		immediate.Mul(capitalAmount, new(big.Int).SetUint64(e.params.SplitImmediateBps))
		immediate.Quo(immediate, big.NewInt(basisPoints))
		staged.Sub(capitalAmount, immediate)
	}

	received := big.NewInt(0)
	var batch *ReserveBatch
	if immediate.Sign() > 0 {
		received, batch, err = e.executeConversion(st, immediate, e.effectiveSlippageBps(slippageBps))
		if err != nil {
			return nil, err
		}
	}

	var order *StagedOrder
	if staged.Sign() > 0 {
		order = e.newStagedOrder(staged)
		st.IdleCapital = new(big.Int).Add(st.IdleCapital, staged)
	}
	st.TotalCapitalProcessed = new(big.Int).Add(st.TotalCapitalProcessed, capitalAmount)

	bucket, err := e.bucketTotal(maturity)
	if err != nil {
		return nil, err
	}
	st.TotalObligations = new(big.Int).Add(st.TotalObligations, obligation)
	st.LastBackingRatioBps = e.currentBackingRatio()
	bucket = new(big.Int).Add(bucket, obligation)

	// The weighted check observes the updated obligation totals and is the
	// last fallible step before anything commits. The staged batch is
	// invisible to it, which changes nothing: a zero-age batch carries zero
	// confidence weight.
	paused := false
	ratio, err := e.weightedCoverageBps(st)
	if err != nil {
		return nil, err
	}
	if !st.EmergencyPaused && ratio != nil && ratio.Cmp(big.NewInt(int64(e.params.EmergencyThresholdBps))) < 0 {
		st.EmergencyPaused = true
		paused = true
	}

	if batch != nil {
		if err := e.state.PutBatch(batch); err != nil {
			return nil, err
		}
		e.index.push(batchRef{id: batch.ID, maturesAt: batch.MaturesAt})
	}
	if order != nil {
		if err := e.state.PutStagedOrder(order); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutObligationBucket(maturity, bucket); err != nil {
		return nil, err
	}
	if err := e.state.PutTreasuryState(st); err != nil {
		return nil, err
	}

	if batch != nil {
		e.emitter.Emit(newConvertedEvent(batch, st.LastBackingRatioBps))
	}
	e.emitter.Emit(newObligationEvent(eventObligationRecorded, obligation, maturity, st.TotalObligations))
	if paused {
		e.emitter.Emit(newEmergencyPausedEvent(ratio))
	}
	return received, nil
}

// ExecuteStagedSlice converts the next due slice of the oldest open staged
// order. Expired orders are closed as they are encountered.
func (e *Engine) ExecuteStagedSlice(caller [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := common.RequireRole(e.auth, caller, common.RoleOperator); err != nil {
		return nil, err
	}
	if e.prices == nil {
		return nil, errNilPrice
	}
	if !e.prices.ValidatePrices() {
		return nil, ErrStaleOracle
	}

	now := e.clock().Unix()
	order, err := e.nextOpenOrder(now)
	if err != nil {
		return nil, err
	}
	if now < order.LastExecutedAt+order.CadenceSeconds {
		return nil, ErrTooEarly
	}

	slice := new(big.Int).Set(order.SliceAmount)
	if slice.Cmp(order.RemainingAmount) > 0 {
		slice.Set(order.RemainingAmount)
	}

	st, err := e.ensureState()
	if err != nil {
		return nil, err
	}
	if st.IdleCapital.Cmp(slice) < 0 {
		return nil, ErrInsufficientFunds
	}

	received, batch, err := e.executeConversion(st, slice, e.params.MaxSlippageBps)
	if err != nil {
		return nil, err
	}

	order.RemainingAmount = new(big.Int).Sub(order.RemainingAmount, slice)
	order.LastExecutedAt = now
	if order.RemainingAmount.Sign() == 0 || now >= order.Deadline {
		order.Closed = true
	}
	st.IdleCapital = new(big.Int).Sub(st.IdleCapital, slice)

	if err := e.state.PutBatch(batch); err != nil {
		return nil, err
	}
	e.index.push(batchRef{id: batch.ID, maturesAt: batch.MaturesAt})
	if err := e.state.PutStagedOrder(order); err != nil {
		return nil, err
	}
	if err := e.state.PutTreasuryState(st); err != nil {
		return nil, err
	}

	e.emitter.Emit(newConvertedEvent(batch, e.currentBackingRatio()))
	return received, nil
}

// CancelStagedOrder closes an open order; the unconverted remainder stays in
// the idle capital pool.
func (e *Engine) CancelStagedOrder(caller [20]byte, orderID string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.RequireRole(e.auth, caller, common.RoleAdmin); err != nil {
		return err
	}
	order, err := e.state.GetStagedOrder(orderID)
	if err != nil {
		return err
	}
	if order == nil || order.Closed {
		return ErrNoOpenOrder
	}
	order.Closed = true
	return e.state.PutStagedOrder(order)
}

// RecordObligation books a newly promised debt amount against its maturity
// bucket, refreshes the progressive backing ratio and runs the automatic
// solvency check. A weighted coverage below the emergency threshold pauses
// the treasury.
func (e *Engine) RecordObligation(caller [20]byte, amount *big.Int, maturity int64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := common.RequireRole(e.auth, caller, common.RoleProtocol); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("treasury: obligation amount must be positive")
	}

	st, err := e.ensureState()
	if err != nil {
		return err
	}
	bucket, err := e.bucketTotal(maturity)
	if err != nil {
		return err
	}

	st.TotalObligations = new(big.Int).Add(st.TotalObligations, amount)
	st.LastBackingRatioBps = e.currentBackingRatio()
	bucket = new(big.Int).Add(bucket, amount)

	// The solvency status reported here must observe the obligation just
	// recorded, so the weighted check runs on the updated totals.
	paused := false
	ratio, err := e.weightedCoverageBps(st)
	if err != nil {
		return err
	}
	if !st.EmergencyPaused && ratio != nil && ratio.Cmp(big.NewInt(int64(e.params.EmergencyThresholdBps))) < 0 {
		st.EmergencyPaused = true
		paused = true
	}

	if err := e.state.PutObligationBucket(maturity, bucket); err != nil {
		return err
	}
	if err := e.state.PutTreasuryState(st); err != nil {
		return err
	}

	e.emitter.Emit(newObligationEvent(eventObligationRecorded, amount, maturity, st.TotalObligations))
	if paused {
		e.emitter.Emit(newEmergencyPausedEvent(ratio))
	}
	return nil
}

// ReleaseObligation unwinds a redeemed obligation from its maturity bucket.
func (e *Engine) ReleaseObligation(caller [20]byte, amount *big.Int, maturity int64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.RequireRole(e.auth, caller, common.RoleProtocol); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("treasury: obligation amount must be positive")
	}

	st, err := e.ensureState()
	if err != nil {
		return err
	}
	bucket, err := e.bucketTotal(maturity)
	if err != nil {
		return err
	}
	if bucket.Cmp(amount) < 0 {
		return ErrInsufficientObligations
	}

	st.TotalObligations = new(big.Int).Sub(st.TotalObligations, amount)
	st.LastBackingRatioBps = e.currentBackingRatio()
	bucket = new(big.Int).Sub(bucket, amount)

	if err := e.state.PutObligationBucket(maturity, bucket); err != nil {
		return err
	}
	if err := e.state.PutTreasuryState(st); err != nil {
		return err
	}

	e.emitter.Emit(newObligationEvent(eventObligationReleased, amount, maturity, st.TotalObligations))
	return nil
}

// CheckSolvency compares held reserve value against the progressively scaled
// obligation requirement at current oracle prices.
func (e *Engine) CheckSolvency() (SolvencyReport, error) {
	if e == nil || e.state == nil {
		return SolvencyReport{}, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.ensureState()
	if err != nil {
		return SolvencyReport{}, err
	}
	return e.solvencyReport(st)
}

// WeightedSolvencyBps returns the confidence-adjusted coverage of the backing
// requirement in basis points. Batches younger than the guarantee period
// contribute proportionally less of their spot value. A nil ratio means there
// are no outstanding obligations.
func (e *Engine) WeightedSolvencyBps() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.ensureState()
	if err != nil {
		return nil, err
	}
	return e.weightedCoverageBps(st)
}

// EmergencyLiquidateMatureOnly sells reserve from mature batches only, oldest
// first. Reserve still inside its guarantee period is never touched,
// regardless of how deep the emergency is.
func (e *Engine) EmergencyLiquidateMatureOnly(caller [20]byte, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.RequireRole(e.auth, caller, common.RoleAdmin); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("treasury: liquidation amount must be positive")
	}

	st, err := e.ensureState()
	if err != nil {
		return nil, err
	}
	if !st.EmergencyPaused {
		return nil, ErrNotEmergencyPaused
	}

	now := e.clock().Unix()

	// Plan the consumption against cloned batches first; nothing persists
	// until the full amount is known to be coverable by mature supply.
	type consumption struct {
		batch *ReserveBatch
		take  *big.Int
	}
	var plan []consumption
	remaining := new(big.Int).Set(amount)
	refs := append(batchHeap(nil), e.index...)
	refs.init()
	for remaining.Sign() > 0 {
		ref, ok := refs.pop()
		if !ok {
			break
		}
		if ref.maturesAt > now {
			// Heap is ordered by maturity; everything after this
			// point is still under guarantee.
			break
		}
		batch, err := e.state.GetBatch(ref.id)
		if err != nil {
			return nil, err
		}
		if batch == nil || batch.Amount == nil || batch.Amount.Sign() == 0 {
			continue
		}
		clone := batch.Clone()
		if !clone.Mature {
			clone.Mature = true
		}
		take := new(big.Int).Set(clone.Amount)
		if take.Cmp(remaining) > 0 {
			take.Set(remaining)
		}
		plan = append(plan, consumption{batch: clone, take: take})
		remaining.Sub(remaining, take)
	}
	if remaining.Sign() > 0 {
		return nil, ErrInsufficientMatureReserve
	}

	liquidated := big.NewInt(0)
	for _, c := range plan {
		c.batch.Amount = new(big.Int).Sub(c.batch.Amount, c.take)
		if err := e.state.PutBatch(c.batch); err != nil {
			return nil, err
		}
		liquidated.Add(liquidated, c.take)
	}
	st.TotalReserve = new(big.Int).Sub(st.TotalReserve, liquidated)
	if err := e.state.PutTreasuryState(st); err != nil {
		return nil, err
	}

	// Drop exhausted batches from the maturity index; partially consumed
	// ones keep their slot.
	exhausted := make(map[uint64]struct{}, len(plan))
	for _, c := range plan {
		if c.batch.Amount.Sign() == 0 {
			exhausted[c.batch.ID] = struct{}{}
		}
	}
	if len(exhausted) > 0 {
		kept := e.index[:0]
		for _, ref := range e.index {
			if _, gone := exhausted[ref.id]; !gone {
				kept = append(kept, ref)
			}
		}
		e.index = kept
		e.index.init()
	}

	e.emitter.Emit(newLiquidatedEvent(liquidated, len(plan)))
	return liquidated, nil
}

// UpdateBatchMaturity flips a batch's maturity flag once its guarantee period
// elapsed. The flip is one-way and the call is idempotent.
func (e *Engine) UpdateBatchMaturity(batchID uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	batch, err := e.state.GetBatch(batchID)
	if err != nil {
		return err
	}
	if batch == nil {
		return ErrBatchNotFound
	}
	if batch.Mature {
		return nil
	}
	if e.clock().Unix() < batch.MaturesAt {
		return nil
	}
	batch.Mature = true
	return e.state.PutBatch(batch)
}

// ResumeOperations exits the emergency-paused state once solvency has been
// restored. Entry into the paused state is automatic; exit is always an
// explicit admin action.
func (e *Engine) ResumeOperations(caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := common.RequireRole(e.auth, caller, common.RoleAdmin); err != nil {
		return err
	}
	st, err := e.ensureState()
	if err != nil {
		return err
	}
	if !st.EmergencyPaused {
		return nil
	}
	report, err := e.solvencyReport(st)
	if err != nil {
		return err
	}
	if !report.Solvent {
		return ErrStillInsolvent
	}
	st.EmergencyPaused = false
	if err := e.state.PutTreasuryState(st); err != nil {
		return err
	}
	e.emitter.Emit(newResumedEvent(report.BackingRatioBps))
	return nil
}

// Status returns an aggregate snapshot for dashboards and the RPC surface.
func (e *Engine) Status() (Status, error) {
	if e == nil || e.state == nil {
		return Status{}, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.ensureState()
	if err != nil {
		return Status{}, err
	}

	now := e.clock().Unix()
	mature := big.NewInt(0)
	immature := big.NewInt(0)
	batchCount := 0
	ids, err := e.state.BatchIDs()
	if err != nil {
		return Status{}, err
	}
	for _, id := range ids {
		batch, err := e.state.GetBatch(id)
		if err != nil {
			return Status{}, err
		}
		if batch == nil || batch.Amount == nil {
			continue
		}
		batchCount++
		if batch.Mature || now >= batch.MaturesAt {
			mature.Add(mature, batch.Amount)
		} else {
			immature.Add(immature, batch.Amount)
		}
	}

	open, err := e.state.OpenStagedOrderIDs()
	if err != nil {
		return Status{}, err
	}

	var basis *big.Rat
	if st.TotalReserveAcquired.Sign() > 0 {
		basis = new(big.Rat).SetFrac(st.TotalCapitalConverted, st.TotalReserveAcquired)
	}

	return Status{
		TotalReserve:          cloneBig(st.TotalReserve),
		MatureReserve:         mature,
		ImmatureReserve:       immature,
		TotalObligations:      cloneBig(st.TotalObligations),
		TotalCapitalProcessed: cloneBig(st.TotalCapitalProcessed),
		IdleCapital:           cloneBig(st.IdleCapital),
		BackingRatioBps:       e.currentBackingRatio(),
		EmergencyPaused:       st.EmergencyPaused,
		OpenStagedOrders:      len(open),
		BatchCount:            batchCount,
		BlendedCostBasis:      basis,
		Strategy:              e.strategy,
	}, nil
}

// EmergencyPaused reports the treasury-level pause flag.
func (e *Engine) EmergencyPaused() (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.ensureState()
	if err != nil {
		return false, err
	}
	return st.EmergencyPaused, nil
}

func (e *Engine) ensureState() (*TreasuryState, error) {
	st, err := e.state.GetTreasuryState()
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &TreasuryState{}
	}
	if st.TotalReserve == nil {
		st.TotalReserve = big.NewInt(0)
	}
	if st.TotalObligations == nil {
		st.TotalObligations = big.NewInt(0)
	}
	if st.TotalCapitalProcessed == nil {
		st.TotalCapitalProcessed = big.NewInt(0)
	}
	if st.IdleCapital == nil {
		st.IdleCapital = big.NewInt(0)
	}
	if st.TotalCapitalConverted == nil {
		st.TotalCapitalConverted = big.NewInt(0)
	}
	if st.TotalReserveAcquired == nil {
		st.TotalReserveAcquired = big.NewInt(0)
	}
	return st, nil
}

func (e *Engine) bucketTotal(maturity int64) (*big.Int, error) {
	bucket, err := e.state.GetObligationBucket(maturity)
	if err != nil {
		return nil, err
	}
	if bucket == nil {
		bucket = big.NewInt(0)
	}
	return bucket, nil
}

// effectiveSlippageBps resolves a caller-supplied slippage bound against the
// configured cap. The tighter bound wins; zero defers to the cap.
func (e *Engine) effectiveSlippageBps(bound uint64) uint64 {
	if bound == 0 || bound > e.params.MaxSlippageBps {
		return e.params.MaxSlippageBps
	}
	return bound
}

// executeConversion runs a single venue execution and stages the resulting
// batch on the provided state snapshot. Nothing is persisted here.
func (e *Engine) executeConversion(st *TreasuryState, capitalAmount *big.Int, slippageBps uint64) (*big.Int, *ReserveBatch, error) {
	if e.venue == nil {
		return nil, nil, errNilVenue
	}
	reservePrice, err := e.prices.ReservePrice()
	if err != nil {
		return nil, nil, err
	}
	capitalPrice, err := e.prices.CapitalAssetPrice()
	if err != nil {
		return nil, nil, err
	}
	if reservePrice == nil || reservePrice.Sign() <= 0 || capitalPrice == nil || capitalPrice.Sign() <= 0 {
		return nil, nil, ErrStaleOracle
	}

	// expected = capital * capitalPrice / reservePrice, floored.
	expected := new(big.Rat).SetInt(capitalAmount)
	expected.Mul(expected, capitalPrice)
	expected.Quo(expected, reservePrice)
	expectedUnits := new(big.Int).Quo(expected.Num(), expected.Denom())

	minOut := new(big.Int).Mul(expectedUnits, big.NewInt(basisPoints-int64(slippageBps)))
	minOut.Quo(minOut, big.NewInt(basisPoints))

	out, err := e.venue.ExecuteConversion(new(big.Int).Set(capitalAmount), minOut)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	if out == nil || out.Cmp(minOut) < 0 {
		return nil, nil, ErrSlippageExceeded
	}

	now := e.clock().Unix()
	// Acquisition price is capital value paid per reserve unit received,
	// retained for profitability audits only.
	capitalValue := new(big.Rat).SetInt(capitalAmount)
	capitalValue.Mul(capitalValue, capitalPrice)
	price := new(big.Rat).Quo(capitalValue, new(big.Rat).SetInt(out))

	batch := &ReserveBatch{
		ID:               st.NextBatchID,
		Amount:           new(big.Int).Set(out),
		OriginalAmount:   new(big.Int).Set(out),
		AcquiredAt:       now,
		MaturesAt:        now + e.params.GuaranteePeriodSeconds,
		AcquisitionPrice: price,
	}
	st.NextBatchID++
	st.TotalReserve = new(big.Int).Add(st.TotalReserve, out)
	st.TotalCapitalConverted = new(big.Int).Add(st.TotalCapitalConverted, capitalAmount)
	st.TotalReserveAcquired = new(big.Int).Add(st.TotalReserveAcquired, out)

	return new(big.Int).Set(out), batch, nil
}

func (e *Engine) newStagedOrder(amount *big.Int) *StagedOrder {
	now := e.clock().Unix()
	slice := new(big.Int).Quo(amount, new(big.Int).SetUint64(e.params.StagedSlices))
	if slice.Sign() == 0 {
		slice = new(big.Int).Set(amount)
	}
	schedule := int64(e.params.StagedSlices) * e.params.StagedCadenceSeconds
	return &StagedOrder{
		ID:              uuid.NewString(),
		RemainingAmount: new(big.Int).Set(amount),
		SliceAmount:     slice,
		CadenceSeconds:  e.params.StagedCadenceSeconds,
		CreatedAt:       now,
		LastExecutedAt:  now - e.params.StagedCadenceSeconds,
		Deadline:        now + schedule + e.params.OrderDeadlineGraceSeconds,
		Closed:          false,
	}
}

// nextOpenOrder returns the oldest open order, closing expired ones along the
// way.
func (e *Engine) nextOpenOrder(now int64) (*StagedOrder, error) {
	ids, err := e.state.OpenStagedOrderIDs()
	if err != nil {
		return nil, err
	}
	var oldest *StagedOrder
	for _, id := range ids {
		order, err := e.state.GetStagedOrder(id)
		if err != nil {
			return nil, err
		}
		if order == nil || order.Closed {
			continue
		}
		if now >= order.Deadline {
			order.Closed = true
			if err := e.state.PutStagedOrder(order); err != nil {
				return nil, err
			}
			continue
		}
		if oldest == nil || order.CreatedAt < oldest.CreatedAt {
			oldest = order
		}
	}
	if oldest == nil {
		return nil, ErrNoOpenOrder
	}
	return oldest, nil
}

// currentBackingRatio interpolates linearly from the start ratio toward the
// floor as the maturity-progress signal advances.
func (e *Engine) currentBackingRatio() uint64 {
	start := e.params.StartBackingRatioBps
	floor := e.params.FloorBackingRatioBps
	if e.stats == nil {
		return start
	}
	progress, err := e.stats.MaturityProgress()
	if err != nil {
		return start
	}
	if progress > basisPoints {
		progress = basisPoints
	}
	return start - (start-floor)*progress/basisPoints
}

func (e *Engine) solvencyReport(st *TreasuryState) (SolvencyReport, error) {
	if e.stats == nil {
		return SolvencyReport{}, errNilStats
	}
	if e.prices == nil {
		return SolvencyReport{}, errNilPrice
	}
	referencePrice, err := e.stats.ReferencePrice()
	if err != nil {
		return SolvencyReport{}, err
	}
	reservePrice, err := e.prices.ReservePrice()
	if err != nil {
		return SolvencyReport{}, err
	}
	ratio := e.currentBackingRatio()

	required := new(big.Rat).SetInt(st.TotalObligations)
	required.Mul(required, referencePrice)
	required.Mul(required, new(big.Rat).SetFrac64(int64(ratio), basisPoints))

	held := new(big.Rat).SetInt(st.TotalReserve)
	held.Mul(held, reservePrice)

	excess := new(big.Rat).Sub(held, required)
	return SolvencyReport{
		Solvent:         held.Cmp(required) >= 0,
		RequiredValue:   required,
		HeldValue:       held,
		ExcessOrDeficit: excess,
		BackingRatioBps: ratio,
	}, nil
}

// weightedCoverageBps computes the confidence-adjusted coverage of the
// backing requirement. Returns nil when there are no obligations.
func (e *Engine) weightedCoverageBps(st *TreasuryState) (*big.Int, error) {
	if st.TotalObligations.Sign() == 0 {
		return nil, nil
	}
	if e.stats == nil {
		return nil, errNilStats
	}
	if e.prices == nil {
		return nil, errNilPrice
	}
	referencePrice, err := e.stats.ReferencePrice()
	if err != nil {
		return nil, err
	}
	reservePrice, err := e.prices.ReservePrice()
	if err != nil {
		return nil, err
	}
	ratio := e.currentBackingRatio()
	now := e.clock().Unix()
	period := e.params.GuaranteePeriodSeconds
	successRate := int64(e.params.GuaranteeSuccessRateBps)

	weighted := new(big.Rat)
	ids, err := e.state.BatchIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		batch, err := e.state.GetBatch(id)
		if err != nil {
			return nil, err
		}
		if batch == nil || batch.Amount == nil || batch.Amount.Sign() == 0 {
			continue
		}
		age := now - batch.AcquiredAt
		if age < 0 {
			age = 0
		}
		confidence := successRate
		if age < period {
			confidence = age * successRate / period
		}
		contribution := new(big.Rat).SetInt(batch.Amount)
		contribution.Mul(contribution, new(big.Rat).SetFrac64(confidence, basisPoints))
		weighted.Add(weighted, contribution)
	}
	weighted.Mul(weighted, reservePrice)

	required := new(big.Rat).SetInt(st.TotalObligations)
	required.Mul(required, referencePrice)
	required.Mul(required, new(big.Rat).SetFrac64(int64(ratio), basisPoints))
	if required.Sign() == 0 {
		return nil, nil
	}

	coverage := new(big.Rat).Quo(weighted, required)
	coverage.Mul(coverage, new(big.Rat).SetInt64(basisPoints))
	return new(big.Int).Quo(coverage.Num(), coverage.Denom()), nil
}
