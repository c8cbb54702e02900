package bond

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"bondvault/native/curve"
	"bondvault/native/treasury"
)

type mockBondState struct {
	cohorts   map[int64]*Cohort
	positions map[[20]byte]map[int64]*big.Int
}

func newMockBondState() *mockBondState {
	return &mockBondState{
		cohorts:   make(map[int64]*Cohort),
		positions: make(map[[20]byte]map[int64]*big.Int),
	}
}

func (m *mockBondState) GetCohort(id int64) (*Cohort, error) { return m.cohorts[id].Clone(), nil }

func (m *mockBondState) PutCohort(c *Cohort) error {
	m.cohorts[c.ID] = c.Clone()
	return nil
}

func (m *mockBondState) CohortIDs() ([]int64, error) {
	ids := make([]int64, 0, len(m.cohorts))
	for id := range m.cohorts {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *mockBondState) GetPosition(holder [20]byte, cohortID int64) (*big.Int, error) {
	if balances, ok := m.positions[holder]; ok {
		if v, ok := balances[cohortID]; ok {
			return new(big.Int).Set(v), nil
		}
	}
	return big.NewInt(0), nil
}

func (m *mockBondState) PutPosition(holder [20]byte, cohortID int64, balance *big.Int) error {
	balances, ok := m.positions[holder]
	if !ok {
		balances = make(map[int64]*big.Int)
		m.positions[holder] = balances
	}
	balances[cohortID] = new(big.Int).Set(balance)
	return nil
}

func (m *mockBondState) PositionCohorts(holder [20]byte) ([]int64, error) {
	ids := make([]int64, 0)
	for id := range m.positions[holder] {
		ids = append(ids, id)
	}
	return ids, nil
}

type mockCurve struct {
	discounts []uint64
	next      int
	err       error
}

func (m *mockCurve) GetDiscount(uint64) (uint64, error) {
	if m.err != nil {
		return 0, m.err
	}
	d := m.discounts[m.next]
	if m.next < len(m.discounts)-1 {
		m.next++
	}
	return d, nil
}

func (m *mockCurve) Params() curve.CurveParams { return curve.DefaultCurveParams() }

type obligation struct {
	amount   *big.Int
	maturity int64
}

type conversion struct {
	amount      *big.Int
	slippageBps uint64
}

type mockVault struct {
	convertErr error
	releaseErr error
	solvent    bool
	converted  []conversion
	recorded   []obligation
	released   []obligation
}

func (m *mockVault) ConvertAndRecord(_ [20]byte, capitalAmount *big.Int, slippageBps uint64, owed *big.Int, maturity int64) (*big.Int, error) {
	if m.convertErr != nil {
		return nil, m.convertErr
	}
	m.converted = append(m.converted, conversion{amount: new(big.Int).Set(capitalAmount), slippageBps: slippageBps})
	m.recorded = append(m.recorded, obligation{amount: new(big.Int).Set(owed), maturity: maturity})
	return new(big.Int).Set(capitalAmount), nil
}

func (m *mockVault) ReleaseObligation(_ [20]byte, amount *big.Int, maturity int64) error {
	if m.releaseErr != nil {
		return m.releaseErr
	}
	m.released = append(m.released, obligation{amount: new(big.Int).Set(amount), maturity: maturity})
	return nil
}

func (m *mockVault) CheckSolvency() (treasury.SolvencyReport, error) {
	return treasury.SolvencyReport{Solvent: m.solvent}, nil
}

type mockRefOracle struct {
	price   *big.Rat
	healthy bool
}

func (m *mockRefOracle) ReferencePrice() (*big.Rat, error) { return m.price, nil }
func (m *mockRefOracle) ValidateIntegrity() bool           { return m.healthy }

type mockDebtLedger struct {
	err     error
	credits map[[20]byte]*big.Int
}

func (m *mockDebtLedger) CreditBalance(holder [20]byte, amount *big.Int) error {
	if m.err != nil {
		return m.err
	}
	if m.credits == nil {
		m.credits = make(map[[20]byte]*big.Int)
	}
	total, ok := m.credits[holder]
	if !ok {
		total = big.NewInt(0)
	}
	m.credits[holder] = new(big.Int).Add(total, amount)
	return nil
}

const testEpoch = int64(1_700_000_000)

type bondFixture struct {
	engine *Engine
	state  *mockBondState
	curve  *mockCurve
	vault  *mockVault
	stats  *mockRefOracle
	debt   *mockDebtLedger
	now    int64
	buyer  [20]byte
}

func newBondFixture(t *testing.T) *bondFixture {
	t.Helper()
	engine, err := NewEngine([20]byte{0xbd}, DefaultParams())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f := &bondFixture{
		engine: engine,
		state:  newMockBondState(),
		curve:  &mockCurve{discounts: []uint64{500}},
		vault:  &mockVault{solvent: true},
		stats:  &mockRefOracle{price: big.NewRat(50, 1), healthy: true},
		debt:   &mockDebtLedger{},
		now:    testEpoch,
		buyer:  [20]byte{0x42},
	}
	engine.SetState(f.state)
	engine.SetCollaborators(f.curve, f.vault, f.stats, f.debt)
	engine.SetClock(func() time.Time { return time.Unix(f.now, 0) })
	return f
}

func TestPurchaseCreatesCohortAndPosition(t *testing.T) {
	f := newBondFixture(t)

	cohortID, err := f.engine.Purchase(f.buyer, big.NewInt(1000), 365, 600, 250)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}

	// issuePrice = 50 * 0.95 = 47.5; owed = floor(1000/47.5) = 21.
	cohort := f.state.cohorts[cohortID]
	if cohort == nil {
		t.Fatalf("cohort %d not persisted", cohortID)
	}
	if cohort.TotalCapitalRaised.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("capital raised %s, want 1000", cohort.TotalCapitalRaised)
	}
	if cohort.TotalObligationOwed.Cmp(big.NewInt(21)) != 0 {
		t.Fatalf("obligation owed %s, want 21", cohort.TotalObligationOwed)
	}
	if cohort.AvgDiscountBps() != 500 || cohort.AvgVestingDays() != 365 {
		t.Fatalf("cohort averages %d bps / %d days", cohort.AvgDiscountBps(), cohort.AvgVestingDays())
	}

	width := DefaultParams().CohortBucketSeconds
	rawMaturity := testEpoch + 365*secondsPerDay
	if cohortID%width != 0 {
		t.Fatalf("cohort id %d not aligned to bucket width", cohortID)
	}
	if rawMaturity < cohortID || rawMaturity >= cohortID+width {
		t.Fatalf("raw maturity %d outside cohort window [%d, %d)", rawMaturity, cohortID, cohortID+width)
	}
	// The cohort redeems at the bucket end so no bond unlocks before its own
	// vesting elapsed.
	if cohort.MaturityTimestamp != cohortID+width {
		t.Fatalf("cohort maturity %d, want bucket end %d", cohort.MaturityTimestamp, cohortID+width)
	}

	balance, _ := f.state.GetPosition(f.buyer, cohortID)
	if balance.Cmp(big.NewInt(21)) != 0 {
		t.Fatalf("position %s, want 21", balance)
	}
	if len(f.vault.converted) != 1 || f.vault.converted[0].amount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("treasury conversion calls %v", f.vault.converted)
	}
	if f.vault.converted[0].slippageBps != 250 {
		t.Fatalf("slippage bound %d forwarded to treasury, want 250", f.vault.converted[0].slippageBps)
	}
	if len(f.vault.recorded) != 1 || f.vault.recorded[0].amount.Cmp(big.NewInt(21)) != 0 {
		t.Fatalf("obligation recording calls %v", f.vault.recorded)
	}
	if f.vault.recorded[0].maturity != cohort.MaturityTimestamp {
		t.Fatalf("obligation maturity %d, want %d", f.vault.recorded[0].maturity, cohort.MaturityTimestamp)
	}
}

func TestEqualPurchasesAverageExactly(t *testing.T) {
	f := newBondFixture(t)
	f.curve.discounts = []uint64{500, 700}

	first, err := f.engine.Purchase(f.buyer, big.NewInt(1000), 365, 10_000, 0)
	if err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	second, err := f.engine.Purchase([20]byte{0x43}, big.NewInt(1000), 365, 10_000, 0)
	if err != nil {
		t.Fatalf("second purchase: %v", err)
	}
	if first != second {
		t.Fatalf("equal maturities split cohorts: %d vs %d", first, second)
	}

	cohort := f.state.cohorts[first]
	if cohort.AvgDiscountBps() != 600 {
		t.Fatalf("avg discount %d bps, want exactly 600", cohort.AvgDiscountBps())
	}
	if cohort.WeightedAvgDiscount.Cmp(big.NewRat(600, 1)) != 0 {
		t.Fatalf("weighted discount %s, want exact 600", cohort.WeightedAvgDiscount)
	}
	if cohort.TotalCapitalRaised.Cmp(big.NewInt(2000)) != 0 {
		t.Fatalf("capital raised %s, want 2000", cohort.TotalCapitalRaised)
	}
	if len(cohort.Contributions) != 2 {
		t.Fatalf("contributions %v", cohort.Contributions)
	}
}

func TestPurchaseRejections(t *testing.T) {
	f := newBondFixture(t)

	if _, err := f.engine.Purchase(f.buyer, big.NewInt(0), 365, 600, 0); !errors.Is(err, ErrAmountTooSmall) {
		t.Fatalf("dust: want ErrAmountTooSmall, got %v", err)
	}
	// 10 capital at issue price 47.5 rounds down to zero owed units.
	if _, err := f.engine.Purchase(f.buyer, big.NewInt(10), 365, 600, 0); !errors.Is(err, ErrAmountTooSmall) {
		t.Fatalf("rounds to zero: want ErrAmountTooSmall, got %v", err)
	}
	if _, err := f.engine.Purchase(f.buyer, big.NewInt(1000), 365, 400, 0); !errors.Is(err, ErrDiscountExceedsUserLimit) {
		t.Fatalf("limit: want ErrDiscountExceedsUserLimit, got %v", err)
	}

	f.stats.healthy = false
	if _, err := f.engine.Purchase(f.buyer, big.NewInt(1000), 365, 600, 0); !errors.Is(err, ErrOracleIntegrityFailed) {
		t.Fatalf("oracle: want ErrOracleIntegrityFailed, got %v", err)
	}
	f.stats.healthy = true

	f.curve.err = curve.ErrInvalidVestingPeriod
	if _, err := f.engine.Purchase(f.buyer, big.NewInt(1000), 7, 600, 0); !errors.Is(err, curve.ErrInvalidVestingPeriod) {
		t.Fatalf("vesting: want curve error propagated, got %v", err)
	}
	f.curve.err = nil

	if len(f.vault.converted) != 0 || len(f.state.cohorts) != 0 {
		t.Fatalf("rejected purchases reached the treasury or ledger")
	}
}

func TestPurchaseAbortsWhenConversionFails(t *testing.T) {
	f := newBondFixture(t)
	f.vault.convertErr = treasury.ErrSlippageExceeded

	if _, err := f.engine.Purchase(f.buyer, big.NewInt(1000), 365, 600, 0); !errors.Is(err, treasury.ErrSlippageExceeded) {
		t.Fatalf("want slippage propagated, got %v", err)
	}
	if len(f.state.cohorts) != 0 {
		t.Fatalf("cohort persisted despite failed conversion")
	}
	if balance, _ := f.state.GetPosition(f.buyer, 0); balance.Sign() != 0 {
		t.Fatalf("position persisted despite failed conversion")
	}
	if len(f.vault.recorded) != 0 {
		t.Fatalf("obligation recorded despite failed conversion")
	}
}

func TestQuoteRejectsFullDiscount(t *testing.T) {
	f := newBondFixture(t)
	f.curve.discounts = []uint64{10_000}

	if _, err := f.engine.PreviewPurchase(big.NewInt(1000), 365); !errors.Is(err, ErrZeroIssuePrice) {
		t.Fatalf("preview: want ErrZeroIssuePrice, got %v", err)
	}
	if _, err := f.engine.Purchase(f.buyer, big.NewInt(1000), 365, 10_000, 0); !errors.Is(err, ErrZeroIssuePrice) {
		t.Fatalf("purchase: want ErrZeroIssuePrice, got %v", err)
	}
	if len(f.vault.converted) != 0 || len(f.state.cohorts) != 0 {
		t.Fatalf("full-discount purchase reached the treasury or ledger")
	}
}

func TestRedeemBeforeMaturityFails(t *testing.T) {
	f := newBondFixture(t)
	cohortID, err := f.engine.Purchase(f.buyer, big.NewInt(1000), 365, 600, 0)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}

	if _, err := f.engine.Redeem(f.buyer, cohortID); !errors.Is(err, ErrNotYetMatured) {
		t.Fatalf("want ErrNotYetMatured, got %v", err)
	}
	balance, _ := f.state.GetPosition(f.buyer, cohortID)
	if balance.Cmp(big.NewInt(21)) != 0 {
		t.Fatalf("failed redemption moved balance: %s", balance)
	}
	if len(f.debt.credits) != 0 {
		t.Fatalf("failed redemption credited the debt ledger")
	}
}

func TestRedeemMaturedCohort(t *testing.T) {
	f := newBondFixture(t)
	cohortID, err := f.engine.Purchase(f.buyer, big.NewInt(1000), 365, 600, 0)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	cohort := f.state.cohorts[cohortID]
	f.now = cohort.MaturityTimestamp

	amount, err := f.engine.Redeem(f.buyer, cohortID)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if amount.Cmp(big.NewInt(21)) != 0 {
		t.Fatalf("redeemed %s, want 21", amount)
	}
	if f.debt.credits[f.buyer].Cmp(big.NewInt(21)) != 0 {
		t.Fatalf("debt ledger credited %s", f.debt.credits[f.buyer])
	}
	if len(f.vault.released) != 1 || f.vault.released[0].amount.Cmp(big.NewInt(21)) != 0 {
		t.Fatalf("obligation release calls %v", f.vault.released)
	}
	if balance, _ := f.state.GetPosition(f.buyer, cohortID); balance.Sign() != 0 {
		t.Fatalf("position not burned: %s", balance)
	}
	if !f.state.cohorts[cohortID].Matured {
		t.Fatalf("cohort maturity flag not flipped")
	}

	if _, err := f.engine.Redeem(f.buyer, cohortID); !errors.Is(err, ErrNoBondsToRedeem) {
		t.Fatalf("double redeem: want ErrNoBondsToRedeem, got %v", err)
	}
	if _, err := f.engine.Redeem(f.buyer, cohortID+1); !errors.Is(err, ErrCohortNotFound) {
		t.Fatalf("unknown cohort: want ErrCohortNotFound, got %v", err)
	}
}

func TestRedeemBlockedWhileInsolvent(t *testing.T) {
	f := newBondFixture(t)
	cohortID, err := f.engine.Purchase(f.buyer, big.NewInt(1000), 365, 600, 0)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	f.now = f.state.cohorts[cohortID].MaturityTimestamp
	f.vault.solvent = false

	if _, err := f.engine.Redeem(f.buyer, cohortID); !errors.Is(err, ErrTreasuryInsolvent) {
		t.Fatalf("want ErrTreasuryInsolvent, got %v", err)
	}
	if balance, _ := f.state.GetPosition(f.buyer, cohortID); balance.Sign() == 0 {
		t.Fatalf("insolvency redemption burned the position")
	}
	if len(f.vault.released) != 0 {
		t.Fatalf("insolvency redemption released obligations")
	}
}

func TestFailedPayoutKeepsObligationsRecorded(t *testing.T) {
	f := newBondFixture(t)
	cohortID, err := f.engine.Purchase(f.buyer, big.NewInt(1000), 365, 600, 0)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	f.now = f.state.cohorts[cohortID].MaturityTimestamp
	f.debt.err = errors.New("ledger write refused")

	if _, err := f.engine.Redeem(f.buyer, cohortID); err == nil {
		t.Fatalf("redeem succeeded with a failing debt ledger")
	}
	if len(f.vault.released) != 0 {
		t.Fatalf("failed payout released obligations: %v", f.vault.released)
	}
	if balance, _ := f.state.GetPosition(f.buyer, cohortID); balance.Cmp(big.NewInt(21)) != 0 {
		t.Fatalf("failed payout moved the position: %s", balance)
	}
	if f.state.cohorts[cohortID].Matured {
		t.Fatalf("failed payout flipped the maturity flag")
	}

	// The retry must find the obligation bucket intact and complete cleanly.
	f.debt.err = nil
	amount, err := f.engine.Redeem(f.buyer, cohortID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if amount.Cmp(big.NewInt(21)) != 0 {
		t.Fatalf("retry redeemed %s, want 21", amount)
	}
	if len(f.vault.released) != 1 {
		t.Fatalf("retry release calls %v", f.vault.released)
	}
}

func TestBatchRedeemIsIndependentPerCohort(t *testing.T) {
	f := newBondFixture(t)
	matured, err := f.engine.Purchase(f.buyer, big.NewInt(1000), 30, 600, 0)
	if err != nil {
		t.Fatalf("short purchase: %v", err)
	}
	locked, err := f.engine.Purchase(f.buyer, big.NewInt(1000), 365, 600, 0)
	if err != nil {
		t.Fatalf("long purchase: %v", err)
	}
	f.now = f.state.cohorts[matured].MaturityTimestamp

	results := f.engine.BatchRedeem(f.buyer, []int64{matured, locked, locked + 1})
	if len(results) != 2 {
		t.Fatalf("expected 2 results (zero-balance cohort skipped), got %d", len(results))
	}
	if results[0].CohortID != matured || results[0].Err != nil {
		t.Fatalf("matured cohort result %+v", results[0])
	}
	if results[1].CohortID != locked || !errors.Is(results[1].Err, ErrNotYetMatured) {
		t.Fatalf("locked cohort result %+v", results[1])
	}
}

func TestCurrentPositionValueRepricesBeforeMaturity(t *testing.T) {
	f := newBondFixture(t)
	cohortID, err := f.engine.Purchase(f.buyer, big.NewInt(1000), 365, 600, 0)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}

	value, err := f.engine.CurrentPositionValue(f.buyer, cohortID)
	if err != nil {
		t.Fatalf("position value: %v", err)
	}
	// 21 units at reference 50 with the 500 bps discount still applied.
	want := new(big.Rat).Mul(big.NewRat(21*50, 1), big.NewRat(9_500, 10_000))
	if value.Cmp(want) != 0 {
		t.Fatalf("pre-maturity value %s, want %s", value, want)
	}

	f.now = f.state.cohorts[cohortID].MaturityTimestamp
	value, err = f.engine.CurrentPositionValue(f.buyer, cohortID)
	if err != nil {
		t.Fatalf("position value at maturity: %v", err)
	}
	if value.Cmp(big.NewRat(21*50, 1)) != 0 {
		t.Fatalf("matured value %s, want full 1050", value)
	}
}

func TestUserPositionsListsNonzeroSorted(t *testing.T) {
	f := newBondFixture(t)
	short, err := f.engine.Purchase(f.buyer, big.NewInt(1000), 30, 600, 0)
	if err != nil {
		t.Fatalf("short purchase: %v", err)
	}
	long, err := f.engine.Purchase(f.buyer, big.NewInt(1000), 365, 600, 0)
	if err != nil {
		t.Fatalf("long purchase: %v", err)
	}

	positions, err := f.engine.UserPositions(f.buyer)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 2 || positions[0].CohortID != short || positions[1].CohortID != long {
		t.Fatalf("positions %+v", positions)
	}

	f.now = f.state.cohorts[short].MaturityTimestamp
	if _, err := f.engine.Redeem(f.buyer, short); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	positions, err = f.engine.UserPositions(f.buyer)
	if err != nil {
		t.Fatalf("positions after redeem: %v", err)
	}
	if len(positions) != 1 || positions[0].CohortID != long {
		t.Fatalf("redeemed position still listed: %+v", positions)
	}
}

func TestPreviewPurchaseMatchesPurchaseMath(t *testing.T) {
	f := newBondFixture(t)

	quote, err := f.engine.PreviewPurchase(big.NewInt(1000), 365)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	cohortID, err := f.engine.Purchase(f.buyer, big.NewInt(1000), 365, quote.DiscountBps, 0)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if quote.CohortID != cohortID {
		t.Fatalf("preview cohort %d, purchase cohort %d", quote.CohortID, cohortID)
	}
	balance, _ := f.state.GetPosition(f.buyer, cohortID)
	if balance.Cmp(quote.OwedAmount) != 0 {
		t.Fatalf("preview owed %s, minted %s", quote.OwedAmount, balance)
	}
}
