package curve

import (
	"errors"
	"math/big"
	"testing"

	"bondvault/native/common"
)

type mockStat struct {
	price      *big.Rat
	volatility uint64
	progress   uint64
	healthy    bool
	err        error
}

func (m *mockStat) ReferencePrice() (*big.Rat, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.price, nil
}

func (m *mockStat) Volatility() (uint64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.volatility, nil
}

func (m *mockStat) MaturityProgress() (uint64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.progress, nil
}

func (m *mockStat) ValidateIntegrity() bool { return m.healthy }

type mockPeg struct {
	deviationBps int64
	spot         *big.Rat
	err          error
}

func (m *mockPeg) PegDeviationBps() (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.deviationBps, nil
}

func (m *mockPeg) SpotPrice() (*big.Rat, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.spot, nil
}

func neutralEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(DefaultCurveParams())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetOracles(
		&mockStat{price: big.NewRat(1, 1), volatility: 1_500, healthy: true},
		&mockPeg{spot: big.NewRat(1, 1)},
	)
	return engine
}

func adminEngine(t *testing.T) (*Engine, [20]byte) {
	t.Helper()
	engine := neutralEngine(t)
	admin := [20]byte{0xad}
	auth := common.NewStaticAuthorizer()
	auth.Grant(admin, common.RoleAdmin)
	engine.SetAuthorizer(auth)
	return engine, admin
}

func TestDiscountBoundsAndRange(t *testing.T) {
	engine := neutralEngine(t)
	p := engine.Params()

	for _, days := range []uint64{p.MinVestingDays - 1, p.MaxVestingDays + 1, 0} {
		if _, err := engine.GetDiscount(days); !errors.Is(err, ErrInvalidVestingPeriod) {
			t.Fatalf("days %d: want ErrInvalidVestingPeriod, got %v", days, err)
		}
	}

	shortest, err := engine.GetDiscount(p.MinVestingDays)
	if err != nil {
		t.Fatalf("min duration: %v", err)
	}
	if shortest != 190 {
		t.Fatalf("min duration discount = %d, want 190", shortest)
	}

	// The raw formula at the maximum duration exceeds the ceiling and must
	// be clamped.
	longest, err := engine.GetDiscount(p.MaxVestingDays)
	if err != nil {
		t.Fatalf("max duration: %v", err)
	}
	if longest != p.MaxDiscountBps {
		t.Fatalf("max duration discount = %d, want clamp to %d", longest, p.MaxDiscountBps)
	}

	prev := uint64(0)
	for _, days := range []uint64{30, 90, 365, 730, 1_825} {
		d, err := engine.GetDiscount(days)
		if err != nil {
			t.Fatalf("days %d: %v", days, err)
		}
		if d < prev {
			t.Fatalf("discount regressed at %d days: %d < %d", days, d, prev)
		}
		prev = d
	}
}

func TestAppreciationZeroAtMinimumDuration(t *testing.T) {
	engine := neutralEngine(t)

	b, err := engine.PreviewDiscountCalculation(engine.Params().MinVestingDays)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if b.AppreciationBps != 0 {
		t.Fatalf("appreciation at minimum duration = %d, want 0", b.AppreciationBps)
	}
	if b.TimePremiumBps != 40 || b.RiskPremiumBps != 150 {
		t.Fatalf("unexpected components: %+v", b)
	}
}

func TestConsistencyTierBoundaries(t *testing.T) {
	p := DefaultCurveParams()

	cases := []struct {
		days uint64
		want uint64
	}{
		{30, 4_000},
		{89, 4_000},
		{90, 5_500},
		{364, 7_000},
		{365, 8_500},
		{729, 8_500},
		{730, 10_000},
		{1_825, 10_000},
	}
	for _, tc := range cases {
		if got := p.consistencyRatio(tc.days); got != tc.want {
			t.Fatalf("consistencyRatio(%d) = %d, want %d", tc.days, got, tc.want)
		}
	}
}

func TestEmergencyModeIgnoresOracles(t *testing.T) {
	engine, admin := adminEngine(t)
	engine.SetOracles(&mockStat{err: errors.New("feed down")}, &mockPeg{err: errors.New("feed down")})

	if _, err := engine.GetDiscount(365); err == nil {
		t.Fatalf("expected oracle failure outside emergency mode")
	}
	if err := engine.SetEmergencyMode(admin, true); err != nil {
		t.Fatalf("enable emergency: %v", err)
	}

	got, err := engine.GetDiscount(365)
	if err != nil {
		t.Fatalf("emergency discount: %v", err)
	}
	// 2000 base + 365*1000/1825 time bonus.
	if got != 2_200 {
		t.Fatalf("emergency discount = %d, want 2200", got)
	}

	b, err := engine.PreviewDiscountCalculation(365)
	if err != nil {
		t.Fatalf("emergency preview: %v", err)
	}
	if b.TotalBps != 2_200 || b.AppreciationBps != 0 {
		t.Fatalf("emergency breakdown leaks components: %+v", b)
	}
}

func TestMarketAdjustmentComposition(t *testing.T) {
	engine, admin := adminEngine(t)
	engine.SetOracles(
		&mockStat{price: big.NewRat(1, 1), volatility: 1_700, healthy: true},
		&mockPeg{deviationBps: 400, spot: big.NewRat(99, 100)},
	)
	update := DefaultMarketParams()
	update.LiquidityNeedBps = 300
	update.DemandPressureBps = 200
	if err := engine.UpdateMarketParams(admin, update); err != nil {
		t.Fatalf("update params: %v", err)
	}

	b, err := engine.PreviewDiscountCalculation(365)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	// -400/4 peg counterweight, +200 excess volatility at 1x, +300 liquidity,
	// +200 demand.
	if b.MarketAdjustmentBps != 600 {
		t.Fatalf("market adjustment = %d, want 600", b.MarketAdjustmentBps)
	}
}

func TestUpdateMarketParamsGuards(t *testing.T) {
	engine, admin := adminEngine(t)
	stranger := [20]byte{0x99}

	if err := engine.UpdateMarketParams(stranger, DefaultMarketParams()); !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}

	breach := DefaultMarketParams()
	breach.LiquidityNeedBps = 3_000
	if err := engine.UpdateMarketParams(admin, breach); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("hard bound: want ErrInvalidParameter, got %v", err)
	}

	// Default allowance is 500 bps per update.
	jump := DefaultMarketParams()
	jump.DemandPressureBps = 600
	if err := engine.UpdateMarketParams(admin, jump); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("daily allowance: want ErrInvalidParameter, got %v", err)
	}

	smuggled := DefaultMarketParams()
	smuggled.EmergencyMode = true
	if err := engine.UpdateMarketParams(admin, smuggled); err != nil {
		t.Fatalf("update: %v", err)
	}
	if engine.MarketParams().EmergencyMode {
		t.Fatalf("emergency mode must not move through UpdateMarketParams")
	}
}

func TestFindOptimalVestingForTargetDiscount(t *testing.T) {
	engine := neutralEngine(t)

	days, err := engine.FindOptimalVestingForTargetDiscount(800)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	got, err := engine.GetDiscount(days)
	if err != nil {
		t.Fatalf("discount at %d: %v", days, err)
	}
	if got < 800 {
		t.Fatalf("discount at %d days = %d, below target", days, got)
	}
	if days > engine.Params().MinVestingDays {
		below, err := engine.GetDiscount(days - 1)
		if err != nil {
			t.Fatalf("discount at %d: %v", days-1, err)
		}
		if below >= 800 {
			t.Fatalf("%d days is not the smallest admissible duration", days)
		}
	}

	if _, err := engine.FindOptimalVestingForTargetDiscount(9_000); !errors.Is(err, ErrTargetDiscountUnreachable) {
		t.Fatalf("want ErrTargetDiscountUnreachable, got %v", err)
	}
}

func TestCurveParamsValidate(t *testing.T) {
	good := DefaultCurveParams()
	if err := good.Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}

	unsorted := DefaultCurveParams()
	unsorted.ConsistencyTiers[1].MaxDurationDays = 10
	if err := unsorted.Validate(); err == nil {
		t.Fatalf("unsorted tiers accepted")
	}

	openEnded := DefaultCurveParams()
	openEnded.ConsistencyTiers[len(openEnded.ConsistencyTiers)-1].RatioBps = 9_000
	if err := openEnded.Validate(); err == nil {
		t.Fatalf("non-terminal final tier accepted")
	}

	hotEmergency := DefaultCurveParams()
	hotEmergency.EmergencyBaseBps = 9_500
	if err := hotEmergency.Validate(); err == nil {
		t.Fatalf("emergency curve above 10000 bps accepted")
	}

	inverted := DefaultCurveParams()
	inverted.MinVestingDays = 2_000
	if err := inverted.Validate(); err == nil {
		t.Fatalf("inverted vesting bounds accepted")
	}
}
