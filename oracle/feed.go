package oracle

import (
	"errors"
	"math/big"
	"sync"
	"time"
)

var (
	// ErrNoReadings is returned before the first Post call lands.
	ErrNoReadings = errors.New("oracle: no readings posted")
	// ErrStaleReadings is returned once the last post exceeds the max age.
	ErrStaleReadings = errors.New("oracle: readings stale")
	// ErrInvalidReading rejects non-positive prices and out-of-range ratios.
	ErrInvalidReading = errors.New("oracle: invalid reading")
)

const basisPoints = 10_000

// Readings is one posted snapshot of every price and signal the engines
// consume. Prices are decimal strings so operators can post exact rationals.
type Readings struct {
	ReferencePrice      string `json:"referencePrice"`
	SpotPrice           string `json:"spotPrice"`
	ReservePrice        string `json:"reservePrice"`
	CapitalAssetPrice   string `json:"capitalAssetPrice"`
	VolatilityBps       uint64 `json:"volatilityBps"`
	MaturityProgressBps uint64 `json:"maturityProgressBps"`
}

// Feed is a push-style oracle: an attester posts signed-off readings through
// the admin surface and every engine reads the latest snapshot. The feed
// reports unhealthy until the first post and again once readings outlive
// the configured max age, which flips the engines into their reject paths
// rather than pricing against stale data.
type Feed struct {
	mu        sync.RWMutex
	reference *big.Rat
	spot      *big.Rat
	reserve   *big.Rat
	capital   *big.Rat
	vol       uint64
	progress  uint64
	postedAt  time.Time
	maxAge    time.Duration
	clock     func() time.Time
}

// NewFeed constructs an empty feed whose readings expire after maxAge.
func NewFeed(maxAge time.Duration) *Feed {
	return &Feed{maxAge: maxAge, clock: time.Now}
}

// SetClock overrides the time source. Tests only.
func (f *Feed) SetClock(clock func() time.Time) {
	if f == nil || clock == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = clock
}

// Post validates and installs a full snapshot. Partial updates are not
// supported: an attester always signs off on the whole set.
func (f *Feed) Post(r Readings) error {
	reference, err := parsePrice(r.ReferencePrice)
	if err != nil {
		return err
	}
	spot, err := parsePrice(r.SpotPrice)
	if err != nil {
		return err
	}
	reserve, err := parsePrice(r.ReservePrice)
	if err != nil {
		return err
	}
	capital, err := parsePrice(r.CapitalAssetPrice)
	if err != nil {
		return err
	}
	if r.MaturityProgressBps > basisPoints {
		return ErrInvalidReading
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reference = reference
	f.spot = spot
	f.reserve = reserve
	f.capital = capital
	f.vol = r.VolatilityBps
	f.progress = r.MaturityProgressBps
	f.postedAt = f.clock()
	return nil
}

// Snapshot returns the latest readings for the read surface.
func (f *Feed) Snapshot() (Readings, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.freshLocked(); err != nil {
		return Readings{}, err
	}
	return Readings{
		ReferencePrice:      f.reference.RatString(),
		SpotPrice:           f.spot.RatString(),
		ReservePrice:        f.reserve.RatString(),
		CapitalAssetPrice:   f.capital.RatString(),
		VolatilityBps:       f.vol,
		MaturityProgressBps: f.progress,
	}, nil
}

// ReferencePrice returns the posted statistical reference price.
func (f *Feed) ReferencePrice() (*big.Rat, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.freshLocked(); err != nil {
		return nil, err
	}
	return new(big.Rat).Set(f.reference), nil
}

// SpotPrice returns the posted market price.
func (f *Feed) SpotPrice() (*big.Rat, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.freshLocked(); err != nil {
		return nil, err
	}
	return new(big.Rat).Set(f.spot), nil
}

// ReservePrice returns the posted reserve asset price.
func (f *Feed) ReservePrice() (*big.Rat, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.freshLocked(); err != nil {
		return nil, err
	}
	return new(big.Rat).Set(f.reserve), nil
}

// CapitalAssetPrice returns the posted capital asset price.
func (f *Feed) CapitalAssetPrice() (*big.Rat, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.freshLocked(); err != nil {
		return nil, err
	}
	return new(big.Rat).Set(f.capital), nil
}

// Volatility returns the posted volatility reading in basis points.
func (f *Feed) Volatility() (uint64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.freshLocked(); err != nil {
		return 0, err
	}
	return f.vol, nil
}

// MaturityProgress returns the posted global maturity-progress signal.
func (f *Feed) MaturityProgress() (uint64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.freshLocked(); err != nil {
		return 0, err
	}
	return f.progress, nil
}

// PegDeviationBps reports how far spot trades from the reference, in signed
// basis points. Positive means spot above reference.
func (f *Feed) PegDeviationBps() (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.freshLocked(); err != nil {
		return 0, err
	}
	diff := new(big.Rat).Sub(f.spot, f.reference)
	diff.Quo(diff, f.reference)
	diff.Mul(diff, new(big.Rat).SetUint64(basisPoints))
	num := new(big.Int).Quo(diff.Num(), diff.Denom())
	return num.Int64(), nil
}

// ValidateIntegrity reports whether the feed holds fresh readings.
func (f *Feed) ValidateIntegrity() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.freshLocked() == nil
}

// ValidatePrices mirrors ValidateIntegrity for the conversion surface.
func (f *Feed) ValidatePrices() bool {
	return f.ValidateIntegrity()
}

func (f *Feed) freshLocked() error {
	if f.postedAt.IsZero() {
		return ErrNoReadings
	}
	if f.maxAge > 0 && f.clock().Sub(f.postedAt) > f.maxAge {
		return ErrStaleReadings
	}
	return nil
}

func parsePrice(s string) (*big.Rat, error) {
	v, ok := new(big.Rat).SetString(s)
	if !ok || v.Sign() <= 0 {
		return nil, ErrInvalidReading
	}
	return v, nil
}
