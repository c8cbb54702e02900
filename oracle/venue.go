package oracle

import (
	"errors"
	"math/big"
)

// ErrVenueUnavailable is returned when the venue cannot price a conversion.
var ErrVenueUnavailable = errors.New("oracle: execution venue unavailable")

// FeedVenue settles conversions at the feed's posted prices less a flat fee.
// It stands in for a real trading venue adapter: the fill is deterministic,
// so any shortfall against the caller's minimum is purely a fee or price
// movement between quote and execution.
type FeedVenue struct {
	feed   *Feed
	feeBps uint64
}

// NewFeedVenue constructs a venue over the feed with the given fee.
func NewFeedVenue(feed *Feed, feeBps uint64) (*FeedVenue, error) {
	if feed == nil {
		return nil, ErrVenueUnavailable
	}
	if feeBps >= basisPoints {
		return nil, ErrInvalidReading
	}
	return &FeedVenue{feed: feed, feeBps: feeBps}, nil
}

// ExecuteConversion converts capital into reserve units at the posted price
// ratio: floor(amountIn * capitalPrice / reservePrice * (1 - fee)). The
// caller enforces its own slippage bound against minAmountOut.
func (v *FeedVenue) ExecuteConversion(amountIn, minAmountOut *big.Int) (*big.Int, error) {
	if v == nil || v.feed == nil {
		return nil, ErrVenueUnavailable
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInvalidReading
	}
	capital, err := v.feed.CapitalAssetPrice()
	if err != nil {
		return nil, err
	}
	reserve, err := v.feed.ReservePrice()
	if err != nil {
		return nil, err
	}
	out := new(big.Rat).SetInt(amountIn)
	out.Mul(out, capital)
	out.Quo(out, reserve)
	out.Mul(out, big.NewRat(int64(basisPoints-v.feeBps), basisPoints))
	filled := new(big.Int).Quo(out.Num(), out.Denom())
	return filled, nil
}
