package twap

import (
	"fmt"

	"github.com/holiman/uint256"
)

// BuybackPrice discounts twap by buyback_discount_bps, truncating.
func (p *Policy) BuybackPrice(twap *uint256.Int) (uint256.Int, error) {
	if !fitsPrice(twap) {
		return uint256.Int{}, fmt.Errorf("%w: twap exceeds 128 bits", ErrArithmeticOverflow)
	}
	if p.BuybackDiscountBps > BasisPoints {
		return uint256.Int{}, fmt.Errorf("%w: buyback_discount_bps %d", ErrInvalidPolicy, p.BuybackDiscountBps)
	}
	scaled, err := mulPrice(twap, uint64(BasisPoints-p.BuybackDiscountBps))
	if err != nil {
		return uint256.Int{}, fmt.Errorf("buyback price: %w", err)
	}
	return *scaled.Div(scaled, bpsDenominator), nil
}

// QueryBuybackPrice is the buyback price of the store's current TWAP, NoData
// when the TWAP is NoData.
func QueryBuybackPrice(store *Store, policy *Policy) (Aggregate, error) {
	twap, err := store.TWAP()
	if err != nil {
		return NoData(), err
	}
	v, ok := twap.Value()
	if !ok {
		return NoData(), nil
	}
	price, err := policy.BuybackPrice(&v)
	if err != nil {
		return NoData(), err
	}
	return Some(&price), nil
}
