package twap

import "errors"

var (
	// ErrNoAggregateAvailable indicates an aggregation found zero qualifying weight.
	ErrNoAggregateAvailable = errors.New("twap: no aggregate available")
	// ErrExceedsMaxBuybackAmount indicates a reclaim amount above the policy cap.
	ErrExceedsMaxBuybackAmount = errors.New("twap: amount exceeds max buyback amount")
	// ErrArithmeticOverflow aborts a call whose intermediate values leave their numeric domain.
	ErrArithmeticOverflow = errors.New("twap: arithmetic overflow")
	// ErrInvalidSample is raised by sample sources that cannot extract a price/volume pair.
	ErrInvalidSample = errors.New("twap: invalid sample")
	// ErrInvalidPolicy reports rejected policy parameters.
	ErrInvalidPolicy = errors.New("twap: invalid policy")
	// ErrInvalidStore reports a store record that violates the ring invariants.
	ErrInvalidStore = errors.New("twap: invalid store")
)
