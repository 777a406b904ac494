package twap

import (
	"fmt"

	"github.com/holiman/uint256"
)

// AdvanceMode selects when a commit moves the ring to the next bucket.
type AdvanceMode string

const (
	// AdvanceAbsolute compares the absolute tick against the bucket duration.
	AdvanceAbsolute AdvanceMode = "absolute"
	// AdvanceElapsed compares ticks elapsed since the current bucket opened.
	AdvanceElapsed AdvanceMode = "elapsed"
)

// Params are the caller supplied thresholds of a sampling policy.
type Params struct {
	MinUpdateInterval           uint64      `json:"min_update_interval"`
	MaxUpdatesPerHour           uint32      `json:"max_updates_per_hour"`
	MinVolumeThreshold          uint64      `json:"min_volume_threshold"`
	MinPriceChangeBps           uint16      `json:"min_price_change_bps"`
	EmergencyUpdateThresholdBps uint16      `json:"emergency_update_threshold_bps"`
	MaxEmergencyUpdatesPerHour  uint32      `json:"max_emergency_updates_per_hour"`
	BucketCount                 uint32      `json:"bucket_count"`
	BucketDurationTicks         uint64      `json:"bucket_duration_ticks"`
	BuybackDiscountBps          uint16      `json:"buyback_discount_bps"`
	MaxBuybackAmount            uint64      `json:"max_buyback_amount"`
	AdvanceMode                 AdvanceMode `json:"advance_mode"`
}

// DefaultParams mirrors the stock on-chain configuration: 24 hourly buckets,
// ten minute spacing and a 5% buyback discount.
func DefaultParams() Params {
	return Params{
		MinUpdateInterval:           600,
		MaxUpdatesPerHour:           6,
		MinVolumeThreshold:          500_000_000,
		MinPriceChangeBps:           100,
		EmergencyUpdateThresholdBps: 1000,
		MaxEmergencyUpdatesPerHour:  2,
		BucketCount:                 24,
		BucketDurationTicks:         3600,
		BuybackDiscountBps:          500,
		MaxBuybackAmount:            1_000_000_000,
		AdvanceMode:                 AdvanceAbsolute,
	}
}

// Validate checks the parameters for values the engine cannot honour.
func (p Params) Validate() error {
	if p.BucketCount < MinBucketCount || p.BucketCount > MaxBucketCount {
		return fmt.Errorf("%w: bucket_count must be within [%d, %d], got %d", ErrInvalidPolicy, MinBucketCount, MaxBucketCount, p.BucketCount)
	}
	if p.BuybackDiscountBps > BasisPoints {
		return fmt.Errorf("%w: buyback_discount_bps cannot exceed %d", ErrInvalidPolicy, BasisPoints)
	}
	switch p.AdvanceMode {
	case AdvanceAbsolute, AdvanceElapsed:
	default:
		return fmt.Errorf("%w: unknown advance_mode %q", ErrInvalidPolicy, p.AdvanceMode)
	}
	return nil
}

// Policy owns the gating thresholds plus the short-term rate-limit counters.
type Policy struct {
	Params

	LastUpdateTick  uint64 `json:"last_update_tick"`
	UpdatesThisHour uint32 `json:"updates_this_hour"`
	LastHourTick    uint64 `json:"last_hour_tick"`
}

// NewPolicy creates a policy with zeroed counters.
func NewPolicy(params Params) (*Policy, error) {
	if params.AdvanceMode == "" {
		params.AdvanceMode = AdvanceAbsolute
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Policy{Params: params}, nil
}

// ByTime reports whether min_update_interval ticks passed since the last commit.
func (p *Policy) ByTime(now uint64) (bool, error) {
	elapsed, err := checkedSub64(now, p.LastUpdateTick, "update")
	if err != nil {
		return false, err
	}
	return elapsed >= p.MinUpdateInterval, nil
}

// ByVolume reports whether the accumulated volume reaches the threshold.
func (p *Policy) ByVolume(accumulated uint64) bool {
	return accumulated >= p.MinVolumeThreshold
}

// ByPrice reports whether the move from last to cur is significant. A zero
// last price yields 0 bps, so a first sample only passes when the threshold is 0.
func (p *Policy) ByPrice(cur, last *uint256.Int) (bool, error) {
	bps, err := ChangeBps(cur, last)
	if err != nil {
		return false, err
	}
	return !bps.Lt(uint256.NewInt(uint64(p.MinPriceChangeBps))), nil
}

// ByRate enforces max_updates_per_hour, passing unconditionally on hour rollover.
func (p *Policy) ByRate(now uint64) (bool, error) {
	elapsed, err := checkedSub64(now, p.LastHourTick, "hour")
	if err != nil {
		return false, err
	}
	if elapsed >= HourTicks {
		return true, nil
	}
	return p.UpdatesThisHour < p.MaxUpdatesPerHour, nil
}

// NeedsEmergencyUpdate reports a move at or above the emergency threshold.
// It never influences gating.
func (p *Policy) NeedsEmergencyUpdate(cur, last *uint256.Int) (bool, error) {
	if last.IsZero() {
		return false, nil
	}
	bps, err := ChangeBps(cur, last)
	if err != nil {
		return false, err
	}
	return !bps.Lt(uint256.NewInt(uint64(p.EmergencyUpdateThresholdBps))), nil
}

// ChangeBps returns |cur-last|*10000/last, or 0 when last is zero. The
// product must stay inside the signed 128-bit domain.
func ChangeBps(cur, last *uint256.Int) (*uint256.Int, error) {
	if last.IsZero() {
		return new(uint256.Int), nil
	}
	if !fitsPrice(cur) || !fitsPrice(last) {
		return nil, fmt.Errorf("%w: price exceeds 128 bits", ErrArithmeticOverflow)
	}
	diff := new(uint256.Int)
	if cur.Lt(last) {
		diff.Sub(last, cur)
	} else {
		diff.Sub(cur, last)
	}
	scaled := new(uint256.Int).Mul(diff, bpsDenominator)
	if scaled.BitLen() > signedBits {
		return nil, fmt.Errorf("%w: price change %s bps numerator exceeds i128", ErrArithmeticOverflow, scaled.Dec())
	}
	return scaled.Div(scaled, last), nil
}

// CheckBuybackAmount validates a reclaim amount against max_buyback_amount.
func (p *Policy) CheckBuybackAmount(amount uint64) error {
	if amount > p.MaxBuybackAmount {
		return fmt.Errorf("%w: %d > %d", ErrExceedsMaxBuybackAmount, amount, p.MaxBuybackAmount)
	}
	return nil
}

// PolicyUpdate carries an administrative change; nil fields are left untouched.
// Bucket geometry is fixed once stores exist and cannot be changed here.
type PolicyUpdate struct {
	MinUpdateInterval           *uint64      `json:"min_update_interval,omitempty"`
	MaxUpdatesPerHour           *uint32      `json:"max_updates_per_hour,omitempty"`
	MinVolumeThreshold          *uint64      `json:"min_volume_threshold,omitempty"`
	MinPriceChangeBps           *uint16      `json:"min_price_change_bps,omitempty"`
	EmergencyUpdateThresholdBps *uint16      `json:"emergency_update_threshold_bps,omitempty"`
	MaxEmergencyUpdatesPerHour  *uint32      `json:"max_emergency_updates_per_hour,omitempty"`
	BucketDurationTicks         *uint64      `json:"bucket_duration_ticks,omitempty"`
	BuybackDiscountBps          *uint16      `json:"buyback_discount_bps,omitempty"`
	MaxBuybackAmount            *uint64      `json:"max_buyback_amount,omitempty"`
	AdvanceMode                 *AdvanceMode `json:"advance_mode,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u PolicyUpdate) Empty() bool {
	return u == PolicyUpdate{}
}

// Apply validates and applies u. On error the policy is left unchanged.
func (p *Policy) Apply(u PolicyUpdate) error {
	next := p.Params
	if u.MinUpdateInterval != nil {
		next.MinUpdateInterval = *u.MinUpdateInterval
	}
	if u.MaxUpdatesPerHour != nil {
		next.MaxUpdatesPerHour = *u.MaxUpdatesPerHour
	}
	if u.MinVolumeThreshold != nil {
		next.MinVolumeThreshold = *u.MinVolumeThreshold
	}
	if u.MinPriceChangeBps != nil {
		next.MinPriceChangeBps = *u.MinPriceChangeBps
	}
	if u.EmergencyUpdateThresholdBps != nil {
		next.EmergencyUpdateThresholdBps = *u.EmergencyUpdateThresholdBps
	}
	if u.MaxEmergencyUpdatesPerHour != nil {
		next.MaxEmergencyUpdatesPerHour = *u.MaxEmergencyUpdatesPerHour
	}
	if u.BucketDurationTicks != nil {
		next.BucketDurationTicks = *u.BucketDurationTicks
	}
	if u.BuybackDiscountBps != nil {
		next.BuybackDiscountBps = *u.BuybackDiscountBps
	}
	if u.MaxBuybackAmount != nil {
		next.MaxBuybackAmount = *u.MaxBuybackAmount
	}
	if u.AdvanceMode != nil {
		next.AdvanceMode = *u.AdvanceMode
	}
	if err := next.Validate(); err != nil {
		return err
	}
	p.Params = next
	return nil
}
