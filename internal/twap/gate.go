package twap

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Sample is one observed (price, volume) pair at a tick.
type Sample struct {
	Price  uint256.Int
	Volume uint64
	Tick   uint64
}

// NewSample builds a sample from a uint64 price.
func NewSample(price, volume, tick uint64) Sample {
	return Sample{Price: MustPrice(price), Volume: volume, Tick: tick}
}

// Gate rejection reasons.
const (
	ReasonEmptySample = "empty_sample"
	ReasonTime        = "min_update_interval"
	ReasonVolume      = "min_volume_threshold"
	ReasonPrice       = "min_price_change"
	ReasonRate        = "max_updates_per_hour"
)

// Decision is the outcome of the gate. Reason names the first failing predicate.
type Decision struct {
	Commit      bool
	Reason      string
	Accumulated uint64
}

// Evaluate runs the gate predicates in order (time, volume, price, rate) and
// stops at the first failure. It never mutates its arguments.
func Evaluate(store *Store, policy *Policy, sample Sample) (Decision, error) {
	if !fitsPrice(&sample.Price) {
		return Decision{}, fmt.Errorf("%w: sample price exceeds 128 bits", ErrArithmeticOverflow)
	}
	accumulated, err := checkedAdd64(store.accumulator, sample.Volume)
	if err != nil {
		return Decision{}, fmt.Errorf("volume accumulator: %w", err)
	}
	d := Decision{Accumulated: accumulated}

	if sample.Price.IsZero() || sample.Volume == 0 {
		d.Reason = ReasonEmptySample
		return d, nil
	}

	ok, err := policy.ByTime(sample.Tick)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		d.Reason = ReasonTime
		return d, nil
	}

	if !policy.ByVolume(accumulated) {
		d.Reason = ReasonVolume
		return d, nil
	}

	if ok, err = policy.ByPrice(&sample.Price, &store.lastPrice); err != nil {
		return Decision{}, err
	}
	if !ok {
		d.Reason = ReasonPrice
		return d, nil
	}

	if ok, err = policy.ByRate(sample.Tick); err != nil {
		return Decision{}, err
	}
	if !ok {
		d.Reason = ReasonRate
		return d, nil
	}

	d.Commit = true
	return d, nil
}

// Receipt reports what Submit did.
type Receipt struct {
	Committed   bool
	Reason      string
	Accumulator uint64
	BucketIndex uint32
	Advanced    bool
}

// Submit gates a sample and either commits it into the ring or adds its volume
// to the accumulator. Gate failures are not errors. Any error leaves store and
// policy untouched.
func Submit(store *Store, policy *Policy, sample Sample) (Receipt, error) {
	if store == nil || policy == nil {
		return Receipt{}, fmt.Errorf("%w: store and policy are required", ErrInvalidStore)
	}
	d, err := Evaluate(store, policy, sample)
	if err != nil {
		return Receipt{}, err
	}
	if !d.Commit {
		store.accumulator = d.Accumulated
		return Receipt{Reason: d.Reason, Accumulator: d.Accumulated, BucketIndex: store.index}, nil
	}
	return commit(store, policy, sample)
}

func commit(store *Store, policy *Policy, sample Sample) (Receipt, error) {
	now := sample.Tick
	written := store.index

	advance, err := shouldAdvance(store, policy, now)
	if err != nil {
		return Receipt{}, err
	}
	nextIndex := written
	if advance {
		nextIndex = store.next(written)
	}

	// Stage every derived value first so an overflow aborts with no writes.
	var total uint64
	for i, b := range store.buckets {
		vol := b.Volume
		switch {
		case advance && uint32(i) == nextIndex:
			vol = 0
		case uint32(i) == written:
			vol = sample.Volume
		}
		if total, err = checkedAdd64(total, vol); err != nil {
			return Receipt{}, fmt.Errorf("total volume: %w", err)
		}
	}

	hourElapsed, err := checkedSub64(now, policy.LastHourTick, "hour")
	if err != nil {
		return Receipt{}, err
	}
	updates := uint32(1)
	lastHour := now
	if hourElapsed < HourTicks {
		if policy.UpdatesThisHour == ^uint32(0) {
			return Receipt{}, fmt.Errorf("%w: updates_this_hour", ErrArithmeticOverflow)
		}
		updates = policy.UpdatesThisHour + 1
		lastHour = policy.LastHourTick
	}

	store.buckets[written] = Bucket{Price: sample.Price, Volume: sample.Volume, Timestamp: now}
	store.accumulator = 0
	store.lastPrice = sample.Price
	if advance {
		store.index = nextIndex
		store.buckets[nextIndex] = Bucket{}
		store.windowStart = now
	}
	store.totalVolume = total

	policy.LastUpdateTick = now
	policy.UpdatesThisHour = updates
	policy.LastHourTick = lastHour

	return Receipt{Committed: true, BucketIndex: written, Advanced: advance}, nil
}

func shouldAdvance(store *Store, policy *Policy, now uint64) (bool, error) {
	switch policy.AdvanceMode {
	case AdvanceElapsed:
		elapsed, err := checkedSub64(now, store.windowStart, "bucket window")
		if err != nil {
			return false, err
		}
		return elapsed >= policy.BucketDurationTicks, nil
	default:
		return now >= policy.BucketDurationTicks, nil
	}
}
