package twap

import (
	"fmt"
	"slices"

	"github.com/holiman/uint256"
)

// Aggregate is either NoData or a value. A zero price is a legitimate value
// and is never used to signal missing data.
type Aggregate struct {
	value uint256.Int
	ok    bool
}

// NoData returns the empty aggregate.
func NoData() Aggregate { return Aggregate{} }

// Some wraps v.
func Some(v *uint256.Int) Aggregate { return Aggregate{value: *v, ok: true} }

// Valid reports whether the aggregate holds a value.
func (a Aggregate) Valid() bool { return a.ok }

// Value returns the held value and whether it exists.
func (a Aggregate) Value() (uint256.Int, bool) { return a.value, a.ok }

// Get returns the value or ErrNoAggregateAvailable.
func (a Aggregate) Get() (uint256.Int, error) {
	if !a.ok {
		return uint256.Int{}, ErrNoAggregateAvailable
	}
	return a.value, nil
}

// String renders the value in base 10, or "none".
func (a Aggregate) String() string {
	if !a.ok {
		return "none"
	}
	return a.value.Dec()
}

type weightedMean struct {
	weighted uint256.Int
	weight   uint64
}

func (m *weightedMean) add(b Bucket) error {
	prod, err := mulPrice(&b.Price, b.Volume)
	if err != nil {
		return err
	}
	sum := new(uint256.Int).Add(&m.weighted, prod)
	if !fitsPrice(sum) {
		return fmt.Errorf("%w: weighted price sum exceeds u128", ErrArithmeticOverflow)
	}
	weight, err := checkedAdd64(m.weight, b.Volume)
	if err != nil {
		return fmt.Errorf("weight sum: %w", err)
	}
	m.weighted = *sum
	m.weight = weight
	return nil
}

func (m *weightedMean) result() Aggregate {
	if m.weight == 0 {
		return NoData()
	}
	return Some(new(uint256.Int).Div(&m.weighted, uint256.NewInt(m.weight)))
}

// TWAP is Σ(price·volume)/Σvolume over every populated bucket.
func (s *Store) TWAP() (Aggregate, error) {
	var m weightedMean
	for _, b := range s.buckets {
		if !b.Populated() {
			continue
		}
		if err := m.add(b); err != nil {
			return NoData(), err
		}
	}
	return m.result(), nil
}

// VWAP averages the window most recent populated buckets, walking backward
// from the current index down to index 0 without wrapping.
func (s *Store) VWAP(window uint32) (Aggregate, error) {
	var m weightedMean
	taken := uint32(0)
	for i := int(s.index); i >= 0 && taken < window; i-- {
		b := s.buckets[i]
		if !b.Populated() {
			continue
		}
		if err := m.add(b); err != nil {
			return NoData(), err
		}
		taken++
	}
	return m.result(), nil
}

// Stats holds min, max and median of the committed prices.
type Stats struct {
	Min    Aggregate
	Max    Aggregate
	Median Aggregate
	Count  int
}

// Stats collects every nonzero bucket price. For an even count the median is
// the floor of the mean of the two middle prices.
func (s *Store) Stats() Stats {
	prices := make([]uint256.Int, 0, len(s.buckets))
	for _, b := range s.buckets {
		if !b.Price.IsZero() {
			prices = append(prices, b.Price)
		}
	}
	if len(prices) == 0 {
		return Stats{Min: NoData(), Max: NoData(), Median: NoData()}
	}
	slices.SortFunc(prices, func(a, b uint256.Int) int { return a.Cmp(&b) })

	n := len(prices)
	var median uint256.Int
	if n%2 == 0 {
		// Both operands are below 2^128 so the sum fits in 256 bits.
		median.Add(&prices[n/2-1], &prices[n/2])
		median.Rsh(&median, 1)
	} else {
		median = prices[n/2]
	}
	return Stats{
		Min:    Some(&prices[0]),
		Max:    Some(&prices[n-1]),
		Median: Some(&median),
		Count:  n,
	}
}
