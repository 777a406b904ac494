package twap

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Bucket is one committed time slot. It is either fully empty or fully populated.
type Bucket struct {
	Price     uint256.Int
	Volume    uint64
	Timestamp uint64
}

// Populated reports price > 0 && volume > 0.
func (b Bucket) Populated() bool {
	return !b.Price.IsZero() && b.Volume > 0
}

// Store is the fixed-capacity ring of buckets for one base/quote pair.
type Store struct {
	policyID    string
	base        string
	quote       string
	index       uint32
	accumulator uint64
	lastPrice   uint256.Int
	buckets     []Bucket
	totalVolume uint64
	windowStart uint64
}

// NewStore allocates an empty store with policy.BucketCount buckets.
func NewStore(policyID string, policy *Policy, base, quote string) (*Store, error) {
	if policy == nil {
		return nil, fmt.Errorf("%w: policy is required", ErrInvalidStore)
	}
	if err := policy.Params.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		policyID: policyID,
		base:     base,
		quote:    quote,
		buckets:  make([]Bucket, policy.BucketCount),
	}, nil
}

func (s *Store) PolicyID() string { return s.policyID }
func (s *Store) Base() string { return s.base }
func (s *Store) Quote() string { return s.quote }
func (s *Store) CurrentIndex() uint32 { return s.index }
func (s *Store) BucketCount() uint32 { return uint32(len(s.buckets)) }
func (s *Store) VolumeAccumulator() uint64 { return s.accumulator }
func (s *Store) TotalVolume() uint64 { return s.totalVolume }
func (s *Store) WindowStart() uint64 { return s.windowStart }

// LastCommittedPrice returns the price of the most recent commit, zero before any.
func (s *Store) LastCommittedPrice() uint256.Int { return s.lastPrice }

// Buckets returns a copy of the ring in index order.
func (s *Store) Buckets() []Bucket {
	out := make([]Bucket, len(s.buckets))
	copy(out, s.buckets)
	return out
}

// Bucket returns the bucket at i.
func (s *Store) Bucket(i uint32) (Bucket, bool) {
	if int(i) >= len(s.buckets) {
		return Bucket{}, false
	}
	return s.buckets[i], true
}

// Accumulating reports whether volume is waiting for the next commit.
func (s *Store) Accumulating() bool {
	return s.accumulator > 0
}

func (s *Store) next(i uint32) uint32 {
	return (i + 1) % uint32(len(s.buckets))
}

// BucketRecord is the persisted form of a bucket; prices are decimal strings.
type BucketRecord struct {
	Price     string `json:"price"`
	Volume    uint64 `json:"volume"`
	Timestamp uint64 `json:"timestamp"`
}

// StoreRecord is the persisted form of a Store.
type StoreRecord struct {
	PolicyID           string         `json:"policy_id"`
	BaseAsset          string         `json:"base_asset"`
	QuoteAsset         string         `json:"quote_asset"`
	CurrentBucketIndex uint32         `json:"current_bucket_index"`
	BucketCount        uint32         `json:"bucket_count"`
	VolumeAccumulator  uint64         `json:"volume_accumulator"`
	LastCommittedPrice string         `json:"last_committed_price"`
	TotalVolume        uint64         `json:"total_volume"`
	WindowStart        uint64         `json:"window_start"`
	Buckets            []BucketRecord `json:"buckets"`
}

// Record snapshots the store for persistence.
func (s *Store) Record() StoreRecord {
	rec := StoreRecord{
		PolicyID:           s.policyID,
		BaseAsset:          s.base,
		QuoteAsset:         s.quote,
		CurrentBucketIndex: s.index,
		BucketCount:        uint32(len(s.buckets)),
		VolumeAccumulator:  s.accumulator,
		LastCommittedPrice: s.lastPrice.Dec(),
		TotalVolume:        s.totalVolume,
		WindowStart:        s.windowStart,
		Buckets:            make([]BucketRecord, len(s.buckets)),
	}
	for i, b := range s.buckets {
		rec.Buckets[i] = BucketRecord{Price: b.Price.Dec(), Volume: b.Volume, Timestamp: b.Timestamp}
	}
	return rec
}

// RestoreStore rebuilds a store from its record and re-checks the ring invariants.
func RestoreStore(rec StoreRecord) (*Store, error) {
	if rec.BucketCount < MinBucketCount || rec.BucketCount > MaxBucketCount {
		return nil, fmt.Errorf("%w: bucket_count %d", ErrInvalidStore, rec.BucketCount)
	}
	if len(rec.Buckets) != int(rec.BucketCount) {
		return nil, fmt.Errorf("%w: %d buckets recorded, expected %d", ErrInvalidStore, len(rec.Buckets), rec.BucketCount)
	}
	if rec.CurrentBucketIndex >= rec.BucketCount {
		return nil, fmt.Errorf("%w: bucket index %d out of range", ErrInvalidStore, rec.CurrentBucketIndex)
	}
	last, err := ParsePrice(rec.LastCommittedPrice)
	if err != nil {
		return nil, fmt.Errorf("%w: last committed price: %v", ErrInvalidStore, err)
	}

	s := &Store{
		policyID:    rec.PolicyID,
		base:        rec.BaseAsset,
		quote:       rec.QuoteAsset,
		index:       rec.CurrentBucketIndex,
		accumulator: rec.VolumeAccumulator,
		lastPrice:   last,
		buckets:     make([]Bucket, rec.BucketCount),
		windowStart: rec.WindowStart,
	}
	var total uint64
	for i, br := range rec.Buckets {
		price, err := ParsePrice(br.Price)
		if err != nil {
			return nil, fmt.Errorf("%w: bucket %d: %v", ErrInvalidStore, i, err)
		}
		b := Bucket{Price: price, Volume: br.Volume, Timestamp: br.Timestamp}
		if price.IsZero() != (b.Volume == 0) {
			return nil, fmt.Errorf("%w: bucket %d half populated", ErrInvalidStore, i)
		}
		if total, err = checkedAdd64(total, b.Volume); err != nil {
			return nil, err
		}
		s.buckets[i] = b
	}
	if total != rec.TotalVolume {
		return nil, fmt.Errorf("%w: total_volume %d does not match bucket sum %d", ErrInvalidStore, rec.TotalVolume, total)
	}
	s.totalVolume = total
	return s, nil
}
