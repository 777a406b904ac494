package twap

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"
	"testing/quick"

	"github.com/holiman/uint256"
)

func newPair(t *testing.T, params Params) (*Policy, *Store) {
	t.Helper()
	policy, err := NewPolicy(params)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	store, err := NewStore("policy-1", policy, "BASE", "QUOTE")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return policy, store
}

func openParams() Params {
	p := DefaultParams()
	p.MinPriceChangeBps = 0
	p.MinVolumeThreshold = 1
	return p
}

func TestNewStoreAllocatesFixedRing(t *testing.T) {
	_, store := newPair(t, DefaultParams())
	if store.BucketCount() != 24 || len(store.Buckets()) != 24 {
		t.Fatalf("expected 24 preallocated buckets, got %d", len(store.Buckets()))
	}
	if store.CurrentIndex() != 0 || store.TotalVolume() != 0 || store.Accumulating() {
		t.Fatal("new store should be empty")
	}
}

func TestTimeGateAccumulates(t *testing.T) {
	policy, store := newPair(t, openParams())
	if policy.MinUpdateInterval != 600 || policy.LastUpdateTick != 0 {
		t.Fatalf("unexpected defaults: %+v", policy)
	}

	receipt, err := Submit(store, policy, NewSample(100, 7_000, 599))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.Committed {
		t.Fatal("sample at tick 599 should not commit")
	}
	if receipt.Reason != ReasonTime {
		t.Fatalf("expected time rejection, got %q", receipt.Reason)
	}
	if store.VolumeAccumulator() != 7_000 {
		t.Fatalf("accumulator should grow by the sample volume, got %d", store.VolumeAccumulator())
	}
	if policy.LastUpdateTick != 0 || policy.UpdatesThisHour != 0 || store.TotalVolume() != 0 {
		t.Fatal("accumulate-only path must not touch anything else")
	}
}

func TestVolumeGateUsesAccumulatedVolume(t *testing.T) {
	params := openParams()
	params.MinVolumeThreshold = 500_000_000
	policy, store := newPair(t, params)
	store.accumulator = 400_000_000

	receipt, err := Submit(store, policy, NewSample(100, 50_000_000, 1_000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.Committed || receipt.Reason != ReasonVolume {
		t.Fatalf("expected volume rejection, got %+v", receipt)
	}
	if store.VolumeAccumulator() != 450_000_000 {
		t.Fatalf("accumulator = %d, want 450000000", store.VolumeAccumulator())
	}

	receipt, err = Submit(store, policy, NewSample(100, 50_000_000, 1_001))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !receipt.Committed {
		t.Fatalf("500M accumulated should commit, got %+v", receipt)
	}
	if store.VolumeAccumulator() != 0 {
		t.Fatal("commit should reset the accumulator")
	}
}

func TestFirstSampleFailsPriceGateWithPositiveThreshold(t *testing.T) {
	policy, store := newPair(t, DefaultParams())

	receipt, err := Submit(store, policy, NewSample(50_000_000, 600_000_000, 600))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.Committed || receipt.Reason != ReasonPrice {
		t.Fatalf("first sample should fail the price gate when threshold > 0, got %+v", receipt)
	}
}

func TestPriceGateRequiresSignificantMove(t *testing.T) {
	params := DefaultParams()
	params.MinPriceChangeBps = 0
	policy, store := newPair(t, params)
	if r, _ := Submit(store, policy, NewSample(10_000, 600_000_000, 600)); !r.Committed {
		t.Fatalf("bootstrap commit failed: %+v", r)
	}

	if err := policy.Apply(PolicyUpdate{MinPriceChangeBps: ptr[uint16](100)}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	r, err := Submit(store, policy, NewSample(10_099, 600_000_000, 1_200))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r.Committed || r.Reason != ReasonPrice {
		t.Fatalf("99 bps move should be rejected, got %+v", r)
	}
	r, err = Submit(store, policy, NewSample(9_900, 600_000_000, 1_201))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !r.Committed {
		t.Fatalf("100 bps downward move should commit, got %+v", r)
	}
}

func TestRateLimitResetsAfterHour(t *testing.T) {
	params := openParams()
	params.MinUpdateInterval = 10
	params.MaxUpdatesPerHour = 2
	params.BucketDurationTicks = 1_000_000
	policy, store := newPair(t, params)

	for _, tick := range []uint64{100, 200} {
		r, err := Submit(store, policy, NewSample(100, 1, tick))
		if err != nil || !r.Committed {
			t.Fatalf("tick %d should commit: %+v %v", tick, r, err)
		}
	}
	if policy.UpdatesThisHour != 2 {
		t.Fatalf("updates_this_hour = %d, want 2", policy.UpdatesThisHour)
	}

	r, err := Submit(store, policy, NewSample(100, 1, 300))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r.Committed || r.Reason != ReasonRate {
		t.Fatalf("third commit within the hour should be refused, got %+v", r)
	}

	r, err = Submit(store, policy, NewSample(100, 1, 3_599))
	if err != nil || r.Committed {
		t.Fatalf("tick 3599 is still inside the hour: %+v %v", r, err)
	}

	r, err = Submit(store, policy, NewSample(100, 1, 3_600))
	if err != nil || !r.Committed {
		t.Fatalf("rollover should allow the commit: %+v %v", r, err)
	}
	if policy.UpdatesThisHour != 1 || policy.LastHourTick != 3_600 {
		t.Fatalf("expected counter reset to 1 at 3600, got %d / %d", policy.UpdatesThisHour, policy.LastHourTick)
	}
}

func TestCommitSideEffectsAbsoluteAdvance(t *testing.T) {
	policy, store := newPair(t, openParams())

	r, err := Submit(store, policy, NewSample(100, 10, 600))
	if err != nil || !r.Committed {
		t.Fatalf("commit at 600: %+v %v", r, err)
	}
	if r.Advanced || store.CurrentIndex() != 0 {
		t.Fatal("tick 600 is below bucket_duration_ticks; index must stay")
	}
	if policy.LastUpdateTick != 600 || policy.UpdatesThisHour != 1 {
		t.Fatalf("policy counters not advanced: %+v", policy)
	}
	last := store.LastCommittedPrice()
	if last.Uint64() != 100 {
		t.Fatalf("last committed price = %s", last.Dec())
	}

	// Overwrites bucket 0 again because the absolute tick is still short.
	if r, _ = Submit(store, policy, NewSample(120, 20, 1_200)); !r.Committed || r.BucketIndex != 0 {
		t.Fatalf("second commit should rewrite bucket 0: %+v", r)
	}
	if store.TotalVolume() != 20 {
		t.Fatalf("total volume = %d, want 20", store.TotalVolume())
	}

	if r, _ = Submit(store, policy, NewSample(130, 30, 3_600)); !r.Committed || !r.Advanced {
		t.Fatalf("commit at 3600 should advance: %+v", r)
	}
	if store.CurrentIndex() != 1 {
		t.Fatalf("index = %d, want 1", store.CurrentIndex())
	}
	b, _ := store.Bucket(0)
	if b.Price.Uint64() != 130 || b.Volume != 30 || b.Timestamp != 3_600 {
		t.Fatalf("bucket 0 = %+v", b)
	}
	if next, _ := store.Bucket(1); next.Populated() {
		t.Fatal("bucket the index moved to must be cleared")
	}
}

func TestElapsedAdvanceMode(t *testing.T) {
	params := openParams()
	params.AdvanceMode = AdvanceElapsed
	policy, store := newPair(t, params)

	mustCommit(t, store, policy, NewSample(100, 10, 600))
	if store.CurrentIndex() != 0 {
		t.Fatal("600 ticks elapsed should not advance")
	}
	mustCommit(t, store, policy, NewSample(101, 10, 3_600))
	if store.CurrentIndex() != 1 || store.WindowStart() != 3_600 {
		t.Fatalf("3600 elapsed should advance and reopen the window: idx=%d start=%d", store.CurrentIndex(), store.WindowStart())
	}
	mustCommit(t, store, policy, NewSample(102, 10, 4_200))
	if store.CurrentIndex() != 1 {
		t.Fatal("elapsed mode measures from the window start, not tick zero")
	}
}

func TestRingWrapsAndClears(t *testing.T) {
	params := openParams()
	params.BucketCount = 3
	params.BucketDurationTicks = 0
	policy, store := newPair(t, params)

	for i := uint64(1); i <= 4; i++ {
		mustCommit(t, store, policy, NewSample(100*i, i, 600*i))
	}
	// Writes went to 0,1,2,0 and every commit advanced, so index 1 is cleared.
	if store.CurrentIndex() != 1 {
		t.Fatalf("index = %d, want 1", store.CurrentIndex())
	}
	if b, _ := store.Bucket(1); b.Populated() {
		t.Fatal("bucket 1 should have been cleared by the wrap")
	}
	if store.TotalVolume() != 4+3 {
		t.Fatalf("total volume = %d, want 7", store.TotalVolume())
	}
}

func TestEmptySampleNeverCommits(t *testing.T) {
	params := openParams()
	params.MinVolumeThreshold = 0
	policy, store := newPair(t, params)

	r, err := Submit(store, policy, NewSample(0, 5, 600))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r.Committed || r.Reason != ReasonEmptySample {
		t.Fatalf("zero price must not commit: %+v", r)
	}
	if store.VolumeAccumulator() != 5 {
		t.Fatal("zero price volume still accumulates")
	}
}

func TestAccumulatorOverflowAborts(t *testing.T) {
	policy, store := newPair(t, DefaultParams())
	store.accumulator = math.MaxUint64 - 1
	before := store.Record()

	_, err := Submit(store, policy, NewSample(100, 2, 10))
	if !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if !reflect.DeepEqual(before, store.Record()) {
		t.Fatal("store mutated on overflow")
	}
}

func TestTotalVolumeOverflowAbortsCommit(t *testing.T) {
	policy, store := newPair(t, openParams())
	store.buckets[5] = Bucket{Price: MustPrice(1), Volume: math.MaxUint64 - 5, Timestamp: 1}
	store.totalVolume = math.MaxUint64 - 5
	beforeStore := store.Record()
	beforePolicy := *policy

	_, err := Submit(store, policy, NewSample(100, 10, 600))
	if !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if !reflect.DeepEqual(beforeStore, store.Record()) || *policy != beforePolicy {
		t.Fatal("state mutated on aborted commit")
	}
}

func TestTickRegressionIsFatal(t *testing.T) {
	policy, store := newPair(t, openParams())
	policy.LastUpdateTick = 1_000

	if _, err := Submit(store, policy, NewSample(100, 10, 500)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected overflow on tick regression, got %v", err)
	}
	if store.VolumeAccumulator() != 0 {
		t.Fatal("aborted call must not accumulate")
	}
}

func TestOversizedPriceRejected(t *testing.T) {
	policy, store := newPair(t, openParams())
	var huge Sample
	huge.Price.Lsh(uint256.NewInt(1), 130)
	huge.Volume = 1
	huge.Tick = 600
	if _, err := Submit(store, policy, huge); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected overflow for 130-bit price, got %v", err)
	}
}

func TestVolumeInvariantProperty(t *testing.T) {
	type step struct {
		Price  uint16
		Volume uint32
		Gap    uint16
	}
	property := func(steps []step, seed int64) bool {
		params := openParams()
		params.MinUpdateInterval = 50
		params.BucketCount = uint32(2 + rand.New(rand.NewSource(seed)).Intn(6))
		params.BucketDurationTicks = 500
		policy, err := NewPolicy(params)
		if err != nil {
			return false
		}
		store, err := NewStore("p", policy, "B", "Q")
		if err != nil {
			return false
		}
		tick := uint64(0)
		for _, s := range steps {
			tick += uint64(s.Gap)
			if _, err := Submit(store, policy, NewSample(uint64(s.Price), uint64(s.Volume), tick)); err != nil {
				return false
			}
			var sum uint64
			for _, b := range store.Buckets() {
				if b.Price.IsZero() != (b.Volume == 0) {
					return false
				}
				sum += b.Volume
			}
			if sum != store.TotalVolume() || store.CurrentIndex() >= store.BucketCount() {
				return false
			}
			if len(store.Buckets()) != int(params.BucketCount) {
				return false
			}
		}
		return true
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 200}); err != nil {
		t.Fatalf("volume invariant violated: %v", err)
	}
}

func mustCommit(t *testing.T, store *Store, policy *Policy, s Sample) {
	t.Helper()
	r, err := Submit(store, policy, s)
	if err != nil {
		t.Fatalf("submit %+v: %v", s, err)
	}
	if !r.Committed {
		t.Fatalf("sample at tick %d rejected: %s", s.Tick, r.Reason)
	}
}

func ptr[T any](v T) *T { return &v }
