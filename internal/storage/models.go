package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"twapguard/internal/twap"
)

var (
	// ErrPairNotFound is returned when a pair id has no stored state.
	ErrPairNotFound = errors.New("storage: pair not found")
	// ErrPairExists is returned when creating a pair id twice.
	ErrPairExists = errors.New("storage: pair already exists")
)

// EmergencyWindow rate-limits emergency alerts per hour of ticks.
type EmergencyWindow struct {
	Count    uint32 `json:"count"`
	HourTick uint64 `json:"hour_tick"`
}

// Allow consumes one alert slot for tick, opening a new window once
// twap.HourTicks have elapsed since the current one started.
func (w *EmergencyWindow) Allow(tick uint64, limit uint32) bool {
	if tick < w.HourTick || tick-w.HourTick >= twap.HourTicks {
		w.HourTick = tick
		w.Count = 0
	}
	if w.Count >= limit {
		return false
	}
	w.Count++
	return true
}

// Pair is the unit of persistence: a policy plus the store it gates.
type Pair struct {
	ID        string
	Policy    twap.Policy
	Store     *twap.Store
	Cursor    uint64
	Emergency EmergencyWindow
	Commits   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidatePairID rejects ids that cannot be used as key segments.
func ValidatePairID(id string) error {
	if id == "" || strings.ContainsAny(id, ": \t\n/") {
		return fmt.Errorf("invalid pair id %q", id)
	}
	return nil
}

// NewPair builds a fresh pair with an empty ring.
func NewPair(id, base, quote string, params twap.Params, cursor uint64) (Pair, error) {
	if err := ValidatePairID(id); err != nil {
		return Pair{}, err
	}
	policy, err := twap.NewPolicy(params)
	if err != nil {
		return Pair{}, err
	}
	store, err := twap.NewStore(id, policy, base, quote)
	if err != nil {
		return Pair{}, err
	}
	now := time.Now().UTC()
	return Pair{ID: id, Policy: *policy, Store: store, Cursor: cursor, CreatedAt: now, UpdatedAt: now}, nil
}

// CommitRecord captures one committed sample for history and export.
type CommitRecord struct {
	PairID      string
	Seq         uint64
	Tick        uint64
	BucketIndex uint32
	Price       uint256.Int
	Volume      uint64
	TWAP        twap.Aggregate
	Advanced    bool
	Emergency   bool
	CreatedAt   time.Time
}

// Mutation edits a pair in place and returns the commits to record with it.
// Returning an error discards every change.
type Mutation func(p *Pair) ([]CommitRecord, error)

// PairStore persists pairs and their commit log.
type PairStore interface {
	CreatePair(ctx context.Context, pair Pair) error
	LoadPair(ctx context.Context, id string) (Pair, error)
	// UpdatePair runs fn under an exclusive lock on the pair and stores the
	// result plus returned commits atomically.
	UpdatePair(ctx context.Context, id string, fn Mutation) (Pair, error)
	ListPairs(ctx context.Context) ([]Pair, error)
	ListCommitsBetween(ctx context.Context, id string, fromTick, toTick uint64) ([]CommitRecord, error)
	ListRecentCommits(ctx context.Context, id string, limit int) ([]CommitRecord, error)
	Close() error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// pairRecord is the serialised form shared by both backends.
type pairRecord struct {
	ID        string           `json:"id"`
	Policy    twap.Policy      `json:"policy"`
	Store     twap.StoreRecord `json:"store"`
	Cursor    uint64           `json:"cursor"`
	Emergency EmergencyWindow  `json:"emergency"`
	Commits   uint64           `json:"commits"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (p Pair) record() (pairRecord, error) {
	if p.Store == nil {
		return pairRecord{}, fmt.Errorf("pair %s has no store", p.ID)
	}
	return pairRecord{
		ID:        p.ID,
		Policy:    p.Policy,
		Store:     p.Store.Record(),
		Cursor:    p.Cursor,
		Emergency: p.Emergency,
		Commits:   p.Commits,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}, nil
}

func (r pairRecord) pair() (Pair, error) {
	if err := r.Policy.Params.Validate(); err != nil {
		return Pair{}, fmt.Errorf("pair %s policy: %w", r.ID, err)
	}
	store, err := twap.RestoreStore(r.Store)
	if err != nil {
		return Pair{}, fmt.Errorf("pair %s store: %w", r.ID, err)
	}
	if store.BucketCount() != r.Policy.BucketCount {
		return Pair{}, fmt.Errorf("pair %s: store has %d buckets, policy %d", r.ID, store.BucketCount(), r.Policy.BucketCount)
	}
	return Pair{
		ID:        r.ID,
		Policy:    r.Policy,
		Store:     store,
		Cursor:    r.Cursor,
		Emergency: r.Emergency,
		Commits:   r.Commits,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

type commitRecordJSON struct {
	PairID      string    `json:"pair_id"`
	Seq         uint64    `json:"seq"`
	Tick        uint64    `json:"tick"`
	BucketIndex uint32    `json:"bucket_index"`
	Price       string    `json:"price"`
	Volume      uint64    `json:"volume"`
	TWAP        *string   `json:"twap,omitempty"`
	Advanced    bool      `json:"advanced"`
	Emergency   bool      `json:"emergency"`
	CreatedAt   time.Time `json:"created_at"`
}

func (c CommitRecord) json() commitRecordJSON {
	out := commitRecordJSON{
		PairID:      c.PairID,
		Seq:         c.Seq,
		Tick:        c.Tick,
		BucketIndex: c.BucketIndex,
		Price:       c.Price.Dec(),
		Volume:      c.Volume,
		Advanced:    c.Advanced,
		Emergency:   c.Emergency,
		CreatedAt:   c.CreatedAt,
	}
	if v, ok := c.TWAP.Value(); ok {
		s := v.Dec()
		out.TWAP = &s
	}
	return out
}

func (j commitRecordJSON) commit() (CommitRecord, error) {
	price, err := twap.ParsePrice(j.Price)
	if err != nil {
		return CommitRecord{}, fmt.Errorf("commit price: %w", err)
	}
	agg, err := parseAggregate(j.TWAP)
	if err != nil {
		return CommitRecord{}, err
	}
	return CommitRecord{
		PairID:      j.PairID,
		Seq:         j.Seq,
		Tick:        j.Tick,
		BucketIndex: j.BucketIndex,
		Price:       price,
		Volume:      j.Volume,
		TWAP:        agg,
		Advanced:    j.Advanced,
		Emergency:   j.Emergency,
		CreatedAt:   j.CreatedAt,
	}, nil
}

func parseAggregate(raw *string) (twap.Aggregate, error) {
	if raw == nil {
		return twap.NoData(), nil
	}
	v, err := twap.ParsePrice(*raw)
	if err != nil {
		return twap.NoData(), fmt.Errorf("commit twap: %w", err)
	}
	return twap.Some(&v), nil
}
