package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	policyPrefix = "policy:"
	storePrefix  = "store:"
	commitPrefix = "commit:"
)

// BadgerOptions configures the embedded backend.
type BadgerOptions struct {
	Path     string
	InMemory bool
}

// BadgerStore keeps pairs and commits in an embedded Badger database.
// Policy and store halves of a pair live under separate keys and are always
// written in the same transaction.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the database.
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("storage: badger path is required")
	}
	path := opts.Path
	if opts.InMemory {
		path = ""
	}
	bopts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithInMemory(opts.InMemory)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreatePair stores a new pair.
func (s *BadgerStore) CreatePair(ctx context.Context, pair Pair) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(policyKey(pair.ID)); err == nil {
			return fmt.Errorf("%w: %s", ErrPairExists, pair.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putPair(txn, pair)
	})
}

// LoadPair reads one pair.
func (s *BadgerStore) LoadPair(ctx context.Context, id string) (Pair, error) {
	var pair Pair
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		pair, err = getPair(txn, id)
		return err
	})
	return pair, err
}

// UpdatePair applies fn inside a read-write transaction. Badger's optimistic
// concurrency rejects the commit on a conflicting write, in which case the
// mutation is retried on fresh state.
func (s *BadgerStore) UpdatePair(ctx context.Context, id string, fn Mutation) (Pair, error) {
	const maxAttempts = 5
	var updated Pair
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Pair{}, err
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			pair, err := getPair(txn, id)
			if err != nil {
				return err
			}
			commits, err := fn(&pair)
			if err != nil {
				return err
			}
			pair.ID = id
			pair.UpdatedAt = time.Now().UTC()
			for _, c := range commits {
				pair.Commits++
				c.PairID = id
				c.Seq = pair.Commits
				if c.CreatedAt.IsZero() {
					c.CreatedAt = pair.UpdatedAt
				}
				if err := putCommit(txn, c); err != nil {
					return err
				}
			}
			if err := putPair(txn, pair); err != nil {
				return err
			}
			updated = pair
			return nil
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return Pair{}, err
	}
	return updated, nil
}

// ListPairs returns every stored pair ordered by id.
func (s *BadgerStore) ListPairs(ctx context.Context) ([]Pair, error) {
	pairs := make([]Pair, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(policyPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id := strings.TrimPrefix(string(it.Item().Key()), policyPrefix)
			pair, err := getPair(txn, id)
			if err != nil {
				return err
			}
			pairs = append(pairs, pair)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

// ListCommitsBetween lists commits with fromTick <= tick < toTick in tick order.
func (s *BadgerStore) ListCommitsBetween(ctx context.Context, id string, fromTick, toTick uint64) ([]CommitRecord, error) {
	commits := make([]CommitRecord, 0)
	prefix := commitPairPrefix(id)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Seek(commitTickKey(id, fromTick)); it.ValidForPrefix(prefix); it.Next() {
			c, err := readCommit(it.Item())
			if err != nil {
				return err
			}
			if c.Tick >= toTick {
				break
			}
			commits = append(commits, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return commits, nil
}

// ListRecentCommits lists the newest commits first.
func (s *BadgerStore) ListRecentCommits(ctx context.Context, id string, limit int) ([]CommitRecord, error) {
	commits := make([]CommitRecord, 0, limit)
	prefix := commitPairPrefix(id)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, Reverse: true, PrefetchValues: true})
		defer it.Close()
		seek := append(bytes.Clone(prefix), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(commits) < limit; it.Next() {
			c, err := readCommit(it.Item())
			if err != nil {
				return err
			}
			commits = append(commits, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return commits, nil
}

func policyKey(id string) []byte { return []byte(policyPrefix + id) }
func storeKey(id string) []byte  { return []byte(storePrefix + id) }

func commitPairPrefix(id string) []byte {
	return []byte(commitPrefix + id + ":")
}

// Zero padded ticks and sequence numbers keep lexical order equal to numeric order.
func commitTickKey(id string, tick uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", commitPrefix, id, tick))
}

func commitKey(c CommitRecord) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%020d", commitPrefix, c.PairID, c.Tick, c.Seq))
}

type policyValue struct {
	ID        string          `json:"id"`
	Policy    json.RawMessage `json:"policy"`
	CreatedAt time.Time       `json:"created_at"`
}

type storeValue struct {
	Store     json.RawMessage `json:"store"`
	Cursor    uint64          `json:"cursor"`
	Emergency EmergencyWindow `json:"emergency"`
	Commits   uint64          `json:"commits"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func putPair(txn *badger.Txn, pair Pair) error {
	rec, err := pair.record()
	if err != nil {
		return err
	}
	policyJSON, err := json.Marshal(rec.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	storeJSON, err := json.Marshal(rec.Store)
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	pv, err := json.Marshal(policyValue{ID: rec.ID, Policy: policyJSON, CreatedAt: rec.CreatedAt})
	if err != nil {
		return err
	}
	sv, err := json.Marshal(storeValue{Store: storeJSON, Cursor: rec.Cursor, Emergency: rec.Emergency, Commits: rec.Commits, UpdatedAt: rec.UpdatedAt})
	if err != nil {
		return err
	}
	if err := txn.Set(policyKey(pair.ID), pv); err != nil {
		return err
	}
	return txn.Set(storeKey(pair.ID), sv)
}

func getPair(txn *badger.Txn, id string) (Pair, error) {
	var pv policyValue
	if err := getJSON(txn, policyKey(id), &pv); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return Pair{}, fmt.Errorf("%w: %s", ErrPairNotFound, id)
		}
		return Pair{}, err
	}
	var sv storeValue
	if err := getJSON(txn, storeKey(id), &sv); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return Pair{}, fmt.Errorf("%w: store for %s", ErrPairNotFound, id)
		}
		return Pair{}, err
	}

	rec := pairRecord{ID: id, Cursor: sv.Cursor, Emergency: sv.Emergency, Commits: sv.Commits, CreatedAt: pv.CreatedAt, UpdatedAt: sv.UpdatedAt}
	if err := json.Unmarshal(pv.Policy, &rec.Policy); err != nil {
		return Pair{}, fmt.Errorf("decode policy %s: %w", id, err)
	}
	if err := json.Unmarshal(sv.Store, &rec.Store); err != nil {
		return Pair{}, fmt.Errorf("decode store %s: %w", id, err)
	}
	return rec.pair()
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func putCommit(txn *badger.Txn, c CommitRecord) error {
	val, err := json.Marshal(c.json())
	if err != nil {
		return fmt.Errorf("marshal commit: %w", err)
	}
	return txn.Set(commitKey(c), val)
}

func readCommit(item *badger.Item) (CommitRecord, error) {
	var j commitRecordJSON
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &j)
	}); err != nil {
		return CommitRecord{}, fmt.Errorf("decode commit %s: %w", item.Key(), err)
	}
	return j.commit()
}

var _ PairStore = (*BadgerStore)(nil)
