package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const uniqueViolation = "23505"

const (
	insertPolicySQL = `INSERT INTO pricing_policies (
        pair_id,
        params,
        last_update_tick,
        updates_this_hour,
        last_hour_tick,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	insertStoreSQL = `INSERT INTO price_stores (
        pair_id,
        base_asset,
        quote_asset,
        store,
        source_cursor,
        emergency_count,
        emergency_hour_tick,
        commit_count,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	selectPairColumns = `SELECT
        p.pair_id,
        p.params,
        p.last_update_tick,
        p.updates_this_hour,
        p.last_hour_tick,
        p.created_at,
        s.store,
        s.source_cursor,
        s.emergency_count,
        s.emergency_hour_tick,
        s.commit_count,
        s.updated_at
    FROM pricing_policies p
    JOIN price_stores s ON s.pair_id = p.pair_id`

	selectPairSQL          = selectPairColumns + ` WHERE p.pair_id = $1;`
	selectPairForUpdateSQL = selectPairColumns + ` WHERE p.pair_id = $1 FOR UPDATE OF p, s;`
	listPairsSQL           = selectPairColumns + ` ORDER BY p.pair_id;`

	updatePolicySQL = `UPDATE pricing_policies
    SET params            = $2,
        last_update_tick  = $3,
        updates_this_hour = $4,
        last_hour_tick    = $5,
        updated_at        = $6
    WHERE pair_id = $1;`

	updateStoreSQL = `UPDATE price_stores
    SET store               = $2,
        source_cursor       = $3,
        emergency_count     = $4,
        emergency_hour_tick = $5,
        commit_count        = $6,
        updated_at          = $7
    WHERE pair_id = $1;`

	insertCommitSQL = `INSERT INTO price_commits (
        pair_id,
        seq,
        tick,
        bucket_index,
        price,
        volume,
        twap,
        advanced,
        emergency,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	selectCommitColumns = `SELECT
        pair_id,
        seq,
        tick,
        bucket_index,
        price,
        volume,
        twap,
        advanced,
        emergency,
        created_at
    FROM price_commits`

	listCommitsBetweenSQL = selectCommitColumns + `
    WHERE pair_id = $1
      AND tick >= $2
      AND tick < $3
    ORDER BY tick, seq;`

	listRecentCommitsSQL = selectCommitColumns + `
    WHERE pair_id = $1
    ORDER BY seq DESC
    LIMIT $2;`

	pairXactLockSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1, $2));`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Repository stores pairs and commits in PostgreSQL.
type Repository struct {
	pool    *pgxpool.Pool
	lockKey int64
}

// NewRepository wires a pgx pool into a Repository. lockKey seeds the
// per-pair transaction locks so several deployments can share a database.
func NewRepository(pool *pgxpool.Pool, lockKey int64) *Repository {
	return &Repository{pool: pool, lockKey: lockKey}
}

// Close releases the underlying pool resources.
func (r *Repository) Close() error {
	if r == nil || r.pool == nil {
		return nil
	}
	r.pool.Close()
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (r *Repository) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := r.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock dies with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (r *Repository) getPool() (*pgxpool.Pool, error) {
	if r == nil || r.pool == nil {
		return nil, ErrNotConfigured
	}
	return r.pool, nil
}

// CreatePair inserts the policy and store rows of a new pair.
func (r *Repository) CreatePair(ctx context.Context, pair Pair) error {
	pool, err := r.getPool()
	if err != nil {
		return err
	}
	rec, err := pair.record()
	if err != nil {
		return err
	}
	params, store, err := marshalPair(rec)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertPolicySQL,
			rec.ID,
			params,
			u64(rec.Policy.LastUpdateTick),
			int64(rec.Policy.UpdatesThisHour),
			u64(rec.Policy.LastHourTick),
			rec.CreatedAt,
			rec.UpdatedAt,
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("%w: %s", ErrPairExists, rec.ID)
			}
			return fmt.Errorf("insert policy: %w", err)
		}
		if _, err := tx.Exec(ctx, insertStoreSQL,
			rec.ID,
			rec.Store.BaseAsset,
			rec.Store.QuoteAsset,
			store,
			u64(rec.Cursor),
			int64(rec.Emergency.Count),
			u64(rec.Emergency.HourTick),
			u64(rec.Commits),
			rec.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert store: %w", err)
		}
		return nil
	})
}

// LoadPair reads one pair.
func (r *Repository) LoadPair(ctx context.Context, id string) (Pair, error) {
	pool, err := r.getPool()
	if err != nil {
		return Pair{}, err
	}
	return scanPair(pool.QueryRow(ctx, selectPairSQL, id), id)
}

// UpdatePair serialises writers on the pair with a transaction scoped
// advisory lock plus row locks, then writes the mutated state and commits.
func (r *Repository) UpdatePair(ctx context.Context, id string, fn Mutation) (Pair, error) {
	pool, err := r.getPool()
	if err != nil {
		return Pair{}, err
	}

	var updated Pair
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, pairXactLockSQL, id, r.lockKey); err != nil {
			return fmt.Errorf("lock pair: %w", err)
		}
		pair, err := scanPair(tx.QueryRow(ctx, selectPairForUpdateSQL, id), id)
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
			if err := insertCommit(ctx, tx, c); err != nil {
				return err
			}
		}

		rec, err := pair.record()
		if err != nil {
			return err
		}
		params, store, err := marshalPair(rec)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, updatePolicySQL,
			id,
			params,
			u64(rec.Policy.LastUpdateTick),
			int64(rec.Policy.UpdatesThisHour),
			u64(rec.Policy.LastHourTick),
			rec.UpdatedAt,
		); err != nil {
			return fmt.Errorf("update policy: %w", err)
		}
		if _, err := tx.Exec(ctx, updateStoreSQL,
			id,
			store,
			u64(rec.Cursor),
			int64(rec.Emergency.Count),
			u64(rec.Emergency.HourTick),
			u64(rec.Commits),
			rec.UpdatedAt,
		); err != nil {
			return fmt.Errorf("update store: %w", err)
		}
		updated = pair
		return nil
	})
	if err != nil {
		return Pair{}, err
	}
	return updated, nil
}

// ListPairs lists every pair ordered by id.
func (r *Repository) ListPairs(ctx context.Context) ([]Pair, error) {
	pool, err := r.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPairsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list pairs: %w", queryErr)
	}
	defer rows.Close()

	pairs := make([]Pair, 0)
	for rows.Next() {
		pair, scanErr := scanPair(rows, "")
		if scanErr != nil {
			return nil, scanErr
		}
		pairs = append(pairs, pair)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return pairs, nil
}

// ListCommitsBetween lists commits with fromTick <= tick < toTick.
func (r *Repository) ListCommitsBetween(ctx context.Context, id string, fromTick, toTick uint64) ([]CommitRecord, error) {
	pool, err := r.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCommitsBetweenSQL, id, u64(fromTick), u64(toTick))
	if queryErr != nil {
		return nil, fmt.Errorf("list commits between: %w", queryErr)
	}
	defer rows.Close()
	return collectCommits(rows, 0)
}

// ListRecentCommits lists the newest commits first.
func (r *Repository) ListRecentCommits(ctx context.Context, id string, limit int) ([]CommitRecord, error) {
	pool, err := r.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentCommitsSQL, id, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent commits: %w", queryErr)
	}
	defer rows.Close()
	return collectCommits(rows, limit)
}

func insertCommit(ctx context.Context, tx pgx.Tx, c CommitRecord) error {
	var twapValue interface{}
	if v, ok := c.TWAP.Value(); ok {
		twapValue = v.Dec()
	}
	_, err := tx.Exec(ctx, insertCommitSQL,
		c.PairID,
		u64(c.Seq),
		u64(c.Tick),
		int64(c.BucketIndex),
		c.Price.Dec(),
		u64(c.Volume),
		twapValue,
		c.Advanced,
		c.Emergency,
		c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert commit: %w", err)
	}
	return nil
}

func marshalPair(rec pairRecord) ([]byte, []byte, error) {
	params, err := json.Marshal(rec.Policy.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal policy params: %w", err)
	}
	store, err := json.Marshal(rec.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal store: %w", err)
	}
	return params, store, nil
}

func scanPair(row pgx.Row, id string) (Pair, error) {
	var (
		rec            pairRecord
		params         []byte
		store          []byte
		lastUpdateStr  string
		updatesHour    int64
		lastHourStr    string
		cursorStr      string
		emergencyCount int64
		emergencyHour  string
		commitsStr     string
	)
	if err := row.Scan(
		&rec.ID,
		&params,
		&lastUpdateStr,
		&updatesHour,
		&lastHourStr,
		&rec.CreatedAt,
		&store,
		&cursorStr,
		&emergencyCount,
		&emergencyHour,
		&commitsStr,
		&rec.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pair{}, fmt.Errorf("%w: %s", ErrPairNotFound, id)
		}
		return Pair{}, fmt.Errorf("scan pair: %w", err)
	}

	if err := json.Unmarshal(params, &rec.Policy.Params); err != nil {
		return Pair{}, fmt.Errorf("decode policy params: %w", err)
	}
	if err := json.Unmarshal(store, &rec.Store); err != nil {
		return Pair{}, fmt.Errorf("decode store: %w", err)
	}

	var err error
	if rec.Policy.LastUpdateTick, err = parseU64(lastUpdateStr, "last_update_tick"); err != nil {
		return Pair{}, err
	}
	if rec.Policy.LastHourTick, err = parseU64(lastHourStr, "last_hour_tick"); err != nil {
		return Pair{}, err
	}
	if rec.Cursor, err = parseU64(cursorStr, "source_cursor"); err != nil {
		return Pair{}, err
	}
	if rec.Emergency.HourTick, err = parseU64(emergencyHour, "emergency_hour_tick"); err != nil {
		return Pair{}, err
	}
	if rec.Commits, err = parseU64(commitsStr, "commit_count"); err != nil {
		return Pair{}, err
	}
	rec.Policy.UpdatesThisHour = uint32(updatesHour)
	rec.Emergency.Count = uint32(emergencyCount)

	return rec.pair()
}

func collectCommits(rows pgx.Rows, capacity int) ([]CommitRecord, error) {
	commits := make([]CommitRecord, 0, capacity)
	for rows.Next() {
		var (
			j         commitRecordJSON
			seqStr    string
			tickStr   string
			bucket    int64
			volumeStr string
			twapStr   sql.NullString
		)
		if err := rows.Scan(
			&j.PairID,
			&seqStr,
			&tickStr,
			&bucket,
			&j.Price,
			&volumeStr,
			&twapStr,
			&j.Advanced,
			&j.Emergency,
			&j.CreatedAt,
		); err != nil {
			return nil, err
		}

		var err error
		if j.Seq, err = parseU64(seqStr, "seq"); err != nil {
			return nil, err
		}
		if j.Tick, err = parseU64(tickStr, "tick"); err != nil {
			return nil, err
		}
		if j.Volume, err = parseU64(volumeStr, "volume"); err != nil {
			return nil, err
		}
		j.BucketIndex = uint32(bucket)
		if twapStr.Valid {
			s := twapStr.String
			j.TWAP = &s
		}

		c, err := j.commit()
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return commits, nil
}

// u64 renders unsigned values for NUMERIC columns; bigint cannot hold the full range.
func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseU64(raw, column string) (uint64, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", column, err)
	}
	return v, nil
}

var (
	_ PairStore      = (*Repository)(nil)
	_ AdvisoryLocker = (*Repository)(nil)
)
