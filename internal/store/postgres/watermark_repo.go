package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/cosmasemerah/verify-nft-claim/internal/domain/model"
	"github.com/cosmasemerah/verify-nft-claim/internal/metrics"
	"github.com/cosmasemerah/verify-nft-claim/internal/watermark"
)

// WatermarkRepo stores the watermark of one (chain, contract) pair in
// claim_watermarks.
type WatermarkRepo struct {
	db       *DB
	chain    string
	contract string
}

var (
	_ watermark.Store  = (*WatermarkRepo)(nil)
	_ watermark.Locker = (*WatermarkRepo)(nil)
)

func NewWatermarkRepo(db *DB, chain model.Chain, contract string) *WatermarkRepo {
	return &WatermarkRepo{
		db:       db,
		chain:    string(chain),
		contract: strings.ToLower(contract),
	}
}

func (r *WatermarkRepo) Load(ctx context.Context) (model.BlockNumber, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var raw string
	err := r.db.QueryRowContext(ctx, `
		SELECT last_block::TEXT
		FROM claim_watermarks
		WHERE chain = $1 AND contract = $2
	`, r.chain, r.contract).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, watermark.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get watermark: %w", err)
	}

	block, err := model.ParseBlockNumber(raw)
	if err != nil {
		return 0, fmt.Errorf("decode watermark: %w", err)
	}
	return block, nil
}

func (r *WatermarkRepo) Save(ctx context.Context, block model.BlockNumber) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO claim_watermarks (chain, contract, last_block)
		VALUES ($1, $2, $3::NUMERIC)
		ON CONFLICT (chain, contract) DO UPDATE SET
			last_block = EXCLUDED.last_block,
			updated_at = now()
	`, r.chain, r.contract, block.String())
	if err != nil {
		return fmt.Errorf("upsert watermark: %w", err)
	}
	return nil
}

// Acquire takes a session-level advisory lock on a dedicated connection.
// The lock is released when the returned func is called.
func (r *WatermarkRepo) Acquire(ctx context.Context) (func(), error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}

	key := advisoryLockKey(r.chain, r.contract)
	var locked bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&locked); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !locked {
		conn.Close()
		return nil, watermark.ErrLocked
	}

	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), DefaultQueryTimeout)
		defer cancel()
		if err := releaseAdvisoryLock(unlockCtx, conn, key); err != nil {
			metrics.WatermarkErrors.WithLabelValues("unlock").Inc()
		}
	}, nil
}

// lockConn is the subset of *sql.Conn used to release an advisory lock.
type lockConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Raw(f func(driverConn any) error) error
	Close() error
}

// releaseAdvisoryLock unlocks key and returns conn to the pool. When the
// unlock fails the physical connection is discarded so the session lock dies
// with it instead of being handed to the next caller.
func releaseAdvisoryLock(ctx context.Context, conn lockConn, key int64) error {
	_, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", key)
	if err != nil {
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		err = fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	if closeErr := conn.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func advisoryLockKey(chain, contract string) int64 {
	h := fnv.New64a()
	h.Write([]byte("claim_watermarks:" + chain + ":" + contract))
	return int64(h.Sum64())
}
