package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/atmx/trade-engine/internal/model"
)

// ApplyWalletTx runs tx in one PostgreSQL transaction serialized per
// (user, asset) by an advisory lock. The idempotency key is claimed first so
// a replayed key is detected before any balance is read.
func (s *PostgresStore) ApplyWalletTx(ctx context.Context, wtx *WalletTx) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("wallet tx %s: begin: %w", wtx.Key, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, balanceKey(wtx.UserID, wtx.Asset)); err != nil {
		return false, fmt.Errorf("wallet tx %s: advisory lock: %w", wtx.Key, err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO wallet_transactions (key, user_id, asset, applied_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO NOTHING`,
		wtx.Key, wtx.UserID, wtx.Asset, wtx.At)
	if err != nil {
		return false, fmt.Errorf("wallet tx %s: claim key: %w", wtx.Key, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO wallet_balances (user_id, asset, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, asset) DO NOTHING`,
		wtx.UserID, wtx.Asset, wtx.At); err != nil {
		return false, fmt.Errorf("wallet tx %s: ensure balance: %w", wtx.Key, err)
	}

	var funding, trading, locked string
	if err := tx.QueryRow(ctx,
		`SELECT funding::TEXT, trading::TEXT, locked::TEXT
		 FROM wallet_balances WHERE user_id = $1 AND asset = $2 FOR UPDATE`,
		wtx.UserID, wtx.Asset).Scan(&funding, &trading, &locked); err != nil {
		return false, fmt.Errorf("wallet tx %s: read balance: %w", wtx.Key, err)
	}
	bal := model.WalletBalance{
		UserID:  wtx.UserID,
		Asset:   wtx.Asset,
		Funding: dec(funding),
		Trading: dec(trading),
		Locked:  dec(locked),
	}

	if wtx.Release != nil {
		var status model.LockStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM trade_locks WHERE trade_id = $1 FOR UPDATE`,
			wtx.Release.TradeID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("lock for %s: %w", wtx.Release.TradeID, model.ErrNotFound)
		}
		if err != nil {
			return false, fmt.Errorf("wallet tx %s: read lock: %w", wtx.Key, err)
		}
		if status != model.LockLocked {
			return false, fmt.Errorf("lock for %s is %s: %w", wtx.Release.TradeID, status, model.ErrLockNotActive)
		}
	}

	for _, e := range wtx.Entries {
		bal.Apply(e.Bucket, e.Amount)
	}
	if bal.Negative() {
		return false, model.ErrInsufficientBalance
	}

	if _, err := tx.Exec(ctx,
		`UPDATE wallet_balances
		 SET funding = $3::NUMERIC, trading = $4::NUMERIC, locked = $5::NUMERIC, updated_at = $6
		 WHERE user_id = $1 AND asset = $2`,
		wtx.UserID, wtx.Asset,
		bal.Funding.String(), bal.Trading.String(), bal.Locked.String(), wtx.At); err != nil {
		return false, fmt.Errorf("wallet tx %s: write balance: %w", wtx.Key, err)
	}

	for _, e := range wtx.Entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, user_id, asset, bucket, amount, type, reference, tx_key, timestamp)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9)`,
			e.ID, e.UserID, e.Asset, e.Bucket, e.Amount.String(), e.Type, e.Reference, wtx.Key, e.Timestamp); err != nil {
			return false, fmt.Errorf("wallet tx %s: insert entry: %w", wtx.Key, err)
		}
	}

	if r := wtx.Release; r != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE trade_locks
			 SET status = $2, outcome = $3, payout = $4::NUMERIC, released_at = $5
			 WHERE trade_id = $1`,
			r.TradeID, r.Status, r.Outcome, r.Payout.String(), wtx.At); err != nil {
			return false, fmt.Errorf("wallet tx %s: release lock: %w", wtx.Key, err)
		}
	}

	if l := wtx.Create; l != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO trade_locks (id, user_id, asset, amount, trade_id, kind, status, created_at, expires_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9)`,
			l.ID, l.UserID, l.Asset, l.Amount.String(), l.TradeID, l.Kind, l.Status, l.CreatedAt, l.ExpiresAt); err != nil {
			if isUniqueViolation(err) {
				return false, fmt.Errorf("lock for %s already exists: %w", l.TradeID, model.ErrConflict)
			}
			return false, fmt.Errorf("wallet tx %s: create lock: %w", wtx.Key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("wallet tx %s: commit: %w", wtx.Key, err)
	}
	committed = true
	return true, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID, asset string) (model.WalletBalance, error) {
	bal := model.WalletBalance{UserID: userID, Asset: asset}
	var funding, trading, locked string
	err := s.pool.QueryRow(ctx,
		`SELECT funding::TEXT, trading::TEXT, locked::TEXT, updated_at
		 FROM wallet_balances WHERE user_id = $1 AND asset = $2`, userID, asset).
		Scan(&funding, &trading, &locked, &bal.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return bal, nil
	}
	if err != nil {
		return bal, fmt.Errorf("get balance %s/%s: %w", userID, asset, err)
	}
	bal.Funding = dec(funding)
	bal.Trading = dec(trading)
	bal.Locked = dec(locked)
	return bal, nil
}

func (s *PostgresStore) ListBalances(ctx context.Context, userID string) ([]model.WalletBalance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset, funding::TEXT, trading::TEXT, locked::TEXT, updated_at
		 FROM wallet_balances WHERE user_id = $1 ORDER BY asset`, userID)
	if err != nil {
		return nil, fmt.Errorf("list balances %s: %w", userID, err)
	}
	defer rows.Close()

	var out []model.WalletBalance
	for rows.Next() {
		b := model.WalletBalance{UserID: userID}
		var funding, trading, locked string
		if err := rows.Scan(&b.Asset, &funding, &trading, &locked, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Funding = dec(funding)
		b.Trading = dec(trading)
		b.Locked = dec(locked)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListEntries(ctx context.Context, f EntryFilter) ([]model.LedgerEntry, error) {
	q := `SELECT id, user_id, asset, bucket, amount::TEXT, type, reference, tx_key, timestamp
	      FROM ledger_entries
	      WHERE ($1::TEXT = '' OR user_id = $1)
	        AND ($2::TEXT = '' OR asset = $2)
	        AND ($3::TEXT = '' OR reference = $3)`
	args := []any{f.UserID, f.Asset, f.Reference}
	if f.Limit > 0 {
		q += ` ORDER BY seq DESC LIMIT $4`
		args = append(args, f.Limit)
	} else {
		q += ` ORDER BY seq`
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Asset, &e.Bucket, &amount,
			&e.Type, &e.Reference, &e.Key, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Amount = dec(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const lockColumns = `id, user_id, asset, amount::TEXT, trade_id, kind, status,
	outcome, payout::TEXT, created_at, expires_at, released_at`

func scanLock(row scanner) (*model.TradeLock, error) {
	var l model.TradeLock
	var amount, payout string
	if err := row.Scan(&l.ID, &l.UserID, &l.Asset, &amount, &l.TradeID, &l.Kind, &l.Status,
		&l.Outcome, &payout, &l.CreatedAt, &l.ExpiresAt, &l.ReleasedAt); err != nil {
		return nil, err
	}
	l.Amount = dec(amount)
	l.Payout = dec(payout)
	return &l, nil
}

func (s *PostgresStore) GetLock(ctx context.Context, tradeID string) (*model.TradeLock, error) {
	l, err := scanLock(s.pool.QueryRow(ctx,
		`SELECT `+lockColumns+` FROM trade_locks WHERE trade_id = $1`, tradeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lock for %s: %w", tradeID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get lock %s: %w", tradeID, err)
	}
	return l, nil
}

func (s *PostgresStore) ListLocks(ctx context.Context, f LockFilter) ([]model.TradeLock, error) {
	var expires any
	if !f.ExpiresBefore.IsZero() {
		expires = f.ExpiresBefore
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+lockColumns+` FROM trade_locks
		 WHERE ($1::TEXT = '' OR user_id = $1)
		   AND ($2::TEXT = '' OR status = $2)
		   AND ($3::TIMESTAMPTZ IS NULL OR expires_at < $3)
		 ORDER BY created_at`,
		f.UserID, string(f.Status), expires)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var out []model.TradeLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}
