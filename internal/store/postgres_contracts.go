package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/atmx/trade-engine/internal/model"
)

const contractColumns = `id, user_id, product_id, product_label, asset,
	amount::TEXT, daily_rate::TEXT, duration_days, expected_profit::TEXT, profit::TEXT,
	status, cancel_reason, started_at, matures_at, closed_at`

func (s *PostgresStore) CreateContract(ctx context.Context, c *model.ArbitrageContract) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO arbitrage_contracts (id, user_id, product_id, product_label, asset,
		        amount, daily_rate, duration_days, expected_profit, profit,
		        status, cancel_reason, started_at, matures_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10::NUMERIC,
		         $11, $12, $13, $14, $15)`,
		c.ID, c.UserID, c.ProductID, c.ProductLabel, c.Asset,
		c.Amount.String(), c.DailyRate.String(), c.DurationDays, c.ExpectedProfit.String(), c.Profit.String(),
		c.Status, c.CancelReason, c.StartedAt, c.MaturesAt, c.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("create contract %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetContract(ctx context.Context, id string) (*model.ArbitrageContract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM arbitrage_contracts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contract %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get contract %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) ListContracts(ctx context.Context, f ContractFilter) ([]model.ArbitrageContract, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !f.MaturesBefore.IsZero() {
		args = append(args, f.MaturesBefore)
		where = append(where, fmt.Sprintf("matures_at <= $%d", len(args)))
	}

	q := `SELECT ` + contractColumns + ` FROM arbitrage_contracts`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	var out []model.ArbitrageContract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CloseContract(ctx context.Context, c *model.ArbitrageContract) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE arbitrage_contracts
		 SET status = $2, profit = $3::NUMERIC, cancel_reason = $4, closed_at = $5
		 WHERE id = $1 AND status = 'active'`,
		c.ID, c.Status, c.Profit.String(), c.CancelReason, c.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("close contract %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, "arbitrage_contracts", "contract", c.ID)
	}
	return nil
}

func scanContract(row scanner) (*model.ArbitrageContract, error) {
	var c model.ArbitrageContract
	var amount, rate, expected, profit string

	if err := row.Scan(&c.ID, &c.UserID, &c.ProductID, &c.ProductLabel, &c.Asset,
		&amount, &rate, &c.DurationDays, &expected, &profit,
		&c.Status, &c.CancelReason, &c.StartedAt, &c.MaturesAt, &c.ClosedAt); err != nil {
		return nil, err
	}
	c.Amount = dec(amount)
	c.DailyRate = dec(rate)
	c.ExpectedProfit = dec(expected)
	c.Profit = dec(profit)
	return &c, nil
}
