package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision
// and read back as TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// --- Orders ---

const orderColumns = `id, user_id, instrument, asset, direction,
	stake::TEXT, entry_price::TEXT, expiry_price::TEXT, duration_seconds,
	fluctuation_range::TEXT, payout_rate::TEXT, profit::TEXT, fee::TEXT,
	start_time, end_time, status, pnl::TEXT, outcome, created_at, completed_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO option_orders (id, user_id, instrument, asset, direction,
		        stake, entry_price, expiry_price, duration_seconds,
		        fluctuation_range, payout_rate, profit, fee,
		        start_time, end_time, status, pnl, outcome, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9,
		         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC,
		         $14, $15, $16, $17::NUMERIC, $18, $19, $20)`,
		o.ID, o.UserID, o.Instrument, o.Asset, o.Direction,
		o.Stake.String(), o.EntryPrice.String(), decPtr(o.ExpiryPrice), o.DurationSeconds,
		o.FluctuationRange.String(), o.PayoutRate.String(), o.Profit.String(), o.Fee.String(),
		o.StartTime, o.EndTime, o.Status, decPtr(o.PnL), o.Outcome, o.CreatedAt, o.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create order %s: %w", o.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM option_orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	q := `SELECT ` + orderColumns + ` FROM option_orders`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *model.Order, from model.OrderStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE option_orders
		 SET status = $3, entry_price = $4::NUMERIC, expiry_price = $5::NUMERIC,
		     start_time = $6, end_time = $7, pnl = $8::NUMERIC, outcome = $9,
		     completed_at = $10
		 WHERE id = $1 AND status = $2`,
		o.ID, from, o.Status, o.EntryPrice.String(), decPtr(o.ExpiryPrice),
		o.StartTime, o.EndTime, decPtr(o.PnL), o.Outcome, o.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, "option_orders", "order", o.ID)
	}
	return nil
}

func scanOrder(row scanner) (*model.Order, error) {
	var o model.Order
	var stake, entry, fluct, rate, profit, fee string
	var expiry, pnl *string

	if err := row.Scan(&o.ID, &o.UserID, &o.Instrument, &o.Asset, &o.Direction,
		&stake, &entry, &expiry, &o.DurationSeconds,
		&fluct, &rate, &profit, &fee,
		&o.StartTime, &o.EndTime, &o.Status, &pnl, &o.Outcome, &o.CreatedAt, &o.CompletedAt); err != nil {
		return nil, err
	}

	o.Stake = dec(stake)
	o.EntryPrice = dec(entry)
	o.ExpiryPrice = decOpt(expiry)
	o.FluctuationRange = dec(fluct)
	o.PayoutRate = dec(rate)
	o.Profit = dec(profit)
	o.Fee = dec(fee)
	o.PnL = decOpt(pnl)
	return &o, nil
}

// --- Scheduled trades ---

const scheduledColumns = `id, user_id, instrument, asset, direction,
	stake::TEXT, fee::TEXT, duration_seconds, fluctuation_range::TEXT, payout_rate::TEXT,
	scheduled_time, status, executed_order_id, failure_reason, created_at, executed_at`

func (s *PostgresStore) CreateScheduled(ctx context.Context, st *model.ScheduledTrade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scheduled_trades (id, user_id, instrument, asset, direction,
		        stake, fee, duration_seconds, fluctuation_range, payout_rate,
		        scheduled_time, status, executed_order_id, failure_reason, created_at, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10::NUMERIC,
		         $11, $12, $13, $14, $15, $16)`,
		st.ID, st.UserID, st.Instrument, st.Asset, st.Direction,
		st.Stake.String(), st.Fee.String(), st.DurationSeconds,
		st.FluctuationRange.String(), st.PayoutRate.String(),
		st.ScheduledTime, st.Status, st.ExecutedOrderID, st.FailureReason, st.CreatedAt, st.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("create scheduled trade %s: %w", st.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetScheduled(ctx context.Context, id string) (*model.ScheduledTrade, error) {
	st, err := scanScheduled(s.pool.QueryRow(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_trades WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scheduled trade %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled trade %s: %w", id, err)
	}
	return st, nil
}

func (s *PostgresStore) ListScheduled(ctx context.Context, f ScheduledFilter) ([]model.ScheduledTrade, error) {
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
	if !f.DueBefore.IsZero() {
		args = append(args, f.DueBefore)
		where = append(where, fmt.Sprintf("scheduled_time <= $%d", len(args)))
	}

	q := `SELECT ` + scheduledColumns + ` FROM scheduled_trades`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY scheduled_time`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduled trades: %w", err)
	}
	defer rows.Close()

	var out []model.ScheduledTrade
	for rows.Next() {
		st, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateScheduled(ctx context.Context, st *model.ScheduledTrade, from model.ScheduledStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_trades
		 SET status = $3, executed_order_id = $4, failure_reason = $5, executed_at = $6
		 WHERE id = $1 AND status = $2`,
		st.ID, from, st.Status, st.ExecutedOrderID, st.FailureReason, st.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("update scheduled trade %s: %w", st.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, "scheduled_trades", "scheduled trade", st.ID)
	}
	return nil
}

func scanScheduled(row scanner) (*model.ScheduledTrade, error) {
	var st model.ScheduledTrade
	var stake, fee, fluct, rate string

	if err := row.Scan(&st.ID, &st.UserID, &st.Instrument, &st.Asset, &st.Direction,
		&stake, &fee, &st.DurationSeconds, &fluct, &rate,
		&st.ScheduledTime, &st.Status, &st.ExecutedOrderID, &st.FailureReason,
		&st.CreatedAt, &st.ExecutedAt); err != nil {
		return nil, err
	}

	st.Stake = dec(stake)
	st.Fee = dec(fee)
	st.FluctuationRange = dec(fluct)
	st.PayoutRate = dec(rate)
	return &st, nil
}

// --- Positions ---

const positionColumns = `id, user_id, pair, asset, side,
	size::TEXT, entry_price::TEXT, mark_price::TEXT, margin::TEXT, leverage::TEXT,
	liquidation_price::TEXT, unrealized_pnl::TEXT, realized_pnl::TEXT,
	take_profit::TEXT, stop_loss::TEXT, status, close_reason, close_price::TEXT,
	last_price_at, opened_at, closed_at`

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO futures_positions (id, user_id, pair, asset, side,
		        size, entry_price, mark_price, margin, leverage,
		        liquidation_price, unrealized_pnl, realized_pnl,
		        take_profit, stop_loss, status, close_reason, close_price,
		        last_price_at, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15::NUMERIC,
		         $16, $17, $18::NUMERIC, $19, $20, $21)`,
		p.ID, p.UserID, p.Pair, p.Asset, p.Side,
		p.Size.String(), p.EntryPrice.String(), p.MarkPrice.String(), p.Margin.String(), p.Leverage.String(),
		p.LiquidationPrice.String(), p.UnrealizedPnL.String(), p.RealizedPnL.String(),
		decPtr(p.TakeProfit), decPtr(p.StopLoss), p.Status, p.CloseReason, decPtr(p.ClosePrice),
		p.LastPriceAt, p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("create position %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM futures_positions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Pair != "" {
		args = append(args, f.Pair)
		where = append(where, fmt.Sprintf("pair = $%d", len(args)))
	}
	if f.Open != nil {
		if *f.Open {
			where = append(where, "status = 'open'")
		} else {
			where = append(where, "status <> 'open'")
		}
	}

	q := `SELECT ` + positionColumns + ` FROM futures_positions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY opened_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateMark(ctx context.Context, p *model.Position) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE futures_positions
		 SET mark_price = $2::NUMERIC, unrealized_pnl = $3::NUMERIC, last_price_at = $4
		 WHERE id = $1 AND status = 'open'`,
		p.ID, p.MarkPrice.String(), p.UnrealizedPnL.String(), p.LastPriceAt,
	)
	if err != nil {
		return fmt.Errorf("update mark %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, "futures_positions", "position", p.ID)
	}
	return nil
}

func (s *PostgresStore) ClosePosition(ctx context.Context, p *model.Position) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE futures_positions
		 SET status = $2, close_reason = $3, close_price = $4::NUMERIC,
		     mark_price = $5::NUMERIC, unrealized_pnl = $6::NUMERIC,
		     realized_pnl = $7::NUMERIC, last_price_at = $8, closed_at = $9
		 WHERE id = $1 AND status = 'open'`,
		p.ID, p.Status, p.CloseReason, decPtr(p.ClosePrice),
		p.MarkPrice.String(), p.UnrealizedPnL.String(),
		p.RealizedPnL.String(), p.LastPriceAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("close position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, "futures_positions", "position", p.ID)
	}
	return nil
}

func scanPosition(row scanner) (*model.Position, error) {
	var p model.Position
	var size, entry, mark, margin, lev, liq, unreal, realized string
	var tp, sl, closePrice *string

	if err := row.Scan(&p.ID, &p.UserID, &p.Pair, &p.Asset, &p.Side,
		&size, &entry, &mark, &margin, &lev,
		&liq, &unreal, &realized,
		&tp, &sl, &p.Status, &p.CloseReason, &closePrice,
		&p.LastPriceAt, &p.OpenedAt, &p.ClosedAt); err != nil {
		return nil, err
	}

	p.Size = dec(size)
	p.EntryPrice = dec(entry)
	p.MarkPrice = dec(mark)
	p.Margin = dec(margin)
	p.Leverage = dec(lev)
	p.LiquidationPrice = dec(liq)
	p.UnrealizedPnL = dec(unreal)
	p.RealizedPnL = dec(realized)
	p.TakeProfit = decOpt(tp)
	p.StopLoss = decOpt(sl)
	p.ClosePrice = decOpt(closePrice)
	return &p, nil
}

// --- Outcome controls ---

func (s *PostgresStore) GetUserOutcome(ctx context.Context, userID string) (*model.UserOutcome, error) {
	var uo model.UserOutcome
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, enabled, outcome, spot, futures, options, arbitrage, updated_at
		 FROM user_outcomes WHERE user_id = $1`, userID).
		Scan(&uo.UserID, &uo.Enabled, &uo.Outcome,
			&uo.Types.Spot, &uo.Types.Futures, &uo.Types.Options, &uo.Types.Arbitrage,
			&uo.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user outcome %s: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user outcome %s: %w", userID, err)
	}
	return &uo, nil
}

func (s *PostgresStore) UpsertUserOutcome(ctx context.Context, uo *model.UserOutcome) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_outcomes (user_id, enabled, outcome, spot, futures, options, arbitrage, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (user_id) DO UPDATE
		 SET enabled = EXCLUDED.enabled, outcome = EXCLUDED.outcome,
		     spot = EXCLUDED.spot, futures = EXCLUDED.futures,
		     options = EXCLUDED.options, arbitrage = EXCLUDED.arbitrage,
		     updated_at = EXCLUDED.updated_at`,
		uo.UserID, uo.Enabled, uo.Outcome,
		uo.Types.Spot, uo.Types.Futures, uo.Types.Options, uo.Types.Arbitrage,
		uo.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert user outcome %s: %w", uo.UserID, err)
	}
	return nil
}

func (s *PostgresStore) CreateWindow(ctx context.Context, w *model.TradeWindow) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_windows (id, user_id, outcome, start_at, end_at,
		        spot, futures, options, arbitrage, active, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		w.ID, w.UserID, w.Outcome, w.Start, w.End,
		w.Types.Spot, w.Types.Futures, w.Types.Options, w.Types.Arbitrage,
		w.Active, w.Reason, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create window %s: %w", w.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeactivateWindow(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE trade_windows SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate window %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("window %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListWindows(ctx context.Context, userID string) ([]model.TradeWindow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, outcome, start_at, end_at,
		        spot, futures, options, arbitrage, active, reason, created_at
		 FROM trade_windows
		 WHERE active AND ($1::TEXT = '' OR user_id = $1)
		 ORDER BY start_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	defer rows.Close()

	var out []model.TradeWindow
	for rows.Next() {
		var w model.TradeWindow
		if err := rows.Scan(&w.ID, &w.UserID, &w.Outcome, &w.Start, &w.End,
			&w.Types.Spot, &w.Types.Futures, &w.Types.Options, &w.Types.Arbitrage,
			&w.Active, &w.Reason, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPolicies(ctx context.Context) ([]model.PolicySettings, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT trade_type, mode, outcome, win_probability::TEXT, updated_at
		 FROM outcome_policies ORDER BY trade_type`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []model.PolicySettings
	for rows.Next() {
		var p model.PolicySettings
		var prob string
		if err := rows.Scan(&p.TradeType, &p.Mode, &p.Outcome, &prob, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.WinProbability = dec(prob)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SavePolicy(ctx context.Context, p model.PolicySettings) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO outcome_policies (trade_type, mode, outcome, win_probability, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (trade_type) DO UPDATE
		 SET mode = EXCLUDED.mode, outcome = EXCLUDED.outcome,
		     win_probability = EXCLUDED.win_probability, updated_at = EXCLUDED.updated_at`,
		p.TradeType, p.Mode, p.Outcome, p.WinProbability.String(), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save policy %s: %w", p.TradeType, err)
	}
	return nil
}

// --- Audit ---

func (s *PostgresStore) AppendAudit(ctx context.Context, e model.AuditEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO admin_audit (id, actor, action, target, detail, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Actor, e.Action, e.Target, e.Detail, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, actor, action, target, detail, timestamp
		 FROM admin_audit ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Helpers ---

// missOrConflict distinguishes a missing row from a failed status guard
// after a conditional UPDATE affected no rows.
func (s *PostgresStore) missOrConflict(ctx context.Context, table, what, id string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%s %s: %w", what, id, err)
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", what, id, model.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", what, id, model.ErrConflict)
}

func dec(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func decOpt(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	v := dec(*s)
	return &v
}

func decPtr(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)
