// Package db persists the engine's records to PostgreSQL. The in-memory
// engines remain the source of truth during a run; rows are mirrored for
// durability and offline inspection, keyed by the engine-assigned ids.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/defitome/dexcore/internal/dexerr"
	"github.com/defitome/dexcore/internal/models"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS trading_pairs (
    id INT PRIMARY KEY,
    base_token TEXT NOT NULL,
    quote_token TEXT NOT NULL,
    created_by INT NOT NULL DEFAULT 0,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (base_token, quote_token)
);

CREATE TABLE IF NOT EXISTS limit_orders (
    id INT PRIMARY KEY,
    user_id INT NOT NULL,
    pair_id INT NOT NULL REFERENCES trading_pairs(id),
    side TEXT NOT NULL,
    price NUMERIC NOT NULL,
    quantity NUMERIC NOT NULL,
    filled_quantity NUMERIC NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS market_orders (
    id INT PRIMARY KEY,
    user_id INT NOT NULL,
    pair_id INT NOT NULL REFERENCES trading_pairs(id),
    side TEXT NOT NULL,
    requested_quantity NUMERIC NOT NULL,
    quantity NUMERIC NOT NULL,
    executed_price NUMERIC NOT NULL,
    tx_hash TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS stop_loss_orders (
    id INT PRIMARY KEY,
    user_id INT NOT NULL,
    pair_id INT NOT NULL REFERENCES trading_pairs(id),
    side TEXT NOT NULL,
    trigger_price NUMERIC NOT NULL,
    quantity NUMERIC NOT NULL,
    executed_price NUMERIC,
    status TEXT NOT NULL,
    tx_hash TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    triggered_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS order_executions (
    id INT PRIMARY KEY,
    pair_id INT NOT NULL REFERENCES trading_pairs(id),
    buyer_id INT NOT NULL,
    seller_id INT NOT NULL,
    price NUMERIC NOT NULL,
    quantity NUMERIC NOT NULL,
    buy_order_id INT,
    sell_order_id INT,
    tx_hash TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS liquidity_pools (
    id INT PRIMARY KEY,
    name TEXT NOT NULL,
    token_a TEXT NOT NULL,
    token_b TEXT NOT NULL,
    reserve_a NUMERIC NOT NULL DEFAULT 0,
    reserve_b NUMERIC NOT NULL DEFAULT 0,
    total_shares NUMERIC NOT NULL DEFAULT 0,
    fee_percentage NUMERIC NOT NULL,
    accumulated_fees_a NUMERIC NOT NULL DEFAULT 0,
    accumulated_fees_b NUMERIC NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (token_a, token_b)
);

CREATE TABLE IF NOT EXISTS liquidity_positions (
    id INT PRIMARY KEY,
    user_id INT NOT NULL,
    pool_id INT NOT NULL REFERENCES liquidity_pools(id),
    shares NUMERIC NOT NULL,
    unclaimed_fees_a NUMERIC NOT NULL DEFAULT 0,
    unclaimed_fees_b NUMERIC NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS swap_transactions (
    id INT PRIMARY KEY,
    user_id INT NOT NULL,
    pool_id INT NOT NULL REFERENCES liquidity_pools(id),
    from_token TEXT NOT NULL,
    to_token TEXT NOT NULL,
    from_amount NUMERIC NOT NULL,
    to_amount NUMERIC NOT NULL,
    fee_amount NUMERIC NOT NULL,
    tx_hash TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS swap_offers (
    id INT PRIMARY KEY,
    initiator_id INT NOT NULL,
    counterparty_id INT NOT NULL DEFAULT 0,
    offer_token TEXT NOT NULL,
    offer_amount NUMERIC NOT NULL,
    request_token TEXT NOT NULL,
    request_amount NUMERIC NOT NULL,
    status TEXT NOT NULL,
    escrow_id TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS swap_escrows (
    id INT PRIMARY KEY,
    offer_id INT NOT NULL REFERENCES swap_offers(id),
    initiator_locked BOOLEAN NOT NULL,
    counterparty_locked BOOLEAN NOT NULL,
    initiator_amount NUMERIC NOT NULL,
    counterparty_amount NUMERIC NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    released_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS p2p_swap_transactions (
    id INT PRIMARY KEY,
    offer_id INT NOT NULL REFERENCES swap_offers(id),
    initiator_id INT NOT NULL,
    counterparty_id INT NOT NULL,
    initiator_token TEXT NOT NULL,
    initiator_amount NUMERIC NOT NULL,
    counterparty_token TEXT NOT NULL,
    counterparty_amount NUMERIC NOT NULL,
    tx_hash TEXT NOT NULL,
    completed_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables if they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// mapPgErr translates driver errors into the engine's error kinds so
// callers can match with errors.Is regardless of which layer failed.
func mapPgErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", dexerr.ErrNotFound, op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001": // serialization_failure
			return fmt.Errorf("%w: %s", dexerr.ErrConflict, op)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", dexerr.ErrConflict, op)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// SavePair inserts a trading pair, updating the active flag on conflict.
func (db *DB) SavePair(ctx context.Context, pair models.TradingPair) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO trading_pairs (id, base_token, quote_token, created_by, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET is_active = EXCLUDED.is_active`,
		pair.ID, pair.BaseToken, pair.QuoteToken, pair.CreatedBy, pair.IsActive, pair.CreatedAt)
	if err != nil {
		return mapPgErr("save pair", err)
	}
	return nil
}

// LoadPairs retrieves every trading pair ordered by id, for restoring the
// engine at startup.
func (db *DB) LoadPairs(ctx context.Context) ([]models.TradingPair, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, base_token, quote_token, created_by, is_active, created_at
		FROM trading_pairs
		ORDER BY id ASC`)
	if err != nil {
		return nil, mapPgErr("load pairs", err)
	}
	defer rows.Close()

	var pairs []models.TradingPair
	for rows.Next() {
		var pair models.TradingPair
		if err := rows.Scan(&pair.ID, &pair.BaseToken, &pair.QuoteToken,
			&pair.CreatedBy, &pair.IsActive, &pair.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pair: %w", err)
		}
		pairs = append(pairs, pair)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pairs, nil
}

// SaveLimitOrder upserts an order; fill progress and status change over the
// order's life so the row follows the in-memory record.
func (db *DB) SaveLimitOrder(ctx context.Context, order models.LimitOrder) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO limit_orders (id, user_id, pair_id, side, price, quantity, filled_quantity, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET filled_quantity = EXCLUDED.filled_quantity, status = EXCLUDED.status`,
		order.ID, order.UserID, order.PairID, order.Side,
		order.Price.String(), order.Quantity.String(), order.FilledQuantity.String(),
		order.Status, order.CreatedAt)
	if err != nil {
		return mapPgErr("save limit order", err)
	}
	return nil
}

// SaveMarketOrder inserts a completed market order record.
func (db *DB) SaveMarketOrder(ctx context.Context, order models.MarketOrder) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO market_orders (id, user_id, pair_id, side, requested_quantity, quantity, executed_price, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		order.ID, order.UserID, order.PairID, order.Side,
		order.RequestedQuantity.String(), order.Quantity.String(), order.ExecutedPrice.String(),
		order.TxHash, order.CreatedAt)
	if err != nil {
		return mapPgErr("save market order", err)
	}
	return nil
}

// SaveStopOrder upserts a stop-loss order across its lifecycle.
func (db *DB) SaveStopOrder(ctx context.Context, stop models.StopLossOrder) error {
	var executedPrice *string
	if !stop.ExecutedPrice.IsZero() {
		s := stop.ExecutedPrice.String()
		executedPrice = &s
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO stop_loss_orders (id, user_id, pair_id, side, trigger_price, quantity, executed_price, status, tx_hash, created_at, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			executed_price = EXCLUDED.executed_price,
			status = EXCLUDED.status,
			tx_hash = EXCLUDED.tx_hash,
			triggered_at = EXCLUDED.triggered_at`,
		stop.ID, stop.UserID, stop.PairID, stop.Side,
		stop.TriggerPrice.String(), stop.Quantity.String(), executedPrice,
		stop.Status, stop.TxHash, stop.CreatedAt, stop.TriggeredAt)
	if err != nil {
		return mapPgErr("save stop order", err)
	}
	return nil
}

// SaveExecution appends one trade to the execution tape table.
func (db *DB) SaveExecution(ctx context.Context, exec models.OrderExecution) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO order_executions (id, pair_id, buyer_id, seller_id, price, quantity, buy_order_id, sell_order_id, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		exec.ID, exec.PairID, exec.BuyerID, exec.SellerID,
		exec.Price.String(), exec.Quantity.String(),
		nullableID(exec.BuyOrderID), nullableID(exec.SellOrderID),
		exec.TxHash, exec.CreatedAt)
	if err != nil {
		return mapPgErr("save execution", err)
	}
	return nil
}

// CancelOrder marks a persisted order cancelled if it belongs to the user
// and is still open. The row is locked for update so a concurrent fill
// mirror cannot race the cancellation.
func (db *DB) CancelOrder(ctx context.Context, orderID, userID int) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx,
		"SELECT status FROM limit_orders WHERE id = $1 AND user_id = $2 FOR UPDATE",
		orderID, userID).Scan(&status)
	if err != nil {
		return mapPgErr("cancel order", err)
	}

	if models.OrderStatus(status) != models.OrderPending && models.OrderStatus(status) != models.OrderPartial {
		return fmt.Errorf("%w: order %d is %s", dexerr.ErrInvalidState, orderID, status)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE limit_orders SET status = $1 WHERE id = $2",
		models.OrderCancelled, orderID); err != nil {
		return mapPgErr("cancel order", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// OpenOrders retrieves all open limit orders, oldest first, for rebuilding
// books on startup.
func (db *DB) OpenOrders(ctx context.Context) ([]models.LimitOrder, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, pair_id, side, price, quantity, filled_quantity, status, created_at
		FROM limit_orders
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC`,
		models.OrderPending, models.OrderPartial)
	if err != nil {
		return nil, mapPgErr("get open orders", err)
	}
	defer rows.Close()

	var orders []models.LimitOrder
	for rows.Next() {
		var order models.LimitOrder
		var price, quantity, filled string
		if err := rows.Scan(&order.ID, &order.UserID, &order.PairID, &order.Side,
			&price, &quantity, &filled, &order.Status, &order.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		if order.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("failed to parse price: %w", err)
		}
		if order.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("failed to parse quantity: %w", err)
		}
		if order.FilledQuantity, err = decimal.NewFromString(filled); err != nil {
			return nil, fmt.Errorf("failed to parse filled quantity: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

// UserExecutions retrieves trades where the user was on either side,
// newest first.
func (db *DB) UserExecutions(ctx context.Context, userID int) ([]models.OrderExecution, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, pair_id, buyer_id, seller_id, price, quantity,
		       COALESCE(buy_order_id, 0), COALESCE(sell_order_id, 0), tx_hash, created_at
		FROM order_executions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY id DESC`,
		userID)
	if err != nil {
		return nil, mapPgErr("get user executions", err)
	}
	defer rows.Close()

	var execs []models.OrderExecution
	for rows.Next() {
		var exec models.OrderExecution
		var price, quantity string
		if err := rows.Scan(&exec.ID, &exec.PairID, &exec.BuyerID, &exec.SellerID,
			&price, &quantity, &exec.BuyOrderID, &exec.SellOrderID, &exec.TxHash, &exec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		if exec.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("failed to parse price: %w", err)
		}
		if exec.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("failed to parse quantity: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return execs, nil
}

// SavePool upserts a liquidity pool snapshot.
func (db *DB) SavePool(ctx context.Context, pool models.LiquidityPool) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO liquidity_pools (id, name, token_a, token_b, reserve_a, reserve_b, total_shares, fee_percentage, accumulated_fees_a, accumulated_fees_b, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			reserve_a = EXCLUDED.reserve_a,
			reserve_b = EXCLUDED.reserve_b,
			total_shares = EXCLUDED.total_shares,
			accumulated_fees_a = EXCLUDED.accumulated_fees_a,
			accumulated_fees_b = EXCLUDED.accumulated_fees_b`,
		pool.ID, pool.Name, pool.TokenA, pool.TokenB,
		pool.ReserveA.String(), pool.ReserveB.String(), pool.TotalShares.String(),
		pool.FeePercentage.String(), pool.AccumulatedFeesA.String(), pool.AccumulatedFeesB.String(),
		pool.CreatedAt)
	if err != nil {
		return mapPgErr("save pool", err)
	}
	return nil
}

// SavePosition upserts a liquidity position snapshot.
func (db *DB) SavePosition(ctx context.Context, pos models.LiquidityPosition) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO liquidity_positions (id, user_id, pool_id, shares, unclaimed_fees_a, unclaimed_fees_b, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			shares = EXCLUDED.shares,
			unclaimed_fees_a = EXCLUDED.unclaimed_fees_a,
			unclaimed_fees_b = EXCLUDED.unclaimed_fees_b`,
		pos.ID, pos.UserID, pos.PoolID,
		pos.Shares.String(), pos.UnclaimedFeesA.String(), pos.UnclaimedFeesB.String(),
		pos.CreatedAt)
	if err != nil {
		return mapPgErr("save position", err)
	}
	return nil
}

// DeletePosition removes a fully-withdrawn position.
func (db *DB) DeletePosition(ctx context.Context, positionID int) error {
	if _, err := db.Pool.Exec(ctx, "DELETE FROM liquidity_positions WHERE id = $1", positionID); err != nil {
		return mapPgErr("delete position", err)
	}
	return nil
}

// SaveSwap inserts a pool swap record.
func (db *DB) SaveSwap(ctx context.Context, swap models.SwapTransaction) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO swap_transactions (id, user_id, pool_id, from_token, to_token, from_amount, to_amount, fee_amount, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		swap.ID, swap.UserID, swap.PoolID, swap.FromToken, swap.ToToken,
		swap.FromAmount.String(), swap.ToAmount.String(), swap.FeeAmount.String(),
		swap.TxHash, swap.CreatedAt)
	if err != nil {
		return mapPgErr("save swap", err)
	}
	return nil
}

// SaveOffer upserts a swap offer across its lifecycle.
func (db *DB) SaveOffer(ctx context.Context, offer models.SwapOffer) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO swap_offers (id, initiator_id, counterparty_id, offer_token, offer_amount, request_token, request_amount, status, escrow_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			counterparty_id = EXCLUDED.counterparty_id,
			status = EXCLUDED.status`,
		offer.ID, offer.InitiatorID, offer.CounterpartyID,
		offer.OfferToken, offer.OfferAmount.String(),
		offer.RequestToken, offer.RequestAmount.String(),
		offer.Status, offer.EscrowID, offer.ExpiresAt, offer.CreatedAt)
	if err != nil {
		return mapPgErr("save offer", err)
	}
	return nil
}

// SaveEscrow upserts an escrow record.
func (db *DB) SaveEscrow(ctx context.Context, escrow models.SwapEscrow) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO swap_escrows (id, offer_id, initiator_locked, counterparty_locked, initiator_amount, counterparty_amount, created_at, released_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			initiator_locked = EXCLUDED.initiator_locked,
			counterparty_locked = EXCLUDED.counterparty_locked,
			released_at = EXCLUDED.released_at`,
		escrow.ID, escrow.OfferID, escrow.InitiatorLocked, escrow.CounterpartyLocked,
		escrow.InitiatorAmount.String(), escrow.CounterpartyAmount.String(),
		escrow.CreatedAt, escrow.ReleasedAt)
	if err != nil {
		return mapPgErr("save escrow", err)
	}
	return nil
}

// SaveP2PTransaction inserts a settled P2P swap record.
func (db *DB) SaveP2PTransaction(ctx context.Context, tx models.P2PSwapTransaction) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO p2p_swap_transactions (id, offer_id, initiator_id, counterparty_id, initiator_token, initiator_amount, counterparty_token, counterparty_amount, tx_hash, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tx.ID, tx.OfferID, tx.InitiatorID, tx.CounterpartyID,
		tx.InitiatorToken, tx.InitiatorAmount.String(),
		tx.CounterpartyToken, tx.CounterpartyAmount.String(),
		tx.TxHash, tx.CompletedAt)
	if err != nil {
		return mapPgErr("save p2p transaction", err)
	}
	return nil
}

// nullableID maps the zero order id, used when one side of a trade was a
// market or stop order, to NULL.
func nullableID(id int) *int {
	if id == 0 {
		return nil
	}
	return &id
}
