package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies which side of a trading pair an order sits on.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known order side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of a limit order. Transitions are
// monotonic: pending -> partial/filled/cancelled, partial -> filled/cancelled.
// Filled and cancelled are terminal.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Open reports whether the order can still rest on the book.
func (s OrderStatus) Open() bool {
	return s == OrderPending || s == OrderPartial
}

// StopStatus is the lifecycle state of a stop-loss order:
// pending -> triggered -> executed, or pending -> cancelled.
type StopStatus string

const (
	StopPending   StopStatus = "pending"
	StopTriggered StopStatus = "triggered"
	StopExecuted  StopStatus = "executed"
	StopCancelled StopStatus = "cancelled"
)

// OfferStatus is the lifecycle state of a P2P swap offer.
type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferCompleted OfferStatus = "completed"
	OfferRejected  OfferStatus = "rejected"
	OfferCancelled OfferStatus = "cancelled"
	OfferExpired   OfferStatus = "expired"
)

// TradingPair is an ordered base/quote market, e.g. BTC/USDT.
type TradingPair struct {
	ID         int       `json:"id"`
	BaseToken  string    `json:"base_token"`
	QuoteToken string    `json:"quote_token"`
	CreatedBy  int       `json:"created_by"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// PairStats carries the rolling 24h statistics for a pair, recomputed
// from the execution tape.
type PairStats struct {
	LastPrice decimal.Decimal `json:"last_price"`
	High24h   decimal.Decimal `json:"high_24h"`
	Low24h    decimal.Decimal `json:"low_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
}

// LimitOrder is a resting order in the book.
type LimitOrder struct {
	ID             int             `json:"id"`
	UserID         int             `json:"user_id"`
	PairID         int             `json:"pair_id"`
	Side           Side            `json:"side"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Status         OrderStatus     `json:"status"`
	CreatedAt      time.Time       `json:"created_at"` // time priority key
}

// RemainingQuantity is the unfilled part of the order.
func (o *LimitOrder) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// MarketOrder records an instant execution sweep. Quantity is the quantity
// actually filled; the requested quantity may have been larger if book depth
// ran out.
type MarketOrder struct {
	ID                int             `json:"id"`
	UserID            int             `json:"user_id"`
	PairID            int             `json:"pair_id"`
	Side              Side            `json:"side"`
	Quantity          decimal.Decimal `json:"quantity"`
	RequestedQuantity decimal.Decimal `json:"requested_quantity"`
	ExecutedPrice     decimal.Decimal `json:"executed_price"` // average across fills
	Status            string          `json:"status"`         // "executed" or "failed"
	TxHash            string          `json:"tx_hash"`
	CreatedAt         time.Time       `json:"created_at"`
}

// StopLossOrder triggers when the last trade price crosses TriggerPrice:
// sell stops when price drops to or below it, buy stops when price rises
// to or above it.
type StopLossOrder struct {
	ID            int             `json:"id"`
	UserID        int             `json:"user_id"`
	PairID        int             `json:"pair_id"`
	Side          Side            `json:"side"`
	TriggerPrice  decimal.Decimal `json:"trigger_price"`
	Quantity      decimal.Decimal `json:"quantity"`
	ExecutedPrice decimal.Decimal `json:"executed_price"`
	Status        StopStatus      `json:"status"`
	TxHash        string          `json:"tx_hash"`
	CreatedAt     time.Time       `json:"created_at"`
	TriggeredAt   *time.Time      `json:"triggered_at,omitempty"`
}

// OrderExecution is one trade on the append-only tape. Balances and pair
// statistics derive from these records; they are never mutated or deleted.
// BuyOrderID/SellOrderID are zero when that side was a market or stop order.
type OrderExecution struct {
	ID          int             `json:"id"`
	PairID      int             `json:"pair_id"`
	BuyerID     int             `json:"buyer_id"`
	SellerID    int             `json:"seller_id"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	BuyOrderID  int             `json:"buy_order_id,omitempty"`
	SellOrderID int             `json:"sell_order_id,omitempty"`
	TxHash      string          `json:"tx_hash"`
	CreatedAt   time.Time       `json:"created_at"`
}

// LiquidityPool holds the reserves of a two-token constant-product pool.
// Swap fees are held out of the reserves in the accumulated counters and
// distributed to positions, never reinvested automatically.
type LiquidityPool struct {
	ID               int             `json:"id"`
	Name             string          `json:"name"`
	TokenA           string          `json:"token_a"`
	TokenB           string          `json:"token_b"`
	ReserveA         decimal.Decimal `json:"reserve_a"`
	ReserveB         decimal.Decimal `json:"reserve_b"`
	TotalShares      decimal.Decimal `json:"total_shares"`
	FeePercentage    decimal.Decimal `json:"fee_percentage"` // e.g. 0.30 means 0.30%
	AccumulatedFeesA decimal.Decimal `json:"accumulated_fees_a"`
	AccumulatedFeesB decimal.Decimal `json:"accumulated_fees_b"`
	CreatedAt        time.Time       `json:"created_at"`
}

// LiquidityPosition is one provider's stake in a pool. The sum of Shares
// across a pool's positions always equals the pool's TotalShares.
type LiquidityPosition struct {
	ID             int             `json:"id"`
	UserID         int             `json:"user_id"`
	PoolID         int             `json:"pool_id"`
	Shares         decimal.Decimal `json:"shares"`
	UnclaimedFeesA decimal.Decimal `json:"unclaimed_fees_a"`
	UnclaimedFeesB decimal.Decimal `json:"unclaimed_fees_b"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SwapTransaction records one executed pool swap.
type SwapTransaction struct {
	ID         int             `json:"id"`
	UserID     int             `json:"user_id"`
	PoolID     int             `json:"pool_id"`
	FromToken  string          `json:"from_token"`
	ToToken    string          `json:"to_token"`
	FromAmount decimal.Decimal `json:"from_amount"`
	ToAmount   decimal.Decimal `json:"to_amount"`
	FeeAmount  decimal.Decimal `json:"fee_amount"`
	TxHash     string          `json:"tx_hash"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SwapOffer is a bilateral P2P exchange proposal. CounterpartyID zero means
// the offer is open to any acceptor; once accepted it is bound to that user.
type SwapOffer struct {
	ID             int             `json:"id"`
	InitiatorID    int             `json:"initiator_id"`
	CounterpartyID int             `json:"counterparty_id,omitempty"`
	OfferToken     string          `json:"offer_token"`
	OfferAmount    decimal.Decimal `json:"offer_amount"`
	RequestToken   string          `json:"request_token"`
	RequestAmount  decimal.Decimal `json:"request_amount"`
	Status         OfferStatus     `json:"status"`
	EscrowID       string          `json:"escrow_id"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SwapEscrow records the locks taken for both legs of an accepted offer.
// On this testnet both legs are locked unconditionally at acceptance; there
// is no external custody verification.
type SwapEscrow struct {
	ID                 int             `json:"id"`
	OfferID            int             `json:"offer_id"`
	InitiatorLocked    bool            `json:"initiator_locked"`
	CounterpartyLocked bool            `json:"counterparty_locked"`
	InitiatorAmount    decimal.Decimal `json:"initiator_amount"`
	CounterpartyAmount decimal.Decimal `json:"counterparty_amount"`
	CreatedAt          time.Time       `json:"created_at"`
	ReleasedAt         *time.Time      `json:"released_at,omitempty"`
}

// FullyLocked reports whether both escrow legs are locked.
func (e *SwapEscrow) FullyLocked() bool {
	return e.InitiatorLocked && e.CounterpartyLocked
}

// P2PSwapTransaction is the immutable settlement record of a completed offer.
type P2PSwapTransaction struct {
	ID                 int             `json:"id"`
	OfferID            int             `json:"offer_id"`
	InitiatorID        int             `json:"initiator_id"`
	CounterpartyID     int             `json:"counterparty_id"`
	InitiatorToken     string          `json:"initiator_token"`
	InitiatorAmount    decimal.Decimal `json:"initiator_amount"`
	CounterpartyToken  string          `json:"counterparty_token"`
	CounterpartyAmount decimal.Decimal `json:"counterparty_amount"`
	TxHash             string          `json:"tx_hash"`
	CompletedAt        time.Time       `json:"completed_at"`
}
