package exchange

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/defitome/dexcore/internal/dexerr"
	"github.com/defitome/dexcore/internal/models"
)

const maxTokenLen = 10

// Clock supplies the current time. Injectable so matching, expiry and
// statistics are deterministic under test.
type Clock func() time.Time

// BalanceOracle answers how much of a token a user holds. The default
// implementation derives balances from the engine's own execution tape.
type BalanceOracle interface {
	TokenBalance(userID int, token string) decimal.Decimal
}

// StopExecution selects how triggered stop-loss orders settle.
type StopExecution int

const (
	// StopExecutionSweep walks the book like a market order and records the
	// realized average fill price.
	StopExecutionSweep StopExecution = iota
	// StopExecutionTriggerPrice settles flat at the price that triggered the
	// stop without touching the book. Can misrepresent achievable execution
	// on thin books; kept for test setups.
	StopExecutionTriggerPrice
)

// Config carries the engine's injectable collaborators.
type Config struct {
	Clock       Clock
	Oracle      BalanceOracle // nil: use the engine's tape ledger
	MarketMaker int           // account that owns seeded liquidity
	StopMode    StopExecution
}

// Engine is the order-matching core: it owns the per-pair books, the stop
// order stores and the append-only execution tape.
//
// Lock order: a market's mutex serializes every matching pass, cancel and
// stop check for that pair; idMu and tapeMu are leaves acquired under it.
// The registry mutex mu is never held while taking a market mutex.
type Engine struct {
	clock       Clock
	oracle      BalanceOracle
	marketMaker int
	stopMode    StopExecution

	mu        sync.RWMutex
	markets   map[int]*market
	pairIDs   map[string]int // "BASE/QUOTE" -> pair id
	orderRefs map[int]*market
	stopRefs  map[int]*market

	idMu        sync.Mutex
	nextPairID  int
	nextOrderID int
	nextStopID  int
	nextSweepID int
	nextExecID  int

	tapeMu sync.RWMutex
	tape   []models.OrderExecution
}

// market bundles everything the engine mutates for one trading pair.
type market struct {
	mu           sync.Mutex
	pair         models.TradingPair
	book         *Book
	orders       []*models.LimitOrder // every limit order ever placed, incl. terminal
	stops        []*models.StopLossOrder
	marketOrders []models.MarketOrder
}

// NewEngine creates an engine. Zero-value Config fields get defaults:
// wall clock, tape-derived balances, sweep execution for stops.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		clock:       cfg.Clock,
		oracle:      cfg.Oracle,
		marketMaker: cfg.MarketMaker,
		stopMode:    cfg.StopMode,
		markets:     make(map[int]*market),
		pairIDs:     make(map[string]int),
		orderRefs:   make(map[int]*market),
		stopRefs:    make(map[int]*market),
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.oracle == nil {
		e.oracle = tapeLedger{e}
	}
	return e
}

// CreatePair registers a new base/quote market. The ordered pair must be
// unique; the reverse pair may coexist.
func (e *Engine) CreatePair(creatorID int, baseToken, quoteToken string) (models.TradingPair, error) {
	if err := validateToken(baseToken); err != nil {
		return models.TradingPair{}, err
	}
	if err := validateToken(quoteToken); err != nil {
		return models.TradingPair{}, err
	}
	if baseToken == quoteToken {
		return models.TradingPair{}, fmt.Errorf("%w: base and quote token must differ", dexerr.ErrValidation)
	}

	key := baseToken + "/" + quoteToken
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.pairIDs[key]; exists {
		return models.TradingPair{}, fmt.Errorf("%w: trading pair %s already exists", dexerr.ErrValidation, key)
	}

	pair := models.TradingPair{
		ID:         e.allocPairID(),
		BaseToken:  baseToken,
		QuoteToken: quoteToken,
		CreatedBy:  creatorID,
		IsActive:   true,
		CreatedAt:  e.clock(),
	}
	e.markets[pair.ID] = &market{pair: pair, book: NewBook()}
	e.pairIDs[key] = pair.ID

	logrus.WithFields(logrus.Fields{
		"pairId": pair.ID,
		"market": key,
	}).Infoln("Trading pair created")
	return pair, nil
}

// DeactivatePair takes a pair out of trading. Resting orders stay on the
// book but no new orders are accepted.
func (e *Engine) DeactivatePair(pairID int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.markets[pairID]
	if !ok {
		return fmt.Errorf("%w: trading pair %d", dexerr.ErrNotFound, pairID)
	}
	m.pair.IsActive = false
	return nil
}

// Pairs lists every registered trading pair ordered by id.
func (e *Engine) Pairs() []models.TradingPair {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pairs := make([]models.TradingPair, 0, len(e.markets))
	for _, m := range e.markets {
		pairs = append(pairs, m.pair)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].ID < pairs[j].ID })
	return pairs
}

// PlaceLimitOrder validates, records and immediately matches a limit order.
// It returns the order in its post-match state along with the executions the
// match pass produced.
func (e *Engine) PlaceLimitOrder(userID, pairID int, side models.Side, price, quantity decimal.Decimal) (models.LimitOrder, []models.OrderExecution, error) {
	if !side.Valid() {
		return models.LimitOrder{}, nil, fmt.Errorf("%w: invalid order side %q", dexerr.ErrValidation, side)
	}
	if price.Sign() <= 0 || quantity.Sign() <= 0 {
		return models.LimitOrder{}, nil, fmt.Errorf("%w: price and quantity must be greater than zero", dexerr.ErrValidation)
	}

	m, err := e.activeMarket(pairID)
	if err != nil {
		return models.LimitOrder{}, nil, err
	}

	order := &models.LimitOrder{
		ID:        e.allocOrderID(),
		UserID:    userID,
		PairID:    pairID,
		Side:      side,
		Price:     price,
		Quantity:  quantity,
		Status:    models.OrderPending,
		CreatedAt: e.clock(),
	}
	e.mu.Lock()
	e.orderRefs[order.ID] = m
	e.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, order)

	pass := e.newPass(m)
	pass.matchLimit(order)
	if order.Status.Open() && order.RemainingQuantity().Sign() > 0 {
		m.book.Add(order)
	}
	execs := pass.commit()

	logrus.WithFields(logrus.Fields{
		"orderId": order.ID,
		"pairId":  pairID,
		"side":    side,
		"status":  order.Status,
		"fills":   len(execs),
	}).Infoln("Limit order placed")
	return *order, execs, nil
}

// PlaceMarketOrder sweeps the opposing book at the best available prices
// until the requested quantity is filled or depth runs out. Buy orders are
// solvency-checked against the worst-case sweep cost before anything
// executes; the shortfall of a partially filled order is reported on the
// returned record, not as an error.
func (e *Engine) PlaceMarketOrder(userID, pairID int, side models.Side, quantity decimal.Decimal) (models.MarketOrder, []models.OrderExecution, error) {
	if !side.Valid() {
		return models.MarketOrder{}, nil, fmt.Errorf("%w: invalid order side %q", dexerr.ErrValidation, side)
	}
	if quantity.Sign() <= 0 {
		return models.MarketOrder{}, nil, fmt.Errorf("%w: quantity must be greater than zero", dexerr.ErrValidation)
	}

	m, err := e.activeMarket(pairID)
	if err != nil {
		return models.MarketOrder{}, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !hasOpenOrders(m.book.Side(side.Opposite()), userID) {
		return models.MarketOrder{}, nil, fmt.Errorf("%w: no resting orders available for immediate execution", dexerr.ErrInsufficientLiquidity)
	}

	if side == models.SideBuy {
		cost := sweepCost(m.book.Side(models.SideSell), userID, quantity)
		balance := e.oracle.TokenBalance(userID, m.pair.QuoteToken)
		if balance.LessThan(cost) {
			return models.MarketOrder{}, nil, fmt.Errorf("%w: need %s %s, have %s",
				dexerr.ErrInsufficientBalance, cost.String(), m.pair.QuoteToken, balance.String())
		}
	}

	pass := e.newPass(m)
	filled, notional := pass.sweep(userID, side, quantity)

	avgPrice := decimal.Zero
	if filled.Sign() > 0 {
		avgPrice = notional.Div(filled).Round(8)
	}
	record := models.MarketOrder{
		ID:                e.allocSweepID(),
		UserID:            userID,
		PairID:            pairID,
		Side:              side,
		Quantity:          filled,
		RequestedQuantity: quantity,
		ExecutedPrice:     avgPrice,
		Status:            "executed",
		TxHash:            txHash(),
		CreatedAt:         e.clock(),
	}
	m.marketOrders = append(m.marketOrders, record)
	execs := pass.commit()

	logrus.WithFields(logrus.Fields{
		"orderId":   record.ID,
		"pairId":    pairID,
		"side":      side,
		"filled":    filled.String(),
		"requested": quantity.String(),
		"avgPrice":  avgPrice.String(),
	}).Infoln("Market order executed")
	return record, execs, nil
}

// CancelOrder transitions an open limit order to cancelled. It takes the same
// per-pair lock the matcher uses, so an order is never matched after being
// cancelled nor cancelled mid-match.
func (e *Engine) CancelOrder(orderID, userID int) (models.LimitOrder, error) {
	e.mu.RLock()
	m, ok := e.orderRefs[orderID]
	e.mu.RUnlock()
	if !ok {
		return models.LimitOrder{}, fmt.Errorf("%w: order %d", dexerr.ErrNotFound, orderID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	order := findOrder(m.orders, orderID)
	if order == nil {
		return models.LimitOrder{}, fmt.Errorf("%w: order %d", dexerr.ErrNotFound, orderID)
	}
	if order.UserID != userID {
		return models.LimitOrder{}, fmt.Errorf("%w: order %d belongs to another user", dexerr.ErrUnauthorized, orderID)
	}
	if !order.Status.Open() {
		return models.LimitOrder{}, fmt.Errorf("%w: order %d is %s", dexerr.ErrInvalidState, orderID, order.Status)
	}

	order.Status = models.OrderCancelled
	m.book.Remove(orderID)

	logrus.WithFields(logrus.Fields{
		"orderId": orderID,
		"pairId":  order.PairID,
	}).Infoln("Limit order cancelled")
	return *order, nil
}

// OrderBook returns a copied snapshot of up to depth orders per side.
func (e *Engine) OrderBook(pairID, depth int) (buys, sells []models.LimitOrder, err error) {
	e.mu.RLock()
	m, ok := e.markets[pairID]
	e.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: trading pair %d", dexerr.ErrNotFound, pairID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	buys, sells = m.book.Snapshot(depth)
	return buys, sells, nil
}

// UserOrders lists a user's limit, market and stop orders across all pairs.
func (e *Engine) UserOrders(userID int) (limits []models.LimitOrder, sweeps []models.MarketOrder, stops []models.StopLossOrder) {
	for _, m := range e.snapshotMarkets() {
		m.mu.Lock()
		for _, o := range m.orders {
			if o.UserID == userID {
				limits = append(limits, *o)
			}
		}
		for _, mo := range m.marketOrders {
			if mo.UserID == userID {
				sweeps = append(sweeps, mo)
			}
		}
		for _, s := range m.stops {
			if s.UserID == userID {
				stops = append(stops, *s)
			}
		}
		m.mu.Unlock()
	}
	return limits, sweeps, stops
}

// UserTrades returns up to limit executions the user took part in, newest
// first. A limit of zero or less means no cap.
func (e *Engine) UserTrades(userID, limit int) []models.OrderExecution {
	e.tapeMu.RLock()
	defer e.tapeMu.RUnlock()
	var trades []models.OrderExecution
	for i := len(e.tape) - 1; i >= 0; i-- {
		if limit > 0 && len(trades) >= limit {
			break
		}
		if e.tape[i].BuyerID == userID || e.tape[i].SellerID == userID {
			trades = append(trades, e.tape[i])
		}
	}
	return trades
}

// Executions returns up to limit of the pair's newest trades.
func (e *Engine) Executions(pairID, limit int) []models.OrderExecution {
	e.tapeMu.RLock()
	defer e.tapeMu.RUnlock()
	var trades []models.OrderExecution
	for i := len(e.tape) - 1; i >= 0; i-- {
		if limit > 0 && len(trades) >= limit {
			break
		}
		if e.tape[i].PairID == pairID {
			trades = append(trades, e.tape[i])
		}
	}
	return trades
}

// matchPass stages every mutation of one matching pass: the executions it
// produces stay invisible to tape readers until commit, after the follow-up
// stop-loss check, so an order's status and filled quantity are always
// consistent with the published executions referencing it.
type matchPass struct {
	engine *Engine
	m      *market
	execs  []models.OrderExecution
}

func (e *Engine) newPass(m *market) *matchPass {
	return &matchPass{engine: e, m: m}
}

// matchLimit runs price-time priority matching for an incoming limit order.
// The execution price is always the resting order's price. Self-trades are
// skipped, not executed.
func (p *matchPass) matchLimit(order *models.LimitOrder) {
	for _, resting := range p.m.book.Side(order.Side.Opposite()) {
		if order.RemainingQuantity().Sign() <= 0 {
			break
		}
		if !resting.Status.Open() || resting.RemainingQuantity().Sign() <= 0 {
			continue
		}
		if !crosses(order, resting) {
			// book is sorted best price first; nothing beyond here crosses
			break
		}
		if resting.UserID == order.UserID {
			continue
		}

		fillQty := decimal.Min(order.RemainingQuantity(), resting.RemainingQuantity())
		p.fill(order, resting, resting.Price, fillQty)
	}
}

// sweep consumes the opposing side at resting prices without a price bound,
// until quantity is filled or the book is exhausted. Returns the filled
// quantity and its notional value.
func (p *matchPass) sweep(userID int, side models.Side, quantity decimal.Decimal) (filled, notional decimal.Decimal) {
	filled, notional = decimal.Zero, decimal.Zero
	remaining := quantity
	for _, resting := range p.m.book.Side(side.Opposite()) {
		if remaining.Sign() <= 0 {
			break
		}
		if !resting.Status.Open() || resting.RemainingQuantity().Sign() <= 0 {
			continue
		}
		if resting.UserID == userID {
			continue
		}

		fillQty := decimal.Min(remaining, resting.RemainingQuantity())
		taker := &models.LimitOrder{UserID: userID, Side: side}
		p.fillAgainst(taker, resting, resting.Price, fillQty)

		remaining = remaining.Sub(fillQty)
		filled = filled.Add(fillQty)
		notional = notional.Add(fillQty.Mul(resting.Price))
	}
	return filled, notional
}

// fill matches two limit orders and advances both fill states.
func (p *matchPass) fill(taker, maker *models.LimitOrder, price, quantity decimal.Decimal) {
	p.record(taker, maker, price, quantity, taker.ID)
	applyFill(taker, quantity)
	applyFill(maker, quantity)
}

// fillAgainst matches an ephemeral taker (market or stop sweep) against a
// resting order; only the resting order's fill state advances.
func (p *matchPass) fillAgainst(taker, maker *models.LimitOrder, price, quantity decimal.Decimal) {
	p.record(taker, maker, price, quantity, 0)
	applyFill(maker, quantity)
}

func (p *matchPass) record(taker, maker *models.LimitOrder, price, quantity decimal.Decimal, takerOrderID int) {
	exec := models.OrderExecution{
		ID:        p.engine.allocExecID(),
		PairID:    p.m.pair.ID,
		Price:     price,
		Quantity:  quantity,
		TxHash:    txHash(),
		CreatedAt: p.engine.clock(),
	}
	if taker.Side == models.SideBuy {
		exec.BuyerID = taker.UserID
		exec.SellerID = maker.UserID
		exec.BuyOrderID = takerOrderID
		exec.SellOrderID = maker.ID
	} else {
		exec.BuyerID = maker.UserID
		exec.SellerID = taker.UserID
		exec.BuyOrderID = maker.ID
		exec.SellOrderID = takerOrderID
	}
	p.execs = append(p.execs, exec)
}

// commit finishes the pass: evaluates stop-loss triggers against the staged
// executions, compacts the book and publishes everything to the tape.
func (p *matchPass) commit() []models.OrderExecution {
	if len(p.execs) > 0 {
		p.engine.runStopChecks(p)
	}
	p.m.book.Compact()
	if len(p.execs) == 0 {
		return nil
	}

	p.engine.tapeMu.Lock()
	p.engine.tape = append(p.engine.tape, p.execs...)
	p.engine.tapeMu.Unlock()

	for _, exec := range p.execs {
		logrus.WithFields(logrus.Fields{
			"pairId":   exec.PairID,
			"price":    exec.Price.String(),
			"quantity": exec.Quantity.String(),
			"buyer":    exec.BuyerID,
			"seller":   exec.SellerID,
		}).Debugln("Trade executed")
	}
	return p.execs
}

func applyFill(order *models.LimitOrder, quantity decimal.Decimal) {
	order.FilledQuantity = order.FilledQuantity.Add(quantity)
	if order.FilledQuantity.GreaterThanOrEqual(order.Quantity) {
		order.Status = models.OrderFilled
	} else {
		order.Status = models.OrderPartial
	}
}

// crosses reports whether an incoming order's limit price is compatible with
// a resting order: a buy matches a sell priced at or below it, a sell matches
// a buy priced at or above it.
func crosses(incoming, resting *models.LimitOrder) bool {
	if incoming.Side == models.SideBuy {
		return resting.Price.LessThanOrEqual(incoming.Price)
	}
	return resting.Price.GreaterThanOrEqual(incoming.Price)
}

// sweepCost walks the book in price order and returns the total cost of
// filling quantity, i.e. the worst-case notional of the sweep about to run.
func sweepCost(opposing []*models.LimitOrder, userID int, quantity decimal.Decimal) decimal.Decimal {
	cost := decimal.Zero
	remaining := quantity
	for _, resting := range opposing {
		if remaining.Sign() <= 0 {
			break
		}
		if !resting.Status.Open() || resting.UserID == userID {
			continue
		}
		fillQty := decimal.Min(remaining, resting.RemainingQuantity())
		cost = cost.Add(fillQty.Mul(resting.Price))
		remaining = remaining.Sub(fillQty)
	}
	return cost
}

func hasOpenOrders(orders []*models.LimitOrder, excludeUserID int) bool {
	for _, o := range orders {
		if o.Status.Open() && o.UserID != excludeUserID && o.RemainingQuantity().Sign() > 0 {
			return true
		}
	}
	return false
}

func findOrder(orders []*models.LimitOrder, orderID int) *models.LimitOrder {
	for _, o := range orders {
		if o.ID == orderID {
			return o
		}
	}
	return nil
}

func (e *Engine) activeMarket(pairID int) (*market, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.markets[pairID]
	if !ok {
		return nil, fmt.Errorf("%w: trading pair %d", dexerr.ErrNotFound, pairID)
	}
	if !m.pair.IsActive {
		return nil, fmt.Errorf("%w: trading pair %d is not active", dexerr.ErrNotFound, pairID)
	}
	return m, nil
}

func (e *Engine) snapshotMarkets() []*market {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*market, 0, len(e.markets))
	for _, m := range e.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pair.ID < out[j].pair.ID })
	return out
}

func (e *Engine) allocPairID() int  { e.idMu.Lock(); defer e.idMu.Unlock(); e.nextPairID++; return e.nextPairID }
func (e *Engine) allocOrderID() int { e.idMu.Lock(); defer e.idMu.Unlock(); e.nextOrderID++; return e.nextOrderID }
func (e *Engine) allocStopID() int  { e.idMu.Lock(); defer e.idMu.Unlock(); e.nextStopID++; return e.nextStopID }
func (e *Engine) allocSweepID() int { e.idMu.Lock(); defer e.idMu.Unlock(); e.nextSweepID++; return e.nextSweepID }
func (e *Engine) allocExecID() int  { e.idMu.Lock(); defer e.idMu.Unlock(); e.nextExecID++; return e.nextExecID }

func validateToken(token string) error {
	if token == "" || len(token) > maxTokenLen {
		return fmt.Errorf("%w: token symbol must be 1-%d characters", dexerr.ErrValidation, maxTokenLen)
	}
	for _, r := range token {
		if !((r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("%w: token symbol %q must be uppercase alphanumeric", dexerr.ErrValidation, token)
		}
	}
	return nil
}

func txHash() string {
	return "testnet-" + uuid.NewString()
}
