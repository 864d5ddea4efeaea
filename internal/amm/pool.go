// Package amm implements the constant-product liquidity pool engine:
// swap execution, fee accrual with proportional per-position distribution,
// and liquidity provision.
package amm

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/defitome/dexcore/internal/dexerr"
	"github.com/defitome/dexcore/internal/models"
)

var oneHundred = decimal.NewFromInt(100)

// Clock supplies the current time; injectable for testing.
type Clock func() time.Time

// Engine owns the liquidity pools and provider positions.
//
// Lock order: pool mutex first, then positions in ascending position id.
// The registry mutex mu guards the maps and is released before any pool
// mutex is taken. Position fee credits go through position.addFees, an
// atomic increment under the position's own mutex, so concurrent swaps on
// one pool never lose updates.
type Engine struct {
	clock Clock

	mu        sync.RWMutex
	pools     map[int]*poolState
	positions map[int]*positionState
	poolKeys  map[string]int // canonical "A/B" -> pool id
	swaps     []models.SwapTransaction

	idMu       sync.Mutex
	nextPoolID int
	nextPosID  int
	nextSwapID int
}

// poolKey canonicalizes the token pair so one pool exists per unordered
// pair regardless of which token is listed first.
func poolKey(tokenA, tokenB string) string {
	if tokenB < tokenA {
		tokenA, tokenB = tokenB, tokenA
	}
	return tokenA + "/" + tokenB
}

type poolState struct {
	mu          sync.Mutex
	pool        models.LiquidityPool
	positionIDs []int // ascending; lock acquisition order for fee distribution
}

type positionState struct {
	mu  sync.Mutex
	pos models.LiquidityPosition
}

// addFees is the atomic fee credit: callers never read-modify-write the
// unclaimed counters directly.
func (ps *positionState) addFees(feeA, feeB decimal.Decimal) {
	ps.mu.Lock()
	ps.pos.UnclaimedFeesA = ps.pos.UnclaimedFeesA.Add(feeA)
	ps.pos.UnclaimedFeesB = ps.pos.UnclaimedFeesB.Add(feeB)
	ps.mu.Unlock()
}

// NewEngine creates an empty pool engine. A nil clock means wall time.
func NewEngine(clock Clock) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		clock:     clock,
		pools:     make(map[int]*poolState),
		positions: make(map[int]*positionState),
		poolKeys:  make(map[string]int),
	}
}

// CreatePool registers a pool for an unordered token pair. feePercentage is
// the swap fee in percent, e.g. 0.30 for 0.30%.
func (e *Engine) CreatePool(name, tokenA, tokenB string, feePercentage decimal.Decimal) (models.LiquidityPool, error) {
	if tokenA == "" || tokenB == "" {
		return models.LiquidityPool{}, fmt.Errorf("%w: both token symbols are required", dexerr.ErrValidation)
	}
	if tokenA == tokenB {
		return models.LiquidityPool{}, fmt.Errorf("%w: pool tokens must differ", dexerr.ErrValidation)
	}
	if feePercentage.Sign() < 0 || feePercentage.GreaterThanOrEqual(oneHundred) {
		return models.LiquidityPool{}, fmt.Errorf("%w: fee percentage must be in [0, 100)", dexerr.ErrValidation)
	}

	key := poolKey(tokenA, tokenB)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.poolKeys[key]; exists {
		return models.LiquidityPool{}, fmt.Errorf("%w: pool %s already exists", dexerr.ErrValidation, key)
	}

	pool := models.LiquidityPool{
		ID:            e.allocPoolID(),
		Name:          name,
		TokenA:        tokenA,
		TokenB:        tokenB,
		FeePercentage: feePercentage,
		CreatedAt:     e.clock(),
	}
	e.pools[pool.ID] = &poolState{pool: pool}
	e.poolKeys[key] = pool.ID
	return pool, nil
}

// Swap executes a constant-product swap. The fee is deducted from the input
// before the swap math, held out of the reserves, and credited to every
// current position in proportion to its share of the pool at this instant.
func (e *Engine) Swap(userID, poolID int, fromToken string, amount decimal.Decimal) (models.SwapTransaction, error) {
	if amount.Sign() <= 0 {
		return models.SwapTransaction{}, fmt.Errorf("%w: amount must be greater than zero", dexerr.ErrValidation)
	}

	ps, err := e.poolState(poolID)
	if err != nil {
		return models.SwapTransaction{}, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	pool := &ps.pool

	var reserveIn, reserveOut decimal.Decimal
	var toToken string
	switch fromToken {
	case pool.TokenA:
		reserveIn, reserveOut, toToken = pool.ReserveA, pool.ReserveB, pool.TokenB
	case pool.TokenB:
		reserveIn, reserveOut, toToken = pool.ReserveB, pool.ReserveA, pool.TokenA
	default:
		return models.SwapTransaction{}, fmt.Errorf("%w: token %s is not part of pool %s/%s",
			dexerr.ErrValidation, fromToken, pool.TokenA, pool.TokenB)
	}

	fee := amount.Mul(pool.FeePercentage).Div(oneHundred)
	netInput := amount.Sub(fee)

	// constant product: (x + dx) * (y - dy) = x * y  =>  dy = y*dx / (x+dx)
	output := reserveOut.Mul(netInput).Div(reserveIn.Add(netInput))
	if output.GreaterThanOrEqual(reserveOut) {
		return models.SwapTransaction{}, fmt.Errorf("%w: swap would drain pool %d", dexerr.ErrInsufficientLiquidity, poolID)
	}

	if fromToken == pool.TokenA {
		pool.ReserveA = pool.ReserveA.Add(netInput)
		pool.ReserveB = pool.ReserveB.Sub(output)
		pool.AccumulatedFeesA = pool.AccumulatedFeesA.Add(fee)
	} else {
		pool.ReserveB = pool.ReserveB.Add(netInput)
		pool.ReserveA = pool.ReserveA.Sub(output)
		pool.AccumulatedFeesB = pool.AccumulatedFeesB.Add(fee)
	}

	// Fee distribution evaluates each provider's share at swap time: later
	// joiners do not dilute fees already accrued, and providers who exited
	// earn nothing from this swap.
	if pool.TotalShares.Sign() > 0 {
		e.distributeFees(ps, fromToken == pool.TokenA, fee)
	}

	tx := models.SwapTransaction{
		ID:         e.allocSwapID(),
		UserID:     userID,
		PoolID:     poolID,
		FromToken:  fromToken,
		ToToken:    toToken,
		FromAmount: amount,
		ToAmount:   output,
		FeeAmount:  fee,
		TxHash:     "testnet-" + uuid.NewString(),
		CreatedAt:  e.clock(),
	}
	e.mu.Lock()
	e.swaps = append(e.swaps, tx)
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"poolId":    poolID,
		"fromToken": fromToken,
		"amountIn":  amount.String(),
		"amountOut": output.String(),
		"fee":       fee.String(),
	}).Infoln("Swap executed")
	return tx, nil
}

func (e *Engine) distributeFees(ps *poolState, feeInTokenA bool, fee decimal.Decimal) {
	ids := append([]int{}, ps.positionIDs...)
	sort.Ints(ids)
	states := make([]*positionState, 0, len(ids))
	e.mu.RLock()
	for _, id := range ids {
		if pos := e.positions[id]; pos != nil {
			states = append(states, pos)
		}
	}
	e.mu.RUnlock()

	// Each share is truncated so the distributed total never exceeds the
	// fee held by the pool counter; the last position absorbs the rounding
	// dust, keeping the sum of unclaimed fees equal to the fee exactly.
	remaining := fee
	for i, pos := range states {
		feeShare, _ := fee.Mul(pos.pos.Shares).QuoRem(ps.pool.TotalShares, 16)
		if i == len(states)-1 || feeShare.GreaterThan(remaining) {
			feeShare = remaining
		}
		remaining = remaining.Sub(feeShare)
		if feeInTokenA {
			pos.addFees(feeShare, decimal.Zero)
		} else {
			pos.addFees(decimal.Zero, feeShare)
		}
	}
}

// AddLiquidity deposits both tokens and mints shares: the geometric mean of
// the amounts for the first provider, otherwise the minimum of the two
// proportional contributions, which keeps a skewed deposit from moving the
// pool price. No fee is taken on deposit.
func (e *Engine) AddLiquidity(userID, poolID int, amountA, amountB decimal.Decimal) (models.LiquidityPosition, decimal.Decimal, error) {
	if amountA.Sign() <= 0 || amountB.Sign() <= 0 {
		return models.LiquidityPosition{}, decimal.Zero, fmt.Errorf("%w: amounts must be greater than zero", dexerr.ErrValidation)
	}

	ps, err := e.poolState(poolID)
	if err != nil {
		return models.LiquidityPosition{}, decimal.Zero, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	pool := &ps.pool

	var minted decimal.Decimal
	if pool.TotalShares.Sign() == 0 {
		minted = sqrtDecimal(amountA.Mul(amountB))
	} else {
		if pool.ReserveA.Sign() <= 0 || pool.ReserveB.Sign() <= 0 {
			return models.LiquidityPosition{}, decimal.Zero, fmt.Errorf("%w: pool %d has invalid reserves", dexerr.ErrInvalidState, poolID)
		}
		minted = decimal.Min(
			amountA.Mul(pool.TotalShares).Div(pool.ReserveA),
			amountB.Mul(pool.TotalShares).Div(pool.ReserveB),
		)
	}

	pool.ReserveA = pool.ReserveA.Add(amountA)
	pool.ReserveB = pool.ReserveB.Add(amountB)
	pool.TotalShares = pool.TotalShares.Add(minted)

	pos := e.upsertPosition(ps, userID, minted)

	logrus.WithFields(logrus.Fields{
		"poolId": poolID,
		"userId": userID,
		"shares": minted.String(),
	}).Infoln("Liquidity added")
	return pos, minted, nil
}

func (e *Engine) upsertPosition(ps *poolState, userID int, minted decimal.Decimal) models.LiquidityPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ps.positionIDs {
		existing := e.positions[id]
		if existing != nil && existing.pos.UserID == userID {
			existing.mu.Lock()
			existing.pos.Shares = existing.pos.Shares.Add(minted)
			out := existing.pos
			existing.mu.Unlock()
			return out
		}
	}
	pos := models.LiquidityPosition{
		ID:        e.allocPosID(),
		UserID:    userID,
		PoolID:    ps.pool.ID,
		Shares:    minted,
		CreatedAt: e.clock(),
	}
	e.positions[pos.ID] = &positionState{pos: pos}
	ps.positionIDs = append(ps.positionIDs, pos.ID)
	return pos
}

// RemoveLiquidity burns shares and returns the proportional slice of each
// reserve. The position is deleted when its remaining shares reach exactly
// zero.
func (e *Engine) RemoveLiquidity(userID, positionID int, shares decimal.Decimal) (amountA, amountB decimal.Decimal, err error) {
	if shares.Sign() <= 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: shares must be greater than zero", dexerr.ErrValidation)
	}

	pos, ps, err := e.positionState(positionID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	pos.mu.Lock()
	defer pos.mu.Unlock()

	if pos.pos.UserID != userID {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: position %d belongs to another user", dexerr.ErrUnauthorized, positionID)
	}
	if shares.GreaterThan(pos.pos.Shares) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: position holds %s shares", dexerr.ErrValidation, pos.pos.Shares.String())
	}
	pool := &ps.pool
	if pool.TotalShares.Sign() <= 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: pool %d has no liquidity", dexerr.ErrInvalidState, pool.ID)
	}

	fraction := shares.Div(pool.TotalShares)
	amountA = pool.ReserveA.Mul(fraction)
	amountB = pool.ReserveB.Mul(fraction)

	pool.ReserveA = pool.ReserveA.Sub(amountA)
	pool.ReserveB = pool.ReserveB.Sub(amountB)
	pool.TotalShares = pool.TotalShares.Sub(shares)
	pos.pos.Shares = pos.pos.Shares.Sub(shares)

	if pos.pos.Shares.IsZero() {
		e.deletePosition(ps, positionID)
	}

	logrus.WithFields(logrus.Fields{
		"poolId":     pool.ID,
		"positionId": positionID,
		"amountA":    amountA.String(),
		"amountB":    amountB.String(),
	}).Infoln("Liquidity removed")
	return amountA, amountB, nil
}

func (e *Engine) deletePosition(ps *poolState, positionID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.positions, positionID)
	for i, id := range ps.positionIDs {
		if id == positionID {
			ps.positionIDs = append(ps.positionIDs[:i], ps.positionIDs[i+1:]...)
			break
		}
	}
}

// ClaimFees atomically zeroes the position's unclaimed fees and deducts the
// claimed amounts from the pool's accumulated counters. A claim exceeding
// the pool's total means the fee bookkeeping is corrupt; it is surfaced as
// ErrInsufficientPoolFees and logged as a consistency violation.
func (e *Engine) ClaimFees(userID, positionID int) (claimedA, claimedB decimal.Decimal, err error) {
	pos, ps, err := e.positionState(positionID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	pos.mu.Lock()
	defer pos.mu.Unlock()

	if pos.pos.UserID != userID {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: position %d belongs to another user", dexerr.ErrUnauthorized, positionID)
	}

	claimedA = pos.pos.UnclaimedFeesA
	claimedB = pos.pos.UnclaimedFeesB
	if claimedA.IsZero() && claimedB.IsZero() {
		return decimal.Zero, decimal.Zero, nil
	}

	pool := &ps.pool
	if pool.AccumulatedFeesA.LessThan(claimedA) || pool.AccumulatedFeesB.LessThan(claimedB) {
		logrus.WithFields(logrus.Fields{
			"poolId":     pool.ID,
			"positionId": positionID,
			"claimA":     claimedA.String(),
			"claimB":     claimedB.String(),
			"poolFeesA":  pool.AccumulatedFeesA.String(),
			"poolFeesB":  pool.AccumulatedFeesB.String(),
		}).Errorln("Fee claim exceeds pool accumulated fees; bookkeeping is inconsistent")
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: pool %d cannot cover claim", dexerr.ErrInsufficientPoolFees, pool.ID)
	}

	pool.AccumulatedFeesA = pool.AccumulatedFeesA.Sub(claimedA)
	pool.AccumulatedFeesB = pool.AccumulatedFeesB.Sub(claimedB)
	pos.pos.UnclaimedFeesA = decimal.Zero
	pos.pos.UnclaimedFeesB = decimal.Zero

	logrus.WithFields(logrus.Fields{
		"poolId":     pool.ID,
		"positionId": positionID,
		"claimedA":   claimedA.String(),
		"claimedB":   claimedB.String(),
	}).Infoln("Fees claimed")
	return claimedA, claimedB, nil
}

// Pool returns a copy of one pool.
func (e *Engine) Pool(poolID int) (models.LiquidityPool, error) {
	ps, err := e.poolState(poolID)
	if err != nil {
		return models.LiquidityPool{}, err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.pool, nil
}

// Pools lists every pool ordered by id.
func (e *Engine) Pools() []models.LiquidityPool {
	e.mu.RLock()
	states := make([]*poolState, 0, len(e.pools))
	for _, ps := range e.pools {
		states = append(states, ps)
	}
	e.mu.RUnlock()
	sort.Slice(states, func(i, j int) bool { return states[i].pool.ID < states[j].pool.ID })

	out := make([]models.LiquidityPool, 0, len(states))
	for _, ps := range states {
		ps.mu.Lock()
		out = append(out, ps.pool)
		ps.mu.Unlock()
	}
	return out
}

// UserPositions lists a user's positions across all pools.
func (e *Engine) UserPositions(userID int) []models.LiquidityPosition {
	e.mu.RLock()
	states := make([]*positionState, 0)
	for _, pos := range e.positions {
		states = append(states, pos)
	}
	e.mu.RUnlock()

	var out []models.LiquidityPosition
	for _, pos := range states {
		pos.mu.Lock()
		if pos.pos.UserID == userID {
			out = append(out, pos.pos)
		}
		pos.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Position returns a copy of one position.
func (e *Engine) Position(positionID int) (models.LiquidityPosition, error) {
	pos, _, err := e.positionState(positionID)
	if err != nil {
		return models.LiquidityPosition{}, err
	}
	pos.mu.Lock()
	defer pos.mu.Unlock()
	return pos.pos, nil
}

// UserSwaps returns the user's swap history, newest first.
func (e *Engine) UserSwaps(userID int) []models.SwapTransaction {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []models.SwapTransaction
	for i := len(e.swaps) - 1; i >= 0; i-- {
		if e.swaps[i].UserID == userID {
			out = append(out, e.swaps[i])
		}
	}
	return out
}

func (e *Engine) poolState(poolID int) (*poolState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ps, ok := e.pools[poolID]
	if !ok {
		return nil, fmt.Errorf("%w: pool %d", dexerr.ErrNotFound, poolID)
	}
	return ps, nil
}

func (e *Engine) positionState(positionID int) (*positionState, *poolState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pos, ok := e.positions[positionID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: position %d", dexerr.ErrNotFound, positionID)
	}
	ps, ok := e.pools[pos.pos.PoolID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: pool %d", dexerr.ErrNotFound, pos.pos.PoolID)
	}
	return pos, ps, nil
}

func (e *Engine) allocPoolID() int { e.idMu.Lock(); defer e.idMu.Unlock(); e.nextPoolID++; return e.nextPoolID }
func (e *Engine) allocPosID() int  { e.idMu.Lock(); defer e.idMu.Unlock(); e.nextPosID++; return e.nextPosID }
func (e *Engine) allocSwapID() int { e.idMu.Lock(); defer e.idMu.Unlock(); e.nextSwapID++; return e.nextSwapID }

// sqrtDecimal computes the square root of a non-negative decimal to 8
// decimal places, used for first-depositor share minting.
func sqrtDecimal(d decimal.Decimal) decimal.Decimal {
	if d.Sign() <= 0 {
		return decimal.Zero
	}
	f, _ := new(big.Float).SetPrec(128).SetString(d.String())
	root := new(big.Float).SetPrec(128).Sqrt(f)
	out, err := decimal.NewFromString(root.Text('f', 12))
	if err != nil {
		return decimal.Zero
	}
	return out.Round(8)
}
