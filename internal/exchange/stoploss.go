package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/defitome/dexcore/internal/dexerr"
	"github.com/defitome/dexcore/internal/models"
)

// PlaceStopLossOrder registers a stop order. Sell stops arm below the market
// (trigger when the last trade price drops to or below the trigger price),
// buy stops arm above it.
func (e *Engine) PlaceStopLossOrder(userID, pairID int, side models.Side, triggerPrice, quantity decimal.Decimal) (models.StopLossOrder, error) {
	if !side.Valid() {
		return models.StopLossOrder{}, fmt.Errorf("%w: invalid order side %q", dexerr.ErrValidation, side)
	}
	if triggerPrice.Sign() <= 0 || quantity.Sign() <= 0 {
		return models.StopLossOrder{}, fmt.Errorf("%w: trigger price and quantity must be greater than zero", dexerr.ErrValidation)
	}

	m, err := e.activeMarket(pairID)
	if err != nil {
		return models.StopLossOrder{}, err
	}

	stop := &models.StopLossOrder{
		ID:           e.allocStopID(),
		UserID:       userID,
		PairID:       pairID,
		Side:         side,
		TriggerPrice: triggerPrice,
		Quantity:     quantity,
		Status:       models.StopPending,
		CreatedAt:    e.clock(),
	}
	e.mu.Lock()
	e.stopRefs[stop.ID] = m
	e.mu.Unlock()

	m.mu.Lock()
	m.stops = append(m.stops, stop)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"stopId":       stop.ID,
		"pairId":       pairID,
		"side":         side,
		"triggerPrice": triggerPrice.String(),
	}).Infoln("Stop-loss order placed")
	return *stop, nil
}

// CancelStopLoss transitions a pending stop order to cancelled.
func (e *Engine) CancelStopLoss(stopID, userID int) (models.StopLossOrder, error) {
	e.mu.RLock()
	m, ok := e.stopRefs[stopID]
	e.mu.RUnlock()
	if !ok {
		return models.StopLossOrder{}, fmt.Errorf("%w: stop-loss order %d", dexerr.ErrNotFound, stopID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stop := range m.stops {
		if stop.ID != stopID {
			continue
		}
		if stop.UserID != userID {
			return models.StopLossOrder{}, fmt.Errorf("%w: stop-loss order %d belongs to another user", dexerr.ErrUnauthorized, stopID)
		}
		if stop.Status != models.StopPending {
			return models.StopLossOrder{}, fmt.Errorf("%w: stop-loss order %d is %s", dexerr.ErrInvalidState, stopID, stop.Status)
		}
		stop.Status = models.StopCancelled
		return *stop, nil
	}
	return models.StopLossOrder{}, fmt.Errorf("%w: stop-loss order %d", dexerr.ErrNotFound, stopID)
}

// runStopChecks evaluates pending stop orders against the latest staged
// execution price. It runs synchronously inside the match pass, under the
// same pair lock, so triggered settlements publish atomically with the
// executions that caused them. Sweep-mode settlements produce fresh
// executions that can move the price again, so evaluation repeats until no
// further stop fires.
func (e *Engine) runStopChecks(p *matchPass) {
	for {
		if len(p.execs) == 0 {
			return
		}
		currentPrice := p.execs[len(p.execs)-1].Price

		triggered := false
		for _, stop := range p.m.stops {
			if stop.Status != models.StopPending {
				continue
			}
			if !stopConditionMet(stop, currentPrice) {
				continue
			}
			e.triggerStop(p, stop, currentPrice)
			triggered = true
		}
		if !triggered {
			return
		}
	}
}

func stopConditionMet(stop *models.StopLossOrder, currentPrice decimal.Decimal) bool {
	if stop.Side == models.SideSell {
		return stop.TriggerPrice.GreaterThanOrEqual(currentPrice)
	}
	return stop.TriggerPrice.LessThanOrEqual(currentPrice)
}

// triggerStop records both transitions: pending -> triggered, then
// triggered -> executed once settled.
func (e *Engine) triggerStop(p *matchPass, stop *models.StopLossOrder, currentPrice decimal.Decimal) {
	now := e.clock()
	stop.Status = models.StopTriggered
	stop.TriggeredAt = &now
	logrus.WithFields(logrus.Fields{
		"stopId":       stop.ID,
		"pairId":       stop.PairID,
		"side":         stop.Side,
		"triggerPrice": stop.TriggerPrice.String(),
		"price":        currentPrice.String(),
	}).Infoln("Stop-loss order triggered")

	executedPrice := currentPrice
	if e.stopMode == StopExecutionSweep {
		filled, notional := p.sweep(stop.UserID, stop.Side, stop.Quantity)
		if filled.Sign() > 0 {
			executedPrice = notional.Div(filled).Round(8)
		}
		// with no book depth the settlement falls back to the trigger-time
		// price, same as flat mode
	}

	stop.ExecutedPrice = executedPrice
	stop.Status = models.StopExecuted
	stop.TxHash = txHash()
	logrus.WithFields(logrus.Fields{
		"stopId":        stop.ID,
		"executedPrice": executedPrice.String(),
	}).Infoln("Stop-loss order executed")
}
