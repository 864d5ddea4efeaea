package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/defitome/dexcore/internal/dexerr"
	"github.com/defitome/dexcore/internal/models"
)

// SeedMarket creates numOrders resting sell orders owned by the engine's
// market-maker account, dividing totalQuantity evenly across them with
// progressive pricing: prices rise linearly from 80% to 120% of the average
// price implied by targetRevenue, so early orders are cheaper and the whole
// ladder sells for targetRevenue. Seeded orders rest directly on the book
// without a matching pass; seeding precedes trading on a fresh pair.
//
// The market maker is an ordinary account as far as matching is concerned:
// self-trade prevention applies to it like anyone else.
func (e *Engine) SeedMarket(pairID int, totalQuantity decimal.Decimal, numOrders int, targetRevenue decimal.Decimal) (int, error) {
	if totalQuantity.Sign() <= 0 || targetRevenue.Sign() <= 0 {
		return 0, fmt.Errorf("%w: quantity and target revenue must be greater than zero", dexerr.ErrValidation)
	}
	if numOrders <= 0 {
		return 0, fmt.Errorf("%w: number of orders must be greater than zero", dexerr.ErrValidation)
	}

	m, err := e.activeMarket(pairID)
	if err != nil {
		return 0, err
	}

	quantityPerOrder := totalQuantity.Div(decimal.NewFromInt(int64(numOrders)))
	averagePrice := targetRevenue.Div(totalQuantity)
	startPrice := averagePrice.Mul(decimal.NewFromFloat(0.8))
	endPrice := averagePrice.Mul(decimal.NewFromFloat(1.2))
	increment := decimal.Zero
	if numOrders > 1 {
		increment = endPrice.Sub(startPrice).Div(decimal.NewFromInt(int64(numOrders - 1)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	created := 0
	for i := 0; i < numOrders; i++ {
		order := &models.LimitOrder{
			ID:        e.allocOrderID(),
			UserID:    e.marketMaker,
			PairID:    pairID,
			Side:      models.SideSell,
			Price:     startPrice.Add(increment.Mul(decimal.NewFromInt(int64(i)))).Round(8),
			Quantity:  quantityPerOrder,
			Status:    models.OrderPending,
			CreatedAt: e.clock(),
		}
		e.mu.Lock()
		e.orderRefs[order.ID] = m
		e.mu.Unlock()
		m.orders = append(m.orders, order)
		m.book.Add(order)
		created++
	}

	logrus.WithFields(logrus.Fields{
		"pairId":     pairID,
		"orders":     created,
		"startPrice": startPrice.String(),
		"endPrice":   endPrice.String(),
	}).Infoln("Market seeded with progressive sell orders")
	return created, nil
}
