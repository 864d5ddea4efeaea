package exchange

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/defitome/dexcore/internal/dexerr"
	"github.com/defitome/dexcore/internal/models"
)

// Orders returns copies of the limit orders with the given ids in their
// current fill state. Zero and unknown ids are skipped, so callers can pass
// the order references off an execution without filtering ephemeral takers.
func (e *Engine) Orders(ids ...int) []models.LimitOrder {
	seen := make(map[int]bool, len(ids))
	var out []models.LimitOrder
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		e.mu.RLock()
		m, ok := e.orderRefs[id]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		m.mu.Lock()
		if o := findOrder(m.orders, id); o != nil {
			out = append(out, *o)
		}
		m.mu.Unlock()
	}
	return out
}

// Restore seeds a fresh engine from mirrored rows: pairs are re-registered
// under their original ids and open limit orders go back on the books
// without running a match pass. Id allocation resumes past the highest
// restored id.
func (e *Engine) Restore(pairs []models.TradingPair, orders []models.LimitOrder) error {
	e.mu.Lock()
	for _, pair := range pairs {
		if _, ok := e.markets[pair.ID]; ok {
			continue
		}
		e.markets[pair.ID] = &market{pair: pair, book: NewBook()}
		e.pairIDs[pair.BaseToken+"/"+pair.QuoteToken] = pair.ID
		e.bumpPairID(pair.ID)
	}
	e.mu.Unlock()

	for i := range orders {
		order := orders[i]
		e.mu.RLock()
		m, ok := e.markets[order.PairID]
		e.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: trading pair %d referenced by order %d", dexerr.ErrNotFound, order.PairID, order.ID)
		}
		m.mu.Lock()
		m.orders = append(m.orders, &order)
		if order.Status.Open() && order.RemainingQuantity().Sign() > 0 {
			m.book.Add(&order)
		}
		m.mu.Unlock()
		e.mu.Lock()
		e.orderRefs[order.ID] = m
		e.mu.Unlock()
		e.bumpOrderID(order.ID)
	}

	if len(pairs) > 0 || len(orders) > 0 {
		logrus.WithFields(logrus.Fields{
			"pairs":  len(pairs),
			"orders": len(orders),
		}).Infoln("Restored order books from database")
	}
	return nil
}

func (e *Engine) bumpPairID(id int) {
	e.idMu.Lock()
	if id > e.nextPairID {
		e.nextPairID = id
	}
	e.idMu.Unlock()
}

func (e *Engine) bumpOrderID(id int) {
	e.idMu.Lock()
	if id > e.nextOrderID {
		e.nextOrderID = id
	}
	e.idMu.Unlock()
}
