package exchange

import (
	"sort"

	"github.com/defitome/dexcore/internal/models"
)

// Book holds the resting limit orders of one trading pair, each side kept in
// price-time priority order: buys highest price first, sells lowest price
// first, ties broken by earliest creation time.
type Book struct {
	Buys  []*models.LimitOrder
	Sells []*models.LimitOrder
}

// NewBook creates an empty order book.
func NewBook() *Book {
	return &Book{
		Buys:  []*models.LimitOrder{},
		Sells: []*models.LimitOrder{},
	}
}

// Add inserts an order into its side and restores priority order.
func (b *Book) Add(order *models.LimitOrder) {
	if order.Side == models.SideBuy {
		b.Buys = append(b.Buys, order)
		sort.SliceStable(b.Buys, func(i, j int) bool {
			if b.Buys[i].Price.Equal(b.Buys[j].Price) {
				return b.Buys[i].CreatedAt.Before(b.Buys[j].CreatedAt)
			}
			return b.Buys[i].Price.GreaterThan(b.Buys[j].Price)
		})
	} else {
		b.Sells = append(b.Sells, order)
		sort.SliceStable(b.Sells, func(i, j int) bool {
			if b.Sells[i].Price.Equal(b.Sells[j].Price) {
				return b.Sells[i].CreatedAt.Before(b.Sells[j].CreatedAt)
			}
			return b.Sells[i].Price.LessThan(b.Sells[j].Price)
		})
	}
}

// Side returns the resting orders of one side, best price first.
func (b *Book) Side(side models.Side) []*models.LimitOrder {
	if side == models.SideBuy {
		return b.Buys
	}
	return b.Sells
}

// Remove takes an order out of the book, reporting whether it was present.
func (b *Book) Remove(orderID int) bool {
	for i, o := range b.Buys {
		if o.ID == orderID {
			b.Buys = append(b.Buys[:i], b.Buys[i+1:]...)
			return true
		}
	}
	for i, o := range b.Sells {
		if o.ID == orderID {
			b.Sells = append(b.Sells[:i], b.Sells[i+1:]...)
			return true
		}
	}
	return false
}

// Compact drops orders that are no longer open or have nothing left to fill.
func (b *Book) Compact() {
	b.Buys = compactSide(b.Buys)
	b.Sells = compactSide(b.Sells)
}

func compactSide(orders []*models.LimitOrder) []*models.LimitOrder {
	kept := orders[:0]
	for _, o := range orders {
		if o.Status.Open() && o.RemainingQuantity().Sign() > 0 {
			kept = append(kept, o)
		}
	}
	return kept
}

// Snapshot copies up to limit orders per side for read-only consumers.
// A limit of zero or less means no cap.
func (b *Book) Snapshot(limit int) (buys, sells []models.LimitOrder) {
	buys = snapshotSide(b.Buys, limit)
	sells = snapshotSide(b.Sells, limit)
	return buys, sells
}

func snapshotSide(orders []*models.LimitOrder, limit int) []models.LimitOrder {
	out := make([]models.LimitOrder, 0, len(orders))
	for _, o := range orders {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, *o)
	}
	return out
}
