package exchange

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/defitome/dexcore/internal/models"
)

func limitOrder(id int, side models.Side, price string, qty string, at time.Time) *models.LimitOrder {
	return &models.LimitOrder{
		ID:        id,
		UserID:    id,
		Side:      side,
		Price:     decimal.RequireFromString(price),
		Quantity:  decimal.RequireFromString(qty),
		Status:    models.OrderPending,
		CreatedAt: at,
	}
}

func TestBook_AddPriceTimePriority(t *testing.T) {
	b := NewBook()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	b.Add(limitOrder(1, models.SideBuy, "50000", "0.1", base))
	b.Add(limitOrder(2, models.SideBuy, "51000", "0.2", base.Add(time.Second)))
	b.Add(limitOrder(3, models.SideBuy, "50000", "0.3", base.Add(2*time.Second)))

	if len(b.Buys) != 3 {
		t.Fatalf("expected 3 buy orders, got %d", len(b.Buys))
	}
	if !b.Buys[0].Price.Equal(decimal.RequireFromString("51000")) {
		t.Errorf("expected highest price first, got %s", b.Buys[0].Price)
	}
	if b.Buys[1].ID != 1 || b.Buys[2].ID != 3 {
		t.Errorf("expected same-price buys in time order, got %d then %d", b.Buys[1].ID, b.Buys[2].ID)
	}

	b.Add(limitOrder(4, models.SideSell, "52000", "0.1", base))
	b.Add(limitOrder(5, models.SideSell, "51500", "0.2", base.Add(time.Second)))
	b.Add(limitOrder(6, models.SideSell, "52000", "0.3", base.Add(2*time.Second)))

	if !b.Sells[0].Price.Equal(decimal.RequireFromString("51500")) {
		t.Errorf("expected lowest sell price first, got %s", b.Sells[0].Price)
	}
	if b.Sells[1].ID != 4 || b.Sells[2].ID != 6 {
		t.Errorf("expected same-price sells in time order, got %d then %d", b.Sells[1].ID, b.Sells[2].ID)
	}
}

func TestBook_Remove(t *testing.T) {
	b := NewBook()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.Add(limitOrder(1, models.SideBuy, "10", "1", base))
	b.Add(limitOrder(2, models.SideSell, "11", "1", base))

	if !b.Remove(1) {
		t.Error("expected removal of resting buy to succeed")
	}
	if len(b.Buys) != 0 {
		t.Errorf("expected empty buy side, got %d orders", len(b.Buys))
	}
	if b.Remove(99) {
		t.Error("expected removal of unknown order to fail")
	}
	if len(b.Sells) != 1 {
		t.Errorf("sell side should be untouched, got %d orders", len(b.Sells))
	}
}

func TestBook_CompactDropsClosedOrders(t *testing.T) {
	b := NewBook()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	open := limitOrder(1, models.SideSell, "10", "2", base)
	filled := limitOrder(2, models.SideSell, "11", "2", base)
	filled.FilledQuantity = filled.Quantity
	filled.Status = models.OrderFilled
	cancelled := limitOrder(3, models.SideSell, "12", "2", base)
	cancelled.Status = models.OrderCancelled

	b.Add(open)
	b.Add(filled)
	b.Add(cancelled)
	b.Compact()

	if len(b.Sells) != 1 || b.Sells[0].ID != 1 {
		t.Fatalf("expected only the open order to survive, got %d orders", len(b.Sells))
	}
}

func TestBook_SnapshotDepth(t *testing.T) {
	b := NewBook()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		b.Add(limitOrder(i, models.SideBuy, decimal.NewFromInt(int64(10+i)).String(), "1", base))
	}

	buys, sells := b.Snapshot(3)
	if len(buys) != 3 {
		t.Errorf("expected snapshot capped at 3 buys, got %d", len(buys))
	}
	if len(sells) != 0 {
		t.Errorf("expected no sells, got %d", len(sells))
	}

	buys, _ = b.Snapshot(0)
	if len(buys) != 5 {
		t.Errorf("expected uncapped snapshot of 5 buys, got %d", len(buys))
	}

	// snapshot must be a copy
	buys[0].Price = decimal.Zero
	if b.Buys[0].Price.IsZero() {
		t.Error("mutating the snapshot changed the book")
	}
}
