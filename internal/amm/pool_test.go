package amm

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/defitome/dexcore/internal/dexerr"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fixedClock() Clock {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func TestCreatePoolValidation(t *testing.T) {
	e := NewEngine(fixedClock())

	if _, err := e.CreatePool("BTC/USDT", "BTC", "USDT", d("0.30")); err != nil {
		t.Fatalf("create pool: %v", err)
	}

	tests := []struct {
		name   string
		tokenA string
		tokenB string
		fee    string
	}{
		{"duplicate", "BTC", "USDT", "0.30"},
		{"same token", "ETH", "ETH", "0.30"},
		{"empty token", "", "USDT", "0.30"},
		{"negative fee", "ETH", "USDT", "-1"},
		{"fee too high", "ETH", "USDT", "100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.CreatePool("p", tt.tokenA, tt.tokenB, d(tt.fee)); !errors.Is(err, dexerr.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreatePoolPairIsUnordered(t *testing.T) {
	e := NewEngine(fixedClock())
	if _, err := e.CreatePool("BTC/USDT", "BTC", "USDT", d("0.30")); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	if _, err := e.CreatePool("USDT/BTC", "USDT", "BTC", d("0.30")); !errors.Is(err, dexerr.ErrValidation) {
		t.Errorf("reversed pair should collide with the existing pool, got %v", err)
	}
}

func TestFirstDepositMintsGeometricMean(t *testing.T) {
	e := NewEngine(fixedClock())
	pool, _ := e.CreatePool("BTC/USDT", "BTC", "USDT", d("0.30"))

	pos, minted, err := e.AddLiquidity(1, pool.ID, d("1000"), d("10000"))
	if err != nil {
		t.Fatalf("add liquidity: %v", err)
	}

	// sqrt(1000 * 10000)
	if !minted.Equal(d("3162.27766017")) {
		t.Errorf("expected 3162.27766017 shares, got %s", minted)
	}
	if !pos.Shares.Equal(minted) {
		t.Errorf("position should hold the minted shares")
	}

	got, _ := e.Pool(pool.ID)
	if !got.ReserveA.Equal(d("1000")) || !got.ReserveB.Equal(d("10000")) {
		t.Errorf("reserves not recorded: %s / %s", got.ReserveA, got.ReserveB)
	}
	if !got.TotalShares.Equal(minted) {
		t.Errorf("total shares should equal the first mint")
	}
}

func TestLaterDepositUsesMinRule(t *testing.T) {
	e := NewEngine(fixedClock())
	pool, _ := e.CreatePool("BTC/USDT", "BTC", "USDT", d("0.30"))
	_, first, _ := e.AddLiquidity(1, pool.ID, d("1000"), d("10000"))

	// 100 of A is 10% of the pool, 500 of B only 5%: the skewed deposit
	// mints on the smaller fraction
	_, minted, err := e.AddLiquidity(2, pool.ID, d("100"), d("500"))
	if err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	want := d("500").Mul(first).Div(d("10000"))
	if !minted.Equal(want) {
		t.Errorf("expected %s shares, got %s", want, minted)
	}

	got, _ := e.Pool(pool.ID)
	if !got.TotalShares.Equal(first.Add(minted)) {
		t.Errorf("total shares should accumulate")
	}
}

func TestRepeatDepositGrowsPosition(t *testing.T) {
	e := NewEngine(fixedClock())
	pool, _ := e.CreatePool("BTC/USDT", "BTC", "USDT", d("0.30"))
	first, m1, _ := e.AddLiquidity(1, pool.ID, d("100"), d("100"))
	second, m2, _ := e.AddLiquidity(1, pool.ID, d("100"), d("100"))

	if first.ID != second.ID {
		t.Errorf("same user and pool should reuse the position, got %d and %d", first.ID, second.ID)
	}
	if !second.Shares.Equal(m1.Add(m2)) {
		t.Errorf("shares should accumulate: %s vs %s", second.Shares, m1.Add(m2))
	}
	if len(e.UserPositions(1)) != 1 {
		t.Errorf("expected a single position")
	}
}

func TestSwapConstantProduct(t *testing.T) {
	e := NewEngine(fixedClock())
	pool, _ := e.CreatePool("BTC/USDT", "BTC", "USDT", d("0.30"))
	e.AddLiquidity(1, pool.ID, d("100"), d("100000"))

	tx, err := e.Swap(2, pool.ID, "BTC", d("10"))
	if err != nil {
		t.Fatalf("swap: %v", err)
	}

	// fee 10 * 0.30% = 0.03, net input 9.97
	if !tx.FeeAmount.Equal(d("0.03")) {
		t.Errorf("expected fee 0.03, got %s", tx.FeeAmount)
	}
	// 100000 * 9.97 / (100 + 9.97)
	if !tx.ToAmount.Round(8).Equal(d("9066.10893880")) {
		t.Errorf("expected output 9066.10893880, got %s", tx.ToAmount.Round(8))
	}
	if tx.FromToken != "BTC" || tx.ToToken != "USDT" {
		t.Errorf("wrong token direction: %s -> %s", tx.FromToken, tx.ToToken)
	}

	got, _ := e.Pool(pool.ID)
	// the fee is held out of the reserves
	if !got.ReserveA.Equal(d("109.97")) {
		t.Errorf("expected reserve A 109.97, got %s", got.ReserveA)
	}
	if !got.ReserveB.Equal(d("100000").Sub(tx.ToAmount)) {
		t.Errorf("reserve B should drop by the output")
	}
	if !got.AccumulatedFeesA.Equal(d("0.03")) {
		t.Errorf("expected accumulated fees 0.03, got %s", got.AccumulatedFeesA)
	}

	swaps := e.UserSwaps(2)
	if len(swaps) != 1 || swaps[0].ID != tx.ID {
		t.Errorf("swap history should record the trade")
	}
}

func TestSwapValidation(t *testing.T) {
	e := NewEngine(fixedClock())
	pool, _ := e.CreatePool("BTC/USDT", "BTC", "USDT", d("0.30"))

	if _, err := e.Swap(2, pool.ID, "BTC", d("0")); !errors.Is(err, dexerr.ErrValidation) {
		t.Errorf("zero amount should fail, got %v", err)
	}
	if _, err := e.Swap(2, pool.ID, "DOGE", d("1")); !errors.Is(err, dexerr.ErrValidation) {
		t.Errorf("foreign token should fail, got %v", err)
	}
	if _, err := e.Swap(2, 99, "BTC", d("1")); !errors.Is(err, dexerr.ErrNotFound) {
		t.Errorf("unknown pool should fail, got %v", err)
	}
	// empty pool cannot pay out anything
	if _, err := e.Swap(2, pool.ID, "BTC", d("1")); !errors.Is(err, dexerr.ErrInsufficientLiquidity) {
		t.Errorf("empty pool should report insufficient liquidity, got %v", err)
	}
}

func TestSwapFeesSplitByShare(t *testing.T) {
	e := NewEngine(fixedClock())
	pool, _ := e.CreatePool("BTC/USDT", "BTC", "USDT", d("0.30"))

	// 60/40 split of the pool
	e.AddLiquidity(1, pool.ID, d("600"), d("600"))
	e.AddLiquidity(2, pool.ID, d("400"), d("400"))

	if _, err := e.Swap(3, pool.ID, "BTC", d("10")); err != nil {
		t.Fatalf("swap: %v", err)
	}

	posA := e.UserPositions(1)[0]
	posB := e.UserPositions(2)[0]
	if !posA.UnclaimedFeesA.Equal(d("0.018")) {
		t.Errorf("60%% provider should earn 0.018, got %s", posA.UnclaimedFeesA)
	}
	if !posB.UnclaimedFeesA.Equal(d("0.012")) {
		t.Errorf("40%% provider should earn 0.012, got %s", posB.UnclaimedFeesA)
	}
	if !posA.UnclaimedFeesB.IsZero() || !posB.UnclaimedFeesB.IsZero() {
		t.Errorf("fee was paid in token A only")
	}

	// fees sum exactly to the pool's accumulated counter
	got, _ := e.Pool(pool.ID)
	total := posA.UnclaimedFeesA.Add(posB.UnclaimedFeesA)
	if !total.Equal(got.AccumulatedFeesA) {
		t.Errorf("distributed %s but pool accumulated %s", total, got.AccumulatedFeesA)
	}
}

func TestUnevenFeeSplitStaysClaimable(t *testing.T) {
	e := NewEngine(fixedClock())
	pool, _ := e.CreatePool("BTC/USDT", "BTC", "USDT", d("0.30"))

	// seven equal providers: 1/7 of the fee does not divide evenly
	var positions []int
	for user := 1; user <= 7; user++ {
		pos, _, err := e.AddLiquidity(user, pool.ID, d("100"), d("100"))
		if err != nil {
			t.Fatalf("add liquidity: %v", err)
		}
		positions = append(positions, pos.ID)
	}

	if _, err := e.Swap(8, pool.ID, "BTC", d("10")); err != nil {
		t.Fatalf("swap: %v", err)
	}

	// the distributed credits sum exactly to the pool counter
	var distributed decimal.Decimal
	for _, id := range positions {
		pos, _ := e.Position(id)
		distributed = distributed.Add(pos.UnclaimedFeesA)
	}
	got, _ := e.Pool(pool.ID)
	if !distributed.Equal(got.AccumulatedFeesA) {
		t.Fatalf("distributed %s but pool accumulated %s", distributed, got.AccumulatedFeesA)
	}

	// every provider can claim, including the last one
	var claimed decimal.Decimal
	for user := 1; user <= 7; user++ {
		claimedA, _, err := e.ClaimFees(user, positions[user-1])
		if err != nil {
			t.Fatalf("claim for user %d: %v", user, err)
		}
		claimed = claimed.Add(claimedA)
	}
	if !claimed.Equal(d("0.03")) {
		t.Errorf("expected claims to total 0.03, got %s", claimed)
	}
	got, _ = e.Pool(pool.ID)
	if !got.AccumulatedFeesA.IsZero() {
		t.Errorf("pool counter should be emptied, got %s", got.AccumulatedFeesA)
	}
}

func TestRemoveLiquidity(t *testing.T) {
	e := NewEngine(fixedClock())
	pool, _ := e.CreatePool("BTC/USDT", "BTC", "USDT", d("0.30"))
	pos, minted, _ := e.AddLiquidity(1, pool.ID, d("1000"), d("4000"))

	half := minted.Div(d("2"))
	amountA, amountB, err := e.RemoveLiquidity(1, pos.ID, half)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !amountA.Equal(d("500")) || !amountB.Equal(d("2000")) {
		t.Errorf("expected proportional 500/2000, got %s/%s", amountA, amountB)
	}

	if _, _, err := e.RemoveLiquidity(2, pos.ID, half); !errors.Is(err, dexerr.ErrUnauthorized) {
		t.Errorf("foreign withdrawal should be unauthorized, got %v", err)
	}
	if _, _, err := e.RemoveLiquidity(1, pos.ID, minted); !errors.Is(err, dexerr.ErrValidation) {
		t.Errorf("over-withdrawal should fail, got %v", err)
	}

	// withdrawing the rest deletes the position
	if _, _, err := e.RemoveLiquidity(1, pos.ID, half); err != nil {
		t.Fatalf("remove rest: %v", err)
	}
	if _, err := e.Position(pos.ID); !errors.Is(err, dexerr.ErrNotFound) {
		t.Errorf("emptied position should be deleted, got %v", err)
	}

	got, _ := e.Pool(pool.ID)
	if !got.TotalShares.IsZero() {
		t.Errorf("expected zero total shares, got %s", got.TotalShares)
	}
	if !got.ReserveA.IsZero() || !got.ReserveB.IsZero() {
		t.Errorf("expected drained reserves, got %s/%s", got.ReserveA, got.ReserveB)
	}
}

func TestClaimFees(t *testing.T) {
	e := NewEngine(fixedClock())
	pool, _ := e.CreatePool("BTC/USDT", "BTC", "USDT", d("0.30"))
	pos, _, _ := e.AddLiquidity(1, pool.ID, d("100"), d("100000"))
	e.Swap(2, pool.ID, "BTC", d("10"))

	claimedA, claimedB, err := e.ClaimFees(1, pos.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimedA.Equal(d("0.03")) || !claimedB.IsZero() {
		t.Errorf("expected claim of 0.03/0, got %s/%s", claimedA, claimedB)
	}

	got, _ := e.Pool(pool.ID)
	if !got.AccumulatedFeesA.IsZero() {
		t.Errorf("claim should deduct from the pool's counter, got %s", got.AccumulatedFeesA)
	}

	// nothing left to claim
	claimedA, claimedB, err = e.ClaimFees(1, pos.ID)
	if err != nil || !claimedA.IsZero() || !claimedB.IsZero() {
		t.Errorf("second claim should be a zero no-op, got %s/%s err %v", claimedA, claimedB, err)
	}

	if _, _, err := e.ClaimFees(2, pos.ID); !errors.Is(err, dexerr.ErrUnauthorized) {
		t.Errorf("foreign claim should be unauthorized, got %v", err)
	}
}

func TestClaimExceedingPoolFeesIsRejected(t *testing.T) {
	e := NewEngine(fixedClock())
	pool, _ := e.CreatePool("BTC/USDT", "BTC", "USDT", d("0.30"))
	pos, _, _ := e.AddLiquidity(1, pool.ID, d("100"), d("100000"))
	e.Swap(2, pool.ID, "BTC", d("10"))

	// corrupt the pool counter below the position's entitlement
	ps := e.pools[pool.ID]
	ps.mu.Lock()
	ps.pool.AccumulatedFeesA = d("0.01")
	ps.mu.Unlock()

	if _, _, err := e.ClaimFees(1, pos.ID); !errors.Is(err, dexerr.ErrInsufficientPoolFees) {
		t.Errorf("expected insufficient pool fees, got %v", err)
	}

	// the failed claim must not zero the position's credit
	got, _ := e.Position(pos.ID)
	if !got.UnclaimedFeesA.Equal(d("0.03")) {
		t.Errorf("unclaimed credit should survive a failed claim, got %s", got.UnclaimedFeesA)
	}
}

func TestConcurrentSwapsConserveFees(t *testing.T) {
	e := NewEngine(fixedClock())
	pool, _ := e.CreatePool("BTC/USDT", "BTC", "USDT", d("0.30"))
	e.AddLiquidity(1, pool.ID, d("600000"), d("600000"))
	e.AddLiquidity(2, pool.ID, d("400000"), d("400000"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(user int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := e.Swap(user, pool.ID, "BTC", d("10")); err != nil {
					t.Errorf("swap: %v", err)
					return
				}
			}
		}(10 + i)
	}
	wg.Wait()

	got, _ := e.Pool(pool.ID)
	var distributed decimal.Decimal
	for _, user := range []int{1, 2} {
		for _, pos := range e.UserPositions(user) {
			distributed = distributed.Add(pos.UnclaimedFeesA)
		}
	}
	if !distributed.Equal(got.AccumulatedFeesA) {
		t.Errorf("distributed %s but pool accumulated %s", distributed, got.AccumulatedFeesA)
	}
	// 160 swaps of 10 at 0.30% fee
	if !got.AccumulatedFeesA.Equal(d("4.8")) {
		t.Errorf("expected total fees 4.8, got %s", got.AccumulatedFeesA)
	}
}
