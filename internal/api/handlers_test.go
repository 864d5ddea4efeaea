package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defitome/dexcore/internal/amm"
	"github.com/defitome/dexcore/internal/exchange"
	"github.com/defitome/dexcore/internal/p2p"
)

// richOracle lets market buys pass the solvency check without trade history.
type richOracle struct{}

func (richOracle) TokenBalance(userID int, token string) decimal.Decimal {
	return decimal.NewFromInt(1_000_000_000)
}

func newTestRouter() *chi.Mux {
	ex := exchange.NewEngine(exchange.Config{Oracle: richOracle{}, MarketMaker: 1000})
	pools := amm.NewEngine(nil)
	swaps := p2p.NewService(nil)
	h := NewHandler(nil, ex, pools, swaps)

	r := chi.NewRouter()
	r.Post("/pairs", h.CreatePair)
	r.Get("/pairs", h.ListPairs)
	r.Delete("/pairs/{id}", h.DeactivatePair)
	r.Get("/pairs/{id}/stats", h.GetPairStats)
	r.Get("/pairs/{id}/book", h.GetOrderBook)
	r.Get("/pairs/{id}/trades", h.GetPairTrades)
	r.Post("/pairs/{id}/seed", h.SeedMarket)
	r.Post("/orders/limit", h.PlaceLimitOrder)
	r.Post("/orders/market", h.PlaceMarketOrder)
	r.Post("/orders/stop", h.PlaceStopLoss)
	r.Get("/orders", h.GetUserOrders)
	r.Delete("/orders/{id}", h.CancelOrder)
	r.Delete("/stops/{id}", h.CancelStopLoss)
	r.Get("/trades", h.GetUserTrades)
	r.Get("/balances/{token}", h.GetBalance)
	r.Post("/pools", h.CreatePool)
	r.Get("/pools", h.ListPools)
	r.Get("/pools/{id}", h.GetPool)
	r.Post("/pools/{id}/swap", h.SwapTokens)
	r.Post("/pools/{id}/liquidity", h.AddLiquidity)
	r.Delete("/positions/{id}", h.RemoveLiquidity)
	r.Post("/positions/{id}/claim", h.ClaimFees)
	r.Get("/positions", h.GetUserPositions)
	r.Get("/swaps", h.GetUserSwaps)
	r.Post("/offers", h.CreateOffer)
	r.Get("/offers", h.GetAvailableOffers)
	r.Get("/offers/mine", h.GetMyOffers)
	r.Get("/offers/{id}", h.GetOffer)
	r.Post("/offers/{id}/accept", h.AcceptOffer)
	r.Delete("/offers/{id}", h.CancelOffer)
	r.Get("/offers/history", h.GetSwapHistory)
	return r
}

func doRequest(t *testing.T, router *chi.Mux, method, path string, userID int, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID > 0 {
		req.Header.Set("X-Account-ID", fmt.Sprintf("%d", userID))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestMissingAccountHeader(t *testing.T) {
	router := newTestRouter()
	rec := doRequest(t, router, http.MethodPost, "/pairs", 0, map[string]string{
		"base_token": "BTC", "quote_token": "USDT",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "X-Account-ID")
}

func TestPairLifecycle(t *testing.T) {
	router := newTestRouter()

	rec := doRequest(t, router, http.MethodPost, "/pairs", 1, map[string]string{
		"base_token": "BTC", "quote_token": "USDT",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	pair := decode(t, rec)
	assert.Equal(t, float64(1), pair["id"])
	assert.Equal(t, "BTC", pair["base_token"])

	rec = doRequest(t, router, http.MethodPost, "/pairs", 1, map[string]string{
		"base_token": "BTC", "quote_token": "USDT",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/pairs", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pairs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pairs))
	assert.Len(t, pairs, 1)

	rec = doRequest(t, router, http.MethodDelete, "/pairs/1", 1, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// orders on a deactivated pair are rejected
	rec = doRequest(t, router, http.MethodPost, "/orders/limit", 2, map[string]interface{}{
		"pair_id": 1, "side": "buy", "price": "10", "quantity": "1",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOrderFlow(t *testing.T) {
	router := newTestRouter()
	doRequest(t, router, http.MethodPost, "/pairs", 1, map[string]string{
		"base_token": "BTC", "quote_token": "USDT",
	})

	rec := doRequest(t, router, http.MethodPost, "/orders/limit", 2, map[string]interface{}{
		"pair_id": 1, "side": "sell", "price": "9", "quantity": "3",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/orders/limit", 1, map[string]interface{}{
		"pair_id": 1, "side": "buy", "price": "10", "quantity": "5",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode(t, rec)
	execs := resp["executions"].([]interface{})
	require.Len(t, execs, 1)
	assert.Equal(t, "9", execs[0].(map[string]interface{})["price"])

	// derived balance from the fill
	rec = doRequest(t, router, http.MethodGet, "/balances/BTC", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", decode(t, rec)["balance"])

	// remainder rests in the book
	rec = doRequest(t, router, http.MethodGet, "/pairs/1/book", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	book := decode(t, rec)
	assert.Len(t, book["buy_orders"], 1)
	assert.Empty(t, book["sell_orders"])

	// invalid side
	rec = doRequest(t, router, http.MethodPost, "/orders/limit", 1, map[string]interface{}{
		"pair_id": 1, "side": "hodl", "price": "10", "quantity": "5",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// market order with an empty opposing side
	rec = doRequest(t, router, http.MethodPost, "/orders/market", 1, map[string]interface{}{
		"pair_id": 1, "side": "buy", "quantity": "1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// cancel the resting remainder
	book = decode(t, doRequest(t, router, http.MethodGet, "/pairs/1/book", 1, nil))
	orderID := int(book["buy_orders"].([]interface{})[0].(map[string]interface{})["id"].(float64))
	rec = doRequest(t, router, http.MethodDelete, fmt.Sprintf("/orders/%d", orderID), 1, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/orders/999", 1, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopOrderEndpoints(t *testing.T) {
	router := newTestRouter()
	doRequest(t, router, http.MethodPost, "/pairs", 1, map[string]string{
		"base_token": "BTC", "quote_token": "USDT",
	})

	rec := doRequest(t, router, http.MethodPost, "/orders/stop", 4, map[string]interface{}{
		"pair_id": 1, "side": "sell", "trigger_price": "9", "quantity": "2",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	stop := decode(t, rec)
	stopID := int(stop["id"].(float64))
	assert.Equal(t, "pending", stop["status"])

	// someone else cannot cancel it
	rec = doRequest(t, router, http.MethodDelete, fmt.Sprintf("/stops/%d", stopID), 5, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, fmt.Sprintf("/stops/%d", stopID), 4, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode(t, rec)["status"])
}

func TestPoolEndpoints(t *testing.T) {
	router := newTestRouter()

	rec := doRequest(t, router, http.MethodPost, "/pools", 1, map[string]interface{}{
		"name": "BTC/USDT", "token_a": "BTC", "token_b": "USDT", "fee_percentage": "0.30",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/pools/1/liquidity", 1, map[string]interface{}{
		"amount_a": "100", "amount_b": "100000",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/pools/1/swap", 2, map[string]interface{}{
		"from_token": "BTC", "amount": "10",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	swap := decode(t, rec)
	assert.Equal(t, "0.03", swap["fee_amount"])
	assert.Equal(t, "USDT", swap["to_token"])

	rec = doRequest(t, router, http.MethodGet, "/positions", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var positions []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &positions))
	require.Len(t, positions, 1)
	assert.Equal(t, "0.03", positions[0]["unclaimed_fees_a"])

	rec = doRequest(t, router, http.MethodPost, "/positions/1/claim", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0.03", decode(t, rec)["claimed_a"])

	// swapping against an unknown pool
	rec = doRequest(t, router, http.MethodPost, "/pools/99/swap", 2, map[string]interface{}{
		"from_token": "BTC", "amount": "10",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOfferEndpoints(t *testing.T) {
	router := newTestRouter()

	rec := doRequest(t, router, http.MethodPost, "/offers", 1, map[string]interface{}{
		"offer_token": "BTC", "offer_amount": "1", "request_token": "USDT", "request_amount": "50000",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	offerID := int(decode(t, rec)["id"].(float64))

	// visible to others, not to the initiator
	rec = doRequest(t, router, http.MethodGet, "/offers", 2, nil)
	var available []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &available))
	assert.Len(t, available, 1)
	rec = doRequest(t, router, http.MethodGet, "/offers", 1, nil)
	var ownView []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ownView))
	assert.Empty(t, ownView)

	// the initiator cannot accept their own offer
	rec = doRequest(t, router, http.MethodPost, fmt.Sprintf("/offers/%d/accept", offerID), 1, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, fmt.Sprintf("/offers/%d/accept", offerID), 2, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tx := decode(t, rec)
	assert.Equal(t, float64(1), tx["initiator_id"])
	assert.Equal(t, float64(2), tx["counterparty_id"])

	rec = doRequest(t, router, http.MethodGet, fmt.Sprintf("/offers/%d", offerID), 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode(t, rec)
	assert.Equal(t, "completed", detail["offer"].(map[string]interface{})["status"])

	rec = doRequest(t, router, http.MethodGet, "/offers/history", 2, nil)
	var history []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history, 1)
}
