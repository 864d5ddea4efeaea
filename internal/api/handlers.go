// Package api exposes the exchange, pool, and P2P engines over HTTP.
// Callers identify themselves with the X-Account-ID header; transport
// authentication is out of scope for the testnet deployment.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/defitome/dexcore/internal/amm"
	"github.com/defitome/dexcore/internal/db"
	"github.com/defitome/dexcore/internal/dexerr"
	"github.com/defitome/dexcore/internal/exchange"
	"github.com/defitome/dexcore/internal/models"
	"github.com/defitome/dexcore/internal/p2p"
)

// Handler contains dependencies for HTTP handlers. DB is optional: when nil
// the engines run purely in memory and nothing is mirrored.
type Handler struct {
	DB       *db.DB
	Exchange *exchange.Engine
	Pools    *amm.Engine
	P2P      *p2p.Service
}

// NewHandler creates a new handler
func NewHandler(database *db.DB, ex *exchange.Engine, pools *amm.Engine, swaps *p2p.Service) *Handler {
	return &Handler{DB: database, Exchange: ex, Pools: pools, P2P: swaps}
}

// accountID extracts the caller's account from the X-Account-ID header.
func accountID(r *http.Request) (int, error) {
	raw := r.Header.Get("X-Account-ID")
	if raw == "" {
		return 0, errors.New("X-Account-ID header required")
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, errors.New("X-Account-ID must be a positive integer")
	}
	return id, nil
}

func urlID(r *http.Request, name string) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || id <= 0 {
		return 0, errors.New("invalid " + name)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr maps engine error kinds onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dexerr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, dexerr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dexerr.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, dexerr.ErrInvalidState), errors.Is(err, dexerr.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, dexerr.ErrInsufficientLiquidity),
		errors.Is(err, dexerr.ErrInsufficientBalance),
		errors.Is(err, dexerr.ErrInsufficientPoolFees):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// mirror persists a record best-effort; the in-memory engines are the
// source of truth, so mirror failures are logged and the request succeeds.
func (h *Handler) mirror(r *http.Request, what string, fn func() error) {
	if h.DB == nil {
		return
	}
	if err := fn(); err != nil {
		logrus.WithFields(logrus.Fields{"record": what, "path": r.URL.Path}).
			WithError(err).Warnln("Failed to mirror record to database")
	}
}

// mirrorMatchedOrders re-saves the resting orders whose fill state a match
// pass advanced, so the mirrored rows track the book. placedID is the
// incoming order, already mirrored separately.
func (h *Handler) mirrorMatchedOrders(r *http.Request, execs []models.OrderExecution, placedID int) {
	if h.DB == nil || len(execs) == 0 {
		return
	}
	var ids []int
	for _, exec := range execs {
		if exec.BuyOrderID != placedID {
			ids = append(ids, exec.BuyOrderID)
		}
		if exec.SellOrderID != placedID {
			ids = append(ids, exec.SellOrderID)
		}
	}
	for _, order := range h.Exchange.Orders(ids...) {
		order := order
		h.mirror(r, "limit order", func() error { return h.DB.SaveLimitOrder(r.Context(), order) })
	}
}

// CreatePair registers a trading pair
func (h *Handler) CreatePair(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var req struct {
		BaseToken  string `json:"base_token"`
		QuoteToken string `json:"quote_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	pair, err := h.Exchange.CreatePair(userID, req.BaseToken, req.QuoteToken)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.mirror(r, "pair", func() error { return h.DB.SavePair(r.Context(), pair) })
	writeJSON(w, http.StatusCreated, pair)
}

// ListPairs lists all trading pairs
func (h *Handler) ListPairs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Exchange.Pairs())
}

// DeactivatePair closes a pair to new orders
func (h *Handler) DeactivatePair(w http.ResponseWriter, r *http.Request) {
	pairID, err := urlID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := h.Exchange.DeactivatePair(pairID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "pair deactivated"})
}

// GetPairStats returns the rolling 24h statistics for a pair
func (h *Handler) GetPairStats(w http.ResponseWriter, r *http.Request) {
	pairID, err := urlID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	stats, err := h.Exchange.PairStats(pairID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetOrderBook retrieves the current order book for a pair
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	pairID, err := urlID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	depth := 0
	if raw := r.URL.Query().Get("depth"); raw != "" {
		if depth, err = strconv.Atoi(raw); err != nil || depth < 0 {
			writeBadRequest(w, "invalid depth")
			return
		}
	}
	buys, sells, err := h.Exchange.OrderBook(pairID, depth)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"buy_orders":  buys,
		"sell_orders": sells,
	})
}

// GetPairTrades returns recent executions for a pair, newest first
func (h *Handler) GetPairTrades(w http.ResponseWriter, r *http.Request) {
	pairID, err := urlID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			writeBadRequest(w, "invalid limit")
			return
		}
	}
	writeJSON(w, http.StatusOK, h.Exchange.Executions(pairID, limit))
}

// SeedMarket populates a pair's sell side with market-maker inventory
func (h *Handler) SeedMarket(w http.ResponseWriter, r *http.Request) {
	pairID, err := urlID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var req struct {
		TotalQuantity decimal.Decimal `json:"total_quantity"`
		NumOrders     int             `json:"num_orders"`
		TargetRevenue decimal.Decimal `json:"target_revenue"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	created, err := h.Exchange.SeedMarket(pairID, req.TotalQuantity, req.NumOrders, req.TargetRevenue)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"orders_created": created})
}

// PlaceLimitOrder places a limit order and reports any immediate fills
func (h *Handler) PlaceLimitOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var req struct {
		PairID   int             `json:"pair_id"`
		Side     models.Side     `json:"side"`
		Price    decimal.Decimal `json:"price"`
		Quantity decimal.Decimal `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	order, execs, err := h.Exchange.PlaceLimitOrder(userID, req.PairID, req.Side, req.Price, req.Quantity)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.mirror(r, "limit order", func() error { return h.DB.SaveLimitOrder(r.Context(), order) })
	for _, exec := range execs {
		exec := exec
		h.mirror(r, "execution", func() error { return h.DB.SaveExecution(r.Context(), exec) })
	}
	h.mirrorMatchedOrders(r, execs, order.ID)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"order":      order,
		"executions": execs,
	})
}

// PlaceMarketOrder sweeps the book at the best available prices
func (h *Handler) PlaceMarketOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var req struct {
		PairID   int             `json:"pair_id"`
		Side     models.Side     `json:"side"`
		Quantity decimal.Decimal `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	order, execs, err := h.Exchange.PlaceMarketOrder(userID, req.PairID, req.Side, req.Quantity)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.mirror(r, "market order", func() error { return h.DB.SaveMarketOrder(r.Context(), order) })
	for _, exec := range execs {
		exec := exec
		h.mirror(r, "execution", func() error { return h.DB.SaveExecution(r.Context(), exec) })
	}
	h.mirrorMatchedOrders(r, execs, 0)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"order":      order,
		"executions": execs,
	})
}

// PlaceStopLoss arms a stop-loss order
func (h *Handler) PlaceStopLoss(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var req struct {
		PairID       int             `json:"pair_id"`
		Side         models.Side     `json:"side"`
		TriggerPrice decimal.Decimal `json:"trigger_price"`
		Quantity     decimal.Decimal `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	stop, err := h.Exchange.PlaceStopLossOrder(userID, req.PairID, req.Side, req.TriggerPrice, req.Quantity)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.mirror(r, "stop order", func() error { return h.DB.SaveStopOrder(r.Context(), stop) })
	writeJSON(w, http.StatusCreated, stop)
}

// CancelOrder cancels an open limit order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	orderID, err := urlID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	order, err := h.Exchange.CancelOrder(orderID, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.mirror(r, "limit order", func() error {
		err := h.DB.CancelOrder(r.Context(), orderID, userID)
		if errors.Is(err, dexerr.ErrNotFound) {
			// the row was never mirrored; write the cancelled state directly
			return h.DB.SaveLimitOrder(r.Context(), order)
		}
		return err
	})
	writeJSON(w, http.StatusOK, order)
}

// CancelStopLoss cancels a pending stop-loss order
func (h *Handler) CancelStopLoss(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	stopID, err := urlID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	stop, err := h.Exchange.CancelStopLoss(stopID, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.mirror(r, "stop order", func() error { return h.DB.SaveStopOrder(r.Context(), stop) })
	writeJSON(w, http.StatusOK, stop)
}

// GetUserOrders retrieves the caller's orders of all kinds
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	limits, sweeps, stops := h.Exchange.UserOrders(userID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"limit_orders":  limits,
		"market_orders": sweeps,
		"stop_orders":   stops,
	})
}

// GetUserTrades retrieves the caller's trade history. With a database
// configured the mirrored tape serves the request, since it survives
// restarts; the in-memory tape is the fallback.
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			writeBadRequest(w, "invalid limit")
			return
		}
	}
	if h.DB != nil {
		trades, err := h.DB.UserExecutions(r.Context(), userID)
		if err == nil {
			if limit > 0 && len(trades) > limit {
				trades = trades[:limit]
			}
			writeJSON(w, http.StatusOK, trades)
			return
		}
		logrus.WithError(err).Warnln("Falling back to in-memory trade history")
	}
	writeJSON(w, http.StatusOK, h.Exchange.UserTrades(userID, limit))
}

// GetBalance returns the caller's derived balance for one token
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	token := chi.URLParam(r, "token")
	if token == "" {
		writeBadRequest(w, "token symbol required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":   token,
		"balance": h.Exchange.TokenBalance(userID, token),
	})
}

// CreatePool registers a liquidity pool
func (h *Handler) CreatePool(w http.ResponseWriter, r *http.Request) {
	if _, err := accountID(r); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var req struct {
		Name          string          `json:"name"`
		TokenA        string          `json:"token_a"`
		TokenB        string          `json:"token_b"`
		FeePercentage decimal.Decimal `json:"fee_percentage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	pool, err := h.Pools.CreatePool(req.Name, req.TokenA, req.TokenB, req.FeePercentage)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.mirror(r, "pool", func() error { return h.DB.SavePool(r.Context(), pool) })
	writeJSON(w, http.StatusCreated, pool)
}

// ListPools lists all liquidity pools
func (h *Handler) ListPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Pools.Pools())
}

// GetPool returns one pool
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	poolID, err := urlID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	pool, err := h.Pools.Pool(poolID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// SwapTokens executes a constant-product swap against a pool
func (h *Handler) SwapTokens(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	poolID, err := urlID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var req struct {
		FromToken string          `json:"from_token"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	tx, err := h.Pools.Swap(userID, poolID, req.FromToken, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.mirror(r, "swap", func() error { return h.DB.SaveSwap(r.Context(), tx) })
	if pool, perr := h.Pools.Pool(poolID); perr == nil {
		h.mirror(r, "pool", func() error { return h.DB.SavePool(r.Context(), pool) })
	}
	writeJSON(w, http.StatusCreated, tx)
}

// AddLiquidity deposits into a pool and mints shares
func (h *Handler) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	poolID, err := urlID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var req struct {
		AmountA decimal.Decimal `json:"amount_a"`
		AmountB decimal.Decimal `json:"amount_b"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	pos, minted, err := h.Pools.AddLiquidity(userID, poolID, req.AmountA, req.AmountB)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.mirror(r, "position", func() error { return h.DB.SavePosition(r.Context(), pos) })
	if pool, perr := h.Pools.Pool(poolID); perr == nil {
		h.mirror(r, "pool", func() error { return h.DB.SavePool(r.Context(), pool) })
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"position":      pos,
		"shares_minted": minted,
	})
}

// RemoveLiquidity burns shares for a proportional withdrawal
func (h *Handler) RemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	positionID, err := urlID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var req struct {
		Shares decimal.Decimal `json:"shares"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	amountA, amountB, err := h.Pools.RemoveLiquidity(userID, positionID, req.Shares)
	if err != nil {
		writeErr(w, err)
		return
	}
	if pos, perr := h.Pools.Position(positionID); perr == nil {
		h.mirror(r, "position", func() error { return h.DB.SavePosition(r.Context(), pos) })
	} else {
		h.mirror(r, "position", func() error { return h.DB.DeletePosition(r.Context(), positionID) })
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"amount_a": amountA,
		"amount_b": amountB,
	})
}

// ClaimFees withdraws a position's accrued swap fees
func (h *Handler) ClaimFees(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	positionID, err := urlID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	claimedA, claimedB, err := h.Pools.ClaimFees(userID, positionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if pos, perr := h.Pools.Position(positionID); perr == nil {
		h.mirror(r, "position", func() error { return h.DB.SavePosition(r.Context(), pos) })
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"claimed_a": claimedA,
		"claimed_b": claimedB,
	})
}

// GetUserPositions lists the caller's liquidity positions
func (h *Handler) GetUserPositions(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.Pools.UserPositions(userID))
}

// GetUserSwaps lists the caller's pool swap history
func (h *Handler) GetUserSwaps(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.Pools.UserSwaps(userID))
}

// CreateOffer posts a P2P swap offer
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var req struct {
		CounterpartyID int             `json:"counterparty_id"`
		OfferToken     string          `json:"offer_token"`
		OfferAmount    decimal.Decimal `json:"offer_amount"`
		RequestToken   string          `json:"request_token"`
		RequestAmount  decimal.Decimal `json:"request_amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	offer, err := h.P2P.CreateOffer(userID, req.CounterpartyID, req.OfferToken, req.OfferAmount, req.RequestToken, req.RequestAmount)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.mirror(r, "offer", func() error { return h.DB.SaveOffer(r.Context(), offer) })
	if escrow, eerr := h.P2P.Escrow(offer.ID); eerr == nil {
		h.mirror(r, "escrow", func() error { return h.DB.SaveEscrow(r.Context(), escrow) })
	}
	writeJSON(w, http.StatusCreated, offer)
}

// AcceptOffer settles an offer atomically
func (h *Handler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	offerID, err := urlID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	tx, err := h.P2P.AcceptOffer(userID, offerID)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.mirror(r, "p2p transaction", func() error { return h.DB.SaveP2PTransaction(r.Context(), tx) })
	if offer, oerr := h.P2P.Offer(offerID); oerr == nil {
		h.mirror(r, "offer", func() error { return h.DB.SaveOffer(r.Context(), offer) })
	}
	if escrow, eerr := h.P2P.Escrow(offerID); eerr == nil {
		h.mirror(r, "escrow", func() error { return h.DB.SaveEscrow(r.Context(), escrow) })
	}
	writeJSON(w, http.StatusOK, tx)
}

// CancelOffer withdraws a pending offer
func (h *Handler) CancelOffer(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	offerID, err := urlID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if err := h.P2P.CancelOffer(userID, offerID); err != nil {
		writeErr(w, err)
		return
	}
	if offer, oerr := h.P2P.Offer(offerID); oerr == nil {
		h.mirror(r, "offer", func() error { return h.DB.SaveOffer(r.Context(), offer) })
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "offer cancelled"})
}

// GetOffer returns one offer with its escrow state
func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	offerID, err := urlID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	offer, err := h.P2P.Offer(offerID)
	if err != nil {
		writeErr(w, err)
		return
	}
	escrow, err := h.P2P.Escrow(offerID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"offer":  offer,
		"escrow": escrow,
	})
}

// GetAvailableOffers lists offers the caller could accept
func (h *Handler) GetAvailableOffers(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.P2P.AvailableOffers(userID))
}

// GetMyOffers lists every offer the caller initiated
func (h *Handler) GetMyOffers(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.P2P.OffersBy(userID))
}

// GetSwapHistory lists the caller's settled P2P swaps
func (h *Handler) GetSwapHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := accountID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.P2P.HistoryFor(userID))
}
