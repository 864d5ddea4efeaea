package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/defitome/dexcore/internal/amm"
	"github.com/defitome/dexcore/internal/api"
	"github.com/defitome/dexcore/internal/db"
	"github.com/defitome/dexcore/internal/exchange"
	"github.com/defitome/dexcore/internal/models"
	"github.com/defitome/dexcore/internal/p2p"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type WSClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

var (
	clients   = make(map[*WSClient]bool)
	clientsMu sync.RWMutex
)

// broadcastOrderBooks pushes a snapshot of every active pair's book to all
// connected websocket clients.
func broadcastOrderBooks(ex *exchange.Engine) {
	type bookSnapshot struct {
		PairID     int                 `json:"pair_id"`
		BuyOrders  []models.LimitOrder `json:"buy_orders"`
		SellOrders []models.LimitOrder `json:"sell_orders"`
	}

	var books []bookSnapshot
	for _, pair := range ex.Pairs() {
		if !pair.IsActive {
			continue
		}
		buys, sells, err := ex.OrderBook(pair.ID, 0)
		if err != nil {
			continue
		}
		books = append(books, bookSnapshot{PairID: pair.ID, BuyOrders: buys, SellOrders: sells})
	}

	data, err := json.Marshal(map[string]interface{}{"order_books": books})
	if err != nil {
		logrus.WithError(err).Errorln("Failed to marshal order books")
		return
	}

	clientsMu.RLock()
	var stale []*WSClient
	for client := range clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			stale = append(stale, client)
		}
	}
	clientsMu.RUnlock()

	if len(stale) > 0 {
		clientsMu.Lock()
		for _, client := range stale {
			delete(clients, client)
			client.conn.Close()
		}
		clientsMu.Unlock()
	}
}

func handleWebSocket(ex *exchange.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.WithError(err).Errorln("Failed to upgrade connection")
			return
		}

		client := &WSClient{conn: conn}
		clientsMu.Lock()
		clients[client] = true
		clientsMu.Unlock()

		// Send initial snapshot
		broadcastOrderBooks(ex)

		// Keep connection alive and handle disconnection
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				clientsMu.Lock()
				delete(clients, client)
				clientsMu.Unlock()
				break
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	addr := flag.String("addr", envOr("DEXCORE_ADDR", ":8080"), "HTTP listen address")
	dbURL := flag.String("db-url", os.Getenv("DEXCORE_DB_URL"), "PostgreSQL connection string (empty disables persistence)")
	logLevel := flag.String("log-level", envOr("DEXCORE_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	stopMode := flag.String("stop-mode", envOr("DEXCORE_STOP_MODE", "sweep"), "stop-loss execution: sweep or trigger-price")
	marketMaker := flag.Int("market-maker", 1, "account id that owns seeded inventory")
	broadcastEvery := flag.Duration("broadcast-interval", 5*time.Second, "order book broadcast interval")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.WithField("level", *logLevel).Fatalln("Unknown log level")
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	mode := exchange.StopExecutionSweep
	if *stopMode == "trigger-price" {
		mode = exchange.StopExecutionTriggerPrice
	}

	ctx := context.Background()

	var database *db.DB
	if *dbURL != "" {
		database, err = db.NewDB(ctx, *dbURL)
		if err != nil {
			logrus.WithError(err).Fatalln("Failed to connect to database")
		}
		defer database.Close(ctx)
		if err := database.EnsureSchema(ctx); err != nil {
			logrus.WithError(err).Fatalln("Failed to ensure schema")
		}
	} else {
		logrus.Infoln("No database configured, running in memory only")
	}

	ex := exchange.NewEngine(exchange.Config{
		MarketMaker: *marketMaker,
		StopMode:    mode,
	})
	pools := amm.NewEngine(nil)
	swaps := p2p.NewService(nil)

	if database != nil {
		pairs, err := database.LoadPairs(ctx)
		if err != nil {
			logrus.WithError(err).Fatalln("Failed to load trading pairs")
		}
		orders, err := database.OpenOrders(ctx)
		if err != nil {
			logrus.WithError(err).Fatalln("Failed to load open orders")
		}
		if err := ex.Restore(pairs, orders); err != nil {
			logrus.WithError(err).Fatalln("Failed to restore order books")
		}
	}

	handler := api.NewHandler(database, ex, pools, swaps)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Account-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/ws", handleWebSocket(ex))

	r.Post("/pairs", handler.CreatePair)
	r.Get("/pairs", handler.ListPairs)
	r.Delete("/pairs/{id}", handler.DeactivatePair)
	r.Get("/pairs/{id}/stats", handler.GetPairStats)
	r.Get("/pairs/{id}/book", handler.GetOrderBook)
	r.Get("/pairs/{id}/trades", handler.GetPairTrades)
	r.Post("/pairs/{id}/seed", handler.SeedMarket)

	r.Post("/orders/limit", handler.PlaceLimitOrder)
	r.Post("/orders/market", handler.PlaceMarketOrder)
	r.Post("/orders/stop", handler.PlaceStopLoss)
	r.Get("/orders", handler.GetUserOrders)
	r.Delete("/orders/{id}", handler.CancelOrder)
	r.Delete("/stops/{id}", handler.CancelStopLoss)
	r.Get("/trades", handler.GetUserTrades)
	r.Get("/balances/{token}", handler.GetBalance)

	r.Post("/pools", handler.CreatePool)
	r.Get("/pools", handler.ListPools)
	r.Get("/pools/{id}", handler.GetPool)
	r.Post("/pools/{id}/swap", handler.SwapTokens)
	r.Post("/pools/{id}/liquidity", handler.AddLiquidity)
	r.Delete("/positions/{id}", handler.RemoveLiquidity)
	r.Post("/positions/{id}/claim", handler.ClaimFees)
	r.Get("/positions", handler.GetUserPositions)
	r.Get("/swaps", handler.GetUserSwaps)

	r.Post("/offers", handler.CreateOffer)
	r.Get("/offers", handler.GetAvailableOffers)
	r.Get("/offers/mine", handler.GetMyOffers)
	r.Get("/offers/{id}", handler.GetOffer)
	r.Post("/offers/{id}/accept", handler.AcceptOffer)
	r.Delete("/offers/{id}", handler.CancelOffer)
	r.Get("/offers/history", handler.GetSwapHistory)

	go func() {
		ticker := time.NewTicker(*broadcastEvery)
		for range ticker.C {
			broadcastOrderBooks(ex)
		}
	}()

	logrus.WithField("addr", *addr).Infoln("Starting server")
	if err := http.ListenAndServe(*addr, r); err != nil {
		logrus.WithError(err).Fatalln("Server failed")
	}
}
