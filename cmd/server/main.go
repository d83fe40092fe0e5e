package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/acdm/platform/internal/api"
	"github.com/acdm/platform/internal/auth"
	"github.com/acdm/platform/internal/config"
	"github.com/acdm/platform/internal/db"
	"github.com/acdm/platform/internal/models"
	"github.com/acdm/platform/internal/platform"
	"github.com/acdm/platform/internal/token"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// hub fans platform events out to websocket clients and mirrors them into
// the database. Emit runs under the platform lock, so it only enqueues.
type hub struct {
	db     *db.DB
	events chan models.Event

	clientsMu sync.RWMutex
	clients   map[*wsClient]bool
}

func newHub(database *db.DB) *hub {
	return &hub{
		db:      database,
		events:  make(chan models.Event, 256),
		clients: make(map[*wsClient]bool),
	}
}

// Emit implements platform.EventSink.
func (h *hub) Emit(event models.Event) {
	select {
	case h.events <- event:
	default:
		log.Printf("Event queue full, dropping %s", event.Type)
	}
}

func (h *hub) run(ctx context.Context) {
	for event := range h.events {
		if err := h.db.InsertEvent(ctx, &event); err != nil {
			log.Printf("Failed to store event %s: %v", event.Type, err)
		}
		data, err := json.Marshal(event)
		if err != nil {
			log.Printf("Failed to marshal event: %v", err)
			continue
		}
		h.broadcast(data)
	}
}

func (h *hub) broadcast(data []byte) {
	h.clientsMu.RLock()
	var dead []*wsClient
	for client := range h.clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			log.Printf("Failed to send message: %v", err)
			dead = append(dead, client)
		}
	}
	h.clientsMu.RUnlock()

	if len(dead) > 0 {
		h.clientsMu.Lock()
		for _, client := range dead {
			delete(h.clients, client)
		}
		h.clientsMu.Unlock()
	}
}

func (h *hub) broadcastOrderBook(p *platform.Platform) {
	snapshot := struct {
		Type   string         `json:"type"`
		Stage  string         `json:"stage"`
		Orders []models.Order `json:"orders"`
	}{
		Type:   "order_book",
		Stage:  p.StageName(),
		Orders: p.OpenOrders(),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		log.Printf("Failed to marshal order book: %v", err)
		return
	}
	h.broadcast(data)
}

func (h *hub) handleWebSocket(p *platform.Platform) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("Failed to upgrade connection: %v", err)
			return
		}

		client := &wsClient{conn: conn}
		h.clientsMu.Lock()
		h.clients[client] = true
		h.clientsMu.Unlock()

		// Send initial order book
		h.broadcastOrderBook(p)

		// Keep connection alive and handle disconnection
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.clientsMu.Lock()
				delete(h.clients, client)
				h.clientsMu.Unlock()
				break
			}
		}
	}
}

// Main entry point: deploys the ledger and platform, binds the controller
// capability, starts the sale and serves the HTTP API.
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	eventHub := newHub(database)
	go eventHub.run(ctx)

	// Deploy sequence: ledger first (leaf dependency), then the platform
	// referencing it, then the one-time capability grant, then the sale.
	ledger := token.NewLedger(cfg.OwnerAddress)
	market := platform.New(ledger, cfg.OwnerAddress, cfg.PlatformAddress,
		cfg.PlatformParams(), platform.WithEventSink(eventHub))
	if err := ledger.BindController(cfg.OwnerAddress, market.Self()); err != nil {
		log.Fatalf("Failed to bind controller: %v", err)
	}
	if err := market.StartSale(cfg.OwnerAddress); err != nil {
		log.Fatalf("Failed to start sale: %v", err)
	}
	round := market.CurrentRound()
	if err := database.InsertRound(ctx, &round); err != nil {
		log.Printf("Failed to mirror round 1: %v", err)
	}
	log.Printf("Sale started: round 1, price %s wei, supply %s", round.Price.Dec(), round.Supply.Dec())

	authService := auth.NewAuthService(database, cfg.JWTSecret)
	handler := api.NewHandler(database, ledger, market, authService)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WebSocket endpoint
	r.Get("/ws", eventHub.handleWebSocket(market))

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Get("/platform/stage", handler.GetStage)
	r.Get("/platform/sale", handler.GetSaleInfo)
	r.Get("/platform/tokens-for-ether", handler.CalcTokensForEther)
	r.Get("/platform/ether-for-tokens", handler.CalcEtherForTokens)
	r.Get("/orderbook", handler.GetOrderBook)
	r.Get("/orders/{id}", handler.GetOrder)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/platform/register", handler.RegisterReferral)
		r.Post("/platform/buy", handler.BuyAtContract)
		r.Post("/platform/change-stage", handler.ChangeStage)
		r.Post("/token/approve", handler.Approve)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetUserOrders)
		r.Post("/orders/{id}/buy", handler.BuyAtOrder)
		r.Delete("/orders/{id}", handler.CancelOrder)
		r.Get("/balances", handler.GetBalances)
		r.Post("/withdraw/tokens", handler.FetchTokens)
		r.Post("/withdraw/ether", handler.FetchEther)
		r.Post("/admin/withdraw", handler.AdminWithdraw)
	})

	// Periodic order book broadcast
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		for range ticker.C {
			eventHub.broadcastOrderBook(market)
		}
	}()

	log.Printf("Starting server on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
