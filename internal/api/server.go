package api

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"time"

	"matchcore/internal/bots"
	"matchcore/internal/match"
	"matchcore/internal/orderbook"
	"matchcore/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
)

// Options configures the optional parts of the server
type Options struct {
	CORSOrigins []string         // Allowed origins (empty = allow all)
	APIKeyHash  string           // bcrypt hash guarding order entry (empty = open)
	RateLimit   int              // Order-entry requests per minute per client (0 = unlimited)
	Journal     *store.Store     // Source for /api/trades and run summaries
	RunID       string           // Journal run this process writes
	StaticFS    fs.FS            // Status page
	OnEvent     func(bots.Event) // Called for every order and match the API performs
}

// Server exposes the order store and matching engine to external drivers
type Server struct {
	engine *match.Engine
	book   *orderbook.OrderStore
	entry  *bots.BaseBot
	hub    *Hub

	journal     *store.Store
	runID       string
	auth        *APIKeyAuth
	rateLimiter *RateLimiter
	staticFS    fs.FS
	upgrader    websocket.Upgrader
	corsOrigins []string
	onEvent     func(bots.Event)
	botStats    func() bots.BotStats
}

func NewServer(engine *match.Engine, opts Options) *Server {
	s := &Server{
		engine:      engine,
		book:        engine.Store(),
		entry:       bots.NewBaseBot("api", engine),
		hub:         NewHub(),
		journal:     opts.Journal,
		runID:       opts.RunID,
		auth:        NewAPIKeyAuth(opts.APIKeyHash),
		rateLimiter: NewRateLimiter(opts.RateLimit, time.Minute),
		staticFS:    opts.StaticFS,
		corsOrigins: opts.CORSOrigins,
		onEvent:     opts.OnEvent,
	}
	s.entry.SetSink(s.handleEntryEvent)
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.checkCORSOrigin(r.Header.Get("Origin"))
		},
	}
	return s
}

// SetBotStats adds the simulator's totals to /api/stats
func (s *Server) SetBotStats(fn func() bots.BotStats) {
	s.botStats = fn
}

func (s *Server) checkCORSOrigin(origin string) bool {
	if len(s.corsOrigins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	allowedOrigins := s.corsOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/orders/{slot}", s.getOrder)
		r.Get("/stats", s.getStats)
		r.Get("/trades", s.getTrades)

		// Order entry
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.Use(s.rateLimiter.Middleware)
			r.Post("/orders", s.submitOrder)
			r.Post("/match/{instrument}", s.runMatch)
		})
	})

	r.Get("/ws", s.handleWebSocket)

	if s.staticFS != nil {
		r.Handle("/*", http.FileServer(http.FS(s.staticFS)))
	}

	return r
}

type OrderRequest struct {
	Side       string      `json:"side"` // "buy" or "sell"
	Instrument *int        `json:"instrument"`
	Quantity   int64       `json:"quantity"`
	Price      json.Number `json:"price"` // decimal, e.g. "9.50" or 9.5
}

type OrderResponse struct {
	Slot    int           `json:"slot"`
	Outcome match.Outcome `json:"outcome"`
}

// submitOrder stores the order and then runs one matching pass for its
// instrument, the same cycle the simulator's traders perform
func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	side, err := orderbook.ParseSide(req.Side)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Instrument == nil {
		http.Error(w, "instrument required", http.StatusBadRequest)
		return
	}
	price, err := orderbook.ParsePrice(req.Price.String())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	slot, outcome, err := s.entry.SubmitAndMatch(side, *req.Instrument, req.Quantity, price)
	switch {
	case errors.Is(err, orderbook.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, orderbook.ErrCapacityExceeded):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, OrderResponse{Slot: slot, Outcome: outcome})
}

func (s *Server) runMatch(w http.ResponseWriter, r *http.Request) {
	instrument, err := strconv.Atoi(chi.URLParam(r, "instrument"))
	if err != nil {
		http.Error(w, "instrument must be an integer", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.entry.Match(instrument))
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil {
		http.Error(w, "slot must be an integer", http.StatusBadRequest)
		return
	}
	view, ok := s.book.View(slot)
	if !ok {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, view)
}

type StatsResponse struct {
	Store   orderbook.Stats   `json:"store"`
	Journal *store.RunSummary `json:"journal,omitempty"`
	Bots    *bots.BotStats    `json:"bots,omitempty"`
	Clients int               `json:"clients"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Store:   s.book.Stats(),
		Clients: s.hub.Count(),
	}
	if s.journal != nil {
		sum, err := s.journal.Summary(s.runID)
		if err != nil {
			log.Printf("[API] journal summary failed: %v", err)
		} else {
			resp.Journal = &sum
		}
	}
	if s.botStats != nil {
		stats := s.botStats()
		resp.Bots = &stats
	}
	writeJSON(w, resp)
}

func (s *Server) getTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}

	trades := []store.TradeRecord{}
	if s.journal != nil {
		recent, err := s.journal.GetRecentTrades(s.runID, limit)
		if err != nil {
			http.Error(w, "failed to read trades", http.StatusInternalServerError)
			return
		}
		if recent != nil {
			trades = recent
		}
	}
	writeJSON(w, trades)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	data, _ := json.Marshal(map[string]interface{}{
		"type":  "stats",
		"stats": s.book.Stats(),
	})
	client.send <- data

	if !s.hub.Register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// BroadcastEvent pushes a simulator event to every feed subscriber
func (s *Server) BroadcastEvent(ev bots.Event) {
	s.hub.Broadcast(map[string]interface{}{
		"type":  "event",
		"event": ev,
	})
}

func (s *Server) handleEntryEvent(ev bots.Event) {
	s.BroadcastEvent(ev)
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

// Shutdown stops internal goroutines and disconnects feed clients
func (s *Server) Shutdown() {
	s.rateLimiter.Stop()
	s.hub.Stop()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
