package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"matchcore/internal/api"
	"matchcore/internal/bots"
	"matchcore/internal/match"
	"matchcore/internal/orderbook"
	"matchcore/internal/store"

	"github.com/gorilla/websocket"
)

type testEnv struct {
	server  *httptest.Server
	api     *api.Server
	book    *orderbook.OrderStore
	journal *store.Journal
	db      *store.Store

	mu     sync.Mutex
	events []bots.Event
}

func setupTestEnv(t *testing.T, opts api.Options) *testEnv {
	t.Helper()

	db, err := store.New(filepath.Join(t.TempDir(), "api-test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	runID, err := db.StartRun(5, 10)
	if err != nil {
		t.Fatalf("Failed to start run: %v", err)
	}
	journal := db.NewJournal(runID)

	book := orderbook.New(orderbook.Config{Capacity: 5, MaxInstruments: 10})
	engine := match.NewEngine(book)

	env := &testEnv{book: book, journal: journal, db: db}

	opts.Journal = db
	opts.RunID = runID
	opts.OnEvent = func(ev bots.Event) {
		env.mu.Lock()
		env.events = append(env.events, ev)
		env.mu.Unlock()
		if ev.Kind == bots.EventTrade {
			tr := ev.Outcome.Trade
			journal.RecordTrade(store.TradeRecord{
				ID: tr.ID, Instrument: tr.Instrument, Quantity: tr.Quantity,
				BuyPrice: int64(tr.BuyPrice), SellPrice: int64(tr.SellPrice),
				BuySlot: tr.BuySlot, SellSlot: tr.SellSlot, CreatedAt: time.Now(),
			})
		}
	}
	env.api = api.NewServer(engine, opts)
	env.server = httptest.NewServer(env.api.Router())

	t.Cleanup(func() {
		env.server.Close()
		env.api.Shutdown()
		journal.Close()
		db.Close()
	})
	return env
}

func (e *testEnv) post(t *testing.T, path string, body interface{}, key string) *http.Response {
	t.Helper()
	jsonBody, _ := json.Marshal(body)
	req, _ := http.NewRequest("POST", e.server.URL+path, bytes.NewBuffer(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
}

func order(side string, instrument int, qty int64, price interface{}) map[string]interface{} {
	return map[string]interface{}{
		"side":       side,
		"instrument": instrument,
		"quantity":   qty,
		"price":      price,
	}
}

func TestSubmitAndMatchOverHTTP(t *testing.T) {
	env := setupTestEnv(t, api.Options{})

	resp := env.post(t, "/api/orders", order("buy", 1, 100, "10.00"), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var first api.OrderResponse
	decodeJSON(t, resp, &first)
	if first.Slot != 0 || first.Outcome.Matched() {
		t.Errorf("expected resting buy in slot 0, got %+v", first)
	}
	if first.Outcome.BestBuy == nil || *first.Outcome.BestBuy != 1000 {
		t.Errorf("expected best buy 10.00, got %v", first.Outcome.BestBuy)
	}

	resp = env.post(t, "/api/orders", order("sell", 1, 60, 9.5), "")
	var second api.OrderResponse
	decodeJSON(t, resp, &second)
	if !second.Outcome.Matched() {
		t.Fatalf("expected trade, got %+v", second.Outcome)
	}
	trade := second.Outcome.Trade
	if trade.Quantity != 60 || trade.BuyPrice != 1000 || trade.SellPrice != 950 {
		t.Errorf("unexpected trade %+v", trade)
	}

	var buy orderbook.OrderView
	decodeJSON(t, env.get(t, "/api/orders/0"), &buy)
	if buy.Quantity != 40 || !buy.Active || buy.Side != orderbook.Buy {
		t.Errorf("unexpected buy order %+v", buy)
	}
	var sell orderbook.OrderView
	decodeJSON(t, env.get(t, "/api/orders/1"), &sell)
	if sell.Quantity != 0 || sell.Active {
		t.Errorf("unexpected sell order %+v", sell)
	}

	env.mu.Lock()
	n := len(env.events)
	env.mu.Unlock()
	if n != 4 {
		t.Errorf("expected 4 events (2 orders, 2 passes), got %d", n)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := setupTestEnv(t, api.Options{})

	cases := []struct {
		name string
		body interface{}
		want int
	}{
		{"bad side", order("hold", 1, 10, "1.00"), http.StatusBadRequest},
		{"zero quantity", order("buy", 1, 0, "1.00"), http.StatusBadRequest},
		{"zero price", order("buy", 1, 10, "0"), http.StatusBadRequest},
		{"three decimals", order("buy", 1, 10, "1.005"), http.StatusBadRequest},
		{"instrument out of range", order("buy", 10, 10, "1.00"), http.StatusBadRequest},
		{"missing instrument", map[string]interface{}{"side": "buy", "quantity": 10, "price": "1.00"}, http.StatusBadRequest},
		{"not json", "{", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.post(t, "/api/orders", tc.body, "")
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}

	if env.book.SnapshotCount() != 0 {
		t.Errorf("rejected orders must not reserve slots, got %d", env.book.SnapshotCount())
	}
}

func TestCapacityConflict(t *testing.T) {
	env := setupTestEnv(t, api.Options{})

	for i := 0; i < 5; i++ {
		resp := env.post(t, "/api/orders", order("buy", 0, 1, "1.00"), "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("order %d: expected 200, got %d", i, resp.StatusCode)
		}
	}
	resp := env.post(t, "/api/orders", order("buy", 0, 1, "1.00"), "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 when full, got %d", resp.StatusCode)
	}

	var stats api.StatsResponse
	decodeJSON(t, env.get(t, "/api/stats"), &stats)
	if stats.Store.Reserved != 5 || stats.Store.Rejected != 1 {
		t.Errorf("unexpected stats %+v", stats.Store)
	}
}

func TestMatchEndpoint(t *testing.T) {
	env := setupTestEnv(t, api.Options{})

	// Place orders directly so no pass runs on submit
	env.book.Submit(orderbook.Buy, 3, 10, 550)
	env.book.Submit(orderbook.Sell, 3, 10, 500)

	var outcome match.Outcome
	decodeJSON(t, env.post(t, "/api/match/3", nil, ""), &outcome)
	if !outcome.Matched() || outcome.Trade.BuyPrice != 550 || outcome.Trade.SellPrice != 500 {
		t.Errorf("expected trade at 5.50/5.00, got %+v", outcome)
	}

	var again match.Outcome
	decodeJSON(t, env.post(t, "/api/match/3", nil, ""), &again)
	if again.Matched() || again.BestBuy != nil || again.BestSell != nil {
		t.Errorf("expected empty no-match, got %+v", again)
	}

	resp := env.post(t, "/api/match/abc", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad instrument, got %d", resp.StatusCode)
	}
}

func TestOrderNotFound(t *testing.T) {
	env := setupTestEnv(t, api.Options{})

	resp := env.get(t, "/api/orders/3")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRecentTradesFromJournal(t *testing.T) {
	env := setupTestEnv(t, api.Options{})

	env.post(t, "/api/orders", order("buy", 2, 10, "5.00"), "").Body.Close()
	env.post(t, "/api/orders", order("sell", 2, 10, "4.00"), "").Body.Close()
	env.journal.Close()

	var trades []store.TradeRecord
	decodeJSON(t, env.get(t, "/api/trades?limit=10"), &trades)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].Quantity != 10 || trades[0].BuyPrice != 500 || trades[0].SellPrice != 400 {
		t.Errorf("unexpected trade %+v", trades[0])
	}

	var raw []map[string]interface{}
	decodeJSON(t, env.get(t, "/api/trades?limit=10"), &raw)
	for _, key := range []string{"id", "instrument", "quantity", "buy_price", "sell_price", "buy_slot", "sell_slot"} {
		if _, ok := raw[0][key]; !ok {
			t.Errorf("trade json missing %q: %v", key, raw[0])
		}
	}
}

func TestOversizedPriceRejected(t *testing.T) {
	env := setupTestEnv(t, api.Options{})

	for _, price := range []string{"184467440737095516.17", "1e30"} {
		resp := env.post(t, "/api/orders", order("buy", 0, 1, price), "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("price %s: expected 400, got %d", price, resp.StatusCode)
		}
	}

	var stats api.StatsResponse
	decodeJSON(t, env.get(t, "/api/stats"), &stats)
	if stats.Store.Reserved != 0 {
		t.Errorf("expected no orders stored, got %d", stats.Store.Reserved)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	hash, err := api.HashAPIKey("s3cret")
	if err != nil {
		t.Fatalf("HashAPIKey failed: %v", err)
	}
	env := setupTestEnv(t, api.Options{APIKeyHash: hash})

	resp := env.post(t, "/api/orders", order("buy", 0, 1, "1.00"), "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", resp.StatusCode)
	}

	resp = env.post(t, "/api/orders", order("buy", 0, 1, "1.00"), "wrong")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong key, got %d", resp.StatusCode)
	}

	resp = env.post(t, "/api/orders", order("buy", 0, 1, "1.00"), "s3cret")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with key, got %d", resp.StatusCode)
	}

	// Reads stay open
	resp = env.get(t, "/api/orders/0")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected open read, got %d", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	env := setupTestEnv(t, api.Options{RateLimit: 2})

	codes := make([]int, 3)
	for i := range codes {
		resp := env.post(t, "/api/match/0", nil, "")
		resp.Body.Close()
		codes[i] = resp.StatusCode
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected 200, 200, 429, got %v", codes)
	}
}

func TestWebSocketFeed(t *testing.T) {
	env := setupTestEnv(t, api.Options{})

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	defer conn.Close()

	var hello map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("failed to read initial message: %v", err)
	}
	if hello["type"] != "stats" {
		t.Errorf("expected initial stats message, got %v", hello["type"])
	}

	var stats api.StatsResponse
	decodeJSON(t, env.get(t, "/api/stats"), &stats)
	if stats.Clients != 1 {
		t.Errorf("expected 1 feed client, got %d", stats.Clients)
	}

	env.post(t, "/api/orders", order("buy", 4, 5, "2.00"), "").Body.Close()

	var msg struct {
		Type  string `json:"type"`
		Event struct {
			BotID string `json:"bot_id"`
			Kind  string `json:"kind"`
			Slot  int    `json:"slot"`
		} `json:"event"`
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if msg.Type != "event" || msg.Event.Kind != "order" || msg.Event.BotID != "api" {
		t.Errorf("unexpected event %+v", msg)
	}
}
