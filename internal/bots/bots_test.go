package bots

import (
	"errors"
	"sync"
	"testing"
	"time"

	"matchcore/internal/match"
	"matchcore/internal/orderbook"
)

func setupTestEngine(capacity, instruments int) *match.Engine {
	store := orderbook.New(orderbook.Config{Capacity: capacity, MaxInstruments: instruments})
	return match.NewEngine(store)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestSubmitAndMatchEmitsEvents(t *testing.T) {
	engine := setupTestEngine(10, 5)
	bot := NewBaseBot("tester", engine)

	var log eventLog
	bot.SetSink(log.add)

	if _, _, err := bot.SubmitAndMatch(orderbook.Buy, 1, 100, 1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	slot, outcome, err := bot.SubmitAndMatch(orderbook.Sell, 1, 60, 950)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slot != 1 {
		t.Errorf("expected slot 1, got %d", slot)
	}
	if !outcome.Matched() || outcome.Trade.Quantity != 60 {
		t.Fatalf("expected 60-share trade, got %s", outcome)
	}

	if log.count(EventOrderPlaced) != 2 {
		t.Errorf("expected 2 placed events, got %d", log.count(EventOrderPlaced))
	}
	if log.count(EventNoMatch) != 1 || log.count(EventTrade) != 1 {
		t.Errorf("expected 1 no-match and 1 trade, got %d and %d",
			log.count(EventNoMatch), log.count(EventTrade))
	}
	for _, ev := range log.events {
		if ev.BotID != "tester" {
			t.Errorf("event missing bot id: %+v", ev)
		}
	}
}

func TestSubmitAndMatchRejected(t *testing.T) {
	engine := setupTestEngine(1, 5)
	bot := NewBaseBot("tester", engine)

	var log eventLog
	bot.SetSink(log.add)

	if _, _, err := bot.SubmitAndMatch(orderbook.Buy, 0, 0, 1000); !errors.Is(err, orderbook.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	bot.SubmitAndMatch(orderbook.Buy, 0, 10, 1000)
	if _, _, err := bot.SubmitAndMatch(orderbook.Sell, 0, 10, 1000); !errors.Is(err, orderbook.ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", err)
	}

	if log.count(EventOrderRejected) != 2 {
		t.Errorf("expected 2 rejections, got %d", log.count(EventOrderRejected))
	}
	// A rejected order never triggers a matching pass
	if log.count(EventNoMatch)+log.count(EventTrade) != 1 {
		t.Errorf("expected exactly one matching pass, got %d",
			log.count(EventNoMatch)+log.count(EventTrade))
	}
}

func TestRandomTraderDraws(t *testing.T) {
	engine := setupTestEngine(10, 7)
	trader := NewRandomTrader("T1", DefaultTraderConfig(), engine, 42)

	for i := 0; i < 1000; i++ {
		side, instrument, qty, price := trader.draw()
		if side != orderbook.Buy && side != orderbook.Sell {
			t.Fatalf("bad side %d", side)
		}
		if instrument < 0 || instrument >= 7 {
			t.Fatalf("instrument %d out of range", instrument)
		}
		if qty < 1 || qty > 100 {
			t.Fatalf("quantity %d out of range", qty)
		}
		if price < 10 || price > 9990 || price%10 != 0 {
			t.Fatalf("price %s out of range", price)
		}
	}
}

func TestRandomTraderStopsWhenFull(t *testing.T) {
	engine := setupTestEngine(50, 3)
	config := DefaultTraderConfig()
	config.Interval = 0

	manager := NewBotManager()
	for i, id := range []string{"T1", "T2", "T3"} {
		manager.AddBot(NewRandomTrader(id, config, engine, int64(i)))
	}

	var log eventLog
	manager.OnEvent(log.add)
	manager.StartAll()

	select {
	case <-manager.Done():
	case <-time.After(5 * time.Second):
		manager.StopAll()
		t.Fatal("traders did not stop once the store was full")
	}

	if engine.Store().SnapshotCount() != 50 {
		t.Errorf("expected store full at 50, got %d", engine.Store().SnapshotCount())
	}
	if log.count(EventStopped) != 3 {
		t.Errorf("expected 3 stop events, got %d", log.count(EventStopped))
	}

	stats := manager.Stats()
	if stats.Placed != 50 {
		t.Errorf("expected 50 placed orders, got %d", stats.Placed)
	}
	if stats.Trades+stats.NoMatches != 50 {
		t.Errorf("every accepted order should run one pass, got %d", stats.Trades+stats.NoMatches)
	}
	if stats.Rejected < 3 {
		t.Errorf("each trader should see at least one capacity rejection, got %d", stats.Rejected)
	}

	for slot := 0; slot < 50; slot++ {
		view, _ := engine.Store().View(slot)
		if view.Claimed {
			t.Errorf("slot %d left claimed", slot)
		}
	}
}

func TestBotManagerStopAll(t *testing.T) {
	engine := setupTestEngine(100000, 10)
	manager := CreateSimulation(3, DefaultTraderConfig(), engine)

	if manager.Count() != 3 {
		t.Fatalf("expected 3 bots, got %d", manager.Count())
	}

	manager.StartAll()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		manager.StopAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("StopAll did not return")
	}

	// Stopping twice is harmless
	manager.StopAll()

	stats := manager.Stats()
	if stats.TotalBots != 3 || len(stats.BotIDs) != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.Placed == 0 {
		t.Error("expected some orders to be placed")
	}
	if stats.BotIDs[0] != "T1" || stats.BotIDs[2] != "T3" {
		t.Errorf("unexpected bot ids %v", stats.BotIDs)
	}
}
