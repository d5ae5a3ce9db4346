package sim

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"matchcore/internal/bots"
	"matchcore/internal/match"
	"matchcore/internal/orderbook"
	"matchcore/internal/store"
)

// Config configures one simulation run
type Config struct {
	Store   orderbook.Config
	Traders int
	Trader  bots.TraderConfig
	Quiet   bool // Only log trades, rejections and lifecycle lines
}

// DefaultConfig runs three traders against a 10000-order, 100-instrument store
func DefaultConfig() Config {
	return Config{
		Store:   orderbook.DefaultConfig(),
		Traders: 3,
		Trader:  bots.DefaultTraderConfig(),
	}
}

// Runner owns the order store, the matching engine and the traders for the
// lifetime of a run. It formats every event for the log and journals it.
type Runner struct {
	mu sync.RWMutex

	config  Config
	book    *orderbook.OrderStore
	engine  *match.Engine
	manager *bots.BotManager
	journal *store.Journal
	db      *store.Store
	logger  *log.Logger

	startedAt time.Time
	running   bool
	stopped   bool
}

// NewRunner builds the store, engine and traders. db may be nil to run
// without a journal.
func NewRunner(config Config, db *store.Store, logger *log.Logger) (*Runner, error) {
	if config.Traders <= 0 {
		return nil, fmt.Errorf("need at least one trader, got %d", config.Traders)
	}
	if logger == nil {
		logger = log.Default()
	}

	book := orderbook.New(config.Store)
	engine := match.NewEngine(book)

	r := &Runner{
		config:  config,
		book:    book,
		engine:  engine,
		manager: bots.CreateSimulation(config.Traders, config.Trader, engine),
		db:      db,
		logger:  logger,
	}

	if db != nil {
		runID, err := db.StartRun(book.Capacity(), book.MaxInstruments())
		if err != nil {
			return nil, err
		}
		r.journal = db.NewJournal(runID)
	}

	r.manager.OnEvent(r.Record)
	return r, nil
}

func (r *Runner) Engine() *match.Engine {
	return r.engine
}

func (r *Runner) Manager() *bots.BotManager {
	return r.manager
}

// RunID returns the journal run id, or "" without a journal
func (r *Runner) RunID() string {
	if r.journal == nil {
		return ""
	}
	return r.journal.RunID()
}

// OnEvent registers a callback for every trader event. Callbacks run after
// the event has been logged and journaled.
func (r *Runner) OnEvent(fn func(bots.Event)) {
	r.manager.OnEvent(fn)
}

// Start launches the traders
func (r *Runner) Start() {
	r.mu.Lock()
	if r.running || r.stopped {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.startedAt = time.Now()
	r.mu.Unlock()

	r.logf("[SIM] starting %d traders: capacity %d, %d instruments",
		r.config.Traders, r.book.Capacity(), r.book.MaxInstruments())
	r.manager.StartAll()
}

// Done is closed once every trader has exited on its own
func (r *Runner) Done() <-chan struct{} {
	return r.manager.Done()
}

// Stop halts the traders, flushes the journal and stamps the run
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	r.manager.StopAll()

	count := r.book.SnapshotCount()
	if r.journal != nil {
		r.journal.Close()
		if dropped := r.journal.Dropped(); dropped > 0 {
			r.logf("[JOURNAL] dropped %d records", dropped)
		}
		if err := r.db.EndRun(r.journal.RunID(), count); err != nil {
			r.logf("[JOURNAL] %v", err)
		}
	}
	r.logf("Final order count: %d", count)
}

// Record logs and journals an event. Trader events arrive here through the
// manager; callers pass in the rest, such as orders entered over the API.
func (r *Runner) Record(ev bots.Event) {
	r.logEvent(ev)
	r.journalEvent(ev)
}

func (r *Runner) logf(format string, args ...interface{}) {
	r.mu.RLock()
	started := r.startedAt
	r.mu.RUnlock()

	var elapsed int64
	if !started.IsZero() {
		elapsed = time.Since(started).Milliseconds()
	}
	r.logger.Printf("[%d ms] "+format, append([]interface{}{elapsed}, args...)...)
}

func (r *Runner) logEvent(ev bots.Event) {
	switch ev.Kind {
	case bots.EventOrderPlaced:
		if !r.config.Quiet {
			r.logf("[ORDER] %s %s order placed: %d shares of instrument %d @ %s (slot %d)",
				ev.BotID, ev.Side, ev.Quantity, ev.Instrument, ev.Price, ev.Slot)
		}
	case bots.EventOrderRejected:
		if errors.Is(ev.Err, orderbook.ErrCapacityExceeded) {
			r.logf("[REJECT] %s order book capacity reached: %d", ev.BotID, r.book.Capacity())
		} else {
			r.logf("[REJECT] %s %s", ev.BotID, ev.Reason)
		}
	case bots.EventTrade:
		t := ev.Outcome.Trade
		r.logf("[TRADE] %d shares of instrument %d at %s (buy) / %s (sell)",
			t.Quantity, t.Instrument, t.BuyPrice, t.SellPrice)
	case bots.EventNoMatch:
		if r.config.Quiet {
			return
		}
		o := ev.Outcome
		// One-sided books are worth a line; empty or uncrossed ones are not
		switch {
		case o.BestBuy != nil && o.BestSell == nil:
			r.logf("[NOMATCH] instrument %d: best buy price %s", o.Instrument, *o.BestBuy)
		case o.BestBuy == nil && o.BestSell != nil:
			r.logf("[NOMATCH] instrument %d: best sell price %s", o.Instrument, *o.BestSell)
		}
	case bots.EventStopped:
		r.logf("[SIM] %s exiting (%s). Order count: %d", ev.BotID, ev.Reason, r.book.SnapshotCount())
	}
}

func (r *Runner) journalEvent(ev bots.Event) {
	if r.journal == nil {
		return
	}
	now := time.Now()

	switch ev.Kind {
	case bots.EventOrderPlaced, bots.EventOrderRejected:
		r.journal.RecordOrder(store.OrderRecord{
			Slot:       ev.Slot,
			BotID:      ev.BotID,
			Side:       ev.Side.String(),
			Instrument: ev.Instrument,
			Quantity:   ev.Quantity,
			Price:      int64(ev.Price),
			Accepted:   ev.Kind == bots.EventOrderPlaced,
			Reason:     ev.Reason,
			CreatedAt:  now,
		})
	case bots.EventTrade:
		t := ev.Outcome.Trade
		r.journal.RecordTrade(store.TradeRecord{
			ID:         t.ID,
			Instrument: t.Instrument,
			Quantity:   t.Quantity,
			BuyPrice:   int64(t.BuyPrice),
			SellPrice:  int64(t.SellPrice),
			BuySlot:    t.BuySlot,
			SellSlot:   t.SellSlot,
			CreatedAt:  now,
		})
	case bots.EventNoMatch:
		rec := store.NoMatchRecord{Instrument: ev.Outcome.Instrument, CreatedAt: now}
		if p := ev.Outcome.BestBuy; p != nil {
			rec.BestBuy = sql.NullInt64{Int64: int64(*p), Valid: true}
		}
		if p := ev.Outcome.BestSell; p != nil {
			rec.BestSell = sql.NullInt64{Int64: int64(*p), Valid: true}
		}
		r.journal.RecordNoMatch(rec)
	}
}
