package bots

import (
	"errors"
	"sync"

	"matchcore/internal/match"
	"matchcore/internal/orderbook"
)

// Bot is the interface all simulated traders implement
type Bot interface {
	ID() string
	Start()
	Stop()
	Done() <-chan struct{}
	SetSink(fn func(Event))
}

type EventKind int

const (
	EventOrderPlaced EventKind = iota
	EventOrderRejected
	EventTrade
	EventNoMatch
	EventStopped
)

func (k EventKind) String() string {
	switch k {
	case EventOrderPlaced:
		return "order"
	case EventOrderRejected:
		return "reject"
	case EventTrade:
		return "trade"
	case EventNoMatch:
		return "nomatch"
	case EventStopped:
		return "stopped"
	}
	return "unknown"
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is one observable step of a bot's submit-then-match cycle
type Event struct {
	BotID      string          `json:"bot_id"`
	Kind       EventKind       `json:"kind"`
	Slot       int             `json:"slot"`
	Side       orderbook.Side  `json:"side"`
	Instrument int             `json:"instrument"`
	Quantity   int64           `json:"quantity"`
	Price      orderbook.Price `json:"price"`
	Outcome    *match.Outcome  `json:"outcome,omitempty"`
	Err        error           `json:"-"`
	Reason     string          `json:"reason,omitempty"`
}

// BaseBot provides the submit-then-match cycle shared by all bots
type BaseBot struct {
	mu sync.Mutex

	id     string
	store  *orderbook.OrderStore
	engine *match.Engine
	sink   func(Event)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewBaseBot creates a new base bot
func NewBaseBot(id string, engine *match.Engine) *BaseBot {
	return &BaseBot{
		id:     id,
		store:  engine.Store(),
		engine: engine,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (b *BaseBot) ID() string {
	return b.id
}

func (b *BaseBot) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Done is closed once the bot's loop has exited
func (b *BaseBot) Done() <-chan struct{} {
	return b.doneCh
}

func (b *BaseBot) SetSink(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = fn
}

func (b *BaseBot) emit(ev Event) {
	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()

	ev.BotID = b.id
	if sink != nil {
		sink(ev)
	}
}

// SubmitAndMatch places an order and, if the store accepted it, runs one
// matching pass for the order's instrument. It returns the order's slot.
func (b *BaseBot) SubmitAndMatch(side orderbook.Side, instrument int, quantity int64, price orderbook.Price) (int, match.Outcome, error) {
	ev := Event{
		Side:       side,
		Instrument: instrument,
		Quantity:   quantity,
		Price:      price,
	}

	slot, err := b.store.Submit(side, instrument, quantity, price)
	if err != nil {
		ev.Kind = EventOrderRejected
		ev.Slot = -1
		ev.Err = err
		ev.Reason = err.Error()
		b.emit(ev)
		return -1, match.Outcome{}, err
	}
	ev.Kind = EventOrderPlaced
	ev.Slot = slot
	b.emit(ev)

	outcome := b.engine.Match(instrument)
	if outcome.Matched() {
		ev.Kind = EventTrade
	} else {
		ev.Kind = EventNoMatch
	}
	ev.Outcome = &outcome
	b.emit(ev)

	return slot, outcome, nil
}

// Match runs a matching pass on its own, outside a submit cycle
func (b *BaseBot) Match(instrument int) match.Outcome {
	outcome := b.engine.Match(instrument)
	ev := Event{Kind: EventNoMatch, Slot: -1, Instrument: instrument, Outcome: &outcome}
	if outcome.Matched() {
		ev.Kind = EventTrade
	}
	b.emit(ev)
	return outcome
}

// finish marks the loop exited and reports why
func (b *BaseBot) finish(reason string) {
	b.emit(Event{Kind: EventStopped, Slot: -1, Reason: reason})
	close(b.doneCh)
}

// BotStats aggregates the events a manager has seen
type BotStats struct {
	TotalBots int      `json:"total_bots"`
	Placed    int64    `json:"placed"`
	Rejected  int64    `json:"rejected"`
	Trades    int64    `json:"trades"`
	NoMatches int64    `json:"no_matches"`
	Volume    int64    `json:"volume"`
	BotIDs    []string `json:"bot_ids"`
}

// BotManager manages a collection of bots and fans out their events
type BotManager struct {
	mu sync.Mutex

	bots      []Bot
	callbacks []func(Event)
	stats     BotStats
}

// NewBotManager creates a new bot manager
func NewBotManager() *BotManager {
	return &BotManager{}
}

// AddBot adds a bot to the manager and routes its events through it
func (m *BotManager) AddBot(bot Bot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot.SetSink(m.notify)
	m.bots = append(m.bots, bot)
}

// OnEvent registers a callback for every bot event. Callbacks run on the
// bot's goroutine and must not block for long.
func (m *BotManager) OnEvent(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

func (m *BotManager) notify(ev Event) {
	m.mu.Lock()
	switch ev.Kind {
	case EventOrderPlaced:
		m.stats.Placed++
	case EventOrderRejected:
		m.stats.Rejected++
	case EventTrade:
		m.stats.Trades++
		m.stats.Volume += ev.Outcome.Trade.Quantity
	case EventNoMatch:
		m.stats.NoMatches++
	}
	callbacks := make([]func(Event), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(ev)
	}
}

// StartAll starts all bots
func (m *BotManager) StartAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bot := range m.bots {
		bot.Start()
	}
}

// StopAll signals every bot and waits for their loops to exit
func (m *BotManager) StopAll() {
	m.mu.Lock()
	bots := make([]Bot, len(m.bots))
	copy(bots, m.bots)
	m.mu.Unlock()

	for _, bot := range bots {
		bot.Stop()
	}
	for _, bot := range bots {
		<-bot.Done()
	}
}

// Done returns a channel closed once every bot has exited on its own
func (m *BotManager) Done() <-chan struct{} {
	m.mu.Lock()
	bots := make([]Bot, len(m.bots))
	copy(bots, m.bots)
	m.mu.Unlock()

	ch := make(chan struct{})
	go func() {
		for _, bot := range bots {
			<-bot.Done()
		}
		close(ch)
	}()
	return ch
}

// Count returns number of bots
func (m *BotManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bots)
}

// Stats returns a copy of the running totals
func (m *BotManager) Stats() BotStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.TotalBots = len(m.bots)
	stats.BotIDs = make([]string, len(m.bots))
	for i, bot := range m.bots {
		stats.BotIDs[i] = bot.ID()
	}
	return stats
}

func isCapacityError(err error) bool {
	return errors.Is(err, orderbook.ErrCapacityExceeded)
}
