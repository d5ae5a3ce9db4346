package bots

import (
	"math/rand"
	"time"

	"matchcore/internal/match"
	"matchcore/internal/orderbook"
)

// TraderConfig shapes the random order flow
type TraderConfig struct {
	Interval      time.Duration   // Pause between cycles
	MinQty        int64           // Minimum order size
	MaxQty        int64           // Maximum order size
	PriceTicks    int             // Prices are drawn from 1..PriceTicks-1 ticks
	TickSize      orderbook.Price // Cents per tick
	StopWhenFull  bool            // Exit once the store rejects for capacity
	MaxInstrument int             // Instruments are drawn from [0, MaxInstrument); 0 uses the store's bound
}

// DefaultTraderConfig draws 1..100 shares at 0.10..99.90 every 10ms
func DefaultTraderConfig() TraderConfig {
	return TraderConfig{
		Interval:     10 * time.Millisecond,
		MinQty:       1,
		MaxQty:       100,
		PriceTicks:   1000,
		TickSize:     10,
		StopWhenFull: true,
	}
}

// RandomTrader repeatedly submits a random order and matches its instrument
type RandomTrader struct {
	*BaseBot
	config TraderConfig

	rng *rand.Rand
}

// NewRandomTrader creates a random trader
func NewRandomTrader(id string, config TraderConfig, engine *match.Engine, seed int64) *RandomTrader {
	def := DefaultTraderConfig()
	if config.MinQty <= 0 {
		config.MinQty = def.MinQty
	}
	if config.MaxQty < config.MinQty {
		config.MaxQty = config.MinQty
	}
	if config.PriceTicks < 2 {
		config.PriceTicks = def.PriceTicks
	}
	if config.TickSize <= 0 {
		config.TickSize = def.TickSize
	}
	if config.MaxInstrument <= 0 || config.MaxInstrument > engine.Store().MaxInstruments() {
		config.MaxInstrument = engine.Store().MaxInstruments()
	}

	return &RandomTrader{
		BaseBot: NewBaseBot(id, engine),
		config:  config,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (r *RandomTrader) Start() {
	go r.tradeLoop()
}

func (r *RandomTrader) tradeLoop() {
	reason := "stopped"
	defer func() { r.finish(reason) }()

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		if err := r.placeRandomOrder(); err != nil && r.config.StopWhenFull && isCapacityError(err) {
			reason = "order store full"
			return
		}

		if r.config.Interval <= 0 {
			continue
		}
		select {
		case <-time.After(r.config.Interval):
		case <-r.stopCh:
			return
		}
	}
}

func (r *RandomTrader) placeRandomOrder() error {
	side, instrument, qty, price := r.draw()
	_, _, err := r.SubmitAndMatch(side, instrument, qty, price)
	return err
}

func (r *RandomTrader) draw() (orderbook.Side, int, int64, orderbook.Price) {
	side := orderbook.Buy
	if r.rng.Intn(2) == 1 {
		side = orderbook.Sell
	}
	instrument := r.rng.Intn(r.config.MaxInstrument)
	qty := r.config.MinQty + r.rng.Int63n(r.config.MaxQty-r.config.MinQty+1)
	// Zero-price draws are skipped since the store rejects them
	ticks := 1 + r.rng.Intn(r.config.PriceTicks-1)
	price := orderbook.Price(ticks) * r.config.TickSize
	return side, instrument, qty, price
}
