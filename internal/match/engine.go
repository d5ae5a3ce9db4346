package match

import (
	"fmt"

	"matchcore/internal/orderbook"

	"github.com/google/uuid"
)

// Trade is one execution between a buy and a sell order
type Trade struct {
	ID            string          `json:"id"`
	Instrument    int             `json:"instrument"`
	Quantity      int64           `json:"quantity"`
	BuyPrice      orderbook.Price `json:"buy_price"`  // cents
	SellPrice     orderbook.Price `json:"sell_price"` // cents
	BuySlot       int             `json:"buy_slot"`
	SellSlot      int             `json:"sell_slot"`
	BuyRemaining  int64           `json:"buy_remaining"`
	SellRemaining int64           `json:"sell_remaining"`
}

// Outcome is the result of one matching pass. Trade is set when the pass
// executed; otherwise BestBuy and BestSell carry whichever best prices the
// pass saw.
type Outcome struct {
	Instrument int              `json:"instrument"`
	Trade      *Trade           `json:"trade,omitempty"`
	BestBuy    *orderbook.Price `json:"best_buy,omitempty"`
	BestSell   *orderbook.Price `json:"best_sell,omitempty"`
}

func (o Outcome) Matched() bool {
	return o.Trade != nil
}

func (o Outcome) String() string {
	if o.Trade != nil {
		return fmt.Sprintf("trade %d shares of instrument %d at %s (buy) / %s (sell)",
			o.Trade.Quantity, o.Instrument, o.Trade.BuyPrice, o.Trade.SellPrice)
	}
	s := fmt.Sprintf("no match for instrument %d", o.Instrument)
	if o.BestBuy != nil {
		s += fmt.Sprintf(", best buy %s", *o.BestBuy)
	}
	if o.BestSell != nil {
		s += fmt.Sprintf(", best sell %s", *o.BestSell)
	}
	return s
}

// Engine runs matching passes over a shared OrderStore. It holds no state of
// its own; any number of goroutines may call Match at once, for the same or
// different instruments.
type Engine struct {
	store *orderbook.OrderStore
}

func NewEngine(store *orderbook.OrderStore) *Engine {
	return &Engine{store: store}
}

func (e *Engine) Store() *orderbook.OrderStore {
	return e.store
}

// Match finds the best buy and best sell for an instrument among the orders
// it can claim and trades them if the prices cross. At most one trade runs
// per call.
//
// Only the current best buy and best sell stay claimed during the scan.
// Every claim taken here is released before Match returns.
func (e *Engine) Match(instrument int) Outcome {
	var bestBuy, bestSell *orderbook.Hold
	defer func() {
		bestBuy.Release()
		bestSell.Release()
	}()

	// Orders reserved after this point belong to a later pass
	count := e.store.SnapshotCount()

	for slot := 0; slot < count; slot++ {
		order, ok := e.store.Order(slot)
		if !ok || !order.Active() || order.Instrument != instrument {
			continue
		}
		hold, ok := order.Claim()
		if !ok {
			continue
		}
		// Another pass may have filled it between the check and the claim
		if !order.Active() {
			hold.Release()
			continue
		}

		if order.Side == orderbook.Buy {
			if bestBuy == nil || order.Price > bestBuy.Order().Price {
				bestBuy.Release()
				bestBuy = hold
			} else {
				hold.Release()
			}
		} else {
			if bestSell == nil || order.Price < bestSell.Order().Price {
				bestSell.Release()
				bestSell = hold
			} else {
				hold.Release()
			}
		}
	}

	outcome := Outcome{Instrument: instrument}

	if bestBuy != nil && bestSell != nil && bestBuy.Order().Price >= bestSell.Order().Price {
		if trade, ok := execute(instrument, bestBuy, bestSell); ok {
			outcome.Trade = trade
			return outcome
		}
	}

	if bestBuy != nil {
		p := bestBuy.Order().Price
		outcome.BestBuy = &p
	}
	if bestSell != nil {
		p := bestSell.Order().Price
		outcome.BestSell = &p
	}
	return outcome
}

// execute fills both held orders by the smaller remaining quantity
func execute(instrument int, buy, sell *orderbook.Hold) (*Trade, bool) {
	qty := min(buy.Order().Quantity(), sell.Order().Quantity())
	if qty <= 0 {
		return nil, false
	}

	buyRemaining, err := buy.Fill(qty)
	if err != nil {
		return nil, false
	}
	sellRemaining, err := sell.Fill(qty)
	if err != nil {
		return nil, false
	}

	return &Trade{
		ID:            uuid.New().String(),
		Instrument:    instrument,
		Quantity:      qty,
		BuyPrice:      buy.Order().Price,
		SellPrice:     sell.Order().Price,
		BuySlot:       buy.Order().Slot,
		SellSlot:      sell.Order().Slot,
		BuyRemaining:  buyRemaining,
		SellRemaining: sellRemaining,
	}, true
}
