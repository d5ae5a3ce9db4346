package orderbook

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

var (
	ErrCapacityExceeded = errors.New("order store capacity exceeded")
	ErrInvalidInput     = errors.New("invalid order input")
	ErrInvalidFill      = errors.New("invalid fill")
)

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	side, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = side
	return nil
}

// ParseSide accepts "buy" or "sell" in any case
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return 0, fmt.Errorf("%w: side must be 'buy' or 'sell', got %q", ErrInvalidInput, s)
}

// Price is a limit price in cents to avoid float issues
type Price int64

// ParsePrice reads a decimal price with at most two fractional digits ("9.50")
func ParsePrice(s string) (Price, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: price %q: %v", ErrInvalidInput, s, err)
	}
	if !d.Equal(d.Truncate(2)) {
		return 0, fmt.Errorf("%w: price %q has more than two decimals", ErrInvalidInput, s)
	}
	cents := d.Shift(2).BigInt()
	if !cents.IsInt64() {
		return 0, fmt.Errorf("%w: price %q out of range", ErrInvalidInput, s)
	}
	return Price(cents.Int64()), nil
}

func (p Price) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -2)
}

func (p Price) String() string {
	return p.Decimal().StringFixed(2)
}

// Order is one resting instruction in the store. Slot, Side, Instrument and
// Price never change once the order is published. Quantity and the active
// flag change only through a Hold.
type Order struct {
	Slot       int
	Side       Side
	Instrument int
	Price      Price

	quantity atomic.Int64
	active   atomic.Bool
	claimed  atomic.Bool
}

func newOrder(slot int, side Side, instrument int, quantity int64, price Price) *Order {
	o := &Order{
		Slot:       slot,
		Side:       side,
		Instrument: instrument,
		Price:      price,
	}
	o.quantity.Store(quantity)
	o.active.Store(true)
	return o
}

// Quantity returns the remaining unexecuted amount
func (o *Order) Quantity() int64 {
	return o.quantity.Load()
}

// Active reports whether the order can still trade. Once false it stays false.
func (o *Order) Active() bool {
	return o.active.Load()
}

// Claimed reports whether a matching pass currently holds the order
func (o *Order) Claimed() bool {
	return o.claimed.Load()
}

// Claim tries to take exclusive hold of the order for one matching pass.
// It fails if another pass already holds it. The caller must Release the
// returned hold on every path; `defer h.Release()` is the usual form.
func (o *Order) Claim() (*Hold, bool) {
	if !o.claimed.CompareAndSwap(false, true) {
		return nil, false
	}
	return &Hold{order: o}, true
}

// View returns a read-only copy of the order's current state
func (o *Order) View() OrderView {
	return OrderView{
		Slot:       o.Slot,
		Side:       o.Side,
		Instrument: o.Instrument,
		Price:      o.Price,
		Quantity:   o.Quantity(),
		Active:     o.Active(),
		Claimed:    o.Claimed(),
	}
}

// Hold is a claim on a single order. Only the goroutine that obtained the
// hold may use it.
type Hold struct {
	order    *Order
	released bool
}

func (h *Hold) Order() *Order {
	return h.order
}

// Fill executes qty against the held order and deactivates it when nothing
// remains. It returns the remaining quantity.
func (h *Hold) Fill(qty int64) (int64, error) {
	if h == nil || h.released {
		return 0, fmt.Errorf("%w: order not held", ErrInvalidFill)
	}
	o := h.order
	remaining := o.quantity.Load()
	if qty <= 0 || qty > remaining {
		return remaining, fmt.Errorf("%w: quantity %d against remaining %d", ErrInvalidFill, qty, remaining)
	}
	remaining -= qty
	o.quantity.Store(remaining)
	if remaining == 0 {
		o.active.Store(false)
	}
	return remaining, nil
}

// Release gives the order back. Safe to call on a nil hold and more than once.
func (h *Hold) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true
	h.order.claimed.Store(false)
}

// OrderView is a point-in-time copy of an order for observers
type OrderView struct {
	Slot       int   `json:"slot"`
	Side       Side  `json:"side"`
	Instrument int   `json:"instrument"`
	Price      Price `json:"price"` // cents
	Quantity   int64 `json:"quantity"`
	Active     bool  `json:"active"`
	Claimed    bool  `json:"claimed"`
}
