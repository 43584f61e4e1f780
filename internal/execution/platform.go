// Package execution places orders for actionable consensus decisions. The
// only platform shipped is the paper platform; real venues plug in behind
// the same interface.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"finance-feedback-engine/internal/advisory"
	"finance-feedback-engine/internal/logging"
)

// Order is one placement request and its fill outcome.
type Order struct {
	ID        string          `json:"id"`
	Asset     string          `json:"asset"`
	Side      advisory.Action `json:"side"`
	QuoteSize float64         `json:"quote_size"` // order size in quote currency
	Status    string          `json:"status"`     // FILLED or REJECTED
	PlacedAt  time.Time       `json:"placed_at"`
	Note      string          `json:"note,omitempty"`
}

// Platform fills orders on some venue.
type Platform interface {
	Name() string
	PlaceOrder(ctx context.Context, o *Order) error
}

const maxOrderHistory = 500

// PaperPlatform simulates fills against an in-memory quote balance. BUY
// moves quote into per-asset exposure, SELL moves it back, both shaved by
// the configured slippage. No prices are simulated; positions are tracked
// in quote terms only.
type PaperPlatform struct {
	mu       sync.Mutex
	quote    float64
	exposure map[string]float64 // asset -> quote-denominated exposure
	orders   []*Order           // most recent first
	slippage float64            // percent per fill
	log      *logging.Logger
}

func NewPaperPlatform(startingQuote, slippagePercent float64, log *logging.Logger) *PaperPlatform {
	if log == nil {
		log = logging.Default()
	}
	if startingQuote <= 0 {
		startingQuote = 10000
	}
	if slippagePercent < 0 {
		slippagePercent = 0
	}
	return &PaperPlatform{
		quote:    startingQuote,
		exposure: make(map[string]float64),
		slippage: slippagePercent,
		log:      log.WithComponent("paper-platform"),
	}
}

func (p *PaperPlatform) Name() string { return "paper" }

// PlaceOrder fills or rejects o, mutating its ID, Status and PlacedAt. A
// rejection is returned as an error with the order marked REJECTED.
func (p *PaperPlatform) PlaceOrder(ctx context.Context, o *Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.QuoteSize <= 0 {
		return fmt.Errorf("order quote size must be positive, got %v", o.QuoteSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	o.ID = fmt.Sprintf("PAPER-%d", time.Now().UnixNano())
	o.PlacedAt = time.Now().UTC()

	switch o.Side {
	case advisory.ActionBuy:
		cost := o.QuoteSize * (1 + p.slippage/100)
		if cost > p.quote {
			o.Status = "REJECTED"
			o.Note = fmt.Sprintf("insufficient quote balance: need %.2f, have %.2f", cost, p.quote)
			p.remember(o)
			return fmt.Errorf("paper fill rejected: %s", o.Note)
		}
		p.quote -= cost
		p.exposure[o.Asset] += o.QuoteSize

	case advisory.ActionSell:
		held := p.exposure[o.Asset]
		if held <= 0 {
			o.Status = "REJECTED"
			o.Note = fmt.Sprintf("no position in %s", o.Asset)
			p.remember(o)
			return fmt.Errorf("paper fill rejected: %s", o.Note)
		}
		closed := o.QuoteSize
		if closed > held {
			closed = held
		}
		p.exposure[o.Asset] = held - closed
		p.quote += closed * (1 - p.slippage/100)
		if closed < o.QuoteSize {
			o.Note = fmt.Sprintf("partial close: %.2f of %.2f", closed, o.QuoteSize)
		}

	default:
		return fmt.Errorf("unsupported order side %q", o.Side)
	}

	o.Status = "FILLED"
	p.remember(o)
	p.log.Info("paper order filled",
		"order_id", o.ID, "asset", o.Asset, "side", string(o.Side),
		"quote_size", o.QuoteSize, "quote_balance", p.quote)
	return nil
}

// remember prepends o to the history, capped. Callers hold the lock.
func (p *PaperPlatform) remember(o *Order) {
	p.orders = append([]*Order{o}, p.orders...)
	if len(p.orders) > maxOrderHistory {
		p.orders = p.orders[:maxOrderHistory]
	}
}

// Balances returns the current quote balance and a copy of the exposure
// map.
func (p *PaperPlatform) Balances() (float64, map[string]float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	exposure := make(map[string]float64, len(p.exposure))
	for asset, quote := range p.exposure {
		exposure[asset] = quote
	}
	return p.quote, exposure
}

// Orders returns up to limit most recent orders, newest first.
func (p *PaperPlatform) Orders(limit int) []*Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit <= 0 || limit > len(p.orders) {
		limit = len(p.orders)
	}
	out := make([]*Order, limit)
	copy(out, p.orders[:limit])
	return out
}
