// Package strategy holds the quoting policies that drive an engine.
//
// A policy decides when a side may be requoted and at what price and size.
// Everything else (book state, queue tracking, fills, P&L) lives in the
// engine, so variants only differ in the few hooks below.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rewired-gh/mmsim/internal/models"
	"github.com/rewired-gh/mmsim/internal/quote"
	"github.com/shopspring/decimal"
)

// ErrUnknownPolicy is returned by New for an unregistered name.
var ErrUnknownPolicy = errors.New("unknown strategy")

// Params are the per-security strategy parameters.
type Params struct {
	QuoteSize      [2]int64 // indexed by models.Side
	RefillInterval time.Duration
	MaxPosition    int64
	MaxNotional    decimal.Decimal // zero disables the notional cap
	MinNotional    decimal.Decimal // liquidity gate: price x depth at our level
	StopLossPct    decimal.Decimal
}

// DefaultParams mirrors the defaults block of the configuration.
func DefaultParams() Params {
	return Params{
		QuoteSize:      [2]int64{50000, 50000},
		RefillInterval: 60 * time.Second,
		MaxPosition:    2000000,
		MinNotional:    decimal.NewFromInt(25000),
		StopLossPct:    decimal.NewFromInt(2),
	}
}

func (p Params) Validate() error {
	for _, side := range models.Sides {
		if p.QuoteSize[side] < 0 {
			return fmt.Errorf("quote size for %s must not be negative", side)
		}
	}
	if p.RefillInterval < 0 {
		return fmt.Errorf("refill interval must not be negative")
	}
	if p.MaxPosition < 0 {
		return fmt.Errorf("max position must not be negative")
	}
	if p.MaxNotional.IsNegative() {
		return fmt.Errorf("max notional must not be negative")
	}
	if p.MinNotional.IsNegative() {
		return fmt.Errorf("min notional must not be negative")
	}
	if !p.StopLossPct.IsPositive() {
		return fmt.Errorf("stop loss threshold must be positive")
	}
	return nil
}

// MarketView is the engine state a policy sees when generating a quote.
type MarketView struct {
	Time     time.Time
	Best     [2]models.Level
	HasBest  [2]bool
	Mid      decimal.Decimal
	HasMid   bool
	Position int64
	Slot     quote.Slot // current slot on the side being quoted
}

// Quote is a desired resting order. Size 0 means nothing to quote.
type Quote struct {
	Side  models.Side
	Price decimal.Decimal
	Size  int64
}

// Policy is the strategy hook set the engine calls into.
type Policy interface {
	Name() string
	// ShouldRequote reports whether side may be (re)quoted at ts.
	ShouldRequote(side models.Side, ts time.Time) bool
	GenerateQuote(side models.Side, view MarketView) Quote
	// OnPlaced is called only after a quote passed the liquidity gate.
	OnPlaced(side models.Side, ts time.Time)
	OnFill(side models.Side, ts time.Time)
	// RetainsQueue reports whether a requote at an unchanged price keeps
	// the existing queue position.
	RetainsQueue() bool
}

// StopLosser is implemented by policies that liquidate on adverse moves.
type StopLosser interface {
	StopLossTriggered(unrealizedPct decimal.Decimal) bool
}

type factory func(Params) Policy

var registry = map[string]factory{
	"time_cooldown": func(p Params) Policy { return newTimeCooldown(p) },
	"fill_cooldown": func(p Params) Policy { return newFillCooldown(p) },
	"stop_loss":     func(p Params) Policy { return newStopLoss(p) },
}

// New builds a fresh policy instance. Policies carry per-side timers, so
// every engine needs its own.
func New(name string, params Params) (Policy, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownPolicy, name, Names())
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params for %s: %w", name, err)
	}
	return f(params), nil
}

// Names lists the registered strategies in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// joinBest quotes at the current best on side with size capped by position
// headroom. base is the size before the cap.
func joinBest(p Params, side models.Side, view MarketView, base int64) Quote {
	q := Quote{Side: side}
	if !view.HasBest[side] {
		return q
	}
	q.Price = view.Best[side].Price

	limit := p.MaxPosition
	if p.MaxNotional.IsPositive() && view.HasMid && view.Mid.IsPositive() {
		limit = min(limit, p.MaxNotional.Div(view.Mid).IntPart())
	}

	headroom := limit - view.Position
	if side == models.Ask {
		headroom = limit + view.Position
	}
	q.Size = max(min(base, headroom), 0)
	return q
}
