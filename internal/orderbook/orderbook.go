// Package orderbook tracks top-of-book state for one security.
//
// Input carries replacement snapshots of the best bid and best ask, never
// incremental depth, so each side holds at most one level.
package orderbook

import (
	"github.com/rewired-gh/mmsim/internal/models"
	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// OrderBook is single-writer and deterministic.
type OrderBook struct {
	sides     [2]models.Level
	present   [2]bool
	lastTrade models.Level
	hasTrade  bool
}

func New() *OrderBook {
	return &OrderBook{}
}

// ApplyBid replaces the bid side. qty == 0 clears it.
func (b *OrderBook) ApplyBid(price decimal.Decimal, qty int64) {
	b.apply(models.Bid, price, qty)
}

// ApplyAsk replaces the ask side. qty == 0 clears it.
func (b *OrderBook) ApplyAsk(price decimal.Decimal, qty int64) {
	b.apply(models.Ask, price, qty)
}

func (b *OrderBook) apply(side models.Side, price decimal.Decimal, qty int64) {
	if qty <= 0 {
		b.sides[side] = models.Level{}
		b.present[side] = false
		return
	}
	b.sides[side] = models.Level{Price: price, Qty: qty}
	b.present[side] = true
}

// RecordTrade stores the most recent print.
func (b *OrderBook) RecordTrade(price decimal.Decimal, qty int64) {
	b.lastTrade = models.Level{Price: price, Qty: qty}
	b.hasTrade = true
}

func (b *OrderBook) BestBid() (models.Level, bool) {
	return b.sides[models.Bid], b.present[models.Bid]
}

func (b *OrderBook) BestAsk() (models.Level, bool) {
	return b.sides[models.Ask], b.present[models.Ask]
}

// Best returns the stored level for side.
func (b *OrderBook) Best(side models.Side) (models.Level, bool) {
	return b.sides[side], b.present[side]
}

func (b *OrderBook) LastTrade() (models.Level, bool) {
	return b.lastTrade, b.hasTrade
}

// DepthAt returns the resting quantity at price on side. With a single level
// per side this is the stored quantity when the prices match, else zero.
func (b *OrderBook) DepthAt(side models.Side, price decimal.Decimal) int64 {
	if !b.present[side] || !b.sides[side].Price.Equal(price) {
		return 0
	}
	return b.sides[side].Qty
}

// Mid returns the bid/ask midpoint, or the price of whichever side exists.
func (b *OrderBook) Mid() (decimal.Decimal, bool) {
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	switch {
	case hasBid && hasAsk:
		return bid.Price.Add(ask.Price).Div(two), true
	case hasBid:
		return bid.Price, true
	case hasAsk:
		return ask.Price, true
	default:
		return decimal.Zero, false
	}
}

// Clear wipes both sides and the last trade. Called on trading-date rollover.
func (b *OrderBook) Clear() {
	*b = OrderBook{}
}
