// Package quote tracks our resting quote on each side and simulates FIFO
// queue priority against incoming trade prints.
package quote

import (
	"time"

	"github.com/rewired-gh/mmsim/internal/models"
	"github.com/shopspring/decimal"
)

// Slot is our resting quote on one side.
//
// Ahead is the displayed quantity queued in front of us at Price; Remaining is
// our own unfilled size. Neither grows between placements.
type Slot struct {
	Price     decimal.Decimal
	Ahead     int64
	Remaining int64
	PlacedAt  time.Time
	Active    bool
}

// Fill is a (partial) execution of one of our slots.
type Fill struct {
	Side  models.Side
	Price decimal.Decimal
	Qty   int64
}

// Tracker holds one slot per side.
type Tracker struct {
	slots [2]Slot
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Place replaces the slot on side. We join the back of the queue, so ahead is
// the full displayed depth at price.
func (t *Tracker) Place(side models.Side, price decimal.Decimal, ahead, ours int64, ts time.Time) {
	if ours <= 0 {
		t.slots[side] = Slot{}
		return
	}
	t.slots[side] = Slot{
		Price:     price,
		Ahead:     max(ahead, 0),
		Remaining: ours,
		PlacedAt:  ts,
		Active:    true,
	}
}

// Resize changes our size without losing queue position. It reports false if
// there is no active slot on side.
func (t *Tracker) Resize(side models.Side, ours int64) bool {
	s := &t.slots[side]
	if !s.Active {
		return false
	}
	if ours <= 0 {
		*s = Slot{}
		return true
	}
	s.Remaining = ours
	return true
}

// Requeue moves an active slot up to depth shares from the front. The visible
// queue can only shrink our position, never push it back.
func (t *Tracker) Requeue(side models.Side, depth int64) {
	s := &t.slots[side]
	if !s.Active {
		return
	}
	s.Ahead = min(s.Ahead, max(depth, 0))
}

// Suppress drops the slot on side.
func (t *Tracker) Suppress(side models.Side) {
	t.slots[side] = Slot{}
}

// Clear drops both slots.
func (t *Tracker) Clear() {
	t.slots = [2]Slot{}
}

func (t *Tracker) Slot(side models.Side) Slot {
	return t.slots[side]
}

// Match runs a trade print of tradeQty at tradePrice against both slots.
//
// A bid fills when the print is at or below it, an ask when at or above it.
// The print first consumes the quantity ahead of us; whatever is left fills
// us. Sides are matched independently.
func (t *Tracker) Match(tradePrice decimal.Decimal, tradeQty int64) []Fill {
	if tradeQty <= 0 {
		return nil
	}

	var fills []Fill
	for _, side := range models.Sides {
		s := &t.slots[side]
		if !s.Active || !reaches(side, s.Price, tradePrice) {
			continue
		}

		rest := tradeQty
		consumed := min(s.Ahead, rest)
		s.Ahead -= consumed
		rest -= consumed
		if rest == 0 {
			continue
		}

		filled := min(s.Remaining, rest)
		s.Remaining -= filled
		if s.Remaining == 0 {
			s.Active = false
		}
		fills = append(fills, Fill{Side: side, Price: tradePrice, Qty: filled})
	}
	return fills
}

func reaches(side models.Side, quote, trade decimal.Decimal) bool {
	if side == models.Bid {
		return trade.LessThanOrEqual(quote)
	}
	return trade.GreaterThanOrEqual(quote)
}
