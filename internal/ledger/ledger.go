// Package ledger keeps position, weighted-average entry price, and realized P&L
// for one security, journaling every fill as a TradeRecord.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/mmsim/internal/models"
	"github.com/shopspring/decimal"
)

// ErrInvalidFill is returned for fills with a non-positive quantity or price.
var ErrInvalidFill = errors.New("invalid fill")

var hundred = decimal.NewFromInt(100)

// Ledger is the position book of a single security. Not safe for concurrent use;
// it is owned by exactly one engine.
type Ledger struct {
	security string
	position int64
	entry    decimal.Decimal
	realized decimal.Decimal
	trades   []models.TradeRecord
}

func New(security string) *Ledger {
	return &Ledger{security: security}
}

// RecordFill applies a fill on side (a bid fill buys, an ask fill sells).
//
// Opposing fills close up to |position| at the current entry price and
// realize the difference; any leftover opens a new position at the fill
// price. Same-direction fills re-average the entry.
func (l *Ledger) RecordFill(side models.Side, price decimal.Decimal, qty int64, ts time.Time, reason models.FillReason) (models.TradeRecord, error) {
	if qty <= 0 || !price.IsPositive() {
		return models.TradeRecord{}, fmt.Errorf("%w: %s %d @ %s", ErrInvalidFill, side.Action(), qty, price)
	}

	dir := int64(1)
	if side == models.Ask {
		dir = -1
	}

	delta := decimal.Zero
	remaining := qty

	if l.position != 0 && sign(l.position) != dir {
		closed := min(remaining, abs(l.position))
		// (exit - entry) per share for a long, (entry - exit) for a short.
		perShare := price.Sub(l.entry)
		if l.position < 0 {
			perShare = perShare.Neg()
		}
		delta = perShare.Mul(decimal.NewFromInt(closed))
		l.realized = l.realized.Add(delta)
		l.position += dir * closed
		remaining -= closed
		if l.position == 0 {
			l.entry = decimal.Zero
		}
	}

	if remaining > 0 {
		held := abs(l.position)
		if held == 0 {
			l.entry = price
		} else {
			cost := l.entry.Mul(decimal.NewFromInt(held)).Add(price.Mul(decimal.NewFromInt(remaining)))
			l.entry = cost.Div(decimal.NewFromInt(held + remaining))
		}
		l.position += dir * remaining
	}

	rec := models.TradeRecord{
		Security:         l.security,
		Seq:              len(l.trades) + 1,
		Timestamp:        ts,
		Side:             side,
		FillPrice:        price,
		FillQty:          qty,
		RealizedPnLDelta: delta,
		Position:         l.position,
		CumulativePnL:    l.realized,
		Reason:           reason,
	}
	l.trades = append(l.trades, rec)
	return rec, nil
}

// Flatten closes the whole position at price. It reports false when already flat.
func (l *Ledger) Flatten(price decimal.Decimal, ts time.Time, reason models.FillReason) (models.TradeRecord, bool, error) {
	if l.position == 0 {
		return models.TradeRecord{}, false, nil
	}
	side := models.Ask
	if l.position < 0 {
		side = models.Bid
	}
	rec, err := l.RecordFill(side, price, abs(l.position), ts, reason)
	if err != nil {
		return models.TradeRecord{}, false, err
	}
	return rec, true, nil
}

// Position is the signed share count: positive long, negative short.
func (l *Ledger) Position() int64 { return l.position }

// EntryPrice is defined only while the position is open.
func (l *Ledger) EntryPrice() (decimal.Decimal, bool) {
	if l.position == 0 {
		return decimal.Zero, false
	}
	return l.entry, true
}

func (l *Ledger) RealizedPnL() decimal.Decimal { return l.realized }

// Trades returns a copy of the journal.
func (l *Ledger) Trades() []models.TradeRecord {
	out := make([]models.TradeRecord, len(l.trades))
	copy(out, l.trades)
	return out
}

func (l *Ledger) TradeCount() int { return len(l.trades) }

// UnrealizedPnL marks the open position at mark.
func (l *Ledger) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if l.position == 0 {
		return decimal.Zero
	}
	return mark.Sub(l.entry).Mul(decimal.NewFromInt(l.position))
}

// UnrealizedPct is UnrealizedPnL as a percentage of the position notional at entry.
func (l *Ledger) UnrealizedPct(mark decimal.Decimal) decimal.Decimal {
	notional := l.entry.Mul(decimal.NewFromInt(abs(l.position)))
	if l.position == 0 || notional.IsZero() {
		return decimal.Zero
	}
	return l.UnrealizedPnL(mark).Div(notional).Mul(hundred)
}

func sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
