// Package models defines the core domain entities: market events, sides, book levels, and trade records.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies one side of our two-sided quote. It doubles as an array index
// so per-side state can live in a [2]T instead of a map.
type Side int

const (
	Bid Side = iota
	Ask
)

// Sides lists both sides in a fixed iteration order.
var Sides = [2]Side{Bid, Ask}

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// Action is the trade direction of a fill on this side: a filled bid buys, a filled ask sells.
func (s Side) Action() string {
	if s == Bid {
		return "buy"
	}
	return "sell"
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "bid":
		*s = Bid
	case "ask":
		*s = Ask
	default:
		return fmt.Errorf("invalid side %q", b)
	}
	return nil
}

// EventKind classifies a market data event.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindBid
	KindAsk
	KindTrade
)

func (k EventKind) String() string {
	switch k {
	case KindBid:
		return "bid"
	case KindAsk:
		return "ask"
	case KindTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// IsBook reports whether the event replaces a top-of-book side.
func (k EventKind) IsBook() bool {
	return k == KindBid || k == KindAsk
}

// ParseEventKind maps loader spellings ("BID", "Ask", "trade", ...) to an EventKind.
func ParseEventKind(s string) EventKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bid", "b":
		return KindBid
	case "ask", "offer", "a":
		return KindAsk
	case "trade", "t", "last":
		return KindTrade
	default:
		return KindUnknown
	}
}

// Level is a single price level: the best bid, the best ask, or the last print.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Qty   int64           `json:"qty"`
}

// Notional returns Price × Qty.
func (l Level) Notional() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(l.Qty))
}

// Event is one record of a security's ordered market data stream.
type Event struct {
	Security  string          `json:"security"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      EventKind       `json:"kind"`
	Price     decimal.Decimal `json:"price"`
	Volume    int64           `json:"volume"`
}

// Rejection reasons reported by Validate. They are used as counter keys.
var (
	ErrEmptySecurity = errors.New("empty security")
	ErrZeroTimestamp = errors.New("zero timestamp")
	ErrUnknownKind   = errors.New("unknown event kind")
	ErrNonPositive   = errors.New("non-positive price")
	ErrInvalidVolume = errors.New("invalid volume")
	ErrEmptyTrade    = errors.New("zero-volume trade")
)

// Validate checks event field constraints.
// A zero-volume bid or ask is valid: it clears that side of the book.
func (e *Event) Validate() error {
	if e.Security == "" {
		return ErrEmptySecurity
	}
	if e.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}
	if e.Kind == KindUnknown {
		return ErrUnknownKind
	}
	if !e.Price.IsPositive() {
		return ErrNonPositive
	}
	if e.Volume < 0 {
		return ErrInvalidVolume
	}
	if e.Kind == KindTrade && e.Volume == 0 {
		return ErrEmptyTrade
	}
	return nil
}
