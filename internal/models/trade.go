package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FillReason records why a fill happened.
type FillReason string

const (
	ReasonQuoteFill  FillReason = "quote_fill"
	ReasonEODFlatten FillReason = "eod_flatten"
	ReasonStopLoss   FillReason = "stop_loss"
)

// TradeRecord is one entry of a security's append-only fill journal.
type TradeRecord struct {
	Security         string          `json:"security"`
	Seq              int             `json:"seq"`
	Timestamp        time.Time       `json:"timestamp"`
	Side             Side            `json:"side"`
	FillPrice        decimal.Decimal `json:"fill_price"`
	FillQty          int64           `json:"fill_qty"`
	RealizedPnLDelta decimal.Decimal `json:"realized_pnl_delta"`
	Position         int64           `json:"position"`
	CumulativePnL    decimal.Decimal `json:"cumulative_pnl"`
	Reason           FillReason      `json:"reason"`
}

// Summary is the per-security result of one replay.
type Summary struct {
	Security      string          `json:"security"`
	Strategy      string          `json:"strategy"`
	TradesCount   int             `json:"trades_count"`
	FinalPosition int64           `json:"final_position"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`

	EventsSeen     int            `json:"events_seen"`
	EventsApplied  int            `json:"events_applied"`
	EventsSkipped  int            `json:"events_skipped"`
	EventsRejected int            `json:"events_rejected"`
	Rejections     map[string]int `json:"rejections,omitempty"`

	QuotesPlaced     int `json:"quotes_placed"`
	QuotesSuppressed int `json:"quotes_suppressed"`
	Flattens         int `json:"flattens"`
	StopLosses       int `json:"stop_losses"`
	CarriedOvernight int `json:"carried_overnight"`

	LastEventAt time.Time `json:"last_event_at"`
}

// Run identifies one invocation of the simulator.
type Run struct {
	ID         string
	Strategy   string
	StartedAt  time.Time
	FinishedAt time.Time
}
