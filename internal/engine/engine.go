// Package engine replays a time-ordered event stream for one security through
// the book, quote tracker, ledger, and strategy policy.
//
// An Engine is a pure fold over its input: the same events in the same order
// always produce the same trades, however the stream is batched.
package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/mmsim/internal/ledger"
	"github.com/rewired-gh/mmsim/internal/logger"
	"github.com/rewired-gh/mmsim/internal/models"
	"github.com/rewired-gh/mmsim/internal/orderbook"
	"github.com/rewired-gh/mmsim/internal/quote"
	"github.com/rewired-gh/mmsim/internal/session"
	"github.com/rewired-gh/mmsim/internal/strategy"
	"github.com/shopspring/decimal"
)

// ErrOutOfOrder is returned when an event's timestamp precedes the previous
// one. It is fatal: the engine refuses all further events.
var ErrOutOfOrder = errors.New("out-of-order event")

type Config struct {
	Policy strategy.Policy
	Clock  *session.SessionClock
	Params strategy.Params
	// MonitorLiquidity withdraws a resting quote as soon as the depth at its
	// price no longer passes the liquidity gate.
	MonitorLiquidity bool
	// StopLossDepthCapped liquidates at most the displayed opposite depth per
	// event and blocks quoting until the position is closed.
	StopLossDepthCapped bool
}

type Engine struct {
	security string
	config   Config
	log      *logger.Logger

	book    *orderbook.OrderBook
	ledger  *ledger.Ledger
	tracker *quote.Tracker
	stop    strategy.StopLosser

	lastTS  time.Time
	date    session.Date
	eodDone bool // flatten trigger handled for date
	halted  bool // no more quoting for date
	pending int64
	fatal   error

	summary models.Summary
}

func New(security string, config Config) (*Engine, error) {
	if security == "" {
		return nil, fmt.Errorf("security is required")
	}
	if config.Policy == nil {
		return nil, fmt.Errorf("policy is required for %s", security)
	}
	if err := config.Params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params for %s: %w", security, err)
	}
	if config.Clock == nil {
		clock, err := session.NewClock(time.UTC, session.DefaultSchedule())
		if err != nil {
			return nil, err
		}
		config.Clock = clock
	}

	e := &Engine{
		security: security,
		config:   config,
		log:      logger.With(security),
		book:     orderbook.New(),
		ledger:   ledger.New(security),
		tracker:  quote.NewTracker(),
		summary: models.Summary{
			Security:   security,
			Strategy:   config.Policy.Name(),
			Rejections: make(map[string]int),
		},
	}
	if sl, ok := config.Policy.(strategy.StopLosser); ok {
		e.stop = sl
	}
	return e, nil
}

// ProcessEvent applies one event and returns the trade records it produced.
//
// Malformed events are counted and ignored. The only error is ErrOutOfOrder,
// after which every call returns the same error.
func (e *Engine) ProcessEvent(ev models.Event) ([]models.TradeRecord, error) {
	if e.fatal != nil {
		return nil, e.fatal
	}
	e.summary.EventsSeen++

	if err := ev.Validate(); err != nil {
		e.reject(rejectReason(err), ev, err)
		return nil, nil
	}
	if !strings.EqualFold(ev.Security, e.security) {
		e.reject("wrong_security", ev, fmt.Errorf("event for %s", ev.Security))
		return nil, nil
	}
	if !e.lastTS.IsZero() && ev.Timestamp.Before(e.lastTS) {
		e.fatal = fmt.Errorf("%w: %s event at %s precedes %s", ErrOutOfOrder, e.security,
			ev.Timestamp.Format(time.RFC3339Nano), e.lastTS.Format(time.RFC3339Nano))
		e.log.Error("%v", e.fatal)
		return nil, e.fatal
	}
	e.lastTS = ev.Timestamp
	e.summary.LastEventAt = ev.Timestamp

	clock := e.config.Clock
	if date := clock.TradingDate(ev.Timestamp); date != e.date {
		e.rollover(date)
	}

	var out []models.TradeRecord
	out = append(out, e.endOfDay(ev)...)

	action := clock.Action(clock.Classify(ev.Timestamp))
	if !action.AppliesBook() {
		e.summary.EventsSkipped++
		return out, nil
	}
	e.summary.EventsApplied++

	switch ev.Kind {
	case models.KindBid:
		e.book.ApplyBid(ev.Price, ev.Volume)
	case models.KindAsk:
		e.book.ApplyAsk(ev.Price, ev.Volume)
	case models.KindTrade:
		e.book.RecordTrade(ev.Price, ev.Volume)
	}

	// Exits only execute in windows that match; a pending liquidation waits.
	if action.Matches() {
		if ev.Kind == models.KindTrade {
			out = append(out, e.checkStopLoss(ev)...)
		}
		if e.pending > 0 {
			out = append(out, e.liquidate(ev)...)
		}
	}

	if ev.Kind.IsBook() {
		if e.config.MonitorLiquidity {
			e.withdrawIlliquid()
		}
		if action.Quotes() {
			e.requote(ev.Timestamp)
		}
	}

	if ev.Kind == models.KindTrade && action.Matches() {
		out = append(out, e.match(ev)...)
	}
	return out, nil
}

func (e *Engine) reject(reason string, ev models.Event, err error) {
	e.summary.EventsRejected++
	e.summary.Rejections[reason]++
	e.log.Debug("Rejected event at %s: %v", ev.Timestamp.Format(time.RFC3339), err)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, models.ErrEmptySecurity):
		return "empty_security"
	case errors.Is(err, models.ErrZeroTimestamp):
		return "zero_timestamp"
	case errors.Is(err, models.ErrUnknownKind):
		return "unknown_kind"
	case errors.Is(err, models.ErrNonPositive):
		return "non_positive_price"
	case errors.Is(err, models.ErrInvalidVolume):
		return "invalid_volume"
	case errors.Is(err, models.ErrEmptyTrade):
		return "empty_trade"
	default:
		return "invalid"
	}
}

func (e *Engine) rollover(date session.Date) {
	if !e.date.IsZero() {
		if pos := e.ledger.Position(); pos != 0 {
			e.summary.CarriedOvernight++
			e.log.Warn("Carrying position %d from %s into %s", pos, e.date, date)
		}
	}
	e.book.Clear()
	e.tracker.Clear()
	e.date = date
	e.eodDone = false
	e.halted = false
}

// endOfDay applies the forced flatten once the trigger time is reached.
func (e *Engine) endOfDay(ev models.Event) []models.TradeRecord {
	clock := e.config.Clock
	mode := clock.FlattenMode()
	if e.eodDone || mode == session.FlattenDisabled || !clock.IsFlattenTime(ev.Timestamp) {
		return nil
	}

	e.halt()
	if e.ledger.Position() == 0 {
		e.eodDone = true
		return nil
	}

	var price decimal.Decimal
	switch {
	case ev.Kind == models.KindTrade:
		price = ev.Price
	case mode == session.FlattenAwaitTrade:
		return nil
	default:
		if last, ok := e.book.LastTrade(); ok {
			price = last.Price
		} else if mid, ok := e.book.Mid(); ok {
			price = mid
		} else {
			e.eodDone = true
			e.log.Warn("No price to flatten position %d on %s; carrying", e.ledger.Position(), e.date)
			return nil
		}
	}

	e.eodDone = true
	rec, ok, err := e.ledger.Flatten(price, ev.Timestamp, models.ReasonEODFlatten)
	if err != nil {
		e.log.Error("Failed to flatten: %v", err)
		return nil
	}
	if !ok {
		return nil
	}
	e.pending = 0
	e.summary.Flattens++
	e.log.Info("EOD flatten %s %d @ %s, realized %s", rec.Side.Action(), rec.FillQty, rec.FillPrice, rec.RealizedPnLDelta)
	return []models.TradeRecord{rec}
}

func (e *Engine) halt() {
	e.halted = true
	e.tracker.Clear()
}

func (e *Engine) checkStopLoss(ev models.Event) []models.TradeRecord {
	if e.stop == nil || e.pending > 0 || e.ledger.Position() == 0 {
		return nil
	}
	mark, ok := e.book.Mid()
	if !ok {
		mark = ev.Price
	}
	pct := e.ledger.UnrealizedPct(mark)
	if !e.stop.StopLossTriggered(pct) {
		return nil
	}

	e.summary.StopLosses++
	e.log.Warn("Stop loss at %s%% (mark %s, position %d)", pct.StringFixed(2), mark, e.ledger.Position())
	e.tracker.Clear()

	if e.config.StopLossDepthCapped {
		e.pending = abs(e.ledger.Position())
		return nil // liquidate runs right after
	}

	exit := models.Ask
	if e.ledger.Position() < 0 {
		exit = models.Bid
	}
	price := ev.Price
	if lvl, ok := e.book.Best(exit.Opposite()); ok {
		price = lvl.Price
	}
	rec, done, err := e.ledger.Flatten(price, ev.Timestamp, models.ReasonStopLoss)
	if err != nil || !done {
		return nil
	}
	e.config.Policy.OnFill(rec.Side, ev.Timestamp)
	e.requote(ev.Timestamp)
	return []models.TradeRecord{rec}
}

// liquidate works down a depth-capped stop-loss against the opposite best.
func (e *Engine) liquidate(ev models.Event) []models.TradeRecord {
	pos := e.ledger.Position()
	if pos == 0 {
		e.pending = 0
		return nil
	}
	exit := models.Ask
	if pos < 0 {
		exit = models.Bid
	}
	lvl, ok := e.book.Best(exit.Opposite())
	if !ok || lvl.Qty <= 0 {
		return nil
	}

	qty := min(e.pending, abs(pos), lvl.Qty)
	rec, err := e.ledger.RecordFill(exit, lvl.Price, qty, ev.Timestamp, models.ReasonStopLoss)
	if err != nil {
		e.log.Error("Failed to liquidate: %v", err)
		return nil
	}
	e.pending -= qty
	e.config.Policy.OnFill(exit, ev.Timestamp)
	if e.pending > 0 {
		e.log.Debug("Stop loss liquidation pending: %d left", e.pending)
		return []models.TradeRecord{rec}
	}

	e.log.Info("Stop loss liquidation complete, position %d", rec.Position)
	e.requote(ev.Timestamp)
	return []models.TradeRecord{rec}
}

func (e *Engine) view(ts time.Time) strategy.MarketView {
	v := strategy.MarketView{Time: ts, Position: e.ledger.Position()}
	for _, side := range models.Sides {
		v.Best[side], v.HasBest[side] = e.book.Best(side)
	}
	v.Mid, v.HasMid = e.book.Mid()
	return v
}

// passesGate reports whether a quote of size at price, joining depth shares,
// may be placed.
func (e *Engine) passesGate(price decimal.Decimal, size, depth int64) bool {
	if size <= 0 {
		return false
	}
	lvl := models.Level{Price: price, Qty: depth}
	return lvl.Notional().GreaterThanOrEqual(e.config.Params.MinNotional)
}

func (e *Engine) requote(ts time.Time) {
	if e.halted || e.pending > 0 {
		return
	}
	policy := e.config.Policy
	view := e.view(ts)

	for _, side := range models.Sides {
		if !view.HasBest[side] || !policy.ShouldRequote(side, ts) {
			continue
		}
		slot := e.tracker.Slot(side)
		view.Slot = slot
		q := policy.GenerateQuote(side, view)
		depth := e.book.DepthAt(side, q.Price)

		if !e.passesGate(q.Price, q.Size, depth) {
			e.tracker.Suppress(side)
			e.summary.QuotesSuppressed++
			e.log.Debug("Suppressed %s %d @ %s (depth %d)", side, q.Size, q.Price, depth)
			continue
		}

		if policy.RetainsQueue() && slot.Active && slot.Price.Equal(q.Price) {
			e.tracker.Resize(side, q.Size)
			if e.config.MonitorLiquidity {
				e.tracker.Requeue(side, depth)
			}
		} else {
			e.tracker.Place(side, q.Price, depth, q.Size, ts)
			e.summary.QuotesPlaced++
			e.log.Debug("Placed %s %d @ %s behind %d", side, q.Size, q.Price, depth)
		}
		policy.OnPlaced(side, ts)
	}
}

func (e *Engine) withdrawIlliquid() {
	for _, side := range models.Sides {
		slot := e.tracker.Slot(side)
		if !slot.Active {
			continue
		}
		depth := e.book.DepthAt(side, slot.Price)
		if !e.passesGate(slot.Price, slot.Remaining, depth) {
			e.tracker.Suppress(side)
			e.summary.QuotesSuppressed++
			e.log.Debug("Withdrew %s @ %s, depth %d below threshold", side, slot.Price, depth)
		}
	}
}

func (e *Engine) match(ev models.Event) []models.TradeRecord {
	fills := e.tracker.Match(ev.Price, ev.Volume)
	if len(fills) == 0 {
		return nil
	}
	out := make([]models.TradeRecord, 0, len(fills))
	for _, f := range fills {
		rec, err := e.ledger.RecordFill(f.Side, f.Price, f.Qty, ev.Timestamp, models.ReasonQuoteFill)
		if err != nil {
			e.log.Error("Failed to record fill: %v", err)
			continue
		}
		e.config.Policy.OnFill(f.Side, ev.Timestamp)
		out = append(out, rec)
	}
	return out
}

// Summary returns the counters and final position so far.
func (e *Engine) Summary() models.Summary {
	s := e.summary
	s.TradesCount = e.ledger.TradeCount()
	s.FinalPosition = e.ledger.Position()
	s.RealizedPnL = e.ledger.RealizedPnL()
	s.Rejections = make(map[string]int, len(e.summary.Rejections))
	for k, v := range e.summary.Rejections {
		s.Rejections[k] = v
	}
	return s
}

func (e *Engine) Trades() []models.TradeRecord { return e.ledger.Trades() }
func (e *Engine) Position() int64              { return e.ledger.Position() }

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
