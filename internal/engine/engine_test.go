package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/rewired-gh/mmsim/internal/models"
	"github.com/rewired-gh/mmsim/internal/session"
	"github.com/rewired-gh/mmsim/internal/strategy"
	"github.com/shopspring/decimal"
)

var day1 = time.Date(2025, 4, 21, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func at(day time.Time, hour, minute, sec int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute + time.Duration(sec)*time.Second)
}

func event(kind models.EventKind, ts time.Time, price string, vol int64) models.Event {
	return models.Event{Security: "ADCB", Timestamp: ts, Kind: kind, Price: d(price), Volume: vol}
}

func bid(ts time.Time, price string, vol int64) models.Event {
	return event(models.KindBid, ts, price, vol)
}

func ask(ts time.Time, price string, vol int64) models.Event {
	return event(models.KindAsk, ts, price, vol)
}

func trade(ts time.Time, price string, vol int64) models.Event {
	return event(models.KindTrade, ts, price, vol)
}

type setup struct {
	policy string
	params strategy.Params
	sched  session.Schedule
	config Config
}

func newTestEngine(t *testing.T, mutate func(*setup)) *Engine {
	t.Helper()
	s := &setup{
		policy: "time_cooldown",
		params: strategy.DefaultParams(),
		sched:  session.DefaultSchedule(),
	}
	if mutate != nil {
		mutate(s)
	}

	pol, err := strategy.New(s.policy, s.params)
	if err != nil {
		t.Fatalf("strategy.New: %v", err)
	}
	clock, err := session.NewClock(time.UTC, s.sched)
	if err != nil {
		t.Fatalf("session.NewClock: %v", err)
	}
	cfg := s.config
	cfg.Policy = pol
	cfg.Clock = clock
	cfg.Params = s.params

	e, err := New("ADCB", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func feed(t *testing.T, e *Engine, events ...models.Event) []models.TradeRecord {
	t.Helper()
	var out []models.TradeRecord
	for _, ev := range events {
		recs, err := e.ProcessEvent(ev)
		if err != nil {
			t.Fatalf("ProcessEvent(%s @ %s): %v", ev.Kind, ev.Timestamp.Format("15:04:05"), err)
		}
		out = append(out, recs...)
	}
	return out
}

// openLong leaves the engine long 30000 @ 3.48.
func openLong(t *testing.T, e *Engine) {
	t.Helper()
	feed(t, e,
		bid(at(day1, 10, 30, 0), "3.48", 50000),
		ask(at(day1, 10, 30, 0), "3.50", 40000),
		trade(at(day1, 10, 30, 1), "3.48", 80000),
	)
	if e.Position() != 30000 {
		t.Fatalf("setup: position = %d, want 30000", e.Position())
	}
}

func TestQuoteAndFill(t *testing.T) {
	e := newTestEngine(t, nil)

	recs := feed(t, e,
		bid(at(day1, 10, 30, 0), "3.48", 50000),
		ask(at(day1, 10, 30, 0), "3.50", 40000),
	)
	if len(recs) != 0 {
		t.Fatalf("book updates produced trades: %+v", recs)
	}
	slot := e.tracker.Slot(models.Bid)
	if !slot.Active || slot.Ahead != 50000 || slot.Remaining != 50000 {
		t.Errorf("bid slot = %+v", slot)
	}

	recs = feed(t, e, trade(at(day1, 10, 30, 1), "3.48", 80000))
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.Side != models.Bid || r.FillQty != 30000 || !r.FillPrice.Equal(d("3.48")) || r.Reason != models.ReasonQuoteFill {
		t.Errorf("record = %+v", r)
	}

	sum := e.Summary()
	if sum.QuotesPlaced != 2 || sum.TradesCount != 1 || sum.FinalPosition != 30000 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Strategy != "time_cooldown" || sum.EventsApplied != 3 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestGateFailureDoesNotResetTimer(t *testing.T) {
	e := newTestEngine(t, func(s *setup) { s.params.RefillInterval = time.Minute })

	// 3.48 x 1000 = 3480 is below the 25000 threshold.
	feed(t, e, bid(at(day1, 10, 30, 0), "3.48", 1000))
	if e.tracker.Slot(models.Bid).Active {
		t.Fatal("quote placed despite failing the liquidity gate")
	}
	if got := e.Summary().QuotesSuppressed; got != 1 {
		t.Errorf("QuotesSuppressed = %d, want 1", got)
	}

	feed(t, e, bid(at(day1, 10, 30, 10), "3.48", 50000))
	if !e.tracker.Slot(models.Bid).Active {
		t.Fatal("side must stay eligible after a suppressed attempt")
	}

	feed(t, e, bid(at(day1, 10, 30, 20), "3.49", 50000))
	if p := e.tracker.Slot(models.Bid).Price; !p.Equal(d("3.48")) {
		t.Errorf("requoted to %s during cooldown", p)
	}

	feed(t, e, bid(at(day1, 10, 31, 10), "3.49", 50000))
	if p := e.tracker.Slot(models.Bid).Price; !p.Equal(d("3.49")) {
		t.Errorf("slot price = %s after cooldown, want 3.49", p)
	}
}

func TestZeroSizeIsSuppressed(t *testing.T) {
	e := newTestEngine(t, func(s *setup) { s.params.MaxPosition = 0 })
	feed(t, e, bid(at(day1, 10, 30, 0), "3.48", 50000))
	if e.tracker.Slot(models.Bid).Active {
		t.Error("quote placed with zero headroom")
	}
}

func TestEODFlattenOncePerDay(t *testing.T) {
	e := newTestEngine(t, nil)
	openLong(t, e)

	recs := feed(t, e, ask(at(day1, 14, 55, 0), "3.50", 100))
	if len(recs) != 1 {
		t.Fatalf("got %d records at trigger, want 1", len(recs))
	}
	r := recs[0]
	if r.Reason != models.ReasonEODFlatten || r.Side != models.Ask || r.FillQty != 30000 || !r.FillPrice.Equal(d("3.48")) {
		t.Errorf("flatten record = %+v", r)
	}
	if e.Position() != 0 {
		t.Errorf("position = %d after flatten", e.Position())
	}
	if e.tracker.Slot(models.Bid).Active || e.tracker.Slot(models.Ask).Active {
		t.Error("slots must be dropped after the flatten")
	}

	recs = feed(t, e,
		trade(at(day1, 14, 56, 0), "3.47", 500),
		bid(at(day1, 14, 57, 0), "3.46", 1000),
	)
	if len(recs) != 0 {
		t.Errorf("second flatten on the same day: %+v", recs)
	}

	day2 := day1.AddDate(0, 0, 1)
	feed(t, e, bid(at(day2, 10, 30, 0), "3.48", 50000))
	if !e.tracker.Slot(models.Bid).Active {
		t.Error("quoting must resume on the next trading date")
	}
	recs = feed(t, e, bid(at(day2, 14, 55, 0), "3.48", 50000))
	if len(recs) != 0 {
		t.Errorf("flatten fired without a position: %+v", recs)
	}

	if got := e.Summary().Flattens; got != 1 {
		t.Errorf("Flattens = %d, want 1", got)
	}
}

func TestEODFlattenAwaitTrade(t *testing.T) {
	e := newTestEngine(t, func(s *setup) { s.sched.Flatten = session.FlattenAwaitTrade })
	openLong(t, e)

	if recs := feed(t, e, bid(at(day1, 14, 55, 0), "3.47", 1000)); len(recs) != 0 {
		t.Fatalf("flattened on a book event: %+v", recs)
	}
	recs := feed(t, e, trade(at(day1, 14, 56, 0), "3.45", 10))
	if len(recs) != 1 || !recs[0].FillPrice.Equal(d("3.45")) {
		t.Fatalf("records = %+v, want one flatten at 3.45", recs)
	}
	if !recs[0].RealizedPnLDelta.Equal(d("-900")) {
		t.Errorf("delta = %s, want -900", recs[0].RealizedPnLDelta)
	}
}

func TestEODFlattenDisabledCarries(t *testing.T) {
	e := newTestEngine(t, func(s *setup) { s.sched.Flatten = session.FlattenDisabled })
	openLong(t, e)

	feed(t, e, bid(at(day1, 14, 55, 0), "3.47", 1000))
	feed(t, e, bid(at(day1.AddDate(0, 0, 1), 9, 0, 0), "3.47", 1000))

	sum := e.Summary()
	if sum.FinalPosition != 30000 || sum.Flattens != 0 || sum.CarriedOvernight != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestRolloverClearsBook(t *testing.T) {
	e := newTestEngine(t, nil)
	feed(t, e,
		bid(at(day1, 10, 30, 0), "3.48", 50000),
		trade(at(day1, 10, 31, 0), "3.49", 100),
	)
	feed(t, e, ask(at(day1.AddDate(0, 0, 1), 9, 0, 0), "3.52", 100))

	if _, ok := e.book.BestBid(); ok {
		t.Error("bid survived the date rollover")
	}
	if _, ok := e.book.LastTrade(); ok {
		t.Error("last trade survived the date rollover")
	}
	if e.tracker.Slot(models.Bid).Active {
		t.Error("slot survived the date rollover")
	}
}

func TestOutOfOrderIsFatal(t *testing.T) {
	e := newTestEngine(t, nil)
	feed(t, e,
		bid(at(day1, 10, 30, 5), "3.48", 100),
		ask(at(day1, 10, 30, 5), "3.50", 100),
	)

	_, err := e.ProcessEvent(bid(at(day1, 10, 30, 0), "3.48", 100))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("err = %v, want ErrOutOfOrder", err)
	}
	_, err = e.ProcessEvent(bid(at(day1, 10, 31, 0), "3.48", 100))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("engine accepted events after a fatal error: %v", err)
	}
}

func TestMalformedEventsAreCounted(t *testing.T) {
	e := newTestEngine(t, nil)
	feed(t, e,
		bid(at(day1, 10, 30, 0), "3.48", 100),
		event(models.KindTrade, at(day1, 10, 30, 1), "0", 100),
		event(models.KindUnknown, at(day1, 10, 30, 2), "3.48", 100),
		models.Event{Security: "EMAAR", Timestamp: at(day1, 10, 30, 3), Kind: models.KindBid, Price: d("9.1"), Volume: 1},
		bid(at(day1, 10, 30, 4), "3.48", 0),
	)

	sum := e.Summary()
	if sum.EventsSeen != 5 || sum.EventsRejected != 3 {
		t.Errorf("seen %d rejected %d", sum.EventsSeen, sum.EventsRejected)
	}
	for _, reason := range []string{"non_positive_price", "unknown_kind", "wrong_security"} {
		if sum.Rejections[reason] != 1 {
			t.Errorf("Rejections[%s] = %d", reason, sum.Rejections[reason])
		}
	}
	if _, ok := e.book.BestBid(); ok {
		t.Error("zero-volume bid must clear the side")
	}
}

func TestSessionActions(t *testing.T) {
	e := newTestEngine(t, nil)

	feed(t, e, ask(at(day1, 9, 0, 0), "3.50", 40000))
	if e.tracker.Slot(models.Ask).Active {
		t.Fatal("quoted during pre-open")
	}
	if _, ok := e.book.BestAsk(); !ok {
		t.Fatal("pre-open must still apply the book")
	}

	feed(t, e, bid(at(day1, 9, 45, 0), "3.48", 50000))
	if !e.tracker.Slot(models.Bid).Active || !e.tracker.Slot(models.Ask).Active {
		t.Fatal("opening auction must place quotes")
	}
	if recs := feed(t, e, trade(at(day1, 9, 46, 0), "3.48", 80000)); len(recs) != 0 {
		t.Fatalf("auction trade matched our quote: %+v", recs)
	}

	feed(t, e, bid(at(day1, 10, 2, 0), "3.40", 50000))
	if p := e.tracker.Slot(models.Bid).Price; !p.Equal(d("3.48")) {
		t.Errorf("silent period event moved the quote to %s", p)
	}

	recs := feed(t, e, trade(at(day1, 10, 10, 0), "3.48", 80000))
	if len(recs) != 1 || recs[0].FillQty != 30000 {
		t.Errorf("regular trade records = %+v", recs)
	}

	sum := e.Summary()
	if sum.EventsSkipped != 1 || sum.EventsApplied != 4 {
		t.Errorf("applied %d skipped %d", sum.EventsApplied, sum.EventsSkipped)
	}
}

func TestMonitorLiquidity(t *testing.T) {
	tests := []struct {
		name       string
		monitor    bool
		wantActive bool
	}{
		{"withdraws when depth fails", true, false},
		{"keeps quote without monitoring", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, func(s *setup) { s.config.MonitorLiquidity = tt.monitor })
			feed(t, e,
				bid(at(day1, 10, 30, 0), "3.48", 50000),
				bid(at(day1, 10, 30, 10), "3.48", 1000),
			)
			if got := e.tracker.Slot(models.Bid).Active; got != tt.wantActive {
				t.Errorf("bid active = %v, want %v", got, tt.wantActive)
			}
		})
	}
}

func stopLossSetup(s *setup) {
	s.policy = "stop_loss"
	s.params.StopLossPct = d("2")
}

func TestStopLoss(t *testing.T) {
	e := newTestEngine(t, stopLossSetup)
	openLong(t, e)

	feed(t, e,
		bid(at(day1, 10, 30, 2), "3.30", 50000),
		ask(at(day1, 10, 30, 2), "3.32", 40000),
	)
	recs := feed(t, e, trade(at(day1, 10, 30, 3), "3.31", 100))
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.Reason != models.ReasonStopLoss || r.Side != models.Ask || r.FillQty != 30000 || !r.FillPrice.Equal(d("3.30")) {
		t.Errorf("stop loss record = %+v", r)
	}
	if !r.RealizedPnLDelta.Equal(d("-5400")) {
		t.Errorf("delta = %s, want -5400", r.RealizedPnLDelta)
	}
	if e.Position() != 0 || e.Summary().StopLosses != 1 {
		t.Errorf("position %d stop losses %d", e.Position(), e.Summary().StopLosses)
	}
	// the liquidation is an ask fill, so the ask side cools down like any other fill
	if e.tracker.Slot(models.Ask).Active || e.tracker.Slot(models.Bid).Active {
		t.Fatal("requoted during the refill interval")
	}
	feed(t, e, bid(at(day1, 10, 31, 4), "3.30", 50000))
	if s := e.tracker.Slot(models.Ask); !s.Active || s.Remaining != 50000 {
		t.Errorf("ask slot after cooldown = %+v, want full size", s)
	}
}

func TestStopLossDepthCapped(t *testing.T) {
	e := newTestEngine(t, func(s *setup) {
		stopLossSetup(s)
		s.config.StopLossDepthCapped = true
	})
	openLong(t, e)

	feed(t, e,
		bid(at(day1, 10, 30, 2), "3.30", 10000),
		ask(at(day1, 10, 30, 2), "3.32", 40000),
	)
	recs := feed(t, e, trade(at(day1, 10, 30, 3), "3.31", 100))
	if len(recs) != 1 || recs[0].FillQty != 10000 {
		t.Fatalf("first liquidation = %+v, want 10000 shares", recs)
	}
	if e.tracker.Slot(models.Bid).Active || e.tracker.Slot(models.Ask).Active {
		t.Fatal("quoting must stop while liquidation is pending")
	}

	recs = feed(t, e, bid(at(day1, 10, 30, 4), "3.29", 15000))
	if len(recs) != 1 || recs[0].FillQty != 15000 || e.pending != 5000 {
		t.Fatalf("second liquidation = %+v, pending %d", recs, e.pending)
	}
	if e.tracker.Slot(models.Ask).Active {
		t.Fatal("requoted with a pending liquidation")
	}

	recs = feed(t, e, bid(at(day1, 10, 30, 5), "3.28", 50000))
	if len(recs) != 1 || recs[0].FillQty != 5000 {
		t.Fatalf("final liquidation = %+v", recs)
	}
	if e.Position() != 0 || e.pending != 0 {
		t.Errorf("position %d pending %d", e.Position(), e.pending)
	}
	if e.tracker.Slot(models.Ask).Active {
		t.Error("ask requoted inside the refill interval of the last liquidation fill")
	}
	feed(t, e, bid(at(day1, 10, 31, 6), "3.28", 50000))
	if !e.tracker.Slot(models.Bid).Active || !e.tracker.Slot(models.Ask).Active {
		t.Error("quoting must resume after liquidation completes")
	}

	sum := e.Summary()
	if sum.StopLosses != 1 || sum.TradesCount != 4 {
		t.Errorf("summary = %+v", sum)
	}
	if !sum.RealizedPnL.Equal(d("-5650")) {
		t.Errorf("realized = %s, want -5650", sum.RealizedPnL)
	}
}

func TestStopLossWaitsForMatchingWindow(t *testing.T) {
	tests := []struct {
		name   string
		capped bool
	}{
		{"immediate", false},
		{"depth capped", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, func(s *setup) {
				stopLossSetup(s)
				s.sched.Flatten = session.FlattenDisabled
				s.config.StopLossDepthCapped = tt.capped
			})
			openLong(t, e)

			day2 := day1.AddDate(0, 0, 1)
			recs := feed(t, e,
				bid(at(day2, 9, 0, 0), "3.20", 50000),
				ask(at(day2, 9, 0, 0), "3.22", 40000),
				trade(at(day2, 9, 1, 0), "3.21", 500),
				trade(at(day2, 9, 45, 0), "3.21", 500),
			)
			if len(recs) != 0 {
				t.Fatalf("exited outside a matching window: %+v", recs)
			}
			if e.Position() != 30000 || e.pending != 0 || e.Summary().StopLosses != 0 {
				t.Fatalf("position %d pending %d stop losses %d", e.Position(), e.pending, e.Summary().StopLosses)
			}

			recs = feed(t, e, trade(at(day2, 10, 10, 0), "3.21", 500))
			if len(recs) != 1 {
				t.Fatalf("got %d records in the regular session, want 1", len(recs))
			}
			r := recs[0]
			if r.Reason != models.ReasonStopLoss || r.FillQty != 30000 || !r.FillPrice.Equal(d("3.20")) {
				t.Errorf("stop loss record = %+v", r)
			}
		})
	}
}

func TestPendingLiquidationWaitsForMatchingWindow(t *testing.T) {
	e := newTestEngine(t, func(s *setup) {
		stopLossSetup(s)
		s.sched.Flatten = session.FlattenDisabled
		s.config.StopLossDepthCapped = true
	})
	openLong(t, e)
	feed(t, e,
		bid(at(day1, 10, 30, 2), "3.30", 10000),
		ask(at(day1, 10, 30, 2), "3.32", 40000),
		trade(at(day1, 10, 30, 3), "3.31", 100),
	)
	if e.pending != 20000 {
		t.Fatalf("setup: pending = %d, want 20000", e.pending)
	}

	day2 := day1.AddDate(0, 0, 1)
	recs := feed(t, e,
		bid(at(day2, 9, 0, 0), "3.29", 50000),
		bid(at(day2, 9, 45, 0), "3.29", 50000),
		ask(at(day2, 9, 45, 0), "3.31", 40000),
	)
	if len(recs) != 0 || e.pending != 20000 {
		t.Fatalf("liquidated before the regular session: %+v, pending %d", recs, e.pending)
	}
	if e.tracker.Slot(models.Bid).Active || e.tracker.Slot(models.Ask).Active {
		t.Fatal("auction quoted with a pending liquidation")
	}

	recs = feed(t, e, bid(at(day2, 10, 10, 0), "3.28", 50000))
	if len(recs) != 1 || recs[0].FillQty != 20000 || !recs[0].FillPrice.Equal(d("3.28")) {
		t.Fatalf("regular session liquidation = %+v", recs)
	}
	if e.Position() != 0 || e.pending != 0 {
		t.Errorf("position %d pending %d", e.Position(), e.pending)
	}
}

func TestRequoteRetainsQueue(t *testing.T) {
	tests := []struct {
		name      string
		monitor   bool
		wantAhead int64
	}{
		{"keeps queue position", false, 30000},
		{"queue shrinks to visible depth", true, 25000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, func(s *setup) {
				s.policy = "fill_cooldown"
				s.config.MonitorLiquidity = tt.monitor
			})
			feed(t, e,
				bid(at(day1, 10, 30, 0), "3.48", 50000),
				trade(at(day1, 10, 30, 1), "3.48", 20000),
				bid(at(day1, 10, 30, 5), "3.48", 25000),
			)
			s := e.tracker.Slot(models.Bid)
			if !s.Active || s.Ahead != tt.wantAhead || s.Remaining != 50000 || !s.PlacedAt.Equal(at(day1, 10, 30, 0)) {
				t.Errorf("same-price slot = %+v, want ahead %d", s, tt.wantAhead)
			}
			if got := e.Summary().QuotesPlaced; got != 1 {
				t.Errorf("QuotesPlaced = %d after same-price update, want 1", got)
			}

			feed(t, e, bid(at(day1, 10, 30, 10), "3.49", 60000))
			s = e.tracker.Slot(models.Bid)
			if !s.Price.Equal(d("3.49")) || s.Ahead != 60000 || !s.PlacedAt.Equal(at(day1, 10, 30, 10)) {
				t.Errorf("slot after price change = %+v", s)
			}
			if got := e.Summary().QuotesPlaced; got != 2 {
				t.Errorf("QuotesPlaced = %d after price change, want 2", got)
			}
		})
	}
}

func TestFillCooldownCapsRequote(t *testing.T) {
	e := newTestEngine(t, func(s *setup) { s.policy = "fill_cooldown" })

	steps := []struct {
		name          string
		ev            models.Event
		wantActive    bool
		wantPrice     string
		wantAhead     int64
		wantRemaining int64
	}{
		{"initial quote", bid(at(day1, 10, 30, 0), "3.48", 50000), true, "3.48", 50000, 50000},
		{"ask joins", ask(at(day1, 10, 30, 0), "3.50", 40000), true, "3.48", 50000, 50000},
		{"partial fill", trade(at(day1, 10, 30, 1), "3.48", 80000), true, "3.48", 0, 20000},
		{"same price in cooldown", bid(at(day1, 10, 30, 10), "3.48", 50000), true, "3.48", 0, 20000},
		{"new price in cooldown", bid(at(day1, 10, 30, 20), "3.47", 60000), true, "3.47", 60000, 20000},
		{"side filled out", trade(at(day1, 10, 30, 30), "3.47", 100000), false, "", 0, 0},
		{"filled side stays out", bid(at(day1, 10, 30, 40), "3.47", 60000), false, "", 0, 0},
		{"cooldown over", bid(at(day1, 10, 31, 31), "3.47", 60000), true, "3.47", 60000, 50000},
	}

	for _, st := range steps {
		feed(t, e, st.ev)
		s := e.tracker.Slot(models.Bid)
		if s.Active != st.wantActive {
			t.Fatalf("%s: active = %v, want %v", st.name, s.Active, st.wantActive)
		}
		if !st.wantActive {
			continue
		}
		if !s.Price.Equal(d(st.wantPrice)) || s.Ahead != st.wantAhead || s.Remaining != st.wantRemaining {
			t.Errorf("%s: slot = %+v, want %s ahead %d remaining %d", st.name, s, st.wantPrice, st.wantAhead, st.wantRemaining)
		}
	}

	if e.Position() != 50000 {
		t.Errorf("position = %d, want 50000", e.Position())
	}
	if got := e.Summary().QuotesSuppressed; got != 1 {
		t.Errorf("QuotesSuppressed = %d, want 1", got)
	}
}

func TestEODFlattenPriceFallback(t *testing.T) {
	tests := []struct {
		name        string
		before      []models.Event
		trigger     models.Event
		wantFlatten bool
		wantPrice   string
	}{
		{
			name:        "last trade",
			before:      []models.Event{trade(at(day1, 14, 0, 0), "3.47", 500)},
			trigger:     bid(at(day1, 14, 55, 0), "3.40", 1000),
			wantFlatten: true,
			wantPrice:   "3.47",
		},
		{
			name:   "mid without a print",
			before: []models.Event{
				bid(at(day1, 14, 0, 0), "3.46", 50000),
				ask(at(day1, 14, 0, 0), "3.50", 40000),
			},
			trigger:     ask(at(day1, 14, 55, 0), "3.60", 100),
			wantFlatten: true,
			wantPrice:   "3.48",
		},
		{
			name:        "single side",
			before:      []models.Event{bid(at(day1, 14, 0, 0), "3.46", 50000)},
			trigger:     ask(at(day1, 14, 55, 0), "3.60", 100),
			wantFlatten: true,
			wantPrice:   "3.46",
		},
		{
			name:    "no price carries",
			trigger: bid(at(day1, 14, 55, 0), "3.46", 1000),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, nil)
			if _, err := e.ledger.RecordFill(models.Bid, d("3.48"), 30000, at(day1, 10, 30, 0), models.ReasonQuoteFill); err != nil {
				t.Fatal(err)
			}
			feed(t, e, tt.before...)

			recs := feed(t, e, tt.trigger)
			if !tt.wantFlatten {
				if len(recs) != 0 {
					t.Fatalf("flattened without a price: %+v", recs)
				}
				if recs := feed(t, e, trade(at(day1, 14, 56, 0), "3.45", 100)); len(recs) != 0 {
					t.Fatalf("flatten retried after carrying: %+v", recs)
				}
				feed(t, e, bid(at(day1.AddDate(0, 0, 1), 9, 0, 0), "3.46", 1000))
				sum := e.Summary()
				if sum.FinalPosition != 30000 || sum.Flattens != 0 || sum.CarriedOvernight != 1 {
					t.Errorf("summary = %+v", sum)
				}
				return
			}

			if len(recs) != 1 {
				t.Fatalf("got %d records at trigger, want 1", len(recs))
			}
			if r := recs[0]; r.Reason != models.ReasonEODFlatten || !r.FillPrice.Equal(d(tt.wantPrice)) {
				t.Errorf("flatten record = %+v, want price %s", r, tt.wantPrice)
			}
			if e.Position() != 0 {
				t.Errorf("position = %d after flatten", e.Position())
			}
		})
	}
}

// sessionEvents builds a deterministic pseudo-random morning of book updates and prints.
func sessionEvents() []models.Event {
	var events []models.Event
	seed := uint32(7)
	next := func(n uint32) uint32 {
		seed = seed*1664525 + 1013904223
		return (seed >> 8) % n
	}
	ts := at(day1, 9, 50, 0)
	for i := 0; i < 3000; i++ {
		ts = ts.Add(time.Duration(1+next(5)) * time.Second)
		tick := decimal.New(int64(next(6)), -2)
		bidPx := d("3.45").Add(tick)
		switch next(3) {
		case 0:
			events = append(events, models.Event{Security: "ADCB", Timestamp: ts, Kind: models.KindBid, Price: bidPx, Volume: int64(5000 + next(60000))})
		case 1:
			events = append(events, models.Event{Security: "ADCB", Timestamp: ts, Kind: models.KindAsk, Price: bidPx.Add(d("0.02")), Volume: int64(5000 + next(60000))})
		default:
			events = append(events, models.Event{Security: "ADCB", Timestamp: ts, Kind: models.KindTrade, Price: bidPx.Add(d("0.01")).Sub(decimal.New(int64(next(3)), -2)), Volume: int64(100 + next(90000))})
		}
	}
	return events
}

func TestReplayIsDeterministic(t *testing.T) {
	for _, name := range strategy.Names() {
		t.Run(name, func(t *testing.T) {
			events := sessionEvents()
			a := newTestEngine(t, func(s *setup) { s.policy = name })
			b := newTestEngine(t, func(s *setup) { s.policy = name })

			ra := feed(t, a, events...)
			rb := feed(t, b, events...)
			if len(ra) == 0 {
				t.Fatal("synthetic session produced no trades")
			}
			if len(ra) != len(rb) {
				t.Fatalf("trade counts differ: %d vs %d", len(ra), len(rb))
			}
			for i := range ra {
				x, y := ra[i], rb[i]
				if x.Seq != y.Seq || x.Side != y.Side || x.FillQty != y.FillQty || !x.FillPrice.Equal(y.FillPrice) || !x.CumulativePnL.Equal(y.CumulativePnL) {
					t.Fatalf("record %d differs: %+v vs %+v", i, x, y)
				}
			}

			sum := decimal.Zero
			for _, r := range a.Trades() {
				sum = sum.Add(r.RealizedPnLDelta)
			}
			if !sum.Equal(a.Summary().RealizedPnL) {
				t.Errorf("sum of deltas %s != realized %s", sum, a.Summary().RealizedPnL)
			}
		})
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("", Config{}); err == nil {
		t.Error("expected error for empty security")
	}
	if _, err := New("ADCB", Config{}); err == nil {
		t.Error("expected error for missing policy")
	}

	params := strategy.DefaultParams()
	pol, _ := strategy.New("time_cooldown", params)
	params.MaxPosition = -1
	if _, err := New("ADCB", Config{Policy: pol, Params: params}); err == nil {
		t.Error("expected error for invalid params")
	}
}
