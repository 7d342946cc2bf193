package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/mmsim/internal/engine"
	"github.com/rewired-gh/mmsim/internal/feed"
	"github.com/rewired-gh/mmsim/internal/models"
	"github.com/rewired-gh/mmsim/internal/session"
	"github.com/rewired-gh/mmsim/internal/strategy"
	"github.com/shopspring/decimal"
)

var day = time.Date(2025, 4, 21, 10, 30, 0, 0, time.UTC)

func testFactory(t *testing.T) Factory {
	t.Helper()
	clock, err := session.NewClock(time.UTC, session.DefaultSchedule())
	if err != nil {
		t.Fatalf("NewClock: %v", err)
	}
	return func(security string) (*engine.Engine, error) {
		params := strategy.DefaultParams()
		pol, err := strategy.New("fill_cooldown", params)
		if err != nil {
			return nil, err
		}
		return engine.New(security, engine.Config{Policy: pol, Clock: clock, Params: params})
	}
}

func stream(security string, n int) []models.Event {
	events := make([]models.Event, 0, n)
	ts := day
	for i := 0; i < n; i++ {
		ts = ts.Add(time.Duration(1+i%4) * time.Second)
		px := decimal.New(int64(348+(i/3)%3), -2)
		ev := models.Event{Security: security, Timestamp: ts, Price: px}
		switch i % 3 {
		case 0:
			ev.Kind, ev.Volume = models.KindBid, int64(20000+i%5*10000)
		case 1:
			ev.Kind, ev.Volume, ev.Price = models.KindAsk, int64(30000+i%7*5000), px.Add(decimal.New(2, -2))
		default:
			ev.Kind, ev.Volume = models.KindTrade, int64(1000+i%11*9000)
		}
		events = append(events, ev)
	}
	return events
}

func sources(securities ...string) []feed.Source {
	out := make([]feed.Source, 0, len(securities))
	for _, sec := range securities {
		out = append(out, feed.NewSliceSource(sec, stream(sec, 2000)))
	}
	return out
}

func TestChunkedEqualsUnchunked(t *testing.T) {
	ctx := context.Background()
	factory := testFactory(t)

	whole, err := Run(ctx, sources("ADCB", "EMAAR"), factory, Options{Workers: 1, ChunkSize: 1 << 20})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	chunked, err := Run(ctx, sources("ADCB", "EMAAR"), factory, Options{Workers: 4, ChunkSize: 7})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(whole) != 2 || len(chunked) != 2 {
		t.Fatalf("got %d and %d results, want 2", len(whole), len(chunked))
	}
	for i := range whole {
		a, b := whole[i], chunked[i]
		if a.Security != b.Security {
			t.Fatalf("result order differs: %s vs %s", a.Security, b.Security)
		}
		if len(a.Trades) == 0 {
			t.Errorf("%s produced no trades", a.Security)
		}
		if len(a.Trades) != len(b.Trades) || !a.Summary.RealizedPnL.Equal(b.Summary.RealizedPnL) || a.Summary.FinalPosition != b.Summary.FinalPosition {
			t.Errorf("%s: chunked result differs: %+v vs %+v", a.Security, a.Summary, b.Summary)
		}
		for j := range a.Trades {
			if a.Trades[j].FillQty != b.Trades[j].FillQty || !a.Trades[j].FillPrice.Equal(b.Trades[j].FillPrice) {
				t.Fatalf("%s: trade %d differs", a.Security, j)
			}
		}
	}
}

func TestSinksReceiveEveryResult(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	sink := func(_ context.Context, res Result) error {
		mu.Lock()
		defer mu.Unlock()
		seen[res.Security] += len(res.Trades)
		return nil
	}

	results, err := Run(context.Background(), sources("ADCB", "EMAAR", "FAB"), testFactory(t), Options{Workers: 2}, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("sink saw %d securities, want 3", len(seen))
	}
	for _, res := range results {
		if seen[res.Security] != len(res.Trades) {
			t.Errorf("%s: sink saw %d trades, result has %d", res.Security, seen[res.Security], len(res.Trades))
		}
	}
}

func TestOutOfOrderCancelsRun(t *testing.T) {
	events := stream("ADCB", 10)
	events[5].Timestamp = day.Add(-time.Hour)

	srcs := append(sources("EMAAR"), feed.NewSliceSource("ADCB", events))
	_, err := Run(context.Background(), srcs, testFactory(t), Options{Workers: 2, ChunkSize: 3})
	if !errors.Is(err, engine.ErrOutOfOrder) {
		t.Fatalf("err = %v, want ErrOutOfOrder", err)
	}
}

func TestSinkErrorFailsRun(t *testing.T) {
	boom := errors.New("boom")
	sink := func(context.Context, Result) error { return boom }
	_, err := Run(context.Background(), sources("ADCB"), testFactory(t), Options{}, sink)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want sink error", err)
	}
}

func TestDuplicateSecurityAcrossSources(t *testing.T) {
	_, err := Run(context.Background(), sources("ADCB", "adcb"), testFactory(t), Options{Workers: 1})
	if err == nil {
		t.Error("expected error for the same security in two sources")
	}
}
