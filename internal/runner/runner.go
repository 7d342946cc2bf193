// Package runner replays many securities in parallel, one engine per
// security, and hands finished results to sinks.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/rewired-gh/mmsim/internal/engine"
	"github.com/rewired-gh/mmsim/internal/feed"
	"github.com/rewired-gh/mmsim/internal/logger"
	"github.com/rewired-gh/mmsim/internal/models"
	"golang.org/x/sync/errgroup"
)

// Result is the complete output for one security.
type Result struct {
	Security string
	Summary  models.Summary
	Trades   []models.TradeRecord
}

// Factory builds a fresh engine for a security.
type Factory func(security string) (*engine.Engine, error)

// Sink receives each Result once its source is exhausted. Sinks may be called
// concurrently for different securities.
type Sink func(ctx context.Context, res Result) error

type Options struct {
	Workers   int
	ChunkSize int
}

func DefaultOptions() Options {
	return Options{Workers: runtime.NumCPU(), ChunkSize: 10000}
}

// Run replays every source and returns results sorted by security. The first
// error (an out-of-order stream, a read failure, or a sink failure) cancels
// the remaining work.
func Run(ctx context.Context, sources []feed.Source, factory Factory, opts Options, sinks ...Sink) ([]Result, error) {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultOptions().ChunkSize
	}

	var (
		mu      sync.Mutex
		results = make(map[string]Result)
	)
	collect := func(res Result) error {
		mu.Lock()
		defer mu.Unlock()
		if _, dup := results[res.Security]; dup {
			return fmt.Errorf("security %s appears in more than one source", res.Security)
		}
		results[res.Security] = res
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, src := range sources {
		g.Go(func() error {
			defer func() { _ = src.Close() }()

			out, err := replay(gctx, src, factory, opts.ChunkSize)
			if err != nil {
				return err
			}
			for _, res := range out {
				if err := collect(res); err != nil {
					return err
				}
				for _, sink := range sinks {
					if err := sink(gctx, res); err != nil {
						return fmt.Errorf("failed to sink %s: %w", res.Security, err)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(results))
	for _, res := range results {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Security < out[j].Security })
	return out, nil
}

// replay folds one source. A source normally carries one security, but a
// security column may interleave several; each gets its own engine.
func replay(ctx context.Context, src feed.Source, factory Factory, chunk int) ([]Result, error) {
	engines := make(map[string]*engine.Engine)
	var last *engine.Engine
	events := 0

	for {
		batch, err := src.Next(ctx, chunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", src.Name(), err)
		}

		for _, ev := range batch {
			eng := last
			if sec := strings.ToUpper(ev.Security); sec != "" {
				eng = engines[sec]
				if eng == nil {
					eng, err = factory(sec)
					if err != nil {
						return nil, fmt.Errorf("failed to create engine for %s: %w", sec, err)
					}
					engines[sec] = eng
				}
				ev.Security = sec
			}
			if eng == nil {
				logger.Debug("Dropping event without security from %s", src.Name())
				continue
			}
			last = eng
			if _, err := eng.ProcessEvent(ev); err != nil {
				return nil, fmt.Errorf("%s: %w", src.Name(), err)
			}
		}
		events += len(batch)
	}

	logger.Info("Replayed %d events for %d securities from %s", events, len(engines), src.Name())

	out := make([]Result, 0, len(engines))
	for sec, eng := range engines {
		out = append(out, Result{Security: sec, Summary: eng.Summary(), Trades: eng.Trades()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Security < out[j].Security })
	return out, nil
}
