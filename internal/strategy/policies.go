package strategy

import (
	"time"

	"github.com/rewired-gh/mmsim/internal/models"
	"github.com/rewired-gh/mmsim/internal/quote"
	"github.com/shopspring/decimal"
)

// timeCooldown requotes a side once its refill interval has passed since the
// last placement. Every placement joins the back of the queue.
type timeCooldown struct {
	params Params
	timers [2]quote.RefillTimer
}

func newTimeCooldown(p Params) *timeCooldown {
	return &timeCooldown{params: p}
}

func (s *timeCooldown) Name() string { return "time_cooldown" }

func (s *timeCooldown) ShouldRequote(side models.Side, ts time.Time) bool {
	return s.timers[side].Eligible(ts, s.params.RefillInterval)
}

func (s *timeCooldown) GenerateQuote(side models.Side, view MarketView) Quote {
	return joinBest(s.params, side, view, s.params.QuoteSize[side])
}

func (s *timeCooldown) OnPlaced(side models.Side, ts time.Time) { s.timers[side].Reset(ts) }
func (s *timeCooldown) OnFill(models.Side, time.Time)           {}
func (s *timeCooldown) RetainsQueue() bool                      { return false }

// fillCooldown follows the best price on every update. After a fill the side
// enters a cooldown during which only the unfilled remainder may be quoted.
type fillCooldown struct {
	params Params
	timers [2]quote.RefillTimer
}

func newFillCooldown(p Params) *fillCooldown {
	return &fillCooldown{params: p}
}

func (s *fillCooldown) Name() string { return "fill_cooldown" }

func (s *fillCooldown) ShouldRequote(models.Side, time.Time) bool { return true }

func (s *fillCooldown) GenerateQuote(side models.Side, view MarketView) Quote {
	base := s.params.QuoteSize[side]
	if !s.timers[side].Eligible(view.Time, s.params.RefillInterval) {
		base = 0
		if view.Slot.Active {
			base = view.Slot.Remaining
		}
	}
	return joinBest(s.params, side, view, base)
}

func (s *fillCooldown) OnPlaced(models.Side, time.Time)       {}
func (s *fillCooldown) OnFill(side models.Side, ts time.Time) { s.timers[side].Reset(ts) }
func (s *fillCooldown) RetainsQueue() bool                    { return true }

// stopLoss is fillCooldown plus a loss limit on the open position.
type stopLoss struct {
	*fillCooldown
	threshold decimal.Decimal
}

func newStopLoss(p Params) *stopLoss {
	return &stopLoss{fillCooldown: newFillCooldown(p), threshold: p.StopLossPct.Neg()}
}

func (s *stopLoss) Name() string { return "stop_loss" }

// StopLossTriggered fires when the unrealized loss exceeds the threshold
// percentage of the position's entry notional.
func (s *stopLoss) StopLossTriggered(unrealizedPct decimal.Decimal) bool {
	return unrealizedPct.LessThan(s.threshold)
}
