// Package report aggregates per-security summaries into run-level figures.
package report

import (
	"github.com/rewired-gh/mmsim/internal/models"
	"github.com/shopspring/decimal"
)

// Report is the cross-security view of one run. Totals are exact; the
// distribution of per-security P&L is approximate.
type Report struct {
	Securities int
	Trades     int
	Open       int // securities with a non-zero final position
	Winners    int
	Flattens   int
	StopLosses int
	Rejected   int

	Total decimal.Decimal
	Best  *models.Summary
	Worst *models.Summary

	MeanPnL   float64
	StdDevPnL float64
}

func Aggregate(sums []models.Summary) Report {
	r := Report{Total: decimal.Zero}
	var w Welford
	for i := range sums {
		s := &sums[i]
		r.Securities++
		r.Trades += s.TradesCount
		r.Flattens += s.Flattens
		r.StopLosses += s.StopLosses
		r.Rejected += s.EventsRejected
		r.Total = r.Total.Add(s.RealizedPnL)
		if s.FinalPosition != 0 {
			r.Open++
		}
		if s.RealizedPnL.IsPositive() {
			r.Winners++
		}
		if r.Best == nil || s.RealizedPnL.GreaterThan(r.Best.RealizedPnL) {
			r.Best = s
		}
		if r.Worst == nil || s.RealizedPnL.LessThan(r.Worst.RealizedPnL) {
			r.Worst = s
		}
		w.Add(s.RealizedPnL.InexactFloat64())
	}
	r.MeanPnL = w.Mean()
	r.StdDevPnL = w.StdDev()
	return r
}

// WinRate is the fraction of securities that closed with positive P&L.
func (r Report) WinRate() float64 {
	if r.Securities == 0 {
		return 0
	}
	return float64(r.Winners) / float64(r.Securities)
}
