package report

import "math"

// Welford accumulates mean and variance in one pass without storing samples.
type Welford struct {
	n    int
	mean float64
	m2   float64
}

func (w *Welford) Add(x float64) {
	w.n++
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	delta2 := x - w.mean
	w.m2 += delta * delta2
}

func (w *Welford) Count() int    { return w.n }
func (w *Welford) Mean() float64 { return w.mean }

// StdDev is the sample standard deviation, 0 with fewer than two samples.
func (w *Welford) StdDev() float64 {
	if w.n < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.n-1))
}
