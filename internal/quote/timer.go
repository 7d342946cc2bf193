package quote

import "time"

// RefillTimer gates requotes on one side. It is eligible when it has never
// been set or when at least the interval has passed since the last reset.
type RefillTimer struct {
	lastSet time.Time
	set     bool
}

func (r *RefillTimer) Eligible(ts time.Time, interval time.Duration) bool {
	if !r.set {
		return true
	}
	return ts.Sub(r.lastSet) >= interval
}

func (r *RefillTimer) Reset(ts time.Time) {
	r.lastSet = ts
	r.set = true
}
