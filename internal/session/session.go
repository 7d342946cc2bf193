// Package session classifies timestamps into exchange trading windows and
// decides what the engine may do in each of them.
package session

import (
	"fmt"
	"strings"
	"time"
)

// Window is a phase of the trading day.
type Window int

const (
	PreOpen Window = iota
	OpeningAuction
	Silent
	Regular
	ClosingAuction
	PostClose
)

var windowNames = [...]string{"pre_open", "opening_auction", "silent", "regular", "closing_auction", "post_close"}

func (w Window) String() string {
	if w < PreOpen || w > PostClose {
		return fmt.Sprintf("window(%d)", int(w))
	}
	return windowNames[w]
}

// ParseWindow accepts the names produced by Window.String.
func ParseWindow(s string) (Window, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range windowNames {
		if name == s {
			return Window(i), nil
		}
	}
	return 0, fmt.Errorf("unknown session window %q", s)
}

// Action is what the engine does with an event in a given window.
type Action int

const (
	// Skip ignores the event entirely.
	Skip Action = iota
	// BookOnly updates the book and records prints, nothing else.
	BookOnly
	// QuoteOnly also places quotes, but trades never match them.
	QuoteOnly
	// Full runs quoting and fill simulation.
	Full
)

var actionNames = [...]string{"skip", "book_only", "quote_only", "full"}

func (a Action) String() string {
	if a < Skip || a > Full {
		return fmt.Sprintf("action(%d)", int(a))
	}
	return actionNames[a]
}

func ParseAction(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range actionNames {
		if name == s {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("unknown session action %q (want one of %s)", s, strings.Join(actionNames[:], ", "))
}

func (a Action) AppliesBook() bool { return a >= BookOnly }
func (a Action) Quotes() bool      { return a >= QuoteOnly }
func (a Action) Matches() bool     { return a == Full }

// FlattenMode selects how the end-of-day flatten is priced.
type FlattenMode int

const (
	// FlattenFirstEvent flattens on the first event at or after the trigger,
	// at that event's trade price, else the last print, else the book mid.
	FlattenFirstEvent FlattenMode = iota
	// FlattenAwaitTrade waits for the first trade print at or after the trigger.
	FlattenAwaitTrade
	// FlattenDisabled never flattens; positions carry overnight.
	FlattenDisabled
)

var flattenNames = [...]string{"first_event", "await_trade", "disabled"}

func (m FlattenMode) String() string {
	if m < FlattenFirstEvent || m > FlattenDisabled {
		return fmt.Sprintf("flatten(%d)", int(m))
	}
	return flattenNames[m]
}

func ParseFlattenMode(s string) (FlattenMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range flattenNames {
		if name == s {
			return FlattenMode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown eod flatten mode %q (want one of %s)", s, strings.Join(flattenNames[:], ", "))
}

// TimeOfDay is an offset from local midnight.
type TimeOfDay time.Duration

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	layout := "15:04:05"
	if strings.Count(s, ":") == 1 {
		layout = "15:04"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return Clock(t.Hour(), t.Minute(), t.Second()), nil
}

// Clock builds a TimeOfDay from wall-clock components.
func Clock(hour, minute, second int) TimeOfDay {
	return TimeOfDay(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute + time.Duration(second)*time.Second)
}

func (t TimeOfDay) String() string {
	d := time.Duration(t)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// Schedule holds the window boundaries of one trading day and the action
// taken in each window.
//
//	[Open, AuctionEnd)          opening auction
//	[AuctionEnd, SilentEnd)     silent period
//	[SilentEnd, ClosingStart)   regular trading
//	[ClosingStart, Close]       closing auction
type Schedule struct {
	Open         TimeOfDay
	AuctionEnd   TimeOfDay
	SilentEnd    TimeOfDay
	ClosingStart TimeOfDay
	Close        TimeOfDay
	FlattenAt    TimeOfDay
	Actions      [6]Action
	Flatten      FlattenMode
}

// DefaultSchedule is the ADX/DFM trading day.
func DefaultSchedule() Schedule {
	return Schedule{
		Open:         Clock(9, 30, 0),
		AuctionEnd:   Clock(10, 0, 0),
		SilentEnd:    Clock(10, 5, 0),
		ClosingStart: Clock(14, 45, 0),
		Close:        Clock(15, 0, 0),
		FlattenAt:    Clock(14, 55, 0),
		Actions: [6]Action{
			PreOpen:        BookOnly,
			OpeningAuction: QuoteOnly,
			Silent:         Skip,
			Regular:        Full,
			ClosingAuction: Skip,
			PostClose:      Skip,
		},
		Flatten: FlattenFirstEvent,
	}
}

func (s Schedule) Validate() error {
	bounds := []struct {
		name string
		t    TimeOfDay
	}{
		{"open", s.Open},
		{"auction_end", s.AuctionEnd},
		{"silent_end", s.SilentEnd},
		{"closing_start", s.ClosingStart},
		{"close", s.Close},
	}
	for i, b := range bounds {
		if b.t < 0 || time.Duration(b.t) >= 24*time.Hour {
			return fmt.Errorf("session.%s must be within the day", b.name)
		}
		if i > 0 && b.t < bounds[i-1].t {
			return fmt.Errorf("session.%s must not be before session.%s", b.name, bounds[i-1].name)
		}
	}
	if s.FlattenAt < s.Open || s.FlattenAt > s.Close {
		return fmt.Errorf("session.flatten_at must be between open and close")
	}
	return nil
}

// Date is a calendar trading date in the session location.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) IsZero() bool { return d == Date{} }

// SessionClock evaluates timestamps against a Schedule in a fixed location.
type SessionClock struct {
	loc   *time.Location
	sched Schedule
}

func NewClock(loc *time.Location, sched Schedule) (*SessionClock, error) {
	if loc == nil {
		loc = time.UTC
	}
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	return &SessionClock{loc: loc, sched: sched}, nil
}

func (c *SessionClock) Location() *time.Location { return c.loc }
func (c *SessionClock) Schedule() Schedule       { return c.sched }

func (c *SessionClock) timeOfDay(ts time.Time) TimeOfDay {
	t := ts.In(c.loc)
	h, m, s := t.Clock()
	return Clock(h, m, s) + TimeOfDay(t.Nanosecond())
}

func (c *SessionClock) Classify(ts time.Time) Window {
	tod := c.timeOfDay(ts)
	switch {
	case tod < c.sched.Open:
		return PreOpen
	case tod < c.sched.AuctionEnd:
		return OpeningAuction
	case tod < c.sched.SilentEnd:
		return Silent
	case tod < c.sched.ClosingStart:
		return Regular
	case tod <= c.sched.Close:
		return ClosingAuction
	default:
		return PostClose
	}
}

func (c *SessionClock) Action(w Window) Action {
	if w < PreOpen || w > PostClose {
		return Skip
	}
	return c.sched.Actions[w]
}

// IsFlattenTime reports whether ts is at or after the end-of-day flatten trigger.
func (c *SessionClock) IsFlattenTime(ts time.Time) bool {
	return c.timeOfDay(ts) >= c.sched.FlattenAt
}

func (c *SessionClock) FlattenMode() FlattenMode { return c.sched.Flatten }

func (c *SessionClock) TradingDate(ts time.Time) Date {
	y, m, d := ts.In(c.loc).Date()
	return Date{Year: y, Month: m, Day: d}
}
