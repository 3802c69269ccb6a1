// Package markethours decides when orders may trade and when they settle.
//
// The trading calendar is an injected policy. FixedWindow only checks the
// 9:15 to 15:30 clock window; NSE additionally requires a weekday that is not an
// exchange holiday. Both compute T+1 settlement dates and the intraday
// square-off cutoff.
package markethours

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Market hours in the calendar's location.
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30

	// Intraday positions are squared off from 10 minutes before close.
	SquareOffMinutesBefore = 10
)

// DateLayout is the format used for settlement and snapshot dates.
const DateLayout = "2006-01-02"

// Calendar is the trading calendar policy used by the order engine and the
// settlement scheduler.
type Calendar interface {
	// Location is the timezone all clock checks use.
	Location() *time.Location
	// IsMarketOpen reports whether intraday orders may be placed at t.
	IsMarketOpen(t time.Time) bool
	// SquareOffDue reports whether t is at or past the square-off cutoff.
	SquareOffDue(t time.Time) bool
	// SettlementDate returns the T+1 settlement date for an order placed at t.
	SettlementDate(placed time.Time) time.Time
	// IsTradingDay reports whether the exchange trades on t's calendar day.
	IsTradingDay(t time.Time) bool
}

// FixedWindow is a calendar with a fixed daily window and no weekday or
// holiday check for the open window. Settlement still skips weekends.
type FixedWindow struct {
	Loc *time.Location
}

// NewFixedWindow returns a FixedWindow in loc (IST if nil).
func NewFixedWindow(loc *time.Location) *FixedWindow {
	if loc == nil {
		loc = IST
	}
	return &FixedWindow{Loc: loc}
}

func (c *FixedWindow) Location() *time.Location { return c.Loc }

func (c *FixedWindow) IsMarketOpen(t time.Time) bool {
	return inWindow(t.In(c.Loc))
}

func (c *FixedWindow) SquareOffDue(t time.Time) bool {
	return squareOffDue(t.In(c.Loc))
}

func (c *FixedWindow) SettlementDate(placed time.Time) time.Time {
	return nextDay(placed.In(c.Loc), IsWeekday)
}

func (c *FixedWindow) IsTradingDay(t time.Time) bool {
	return IsWeekday(t.In(c.Loc))
}

// NSE is the exchange calendar: weekdays only, holidays excluded.
type NSE struct {
	Loc      *time.Location
	Holidays *HolidaySet
}

// NewNSE returns an NSE calendar in IST with the given holiday set.
// A nil set falls back to the built-in list.
func NewNSE(h *HolidaySet) *NSE {
	if h == nil {
		h = DefaultHolidays()
	}
	return &NSE{Loc: IST, Holidays: h}
}

func (c *NSE) Location() *time.Location { return c.Loc }

func (c *NSE) IsMarketOpen(t time.Time) bool {
	local := t.In(c.Loc)
	return c.IsTradingDay(local) && inWindow(local)
}

func (c *NSE) SquareOffDue(t time.Time) bool {
	local := t.In(c.Loc)
	return c.IsTradingDay(local) && squareOffDue(local)
}

func (c *NSE) SettlementDate(placed time.Time) time.Time {
	return nextDay(placed.In(c.Loc), c.IsTradingDay)
}

func (c *NSE) IsTradingDay(t time.Time) bool {
	local := t.In(c.Loc)
	return IsWeekday(local) && !c.Holidays.Contains(local)
}

// IsWeekday returns true if t is Monday to Friday.
func IsWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// Midnight truncates t to the start of its day in loc.
func Midnight(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}

// Today returns t's calendar date in the calendar's location, formatted with DateLayout.
func Today(c Calendar, t time.Time) string {
	return t.In(c.Location()).Format(DateLayout)
}

// TodayClose returns the close time on t's calendar day.
func TodayClose(c Calendar, t time.Time) time.Time {
	l := t.In(c.Location())
	return time.Date(l.Year(), l.Month(), l.Day(), CloseHour, CloseMinute, 0, 0, c.Location())
}

// StatusString returns a human-readable market status.
func StatusString(c Calendar, t time.Time) string {
	if c.IsMarketOpen(t) {
		d := TodayClose(c, t).Sub(t)
		return fmt.Sprintf("Market Open, closes in %s", fmtDur(d))
	}
	return "Market Closed"
}

func inWindow(local time.Time) bool {
	hm := local.Hour()*60 + local.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

func squareOffDue(local time.Time) bool {
	hm := local.Hour()*60 + local.Minute()
	return hm >= CloseHour*60+CloseMinute-SquareOffMinutesBefore
}

// nextDay returns the first day after local's day (at midnight) accepted by ok.
func nextDay(local time.Time, ok func(time.Time) bool) time.Time {
	d := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, local.Location())
	for i := 0; i < 15 && !ok(d); i++ { // weekends + holiday clusters
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
