package markethours

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// nseHolidays2026 is the built-in NSE holiday list.
var nseHolidays2026 = []string{
	"2026-01-26", // Republic Day
	"2026-02-17", // Mahashivratri
	"2026-03-14", // Holi
	"2026-03-31", // Id-ul-Fitr
	"2026-04-02", // Ram Navami
	"2026-04-06", // Mahavir Jayanti
	"2026-04-10", // Good Friday
	"2026-04-14", // Dr. Ambedkar Jayanti
	"2026-05-01", // Maharashtra Day
	"2026-06-07", // Bakrid
	"2026-07-06", // Muharram
	"2026-08-15", // Independence Day
	"2026-08-16", // Janmashtami
	"2026-09-05", // Milad-un-Nabi
	"2026-10-02", // Mahatma Gandhi Jayanti
	"2026-10-20", // Dussehra
	"2026-10-21", // Dussehra
	"2026-11-05", // Diwali
	"2026-11-06", // Diwali Balipratipada
	"2026-11-07", // Bhai Dooj
	"2026-11-19", // Guru Nanak Jayanti
	"2026-12-25", // Christmas
}

// HolidaySet is a set of exchange holidays keyed by DateLayout date.
type HolidaySet struct {
	days map[string]string // date -> name
}

// NewHolidaySet builds a set from DateLayout dates.
func NewHolidaySet(dates ...string) *HolidaySet {
	h := &HolidaySet{days: make(map[string]string, len(dates))}
	for _, d := range dates {
		h.days[d] = ""
	}
	return h
}

// DefaultHolidays returns the built-in list.
func DefaultHolidays() *HolidaySet {
	return NewHolidaySet(nseHolidays2026...)
}

// Contains reports whether t's calendar day (in t's location) is a holiday.
func (h *HolidaySet) Contains(t time.Time) bool {
	if h == nil {
		return false
	}
	_, ok := h.days[t.Format(DateLayout)]
	return ok
}

// Len returns the number of holidays.
func (h *HolidaySet) Len() int { return len(h.days) }

type holidayFile struct {
	Holidays []struct {
		Date string `yaml:"date"`
		Name string `yaml:"name"`
	} `yaml:"holidays"`
}

// ParseHolidays reads a YAML document of the form
//
//	holidays:
//	  - date: 2026-01-26
//	    name: Republic Day
func ParseHolidays(data []byte) (*HolidaySet, error) {
	var f holidayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse holidays: %w", err)
	}
	h := &HolidaySet{days: make(map[string]string, len(f.Holidays))}
	for _, e := range f.Holidays {
		if _, err := time.Parse(DateLayout, e.Date); err != nil {
			return nil, fmt.Errorf("holiday %q: %w", e.Date, err)
		}
		h.days[e.Date] = e.Name
	}
	return h, nil
}

// LoadHolidays reads a holiday YAML file from path.
func LoadHolidays(path string) (*HolidaySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read holidays: %w", err)
	}
	return ParseHolidays(data)
}
