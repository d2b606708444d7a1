// Package schedule implements the rolling-window session calendar: which
// dates a delivery mode permits, how many future sessions an allocation
// must hold, and the session plans derived from a class type.
//
// The package is pure — no IO — so the session worker and its tests share
// the exact same calendar arithmetic.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type (
	// ClassType selects the session plan shape.
	ClassType string

	// DeliveryMode selects which calendar days sessions may land on.
	DeliveryMode string

	// SessionType distinguishes online from in-person sessions.
	SessionType string

	// Planned is one entry of a session plan: the n-th session of an
	// allocation, its calendar date, wall-clock slot and modality.
	Planned struct {
		// Number is 1-based within the allocation.
		Number int
		// Date is the calendar date, normalised to UTC midnight.
		Date time.Time
		// TimeSlot is the wall-clock slot in HH:MM form.
		TimeSlot string
		// Type is the session modality.
		Type SessionType
		// Bookable marks sessions whose slot the student may move.
		Bookable bool
		// FixedTime marks sessions pinned to TimeSlot.
		FixedTime bool
	}
)

const (
	ClassOneOnOne ClassType = "ONE_ON_ONE"
	ClassGroup    ClassType = "GROUP"
	ClassHybrid   ClassType = "HYBRID"

	WeekdayDaily DeliveryMode = "WEEKDAY_DAILY"
	SundayOnly   DeliveryMode = "SUNDAY_ONLY"

	Online  SessionType = "ONLINE"
	Offline SessionType = "OFFLINE"
)

const (
	// RollingWindowSize is the number of future sessions an allocation
	// holds immediately after creation and after a top-up.
	RollingWindowSize = 7

	// TopUpThreshold is the future-session count below which the periodic
	// sweep materialises more sessions.
	TopUpThreshold = 3

	// DefaultTimeSlot is used when neither the allocation metadata nor any
	// existing session carries a slot.
	DefaultTimeSlot = "16:00"
)

// Hybrid plan shape: a fixed 30-session schedule opening with six online
// sessions, then alternating so the totals land on 18 online / 12 offline.
const (
	hybridTotal      = 30
	hybridLeadOnline = 6
	hybridOnline     = 18
	hybridOffline    = 12
)

// Date truncates t to its calendar date at UTC midnight.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses an ISO calendar date (2006-01-02).
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders a date in ISO form.
func FormatDate(t time.Time) string { return t.UTC().Format("2006-01-02") }

// allowed reports whether mode permits a session on the given weekday.
func (m DeliveryMode) allowed(d time.Weekday) bool {
	switch m {
	case SundayOnly:
		return d == time.Sunday
	default: // WeekdayDaily and anything unknown behaves as weekday-daily.
		return d != time.Saturday && d != time.Sunday
	}
}

// Valid reports whether the delivery mode is one the scheduler understands.
func (m DeliveryMode) Valid() bool { return m == WeekdayDaily || m == SundayOnly }

// NextDates returns the first n dates permitted by mode, starting at (and
// including) start if start itself is permitted. n ≤ 0 yields nil.
func NextDates(start time.Time, n int, mode DeliveryMode) []time.Time {
	if n <= 0 {
		return nil
	}
	dates := make([]time.Time, 0, n)
	d := Date(start)
	for len(dates) < n {
		if mode.allowed(d.Weekday()) {
			dates = append(dates, d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return dates
}

// NormalizeSlot canonicalises a wall-clock slot to 24-hour HH:MM. It
// accepts "16:00", "4:00 PM" and "4 PM" style inputs; anything else is an
// error so malformed metadata is caught at the boundary.
func NormalizeSlot(s string) (string, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return "", fmt.Errorf("empty time slot")
	}
	upper := strings.ToUpper(raw)
	meridiem := ""
	switch {
	case strings.HasSuffix(upper, "AM"):
		meridiem = "AM"
	case strings.HasSuffix(upper, "PM"):
		meridiem = "PM"
	}
	if meridiem != "" {
		upper = strings.TrimSpace(strings.TrimSuffix(upper, meridiem))
	}
	hh, mm := upper, "00"
	if i := strings.IndexByte(upper, ':'); i >= 0 {
		hh, mm = upper[:i], upper[i+1:]
	}
	h, err := strconv.Atoi(strings.TrimSpace(hh))
	if err != nil {
		return "", fmt.Errorf("parse time slot %q: %w", s, err)
	}
	m, err := strconv.Atoi(strings.TrimSpace(mm))
	if err != nil {
		return "", fmt.Errorf("parse time slot %q: %w", s, err)
	}
	switch meridiem {
	case "PM":
		if h < 12 {
			h += 12
		}
	case "AM":
		if h == 12 {
			h = 0
		}
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return "", fmt.Errorf("time slot %q out of range", s)
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}

// Plan produces the full session plan for an allocation: total sessions of
// the given class type, starting on the first permitted date at or after
// start, at slot (HH:MM).
//
// HYBRID demands exactly 30 total sessions: numbers 1–6 online, the
// remainder alternating online/offline so the totals are 18 online and
// 12 offline. Offline sessions are bookable and not pinned to the slot;
// online sessions are pinned. Every other class type yields a uniform
// online plan at the slot.
func Plan(class ClassType, total int, mode DeliveryMode, start time.Time, slot string) ([]Planned, error) {
	if total <= 0 {
		return nil, fmt.Errorf("session total must be positive, got %d", total)
	}
	if class == ClassHybrid && total != hybridTotal {
		return nil, fmt.Errorf("hybrid plans require exactly %d sessions, got %d", hybridTotal, total)
	}
	dates := NextDates(start, total, mode)
	plan := make([]Planned, total)
	for i := range plan {
		n := i + 1
		p := Planned{
			Number:    n,
			Date:      dates[i],
			TimeSlot:  slot,
			Type:      Online,
			Bookable:  false,
			FixedTime: true,
		}
		if class == ClassHybrid && n > hybridLeadOnline && (n-hybridLeadOnline)%2 == 0 {
			p.Type = Offline
			p.Bookable = true
			p.FixedTime = false
		}
		plan[i] = p
	}
	return plan, nil
}

// Window reports how many sessions must be materialised to restore the
// rolling window given the current number of future sessions.
func Window(existing int) int {
	if existing >= RollingWindowSize {
		return 0
	}
	return RollingWindowSize - existing
}
