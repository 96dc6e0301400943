package retention

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var policyValidate = validator.New()

// TierPolicy bounds how many archive files of a tier are retained.
type TierPolicy struct {
	Max int `validate:"gte=1"`
}

// MonthlyPolicy anchors the monthly tier either on a day of month or on the
// first occurrence of a weekday. Day 1 is used when neither is set.
type MonthlyPolicy struct {
	TierPolicy
	DayOfMonth int           `validate:"gte=0,lte=28"`
	DayOfWeek  *time.Weekday `validate:"omitempty,gte=0,lte=6"`
}

// WeeklyPolicy anchors the weekly tier on a weekday.
type WeeklyPolicy struct {
	TierPolicy
	DayOfWeek time.Weekday `validate:"gte=0,lte=6"`
}

// Policy is the retention policy applied uniformly to every volume.
type Policy struct {
	Monthly MonthlyPolicy
	Weekly  WeeklyPolicy
	Daily   TierPolicy
}

// DefaultPolicy anchors monthlies on day 1 and weeklies on Sunday.
func DefaultPolicy() Policy {
	return Policy{
		Monthly: MonthlyPolicy{TierPolicy: TierPolicy{Max: 3}},
		Weekly:  WeeklyPolicy{TierPolicy: TierPolicy{Max: 4}, DayOfWeek: time.Sunday},
		Daily:   TierPolicy{Max: 8},
	}
}

// Validate checks bounds and the mutually exclusive monthly anchors.
func (p Policy) Validate() error {
	if err := policyValidate.Struct(p); err != nil {
		return fmt.Errorf("invalid retention policy: %w", err)
	}
	if p.Monthly.DayOfMonth != 0 && p.Monthly.DayOfWeek != nil {
		return fmt.Errorf("invalid retention policy: monthly day_of_month and day_of_week are mutually exclusive")
	}
	return nil
}

// Max returns the archive retention bound of a tier.
func (p Policy) Max(t Tier) int {
	switch t {
	case TierMonthly:
		return p.Monthly.Max
	case TierWeekly:
		return p.Weekly.Max
	case TierDaily:
		return p.Daily.Max
	default:
		return 0
	}
}

// MonthlyAnchorDay returns the day of the month that elects a monthly
// snapshot in the month containing t.
func (p Policy) MonthlyAnchorDay(t time.Time) int {
	switch {
	case p.Monthly.DayOfMonth != 0:
		return p.Monthly.DayOfMonth
	case p.Monthly.DayOfWeek != nil:
		return FirstWeekdayOfMonth(t, *p.Monthly.DayOfWeek)
	default:
		return 1
	}
}

// FirstWeekdayOfMonth returns the day of month of the first wd in t's month.
func FirstWeekdayOfMonth(t time.Time, wd time.Weekday) int {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return 1 + (int(wd)-int(first.Weekday())+7)%7
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekday parses short or long English weekday names, case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return time.Sunday, fmt.Errorf("invalid weekday %q", s)
	}
	return wd, nil
}
