package retention

import (
	"fmt"
	"time"
)

// classifierState is the accumulator threaded through the classification
// fold. A zero time means no baseline has been elected yet.
type classifierState struct {
	latestMonthly time.Time
	latestWeekly  time.Time
}

type classifier struct {
	policy Policy
}

// classify assigns a tier to every snapshot in timeline order. Warnings flag
// archived snapshots whose recorded tier the current policy would not elect;
// they keep their recorded tier.
func classify(snaps []*Snapshot, p Policy) ([]error, error) {
	c := classifier{policy: p}
	var (
		st       classifierState
		warnings []error
	)
	for _, s := range snaps {
		next, tier, err := c.step(st, s)
		if err != nil {
			return warnings, err
		}
		if s.HasArchive && tier.rank() < TierDaily.rank() {
			if elected := c.elect(st, s); elected.rank() > tier.rank() {
				warnings = append(warnings, fmt.Errorf("%w: %s recorded as %s, policy elects %s", ErrPolicyDrift, s.Name, tier, elected))
			}
		}
		s.Tier = tier
		st = next
	}
	return warnings, nil
}

func (t Tier) rank() int {
	switch t {
	case TierMonthly:
		return 0
	case TierWeekly:
		return 1
	case TierDaily:
		return 2
	default:
		return 3
	}
}

// step classifies one snapshot and returns the advanced state. Electing a
// monthly resets the weekly baseline.
func (c classifier) step(st classifierState, s *Snapshot) (classifierState, Tier, error) {
	var tier Tier
	switch {
	case c.isMonthly(st, s):
		tier = TierMonthly
		st.latestMonthly = s.Timestamp
		st.latestWeekly = time.Time{}
	case c.isWeekly(st, s):
		tier = TierWeekly
		st.latestWeekly = s.Timestamp
	case c.isDaily(s):
		tier = TierDaily
	default:
		return st, TierUnset, fmt.Errorf("%w: %s (tier %s, live %t, archive %t)", ErrUnclassified, s.Name, s.Tier, s.HasLive, s.HasArchive)
	}
	return st, tier, nil
}

// elect applies the election rules as if s had no archive.
func (c classifier) elect(st classifierState, s *Snapshot) Tier {
	candidate := &Snapshot{Name: s.Name, Timestamp: s.Timestamp}
	switch {
	case c.isMonthly(st, candidate):
		return TierMonthly
	case c.isWeekly(st, candidate):
		return TierWeekly
	default:
		return TierDaily
	}
}

func (c classifier) isMonthly(st classifierState, s *Snapshot) bool {
	if s.HasArchive {
		return s.Tier == TierMonthly
	}
	if st.latestMonthly.IsZero() || s.Tier == TierMonthly {
		return true
	}
	day := s.Timestamp.Day()
	anchor := c.policy.MonthlyAnchorDay(s.Timestamp)
	return day == anchor || (day > anchor && monthIndex(s.Timestamp) > monthIndex(st.latestMonthly))
}

func (c classifier) isWeekly(st classifierState, s *Snapshot) bool {
	if s.HasArchive {
		return s.Tier == TierWeekly
	}
	if st.latestWeekly.IsZero() || s.Tier == TierWeekly {
		return true
	}
	anchor := c.policy.Weekly.DayOfWeek
	return s.Timestamp.Weekday() == anchor || weekIndex(s.Timestamp, anchor) > weekIndex(st.latestWeekly, anchor)
}

func (c classifier) isDaily(s *Snapshot) bool {
	if s.HasArchive {
		return s.Tier == TierDaily
	}
	return true
}

func monthIndex(t time.Time) int {
	return t.Year()*12 + int(t.Month()) - 1
}

// weekIndex numbers weeks that start on the anchor weekday.
func weekIndex(t time.Time, anchor time.Weekday) int64 {
	offset := (int(t.Weekday()) - int(anchor) + 7) % 7
	start := time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, time.UTC)
	return start.Unix() / 86400 / 7
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
