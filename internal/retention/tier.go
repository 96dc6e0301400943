package retention

import (
	"fmt"
	"strings"
)

// Tier is a GFS retention class
type Tier int

const (
	TierUnset Tier = iota
	TierMonthly
	TierWeekly
	TierDaily
)

var tierNames = map[Tier]string{
	TierUnset:   "unset",
	TierMonthly: "monthly",
	TierWeekly:  "weekly",
	TierDaily:   "daily",
}

// Tiers lists the classified tiers from oldest base to newest increment.
var Tiers = []Tier{TierMonthly, TierWeekly, TierDaily}

func (t Tier) String() string {
	if s, ok := tierNames[t]; ok {
		return s
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Code returns the three-letter code embedded in archive file names.
func (t Tier) Code() string {
	switch t {
	case TierMonthly:
		return "ful"
	case TierWeekly:
		return "dif"
	case TierDaily:
		return "inc"
	default:
		return ""
	}
}

// Flag returns the single-character tier marker used in reports.
func (t Tier) Flag() string {
	switch t {
	case TierMonthly:
		return "M"
	case TierWeekly:
		return "W"
	case TierDaily:
		return "D"
	default:
		return "?"
	}
}

// TierFromCode maps an archive file code back to its tier.
func TierFromCode(code string) (Tier, error) {
	switch code {
	case "ful":
		return TierMonthly, nil
	case "dif":
		return TierWeekly, nil
	case "inc":
		return TierDaily, nil
	default:
		return TierUnset, fmt.Errorf("unknown tier code %q", code)
	}
}

// ParseTier accepts tier names as well as the backup-type aliases
// full/diff/inc and the file codes.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "monthly", "full", "ful", "m":
		return TierMonthly, nil
	case "weekly", "diff", "dif", "w":
		return TierWeekly, nil
	case "daily", "inc", "incremental", "d":
		return TierDaily, nil
	default:
		return TierUnset, fmt.Errorf("invalid backup type %q: expected monthly|full, weekly|diff or daily|inc", s)
	}
}
