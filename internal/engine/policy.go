package engine

import "fmt"

// TieBreak orders candidates of equal priority.
type TieBreak string

// Tie-break policies.
const (
	TieBreakOldestFirst TieBreak = "oldest_first"
	TieBreakNewestFirst TieBreak = "newest_first"
)

// ParseTieBreak validates a configured tie-break policy name.
func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(s) {
	case TieBreakOldestFirst, TieBreakNewestFirst:
		return TieBreak(s), nil
	default:
		return "", fmt.Errorf("unknown tie-break policy %q", s)
	}
}

// Policy holds the resolver settings that are deployment choices rather than
// campaign data.
type Policy struct {
	TieBreak              TieBreak
	CouponDefaultPriority int
	CouponValidDays       int
}

// DefaultPolicy returns oldest-first ordering with coupons ranked last.
func DefaultPolicy() Policy {
	return Policy{
		TieBreak:              TieBreakOldestFirst,
		CouponDefaultPriority: 1,
		CouponValidDays:       30,
	}
}

// less is the total order used to rank candidates: priority descending, then
// creation time per the tie-break policy, then rule order, then key.
func (p Policy) less(a, b *Candidate) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if p.TieBreak == TieBreakNewestFirst {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.RuleIndex != b.RuleIndex {
		return a.RuleIndex < b.RuleIndex
	}
	return a.Key() < b.Key()
}
