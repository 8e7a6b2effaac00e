// Package engine holds the pure promotion evaluation pipeline: condition
// matching, effect calculation, coupon validation and conflict resolution.
// Nothing in this package performs I/O except through the Reserver passed
// to the resolver.
package engine

import (
	"strings"
	"time"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/pkg/textnorm"
)

// EvalContext is the immutable input a condition is evaluated against.
type EvalContext struct {
	Customer *domain.Customer
	Cart     *domain.Cart
	Now      time.Time
	Location *time.Location
}

func (ec EvalContext) localNow() time.Time {
	if ec.Location == nil {
		return ec.Now
	}
	return ec.Now.In(ec.Location)
}

type conditionFunc func(cond domain.Condition, ec EvalContext) bool

var conditionEvaluators = map[domain.ConditionType]conditionFunc{
	domain.ConditionUserRole:          evalUserRole,
	domain.ConditionCustomerSegment:   evalCustomerSegment,
	domain.ConditionLocation:          evalLocation,
	domain.ConditionTime:              evalTime,
	domain.ConditionCartTotal:         evalCartTotal,
	domain.ConditionOrderCount:        evalOrderCount,
	domain.ConditionProductTags:       evalProductTags,
	domain.ConditionProductCategories: evalProductCategories,
}

// EvaluateCondition reports whether cond holds. Unknown types, unsupported
// operators and mismatched value kinds do not match.
func EvaluateCondition(cond domain.Condition, ec EvalContext) bool {
	if ec.Customer == nil || ec.Cart == nil || cond.Value == nil {
		return false
	}
	fn, ok := conditionEvaluators[cond.Type]
	if !ok {
		return false
	}
	return fn(cond, ec)
}

// RuleMatches reports whether every condition of the rule holds. A rule with
// no conditions matches.
func RuleMatches(rule *domain.CampaignRule, ec EvalContext) bool {
	for _, cond := range rule.Conditions {
		if !EvaluateCondition(cond, ec) {
			return false
		}
	}
	return true
}

func evalUserRole(cond domain.Condition, ec EvalContext) bool {
	return compareString(cond.Operator, ec.Customer.Role, cond.Value, false)
}

func evalCustomerSegment(cond domain.Condition, ec EvalContext) bool {
	return compareString(cond.Operator, ec.Customer.Segment, cond.Value, false)
}

func evalCartTotal(cond domain.Condition, ec EvalContext) bool {
	return compareNumber(cond.Operator, ec.Cart.TotalAmount.Amount, cond.Value)
}

func evalOrderCount(cond domain.Condition, ec EvalContext) bool {
	return compareNumber(cond.Operator, ec.Customer.TotalOrders, cond.Value)
}

func evalProductTags(cond domain.Condition, ec EvalContext) bool {
	return matchSet(cond.Operator, ec.Cart.TagSet(), cond.Value)
}

func evalProductCategories(cond domain.Condition, ec EvalContext) bool {
	return matchSet(cond.Operator, ec.Cart.CategorySet(), cond.Value)
}

func evalLocation(cond domain.Condition, ec EvalContext) bool {
	loc := ec.Cart.EffectiveLocation(ec.Customer)

	switch cond.Field {
	case domain.FieldCity, "":
		if loc.City == "" {
			return false
		}
		return compareString(cond.Operator, loc.City, cond.Value, true)
	case domain.FieldDistrict:
		if loc.District == "" {
			return false
		}
		return compareString(cond.Operator, loc.District, cond.Value, true)
	case domain.FieldGeo:
		geo, ok := cond.Value.(domain.GeoValue)
		if !ok || loc.Coordinates == nil {
			return false
		}
		distance := haversineMeters(loc.Coordinates.Lat, loc.Coordinates.Lng, geo.Lat, geo.Lng)
		switch cond.Operator {
		case domain.OpWithin, domain.OpLessEqual:
			return distance <= float64(geo.RadiusMeters)
		case domain.OpLessThan:
			return distance < float64(geo.RadiusMeters)
		case domain.OpGreaterThan:
			return distance > float64(geo.RadiusMeters)
		default:
			return false
		}
	default:
		return false
	}
}

var weekdayNames = map[string]int64{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
}

func evalTime(cond domain.Condition, ec EvalContext) bool {
	now := ec.localNow()

	switch cond.Field {
	case domain.FieldInstant, "":
		return compareInstant(cond.Operator, now, cond.Value)
	case domain.FieldHour:
		return compareNumber(cond.Operator, int64(now.Hour()), cond.Value)
	case domain.FieldWeekday:
		day := int64(now.Weekday())
		switch v := cond.Value.(type) {
		case domain.StringValue:
			n, ok := weekdayNames[strings.ToLower(v.Value)]
			if !ok {
				return false
			}
			return compareNumber(cond.Operator, day, domain.NumberValue{Number: n})
		case domain.StringSetValue:
			set := domain.NumberSetValue{}
			for _, name := range v.Values {
				n, ok := weekdayNames[strings.ToLower(name)]
				if !ok {
					return false
				}
				set.Numbers = append(set.Numbers, n)
			}
			return compareNumber(cond.Operator, day, set)
		default:
			return compareNumber(cond.Operator, day, cond.Value)
		}
	default:
		return false
	}
}

func compareInstant(op domain.Operator, now time.Time, value domain.ConditionValue) bool {
	if op == domain.OpBetween {
		r, ok := value.(domain.TimeRangeValue)
		if !ok {
			return false
		}
		return !now.Before(r.Start) && !now.After(r.End)
	}

	v, ok := value.(domain.TimeValue)
	if !ok {
		return false
	}
	switch op {
	case domain.OpEquals:
		return now.Equal(v.At)
	case domain.OpNotEquals:
		return !now.Equal(v.At)
	case domain.OpGreaterThan:
		return now.After(v.At)
	case domain.OpGreaterEqual:
		return !now.Before(v.At)
	case domain.OpLessThan:
		return now.Before(v.At)
	case domain.OpLessEqual:
		return !now.After(v.At)
	default:
		return false
	}
}

func compareNumber(op domain.Operator, actual int64, value domain.ConditionValue) bool {
	switch v := value.(type) {
	case domain.NumberValue:
		switch op {
		case domain.OpEquals:
			return actual == v.Number
		case domain.OpNotEquals:
			return actual != v.Number
		case domain.OpGreaterThan:
			return actual > v.Number
		case domain.OpGreaterEqual:
			return actual >= v.Number
		case domain.OpLessThan:
			return actual < v.Number
		case domain.OpLessEqual:
			return actual <= v.Number
		}
	case domain.NumberSetValue:
		in := false
		for _, n := range v.Numbers {
			if n == actual {
				in = true
				break
			}
		}
		switch op {
		case domain.OpIn:
			return in
		case domain.OpNotIn:
			return !in
		}
	case domain.RangeValue:
		if op == domain.OpBetween {
			return actual >= v.Min && actual <= v.Max
		}
	}
	return false
}

func compareString(op domain.Operator, actual string, value domain.ConditionValue, fold bool) bool {
	eq := func(a, b string) bool {
		if fold {
			return textnorm.EqualFold(a, b)
		}
		return a == b
	}

	switch v := value.(type) {
	case domain.StringValue:
		switch op {
		case domain.OpEquals:
			return eq(actual, v.Value)
		case domain.OpNotEquals:
			return !eq(actual, v.Value)
		}
	case domain.StringSetValue:
		in := false
		for _, s := range v.Values {
			if eq(actual, s) {
				in = true
				break
			}
		}
		switch op {
		case domain.OpIn:
			return in
		case domain.OpNotIn:
			return !in
		}
	}
	return false
}

// matchSet applies a membership operator against the union of values found
// across cart items. A condition matches when any item qualifies.
func matchSet(op domain.Operator, union map[string]struct{}, value domain.ConditionValue) bool {
	switch v := value.(type) {
	case domain.StringValue:
		_, present := union[v.Value]
		switch op {
		case domain.OpContains, domain.OpEquals:
			return present
		case domain.OpNotEquals:
			return !present
		}
	case domain.StringSetValue:
		intersects := false
		for _, s := range v.Values {
			if _, ok := union[s]; ok {
				intersects = true
				break
			}
		}
		switch op {
		case domain.OpIn, domain.OpContains:
			return intersects
		case domain.OpNotIn:
			return !intersects
		}
	}
	return false
}
