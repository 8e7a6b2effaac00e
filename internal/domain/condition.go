package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConditionType selects which part of the evaluation context a condition reads.
type ConditionType string

// Condition types.
const (
	ConditionUserRole          ConditionType = "user_role"
	ConditionLocation          ConditionType = "location"
	ConditionTime              ConditionType = "time"
	ConditionCartTotal         ConditionType = "cart_total"
	ConditionProductTags       ConditionType = "product_tags"
	ConditionProductCategories ConditionType = "product_categories"
	ConditionOrderCount        ConditionType = "order_count"
	ConditionCustomerSegment   ConditionType = "customer_segment"
)

// Operator is a comparison applied by a condition.
type Operator string

// Condition operators.
const (
	OpEquals       Operator = "equals"
	OpNotEquals    Operator = "not_equals"
	OpGreaterThan  Operator = "greater_than"
	OpLessThan     Operator = "less_than"
	OpGreaterEqual Operator = "greater_equal"
	OpLessEqual    Operator = "less_equal"
	OpIn           Operator = "in"
	OpNotIn        Operator = "not_in"
	OpContains     Operator = "contains"
	OpBetween      Operator = "between"
	OpWithin       Operator = "within"
)

// Condition fields used by the location and time condition types.
const (
	FieldCity     = "city"
	FieldDistrict = "district"
	FieldGeo      = "geo"
	FieldInstant  = "instant"
	FieldWeekday  = "weekday"
	FieldHour     = "hour"
)

// Condition is a typed predicate over the customer, cart and clock.
type Condition struct {
	Type     ConditionType  `json:"type"`
	Operator Operator       `json:"operator"`
	Field    string         `json:"field,omitempty"`
	Value    ConditionValue `json:"value"`
}

// ValueKind discriminates the ConditionValue union.
type ValueKind string

// Value kinds.
const (
	KindNumber    ValueKind = "number"
	KindNumberSet ValueKind = "number_set"
	KindString    ValueKind = "string"
	KindStringSet ValueKind = "string_set"
	KindRange     ValueKind = "range"
	KindTime      ValueKind = "time"
	KindTimeRange ValueKind = "time_range"
	KindGeo       ValueKind = "geo"
)

// ConditionValue is the payload of a condition. Implementations are the
// value types declared in this file only.
type ConditionValue interface {
	Kind() ValueKind
	isConditionValue()
}

// NumberValue is a single integer operand.
type NumberValue struct{ Number int64 }

// NumberSetValue is a set of integer operands for in/not_in.
type NumberSetValue struct{ Numbers []int64 }

// StringValue is a single string operand.
type StringValue struct{ Value string }

// StringSetValue is a set of string operands for in/not_in.
type StringSetValue struct{ Values []string }

// RangeValue is an inclusive integer range for between.
type RangeValue struct{ Min, Max int64 }

// TimeValue is a single instant.
type TimeValue struct{ At time.Time }

// TimeRangeValue is an inclusive instant range for between.
type TimeRangeValue struct{ Start, End time.Time }

// GeoValue is a circle around a point.
type GeoValue struct {
	Lat          float64
	Lng          float64
	RadiusMeters int64
}

func (NumberValue) Kind() ValueKind    { return KindNumber }
func (NumberSetValue) Kind() ValueKind { return KindNumberSet }
func (StringValue) Kind() ValueKind    { return KindString }
func (StringSetValue) Kind() ValueKind { return KindStringSet }
func (RangeValue) Kind() ValueKind     { return KindRange }
func (TimeValue) Kind() ValueKind      { return KindTime }
func (TimeRangeValue) Kind() ValueKind { return KindTimeRange }
func (GeoValue) Kind() ValueKind       { return KindGeo }

func (NumberValue) isConditionValue()    {}
func (NumberSetValue) isConditionValue() {}
func (StringValue) isConditionValue()    {}
func (StringSetValue) isConditionValue() {}
func (RangeValue) isConditionValue()     {}
func (TimeValue) isConditionValue()      {}
func (TimeRangeValue) isConditionValue() {}
func (GeoValue) isConditionValue()       {}

// conditionValueJSON is the wire form of ConditionValue.
type conditionValueJSON struct {
	Kind         ValueKind  `json:"kind"`
	Number       *int64     `json:"number,omitempty"`
	Numbers      []int64    `json:"numbers,omitempty"`
	String       *string    `json:"string,omitempty"`
	Strings      []string   `json:"strings,omitempty"`
	Min          *int64     `json:"min,omitempty"`
	Max          *int64     `json:"max,omitempty"`
	At           *time.Time `json:"at,omitempty"`
	Start        *time.Time `json:"start,omitempty"`
	End          *time.Time `json:"end,omitempty"`
	Lat          *float64   `json:"lat,omitempty"`
	Lng          *float64   `json:"lng,omitempty"`
	RadiusMeters *int64     `json:"radiusMeters,omitempty"`
}

type conditionJSON struct {
	Type     ConditionType   `json:"type"`
	Operator Operator        `json:"operator"`
	Field    string          `json:"field,omitempty"`
	Value    json.RawMessage `json:"value"`
}

// MarshalJSON encodes the condition with a kind-tagged value.
func (c Condition) MarshalJSON() ([]byte, error) {
	raw, err := encodeConditionValue(c.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(conditionJSON{
		Type:     c.Type,
		Operator: c.Operator,
		Field:    c.Field,
		Value:    raw,
	})
}

// UnmarshalJSON decodes a condition and rejects values whose kind is unknown
// or whose payload is incomplete.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var wire conditionJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	value, err := decodeConditionValue(wire.Value)
	if err != nil {
		return fmt.Errorf("condition %s: %w", wire.Type, err)
	}
	c.Type = wire.Type
	c.Operator = wire.Operator
	c.Field = wire.Field
	c.Value = value
	return nil
}

func encodeConditionValue(v ConditionValue) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	w := conditionValueJSON{Kind: v.Kind()}
	switch val := v.(type) {
	case NumberValue:
		w.Number = &val.Number
	case NumberSetValue:
		w.Numbers = val.Numbers
	case StringValue:
		w.String = &val.Value
	case StringSetValue:
		w.Strings = val.Values
	case RangeValue:
		w.Min, w.Max = &val.Min, &val.Max
	case TimeValue:
		w.At = &val.At
	case TimeRangeValue:
		w.Start, w.End = &val.Start, &val.End
	case GeoValue:
		w.Lat, w.Lng, w.RadiusMeters = &val.Lat, &val.Lng, &val.RadiusMeters
	default:
		return nil, fmt.Errorf("unsupported condition value %T", v)
	}
	return json.Marshal(w)
}

func decodeConditionValue(raw json.RawMessage) (ConditionValue, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var w conditionValueJSON
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}

	missing := func(field string) error {
		return fmt.Errorf("value of kind %q requires %q", w.Kind, field)
	}

	switch w.Kind {
	case KindNumber:
		if w.Number == nil {
			return nil, missing("number")
		}
		return NumberValue{Number: *w.Number}, nil
	case KindNumberSet:
		return NumberSetValue{Numbers: w.Numbers}, nil
	case KindString:
		if w.String == nil {
			return nil, missing("string")
		}
		return StringValue{Value: *w.String}, nil
	case KindStringSet:
		return StringSetValue{Values: w.Strings}, nil
	case KindRange:
		if w.Min == nil || w.Max == nil {
			return nil, missing("min/max")
		}
		return RangeValue{Min: *w.Min, Max: *w.Max}, nil
	case KindTime:
		if w.At == nil {
			return nil, missing("at")
		}
		return TimeValue{At: *w.At}, nil
	case KindTimeRange:
		if w.Start == nil || w.End == nil {
			return nil, missing("start/end")
		}
		return TimeRangeValue{Start: *w.Start, End: *w.End}, nil
	case KindGeo:
		if w.Lat == nil || w.Lng == nil || w.RadiusMeters == nil {
			return nil, missing("lat/lng/radiusMeters")
		}
		return GeoValue{Lat: *w.Lat, Lng: *w.Lng, RadiusMeters: *w.RadiusMeters}, nil
	default:
		return nil, fmt.Errorf("unknown value kind %q", w.Kind)
	}
}
