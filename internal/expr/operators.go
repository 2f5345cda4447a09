package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/samirobaid01/aemos-core/pkg/duration"
)

// ErrUnknownOperator is returned for any operator not in the fixed
// algebra — callers translate this into a RULE_EVAL_ERROR.
var ErrUnknownOperator = fmt.Errorf("expr: unknown operator")

// absentOperators is the family that is defined on an absent/undefined
// input rather than failing safe-to-false.
var absentOperators = map[string]bool{
	"isNull": true, "isNotNull": true, "isEmpty": true, "isNotEmpty": true,
}

// Evaluate evaluates a single Leaf against scope with the fixed
// operator algebra. now is the evaluation clock used by the
// duration-family operators.
func Evaluate(leaf Leaf, scope Scope, now time.Time) (bool, error) {
	key := ScopeKey{SourceType: leaf.SourceType, UUID: leaf.UUID, Key: leaf.Key}
	sv, present := scope[key]

	if !present && !absentOperators[leaf.Operator] {
		switch leaf.Operator {
		case ">", ">=", "<", "<=", "==", "!=", "between",
			"contains", "notContains", "startsWith", "endsWith", "matches",
			"in", "notIn", "hasAll", "hasAny", "hasNone",
			"isNumber", "isString", "isBoolean", "isArray",
			"olderThan", "newerThan", "inLast",
			"valueOlderThan", "valueNewerThan", "valueInLast":
			return false, nil
		}
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, leaf.Operator)
	}

	var actual interface{}
	var ts time.Time
	if present {
		actual = sv.Value
		ts = sv.Timestamp
	}

	switch leaf.Operator {
	case "isNull":
		return !present || actual == nil, nil
	case "isNotNull":
		return present && actual != nil, nil
	case "isEmpty":
		return isEmpty(actual, !present), nil
	case "isNotEmpty":
		return !isEmpty(actual, !present), nil
	case "isNumber":
		_, ok := toFloat(actual)
		return ok, nil
	case "isString":
		_, ok := actual.(string)
		return ok, nil
	case "isBoolean":
		_, ok := actual.(bool)
		return ok, nil
	case "isArray":
		_, ok := actual.([]interface{})
		return ok, nil
	}

	var want interface{}
	if len(leaf.Value) > 0 {
		if err := json.Unmarshal(leaf.Value, &want); err != nil {
			want = string(leaf.Value)
		}
	}

	switch leaf.Operator {
	case ">", ">=", "<", "<=":
		l, okL := toFloat(actual)
		r, okR := toFloat(want)
		if !okL || !okR {
			return false, nil
		}
		switch leaf.Operator {
		case ">":
			return l > r, nil
		case ">=":
			return l >= r, nil
		case "<":
			return l < r, nil
		case "<=":
			return l <= r, nil
		}
	case "==":
		return deepEqualLoose(actual, want), nil
	case "!=":
		return !deepEqualLoose(actual, want), nil
	case "between":
		bounds, ok := want.([]interface{})
		if !ok || len(bounds) != 2 {
			return false, nil
		}
		v, okV := toFloat(actual)
		lo, okLo := toFloat(bounds[0])
		hi, okHi := toFloat(bounds[1])
		if !okV || !okLo || !okHi {
			return false, nil
		}
		return v >= lo && v <= hi, nil
	case "contains":
		return containsOp(actual, want), nil
	case "notContains":
		return !containsOp(actual, want), nil
	case "startsWith":
		return strings.HasPrefix(toStr(actual), toStr(want)), nil
	case "endsWith":
		return strings.HasSuffix(toStr(actual), toStr(want)), nil
	case "matches":
		re, err := regexp.Compile(toStr(want))
		if err != nil {
			return false, fmt.Errorf("expr: invalid regex %q: %w", toStr(want), err)
		}
		return re.MatchString(toStr(actual)), nil
	case "in":
		return membership(want, actual), nil
	case "notIn":
		return !membership(want, actual), nil
	case "hasAll":
		return setRelation(actual, want, "all"), nil
	case "hasAny":
		return setRelation(actual, want, "any"), nil
	case "hasNone":
		return setRelation(actual, want, "none"), nil
	case "olderThan":
		return ageCompare(ts, now, leaf.Duration, ">"), nil
	case "newerThan":
		return ageCompare(ts, now, leaf.Duration, "<"), nil
	case "inLast":
		return ageCompare(ts, now, leaf.Duration, "<="), nil
	case "valueOlderThan":
		return deepEqualLoose(actual, want) && ageCompare(ts, now, leaf.Duration, ">"), nil
	case "valueNewerThan":
		return deepEqualLoose(actual, want) && ageCompare(ts, now, leaf.Duration, "<"), nil
	case "valueInLast":
		return deepEqualLoose(actual, want) && ageCompare(ts, now, leaf.Duration, "<="), nil
	}

	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, leaf.Operator)
}

func ageCompare(ts, now time.Time, durationLit string, cmp string) bool {
	if ts.IsZero() {
		return false
	}
	limitMs := duration.ParseMs(durationLit)
	ageMs := now.Sub(ts).Milliseconds()
	switch cmp {
	case ">":
		return ageMs > limitMs
	case "<":
		return ageMs < limitMs
	case "<=":
		return ageMs <= limitMs
	}
	return false
}

func isEmpty(v interface{}, absent bool) bool {
	if absent || v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	default:
		return false
	}
}

func containsOp(actual, want interface{}) bool {
	if arr, ok := actual.([]interface{}); ok {
		return membership(arr, want)
	}
	return strings.Contains(toStr(actual), toStr(want))
}

// membership reports whether needle loosely-equals any element of
// haystack (an []interface{}).
func membership(haystack interface{}, needle interface{}) bool {
	arr, ok := haystack.([]interface{})
	if !ok {
		return false
	}
	for _, el := range arr {
		if deepEqualLoose(el, needle) {
			return true
		}
	}
	return false
}

// setRelation evaluates hasAll/hasAny/hasNone: actual must be an array,
// want must be an array of required elements.
func setRelation(actual, want interface{}, mode string) bool {
	actualArr, ok := actual.([]interface{})
	if !ok {
		return false
	}
	wantArr, ok := want.([]interface{})
	if !ok {
		return false
	}
	matchCount := 0
	for _, w := range wantArr {
		if membership(actualArr, w) {
			matchCount++
		}
	}
	switch mode {
	case "all":
		return matchCount == len(wantArr)
	case "any":
		return matchCount > 0
	case "none":
		return matchCount == 0
	}
	return false
}

// deepEqualLoose compares two decoded JSON values, normalizing numeric
// types so "30" and 30.0 compare equal, and falling back to string
// formatting otherwise.
func deepEqualLoose(a, b interface{}) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return math.Abs(fa-fb) < 1e-9
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toStr(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
