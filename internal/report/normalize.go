// Package report builds outcome reports from an ML prediction and similar precedents.
package report

import (
	"math"
	"strconv"
	"strings"
)

// DictValuesToInt returns a copy of m in which every string value that parses
// as a number within the int64 range is replaced by its truncated int. Other
// values are kept.
func DictValuesToInt(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
		s, ok := v.(string)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		i, ok := truncate(f)
		if err != nil || !ok {
			continue
		}
		out[k] = int(i)
	}
	return out
}

// asInt truncates numeric values and parses integer strings.
// Non-integer strings and other types report ok=false.
func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float32:
		return truncate(float64(n))
	case float64:
		return truncate(n)
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// truncate converts f toward zero. NaN, infinities and values outside the
// int64 range report ok=false.
func truncate(f float64) (int64, bool) {
	if math.IsNaN(f) || f < -(1<<63) || f >= 1<<63 {
		return 0, false
	}
	return int64(f), true
}

// coerceOutcome maps an outcome whose integer value is exactly 0 or 1 to a
// bool and returns any other value unchanged.
func coerceOutcome(v any) any {
	i, ok := asInt(v)
	if !ok {
		return v
	}
	switch i {
	case 1:
		return true
	case 0:
		return false
	}
	return v
}
