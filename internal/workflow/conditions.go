package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// EvaluateConditions reports whether every condition holds against the
// request data. No conditions means the step always runs. Values that cannot
// be coerced make their condition false; evaluation never fails.
func EvaluateConditions(conditions []Condition, data map[string]any) bool {
	for _, cond := range conditions {
		if !evaluateCondition(cond, data) {
			return false
		}
	}
	return true
}

func evaluateCondition(cond Condition, data map[string]any) bool {
	fieldValue := data[cond.Field]

	switch cond.Operator {
	case OperatorEquals:
		return toString(fieldValue) == toString(cond.Value)
	case OperatorNotEquals:
		return toString(fieldValue) != toString(cond.Value)
	case OperatorGreaterThan:
		return toNumber(fieldValue) > toNumber(cond.Value)
	case OperatorLessThan:
		return toNumber(fieldValue) < toNumber(cond.Value)
	case OperatorContains:
		return strings.Contains(strings.ToLower(toString(fieldValue)), strings.ToLower(toString(cond.Value)))
	case OperatorBetween:
		upper := cond.Value2
		if upper == nil {
			upper = cond.Value
		}
		n := toNumber(fieldValue)
		return n >= toNumber(cond.Value) && n <= toNumber(upper)
	default:
		// Unknown operators pass.
		return true
	}
}

// toString coerces a request value to its string form. Numbers use the
// shortest representation so 5000.0 and "5000" compare equal.
func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return formatNumber(val)
	case float32:
		return formatNumber(float64(val))
	case json.Number:
		return val.String()
	}

	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprint(v)
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	if f == 0 {
		return "0"
	}
	if abs := math.Abs(f); abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}

	// Exponent form without zero padding: 1e+21, 1e-7
	mantissa, exp, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
	sign, digits := exp[:1], strings.TrimLeft(exp[1:], "0")
	return mantissa + "e" + sign + digits
}

// toNumber coerces a request value to a float. Missing values and
// unparsable strings become NaN, which fails every comparison.
func toNumber(v any) float64 {
	switch val := v.(type) {
	case nil:
		return math.NaN()
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0
		}
		switch s {
		case "Infinity", "+Infinity":
			return math.Inf(1)
		case "-Infinity":
			return math.Inf(-1)
		}
		if f, ok := parsePrefixed(s); ok {
			return f
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			if errors.Is(err, strconv.ErrRange) {
				return f
			}
			return math.NaN()
		}
		if math.IsInf(f, 0) || math.IsNaN(f) {
			// "inf" and "nan" spellings are not numbers here
			return math.NaN()
		}
		return f
	case bool:
		if val {
			return 1
		}
		return 0
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	}

	f, err := cast.ToFloat64E(v)
	if err != nil {
		return math.NaN()
	}
	return f
}

// parsePrefixed handles unsigned 0x, 0o and 0b integer literals. ok is
// false when s has no such prefix; a prefix with bad digits yields NaN.
func parsePrefixed(s string) (float64, bool) {
	if len(s) < 2 || s[0] != '0' {
		return 0, false
	}
	var base int
	switch s[1] {
	case 'x', 'X':
		base = 16
	case 'o', 'O':
		base = 8
	case 'b', 'B':
		base = 2
	default:
		return 0, false
	}
	digits := s[2:]
	if digits == "" || digits[0] == '+' || digits[0] == '-' {
		return math.NaN(), true
	}
	n, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return math.NaN(), true
	}
	f, _ := new(big.Float).SetInt(n).Float64()
	return f, true
}
