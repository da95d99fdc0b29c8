package cnwlicense

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/CloudNativeWorks/cnw-license-engine/cnwlicense/store"
)

// AllowedMetrics is the fixed set of limit keys a license may declare, in
// addition to the "features" list.
var AllowedMetrics = map[string]bool{
	"users":               true,
	"seats":               true,
	"admins":              true,
	"projects":            true,
	"environments":        true,
	"tenants":             true,
	"api_calls_per_day":   true,
	"rate_limit_rps":      true,
	"concurrent_sessions": true,
	"requests":            true,
	"activations":         true,
}

// ParseLimits checks an untyped limits object against the allow-list.
// Numeric metrics must be non-negative integers; "features" must be a list
// of strings. A nil map yields empty limits.
func ParseLimits(raw map[string]any) (Limits, error) {
	out := Limits{Metrics: make(map[string]int64, len(raw))}
	names := make([]string, 0, len(raw))
	for k := range raw {
		names = append(names, k)
	}
	// Sorted so the first reported error is stable.
	sort.Strings(names)

	for _, name := range names {
		v := raw[name]
		if name == store.FeaturesKey {
			features, err := toStrings(v)
			if err != nil {
				return Limits{}, fmt.Errorf("%w: limits.features: %v", ErrValidation, err)
			}
			out.Features = features
			continue
		}
		if !AllowedMetrics[name] {
			return Limits{}, fmt.Errorf("%w: unknown limit key %q", ErrValidation, name)
		}
		n, ok := toInt(v)
		if !ok || n < 0 {
			return Limits{}, fmt.Errorf("%w: limits.%s must be a non-negative integer", ErrValidation, name)
		}
		out.Metrics[name] = n
	}
	return out, nil
}

// maxExactFloat is the largest integer a float64 holds without rounding.
const maxExactFloat = 1 << 53

// toInt converts a JSON number (float64 or json.Number) or Go integer to
// int64. Fractional values are rejected, as are float64 values too large to
// have been decoded exactly.
func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > maxExactFloat {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func toStrings(v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return append([]string{}, list...), nil
	case []any:
		out := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("item %d is not a string", i)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be an array of strings")
	}
}
