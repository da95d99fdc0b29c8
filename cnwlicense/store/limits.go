package store

import (
	"encoding/json"
	"fmt"
)

// FeaturesKey is the limits entry holding the feature list rather than a
// numeric ceiling.
const FeaturesKey = "features"

// Limits holds the numeric ceilings of a license and its feature list.
// On the wire it is a single JSON object: metric names map to integers and
// the "features" key maps to an array of strings.
type Limits struct {
	Metrics  map[string]int64
	Features []string
}

// Ceiling returns the limit for metric and whether the metric is declared.
func (l Limits) Ceiling(metric string) (int64, bool) {
	v, ok := l.Metrics[metric]
	return v, ok
}

// MarshalJSON encodes the limits as one flat object.
func (l Limits) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(l.Metrics)+1)
	for k, v := range l.Metrics {
		out[k] = v
	}
	if l.Features != nil {
		out[FeaturesKey] = l.Features
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a flat limits object. Numeric entries must be
// non-negative integers.
func (l *Limits) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := Limits{Metrics: make(map[string]int64, len(raw))}
	for k, v := range raw {
		if k == FeaturesKey {
			if err := json.Unmarshal(v, &out.Features); err != nil {
				return fmt.Errorf("limits: features: %w", err)
			}
			continue
		}
		var n int64
		if err := json.Unmarshal(v, &n); err != nil {
			return fmt.Errorf("limits: %s: %w", k, err)
		}
		if n < 0 {
			return fmt.Errorf("limits: %s: negative value %d", k, n)
		}
		out.Metrics[k] = n
	}
	*l = out
	return nil
}

// Clone returns a deep copy of the limits.
func (l Limits) Clone() Limits {
	out := Limits{}
	if l.Metrics != nil {
		out.Metrics = make(map[string]int64, len(l.Metrics))
		for k, v := range l.Metrics {
			out.Metrics[k] = v
		}
	}
	if l.Features != nil {
		out.Features = append([]string(nil), l.Features...)
	}
	return out
}
