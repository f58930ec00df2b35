// Package fingerprint derives compact change digests over resource payloads.
//
// The digest is computed over a normalized projection of the payload: fields
// named by the policy are removed at every nesting depth, object keys are
// encoded in sorted order, and collection elements are optionally sorted so
// that ordering alone does not change the result. Equal digests mean a
// collaborator may skip re-rendering; differing digests mean something
// observable changed.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	json "github.com/goccy/go-json"
)

// hashLength is the number of hex characters kept from the full digest.
// Enough to make collisions irrelevant for change detection while keeping
// logged values short.
const hashLength = 16

// Policy controls which parts of a payload participate in the digest.
type Policy struct {
	// ExcludeFields names fields that are removed from the projection before
	// hashing, at any nesting depth. Typically counters or timers that
	// advance on every tick of an in-progress item without representing a
	// meaningful state change.
	ExcludeFields []string

	// OrderSensitive keeps collection order in the digest. When false, array
	// elements are sorted by their canonical encoding first, so reordering
	// alone does not produce a new digest.
	OrderSensitive bool
}

// Engine computes digests under a fixed policy. Safe for concurrent use.
type Engine struct {
	excluded       map[string]struct{}
	orderSensitive bool
}

// New creates an Engine for the given policy.
func New(policy Policy) *Engine {
	excluded := make(map[string]struct{}, len(policy.ExcludeFields))
	for _, name := range policy.ExcludeFields {
		excluded[name] = struct{}{}
	}
	return &Engine{
		excluded:       excluded,
		orderSensitive: policy.OrderSensitive,
	}
}

// Sum digests a raw JSON payload.
func (e *Engine) Sum(payload []byte) (string, error) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	return e.sum(v)
}

// SumFields digests an already-decoded field map, producing the same digest
// Sum would for the equivalent JSON object.
func (e *Engine) SumFields(fields map[string]json.RawMessage) (string, error) {
	obj := make(map[string]any, len(fields))
	for name, raw := range fields {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", fmt.Errorf("decode field %q: %w", name, err)
		}
		obj[name] = v
	}
	return e.sum(obj)
}

func (e *Engine) sum(v any) (string, error) {
	// Marshal of the normalized value is canonical: map keys are encoded in
	// sorted order, and array ordering has already been fixed by normalize.
	data, err := json.Marshal(e.normalize(v))
	if err != nil {
		return "", fmt.Errorf("encode projection: %w", err)
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])[:hashLength], nil
}

// normalize strips excluded fields and, for order-insensitive policies,
// rewrites every array into a deterministic element order.
func (e *Engine) normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for name, val := range t {
			if _, drop := e.excluded[name]; drop {
				continue
			}
			out[name] = e.normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = e.normalize(val)
		}
		if !e.orderSensitive {
			sortByEncoding(out)
		}
		return out
	default:
		return v
	}
}

// sortByEncoding orders elements by their marshaled form. The encoding is
// only used as a sort key, so a marshal failure falls back to a formatted
// representation rather than aborting the digest.
func sortByEncoding(items []any) {
	keys := make([]string, len(items))
	for i, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			keys[i] = fmt.Sprintf("%v", item)
			continue
		}
		keys[i] = string(data)
	}
	sort.Sort(&byKey{keys: keys, items: items})
}

type byKey struct {
	keys  []string
	items []any
}

func (s *byKey) Len() int           { return len(s.items) }
func (s *byKey) Less(i, j int) bool { return s.keys[i] < s.keys[j] }
func (s *byKey) Swap(i, j int) {
	s.keys[i], s.keys[j] = s.keys[j], s.keys[i]
	s.items[i], s.items[j] = s.items[j], s.items[i]
}
