package options

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"TermChat/internal/apperr"
)

// Overrides maps generation parameter names to values, keeping the order in
// which keys were first seen. The zero value is empty and ready to use.
type Overrides struct {
	keys   []string
	values map[string]Value
	seen   map[string]int
}

// Add records one occurrence of key. The first occurrence is stored as it
// was given; every further occurrence collapses the entry into a list holding
// all observed values in order. A list given first is extended in place.
func (o *Overrides) Add(key string, v Value) {
	if o.values == nil {
		o.values = make(map[string]Value)
		o.seen = make(map[string]int)
	}
	n := o.seen[key]
	o.seen[key] = n + 1
	switch n {
	case 0:
		o.keys = append(o.keys, key)
		o.values[key] = v
	case 1:
		cur := o.values[key]
		if cur.Kind == KindList {
			cur.List = append(cur.List, v)
			o.values[key] = cur
			break
		}
		o.values[key] = List(cur, v)
	default:
		cur := o.values[key]
		cur.List = append(cur.List, v)
		o.values[key] = cur
	}
}

// Set replaces key with v regardless of earlier occurrences.
func (o *Overrides) Set(key string, v Value) {
	if o.values == nil {
		o.values = make(map[string]Value)
		o.seen = make(map[string]int)
	}
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = v
	o.seen[key] = 1
}

func (o Overrides) Get(key string) (Value, bool) {
	v, ok := o.values[key]
	return v, ok
}

func (o Overrides) Keys() []string {
	return append([]string(nil), o.keys...)
}

func (o Overrides) Len() int {
	return len(o.keys)
}

// Map returns the overrides as plain values, ready for JSON encoding into a
// backend request. Nil when empty so the field can be omitted.
func (o Overrides) Map() map[string]any {
	if len(o.keys) == 0 {
		return nil
	}
	out := make(map[string]any, len(o.keys))
	for _, k := range o.keys {
		out[k] = o.values[k].Any()
	}
	return out
}

// Validate checks every key against KnownKeys and every value against the
// kind its key declares.
func (o Overrides) Validate() error {
	var unknown, invalid []string
	for _, k := range o.keys {
		want, ok := KnownKeys[k]
		if !ok {
			unknown = append(unknown, k)
			continue
		}
		if v := o.values[k]; !fits(want, v) {
			invalid = append(invalid, fmt.Sprintf("%s=%s (want %s)", k, v.Literal(), want))
		}
	}
	var reasons []string
	if len(unknown) > 0 {
		reasons = append(reasons, "unknown parameter(s): "+strings.Join(unknown, ", "))
	}
	if len(invalid) > 0 {
		reasons = append(reasons, "invalid value(s): "+strings.Join(invalid, ", "))
	}
	if len(reasons) > 0 {
		return &apperr.ValidationError{
			Field:  "options",
			Reason: strings.Join(reasons, "; "),
		}
	}
	return nil
}

// fits reports whether v is acceptable for a key of kind want. Ints pass
// as floats and a flat list passes when every item fits.
func fits(want Kind, v Value) bool {
	switch v.Kind {
	case want:
		return true
	case KindInt:
		return want == KindFloat
	case KindList:
		for _, item := range v.List {
			if item.Kind == KindList || !fits(want, item) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders one `key value` line per occurrence, so that Parse(o.String())
// reproduces o for collapsed keys.
func (o Overrides) String() string {
	var b strings.Builder
	for _, k := range o.keys {
		v := o.values[k]
		if o.seen[k] > 1 && v.Kind == KindList {
			for _, item := range v.List {
				fmt.Fprintf(&b, "%s %s\n", k, item.Literal())
			}
			continue
		}
		fmt.Fprintf(&b, "%s %s\n", k, v.Literal())
	}
	return b.String()
}

// MarshalJSON encodes the overrides as an object with keys in insertion order.
func (o Overrides) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, fmt.Errorf("failed to encode option %s: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a stored object. Key order follows the document.
func (o *Overrides) UnmarshalJSON(data []byte) error {
	*o = Overrides{}
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode options: %w", err)
	}

	order, err := objectKeyOrder(data)
	if err != nil {
		return err
	}
	if len(order) != len(raw) {
		order = order[:0]
		for k := range raw {
			order = append(order, k)
		}
		sort.Strings(order)
	}

	for _, k := range order {
		var v Value
		if err := json.Unmarshal(raw[k], &v); err != nil {
			return fmt.Errorf("failed to decode option %s: %w", k, err)
		}
		o.Set(k, v)
	}
	return nil
}

func objectKeyOrder(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to decode options: %w", err)
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to decode options: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("failed to decode options: unexpected token %v", tok)
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, fmt.Errorf("failed to decode options: %w", err)
		}
	}
	return keys, nil
}
