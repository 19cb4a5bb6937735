package store

import (
	"bytes"
	"encoding/json"
	"strings"
)

// decodeValue unmarshals a stored JSON object. Numbers decode as
// json.Number so ns timestamps survive the round trip without float64
// precision loss.
func decodeValue(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// applyField applies one field-scoped mutation to a decoded document.
// Keys address top-level fields or, with a single dot, map entries
// ("typingInfo.u1"). Sentinels: Delete removes the field/key, ArrayRemove
// filters matching elements out of an array field.
func applyField(m map[string]any, key string, v any) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) == 1 {
		switch t := v.(type) {
		case deleteSentinel:
			delete(m, key)
		case arrayRemove:
			m[key] = removeFromArray(m[key], t.value)
		default:
			m[key] = v
		}
		return
	}
	sub, _ := m[parts[0]].(map[string]any)
	if sub == nil {
		sub = map[string]any{}
	}
	switch t := v.(type) {
	case deleteSentinel:
		delete(sub, parts[1])
	case arrayRemove:
		sub[parts[1]] = removeFromArray(sub[parts[1]], t.value)
	default:
		sub[parts[1]] = v
	}
	m[parts[0]] = sub
}

func removeFromArray(field any, v any) any {
	arr, ok := field.([]any)
	if !ok {
		return field
	}
	out := arr[:0]
	for _, e := range arr {
		if !scalarEqual(e, v) {
			out = append(out, e)
		}
	}
	return out
}

func containsValue(m map[string]any, field, value string) bool {
	arr, ok := m[field].([]any)
	if !ok {
		return false
	}
	for _, e := range arr {
		if s, ok := e.(string); ok && s == value {
			return true
		}
	}
	return false
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func int64Field(m map[string]any, key string) (int64, bool) {
	switch t := m[key].(type) {
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	}
	return 0, false
}
