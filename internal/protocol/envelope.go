package protocol

import (
	"encoding/json"
	"math"
)

// Envelope is the transport-neutral form of a reservation: named fields
// holding primitives, nested envelopes, or lists. Values built locally carry
// Go integers; values decoded from JSON carry float64 or json.Number. The
// getters accept both.
type Envelope map[string]any

// Has reports whether key is present with a non-null value.
func (e Envelope) Has(key string) bool {
	v, ok := e[key]
	return ok && v != nil
}

func (e Envelope) Int(key string) (int64, error) {
	v, ok, err := e.OptInt(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, Errorf(ErrProtocol, "missing field %q", key)
	}
	return v, nil
}

func (e Envelope) OptInt(key string) (int64, bool, error) {
	raw, ok := e[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	n, ok := toInt(raw)
	if !ok {
		return 0, false, Errorf(ErrProtocol, "field %q: expected integer, got %T", key, raw)
	}
	return n, true, nil
}

func (e Envelope) Float(key string) (float64, error) {
	v, ok, err := e.OptFloat(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, Errorf(ErrProtocol, "missing field %q", key)
	}
	return v, nil
}

func (e Envelope) OptFloat(key string) (float64, bool, error) {
	raw, ok := e[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	f, ok := toFloat(raw)
	if !ok {
		return 0, false, Errorf(ErrProtocol, "field %q: expected number, got %T", key, raw)
	}
	return f, true, nil
}

func (e Envelope) String(key string) (string, error) {
	v, ok, err := e.OptString(key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", Errorf(ErrProtocol, "missing field %q", key)
	}
	return v, nil
}

func (e Envelope) OptString(key string) (string, bool, error) {
	raw, ok := e[key]
	if !ok || raw == nil {
		return "", false, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", false, Errorf(ErrProtocol, "field %q: expected string, got %T", key, raw)
	}
	return s, true, nil
}

// List returns the elements of a list field. Elements are nil or an
// Envelope. A missing field reports ok=false.
func (e Envelope) List(key string) (items []Envelope, ok bool, err error) {
	raw, present := e[key]
	if !present || raw == nil {
		return nil, false, nil
	}
	switch l := raw.(type) {
	case []Envelope:
		return l, true, nil
	case []any:
		out := make([]Envelope, len(l))
		for i, v := range l {
			if v == nil {
				continue
			}
			sub, ok := asEnvelope(v)
			if !ok {
				return nil, false, Errorf(ErrProtocol, "field %q[%d]: expected object, got %T", key, i, v)
			}
			out[i] = sub
		}
		return out, true, nil
	}
	return nil, false, Errorf(ErrProtocol, "field %q: expected list, got %T", key, raw)
}

func asEnvelope(v any) (Envelope, bool) {
	switch m := v.(type) {
	case Envelope:
		return m, true
	case map[string]any:
		return Envelope(m), true
	}
	return nil, false
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := toInt(v); ok {
		return float64(i), true
	}
	return 0, false
}
