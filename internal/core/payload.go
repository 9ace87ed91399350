package core

import (
	"encoding/json"
	"fmt"
	"math"
)

// PayloadKind различает варианты аргумента команды.
type PayloadKind int

const (
	KindNone PayloadKind = iota
	KindString
	KindInt
	KindMap
	KindOpaque
)

func (k PayloadKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindMap:
		return "map"
	default:
		return "opaque"
	}
}

// Payload - типизированный аргумент команды, разобранный на границе транспорта.
type Payload struct {
	Kind   PayloadKind
	Str    string
	Int    int64
	Map    map[string]interface{}
	Opaque interface{}
}

// PayloadOf классифицирует нетипизированное значение из транспорта.
func PayloadOf(v interface{}) Payload {
	switch val := v.(type) {
	case nil:
		return Payload{Kind: KindNone}
	case string:
		return Payload{Kind: KindString, Str: val}
	case []byte:
		return Payload{Kind: KindString, Str: string(val)}
	case int:
		return intPayload(int64(val))
	case int8:
		return intPayload(int64(val))
	case int16:
		return intPayload(int64(val))
	case int32:
		return intPayload(int64(val))
	case int64:
		return intPayload(val)
	case uint8:
		return intPayload(int64(val))
	case uint16:
		return intPayload(int64(val))
	case uint32:
		return intPayload(int64(val))
	case uint:
		if uint64(val) > math.MaxInt64 {
			return Payload{Kind: KindOpaque, Opaque: v}
		}
		return intPayload(int64(val))
	case uint64:
		if val > math.MaxInt64 {
			return Payload{Kind: KindOpaque, Opaque: v}
		}
		return intPayload(int64(val))
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return intPayload(int64(val))
		}
		return Payload{Kind: KindOpaque, Opaque: v}
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return intPayload(n)
		}
		return Payload{Kind: KindOpaque, Opaque: v}
	case map[string]interface{}:
		return Payload{Kind: KindMap, Map: val}
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(val))
		for key, item := range val {
			ks, ok := key.(string)
			if !ok {
				return Payload{Kind: KindOpaque, Opaque: v}
			}
			m[ks] = item
		}
		return Payload{Kind: KindMap, Map: m}
	default:
		return Payload{Kind: KindOpaque, Opaque: v}
	}
}

func intPayload(n int64) Payload {
	return Payload{Kind: KindInt, Int: n}
}

// StringField достает строковое поле map-аргумента; отсутствующее поле дает "".
func (p Payload) StringField(key string) (string, error) {
	if p.Kind != KindMap {
		return "", fmt.Errorf("%s argument has no field %q: %w", p.Kind, key, errInvalidArguments)
	}
	raw, ok := p.Map[key]
	if !ok || raw == nil {
		return "", nil
	}
	switch s := raw.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	default:
		return "", fmt.Errorf("field %q must be a string, got %T: %w", key, raw, errInvalidArguments)
	}
}

// Value возвращает исходное значение аргумента.
func (p Payload) Value() interface{} {
	switch p.Kind {
	case KindString:
		return p.Str
	case KindInt:
		return p.Int
	case KindMap:
		return p.Map
	case KindOpaque:
		return p.Opaque
	default:
		return nil
	}
}
