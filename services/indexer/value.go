package indexer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// OversizeLimit is the maximum canonical JSON size, in bytes, an extrinsic's
// args may have before being replaced by an oversize marker. Event data is
// not truncated.
const OversizeLimit = 4096

// ValueKind tags a Value's variant.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindBytes
	KindArray
	KindMap
)

// Value is a tagged tree representing free-form decoded chain data (extrinsic
// args, event data). It has a canonical JSON encoding used for persistence
// and size checks: map keys sorted, bytes as 0x-prefixed hex.
type Value struct {
	Kind   ValueKind
	Bool   bool
	Number float64
	Str    string
	Bytes  []byte
	Array  []Value
	Map    map[string]Value
}

// Constructors

func Null() Value                     { return Value{Kind: KindNull} }
func BoolValue(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func NumberValue(n float64) Value     { return Value{Kind: KindNumber, Number: n} }
func StringValue(s string) Value      { return Value{Kind: KindString, Str: s} }
func BytesValue(b []byte) Value       { return Value{Kind: KindBytes, Bytes: b} }
func ArrayValue(vs ...Value) Value    { return Value{Kind: KindArray, Array: vs} }
func MapValue(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }

// MarshalJSON emits the canonical encoding.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.Bool)
	case KindNumber:
		return json.Marshal(v.Number)
	case KindString:
		return json.Marshal(v.Str)
	case KindBytes:
		return json.Marshal("0x" + hex.EncodeToString(v.Bytes))
	case KindArray:
		if v.Array == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Array)
	case KindMap:
		return v.marshalMap()
	default:
		return nil, fmt.Errorf("value: unknown kind %d", v.Kind)
	}
}

// marshalMap writes map entries in sorted key order.
func (v Value) marshalMap() ([]byte, error) {
	keys := make([]string, 0, len(v.Map))
	for k := range v.Map {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(v.Map[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return append(buf, '}'), nil
}

// UnmarshalJSON parses arbitrary JSON into the tree. Hex strings stay
// strings; KindBytes is only produced programmatically.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = fromInterface(raw)
	return nil
}

func fromInterface(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return BoolValue(t)
	case float64:
		return NumberValue(t)
	case string:
		return StringValue(t)
	case []interface{}:
		arr := make([]Value, len(t))
		for i, e := range t {
			arr[i] = fromInterface(e)
		}
		return Value{Kind: KindArray, Array: arr}
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = fromInterface(e)
		}
		return MapValue(m)
	default:
		return Null()
	}
}

// EncodedSize returns the canonical JSON length in bytes.
func (v Value) EncodedSize() (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// Truncate replaces values whose canonical JSON exceeds OversizeLimit with an
// oversize marker recording the original size. It is a fixed point: values at
// or under the limit (including markers) pass through unchanged.
func Truncate(v Value) (Value, error) {
	size, err := v.EncodedSize()
	if err != nil {
		return Value{}, err
	}
	if size <= OversizeLimit {
		return v, nil
	}
	return MapValue(map[string]Value{
		"oversized":     BoolValue(true),
		"originalBytes": NumberValue(float64(size)),
	}), nil
}

// IsOversizeMarker reports whether v is a truncation marker.
func (v Value) IsOversizeMarker() bool {
	if v.Kind != KindMap {
		return false
	}
	flag, ok := v.Map["oversized"]
	return ok && flag.Kind == KindBool && flag.Bool
}

// accountFields is the event-data field set treated as account references on
// the target chain.
var accountFields = map[string]bool{
	"who":       true,
	"account":   true,
	"from":      true,
	"to":        true,
	"validator": true,
	"stash":     true,
}

// ExtractAccounts walks event data collecting account ids referenced under
// the known field names. An account id is a 0x-prefixed 32-byte hex string.
func ExtractAccounts(v Value) []string {
	seen := make(map[string]bool)
	var out []string
	walkAccounts(v, "", seen, &out)
	return out
}

func walkAccounts(v Value, field string, seen map[string]bool, out *[]string) {
	switch v.Kind {
	case KindString:
		if accountFields[field] && isAccountHex(v.Str) && !seen[v.Str] {
			seen[v.Str] = true
			*out = append(*out, v.Str)
		}
	case KindArray:
		for _, e := range v.Array {
			walkAccounts(e, field, seen, out)
		}
	case KindMap:
		for k, e := range v.Map {
			walkAccounts(e, k, seen, out)
		}
	}
}

func isAccountHex(s string) bool {
	if len(s) != 66 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}
