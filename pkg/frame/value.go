// Package frame decodes the binary frames published on a relay's repository
// event stream.
//
// Each websocket message carries two back-to-back items: a header naming the
// message type and a body holding the message itself. Only the subset of the
// encoding that relays actually emit is supported: definite-length integers,
// byte and text strings, arrays, maps with text keys, tags, and the simple
// values true, false and null. Floats and indefinite-length items are rejected.
//
// Decoding is done in two passes. FindEnd computes item boundaries without
// building anything, and Decode only constructs values for spans FindEnd has
// already accepted.
package frame

import "math"

// Kind discriminates the variants of Value.
type Kind uint8

const (
	KindUint Kind = iota
	KindNegInt
	KindBytes
	KindText
	KindArray
	KindMap
	KindTag
	KindBool
	KindNull
)

func (k Kind) String() string {
	switch k {
	case KindUint:
		return "uint"
	case KindNegInt:
		return "negint"
	case KindBytes:
		return "bytes"
	case KindText:
		return "text"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindTag:
		return "tag"
	case KindBool:
		return "bool"
	case KindNull:
		return "null"
	}
	return "unknown"
}

// LinkTag is the tag number wrapping content identifiers.
const LinkTag = 42

// Value is a decoded item. Only the fields matching Kind are populated.
//
// Bytes of a KindBytes value alias the buffer it was decoded from.
type Value struct {
	Kind Kind

	// Uint holds the argument of KindUint, and n for a KindNegInt value of -1-n.
	Uint    uint64
	Bool    bool
	Bytes   []byte
	Text    string
	Items   []Value
	Entries []Entry

	// Tag and Inner are set for KindTag.
	Tag   uint64
	Inner *Value
}

// Entry is one key/value pair of a map, in encoded order.
type Entry struct {
	Key   string
	Value Value
}

// Get returns the value stored under key in a map value.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindMap {
		return Value{}, false
	}
	for _, e := range v.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// AsText returns the string of a text value.
func (v Value) AsText() (string, bool) {
	if v.Kind != KindText {
		return "", false
	}
	return v.Text, true
}

// AsBytes returns the contents of a byte string value.
func (v Value) AsBytes() ([]byte, bool) {
	if v.Kind != KindBytes {
		return nil, false
	}
	return v.Bytes, true
}

// AsBool returns the value of a boolean.
func (v Value) AsBool() (bool, bool) {
	if v.Kind != KindBool {
		return false, false
	}
	return v.Bool, true
}

// AsInt64 returns an integer value as int64. It reports false for values
// outside the int64 range instead of truncating them.
func (v Value) AsInt64() (int64, bool) {
	switch v.Kind {
	case KindUint:
		if v.Uint > math.MaxInt64 {
			return 0, false
		}
		return int64(v.Uint), true
	case KindNegInt:
		if v.Uint > math.MaxInt64 {
			return 0, false
		}
		return -1 - int64(v.Uint), true
	}
	return 0, false
}

// IsNull reports whether v is the null simple value.
func (v Value) IsNull() bool {
	return v.Kind == KindNull
}

// Link returns the raw content identifier bytes of a tag 42 value, including
// the leading multibase prefix byte.
func (v Value) Link() ([]byte, bool) {
	if v.Kind != KindTag || v.Tag != LinkTag || v.Inner == nil {
		return nil, false
	}
	return v.Inner.AsBytes()
}
