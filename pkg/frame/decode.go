package frame

import (
	"errors"
	"fmt"

	"github.com/bluesky-social/indigo/events"
)

var (
	// ErrInvalidItem is returned for truncated items, declared lengths past the
	// end of the buffer and unsupported additional info codes.
	ErrInvalidItem = errors.New("invalid or truncated item")
	// ErrUnsupported is returned for well-delimited items outside the supported
	// subset, such as non-text map keys or unassigned simple values.
	ErrUnsupported = errors.New("unsupported item")
	// ErrMalformed is returned when the items decode but do not form a frame.
	ErrMalformed = errors.New("malformed frame")
)

// Frame header op values.
const (
	OpMessage = events.EvtKindMessage
	OpError   = events.EvtKindErrorFrame
)

// Message types carried in the header's t field.
const (
	TypeCommit    = "#commit"
	TypeIdentity  = "#identity"
	TypeAccount   = "#account"
	TypeHandle    = "#handle"
	TypeTombstone = "#tombstone"
	TypeInfo      = "#info"
)

// Header is the first item of a frame.
type Header struct {
	Op   int64
	Type string
}

// Frame is one decoded stream message.
type Frame struct {
	Header Header
	Body   Value
}

// IsError reports whether the frame is an error frame.
func (f *Frame) IsError() bool {
	return f.Header.Op == OpError
}

// Decode decodes a header item followed by a body item. Both items must be
// well formed and together span the entire buffer. On failure no frame is
// returned.
func Decode(buf []byte) (*Frame, error) {
	headerEnd, ok := FindEnd(buf, 0)
	if !ok {
		return nil, fmt.Errorf("header: %w", ErrInvalidItem)
	}
	bodyEnd, ok := FindEnd(buf, headerEnd)
	if !ok {
		return nil, fmt.Errorf("body: %w", ErrInvalidItem)
	}
	if bodyEnd != len(buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(buf)-bodyEnd)
	}

	hv, _, err := decodeItem(buf[:headerEnd], 0, 0)
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	header, err := parseHeader(hv)
	if err != nil {
		return nil, err
	}

	body, _, err := decodeItem(buf, headerEnd, 0)
	if err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}

	return &Frame{Header: header, Body: body}, nil
}

// DecodeValue decodes a single item that must span the entire buffer.
func DecodeValue(buf []byte) (Value, error) {
	end, ok := FindEnd(buf, 0)
	if !ok {
		return Value{}, ErrInvalidItem
	}
	if end != len(buf) {
		return Value{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(buf)-end)
	}

	v, _, err := decodeItem(buf, 0, 0)
	if err != nil {
		return Value{}, err
	}
	return v, nil
}

func parseHeader(v Value) (Header, error) {
	if v.Kind != KindMap {
		return Header{}, fmt.Errorf("%w: header is %s, not map", ErrMalformed, v.Kind)
	}

	opv, ok := v.Get("op")
	if !ok {
		return Header{}, fmt.Errorf("%w: header missing op", ErrMalformed)
	}
	op, ok := opv.AsInt64()
	if !ok {
		return Header{}, fmt.Errorf("%w: header op is not an integer", ErrMalformed)
	}

	h := Header{Op: op}
	if tv, ok := v.Get("t"); ok {
		t, ok := tv.AsText()
		if !ok {
			return Header{}, fmt.Errorf("%w: header t is not text", ErrMalformed)
		}
		h.Type = t
	}

	return h, nil
}

// decodeItem builds the value of the item at pos and returns the offset past it.
func decodeItem(buf []byte, pos int, depth int) (Value, int, error) {
	if depth > MaxDepth {
		return Value{}, 0, fmt.Errorf("%w: nesting deeper than %d", ErrInvalidItem, MaxDepth)
	}

	major, arg, next, ok := readHead(buf, pos)
	if !ok {
		return Value{}, 0, ErrInvalidItem
	}

	switch major {
	case majorUint:
		return Value{Kind: KindUint, Uint: arg}, next, nil
	case majorNegInt:
		return Value{Kind: KindNegInt, Uint: arg}, next, nil
	case majorBytes, majorText:
		if arg > uint64(len(buf)-next) {
			return Value{}, 0, ErrInvalidItem
		}
		end := next + int(arg)
		if major == majorBytes {
			return Value{Kind: KindBytes, Bytes: buf[next:end:end]}, end, nil
		}
		return Value{Kind: KindText, Text: string(buf[next:end])}, end, nil
	case majorArray:
		if arg > uint64(len(buf)-next) {
			return Value{}, 0, ErrInvalidItem
		}
		items := make([]Value, 0, int(arg))
		for i := uint64(0); i < arg; i++ {
			item, end, err := decodeItem(buf, next, depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			items = append(items, item)
			next = end
		}
		return Value{Kind: KindArray, Items: items}, next, nil
	case majorMap:
		if arg > uint64(len(buf)-next)/2 {
			return Value{}, 0, ErrInvalidItem
		}
		entries := make([]Entry, 0, int(arg))
		for i := uint64(0); i < arg; i++ {
			key, end, err := decodeItem(buf, next, depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			if key.Kind != KindText {
				return Value{}, 0, fmt.Errorf("%w: %s map key", ErrUnsupported, key.Kind)
			}
			val, end, err := decodeItem(buf, end, depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			entries = append(entries, Entry{Key: key.Text, Value: val})
			next = end
		}
		return Value{Kind: KindMap, Entries: entries}, next, nil
	case majorTag:
		inner, end, err := decodeItem(buf, next, depth+1)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindTag, Tag: arg, Inner: &inner}, end, nil
	case majorSimple:
		switch buf[pos] & 0x1f {
		case 20:
			return Value{Kind: KindBool, Bool: false}, next, nil
		case 21:
			return Value{Kind: KindBool, Bool: true}, next, nil
		case 22:
			return Value{Kind: KindNull}, next, nil
		}
		return Value{}, 0, fmt.Errorf("%w: simple value %d", ErrUnsupported, buf[pos]&0x1f)
	}

	return Value{}, 0, ErrInvalidItem
}
