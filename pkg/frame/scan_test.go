package frame

import (
	"bytes"
	"math"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-playground/assert/v2"
)

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %v: %v", v, err)
	}
	return b
}

func TestFindEndIntegers(t *testing.T) {
	tests := []struct {
		val  any
		size int
	}{
		{uint64(0), 1},
		{uint64(23), 1},
		{uint64(24), 2},
		{uint64(255), 2},
		{uint64(256), 3},
		{uint64(math.MaxUint16), 3},
		{uint64(math.MaxUint16 + 1), 5},
		{uint64(math.MaxUint32), 5},
		{uint64(math.MaxUint32 + 1), 9},
		{uint64(math.MaxUint64), 9},
		{int64(-1), 1},
		{int64(-24), 1},
		{int64(-25), 2},
		{int64(-257), 3},
		{int64(-65537), 5},
		{int64(math.MinInt64), 9},
	}

	for _, tt := range tests {
		enc := mustMarshal(t, tt.val)
		if len(enc) != tt.size {
			t.Fatalf("fixture for %v is %d bytes, want %d", tt.val, len(enc), tt.size)
		}
		end, ok := FindEnd(enc, 0)
		if !ok {
			t.Errorf("FindEnd(%v) not found", tt.val)
			continue
		}
		if end != len(enc) {
			t.Errorf("FindEnd(%v) = %d, want %d", tt.val, end, len(enc))
		}
	}
}

func TestFindEndStrings(t *testing.T) {
	for _, n := range []int{0, 1, 23, 24, 255, 256, 65535, 65536} {
		text := mustMarshal(t, string(bytes.Repeat([]byte("a"), n)))
		end, ok := FindEnd(text, 0)
		assert.Equal(t, true, ok)
		assert.Equal(t, len(text), end)

		raw := mustMarshal(t, bytes.Repeat([]byte{0xab}, n))
		end, ok = FindEnd(raw, 0)
		assert.Equal(t, true, ok)
		assert.Equal(t, len(raw), end)
	}

	// 8-byte length field, not the shortest form but still valid
	long := []byte{0x7b, 0, 0, 0, 0, 0, 0, 0, 3, 'a', 'b', 'c'}
	end, ok := FindEnd(long, 0)
	assert.Equal(t, true, ok)
	assert.Equal(t, len(long), end)
}

func TestFindEndNested(t *testing.T) {
	values := []any{
		[]any{},
		[]any{uint64(1), []any{"a", []any{uint64(2), true}}},
		map[string]any{},
		map[string]any{
			"a": map[string]any{"b": []any{uint64(1), nil, false}},
			"c": []byte{1, 2, 3},
		},
		cbor.Tag{Number: 42, Content: []byte{0, 1, 2, 3}},
		[]any{cbor.Tag{Number: 42, Content: []byte{0, 9}}, map[string]any{"x": cbor.Tag{Number: 100, Content: uint64(1000)}}},
	}

	for _, v := range values {
		enc := mustMarshal(t, v)
		end, ok := FindEnd(enc, 0)
		if !ok || end != len(enc) {
			t.Errorf("FindEnd(%x) = %d, %v; want %d, true", enc, end, ok, len(enc))
		}
	}
}

func TestFindEndOffset(t *testing.T) {
	a := mustMarshal(t, map[string]any{"op": uint64(1), "t": "#commit"})
	b := mustMarshal(t, []any{"x", uint64(300)})
	buf := append(append([]byte{}, a...), b...)

	end, ok := FindEnd(buf, 0)
	assert.Equal(t, true, ok)
	assert.Equal(t, len(a), end)

	end, ok = FindEnd(buf, len(a))
	assert.Equal(t, true, ok)
	assert.Equal(t, len(buf), end)
}

func TestFindEndNotFound(t *testing.T) {
	tests := []struct {
		name  string
		buf   []byte
		start int
	}{
		{"empty", nil, 0},
		{"start at end", []byte{0x01}, 1},
		{"start past end", []byte{0x01}, 5},
		{"negative start", []byte{0x01}, -1},
		{"uint info 28", []byte{0x1c}, 0},
		{"uint info 29", []byte{0x1d}, 0},
		{"uint info 30", []byte{0x1e}, 0},
		{"negint info 28", []byte{0x3c}, 0},
		{"bytes info 29", []byte{0x5d}, 0},
		{"text info 30", []byte{0x7e}, 0},
		{"array info 28", []byte{0x9c}, 0},
		{"map info 29", []byte{0xbd}, 0},
		{"tag info 30", []byte{0xde}, 0},
		{"indefinite array", []byte{0x9f, 0x01, 0xff}, 0},
		{"float", []byte{0xf9, 0x3c, 0x00}, 0},
		{"truncated uint16", []byte{0x19, 0x01}, 0},
		{"truncated uint64", []byte{0x1b, 0, 0, 0, 0}, 0},
		{"truncated text", []byte{0x62, 'a'}, 0},
		{"huge text length", []byte{0x7b, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 'a'}, 0},
		{"truncated array", []byte{0x82, 0x01}, 0},
		{"truncated map", []byte{0xa1, 0x61, 'k'}, 0},
		{"tag without item", []byte{0xd8, 0x2a}, 0},
		{"huge map count", []byte{0xbb, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if end, ok := FindEnd(tt.buf, tt.start); ok {
				t.Errorf("FindEnd(%x, %d) = %d, want not found", tt.buf, tt.start, end)
			}
		})
	}
}

func TestFindEndDepthLimit(t *testing.T) {
	deep := append(bytes.Repeat([]byte{0x81}, MaxDepth+10), 0x00)
	if _, ok := FindEnd(deep, 0); ok {
		t.Error("expected nesting past MaxDepth to be rejected")
	}

	shallow := append(bytes.Repeat([]byte{0x81}, 10), 0x00)
	end, ok := FindEnd(shallow, 0)
	assert.Equal(t, true, ok)
	assert.Equal(t, len(shallow), end)
}
