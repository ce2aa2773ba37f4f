package frame

const (
	majorUint   = 0
	majorNegInt = 1
	majorBytes  = 2
	majorText   = 3
	majorArray  = 4
	majorMap    = 5
	majorTag    = 6
	majorSimple = 7
)

// MaxDepth is the deepest nesting of arrays, maps and tags that is accepted.
const MaxDepth = 128

// readHead reads the initial byte of the item at pos and its argument.
// It returns the major type, the argument and the offset of the item's content.
func readHead(buf []byte, pos int) (major byte, arg uint64, next int, ok bool) {
	if pos < 0 || pos >= len(buf) {
		return 0, 0, 0, false
	}

	major = buf[pos] >> 5
	info := buf[pos] & 0x1f
	pos++

	var width int
	switch {
	case info < 24:
		return major, uint64(info), pos, true
	case info == 24:
		width = 1
	case info == 25:
		width = 2
	case info == 26:
		width = 4
	case info == 27:
		width = 8
	default:
		// 28-30 are reserved, 31 is indefinite length
		return 0, 0, 0, false
	}

	if len(buf)-pos < width {
		return 0, 0, 0, false
	}
	for i := 0; i < width; i++ {
		arg = arg<<8 | uint64(buf[pos+i])
	}

	return major, arg, pos + width, true
}

// FindEnd returns the offset just past the item starting at start.
//
// It computes lengths only and builds no values. It reports false for empty
// input, a start offset outside buf, truncated items, reserved or indefinite
// additional info codes, and nesting deeper than MaxDepth.
func FindEnd(buf []byte, start int) (int, bool) {
	return findEnd(buf, start, 0)
}

func findEnd(buf []byte, pos int, depth int) (int, bool) {
	if depth > MaxDepth {
		return 0, false
	}

	major, arg, next, ok := readHead(buf, pos)
	if !ok {
		return 0, false
	}

	switch major {
	case majorUint, majorNegInt:
		return next, true
	case majorBytes, majorText:
		if arg > uint64(len(buf)-next) {
			return 0, false
		}
		return next + int(arg), true
	case majorArray:
		return skipItems(buf, next, arg, depth)
	case majorMap:
		if arg > uint64(len(buf)-next) {
			return 0, false
		}
		return skipItems(buf, next, arg*2, depth)
	case majorTag:
		return findEnd(buf, next, depth+1)
	case majorSimple:
		// Only the one-byte simple values are supported; floats are not
		// part of the record data model.
		if buf[pos]&0x1f >= 24 {
			return 0, false
		}
		return next, true
	}

	return 0, false
}

func skipItems(buf []byte, pos int, count uint64, depth int) (int, bool) {
	// Every item takes at least one byte.
	if count > uint64(len(buf)-pos) {
		return 0, false
	}

	for i := uint64(0); i < count; i++ {
		end, ok := findEnd(buf, pos, depth+1)
		if !ok {
			return 0, false
		}
		pos = end
	}

	return pos, true
}
