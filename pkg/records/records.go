// Package records pulls mutated record payloads out of the block container
// attached to a repository commit.
package records

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/biosky/ingester/pkg/frame"
	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
)

// ParseLink converts a tag 42 value into a content identifier.
func ParseLink(v frame.Value) (cid.Cid, error) {
	raw, ok := v.Link()
	if !ok {
		return cid.Undef, fmt.Errorf("value of kind %s is not a link", v.Kind)
	}
	// The first byte is the identity multibase prefix.
	if len(raw) < 2 || raw[0] != 0x00 {
		return cid.Undef, errors.New("link is missing its multibase prefix")
	}

	c, err := cid.Cast(raw[1:])
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to parse link: %w", err)
	}
	return c, nil
}

// Extract finds the block identified by link in a CAR encoded blob and
// decodes it. It reports false when the blob is empty or unreadable, the
// block is absent, or the block does not decode.
func Extract(blocks []byte, link cid.Cid) (*frame.Value, bool) {
	raw, ok := findBlock(blocks, link)
	if !ok {
		return nil, false
	}

	v, err := frame.DecodeValue(raw)
	if err != nil {
		return nil, false
	}
	return &v, true
}

func findBlock(blocks []byte, link cid.Cid) ([]byte, bool) {
	if len(blocks) == 0 || !link.Defined() {
		return nil, false
	}

	cr, err := car.NewCarReader(bytes.NewReader(blocks))
	if err != nil {
		return nil, false
	}

	for {
		blk, err := cr.Next()
		if err != nil {
			// io.EOF or a corrupt section, either way the block is not here
			return nil, false
		}
		if blk.Cid().Equals(link) {
			return blk.RawData(), true
		}
	}
}
