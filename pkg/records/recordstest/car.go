// Package recordstest builds block containers for tests.
package recordstest

import (
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
	"github.com/ipld/go-car/util"
	"github.com/multiformats/go-multihash"
)

var prefix = cid.Prefix{
	Version:  1,
	Codec:    cid.DagCBOR,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

// Encode marshals v and returns the encoded block with its identifier.
func Encode(t testing.TB, v any) ([]byte, cid.Cid) {
	t.Helper()
	data, err := cbor.Marshal(v)
	if err != nil {
		t.Fatalf("marshal block: %v", err)
	}
	return data, Sum(t, data)
}

// Sum computes the identifier of raw block bytes.
func Sum(t testing.TB, data []byte) cid.Cid {
	t.Helper()
	c, err := prefix.Sum(data)
	if err != nil {
		t.Fatalf("hash block: %v", err)
	}
	return c
}

// Block wraps raw bytes as a block addressed by their hash.
func Block(t testing.TB, data []byte) blocks.Block {
	t.Helper()
	blk, err := blocks.NewBlockWithCid(data, Sum(t, data))
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	return blk
}

// CAR writes the given raw blocks into a CAR container rooted at the first.
func CAR(t testing.TB, raw ...[]byte) []byte {
	t.Helper()
	blks := make([]blocks.Block, 0, len(raw))
	for _, b := range raw {
		blks = append(blks, Block(t, b))
	}
	return WriteCAR(t, blks...)
}

// WriteCAR writes blocks into a CAR container rooted at the first block.
func WriteCAR(t testing.TB, blks ...blocks.Block) []byte {
	t.Helper()
	if len(blks) == 0 {
		t.Fatal("CAR needs at least one block")
	}

	var buf bytes.Buffer
	if err := car.WriteHeader(&car.CarHeader{Roots: []cid.Cid{blks[0].Cid()}, Version: 1}, &buf); err != nil {
		t.Fatalf("write car header: %v", err)
	}
	for _, b := range blks {
		if err := util.LdWrite(&buf, b.Cid().Bytes(), b.RawData()); err != nil {
			t.Fatalf("write car block: %v", err)
		}
	}
	return buf.Bytes()
}

// Link encodes c the way commit operations reference records.
func Link(c cid.Cid) cbor.Tag {
	return cbor.Tag{Number: 42, Content: append([]byte{0x00}, c.Bytes()...)}
}
