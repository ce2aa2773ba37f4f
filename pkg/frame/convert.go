package frame

import (
	"encoding/base64"
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/ipfs/go-cid"
)

var cborEncMode, _ = cbor.CoreDetEncOptions().EncMode()

// Interface converts v into plain Go values following the record JSON data
// model: content identifiers become {"$link": "<cid>"} and byte strings
// become {"$bytes": "<base64>"}.
func (v Value) Interface() any {
	switch v.Kind {
	case KindUint:
		if i, ok := v.AsInt64(); ok {
			return i
		}
		return v.Uint
	case KindNegInt:
		if i, ok := v.AsInt64(); ok {
			return i
		}
		n := new(big.Int).SetUint64(v.Uint)
		return n.Neg(n).Sub(n, big.NewInt(1))
	case KindBytes:
		return map[string]any{"$bytes": base64.RawStdEncoding.EncodeToString(v.Bytes)}
	case KindText:
		return v.Text
	case KindArray:
		out := make([]any, len(v.Items))
		for i, item := range v.Items {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.Entries))
		for _, e := range v.Entries {
			out[e.Key] = e.Value.Interface()
		}
		return out
	case KindTag:
		if link, ok := v.Link(); ok && len(link) > 1 {
			if c, err := cid.Cast(link[1:]); err == nil {
				return map[string]any{"$link": c.String()}
			}
		}
		if v.Inner == nil {
			return nil
		}
		return v.Inner.Interface()
	case KindBool:
		return v.Bool
	}
	return nil
}

// MarshalJSON encodes v in the record JSON data model.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// MarshalCBOR re-encodes v deterministically, keeping tags intact.
func (v Value) MarshalCBOR() ([]byte, error) {
	return cborEncMode.Marshal(v.native())
}

func (v Value) native() any {
	switch v.Kind {
	case KindUint:
		return v.Uint
	case KindNegInt:
		if i, ok := v.AsInt64(); ok {
			return i
		}
		n := new(big.Int).SetUint64(v.Uint)
		return n.Neg(n).Sub(n, big.NewInt(1))
	case KindBytes:
		return v.Bytes
	case KindText:
		return v.Text
	case KindArray:
		out := make([]any, len(v.Items))
		for i, item := range v.Items {
			out[i] = item.native()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.Entries))
		for _, e := range v.Entries {
			out[e.Key] = e.Value.native()
		}
		return out
	case KindTag:
		var inner any
		if v.Inner != nil {
			inner = v.Inner.native()
		}
		return cbor.Tag{Number: v.Tag, Content: inner}
	case KindBool:
		return v.Bool
	}
	return nil
}
