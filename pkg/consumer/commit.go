package consumer

import (
	"errors"
	"fmt"

	"github.com/biosky/ingester/pkg/frame"
	"github.com/biosky/ingester/pkg/models"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

// ParseCommit converts the body of a #commit frame into a Commit.
//
// Missing seq or time fields are reported through HasSeq and HasTime rather
// than as errors, and a missing or non-text repo leaves Repo empty, so such a
// commit can still move the cursor. Individual operations are taken as they
// are; validating them is left to the commit processor so that one bad
// operation cannot hide its siblings.
func ParseCommit(body frame.Value) (*models.Commit, error) {
	if body.Kind != frame.KindMap {
		return nil, fmt.Errorf("commit body is %s, not map", body.Kind)
	}

	evt := &models.Commit{}

	if v, ok := body.Get("repo"); ok {
		evt.Repo, _ = v.AsText()
	}

	if v, ok := body.Get("seq"); ok && !v.IsNull() {
		seq, ok := v.AsInt64()
		if !ok {
			return nil, errors.New("commit seq is not an int64")
		}
		evt.Seq, evt.HasSeq = seq, true
	}

	if v, ok := body.Get("time"); ok && !v.IsNull() {
		if evt.Time, ok = v.AsText(); !ok {
			return nil, errors.New("commit time is not text")
		}
		evt.HasTime = true
	}

	if v, ok := body.Get("rev"); ok {
		evt.Rev, _ = v.AsText()
	}
	if v, ok := body.Get("tooBig"); ok {
		evt.TooBig, _ = v.AsBool()
	}
	if v, ok := body.Get("blocks"); ok {
		evt.Blocks, _ = v.AsBytes()
	}

	if v, ok := body.Get("ops"); ok && v.Kind == frame.KindArray {
		evt.Ops = make([]models.Op, 0, len(v.Items))
		for _, item := range v.Items {
			evt.Ops = append(evt.Ops, parseOp(item))
		}
	}

	return evt, nil
}

func parseOp(v frame.Value) models.Op {
	var op models.Op
	if a, ok := v.Get("action"); ok {
		s, _ := a.AsText()
		op.Action = models.Action(s)
	}
	if p, ok := v.Get("path"); ok {
		op.Path, _ = p.AsText()
	}
	if c, ok := v.Get("cid"); ok && !c.IsNull() {
		op.CID = &c
	}
	return op
}

// recordURI builds at://{did}/{collection}/{rkey}, refusing to produce a
// malformed identifier.
func recordURI(did, collection, rkey string) (string, error) {
	if _, err := syntax.ParseDID(did); err != nil {
		return "", fmt.Errorf("invalid repo did: %w", err)
	}
	if _, err := syntax.ParseNSID(collection); err != nil {
		return "", fmt.Errorf("invalid collection: %w", err)
	}
	if _, err := syntax.ParseRecordKey(rkey); err != nil {
		return "", fmt.Errorf("invalid record key: %w", err)
	}
	return "at://" + did + "/" + collection + "/" + rkey, nil
}
