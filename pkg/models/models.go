package models

import (
	"github.com/biosky/ingester/pkg/frame"
)

// Kind names the domain event produced for a recognised collection.
type Kind string

const (
	KindOccurrence     Kind = "occurrence"
	KindIdentification Kind = "identification"
	KindComment        Kind = "comment"
)

// Kinds lists every domain event kind.
var Kinds = []Kind{KindOccurrence, KindIdentification, KindComment}

func (k Kind) Valid() bool {
	switch k {
	case KindOccurrence, KindIdentification, KindComment:
		return true
	}
	return false
}

// Action is the mutation an operation applies to a record.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ParseAction validates an operation action string.
func ParseAction(s string) (Action, bool) {
	switch a := Action(s); a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return a, true
	}
	return "", false
}

// Op is one record mutation inside a commit. CID is nil for deletes.
type Op struct {
	Action Action
	Path   string
	CID    *frame.Value
}

// Commit is a repository commit message. Seq and Time are only meaningful
// when HasSeq and HasTime are set.
type Commit struct {
	Repo    string
	Rev     string
	Seq     int64
	HasSeq  bool
	Time    string
	HasTime bool
	Ops     []Op
	Blocks  []byte
	TooBig  bool
}

// CommitMeta is the payload of the commit observed event.
type CommitMeta struct {
	Seq  int64  `json:"seq"`
	Time string `json:"time"`
}

// Event is a decoded record mutation for one of the recognised collections.
// Record is nil for deletes and whenever the payload could not be extracted.
type Event struct {
	Kind       Kind         `json:"kind"`
	Did        string       `json:"did"`
	URI        string       `json:"uri"`
	CID        string       `json:"cid"`
	Action     Action       `json:"action"`
	Collection string       `json:"collection"`
	RKey       string       `json:"rkey"`
	Record     *frame.Value `json:"record,omitempty"`
	Seq        int64        `json:"seq"`
	Time       string       `json:"time"`

	// TimeUS is assigned when the event is archived.
	TimeUS int64 `json:"time_us,omitempty"`
}
