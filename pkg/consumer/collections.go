package consumer

import (
	"fmt"
	"os"
	"sort"

	"github.com/biosky/ingester/pkg/models"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"gopkg.in/yaml.v3"
)

// Collections maps record collection NSIDs to the event kind they produce.
// Several NSIDs may map to one kind so that legacy collection names keep
// being ingested.
type Collections struct {
	byNSID map[string]models.Kind
}

// DefaultCollectionNames is the built-in collection table. The first NSID of
// each kind is the current one, the rest are legacy aliases.
var DefaultCollectionNames = map[models.Kind][]string{
	models.KindOccurrence:     {"org.biosky.occurrence", "org.biosky.observation"},
	models.KindIdentification: {"org.biosky.identification", "org.biosky.determination"},
	models.KindComment:        {"org.biosky.comment", "org.biosky.remark"},
}

// DefaultCollections returns the built-in collection table.
func DefaultCollections() *Collections {
	c, err := NewCollections(DefaultCollectionNames)
	if err != nil {
		panic(err)
	}
	return c
}

// NewCollections validates and indexes a kind to NSIDs table.
func NewCollections(names map[models.Kind][]string) (*Collections, error) {
	c := &Collections{byNSID: make(map[string]models.Kind)}

	for kind, nsids := range names {
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown event kind %q", kind)
		}
		for _, nsid := range nsids {
			if _, err := syntax.ParseNSID(nsid); err != nil {
				return nil, fmt.Errorf("invalid collection %q for %s: %w", nsid, kind, err)
			}
			if prev, ok := c.byNSID[nsid]; ok && prev != kind {
				return nil, fmt.Errorf("collection %q mapped to both %s and %s", nsid, prev, kind)
			}
			c.byNSID[nsid] = kind
		}
	}

	return c, nil
}

// LoadCollections reads a YAML collection table of the form
//
//	occurrence:
//	  - org.biosky.occurrence
//	  - org.biosky.observation
//
// Environment variables in the file are expanded before parsing.
func LoadCollections(path string) (*Collections, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("collections file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read collections file %q: %w", path, err)
	}

	var raw map[models.Kind][]string
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}

	return NewCollections(raw)
}

// Lookup returns the event kind for a collection NSID.
func (c *Collections) Lookup(nsid string) (models.Kind, bool) {
	k, ok := c.byNSID[nsid]
	return k, ok
}

// Names returns every recognised NSID in sorted order.
func (c *Collections) Names() []string {
	names := make([]string, 0, len(c.byNSID))
	for nsid := range c.byNSID {
		names = append(names, nsid)
	}
	sort.Strings(names)
	return names
}
