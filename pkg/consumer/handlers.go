package consumer

import (
	"context"

	"github.com/biosky/ingester/pkg/models"
)

// EventFunc receives a domain event. Errors are logged and do not stop
// processing of the remaining operations.
type EventFunc func(ctx context.Context, evt *models.Event) error

// Handlers are the observers of an ingester. Every field is optional.
type Handlers struct {
	OnOccurrence EventFunc
	// Deprecated: use OnOccurrence. Ignored when OnOccurrence is set.
	OnObservation EventFunc

	OnIdentification EventFunc
	// Deprecated: use OnIdentification. Ignored when OnIdentification is set.
	OnDetermination EventFunc

	OnComment EventFunc
	// Deprecated: use OnComment. Ignored when OnComment is set.
	OnRemark EventFunc

	// OnCommit is called once for every commit with a sequence number and
	// timestamp, whether or not any of its operations were relevant.
	OnCommit func(ctx context.Context, meta models.CommitMeta)

	// OnMaxReconnectAttempts is called when the connection gives up.
	OnMaxReconnectAttempts func()
}

// dispatchTable resolves the handler for each event kind, preferring the
// current name over its deprecated alias.
func (h Handlers) dispatchTable() map[models.Kind]EventFunc {
	table := make(map[models.Kind]EventFunc, len(models.Kinds))
	pick := func(kind models.Kind, current, alias EventFunc) {
		switch {
		case current != nil:
			table[kind] = current
		case alias != nil:
			table[kind] = alias
		}
	}

	pick(models.KindOccurrence, h.OnOccurrence, h.OnObservation)
	pick(models.KindIdentification, h.OnIdentification, h.OnDetermination)
	pick(models.KindComment, h.OnComment, h.OnRemark)

	return table
}
