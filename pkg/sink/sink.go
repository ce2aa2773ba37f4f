// Package sink defines the downstream destinations domain events are
// published to.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/biosky/ingester/pkg/models"
	"github.com/goccy/go-json"
)

// Sink publishes domain events to an external system.
type Sink interface {
	Publish(ctx context.Context, evt *models.Event) error
	Close() error
}

// Encode is the wire form every sink publishes: the event as JSON.
func Encode(evt *models.Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// Multi publishes to every sink and joins their errors. A failing sink does
// not stop delivery to the others.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, evt *models.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Sink = Multi(nil)
