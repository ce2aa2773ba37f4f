// Package ingester wires the relay connection to the commit processor and
// exposes the small lifecycle surface applications embed: Start, Stop,
// Cursor and IsConnected.
package ingester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/biosky/ingester/pkg/client"
	"github.com/biosky/ingester/pkg/consumer"
	"github.com/biosky/ingester/pkg/cursorstore"
)

type Options struct {
	// RelayURL defaults to client.DefaultRelayURL.
	RelayURL      string
	InitialCursor *int64
	Handlers      consumer.Handlers
	// Collections defaults to the built-in table.
	Collections *consumer.Collections
	// CursorStore, when set, supplies the resume cursor on Start if no
	// InitialCursor is given, and receives SaveCursor writes.
	CursorStore cursorstore.Store

	// MaxReconnectAttempts defaults to 10. Negative retries forever.
	MaxReconnectAttempts int
	// Backoff defaults to 1s doubling up to 30s with 10% jitter.
	Backoff     *client.BackoffConfig
	ReadTimeout time.Duration
	UserAgent   string
	// Dial replaces the websocket dialer, mostly for tests.
	Dial client.DialFunc

	Logger *slog.Logger
}

type Ingester struct {
	consumer *consumer.Consumer
	client   *client.Client
	store    cursorstore.Store
	initial  *int64
	logger   *slog.Logger

	lk        sync.Mutex
	lastSaved int64
	saved     bool
}

func New(opts Options) (*Ingester, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := client.DefaultClientConfig()
	if opts.RelayURL != "" {
		cfg.RelayURL = opts.RelayURL
	}
	cfg.InitialCursor = opts.InitialCursor
	switch {
	case opts.MaxReconnectAttempts < 0:
		cfg.MaxReconnectAttempts = 0
	case opts.MaxReconnectAttempts > 0:
		cfg.MaxReconnectAttempts = opts.MaxReconnectAttempts
	}
	if opts.Backoff != nil {
		cfg.Backoff = *opts.Backoff
	}
	if opts.ReadTimeout > 0 {
		cfg.ReadTimeout = opts.ReadTimeout
	}
	if opts.UserAgent != "" {
		cfg.ExtraHeaders["User-Agent"] = opts.UserAgent
	}
	cfg.Dial = opts.Dial
	cfg.OnMaxReconnectAttempts = opts.Handlers.OnMaxReconnectAttempts

	c := consumer.NewConsumer(logger, cfg.RelayURL, opts.Collections, opts.Handlers)
	cl, err := client.NewClient(cfg, logger, c, c.Progress.Get)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay client: %w", err)
	}

	return &Ingester{
		consumer: c,
		client:   cl,
		store:    opts.CursorStore,
		initial:  opts.InitialCursor,
		logger:   logger.With("component", "ingester"),
	}, nil
}

// Start connects to the relay. When a cursor store is configured and no
// stream progress or initial cursor is known, the stored cursor is resumed.
func (in *Ingester) Start(ctx context.Context) error {
	if _, ok := in.Cursor(); !ok && in.store != nil {
		seq, ok, err := in.store.GetCursor(ctx)
		if err != nil {
			return fmt.Errorf("failed to load cursor: %w", err)
		}
		if ok {
			in.logger.Info("resuming from stored cursor", "seq", seq)
			in.consumer.Progress.Update(seq, time.Time{})
		}
	}
	return in.client.Start(ctx)
}

// Stop closes the relay connection and waits for in-flight frames to finish.
func (in *Ingester) Stop() error {
	return in.client.Stop()
}

// Cursor returns the sequence number the stream would resume from: the last
// processed sequence, or the initial cursor before anything was processed.
func (in *Ingester) Cursor() (int64, bool) {
	if seq, ok := in.consumer.Progress.Get(); ok {
		return seq, true
	}
	if in.initial != nil {
		return *in.initial, true
	}
	return 0, false
}

func (in *Ingester) IsConnected() bool {
	return in.client.IsConnected()
}

func (in *Ingester) State() client.State {
	return in.client.State()
}

// Done is closed once the connection stops, including when the reconnect
// budget runs out.
func (in *Ingester) Done() <-chan struct{} {
	return in.client.Done()
}

// LastProcessedAt is the wall time of the last cursor update.
func (in *Ingester) LastProcessedAt() time.Time {
	return in.consumer.Progress.ProcessedAt()
}

// SaveCursor writes the current cursor to the cursor store when it has moved
// since the last save. A returned error is fatal: the store has already
// retried transient failures.
func (in *Ingester) SaveCursor(ctx context.Context) error {
	if in.store == nil {
		return errors.New("no cursor store configured")
	}
	seq, ok := in.consumer.Progress.Get()
	if !ok {
		return nil
	}

	in.lk.Lock()
	defer in.lk.Unlock()
	if in.saved && in.lastSaved == seq {
		return nil
	}
	if err := in.store.SaveCursor(ctx, seq); err != nil {
		return fmt.Errorf("failed to save cursor %d: %w", seq, err)
	}
	in.lastSaved, in.saved = seq, true
	return nil
}
