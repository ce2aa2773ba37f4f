package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/biosky/ingester/pkg/frame"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultRelayURL = "wss://bsky.network"
	// SubscribeEndpoint is the XRPC method of the repository event stream.
	SubscribeEndpoint = "com.atproto.sync.subscribeRepos"
)

// Conn is the part of a websocket connection the client reads from.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// DialFunc opens a connection to the subscription URL.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// FrameHandler receives every frame that decodes successfully.
type FrameHandler interface {
	HandleFrame(ctx context.Context, f *frame.Frame) error
}

// CursorFunc returns the sequence number to resume from, if one is known.
type CursorFunc func() (int64, bool)

type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the randomization factor applied to each delay, 0 disables it.
	Jitter float64
}

type ClientConfig struct {
	RelayURL      string
	InitialCursor *int64
	// MaxReconnectAttempts is the number of consecutive failed reconnects
	// before the client gives up. Zero or less retries forever.
	MaxReconnectAttempts int
	Backoff              BackoffConfig
	// ReadTimeout closes a connection that has been silent for this long.
	ReadTimeout  time.Duration
	ExtraHeaders map[string]string
	Dial         DialFunc

	OnMaxReconnectAttempts func()
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RelayURL:             DefaultRelayURL,
		MaxReconnectAttempts: 10,
		Backoff: BackoffConfig{
			Initial:    time.Second,
			Max:        30 * time.Second,
			Multiplier: 2,
			Jitter:     0.1,
		},
		ReadTimeout: 30 * time.Second,
		ExtraHeaders: map[string]string{
			"User-Agent": "biosky-ingester/v0.1.0",
		},
	}
}

// Client holds the single connection to the relay and reconnects it with
// exponential backoff until stopped.
type Client struct {
	config  *ClientConfig
	handler FrameHandler
	cursor  CursorFunc
	logger  *slog.Logger

	relay   *url.URL
	state   atomic.Int32
	closing atomic.Bool

	lk     sync.Mutex
	con    Conn
	cancel context.CancelFunc
	done   chan struct{}

	bytesRead      prometheus.Counter
	framesRead     prometheus.Counter
	decodeFailures prometheus.Counter
	reconnects     prometheus.Counter
	stateGauge     prometheus.Gauge
}

// NewClient creates a client. cursor may be nil.
func NewClient(config *ClientConfig, logger *slog.Logger, handler FrameHandler, cursor CursorFunc) (*Client, error) {
	if config == nil {
		config = DefaultClientConfig()
	}
	if handler == nil {
		return nil, errors.New("client requires a frame handler")
	}
	if config.RelayURL == "" {
		config.RelayURL = DefaultRelayURL
	}
	if config.Dial == nil {
		config.Dial = WebsocketDialer(config.ExtraHeaders)
	}

	relay, err := url.Parse(config.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse relay url %q: %w", config.RelayURL, err)
	}
	switch relay.Scheme {
	case "ws", "wss":
	case "http":
		relay.Scheme = "ws"
	case "https":
		relay.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported relay url scheme %q", relay.Scheme)
	}

	c := &Client{
		config:  config,
		handler: handler,
		cursor:  cursor,
		logger:  logger.With("component", "relay-client", "relay", relay.Host),
		relay:   relay,

		bytesRead:      bytesRead.WithLabelValues(relay.Host),
		framesRead:     framesRead.WithLabelValues(relay.Host),
		decodeFailures: decodeFailures.WithLabelValues(relay.Host),
		reconnects:     reconnects.WithLabelValues(relay.Host),
		stateGauge:     connectionState.WithLabelValues(relay.Host),
	}
	c.stateGauge.Set(float64(StateDisconnected))

	return c, nil
}

// WebsocketDialer dials with the default gorilla dialer.
func WebsocketDialer(extraHeaders map[string]string) DialFunc {
	header := http.Header{}
	for k, v := range extraHeaders {
		header.Add(k, v)
	}
	return func(ctx context.Context, u string) (Conn, error) {
		con, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
		if err != nil {
			return nil, err
		}
		return con, nil
	}
}

// SubscribeURL returns the subscription URL, resuming from the latest known
// cursor: the handler's progress first, then the configured initial cursor.
func (c *Client) SubscribeURL() string {
	u := *c.relay
	if !strings.Contains(u.Path, "/xrpc/") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/xrpc/" + SubscribeEndpoint
	}

	if seq, ok := c.resumeCursor(); ok {
		q := u.Query()
		q.Set("cursor", strconv.FormatInt(seq, 10))
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) resumeCursor() (int64, bool) {
	if c.cursor != nil {
		if seq, ok := c.cursor(); ok {
			return seq, true
		}
	}
	if c.config.InitialCursor != nil {
		return *c.config.InitialCursor, true
	}
	return 0, false
}

// Start connects to the relay in the background. It returns an error if the
// client is already running; a stopped client may be started again.
func (c *Client) Start(ctx context.Context) error {
	c.lk.Lock()
	defer c.lk.Unlock()

	if c.done != nil {
		select {
		case <-c.done:
		default:
			return errors.New("client already started")
		}
	}

	c.closing.Store(false)
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	c.transition(StateConnecting)
	go func(done chan struct{}) {
		defer cancel()
		c.run(ctx, done)
	}(c.done)

	return nil
}

// Stop closes the connection and waits for the client to finish. Any
// pending reconnect is abandoned. Stop is safe to call more than once and
// on a client that never started.
func (c *Client) Stop() error {
	c.closing.Store(true)

	c.lk.Lock()
	con := c.con
	c.con = nil
	cancel := c.cancel
	done := c.done
	c.lk.Unlock()

	var err error
	if con != nil {
		err = con.Close()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	c.transition(StateStopped)
	return err
}

// Done is closed when the client stops, whether through Stop or because it
// gave up reconnecting. It is nil before the first Start.
func (c *Client) Done() <-chan struct{} {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.done
}

// IsConnected reports whether a connection to the relay is open.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) transition(to State) {
	from := c.State()
	if from == to {
		return
	}
	if !canTransition(from, to) {
		c.logger.Warn("ignoring invalid state transition", "from", from, "to", to)
		return
	}
	c.state.Store(int32(to))
	c.stateGauge.Set(float64(to))
	c.logger.Debug("connection state changed", "from", from, "to", to)
}

func newBackoff(cfg BackoffConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.MaxInterval = cfg.Max
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// run owns the connection, the reconnect attempt counter and the backoff.
func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := newBackoff(c.config.Backoff)
	attempts := 0

	for {
		c.transition(StateConnecting)

		u := c.SubscribeURL()
		c.logger.Info("connecting to relay", "url", u, "attempt", attempts)
		con, err := c.config.Dial(ctx, u)
		if err == nil {
			if !c.setConn(con) {
				con.Close()
				c.transition(StateStopped)
				return
			}
			c.transition(StateConnected)
			attempts = 0
			b.Reset()

			err = c.readLoop(ctx, con)
			c.clearConn(con)
		}

		if c.closing.Load() || ctx.Err() != nil {
			c.transition(StateStopped)
			return
		}

		c.logger.Error("relay connection lost", "error", err)
		c.transition(StateReconnecting)

		maxAttempts := c.config.MaxReconnectAttempts
		if maxAttempts > 0 && attempts >= maxAttempts {
			c.logger.Error("max reconnect attempts reached, giving up", "attempts", attempts)
			if c.config.OnMaxReconnectAttempts != nil {
				c.config.OnMaxReconnectAttempts()
			}
			c.transition(StateStopped)
			return
		}

		delay := b.NextBackOff()
		c.logger.Info("reconnecting after backoff", "delay", delay, "attempt", attempts+1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.transition(StateStopped)
			return
		case <-timer.C:
		}

		// Stop may have been called while the timer was pending.
		if c.closing.Load() {
			c.transition(StateStopped)
			return
		}

		attempts++
		c.reconnects.Inc()
	}
}

func (c *Client) setConn(con Conn) bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closing.Load() {
		return false
	}
	c.con = con
	return true
}

func (c *Client) clearConn(con Conn) {
	c.lk.Lock()
	owned := c.con == con
	if owned {
		c.con = nil
	}
	c.lk.Unlock()

	if owned {
		con.Close()
	}
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

func (c *Client) readLoop(ctx context.Context, con Conn) error {
	c.logger.Info("starting read loop")

	for {
		if c.config.ReadTimeout > 0 {
			if d, ok := con.(readDeadliner); ok {
				d.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
			}
		}

		messageType, msg, err := con.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message from websocket: %w", err)
		}
		if messageType != websocket.BinaryMessage {
			c.logger.Debug("ignoring non-binary message", "type", messageType)
			continue
		}

		c.framesRead.Inc()
		c.bytesRead.Add(float64(len(msg)))

		f, err := frame.Decode(msg)
		if err != nil {
			c.decodeFailures.Inc()
			c.logger.Error("failed to decode frame", "error", err, "size", len(msg))
			continue
		}

		if err := c.handler.HandleFrame(ctx, f); err != nil {
			c.logger.Error("failed to handle frame", "error", err)
		}
	}
}
