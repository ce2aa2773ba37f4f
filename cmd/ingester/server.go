package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/biosky/ingester/pkg/archive"
	"github.com/biosky/ingester/pkg/client"
	"github.com/biosky/ingester/pkg/models"
	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/labstack/echo/v4"
)

const (
	formatJSON = "json"
	formatCBOR = "cbor"

	subscriberBuffer = 100
	sendTimeout      = 5 * time.Second
)

var upgrader = websocket.Upgrader{}

var encoder, _ = zstd.NewWriter(nil)

func zstdCompress(src []byte) []byte {
	return encoder.EncodeAll(src, make([]byte, 0, len(src)))
}

// Status is what the health endpoint reports on.
type Status interface {
	State() client.State
	Cursor() (int64, bool)
	LastProcessedAt() time.Time
}

type Subscriber struct {
	ws          *websocket.Conn
	id          int64
	format      string
	compress    bool
	wantedKinds map[models.Kind]bool
	buf         chan []byte
	gone        chan struct{}
	goneOnce    sync.Once
}

func (s *Subscriber) wants(kind models.Kind) bool {
	return len(s.wantedKinds) == 0 || s.wantedKinds[kind]
}

func (s *Subscriber) drop() {
	s.goneOnce.Do(func() { close(s.gone) })
}

// encodings memoises the encoded forms of one event so each is built at most
// once no matter how many subscribers want it.
type encodings struct {
	evt  *models.Event
	data map[string][]byte
}

func (e *encodings) get(format string, compress bool) ([]byte, error) {
	key := format
	if compress {
		key += "+zstd"
	}
	if b, ok := e.data[key]; ok {
		return b, nil
	}

	var b []byte
	var err error
	switch {
	case compress:
		raw, err := e.get(format, false)
		if err != nil {
			return nil, err
		}
		b = zstdCompress(raw)
	case format == formatCBOR:
		b, err = cbor.Marshal(e.evt)
	default:
		b, err = json.Marshal(e.evt)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode event as %s: %w", format, err)
	}
	e.data[key] = b
	bytesEmitted.Add(float64(len(b)))
	return b, nil
}

type Server struct {
	archive         *archive.Archive
	status          Status
	replayRateLimit float64
	logger          *slog.Logger

	lk          sync.RWMutex
	subscribers map[int64]*Subscriber
	nextSub     int64
}

func NewServer(a *archive.Archive, status Status, replayRateLimit float64, logger *slog.Logger) *Server {
	return &Server{
		archive:         a,
		status:          status,
		replayRateLimit: replayRateLimit,
		logger:          logger.With("component", "server"),
		subscribers:     make(map[int64]*Subscriber),
	}
}

// Emit offers evt to every live subscriber that wants its kind. A subscriber
// that cannot take the event within the send timeout is disconnected.
func (s *Server) Emit(ctx context.Context, evt *models.Event) error {
	ctx, span := tracer.Start(ctx, "Emit")
	defer span.End()

	eventsEmitted.Inc()
	enc := &encodings{evt: evt, data: make(map[string][]byte, 2)}

	s.lk.RLock()
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		if sub.wants(evt.Kind) {
			subs = append(subs, sub)
		}
	}
	s.lk.RUnlock()

	for _, sub := range subs {
		msg, err := enc.get(sub.format, sub.compress)
		if err != nil {
			return err
		}
		s.send(ctx, sub, msg)
	}
	return nil
}

func (s *Server) send(ctx context.Context, sub *Subscriber, msg []byte) {
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case sub.buf <- msg:
		eventsDelivered.WithLabelValues(sub.format).Inc()
		bytesDelivered.WithLabelValues(sub.format).Add(float64(len(msg)))
	case <-sub.gone:
	case <-ctx.Done():
	case <-timer.C:
		s.logger.Warn("subscriber fell behind, disconnecting", "subscriber", sub.id)
		subscribersDropped.Inc()
		sub.drop()
	}
}

func (s *Server) addSubscriber(sub *Subscriber) {
	s.lk.Lock()
	defer s.lk.Unlock()

	sub.id = s.nextSub
	s.nextSub++
	s.subscribers[sub.id] = sub
	subscribersConnected.WithLabelValues(sub.format).Inc()
	s.logger.Info("adding subscriber", "remote_addr", sub.ws.RemoteAddr().String(), "id", sub.id)
}

func (s *Server) removeSubscriber(sub *Subscriber) {
	s.lk.Lock()
	defer s.lk.Unlock()

	if _, ok := s.subscribers[sub.id]; !ok {
		return
	}
	delete(s.subscribers, sub.id)
	subscribersConnected.WithLabelValues(sub.format).Dec()
	s.logger.Info("removing subscriber", "id", sub.id)
}

// SubscriberCount is the number of live subscribers.
func (s *Server) SubscriberCount() int {
	s.lk.RLock()
	defer s.lk.RUnlock()
	return len(s.subscribers)
}

type subscribeParams struct {
	format      string
	compress    bool
	wantedKinds map[models.Kind]bool
	cursor      *int64
}

func parseSubscribeParams(c echo.Context) (*subscribeParams, error) {
	p := &subscribeParams{format: formatJSON}

	switch f := c.QueryParam("format"); f {
	case "", formatJSON:
	case formatCBOR:
		p.format = formatCBOR
	default:
		return nil, fmt.Errorf("unsupported format %q", f)
	}

	p.compress = c.QueryParam("compress") == "true"

	for _, raw := range c.QueryParams()["wantedKinds"] {
		for _, k := range strings.Split(raw, ",") {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			kind := models.Kind(k)
			if !kind.Valid() {
				return nil, fmt.Errorf("unknown kind %q", k)
			}
			if p.wantedKinds == nil {
				p.wantedKinds = make(map[models.Kind]bool)
			}
			p.wantedKinds[kind] = true
		}
	}

	if raw := c.QueryParam("cursor"); raw != "" {
		cursor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || cursor < 0 {
			return nil, fmt.Errorf("invalid cursor %q", raw)
		}
		p.cursor = &cursor
	}
	return p, nil
}

// HandleSubscribe upgrades to a websocket that streams domain events. With a
// cursor (time_us) archived events at or after it are replayed first.
func (s *Server) HandleSubscribe(c echo.Context) error {
	params, err := parseSubscribeParams(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	log := s.logger.With("remote_addr", ws.RemoteAddr().String())

	// subscribers never send anything, reading only detects the close
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	sub := &Subscriber{
		ws:          ws,
		format:      params.format,
		compress:    params.compress,
		wantedKinds: params.wantedKinds,
		buf:         make(chan []byte, subscriberBuffer),
		gone:        make(chan struct{}),
	}

	if params.cursor != nil {
		if err := s.replay(ctx, ws, sub, *params.cursor); err != nil {
			log.Error("replay failed", "error", err)
			return nil
		}
	}

	s.addSubscriber(sub)
	defer s.removeSubscriber(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.gone:
			return nil
		case msg := <-sub.buf:
			if err := ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				log.Error("failed to write message to websocket", "error", err)
				return nil
			}
		}
	}
}

// replay writes archived events until a pass finds nothing newer.
func (s *Server) replay(ctx context.Context, ws *websocket.Conn, sub *Subscriber, since int64) error {
	if s.archive == nil {
		return nil
	}

	for {
		found := false
		err := s.archive.Replay(ctx, since, s.replayRateLimit, func(ctx context.Context, e archive.Entry) error {
			found = true
			since = e.TimeUS + 1

			var head struct {
				Kind models.Kind `json:"kind"`
			}
			if err := json.Unmarshal(e.Data, &head); err != nil {
				return err
			}
			if !sub.wants(head.Kind) {
				return nil
			}

			msg := e.Data
			if sub.format == formatCBOR {
				generic, err := e.Decode()
				if err != nil {
					return err
				}
				if msg, err = cbor.Marshal(generic); err != nil {
					return err
				}
			}
			if sub.compress {
				msg = zstdCompress(msg)
			}
			return ws.WriteMessage(websocket.BinaryMessage, msg)
		})
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
	}
}

type healthResponse struct {
	Status          string     `json:"status"`
	State           string     `json:"state"`
	Cursor          *int64     `json:"cursor,omitempty"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
	Subscribers     int        `json:"subscribers"`
}

// HandleHealth reports 200 while connected to the relay and 503 otherwise.
func (s *Server) HandleHealth(c echo.Context) error {
	resp := healthResponse{Status: "ok", Subscribers: s.SubscriberCount()}
	code := http.StatusOK

	if s.status != nil {
		state := s.status.State()
		resp.State = state.String()
		if state != client.StateConnected {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		if seq, ok := s.status.Cursor(); ok {
			resp.Cursor = &seq
		}
		if t := s.status.LastProcessedAt(); !t.IsZero() {
			resp.LastProcessedAt = &t
		}
	}

	return c.JSON(code, resp)
}
