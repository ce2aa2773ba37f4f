package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/biosky/ingester/pkg/archive"
	"github.com/biosky/ingester/pkg/client"
	"github.com/biosky/ingester/pkg/models"
	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
	"github.com/go-playground/assert/v2"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/labstack/echo/v4"
)

type fakeStatus struct {
	state client.State
	seq   int64
}

func (f fakeStatus) State() client.State        { return f.state }
func (f fakeStatus) Cursor() (int64, bool)      { return f.seq, f.seq > 0 }
func (f fakeStatus) LastProcessedAt() time.Time { return time.Time{} }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, status Status) (*Server, *archive.Archive, *httptest.Server) {
	t.Helper()
	db, err := pebble.Open(filepath.Join(t.TempDir(), "events.db"), &pebble.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	a, err := archive.New(db, time.Hour, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(a, status, 0, testLogger())

	e := echo.New()
	e.GET("/subscribe", s.HandleSubscribe)
	e.GET("/health", s.HandleHealth)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return s, a, srv
}

func subscribe(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/subscribe?" + query
	con, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { con.Close() })
	return con
}

func waitSubscribers(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.SubscriberCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, have %d", n, s.SubscriberCount())
		}
		time.Sleep(time.Millisecond)
	}
}

func readEvent(t *testing.T, con *websocket.Conn) []byte {
	t.Helper()
	con.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := con.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func event(kind models.Kind, rkey string) *models.Event {
	return &models.Event{
		Kind:       kind,
		Did:        "did:plc:abc123",
		URI:        "at://did:plc:abc123/org.biosky." + string(kind) + "/" + rkey,
		Action:     models.ActionDelete,
		Collection: "org.biosky." + string(kind),
		RKey:       rkey,
		Seq:        1,
	}
}

func TestSubscribeFiltersKinds(t *testing.T) {
	s, _, srv := newTestServer(t, nil)
	con := subscribe(t, srv, "wantedKinds=comment,identification")
	waitSubscribers(t, s, 1)

	ctx := context.Background()
	s.Emit(ctx, event(models.KindOccurrence, "a"))
	s.Emit(ctx, event(models.KindComment, "b"))

	var got models.Event
	if err := json.Unmarshal(readEvent(t, con), &got); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, models.KindComment, got.Kind)
	assert.Equal(t, "b", got.RKey)
}

func TestSubscribeCompressedCBOR(t *testing.T) {
	s, _, srv := newTestServer(t, nil)
	con := subscribe(t, srv, "format=cbor&compress=true")
	waitSubscribers(t, s, 1)

	s.Emit(context.Background(), event(models.KindOccurrence, "z"))

	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(readEvent(t, con), nil)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}

	var got struct {
		Kind string `cbor:"kind"`
		URI  string `cbor:"uri"`
	}
	if err := cbor.Unmarshal(raw, &got); err != nil {
		t.Fatalf("cbor: %v", err)
	}
	assert.Equal(t, "occurrence", got.Kind)
	assert.Equal(t, "at://did:plc:abc123/org.biosky.occurrence/z", got.URI)
}

func TestSubscribeReplaysArchive(t *testing.T) {
	s, a, srv := newTestServer(t, nil)
	ctx := context.Background()

	for i, ts := range []int64{100, 200, 300} {
		evt := event(models.KindOccurrence, string(rune('a'+i)))
		evt.TimeUS = ts
		if err := a.Persist(ctx, evt); err != nil {
			t.Fatal(err)
		}
	}
	skipped := event(models.KindComment, "skip")
	skipped.TimeUS = 250
	a.Persist(ctx, skipped)

	con := subscribe(t, srv, "cursor=150&wantedKinds=occurrence")

	var got []string
	for i := 0; i < 2; i++ {
		var evt models.Event
		if err := json.Unmarshal(readEvent(t, con), &evt); err != nil {
			t.Fatal(err)
		}
		got = append(got, evt.RKey)
	}
	assert.Equal(t, []string{"b", "c"}, got)

	// live events follow the replay
	waitSubscribers(t, s, 1)
	s.Emit(ctx, event(models.KindOccurrence, "live"))
	var live models.Event
	json.Unmarshal(readEvent(t, con), &live)
	assert.Equal(t, "live", live.RKey)
}

func TestSubscribeRejectsBadParams(t *testing.T) {
	_, _, srv := newTestServer(t, nil)

	for _, q := range []string{"format=xml", "wantedKinds=sighting", "cursor=abc", "cursor=-5"} {
		resp, err := http.Get(srv.URL + "/subscribe?" + q)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		status   fakeStatus
		wantCode int
		wantBody string
	}{
		{fakeStatus{state: client.StateConnected, seq: 42}, http.StatusOK, `"cursor":42`},
		{fakeStatus{state: client.StateReconnecting}, http.StatusServiceUnavailable, `"state":"reconnecting"`},
	}
	for _, tt := range tests {
		_, _, srv := newTestServer(t, tt.status)
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		assert.Equal(t, tt.wantCode, resp.StatusCode)
		if !strings.Contains(string(body), tt.wantBody) {
			t.Errorf("health body %s missing %s", body, tt.wantBody)
		}
	}
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "bsky.network", streamName("wss://bsky.network"))
	assert.Equal(t, "relay.test:8080", streamName("ws://relay.test:8080/xrpc/com.atproto.sync.subscribeRepos"))
	assert.Equal(t, "not a url", streamName("not a url"))
}
