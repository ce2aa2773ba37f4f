package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/biosky/ingester/pkg/models"
	"github.com/goccy/go-json"
)

func testEvent() *models.Event {
	return &models.Event{
		Kind:       models.KindIdentification,
		Did:        "did:plc:abc123",
		URI:        "at://did:plc:abc123/org.biosky.identification/3k",
		Action:     models.ActionDelete,
		Collection: "org.biosky.identification",
		RKey:       "3k",
		Seq:        77,
		Time:       "2024-03-13T17:00:00.000Z",
	}
}

// receive must be started before Publish, miniredis delivers synchronously.
func receive(sub *miniredis.Subscriber) <-chan miniredis.PubsubMessage {
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() {
		ch <- <-sub.Messages()
	}()
	return ch
}

func waitMessage(t *testing.T, ch <-chan miniredis.PubsubMessage) miniredis.PubsubMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
		return miniredis.PubsubMessage{}
	}
}

func TestPublish(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	sub := mr.NewSubscriber()
	sub.Subscribe(DefaultChannel)
	ch := receive(sub)

	if err := s.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := waitMessage(t, ch)
	var got map[string]any
	if err := json.Unmarshal([]byte(msg.Message), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["uri"] != "at://did:plc:abc123/org.biosky.identification/3k" {
		t.Errorf("unexpected uri %v", got["uri"])
	}
	if got["seq"] != float64(77) {
		t.Errorf("unexpected seq %v", got["seq"])
	}
}

func TestPublishPerKind(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := New(Config{URL: "redis://" + mr.Addr(), Channel: "obs", PerKind: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	sub := mr.NewSubscriber()
	sub.Subscribe("obs:identification")
	ch := receive(sub)

	if err := s.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if msg := waitMessage(t, ch); msg.Channel != "obs:identification" {
		t.Errorf("expected channel obs:identification, got %q", msg.Channel)
	}
}

func TestPublishRetriesExhausted(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	s, err := New(Config{URL: "redis://" + addr, Retries: 2, Backoff: time.Millisecond, Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	if err := s.Publish(context.Background(), testEvent()); err == nil {
		t.Error("expected publish to a closed server to fail")
	}
}

func TestPublishCanceled(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Publish(ctx, testEvent()); err == nil {
		t.Error("expected canceled context to fail")
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty url", Config{}},
		{"bad url", Config{URL: "http://not-redis"}},
		{"negative retries", Config{URL: "redis://localhost:6379", Retries: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
