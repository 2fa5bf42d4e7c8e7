package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBuffer_KeepsNewest(t *testing.T) {
	b := NewBuffer(2)
	b.Publish(LaneDisabled{ConfigID: "a"})
	b.Publish(LaneDisabled{ConfigID: "b"})
	b.Publish(LaneDisabled{ConfigID: "c"})

	events := b.Events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].(LaneDisabled).ConfigID != "b" || events[1].(LaneDisabled).ConfigID != "c" {
		t.Errorf("unexpected order: %+v", events)
	}
}

func TestFanout_PublishesToAll(t *testing.T) {
	first, second := NewBuffer(4), NewBuffer(4)
	Fanout{first, second, Discard}.Publish(WhaleDiscovered{Wallet: "0xa"})

	if len(first.Events()) != 1 || len(second.Events()) != 1 {
		t.Error("every sink should receive the notification")
	}
}

func TestEventKinds_Unique(t *testing.T) {
	events := []Event{
		TradeDetected{}, ContextUpdated{}, WhaleDiscovered{}, PositionOpened{},
		PositionClosed{}, CopyAttempted{}, ConnectionChanged{}, FeedError{}, LaneDisabled{},
	}
	seen := make(map[string]bool)
	for _, ev := range events {
		if seen[ev.Kind()] {
			t.Errorf("duplicate kind %q", ev.Kind())
		}
		seen[ev.Kind()] = true
	}
}

func TestHub_StreamsNotifications(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(WhaleDiscovered{Wallet: "0xa", Venue: "hyperliquid"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != "whale_discovered" {
		t.Errorf("type = %s", msg.Type)
	}
	if !strings.Contains(string(msg.Data), `"wallet":"0xa"`) {
		t.Errorf("data = %s", msg.Data)
	}
}

func TestConnectionChanged_RetryInMilliseconds(t *testing.T) {
	raw, err := json.Marshal(ConnectionChanged{Venue: "hyperliquid", State: "reconnecting", Attempts: 3, RetryInMs: 1600})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"venue":"hyperliquid","state":"reconnecting","attempts":3,"retry_in_ms":1600}`
	if string(raw) != want {
		t.Errorf("got %s, want %s", raw, want)
	}
}
