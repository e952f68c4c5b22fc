package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newClient(hub *Hub, id string, topics ...string) *Client {
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, 8), hub: hub}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient(hub, "c1", "imports/1")
	hub.Register(c)
	if hub.ClientCount() != 1 || hub.TopicCount("imports/1") != 1 {
		t.Fatalf("expected 1 client on imports/1, got %d/%d", hub.ClientCount(), hub.TopicCount("imports/1"))
	}
	hub.Unregister(c)
	hub.Unregister(c)
	if hub.ClientCount() != 0 || hub.TopicCount("imports/1") != 0 {
		t.Fatal("expected hub to be empty")
	}
	if _, ok := <-c.Send; ok {
		t.Fatal("expected Send to be closed")
	}
}

func TestHub_PublishToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	sub := newClient(hub, "sub", "imports/1")
	other := newClient(hub, "other", "imports/2")
	hub.Register(sub)
	hub.Register(other)

	ev := Event{Type: "import.progress", Topic: "imports/1", Timestamp: time.Now(), Data: json.RawMessage(`{"status":"fetching"}`)}
	if err := hub.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-sub.Send:
		var got Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatal(err)
		}
		if got.Type != "import.progress" || !strings.Contains(string(got.Data), "fetching") {
			t.Errorf("unexpected event %+v", got)
		}
	default:
		t.Fatal("subscriber did not receive the event")
	}
	select {
	case <-other.Send:
		t.Fatal("other topic should not receive the event")
	default:
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient(hub, "c1")
	hub.Register(c)
	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Topics: []string{"a", "b"}})
	if hub.TopicCount("a") != 1 || hub.TopicCount("b") != 1 {
		t.Fatal("expected subscriptions to a and b")
	}
	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Topics: []string{"a"}})
	if hub.TopicCount("a") != 0 || len(c.Topics) != 1 || c.Topics[0] != "b" {
		t.Errorf("expected only b to remain, got %v", c.Topics)
	}
}

func TestHub_FullBufferDoesNotBlock(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &Client{ID: "slow", Topics: []string{"t"}, Send: make(chan []byte, 1), hub: hub}
	hub.Register(c)
	for i := 0; i < 5; i++ {
		hub.Broadcast("t", Event{Type: "x", Topic: "t"})
	}
	if len(c.Send) != 1 {
		t.Errorf("expected one buffered message, got %d", len(c.Send))
	}
}

func TestHandler_StreamsSubscribedTopics(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub).RegisterRoutes(e.Group("/api/v1"))
	srv := httptest.NewServer(e)
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?topics=imports/run-1"
	ws, _, err := gorillawebsocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("imports/run-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	hub.Broadcast("imports/run-1", Event{Type: "import.progress", Topic: "imports/run-1"})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), "import.progress") {
		t.Errorf("unexpected message %s", msg)
	}
}
