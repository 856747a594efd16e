package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/randalmurphal/fab/internal/events"
)

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, msg wsMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func TestWebSocketSubscribeAndStream(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, "")
	sendFrame(t, conn, wsMessage{Type: "subscribe"})
	if got := readFrame(t, conn); got.Type != "subscribed" || got.TaskID != events.GlobalTaskID {
		t.Fatalf("frame = %+v, want global subscription ack", got)
	}

	queued, err := f.queue.Enqueue(context.Background(), "five_phase_tdd", 5, json.RawMessage(tddPayload))
	if err != nil {
		t.Fatal(err)
	}

	got := readFrame(t, conn)
	if got.Type != "event" || got.Event == nil {
		t.Fatalf("frame = %+v, want event", got)
	}
	if got.Event.Type != events.EventTaskQueued || got.TaskID != queued.ID {
		t.Errorf("event = %v for %s, want task_queued for %s", got.Event.Type, got.TaskID, queued.ID)
	}
}

func TestWebSocketTaskScopedSubscription(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()
	ctx := context.Background()

	watched, err := f.queue.Enqueue(ctx, "five_phase_tdd", 5, json.RawMessage(tddPayload))
	if err != nil {
		t.Fatal(err)
	}

	conn := dialWS(t, srv, "?task_id="+watched.ID)
	if got := readFrame(t, conn); got.Type != "subscribed" || got.TaskID != watched.ID {
		t.Fatalf("frame = %+v", got)
	}

	// Activity on another task must not reach this subscription.
	if _, err := f.queue.Enqueue(ctx, "five_phase_tdd", 5, json.RawMessage(tddPayload)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.Cancel(ctx, watched.ID); err != nil {
		t.Fatal(err)
	}

	got := readFrame(t, conn)
	if got.Type != "event" || got.TaskID != watched.ID {
		t.Fatalf("frame = %+v, want event for %s", got, watched.ID)
	}
	if got.Event.Type != events.EventTaskCancelled {
		t.Errorf("event = %v, want task_cancelled", got.Event.Type)
	}
}

func TestWebSocketCancelCommand(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	queued, err := f.queue.Enqueue(context.Background(), "five_phase_tdd", 5, json.RawMessage(tddPayload))
	if err != nil {
		t.Fatal(err)
	}

	conn := dialWS(t, srv, "")
	sendFrame(t, conn, wsMessage{Type: "cancel", TaskID: queued.ID})
	got := readFrame(t, conn)
	if got.Type != "result" || got.Status != "cancelled" || got.TaskID != queued.ID {
		t.Fatalf("frame = %+v", got)
	}

	sendFrame(t, conn, wsMessage{Type: "cancel"})
	if got := readFrame(t, conn); got.Type != "error" {
		t.Errorf("frame = %+v, want error for missing task_id", got)
	}
}

func TestWebSocketPingAndUnknownFrames(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, "")
	sendFrame(t, conn, wsMessage{Type: "ping"})
	if got := readFrame(t, conn); got.Type != "pong" {
		t.Fatalf("frame = %+v, want pong", got)
	}

	sendFrame(t, conn, wsMessage{Type: "launch"})
	if got := readFrame(t, conn); got.Type != "error" {
		t.Errorf("frame = %+v, want error", got)
	}
}

func TestWebSocketUnsubscribeStopsStream(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, "")
	sendFrame(t, conn, wsMessage{Type: "subscribe"})
	readFrame(t, conn)

	sendFrame(t, conn, wsMessage{Type: "unsubscribe"})
	if got := readFrame(t, conn); got.Type != "unsubscribed" {
		t.Fatalf("frame = %+v", got)
	}
	if n := f.pub.SubscriberCount(events.GlobalTaskID); n != 0 {
		t.Errorf("global subscribers = %d after unsubscribe", n)
	}
}
