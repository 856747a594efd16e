package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/randalmurphal/fab/internal/events"
	"github.com/randalmurphal/fab/internal/queue"
	"github.com/randalmurphal/fab/internal/task"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
	wsSendBuffer     = 256
	wsCancelTimeout  = 5 * time.Second
)

// wsMessage is a protocol frame in either direction. Clients send
// subscribe, unsubscribe, cancel, and ping frames; the server answers with
// subscribed, unsubscribed, result, pong, and error frames, and streams
// event frames for the active subscription.
type wsMessage struct {
	Type   string        `json:"type"`
	TaskID string        `json:"task_id,omitempty"`
	Status string        `json:"status,omitempty"`
	Error  string        `json:"error,omitempty"`
	Event  *events.Event `json:"event,omitempty"`
}

// wsHub upgrades /api/events connections and tracks them so shutdown can
// reach them; hijacked connections are outside http.Server.Shutdown.
type wsHub struct {
	pub      events.Publisher
	queue    *queue.Queue
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*wsClient]struct{}
}

func newWSHub(pub events.Publisher, q *queue.Queue, logger *slog.Logger) *wsHub {
	return &wsHub{
		pub:    pub,
		queue:  q,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*wsClient]struct{}),
	}
}

func (h *wsHub) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	// A task_id query parameter subscribes without a first frame.
	if id := r.URL.Query().Get("task_id"); id != "" {
		c.subscribe(id)
	}

	go c.writePump()
	go c.readPump()
}

func (h *wsHub) drop(c *wsClient) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	conns := make([]*wsClient, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// wsClient is one subscriber connection with its read and write pumps.
type wsClient struct {
	hub  *wsHub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	mu     sync.Mutex
	taskID string
	events <-chan events.Event
}

func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("websocket read ended", "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(wsMessage{Type: "error", Error: "malformed frame"})
			continue
		}
		c.handle(msg)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case buf := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
			return
		}
	}
}

func (c *wsClient) handle(msg wsMessage) {
	switch msg.Type {
	case "subscribe":
		id := msg.TaskID
		if id == "" {
			id = events.GlobalTaskID
		}
		c.subscribe(id)
	case "unsubscribe":
		c.unsubscribe()
		c.reply(wsMessage{Type: "unsubscribed"})
	case "cancel":
		c.cancel(msg.TaskID)
	case "ping":
		c.reply(wsMessage{Type: "pong"})
	default:
		c.reply(wsMessage{Type: "error", Error: fmt.Sprintf("unknown frame type %q", msg.Type)})
	}
}

// subscribe switches the connection to the given task's event stream.
// Subscribing again replaces the previous stream.
func (c *wsClient) subscribe(taskID string) {
	c.mu.Lock()
	if c.events != nil {
		c.hub.pub.Unsubscribe(c.taskID, c.events)
	}
	ch := c.hub.pub.Subscribe(taskID)
	c.taskID = taskID
	c.events = ch
	c.mu.Unlock()

	go c.forward(ch)
	c.reply(wsMessage{Type: "subscribed", TaskID: taskID})
}

func (c *wsClient) unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events != nil {
		c.hub.pub.Unsubscribe(c.taskID, c.events)
		c.events = nil
		c.taskID = ""
	}
}

// forward pushes events from a subscription into the write pump. The loop
// ends when the publisher closes the channel, which Unsubscribe does.
func (c *wsClient) forward(ch <-chan events.Event) {
	for ev := range ch {
		buf, err := json.Marshal(wsMessage{Type: "event", TaskID: ev.TaskID, Event: &ev})
		if err != nil {
			continue
		}
		select {
		case c.send <- buf:
		case <-c.done:
			return
		default:
			// Slow consumer; drop the frame rather than stall.
		}
	}
}

// cancel runs a cancellation on behalf of the connection and reports the
// outcome the same way the REST endpoint does.
func (c *wsClient) cancel(taskID string) {
	if taskID == "" {
		c.reply(wsMessage{Type: "error", Error: "cancel needs a task_id"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsCancelTimeout)
	defer cancel()

	t, err := c.hub.queue.Cancel(ctx, taskID)
	if err != nil {
		c.reply(wsMessage{Type: "error", TaskID: taskID, Error: err.Error()})
		return
	}

	outcome := "cancelled"
	if t.Status == task.StatusRunning {
		outcome = "cancelling"
	}
	c.reply(wsMessage{Type: "result", TaskID: taskID, Status: outcome})
}

func (c *wsClient) reply(msg wsMessage) {
	buf, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- buf:
	case <-c.done:
	default:
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.unsubscribe()
		c.conn.Close()
		c.hub.drop(c)
	})
}
