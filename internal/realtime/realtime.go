package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Wire events, matching the backend channel.
const (
	EventConnect         = "connect"
	EventConnectError    = "connect_error"
	EventDisconnect      = "disconnect"
	EventJoinChat        = "join-chat"
	EventLeaveChat       = "leave-chat"
	EventMessage         = "message"
	EventTyping          = "typing"
	EventStopTyping      = "stop-typing"
	EventChatStateChange = "chat-state-change"
)

// ErrNotConnected is returned by Publish before Dial or after Close.
var ErrNotConnected = errors.New("realtime: not connected")

// Handler receives the raw JSON payload of one event.
type Handler func(data json.RawMessage)

// Token identifies one subscription for Unsubscribe.
type Token struct {
	event string
	id    uint64
}

// frame is the wire envelope for every event in either direction.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type subscriber struct {
	id uint64
	fn Handler
}

// Client is a persistent event channel over a single websocket
// connection. Handlers for one event run in registration order;
// delivery is at-most-once and makes no ordering promise across
// publishers. Multiple handlers may subscribe to the same event, each
// removable independently.
type Client struct {
	url   string
	token string

	mu       sync.Mutex // guards conn and writes
	conn     *websocket.Conn
	closed   bool
	readDone chan struct{}

	subMu  sync.RWMutex
	subs   map[string][]subscriber
	nextID uint64
}

// New builds a client for the given websocket URL. token authenticates
// the connection at dial time.
func New(url, token string) *Client {
	return &Client{
		url:   url,
		token: token,
		subs:  make(map[string][]subscriber),
	}
}

// Dial connects and starts the read pump. A "connect" event is
// dispatched on success, "connect_error" on failure.
func (c *Client) Dial(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.dispatch(EventConnectError, nil)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.readDone = make(chan struct{})
	done := c.readDone
	c.mu.Unlock()

	go c.readPump(conn, done)
	c.dispatch(EventConnect, nil)
	return nil
}

// Connected reports whether the channel is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Close tears the connection down and dispatches "disconnect".
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	done := c.readDone
	alreadyClosed := c.closed
	c.closed = true
	c.conn = nil
	c.mu.Unlock()

	if conn == nil || alreadyClosed {
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"))
	err := conn.Close()
	if done != nil {
		<-done
	}
	c.dispatch(EventDisconnect, nil)
	return err
}

func (c *Client) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			if c.conn == conn {
				c.conn = nil
				c.closed = true
			}
			c.mu.Unlock()
			if !wasClosed {
				log.Warn().Err(err).Msg("[realtime] connection lost")
				c.dispatch(EventDisconnect, nil)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Debug().Err(err).Msg("[realtime] dropping malformed frame")
			continue
		}
		if f.Event == "" {
			continue
		}
		c.dispatch(f.Event, f.Data)
	}
}

// dispatch runs every handler registered for event, in registration
// order, on the read pump goroutine. Handlers therefore see events in
// delivery order.
func (c *Client) dispatch(event string, data json.RawMessage) {
	c.subMu.RLock()
	subs := make([]subscriber, len(c.subs[event]))
	copy(subs, c.subs[event])
	c.subMu.RUnlock()
	for _, s := range subs {
		s.fn(data)
	}
}

// Subscribe registers fn for event and returns a token for removal.
// Re-subscribing never discards earlier handlers.
func (c *Client) Subscribe(event string, fn Handler) Token {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextID++
	c.subs[event] = append(c.subs[event], subscriber{id: c.nextID, fn: fn})
	return Token{event: event, id: c.nextID}
}

// Unsubscribe removes the subscription identified by tok. Unknown
// tokens are ignored.
func (c *Client) Unsubscribe(tok Token) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	subs := c.subs[tok.event]
	for i, s := range subs {
		if s.id == tok.id {
			c.subs[tok.event] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish sends one event frame. The write lock guarantees the frame is
// not interleaved with concurrent publishes; nothing is promised about
// ordering relative to other clients.
func (c *Client) Publish(event string, payload any) error {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		data = raw
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closed {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(frame{Event: event, Data: data})
}
