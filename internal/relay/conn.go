package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one websocket client. Its topic set is guarded by the hub lock.
type Conn struct {
	id     string
	hub    *Hub
	ws     *websocket.Conn
	send   chan []byte
	topics map[string]struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// envelope holds the routing fields the relay reads. Everything else in a
// publish is forwarded untouched.
type envelope struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
	Topic  string   `json:"topic"`
}

var pongMessage = []byte(`{"type":"pong"}`)

// ServeWS upgrades the request and runs the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &Conn{
		id:     uuid.NewString(),
		hub:    h,
		ws:     ws,
		send:   make(chan []byte, h.opts.SendBuffer),
		topics: make(map[string]struct{}),
		closed: make(chan struct{}),
	}
	h.register(c)
	h.logger.Debug().Str("conn", c.id).Msg("Client connected")

	go c.writePump()
	c.readPump()
	return nil
}

func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.closed:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close ends the connection; the read pump then leaves every topic.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.leave(c)
		c.Close()
		c.hub.logger.Debug().Str("conn", c.id).Msg("Client disconnected")
	}()

	c.ws.SetReadLimit(c.hub.opts.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(data)
	}
}

// handle dispatches one message. Malformed or unknown messages are ignored.
func (c *Conn) handle(data []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Type {
	case "subscribe":
		c.hub.subscribe(c, env.Topics)
	case "unsubscribe":
		c.hub.unsubscribe(c, env.Topics)
	case "publish":
		if env.Topic == "" {
			return
		}
		c.hub.publish(c, env.Topic, raw)
	case "ping":
		c.enqueue(pongMessage)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
