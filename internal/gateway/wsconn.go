package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum client frame size. Client messages are tiny control frames.
	maxMessageSize = 4 << 10
	// Per-connection outbound buffer. A client that cannot drain this
	// many events starts losing readings rather than stalling broadcast.
	sendBuffer = 64
)

// errSendBufferFull is returned when a slow client's outbound queue is full.
var errSendBufferFull = errors.New("send buffer full")

// wsConn is the websocket transport behind the Conn interface.
type wsConn struct {
	id   string
	sock *websocket.Conn
	log  *slog.Logger

	send      chan Event
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(sock *websocket.Conn, log *slog.Logger) *wsConn {
	return &wsConn{
		id:     uuid.NewString(),
		sock:   sock,
		log:    log,
		send:   make(chan Event, sendBuffer),
		closed: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues ev for the write pump. Never blocks: a closed connection
// or a full buffer returns an error that callers log and swallow.
func (c *wsConn) Send(ev Event) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- ev:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		return errSendBufferFull
	}
}

// Close signals the pumps to tear the connection down. Idempotent.
func (c *wsConn) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// writePump owns all writes to the socket: queued events, keepalive
// pings, and the final close frame.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()
	for {
		select {
		case ev := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteJSON(ev); err != nil {
				c.log.Debug("websocket write failed", "conn", c.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			// Flush anything already queued, then say goodbye.
			for {
				select {
				case ev := <-c.send:
					_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.sock.WriteJSON(ev); err != nil {
						return
					}
				default:
					_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.sock.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// readPump consumes client control frames until the socket dies, then
// unconditionally runs disconnect cleanup. This is the single exit path
// for a websocket session, including abrupt network loss.
func (c *wsConn) readPump(gw *Gateway) {
	defer func() {
		c.Close()
		_ = c.sock.Close()
		gw.Disconnect(c.id)
	}()

	c.sock.SetReadLimit(maxMessageSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read failed", "conn", c.id, "err", err)
			}
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = c.Send(Event{Event: EventError, Data: ErrorData{Message: "malformed frame"}})
			continue
		}
		switch frame.Event {
		case ClientEventSubscribeWell:
			gw.SubscribeWell(c.id, frame.Data.WellID)
		case ClientEventUnsubscribeWell:
			gw.UnsubscribeWell(c.id, frame.Data.WellID)
		default:
			_ = c.Send(Event{Event: EventError, Data: ErrorData{Message: fmt.Sprintf("unknown event %q", frame.Event)}})
		}
	}
}

// WSHandler upgrades HTTP requests to the websocket transport and runs
// the connection lifecycle: authenticate, pump, disconnect.
func WSHandler(gw *Gateway, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Browser clients authenticate with a bearer token, not cookies,
		// so cross-origin upgrades carry no ambient authority.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		sock, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		c := newWSConn(sock, log)
		if _, err := gw.Connect(c, token); err != nil {
			log.Warn("rejecting websocket connection", "conn", c.id, "remote", r.RemoteAddr, "err", err)
			_ = sock.SetWriteDeadline(time.Now().Add(writeWait))
			_ = sock.WriteJSON(Event{Event: EventError, Data: ErrorData{Message: "unauthorized"}})
			_ = sock.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
			_ = sock.Close()
			return
		}
		go c.writePump()
		c.readPump(gw)
	})
}
