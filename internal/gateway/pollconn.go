package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxPollQueue bounds events buffered between polls. When a client lags
// past it, the oldest events are dropped first.
const maxPollQueue = 256

// pollConn is the long-poll transport behind the Conn interface: events
// are queued server-side and drained by periodic GET requests. It exists
// for clients that cannot hold a websocket open (restrictive proxies,
// legacy SCADA HMIs).
type pollConn struct {
	id  string
	log *slog.Logger

	mu       sync.Mutex
	queue    []Event
	closed   bool
	lastPoll time.Time

	notify chan struct{}
}

func newPollConn(log *slog.Logger) *pollConn {
	if log == nil {
		log = slog.Default()
	}
	return &pollConn{
		id:       uuid.NewString(),
		log:      log,
		lastPoll: time.Now(),
		notify:   make(chan struct{}, 1),
	}
}

func (c *pollConn) ID() string { return c.id }

// Send queues ev for the next poll. Never blocks.
func (c *pollConn) Send(ev Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if len(c.queue) >= maxPollQueue {
		c.queue = c.queue[1:]
		c.log.Debug("poll queue full, dropping oldest event", "conn", c.id)
	}
	c.queue = append(c.queue, ev)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close marks the session dead; the next poll observes it. Idempotent.
func (c *pollConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// drain returns queued events, waiting up to wait for the first one.
// done is true once the session is closed and fully drained.
func (c *pollConn) drain(ctx context.Context, wait time.Duration) (evs []Event, done bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		c.mu.Lock()
		if len(c.queue) > 0 || c.closed {
			evs = c.queue
			c.queue = nil
			done = c.closed && len(evs) == 0
			c.mu.Unlock()
			return evs, done
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
			return nil, false
		case <-c.notify:
		}
	}
}

func (c *pollConn) touch() {
	c.mu.Lock()
	c.lastPoll = time.Now()
	c.mu.Unlock()
}

func (c *pollConn) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPoll
}

// PollTransport serves the long-poll fallback endpoints and reaps
// sessions that stop polling. Unlike a websocket, a vanished long-poll
// client produces no transport error, so the idle reaper is what
// guarantees the disconnect hook eventually runs.
type PollTransport struct {
	gw      *Gateway
	log     *slog.Logger
	wait    time.Duration
	idleTTL time.Duration

	mu    sync.Mutex
	conns map[string]*pollConn

	stopOnce sync.Once
	stop     chan struct{}
}

// NewPollTransport returns a running transport. wait bounds how long an
// events request is held open; idleTTL is the silence after which a
// session is disconnected.
func NewPollTransport(gw *Gateway, log *slog.Logger, wait, idleTTL time.Duration) *PollTransport {
	if log == nil {
		log = slog.Default()
	}
	t := &PollTransport{
		gw:      gw,
		log:     log,
		wait:    wait,
		idleTTL: idleTTL,
		conns:   make(map[string]*pollConn),
		stop:    make(chan struct{}),
	}
	go t.reap()
	return t
}

// Stop halts the reaper and disconnects every poll session.
func (t *PollTransport) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.mu.Lock()
	conns := make([]*pollConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[string]*pollConn)
	t.mu.Unlock()
	for _, c := range conns {
		c.Close()
		t.gw.Disconnect(c.id)
	}
}

func (t *PollTransport) reap() {
	interval := t.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-t.idleTTL)
			t.mu.Lock()
			var stale []*pollConn
			for id, c := range t.conns {
				if c.idleSince().Before(cutoff) {
					stale = append(stale, c)
					delete(t.conns, id)
				}
			}
			t.mu.Unlock()
			for _, c := range stale {
				t.log.Info("reaping idle poll session", "conn", c.id)
				c.Close()
				t.gw.Disconnect(c.id)
			}
		}
	}
}

func (t *PollTransport) lookup(id string) *pollConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[id]
}

func (t *PollTransport) remove(id string) *pollConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.conns[id]
	delete(t.conns, id)
	return c
}

// Register wires the poll endpoints onto mux.
func (t *PollTransport) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /realtime/poll", t.handleConnect)
	mux.HandleFunc("GET /realtime/poll/{id}/events", t.handleEvents)
	mux.HandleFunc("POST /realtime/poll/{id}/subscribe", t.handleSubscribe)
	mux.HandleFunc("POST /realtime/poll/{id}/unsubscribe", t.handleUnsubscribe)
	mux.HandleFunc("DELETE /realtime/poll/{id}", t.handleDisconnect)
}

func (t *PollTransport) handleConnect(w http.ResponseWriter, r *http.Request) {
	token := BearerToken(r)
	c := newPollConn(t.log)
	sess, err := t.gw.Connect(c, token)
	if err != nil {
		t.log.Warn("rejecting poll connection", "remote", r.RemoteAddr, "err", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	t.mu.Lock()
	t.conns[c.id] = c
	t.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]string{
		"connectionId": c.id,
		"tenantId":     sess.TenantID,
	})
}

func (t *PollTransport) handleEvents(w http.ResponseWriter, r *http.Request) {
	c := t.lookup(r.PathValue("id"))
	if c == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown connection"})
		return
	}
	c.touch()
	evs, done := c.drain(r.Context(), t.wait)
	if done {
		t.remove(c.id)
		writeJSON(w, http.StatusGone, map[string]string{"error": "connection closed"})
		return
	}
	if evs == nil {
		evs = []Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (t *PollTransport) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	t.handleWellControl(w, r, t.gw.SubscribeWell)
}

func (t *PollTransport) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	t.handleWellControl(w, r, t.gw.UnsubscribeWell)
}

// handleWellControl applies a subscribe/unsubscribe; the ack (or error
// event) arrives on the event queue, matching the websocket protocol.
func (t *PollTransport) handleWellControl(w http.ResponseWriter, r *http.Request, apply func(connID, wellID string)) {
	c := t.lookup(r.PathValue("id"))
	if c == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown connection"})
		return
	}
	var body struct {
		WellID string `json:"wellId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	apply(c.id, body.WellID)
	w.WriteHeader(http.StatusAccepted)
}

func (t *PollTransport) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	c := t.remove(r.PathValue("id"))
	if c == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown connection"})
		return
	}
	c.Close()
	t.gw.Disconnect(c.id)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
