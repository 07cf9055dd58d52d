// Package gateway authenticates realtime client connections and fans
// telemetry readings out to them with strict tenant isolation.
//
// The Gateway is transport-agnostic: websocket and long-poll sessions
// both implement Conn. All routing state lives in one Gateway instance
// created at startup; both indices are mutated only under the Gateway's
// own lock, so an event's bookkeeping is complete before any send.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	otelx "wellpulse/backend/internal/otel"
	"wellpulse/backend/internal/reading"
	"wellpulse/backend/internal/security"
)

// ErrConnClosed is returned by a transport Send on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Conn is one client connection as seen by the Gateway.
//
// Send must not block: transports buffer and report a dropped event with
// an error instead of stalling the broadcast loop. Close is idempotent
// and eventually causes the transport to call Gateway.Disconnect.
type Conn interface {
	ID() string
	Send(ev Event) error
	Close()
}

// Gateway owns the connection sessions and the two routing indices.
type Gateway struct {
	log      *slog.Logger
	verifier *security.Verifier
	inst     *otelx.Instruments

	mu       sync.Mutex
	conns    map[string]Conn
	sessions map[string]Session
	tenants  map[string]map[string]struct{} // tenant id → connection ids
	wells    map[string]map[string]struct{} // well id → connection ids
}

// New returns a Gateway verifying connection tokens with verifier.
// inst may be nil to run without metrics.
func New(verifier *security.Verifier, log *slog.Logger, inst *otelx.Instruments) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		log:      log,
		verifier: verifier,
		inst:     inst,
		conns:    make(map[string]Conn),
		sessions: make(map[string]Session),
		tenants:  make(map[string]map[string]struct{}),
		wells:    make(map[string]map[string]struct{}),
	}
}

// Connect authenticates a new connection and registers it under its
// tenant. On error the connection was not registered and the caller must
// close it; other connections are unaffected. On success the
// connected{tenantId} acknowledgement has been queued.
func (g *Gateway) Connect(conn Conn, token string) (Session, error) {
	if token == "" {
		g.inst.AuthFailure(context.Background())
		return Session{}, fmt.Errorf("connection %s: %w", conn.ID(), security.ErrInvalidToken)
	}
	id, err := g.verifier.Verify(token)
	if err != nil {
		g.inst.AuthFailure(context.Background())
		return Session{}, fmt.Errorf("connection %s: %w", conn.ID(), err)
	}

	sess := Session{
		ConnectionID: conn.ID(),
		UserID:       id.UserID,
		Email:        id.Email,
		Role:         id.Role,
		TenantID:     id.TenantID,
		ConnectedAt:  time.Now().UTC(),
	}

	g.mu.Lock()
	g.conns[sess.ConnectionID] = conn
	g.sessions[sess.ConnectionID] = sess
	set, ok := g.tenants[sess.TenantID]
	if !ok {
		set = make(map[string]struct{})
		g.tenants[sess.TenantID] = set
	}
	set[sess.ConnectionID] = struct{}{}
	g.mu.Unlock()

	g.inst.ConnectionOpened(context.Background())
	g.log.Info("client connected",
		"conn", sess.ConnectionID, "tenant", sess.TenantID, "user", sess.UserID, "role", sess.Role)

	if err := conn.Send(Event{Event: EventConnected, Data: ConnectedData{TenantID: sess.TenantID}}); err != nil {
		g.log.Debug("connected ack not delivered", "conn", sess.ConnectionID, "err", err)
	}
	return sess, nil
}

// Disconnect removes the connection from the session table and from
// every index entry it appears in, pruning entries that become empty.
// Unknown connection ids are a no-op, so transports may call it
// unconditionally on teardown.
func (g *Gateway) Disconnect(connID string) {
	g.mu.Lock()
	sess, ok := g.sessions[connID]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.sessions, connID)
	delete(g.conns, connID)
	if set, ok := g.tenants[sess.TenantID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(g.tenants, sess.TenantID)
		}
	}
	for wellID, set := range g.wells {
		delete(set, connID)
		if len(set) == 0 {
			delete(g.wells, wellID)
		}
	}
	g.mu.Unlock()

	g.log.Info("client disconnected", "conn", connID, "tenant", sess.TenantID)
}

// SubscribeWell adds the connection to the well's subscriber set and
// acks with subscribed{wellId}. Empty well ids get a client-visible
// error event and the connection stays open. Idempotent.
func (g *Gateway) SubscribeWell(connID, wellID string) {
	g.mu.Lock()
	conn, ok := g.conns[connID]
	if !ok {
		g.mu.Unlock()
		return
	}
	if wellID == "" {
		g.mu.Unlock()
		g.sendEvent(conn, Event{Event: EventError, Data: ErrorData{Message: "wellId is required"}})
		return
	}
	set, ok := g.wells[wellID]
	if !ok {
		set = make(map[string]struct{})
		g.wells[wellID] = set
	}
	set[connID] = struct{}{}
	g.mu.Unlock()

	g.log.Debug("well subscribed", "conn", connID, "well", wellID)
	g.sendEvent(conn, Event{Event: EventSubscribed, Data: WellData{WellID: wellID}})
}

// UnsubscribeWell removes the connection from the well's subscriber set
// and acks with unsubscribed{wellId}. Unsubscribing a well never joined
// is a no-op that is still acked.
func (g *Gateway) UnsubscribeWell(connID, wellID string) {
	g.mu.Lock()
	conn, ok := g.conns[connID]
	if !ok {
		g.mu.Unlock()
		return
	}
	if wellID == "" {
		g.mu.Unlock()
		g.sendEvent(conn, Event{Event: EventError, Data: ErrorData{Message: "wellId is required"}})
		return
	}
	if set, ok := g.wells[wellID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(g.wells, wellID)
		}
	}
	g.mu.Unlock()

	g.log.Debug("well unsubscribed", "conn", connID, "well", wellID)
	g.sendEvent(conn, Event{Event: EventUnsubscribed, Data: WellData{WellID: wellID}})
}

// Broadcast delivers one reading to the tenant's connections. It is the
// handler the Subscriber invokes.
//
// Routing rule: with at least one explicit subscriber on the reading's
// well, deliver only to connections in both the well set and the
// tenant's current set (membership is re-checked at send time, so a
// stale cross-tenant well entry can never leak). With no explicit
// subscribers, fall back to the whole tenant group.
func (g *Gateway) Broadcast(tenantID string, r *reading.Reading) {
	g.mu.Lock()
	tset, ok := g.tenants[tenantID]
	if !ok || len(tset) == 0 {
		// Common case: nobody watching this tenant.
		g.mu.Unlock()
		return
	}
	var targets []Conn
	if wset := g.wells[r.WellID]; len(wset) > 0 {
		for connID := range wset {
			if _, inTenant := tset[connID]; !inTenant {
				continue
			}
			if conn, ok := g.conns[connID]; ok {
				targets = append(targets, conn)
			}
		}
	} else {
		for connID := range tset {
			if conn, ok := g.conns[connID]; ok {
				targets = append(targets, conn)
			}
		}
	}
	g.mu.Unlock()

	ev := Event{Event: EventReading, Data: r}
	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(ev); err != nil {
			g.log.Debug("reading not delivered", "conn", conn.ID(), "err", err)
			continue
		}
		delivered++
	}
	g.inst.ReadingDelivered(context.Background(), delivered)
}

// Stats is a read-only snapshot of connection counts.
type Stats struct {
	TotalConnections int            `json:"totalConnections"`
	ByTenant         map[string]int `json:"byTenant"`
	ByWell           map[string]int `json:"byWell"`
}

// Stats returns current total, per-tenant, and per-well connection counts.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Stats{
		TotalConnections: len(g.conns),
		ByTenant:         make(map[string]int, len(g.tenants)),
		ByWell:           make(map[string]int, len(g.wells)),
	}
	for tenantID, set := range g.tenants {
		s.ByTenant[tenantID] = len(set)
	}
	for wellID, set := range g.wells {
		s.ByWell[wellID] = len(set)
	}
	return s
}

// ConnCounts returns the gauge summary for metrics callbacks.
func (g *Gateway) ConnCounts() otelx.ConnCounts {
	g.mu.Lock()
	defer g.mu.Unlock()
	return otelx.ConnCounts{
		Total:   len(g.conns),
		Tenants: len(g.tenants),
		Wells:   len(g.wells),
	}
}

// Shutdown closes every live connection. Transports then call
// Disconnect, which clears the indices.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	conns := make([]Conn, 0, len(g.conns))
	for _, conn := range g.conns {
		conns = append(conns, conn)
	}
	g.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// sendEvent sends best-effort; a dead connection only gets logged.
func (g *Gateway) sendEvent(conn Conn, ev Event) {
	if err := conn.Send(ev); err != nil {
		g.log.Debug("event not delivered", "conn", conn.ID(), "event", ev.Event, "err", err)
	}
}
