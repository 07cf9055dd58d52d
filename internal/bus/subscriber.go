// Package bus ingests telemetry readings from the Redis pub/sub bus.
//
// The upstream SCADA translation service publishes one JSON reading per
// message on per-tenant channels (telemetry:<tenantId>). The Subscriber
// holds a dedicated pub/sub connection, pattern-subscribes to all tenant
// channels, validates every message, and hands good readings to a single
// registered handler.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	otelx "wellpulse/backend/internal/otel"
	"wellpulse/backend/internal/reading"
)

var (
	// ErrAlreadyStarted is returned by Start on a started subscriber.
	ErrAlreadyStarted = errors.New("subscriber already started")
	// ErrStopped is returned by SubscribeTenant/UnsubscribeTenant after Stop.
	ErrStopped = errors.New("subscriber stopped")
)

// Handler consumes one validated reading. tenantID always equals
// r.TenantID; both come from a message whose channel matched.
type Handler func(tenantID string, r *reading.Reading)

// RetryPolicy maps a 1-based reconnect attempt to the delay before it.
type RetryPolicy func(attempt int) time.Duration

// LinearBackoff returns the standard policy delay = min(attempt*base, limit).
func LinearBackoff(base, limit time.Duration) RetryPolicy {
	return func(attempt int) time.Duration {
		d := time.Duration(attempt) * base
		if d > limit {
			return limit
		}
		return d
	}
}

// Subscriber consumes tenant telemetry channels from Redis.
//
// The pub/sub connection is dedicated: go-redis switches the connection
// into subscribe mode, so it is never reused for other commands. After a
// dropped connection the client reestablishes every subscription itself;
// the receive loop only backs off between failed receive attempts.
type Subscriber struct {
	client *redis.Client
	log    *slog.Logger
	inst   *otelx.Instruments
	retry  RetryPolicy

	// handler is replaced wholesale by SetHandler: the last registered
	// handler wins and in-flight messages finish against whichever
	// handler they loaded. No handoff guarantee.
	handler atomic.Pointer[Handler]

	mu       sync.Mutex
	channels map[string]struct{} // explicitly subscribed channel names
	pubsub   *redis.PubSub
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSubscriber returns an unstarted Subscriber. retry must not be nil;
// inst may be nil to run without metrics.
func NewSubscriber(client *redis.Client, log *slog.Logger, retry RetryPolicy, inst *otelx.Instruments) *Subscriber {
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{
		client:   client,
		log:      log,
		inst:     inst,
		retry:    retry,
		channels: make(map[string]struct{}),
	}
}

// SetHandler registers the reading consumer, replacing any prior handler.
func (s *Subscriber) SetHandler(fn Handler) {
	if fn == nil {
		s.handler.Store(nil)
		return
	}
	s.handler.Store(&fn)
}

// Start opens the pub/sub connection and subscribes to the wildcard
// pattern plus any explicitly registered tenant channels, then launches
// the receive loop. A failed initial subscribe is fatal and returned.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if s.stopped {
		return ErrStopped
	}

	ps := s.client.PSubscribe(ctx, reading.WildcardPattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", reading.WildcardPattern, err)
	}
	if len(s.channels) > 0 {
		chans := make([]string, 0, len(s.channels))
		for ch := range s.channels {
			chans = append(chans, ch)
		}
		if err := ps.Subscribe(ctx, chans...); err != nil {
			_ = ps.Close()
			return fmt.Errorf("subscribe tenant channels: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.pubsub = ps
	s.started = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, ps)

	s.log.Info("bus subscriber started", "pattern", reading.WildcardPattern)
	return nil
}

// Stop unsubscribes and closes the pub/sub connection and waits for the
// receive loop to exit. Idempotent; never errors on an already-closed
// connection.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	ps := s.pubsub
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	// Best effort: the connection may already be gone.
	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = ps.PUnsubscribe(ctx)
	_ = ps.Unsubscribe(ctx)
	ctxCancel()
	_ = ps.Close()
	cancel()
	<-done

	s.log.Info("bus subscriber stopped")
	return nil
}

// SubscribeTenant explicitly subscribes the tenant's channel in addition
// to the wildcard pattern. Idempotent: the subscribed-channel set is the
// source of truth and repeat calls are no-ops. May be called before
// Start; the channel is established during Start.
func (s *Subscriber) SubscribeTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return errors.New("tenantID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	ch := reading.ChannelForTenant(tenantID)
	if _, ok := s.channels[ch]; ok {
		return nil
	}
	if s.pubsub != nil {
		if err := s.pubsub.Subscribe(ctx, ch); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	s.channels[ch] = struct{}{}
	return nil
}

// UnsubscribeTenant removes an explicit tenant channel subscription.
// A tenant that was never subscribed is a no-op.
func (s *Subscriber) UnsubscribeTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return errors.New("tenantID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	ch := reading.ChannelForTenant(tenantID)
	if _, ok := s.channels[ch]; !ok {
		return nil
	}
	if s.pubsub != nil {
		if err := s.pubsub.Unsubscribe(ctx, ch); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", ch, err)
		}
	}
	delete(s.channels, ch)
	return nil
}

// SubscribedChannels returns the explicitly subscribed channel names.
func (s *Subscriber) SubscribedChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// run receives until the context is canceled or the connection is closed.
// Transient receive errors are retried indefinitely under the retry
// policy; go-redis reestablishes subscriptions on reconnect.
func (s *Subscriber) run(ctx context.Context, ps *redis.PubSub) {
	defer close(s.done)
	attempt := 0
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			attempt++
			delay := s.retry(attempt)
			s.log.Warn("bus receive failed, retrying",
				"attempt", attempt, "delay", delay, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
		s.dispatch(msg.Channel, []byte(msg.Payload))
	}
}

// dispatch validates one inbound message and invokes the handler.
// Every failure drops only this message; nothing propagates.
func (s *Subscriber) dispatch(channel string, payload []byte) {
	ctx := context.Background()
	s.inst.ReadingReceived(ctx)

	tenantID, err := reading.TenantFromChannel(channel)
	if err != nil {
		s.log.Warn("dropping message on unrecognized channel", "channel", channel)
		s.inst.ReadingDropped(ctx, "bad_channel")
		return
	}

	r, err := reading.Decode(payload)
	if err != nil {
		s.log.Warn("dropping invalid reading", "channel", channel, "err", err)
		s.inst.ReadingDropped(ctx, "malformed")
		return
	}

	if r.TenantID != tenantID {
		// Cross-tenant payloads on a tenant channel are a security
		// anomaly, not routine garbage.
		s.log.Error("dropping reading with tenant/channel mismatch",
			"channel", channel, "channelTenant", tenantID, "payloadTenant", r.TenantID)
		s.inst.ReadingDropped(ctx, "tenant_mismatch")
		return
	}

	h := s.handler.Load()
	if h == nil {
		// Normal during startup, before the gateway registers.
		s.log.Debug("no handler registered, dropping reading", "tenant", tenantID)
		s.inst.ReadingDropped(ctx, "no_handler")
		return
	}
	s.invoke(*h, tenantID, r)
}

// invoke shields the receive loop from a panicking handler so one bad
// message cannot stop processing of the next.
func (s *Subscriber) invoke(h Handler, tenantID string, r *reading.Reading) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("reading handler panicked", "tenant", tenantID, "panic", p)
		}
	}()
	h(tenantID, r)
}
