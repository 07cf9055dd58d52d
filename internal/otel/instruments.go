package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments holds the realtime subsystem's counters. All methods are
// safe on a nil receiver so callers can run without metrics wired.
type Instruments struct {
	readingsReceived  metric.Int64Counter
	readingsDropped   metric.Int64Counter
	readingsDelivered metric.Int64Counter
	connects          metric.Int64Counter
	authFailures      metric.Int64Counter
}

// NewInstruments creates the realtime counters on the given MeterProvider.
func NewInstruments(mp metric.MeterProvider) (*Instruments, error) {
	meter := mp.Meter("wellpulse.realtime")

	readingsReceived, err := meter.Int64Counter("realtime.readings.received",
		metric.WithDescription("Readings received from the bus"))
	if err != nil {
		return nil, err
	}
	readingsDropped, err := meter.Int64Counter("realtime.readings.dropped",
		metric.WithDescription("Readings dropped before delivery, by reason"))
	if err != nil {
		return nil, err
	}
	readingsDelivered, err := meter.Int64Counter("realtime.readings.delivered",
		metric.WithDescription("Reading events delivered to client connections"))
	if err != nil {
		return nil, err
	}
	connects, err := meter.Int64Counter("realtime.connections.opened",
		metric.WithDescription("Authenticated client connections opened"))
	if err != nil {
		return nil, err
	}
	authFailures, err := meter.Int64Counter("realtime.auth.failures",
		metric.WithDescription("Connections rejected at authentication"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		readingsReceived:  readingsReceived,
		readingsDropped:   readingsDropped,
		readingsDelivered: readingsDelivered,
		connects:          connects,
		authFailures:      authFailures,
	}, nil
}

// ReadingReceived records one reading received from the bus.
func (i *Instruments) ReadingReceived(ctx context.Context) {
	if i == nil {
		return
	}
	i.readingsReceived.Add(ctx, 1)
}

// ReadingDropped records one dropped reading with a reason attribute
// (e.g. "bad_channel", "malformed", "tenant_mismatch", "no_handler").
func (i *Instruments) ReadingDropped(ctx context.Context, reason string) {
	if i == nil {
		return
	}
	i.readingsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// ReadingDelivered records n reading events sent to client connections.
func (i *Instruments) ReadingDelivered(ctx context.Context, n int) {
	if i == nil || n <= 0 {
		return
	}
	i.readingsDelivered.Add(ctx, int64(n))
}

// ConnectionOpened records one successful connection authentication.
func (i *Instruments) ConnectionOpened(ctx context.Context) {
	if i == nil {
		return
	}
	i.connects.Add(ctx, 1)
}

// AuthFailure records one rejected connection.
func (i *Instruments) AuthFailure(ctx context.Context) {
	if i == nil {
		return
	}
	i.authFailures.Add(ctx, 1)
}

// ConnCounts is a point-in-time summary of gateway connection state.
type ConnCounts struct {
	Total   int
	Tenants int
	Wells   int
}

// RegisterConnectionGauges registers observable gauges fed by stats.
// stats is called on each metric collection; it must be cheap and
// safe to call from any goroutine.
func RegisterConnectionGauges(mp metric.MeterProvider, stats func() ConnCounts) error {
	meter := mp.Meter("wellpulse.realtime")

	total, err := meter.Int64ObservableGauge("realtime.connections.active",
		metric.WithDescription("Currently connected clients"))
	if err != nil {
		return err
	}
	tenants, err := meter.Int64ObservableGauge("realtime.tenants.active",
		metric.WithDescription("Tenants with at least one live connection"))
	if err != nil {
		return err
	}
	wells, err := meter.Int64ObservableGauge("realtime.wells.subscribed",
		metric.WithDescription("Wells with at least one explicit subscriber"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		c := stats()
		o.ObserveInt64(total, int64(c.Total))
		o.ObserveInt64(tenants, int64(c.Tenants))
		o.ObserveInt64(wells, int64(c.Wells))
		return nil
	}, total, tenants, wells)
	return err
}
