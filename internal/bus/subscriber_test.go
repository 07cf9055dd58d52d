package bus

import (
	"context"
	"slices"
	"testing"
	"time"

	"wellpulse/backend/internal/reading"
)

func newTestSubscriber() *Subscriber {
	return NewSubscriber(nil, nil, LinearBackoff(time.Millisecond, 10*time.Millisecond), nil)
}

func TestLinearBackoff(t *testing.T) {
	retry := LinearBackoff(500*time.Millisecond, 3*time.Second)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{6, 3 * time.Second},
		{100, 3 * time.Second},
	}
	for _, tt := range tests {
		if got := retry(tt.attempt); got != tt.want {
			t.Errorf("retry(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDispatchValidReading(t *testing.T) {
	s := newTestSubscriber()
	var gotTenant string
	var gotReading *reading.Reading
	s.SetHandler(func(tenantID string, r *reading.Reading) {
		gotTenant = tenantID
		gotReading = r
	})

	payload := `{"timestamp":"2025-01-01T00:00:00Z","tenantId":"T1","wellId":"W1","tagName":"Casing_Pressure","value":812.4,"quality":"Good","sourceProtocol":"OPC-UA"}`
	s.dispatch("telemetry:T1", []byte(payload))

	if gotTenant != "T1" {
		t.Fatalf("handler tenant = %q, want T1", gotTenant)
	}
	if gotReading == nil || gotReading.WellID != "W1" || gotReading.Value != 812.4 {
		t.Errorf("handler reading = %+v", gotReading)
	}
}

func TestDispatchDrops(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		payload string
	}{
		{"not json", "telemetry:T1", `pressure is high`},
		{"missing wellId", "telemetry:T1", `{"timestamp":"2025-01-01T00:00:00Z","tenantId":"T1","tagName":"x","value":1,"quality":"Good","sourceProtocol":"p"}`},
		{"unknown quality", "telemetry:T1", `{"timestamp":"2025-01-01T00:00:00Z","tenantId":"T1","wellId":"W1","tagName":"x","value":1,"quality":"Unknown","sourceProtocol":"p"}`},
		{"tenant mismatch", "telemetry:T1", `{"timestamp":"2025-01-01T00:00:00Z","tenantId":"T2","wellId":"W1","tagName":"x","value":1,"quality":"Good","sourceProtocol":"p"}`},
		{"bad channel", "alerts:T1", `{"timestamp":"2025-01-01T00:00:00Z","tenantId":"T1","wellId":"W1","tagName":"x","value":1,"quality":"Good","sourceProtocol":"p"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSubscriber()
			calls := 0
			s.SetHandler(func(string, *reading.Reading) { calls++ })
			s.dispatch(tt.channel, []byte(tt.payload))
			if calls != 0 {
				t.Errorf("handler invoked %d times, want 0", calls)
			}
		})
	}
}

func TestDispatchNoHandler(t *testing.T) {
	s := newTestSubscriber()
	payload := `{"timestamp":"2025-01-01T00:00:00Z","tenantId":"T1","wellId":"W1","tagName":"x","value":1,"quality":"Good","sourceProtocol":"p"}`
	// Must not panic with no handler registered.
	s.dispatch("telemetry:T1", []byte(payload))
}

func TestDispatchHandlerPanicContained(t *testing.T) {
	s := newTestSubscriber()
	calls := 0
	s.SetHandler(func(string, *reading.Reading) {
		calls++
		panic("boom")
	})
	payload := `{"timestamp":"2025-01-01T00:00:00Z","tenantId":"T1","wellId":"W1","tagName":"x","value":1,"quality":"Good","sourceProtocol":"p"}`
	s.dispatch("telemetry:T1", []byte(payload))
	s.dispatch("telemetry:T1", []byte(payload))
	if calls != 2 {
		t.Errorf("handler invoked %d times, want 2 (panic must not stop later messages)", calls)
	}
}

func TestSetHandlerLastWriterWins(t *testing.T) {
	s := newTestSubscriber()
	var got string
	s.SetHandler(func(string, *reading.Reading) { got = "first" })
	s.SetHandler(func(string, *reading.Reading) { got = "second" })
	payload := `{"timestamp":"2025-01-01T00:00:00Z","tenantId":"T1","wellId":"W1","tagName":"x","value":1,"quality":"Good","sourceProtocol":"p"}`
	s.dispatch("telemetry:T1", []byte(payload))
	if got != "second" {
		t.Errorf("dispatched to %q, want second", got)
	}
}

func TestSubscribeTenantIdempotent(t *testing.T) {
	s := newTestSubscriber()
	ctx := context.Background()

	if err := s.SubscribeTenant(ctx, "T1"); err != nil {
		t.Fatalf("SubscribeTenant: %v", err)
	}
	if err := s.SubscribeTenant(ctx, "T1"); err != nil {
		t.Fatalf("SubscribeTenant twice: %v", err)
	}
	if err := s.SubscribeTenant(ctx, "T2"); err != nil {
		t.Fatalf("SubscribeTenant: %v", err)
	}

	got := s.SubscribedChannels()
	slices.Sort(got)
	want := []string{"telemetry:T1", "telemetry:T2"}
	if !slices.Equal(got, want) {
		t.Errorf("SubscribedChannels = %v, want %v", got, want)
	}
}

func TestUnsubscribeTenantNeverSubscribed(t *testing.T) {
	s := newTestSubscriber()
	ctx := context.Background()

	if err := s.UnsubscribeTenant(ctx, "T9"); err != nil {
		t.Fatalf("UnsubscribeTenant on never-subscribed tenant: %v", err)
	}
	if err := s.SubscribeTenant(ctx, "T1"); err != nil {
		t.Fatalf("SubscribeTenant: %v", err)
	}
	if err := s.UnsubscribeTenant(ctx, "T1"); err != nil {
		t.Fatalf("UnsubscribeTenant: %v", err)
	}
	if got := s.SubscribedChannels(); len(got) != 0 {
		t.Errorf("SubscribedChannels = %v, want empty", got)
	}
}

func TestSubscribeTenantEmptyID(t *testing.T) {
	s := newTestSubscriber()
	if err := s.SubscribeTenant(context.Background(), ""); err == nil {
		t.Error("SubscribeTenant(\"\"): want error")
	}
}

func TestStopIdempotentWithoutStart(t *testing.T) {
	s := newTestSubscriber()
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop twice: %v", err)
	}
	if err := s.SubscribeTenant(context.Background(), "T1"); err != ErrStopped {
		t.Errorf("SubscribeTenant after Stop: got %v, want ErrStopped", err)
	}
}
