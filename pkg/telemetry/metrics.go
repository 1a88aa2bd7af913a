package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/quillpress/realtime"

// Metrics groups the counters recorded by the realtime pipeline.
type Metrics struct {
	FramesReceived metric.Int64Counter
	DecodeErrors   metric.Int64Counter
	ListenerPanics metric.Int64Counter
	RetryScheduled metric.Int64Counter
	StateChanges   metric.Int64Counter
	RemoteFailures metric.Int64Counter
	DesktopDropped metric.Int64Counter
}

var (
	metricsMu sync.Mutex
	current   *Metrics
)

// NewMetrics creates the instruments on the given meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.FramesReceived, "realtime.frames.received", "Inbound channel messages by category"},
		{&m.DecodeErrors, "realtime.frames.decode_errors", "Inbound messages dropped as malformed"},
		{&m.ListenerPanics, "realtime.dispatch.listener_panics", "Listener invocations that panicked"},
		{&m.RetryScheduled, "realtime.reconnect.scheduled", "Reconnection attempts scheduled"},
		{&m.StateChanges, "realtime.connection.state_changes", "Connection state transitions by target state"},
		{&m.RemoteFailures, "notifications.remote.failures", "Failed notification REST calls by operation"},
		{&m.DesktopDropped, "notifications.desktop.dropped", "Desktop notifications suppressed by rate limit or permission"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// DefaultMetrics returns instruments bound to the global meter provider.
// It never fails; a broken provider degrades to no-op instruments.
func DefaultMetrics() *Metrics {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if current != nil {
		return current
	}
	m, err := NewMetrics(otel.Meter(meterName))
	if err != nil {
		m, _ = NewMetrics(noop.NewMeterProvider().Meter(meterName))
	}
	current = m
	return current
}

func setMetrics(m *Metrics) {
	metricsMu.Lock()
	current = m
	metricsMu.Unlock()
}

func resetMetrics() {
	metricsMu.Lock()
	current = nil
	metricsMu.Unlock()
}

// Inc adds one to counter with a single string attribute
func Inc(counter metric.Int64Counter, key, value string) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String(key, value)))
}
