package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jordanhubbard/tinyloom/internal/eventbus"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetGauge().GetValue()
}

func TestNewMetrics_Singleton(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	if a != b {
		t.Error("NewMetrics should return the shared instance")
	}
}

func TestRecordInvocation(t *testing.T) {
	m := NewMetrics()
	c := m.AgentInvocations.WithLabelValues("coder", "anthropic", "true")
	before := counterValue(t, c)
	m.RecordInvocation("coder", "anthropic", true, 1.5)
	if after := counterValue(t, c); after != before+1 {
		t.Errorf("expected counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestRecordQueueDepth(t *testing.T) {
	m := NewMetrics()
	m.RecordQueueDepth(3, 1, 2, 0)
	if got := gaugeValue(t, m.QueueDepth.WithLabelValues("incoming")); got != 3 {
		t.Errorf("incoming depth = %v, want 3", got)
	}
	if got := gaugeValue(t, m.QueueDepth.WithLabelValues("dead-letter")); got != 0 {
		t.Errorf("dead-letter depth = %v, want 0", got)
	}
}

func TestHandleEvent(t *testing.T) {
	m := NewMetrics()
	c := m.EventsPublished.WithLabelValues("response_ready")
	before := counterValue(t, c)
	if err := m.HandleEvent(context.Background(), &eventbus.Event{Type: eventbus.EventTypeResponseReady}); err != nil {
		t.Fatal(err)
	}
	if after := counterValue(t, c); after != before+1 {
		t.Errorf("event not counted: %v -> %v", before, after)
	}
}
