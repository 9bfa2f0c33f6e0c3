package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
}

func TestCounterVecRecords(t *testing.T) {
	Init()
	c := RelayTransitions.WithLabelValues("idle", "candidate")
	before := counterValue(t, c)
	c.Inc()
	if got := counterValue(t, c); got != before+1 {
		t.Fatalf("counter = %v, want %v", got, before+1)
	}
}

func TestSetBool(t *testing.T) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_bool", Help: "x"})
	SetBool(g, true)
	if v := gaugeValue(t, g); v != 1 {
		t.Fatalf("gauge = %v, want 1", v)
	}
	SetBool(g, false)
	if v := gaugeValue(t, g); v != 0 {
		t.Fatalf("gauge = %v, want 0", v)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_duration_seconds", Help: "Test duration", Buckets: prometheus.DefBuckets})
	executed := false
	d := TimeFunc(h, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})
	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if d < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", d)
	}
	m := &dto.Metric{}
	if err := h.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if m.Histogram.GetSampleCount() != 1 {
		t.Errorf("sample count = %d, want 1", m.Histogram.GetSampleCount())
	}
	TimeFunc(nil, func() {})
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Fatal("expected empty correlation")
	}
	ctx = WithCorrelation(ctx, "abc")
	if GetCorrelation(ctx) != "abc" {
		t.Fatalf("corr = %q", GetCorrelation(ctx))
	}
	if LoggerWithCorr(ctx) == nil {
		t.Fatal("nil logger")
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("write: %v", err)
	}
	return m.GetGauge().GetValue()
}
