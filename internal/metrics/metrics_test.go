package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}

	if m.GroupsActive == nil {
		t.Error("GroupsActive metric is nil")
	}
	if m.PairsCompleted == nil {
		t.Error("PairsCompleted metric is nil")
	}
	if m.FramesRelayed == nil {
		t.Error("FramesRelayed metric is nil")
	}
}

func TestDefaultSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() returned different instances")
	}
}

func TestRecordConnection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnection("app")
	m.RecordConnection("app")
	m.RecordConnection("bridge")

	if got := testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("app")); got != 2 {
		t.Errorf("ConnectionsTotal{app} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("bridge")); got != 1 {
		t.Errorf("ConnectionsTotal{bridge} = %v, want 1", got)
	}
}

func TestRecordRejection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordRejection("capacity")
	m.RecordRejection("capacity")
	m.RecordRejection("invalid_token")

	if got := testutil.ToFloat64(m.Rejections.WithLabelValues("capacity")); got != 2 {
		t.Errorf("Rejections{capacity} = %v, want 2", got)
	}
}

func TestRecordRelay(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordRelay("relay", 100)
	m.RecordRelay("relay", 250)
	m.RecordRelay("key-exchange", 64)

	if got := testutil.ToFloat64(m.FramesRelayed.WithLabelValues("relay")); got != 2 {
		t.Errorf("FramesRelayed{relay} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("relay")); got != 350 {
		t.Errorf("BytesRelayed{relay} = %v, want 350", got)
	}
}

func TestRecordUpstreamRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordUpstreamRequest("ok", 0.05)
	m.RecordUpstreamRequest("timeout", 10)

	if got := testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("ok")); got != 1 {
		t.Errorf("UpstreamRequests{ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("timeout")); got != 1 {
		t.Errorf("UpstreamRequests{timeout} = %v, want 1", got)
	}
}
