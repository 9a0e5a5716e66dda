package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the data point of the named counter whose
// attributes include every key/value in match.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name string, match ...attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		all := true
		for _, kv := range match {
			v, ok := dp.Attributes.Value(kv.Key)
			if !ok || v.Emit() != kv.Value.Emit() {
				all = false
				break
			}
		}
		if all {
			return dp.Value
		}
	}
	t.Fatalf("metric %q: no data point matching %v", name, match)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordCommand(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCommand(ctx, "TRANSFER")
	m.RecordCommand(ctx, "TRANSFER")
	m.RecordCommand(ctx, "NONE")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "voicepay.commands", Attr("intent", "TRANSFER")); got != 2 {
		t.Errorf("TRANSFER = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "voicepay.commands", Attr("intent", "NONE")); got != 1 {
		t.Errorf("NONE = %d, want 1", got)
	}
}

func TestRecordFlowTransition(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFlowTransition(ctx, "TRANSFER", "AMOUNT", "PIN")
	m.RecordFlowTransition(ctx, "BILL", "AMOUNT", "PIN")

	rm := collect(t, reader)
	got := sumWhere(t, rm, "voicepay.flow.transitions",
		Attr("flow", "TRANSFER"), Attr("from", "AMOUNT"), Attr("to", "PIN"))
	if got != 1 {
		t.Errorf("transfer AMOUNT->PIN = %d, want 1", got)
	}
}

func TestRecordFaceVerification(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFaceVerification(ctx, "login", FaceVerified)
	m.RecordFaceVerification(ctx, "transfer", FaceMismatch)
	m.RecordFaceVerification(ctx, "transfer", FaceMismatch)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "voicepay.face.verifications",
		Attr("purpose", "transfer"), Attr("outcome", FaceMismatch)); got != 2 {
		t.Errorf("transfer mismatches = %d, want 2", got)
	}
}

func TestSimpleCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransaction(ctx, "BILL_PAY")
	m.RecordLedgerPublish(ctx, "dropped")
	m.RecordListenerRestart(ctx, "ended")
	m.RecordUtterance(ctx, "en-IN")
	m.RecordProviderError(ctx, "nvidia", "llm")
	m.RecordProviderRequest(ctx, "nvidia", "llm", "ok")

	rm := collect(t, reader)
	tests := []struct {
		name  string
		match attribute.KeyValue
	}{
		{"voicepay.transactions", Attr("kind", "BILL_PAY")},
		{"voicepay.ledger.published", Attr("status", "dropped")},
		{"voicepay.listener.restarts", Attr("reason", "ended")},
		{"voicepay.utterances", Attr("lang", "en-IN")},
		{"voicepay.provider.errors", Attr("provider", "nvidia")},
		{"voicepay.provider.requests", Attr("status", "ok")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := sumWhere(t, rm, tc.name, tc.match); got != 1 {
				t.Errorf("value = %d, want 1", got)
			}
		})
	}
}

func TestActiveSessions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "voicepay.active_sessions"); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordChat(ctx, 1200*time.Millisecond, "ok")
	m.RecordChat(ctx, 300*time.Millisecond, "ok")
	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "POST"),
			attribute.String("path", "/api/user-lookup"),
		),
	)

	rm := collect(t, reader)
	tests := []struct {
		name string
		want uint64
	}{
		{"voicepay.chat.duration", 2},
		{"voicepay.http.request.duration", 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != tc.want {
				t.Errorf("sample count = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
