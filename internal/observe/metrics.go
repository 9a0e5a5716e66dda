// Package observe holds the voicepay telemetry plumbing: OpenTelemetry metric
// instruments, tracing helpers, trace-aware logging and the HTTP middleware
// that ties them together.
//
// [InitProvider] installs a Prometheus exporter bridge so the instruments can
// be scraped from /metrics. [DefaultMetrics] returns a process-wide [Metrics]
// bound to the global meter provider; tests build their own with [NewMetrics]
// and a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for every voicepay instrument.
const meterName = "github.com/MrWong99/voicepay"

// Call statuses recorded by [Metrics.RecordChat] and
// [Metrics.RecordProviderRequest].
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Face verification outcomes recorded by [Metrics.RecordFaceVerification].
const (
	FaceVerified   = "verified"
	FaceMismatch   = "mismatch"
	FaceNotVisible = "not_visible"
	FaceError      = "error"
)

// Metrics holds all OpenTelemetry instruments for the service. The OTel types
// do their own synchronisation.
type Metrics struct {
	// --- Voice commands ---

	// Commands counts classified final transcripts by intent.
	Commands metric.Int64Counter

	// Utterances counts spoken feedback lines handed to the speech output.
	Utterances metric.Int64Counter

	// ListenerRestarts counts recognition restarts by reason
	// ("ended", "error").
	ListenerRestarts metric.Int64Counter

	// --- Flows ---

	// FlowTransitions counts step changes by flow kind, from and to.
	FlowTransitions metric.Int64Counter

	// FaceVerifications counts face gate results by purpose and outcome.
	FaceVerifications metric.Int64Counter

	// Transactions counts recorded ledger entries by kind.
	Transactions metric.Int64Counter

	// LedgerPublished counts transaction events handed to the feed by status
	// ("ok", "dropped", "error").
	LedgerPublished metric.Int64Counter

	// --- Providers ---

	// ChatDuration tracks assistant round-trip latency.
	ChatDuration metric.Float64Histogram

	// ProviderRequests counts provider calls by provider, kind and status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures by provider and kind.
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks connected voice sessions (zero or one).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP ---

	// HTTPRequestDuration tracks request latency by method and path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, sized for hosted LLM
// round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Commands, err = m.Int64Counter("voicepay.commands",
		metric.WithDescription("Final transcripts classified, by intent."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("voicepay.utterances",
		metric.WithDescription("Spoken feedback lines, by language."),
	); err != nil {
		return nil, err
	}
	if met.ListenerRestarts, err = m.Int64Counter("voicepay.listener.restarts",
		metric.WithDescription("Speech recognition restarts, by reason."),
	); err != nil {
		return nil, err
	}
	if met.FlowTransitions, err = m.Int64Counter("voicepay.flow.transitions",
		metric.WithDescription("Transaction flow step changes, by flow, from and to."),
	); err != nil {
		return nil, err
	}
	if met.FaceVerifications, err = m.Int64Counter("voicepay.face.verifications",
		metric.WithDescription("Face verification results, by purpose and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Transactions, err = m.Int64Counter("voicepay.transactions",
		metric.WithDescription("Transactions recorded in the session ledger, by kind."),
	); err != nil {
		return nil, err
	}
	if met.LedgerPublished, err = m.Int64Counter("voicepay.ledger.published",
		metric.WithDescription("Transaction events handed to the ledger feed, by status."),
	); err != nil {
		return nil, err
	}
	if met.ChatDuration, err = m.Float64Histogram("voicepay.chat.duration",
		metric.WithDescription("Latency of assistant replies."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("voicepay.provider.requests",
		metric.WithDescription("Provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voicepay.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicepay.active_sessions",
		metric.WithDescription("Number of connected voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicepay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first use from
// [otel.GetMeterProvider]. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCommand counts one classified transcript.
func (m *Metrics) RecordCommand(ctx context.Context, intent string) {
	m.Commands.Add(ctx, 1, metric.WithAttributes(Attr("intent", intent)))
}

// RecordUtterance counts one spoken line.
func (m *Metrics) RecordUtterance(ctx context.Context, lang string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(Attr("lang", lang)))
}

// RecordListenerRestart counts one recognition restart.
func (m *Metrics) RecordListenerRestart(ctx context.Context, reason string) {
	m.ListenerRestarts.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordFlowTransition counts one step change of a transaction flow.
func (m *Metrics) RecordFlowTransition(ctx context.Context, flow, from, to string) {
	m.FlowTransitions.Add(ctx, 1, metric.WithAttributes(
		Attr("flow", flow),
		Attr("from", from),
		Attr("to", to),
	))
}

// RecordFaceVerification counts one face gate result. purpose is "login",
// "transfer" or "bill".
func (m *Metrics) RecordFaceVerification(ctx context.Context, purpose, outcome string) {
	m.FaceVerifications.Add(ctx, 1, metric.WithAttributes(
		Attr("purpose", purpose),
		Attr("outcome", outcome),
	))
}

// RecordTransaction counts one ledger entry.
func (m *Metrics) RecordTransaction(ctx context.Context, kind string) {
	m.Transactions.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordLedgerPublish counts one transaction event handed to the feed.
func (m *Metrics) RecordLedgerPublish(ctx context.Context, status string) {
	m.LedgerPublished.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordChat records the latency of one assistant reply.
func (m *Metrics) RecordChat(ctx context.Context, d time.Duration, status string) {
	m.ChatDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("status", status)))
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError counts one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
