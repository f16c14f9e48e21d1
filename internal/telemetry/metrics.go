package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/sakerinn/eimzo"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Agent transport metrics
	AgentCallsTotal       metric.Int64Counter
	AgentCallErrorsTotal  metric.Int64Counter
	AgentCallDuration     metric.Float64Histogram
	CertificatesEnumerate metric.Int64Counter

	// Key handle metrics
	KeyLoadsTotal     metric.Int64Counter
	KeyCacheHitsTotal metric.Int64Counter

	// Signature metrics
	SignaturesTotal         metric.Int64Counter
	TimestampsAttachedTotal metric.Int64Counter
	TimestampFailuresTotal  metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.AgentCallsTotal, _ = meter.Int64Counter(
		"eimzo.agent.calls.total",
		metric.WithDescription("Total number of remote operations issued to the signing agent"),
		metric.WithUnit("{call}"),
	)

	m.AgentCallErrorsTotal, _ = meter.Int64Counter(
		"eimzo.agent.calls.errors.total",
		metric.WithDescription("Total number of agent calls that were rejected or failed in transport"),
		metric.WithUnit("{error}"),
	)

	m.AgentCallDuration, _ = meter.Float64Histogram(
		"eimzo.agent.calls.duration",
		metric.WithDescription("Duration of agent calls"),
		metric.WithUnit("ms"),
	)

	m.CertificatesEnumerate, _ = meter.Int64Counter(
		"eimzo.certificates.enumerated.total",
		metric.WithDescription("Total number of credentials returned by catalog enumerations"),
		metric.WithUnit("{certificate}"),
	)

	m.KeyLoadsTotal, _ = meter.Int64Counter(
		"eimzo.keys.loads.total",
		metric.WithDescription("Total number of load_key calls"),
		metric.WithUnit("{load}"),
	)

	m.KeyCacheHitsTotal, _ = meter.Int64Counter(
		"eimzo.keys.cache_hits.total",
		metric.WithDescription("Total number of key handles served from the session cache"),
		metric.WithUnit("{hit}"),
	)

	m.SignaturesTotal, _ = meter.Int64Counter(
		"eimzo.signatures.total",
		metric.WithDescription("Total number of PKCS#7 signatures created or appended"),
		metric.WithUnit("{signature}"),
	)

	m.TimestampsAttachedTotal, _ = meter.Int64Counter(
		"eimzo.timestamps.attached.total",
		metric.WithDescription("Total number of signatures that received a timestamp"),
		metric.WithUnit("{timestamp}"),
	)

	m.TimestampFailuresTotal, _ = meter.Int64Counter(
		"eimzo.timestamps.failures.total",
		metric.WithDescription("Total number of failed timestamp requests or merges"),
		metric.WithUnit("{error}"),
	)

	return m
}
