package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RequestMetrics holds the instruments for compiled REST requests.
type RequestMetrics struct {
	requestDuration      metric.Float64Histogram
	requests             metric.Int64Counter
	errors               metric.Int64Counter
	activeRequests       metric.Int64UpDownCounter
	planDepth            metric.Int64Histogram
	planStatements       metric.Int64Histogram
	resultsCount         metric.Int64Histogram
	prefetchParents      metric.Int64Histogram
	prefetchRows         metric.Int64Histogram
	prefetchQueriesSaved metric.Int64Counter
	prefetchSkipped      metric.Int64Counter
	countSkipped         metric.Int64Counter
}

// InitRequestMetrics creates the request instruments on the global meter.
func InitRequestMetrics() (*RequestMetrics, error) {
	meter := otel.Meter("dynrest")
	m := &RequestMetrics{}

	var err error
	m.requestDuration, err = meter.Float64Histogram("dynrest.request.duration",
		metric.WithDescription("Duration of REST requests"), metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create dynrest.request.duration: %w", err)
	}
	m.activeRequests, err = meter.Int64UpDownCounter("dynrest.requests.active",
		metric.WithDescription("REST requests in flight"))
	if err != nil {
		return nil, fmt.Errorf("create dynrest.requests.active: %w", err)
	}

	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
	}{
		{&m.requests, "dynrest.requests.total", "REST requests served"},
		{&m.errors, "dynrest.errors.total", "Failed REST requests by error class"},
		{&m.prefetchQueriesSaved, "dynrest.prefetch.queries_saved", "Per-parent queries avoided by batching prefetches"},
		{&m.prefetchSkipped, "dynrest.prefetch.skipped", "Prefetches that issued no query"},
		{&m.countSkipped, "dynrest.count.skipped", "List requests served without a count query"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.description)); err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
	}

	histograms := []struct {
		dst         *metric.Int64Histogram
		name        string
		description string
	}{
		{&m.planDepth, "dynrest.plan.depth", "Prefetch depth of compiled plans"},
		{&m.planStatements, "dynrest.plan.statements", "Estimated statements per compiled plan"},
		{&m.resultsCount, "dynrest.results.count", "Root records returned per request"},
		{&m.prefetchParents, "dynrest.prefetch.parent_count", "Parent keys bound into one prefetch query"},
		{&m.prefetchRows, "dynrest.prefetch.result_rows", "Rows returned by one prefetch query"},
	}
	for _, h := range histograms {
		if *h.dst, err = meter.Int64Histogram(h.name, metric.WithDescription(h.description)); err != nil {
			return nil, fmt.Errorf("create %s: %w", h.name, err)
		}
	}
	return m, nil
}

// InitMetrics creates the request instruments and logs that they are live.
func InitMetrics(logger *slog.Logger) (*RequestMetrics, error) {
	m, err := InitRequestMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize request metrics: %w", err)
	}
	logger.Debug("request metrics initialized")
	return m, nil
}

// RecordRequest records a finished request. errorClass is empty on success.
func (m *RequestMetrics) RecordRequest(ctx context.Context, duration time.Duration, action, entity, errorClass string) {
	attrs := metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("entity", entity),
		attribute.Bool("has_errors", errorClass != ""),
	)
	m.requestDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.requests.Add(ctx, 1, attrs)
	if errorClass != "" {
		m.errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("class", errorClass),
		))
	}
}

func (m *RequestMetrics) RecordPlan(ctx context.Context, depth, statements int64, entity string) {
	attrs := metric.WithAttributes(attribute.String("entity", entity))
	m.planDepth.Record(ctx, depth, attrs)
	m.planStatements.Record(ctx, statements, attrs)
}

func (m *RequestMetrics) RecordResultsCount(ctx context.Context, count int64, action string) {
	m.resultsCount.Record(ctx, count, metric.WithAttributes(attribute.String("action", action)))
}

func (m *RequestMetrics) RecordPrefetchParentCount(ctx context.Context, count int64, relationKind string) {
	m.prefetchParents.Record(ctx, count, relationKindAttr(relationKind))
}

func (m *RequestMetrics) RecordPrefetchResultRows(ctx context.Context, count int64, relationKind string) {
	m.prefetchRows.Record(ctx, count, relationKindAttr(relationKind))
}

// RecordPrefetchQueriesSaved ignores non-positive counts.
func (m *RequestMetrics) RecordPrefetchQueriesSaved(ctx context.Context, count int64, relationKind string) {
	if count > 0 {
		m.prefetchQueriesSaved.Add(ctx, count, relationKindAttr(relationKind))
	}
}

func (m *RequestMetrics) RecordPrefetchSkipped(ctx context.Context, relationKind, reason string) {
	m.prefetchSkipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("relation_kind", relationKind),
		attribute.String("reason", reason),
	))
}

// RecordCountSkipped counts list requests that relied on an extra row
// instead of a count query.
func (m *RequestMetrics) RecordCountSkipped(ctx context.Context, reason string) {
	m.countSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *RequestMetrics) IncrementActiveRequests(ctx context.Context) { m.activeRequests.Add(ctx, 1) }
func (m *RequestMetrics) DecrementActiveRequests(ctx context.Context) { m.activeRequests.Add(ctx, -1) }

func relationKindAttr(kind string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("relation_kind", kind))
}

type metricsKey struct{}

func ContextWithMetrics(ctx context.Context, m *RequestMetrics) context.Context {
	return context.WithValue(ctx, metricsKey{}, m)
}

// MetricsFromContext returns the request metrics attached by the logging
// middleware, or nil.
func MetricsFromContext(ctx context.Context) *RequestMetrics {
	m, _ := ctx.Value(metricsKey{}).(*RequestMetrics)
	return m
}
