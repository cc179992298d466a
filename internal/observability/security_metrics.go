package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SecurityMetrics counts authentication outcomes and permission denials.
// A nil *SecurityMetrics records nothing.
type SecurityMetrics struct {
	authAttempts      metric.Int64Counter
	authFailures      metric.Int64Counter
	authSuccesses     metric.Int64Counter
	superuserRequests metric.Int64Counter
	permissionDenials metric.Int64Counter
}

func InitSecurityMetrics() (*SecurityMetrics, error) {
	meter := otel.Meter("dynrest/security")
	m := &SecurityMetrics{}
	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
	}{
		{&m.authAttempts, "security.auth.attempts.total", "Bearer tokens presented for verification"},
		{&m.authFailures, "security.auth.failures.total", "Bearer tokens rejected, by reason"},
		{&m.authSuccesses, "security.auth.successes.total", "Bearer tokens accepted, by issuer"},
		{&m.superuserRequests, "security.superuser.requests.total", "Requests that bypass entity permissions"},
		{&m.permissionDenials, "security.permission.denials.total", "Requests refused by an entity permission"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description))
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

func count(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *SecurityMetrics) RecordAuthAttempt(ctx context.Context, endpoint string) {
	if m != nil {
		count(ctx, m.authAttempts, attribute.String("endpoint", endpoint))
	}
}

// RecordAuthFailure counts a rejected token. reason is a short fixed code
// such as "missing_token" or "expired".
func (m *SecurityMetrics) RecordAuthFailure(ctx context.Context, endpoint, reason string) {
	if m != nil {
		count(ctx, m.authFailures, attribute.String("endpoint", endpoint), attribute.String("reason", reason))
	}
}

func (m *SecurityMetrics) RecordAuthSuccess(ctx context.Context, endpoint, issuer string) {
	if m != nil {
		count(ctx, m.authSuccesses, attribute.String("endpoint", endpoint), attribute.String("issuer", issuer))
	}
}

func (m *SecurityMetrics) RecordSuperuserRequest(ctx context.Context, endpoint string) {
	if m != nil {
		count(ctx, m.superuserRequests, attribute.String("endpoint", endpoint))
	}
}

// RecordPermissionDenied counts a request refused by the permission on
// entity.
func (m *SecurityMetrics) RecordPermissionDenied(ctx context.Context, entity, method string) {
	if m != nil {
		count(ctx, m.permissionDenials, attribute.String("entity", entity), attribute.String("method", method))
	}
}
