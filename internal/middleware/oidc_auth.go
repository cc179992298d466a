package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"dynrest/internal/logging"
	"dynrest/internal/observability"
	"dynrest/internal/permission"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

const defaultClockSkew = 2 * time.Minute

// OIDCAuthConfig controls OIDC/JWKS validation behavior.
type OIDCAuthConfig struct {
	Enabled       bool
	IssuerURL     string
	Audience      string
	ClockSkew     time.Duration
	SkipTLSVerify bool
	CAFile        string
	Claims        ClaimMapping
}

type authContextKey struct{}

// AuthContext carries validated JWT claims.
type AuthContext struct {
	Subject  string
	Issuer   string
	Audience []string
	Claims   map[string]any
}

// AuthFromContext returns the auth context from a request context.
func AuthFromContext(ctx context.Context) (AuthContext, bool) {
	auth, ok := ctx.Value(authContextKey{}).(AuthContext)
	return auth, ok
}

// authFailure is a rejected request: reason labels metrics and logs, message
// is what the client sees.
type authFailure struct {
	reason  string
	message string
	err     error
}

// authenticator verifies bearer tokens against one issuer.
type authenticator struct {
	issuer   string
	skew     time.Duration
	mapping  ClaimMapping
	verifier *oidc.IDTokenVerifier
	metrics  *observability.SecurityMetrics
}

// OIDCAuthMiddleware validates Bearer tokens when enabled and attaches the
// caller's permission identity. Requests pass through anonymously when it is
// disabled. A nil securityMetrics disables security monitoring.
func OIDCAuthMiddleware(cfg OIDCAuthConfig, logger *logging.Logger, securityMetrics ...*observability.SecurityMetrics) (func(http.Handler) http.Handler, error) {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }, nil
	}
	a, err := newAuthenticator(cfg, logger)
	if err != nil {
		return nil, err
	}
	if len(securityMetrics) > 0 {
		a.metrics = securityMetrics[0]
	}
	return a.middleware, nil
}

func newAuthenticator(cfg OIDCAuthConfig, logger *logging.Logger) (*authenticator, error) {
	if cfg.IssuerURL == "" || cfg.Audience == "" {
		return nil, errors.New("oidc auth enabled but issuer/audience not configured")
	}
	issuerURL, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid oidc issuer url: %w", err)
	}
	if issuerURL.Scheme != "https" {
		return nil, errors.New("oidc issuer url must use https")
	}
	if logger != nil && cfg.SkipTLSVerify {
		logger.Warn("oidc tls verification is disabled; enable only for local development",
			slog.String("issuer", cfg.IssuerURL))
	}

	httpClient, err := newOIDCHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(context.WithValue(context.Background(), oauth2.HTTPClient, httpClient), cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize oidc provider: %w", err)
	}

	skew := cfg.ClockSkew
	if skew == 0 {
		skew = defaultClockSkew
	}
	return &authenticator{
		issuer:  cfg.IssuerURL,
		skew:    skew,
		mapping: cfg.Claims.withDefaults(),
		// Expiry is checked by checkTimes so the configured skew applies.
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.Audience, SkipExpiryCheck: true}),
	}, nil
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		endpoint := r.URL.Path
		if a.metrics != nil {
			a.metrics.RecordAuthAttempt(ctx, endpoint)
		}

		auth, identity, failure := a.authenticate(ctx, r.Header.Get("Authorization"))
		if failure != nil {
			a.reject(w, r, failure)
			return
		}

		if a.metrics != nil {
			a.metrics.RecordAuthSuccess(ctx, endpoint, a.issuer)
			if identity.Superuser {
				a.metrics.RecordSuperuserRequest(ctx, endpoint)
			}
		}
		logging.FromContext(ctx).Debug("authentication successful",
			slog.String("subject", identity.Subject),
			slog.Bool("superuser", identity.Superuser),
		)
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(
				attribute.String("auth.subject", identity.Subject),
				attribute.String("auth.issuer", a.issuer),
				attribute.Bool("auth.authenticated", true),
				attribute.Bool("auth.superuser", identity.Superuser),
				attribute.StringSlice("auth.audience", auth.Audience),
			)
		}

		ctx = context.WithValue(ctx, authContextKey{}, auth)
		ctx = permission.WithIdentity(ctx, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate verifies the Authorization header value and maps its claims
// onto an identity.
func (a *authenticator) authenticate(ctx context.Context, header string) (AuthContext, permission.Identity, *authFailure) {
	raw := bearerToken(header)
	if raw == "" {
		return AuthContext{}, permission.Identity{}, &authFailure{"missing_token", "missing bearer token", nil}
	}
	token, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		return AuthContext{}, permission.Identity{}, &authFailure{"token_verification_failed", "invalid token", err}
	}
	claims := map[string]any{}
	if err := token.Claims(&claims); err != nil {
		return AuthContext{}, permission.Identity{}, &authFailure{"claims_parse_failed", "invalid token claims", err}
	}
	if err := checkTimes(token.Expiry, claims["nbf"], a.skew, time.Now()); err != nil {
		return AuthContext{}, permission.Identity{}, &authFailure{"time_validation_failed", "invalid token", err}
	}

	identity := IdentityFromClaims(claims, a.mapping)
	if identity.ID == nil {
		err := fmt.Errorf("claim %q is missing", a.mapping.Identity)
		return AuthContext{}, permission.Identity{}, &authFailure{"missing_identity_claim", "invalid token claims", err}
	}
	auth := AuthContext{
		Subject:  token.Subject,
		Issuer:   token.Issuer,
		Audience: token.Audience,
		Claims:   claims,
	}
	return auth, identity, nil
}

func (a *authenticator) reject(w http.ResponseWriter, r *http.Request, f *authFailure) {
	if a.metrics != nil {
		a.metrics.RecordAuthFailure(r.Context(), r.URL.Path, f.reason)
	}
	fields := []any{
		slog.String("reason", f.reason),
		slog.String("remote_addr", r.RemoteAddr),
	}
	if f.err != nil {
		fields = append(fields, slog.String("error", f.err.Error()))
	}
	logging.FromContext(r.Context()).Warn("authentication failed", fields...)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": f.message})
}

// newOIDCHTTPClient returns the client used for discovery and JWKS fetches.
// CAFile extends the system roots.
func newOIDCHTTPClient(cfg OIDCAuthConfig) (*http.Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.SkipTLSVerify} //nolint:gosec // opt-in for local development
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read oidc ca file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("oidc ca file %s holds no certificates", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
		Timeout:   10 * time.Second,
	}, nil
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// checkTimes applies skew to the token's expiry and optional nbf claim.
func checkTimes(expiry time.Time, nbf any, skew time.Duration, now time.Time) error {
	if !expiry.IsZero() && now.After(expiry.Add(skew)) {
		return errors.New("token expired")
	}
	if notBefore, ok := numericDate(nbf); ok && now.Add(skew).Before(notBefore) {
		return errors.New("token not valid yet")
	}
	return nil
}

func numericDate(value any) (time.Time, bool) {
	switch v := value.(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.Unix(n, 0), true
		}
	}
	return time.Time{}, false
}
