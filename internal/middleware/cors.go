package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig configures Cross-Origin Resource Sharing (CORS) policies.
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int
}

// Defaults applied when the corresponding list is empty. They cover the
// entity routes: reads, creates, partial updates and deletes.
var (
	DefaultCORSMethods       = []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}
	DefaultCORSHeaders       = []string{"Authorization", "Content-Type", RequestIDHeader}
	DefaultCORSExposeHeaders = []string{RequestIDHeader}
)

// corsPolicy is a CORSConfig with its header values rendered once.
type corsPolicy struct {
	anyOrigin   bool
	origins     map[string]bool
	credentials bool

	// Empty values are not written.
	methods string
	headers string
	expose  string
	maxAge  string
}

func newCORSPolicy(cfg CORSConfig) *corsPolicy {
	p := &corsPolicy{
		origins:     make(map[string]bool, len(cfg.AllowedOrigins)),
		methods:     strings.Join(orDefault(cfg.AllowedMethods, DefaultCORSMethods), ", "),
		headers:     strings.Join(orDefault(cfg.AllowedHeaders, DefaultCORSHeaders), ", "),
		expose:      strings.Join(orDefault(cfg.ExposeHeaders, DefaultCORSExposeHeaders), ", "),
		credentials: cfg.AllowCredentials,
	}
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAge)
	}
	for _, origin := range cfg.AllowedOrigins {
		switch origin = strings.TrimSpace(origin); origin {
		case "":
		case "*":
			p.anyOrigin = true
		default:
			p.origins[origin] = true
		}
	}
	return p
}

func orDefault(values, fallback []string) []string {
	if len(values) == 0 {
		return fallback
	}
	return values
}

// allow writes the response headers granted to origin and reports whether it
// is allowed at all.
func (p *corsPolicy) allow(h http.Header, origin string) bool {
	switch {
	case p.anyOrigin:
		// Credentials are never granted to a wildcard origin.
		h.Set("Access-Control-Allow-Origin", "*")
	case p.origins[origin]:
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		if p.credentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
	default:
		return false
	}
	setIfNotEmpty(h, "Access-Control-Expose-Headers", p.expose)
	return true
}

func (p *corsPolicy) preflight(h http.Header) {
	setIfNotEmpty(h, "Access-Control-Allow-Methods", p.methods)
	setIfNotEmpty(h, "Access-Control-Allow-Headers", p.headers)
	setIfNotEmpty(h, "Access-Control-Max-Age", p.maxAge)
}

func setIfNotEmpty(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

// CORSMiddleware adds CORS headers and answers preflight requests itself.
// Requests without an Origin header pass through untouched.
func CORSMiddleware(cfg CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed := policy.allow(w.Header(), origin)
			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if allowed {
				policy.preflight(w.Header())
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
