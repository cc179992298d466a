package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORSMiddleware(t *testing.T) {
	localhost := "http://localhost:3000"
	tests := []struct {
		name    string
		cfg     CORSConfig
		method  string
		origin  string
		status  int
		headers map[string]string
	}{
		{
			name:    "disabled leaves responses alone",
			cfg:     CORSConfig{AllowedOrigins: []string{localhost}},
			method:  http.MethodGet,
			origin:  localhost,
			status:  http.StatusOK,
			headers: map[string]string{"Access-Control-Allow-Origin": ""},
		},
		{
			name:   "listed origin is echoed",
			cfg:    CORSConfig{Enabled: true, AllowedOrigins: []string{localhost}},
			method: http.MethodGet,
			origin: localhost,
			status: http.StatusOK,
			headers: map[string]string{
				"Access-Control-Allow-Origin":   localhost,
				"Vary":                          "Origin",
				"Access-Control-Expose-Headers": RequestIDHeader,
			},
		},
		{
			name:    "unlisted origin gets nothing",
			cfg:     CORSConfig{Enabled: true, AllowedOrigins: []string{localhost}},
			method:  http.MethodGet,
			origin:  "http://evil.example",
			status:  http.StatusOK,
			headers: map[string]string{"Access-Control-Allow-Origin": ""},
		},
		{
			name:    "request without origin passes through",
			cfg:     CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}},
			method:  http.MethodGet,
			status:  http.StatusOK,
			headers: map[string]string{"Access-Control-Allow-Origin": ""},
		},
		{
			name:    "wildcard never varies or grants credentials",
			cfg:     CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}, AllowCredentials: true},
			method:  http.MethodGet,
			origin:  localhost,
			status:  http.StatusOK,
			headers: map[string]string{"Access-Control-Allow-Origin": "*", "Vary": "", "Access-Control-Allow-Credentials": ""},
		},
		{
			name:    "credentials for listed origin",
			cfg:     CORSConfig{Enabled: true, AllowedOrigins: []string{localhost}, AllowCredentials: true},
			method:  http.MethodGet,
			origin:  localhost,
			status:  http.StatusOK,
			headers: map[string]string{"Access-Control-Allow-Credentials": "true"},
		},
		{
			name: "custom expose headers",
			cfg: CORSConfig{Enabled: true, AllowedOrigins: []string{localhost},
				ExposeHeaders: []string{RequestIDHeader, "X-Custom-Header"}},
			method:  http.MethodPatch,
			origin:  localhost,
			status:  http.StatusOK,
			headers: map[string]string{"Access-Control-Expose-Headers": "X-Request-ID, X-Custom-Header"},
		},
		{
			name: "preflight uses configured lists",
			cfg: CORSConfig{Enabled: true, AllowedOrigins: []string{localhost}, MaxAge: 3600,
				AllowedMethods: []string{"GET", "POST", "OPTIONS"}, AllowedHeaders: []string{"Content-Type", "Authorization"}},
			method: http.MethodOptions,
			origin: localhost,
			status: http.StatusNoContent,
			headers: map[string]string{
				"Access-Control-Allow-Origin":  localhost,
				"Access-Control-Allow-Methods": "GET, POST, OPTIONS",
				"Access-Control-Allow-Headers": "Content-Type, Authorization",
				"Access-Control-Max-Age":       "3600",
			},
		},
		{
			name:   "preflight defaults cover entity routes",
			cfg:    CORSConfig{Enabled: true, AllowedOrigins: []string{localhost}},
			method: http.MethodOptions,
			origin: localhost,
			status: http.StatusNoContent,
			headers: map[string]string{
				"Access-Control-Allow-Methods": "GET, POST, PATCH, DELETE, OPTIONS",
				"Access-Control-Allow-Headers": "Authorization, Content-Type, X-Request-ID",
				"Access-Control-Max-Age":       "",
			},
		},
		{
			name:    "disallowed preflight is answered without grants",
			cfg:     CORSConfig{Enabled: true, AllowedOrigins: []string{localhost}},
			method:  http.MethodOptions,
			origin:  "http://evil.example",
			status:  http.StatusNoContent,
			headers: map[string]string{"Access-Control-Allow-Origin": "", "Access-Control-Allow-Methods": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := CORSMiddleware(tt.cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(tt.method, "/users", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			for header, want := range tt.headers {
				assert.Equal(t, want, rec.Header().Get(header), header)
			}
		})
	}
}
