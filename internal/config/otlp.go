package config

import (
	"cmp"
	"maps"
	"time"
)

// OTLPConfig holds OTLP exporter configuration
type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	// Protocol is grpc or http/protobuf.
	Protocol          string            `mapstructure:"protocol"`
	Insecure          bool              `mapstructure:"insecure"`
	TLSCertFile       string            `mapstructure:"tls_cert_file"`
	TLSClientCertFile string            `mapstructure:"tls_client_cert_file"`
	TLSClientKeyFile  string            `mapstructure:"tls_client_key_file"`
	Headers           map[string]string `mapstructure:"headers"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	// Compression is none or gzip.
	Compression      string `mapstructure:"compression"`
	RetryEnabled     bool   `mapstructure:"retry_enabled"`
	RetryMaxAttempts int    `mapstructure:"retry_max_attempts"`
}

// GetTracesConfig returns the effective OTLP config for traces
func (c *ObservabilityConfig) GetTracesConfig() OTLPConfig {
	return c.OTLP.overlay(c.Traces)
}

// GetLogsConfig returns the effective OTLP config for logs
func (c *ObservabilityConfig) GetLogsConfig() OTLPConfig {
	return c.OTLP.overlay(c.Logs)
}

// overlay returns base with the set fields of a signal override applied.
// Insecure always follows the override; retry settings move together;
// headers are merged with the override winning.
func (base OTLPConfig) overlay(override *OTLPConfig) OTLPConfig {
	if override == nil {
		return base
	}
	o := *override
	out := OTLPConfig{
		Endpoint:          cmp.Or(o.Endpoint, base.Endpoint),
		Protocol:          cmp.Or(o.Protocol, base.Protocol),
		Insecure:          o.Insecure,
		TLSCertFile:       cmp.Or(o.TLSCertFile, base.TLSCertFile),
		TLSClientCertFile: cmp.Or(o.TLSClientCertFile, base.TLSClientCertFile),
		TLSClientKeyFile:  cmp.Or(o.TLSClientKeyFile, base.TLSClientKeyFile),
		Headers:           base.Headers,
		Timeout:           cmp.Or(o.Timeout, base.Timeout),
		Compression:       cmp.Or(o.Compression, base.Compression),
		RetryEnabled:      base.RetryEnabled,
		RetryMaxAttempts:  base.RetryMaxAttempts,
	}
	if o.Headers != nil {
		out.Headers = maps.Clone(base.Headers)
		if out.Headers == nil {
			out.Headers = map[string]string{}
		}
		maps.Copy(out.Headers, o.Headers)
	}
	if o.RetryMaxAttempts != 0 {
		out.RetryEnabled, out.RetryMaxAttempts = o.RetryEnabled, o.RetryMaxAttempts
	}
	return out
}
