// Package telemetry provides OpenTelemetry instrumentation for the watcher.
// Metrics are exported over OTLP when enabled; otherwise every instrument is
// a no-op.
package telemetry

import (
	"fmt"
)

const (
	// DefaultServiceName is the default service name for telemetry
	DefaultServiceName = "spoolwatch"

	// DefaultEndpoint is the default OTLP endpoint for telemetry
	DefaultEndpoint = "localhost:4318"
)

// Config represents the telemetry configuration
type Config struct {
	// Enabled controls whether metrics export is enabled; when false no
	// providers are initialized
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this process in exported telemetry.
	// Defaults to "spoolwatch" if not specified.
	ServiceName string `yaml:"service_name,omitempty"`

	// Endpoint is the OTLP collector endpoint, "host:port" for HTTP.
	// Defaults to "localhost:4318" if not specified.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure allows HTTP connections instead of HTTPS.
	// Should only be true for development environments.
	Insecure bool `yaml:"insecure,omitempty"`
}

// GetServiceName returns the service name, using the default if not specified
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetEndpoint returns the endpoint, using the default if not specified
func (c *Config) GetEndpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// Validate validates the telemetry configuration
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil // disabled telemetry needs no further validation
	}

	if c.Endpoint == "" {
		return nil // default endpoint applies
	}

	for _, r := range c.Endpoint {
		if r == ' ' {
			return fmt.Errorf("endpoint must not contain spaces, got %q", c.Endpoint)
		}
	}

	return nil
}
