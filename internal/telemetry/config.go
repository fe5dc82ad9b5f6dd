package telemetry

import (
	"fmt"
	"time"
)

const (
	defaultServiceName    = "forgesync"
	defaultSamplingRatio  = 0.1
	defaultExportInterval = 30 * time.Second
)

// Config holds telemetry settings
type Config struct {
	// Enabled turns telemetry export on
	Enabled bool

	// ServiceName identifies this service in exported data
	ServiceName string

	// ServiceVersion is stamped onto exported data
	ServiceVersion string

	// Endpoint is the OTLP HTTP collector endpoint (host:port)
	Endpoint string

	// Insecure disables TLS on the exporter connection
	Insecure bool

	// SamplingRatio is the trace sampling ratio in [0, 1]
	SamplingRatio float64

	// ExportInterval is the metric export period
	ExportInterval time.Duration
}

// GetServiceName returns the service name, applying the default
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return defaultServiceName
	}
	return c.ServiceName
}

// GetSamplingRatio returns the sampling ratio, applying the default
func (c *Config) GetSamplingRatio() float64 {
	if c.SamplingRatio == 0 {
		return defaultSamplingRatio
	}
	return c.SamplingRatio
}

// GetExportInterval returns the export interval, applying the default
func (c *Config) GetExportInterval() time.Duration {
	if c.ExportInterval == 0 {
		return defaultExportInterval
	}
	return c.ExportInterval
}

// Validate checks the configuration for export
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("telemetry endpoint is required when telemetry is enabled")
	}
	if c.SamplingRatio < 0 || c.SamplingRatio > 1 {
		return fmt.Errorf("sampling ratio must be between 0 and 1, got %f", c.SamplingRatio)
	}
	return nil
}
