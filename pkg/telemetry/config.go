package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config holds logging, tracing and metrics settings.
type Config struct {
	ServiceName    string `yaml:"service_name" json:"service_name" validate:"required"`
	ServiceVersion string `yaml:"service_version" json:"service_version" validate:"required"`
	Environment    string `yaml:"environment" json:"environment"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Events  EventsConfig  `yaml:"events" json:"events"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" json:"format" validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string `yaml:"output" json:"output"`

	EnableCaller bool `yaml:"enable_caller" json:"enable_caller"`

	// EnableSampling keeps SamplingInitial messages per second, then every
	// SamplingThereafter-th.
	EnableSampling     bool `yaml:"enable_sampling" json:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial" json:"sampling_initial" validate:"gte=0"`
	SamplingThereafter int  `yaml:"sampling_thereafter" json:"sampling_thereafter" validate:"gte=0"`

	// TimeFormat is rfc3339, unix or unixms.
	TimeFormat string `yaml:"time_format" json:"time_format" validate:"omitempty,oneof=rfc3339 unix unixms"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Exporter is otlp, stdout or none.
	Exporter string `yaml:"exporter" json:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC endpoint, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	SamplingRate       float64           `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
	MaxExportBatchSize int               `yaml:"max_export_batch_size" json:"max_export_batch_size" validate:"gte=0"`
	ExportTimeout      time.Duration     `yaml:"export_timeout" json:"export_timeout" validate:"gte=0"`
	Headers            map[string]string `yaml:"headers" json:"headers,omitempty"`
	Insecure           bool              `yaml:"insecure" json:"insecure"`
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	ListenAddress string `yaml:"listen_address" json:"listen_address" validate:"required_if=Enabled true"`
	Path          string `yaml:"path" json:"path"`
	Namespace     string `yaml:"namespace" json:"namespace"`

	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"buckets" json:"buckets,omitempty"`
}

// DefaultEventBufferSize is the async event queue length used when none is set.
const DefaultEventBufferSize = 256

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// EnableAsync queues events for a background goroutine instead of
	// delivering them on the publishing goroutine.
	EnableAsync bool `yaml:"async" json:"async"`
	BufferSize  int  `yaml:"buffer_size" json:"buffer_size" validate:"gte=0"`
}

// DefaultConfig returns console logging at info, tracing off, metrics on :9090
// and synchronous events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "kindle",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "kindle",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: DefaultEventBufferSize,
		},
	}
}

// Validate checks field constraints and the exporter settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if !c.Tracing.Enabled {
		return nil
	}
	switch {
	case c.Tracing.Exporter == "":
		return errors.New("tracing enabled without an exporter")
	case c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "":
		return fmt.Errorf("otlp exporter requires an endpoint")
	}
	return nil
}
