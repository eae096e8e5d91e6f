package config

import "time"

// Config represents the complete gateway configuration document.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Admin   AdminConfig   `yaml:"admin"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Proxy   ProxyConfig   `yaml:"proxy"`

	// Filters declares every named filter. Scopes reference them by name.
	Filters []FilterConfig `yaml:"filters"`

	// Global scope attachments.
	Prefilters  []string `yaml:"prefilters"`
	Postfilters []string `yaml:"postfilters"`

	Providers []ProviderConfig `yaml:"providers"`
	Consumers []ConsumerConfig `yaml:"consumers"`
	Overrides []OverrideConfig `yaml:"overrides"`
}

// ServerConfig defines the data-plane listener.
type ServerConfig struct {
	Address         string          `yaml:"address"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	MaxHeaderBytes  int             `yaml:"max_header_bytes"`
	RequestID       RequestIDConfig `yaml:"request_id"`
}

// RequestIDConfig controls correlation ids on inbound requests.
type RequestIDConfig struct {
	TrustInbound bool `yaml:"trust_inbound"`
	MaxLength    int  `yaml:"max_length"`
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames (default false)
}

// TracingConfig defines OpenTelemetry export settings.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// ProxyConfig tunes the outbound transport used to reach provider targets.
type ProxyConfig struct {
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
	DisableCompression    bool          `yaml:"disable_compression"`
}

// FilterConfig is a filter descriptor: a named instance of a filter module.
type FilterConfig struct {
	Name        string         `yaml:"name"`
	Module      string         `yaml:"module"`
	Description string         `yaml:"description"`
	Config      map[string]any `yaml:"config"`
}

// ProviderConfig declares a backend reachable under a context path.
type ProviderConfig struct {
	ID          string           `yaml:"id"`
	Context     string           `yaml:"context"`
	Target      string           `yaml:"target"`
	Prefilters  []string         `yaml:"prefilters"`
	Postfilters []string         `yaml:"postfilters"`
	Resources   []ResourceConfig `yaml:"resources"`
}

// ResourceConfig declares a sub-path of a provider with its own filters.
type ResourceConfig struct {
	ID          string   `yaml:"id"`
	Path        string   `yaml:"path"`
	Prefilters  []string `yaml:"prefilters"`
	Postfilters []string `yaml:"postfilters"`
}

// ConsumerConfig declares an API caller identity.
type ConsumerConfig struct {
	ID     string `yaml:"id"`
	Key    string `yaml:"key" redact:"true"`
	Secret string `yaml:"secret" redact:"true"`
}

// OverrideConfig replaces or augments a filter's config for one consumer.
type OverrideConfig struct {
	Filter   string         `yaml:"filter"`
	Consumer string         `yaml:"consumer"`
	Config   map[string]any `yaml:"config"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxHeaderBytes:  1 << 20,
			RequestID:       RequestIDConfig{TrustInbound: true, MaxLength: 128},
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":8081",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "portico",
			SampleRate:  1.0,
			Insecure:    true,
		},
		Proxy: DefaultProxyConfig(),
	}
}

// DefaultProxyConfig returns the transport defaults.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		DialTimeout:           10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}
}

// Filter returns the descriptor with the given name.
func (c *Config) Filter(name string) (FilterConfig, bool) {
	for _, f := range c.Filters {
		if f.Name == name {
			return f, true
		}
	}
	return FilterConfig{}, false
}
