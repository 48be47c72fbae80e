/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables used to configure the flow engine
	EnvPrefix = "FLOW_ENGINE_"
)

type Config struct {
	FlowEngine           FlowEngine             `koanf:"flow_engine"`
	PolicyConfigurations map[string]interface{} `koanf:"policy_configurations"`
	Reporter             ReporterConfig         `koanf:"reporter"`
	TracingConfig        TracingConfig          `koanf:"tracing"`
}

// FlowEngine holds the engine runtime configuration
type FlowEngine struct {
	Server      ServerConfig      `koanf:"server"`
	Admin       AdminConfig       `koanf:"admin"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Definitions DefinitionsConfig `koanf:"definitions"`
	Logging     LoggingConfig     `koanf:"logging"`
	Condition   ConditionConfig   `koanf:"condition"`

	// RequestTimeout bounds each phase of a request. APIs may override it;
	// zero falls back to the engine default.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// ShutdownTimeout bounds graceful shutdown of the servers
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	TracingServiceName string `koanf:"tracing_service_name"`

	// RawConfig holds the complete raw configuration map, used to resolve
	// $config(...) references in step configurations.
	// Note: No struct tag - populated manually via k.Raw()
	RawConfig map[string]interface{}
}

// ServerConfig holds ext_proc server configuration
type ServerConfig struct {
	// Mode is the connection mode: "uds" (default) or "tcp"
	Mode string `koanf:"mode"`

	// SocketPath is the unix socket path used in UDS mode
	SocketPath string `koanf:"socket_path"`

	// ExtProcPort is the port for the ext_proc gRPC server (TCP mode only)
	ExtProcPort int `koanf:"extproc_port"`
}

// AdminConfig holds admin HTTP server configuration
type AdminConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`

	// AllowedIPs is a list of IP addresses allowed to access the admin API.
	// "*" allows every address.
	AllowedIPs []string `koanf:"allowed_ips"`
}

// MetricsConfig holds Prometheus metrics server configuration
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

// DefinitionsConfig locates the deployed API definitions
type DefinitionsConfig struct {
	// Path is the path to the definitions YAML bundle
	Path string `koanf:"path"`

	// Watch redeploys the bundle whenever the file changes
	Watch bool `koanf:"watch"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Level can be "debug", "info", "warn", "error"
	Level string `koanf:"level"`

	// Format can be "json" or "text"
	Format string `koanf:"format"`
}

// ConditionConfig selects the expression language used by conditions
type ConditionConfig struct {
	// Engine can be "cel" or "expr"
	Engine string `koanf:"engine"`
}

// ReporterConfig holds the request reporting configuration
type ReporterConfig struct {
	Enabled    bool              `koanf:"enabled"`
	QueueSize  int               `koanf:"queue_size"`
	Workers    int               `koanf:"workers"`
	Publishers []PublisherConfig `koanf:"publishers"`
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	Enabled  bool                   `koanf:"enabled"`
	Type     string                 `koanf:"type"`
	Settings map[string]interface{} `koanf:"settings"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled bool `koanf:"enabled"`

	// Endpoint is the OTLP gRPC endpoint (host:port)
	Endpoint string `koanf:"endpoint"`

	// Insecure indicates whether to use an insecure connection (no TLS)
	Insecure bool `koanf:"insecure"`

	ServiceVersion     string        `koanf:"service_version"`
	BatchTimeout       time.Duration `koanf:"batch_timeout"`
	MaxExportBatchSize int           `koanf:"max_export_batch_size"`

	// SamplingRate is the ratio of requests to sample (0.0 to 1.0).
	// 0 or unset samples everything.
	SamplingRate float64 `koanf:"sampling_rate"`
}

// Load loads configuration from file, environment variables, and defaults
// Priority: Environment variables > Config file > Defaults
//
// Duration fields accept Go duration strings (e.g. "10s", "5m").
func Load(configPath string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Double underscores (__) preserve literal underscores in field names
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.FlowEngine.RawConfig = k.Raw()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// envKey maps FLOW_ENGINE_FLOW__ENGINE_LOGGING_LEVEL to flow_engine.logging.level
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

// Default returns the built-in configuration
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		FlowEngine: FlowEngine{
			Server: ServerConfig{
				Mode:        "",
				SocketPath:  "/var/run/flow-engine/extproc.sock",
				ExtProcPort: 9001,
			},
			Admin: AdminConfig{
				Enabled:    true,
				Port:       9002,
				AllowedIPs: []string{"127.0.0.1", "::1"},
			},
			Metrics: MetricsConfig{
				Enabled: false,
				Port:    9003,
			},
			Definitions: DefinitionsConfig{
				Path:  "./configs/apis.yaml",
				Watch: false,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
			Condition: ConditionConfig{
				Engine: "cel",
			},
			RequestTimeout:     30 * time.Second,
			ShutdownTimeout:    10 * time.Second,
			TracingServiceName: "flow-engine",
		},
		Reporter: ReporterConfig{
			Enabled:    true,
			QueueSize:  1024,
			Workers:    1,
			Publishers: []PublisherConfig{},
		},
		TracingConfig: TracingConfig{
			Enabled:            false,
			Endpoint:           "otel-collector:4317",
			Insecure:           true,
			ServiceVersion:     "1.0.0",
			BatchTimeout:       1 * time.Second,
			MaxExportBatchSize: 512,
			SamplingRate:       1.0,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	fe := c.FlowEngine

	switch fe.Server.Mode {
	case "uds", "":
		if fe.Server.SocketPath == "" {
			return fmt.Errorf("server.socket_path is required in uds mode")
		}
	case "tcp":
		if err := validatePort("server.extproc_port", fe.Server.ExtProcPort); err != nil {
			return err
		}
	default:
		return fmt.Errorf("server.mode must be 'uds' or 'tcp', got: %s", fe.Server.Mode)
	}

	if fe.Admin.Enabled {
		if err := validatePort("admin.port", fe.Admin.Port); err != nil {
			return err
		}
		if fe.Server.Mode == "tcp" && fe.Admin.Port == fe.Server.ExtProcPort {
			return fmt.Errorf("admin.port cannot be same as server.extproc_port")
		}
		if len(fe.Admin.AllowedIPs) == 0 {
			return fmt.Errorf("admin.allowed_ips cannot be empty when admin is enabled")
		}
	}

	if fe.Metrics.Enabled {
		if err := validatePort("metrics.port", fe.Metrics.Port); err != nil {
			return err
		}
		if fe.Server.Mode == "tcp" && fe.Metrics.Port == fe.Server.ExtProcPort {
			return fmt.Errorf("metrics.port cannot be same as server.extproc_port")
		}
		if fe.Admin.Enabled && fe.Metrics.Port == fe.Admin.Port {
			return fmt.Errorf("metrics.port cannot be same as admin.port")
		}
	}

	if fe.Definitions.Path == "" {
		return fmt.Errorf("definitions.path is required")
	}

	switch strings.ToLower(fe.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", fe.Logging.Level)
	}
	switch fe.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format: %s (must be 'json' or 'text')", fe.Logging.Format)
	}

	switch fe.Condition.Engine {
	case "cel", "expr":
	default:
		return fmt.Errorf("invalid condition.engine: %s (must be 'cel' or 'expr')", fe.Condition.Engine)
	}

	if fe.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout cannot be negative")
	}

	if c.Reporter.Enabled {
		if c.Reporter.QueueSize <= 0 {
			return fmt.Errorf("reporter.queue_size must be positive")
		}
		if c.Reporter.Workers <= 0 {
			return fmt.Errorf("reporter.workers must be positive")
		}
		for i, p := range c.Reporter.Publishers {
			switch p.Type {
			case "log", "moesif":
			default:
				return fmt.Errorf("reporter.publishers[%d]: unknown type %q", i, p.Type)
			}
		}
	}

	if c.TracingConfig.Enabled {
		if c.TracingConfig.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
		}
		if c.TracingConfig.SamplingRate < 0 || c.TracingConfig.SamplingRate > 1 {
			return fmt.Errorf("tracing.sampling_rate must be between 0 and 1")
		}
	}

	return nil
}

func validatePort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid %s: %d (must be 1-65535)", name, port)
	}
	return nil
}
