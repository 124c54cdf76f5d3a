package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// StateStoreConfig selects and configures the state store backend (C1).
type StateStoreConfig struct {
	Backend     string `json:"backend"`      // "sqlite", "dynamodb", or "postgres"
	SQLitePath  string `json:"sqlite_path"`  // embedded backend database file
	DynamoTable string `json:"dynamo_table"` // distributed backend table name
	AWSRegion   string `json:"aws_region"`
	PostgresDSN string `json:"postgres_dsn"` // shared-SQL backend connection string
}

// ObjectStoreConfig selects and configures the large-payload spillover
// backend shared by state store implementations.
type ObjectStoreConfig struct {
	Backend   string `json:"backend"` // "local" or "s3"
	LocalDir  string `json:"local_dir"`
	S3Bucket  string `json:"s3_bucket"`
	AWSRegion string `json:"aws_region"`
}

// PluginHostConfig holds plugin host (C2) resource settings. The daemon uses
// only DefaultMemoryPages, as the engine-wide memory ceiling.
// DefaultFuelLimit and DefaultExecutionDeadline are loaded but not applied:
// an instance whose SecurityConfig leaves fuel or deadline unset gets
// domain.DefaultFuelLimit or domain.DefaultExecutionDeadline instead.
type PluginHostConfig struct {
	DefaultMemoryPages      uint32        `json:"default_memory_pages"`
	DefaultFuelLimit        uint64        `json:"default_fuel_limit"`
	DefaultExecutionDeadline time.Duration `json:"default_execution_deadline"`
}

// EventSinkConfig configures the event sink manager (C3).
type EventSinkConfig struct {
	RegistrationDBPath string `json:"registration_db_path"`
	WebhookListenAddr  string `json:"webhook_listen_addr"`
}

// DispatcherConfig configures the job dispatcher's polyglot backends (C4).
// A backend is only registered at startup when its configuration fields are
// non-empty, so a deployment pays no cost for backends it doesn't use.
type DispatcherConfig struct {
	HTTPTimeout          time.Duration `json:"http_timeout"`
	HTTPExecutorURL      string        `json:"http_executor_url"`
	HTTPSSEExecutorURL   string        `json:"http_sse_executor_url"`
	LambdaRegion         string        `json:"lambda_region"`
	LambdaInvokeFunction string        `json:"lambda_invoke_function"`
	LambdaStreamFunction string        `json:"lambda_stream_function"`
	KubernetesNamespace  string        `json:"kubernetes_namespace"`
	KubernetesJobImage   string        `json:"kubernetes_job_image"`
	SQSQueueURL          string        `json:"sqs_queue_url"`
	SQSRegion            string        `json:"sqs_region"`
	KafkaRestProxyURL    string        `json:"kafka_rest_proxy_url"`
	KafkaTopic           string        `json:"kafka_topic"`
	RedisAddr            string        `json:"redis_addr"`
	RedisPassword        string        `json:"redis_password"`
	RedisDB              int           `json:"redis_db"`

	BreakerErrorPct       float64       `json:"breaker_error_pct"`
	BreakerWindow         time.Duration `json:"breaker_window"`
	BreakerOpenDuration   time.Duration `json:"breaker_open_duration"`
	BreakerHalfOpenProbes int           `json:"breaker_half_open_probes"`
}

// DaemonConfig holds process-level settings.
type DaemonConfig struct {
	HTTPAddr string `json:"http_addr"`
	LogLevel string `json:"log_level"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"`     // otlp-http, stdout
	Endpoint    string  `json:"endpoint"`     // localhost:4318
	ServiceName string  `json:"service_name"` // flow-like-substrate
	SampleRate  float64 `json:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled"`
	Namespace        string    `json:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level          string `json:"level"`
	Format         string `json:"format"` // text, json
	IncludeTraceID bool   `json:"include_trace_id"`
}

// ObservabilityConfig groups all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// SecretsConfig holds settings for encrypting at-rest credentials such as
// a registration's personal_access_token.
type SecretsConfig struct {
	Enabled       bool   `json:"enabled"`
	MasterKey     string `json:"master_key"`      // hex-encoded 256-bit key
	MasterKeyFile string `json:"master_key_file"`
}

// Config is the root configuration for the substrate daemon.
type Config struct {
	Daemon        DaemonConfig        `json:"daemon"`
	Observability ObservabilityConfig `json:"observability"`
	Secrets       SecretsConfig       `json:"secrets"`
	StateStore    StateStoreConfig    `json:"state_store"`
	ObjectStore   ObjectStoreConfig   `json:"object_store"`
	PluginHost    PluginHostConfig    `json:"plugin_host"`
	EventSink     EventSinkConfig     `json:"event_sink"`
	Dispatcher    DispatcherConfig    `json:"dispatcher"`
}

// DefaultConfig returns a Config with sensible defaults for local/embedded
// operation: SQLite state store, local-filesystem object store.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			HTTPAddr: ":8787",
			LogLevel: "info",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "flow-like-substrate",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "flow_like_substrate",
				HistogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			Logging: LoggingConfig{
				Level:          "info",
				Format:         "text",
				IncludeTraceID: true,
			},
		},
		Secrets: SecretsConfig{
			Enabled: false,
		},
		StateStore: StateStoreConfig{
			Backend:    "sqlite",
			SQLitePath: "/var/lib/flow-like-substrate/state.db",
		},
		ObjectStore: ObjectStoreConfig{
			Backend:  "local",
			LocalDir: "/var/lib/flow-like-substrate/blobs",
		},
		PluginHost: PluginHostConfig{
			DefaultMemoryPages:       256,
			DefaultFuelLimit:         10_000_000,
			DefaultExecutionDeadline: 30 * time.Second,
		},
		EventSink: EventSinkConfig{
			RegistrationDBPath: "/var/lib/flow-like-substrate/registrations.db",
			WebhookListenAddr:  ":8788",
		},
		Dispatcher: DispatcherConfig{
			HTTPTimeout:           30 * time.Second,
			KubernetesNamespace:   "default",
			BreakerErrorPct:       50,
			BreakerWindow:         time.Minute,
			BreakerOpenDuration:   30 * time.Second,
			BreakerHalfOpenProbes: 1,
		},
	}
}

// LoadFromFile loads configuration from a JSON file, applied on top of
// DefaultConfig.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FLOWLIKE_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("FLOWLIKE_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}

	if v := os.Getenv("FLOWLIKE_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("FLOWLIKE_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("FLOWLIKE_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("FLOWLIKE_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("FLOWLIKE_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("FLOWLIKE_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}

	if v := os.Getenv("FLOWLIKE_SECRETS_ENABLED"); v != "" {
		cfg.Secrets.Enabled = parseBool(v)
	}
	if v := os.Getenv("FLOWLIKE_MASTER_KEY"); v != "" {
		cfg.Secrets.MasterKey = v
		cfg.Secrets.Enabled = true
	}
	if v := os.Getenv("FLOWLIKE_MASTER_KEY_FILE"); v != "" {
		cfg.Secrets.MasterKeyFile = v
	}

	if v := os.Getenv("FLOWLIKE_STATE_STORE_BACKEND"); v != "" {
		cfg.StateStore.Backend = v
	}
	if v := os.Getenv("FLOWLIKE_STATE_STORE_SQLITE_PATH"); v != "" {
		cfg.StateStore.SQLitePath = v
	}
	if v := os.Getenv("FLOWLIKE_STATE_STORE_DYNAMO_TABLE"); v != "" {
		cfg.StateStore.DynamoTable = v
	}
	if v := os.Getenv("FLOWLIKE_STATE_STORE_AWS_REGION"); v != "" {
		cfg.StateStore.AWSRegion = v
	}
	if v := os.Getenv("FLOWLIKE_STATE_STORE_POSTGRES_DSN"); v != "" {
		cfg.StateStore.PostgresDSN = v
	}

	if v := os.Getenv("FLOWLIKE_OBJECT_STORE_BACKEND"); v != "" {
		cfg.ObjectStore.Backend = v
	}
	if v := os.Getenv("FLOWLIKE_OBJECT_STORE_LOCAL_DIR"); v != "" {
		cfg.ObjectStore.LocalDir = v
	}
	if v := os.Getenv("FLOWLIKE_OBJECT_STORE_S3_BUCKET"); v != "" {
		cfg.ObjectStore.S3Bucket = v
	}
	if v := os.Getenv("FLOWLIKE_OBJECT_STORE_AWS_REGION"); v != "" {
		cfg.ObjectStore.AWSRegion = v
	}

	if v := os.Getenv("FLOWLIKE_PLUGIN_HOST_MEMORY_PAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PluginHost.DefaultMemoryPages = uint32(n)
		}
	}
	if v := os.Getenv("FLOWLIKE_PLUGIN_HOST_FUEL_LIMIT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.PluginHost.DefaultFuelLimit = n
		}
	}
	if v := os.Getenv("FLOWLIKE_PLUGIN_HOST_EXECUTION_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PluginHost.DefaultExecutionDeadline = d
		}
	}

	if v := os.Getenv("FLOWLIKE_EVENT_SINK_DB_PATH"); v != "" {
		cfg.EventSink.RegistrationDBPath = v
	}
	if v := os.Getenv("FLOWLIKE_EVENT_SINK_WEBHOOK_ADDR"); v != "" {
		cfg.EventSink.WebhookListenAddr = v
	}

	if v := os.Getenv("FLOWLIKE_DISPATCHER_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatcher.HTTPTimeout = d
		}
	}
	if v := os.Getenv("FLOWLIKE_DISPATCHER_LAMBDA_REGION"); v != "" {
		cfg.Dispatcher.LambdaRegion = v
	}
	if v := os.Getenv("FLOWLIKE_DISPATCHER_KUBERNETES_NAMESPACE"); v != "" {
		cfg.Dispatcher.KubernetesNamespace = v
	}
	if v := os.Getenv("FLOWLIKE_DISPATCHER_SQS_QUEUE_URL"); v != "" {
		cfg.Dispatcher.SQSQueueURL = v
	}
	if v := os.Getenv("FLOWLIKE_DISPATCHER_SQS_REGION"); v != "" {
		cfg.Dispatcher.SQSRegion = v
	}
	if v := os.Getenv("FLOWLIKE_DISPATCHER_KAFKA_REST_PROXY_URL"); v != "" {
		cfg.Dispatcher.KafkaRestProxyURL = v
	}
	if v := os.Getenv("FLOWLIKE_DISPATCHER_REDIS_ADDR"); v != "" {
		cfg.Dispatcher.RedisAddr = v
	}
	if v := os.Getenv("FLOWLIKE_DISPATCHER_REDIS_PASSWORD"); v != "" {
		cfg.Dispatcher.RedisPassword = v
	}
	if v := os.Getenv("FLOWLIKE_DISPATCHER_HTTP_EXECUTOR_URL"); v != "" {
		cfg.Dispatcher.HTTPExecutorURL = v
	}
	if v := os.Getenv("FLOWLIKE_DISPATCHER_HTTP_SSE_EXECUTOR_URL"); v != "" {
		cfg.Dispatcher.HTTPSSEExecutorURL = v
	}
	if v := os.Getenv("FLOWLIKE_DISPATCHER_LAMBDA_INVOKE_FUNCTION"); v != "" {
		cfg.Dispatcher.LambdaInvokeFunction = v
	}
	if v := os.Getenv("FLOWLIKE_DISPATCHER_LAMBDA_STREAM_FUNCTION"); v != "" {
		cfg.Dispatcher.LambdaStreamFunction = v
	}
	if v := os.Getenv("FLOWLIKE_DISPATCHER_KUBERNETES_JOB_IMAGE"); v != "" {
		cfg.Dispatcher.KubernetesJobImage = v
	}
	if v := os.Getenv("FLOWLIKE_DISPATCHER_KAFKA_TOPIC"); v != "" {
		cfg.Dispatcher.KafkaTopic = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
