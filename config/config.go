// Package config loads the pipeline configuration from the environment.
//
// Environment variables:
//
//	SERVICE_NAME              - default service label (default: "widelog")
//	ENVIRONMENT               - "production" omits stack traces from error meta
//	API_BASE_PATH             - optional prefix applied by the route normalizer
//	LOG_SAMPLING_NORMAL_RATE  - normal sampling probability (default: 0.01)
//	LOG_SLOW_THRESHOLD_MS     - slow request retention threshold (default: 2000)
//	LOG_CRITICAL_ROUTES       - comma-separated canonical routes retained at 100%
//	LOG_BATCH_SIZE            - direct writer batch size (default: 50)
//	LOG_FLUSH_INTERVAL_MS     - direct writer flush interval (default: 1000)
//	LOG_FINALIZED_CACHE_SIZE  - dedup LRU capacity (default: 2000)
//	LOG_MAX_PENDING_FINALIZES - backpressure cap (default: 500)
//	MQ_ENABLED                - enable the message bus leg (default: false)
//	MQ_BROKER_ADDRESS         - broker host:port (default: "localhost:6379")
//	MQ_LOG_TOPIC              - bus stream name (default: "log-events")
//	MQ_CONSUMER_GROUP         - consumer group (default: "widelog-consumer")
//	MQ_BATCH_SIZE             - consumer batch size (default: 100)
//	MQ_BATCH_TIMEOUT_MS       - consumer batch timeout (default: 1000)
//	STORAGE_TYPE              - file | primary_store | bus (default: primary_store)
//	MONGO_URL                 - Mongo connection string (default: "mongodb://localhost:27017")
//	MONGO_DATABASE            - Mongo database name (default: "widelog")
//	WIDELOG_CONFIG            - optional YAML file overriding list settings
//
// The YAML file recognizes critical_routes, redact_paths, and
// redaction_token; file values replace the corresponding environment values
// so fleets can ship route lists without rebuilding environment manifests.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage types selecting the sink wiring.
const (
	StorageFile         = "file"
	StoragePrimaryStore = "primary_store"
	StorageBus          = "bus"
)

type (
	// Config is the assembled pipeline configuration.
	Config struct {
		ServiceName string
		Environment string
		BasePath    string

		SamplingNormalRate float64
		SlowThreshold      time.Duration
		CriticalRoutes     []string
		RedactPaths        []string
		RedactionToken     string

		BatchSize          int
		FlushInterval      time.Duration
		FinalizedCacheSize int
		MaxPendingFinal    int

		MQEnabled      bool
		MQBrokerAddr   string
		MQTopic        string
		MQGroup        string
		MQBatchSize    int
		MQBatchTimeout time.Duration

		StorageType   string
		MongoURL      string
		MongoDatabase string
	}

	// fileOverrides is the WIDELOG_CONFIG YAML shape.
	fileOverrides struct {
		CriticalRoutes []string `yaml:"critical_routes"`
		RedactPaths    []string `yaml:"redact_paths"`
		RedactionToken string   `yaml:"redaction_token"`
	}
)

// Load assembles the configuration from the environment and the optional
// override file.
func Load() (Config, error) {
	cfg := Config{
		ServiceName: envOr("SERVICE_NAME", "widelog"),
		Environment: envOr("ENVIRONMENT", "development"),
		BasePath:    os.Getenv("API_BASE_PATH"),

		SamplingNormalRate: envFloatOr("LOG_SAMPLING_NORMAL_RATE", 0.01),
		SlowThreshold:      envMillisOr("LOG_SLOW_THRESHOLD_MS", 2000*time.Millisecond),
		CriticalRoutes:     envListOr("LOG_CRITICAL_ROUTES", nil),

		BatchSize:          envIntOr("LOG_BATCH_SIZE", 50),
		FlushInterval:      envMillisOr("LOG_FLUSH_INTERVAL_MS", time.Second),
		FinalizedCacheSize: envIntOr("LOG_FINALIZED_CACHE_SIZE", 2000),
		MaxPendingFinal:    envIntOr("LOG_MAX_PENDING_FINALIZES", 500),

		MQEnabled:      envBoolOr("MQ_ENABLED", false),
		MQBrokerAddr:   envOr("MQ_BROKER_ADDRESS", "localhost:6379"),
		MQTopic:        envOr("MQ_LOG_TOPIC", "log-events"),
		MQGroup:        envOr("MQ_CONSUMER_GROUP", "widelog-consumer"),
		MQBatchSize:    envIntOr("MQ_BATCH_SIZE", 100),
		MQBatchTimeout: envMillisOr("MQ_BATCH_TIMEOUT_MS", time.Second),

		StorageType:   envOr("STORAGE_TYPE", StoragePrimaryStore),
		MongoURL:      envOr("MONGO_URL", "mongodb://localhost:27017"),
		MongoDatabase: envOr("MONGO_DATABASE", "widelog"),
	}
	switch cfg.StorageType {
	case StorageFile, StoragePrimaryStore, StorageBus:
	default:
		return Config{}, fmt.Errorf("invalid STORAGE_TYPE %q", cfg.StorageType)
	}
	if path := os.Getenv("WIDELOG_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Production reports whether the environment is production.
func (c Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var ov fileOverrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if len(ov.CriticalRoutes) > 0 {
		c.CriticalRoutes = ov.CriticalRoutes
	}
	if len(ov.RedactPaths) > 0 {
		c.RedactPaths = ov.RedactPaths
	}
	if ov.RedactionToken != "" {
		c.RedactionToken = ov.RedactionToken
	}
	return nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envFloatOr returns the environment variable as float64 or a default.
func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// envBoolOr returns the environment variable as bool or a default.
func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envMillisOr returns the environment variable, interpreted as a
// millisecond count, as a duration.
func envMillisOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

// envListOr returns the environment variable split on commas.
func envListOr(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
