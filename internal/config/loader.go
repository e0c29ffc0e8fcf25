package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/jittakal/csvexport/internal/config/dto"
	"github.com/jittakal/csvexport/internal/export"
	"github.com/jittakal/csvexport/internal/storage"
)

// Loader handles configuration loading and validation
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Set overrides a configuration key, taking precedence over file and
// environment values. Command line flags use it.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// Load loads configuration from file and environment variables
func (l *Loader) Load(path string) (*dto.ApplicationConfig, error) {
	l.setDefaults()

	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Expand environment variables in config values
	// Only expand if the value contains ${...} pattern
	for _, key := range l.v.AllKeys() {
		value, ok := l.v.Get(key).(string)
		if ok && strings.Contains(value, "${") {
			l.v.Set(key, os.ExpandEnv(value))
		}
	}

	var config dto.ApplicationConfig
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func (l *Loader) setDefaults() {
	// Application defaults
	l.v.SetDefault("application.name", "csvexport")
	l.v.SetDefault("application.version", "1.0.0")
	l.v.SetDefault("application.environment", "development")

	// Source defaults
	l.v.SetDefault("source.type", dto.SourceNDJSON)
	l.v.SetDefault("source.ndjson.path", "-")
	l.v.SetDefault("source.kafka.security_protocol", "PLAINTEXT")
	l.v.SetDefault("source.kafka.consumer.auto_offset_reset", "earliest")
	l.v.SetDefault("source.kafka.consumer.max_poll_interval_ms", 300000)
	l.v.SetDefault("source.kafka.consumer.session_timeout_ms", 30000)
	l.v.SetDefault("source.kafka.consumer.heartbeat_interval_ms", 10000)
	l.v.SetDefault("source.kafka.dlq.enabled", true)
	l.v.SetDefault("source.kafka.dlq.topic_suffix", "-dlq")

	// CSV defaults
	l.v.SetDefault("csv.format", "csv")

	// Destination defaults
	l.v.SetDefault("destination.uri", "-")
	l.v.SetDefault("destination.overwrite", false)
	l.v.SetDefault("destination.dial_timeout_seconds", 10)
	l.v.SetDefault("destination.s3.sse_enabled", true)
	l.v.SetDefault("destination.s3.part_size_mb", 10)
	l.v.SetDefault("destination.s3.concurrency", 5)

	// Rotation defaults (disabled)
	l.v.SetDefault("rotation.max_file_size_mb", 0)
	l.v.SetDefault("rotation.max_rows_per_file", 0)
	l.v.SetDefault("rotation.max_duration_seconds", 0)
	l.v.SetDefault("rotation.strategy", "any")

	// Observability defaults
	l.v.SetDefault("observability.logging.level", "info")
	l.v.SetDefault("observability.logging.format", "json")
	l.v.SetDefault("observability.logging.output", "stderr")
	l.v.SetDefault("observability.metrics.enabled", true)
	l.v.SetDefault("observability.metrics.port", 9090)
	l.v.SetDefault("observability.metrics.path", "/metrics")
	l.v.SetDefault("observability.health.enabled", true)
	l.v.SetDefault("observability.health.port", 8080)
	l.v.SetDefault("observability.health.liveness_path", "/health/live")
	l.v.SetDefault("observability.health.readiness_path", "/health/ready")

	// Shutdown defaults
	l.v.SetDefault("shutdown.grace_period_seconds", 30)
}

// Validate validates the configuration
func (l *Loader) Validate(config *dto.ApplicationConfig) error {
	switch config.Source.Type {
	case dto.SourceNDJSON:
		if config.Source.NDJSON.Path == "" {
			return errors.New("source.ndjson.path is required for ndjson source")
		}
	case dto.SourceKafka:
		kafka := config.Source.Kafka
		if len(kafka.BootstrapServers) == 0 {
			return errors.New("source.kafka.bootstrap_servers is required")
		}
		if len(kafka.Consumer.Topics) == 0 {
			return errors.New("source.kafka.consumer.topics is required")
		}
		if kafka.Consumer.GroupID == "" {
			return errors.New("source.kafka.consumer.group_id is required")
		}
		if kafka.DLQ.Enabled && kafka.DLQ.TopicSuffix == "" {
			return errors.New("source.kafka.dlq.topic_suffix is required when the DLQ is enabled")
		}
	default:
		return fmt.Errorf("unsupported source type: %s", config.Source.Type)
	}

	if _, err := config.CSV.EncoderConfig(); err != nil {
		return err
	}

	loc, err := storage.ParseLocation(config.Destination.URI)
	if err != nil {
		return err
	}
	if config.Rotation.Enabled() && !loc.Rotatable() {
		return fmt.Errorf("rotation is not supported for %s destinations", loc.Scheme)
	}
	if _, err := export.ParseStrategy(config.Rotation.Strategy); err != nil {
		return err
	}
	if config.Rotation.MaxFileSizeMB < 0 || config.Rotation.MaxRowsPerFile < 0 || config.Rotation.MaxDurationSeconds < 0 {
		return errors.New("rotation limits cannot be negative")
	}

	if config.Observability.Metrics.Enabled {
		if config.Observability.Metrics.Port < 1 || config.Observability.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", config.Observability.Metrics.Port)
		}
	}
	if config.Observability.Health.Enabled {
		if config.Observability.Health.Port < 1 || config.Observability.Health.Port > 65535 {
			return fmt.Errorf("invalid health port: %d", config.Observability.Health.Port)
		}
	}

	return nil
}
