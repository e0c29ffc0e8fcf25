package dto

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jittakal/csvexport/internal/encoder"
)

// ApplicationConfig is the root configuration structure
type ApplicationConfig struct {
	Application   ApplicationInfo     `mapstructure:"application"`
	Source        SourceConfig        `mapstructure:"source"`
	CSV           CSVConfig           `mapstructure:"csv"`
	Destination   DestinationConfig   `mapstructure:"destination"`
	Rotation      RotationConfig      `mapstructure:"rotation"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Shutdown      ShutdownConfig      `mapstructure:"shutdown"`
}

// ApplicationInfo contains application metadata
type ApplicationInfo struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// Source types.
const (
	SourceNDJSON = "ndjson"
	SourceKafka  = "kafka"
)

// SourceConfig selects and configures the record source
type SourceConfig struct {
	Type   string       `mapstructure:"type"`
	NDJSON NDJSONConfig `mapstructure:"ndjson"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
}

// NDJSONConfig contains newline-delimited JSON input settings
type NDJSONConfig struct {
	// Path is a file path, or "-" for standard input.
	Path        string `mapstructure:"path"`
	SkipInvalid bool   `mapstructure:"skip_invalid"`
}

// KafkaConfig contains Kafka-related configuration
type KafkaConfig struct {
	BootstrapServers      []string       `mapstructure:"bootstrap_servers"`
	SecurityProtocol      string         `mapstructure:"security_protocol"`
	SASLMechanism         string         `mapstructure:"sasl_mechanism"`
	SASLUsername          string         `mapstructure:"sasl_username"`
	SASLPassword          string         `mapstructure:"sasl_password"`
	AWSRegion             string         `mapstructure:"aws_region"`
	TLSInsecureSkipVerify bool           `mapstructure:"tls_insecure_skip_verify"`
	Consumer              ConsumerConfig `mapstructure:"consumer"`
	DLQ                   DLQConfig      `mapstructure:"dlq"`
}

// ConsumerConfig contains Kafka consumer configuration
type ConsumerConfig struct {
	GroupID             string   `mapstructure:"group_id"`
	Topics              []string `mapstructure:"topics"`
	AutoOffsetReset     string   `mapstructure:"auto_offset_reset"`
	MaxPollIntervalMS   int      `mapstructure:"max_poll_interval_ms"`
	SessionTimeoutMS    int      `mapstructure:"session_timeout_ms"`
	HeartbeatIntervalMS int      `mapstructure:"heartbeat_interval_ms"`
	IdleTimeoutSeconds  int      `mapstructure:"idle_timeout_seconds"`
	MetadataColumns     bool     `mapstructure:"metadata_columns"`
}

// DLQConfig contains dead letter queue configuration
type DLQConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	TopicSuffix string `mapstructure:"topic_suffix"`
}

// CSVConfig contains output format settings. Empty values keep the preset
// of Format.
type CSVConfig struct {
	Format         string   `mapstructure:"format"`
	Delimiter      string   `mapstructure:"delimiter"`
	Enclosure      string   `mapstructure:"enclosure"`
	Escape         string   `mapstructure:"escape"`
	Dialect        string   `mapstructure:"dialect"`
	Headers        *bool    `mapstructure:"headers"`
	BOM            *bool    `mapstructure:"bom"`
	LineTerminator string   `mapstructure:"line_terminator"`
	Columns        []string `mapstructure:"columns"`
}

// DestinationConfig contains output location settings
type DestinationConfig struct {
	// URI is "-", a path, or a file://, s3://, gs://, wasbs:// or tcp:// URI.
	URI                string      `mapstructure:"uri"`
	Overwrite          bool        `mapstructure:"overwrite"`
	DialTimeoutSeconds int         `mapstructure:"dial_timeout_seconds"`
	S3                 S3Config    `mapstructure:"s3"`
	GCS                GCSConfig   `mapstructure:"gcs"`
	Azure              AzureConfig `mapstructure:"azure"`
}

// S3Config contains AWS S3 configuration
type S3Config struct {
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	SSEEnabled   bool   `mapstructure:"sse_enabled"`
	SSEKMSKeyID  string `mapstructure:"sse_kms_key_id"`
	PartSizeMB   int64  `mapstructure:"part_size_mb"`
	Concurrency  int    `mapstructure:"concurrency"`
}

// GCSConfig contains Google Cloud Storage configuration
type GCSConfig struct {
	ProjectID            string `mapstructure:"project_id"`
	CredentialsFile      string `mapstructure:"credentials_file"`
	CredentialsJSON      string `mapstructure:"credentials_json"`
	Endpoint             string `mapstructure:"endpoint"`
	UseDefaultCredential bool   `mapstructure:"use_default_credential"`
}

// AzureConfig contains Azure Blob Storage configuration
type AzureConfig struct {
	AccountName string `mapstructure:"account_name"`
	AccountKey  string `mapstructure:"account_key"`
	Endpoint    string `mapstructure:"endpoint"`
}

// RotationConfig contains output part rotation settings. Zero disables a
// limit.
type RotationConfig struct {
	MaxFileSizeMB      int64  `mapstructure:"max_file_size_mb"`
	MaxRowsPerFile     int    `mapstructure:"max_rows_per_file"`
	MaxDurationSeconds int    `mapstructure:"max_duration_seconds"`
	Strategy           string `mapstructure:"strategy"`
}

// Enabled reports whether any rotation limit is set.
func (c RotationConfig) Enabled() bool {
	return c.MaxFileSizeMB > 0 || c.MaxRowsPerFile > 0 || c.MaxDurationSeconds > 0
}

// ObservabilityConfig contains observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// HealthConfig contains health check settings
type HealthConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Port          int    `mapstructure:"port"`
	LivenessPath  string `mapstructure:"liveness_path"`
	ReadinessPath string `mapstructure:"readiness_path"`
}

// ShutdownConfig contains shutdown settings
type ShutdownConfig struct {
	GracePeriodSeconds int `mapstructure:"grace_period_seconds"`
}

// EncoderFormat returns the configured format preset.
func (c CSVConfig) EncoderFormat() (encoder.Format, error) {
	return encoder.ParseFormat(c.Format)
}

// EncoderConfig builds the encoder configuration: the format preset with
// every set option applied on top.
func (c CSVConfig) EncoderConfig() (encoder.Config, error) {
	format, err := c.EncoderFormat()
	if err != nil {
		return encoder.Config{}, err
	}

	var opts []encoder.Option
	if c.Delimiter != "" {
		r, err := parseChar("delimiter", c.Delimiter)
		if err != nil {
			return encoder.Config{}, err
		}
		opts = append(opts, encoder.WithDelimiter(r))
	}
	if c.Enclosure != "" {
		r, err := parseChar("enclosure", c.Enclosure)
		if err != nil {
			return encoder.Config{}, err
		}
		opts = append(opts, encoder.WithEnclosure(r))
	}
	if c.Escape != "" {
		var r rune
		if !strings.EqualFold(c.Escape, "none") {
			if r, err = parseChar("escape", c.Escape); err != nil {
				return encoder.Config{}, err
			}
		}
		opts = append(opts, encoder.WithEscape(r))
	}
	if c.Dialect != "" {
		d, err := encoder.ParseDialect(c.Dialect)
		if err != nil {
			return encoder.Config{}, err
		}
		opts = append(opts, encoder.WithDialect(d))
	}
	if c.Headers != nil {
		opts = append(opts, encoder.WithHeaders(*c.Headers))
	}
	if c.BOM != nil {
		opts = append(opts, encoder.WithBOM(*c.BOM))
	}
	if c.LineTerminator != "" {
		opts = append(opts, encoder.WithLineTerminator(parseTerminator(c.LineTerminator)))
	}

	cfg := format.Preset().Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return encoder.Config{}, err
	}
	return cfg, nil
}

// parseChar accepts a single character or one of the names tab, space,
// comma, semicolon and pipe.
func parseChar(name, s string) (rune, error) {
	switch strings.ToLower(s) {
	case "tab", `\t`:
		return '\t', nil
	case "space":
		return ' ', nil
	case "comma":
		return ',', nil
	case "semicolon":
		return ';', nil
	case "pipe":
		return '|', nil
	}
	if utf8.RuneCountInString(s) != 1 {
		return 0, fmt.Errorf("csv.%s must be a single character, got %q", name, s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r, nil
}

// terminatorEscapes turns the escapes accepted in YAML scalars into bytes.
var terminatorEscapes = strings.NewReplacer(`\r`, "\r", `\n`, "\n", `\t`, "\t")

// parseTerminator accepts the names lf, crlf and cr, or any other sequence
// with \r, \n and \t escapes expanded.
func parseTerminator(s string) string {
	switch strings.ToLower(s) {
	case "lf":
		return "\n"
	case "crlf":
		return "\r\n"
	case "cr":
		return "\r"
	}
	return terminatorEscapes.Replace(s)
}
