// Command csvexport streams records from newline-delimited JSON or a Kafka
// topic into CSV files on local disk, object storage or a socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jittakal/csvexport/internal/config"
	"github.com/jittakal/csvexport/internal/config/dto"
	"github.com/jittakal/csvexport/internal/export"
	"github.com/jittakal/csvexport/internal/kafka"
	"github.com/jittakal/csvexport/internal/observability"
	"github.com/jittakal/csvexport/internal/server"
	"github.com/jittakal/csvexport/internal/source"
	"github.com/jittakal/csvexport/internal/storage"
	pkgsource "github.com/jittakal/csvexport/pkg/source"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("csvexport: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to configuration file")
	in := flag.String("in", "", `NDJSON input path, "-" for standard input (overrides source.ndjson.path)`)
	out := flag.String("out", "", `destination URI, "-" for standard output (overrides destination.uri)`)
	format := flag.String("format", "", "csv, tsv or excel (overrides csv.format)")
	flag.Parse()

	// Priority: CLI flag > CONFIG_PATH env var
	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = os.Getenv("CONFIG_PATH")
	}

	loader := config.NewLoader()
	if *in != "" {
		loader.Set("source.type", dto.SourceNDJSON)
		loader.Set("source.ndjson.path", *in)
	}
	if *out != "" {
		loader.Set("destination.uri", *out)
	}
	if *format != "" {
		loader.Set("csv.format", *format)
	}

	cfg, err := loader.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: cfg.Observability.Logging.Output,
	})
	logger.Info("starting csv export",
		"version", cfg.Application.Version,
		"environment", cfg.Application.Environment,
		"source", cfg.Source.Type,
		"destination", cfg.Destination.URI,
	)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	// Cleanup runs in reverse registration order.
	var cleanupFuncs []func() error
	addCleanup := func(name string, fn func() error) {
		cleanupFuncs = append(cleanupFuncs, func() error {
			if err := fn(); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
		logger.Debug("registered cleanup", "component", name)
	}
	defer func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			if err := cleanupFuncs[i](); err != nil {
				logger.Error("cleanup failed", "error", err)
			}
		}
	}()

	encoderConfig, err := cfg.CSV.EncoderConfig()
	if err != nil {
		return err
	}
	encoderFormat, err := cfg.CSV.EncoderFormat()
	if err != nil {
		return err
	}

	opener := storage.NewOpener(destinationConfig(cfg, encoderFormat.ContentType()), logger, metrics)
	addCleanup("sink-opener", opener.Close)

	src, err := newSource(cfg, logger, metrics, addCleanup)
	if err != nil {
		return err
	}

	var policy export.RotationPolicy
	if cfg.Rotation.Enabled() {
		strategy, err := export.ParseStrategy(cfg.Rotation.Strategy)
		if err != nil {
			return err
		}
		policy = export.NewCompositePolicy(export.PolicyConfig{
			MaxFileSizeMB:      cfg.Rotation.MaxFileSizeMB,
			MaxRecordsPerFile:  cfg.Rotation.MaxRowsPerFile,
			MaxDurationSeconds: cfg.Rotation.MaxDurationSeconds,
			Strategy:           strategy,
		})
	}

	exporter, err := export.New(export.Config{
		Destination: cfg.Destination.URI,
		Columns:     cfg.CSV.Columns,
		Encoder:     encoderConfig,
		Policy:      policy,
	}, opener, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create exporter: %w", err)
	}

	// Long-running Kafka exports expose health and metrics endpoints.
	if cfg.Source.Type == dto.SourceKafka {
		httpServer := server.NewServer(server.Config{
			HealthEnabled:  cfg.Observability.Health.Enabled,
			HealthPort:     cfg.Observability.Health.Port,
			LivenessPath:   cfg.Observability.Health.LivenessPath,
			ReadinessPath:  cfg.Observability.Health.ReadinessPath,
			MetricsEnabled: cfg.Observability.Metrics.Enabled,
			MetricsPort:    cfg.Observability.Metrics.Port,
			MetricsPath:    cfg.Observability.Metrics.Path,
		}, exporter, registry, logger)

		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		addCleanup("http-server", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Shutdown.GracePeriodSeconds)*time.Second)
			defer cancel()
			return httpServer.Shutdown(ctx)
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := exporter.Run(ctx, src)
	if errors.Is(err, context.Canceled) {
		logger.Info("received termination signal, export stopped",
			"parts", summary.Parts,
			"rows", summary.Rows,
		)
		return nil
	}
	if err != nil {
		return err
	}

	logger.Info("export completed",
		"parts", summary.Parts,
		"rows", summary.Rows,
		"bytes", summary.Bytes,
		"destinations", summary.Destinations,
	)
	return nil
}

func destinationConfig(cfg *dto.ApplicationConfig, contentType string) storage.DestinationConfig {
	d := cfg.Destination
	return storage.DestinationConfig{
		Overwrite:   d.Overwrite,
		ContentType: contentType,
		DialTimeout: time.Duration(d.DialTimeoutSeconds) * time.Second,
		S3: storage.S3Config{
			Region:       d.S3.Region,
			Endpoint:     d.S3.Endpoint,
			UsePathStyle: d.S3.UsePathStyle,
			SSEEnabled:   d.S3.SSEEnabled,
			SSEKMSKeyID:  d.S3.SSEKMSKeyID,
			PartSizeMB:   d.S3.PartSizeMB,
			Concurrency:  d.S3.Concurrency,
		},
		GCS: storage.GCSConfig{
			ProjectID:            d.GCS.ProjectID,
			CredentialsFile:      d.GCS.CredentialsFile,
			CredentialsJSON:      d.GCS.CredentialsJSON,
			Endpoint:             d.GCS.Endpoint,
			UseDefaultCredential: d.GCS.UseDefaultCredential,
		},
		Azure: storage.AzureConfig{
			AccountName: d.Azure.AccountName,
			AccountKey:  d.Azure.AccountKey,
			Endpoint:    d.Azure.Endpoint,
		},
	}
}

func newSource(
	cfg *dto.ApplicationConfig,
	logger *slog.Logger,
	metrics *observability.Metrics,
	addCleanup func(name string, fn func() error),
) (pkgsource.Source, error) {
	switch cfg.Source.Type {
	case dto.SourceKafka:
		k := cfg.Source.Kafka
		consumerConfig := kafka.ConsumerConfig{
			BootstrapServers:      k.BootstrapServers,
			GroupID:               k.Consumer.GroupID,
			Topics:                k.Consumer.Topics,
			SecurityProtocol:      k.SecurityProtocol,
			SASLMechanism:         k.SASLMechanism,
			SASLUsername:          k.SASLUsername,
			SASLPassword:          k.SASLPassword,
			AWSRegion:             k.AWSRegion,
			TLSInsecureSkipVerify: k.TLSInsecureSkipVerify,
			AutoOffsetReset:       k.Consumer.AutoOffsetReset,
			MaxPollIntervalMS:     k.Consumer.MaxPollIntervalMS,
			SessionTimeoutMS:      k.Consumer.SessionTimeoutMS,
			HeartbeatIntervalMS:   k.Consumer.HeartbeatIntervalMS,
			IdleTimeout:           time.Duration(k.Consumer.IdleTimeoutSeconds) * time.Second,
			MetadataColumns:       k.Consumer.MetadataColumns,
		}

		var dlq kafka.DeadLetterPublisher
		if k.DLQ.Enabled {
			publisher, err := kafka.NewDLQPublisher(
				k.BootstrapServers,
				consumerConfig,
				kafka.DLQConfig{Enabled: true, TopicSuffix: k.DLQ.TopicSuffix},
				logger,
				metrics,
				cfg.Application.Name,
			)
			if err != nil {
				return nil, fmt.Errorf("failed to create DLQ publisher: %w", err)
			}
			addCleanup("dlq-publisher", publisher.Close)
			dlq = publisher
		}

		consumer, err := kafka.NewSource(consumerConfig, dlq, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", err)
		}
		addCleanup("kafka-consumer", consumer.Close)
		return consumer, nil

	default:
		ndjson, err := source.OpenNDJSON(source.NDJSONConfig{
			Path:        cfg.Source.NDJSON.Path,
			SkipInvalid: cfg.Source.NDJSON.SkipInvalid,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		addCleanup("ndjson-source", ndjson.Close)
		return ndjson, nil
	}
}
