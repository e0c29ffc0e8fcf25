package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/storage"

	"github.com/jittakal/csvexport/pkg/sink"
)

// DestinationConfig holds the settings shared by every sink an Opener
// creates.
type DestinationConfig struct {
	// Overwrite allows replacing existing local files.
	Overwrite   bool
	ContentType string
	DialTimeout time.Duration
	S3          S3Config
	GCS         GCSConfig
	Azure       AzureConfig
}

// OpenerOption customizes an Opener.
type OpenerOption func(*Opener)

// WithS3Uploader makes the Opener use u instead of building an S3 client.
func WithS3Uploader(u S3Uploader) OpenerOption {
	return func(o *Opener) { o.s3 = u }
}

// WithGCSWriter makes the Opener use fn instead of building a GCS client.
func WithGCSWriter(fn GCSWriterFunc) OpenerOption {
	return func(o *Opener) { o.gcs = fn }
}

// WithAzureUploader makes the Opener use u instead of building an Azure
// client.
func WithAzureUploader(u AzureUploader) OpenerOption {
	return func(o *Opener) { o.azure = u }
}

// WithStdout sets the writer used for the stdout destination.
func WithStdout(w io.Writer) OpenerOption {
	return func(o *Opener) { o.stdout = w }
}

// WithDialer sets the function used to connect tcp destinations.
func WithDialer(dial func(ctx context.Context, network, address string) (net.Conn, error)) OpenerOption {
	return func(o *Opener) { o.dial = dial }
}

// Opener resolves destination URIs into sinks. Cloud clients are created on
// first use and shared by every sink of the same backend.
type Opener struct {
	cfg     DestinationConfig
	logger  *slog.Logger
	metrics MetricsCollector

	mu        sync.Mutex
	s3        S3Uploader
	gcs       GCSWriterFunc
	gcsClient *storage.Client
	azure     AzureUploader
	stdout    io.Writer
	dial      func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewOpener creates an Opener.
func NewOpener(cfg DestinationConfig, logger *slog.Logger, metrics MetricsCollector, opts ...OpenerOption) *Opener {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	o := &Opener{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		stdout:  os.Stdout,
	}
	if o.cfg.DialTimeout <= 0 {
		o.cfg.DialTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: o.cfg.DialTimeout}
	o.dial = dialer.DialContext

	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open returns a sink for uri. Nothing is written until the sink is opened
// by its encoder, except for tcp destinations, which connect here.
func (o *Opener) Open(ctx context.Context, uri string) (sink.Sink, error) {
	loc, err := ParseLocation(uri)
	if err != nil {
		return nil, err
	}

	target := ObjectTarget{
		Bucket:      loc.Bucket,
		Key:         loc.Key,
		ContentType: o.cfg.ContentType,
	}

	switch loc.Scheme {
	case SchemeStdout:
		return NewWriterSink(o.stdout, "stdout", o.logger, o.metrics), nil

	case SchemeFile:
		return NewFileSink(FileConfig{Path: loc.Key, Overwrite: o.cfg.Overwrite}, o.logger, o.metrics), nil

	case SchemeS3:
		uploader, err := o.s3Uploader(ctx)
		if err != nil {
			return nil, err
		}
		return NewS3Sink(ctx, uploader, target, o.cfg.S3, o.logger, o.metrics), nil

	case SchemeGCS:
		newWriter, err := o.gcsWriter(ctx)
		if err != nil {
			return nil, err
		}
		return NewGCSSink(ctx, newWriter, target, o.logger, o.metrics), nil

	case SchemeAzure:
		uploader, err := o.azureUploader()
		if err != nil {
			return nil, err
		}
		return NewAzureSink(ctx, uploader, target, o.logger, o.metrics), nil

	case SchemeTCP:
		conn, err := o.dial(ctx, "tcp", loc.Address)
		if err != nil {
			if o.metrics != nil {
				o.metrics.IncStorageErrors(BackendWriter, "dial")
			}
			return nil, fmt.Errorf("failed to connect to %s: %w", loc.Address, err)
		}
		o.logger.Info("connected to destination", "address", loc.Address)
		return NewWriteCloserSink(conn, "tcp://"+loc.Address, o.logger, o.metrics), nil
	}

	return nil, fmt.Errorf("unsupported destination %q", uri)
}

func (o *Opener) s3Uploader(ctx context.Context) (S3Uploader, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.s3 == nil {
		uploader, err := NewS3Uploader(ctx, o.cfg.S3)
		if err != nil {
			return nil, err
		}
		o.logger.Info("S3 uploader created",
			"region", o.cfg.S3.Region,
			"sse_enabled", o.cfg.S3.SSEEnabled,
		)
		o.s3 = uploader
	}
	return o.s3, nil
}

func (o *Opener) gcsWriter(ctx context.Context) (GCSWriterFunc, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.gcs == nil {
		client, err := NewGCSClient(ctx, o.cfg.GCS, o.logger)
		if err != nil {
			return nil, err
		}
		o.logger.Info("GCS client created", "project_id", o.cfg.GCS.ProjectID)
		o.gcsClient = client
		o.gcs = GCSClientWriter(client)
	}
	return o.gcs, nil
}

func (o *Opener) azureUploader() (AzureUploader, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.azure == nil {
		client, err := NewAzureClient(o.cfg.Azure)
		if err != nil {
			return nil, err
		}
		o.logger.Info("Azure client created", "account", o.cfg.Azure.AccountName)
		o.azure = client
	}
	return o.azure, nil
}

// Close releases clients created by the Opener.
func (o *Opener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.gcsClient != nil {
		err := o.gcsClient.Close()
		o.gcsClient = nil
		return err
	}
	return nil
}
