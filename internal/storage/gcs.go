package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	apperrors "github.com/jittakal/csvexport/internal/errors"
	"github.com/jittakal/csvexport/pkg/sink"
)

// Ensure implementation satisfies interfaces at compile time.
var (
	_ sink.Sink    = (*GCSSink)(nil)
	_ sink.Opener  = (*GCSSink)(nil)
	_ sink.Aborter = (*GCSSink)(nil)
)

// GCSConfig contains Google Cloud Storage configuration.
type GCSConfig struct {
	ProjectID            string
	CredentialsFile      string
	CredentialsJSON      string
	Endpoint             string
	UseDefaultCredential bool
}

// NewGCSClient creates a Google Cloud Storage client. It supports service
// account files, inline JSON credentials and application default
// credentials.
func NewGCSClient(ctx context.Context, cfg GCSConfig, logger *slog.Logger) (*storage.Client, error) {
	var clientOpts []option.ClientOption
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.Endpoint))
	}

	switch {
	case cfg.UseDefaultCredential:
		logger.Info("using default GCP credentials")
	case cfg.CredentialsJSON != "":
		clientOpts = append(clientOpts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		logger.Info("using GCP credentials from JSON string")
	case cfg.CredentialsFile != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info("using GCP credentials from file", "file", cfg.CredentialsFile)
	default:
		logger.Info("no explicit credentials provided, using default GCP credentials")
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return client, nil
}

// GCSWriterFunc opens a writer for an object. Closing the writer commits the
// object; cancelling ctx before Close aborts the upload.
type GCSWriterFunc func(ctx context.Context, target ObjectTarget) io.WriteCloser

// GCSClientWriter returns a GCSWriterFunc backed by client.
func GCSClientWriter(client *storage.Client) GCSWriterFunc {
	return func(ctx context.Context, target ObjectTarget) io.WriteCloser {
		w := client.Bucket(target.Bucket).Object(target.Key).NewWriter(ctx)
		w.ContentType = target.ContentType
		return w
	}
}

// GCSSink streams a part straight into a GCS object. The object becomes
// visible when Finalize commits it.
type GCSSink struct {
	tracker
	parent    context.Context
	newWriter GCSWriterFunc
	target    ObjectTarget

	w      io.WriteCloser
	cancel context.CancelFunc
	err    error
}

// NewGCSSink creates a GCS sink. ctx bounds the upload.
func NewGCSSink(
	ctx context.Context,
	newWriter GCSWriterFunc,
	target ObjectTarget,
	logger *slog.Logger,
	metrics MetricsCollector,
) *GCSSink {
	dest := fmt.Sprintf("gs://%s/%s", target.Bucket, target.Key)
	return &GCSSink{
		tracker:   newTracker(BackendGCS, dest, logger, metrics),
		parent:    ctx,
		newWriter: newWriter,
		target:    target,
	}
}

// Open starts the object upload.
func (s *GCSSink) Open() error {
	if s.w != nil {
		return nil
	}
	if s.finalized {
		return apperrors.ErrSinkFinalized
	}
	ctx, cancel := context.WithCancel(s.parent)
	s.w = s.newWriter(ctx, s.target)
	s.cancel = cancel
	s.start()
	return nil
}

// Append writes p to the object.
func (s *GCSSink) Append(p []byte) error {
	if err := s.checkAppend(); err != nil {
		return err
	}
	if err := s.Open(); err != nil {
		return err
	}
	n, err := s.w.Write(p)
	s.size += int64(n)
	if err != nil {
		s.err = err
		return s.fail("write", err)
	}
	return nil
}

// Finalize commits the object, or aborts the upload when an append failed.
func (s *GCSSink) Finalize() error {
	if s.finalized {
		return apperrors.ErrSinkFinalized
	}
	if err := s.Open(); err != nil {
		s.finalized = true
		s.failed()
		return err
	}
	s.finalized = true
	defer s.cancel()

	if s.err != nil {
		s.cancel()
		_ = s.w.Close()
		s.failed()
		return s.fail("finalize", fmt.Errorf("discarding partial output: %w", s.err))
	}

	if err := s.w.Close(); err != nil {
		s.failed()
		return s.fail("close", fmt.Errorf("failed to close GCS writer: %w", err))
	}
	s.done()
	return nil
}

// Abort cancels the upload so the object is never committed.
func (s *GCSSink) Abort() error {
	if s.finalized {
		return apperrors.ErrSinkFinalized
	}
	s.finalized = true
	if s.w != nil {
		s.cancel()
		_ = s.w.Close()
	}
	s.aborted()
	return nil
}
