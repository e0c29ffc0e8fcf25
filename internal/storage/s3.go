package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	apperrors "github.com/jittakal/csvexport/internal/errors"
	"github.com/jittakal/csvexport/pkg/sink"
)

// Ensure implementation satisfies interfaces at compile time.
var (
	_ sink.Sink    = (*S3Sink)(nil)
	_ sink.Opener  = (*S3Sink)(nil)
	_ sink.Aborter = (*S3Sink)(nil)
	_ S3Uploader   = (*manager.Uploader)(nil)
)

// S3Config contains AWS S3 configuration.
type S3Config struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
	SSEEnabled   bool
	SSEKMSKeyID  string
	PartSizeMB   int64
	Concurrency  int
}

// S3Uploader uploads an object body, using multipart upload for large bodies.
type S3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// NewS3Uploader creates a multipart uploader from the default AWS credential
// chain.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*manager.Uploader, error) {
	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	partSize := cfg.PartSizeMB * 1024 * 1024
	if partSize < manager.MinUploadPartSize {
		partSize = 10 * 1024 * 1024
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	return manager.NewUploader(s3Client, func(u *manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = concurrency
	}), nil
}

// ObjectTarget identifies an object in a bucket or container.
type ObjectTarget struct {
	Bucket      string
	Key         string
	ContentType string
}

// S3Sink spools a part to a temporary file and uploads it to S3 on Finalize.
type S3Sink struct {
	tracker
	ctx      context.Context
	uploader S3Uploader
	target   ObjectTarget
	cfg      S3Config

	spool *spool
	err   error
}

// NewS3Sink creates an S3 sink. ctx bounds the upload.
func NewS3Sink(
	ctx context.Context,
	uploader S3Uploader,
	target ObjectTarget,
	cfg S3Config,
	logger *slog.Logger,
	metrics MetricsCollector,
) *S3Sink {
	dest := fmt.Sprintf("s3://%s/%s", target.Bucket, target.Key)
	return &S3Sink{
		tracker:  newTracker(BackendS3, dest, logger, metrics),
		ctx:      ctx,
		uploader: uploader,
		target:   target,
		cfg:      cfg,
	}
}

// Open creates the spool file.
func (s *S3Sink) Open() error {
	if s.spool != nil {
		return nil
	}
	if s.finalized {
		return apperrors.ErrSinkFinalized
	}
	sp, err := newSpool("csvexport-s3-*")
	if err != nil {
		return s.fail("open", err)
	}
	s.spool = sp
	s.start()
	return nil
}

// Append writes p to the spool file.
func (s *S3Sink) Append(p []byte) error {
	if err := s.checkAppend(); err != nil {
		return err
	}
	if err := s.Open(); err != nil {
		return err
	}
	n, err := s.spool.Write(p)
	s.size += int64(n)
	if err != nil {
		s.err = err
		return s.fail("write", err)
	}
	return nil
}

// Finalize uploads the spooled part and removes the spool file.
func (s *S3Sink) Finalize() error {
	if s.finalized {
		return apperrors.ErrSinkFinalized
	}
	if err := s.Open(); err != nil {
		s.finalized = true
		s.failed()
		return err
	}
	s.finalized = true
	defer s.spool.cleanup()

	if err := s.upload(); err != nil {
		s.failed()
		return err
	}
	s.done()
	return nil
}

func (s *S3Sink) upload() error {
	if s.err != nil {
		return s.fail("finalize", fmt.Errorf("discarding partial output: %w", s.err))
	}
	body, err := s.spool.rewind()
	if err != nil {
		return s.fail("flush", err)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.target.Bucket),
		Key:    aws.String(s.target.Key),
		Body:   body,
	}
	if s.target.ContentType != "" {
		input.ContentType = aws.String(s.target.ContentType)
	}

	if s.cfg.SSEEnabled {
		if s.cfg.SSEKMSKeyID != "" {
			input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
			input.SSEKMSKeyId = aws.String(s.cfg.SSEKMSKeyID)
		} else {
			input.ServerSideEncryption = types.ServerSideEncryptionAes256
		}
	}

	result, err := s.uploader.Upload(s.ctx, input)
	if err != nil {
		return s.fail("upload", fmt.Errorf("failed to upload to S3: %w", err))
	}

	s.logger.Debug("uploaded object to S3",
		"bucket", s.target.Bucket,
		"key", s.target.Key,
		"location", result.Location,
	)
	return nil
}

// Abort removes the spool file without uploading it.
func (s *S3Sink) Abort() error {
	if s.finalized {
		return apperrors.ErrSinkFinalized
	}
	s.finalized = true
	if s.spool != nil {
		s.spool.cleanup()
	}
	s.aborted()
	return nil
}
