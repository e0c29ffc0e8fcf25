package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	apperrors "github.com/jittakal/csvexport/internal/errors"
	"github.com/jittakal/csvexport/pkg/sink"
)

// Ensure implementation satisfies interfaces at compile time.
var (
	_ sink.Sink     = (*AzureSink)(nil)
	_ sink.Opener   = (*AzureSink)(nil)
	_ sink.Aborter  = (*AzureSink)(nil)
	_ AzureUploader = (*azblob.Client)(nil)
)

// AzureConfig contains Azure Blob Storage configuration.
type AzureConfig struct {
	AccountName string
	AccountKey  string
	Endpoint    string
}

// AzureUploader uploads a local file as a block blob.
type AzureUploader interface {
	UploadFile(ctx context.Context, containerName string, blobName string, file *os.File, o *azblob.UploadFileOptions) (azblob.UploadFileResponse, error)
}

// NewAzureClient creates a blob client from an account key.
func NewAzureClient(cfg AzureConfig) (*azblob.Client, error) {
	var connectionString string
	if cfg.Endpoint != "" {
		connectionString = fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;BlobEndpoint=%s",
			cfg.AccountName, cfg.AccountKey, cfg.Endpoint)
	} else {
		connectionString = fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=core.windows.net",
			cfg.AccountName, cfg.AccountKey)
	}

	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}
	return client, nil
}

// AzureSink spools a part to a temporary file and uploads it as a block blob
// on Finalize.
type AzureSink struct {
	tracker
	ctx      context.Context
	uploader AzureUploader
	target   ObjectTarget

	spool *spool
	err   error
}

// NewAzureSink creates an Azure Blob sink. target.Bucket names the container.
func NewAzureSink(
	ctx context.Context,
	uploader AzureUploader,
	target ObjectTarget,
	logger *slog.Logger,
	metrics MetricsCollector,
) *AzureSink {
	dest := fmt.Sprintf("wasbs://%s/%s", target.Bucket, target.Key)
	return &AzureSink{
		tracker:  newTracker(BackendAzure, dest, logger, metrics),
		ctx:      ctx,
		uploader: uploader,
		target:   target,
	}
}

// Open creates the spool file.
func (s *AzureSink) Open() error {
	if s.spool != nil {
		return nil
	}
	if s.finalized {
		return apperrors.ErrSinkFinalized
	}
	sp, err := newSpool("csvexport-azure-*")
	if err != nil {
		return s.fail("open", err)
	}
	s.spool = sp
	s.start()
	return nil
}

// Append writes p to the spool file.
func (s *AzureSink) Append(p []byte) error {
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
func (s *AzureSink) Finalize() error {
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

func (s *AzureSink) upload() error {
	if s.err != nil {
		return s.fail("finalize", fmt.Errorf("discarding partial output: %w", s.err))
	}
	file, err := s.spool.rewind()
	if err != nil {
		return s.fail("flush", err)
	}

	var opts *azblob.UploadFileOptions
	if s.target.ContentType != "" {
		contentType := s.target.ContentType
		opts = &azblob.UploadFileOptions{
			HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
		}
	}

	if _, err := s.uploader.UploadFile(s.ctx, s.target.Bucket, s.target.Key, file, opts); err != nil {
		return s.fail("upload", fmt.Errorf("failed to upload to Azure Blob: %w", err))
	}
	return nil
}

// Abort removes the spool file without uploading it.
func (s *AzureSink) Abort() error {
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
