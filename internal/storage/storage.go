// Package storage implements sink.Sink backends: memory, io.Writer, local
// file, S3, Google Cloud Storage and Azure Blob Storage.
package storage

import (
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/jittakal/csvexport/internal/errors"
)

// Backend names used in logs and metric labels.
const (
	BackendMemory = "memory"
	BackendWriter = "writer"
	BackendFile   = "file"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
	BackendAzure  = "azure"
)

// MetricsCollector defines metrics operations for storage.
type MetricsCollector interface {
	IncFilesWritten(backend string, status string)
	ObserveFileSize(backend string, size float64)
	ObserveStorageWriteDuration(backend string, duration float64)
	IncStorageErrors(backend string, operation string)
}

// tracker keeps the bookkeeping shared by every sink: byte count, timing,
// logging and metrics.
type tracker struct {
	backend     string
	destination string
	logger      *slog.Logger
	metrics     MetricsCollector

	started   time.Time
	size      int64
	finalized bool
}

func newTracker(backend, destination string, logger *slog.Logger, metrics MetricsCollector) tracker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return tracker{
		backend:     backend,
		destination: destination,
		logger:      logger,
		metrics:     metrics,
	}
}

// Destination returns the destination the sink writes to.
func (t *tracker) Destination() string {
	return t.destination
}

// Size returns the number of bytes appended so far.
func (t *tracker) Size() int64 {
	return t.size
}

func (t *tracker) start() {
	if t.started.IsZero() {
		t.started = time.Now()
	}
}

// checkAppend rejects appends once the sink is finalized.
func (t *tracker) checkAppend() error {
	if t.finalized {
		return apperrors.ErrSinkFinalized
	}
	t.start()
	return nil
}

// fail records a failed operation and returns err wrapped with context.
func (t *tracker) fail(operation string, err error) error {
	if t.metrics != nil {
		t.metrics.IncStorageErrors(t.backend, operation)
	}
	t.logger.Error("sink operation failed",
		"backend", t.backend,
		"destination", t.destination,
		"operation", operation,
		"error", err,
	)
	return fmt.Errorf("%s %s: %w", t.backend, operation, err)
}

// done records a successful finalization.
func (t *tracker) done() {
	var duration time.Duration
	if !t.started.IsZero() {
		duration = time.Since(t.started)
	}

	t.logger.Info("sink finalized",
		"backend", t.backend,
		"destination", t.destination,
		"bytes", t.size,
		"duration_ms", duration.Milliseconds(),
	)

	if t.metrics != nil {
		t.metrics.IncFilesWritten(t.backend, "success")
		t.metrics.ObserveFileSize(t.backend, float64(t.size))
		t.metrics.ObserveStorageWriteDuration(t.backend, duration.Seconds())
	}
}

// aborted records a part discarded before publication.
func (t *tracker) aborted() {
	t.logger.Warn("sink aborted",
		"backend", t.backend,
		"destination", t.destination,
		"bytes", t.size,
	)
	if t.metrics != nil {
		t.metrics.IncFilesWritten(t.backend, "aborted")
	}
}

// failed records a finalization that did not produce an output.
func (t *tracker) failed() {
	if t.metrics != nil {
		t.metrics.IncFilesWritten(t.backend, "failure")
	}
}
