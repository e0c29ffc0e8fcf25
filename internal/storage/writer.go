package storage

import (
	"bufio"
	"io"
	"log/slog"

	"github.com/jittakal/csvexport/pkg/sink"
)

// Ensure implementation satisfies interface at compile time.
var (
	_ sink.Sink    = (*WriterSink)(nil)
	_ sink.Aborter = (*WriterSink)(nil)
)

const writerBufferSize = 64 * 1024

// WriterSink streams appended bytes to an io.Writer through a buffer.
type WriterSink struct {
	tracker
	bw     *bufio.Writer
	closer io.Closer
}

// NewWriterSink creates a sink writing to w. The writer is not closed on
// Finalize.
func NewWriterSink(w io.Writer, name string, logger *slog.Logger, metrics MetricsCollector) *WriterSink {
	return &WriterSink{
		tracker: newTracker(BackendWriter, name, logger, metrics),
		bw:      bufio.NewWriterSize(w, writerBufferSize),
	}
}

// NewWriteCloserSink creates a sink writing to wc and closing it on Finalize.
func NewWriteCloserSink(wc io.WriteCloser, name string, logger *slog.Logger, metrics MetricsCollector) *WriterSink {
	s := NewWriterSink(wc, name, logger, metrics)
	s.closer = wc
	return s
}

// Append buffers p.
func (s *WriterSink) Append(p []byte) error {
	if err := s.checkAppend(); err != nil {
		return err
	}
	n, err := s.bw.Write(p)
	s.size += int64(n)
	if err != nil {
		return s.fail("write", err)
	}
	return nil
}

// Finalize flushes the buffer and closes the underlying writer when owned.
func (s *WriterSink) Finalize() error {
	if err := s.checkAppend(); err != nil {
		return err
	}
	s.finalized = true

	flushErr := s.bw.Flush()
	var closeErr error
	if s.closer != nil {
		closeErr = s.closer.Close()
	}

	if flushErr != nil {
		s.failed()
		return s.fail("flush", flushErr)
	}
	if closeErr != nil {
		s.failed()
		return s.fail("close", closeErr)
	}
	s.done()
	return nil
}

// Abort drops bytes still buffered and closes the underlying writer when
// owned. Bytes already flushed to the writer stay there.
func (s *WriterSink) Abort() error {
	if err := s.checkAppend(); err != nil {
		return err
	}
	s.finalized = true
	s.bw.Reset(io.Discard)

	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			return s.fail("close", err)
		}
	}
	s.aborted()
	return nil
}
