package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// spool buffers a part in a local temporary file until it can be uploaded in
// one piece.
type spool struct {
	file *os.File
	bw   *bufio.Writer
}

func newSpool(pattern string) (*spool, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	return &spool{
		file: f,
		bw:   bufio.NewWriterSize(f, writerBufferSize),
	}, nil
}

func (s *spool) Write(p []byte) (int, error) {
	return s.bw.Write(p)
}

// rewind flushes pending bytes and positions the file for reading.
func (s *spool) rewind() (*os.File, error) {
	if err := s.bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush spool file: %w", err)
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind spool file: %w", err)
	}
	return s.file, nil
}

// cleanup closes and removes the spool file.
func (s *spool) cleanup() {
	name := s.file.Name()
	_ = s.file.Close()
	_ = os.Remove(name)
}
