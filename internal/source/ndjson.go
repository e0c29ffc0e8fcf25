// Package source implements record sources backed by local streams.
package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	apperrors "github.com/jittakal/csvexport/internal/errors"
	"github.com/jittakal/csvexport/pkg/record"
	"github.com/jittakal/csvexport/pkg/source"
)

// Ensure implementation satisfies interface at compile time.
var _ source.Source = (*NDJSONSource)(nil)

// NDJSONConfig configures an NDJSONSource.
type NDJSONConfig struct {
	// Path is the file to read; "-" or "" reads standard input.
	Path string
	// SkipInvalid logs and skips lines that are not a JSON object or array
	// instead of failing.
	SkipInvalid bool
}

// NDJSONSource reads newline-delimited JSON, one record per line. Blank
// lines are ignored.
type NDJSONSource struct {
	r           *bufio.Reader
	closer      io.Closer
	name        string
	skipInvalid bool
	logger      *slog.Logger

	line    int
	skipped int
	err     error
}

// NewNDJSONSource creates a source reading from r.
func NewNDJSONSource(r io.Reader, name string, skipInvalid bool, logger *slog.Logger) *NDJSONSource {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &NDJSONSource{
		r:           bufio.NewReaderSize(r, 64*1024),
		name:        name,
		skipInvalid: skipInvalid,
		logger:      logger,
	}
}

// OpenNDJSON opens the file named by cfg.Path, or standard input.
func OpenNDJSON(cfg NDJSONConfig, logger *slog.Logger) (*NDJSONSource, error) {
	if cfg.Path == "" || cfg.Path == "-" {
		return NewNDJSONSource(os.Stdin, "stdin", cfg.SkipInvalid, logger), nil
	}

	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	s := NewNDJSONSource(f, cfg.Path, cfg.SkipInvalid, logger)
	s.closer = f
	return s, nil
}

// Next returns the record on the next non-blank line.
func (s *NDJSONSource) Next(ctx context.Context) (record.Record, error) {
	for {
		if s.err != nil {
			return nil, s.err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := s.r.ReadBytes('\n')
		if len(data) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				s.err = io.EOF
			} else {
				s.err = fmt.Errorf("failed to read %s: %w", s.name, err)
			}
			return nil, s.err
		}
		s.line++

		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			continue
		}

		rec, perr := record.FromJSON(data)
		if perr != nil {
			if s.skipInvalid {
				s.skipped++
				s.logger.Warn("skipping invalid line",
					"input", s.name,
					"line", s.line,
					"error", perr,
				)
				continue
			}
			s.err = fmt.Errorf("%w: %s line %d: %v", apperrors.ErrInvalidRecord, s.name, s.line, perr)
			return nil, s.err
		}
		return rec, nil
	}
}

// Line returns the number of lines read so far.
func (s *NDJSONSource) Line() int {
	return s.line
}

// Skipped returns the number of invalid lines skipped.
func (s *NDJSONSource) Skipped() int {
	return s.skipped
}

// Close closes the underlying file, if the source opened one.
func (s *NDJSONSource) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}
