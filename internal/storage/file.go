package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/jittakal/csvexport/internal/errors"
	"github.com/jittakal/csvexport/pkg/sink"
)

// Ensure implementation satisfies interfaces at compile time.
var (
	_ sink.Sink      = (*FileSink)(nil)
	_ sink.Opener    = (*FileSink)(nil)
	_ sink.Aborter   = (*FileSink)(nil)
	_ sink.Describer = (*FileSink)(nil)
)

// FileConfig contains local filesystem configuration.
type FileConfig struct {
	Path string
	// Overwrite allows replacing an existing file at Path.
	Overwrite bool
	// Perm is applied to the published file. Defaults to 0644.
	Perm os.FileMode
}

// FileSink writes to a local file. Bytes go to a temporary file next to the
// target, which is renamed onto the target by Finalize, so a reader never
// sees a partial file at Path.
type FileSink struct {
	tracker
	path      string
	overwrite bool
	perm      os.FileMode

	tmp *os.File
	bw  *bufio.Writer
	// err is the first append failure; Finalize discards the output when set.
	err error
}

// NewFileSink creates a local file sink. The file system is not touched
// until Open.
func NewFileSink(cfg FileConfig, logger *slog.Logger, metrics MetricsCollector) *FileSink {
	path := strings.TrimPrefix(cfg.Path, "file://")
	perm := cfg.Perm
	if perm == 0 {
		perm = 0644
	}
	return &FileSink{
		tracker:   newTracker(BackendFile, path, logger, metrics),
		path:      path,
		overwrite: cfg.Overwrite,
		perm:      perm,
	}
}

// Open checks the target and creates the temporary file.
func (s *FileSink) Open() error {
	if s.tmp != nil {
		return nil
	}
	if s.finalized {
		return apperrors.ErrSinkFinalized
	}

	if err := s.checkTarget(); err != nil {
		return s.fail("open", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return s.fail("mkdir", fmt.Errorf("failed to create directory: %w", err))
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return s.fail("open", fmt.Errorf("failed to create temporary file: %w", err))
	}

	s.tmp = tmp
	s.bw = bufio.NewWriterSize(tmp, writerBufferSize)
	s.start()

	s.logger.Debug("file sink opened", "path", s.path, "temp", tmp.Name())
	return nil
}

func (s *FileSink) checkTarget() error {
	info, err := os.Stat(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return err
	case info.IsDir():
		return fmt.Errorf("%s is a directory", s.path)
	case !s.overwrite:
		return fmt.Errorf("%w: %s", apperrors.ErrDestinationExists, s.path)
	default:
		return nil
	}
}

// Append writes p to the temporary file. The sink opens itself when used
// without an explicit Open.
func (s *FileSink) Append(p []byte) error {
	if err := s.checkAppend(); err != nil {
		return err
	}
	if s.tmp == nil {
		if err := s.Open(); err != nil {
			return err
		}
	}

	n, err := s.bw.Write(p)
	s.size += int64(n)
	if err != nil {
		s.err = err
		return s.fail("write", err)
	}
	return nil
}

// Finalize publishes the file at its target path. When an append failed, or
// publication fails, the temporary file is removed and nothing is published.
func (s *FileSink) Finalize() error {
	if s.finalized {
		return apperrors.ErrSinkFinalized
	}
	if s.tmp == nil {
		if err := s.Open(); err != nil {
			s.finalized = true
			s.failed()
			return err
		}
	}
	s.finalized = true

	if err := s.publish(); err != nil {
		_ = s.tmp.Close()
		_ = os.Remove(s.tmp.Name())
		s.failed()
		return err
	}

	s.done()
	return nil
}

func (s *FileSink) publish() error {
	if s.err != nil {
		return s.fail("finalize", fmt.Errorf("discarding partial output: %w", s.err))
	}
	if err := s.bw.Flush(); err != nil {
		return s.fail("flush", err)
	}
	if err := s.tmp.Sync(); err != nil {
		return s.fail("sync", err)
	}
	if err := s.tmp.Chmod(s.perm); err != nil {
		return s.fail("chmod", err)
	}
	if err := s.tmp.Close(); err != nil {
		return s.fail("close", err)
	}
	// The target may have appeared since Open.
	if err := s.checkTarget(); err != nil {
		return s.fail("rename", err)
	}
	if err := os.Rename(s.tmp.Name(), s.path); err != nil {
		return s.fail("rename", err)
	}
	return nil
}

// Abort removes the temporary file. Nothing appears at the target path.
func (s *FileSink) Abort() error {
	if s.finalized {
		return apperrors.ErrSinkFinalized
	}
	s.finalized = true

	if s.tmp != nil {
		name := s.tmp.Name()
		_ = s.tmp.Close()
		if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return s.fail("abort", err)
		}
	}
	s.aborted()
	return nil
}
