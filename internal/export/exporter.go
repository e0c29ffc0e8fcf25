// Package export streams records from a source into CSV parts written to a
// destination.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jittakal/csvexport/internal/encoder"
	apperrors "github.com/jittakal/csvexport/internal/errors"
	"github.com/jittakal/csvexport/internal/storage"
	"github.com/jittakal/csvexport/pkg/record"
	"github.com/jittakal/csvexport/pkg/sink"
	"github.com/jittakal/csvexport/pkg/source"
)

// SinkOpener resolves a destination URI to a sink.
type SinkOpener interface {
	Open(ctx context.Context, uri string) (sink.Sink, error)
}

// MetricsCollector defines metrics operations for the export pipeline.
type MetricsCollector interface {
	AddRows(n int)
	AddBytes(n int64)
	IncEncoderErrors(kind string)
	IncPartsRotated(reason string)
}

// Config configures an Exporter.
type Config struct {
	// Destination is the URI of the first part. Later parts are named with
	// storage.PartPath.
	Destination string
	// Columns fixes the header and the projection of keyed records. When
	// empty, the names of the first keyed record are used.
	Columns []string
	Encoder encoder.Config
	// Policy splits the output into parts. Nil writes a single part.
	Policy RotationPolicy
}

// Summary describes a finished export.
type Summary struct {
	Parts        int
	Rows         int
	Bytes        int64
	Destinations []string
}

// deadliner is implemented by policies that can rotate on age while the
// source is idle.
type deadliner interface {
	Deadline(stats PartStats) (time.Time, bool)
}

// readier is implemented by sources that report when they are connected.
type readier interface {
	Ready() bool
}

// part is one output file being written.
type part struct {
	number  int
	dest    string
	enc     *encoder.CSVEncoder
	rows    int
	firstAt time.Time
}

// Exporter runs the Source → Encoder → Sink pipeline.
type Exporter struct {
	config  Config
	opener  SinkOpener
	logger  *slog.Logger
	metrics MetricsCollector

	// columns is locked by the first keyed record unless configured.
	columns []string

	mu      sync.RWMutex
	src     source.Source
	running bool
	done    bool
	err     error
	summary Summary
	current string
}

// New creates an Exporter.
func New(config Config, opener SinkOpener, logger *slog.Logger, metrics MetricsCollector) (*Exporter, error) {
	if config.Destination == "" {
		return nil, fmt.Errorf("%w: destination is required", apperrors.ErrInvalidConfig)
	}
	if opener == nil {
		return nil, fmt.Errorf("%w: sink opener is nil", apperrors.ErrInvalidConfig)
	}
	if err := config.Encoder.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Exporter{
		config:  config,
		opener:  opener,
		logger:  logger,
		metrics: metrics,
		columns: append([]string(nil), config.Columns...),
	}, nil
}

// Run reads src until io.EOF and writes every record. It always produces at
// least one part, so an empty source yields a file with only the BOM when
// configured.
//
// Each finalized part is acknowledged on src when it implements
// source.Acker. When ctx is cancelled the current part is finalized and
// acknowledged, and the context error is returned with the summary.
func (e *Exporter) Run(ctx context.Context, src source.Source) (Summary, error) {
	e.mu.Lock()
	if e.running || e.done {
		e.mu.Unlock()
		return Summary{}, &apperrors.LifecycleError{Op: "run", Err: apperrors.ErrAlreadyOpened}
	}
	e.running = true
	e.src = src
	e.mu.Unlock()

	summary, err := e.run(ctx, src)

	e.mu.Lock()
	e.running = false
	e.done = true
	e.err = err
	e.current = ""
	e.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error("export failed", "error", err, "parts", summary.Parts, "rows", summary.Rows)
	} else {
		e.logger.Info("export finished",
			"parts", summary.Parts,
			"rows", summary.Rows,
			"bytes", summary.Bytes,
		)
	}
	return summary, err
}

func (e *Exporter) run(ctx context.Context, src source.Source) (Summary, error) {
	cur, err := e.openPart(ctx, 1)
	if err != nil {
		return e.Summary(), err
	}
	next := 2

	for {
		nextCtx, cancel, timed := e.nextContext(ctx, cur)
		rec, err := src.Next(nextCtx)
		cancel()

		switch {
		case err == nil:

		case errors.Is(err, io.EOF):
			return e.Summary(), e.closePart(ctx, src, cur, "")

		case ctx.Err() != nil:
			e.logger.Info("export cancelled, closing current part")
			if cerr := e.closePart(context.WithoutCancel(ctx), src, cur, ""); cerr != nil {
				return e.Summary(), cerr
			}
			return e.Summary(), ctx.Err()

		case timed && errors.Is(err, context.DeadlineExceeded):
			if err := e.closePart(ctx, src, cur, ReasonAge); err != nil {
				return e.Summary(), err
			}
			cur = nil
			continue

		default:
			if cerr := e.closePart(ctx, src, cur, ""); cerr != nil {
				e.logger.Error("failed to close part after source error", "error", cerr)
			}
			return e.Summary(), fmt.Errorf("failed to read record: %w", err)
		}

		if cur == nil {
			if cur, err = e.openPart(ctx, next); err != nil {
				return e.Summary(), err
			}
			next++
		}

		if err := e.write(cur, rec); err != nil {
			e.abortPart(cur, err)
			return e.Summary(), fmt.Errorf("failed to write %s: %w", cur.dest, err)
		}

		if e.config.Policy != nil {
			if reason, ok := e.config.Policy.ShouldRotate(cur.stats()); ok {
				if err := e.closePart(ctx, src, cur, reason); err != nil {
					return e.Summary(), err
				}
				cur = nil
			}
		}
	}
}

// nextContext bounds the wait for the next record by the age deadline of
// the open part. timed reports whether a deadline was applied.
func (e *Exporter) nextContext(ctx context.Context, cur *part) (context.Context, context.CancelFunc, bool) {
	d, ok := e.config.Policy.(deadliner)
	if !ok || cur == nil {
		return ctx, func() {}, false
	}
	deadline, ok := d.Deadline(cur.stats())
	if !ok {
		return ctx, func() {}, false
	}
	nextCtx, cancel := context.WithDeadline(ctx, deadline)
	return nextCtx, cancel, true
}

func (e *Exporter) openPart(ctx context.Context, number int) (*part, error) {
	dest := storage.PartPath(e.config.Destination, number)

	// Sinks keep the context for uploads in Finalize, which must still run
	// after ctx is cancelled.
	s, err := e.opener.Open(context.WithoutCancel(ctx), dest)
	if err != nil {
		e.countError(err)
		return nil, fmt.Errorf("failed to open %s: %w", dest, err)
	}

	enc, err := encoder.NewCSVEncoderWithConfig(s, e.config.Encoder)
	if err != nil {
		if a, ok := s.(sink.Aborter); ok {
			_ = a.Abort()
		} else {
			_ = s.Finalize()
		}
		return nil, err
	}
	if err := enc.Open(); err != nil {
		e.countError(err)
		if enc.State().Opened {
			_ = enc.Abort()
		}
		return nil, err
	}

	e.mu.Lock()
	e.current = enc.Destination()
	e.mu.Unlock()

	e.logger.Debug("opened part", "part", number, "destination", enc.Destination())
	return &part{number: number, dest: dest, enc: enc}, nil
}

// write locks the columns on the first keyed record and projects keyed
// records onto them.
func (e *Exporter) write(p *part, rec record.Record) error {
	e.mu.Lock()
	if rec.Named() && e.columns == nil && len(rec) > 0 {
		e.columns, _ = rec.Names()
	}
	columns := e.columns
	e.mu.Unlock()

	switch {
	case rec.Named() && columns != nil:
		rec = rec.Project(columns)
	case !rec.Named() && len(columns) > 0 && p.enc.Position() == 0 && e.config.Encoder.EmitHeaders:
		// An unnamed record cannot supply the header of a new part; use
		// the locked columns.
		rec = record.Record(zipColumns(columns, rec.Values()))
	}

	if err := p.enc.Write(rec); err != nil {
		return err
	}

	if p.rows == 0 {
		p.firstAt = time.Now()
	}
	p.rows++
	if e.metrics != nil {
		e.metrics.AddRows(1)
	}
	e.mu.Lock()
	e.summary.Rows++
	e.mu.Unlock()
	return nil
}

func zipColumns(columns, values []string) []record.Field {
	fields := make([]record.Field, len(values))
	for i, v := range values {
		name := strconv.Itoa(i)
		if i < len(columns) {
			name = columns[i]
		}
		fields[i] = record.Field{Name: name, Value: v, Named: true}
	}
	return fields
}

// closePart finalizes p and acknowledges the records it holds.
func (e *Exporter) closePart(ctx context.Context, src source.Source, p *part, reason string) error {
	if p == nil {
		return nil
	}

	stats := p.enc.Stats()
	if err := p.enc.Close(); err != nil {
		e.countError(err)
		return fmt.Errorf("failed to finalize %s: %w", p.dest, err)
	}

	e.mu.Lock()
	e.summary.Parts++
	e.summary.Bytes += stats.Bytes
	e.summary.Destinations = append(e.summary.Destinations, p.enc.Destination())
	e.current = ""
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.AddBytes(stats.Bytes)
		if reason != "" {
			e.metrics.IncPartsRotated(reason)
		}
	}

	e.logger.Info("part written",
		"part", p.number,
		"destination", p.enc.Destination(),
		"rows", p.rows,
		"bytes", stats.Bytes,
		"rotation_reason", reason,
	)

	if acker, ok := src.(source.Acker); ok {
		if err := acker.Ack(ctx); err != nil {
			return fmt.Errorf("failed to acknowledge %s: %w", p.dest, err)
		}
	}
	return nil
}

// abortPart discards the part whose write failed. Nothing is published at
// its destination.
func (e *Exporter) abortPart(p *part, cause error) {
	e.countError(cause)
	if err := p.enc.Abort(); err != nil {
		e.logger.Warn("failed to release sink after write error",
			"destination", p.enc.Destination(),
			"error", err,
		)
	}
}

func (e *Exporter) countError(err error) {
	if e.metrics != nil {
		e.metrics.IncEncoderErrors(apperrors.Kind(err))
	}
}

func (p *part) stats() PartStats {
	return PartStats{
		SizeBytes:      p.enc.Stats().Bytes,
		RecordCount:    p.rows,
		FirstWriteTime: p.firstAt,
	}
}

// Columns returns the locked column names, or nil before the first keyed
// record.
func (e *Exporter) Columns() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.columns...)
}

// Summary returns the progress so far.
func (e *Exporter) Summary() Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.summary
	s.Destinations = append([]string(nil), e.summary.Destinations...)
	return s
}

// Liveness reports whether the process should keep running.
func (e *Exporter) Liveness() bool {
	return true
}

// Readiness reports whether an export is running and its source is
// connected.
func (e *Exporter) Readiness(ctx context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running {
		return false
	}
	if r, ok := e.src.(readier); ok {
		return r.Ready()
	}
	return true
}

// IsHealthy reports whether the export has not failed.
func (e *Exporter) IsHealthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err == nil || errors.Is(e.err, context.Canceled)
}

// GetStatus returns the export state for the readiness endpoint.
func (e *Exporter) GetStatus() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	state := "idle"
	switch {
	case e.running:
		state = "running"
	case e.done && e.err != nil && !errors.Is(e.err, context.Canceled):
		state = "failed"
	case e.done:
		state = "finished"
	}

	status := map[string]string{
		"state": state,
		"parts": strconv.Itoa(e.summary.Parts),
		"rows":  strconv.Itoa(e.summary.Rows),
	}
	if e.current != "" {
		status["destination"] = e.current
	}
	if e.err != nil {
		status["error"] = e.err.Error()
	}
	return status
}
