package encoder

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	apperrors "github.com/jittakal/csvexport/internal/errors"
	"github.com/jittakal/csvexport/pkg/record"
	"github.com/jittakal/csvexport/pkg/sink"
)

// BOM is the UTF-8 byte-order-mark written first when EmitBOM is set.
var BOM = []byte{0xEF, 0xBB, 0xBF}

// State is the mutable part of an encode session.
type State struct {
	// Position counts rows written, header row included.
	Position int
	Opened   bool
	Closed   bool
}

// Stats describes what an encoder has handed to its sink so far.
type Stats struct {
	Rows          int
	HeaderWritten bool
	Bytes         int64
	OpenedAt      time.Time
}

// CSVEncoder streams records to a sink as delimited text.
//
// A CSVEncoder is used by a single goroutine: Open once, Write any number of
// times, Close once. It owns the sink between Open and Close.
type CSVEncoder struct {
	cfg    Config
	quoter fieldQuoter
	term   []byte
	delim  []byte

	sink  sink.Sink
	state State
	stats Stats

	row []byte
	// err is the first write failure; once set, every Write returns it.
	err error
}

// NewCSVEncoder creates an encoder writing to s, starting from DefaultConfig.
func NewCSVEncoder(s sink.Sink, opts ...Option) (*CSVEncoder, error) {
	return NewCSVEncoderWithConfig(s, DefaultConfig().Apply(opts...))
}

// NewCSVEncoderWithConfig creates an encoder writing to s with cfg.
func NewCSVEncoderWithConfig(s sink.Sink, cfg Config) (*CSVEncoder, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: sink is nil", apperrors.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &CSVEncoder{
		cfg:    cfg,
		quoter: newFieldQuoter(cfg),
		term:   []byte(cfg.LineTerminator),
		delim:  utf8.AppendRune(nil, cfg.Delimiter),
		sink:   s,
		row:    make([]byte, 0, 256),
	}, nil
}

// Config returns the encoder configuration.
func (e *CSVEncoder) Config() Config {
	return e.cfg
}

// State returns a snapshot of the session state.
func (e *CSVEncoder) State() State {
	return e.state
}

// Position returns the number of rows written, header row included.
func (e *CSVEncoder) Position() int {
	return e.state.Position
}

// Stats returns a snapshot of the encoder statistics.
func (e *CSVEncoder) Stats() Stats {
	return e.stats
}

// Destination names the sink the encoder writes to.
func (e *CSVEncoder) Destination() string {
	return sink.DestinationOf(e.sink)
}

// Open initializes the sink and writes the BOM when configured.
func (e *CSVEncoder) Open() error {
	if e.state.Opened {
		return &apperrors.LifecycleError{Op: "open", Err: apperrors.ErrAlreadyOpened}
	}

	if o, ok := e.sink.(sink.Opener); ok {
		if err := o.Open(); err != nil {
			return &apperrors.SinkError{Operation: "open", Destination: e.Destination(), Err: err}
		}
	}

	e.state.Opened = true
	e.stats.OpenedAt = time.Now()

	if e.cfg.EmitBOM {
		if err := e.append(BOM, 0); err != nil {
			return err
		}
	}
	return nil
}

// Write encodes rec as one row. Before the first row, when headers are
// enabled, a header row is derived from the field names of rec; every field
// must then be named.
func (e *CSVEncoder) Write(rec record.Record) error {
	if err := e.writable(); err != nil {
		return err
	}

	if e.state.Position == 0 && e.cfg.EmitHeaders {
		names, ok := rec.Names()
		if !ok {
			return &apperrors.FormatError{Row: 1, Err: apperrors.ErrMissingFieldName}
		}
		if err := e.writeRow(len(names), func(i int) string { return names[i] }); err != nil {
			return err
		}
		e.stats.HeaderWritten = true
	}

	if err := e.writeRow(len(rec), func(i int) string { return rec[i].Value }); err != nil {
		return err
	}
	e.stats.Rows++
	return nil
}

// WriteValues writes an unnamed row.
func (e *CSVEncoder) WriteValues(values ...string) error {
	return e.Write(record.FromValues(values...))
}

// WriteAll writes records in order and stops at the first error.
func (e *CSVEncoder) WriteAll(records []record.Record) error {
	for _, rec := range records {
		if err := e.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

// Close finalizes the sink. The encoder is closed afterwards even when
// finalization fails. Closing twice is a lifecycle error.
func (e *CSVEncoder) Close() error {
	if !e.state.Opened {
		return &apperrors.LifecycleError{Op: "close", Err: apperrors.ErrNotOpened}
	}
	if e.state.Closed {
		return &apperrors.LifecycleError{Op: "close", Err: apperrors.ErrClosed}
	}
	e.state.Closed = true

	if err := e.sink.Finalize(); err != nil {
		return &apperrors.SinkError{Operation: "finalize", Destination: e.Destination(), Err: err}
	}
	return nil
}

// Abort closes the encoder without publishing its output. Sinks that
// implement sink.Aborter discard what was appended; other sinks are
// finalized.
func (e *CSVEncoder) Abort() error {
	if !e.state.Opened {
		return &apperrors.LifecycleError{Op: "abort", Err: apperrors.ErrNotOpened}
	}
	if e.state.Closed {
		return &apperrors.LifecycleError{Op: "abort", Err: apperrors.ErrClosed}
	}
	e.state.Closed = true

	a, ok := e.sink.(sink.Aborter)
	if !ok {
		if err := e.sink.Finalize(); err != nil {
			return &apperrors.SinkError{Operation: "finalize", Destination: e.Destination(), Err: err}
		}
		return nil
	}
	if err := a.Abort(); err != nil {
		return &apperrors.SinkError{Operation: "abort", Destination: e.Destination(), Err: err}
	}
	return nil
}

func (e *CSVEncoder) writable() error {
	if !e.state.Opened {
		return &apperrors.LifecycleError{Op: "write", Err: apperrors.ErrNotOpened}
	}
	if e.state.Closed {
		return &apperrors.LifecycleError{Op: "write", Err: apperrors.ErrClosed}
	}
	return e.err
}

// writeRow encodes n fields, terminates the row and hands it to the sink.
func (e *CSVEncoder) writeRow(n int, field func(i int) string) error {
	e.row = e.row[:0]
	for i := 0; i < n; i++ {
		if i > 0 {
			e.row = append(e.row, e.delim...)
		}
		e.row = e.quoter.appendField(e.row, field(i))
	}
	e.row = append(e.row, e.term...)

	if err := e.append(e.row, e.state.Position+1); err != nil {
		return err
	}
	e.state.Position++
	return nil
}

// append hands p to the sink and checks the result of that call.
func (e *CSVEncoder) append(p []byte, row int) error {
	if err := e.sink.Append(p); err != nil {
		if errors.Is(err, apperrors.ErrSinkFinalized) {
			e.err = &apperrors.LifecycleError{Op: "write", Err: err}
		} else {
			e.err = &apperrors.FormatError{Row: row, Err: fmt.Errorf("%w: %w", apperrors.ErrSinkWrite, err)}
		}
		return e.err
	}
	e.stats.Bytes += int64(len(p))
	return nil
}
