// Package encoder implements encoder factory for creating delimited-text encoders.
package encoder

import (
	"fmt"
	"strings"

	apperrors "github.com/jittakal/csvexport/internal/errors"
	"github.com/jittakal/csvexport/pkg/sink"
)

// Format names a configuration preset.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatTSV   Format = "tsv"
	FormatExcel Format = "excel"
)

// ParseFormat converts a configuration name into a Format. An empty name
// selects FormatCSV.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatTSV, FormatExcel:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unsupported format %q", apperrors.ErrInvalidConfig, name)
	}
}

// FileExtension returns the file extension for the format.
func (f Format) FileExtension() string {
	if f == FormatTSV {
		return ".tsv"
	}
	return ".csv"
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	if f == FormatTSV {
		return "text/tab-separated-values"
	}
	return "text/csv"
}

// Preset returns the base configuration of the format.
//
//	csv:   DefaultConfig
//	tsv:   tab delimiter
//	excel: CRLF terminator and BOM, which spreadsheet tools use to detect UTF-8
func (f Format) Preset() Config {
	cfg := DefaultConfig()
	switch f {
	case FormatTSV:
		cfg.Delimiter = '\t'
	case FormatExcel:
		cfg.LineTerminator = "\r\n"
		cfg.EmitBOM = true
	}
	return cfg
}

// Factory creates encoders based on format and options.
type Factory struct {
	format Format
	opts   []Option
}

// NewFactory creates a new encoder factory. opts are applied on top of the
// format preset.
func NewFactory(format Format, opts ...Option) *Factory {
	return &Factory{
		format: format,
		opts:   opts,
	}
}

// Format returns the factory format.
func (f *Factory) Format() Format {
	return f.format
}

// Config returns the validated configuration every created encoder uses.
func (f *Factory) Config() (Config, error) {
	if _, err := ParseFormat(string(f.format)); err != nil {
		return Config{}, err
	}
	cfg := f.format.Preset().Apply(f.opts...)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// CreateEncoder creates an encoder writing to s.
func (f *Factory) CreateEncoder(s sink.Sink) (*CSVEncoder, error) {
	cfg, err := f.Config()
	if err != nil {
		return nil, err
	}
	return NewCSVEncoderWithConfig(s, cfg)
}

// SupportedFormats returns a list of supported formats.
func SupportedFormats() []Format {
	return []Format{
		FormatCSV,
		FormatTSV,
		FormatExcel,
	}
}
