package encoder

import (
	"fmt"
	"strings"
	"unicode/utf8"

	apperrors "github.com/jittakal/csvexport/internal/errors"
)

// Dialect selects how an enclosure character inside an enclosed field is
// escaped.
type Dialect int

const (
	// DialectDoubleEnclosure doubles every enclosure inside an enclosed field
	// (RFC 4180). The escape character is emitted literally.
	DialectDoubleEnclosure Dialect = iota
	// DialectEscapeEnclosure prefixes every enclosure inside an enclosed field
	// with the escape character.
	DialectEscapeEnclosure
)

// String returns the configuration name of the dialect.
func (d Dialect) String() string {
	switch d {
	case DialectDoubleEnclosure:
		return "double"
	case DialectEscapeEnclosure:
		return "escape"
	default:
		return fmt.Sprintf("dialect(%d)", int(d))
	}
}

// ParseDialect converts a configuration name into a Dialect. An empty name
// selects DialectDoubleEnclosure.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "double", "double-enclosure":
		return DialectDoubleEnclosure, nil
	case "escape", "backslash", "escape-enclosure":
		return DialectEscapeEnclosure, nil
	default:
		return 0, fmt.Errorf("%w: unsupported dialect %q", apperrors.ErrInvalidConfig, name)
	}
}

// Config is the immutable encoder configuration.
type Config struct {
	Delimiter rune
	Enclosure rune
	// Escape is treated as a special character that forces enclosure. Zero
	// disables it in DialectDoubleEnclosure.
	Escape         rune
	EmitHeaders    bool
	EmitBOM        bool
	LineTerminator string
	Dialect        Dialect
}

// DefaultConfig returns the configuration used when no option is given:
// comma delimiter, double quote enclosure, backslash escape, headers on,
// no BOM and "\n" line terminator.
func DefaultConfig() Config {
	return Config{
		Delimiter:      ',',
		Enclosure:      '"',
		Escape:         '\\',
		EmitHeaders:    true,
		EmitBOM:        false,
		LineTerminator: "\n",
		Dialect:        DialectDoubleEnclosure,
	}
}

// Validate checks that the configuration can produce parseable output.
func (c Config) Validate() error {
	if err := validRune("delimiter", c.Delimiter); err != nil {
		return err
	}
	if err := validRune("enclosure", c.Enclosure); err != nil {
		return err
	}
	if c.Escape != 0 {
		if err := validRune("escape", c.Escape); err != nil {
			return err
		}
	}
	if c.LineTerminator == "" {
		return fmt.Errorf("%w: line terminator is empty", apperrors.ErrInvalidConfig)
	}

	switch c.Dialect {
	case DialectDoubleEnclosure:
	case DialectEscapeEnclosure:
		if c.Escape == 0 {
			return fmt.Errorf("%w: escape dialect requires an escape character", apperrors.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported dialect %d", apperrors.ErrInvalidConfig, int(c.Dialect))
	}
	return nil
}

func validRune(name string, r rune) error {
	if r == 0 {
		return fmt.Errorf("%w: %s is empty", apperrors.ErrInvalidConfig, name)
	}
	if r == utf8.RuneError || !utf8.ValidRune(r) {
		return fmt.Errorf("%w: %s %q is not a valid character", apperrors.ErrInvalidConfig, name, r)
	}
	if r == '\r' || r == '\n' {
		return fmt.Errorf("%w: %s cannot be a line break", apperrors.ErrInvalidConfig, name)
	}
	return nil
}

// Option adjusts a Config.
type Option func(*Config)

// WithDelimiter sets the field delimiter.
func WithDelimiter(r rune) Option {
	return func(c *Config) { c.Delimiter = r }
}

// WithEnclosure sets the quoting character.
func WithEnclosure(r rune) Option {
	return func(c *Config) { c.Enclosure = r }
}

// WithEscape sets the escape character.
func WithEscape(r rune) Option {
	return func(c *Config) { c.Escape = r }
}

// WithHeaders enables or disables the header row.
func WithHeaders(enabled bool) Option {
	return func(c *Config) { c.EmitHeaders = enabled }
}

// WithBOM enables or disables the UTF-8 byte-order-mark.
func WithBOM(enabled bool) Option {
	return func(c *Config) { c.EmitBOM = enabled }
}

// WithLineTerminator sets the row terminator.
func WithLineTerminator(term string) Option {
	return func(c *Config) { c.LineTerminator = term }
}

// WithDialect sets the enclosure escaping dialect.
func WithDialect(d Dialect) Option {
	return func(c *Config) { c.Dialect = d }
}

// Apply returns a copy of c with opts applied.
func (c Config) Apply(opts ...Option) Config {
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
