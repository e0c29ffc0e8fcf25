package encoder

import (
	"strings"
	"unicode/utf8"
)

// fieldQuoter encodes single fields according to a Config.
type fieldQuoter struct {
	delimiter rune
	enclosure rune
	escape    rune
	dialect   Dialect
}

func newFieldQuoter(cfg Config) fieldQuoter {
	return fieldQuoter{
		delimiter: cfg.Delimiter,
		enclosure: cfg.Enclosure,
		escape:    cfg.Escape,
		dialect:   cfg.Dialect,
	}
}

// needsEnclosure reports whether s must be wrapped in the enclosure
// character: it contains the delimiter, the enclosure, the escape, CR or LF,
// or it starts or ends with a space or tab.
func (q fieldQuoter) needsEnclosure(s string) bool {
	if s == "" {
		return false
	}
	if isBlank(s[0]) || isBlank(s[len(s)-1]) {
		return true
	}
	if strings.ContainsAny(s, "\r\n") {
		return true
	}
	if strings.ContainsRune(s, q.delimiter) || strings.ContainsRune(s, q.enclosure) {
		return true
	}
	return q.escape != 0 && strings.ContainsRune(s, q.escape)
}

func isBlank(b byte) bool {
	return b == ' ' || b == '\t'
}

// appendField appends the encoded form of s to dst. Bytes that are not part
// of an enclosure or escape character are copied unchanged, including invalid
// UTF-8.
//
// In DialectEscapeEnclosure both the enclosure and the escape character are
// prefixed with the escape character inside an enclosed field, so a value
// ending in the escape character cannot escape the closing enclosure.
func (q fieldQuoter) appendField(dst []byte, s string) []byte {
	if !q.needsEnclosure(s) {
		return append(dst, s...)
	}

	dst = utf8.AppendRune(dst, q.enclosure)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r != utf8.RuneError {
			switch {
			case q.dialect == DialectEscapeEnclosure && (r == q.enclosure || r == q.escape):
				dst = utf8.AppendRune(dst, q.escape)
			case q.dialect == DialectDoubleEnclosure && r == q.enclosure:
				dst = utf8.AppendRune(dst, q.enclosure)
			}
		}
		dst = append(dst, s[i:i+size]...)
		i += size
	}
	return utf8.AppendRune(dst, q.enclosure)
}

// EncodeField returns the encoded form of a single field under cfg.
func EncodeField(cfg Config, s string) string {
	return string(newFieldQuoter(cfg).appendField(nil, s))
}
