package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Field is a single value in a Record.
type Field struct {
	Name  string
	Value string
	// Named reports whether Name was supplied. An empty Name with Named set is
	// a valid (empty) column name.
	Named bool
}

// Record is one logical row.
type Record []Field

// FromValues builds an unnamed record from positional values.
func FromValues(values ...string) Record {
	rec := make(Record, len(values))
	for i, v := range values {
		rec[i] = Field{Value: v}
	}
	return rec
}

// FromNames builds a keyed record. names and values must have equal length.
func FromNames(names, values []string) (Record, error) {
	if len(names) != len(values) {
		return nil, fmt.Errorf("record has %d names and %d values", len(names), len(values))
	}
	rec := make(Record, len(names))
	for i := range names {
		rec[i] = Field{Name: names[i], Value: values[i], Named: true}
	}
	return rec, nil
}

// FromMap builds a keyed record with keys in ascending order.
func FromMap(m map[string]string) Record {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rec := make(Record, len(keys))
	for i, k := range keys {
		rec[i] = Field{Name: k, Value: m[k], Named: true}
	}
	return rec
}

// FromJSON builds a record from a JSON object or array.
//
// Objects produce keyed records in document order. Arrays produce unnamed
// records. Strings are taken verbatim, numbers and booleans keep their JSON
// text, null becomes an empty value and nested objects or arrays are rendered
// as compact JSON.
func FromJSON(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read json record: %w", err)
	}

	var rec Record
	switch tok {
	case json.Delim('{'):
		rec, err = decodeObject(dec)
	case json.Delim('['):
		rec, err = decodeArray(dec)
	default:
		return nil, fmt.Errorf("json record must be an object or array, got %v", tok)
	}
	if err != nil {
		return nil, err
	}

	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after json record")
	}
	return rec, nil
}

func decodeObject(dec *json.Decoder) (Record, error) {
	rec := Record{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read json key: %w", err)
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected json key %v", tok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to read value of %q: %w", name, err)
		}
		value, err := scalarText(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to convert value of %q: %w", name, err)
		}
		rec = append(rec, Field{Name: name, Value: value, Named: true})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to close json object: %w", err)
	}
	return rec, nil
}

func decodeArray(dec *json.Decoder) (Record, error) {
	rec := Record{}
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to read json element %d: %w", len(rec), err)
		}
		value, err := scalarText(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to convert json element %d: %w", len(rec), err)
		}
		rec = append(rec, Field{Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to close json array: %w", err)
	}
	return rec, nil
}

func scalarText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case 'n':
		return "", nil
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", err
		}
		return buf.String(), nil
	default:
		return string(raw), nil
	}
}

// Len returns the number of fields.
func (r Record) Len() int {
	return len(r)
}

// Named reports whether every field carries a name. An empty record is
// considered named.
func (r Record) Named() bool {
	for _, f := range r {
		if !f.Named {
			return false
		}
	}
	return true
}

// Names returns the field names in order and whether all fields are named.
func (r Record) Names() ([]string, bool) {
	names := make([]string, len(r))
	for i, f := range r {
		if !f.Named {
			return nil, false
		}
		names[i] = f.Name
	}
	return names, true
}

// Values returns the field values in order.
func (r Record) Values() []string {
	values := make([]string, len(r))
	for i, f := range r {
		values[i] = f.Value
	}
	return values
}

// Get returns the value of the first field with the given name.
func (r Record) Get(name string) (string, bool) {
	for _, f := range r {
		if f.Named && f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Project returns a keyed record with exactly the given columns, in order.
// Columns missing from r get an empty value; fields of r that are not listed
// are dropped. Unnamed records are returned unchanged.
func (r Record) Project(columns []string) Record {
	if !r.Named() {
		return r
	}

	out := make(Record, len(columns))
	for i, c := range columns {
		v, _ := r.Get(c)
		out[i] = Field{Name: c, Value: v, Named: true}
	}
	return out
}
