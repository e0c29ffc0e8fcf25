// Package record defines the row model consumed by the CSV encoder.
//
// A Record is an ordered sequence of fields. Each field carries a value and,
// when the record was built from a keyed source, a name. Names drive header
// derivation; plain lists carry values only.
//
// # Building Records
//
// Plain list (no header can be derived from it):
//
//	rec := record.FromValues("john", "doe", "1")
//
// Keyed record with explicit order:
//
//	rec, err := record.FromNames(
//	    []string{"name", "surname", "year"},
//	    []string{"john", "doe", "2001"},
//	)
//
// From a JSON object, keeping the key order of the document:
//
//	rec, err := record.FromJSON([]byte(`{"name":"john","year":2001}`))
//
// Go maps have no order, so FromMap sorts keys before building the record.
//
// # Projection
//
// Project reorders a keyed record onto a fixed column list. Exporters use it
// so that every row lines up with the header derived from the first record.
package record
