// Package encoder provides streaming encoding of records to delimited text.
//
// A CSVEncoder converts records into rows one at a time and hands each row to
// a sink.Sink, so datasets of any size are exported without being held in
// memory.
//
// # Lifecycle
//
//	enc, err := encoder.NewCSVEncoder(s,
//	    encoder.WithDelimiter(';'),
//	    encoder.WithBOM(true),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := enc.Open(); err != nil {
//	    log.Fatal(err)
//	}
//	for _, rec := range records {
//	    if err := enc.Write(rec); err != nil {
//	        _ = enc.Close()
//	        log.Fatal(err)
//	    }
//	}
//	if err := enc.Close(); err != nil {
//	    log.Fatal(err)
//	}
//
// Open twice, Write before Open or after Close, and Close twice all fail with
// a *errors.LifecycleError. A failed sink append fails with a
// *errors.FormatError and poisons the encoder: every later Write returns the
// same error, since a partial file is worse than a hard stop. Close always
// releases the sink; a failed finalization is reported as *errors.SinkError.
//
// # Output
//
//	[BOM] [header row] row* ; row = field (delimiter field)* terminator
//
// The BOM (EF BB BF) is written by Open and therefore appears exactly once, at
// offset 0. The header row is derived from the field names of the first
// record and written before it; with headers enabled the first record must be
// fully named.
//
// # Quoting
//
// A field is wrapped in the enclosure character when it contains the
// delimiter, the enclosure, the escape character, CR or LF, or when it starts
// or ends with a space or tab. Other fields are written verbatim.
//
// Inside an enclosed field the enclosure is escaped according to the dialect:
//
//   - DialectDoubleEnclosure (default): the enclosure is doubled, `"` -> `""`.
//     The escape character has no escaping role and is written as is.
//   - DialectEscapeEnclosure: the enclosure and the escape character are
//     both prefixed with the escape character, `"` -> `\"` and `\` -> `\\`.
//     Outside enclosed fields the escape character cannot occur, because it
//     forces enclosure.
//
// # Presets
//
// Factory builds encoders from a Format preset (csv, tsv, excel) plus options.
//
// # Thread Safety
//
// A CSVEncoder is not safe for concurrent use. Factory may be shared.
package encoder
