// Package source defines interfaces for record sources feeding an export.
package source

import (
	"context"

	"github.com/jittakal/csvexport/pkg/record"
)

// Source yields records one at a time.
type Source interface {
	// Next blocks until a record is available. It returns io.EOF when the
	// source is exhausted, or the context error when ctx is done.
	Next(ctx context.Context) (record.Record, error)
}

// Acker is implemented by sources that acknowledge delivered records once
// the exporter has durably finalized them.
type Acker interface {
	Ack(ctx context.Context) error
}
