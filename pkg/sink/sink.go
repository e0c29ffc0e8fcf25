// Package sink defines the narrow destination contract used by encoders.
//
// A sink receives raw bytes in order and is finalized exactly once. Creating
// the destination, policy checks (such as refusing to overwrite) and
// transport belong to the sink implementation, not to the encoder.
package sink

// Sink is an append-only byte destination.
type Sink interface {
	// Append writes p in full or returns an error. Implementations may buffer.
	Append(p []byte) error

	// Finalize flushes buffered bytes to the destination and releases it.
	// The sink must release its resources even when flushing fails.
	Finalize() error
}

// Opener is implemented by sinks that need explicit initialization before
// the first Append.
type Opener interface {
	Open() error
}

// Aborter is implemented by sinks that can discard a part instead of
// publishing it. Abort drops everything appended, releases the destination
// and publishes nothing. Bytes a sink has already streamed past its own
// buffer may not be recallable.
type Aborter interface {
	Abort() error
}

// Describer is implemented by sinks that can name their destination for logs
// and errors.
type Describer interface {
	Destination() string
}

// DestinationOf returns a printable name for s.
func DestinationOf(s Sink) string {
	if d, ok := s.(Describer); ok {
		return d.Destination()
	}
	return "unknown"
}
