package storage

import (
	"bytes"
	"sync"

	apperrors "github.com/jittakal/csvexport/internal/errors"
	"github.com/jittakal/csvexport/pkg/sink"
)

// Ensure implementation satisfies interface at compile time.
var (
	_ sink.Sink    = (*MemorySink)(nil)
	_ sink.Aborter = (*MemorySink)(nil)
)

// MemorySink keeps appended bytes in memory.
type MemorySink struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	finalized bool
	aborted   bool
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append copies p into the buffer.
func (m *MemorySink) Append(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized {
		return apperrors.ErrSinkFinalized
	}
	m.buf.Write(p)
	return nil
}

// Finalize marks the sink complete. Contents stay readable.
func (m *MemorySink) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized {
		return apperrors.ErrSinkFinalized
	}
	m.finalized = true
	return nil
}

// Abort drops the contents and marks the sink complete.
func (m *MemorySink) Abort() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized {
		return apperrors.ErrSinkFinalized
	}
	m.finalized = true
	m.aborted = true
	m.buf.Reset()
	return nil
}

// Aborted reports whether the sink was discarded by Abort.
func (m *MemorySink) Aborted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborted
}

// Finalized reports whether Finalize or Abort has been called.
func (m *MemorySink) Finalized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized
}

// Bytes returns a copy of the sink contents.
func (m *MemorySink) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.buf.Bytes())
}

// String returns the sink contents as a string.
func (m *MemorySink) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.String()
}

// Destination returns "memory".
func (m *MemorySink) Destination() string {
	return BackendMemory
}
