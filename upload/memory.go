package upload

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/pulselib/config"
	"github.com/timzifer/pulselib/sequencer"
)

// ErrClosed is returned by uploads on a closed driver.
var ErrClosed = errors.New("uploader closed")

func init() {
	Register("memory", func(_ config.UploadConfig, _ zerolog.Logger) (Uploader, error) {
		return NewMemory(), nil
	})
}

// Memory keeps uploaded programs in memory. Failures injected with FailNext
// are returned by the following uploads.
type Memory struct {
	mu       sync.Mutex
	programs []*sequencer.Program
	failures []error
	attempts int
	closed   bool
}

// NewMemory returns an empty in memory uploader.
func NewMemory() *Memory {
	return &Memory{}
}

// FailNext queues errors returned by the next uploads in order.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

func (m *Memory) Upload(ctx context.Context, program *sequencer.Program) ([]EntryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.closed {
		return nil, ErrClosed
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return nil, err
	}
	m.programs = append(m.programs, program)
	return results(program), nil
}

// Programs returns the uploaded programs in order.
func (m *Memory) Programs() []*sequencer.Program {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*sequencer.Program(nil), m.programs...)
}

// Attempts counts every Upload call including failed ones.
func (m *Memory) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
