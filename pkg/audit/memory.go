package audit

import (
	"context"
	"sync"

	"github.com/arzzra/televisit/pkg/consultation"
)

// MemorySink хранит записи в памяти
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

// NewMemorySink создает пустой журнал
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append реализует Sink
func (m *MemorySink) Append(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

// FailWith заставляет Append возвращать err (nil - снова принимать)
func (m *MemorySink) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Entries копия всех записей
func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// For записи одной консультации в порядке добавления
func (m *MemorySink) For(consultationID string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.ConsultationID == consultationID {
			out = append(out, e)
		}
	}
	return out
}

// Transitions последовательность состояний консультации по записям
func (m *MemorySink) Transitions(consultationID string) []consultation.State {
	var states []consultation.State
	for _, e := range m.For(consultationID) {
		if e.IsTransition() {
			states = append(states, e.NewState)
		}
	}
	return states
}

// Len количество записей
func (m *MemorySink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
