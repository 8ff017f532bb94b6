package eval

import (
	"sync"

	"github.com/albertocavalcante/go-bzlconfig/events"
)

var _ Environment = (*MemoryEnvironment)(nil)

// MemoryEnvironment is a hand-driven Environment for testing functions in
// isolation. Keys that were never Set report Suspend.
type MemoryEnvironment struct {
	mu       sync.Mutex
	values   map[Key]Result[Value]
	missing  []Key
	requests []Key
	store    events.Store
}

// NewMemoryEnvironment creates an empty environment.
func NewMemoryEnvironment() *MemoryEnvironment {
	return &MemoryEnvironment{values: make(map[Key]Result[Value])}
}

// Set makes key available with value v.
func (m *MemoryEnvironment) Set(key Key, v Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = Ready(v)
}

// SetError makes key fail with err.
func (m *MemoryEnvironment) SetError(key Key, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = Fail[Value](err)
}

// Delete makes key unavailable again.
func (m *MemoryEnvironment) Delete(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}

func (m *MemoryEnvironment) GetValue(key Key) Result[Value] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, key)
	if r, ok := m.values[key]; ok {
		return r
	}
	m.missing = append(m.missing, key)
	return Suspend[Value]()
}

func (m *MemoryEnvironment) GetValues(keys []Key) map[Key]Result[Value] {
	out := make(map[Key]Result[Value], len(keys))
	for _, k := range keys {
		out[k] = m.GetValue(k)
	}
	return out
}

func (m *MemoryEnvironment) ValuesMissing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.missing) > 0
}

func (m *MemoryEnvironment) Listener() events.Handler {
	return &m.store
}

// Missing returns the keys requested but unavailable since the last Reset.
func (m *MemoryEnvironment) Missing() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Key, len(m.missing))
	copy(out, m.missing)
	return out
}

// Requests returns every key requested since the last Reset, in order.
func (m *MemoryEnvironment) Requests() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Key, len(m.requests))
	copy(out, m.requests)
	return out
}

// Events returns the events emitted to the listener.
func (m *MemoryEnvironment) Events() []events.Event {
	return m.store.Events()
}

// Reset starts a new attempt: missing and requested keys and stored events
// are forgotten, values are kept.
func (m *MemoryEnvironment) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missing = nil
	m.requests = nil
	m.store.ReplayTo(events.Discard)
}
