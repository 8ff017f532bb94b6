// Package events carries user-facing diagnostics (warnings, errors, info)
// produced while resolving configurations.
//
// Computations that may be retried store their events and replay them only
// once they have completed, so a diagnostic is delivered exactly once no matter
// how many times the computation was restarted.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/albertocavalcante/go-bzlconfig/label"
)

// Kind classifies an event.
type Kind int

const (
	Debug Kind = iota
	Info
	Warning
	Error
)

func (k Kind) String() string {
	switch k {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is a single diagnostic.
type Event struct {
	Kind    Kind
	Message string

	// Label is the target the event is about, if any.
	Label label.Label
}

func (e Event) String() string {
	if e.Label.IsEmpty() {
		return e.Kind.String() + ": " + e.Message
	}
	return e.Kind.String() + ": " + e.Label.String() + ": " + e.Message
}

// Warningf builds a Warning event.
func Warningf(format string, args ...any) Event {
	return Event{Kind: Warning, Message: fmt.Sprintf(format, args...)}
}

// Errorf builds an Error event.
func Errorf(format string, args ...any) Event {
	return Event{Kind: Error, Message: fmt.Sprintf(format, args...)}
}

// Handler receives events.
type Handler interface {
	Handle(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

func (f HandlerFunc) Handle(e Event) { f(e) }

// Discard drops every event.
var Discard Handler = HandlerFunc(func(Event) {})

// Store records events for later replay. It is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	events []Event
}

var _ Handler = (*Store)(nil)

// Handle records e.
func (s *Store) Handle(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of the recorded events.
func (s *Store) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Len returns the number of recorded events.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// ReplayTo delivers the recorded events to h in order and clears the store,
// so a second replay delivers nothing.
func (s *Store) ReplayTo(h Handler) {
	s.mu.Lock()
	evs := s.events
	s.events = nil
	s.mu.Unlock()

	for _, e := range evs {
		h.Handle(e)
	}
}

// ErrorSensing forwards events to an optional delegate and remembers whether
// any Error event passed through.
type ErrorSensing struct {
	delegate Handler

	mu        sync.Mutex
	hasErrors bool
}

var _ Handler = (*ErrorSensing)(nil)

// NewErrorSensing wraps delegate; a nil delegate drops events after sensing them.
func NewErrorSensing(delegate Handler) *ErrorSensing {
	if delegate == nil {
		delegate = Discard
	}
	return &ErrorSensing{delegate: delegate}
}

func (h *ErrorSensing) Handle(e Event) {
	if e.Kind == Error {
		h.mu.Lock()
		h.hasErrors = true
		h.mu.Unlock()
	}
	h.delegate.Handle(e)
}

// HasErrors reports whether an Error event was seen.
func (h *ErrorSensing) HasErrors() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasErrors
}

// SlogHandler forwards events to a structured logger.
type SlogHandler struct {
	Logger *slog.Logger
}

var _ Handler = SlogHandler{}

func (h SlogHandler) Handle(e Event) {
	if h.Logger == nil {
		return
	}
	level := slog.LevelInfo
	switch e.Kind {
	case Debug:
		level = slog.LevelDebug
	case Warning:
		level = slog.LevelWarn
	case Error:
		level = slog.LevelError
	}
	attrs := []slog.Attr{}
	if !e.Label.IsEmpty() {
		attrs = append(attrs, slog.String("label", e.Label.String()))
	}
	h.Logger.LogAttrs(context.Background(), level, e.Message, attrs...)
}
