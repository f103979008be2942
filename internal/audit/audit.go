// Package audit defines the sink every lifecycle transition, gate decision,
// alert and termination is reported to.
package audit

import (
	"github.com/rs/zerolog/log"
)

// Sink receives structured audit events. Implementations must not block the
// caller for long and must never panic into it.
type Sink interface {
	LogEvent(subject, operation string, payload map[string]any)
}

// LogSink writes events to the structured logger.
type LogSink struct{}

func (LogSink) LogEvent(subject, operation string, payload map[string]any) {
	log.Info().
		Str("subject", subject).
		Str("operation", operation).
		Fields(payload).
		Msg("audit")
}

// Nop discards every event.
type Nop struct{}

func (Nop) LogEvent(string, string, map[string]any) {}

// Multi fans an event out to several sinks. A panicking sink is logged and
// skipped so the remaining sinks still receive the event.
type Multi []Sink

func (m Multi) LogEvent(subject, operation string, payload map[string]any) {
	for _, s := range m {
		if s == nil {
			continue
		}
		emit(s, subject, operation, payload)
	}
}

// Safe wraps a sink so a panic inside it is logged locally instead of
// reaching the caller. A nil sink becomes Nop.
func Safe(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return safeSink{inner: s}
}

type safeSink struct {
	inner Sink
}

func (s safeSink) LogEvent(subject, operation string, payload map[string]any) {
	emit(s.inner, subject, operation, payload)
}

func emit(s Sink, subject, operation string, payload map[string]any) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("subject", subject).
				Str("operation", operation).
				Msg("audit sink failed")
		}
	}()
	s.LogEvent(subject, operation, payload)
}
