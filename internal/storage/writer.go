package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-governor/internal/monitor"
)

// AuditWriter persists audit events off the caller's goroutine. It
// implements audit.Sink.
type AuditWriter struct {
	store   Store
	metrics *monitor.Metrics
	ch      chan AuditEvent
	wg      sync.WaitGroup
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	backoff func(attempt int) time.Duration
}

func NewAuditWriter(store Store, bufferSize int, metrics *monitor.Metrics) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		store:   store,
		metrics: metrics,
		ch:      make(chan AuditEvent, bufferSize),
		done:    make(chan struct{}),
		backoff: func(attempt int) time.Duration {
			return time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
		},
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// LogEvent queues an event. It never blocks: when the buffer is full or the
// writer has been flushed the event is dropped with a warning.
func (w *AuditWriter) LogEvent(subject, operation string, payload map[string]any) {
	ev := AuditEvent{
		Subject:   subject,
		Operation: operation,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.drop(ev, "audit writer closed, dropping event")
		return
	}

	select {
	case w.ch <- ev:
	default:
		w.drop(ev, "audit buffer full, dropping event")
	}
}

func (w *AuditWriter) drop(ev AuditEvent, msg string) {
	w.metrics.RecordAuditDrop()
	log.Warn().
		Str("subject", ev.Subject).
		Str("operation", ev.Operation).
		Msg(msg)
}

// Flush stops accepting events and waits up to timeout for the queue to
// drain. Calling it more than once is safe.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.done)
	w.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Int("pending", len(w.ch)).Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case ev := <-w.ch:
			w.writeWithRetry(ev)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case ev := <-w.ch:
					w.writeWithRetry(ev)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(ev AuditEvent) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.SaveAuditEvent(ctx, ev)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := w.backoff(attempt)
			log.Warn().
				Err(err).
				Str("operation", ev.Operation).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			w.metrics.RecordAuditDrop()
			log.Error().
				Err(err).
				Str("subject", ev.Subject).
				Str("operation", ev.Operation).
				Msg("audit write failed permanently after retries")
		}
	}
}
