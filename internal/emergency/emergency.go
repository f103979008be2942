// Package emergency implements the process-wide kill switch. Once tripped,
// every gated operation is refused until an operator resets it.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-governor/internal/audit"
)

// Handler is invoked synchronously when the coordinator trips.
type Handler func(ctx context.Context, reason string) error

// State is a point-in-time copy of the coordinator.
type State struct {
	Tripped   bool      `json:"tripped"`
	Reason    string    `json:"reason,omitempty"`
	TrippedAt time.Time `json:"tripped_at,omitempty"`
	ResetAt   time.Time `json:"reset_at,omitempty"`
	Trips     int       `json:"trips"`
}

type subscriber struct {
	name string
	fn   Handler
}

type Coordinator struct {
	tripped atomic.Bool
	sink    audit.Sink
	now     func() time.Time

	mu       sync.Mutex
	state    State
	done     chan struct{}
	handlers []subscriber
}

func NewCoordinator(sink audit.Sink) *Coordinator {
	return &Coordinator{
		sink: audit.Safe(sink),
		now:  time.Now,
		done: make(chan struct{}),
	}
}

// IsTripped is safe to call from any goroutine and never blocks.
func (c *Coordinator) IsTripped() bool {
	return c.tripped.Load()
}

// Done returns a channel that is closed when the coordinator trips. A new
// channel is handed out after Reset.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.Tripped = c.tripped.Load()
	return s
}

// Subscribe registers a handler run on every trip, in registration order.
func (c *Coordinator) Subscribe(name string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, subscriber{name: name, fn: fn})
}

// Trip activates the emergency stop and runs every handler. Tripping an
// already tripped coordinator is a no-op that returns nil. Handler errors
// are joined; the coordinator stays tripped regardless.
func (c *Coordinator) Trip(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.tripped.Load() {
		c.mu.Unlock()
		return nil
	}
	now := c.now()
	c.tripped.Store(true)
	c.state.Reason = reason
	c.state.TrippedAt = now
	c.state.Trips++
	close(c.done)
	handlers := append([]subscriber(nil), c.handlers...)
	c.mu.Unlock()

	log.Error().Str("reason", reason).Msg("EMERGENCY STOP ACTIVATED")
	c.sink.LogEvent("emergency", "emergency_stop_activated", map[string]any{
		"reason":     reason,
		"tripped_at": now,
	})

	var errs []error
	for _, h := range handlers {
		if err := c.run(ctx, h, reason); err != nil {
			log.Error().Err(err).Str("handler", h.name).Msg("emergency handler failed")
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) run(ctx context.Context, h subscriber, reason string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return h.fn(ctx, reason)
}

// Reset clears the emergency stop. It returns false when nothing was tripped.
func (c *Coordinator) Reset(reason string) bool {
	c.mu.Lock()
	if !c.tripped.Load() {
		c.mu.Unlock()
		return false
	}
	now := c.now()
	c.tripped.Store(false)
	c.state.Reason = ""
	c.state.ResetAt = now
	c.done = make(chan struct{})
	c.mu.Unlock()

	log.Warn().Str("reason", reason).Msg("emergency stop reset")
	c.sink.LogEvent("emergency", "emergency_stop_reset", map[string]any{
		"reason":   reason,
		"reset_at": now,
	})
	return true
}
