package sandbox

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const removeParallelism = 8

// BatchCleanup force-removes every labeled container older than maxAge,
// whether or not this process knows about it, so containers orphaned by a
// crash are reaped too. maxAge 0 removes all of them.
func (m *Manager) BatchCleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := m.preflight("batch_cleanup", "system", "", gateForced, map[string]any{
		"max_age_seconds": maxAge.Seconds(),
	}); err != nil {
		return 0, err
	}

	var containers []ContainerSummary
	if err := m.call(ctx, "list", func(ctx context.Context) error {
		var err error
		containers, err = m.engine.List(ctx, m.label)
		return err
	}); err != nil {
		return 0, classify("", "batch_cleanup", err)
	}

	cutoff := m.now().Add(-maxAge)
	var removed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(removeParallelism)
	for _, c := range containers {
		if c.CreatedAt.After(cutoff) {
			continue
		}
		g.Go(func() error {
			ok, err := m.remove(ctx, c.ID, true)
			if err != nil {
				log.Error().Err(err).Str("container_id", shortID(c.ID)).Msg("batch cleanup failed to remove container")
				return nil
			}
			m.unregister(c.ID)
			if ok {
				removed.Add(1)
				log.Info().
					Str("container_id", shortID(c.ID)).
					Str("name", c.Name).
					Time("created_at", c.CreatedAt).
					Msg("reaped sandbox container")
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(removed.Load())
	if n > 0 {
		log.Info().Int("count", n).Dur("max_age", maxAge).Msg("batch cleanup removed containers")
	}
	m.sink.LogEvent("", "batch_cleanup", map[string]any{
		"removed":         n,
		"max_age_seconds": maxAge.Seconds(),
	})
	return n, nil
}

// EmergencyStopAll kills and removes every labeled container plus every
// container in the active set, then clears the set. It never consults the
// collaborators that could deny it and bypasses the worker pool.
func (m *Manager) EmergencyStopAll(ctx context.Context) (int, error) {
	m.metrics.RecordGateDecision("emergency_stop_all", true)
	m.sink.LogEvent("", "security_gate", map[string]any{
		"operation": "emergency_stop_all",
		"allowed":   true,
		"user_id":   "system",
	})
	ctx = context.WithoutCancel(ctx)

	targets := make(map[string]struct{})
	m.mu.Lock()
	for id := range m.active {
		targets[id] = struct{}{}
	}
	m.mu.Unlock()

	var errs []error
	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	containers, err := m.engine.List(listCtx, m.label)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("emergency stop could not list containers, stopping known containers only")
		errs = append(errs, classify("", "emergency_stop_all", err))
	}
	for _, c := range containers {
		targets[c.ID] = struct{}{}
	}

	var removed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(removeParallelism * 2)
	results := make(chan error, len(targets))
	for id := range targets {
		g.Go(func() error {
			stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			if err := m.engine.Kill(stopCtx, id); err != nil && !errors.Is(err, ErrNotFound) {
				log.Debug().Err(err).Str("container_id", shortID(id)).Msg("emergency kill failed")
			}
			err := m.engine.Remove(stopCtx, id, true)
			switch {
			case err == nil:
				removed.Add(1)
			case errors.Is(err, ErrNotFound):
			default:
				log.Error().Err(err).Str("container_id", shortID(id)).Msg("emergency removal failed")
				results <- classify(id, "emergency_stop_all", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	for err := range results {
		errs = append(errs, err)
	}

	m.mu.Lock()
	clear(m.active)
	m.mu.Unlock()
	m.metrics.SetActiveContainers(0)

	n := int(removed.Load())
	log.Warn().Int("removed", n).Int("targets", len(targets)).Msg("emergency stop removed all sandbox containers")
	m.sink.LogEvent("", "emergency_stop_all", map[string]any{
		"removed": n,
		"targets": len(targets),
	})
	return n, errors.Join(errs...)
}

// RunReaper calls BatchCleanup once immediately and then every interval
// until ctx is cancelled.
func (m *Manager) RunReaper(ctx context.Context, interval, maxAge time.Duration) {
	reap := func() {
		if _, err := m.BatchCleanup(ctx, maxAge); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("orphan reaper pass failed")
		}
	}
	reap()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reap()
		case <-ctx.Done():
			return
		}
	}
}
