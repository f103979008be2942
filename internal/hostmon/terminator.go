package hostmon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"sandbox-governor/internal/audit"
	"sandbox-governor/internal/monitor"
)

// Signaller delivers signals to host processes.
type Signaller interface {
	Signal(pid int, sig unix.Signal) error
	Alive(pid int) bool
}

// UnixSignaller signals processes with kill(2).
type UnixSignaller struct{}

func (UnixSignaller) Signal(pid int, sig unix.Signal) error {
	return unix.Kill(pid, sig)
}

// Alive probes the pid with signal 0. EPERM means the process exists but
// belongs to someone else.
func (UnixSignaller) Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

type TerminatorConfig struct {
	GracefulWait time.Duration
	TimeoutWait  time.Duration
	PollInterval time.Duration
}

func (c *TerminatorConfig) setDefaults() {
	if c.GracefulWait <= 0 {
		c.GracefulWait = 30 * time.Second
	}
	if c.TimeoutWait <= 0 {
		c.TimeoutWait = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
}

// Terminator picks a termination method for an alert and carries it out.
type Terminator struct {
	cfg       TerminatorConfig
	signaller Signaller
	store     Recorder
	sink      audit.Sink
	metrics   *monitor.Metrics
	now       func() time.Time

	// protected is installed by the monitor; a true result refuses the
	// termination before any signal is sent.
	protected func(pid int, name string) bool
}

func NewTerminator(s Signaller, cfg TerminatorConfig, store Recorder, sink audit.Sink, metrics *monitor.Metrics) *Terminator {
	cfg.setDefaults()
	if s == nil {
		s = UnixSignaller{}
	}
	return &Terminator{
		cfg:       cfg,
		signaller: s,
		store:     store,
		sink:      audit.Safe(sink),
		metrics:   metrics,
		now:       time.Now,
	}
}

// DetermineMethod maps an alert to a termination method. CPU or memory above
// 95% is killed outright; descriptor leaks get a graceful stop; long running
// processes get a short timeout-bounded stop.
func DetermineMethod(a ProcessAlert) Method {
	switch a.Trigger {
	case TriggerCPU, TriggerMemory:
		if a.CurrentValue > 95 {
			return MethodForce
		}
		return MethodGraceful
	case TriggerFileDescriptors:
		return MethodGraceful
	case TriggerExecutionTime:
		return MethodTimeout
	case TriggerChildProcesses:
		if a.Severity == SeverityCritical {
			return MethodForce
		}
		return MethodGraceful
	default:
		return MethodGraceful
	}
}

// Terminate signals pid according to method. A process that is already gone
// counts as terminated. Permission failures are reported and not retried.
func (t *Terminator) Terminate(ctx context.Context, pid int, method Method) (bool, string) {
	if method == MethodForce {
		return t.kill(pid, "SIGKILL sent")
	}

	grace := t.cfg.GracefulWait
	if method == MethodTimeout {
		grace = t.cfg.TimeoutWait
	}

	if ok, note, done := t.deliver(pid, unix.SIGTERM); done {
		return ok, note
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	poll := time.NewTicker(t.cfg.PollInterval)
	defer poll.Stop()
	for {
		select {
		case <-poll.C:
			if !t.signaller.Alive(pid) {
				return true, "terminated by SIGTERM"
			}
		case <-deadline.C:
			return t.kill(pid, fmt.Sprintf("escalated to SIGKILL after %s", grace))
		case <-ctx.Done():
			return t.kill(pid, "escalated to SIGKILL on shutdown")
		}
	}
}

func (t *Terminator) kill(pid int, note string) (bool, string) {
	if ok, n, done := t.deliver(pid, unix.SIGKILL); done {
		return ok, n
	}
	return true, note
}

// deliver sends sig and reports done when the outcome is already final.
func (t *Terminator) deliver(pid int, sig unix.Signal) (ok bool, note string, done bool) {
	err := t.signaller.Signal(pid, sig)
	switch {
	case err == nil:
		return false, "", false
	case errors.Is(err, unix.ESRCH):
		return true, "process already exited", true
	case errors.Is(err, unix.EPERM):
		return false, fmt.Sprintf("permission denied sending %s", unix.SignalName(sig)), true
	default:
		return false, fmt.Sprintf("sending %s: %v", unix.SignalName(sig), err), true
	}
}

// Handle terminates the process an alert fired for, then persists and
// audits the outcome. Protected processes are refused with ErrProtected and
// leave no record.
func (t *Terminator) Handle(ctx context.Context, alert ProcessAlert, snap ProcessSnapshot) (TerminationRecord, error) {
	if t.protected != nil && t.protected(snap.PID, snap.Name) {
		return TerminationRecord{}, ErrProtected
	}

	method := DetermineMethod(alert)
	logger := log.With().
		Int("pid", snap.PID).
		Str("process", snap.Name).
		Str("method", string(method)).
		Logger()
	logger.Warn().Str("trigger", string(alert.Trigger)).Msg("terminating runaway process")

	ok, note := t.Terminate(ctx, snap.PID, method)
	rec := TerminationRecord{
		PID:                  snap.PID,
		ProcessName:          snap.Name,
		Method:               method,
		Reason:               alert.Description,
		CPUAtTermination:     snap.CPUPercent,
		MemoryAtTermination:  snap.MemoryPercent,
		ExecutionTimeSeconds: snap.Age().Seconds(),
		Success:              ok,
		Timestamp:            t.now(),
	}
	if !ok {
		rec.ErrorMessage = note
		logger.Error().Str("error", note).Msg("termination failed")
	} else {
		logger.Info().Str("note", note).Msg("process terminated")
	}

	t.metrics.RecordTermination(string(method), ok)
	if t.store != nil {
		if err := t.store.SaveTermination(context.WithoutCancel(ctx), rec); err != nil {
			logger.Error().Err(err).Msg("failed to persist termination record")
		}
	}
	t.sink.LogEvent(fmt.Sprintf("pid:%d", snap.PID), "process_terminated", map[string]any{
		"process_name": snap.Name,
		"method":       string(method),
		"reason":       alert.Description,
		"success":      ok,
		"note":         note,
	})
	return rec, nil
}
