// Package hostmon polls the host process table, flags runaway processes and
// terminates them. It runs independently of any sandbox execution so
// processes that escaped or were never started by the governor are caught.
package hostmon

import (
	"context"
	"errors"
	"time"
)

// ProcessState is the monitor's classification of a tracked process.
type ProcessState string

const (
	StateNormal     ProcessState = "normal"
	StateSuspicious ProcessState = "suspicious"
	StateRunaway    ProcessState = "runaway"
	StateTerminated ProcessState = "terminated"
	StateZombie     ProcessState = "zombie"
)

// Trigger names the metric an alert fired on.
type Trigger string

const (
	TriggerCPU             Trigger = "cpu"
	TriggerMemory          Trigger = "memory"
	TriggerExecutionTime   Trigger = "execution_time"
	TriggerFileDescriptors Trigger = "file_descriptors"
	TriggerChildProcesses  Trigger = "child_processes"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Method is how a process is terminated.
type Method string

const (
	MethodGraceful Method = "SIGTERM"
	MethodForce    Method = "SIGKILL"
	MethodTimeout  Method = "TIMEOUT"
)

// ActionNotTerminated is the recommended action on alerts for protected and
// self processes.
const ActionNotTerminated = "monitored, not terminated"

var ErrProtected = errors.New("process is protected")

// ProcessSnapshot is one observation of a process. A newer snapshot for the
// same pid supersedes it; snapshots are never mutated.
type ProcessSnapshot struct {
	PID           int       `json:"pid"`
	Name          string    `json:"name"`
	Cmdline       string    `json:"cmdline"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryRSS     int64     `json:"memory_rss"`
	NumThreads    int       `json:"num_threads"`
	NumFDs        int       `json:"num_fds"`
	CreateTime    time.Time `json:"create_time"`
	Status        string    `json:"status"`
	PPID          int       `json:"ppid"`
	Children      []int     `json:"children,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Age is how long the process had been running when the snapshot was taken.
func (s ProcessSnapshot) Age() time.Duration {
	if s.CreateTime.IsZero() || s.Timestamp.Before(s.CreateTime) {
		return 0
	}
	return s.Timestamp.Sub(s.CreateTime)
}

type ProcessAlert struct {
	PID               int       `json:"pid"`
	ProcessName       string    `json:"process_name"`
	Trigger           Trigger   `json:"trigger_type"`
	CurrentValue      float64   `json:"current_value"`
	ThresholdValue    float64   `json:"threshold_value"`
	Severity          Severity  `json:"severity"`
	Description       string    `json:"description"`
	RecommendedAction string    `json:"recommended_action"`
	Timestamp         time.Time `json:"timestamp"`
}

// TerminationRecord is the append-only outcome of one termination attempt.
type TerminationRecord struct {
	PID                  int       `json:"pid"`
	ProcessName          string    `json:"process_name"`
	Method               Method    `json:"termination_method"`
	Reason               string    `json:"termination_reason"`
	CPUAtTermination     float64   `json:"cpu_usage_at_termination"`
	MemoryAtTermination  float64   `json:"memory_usage_at_termination"`
	ExecutionTimeSeconds float64   `json:"execution_time_seconds"`
	Success              bool      `json:"success"`
	ErrorMessage         string    `json:"error_message,omitempty"`
	Timestamp            time.Time `json:"timestamp"`
}

// Recorder persists monitor output.
type Recorder interface {
	SaveSnapshots(ctx context.Context, snaps []ProcessSnapshot) error
	SaveAlert(ctx context.Context, alert ProcessAlert) error
	SaveTermination(ctx context.Context, rec TerminationRecord) error
}

// Escalator is tripped when runaway processes overwhelm the terminator.
type Escalator interface {
	Trip(ctx context.Context, reason string) error
}

// Status summarizes the monitor's current view.
type Status struct {
	Running     bool      `json:"running"`
	Tracked     int       `json:"tracked"`
	Suspicious  int       `json:"suspicious"`
	Runaway     int       `json:"runaway"`
	Zombies     int       `json:"zombies"`
	Terminated  int       `json:"terminated_total"`
	Alerts      int       `json:"alerts_total"`
	LastTick    time.Time `json:"last_tick"`
	LastTickErr string    `json:"last_tick_error,omitempty"`
}
