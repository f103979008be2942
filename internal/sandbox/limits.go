package sandbox

import (
	"fmt"
	"strings"
	"time"
)

// ResourceUsage is a point-in-time stats snapshot of one container.
type ResourceUsage struct {
	ContainerID   string    `json:"container_id"`
	MemoryUsage   int64     `json:"memory_usage"`
	MemoryLimit   int64     `json:"memory_limit"`
	MemoryPercent float64   `json:"memory_percent"`
	CPUPercent    float64   `json:"cpu_percent"`
	PidCount      int64     `json:"pid_count"`
	Timestamp     time.Time `json:"timestamp"`
}

// Limits are the live ceilings EnforceLimits checks a container against.
// Zero fields are not enforced.
type Limits struct {
	MaxMemoryBytes int64   `json:"max_memory_bytes"`
	MaxCPUPercent  float64 `json:"max_cpu_percent"`
	MaxPids        int64   `json:"max_pids"`
}

func (l Limits) Validate() error {
	if l.MaxMemoryBytes < 0 {
		return fmt.Errorf("%w: max_memory_bytes must be non-negative, got %d", ErrInvalidRequest, l.MaxMemoryBytes)
	}
	if l.MaxCPUPercent < 0 {
		return fmt.Errorf("%w: max_cpu_percent must be non-negative, got %.1f", ErrInvalidRequest, l.MaxCPUPercent)
	}
	if l.MaxPids < 0 {
		return fmt.Errorf("%w: max_pids must be non-negative, got %d", ErrInvalidRequest, l.MaxPids)
	}
	return nil
}

// Exceeded describes every limit usage is over, or returns "".
func (l Limits) Exceeded(u ResourceUsage) string {
	var reasons []string
	if l.MaxMemoryBytes > 0 && u.MemoryUsage > l.MaxMemoryBytes {
		reasons = append(reasons, fmt.Sprintf("memory %d bytes exceeds limit %d", u.MemoryUsage, l.MaxMemoryBytes))
	}
	if l.MaxCPUPercent > 0 && u.CPUPercent > l.MaxCPUPercent {
		reasons = append(reasons, fmt.Sprintf("cpu %.1f%% exceeds limit %.1f%%", u.CPUPercent, l.MaxCPUPercent))
	}
	if l.MaxPids > 0 && u.PidCount > l.MaxPids {
		reasons = append(reasons, fmt.Sprintf("pids %d exceeds limit %d", u.PidCount, l.MaxPids))
	}
	return strings.Join(reasons, "; ")
}

func usageFromSample(id string, s StatsSample, now time.Time) ResourceUsage {
	u := ResourceUsage{
		ContainerID: id,
		MemoryUsage: s.MemoryUsage,
		MemoryLimit: s.MemoryLimit,
		CPUPercent:  s.CPUPercent,
		PidCount:    s.PidCount,
		Timestamp:   now,
	}
	if s.MemoryLimit > 0 {
		u.MemoryPercent = float64(s.MemoryUsage) / float64(s.MemoryLimit) * 100
	}
	return u
}
