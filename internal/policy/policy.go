package policy

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ErrPolicyViolation is returned when a container configuration is rejected.
var ErrPolicyViolation = errors.New("policy violation")

// Violation describes the first check a configuration failed.
type Violation struct {
	Field  string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrPolicyViolation, v.Field, v.Reason)
}

func (v *Violation) Unwrap() error {
	return ErrPolicyViolation
}

func violation(field, format string, args ...any) error {
	return &Violation{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// SecurityPolicy is the process-wide ceiling every container must fit under.
// It is built once at startup and never mutated.
type SecurityPolicy struct {
	MaxMemoryBytes        int64
	MaxCPUQuota           int64 // microseconds per period
	MaxCPUPeriod          int64 // microseconds
	MaxTimeout            time.Duration
	MaxProcesses          int64
	RequireReadOnlyRootFS bool
	AllowedTmpfsPaths     []string
	AllowNetwork          bool
	RequireSecurityLabels bool
	SecurityLabel         string
}

// DefaultPolicy returns the hardened policy used when no config file is present.
func DefaultPolicy() SecurityPolicy {
	return SecurityPolicy{
		MaxMemoryBytes:        512 * mib,
		MaxCPUQuota:           50000,
		MaxCPUPeriod:          100000,
		MaxTimeout:            30 * time.Second,
		MaxProcesses:          50,
		RequireReadOnlyRootFS: true,
		AllowedTmpfsPaths:     []string{"/tmp"},
		AllowNetwork:          false,
		RequireSecurityLabels: true,
		SecurityLabel:         "governor.sandbox",
	}
}

// ContainerConfig is the resource and isolation request for one container.
type ContainerConfig struct {
	Memory           string            `json:"memory"`
	CPUQuota         int64             `json:"cpu_quota"`
	CPUPeriod        int64             `json:"cpu_period"`
	PidsLimit        int64             `json:"pids_limit"`
	ReadOnlyRootFS   bool              `json:"read_only"`
	Tmpfs            map[string]string `json:"tmpfs,omitempty"` // mount path -> options
	Labels           map[string]string `json:"labels,omitempty"`
	NetworkDisabled  bool              `json:"network_disabled"`
	NetworkRequested bool              `json:"network_requested"`
}

// Overrides are caller-supplied adjustments merged over the defaults.
// Zero values leave the default untouched.
type Overrides struct {
	Memory         string            `json:"memory,omitempty"`
	CPUQuota       int64             `json:"cpu_quota,omitempty"`
	CPUPeriod      int64             `json:"cpu_period,omitempty"`
	PidsLimit      int64             `json:"pids_limit,omitempty"`
	ReadOnlyRootFS *bool             `json:"read_only,omitempty"`
	Tmpfs          map[string]string `json:"tmpfs,omitempty"`
}

// Defaults returns the container configuration every request starts from:
// network off, read-only root, scratch tmpfs, and the ownership label.
func (p SecurityPolicy) Defaults() ContainerConfig {
	mem := int64(128 * mib)
	if p.MaxMemoryBytes > 0 && p.MaxMemoryBytes < mem {
		mem = p.MaxMemoryBytes
	}
	cfg := ContainerConfig{
		Memory:          strconv.FormatInt(mem, 10),
		CPUQuota:        p.MaxCPUQuota,
		CPUPeriod:       p.MaxCPUPeriod,
		PidsLimit:       p.MaxProcesses,
		ReadOnlyRootFS:  true,
		Tmpfs:           map[string]string{},
		Labels:          map[string]string{},
		NetworkDisabled: true,
	}
	for _, path := range p.AllowedTmpfsPaths {
		cfg.Tmpfs[path] = "rw,noexec,nosuid,nodev,size=64m"
	}
	if p.SecurityLabel != "" {
		cfg.Labels[p.SecurityLabel] = "true"
	}
	return cfg
}

// Merge applies overrides on top of base and returns a new configuration.
// Base maps are copied; the caller's values are never aliased.
func Merge(base ContainerConfig, o Overrides) ContainerConfig {
	out := base
	out.Tmpfs = copyMap(base.Tmpfs)
	out.Labels = copyMap(base.Labels)

	if o.Memory != "" {
		out.Memory = o.Memory
	}
	if o.CPUQuota != 0 {
		out.CPUQuota = o.CPUQuota
	}
	if o.CPUPeriod != 0 {
		out.CPUPeriod = o.CPUPeriod
	}
	if o.PidsLimit != 0 {
		out.PidsLimit = o.PidsLimit
	}
	if o.ReadOnlyRootFS != nil {
		out.ReadOnlyRootFS = *o.ReadOnlyRootFS
	}
	for path, opts := range o.Tmpfs {
		out.Tmpfs[path] = opts
	}
	return out
}

// Validate checks cfg against p in a fixed order and stops at the first
// failure. It performs no I/O.
func Validate(cfg ContainerConfig, p SecurityPolicy) error {
	mem, err := ParseMemory(cfg.Memory)
	if err != nil {
		return violation("memory", "%v", err)
	}
	if p.MaxMemoryBytes > 0 && mem > p.MaxMemoryBytes {
		return violation("memory", "%d bytes exceeds maximum %d", mem, p.MaxMemoryBytes)
	}

	if cfg.CPUQuota < 0 || cfg.CPUPeriod < 0 {
		return violation("cpu", "quota and period must be non-negative")
	}
	if p.MaxCPUQuota > 0 && cfg.CPUQuota > p.MaxCPUQuota {
		return violation("cpu_quota", "%d exceeds maximum %d", cfg.CPUQuota, p.MaxCPUQuota)
	}
	if p.MaxCPUPeriod > 0 && cfg.CPUPeriod > p.MaxCPUPeriod {
		return violation("cpu_period", "%d exceeds maximum %d", cfg.CPUPeriod, p.MaxCPUPeriod)
	}
	if p.MaxProcesses > 0 && (cfg.PidsLimit <= 0 || cfg.PidsLimit > p.MaxProcesses) {
		return violation("pids_limit", "%d outside 1-%d", cfg.PidsLimit, p.MaxProcesses)
	}

	if p.RequireReadOnlyRootFS && !cfg.ReadOnlyRootFS {
		return violation("read_only", "read-only root filesystem is required")
	}

	for path := range cfg.Tmpfs {
		if !slices.Contains(p.AllowedTmpfsPaths, path) {
			return violation("tmpfs", "mount path %q is not allowed", path)
		}
	}

	if p.RequireSecurityLabels {
		if _, ok := cfg.Labels[p.SecurityLabel]; !ok {
			return violation("labels", "missing required label %q", p.SecurityLabel)
		}
	}

	if !cfg.NetworkDisabled && !(p.AllowNetwork && cfg.NetworkRequested) {
		if !p.AllowNetwork {
			return violation("network", "network access is not permitted")
		}
		return violation("network", "network enabled without an explicit request")
	}

	return nil
}

// ValidateTimeout rejects execution deadlines above the policy maximum.
func ValidateTimeout(timeout time.Duration, p SecurityPolicy) error {
	if timeout <= 0 {
		return violation("timeout", "must be positive, got %s", timeout)
	}
	if p.MaxTimeout > 0 && timeout > p.MaxTimeout {
		return violation("timeout", "%s exceeds maximum %s", timeout, p.MaxTimeout)
	}
	return nil
}

const (
	kib = 1024
	mib = 1024 * kib
	gib = 1024 * mib
)

// ParseMemory converts a memory string such as "128m", "1g", "512k" or a
// bare byte count into bytes using binary multipliers. A trailing "b" is
// accepted ("64mb"). Unknown units and non-numeric values are errors.
func ParseMemory(s string) (int64, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, errors.New("memory value is empty")
	}

	if len(v) > 1 && strings.HasSuffix(v, "b") {
		v = v[:len(v)-1]
	}

	multiplier := int64(1)
	switch last := v[len(v)-1]; {
	case last == 'k':
		multiplier = kib
	case last == 'm':
		multiplier = mib
	case last == 'g':
		multiplier = gib
	case last >= '0' && last <= '9':
	default:
		return 0, fmt.Errorf("unknown memory unit %q in %q", string(last), s)
	}
	if multiplier != 1 {
		v = v[:len(v)-1]
	}

	n, err := strconv.ParseFloat(v, 64)
	if err != nil || v == "" {
		return 0, fmt.Errorf("invalid memory value %q", s)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("invalid memory value %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("memory value %q is negative", s)
	}
	// float64(math.MaxInt64) rounds up to 2^63, so equality already overflows.
	bytes := n * float64(multiplier)
	if bytes >= float64(math.MaxInt64) {
		return 0, fmt.Errorf("memory value %q is out of range", s)
	}
	if bytes != math.Trunc(bytes) {
		return 0, fmt.Errorf("memory value %q is not a whole number of bytes", s)
	}
	return int64(bytes), nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
