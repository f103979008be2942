package sandbox

import (
	"fmt"

	"sandbox-governor/pkg/seccomp"
)

const (
	sandboxUID  = 65534
	sandboxUser = "65534:65534"
)

// SecurityProfile is the hardening applied to every sandbox container on
// top of the validated resource configuration.
type SecurityProfile struct {
	User          string
	CapDrop       []string
	SecurityOpt   []string
	MaskedPaths   []string
	ReadonlyPaths []string
}

// DefaultSecurityProfile drops every capability, forbids privilege gain and
// installs the seccomp profile matching the network setting.
func DefaultSecurityProfile(networked bool) (SecurityProfile, error) {
	seccompOpt, err := seccomp.SecurityOpt(networked)
	if err != nil {
		return SecurityProfile{}, fmt.Errorf("seccomp profile: %w", err)
	}
	return SecurityProfile{
		User:        sandboxUser,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges", seccompOpt},
		MaskedPaths: []string{
			"/proc/acpi",
			"/proc/kcore",
			"/proc/keys",
			"/proc/latency_stats",
			"/proc/timer_list",
			"/proc/timer_stats",
			"/proc/sched_debug",
			"/proc/scsi",
			"/sys/firmware",
			"/sys/devices/virtual/powercap",
		},
		ReadonlyPaths: []string{
			"/proc/asound",
			"/proc/bus",
			"/proc/fs",
			"/proc/irq",
			"/proc/sys",
			"/proc/sysrq-trigger",
		},
	}, nil
}

func (p SecurityProfile) apply(spec *ContainerSpec) {
	spec.User = p.User
	spec.CapDrop = p.CapDrop
	spec.SecurityOpt = p.SecurityOpt
	spec.MaskedPaths = p.MaskedPaths
	spec.ReadonlyPaths = p.ReadonlyPaths
}
