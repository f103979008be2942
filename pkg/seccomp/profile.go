package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ProfileBuilder assembles a deny-by-default seccomp profile.
type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *ProfileBuilder) rule(action specs.LinuxSeccompAction, names []string) *ProfileBuilder {
	if len(names) == 0 {
		return b
	}
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: action,
	})
	return b
}

func (b *ProfileBuilder) Allow(names ...string) *ProfileBuilder {
	return b.rule(specs.ActAllow, names)
}

func (b *ProfileBuilder) Deny(names ...string) *ProfileBuilder {
	return b.rule(specs.ActErrno, names)
}

// Trap kills the offending thread with SIGSYS instead of returning EPERM,
// which makes escape probes visible in the exit code.
func (b *ProfileBuilder) Trap(names ...string) *ProfileBuilder {
	return b.rule(specs.ActTrap, names)
}

func (b *ProfileBuilder) Log(names ...string) *ProfileBuilder {
	return b.rule(specs.ActLog, names)
}

func (b *ProfileBuilder) WithArchitectures(archs ...specs.Arch) *ProfileBuilder {
	b.profile.Architectures = archs
	return b
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}

// DockerJSON renders a profile in the format accepted by the engine's
// "seccomp=" security option. The runtime-spec field names and action
// constants are the ones the engine expects, so no translation is needed.
func DockerJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("seccomp: nil profile")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("seccomp: marshal profile: %w", err)
	}
	return data, nil
}

// SecurityOpt returns the "seccomp=<json>" security option for a sandbox
// container. networked selects the profile that permits socket syscalls.
func SecurityOpt(networked bool) (string, error) {
	p := DefaultProfile()
	if networked {
		p = NetworkAllowProfile()
	}
	data, err := DockerJSON(p)
	if err != nil {
		return "", err
	}
	return "seccomp=" + string(data), nil
}
