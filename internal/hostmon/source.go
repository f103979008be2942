package hostmon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/prometheus/procfs"
)

// ProcessInfo is the raw per-process data a source reports. CPU percent is
// derived by the monitor from CPUSeconds deltas between ticks.
type ProcessInfo struct {
	PID        int
	PPID       int
	Name       string
	Cmdline    string
	State      string
	CPUSeconds float64
	RSSBytes   int64
	NumThreads int
	NumFDs     int
	StartTime  time.Time
}

// kernelThread reports whether the process is a kernel thread (kthreadd or
// one of its children). Kernel threads are never tracked.
func (p ProcessInfo) kernelThread() bool {
	return p.PID == 2 || p.PPID == 2
}

// ProcessSource lists the host process table.
type ProcessSource interface {
	Processes(ctx context.Context) ([]ProcessInfo, error)
	MemoryTotal() (int64, error)
}

// ProcfsSource reads processes from a procfs mount.
type ProcfsSource struct {
	fs procfs.FS
}

func NewProcfsSource(mountPoint string) (*ProcfsSource, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("opening procfs at %s: %w", mountPoint, err)
	}
	return &ProcfsSource{fs: fs}, nil
}

// Processes returns every process that could be read. Processes that exit
// while being read are skipped. File descriptor counts of processes owned by
// other users are reported as zero when /proc/<pid>/fd is not readable.
func (s *ProcfsSource) Processes(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st, err := p.Stat()
		if err != nil {
			continue
		}
		info := ProcessInfo{
			PID:        st.PID,
			PPID:       st.PPID,
			Name:       st.Comm,
			State:      st.State,
			CPUSeconds: st.CPUTime(),
			RSSBytes:   int64(st.ResidentMemory()),
			NumThreads: st.NumThreads,
		}
		if start, err := st.StartTime(); err == nil {
			sec, frac := math.Modf(start)
			info.StartTime = time.Unix(int64(sec), int64(frac*1e9))
		}
		if cmd, err := p.CmdLine(); err == nil {
			info.Cmdline = strings.Join(cmd, " ")
		}
		if n, err := p.FileDescriptorsLen(); err == nil {
			info.NumFDs = n
		}
		out = append(out, info)
	}
	return out, nil
}

// MemoryTotal returns the host's physical memory in bytes.
func (s *ProcfsSource) MemoryTotal() (int64, error) {
	mi, err := s.fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("reading meminfo: %w", err)
	}
	if mi.MemTotal == nil {
		return 0, errors.New("meminfo has no MemTotal")
	}
	return int64(*mi.MemTotal) * 1024, nil
}

// statusName expands the one-letter kernel state.
func statusName(state string) string {
	switch state {
	case "R":
		return "running"
	case "S":
		return "sleeping"
	case "D":
		return "disk-sleep"
	case "Z":
		return "zombie"
	case "T", "t":
		return "stopped"
	case "I":
		return "idle"
	case "X", "x":
		return "dead"
	default:
		return state
	}
}
