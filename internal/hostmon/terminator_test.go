package hostmon

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type sentSignal struct {
	pid int
	sig unix.Signal
}

// fakeSignaller treats every pid as alive until it receives SIGKILL, or
// SIGTERM unless the pid ignores it.
type fakeSignaller struct {
	mu         sync.Mutex
	sent       []sentSignal
	dead       map[int]bool
	ignoreTerm map[int]bool
	errs       map[int]error
}

func newFakeSignaller() *fakeSignaller {
	return &fakeSignaller{
		dead:       make(map[int]bool),
		ignoreTerm: make(map[int]bool),
		errs:       make(map[int]error),
	}
}

func (f *fakeSignaller) Signal(pid int, sig unix.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[pid]; err != nil {
		return err
	}
	if f.dead[pid] {
		return unix.ESRCH
	}
	f.sent = append(f.sent, sentSignal{pid, sig})
	if sig == unix.SIGKILL || (sig == unix.SIGTERM && !f.ignoreTerm[pid]) {
		f.dead[pid] = true
	}
	return nil
}

func (f *fakeSignaller) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead[pid]
}

func (f *fakeSignaller) signals(pid int) []unix.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []unix.Signal
	for _, s := range f.sent {
		if s.pid == pid {
			out = append(out, s.sig)
		}
	}
	return out
}

type fakeRecorder struct {
	mu    sync.Mutex
	snaps int
	alert []ProcessAlert
	terms []TerminationRecord
}

func (r *fakeRecorder) SaveSnapshots(_ context.Context, s []ProcessSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps += len(s)
	return nil
}

func (r *fakeRecorder) SaveAlert(_ context.Context, a ProcessAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alert = append(r.alert, a)
	return nil
}

func (r *fakeRecorder) SaveTermination(_ context.Context, rec TerminationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terms = append(r.terms, rec)
	return nil
}

func (r *fakeRecorder) terminations() []TerminationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TerminationRecord(nil), r.terms...)
}

func testTerminator(sig Signaller, rec Recorder) *Terminator {
	return NewTerminator(sig, TerminatorConfig{
		GracefulWait: 60 * time.Millisecond,
		TimeoutWait:  20 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, rec, nil, nil)
}

func TestDetermineMethod(t *testing.T) {
	tests := []struct {
		name  string
		alert ProcessAlert
		want  Method
	}{
		{"cpu above 95", ProcessAlert{Trigger: TriggerCPU, CurrentValue: 96}, MethodForce},
		{"cpu at 85", ProcessAlert{Trigger: TriggerCPU, CurrentValue: 85}, MethodGraceful},
		{"memory above 95", ProcessAlert{Trigger: TriggerMemory, CurrentValue: 97}, MethodForce},
		{"memory critical but under 95", ProcessAlert{Trigger: TriggerMemory, CurrentValue: 92, Severity: SeverityCritical}, MethodGraceful},
		{"file descriptor leak", ProcessAlert{Trigger: TriggerFileDescriptors, CurrentValue: 5000, Severity: SeverityCritical}, MethodGraceful},
		{"long execution", ProcessAlert{Trigger: TriggerExecutionTime, CurrentValue: 900}, MethodTimeout},
		{"fork storm critical", ProcessAlert{Trigger: TriggerChildProcesses, CurrentValue: 200, Severity: SeverityCritical}, MethodForce},
		{"children warning", ProcessAlert{Trigger: TriggerChildProcesses, CurrentValue: 60, Severity: SeverityWarning}, MethodGraceful},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetermineMethod(tt.alert); got != tt.want {
				t.Errorf("DetermineMethod() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTerminator_Terminate(t *testing.T) {
	tests := []struct {
		name        string
		method      Method
		setup       func(*fakeSignaller)
		wantOK      bool
		wantSignals []unix.Signal
		wantNote    string
	}{
		{
			name:        "force kills immediately",
			method:      MethodForce,
			wantOK:      true,
			wantSignals: []unix.Signal{unix.SIGKILL},
		},
		{
			name:        "graceful exits on SIGTERM",
			method:      MethodGraceful,
			wantOK:      true,
			wantSignals: []unix.Signal{unix.SIGTERM},
			wantNote:    "SIGTERM",
		},
		{
			name:        "graceful escalates when ignored",
			method:      MethodGraceful,
			setup:       func(f *fakeSignaller) { f.ignoreTerm[42] = true },
			wantOK:      true,
			wantSignals: []unix.Signal{unix.SIGTERM, unix.SIGKILL},
			wantNote:    "escalated",
		},
		{
			name:        "timeout-bounded escalates",
			method:      MethodTimeout,
			setup:       func(f *fakeSignaller) { f.ignoreTerm[42] = true },
			wantOK:      true,
			wantSignals: []unix.Signal{unix.SIGTERM, unix.SIGKILL},
			wantNote:    "20ms",
		},
		{
			name:     "already gone is success",
			method:   MethodGraceful,
			setup:    func(f *fakeSignaller) { f.dead[42] = true },
			wantOK:   true,
			wantNote: "already exited",
		},
		{
			name:     "permission denied is not retried",
			method:   MethodForce,
			setup:    func(f *fakeSignaller) { f.errs[42] = unix.EPERM },
			wantOK:   false,
			wantNote: "permission denied",
		},
		{
			name:     "permission denied on SIGTERM does not escalate",
			method:   MethodGraceful,
			setup:    func(f *fakeSignaller) { f.errs[42] = unix.EPERM },
			wantOK:   false,
			wantNote: "SIGTERM",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := newFakeSignaller()
			if tt.setup != nil {
				tt.setup(sig)
			}
			term := testTerminator(sig, nil)

			ok, note := term.Terminate(t.Context(), 42, tt.method)
			if ok != tt.wantOK {
				t.Errorf("Terminate() ok = %v, want %v (note %q)", ok, tt.wantOK, note)
			}
			if tt.wantNote != "" && !strings.Contains(note, tt.wantNote) {
				t.Errorf("note = %q, want it to contain %q", note, tt.wantNote)
			}
			got := sig.signals(42)
			if len(got) != len(tt.wantSignals) {
				t.Fatalf("signals = %v, want %v", got, tt.wantSignals)
			}
			for i := range got {
				if got[i] != tt.wantSignals[i] {
					t.Errorf("signal[%d] = %v, want %v", i, got[i], tt.wantSignals[i])
				}
			}
		})
	}
}

func TestTerminator_Handle(t *testing.T) {
	sig := newFakeSignaller()
	rec := &fakeRecorder{}
	term := testTerminator(sig, rec)

	snap := ProcessSnapshot{
		PID:           77,
		Name:          "python3",
		CPUPercent:    98,
		MemoryPercent: 3,
		CreateTime:    time.Unix(1000, 0),
		Timestamp:     time.Unix(1030, 0),
	}
	alert := ProcessAlert{PID: 77, Trigger: TriggerCPU, CurrentValue: 98, Severity: SeverityCritical, Description: "cpu percent 98.0 exceeds threshold 80.0"}

	got, err := term.Handle(t.Context(), alert, snap)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Success || got.Method != MethodForce {
		t.Errorf("record = %+v, want successful SIGKILL", got)
	}
	if got.ExecutionTimeSeconds != 30 {
		t.Errorf("ExecutionTimeSeconds = %v, want 30", got.ExecutionTimeSeconds)
	}
	if got.CPUAtTermination != 98 || got.Reason != alert.Description {
		t.Errorf("record = %+v", got)
	}
	if len(rec.terminations()) != 1 {
		t.Errorf("persisted %d records, want 1", len(rec.terminations()))
	}
}

func TestTerminator_HandleRefusesProtected(t *testing.T) {
	sig := newFakeSignaller()
	rec := &fakeRecorder{}
	term := testTerminator(sig, rec)
	term.protected = func(pid int, _ string) bool { return pid == 1 }

	_, err := term.Handle(t.Context(), ProcessAlert{PID: 1, Trigger: TriggerCPU, CurrentValue: 99}, ProcessSnapshot{PID: 1, Name: "systemd"})
	if !errors.Is(err, ErrProtected) {
		t.Fatalf("err = %v, want ErrProtected", err)
	}
	if len(sig.signals(1)) != 0 {
		t.Error("signal sent to protected process")
	}
	if len(rec.terminations()) != 0 {
		t.Error("termination record written for protected process")
	}
}

func TestTerminator_ShutdownEscalates(t *testing.T) {
	sig := newFakeSignaller()
	sig.ignoreTerm[9] = true
	term := NewTerminator(sig, TerminatorConfig{GracefulWait: time.Hour, PollInterval: 5 * time.Millisecond}, nil, nil, nil)

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	ok, note := term.Terminate(ctx, 9, MethodGraceful)
	if !ok || !strings.Contains(note, "shutdown") {
		t.Errorf("Terminate() = %v, %q", ok, note)
	}
}
