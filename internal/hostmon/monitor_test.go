package hostmon

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu    sync.Mutex
	procs []ProcessInfo
	mem   int64
	err   error
}

func (f *fakeSource) Processes(context.Context) ([]ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]ProcessInfo(nil), f.procs...), nil
}

func (f *fakeSource) MemoryTotal() (int64, error) {
	return f.mem, nil
}

func (f *fakeSource) set(procs []ProcessInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs = procs
}

type fakeEscalator struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeEscalator) Trip(_ context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *fakeEscalator) trips() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

const selfPID = 4242

func proc(pid, ppid int, name, cmdline string, cpuSeconds float64) ProcessInfo {
	return ProcessInfo{
		PID:        pid,
		PPID:       ppid,
		Name:       name,
		Cmdline:    cmdline,
		State:      "S",
		CPUSeconds: cpuSeconds,
		RSSBytes:   16 << 20,
		NumThreads: 1,
		StartTime:  base.Add(-time.Minute),
	}
}

// system is the baseline process table: init, the governor and a container shim.
func system(shimCPU float64) []ProcessInfo {
	return []ProcessInfo{
		proc(1, 0, "systemd", "/sbin/init", 1),
		proc(2, 0, "kthreadd", "", 0),
		proc(selfPID, 1, "governord", "/usr/bin/governord", 1),
		proc(50, 1, "containerd-shim", "/usr/bin/containerd-shim-runc-v2 -namespace moby", shimCPU),
	}
}

type harness struct {
	m   *Monitor
	src *fakeSource
	sig *fakeSignaller
	rec *fakeRecorder
	esc *fakeEscalator
	now time.Time
}

func newHarness(cfg Config) *harness {
	h := &harness{
		src: &fakeSource{mem: 1 << 30},
		sig: newFakeSignaller(),
		rec: &fakeRecorder{},
		esc: &fakeEscalator{},
		now: base,
	}
	term := testTerminator(h.sig, h.rec)
	h.m = NewMonitor(h.src, term, cfg,
		WithRecorder(h.rec),
		WithEscalator(h.esc),
		withClock(func() time.Time { return h.now }),
	)
	h.m.selfPID = selfPID
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Cooldown = time.Minute
	cfg.EscalateCritical = 0
	cfg.EscalateFailures = 0
	return cfg
}

func (h *harness) tick(t *testing.T, procs []ProcessInfo) {
	t.Helper()
	h.src.set(procs)
	if err := h.m.tick(t.Context()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	h.now = h.now.Add(10 * time.Second)
}

func (h *harness) drain() []finding {
	var out []finding
	for {
		select {
		case f := <-h.m.queue:
			out = append(out, f)
		default:
			return out
		}
	}
}

// respond handles every queued finding and waits for terminations.
func (h *harness) respond(t *testing.T) []finding {
	t.Helper()
	found := h.drain()
	for _, f := range found {
		h.m.handle(t.Context(), f)
	}
	h.m.wg.Wait()
	return found
}

func TestMonitor_CPUFromDeltas(t *testing.T) {
	h := newHarness(testConfig())
	sandboxed := "python3 -u -B /workspace/main.py"

	h.tick(t, append(system(1), proc(100, 50, "python3", sandboxed, 10)))
	if got := h.drain(); len(got) != 0 {
		t.Fatalf("first tick produced %d findings, want 0 (no CPU baseline)", len(got))
	}

	h.tick(t, append(system(1), proc(100, 50, "python3", sandboxed, 19.6)))
	hist := h.m.History(100)
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if cpu := hist[1].CPUPercent; cpu < 95.9 || cpu > 96.1 {
		t.Errorf("CPUPercent = %.2f, want 96", cpu)
	}
	if hist[1].PPID != 50 || hist[1].Status != "sleeping" {
		t.Errorf("snapshot = %+v", hist[1])
	}
	if st, _ := h.m.State(100); st != StateRunaway {
		t.Errorf("state = %s, want runaway", st)
	}

	found := h.respond(t)
	if len(found) != 1 {
		t.Fatalf("findings = %d, want 1", len(found))
	}
	a := found[0].alert
	if a.Trigger != TriggerCPU || a.Severity != SeverityCritical || a.RecommendedAction != "terminate with SIGKILL" {
		t.Errorf("alert = %+v", a)
	}

	terms := h.rec.terminations()
	if len(terms) != 1 || terms[0].PID != 100 || terms[0].Method != MethodForce || !terms[0].Success {
		t.Fatalf("terminations = %+v", terms)
	}
	if st, _ := h.m.State(100); st != StateTerminated {
		t.Errorf("state after termination = %s", st)
	}
	if h.m.Status().Terminated != 1 {
		t.Errorf("Status().Terminated = %d", h.m.Status().Terminated)
	}
}

func TestMonitor_ProtectedAndSelfNeverTerminated(t *testing.T) {
	h := newHarness(testConfig())

	first := append(system(10),
		proc(300, selfPID, "yes", "yes", 10),
		proc(301, 1, "sshd", "sshd: root@pts/0", 10),
		proc(302, 1, "governorctl", "governorctl alerts", 10),
	)
	h.tick(t, first)
	h.drain()

	second := append(system(19.9),
		proc(300, selfPID, "yes", "yes", 19.9),
		proc(301, 1, "sshd", "sshd: root@pts/0", 19.9),
		proc(302, 1, "governorctl", "governorctl alerts", 19.9),
	)
	second[0].CPUSeconds = 19.9 // init
	second[2].CPUSeconds = 19.9 // governord
	h.tick(t, second)

	found := h.respond(t)
	if len(found) != 6 {
		t.Errorf("findings = %d, want one per hot process (6)", len(found))
	}
	for _, f := range found {
		if !f.protected {
			t.Errorf("pid %d (%s) not treated as protected", f.alert.PID, f.alert.ProcessName)
		}
		if f.alert.Severity != SeverityCritical || f.alert.RecommendedAction != ActionNotTerminated {
			t.Errorf("pid %d alert = %+v", f.alert.PID, f.alert)
		}
	}
	if terms := h.rec.terminations(); len(terms) != 0 {
		t.Errorf("protected processes terminated: %+v", terms)
	}
	if len(h.sig.sent) != 0 {
		t.Errorf("signals sent: %v", h.sig.sent)
	}
}

func TestMonitor_WatchedCmdlineKeepsNameProtection(t *testing.T) {
	h := newHarness(testConfig())
	shell := "/bin/sh -eu /workspace/main.sh"
	sshd := "sshd -c 'cat /workspace/main.py'"

	h.tick(t, append(system(1),
		proc(400, 50, "sh", shell, 0),
		proc(401, 1, "sshd", sshd, 0),
	))
	h.tick(t, append(system(1),
		proc(400, 50, "sh", shell, 9.9),
		proc(401, 1, "sshd", sshd, 9.9),
	))

	found := h.respond(t)
	if len(found) != 2 {
		t.Fatalf("findings = %+v, want one per hot process", found)
	}
	for _, f := range found {
		if !f.protected || f.alert.RecommendedAction != ActionNotTerminated {
			t.Errorf("pid %d (%s) lost name protection: %+v", f.alert.PID, f.alert.ProcessName, f.alert)
		}
	}
	if terms := h.rec.terminations(); len(terms) != 0 {
		t.Errorf("protected processes terminated: %+v", terms)
	}
	if len(h.sig.sent) != 0 {
		t.Errorf("signals sent: %v", h.sig.sent)
	}
}

func TestMonitor_Cooldown(t *testing.T) {
	cfg := testConfig()
	cfg.AutoTerminate = false
	h := newHarness(cfg)

	// Each call burns 99% of the wall time since the previous tick.
	cpu := 0.0
	hot := func(elapsed time.Duration) []ProcessInfo {
		cpu += elapsed.Seconds() * 0.99
		return append(system(1), proc(100, 50, "python3", "python3 /workspace/main.py", cpu))
	}

	h.tick(t, hot(10*time.Second))
	h.tick(t, hot(10*time.Second))
	if n := len(h.drain()); n != 1 {
		t.Fatalf("first alert: findings = %d, want 1", n)
	}

	h.tick(t, hot(10*time.Second))
	h.tick(t, hot(10*time.Second))
	if n := len(h.drain()); n != 0 {
		t.Errorf("alerts inside cooldown = %d, want 0", n)
	}

	h.now = h.now.Add(time.Minute)
	h.tick(t, hot(70*time.Second))
	if n := len(h.drain()); n != 1 {
		t.Errorf("alerts after cooldown = %d, want 1", n)
	}
}

func TestMonitor_Thresholds(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*ProcessInfo)
		watched     bool
		wantState   ProcessState
		wantTrigger Trigger
		wantSev     Severity
	}{
		{"nominal", func(p *ProcessInfo) {}, false, StateNormal, "", ""},
		{"suspicious fds", func(p *ProcessInfo) { p.NumFDs = 850 }, false, StateSuspicious, "", ""},
		{"fd leak warning", func(p *ProcessInfo) { p.NumFDs = 1500 }, false, StateRunaway, TriggerFileDescriptors, SeverityWarning},
		{"fd leak critical", func(p *ProcessInfo) { p.NumFDs = 2500 }, false, StateRunaway, TriggerFileDescriptors, SeverityCritical},
		{"memory warning", func(p *ProcessInfo) { p.RSSBytes = 870 << 20 }, false, StateRunaway, TriggerMemory, SeverityWarning},
		{"memory critical", func(p *ProcessInfo) { p.RSSBytes = 950 << 20 }, false, StateRunaway, TriggerMemory, SeverityCritical},
		{"old unwatched process", func(p *ProcessInfo) { p.StartTime = base.Add(-24 * time.Hour) }, false, StateNormal, "", ""},
		{"old watched process", func(p *ProcessInfo) { p.StartTime = base.Add(-8 * time.Minute) }, true, StateRunaway, TriggerExecutionTime, SeverityWarning},
		{"very old watched process", func(p *ProcessInfo) { p.StartTime = base.Add(-time.Hour) }, true, StateRunaway, TriggerExecutionTime, SeverityCritical},
		{"zombie", func(p *ProcessInfo) { p.State = "Z"; p.NumFDs = 5000 }, false, StateZombie, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.AutoTerminate = false
			h := newHarness(cfg)

			cmd := "worker --serve"
			if tt.watched {
				cmd = "node /workspace/main.js"
			}
			p := proc(500, 1, "worker", cmd, 0)
			tt.modify(&p)
			h.tick(t, append(system(1), p))

			if st, _ := h.m.State(500); st != tt.wantState {
				t.Errorf("state = %s, want %s", st, tt.wantState)
			}
			found := h.drain()
			if tt.wantTrigger == "" {
				if len(found) != 0 {
					t.Errorf("unexpected alerts: %+v", found)
				}
				return
			}
			if len(found) != 1 {
				t.Fatalf("findings = %d, want 1", len(found))
			}
			if a := found[0].alert; a.Trigger != tt.wantTrigger || a.Severity != tt.wantSev {
				t.Errorf("alert = %s/%s, want %s/%s", a.Trigger, a.Severity, tt.wantTrigger, tt.wantSev)
			}
		})
	}
}

func TestMonitor_ChildProcesses(t *testing.T) {
	cfg := testConfig()
	cfg.AutoTerminate = false
	cfg.Thresholds.ChildProcesses = 3
	h := newHarness(cfg)

	procs := append(system(1), proc(600, 1, "forker", "forker", 0))
	for i := 0; i < 7; i++ {
		procs = append(procs, proc(700+i, 600, "child", "child", 0))
	}
	h.tick(t, procs)

	found := h.drain()
	if len(found) != 1 || found[0].alert.Trigger != TriggerChildProcesses || found[0].alert.Severity != SeverityCritical {
		t.Fatalf("findings = %+v", found)
	}
	if got := found[0].snap.Children; len(got) != 7 || got[0] != 700 {
		t.Errorf("children = %v", got)
	}
	if DetermineMethod(found[0].alert) != MethodForce {
		t.Error("critical fork storm should be killed")
	}
}

func TestMonitor_HistoryBoundedAndForgotten(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 3
	h := newHarness(cfg)

	for i := 0; i < 5; i++ {
		h.tick(t, append(system(1), proc(100, 1, "idle", "idle", 0)))
	}
	hist := h.m.History(100)
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	if want := base.Add(40 * time.Second); !hist[2].Timestamp.Equal(want) {
		t.Errorf("newest snapshot at %s, want %s", hist[2].Timestamp, want)
	}
	if !hist[0].Timestamp.Before(hist[1].Timestamp) {
		t.Error("history not ordered oldest first")
	}

	h.tick(t, system(1))
	if len(h.m.History(100)) != 0 {
		t.Error("history kept for exited process")
	}
	if _, ok := h.m.State(100); ok {
		t.Error("state kept for exited process")
	}
	if h.m.Status().Tracked != 3 {
		t.Errorf("Tracked = %d, want 3 (kernel threads excluded)", h.m.Status().Tracked)
	}
	if h.rec.snaps == 0 {
		t.Error("snapshots were not persisted")
	}
}

func TestMonitor_EscalatesCriticalRunaways(t *testing.T) {
	cfg := testConfig()
	cfg.AutoTerminate = false
	cfg.EscalateCritical = 2
	h := newHarness(cfg)

	h.tick(t, append(system(1),
		proc(800, 1, "miner", "miner", 0),
		proc(801, 1, "miner", "miner", 0),
	))
	h.tick(t, append(system(1),
		proc(800, 1, "miner", "miner", 9.9),
		proc(801, 1, "miner", "miner", 9.9),
	))
	if h.esc.trips() != 1 {
		t.Fatalf("escalations = %d, want 1", h.esc.trips())
	}
}

func TestMonitor_ProtectedDoNotEscalate(t *testing.T) {
	cfg := testConfig()
	cfg.AutoTerminate = false
	cfg.EscalateCritical = 1
	h := newHarness(cfg)

	h.tick(t, system(0))
	h.tick(t, system(9.9))
	if h.esc.trips() != 0 {
		t.Errorf("protected shim escalated %d times", h.esc.trips())
	}
}

func TestMonitor_EscalatesFailedTerminations(t *testing.T) {
	cfg := testConfig()
	cfg.EscalateFailures = 1
	h := newHarness(cfg)
	h.sig.errs[900] = unix.EPERM

	h.tick(t, append(system(1), proc(900, 1, "stubborn", "stubborn", 0)))
	h.tick(t, append(system(1), proc(900, 1, "stubborn", "stubborn", 9.9)))
	h.respond(t)

	terms := h.rec.terminations()
	if len(terms) != 1 || terms[0].Success || terms[0].ErrorMessage == "" {
		t.Fatalf("terminations = %+v, want one failed record", terms)
	}
	if h.esc.trips() != 1 {
		t.Errorf("escalations = %d, want 1", h.esc.trips())
	}
	if st, _ := h.m.State(900); st != StateRunaway {
		t.Errorf("state = %s, want runaway until the next cycle", st)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.AutoTerminate = false
	src := &fakeSource{mem: 1 << 30}
	m := NewMonitor(src, nil, cfg)
	m.selfPID = selfPID

	p := proc(100, 1, "leaky", "leaky", 0)
	p.NumFDs = 5000
	src.set(append(system(1), p))

	if err := m.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(t.Context()); err == nil {
		t.Error("second Start should fail while running")
	}

	select {
	case a := <-m.Alerts():
		if a.PID != 100 || a.Trigger != TriggerFileDescriptors {
			t.Errorf("alert = %+v", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert delivered")
	}
	if !m.Status().Running {
		t.Error("Status().Running = false while started")
	}

	m.Stop()
	m.Stop()
	if m.Status().Running {
		t.Error("Status().Running = true after Stop")
	}
}
