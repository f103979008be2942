package hostmon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-governor/internal/audit"
	"sandbox-governor/internal/monitor"
)

// Thresholds above which a process is a runaway. Zero disables a check.
type Thresholds struct {
	CPUPercent      float64
	MemoryPercent   float64
	ExecutionTime   time.Duration
	FileDescriptors int
	ChildProcesses  int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUPercent:      80,
		MemoryPercent:   80,
		ExecutionTime:   5 * time.Minute,
		FileDescriptors: 1000,
		ChildProcesses:  50,
	}
}

// DefaultProtectedNames are never terminated. A trailing * matches a prefix.
var DefaultProtectedNames = []string{
	"init", "systemd", "kthreadd", "sshd",
	"bash", "sh", "zsh", "dash",
	"dockerd", "containerd", "containerd-shim*", "runc",
}

type Config struct {
	Interval              time.Duration
	Thresholds            Thresholds
	CriticalCPUPercent    float64
	CriticalMemoryPercent float64
	Cooldown              time.Duration
	HistorySize           int
	ProtectedNames        []string
	// SelfPatterns match the governor's own processes by name or command
	// line, on top of its process ancestry.
	SelfPatterns []string
	// WatchPatterns select processes the execution time check applies to.
	// Protected names still win over a watch match.
	WatchPatterns []string
	AutoTerminate bool
	// EscalateCritical trips the emergency stop when this many unprotected
	// processes are critical in one tick.
	EscalateCritical int
	// EscalateFailures trips the emergency stop after this many consecutive
	// failed terminations.
	EscalateFailures int
	QueueSize        int
}

func DefaultConfig() Config {
	return Config{
		Interval:              10 * time.Second,
		Thresholds:            DefaultThresholds(),
		CriticalCPUPercent:    95,
		CriticalMemoryPercent: 90,
		Cooldown:              5 * time.Minute,
		HistorySize:           100,
		ProtectedNames:        DefaultProtectedNames,
		SelfPatterns:          []string{"governord", "governorctl"},
		WatchPatterns:         []string{"/workspace/main."},
		AutoTerminate:         true,
		EscalateCritical:      5,
		EscalateFailures:      3,
		QueueSize:             256,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.CriticalCPUPercent <= 0 {
		c.CriticalCPUPercent = d.CriticalCPUPercent
	}
	if c.CriticalMemoryPercent <= 0 {
		c.CriticalMemoryPercent = d.CriticalMemoryPercent
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
}

type Option func(*Monitor)

func WithRecorder(r Recorder) Option         { return func(m *Monitor) { m.store = r } }
func WithAudit(s audit.Sink) Option          { return func(m *Monitor) { m.sink = audit.Safe(s) } }
func WithEscalator(e Escalator) Option       { return func(m *Monitor) { m.escalator = e } }
func WithMetrics(mt *monitor.Metrics) Option { return func(m *Monitor) { m.metrics = mt } }
func withClock(now func() time.Time) Option  { return func(m *Monitor) { m.now = now } }

type cpuSample struct {
	seconds float64
	at      time.Time
	start   time.Time
}

type alertKey struct {
	pid     int
	trigger Trigger
}

type finding struct {
	alert     ProcessAlert
	snap      ProcessSnapshot
	protected bool
}

// Monitor polls a ProcessSource on its own goroutine. Findings are queued to
// a responder goroutine that persists, audits and terminates, so a slow
// termination never delays the next tick.
type Monitor struct {
	cfg       Config
	source    ProcessSource
	term      *Terminator
	store     Recorder
	sink      audit.Sink
	escalator Escalator
	metrics   *monitor.Metrics
	now       func() time.Time
	selfPID   int

	queue chan finding
	out   chan ProcessAlert

	mu         sync.RWMutex
	latest     map[int]ProcessSnapshot
	history    map[int][]ProcessSnapshot
	states     map[int]ProcessState
	prevCPU    map[int]cpuSample
	lastAlert  map[alertKey]time.Time
	protected  map[int]struct{}
	inflight   map[int]struct{}
	terminated int
	alerts     int
	failures   int
	lastTick   time.Time
	lastErr    error
	cancel     context.CancelFunc

	wg sync.WaitGroup
}

func NewMonitor(source ProcessSource, term *Terminator, cfg Config, opts ...Option) *Monitor {
	cfg.setDefaults()
	m := &Monitor{
		cfg:       cfg,
		source:    source,
		term:      term,
		sink:      audit.Nop{},
		now:       time.Now,
		selfPID:   os.Getpid(),
		queue:     make(chan finding, cfg.QueueSize),
		out:       make(chan ProcessAlert, cfg.QueueSize),
		latest:    make(map[int]ProcessSnapshot),
		history:   make(map[int][]ProcessSnapshot),
		states:    make(map[int]ProcessState),
		prevCPU:   make(map[int]cpuSample),
		lastAlert: make(map[alertKey]time.Time),
		protected: make(map[int]struct{}),
		inflight:  make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if term != nil {
		term.protected = m.isProtected
	}
	return m
}

// Alerts delivers every alert after it has been persisted. Alerts are
// dropped when nobody keeps up with the channel.
func (m *Monitor) Alerts() <-chan ProcessAlert {
	return m.out
}

// Start launches the polling loop and the responder. It returns immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return errors.New("host monitor already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(2)
	go m.loop(ctx)
	go m.respond(ctx)
	return nil
}

// Stop cancels the loop and waits for in-flight terminations to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	log.Info().Msg("host process monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	log.Info().
		Dur("interval", m.cfg.Interval).
		Bool("auto_terminate", m.cfg.AutoTerminate).
		Msg("host process monitor started")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := m.tick(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("host monitor tick failed")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// tick takes one snapshot of the process table and queues findings.
func (m *Monitor) tick(ctx context.Context) error {
	started := time.Now()
	now := m.now()

	procs, err := m.source.Processes(ctx)
	if err == nil && len(procs) == 0 {
		err = errors.New("process source returned no processes")
	}
	if err != nil {
		m.mu.Lock()
		m.lastTick, m.lastErr = now, err
		m.mu.Unlock()
		return err
	}
	memTotal, err := m.source.MemoryTotal()
	if err != nil {
		log.Debug().Err(err).Msg("memory total unavailable, memory percent disabled")
		memTotal = 0
	}

	byPID := make(map[int]ProcessInfo, len(procs))
	children := make(map[int][]int)
	for _, p := range procs {
		if p.kernelThread() {
			continue
		}
		byPID[p.PID] = p
		children[p.PPID] = append(children[p.PPID], p.PID)
	}
	self := m.selfSet(byPID, children)

	var (
		snaps    = make([]ProcessSnapshot, 0, len(byPID))
		findings []finding
		critical []int
	)

	m.mu.Lock()
	clear(m.protected)
	for pid, p := range byPID {
		snap := m.snapshot(p, children[pid], memTotal, now)
		snaps = append(snaps, snap)
		m.latest[pid] = snap
		m.appendHistory(pid, snap)

		watched := matchSubstring(m.cfg.WatchPatterns, p.Name, p.Cmdline)
		_, isSelf := self[pid]
		protected := pid <= 1 || isSelf || matchName(m.cfg.ProtectedNames, p.Name)
		if protected {
			m.protected[pid] = struct{}{}
		}

		if p.State == "Z" {
			m.transition(snap, StateZombie)
			continue
		}

		alerts, suspicious := m.evaluate(snap, watched)
		switch {
		case len(alerts) > 0:
			m.transition(snap, StateRunaway)
		case suspicious:
			m.transition(snap, StateSuspicious)
		default:
			m.transition(snap, StateNormal)
		}

		isCritical := false
		for _, a := range alerts {
			if protected {
				a.Severity = SeverityCritical
				a.RecommendedAction = ActionNotTerminated
			} else if a.Severity == SeverityCritical {
				isCritical = true
			}
			key := alertKey{pid: pid, trigger: a.Trigger}
			if last, ok := m.lastAlert[key]; ok && now.Sub(last) < m.cfg.Cooldown {
				continue
			}
			m.lastAlert[key] = now
			m.alerts++
			findings = append(findings, finding{alert: a, snap: snap, protected: protected})
		}
		if isCritical {
			critical = append(critical, pid)
		}
	}
	m.forgetExited(byPID)
	m.lastTick, m.lastErr = now, nil
	tracked := len(m.latest)
	m.mu.Unlock()

	for _, f := range findings {
		select {
		case m.queue <- f:
		default:
			log.Warn().Int("pid", f.alert.PID).Str("trigger", string(f.alert.Trigger)).Msg("alert queue full, dropping alert")
		}
	}

	if m.store != nil {
		if err := m.store.SaveSnapshots(ctx, snaps); err != nil {
			log.Error().Err(err).Int("count", len(snaps)).Msg("failed to persist process snapshots")
		}
	}
	m.metrics.ObserveTick(time.Since(started), tracked)

	if m.cfg.EscalateCritical > 0 && len(critical) >= m.cfg.EscalateCritical {
		slices.Sort(critical)
		m.escalate(ctx, fmt.Sprintf("%d critical runaway processes in one monitor tick", len(critical)), critical)
	}
	return nil
}

func (m *Monitor) snapshot(p ProcessInfo, kids []int, memTotal int64, now time.Time) ProcessSnapshot {
	s := ProcessSnapshot{
		PID:        p.PID,
		Name:       p.Name,
		Cmdline:    p.Cmdline,
		MemoryRSS:  p.RSSBytes,
		NumThreads: p.NumThreads,
		NumFDs:     p.NumFDs,
		CreateTime: p.StartTime,
		Status:     statusName(p.State),
		PPID:       p.PPID,
		Timestamp:  now,
	}
	if len(kids) > 0 {
		s.Children = slices.Clone(kids)
		slices.Sort(s.Children)
	}
	if memTotal > 0 {
		s.MemoryPercent = float64(p.RSSBytes) / float64(memTotal) * 100
	}

	// A pid reused by a new process restarts its CPU baseline.
	if prev, ok := m.prevCPU[p.PID]; ok && prev.start.Equal(p.StartTime) {
		if elapsed := now.Sub(prev.at).Seconds(); elapsed > 0 {
			s.CPUPercent = max(0, (p.CPUSeconds-prev.seconds)/elapsed*100)
		}
	}
	m.prevCPU[p.PID] = cpuSample{seconds: p.CPUSeconds, at: now, start: p.StartTime}
	return s
}

func (m *Monitor) appendHistory(pid int, s ProcessSnapshot) {
	h := m.history[pid]
	if len(h) < m.cfg.HistorySize {
		m.history[pid] = append(h, s)
		return
	}
	copy(h, h[1:])
	h[len(h)-1] = s
}

func (m *Monitor) transition(s ProcessSnapshot, to ProcessState) {
	from, seen := m.states[s.PID]
	if from == StateTerminated && to != StateZombie {
		// The terminator already reported success; the process is on its way out.
		return
	}
	m.states[s.PID] = to
	if seen && from != to && to == StateRunaway {
		log.Warn().Int("pid", s.PID).Str("process", s.Name).Str("from", string(from)).Msg("process became runaway")
	}
}

// evaluate returns an alert for every threshold the snapshot exceeds and
// whether any metric is within 80% of its threshold.
func (m *Monitor) evaluate(s ProcessSnapshot, watched bool) ([]ProcessAlert, bool) {
	th := m.cfg.Thresholds
	var (
		alerts     []ProcessAlert
		suspicious bool
	)
	check := func(trigger Trigger, current, limit, ceiling float64, what string) {
		if limit <= 0 {
			return
		}
		if current <= limit {
			if current >= limit*0.8 {
				suspicious = true
			}
			return
		}
		severity := SeverityWarning
		if current > ceiling {
			severity = SeverityCritical
		}
		a := ProcessAlert{
			PID:            s.PID,
			ProcessName:    s.Name,
			Trigger:        trigger,
			CurrentValue:   current,
			ThresholdValue: limit,
			Severity:       severity,
			Description:    fmt.Sprintf("%s %.1f exceeds threshold %.1f", what, current, limit),
			Timestamp:      s.Timestamp,
		}
		a.RecommendedAction = "terminate with " + string(DetermineMethod(a))
		alerts = append(alerts, a)
	}

	check(TriggerCPU, s.CPUPercent, th.CPUPercent, m.cfg.CriticalCPUPercent, "cpu percent")
	check(TriggerMemory, s.MemoryPercent, th.MemoryPercent, m.cfg.CriticalMemoryPercent, "memory percent")
	check(TriggerFileDescriptors, float64(s.NumFDs), float64(th.FileDescriptors), 2*float64(th.FileDescriptors), "open file descriptors")
	check(TriggerChildProcesses, float64(len(s.Children)), float64(th.ChildProcesses), 2*float64(th.ChildProcesses), "child processes")
	if watched {
		limit := th.ExecutionTime.Seconds()
		check(TriggerExecutionTime, s.Age().Seconds(), limit, 2*limit, "execution seconds")
	}
	return alerts, suspicious
}

func (m *Monitor) forgetExited(seen map[int]ProcessInfo) {
	for pid := range m.latest {
		if _, ok := seen[pid]; ok {
			continue
		}
		delete(m.latest, pid)
		delete(m.history, pid)
		delete(m.states, pid)
		delete(m.prevCPU, pid)
	}
	for key := range m.lastAlert {
		if _, ok := seen[key.pid]; !ok {
			delete(m.lastAlert, key)
		}
	}
}

// selfSet is the governor's own process, its ancestors, its descendants and
// anything matching the self patterns.
func (m *Monitor) selfSet(procs map[int]ProcessInfo, children map[int][]int) map[int]struct{} {
	self := make(map[int]struct{})
	for pid := m.selfPID; pid > 0; {
		if _, dup := self[pid]; dup {
			break
		}
		self[pid] = struct{}{}
		p, ok := procs[pid]
		if !ok {
			break
		}
		pid = p.PPID
	}

	queue := []int{m.selfPID}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, c := range children[pid] {
			if _, ok := self[c]; !ok {
				self[c] = struct{}{}
				queue = append(queue, c)
			}
		}
	}

	for pid, p := range procs {
		if matchSubstring(m.cfg.SelfPatterns, p.Name, p.Cmdline) {
			self[pid] = struct{}{}
		}
	}
	return self
}

func (m *Monitor) isProtected(pid int, _ string) bool {
	if pid <= 1 || pid == m.selfPID {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.protected[pid]
	return ok
}

func (m *Monitor) respond(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case f := <-m.queue:
			m.handle(ctx, f)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) handle(ctx context.Context, f finding) {
	a := f.alert
	logger := log.With().
		Int("pid", a.PID).
		Str("process", a.ProcessName).
		Str("trigger", string(a.Trigger)).
		Str("severity", string(a.Severity)).
		Logger()
	logger.Warn().
		Float64("current", a.CurrentValue).
		Float64("threshold", a.ThresholdValue).
		Str("action", a.RecommendedAction).
		Msg("runaway process detected")

	m.metrics.RecordAlert(string(a.Trigger), string(a.Severity))
	if m.store != nil {
		if err := m.store.SaveAlert(context.WithoutCancel(ctx), a); err != nil {
			logger.Error().Err(err).Msg("failed to persist process alert")
		}
	}
	m.sink.LogEvent(fmt.Sprintf("pid:%d", a.PID), "process_alert", map[string]any{
		"process_name":       a.ProcessName,
		"trigger":            string(a.Trigger),
		"current_value":      a.CurrentValue,
		"threshold_value":    a.ThresholdValue,
		"severity":           string(a.Severity),
		"recommended_action": a.RecommendedAction,
	})
	select {
	case m.out <- a:
	default:
	}

	if f.protected || !m.cfg.AutoTerminate || m.term == nil {
		return
	}

	m.mu.Lock()
	if _, busy := m.inflight[a.PID]; busy {
		m.mu.Unlock()
		return
	}
	m.inflight[a.PID] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.inflight, a.PID)
			m.mu.Unlock()
		}()

		rec, err := m.term.Handle(ctx, a, f.snap)
		if err != nil {
			logger.Info().Err(err).Msg("termination skipped")
			return
		}
		m.afterTermination(ctx, rec)
	}()
}

func (m *Monitor) afterTermination(ctx context.Context, rec TerminationRecord) {
	m.mu.Lock()
	if rec.Success {
		m.states[rec.PID] = StateTerminated
		m.terminated++
		m.failures = 0
	} else {
		m.failures++
	}
	failures := m.failures
	m.mu.Unlock()

	if !rec.Success && m.cfg.EscalateFailures > 0 && failures >= m.cfg.EscalateFailures {
		m.escalate(ctx, fmt.Sprintf("%d consecutive process terminations failed", failures), []int{rec.PID})
	}
}

func (m *Monitor) escalate(ctx context.Context, reason string, pids []int) {
	log.Error().Str("reason", reason).Ints("pids", pids).Msg("escalating runaway processes to emergency stop")
	m.sink.LogEvent("", "runaway_escalation", map[string]any{
		"reason": reason,
		"pids":   pids,
	})
	if m.escalator == nil {
		return
	}
	if err := m.escalator.Trip(context.WithoutCancel(ctx), reason); err != nil {
		log.Error().Err(err).Msg("emergency stop handlers failed")
	}
}

// Status summarizes the latest tick.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		Running:    m.cancel != nil,
		Tracked:    len(m.latest),
		Terminated: m.terminated,
		Alerts:     m.alerts,
		LastTick:   m.lastTick,
	}
	if m.lastErr != nil {
		st.LastTickErr = m.lastErr.Error()
	}
	for _, s := range m.states {
		switch s {
		case StateSuspicious:
			st.Suspicious++
		case StateRunaway:
			st.Runaway++
		case StateZombie:
			st.Zombies++
		}
	}
	return st
}

// State returns the classification of pid, if it is tracked.
func (m *Monitor) State(pid int) (ProcessState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[pid]
	return s, ok
}

// History returns the retained snapshots for pid, oldest first.
func (m *Monitor) History(pid int) []ProcessSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.history[pid])
}

// Latest returns the most recent snapshot of every tracked process, by pid.
func (m *Monitor) Latest() []ProcessSnapshot {
	m.mu.RLock()
	out := make([]ProcessSnapshot, 0, len(m.latest))
	for _, s := range m.latest {
		out = append(out, s)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b ProcessSnapshot) int { return a.PID - b.PID })
	return out
}

func matchSubstring(patterns []string, name, cmdline string) bool {
	for _, p := range patterns {
		if p != "" && (strings.Contains(name, p) || strings.Contains(cmdline, p)) {
			return true
		}
	}
	return false
}

func matchName(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}
