package sandbox

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"sandbox-governor/internal/audit"
	"sandbox-governor/internal/guard"
	"sandbox-governor/internal/monitor"
	"sandbox-governor/internal/policy"
	"sandbox-governor/internal/runtime"
)

// EmergencySignal is the view of the emergency stop an in-flight execution
// needs: a cheap flag and a channel closed when it trips.
type EmergencySignal interface {
	IsTripped() bool
	Done() <-chan struct{}
}

// Config holds the manager's static settings.
type Config struct {
	Policy         policy.SecurityPolicy
	BuildContext   string // directory; empty disables image builds
	Dockerfile     string
	MaxConcurrent  int
	DefaultTimeout time.Duration
	StopGrace      time.Duration
	NamePrefix     string
}

func (c *Config) setDefaults() {
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 32
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 2 * time.Second
	}
	if c.NamePrefix == "" {
		c.NamePrefix = "governor-sandbox-"
	}
	if c.Dockerfile == "" {
		c.Dockerfile = "Dockerfile"
	}
}

// ContainerRecord is the manager's bookkeeping for one live container.
type ContainerRecord struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Language       string            `json:"language"`
	UserID         string            `json:"user_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	Timeout        time.Duration     `json:"timeout"`
	NetworkEnabled bool              `json:"network_enabled"`
	Parameters     map[string]string `json:"parameters,omitempty"`
}

// ExecutionResult is produced once per Execute call.
type ExecutionResult struct {
	ID            string
	Success       bool
	Stdout        string
	Stderr        *string
	ReturnCode    int
	ExecutionTime time.Duration
	// Detections are escape indicators found in the output, when inspected.
	Detections []monitor.Detection
}

func (r *ExecutionResult) ExecutionTimeSeconds() float64 {
	return r.ExecutionTime.Seconds()
}

// CreateRequest is the input to CreateContainer.
type CreateRequest struct {
	Code           string
	Language       string
	Timeout        time.Duration
	Overrides      policy.Overrides
	NetworkEnabled bool
	Metadata       map[string]string
	UserID         string
}

// Option configures a Manager.
type Option func(*Manager)

func WithGate(g *guard.Gate) Option           { return func(m *Manager) { m.gate = g } }
func WithAudit(s audit.Sink) Option           { return func(m *Manager) { m.sink = audit.Safe(s) } }
func WithEmergency(e EmergencySignal) Option  { return func(m *Manager) { m.emergency = e } }
func WithRuntimes(r *runtime.Registry) Option { return func(m *Manager) { m.runtimes = r } }
func WithMetrics(mt *monitor.Metrics) Option  { return func(m *Manager) { m.metrics = mt } }
func WithTracer(t *monitor.Tracer) Option     { return func(m *Manager) { m.tracer = t } }
func withClock(now func() time.Time) Option   { return func(m *Manager) { m.now = now } }

// Manager owns every sandbox container this process creates. The active map
// is the only shared mutable state; every mutation goes through its methods.
type Manager struct {
	engine    Engine
	cfg       Config
	label     string
	runtimes  *runtime.Registry
	gate      *guard.Gate
	sink      audit.Sink
	emergency EmergencySignal
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
	now       func() time.Time

	sem      chan struct{}
	inflight atomic.Int64
	wg       sync.WaitGroup
	imageMu  sync.Mutex

	mu     sync.Mutex
	active map[string]*ContainerRecord
	closed bool
}

func NewManager(engine Engine, cfg Config, opts ...Option) *Manager {
	cfg.setDefaults()
	m := &Manager{
		engine: engine,
		cfg:    cfg,
		label:  cfg.Policy.SecurityLabel,
		sink:   audit.Nop{},
		now:    time.Now,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		active: make(map[string]*ContainerRecord),
	}
	if m.label == "" {
		m.label = "governor.sandbox"
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.runtimes == nil {
		m.runtimes = runtime.NewRegistry(nil)
	}
	if m.emergency != nil {
		if m.gate == nil {
			m.gate = &guard.Gate{}
		}
		if m.gate.Emergency == nil {
			m.gate.Emergency = m.emergency
		}
	}
	return m
}

// Label is the key every governor container carries.
func (m *Manager) Label() string {
	return m.label
}

// CreateContainer validates the request, makes sure the image exists and
// creates (but does not start) a container with the code copied into its
// workspace. No engine call happens before validation passes.
func (m *Manager) CreateContainer(ctx context.Context, req CreateRequest) (string, error) {
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))
	if err := m.preflight("create_container", req.UserID, "", gateAll, map[string]any{
		"language":        req.Language,
		"network_enabled": req.NetworkEnabled,
		"timeout_seconds": req.Timeout.Seconds(),
		"code_hash":       codeHash,
		"code":            req.Code,
	}); err != nil {
		return "", err
	}

	lang, err := m.runtimes.Get(req.Language)
	if err != nil {
		return "", opError("", "create_container", ErrInvalidRequest, err)
	}
	if err := lang.Validate(req.Code); err != nil {
		return "", opError("", "create_container", ErrInvalidRequest, err)
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = m.cfg.DefaultTimeout
	}
	cfg := policy.Merge(m.cfg.Policy.Defaults(), req.Overrides)
	cfg.NetworkRequested = req.NetworkEnabled
	cfg.NetworkDisabled = !req.NetworkEnabled

	verr := policy.ValidateTimeout(timeout, m.cfg.Policy)
	if verr == nil {
		verr = policy.Validate(cfg, m.cfg.Policy)
	}
	if verr != nil {
		m.sink.LogEvent("", "policy_violation", map[string]any{
			"user_id": req.UserID,
			"error":   verr.Error(),
		})
		return "", &OperationError{Op: "validate", Err: verr}
	}
	memBytes, _ := policy.ParseMemory(cfg.Memory)

	logger := log.With().
		Str("language", lang.Name).
		Str("code_hash", codeHash[:16]).
		Logger()

	if err := m.ensureImage(ctx, lang.Image); err != nil {
		return "", err
	}

	profile, err := DefaultSecurityProfile(req.NetworkEnabled)
	if err != nil {
		return "", opError("", "create_container", ErrInvalidRequest, err)
	}

	now := m.now()
	labels := make(map[string]string, len(cfg.Labels)+3)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	labels[m.label] = "true"
	labels["governor.created"] = now.UTC().Format(time.RFC3339)
	labels["governor.language"] = lang.Name

	spec := ContainerSpec{
		Name:           m.cfg.NamePrefix + uuid.New().String(),
		Image:          lang.Image,
		Cmd:            lang.Command(),
		Env:            []string{"HOME=/tmp", "LANG=C.UTF-8", "SANDBOX=true"},
		WorkingDir:     runtime.WorkspaceDir,
		Labels:         labels,
		MemoryBytes:    memBytes,
		CPUQuota:       cfg.CPUQuota,
		CPUPeriod:      cfg.CPUPeriod,
		PidsLimit:      cfg.PidsLimit,
		ReadOnlyRootFS: cfg.ReadOnlyRootFS,
		Tmpfs:          cfg.Tmpfs,
		WorkspaceDir:   runtime.WorkspaceDir,
		NetworkEnabled: req.NetworkEnabled,
	}
	profile.apply(&spec)

	var id string
	err = m.call(ctx, "create", func(ctx context.Context) error {
		var err error
		id, err = m.engine.Create(ctx, spec)
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("container create failed")
		return "", classify("", "create_container", err)
	}
	logger = logger.With().Str("container_id", shortID(id)).Logger()

	payload, err := codeArchive(lang.FileName(), req.Code, now)
	if err == nil {
		err = m.call(ctx, "copy", func(ctx context.Context) error {
			return m.engine.CopyTo(ctx, id, runtime.WorkspaceDir, payload)
		})
	}
	if err != nil {
		logger.Error().Err(err).Msg("code injection failed")
		m.discard(ctx, id)
		return "", classify(id, "inject_code", err)
	}

	rec := &ContainerRecord{
		ID:             id,
		Name:           spec.Name,
		Language:       lang.Name,
		UserID:         req.UserID,
		CreatedAt:      now,
		Timeout:        timeout,
		NetworkEnabled: req.NetworkEnabled,
		Parameters:     copyParams(req.Metadata),
	}
	m.register(rec)

	// A trip that raced with creation may have listed containers before
	// this one existed.
	if m.tripped() {
		m.discard(ctx, id)
		m.unregister(id)
		return "", opError(id, "create_container", ErrSecurityBlocked, errors.New("emergency stop activated during creation"))
	}

	logger.Info().Dur("timeout", timeout).Msg("container created")
	m.sink.LogEvent(id, "container_created", map[string]any{
		"name":            spec.Name,
		"language":        lang.Name,
		"user_id":         req.UserID,
		"timeout_seconds": timeout.Seconds(),
		"network_enabled": req.NetworkEnabled,
		"memory_bytes":    memBytes,
		"code_hash":       codeHash,
	})
	return id, nil
}

type waitResult struct {
	code int64
	err  error
}

// Execute starts the container and waits for it up to the record's timeout.
// A timeout terminates and removes the container before ErrTimeout is
// returned. An emergency stop observed at any point fails the call with
// ErrSecurityBlocked; no successful result is ever returned after a trip.
func (m *Manager) Execute(ctx context.Context, id string) (*ExecutionResult, error) {
	rec, ok := m.record(id)
	userID := ""
	if ok {
		userID = rec.UserID
	}
	if err := m.preflight("execute", userID, id, gateAll, map[string]any{"container_id": id}); err != nil {
		return nil, err
	}
	if !ok {
		return nil, opError(id, "execute", ErrNotFound, nil)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, opError(id, "execute", ErrRuntimeUnavailable, errors.New("manager is shutting down"))
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()
	m.inflight.Add(1)
	defer m.inflight.Add(-1)

	ctx, span := m.tracer.StartSpan(ctx, "execute",
		monitor.AttrContainerID.String(id),
		monitor.AttrLanguage.String(rec.Language),
		monitor.AttrTimeoutMS.Int64(rec.Timeout.Milliseconds()),
	)
	var spanErr error
	defer func() { monitor.EndSpan(span, spanErr) }()

	logger := log.With().Str("container_id", shortID(id)).Logger()

	var stop <-chan struct{}
	if m.emergency != nil {
		stop = m.emergency.Done()
	}

	if err := m.call(ctx, "start", func(ctx context.Context) error {
		return m.engine.Start(ctx, id)
	}); err != nil {
		spanErr = classify(id, "start", err)
		return nil, spanErr
	}
	start := m.now()
	m.sink.LogEvent(id, "container_started", map[string]any{"timeout_seconds": rec.Timeout.Seconds()})

	waitCtx, cancel := context.WithTimeout(ctx, rec.Timeout)
	defer cancel()

	// Waiting holds no pool slot so long executions cannot starve the pool.
	done := make(chan waitResult, 1)
	go func() {
		code, err := m.engine.Wait(waitCtx, id)
		done <- waitResult{code: code, err: err}
	}()

	var res waitResult
	select {
	case res = <-done:
	case <-waitCtx.Done():
		res = waitResult{code: -1, err: waitCtx.Err()}
	case <-stop:
		logger.Warn().Msg("emergency stop observed during execution")
		m.terminate(ctx, id, 0)
		spanErr = opError(id, "execute", ErrSecurityBlocked, errors.New("emergency stop activated"))
		return nil, spanErr
	}

	if res.err != nil {
		switch {
		case ctx.Err() != nil:
			m.terminate(ctx, id, 0)
			spanErr = &OperationError{ContainerID: id, Op: "execute", Err: ctx.Err()}
		case errors.Is(waitCtx.Err(), context.DeadlineExceeded):
			logger.Warn().Dur("timeout", rec.Timeout).Msg("execution timed out")
			m.terminate(ctx, id, m.cfg.StopGrace)
			m.sink.LogEvent(id, "execution_timeout", map[string]any{"timeout_seconds": rec.Timeout.Seconds()})
			spanErr = opError(id, "execute", ErrTimeout, fmt.Errorf("exceeded %s", rec.Timeout))
		case m.tripped():
			spanErr = opError(id, "execute", ErrSecurityBlocked, errors.New("emergency stop activated"))
		default:
			spanErr = classify(id, "wait", res.err)
		}
		return nil, spanErr
	}
	elapsed := m.now().Sub(start)

	if m.tripped() {
		spanErr = opError(id, "execute", ErrSecurityBlocked, errors.New("emergency stop activated"))
		return nil, spanErr
	}

	var stdout, stderr string
	if err := m.call(ctx, "logs", func(ctx context.Context) error {
		var err error
		stdout, stderr, err = m.engine.Logs(ctx, id)
		return err
	}); err != nil {
		spanErr = classify(id, "logs", err)
		return nil, spanErr
	}

	if m.tripped() {
		spanErr = opError(id, "execute", ErrSecurityBlocked, errors.New("emergency stop activated"))
		return nil, spanErr
	}

	result := &ExecutionResult{
		ID:            id,
		Success:       res.code == 0,
		Stdout:        stdout,
		ReturnCode:    int(res.code),
		ExecutionTime: elapsed,
	}
	if stderr != "" {
		result.Stderr = &stderr
	}
	span.SetAttributes(monitor.AttrExitCode.Int(result.ReturnCode))

	logger.Info().
		Int("exit_code", result.ReturnCode).
		Dur("duration", elapsed).
		Msg("execution completed")
	m.sink.LogEvent(id, "execution_completed", map[string]any{
		"exit_code":              result.ReturnCode,
		"success":                result.Success,
		"execution_time_seconds": elapsed.Seconds(),
		"stdout_bytes":           len(stdout),
		"stderr_bytes":           len(stderr),
	})
	return result, nil
}

// Cleanup removes a container. It returns false without error when the
// container is already gone.
func (m *Manager) Cleanup(ctx context.Context, id string, force bool) (bool, error) {
	rec, ok := m.record(id)
	userID := "system"
	if ok && rec.UserID != "" {
		userID = rec.UserID
	}
	mode := gateTeardown
	if force {
		mode = gateForced
	}
	if err := m.preflight("cleanup", userID, id, mode, map[string]any{"container_id": id, "force": force}); err != nil {
		return false, err
	}

	removed, err := m.remove(ctx, id, force)
	if err != nil {
		log.Error().Err(err).Str("container_id", shortID(id)).Msg("cleanup failed")
		return false, err
	}
	m.unregister(id)
	if removed {
		m.sink.LogEvent(id, "container_removed", map[string]any{"force": force})
	}
	return removed, nil
}

// MonitorResources returns a point-in-time stats snapshot. Only containers
// tracked by this manager can be inspected.
func (m *Manager) MonitorResources(ctx context.Context, id string) (*ResourceUsage, error) {
	if err := m.preflight("monitor_resources", "system", id, gateAll, map[string]any{"container_id": id}); err != nil {
		return nil, err
	}
	return m.usage(ctx, id)
}

func (m *Manager) usage(ctx context.Context, id string) (*ResourceUsage, error) {
	if _, ok := m.record(id); !ok {
		return nil, opError(id, "monitor_resources", ErrNotFound, nil)
	}
	var sample StatsSample
	if err := m.call(ctx, "stats", func(ctx context.Context) error {
		var err error
		sample, err = m.engine.Stats(ctx, id)
		return err
	}); err != nil {
		return nil, classify(id, "monitor_resources", err)
	}
	u := usageFromSample(id, sample, m.now())
	return &u, nil
}

// EnforceLimits checks live usage against limits and force-removes the
// container when any is exceeded, returning the reason. An empty reason
// means the container is within limits.
func (m *Manager) EnforceLimits(ctx context.Context, id string, limits Limits) (string, error) {
	if err := m.preflight("enforce_limits", "system", id, gateAll, map[string]any{"container_id": id}); err != nil {
		return "", err
	}
	if err := limits.Validate(); err != nil {
		return "", &OperationError{ContainerID: id, Op: "enforce_limits", Err: err}
	}

	u, err := m.usage(ctx, id)
	if err != nil {
		return "", err
	}
	reason := limits.Exceeded(*u)
	if reason == "" {
		return "", nil
	}

	log.Warn().Str("container_id", shortID(id)).Str("reason", reason).Msg("container exceeded live limits")
	m.terminate(ctx, id, 0)
	m.sink.LogEvent(id, "limits_enforced", map[string]any{
		"reason":       reason,
		"memory_usage": u.MemoryUsage,
		"cpu_percent":  u.CPUPercent,
		"pid_count":    u.PidCount,
	})
	return reason, nil
}

// ActiveContainers returns a copy of the active set, oldest first.
func (m *Manager) ActiveContainers() []ContainerRecord {
	m.mu.Lock()
	out := make([]ContainerRecord, 0, len(m.active))
	for _, rec := range m.active {
		out = append(out, *rec)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b ContainerRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// InFlight is the number of Execute calls currently waiting on a container.
func (m *Manager) InFlight() int64 {
	return m.inflight.Load()
}

// Close refuses new executions and waits up to 30s for running ones.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("in_flight", m.inflight.Load()).Msg("timed out waiting for executions to drain")
	}
	return nil
}

// gateMode selects which gate collaborators may deny an operation.
type gateMode int

const (
	gateAll gateMode = iota
	// gateTeardown skips the emergency check so removal keeps working
	// while tripped.
	gateTeardown
	// gateForced skips every collaborator that could deny the call. Forced
	// removal must not leave orphans behind.
	gateForced
)

// preflight runs the security gate and audits the decision.
func (m *Manager) preflight(op, userID, subject string, mode gateMode, params map[string]any) error {
	gate := m.gate
	switch {
	case gate == nil || mode == gateAll:
	case mode == gateForced:
		gate = nil
	case gate.Emergency != nil:
		g := *gate
		g.Emergency = nil
		gate = &g
	}
	d := gate.Check(op, userID, params)
	m.metrics.RecordGateDecision(op, d.Allowed)

	payload := map[string]any{
		"operation": op,
		"allowed":   d.Allowed,
		"user_id":   userID,
	}
	if mode == gateForced {
		payload["forced"] = true
	}
	if !d.Allowed {
		payload["check"] = string(d.Check)
		payload["reason"] = d.Reason
	}
	m.sink.LogEvent(subject, "security_gate", payload)

	if !d.Allowed {
		log.Warn().
			Str("operation", op).
			Str("user_id", userID).
			Str("check", string(d.Check)).
			Msg("operation blocked by security gate")
		return opError(subject, op, ErrSecurityBlocked, errors.New(d.Reason))
	}
	return nil
}

// call runs one engine call inside the worker pool.
func (m *Manager) call(ctx context.Context, op string, fn func(context.Context) error) error {
	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	ctx, span := m.tracer.StartSpan(ctx, "engine."+op, monitor.AttrOperation.String(op))
	start := time.Now()
	err := fn(ctx)
	m.metrics.ObserveEngineCall(op, time.Since(start))
	monitor.EndSpan(span, err)
	return err
}

func (m *Manager) ensureImage(ctx context.Context, ref string) error {
	m.imageMu.Lock()
	defer m.imageMu.Unlock()

	var exists bool
	if err := m.call(ctx, "image_inspect", func(ctx context.Context) error {
		var err error
		exists, err = m.engine.ImageExists(ctx, ref)
		return err
	}); err != nil {
		return classify("", "ensure_image", err)
	}
	if exists {
		return nil
	}
	if m.cfg.BuildContext == "" {
		return opError("", "ensure_image", ErrRuntimeUnavailable,
			fmt.Errorf("image %q not present and no build context configured", ref))
	}

	log.Info().Str("image", ref).Str("context", m.cfg.BuildContext).Msg("building sandbox image")
	if err := m.call(ctx, "image_build", func(ctx context.Context) error {
		return m.engine.BuildImage(ctx, m.cfg.BuildContext, m.cfg.Dockerfile, ref)
	}); err != nil {
		return opError("", "ensure_image", ErrRuntimeUnavailable, err)
	}
	m.sink.LogEvent("", "image_built", map[string]any{"image": ref})
	return nil
}

// remove stops (unless forced) and removes one container through the pool.
func (m *Manager) remove(ctx context.Context, id string, force bool) (bool, error) {
	if !force {
		err := m.call(ctx, "stop", func(ctx context.Context) error {
			return m.engine.Stop(ctx, id, m.cfg.StopGrace)
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			log.Debug().Err(err).Str("container_id", shortID(id)).Msg("graceful stop failed, removing anyway")
		}
	}
	err := m.call(ctx, "remove", func(ctx context.Context) error {
		return m.engine.Remove(ctx, id, force)
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, classify(id, "cleanup", err)
	}
}

// terminate stops a container, escalating to kill, then removes it and
// drops its record. It bypasses the worker pool and ignores cancellation of
// ctx so a saturated pool or an abandoned request cannot leave it running.
func (m *Manager) terminate(ctx context.Context, id string, grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace+15*time.Second)
	defer cancel()
	logger := log.With().Str("container_id", shortID(id)).Logger()

	stopped := false
	if grace > 0 {
		err := m.engine.Stop(ctx, id, grace)
		stopped = err == nil || errors.Is(err, ErrNotFound)
		if !stopped {
			logger.Warn().Err(err).Msg("graceful stop failed, escalating to kill")
		}
	}
	if !stopped {
		if err := m.engine.Kill(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			logger.Debug().Err(err).Msg("kill failed")
		}
	}
	if err := m.engine.Remove(ctx, id, true); err != nil && !errors.Is(err, ErrNotFound) {
		logger.Error().Err(err).Msg("failed to remove terminated container")
	}
	m.unregister(id)
}

// discard force-removes a container that never became visible to callers.
func (m *Manager) discard(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := m.engine.Remove(ctx, id, true); err != nil && !errors.Is(err, ErrNotFound) {
		log.Error().Err(err).Str("container_id", shortID(id)).Msg("failed to discard container")
	}
}

func (m *Manager) tripped() bool {
	return m.emergency != nil && m.emergency.IsTripped()
}

func (m *Manager) record(id string) (*ContainerRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.active[id]
	return rec, ok
}

func (m *Manager) register(rec *ContainerRecord) {
	m.mu.Lock()
	m.active[rec.ID] = rec
	n := len(m.active)
	m.mu.Unlock()
	m.metrics.SetActiveContainers(n)
}

func (m *Manager) unregister(ids ...string) {
	m.mu.Lock()
	for _, id := range ids {
		delete(m.active, id)
	}
	n := len(m.active)
	m.mu.Unlock()
	m.metrics.SetActiveContainers(n)
}

func copyParams(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
