// Package orchestrator runs one untrusted snippet end to end: create a
// container, execute it and always remove it.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-governor/internal/audit"
	"sandbox-governor/internal/monitor"
	"sandbox-governor/internal/policy"
	"sandbox-governor/internal/sandbox"
)

// cleanupTimeout bounds the forced removal that runs after every request,
// even when the request context is already gone.
const cleanupTimeout = 30 * time.Second

// Executor is the part of *sandbox.Manager the orchestrator drives.
type Executor interface {
	CreateContainer(ctx context.Context, req sandbox.CreateRequest) (string, error)
	Execute(ctx context.Context, id string) (*sandbox.ExecutionResult, error)
	Cleanup(ctx context.Context, id string, force bool) (bool, error)
}

// Request is one execution request.
type Request struct {
	Code           string
	Language       string
	Timeout        time.Duration
	Overrides      policy.Overrides
	NetworkEnabled bool
	Metadata       map[string]string
	UserID         string
}

type Option func(*Orchestrator)

func WithAudit(s audit.Sink) Option                 { return func(o *Orchestrator) { o.sink = audit.Safe(s) } }
func WithMetrics(m *monitor.Metrics) Option         { return func(o *Orchestrator) { o.metrics = m } }
func WithTracer(t *monitor.Tracer) Option           { return func(o *Orchestrator) { o.tracer = t } }
func WithDetector(d *monitor.EscapeDetector) Option { return func(o *Orchestrator) { o.detector = d } }

type Orchestrator struct {
	exec     Executor
	sink     audit.Sink
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	detector *monitor.EscapeDetector
}

func New(exec Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{exec: exec, sink: audit.Nop{}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run creates at most one container for req, executes it and removes it.
// Removal is forced and always attempted; once a result exists a removal
// failure is logged, not returned.
func (o *Orchestrator) Run(ctx context.Context, req Request) (result *sandbox.ExecutionResult, err error) {
	lang := req.Language
	if lang == "" {
		lang = "python"
	}
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))

	ctx, span := o.tracer.StartSpan(ctx, "run",
		monitor.AttrLanguage.String(lang),
		monitor.AttrCodeHash.String(codeHash[:16]),
		monitor.AttrTimeoutMS.Int64(req.Timeout.Milliseconds()),
	)
	start := time.Now()

	logger := log.With().
		Str("language", lang).
		Str("code_hash", codeHash[:16]).
		Str("user_id", req.UserID).
		Logger()

	defer func() {
		status := statusOf(result, err)
		o.metrics.RecordExecution(lang, status, time.Since(start))
		if err != nil {
			o.metrics.RecordError(status)
		}

		payload := map[string]any{
			"language":    lang,
			"code_hash":   codeHash,
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
		}
		subject := ""
		if result != nil {
			subject = result.ID
			payload["return_code"] = result.ReturnCode
			payload["success"] = result.Success
		}
		if err != nil {
			payload["error"] = err.Error()
		}
		o.sink.LogEvent(subject, "execution_request", payload)
		monitor.EndSpan(span, err)
	}()

	id, err := o.exec.CreateContainer(ctx, sandbox.CreateRequest{
		Code:           req.Code,
		Language:       lang,
		Timeout:        req.Timeout,
		Overrides:      req.Overrides,
		NetworkEnabled: req.NetworkEnabled,
		Metadata:       req.Metadata,
		UserID:         req.UserID,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("container creation refused")
		return nil, err
	}
	span.SetAttributes(monitor.AttrContainerID.String(id))

	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if _, cerr := o.exec.Cleanup(cctx, id, true); cerr != nil {
			logger.Error().Err(cerr).Str("container_id", id).Msg("cleanup after execution failed")
		}
	}()

	result, err = o.exec.Execute(ctx, id)
	if err != nil {
		logger.Warn().Err(err).Str("container_id", id).Msg("execution failed")
		return nil, err
	}

	o.inspect(result)
	logger.Info().
		Str("container_id", id).
		Int("return_code", result.ReturnCode).
		Dur("execution_time", result.ExecutionTime).
		Msg("execution completed")
	return result, nil
}

// inspect scans the output for signs of a successful escape and attaches
// the findings to the result.
func (o *Orchestrator) inspect(result *sandbox.ExecutionResult) {
	if o.detector == nil {
		return
	}
	output := result.Stdout
	if result.Stderr != nil {
		output += "\n" + *result.Stderr
	}
	result.Detections = o.detector.AnalyzeOutput(output)
	for _, d := range result.Detections {
		log.Warn().
			Str("container_id", result.ID).
			Str("pattern", d.Pattern).
			Str("severity", d.Severity).
			Msg("suspicious execution output")
		o.sink.LogEvent(result.ID, "output_flagged", map[string]any{
			"pattern":  d.Pattern,
			"severity": d.Severity,
		})
	}
}

func statusOf(result *sandbox.ExecutionResult, err error) string {
	switch {
	case err == nil && result != nil && result.Success:
		return "success"
	case err == nil:
		return "failed"
	case errors.Is(err, sandbox.ErrTimeout):
		return "timeout"
	case errors.Is(err, sandbox.ErrSecurityBlocked):
		return "blocked"
	case errors.Is(err, sandbox.ErrPolicyViolation):
		return "policy_violation"
	case errors.Is(err, sandbox.ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, sandbox.ErrNotFound):
		return "not_found"
	case errors.Is(err, sandbox.ErrRuntimeUnavailable):
		return "runtime_unavailable"
	default:
		return "error"
	}
}
