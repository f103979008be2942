package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sandbox-governor/internal/monitor"
	"sandbox-governor/internal/sandbox"
)

type fakeExecutor struct {
	mu        sync.Mutex
	created   []sandbox.CreateRequest
	cleaned   []string
	cleanCtx  []error
	createErr error
	execErr   error
	cleanErr  error
	result    *sandbox.ExecutionResult
}

func (f *fakeExecutor) CreateContainer(_ context.Context, req sandbox.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, req)
	return "c1", nil
}

func (f *fakeExecutor) Execute(_ context.Context, id string) (*sandbox.ExecutionResult, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &sandbox.ExecutionResult{ID: id, Success: true, Stdout: "ok\n", ExecutionTime: 20 * time.Millisecond}, nil
}

func (f *fakeExecutor) Cleanup(ctx context.Context, id string, force bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !force {
		return false, errors.New("cleanup must be forced")
	}
	f.cleaned = append(f.cleaned, id)
	f.cleanCtx = append(f.cleanCtx, ctx.Err())
	return f.cleanErr == nil, f.cleanErr
}

type recordingSink struct {
	mu  sync.Mutex
	ops []string
	pay []map[string]any
}

func (r *recordingSink) LogEvent(_, operation string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, operation)
	r.pay = append(r.pay, payload)
}

func (r *recordingSink) last(operation string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.ops) - 1; i >= 0; i-- {
		if r.ops[i] == operation {
			return r.pay[i]
		}
	}
	return nil
}

func TestRun(t *testing.T) {
	opErr := func(kind error) error { return &sandbox.OperationError{Op: "execute", Err: kind} }

	tests := []struct {
		name        string
		exec        *fakeExecutor
		wantErr     error
		wantCleaned int
		wantStatus  string
	}{
		{
			name:        "success",
			exec:        &fakeExecutor{},
			wantCleaned: 1,
			wantStatus:  "success",
		},
		{
			name:        "non-zero exit is a result, not an error",
			exec:        &fakeExecutor{result: &sandbox.ExecutionResult{ID: "c1", ReturnCode: 3}},
			wantCleaned: 1,
			wantStatus:  "failed",
		},
		{
			name:        "policy violation creates nothing",
			exec:        &fakeExecutor{createErr: opError(sandbox.ErrPolicyViolation)},
			wantErr:     sandbox.ErrPolicyViolation,
			wantCleaned: 0,
			wantStatus:  "policy_violation",
		},
		{
			name:        "timeout still cleans up",
			exec:        &fakeExecutor{execErr: opErr(sandbox.ErrTimeout)},
			wantErr:     sandbox.ErrTimeout,
			wantCleaned: 1,
			wantStatus:  "timeout",
		},
		{
			name:        "emergency stop during execution",
			exec:        &fakeExecutor{execErr: opErr(sandbox.ErrSecurityBlocked)},
			wantErr:     sandbox.ErrSecurityBlocked,
			wantCleaned: 1,
			wantStatus:  "blocked",
		},
		{
			name:        "cleanup failure is not returned",
			exec:        &fakeExecutor{cleanErr: opErr(sandbox.ErrRuntimeUnavailable)},
			wantCleaned: 1,
			wantStatus:  "success",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			o := New(tt.exec, WithAudit(sink), WithMetrics(monitor.NewMetrics()), WithTracer(monitor.NewTracer()))

			res, err := o.Run(t.Context(), Request{Code: "print(1)", Timeout: time.Second})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Run() error = %v, want %v", err, tt.wantErr)
				}
				if res != nil {
					t.Errorf("Run() returned a result with an error: %+v", res)
				}
			} else if err != nil || res == nil {
				t.Fatalf("Run() = %v, %v", res, err)
			}

			if got := len(tt.exec.cleaned); got != tt.wantCleaned {
				t.Errorf("cleanups = %d, want %d", got, tt.wantCleaned)
			}
			if len(tt.exec.created) > 1 {
				t.Errorf("created %d containers for one request", len(tt.exec.created))
			}
			p := sink.last("execution_request")
			if p == nil || p["status"] != tt.wantStatus {
				t.Errorf("audit payload = %v, want status %q", p, tt.wantStatus)
			}
		})
	}
}

func opError(kind error) error {
	return &sandbox.OperationError{Op: "create_container", Err: kind}
}

func TestRun_DefaultsLanguage(t *testing.T) {
	exec := &fakeExecutor{}
	o := New(exec)

	if _, err := o.Run(t.Context(), Request{Code: "print(1)", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if exec.created[0].Language != "python" || exec.created[0].UserID != "u1" {
		t.Errorf("create request = %+v", exec.created[0])
	}
}

func TestRun_CleanupSurvivesCancellation(t *testing.T) {
	exec := &fakeExecutor{execErr: context.Canceled}
	o := New(exec)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if _, err := o.Run(ctx, Request{Code: "print(1)"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v", err)
	}
	if len(exec.cleaned) != 1 {
		t.Fatalf("cleanups = %d, want 1", len(exec.cleaned))
	}
	if exec.cleanCtx[0] != nil {
		t.Errorf("cleanup ran with a cancelled context: %v", exec.cleanCtx[0])
	}
}

func TestRun_FlagsSuspiciousOutput(t *testing.T) {
	stderr := "cat: /etc/shadow: Permission denied"
	exec := &fakeExecutor{result: &sandbox.ExecutionResult{
		ID:      "c1",
		Success: true,
		Stdout:  "root:x:0:0:root:/root:/bin/bash\n",
		Stderr:  &stderr,
	}}
	sink := &recordingSink{}
	o := New(exec, WithAudit(sink), WithDetector(monitor.NewEscapeDetector(monitor.SeverityCritical)))

	res, err := o.Run(t.Context(), Request{Code: "print(open('/etc/passwd').read())"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Detections) == 0 {
		t.Fatal("expected output detections")
	}
	if res.Detections[0].Pattern != "root_access" {
		t.Errorf("pattern = %q, want root_access", res.Detections[0].Pattern)
	}
	if sink.last("output_flagged") == nil {
		t.Error("flagged output was not audited")
	}
}
