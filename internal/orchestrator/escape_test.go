package orchestrator

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"sandbox-governor/internal/policy"
	"sandbox-governor/internal/runtime"
	"sandbox-governor/internal/sandbox"
)

// newDockerOrchestrator runs against the local Docker daemon. Set
// GOVERNOR_DOCKER_TESTS=1 to enable; the images must already be pulled.
func newDockerOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	if testing.Short() || os.Getenv("GOVERNOR_DOCKER_TESTS") == "" {
		t.Skip("set GOVERNOR_DOCKER_TESTS=1 to run against Docker")
	}

	engine, err := sandbox.NewDockerEngine("")
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.Ping(ctx); err != nil {
		_ = engine.Close()
		t.Skipf("docker not available: %v", err)
	}

	mgr := sandbox.NewManager(engine, sandbox.Config{
		Policy:        policy.DefaultPolicy(),
		MaxConcurrent: 4,
		NamePrefix:    "governor-test-",
	}, sandbox.WithRuntimes(runtime.NewRegistry(nil)))
	t.Cleanup(func() { _ = mgr.Close() })
	return New(mgr)
}

func runOrSkip(t *testing.T, o *Orchestrator, req Request) (*sandbox.ExecutionResult, error) {
	t.Helper()
	res, err := o.Run(context.Background(), req)
	if errors.Is(err, sandbox.ErrRuntimeUnavailable) {
		t.Skipf("runtime unavailable: %v", err)
	}
	return res, err
}

func TestEscapeAttempts(t *testing.T) {
	o := newDockerOrchestrator(t)

	tests := []struct {
		name       string
		code       string
		shouldFail bool
	}{
		{"read /etc/shadow", "cat /etc/shadow", true},
		{"mount filesystem", "mount -t tmpfs none /mnt", true},
		{"network request", "wget -q -T 3 -O- http://example.com", true},
		{"docker socket", "ls -la /var/run/docker.sock", true},
		{"write to root filesystem", "echo pwned > /pwned.txt", true},
		{"load kernel module", "insmod /tmp/x.ko", true},
		{"write to workspace", "echo ok > /workspace/out.txt && cat /workspace/out.txt", false},
		{"plain output", "echo hello", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := runOrSkip(t, o, Request{Code: tt.code, Language: "bash", Timeout: 10 * time.Second})
			if tt.shouldFail {
				if err == nil && res.ReturnCode == 0 {
					t.Errorf("escape attempt succeeded\nstdout: %s", res.Stdout)
				}
				return
			}
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.ReturnCode != 0 {
				t.Errorf("return code %d, stderr %v", res.ReturnCode, res.Stderr)
			}
		})
	}
}

func TestTimeoutEnforcement(t *testing.T) {
	o := newDockerOrchestrator(t)

	start := time.Now()
	_, err := runOrSkip(t, o, Request{
		Code:     "import time; time.sleep(60)",
		Language: "python",
		Timeout:  2 * time.Second,
	})
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("timeout not enforced: took %s", elapsed)
	}
	if !errors.Is(err, sandbox.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}
