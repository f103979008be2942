package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Engine is the subset of the container engine API the manager drives.
// Implementations must wrap "no such container/image" errors with ErrNotFound.
type Engine interface {
	Ping(ctx context.Context) error
	ImageExists(ctx context.Context, ref string) (bool, error)
	BuildImage(ctx context.Context, contextDir, dockerfile, tag string) error

	Create(ctx context.Context, spec ContainerSpec) (string, error)
	CopyTo(ctx context.Context, id, dir string, archive io.Reader) error
	Start(ctx context.Context, id string) error
	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context, id string) (int64, error)
	Stop(ctx context.Context, id string, grace time.Duration) error
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, force bool) error

	List(ctx context.Context, label string) ([]ContainerSummary, error)
	Stats(ctx context.Context, id string) (StatsSample, error)
	// Logs returns the container output. Implementations demultiplex engine
	// framing where they can; unframed output is returned entirely as stdout.
	Logs(ctx context.Context, id string) (stdout, stderr string, err error)

	Close() error
}

// ContainerSpec is the fully resolved creation request handed to the engine.
type ContainerSpec struct {
	Name           string
	Image          string
	Cmd            []string
	User           string
	Env            []string
	WorkingDir     string
	Labels         map[string]string
	MemoryBytes    int64
	CPUQuota       int64
	CPUPeriod      int64
	PidsLimit      int64
	ReadOnlyRootFS bool
	Tmpfs          map[string]string
	WorkspaceDir   string // writable volume mount target
	NetworkEnabled bool
	CapDrop        []string
	SecurityOpt    []string
	MaskedPaths    []string
	ReadonlyPaths  []string
}

// ContainerSummary is one entry of a label-filtered listing.
type ContainerSummary struct {
	ID        string
	Name      string
	Labels    map[string]string
	CreatedAt time.Time
	State     string
}

// StatsSample is a single engine stats reading.
type StatsSample struct {
	CPUPercent  float64
	MemoryUsage int64
	MemoryLimit int64
	PidCount    int64
	ReadAt      time.Time
}

// UnavailableEngine stands in when no engine client could be built. Every
// call fails with Err, so the manager reports the runtime as unavailable.
type UnavailableEngine struct {
	Err error
}

func (e UnavailableEngine) fail() error {
	return fmt.Errorf("container engine unavailable: %w", e.Err)
}

func (e UnavailableEngine) Ping(context.Context) error { return e.fail() }
func (e UnavailableEngine) ImageExists(context.Context, string) (bool, error) {
	return false, e.fail()
}
func (e UnavailableEngine) BuildImage(context.Context, string, string, string) error {
	return e.fail()
}
func (e UnavailableEngine) Create(context.Context, ContainerSpec) (string, error) {
	return "", e.fail()
}
func (e UnavailableEngine) CopyTo(context.Context, string, string, io.Reader) error {
	return e.fail()
}
func (e UnavailableEngine) Start(context.Context, string) error { return e.fail() }
func (e UnavailableEngine) Wait(context.Context, string) (int64, error) { return -1, e.fail() }
func (e UnavailableEngine) Stop(context.Context, string, time.Duration) error {
	return e.fail()
}
func (e UnavailableEngine) Kill(context.Context, string) error { return e.fail() }
func (e UnavailableEngine) Remove(context.Context, string, bool) error { return e.fail() }
func (e UnavailableEngine) List(context.Context, string) ([]ContainerSummary, error) {
	return nil, e.fail()
}
func (e UnavailableEngine) Stats(context.Context, string) (StatsSample, error) {
	return StatsSample{}, e.fail()
}
func (e UnavailableEngine) Logs(context.Context, string) (string, string, error) {
	return "", "", e.fail()
}
func (e UnavailableEngine) Close() error { return nil }
