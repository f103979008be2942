package sandbox

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

type fakeContainer struct {
	spec      ContainerSpec
	createdAt time.Time
	running   bool
	exited    chan struct{}
	files     map[string]string
}

func (c *fakeContainer) exit() {
	c.running = false
	select {
	case <-c.exited:
	default:
		close(c.exited)
	}
}

// fakeEngine is an in-memory Engine. Containers exit immediately with
// ExitCode unless Hang is set, in which case Wait blocks until the container
// is stopped, killed or removed.
type fakeEngine struct {
	mu         sync.Mutex
	calls      []string
	containers map[string]*fakeContainer
	images     map[string]bool
	seq        int
	now        func() time.Time

	Hang     bool
	ExitCode int64
	Stdout   string
	Stderr   string
	Sample   StatsSample
	Started  chan string

	PingErr   error
	CreateErr func(spec ContainerSpec) error
	StartErr  func(id string) error
	RemoveErr func(id string) error
	ListErr   error
	BuildErr  error
}

func newFakeEngine(images ...string) *fakeEngine {
	f := &fakeEngine{
		containers: make(map[string]*fakeContainer),
		images:     make(map[string]bool),
		now:        time.Now,
	}
	for _, img := range images {
		f.images[img] = true
	}
	return f
}

func (f *fakeEngine) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *fakeEngine) get(id string) (*fakeContainer, error) {
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container %s: %w", id, ErrNotFound)
	}
	return c, nil
}

// seed adds a container the manager never created, e.g. one orphaned by a crash.
func (f *fakeEngine) seed(labels map[string]string, createdAt time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("orphan-%d", f.seq)
	f.containers[id] = &fakeContainer{
		spec:      ContainerSpec{Name: id, Labels: labels},
		createdAt: createdAt,
		exited:    make(chan struct{}),
		files:     map[string]string{},
	}
	return id
}

func (f *fakeEngine) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ping")
	return f.PingErr
}

func (f *fakeEngine) ImageExists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("image_exists")
	return f.images[ref], nil
}

func (f *fakeEngine) BuildImage(_ context.Context, _, _, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("build")
	if f.BuildErr != nil {
		return f.BuildErr
	}
	f.images[tag] = true
	return nil
}

func (f *fakeEngine) Create(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create")
	if f.CreateErr != nil {
		if err := f.CreateErr(spec); err != nil {
			return "", err
		}
	}
	f.seq++
	id := fmt.Sprintf("c%04d", f.seq)
	f.containers[id] = &fakeContainer{
		spec:      spec,
		createdAt: f.now(),
		exited:    make(chan struct{}),
		files:     map[string]string{},
	}
	return id, nil
}

func (f *fakeEngine) CopyTo(_ context.Context, id, dir string, r io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("copy")
	c, err := f.get(id)
	if err != nil {
		return err
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		body, _ := io.ReadAll(tr)
		c.files[dir+"/"+hdr.Name] = string(body)
	}
}

func (f *fakeEngine) Start(_ context.Context, id string) error {
	f.mu.Lock()
	f.record("start")
	c, err := f.get(id)
	if err == nil && f.StartErr != nil {
		err = f.StartErr(id)
	}
	if err == nil {
		c.running = true
		if !f.Hang {
			c.exit()
		}
	}
	started := f.Started
	f.mu.Unlock()
	if err == nil && started != nil {
		started <- id
	}
	return err
}

func (f *fakeEngine) Wait(ctx context.Context, id string) (int64, error) {
	f.mu.Lock()
	f.record("wait")
	c, err := f.get(id)
	code := f.ExitCode
	f.mu.Unlock()
	if err != nil {
		return -1, err
	}
	select {
	case <-c.exited:
		if f.Hang {
			return 137, nil
		}
		return code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (f *fakeEngine) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop")
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.exit()
	return nil
}

func (f *fakeEngine) Kill(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("kill")
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.exit()
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove")
	c, err := f.get(id)
	if err != nil {
		return err
	}
	if f.RemoveErr != nil {
		if err := f.RemoveErr(id); err != nil {
			return err
		}
	}
	if c.running && !force {
		return fmt.Errorf("container %s is running", id)
	}
	c.exit()
	delete(f.containers, id)
	return nil
}

func (f *fakeEngine) List(_ context.Context, label string) ([]ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list")
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	key := strings.SplitN(label, "=", 2)[0]
	var out []ContainerSummary
	for id, c := range f.containers {
		if _, ok := c.spec.Labels[key]; !ok {
			continue
		}
		out = append(out, ContainerSummary{ID: id, Name: c.spec.Name, Labels: c.spec.Labels, CreatedAt: c.createdAt})
	}
	return out, nil
}

func (f *fakeEngine) Stats(_ context.Context, id string) (StatsSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stats")
	if _, err := f.get(id); err != nil {
		return StatsSample{}, err
	}
	return f.Sample, nil
}

func (f *fakeEngine) Logs(_ context.Context, id string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("logs")
	if _, err := f.get(id); err != nil {
		return "", "", err
	}
	return f.Stdout, f.Stderr, nil
}

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) container(id string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id]
}
