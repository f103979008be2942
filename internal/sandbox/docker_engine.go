package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/moby/go-archive"
)

var _ Engine = (*DockerEngine)(nil)

// DockerEngine implements Engine on the Docker Engine API.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects using the environment (DOCKER_HOST etc.). host
// overrides the daemon address when set.
func NewDockerEngine(host string) (*DockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

func (d *DockerEngine) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

func (d *DockerEngine) ImageExists(ctx context.Context, ref string) (bool, error) {
	if _, err := d.cli.ImageInspect(ctx, ref); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect image %q: %w", ref, err)
	}
	return true, nil
}

func (d *DockerEngine) BuildImage(ctx context.Context, contextDir, dockerfile, tag string) error {
	tarCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("archive build context %q: %w", contextDir, err)
	}
	defer tarCtx.Close()

	resp, err := d.cli.ImageBuild(ctx, tarCtx, build.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("build image %q: %w", tag, err)
	}
	defer resp.Body.Close()

	// The build only fails through the message stream.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("build image %q: %w", tag, err)
	}
	return nil
}

func (d *DockerEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	cc := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		User:            spec.User,
		Env:             spec.Env,
		WorkingDir:      spec.WorkingDir,
		Labels:          spec.Labels,
		NetworkDisabled: !spec.NetworkEnabled,
	}

	pids := spec.PidsLimit
	hc := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: spec.ReadOnlyRootFS,
		Tmpfs:          spec.Tmpfs,
		CapDrop:        spec.CapDrop,
		SecurityOpt:    spec.SecurityOpt,
		MaskedPaths:    spec.MaskedPaths,
		ReadonlyPaths:  spec.ReadonlyPaths,
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes,
			CPUQuota:   spec.CPUQuota,
			CPUPeriod:  spec.CPUPeriod,
			PidsLimit:  &pids,
		},
	}
	if spec.NetworkEnabled {
		hc.NetworkMode = "bridge"
	}
	if spec.WorkspaceDir != "" {
		hc.Mounts = []mount.Mount{{
			Type:   mount.TypeVolume,
			Target: spec.WorkspaceDir,
		}}
	}

	resp, err := d.cli.ContainerCreate(ctx, cc, hc, nil, nil, spec.Name)
	if err != nil {
		return "", d.wrap(err, "create container %q", spec.Name)
	}
	return resp.ID, nil
}

func (d *DockerEngine) CopyTo(ctx context.Context, id, dir string, content io.Reader) error {
	if err := d.cli.CopyToContainer(ctx, id, dir, content, container.CopyToContainerOptions{}); err != nil {
		return d.wrap(err, "copy to container %s:%s", id, dir)
	}
	return nil
}

func (d *DockerEngine) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return d.wrap(err, "start container %s", id)
	}
	return nil
}

func (d *DockerEngine) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return st.StatusCode, fmt.Errorf("wait container %s: %s", id, st.Error.Message)
		}
		return st.StatusCode, nil
	case err := <-errCh:
		return -1, d.wrap(err, "wait container %s", id)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (d *DockerEngine) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return d.wrap(err, "stop container %s", id)
	}
	return nil
}

func (d *DockerEngine) Kill(ctx context.Context, id string) error {
	if err := d.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		return d.wrap(err, "kill container %s", id)
	}
	return nil
}

func (d *DockerEngine) Remove(ctx context.Context, id string, force bool) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil {
		return d.wrap(err, "remove container %s", id)
	}
	return nil
}

func (d *DockerEngine) List(ctx context.Context, label string) ([]ContainerSummary, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return nil, d.wrap(err, "list containers")
	}

	out := make([]ContainerSummary, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ContainerSummary{
			ID:        c.ID,
			Name:      name,
			Labels:    c.Labels,
			CreatedAt: time.Unix(c.Created, 0),
			State:     string(c.State),
		})
	}
	return out, nil
}

func (d *DockerEngine) Stats(ctx context.Context, id string) (StatsSample, error) {
	resp, err := d.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return StatsSample{}, d.wrap(err, "stats container %s", id)
	}
	defer resp.Body.Close()

	var s container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return StatsSample{}, fmt.Errorf("decode stats for %s: %w", id, err)
	}

	sample := StatsSample{
		MemoryUsage: int64(s.MemoryStats.Usage),
		MemoryLimit: int64(s.MemoryStats.Limit),
		PidCount:    int64(s.PidsStats.Current),
		ReadAt:      s.Read,
	}
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(s.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
		}
		if cpus == 0 {
			cpus = 1
		}
		sample.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}
	return sample, nil
}

func (d *DockerEngine) Logs(ctx context.Context, id string) (string, string, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", d.wrap(err, "logs container %s", id)
	}
	defer rc.Close()

	raw, err := io.ReadAll(io.LimitReader(rc, maxLogBytes))
	if err != nil {
		return "", "", fmt.Errorf("read logs %s: %w", id, err)
	}
	stdout, stderr := demux(raw)
	return stdout, stderr, nil
}

func (d *DockerEngine) Close() error {
	return d.cli.Close()
}

// wrap annotates an engine error and tags NotFound and connection failures
// so the manager can classify them without knowing the client package.
func (d *DockerEngine) wrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w", msg, errors.Join(ErrNotFound, err))
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%s: %w", msg, errors.Join(ErrRuntimeUnavailable, err))
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}
