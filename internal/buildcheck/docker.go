package buildcheck

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	containerWorkdir = "/workspace"

	// Resource limits for one-shot build containers.
	buildMemoryLimit = 2 * 1024 * 1024 * 1024 // 2GB
	buildPidsLimit   = 1024
)

// DockerRunner runs the build command in a one-shot container with the
// workspace bind-mounted, so a hostile or broken build cannot touch the
// host environment.
type DockerRunner struct {
	cli     *client.Client
	image   string
	command string
	timeout time.Duration
	logger  *slog.Logger
}

// NewDockerRunner creates a container-isolated build runner.
func NewDockerRunner(imageName, command string, timeout time.Duration, logger *slog.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultBuildTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRunner{cli: cli, image: imageName, command: command, timeout: timeout, logger: logger}, nil
}

// Verify runs the build command inside the configured image against dir.
func (r *DockerRunner) Verify(ctx context.Context, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.ensureImage(ctx); err != nil {
		return err
	}

	cfg := &container.Config{
		Image:      r.image,
		WorkingDir: containerWorkdir,
		Cmd:        []string{"sh", "-c", r.command},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: dir,
			Target: containerWorkdir,
		}},
		Resources: container.Resources{
			Memory:    buildMemoryLimit,
			PidsLimit: ptr(int64(buildPidsLimit)),
		},
		AutoRemove: false,
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return fmt.Errorf("create build container: %w", err)
	}
	defer func() {
		if err := r.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			r.logger.Warn("failed to remove build container", "container_id", resp.ID, "error", err)
		}
	}()

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start build container: %w", err)
	}

	statusCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("wait for build container: %w", err)
		}
	case status := <-statusCh:
		if status.Error != nil {
			return fmt.Errorf("build container wait: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	}

	output, err := r.containerLogs(ctx, resp.ID)
	if err != nil {
		r.logger.Warn("failed to read build container logs", "container_id", resp.ID, "error", err)
	}

	if exitCode != 0 {
		return buildFailure(int(exitCode), output)
	}
	return nil
}

// ensureImage pulls the build image when it is not present locally.
func (r *DockerRunner) ensureImage(ctx context.Context) error {
	_, err := r.cli.ImageInspect(ctx, r.image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect build image %s: %w", r.image, err)
	}

	r.logger.Info("Pulling build image", "image", r.image)
	rc, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull build image %s: %w", r.image, err)
	}
	defer func() {
		_ = rc.Close()
	}()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("drain image pull %s: %w", r.image, err)
	}
	return nil
}

func (r *DockerRunner) containerLogs(ctx context.Context, containerID string) ([]byte, error) {
	rc, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}
	defer func() {
		_ = rc.Close()
	}()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, fmt.Errorf("demultiplex logs: %w", err)
	}
	return buf.Bytes(), nil
}

func ptr[T any](v T) *T {
	return &v
}
