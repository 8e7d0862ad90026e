package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/devanshbm/runq/internal/domain"
)

// DockerRunner executes container specs through the Docker SDK.
type DockerRunner struct {
	cli *client.Client
}

var _ domain.ContainerRunner = (*DockerRunner)(nil)

// NewDockerRunner initializes a verified Docker client. It pings the daemon
// so a worker never starts with an unreachable sandbox facility.
func NewDockerRunner() (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	if _, err := cli.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("pinging docker daemon: %w", err)
	}

	slog.Info("docker client initialized")
	return &DockerRunner{cli: cli}, nil
}

// Run creates an ephemeral container for the spec, waits for it to exit
// within the context deadline and returns the demuxed streams. The container
// is force-removed on every exit path; network access is disabled and memory
// is capped via cgroups.
func (r *DockerRunner) Run(ctx context.Context, spec domain.ContainerSpec) (domain.ContainerOutput, error) {
	id, err := r.createContainer(ctx, spec)
	if err != nil {
		return domain.ContainerOutput{}, err
	}
	defer func() {
		removeCtx := context.WithoutCancel(ctx)
		if err := r.cli.ContainerRemove(removeCtx, id, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("failed to remove container", "containerID", id, "error", err)
		}
	}()

	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return domain.ContainerOutput{}, fmt.Errorf("starting container: %w", err)
	}

	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case err := <-errCh:
		// Deadline expiry lands here; the deferred force-remove kills the
		// container so nothing is left running.
		return domain.ContainerOutput{}, fmt.Errorf("waiting for container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	}

	stdout, stderr, err := r.containerLogs(ctx, id)
	if err != nil {
		return domain.ContainerOutput{}, err
	}

	return domain.ContainerOutput{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

// createContainer builds the container, pulling the pinned image on first use.
func (r *DockerRunner) createContainer(ctx context.Context, spec domain.ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             []string{"sh", "-c", spec.Script},
		WorkingDir:      "/code",
		NetworkDisabled: true,
	}
	hostCfg := &container.HostConfig{
		Binds:       []string{spec.MountDir + ":/code"},
		NetworkMode: "none",
		Resources: container.Resources{
			Memory: spec.MemoryBytes,
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err == nil {
		return resp.ID, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("creating container: %w", err)
	}

	slog.Info("pulling image", "image", spec.Image)
	reader, err := r.cli.ImagePull(ctx, spec.Image, image.PullOptions{})
	if err != nil {
		return "", fmt.Errorf("pulling image %s: %w", spec.Image, err)
	}
	// Drain so the pull completes before create retries.
	io.Copy(io.Discard, reader)
	reader.Close()

	resp, err = r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("creating container after pull: %w", err)
	}
	return resp.ID, nil
}

func (r *DockerRunner) containerLogs(ctx context.Context, id string) (string, string, error) {
	rc, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("reading container logs: %w", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", "", fmt.Errorf("demuxing container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// Close releases the Docker client.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}
