// Package docker runs programs in short-lived containers through the
// Docker Engine API.
//
// Each run creates a container from the configured Python image, copies
// the bootstrap and program in as a tar stream, waits for exit under the
// request timeout, demultiplexes the logs and copies the result file out.
// Networking is disabled unless allow_net grants it, memory_limit_mb
// becomes the cgroup limit, and the container is always removed.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/rhuss/pysandbox/pkg/api"
	"github.com/rhuss/pysandbox/pkg/config"
	"github.com/rhuss/pysandbox/pkg/debug"
	"github.com/rhuss/pysandbox/pkg/sandbox"
)

// Name is the registry name of this backend.
const Name = "docker"

const (
	// guestParent must exist in the image; the work dir is created by the
	// copied tar stream.
	guestParent  = "/tmp"
	guestWorkDir = "/tmp/pysandbox"

	pidsLimit = 64

	cleanupTimeout = 10 * time.Second
)

// engine is the subset of the Docker client used by Runner.
type engine interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

var _ engine = (*client.Client)(nil)

// Options configure a Runner.
type Options struct {
	Image  string
	Python string
	Pull   bool
}

// Runner executes programs in Docker containers.
type Runner struct {
	engine engine
	opts   Options
}

var _ sandbox.Runner = (*Runner)(nil)

// New connects to the Docker daemon at host (or DOCKER_HOST when empty)
// and verifies it is reachable.
func New(ctx context.Context, host string, opts Options) (*Runner, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}
	slog.Debug("docker client initialized", "host", cli.DaemonHost(), "image", opts.Image)
	return newRunner(cli, opts), nil
}

func newRunner(e engine, opts Options) *Runner {
	if opts.Python == "" {
		opts.Python = "python3"
	}
	return &Runner{engine: e, opts: opts}
}

// Factory builds a Runner from configuration.
func Factory(cfg *config.Config) (sandbox.Runner, error) {
	dc := cfg.Sandbox.Docker
	return New(context.Background(), dc.Host, Options{
		Image:  dc.Image,
		Python: dc.Python,
		Pull:   dc.Pull,
	})
}

// Close closes the Docker client.
func (r *Runner) Close() error {
	return r.engine.Close()
}

// Run executes code in a new container.
func (r *Runner) Run(ctx context.Context, code string, opts sandbox.RunOptions) (*sandbox.RunResponse, error) {
	timeout := sandbox.ClampTimeout(opts.Timeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id, err := r.create(runCtx, opts.Config)
	if err != nil {
		return nil, err
	}
	defer r.remove(id)

	archive, err := workDirArchive(code)
	if err != nil {
		return nil, err
	}
	if err := r.engine.CopyToContainer(runCtx, id, guestParent, archive, container.CopyToContainerOptions{}); err != nil {
		return nil, fmt.Errorf("copy program into container: %w", err)
	}

	debug.Log("sandbox", "docker run", "container", shortID(id), "image", r.opts.Image, "timeout", timeout)

	if err := r.engine.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := r.engine.ContainerWait(runCtx, id, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return nil, fmt.Errorf("wait for container: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	case err := <-errCh:
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("docker run aborted: %w", ctx.Err())
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return r.timedOut(id, timeout), nil
		default:
			return nil, fmt.Errorf("wait for container: %w", err)
		}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("docker run aborted: %w", ctx.Err())
		}
		return r.timedOut(id, timeout), nil
	}

	stdout, stderr, err := r.logs(id)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return sandbox.Completed(int(exitCode), stdout, stderr, nil), nil
	}

	result, err := r.result(id)
	if err != nil {
		return nil, err
	}
	return sandbox.Completed(0, stdout, stderr, result), nil
}

// create creates the container, pulling the image once if it is missing.
func (r *Runner) create(ctx context.Context, cfg *api.SandboxConfig) (string, error) {
	containerCfg, hostCfg := r.containerConfig(cfg)

	resp, err := r.engine.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil && cerrdefs.IsNotFound(err) && r.opts.Pull {
		if pullErr := r.pull(ctx); pullErr != nil {
			return "", pullErr
		}
		resp, err = r.engine.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	}
	if err != nil {
		return "", fmt.Errorf("create container from %s: %w", r.opts.Image, err)
	}
	for _, w := range resp.Warnings {
		slog.Warn("docker create warning", "container", shortID(resp.ID), "warning", w)
	}
	return resp.ID, nil
}

func (r *Runner) pull(ctx context.Context) error {
	slog.Info("pulling sandbox image", "image", r.opts.Image)
	rc, err := r.engine.ImagePull(ctx, r.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", r.opts.Image, err)
	}
	defer rc.Close()
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", r.opts.Image, err)
	}
	return nil
}

// containerConfig maps the request's toggles onto container settings.
func (r *Runner) containerConfig(cfg *api.SandboxConfig) (*container.Config, *container.HostConfig) {
	var memMB int64
	var env []string
	netAllowed := false
	if cfg != nil {
		memMB = cfg.MemoryLimitMB
		env = sandbox.Environ(cfg.AllowEnv, os.Environ())
		netAllowed = cfg.AllowNet.Allowed()
	}
	env = append(env,
		"HOME="+guestWorkDir,
		"PYTHONIOENCODING=utf-8",
		sandbox.ResultFileEnv+"="+path.Join(guestWorkDir, sandbox.ResultFile),
	)

	memBytes := sandbox.ClampMemoryMB(memMB) * 1024 * 1024
	pids := int64(pidsLimit)

	containerCfg := &container.Config{
		Image: r.opts.Image,
		Cmd: []string{
			r.opts.Python, "-B", "-u",
			path.Join(guestWorkDir, sandbox.BootstrapFile),
			path.Join(guestWorkDir, sandbox.ProgramFile),
		},
		Env:             env,
		WorkingDir:      guestParent,
		NetworkDisabled: !netAllowed,
		Labels:          map[string]string{"app.kubernetes.io/managed-by": "pysandbox"},
	}
	hostCfg := &container.HostConfig{
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     memBytes,
			MemorySwap: memBytes,
			PidsLimit:  &pids,
		},
	}
	if !netAllowed {
		hostCfg.NetworkMode = "none"
	}
	return containerCfg, hostCfg
}

// timedOut kills the container and reports whatever output it produced.
func (r *Runner) timedOut(id string, timeout time.Duration) *sandbox.RunResponse {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.engine.ContainerKill(ctx, id, "KILL"); err != nil {
		slog.Warn("failed to kill timed out container", "container", shortID(id), "error", err.Error())
	}
	stdout, stderr, err := r.logs(id)
	if err != nil {
		slog.Warn("failed to collect logs of timed out container", "container", shortID(id), "error", err.Error())
	}
	return sandbox.TimeoutResponse(timeout, stdout, stderr)
}

// logs returns the container's demultiplexed stdout and stderr.
func (r *Runner) logs(id string) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	rc, err := r.engine.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("read container logs: %w", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("demultiplex container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// result copies the result file out of the container. A missing file
// means the program had no final expression.
func (r *Runner) result(id string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	rc, _, err := r.engine.CopyFromContainer(ctx, id, path.Join(guestWorkDir, sandbox.ResultFile))
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("copy result from container: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read result archive: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

func (r *Runner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.engine.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove sandbox container", "container", shortID(id), "error", err.Error())
	}
}

// workDirArchive packs the bootstrap and program into a tar stream that
// unpacks to the guest work dir when copied into guestParent.
func workDirArchive(code string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	dir := path.Base(guestWorkDir)
	now := time.Now()

	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     dir + "/",
		Mode:     0o777,
		ModTime:  now,
	}); err != nil {
		return nil, fmt.Errorf("archive work dir: %w", err)
	}
	for _, f := range sandbox.Files(code) {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     path.Join(dir, f.Name),
			Mode:     0o644,
			Size:     int64(len(f.Content)),
			ModTime:  now,
		}); err != nil {
			return nil, fmt.Errorf("archive %s: %w", f.Name, err)
		}
		if _, err := io.WriteString(tw, f.Content); err != nil {
			return nil, fmt.Errorf("archive %s: %w", f.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("archive work dir: %w", err)
	}
	return &buf, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
