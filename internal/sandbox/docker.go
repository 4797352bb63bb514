package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/creack/pty"
)

const labelManagedBy = "managed-by"
const labelValue = "agentbroker"

// DockerDriver implements Driver against a local Docker engine, grounded on
// internal/container/manager.go's Manager but widened from a single
// Start/Stop/Get process surface to the full Driver contract (build,
// per-op exec, stats).
type DockerDriver struct {
	cli *client.Client
}

// NewDockerDriver dials the local Docker engine and prunes orphaned
// containers left over from a previous, uncleanly-stopped broker.
func NewDockerDriver(ctx context.Context) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	d := &DockerDriver{cli: cli}
	d.cleanOrphans(ctx)
	return d, nil
}

func (d *DockerDriver) cleanOrphans(ctx context.Context) {
	f := filters.NewArgs(filters.Arg("label", labelManagedBy+"="+labelValue))
	containers, err := d.cli.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: f})
	if err != nil {
		return
	}
	for _, c := range containers {
		d.cli.ContainerStop(ctx, c.ID, dockercontainer.StopOptions{})
		d.cli.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
	}
}

// BuildImage tars contextDir and streams it through the image build API.
func (d *DockerDriver) BuildImage(ctx context.Context, contextDir, tag string) error {
	tarball, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return &EngineError{Kind: KindOther, Op: "build_image", Err: err}
	}
	defer tarball.Close()

	opts := dockertypes.ImageBuildOptions{Tags: []string{tag}, Dockerfile: "Dockerfile"}
	resp, err := d.cli.ImageBuild(ctx, tarball, opts)
	if err != nil {
		return &EngineError{Kind: KindOther, Op: "build_image", Err: err}
	}
	defer resp.Body.Close()

	_, err = io.Copy(io.Discard, resp.Body)
	if err != nil {
		return &EngineError{Kind: KindOther, Op: "build_image", Err: err}
	}
	return nil
}

func (d *DockerDriver) GetImage(ctx context.Context, tag string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, tag)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, &EngineError{Kind: KindOther, Op: "get_image", Err: err}
	}
	return true, nil
}

func (d *DockerDriver) GetContainer(ctx context.Context, id string) (State, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", &EngineError{Kind: KindNotFound, Op: "get_container", Err: err}
		}
		return "", &EngineError{Kind: KindOther, Op: "get_container", Err: err}
	}
	return dockerStateToState(info.State.Status), nil
}

func dockerStateToState(status string) State {
	switch status {
	case "created":
		return StateCreating
	case "running":
		return StateRunning
	case "removing", "exited", "dead":
		return StateStopped
	case "paused":
		return StateStopping
	default:
		return StateError
	}
}

func (d *DockerDriver) Create(ctx context.Context, spec CreateSpec) (string, error) {
	binds := make([]string, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		b := m.HostPath + ":" + m.ContainerPath
		if m.ReadOnly {
			b += ":ro"
		}
		binds = append(binds, b)
	}

	pidsLimit := spec.PidsLimit
	resp, err := d.cli.ContainerCreate(ctx,
		&dockercontainer.Config{
			Image:      spec.Image,
			Cmd:        spec.Command,
			Env:        spec.Env,
			WorkingDir: spec.WorkDir,
			User:       spec.User,
			Tty:        spec.TTY,
			OpenStdin:  spec.StdinOpen,
			Labels:     map[string]string{labelManagedBy: labelValue},
		},
		&dockercontainer.HostConfig{
			Binds:       binds,
			CapDrop:     []string{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
			NetworkMode: dockercontainer.NetworkMode(spec.NetworkMode),
			Resources: dockercontainer.Resources{
				Memory:    spec.MemoryBytes,
				NanoCPUs:  spec.NanoCPUs,
				PidsLimit: &pidsLimit,
			},
			OomKillDisable: boolPtr(true),
		},
		nil, nil, spec.Name,
	)
	if err != nil {
		return "", &EngineError{Kind: KindOther, Op: "create", Err: err}
	}
	return resp.ID, nil
}

func boolPtr(b bool) *bool { return &b }

func (d *DockerDriver) Start(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, dockercontainer.StartOptions{}); err != nil {
		return &EngineError{Kind: KindOther, Op: "start", Err: err}
	}
	return nil
}

func (d *DockerDriver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := d.cli.ContainerStop(ctx, containerID, dockercontainer.StopOptions{Timeout: &secs}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return &EngineError{Kind: KindOther, Op: "stop", Err: err}
	}
	return nil
}

func (d *DockerDriver) Remove(ctx context.Context, containerID string, force bool) error {
	err := d.cli.ContainerRemove(ctx, containerID, dockercontainer.RemoveOptions{Force: force})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		// Only a genuine "operation already in progress" 409 is safe to
		// treat as success (§4.7.1): a removal racing one already underway
		// elsewhere still ends with the container gone. Anything else
		// (permission denied, engine unreachable, ...) is a real failure
		// and must not be swallowed as if cleanup had completed.
		if errdefs.IsConflict(err) {
			return &EngineError{Kind: KindConflict, Op: "remove", Err: err}
		}
		return &EngineError{Kind: KindOther, Op: "remove", Err: err}
	}
	return nil
}

func (d *DockerDriver) Exec(ctx context.Context, containerID string, opts ExecOptions) (ExecResult, error) {
	execCfg := dockercontainer.ExecOptions{
		Cmd:          opts.Argv,
		Env:          opts.Env,
		User:         opts.User,
		WorkingDir:   opts.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  opts.AttachStdin != nil,
	}

	created, err := d.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return ExecResult{}, &EngineError{Kind: KindOther, Op: "exec_create", Err: err}
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, dockercontainer.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, &EngineError{Kind: KindOther, Op: "exec_attach", Err: err}
	}
	defer attach.Close()

	if opts.AttachStdin != nil {
		go func() {
			io.Copy(attach.Conn, opts.AttachStdin)
			attach.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		return ExecResult{}, &EngineError{Kind: KindOther, Op: "exec_read", Err: err}
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, &EngineError{Kind: KindOther, Op: "exec_inspect", Err: err}
	}

	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// WriteFIFO runs argv (the verbatim-stdin-to-FIFO writer binary) inside
// containerID through a real PTY, grounded on the teacher's
// containerProcess/pty.Start: a PTY leaves the writer's stdin as a plain
// byte stream, so the turn's text never passes through shell parsing.
func (d *DockerDriver) WriteFIFO(ctx context.Context, containerID string, argv []string, data io.Reader) error {
	execArgs := append([]string{"exec", "-i", containerID}, argv...)
	cmd := exec.CommandContext(ctx, "docker", execArgs...)
	cmd.Env = os.Environ()

	ptyFile, err := pty.Start(cmd)
	if err != nil {
		return &EngineError{Kind: KindOther, Op: "write_fifo", Err: err}
	}
	defer ptyFile.Close()

	if _, err := io.Copy(ptyFile, data); err != nil {
		return &EngineError{Kind: KindOther, Op: "write_fifo", Err: err}
	}

	if err := cmd.Wait(); err != nil {
		return &EngineError{Kind: KindOther, Op: "write_fifo", Err: err}
	}
	return nil
}

func (d *DockerDriver) WaitReady(ctx context.Context, containerID string, checkCmd []string, deadline, interval time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := d.Exec(waitCtx, containerID, ExecOptions{Argv: checkCmd})
		if err == nil && res.ExitCode == 0 {
			return nil
		}

		select {
		case <-waitCtx.Done():
			return &EngineError{Kind: KindTimeout, Op: "wait_ready", Err: waitCtx.Err()}
		case <-ticker.C:
		}
	}
}

func (d *DockerDriver) Stats(ctx context.Context, containerID string) (Stats, error) {
	resp, err := d.cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		return Stats{}, &EngineError{Kind: KindOther, Op: "stats", Err: err}
	}
	defer resp.Body.Close()

	return decodeDockerStats(resp.Body)
}

func (d *DockerDriver) Close() error {
	return d.cli.Close()
}
