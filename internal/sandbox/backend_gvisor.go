package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// gVisorBackend runs the child inside a user-space kernel (runsc) fronted
// by the Docker engine: the manager still emits an OCI-style bundle (the
// container spec below), but container creation and cgroup wiring is
// delegated to dockerd rather than reimplemented. This is the strongest
// available backend and is preferred whenever the "runsc" runtime is
// registered with the local engine.
type gVisorBackend struct {
	cli *client.Client
}

func newGVisorBackend(cfg Config) (*gVisorBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("gvisor backend: docker client: %w", err)
	}
	return &gVisorBackend{cli: cli}, nil
}

func gvisorAvailable() bool {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return false
	}
	defer cli.Close()
	ctx, cancel := contextWithTimeout()
	defer cancel()
	info, err := cli.Info(ctx)
	if err != nil {
		return false
	}
	_, ok := info.Runtimes["runsc"]
	return ok
}

func (b *gVisorBackend) Name() Backend { return BackendGVisor }

func (b *gVisorBackend) Spawn(ctx context.Context, spec spawnSpec) (spawnedProcess, func(), error) {
	name := "ash-sandbox-" + spec.ID
	pidsLimit := int64(spec.Limits.MaxProcesses)

	resp, err := b.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      sandboxRuntimeImage(),
			Cmd:        spec.Command,
			Env:        spec.Env,
			WorkingDir: spec.WorkspaceDir,
			Labels:     map[string]string{"managed-by": "ash"},
		},
		&container.HostConfig{
			Runtime:     "runsc",
			CapDrop:     []string{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
			Mounts: []mount.Mount{{
				Type:   mount.TypeBind,
				Source: spec.WorkspaceDir,
				Target: spec.WorkspaceDir,
			}},
			Resources: container.Resources{
				Memory:    spec.Limits.MemoryBytes,
				NanoCPUs:  int64(spec.Limits.CPUQuota * 1e9),
				PidsLimit: &pidsLimit,
			},
		},
		nil, nil, name,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("gvisor container create: %w", err)
	}

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		b.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, nil, fmt.Errorf("gvisor container start: %w", err)
	}

	logCtx, logCancel := context.WithCancel(context.Background())
	go b.followLogs(logCtx, resp.ID, spec.Logs)

	proc := &dockerProcess{cli: b.cli, containerID: resp.ID}
	cleanup := func() {
		logCancel()
		rctx, cancel := contextWithTimeout()
		defer cancel()
		b.cli.ContainerRemove(rctx, resp.ID, container.RemoveOptions{Force: true})
	}
	return proc, cleanup, nil
}

// followLogs streams a container's stdout/stderr into logs until ctx is
// canceled (on sandbox Destroy) or the container goes away.
func (b *gVisorBackend) followLogs(ctx context.Context, containerID string, logs *logBuffer) {
	rc, err := b.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return
	}
	defer rc.Close()
	stdcopy.StdCopy(newLogWriter(logs, "stdout"), newLogWriter(logs, "stderr"), rc)
}

// dockerProcess adapts a running container to spawnedProcess.
type dockerProcess struct {
	cli         *client.Client
	containerID string
}

func (p *dockerProcess) Wait() error {
	statusCh, errCh := p.cli.ContainerWait(context.Background(), p.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return err
	case <-statusCh:
		return nil
	}
}

func (p *dockerProcess) Signal(sig int) error {
	return p.cli.ContainerKill(context.Background(), p.containerID, signalName(sig))
}

func (p *dockerProcess) Pid() int { return 0 }

// Exec runs a one-shot command inside the already-running container for
// this sandbox, via the engine's own exec API rather than re-entering
// runsc's namespaces by hand.
func (b *gVisorBackend) Exec(ctx context.Context, spec spawnSpec, command string, timeout time.Duration) (ExecResult, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := "ash-sandbox-" + spec.ID
	execID, err := b.cli.ContainerExecCreate(rctx, name, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		WorkingDir:   spec.WorkspaceDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("gvisor exec create: %w", err)
	}

	resp, err := b.cli.ContainerExecAttach(rctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("gvisor exec attach: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("gvisor exec read: %w", err)
	}

	inspect, err := b.cli.ContainerExecInspect(rctx, execID.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("gvisor exec inspect: %w", err)
	}
	return ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

func sandboxRuntimeImage() string {
	if img, err := exec.LookPath("ash-runtime-image"); err == nil {
		return img
	}
	return "ash/sandbox-runtime:latest"
}
