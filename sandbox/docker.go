// Package sandbox executes model-written code inside Docker containers.
// Each session gets its own container with a tmpfs workspace and no
// network; executions run as execs inside it. Open containers are tracked
// in a recovery file so an unclean shutdown can be repaired on the next
// start.
package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ensemble "github.com/nevindra/ensemble"
)

const (
	// sessionLabel marks containers owned by this runner, for recovery.
	sessionLabel = "ensemble.sandbox"

	defaultImage      = "python:3.12-slim"
	defaultRunTimeout = 60 * time.Second
	defaultMemory     = 512 << 20 // bytes
	defaultNanoCPUs   = 1_000_000_000
	workspaceDir      = "/workspace"
	outputLimit       = 512 << 10 // bytes captured per stream
)

// DockerRunner implements ensemble.CodeRunner on the Docker API.
type DockerRunner struct {
	cli      *client.Client
	image    string
	timeout  time.Duration
	memory   int64
	nanoCPUs int64
	network  bool
	exposed  nat.PortMap // optional host port bindings for debug servers
	ports    nat.PortSet
	logger   *slog.Logger
	recovery *recoveryFile

	mu       sync.Mutex
	sessions map[string]string // session id -> container id
	pulled   bool
	closed   bool
}

// Option configures a DockerRunner.
type Option func(*DockerRunner)

// WithImage sets the container image (default python:3.12-slim; it must
// provide python3, and node for the node runtime).
func WithImage(img string) Option {
	return func(r *DockerRunner) { r.image = img }
}

// WithTimeout sets the default per-execution timeout (default 60s).
func WithTimeout(d time.Duration) Option {
	return func(r *DockerRunner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMemoryLimit caps container memory in bytes (default 512 MiB).
func WithMemoryLimit(bytes int64) Option {
	return func(r *DockerRunner) { r.memory = bytes }
}

// WithNetwork enables outbound network access inside the sandbox.
// Disabled by default: untrusted code should not reach the network.
func WithNetwork() Option {
	return func(r *DockerRunner) { r.network = true }
}

// WithExposedPort publishes a container TCP port on a host port, for
// sandboxed code that serves artifacts (previews, notebooks) during a
// session.
func WithExposedPort(containerPort, hostPort int) Option {
	return func(r *DockerRunner) {
		port, err := nat.NewPort("tcp", fmt.Sprint(containerPort))
		if err != nil {
			return
		}
		if r.exposed == nil {
			r.exposed = nat.PortMap{}
			r.ports = nat.PortSet{}
		}
		r.ports[port] = struct{}{}
		r.exposed[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprint(hostPort)}}
	}
}

// WithRecoveryPath overrides the recovery file location (default
// ensemble-sandbox.json in the OS temp dir).
func WithRecoveryPath(path string) Option {
	return func(r *DockerRunner) { r.recovery = newRecoveryFile(path) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *DockerRunner) { r.logger = l }
}

// NewDockerRunner connects to the Docker daemon and repairs any
// containers left behind by an unclean shutdown (recorded in the recovery
// file).
func NewDockerRunner(ctx context.Context, opts ...Option) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: connect docker: %w", err)
	}
	r := &DockerRunner{
		cli:      cli,
		image:    defaultImage,
		timeout:  defaultRunTimeout,
		memory:   defaultMemory,
		nanoCPUs: defaultNanoCPUs,
		logger:   slog.New(slog.DiscardHandler),
		recovery: newRecoveryFile(""),
		sessions: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("sandbox: docker unavailable: %w", err)
	}
	r.recover(ctx)
	return r, nil
}

// recover removes containers recorded in the recovery file and any
// stragglers carrying our label.
func (r *DockerRunner) recover(ctx context.Context) {
	for _, id := range r.recovery.load() {
		if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			r.logger.Warn("sandbox recovery: remove failed", "container", shortID(id), "error", err)
		} else {
			r.logger.Info("sandbox recovery: removed stale container", "container", shortID(id))
		}
	}
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sessionLabel)),
	})
	if err == nil {
		for _, c := range list {
			_ = r.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
		}
	}
	r.recovery.store(nil)
}

// Run implements ensemble.CodeRunner. Infrastructure failures return an
// error; code failures (nonzero exit, timeout) are reported in the result.
func (r *DockerRunner) Run(ctx context.Context, req ensemble.CodeRequest) (ensemble.CodeResult, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ensemble.CodeResult{}, fmt.Errorf("sandbox: runner is closed")
	}
	r.mu.Unlock()

	cmd, err := commandFor(req)
	if err != nil {
		return ensemble.CodeResult{Error: err.Error()}, nil
	}
	id, err := r.container(ctx, req.SessionID)
	if err != nil {
		return ensemble.CodeResult{}, err
	}
	// One-shot executions get a throwaway container.
	if req.SessionID == "" {
		defer r.remove(context.WithoutCancel(ctx), "", id)
	}
	if len(req.Files) > 0 {
		if err := r.copyFiles(ctx, id, req.Files); err != nil {
			return ensemble.CodeResult{}, err
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := r.exec(execCtx, id, cmd)
	if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		// The exec is still running inside the container; a session
		// container must be recycled or the next run would contend.
		if req.SessionID != "" {
			r.remove(context.WithoutCancel(ctx), req.SessionID, id)
		}
		return ensemble.CodeResult{Error: fmt.Sprintf("execution timed out after %s", timeout)}, nil
	}
	return res, err
}

// commandFor maps the request runtime to the interpreter invocation.
func commandFor(req ensemble.CodeRequest) ([]string, error) {
	switch req.Runtime {
	case "", "python":
		return []string{"python3", "-c", req.Code}, nil
	case "node":
		return []string{"node", "-e", req.Code}, nil
	default:
		return nil, fmt.Errorf("unsupported runtime %q (python, node)", req.Runtime)
	}
}

// container returns the session's container, creating it on first use.
func (r *DockerRunner) container(ctx context.Context, sessionID string) (string, error) {
	r.mu.Lock()
	if id, ok := r.sessions[sessionID]; ok && sessionID != "" {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	if err := r.ensureImage(ctx); err != nil {
		return "", err
	}
	cfg := &container.Config{
		Image:        r.image,
		Cmd:          []string{"sleep", "infinity"},
		WorkingDir:   workspaceDir,
		Labels:       map[string]string{sessionLabel: sessionID},
		ExposedPorts: r.ports,
	}
	host := &container.HostConfig{
		Resources: container.Resources{
			Memory:   r.memory,
			NanoCPUs: r.nanoCPUs,
		},
		Tmpfs:        map[string]string{workspaceDir: "rw,size=256m"},
		PortBindings: r.exposed,
	}
	if !r.network {
		host.NetworkMode = "none"
	}
	created, err := r.cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("sandbox: create container: %w", err)
	}
	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("sandbox: start container: %w", err)
	}

	r.mu.Lock()
	if sessionID != "" {
		r.sessions[sessionID] = created.ID
	}
	r.recovery.store(r.openContainersLocked(created.ID))
	r.mu.Unlock()
	r.logger.Info("sandbox container started", "container", shortID(created.ID), "session", sessionID)
	return created.ID, nil
}

func (r *DockerRunner) ensureImage(ctx context.Context) error {
	r.mu.Lock()
	pulled := r.pulled
	r.mu.Unlock()
	if pulled {
		return nil
	}
	reader, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		// The image may exist locally without registry access.
		r.logger.Warn("sandbox image pull failed, using local image", "image", r.image, "error", err)
	} else {
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	}
	r.mu.Lock()
	r.pulled = true
	r.mu.Unlock()
	return nil
}

// exec runs cmd inside the container and captures its output.
func (r *DockerRunner) exec(ctx context.Context, containerID string, cmd []string) (ensemble.CodeResult, error) {
	created, err := r.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workspaceDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ensemble.CodeResult{}, fmt.Errorf("sandbox: exec create: %w", err)
	}
	attach, err := r.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ensemble.CodeResult{}, fmt.Errorf("sandbox: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	_, copyErr := stdcopy.StdCopy(
		newLimitWriter(&stdout, outputLimit),
		newLimitWriter(&stderr, outputLimit),
		attach.Reader,
	)
	if ctx.Err() != nil {
		return ensemble.CodeResult{}, ctx.Err()
	}
	if copyErr != nil {
		return ensemble.CodeResult{}, fmt.Errorf("sandbox: read output: %w", copyErr)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ensemble.CodeResult{}, fmt.Errorf("sandbox: exec inspect: %w", err)
	}
	return ensemble.CodeResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// copyFiles places request files into the container workspace via a tar
// stream.
func (r *DockerRunner) copyFiles(ctx context.Context, containerID string, files []ensemble.CodeFile) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		if f.Name == "" || len(f.Data) == 0 {
			continue
		}
		hdr := &tar.Header{Name: f.Name, Mode: 0o644, Size: int64(len(f.Data))}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("sandbox: tar %s: %w", f.Name, err)
		}
		if _, err := tw.Write(f.Data); err != nil {
			return fmt.Errorf("sandbox: tar %s: %w", f.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("sandbox: tar close: %w", err)
	}
	if err := r.cli.CopyToContainer(ctx, containerID, workspaceDir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("sandbox: copy files: %w", err)
	}
	return nil
}

// remove deletes a container and updates bookkeeping.
func (r *DockerRunner) remove(ctx context.Context, sessionID, containerID string) {
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Warn("sandbox: container remove failed", "container", shortID(containerID), "error", err)
	}
	r.mu.Lock()
	if sessionID != "" {
		delete(r.sessions, sessionID)
	}
	r.recovery.store(r.openContainersLocked(""))
	r.mu.Unlock()
}

// openContainersLocked lists live container ids, optionally including one
// not yet in the session map. Caller holds r.mu.
func (r *DockerRunner) openContainersLocked(extra string) []string {
	var ids []string
	for _, id := range r.sessions {
		ids = append(ids, id)
	}
	if extra != "" {
		found := false
		for _, id := range ids {
			if id == extra {
				found = true
			}
		}
		if !found {
			ids = append(ids, extra)
		}
	}
	return ids
}

// Close removes all session containers and clears the recovery file.
func (r *DockerRunner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make(map[string]string, len(r.sessions))
	for k, v := range r.sessions {
		sessions[k] = v
	}
	r.mu.Unlock()

	var firstErr error
	for _, id := range sessions {
		if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.mu.Lock()
	r.sessions = make(map[string]string)
	r.recovery.clear()
	r.mu.Unlock()
	if err := r.cli.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// limitWriter caps how much output a stream may accumulate.
type limitWriter struct {
	w     io.Writer
	left  int
	noted bool
}

func newLimitWriter(w io.Writer, limit int) *limitWriter {
	return &limitWriter{w: w, left: limit}
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.left <= 0 {
		if !l.noted {
			l.noted = true
			_, _ = l.w.Write([]byte("\n… (output truncated)"))
		}
		return len(p), nil // discard but report success to keep the copy going
	}
	n := len(p)
	if n > l.left {
		n = l.left
	}
	if _, err := l.w.Write(p[:n]); err != nil {
		return 0, err
	}
	l.left -= n
	return len(p), nil
}

var _ ensemble.CodeRunner = (*DockerRunner)(nil)
