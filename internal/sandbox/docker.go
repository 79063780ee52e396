package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/pymakebot/internal/execmode"
)

const (
	defaultDockerBinary    = "docker"
	defaultDockerImage     = "python-sandbox"
	defaultDockerUser      = "sandboxuser"
	defaultDockerMemoryMB  = 512
	defaultDockerCPUCores  = 1.0
	defaultDockerPIDsLimit = 64

	containerScriptDir  = "/home/sandboxuser/scripts"
	containerNamePrefix = "pymakebot-sbx-"
	runLabel            = "pymakebot.run"

	// removeTimeout bounds the deferred docker rm -f, which must run even
	// when the caller's context is already done.
	removeTimeout = 10 * time.Second
)

// DockerConfig configures the container runtime.
type DockerConfig struct {
	Binary    string  // Docker CLI. Default "docker".
	Image     string  // Default "python-sandbox".
	User      string  // Non-root identity inside the container.
	MemoryMB  int     // --memory hard limit, swap disabled.
	CPUCores  float64 // --cpus rate limit.
	PIDsLimit int     // --pids-limit.
}

// Handle is exclusive ownership of one live instance. The host target is
// represented by a Handle with an empty Name.
type Handle struct {
	Name      string
	RunID     string
	ScriptDir string
	Isolation Isolation
	// Networked is set while the instance is attached to a network for
	// package installation.
	Networked bool
}

// Host is the handle for host execution; there is nothing to release.
func Host(runID string) *Handle { return &Handle{RunID: runID, Isolation: IsolationHost} }

// Runtime is the container lifecycle the orchestrator drives.
type Runtime interface {
	// Available verifies the CLI, the daemon, and the image.
	Available(ctx context.Context) error
	// Create makes a stopped instance with scriptDir mounted read-only.
	// withNetwork attaches it to the default bridge for package installs.
	Create(ctx context.Context, runID, scriptDir string, withNetwork bool) (*Handle, error)
	Start(ctx context.Context, h *Handle) error
	// Install pip-installs packages for the instance user, then detaches the
	// instance from every network.
	Install(ctx context.Context, h *Handle, packages []string) error
	// Invocation is the command that runs script inside the instance.
	Invocation(h *Handle, script string, mode execmode.Mode) Invocation
	// Remove force-removes the instance. It is safe to call twice.
	Remove(ctx context.Context, h *Handle) error
}

// DockerRuntime drives ephemeral hardened containers through the docker CLI.
//
// Every instance:
//   - has no network during the run (--network=none, or detached after install)
//   - sees the script directory read-only
//   - runs as a non-root user with all capabilities dropped
//   - cannot gain privileges (no-new-privileges)
//   - has memory, CPU and PID limits
//   - is removed with docker rm -f on every exit path
type DockerRuntime struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerRuntime creates a DockerRuntime.
func NewDockerRuntime(cfg DockerConfig, logger *slog.Logger) *DockerRuntime {
	if cfg.Binary == "" {
		cfg.Binary = defaultDockerBinary
	}
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.User == "" {
		cfg.User = defaultDockerUser
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultDockerMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DockerRuntime{config: cfg, logger: logger}
}

// Image returns the configured sandbox image.
func (d *DockerRuntime) Image() string { return d.config.Image }

// Available runs "docker version" and "docker image inspect <image>".
func (d *DockerRuntime) Available(ctx context.Context) error {
	if _, err := exec.LookPath(d.config.Binary); err != nil {
		return &SandboxError{Kind: RuntimeUnavailable, Err: fmt.Errorf("%s CLI not found: %w", d.config.Binary, err)}
	}
	if out, err := d.docker(ctx, "version", "--format", "{{.Server.Version}}"); err != nil {
		return &SandboxError{Kind: RuntimeUnavailable, Err: fmt.Errorf("docker daemon is not running: %s", out)}
	}
	if _, err := d.docker(ctx, "image", "inspect", d.config.Image); err != nil {
		return &SandboxError{
			Kind: RuntimeUnavailable,
			Err:  fmt.Errorf("image %q not found (build it with: docker build -t %s .)", d.config.Image, d.config.Image),
		}
	}
	return nil
}

// Create runs docker create with the hardening flags. The container's main
// process idles so that setup and the script can be exec'd into it.
func (d *DockerRuntime) Create(ctx context.Context, runID, scriptDir string, withNetwork bool) (*Handle, error) {
	name := containerNamePrefix + uuid.NewString()
	args := d.createArgs(name, runID, scriptDir, withNetwork)

	d.logger.InfoContext(ctx, "creating sandbox container",
		slog.String("container", name),
		slog.String("image", d.config.Image),
		slog.String("run_id", runID),
		slog.Bool("network", withNetwork),
	)
	if out, err := d.docker(ctx, args...); err != nil {
		// A failed create can still leave a record behind.
		d.forceRemove(name)
		return nil, &SandboxError{Kind: InstanceCreateFailed, Err: fmt.Errorf("docker create: %s: %w", out, err)}
	}
	return &Handle{
		Name:      name,
		RunID:     runID,
		ScriptDir: scriptDir,
		Isolation: IsolationContainer,
		Networked: withNetwork,
	}, nil
}

func (d *DockerRuntime) createArgs(name, runID, scriptDir string, withNetwork bool) []string {
	memoryFlag := strconv.Itoa(d.config.MemoryMB) + "m"
	network := "--network=none"
	if withNetwork {
		network = "--network=bridge"
	}
	return []string{
		"create",
		"--name", name,
		"--label", runLabel + "=" + runID,
		"--init",

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=" + d.config.User,
		network,

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + strconv.FormatFloat(d.config.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(d.config.PIDsLimit),

		// --- Writable scratch space; user site-packages live in .local ---
		"--tmpfs", "/tmp:rw,nosuid,size=64m",
		"--tmpfs", "/home/sandboxuser/.local:rw,nosuid,size=512m,mode=1777",

		"--env", "HOME=/home/sandboxuser",
		"--env", "PYTHONUNBUFFERED=1",
		"--env", "PYTHONIOENCODING=utf-8",
		"--env", "PIP_NO_CACHE_DIR=1",
		"--env", "PIP_DISABLE_PIP_VERSION_CHECK=1",

		"--volume", scriptDir + ":" + containerScriptDir + ":ro",
		"--workdir", containerScriptDir,

		d.config.Image,
		"sleep", "infinity",
	}
}

// Start runs docker start.
func (d *DockerRuntime) Start(ctx context.Context, h *Handle) error {
	if out, err := d.docker(ctx, "start", h.Name); err != nil {
		return &SandboxError{Kind: InstanceCreateFailed, Err: fmt.Errorf("docker start: %s: %w", out, err)}
	}
	return nil
}

// Install runs pip install --user inside the instance and then cuts its
// network, so the script itself never has one.
func (d *DockerRuntime) Install(ctx context.Context, h *Handle, packages []string) error {
	var installErr error
	if len(packages) > 0 {
		args := append([]string{"exec", h.Name, "python3", "-m", "pip", "install", "--user", "--quiet"}, packages...)
		d.logger.InfoContext(ctx, "installing packages in container",
			slog.String("container", h.Name),
			slog.Any("packages", packages),
		)
		if out, err := d.docker(ctx, args...); err != nil {
			installErr = fmt.Errorf("pip install in container: %s", out)
		}
	}
	if h.Networked {
		if out, err := d.docker(ctx, "network", "disconnect", "--force", "bridge", h.Name); err != nil {
			// The script must not run with a network; surface as an error so
			// the orchestrator tears the instance down.
			return errors.Join(installErr, &SandboxError{
				Kind: InstanceCreateFailed,
				Err:  fmt.Errorf("docker network disconnect: %s: %w", out, err),
			})
		}
		h.Networked = false
	}
	return installErr
}

// Invocation builds "docker exec [-i] <name> python3 <script>".
func (d *DockerRuntime) Invocation(h *Handle, script string, mode execmode.Mode) Invocation {
	args := []string{"exec"}
	if mode == execmode.Interactive {
		args = append(args, "-i")
	}
	args = append(args, h.Name, "python3", path.Join(containerScriptDir, script))
	return Invocation{
		Program: d.config.Binary,
		Args:    args,
		Env:     filteredEnviron(),
	}
}

// Remove force-removes the instance. A missing container is not an error.
func (d *DockerRuntime) Remove(ctx context.Context, h *Handle) error {
	if h == nil || h.Name == "" {
		return nil
	}
	// Removal must happen even if ctx is already cancelled.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()

	out, err := d.docker(rctx, "rm", "-f", h.Name)
	if err != nil && !strings.Contains(out, "No such container") {
		d.logger.WarnContext(ctx, "docker rm -f failed",
			slog.String("container", h.Name),
			slog.String("error", err.Error()),
			slog.String("output", out),
		)
		return fmt.Errorf("removing container %s: %w", h.Name, err)
	}
	d.logger.DebugContext(ctx, "sandbox container removed", slog.String("container", h.Name))
	return nil
}

// Leftover is a sandbox container still present after its run.
type Leftover struct {
	Name  string
	RunID string
	State string // docker state: created, running, exited, dead...
}

// Stopped reports whether the container is no longer running anything.
func (l Leftover) Stopped() bool { return l.State == "exited" || l.State == "dead" }

// Leftovers lists containers labelled with runID, live or stopped. An empty
// runID lists every sandbox container.
func (d *DockerRuntime) Leftovers(ctx context.Context, runID string) ([]Leftover, error) {
	filter := "label=" + runLabel
	if runID != "" {
		filter += "=" + runID
	}
	out, err := d.docker(ctx, "ps", "-a", "--filter", filter,
		"--format", "{{.Names}}\t{{.Label \""+runLabel+"\"}}\t{{.State}}")
	if err != nil {
		return nil, fmt.Errorf("docker ps: %s: %w", out, err)
	}
	var left []Leftover
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if fields[0] == "" {
			continue
		}
		l := Leftover{Name: fields[0]}
		if len(fields) > 1 {
			l.RunID = fields[1]
		}
		if len(fields) > 2 {
			l.State = fields[2]
		}
		left = append(left, l)
	}
	return left, nil
}

// RemoveLeftovers force-removes sandbox containers that keep rejects, and
// returns how many were removed. keep sees every container before removal.
func (d *DockerRuntime) RemoveLeftovers(ctx context.Context, keep func(Leftover) bool) (int, error) {
	left, err := d.Leftovers(ctx, "")
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, l := range left {
		if keep != nil && keep(l) {
			continue
		}
		if err := d.Remove(ctx, &Handle{Name: l.Name}); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (d *DockerRuntime) forceRemove(name string) {
	_ = d.Remove(context.Background(), &Handle{Name: name})
}

func (d *DockerRuntime) docker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.config.Binary, args...)
	cmd.Env = filteredEnviron()
	var out bytes.Buffer
	w := &limitedWriter{w: &out, remaining: maxOutputBytes}
	cmd.Stdout = w
	cmd.Stderr = w
	err := cmd.Run()
	return strings.TrimSpace(out.String()), err
}
