package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clouddeck/shellbox/internal/config"
	"github.com/clouddeck/shellbox/internal/types"
)

// Docker runs each user's commands inside a dedicated container, created
// lazily on first use and reused across sessions. The container idles on a
// no-op entrypoint so execs stay cheap; an idle reaper stops it after a
// period of inactivity.
type Docker struct {
	cfg         config.Docker
	storageRoot string
	logger      *slog.Logger

	execCommand func(ctx context.Context, name string, arg ...string) *exec.Cmd

	mu           sync.Mutex
	userLocks    map[string]*sync.Mutex
	lastActivity map[string]time.Time
}

func NewDocker(cfg config.Docker, storageRoot string, logger *slog.Logger) *Docker {
	return &Docker{
		cfg:          cfg,
		storageRoot:  storageRoot,
		logger:       logger,
		execCommand:  exec.CommandContext,
		userLocks:    make(map[string]*sync.Mutex),
		lastActivity: make(map[string]time.Time),
	}
}

func (d *Docker) Name() string { return "docker" }

// containerName is a deterministic function of the user id so every session
// of one user converges on the same container.
func (d *Docker) containerName(userID string) string {
	replacer := strings.NewReplacer("/", "_", "@", "_", ":", "_", " ", "_")
	return "shellbox-" + replacer.Replace(userID)
}

// userLock serializes container creation per user key; callers for different
// users never contend.
func (d *Docker) userLock(userID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		d.userLocks[userID] = lock
	}
	return lock
}

func (d *Docker) touch(userID string) {
	d.mu.Lock()
	d.lastActivity[userID] = time.Now()
	d.mu.Unlock()
}

func (d *Docker) EnsureRunning(ctx context.Context, userID string) (Ref, bool, error) {
	lock := d.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	name := d.containerName(userID)
	ref := Ref{UserID: userID, Name: name, Root: d.cfg.Workspace}

	status, err := d.inspectStatus(ctx, name)
	if err != nil {
		return Ref{}, false, err
	}

	created := false
	switch status {
	case "running":
		// Reuse as-is.
	case "":
		if err := d.create(ctx, userID, name); err != nil {
			return Ref{}, false, err
		}
		created = true
	default:
		// exited, created, dead: restart in place, keeping installed state.
		if out, err := d.run(ctx, "start", name); err != nil {
			return Ref{}, false, infra("start workspace container", out, err)
		}
	}

	d.touch(userID)
	return ref, created, nil
}

func (d *Docker) create(ctx context.Context, userID, name string) error {
	hostDir := filepath.Join(d.storageRoot, userID)
	args := []string{
		"run", "-d",
		"--name", name,
		"--cpus", d.cfg.CPUs,
		"--memory", d.cfg.Memory,
		"--network", d.cfg.Network,
		"--security-opt", "no-new-privileges:true",
		"-v", fmt.Sprintf("%s:%s", hostDir, d.cfg.Workspace),
		"-w", d.cfg.Workspace,
		d.cfg.Image,
		"tail", "-f", "/dev/null",
	}
	out, err := d.run(ctx, args...)
	if err != nil {
		return infra("create workspace container", out, err)
	}
	d.logger.Info("container_created", "user", userID, "container", name)
	return nil
}

func (d *Docker) Exec(ctx context.Context, ref Ref, command string) (Process, error) {
	// Killing the local docker client does not reach the exec'd process
	// inside the container. A per-invocation marker is prepended as a no-op
	// so the container-side process can be found and killed by command line.
	marker := "shellbox-inv-" + uuid.NewString()
	wrapped := fmt.Sprintf(": %s; %s", marker, command)

	cmd := d.execCommand(ctx, "docker", "exec", ref.Name, "/bin/sh", "-c", wrapped)
	proc, err := startCmdProcess(cmd)
	if err != nil {
		return nil, infra("execute command", "", err)
	}
	d.touch(ref.UserID)
	return &dockerProcess{
		cmdProcess: proc,
		killRemote: func() { d.killInContainer(ref.Name, marker) },
	}, nil
}

// killInContainer terminates the marked invocation and its children inside
// the container. The exec'd shell leads its own process group, so killing the
// negative pid takes the whole tree.
func (d *Docker) killInContainer(name, marker string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Bracketing the first character keeps the killer's own command line from
	// matching the pattern.
	pattern := "[" + marker[:1] + "]" + marker[1:]
	script := fmt.Sprintf(
		`pid=$(pgrep -f '%s' | head -n 1); [ -n "$pid" ] && { kill -KILL -"$pid" 2>/dev/null || kill -KILL "$pid"; }; true`,
		pattern)
	if out, err := d.run(ctx, "exec", name, "/bin/sh", "-c", script); err != nil {
		d.logger.Warn("container_side_kill_failed", "container", name, "error", err, "output", out)
	}
}

// dockerProcess pairs the local CLI client with the container-side kill. Kill
// reaps the client synchronously; the in-container tree is killed in the
// background so cancellation never blocks on a docker round trip.
type dockerProcess struct {
	*cmdProcess
	killRemote func()
	remoteOnce sync.Once
}

func (p *dockerProcess) Kill() error {
	p.remoteOnce.Do(func() { go p.killRemote() })
	return p.cmdProcess.Kill()
}

func (d *Docker) DirExists(ctx context.Context, ref Ref, path string) (bool, error) {
	cmd := d.execCommand(ctx, "docker", "exec", ref.Name, "test", "-d", path)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, infra("probe directory", "", err)
	}
	return true, nil
}

func (d *Docker) Stop(ctx context.Context, userID string) error {
	lock := d.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	name := d.containerName(userID)
	status, err := d.inspectStatus(ctx, name)
	if err != nil {
		return err
	}
	if status != "running" {
		return nil
	}
	if out, err := d.run(ctx, "stop", name); err != nil {
		return infra("stop workspace container", out, err)
	}
	d.logger.Info("container_stopped", "user", userID, "container", name)
	return nil
}

// Status reports the lifecycle state of a user's container: "absent",
// "stopped", or "running".
func (d *Docker) Status(ctx context.Context, userID string) (string, error) {
	status, err := d.inspectStatus(ctx, d.containerName(userID))
	if err != nil {
		return "", err
	}
	switch status {
	case "":
		return "absent", nil
	case "running":
		return "running", nil
	default:
		return "stopped", nil
	}
}

// StartReaper stops containers idle beyond the configured TTL. busy reports
// whether a user has an invocation in flight; busy users are skipped so a
// running command is never cut off, and the per-user lock keeps the stop from
// racing a concurrent EnsureRunning.
func (d *Docker) StartReaper(ctx context.Context, busy func(userID string) bool) {
	ttl := time.Duration(d.cfg.IdleTTL) * time.Minute
	period := time.Duration(d.cfg.SweepPeriod) * time.Second
	if ttl <= 0 || period <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.sweep(ctx, ttl, busy)
			}
		}
	}()
}

func (d *Docker) sweep(ctx context.Context, ttl time.Duration, busy func(string) bool) {
	d.mu.Lock()
	idle := make([]string, 0)
	for userID, last := range d.lastActivity {
		if time.Since(last) >= ttl {
			idle = append(idle, userID)
		}
	}
	d.mu.Unlock()

	for _, userID := range idle {
		if busy != nil && busy(userID) {
			continue
		}
		if err := d.Stop(ctx, userID); err != nil {
			d.logger.Warn("idle_reap_failed", "user", userID, "error", err)
			continue
		}
		d.mu.Lock()
		delete(d.lastActivity, userID)
		d.mu.Unlock()
	}
}

func (d *Docker) inspectStatus(ctx context.Context, name string) (string, error) {
	out, err := d.run(ctx, "inspect", "-f", "{{.State.Status}}", name)
	if err != nil {
		if strings.Contains(out, "No such object") || strings.Contains(out, "No such container") {
			return "", nil
		}
		return "", infra("inspect workspace container", out, err)
	}
	return strings.TrimSpace(out), nil
}

func (d *Docker) run(ctx context.Context, args ...string) (string, error) {
	cmd := d.execCommand(ctx, "docker", args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// infra maps a docker CLI failure to an InfraError with a remediation hint.
// Raw CLI output may contain host paths, so it travels on the wrapped cause
// (logged server side) and never in the user-facing hint.
func infra(op, out string, err error) error {
	hint := "the execution environment failed; try again or contact support"
	switch {
	case isDaemonDown(out, err):
		hint = "the container runtime is unavailable; an administrator must start it"
	case strings.Contains(out, "Unable to find image"):
		hint = "the workspace image is missing; an administrator must install it"
	}
	if out != "" {
		err = fmt.Errorf("%w: %s", err, out)
	}
	return &types.InfraError{Op: op, Hint: hint, Err: err}
}

func isDaemonDown(out string, err error) bool {
	if strings.Contains(out, "Cannot connect to the Docker daemon") {
		return true
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return execErr.Err == exec.ErrNotFound
	}
	return false
}
