package backend

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/clouddeck/shellbox/internal/types"
)

// Local spawns commands as native processes jailed to a per-user directory.
// It exists for development and for hosts without a container runtime; the
// isolation is directory-level only, so production deployments use docker.
type Local struct {
	storageRoot string
	logger      *slog.Logger
}

func NewLocal(storageRoot string, logger *slog.Logger) *Local {
	return &Local{storageRoot: storageRoot, logger: logger}
}

func (l *Local) Name() string { return "local" }

func (l *Local) userRoot(userID string) string {
	return filepath.Join(l.storageRoot, userID)
}

func (l *Local) EnsureRunning(ctx context.Context, userID string) (Ref, bool, error) {
	root := l.userRoot(userID)
	created := false
	if _, err := os.Stat(root); os.IsNotExist(err) {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return Ref{}, false, &types.InfraError{
				Op:   "prepare workspace directory",
				Hint: "the workspace storage is unavailable; contact support",
				Err:  err,
			}
		}
		created = true
		l.logger.Info("workspace_created", "user", userID)
	}
	return Ref{UserID: userID, Name: root, Root: root}, created, nil
}

func (l *Local) Exec(ctx context.Context, ref Ref, command string) (Process, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = ref.Root
	// Strip the daemon's environment; the subprocess sees only a minimal one.
	cmd.Env = []string{"PATH=/usr/local/bin:/usr/bin:/bin", "HOME=" + ref.Root}
	proc, err := startCmdProcess(cmd)
	if err != nil {
		return nil, &types.InfraError{
			Op:   "execute command",
			Hint: "the execution environment failed; try again or contact support",
			Err:  err,
		}
	}
	return proc, nil
}

func (l *Local) DirExists(ctx context.Context, ref Ref, path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (l *Local) Stop(ctx context.Context, userID string) error {
	// Nothing persistent to stop; processes die with their invocations.
	return nil
}
