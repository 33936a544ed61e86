// Package backend abstracts where validated commands actually run: a per-user
// Docker container, a directory-jailed local process, or a remote jail host
// reached over SSH. All backends share the same validator and session store
// and differ only in transport and in how the sandbox root maps to a path.
package backend

import (
	"context"
	"io"
)

// Ref identifies a provisioned execution environment for one user.
type Ref struct {
	UserID string

	// Name is the container name, remote host handle, or local directory.
	Name string

	// Root is the sandbox root as seen from inside the environment. Every
	// session cwd for this user resolves under it.
	Root string
}

// Process is a single started one-shot execution. Stdout and Stderr are each
// internally ordered; no interleaving order between them is promised.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the process exits and returns its exit code.
	// A non-zero code is not an error; err reports transport failures only.
	Wait() (int, error)

	// Kill force-terminates the process and its children. Idempotent.
	Kill() error
}

// Backend provisions isolated environments and runs commands inside them.
type Backend interface {
	Name() string

	// EnsureRunning is idempotent: concurrent callers for one user converge
	// on exactly one environment. The bool reports whether the environment
	// was provisioned by this call rather than reused.
	EnsureRunning(ctx context.Context, userID string) (Ref, bool, error)

	// Exec starts /bin/sh -c command as a fresh one-shot execution. It never
	// opens an interactive shell; working-directory persistence is the
	// session store's job, not shell state.
	Exec(ctx context.Context, ref Ref, command string) (Process, error)

	// DirExists probes for a directory inside the running environment. Used
	// by cd before committing a new working directory.
	DirExists(ctx context.Context, ref Ref, path string) (bool, error)

	// Stop shuts the user's environment down. Safe to call when absent.
	Stop(ctx context.Context, userID string) error
}
