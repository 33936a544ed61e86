package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clouddeck/shellbox/internal/config"
	"github.com/clouddeck/shellbox/internal/types"
)

func TestRemoteUserRoot(t *testing.T) {
	t.Parallel()

	r := NewRemote(config.SSH{}, testLogger())
	if got := r.userRoot("u-42"); got != "/srv/jail/u-42" {
		t.Fatalf("default root = %q, want /srv/jail/u-42", got)
	}

	r = NewRemote(config.SSH{RootPattern: "/home/%s/sandbox"}, testLogger())
	if got := r.userRoot("alice"); got != "/home/alice/sandbox" {
		t.Fatalf("patterned root = %q", got)
	}
}

func TestRemoteMissingKeyIsInfraError(t *testing.T) {
	t.Parallel()

	r := NewRemote(config.SSH{
		Addr:    "jail.example:22",
		User:    "shellbox",
		KeyPath: filepath.Join(t.TempDir(), "absent_key"),
	}, testLogger())

	_, _, err := r.EnsureRunning(context.Background(), "u1")
	if err == nil {
		t.Fatalf("EnsureRunning should fail without a key")
	}

	var infraErr *types.InfraError
	if !errors.As(err, &infraErr) {
		t.Fatalf("expected InfraError, got %T", err)
	}
	if want := "remote execution host is unreachable"; !strings.Contains(infraErr.UserMessage(), want) {
		t.Errorf("user message %q missing %q", infraErr.UserMessage(), want)
	}
	// The key path stays on the wrapped cause, never in the user message.
	if strings.Contains(infraErr.UserMessage(), "absent_key") {
		t.Errorf("user message leaks the key path: %q", infraErr.UserMessage())
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("cause should unwrap to the file error, got %v", err)
	}
}

func TestRemoteUnparsableKeyIsInfraError(t *testing.T) {
	t.Parallel()

	keyPath := filepath.Join(t.TempDir(), "garbage_key")
	if err := os.WriteFile(keyPath, []byte("not a pem block"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	r := NewRemote(config.SSH{Addr: "jail.example:22", KeyPath: keyPath}, testLogger())
	_, err := r.Exec(context.Background(), Ref{UserID: "u1", Root: "/srv/jail/u1"}, "ls")
	if err == nil {
		t.Fatalf("Exec should fail with an unparsable key")
	}
	var infraErr *types.InfraError
	if !errors.As(err, &infraErr) {
		t.Fatalf("expected InfraError, got %T", err)
	}
}

func TestRemoteStopIsNoop(t *testing.T) {
	t.Parallel()

	r := NewRemote(config.SSH{}, testLogger())
	if err := r.Stop(context.Background(), "u1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.Name() != "ssh" {
		t.Fatalf("Name = %q, want ssh", r.Name())
	}
}
