package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/clouddeck/shellbox/internal/config"
	"github.com/clouddeck/shellbox/internal/types"
)

// Remote executes commands on a dedicated jail host over SSH. Each user maps
// to a chrooted directory on that host; the panel's storage subsystem keeps
// it in sync with the user's project files.
type Remote struct {
	cfg    config.SSH
	logger *slog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

func NewRemote(cfg config.SSH, logger *slog.Logger) *Remote {
	if cfg.RootPattern == "" {
		cfg.RootPattern = "/srv/jail/%s"
	}
	return &Remote{cfg: cfg, logger: logger}
}

func (r *Remote) Name() string { return "ssh" }

func (r *Remote) userRoot(userID string) string {
	return fmt.Sprintf(r.cfg.RootPattern, userID)
}

func (r *Remote) connect() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}

	key, err := os.ReadFile(r.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	client, err := ssh.Dial("tcp", r.cfg.Addr, &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	if err != nil {
		return nil, fmt.Errorf("dial jail host: %w", err)
	}
	r.client = client
	r.logger.Info("jail_host_connected", "addr", r.cfg.Addr)
	return client, nil
}

func (r *Remote) infra(op string, err error) error {
	return &types.InfraError{
		Op:   op,
		Hint: "the remote execution host is unreachable; an administrator must check it",
		Err:  err,
	}
}

func (r *Remote) EnsureRunning(ctx context.Context, userID string) (Ref, bool, error) {
	client, err := r.connect()
	if err != nil {
		return Ref{}, false, r.infra("connect to execution host", err)
	}

	root := r.userRoot(userID)
	created := false

	session, err := client.NewSession()
	if err != nil {
		r.dropClient()
		return Ref{}, false, r.infra("open execution channel", err)
	}
	defer session.Close()

	// Exit 2 when the directory had to be created, 0 when it existed.
	probe := fmt.Sprintf("test -d %q || { mkdir -p %q && exit 2; }", root, root)
	if err := session.Run(probe); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitStatus() == 2 {
			created = true
		} else {
			return Ref{}, false, r.infra("prepare remote workspace", err)
		}
	}

	return Ref{UserID: userID, Name: r.cfg.Addr, Root: root}, created, nil
}

func (r *Remote) Exec(ctx context.Context, ref Ref, command string) (Process, error) {
	client, err := r.connect()
	if err != nil {
		return nil, r.infra("connect to execution host", err)
	}
	session, err := client.NewSession()
	if err != nil {
		r.dropClient()
		return nil, r.infra("open execution channel", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, r.infra("attach output stream", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, r.infra("attach output stream", err)
	}

	if err := session.Start(command); err != nil {
		session.Close()
		return nil, r.infra("start remote command", err)
	}
	return &sshProcess{session: session, stdout: stdout, stderr: stderr}, nil
}

func (r *Remote) DirExists(ctx context.Context, ref Ref, path string) (bool, error) {
	client, err := r.connect()
	if err != nil {
		return false, r.infra("connect to execution host", err)
	}
	session, err := client.NewSession()
	if err != nil {
		r.dropClient()
		return false, r.infra("open execution channel", err)
	}
	defer session.Close()

	if err := session.Run(fmt.Sprintf("test -d %q", path)); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, r.infra("probe directory", err)
	}
	return true, nil
}

func (r *Remote) Stop(ctx context.Context, userID string) error {
	// The jail host is shared infrastructure; there is no per-user
	// environment to stop beyond the invocations themselves.
	return nil
}

func (r *Remote) dropClient() {
	r.mu.Lock()
	if r.client != nil {
		_ = r.client.Close()
		r.client = nil
	}
	r.mu.Unlock()
}

type sshProcess struct {
	session *ssh.Session
	stdout  io.Reader
	stderr  io.Reader

	killOnce sync.Once
}

func (p *sshProcess) Stdout() io.Reader { return p.stdout }
func (p *sshProcess) Stderr() io.Reader { return p.stderr }

func (p *sshProcess) Wait() (int, error) {
	err := p.session.Wait()
	p.session.Close()
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, err
	}
	return 0, nil
}

func (p *sshProcess) Kill() error {
	p.killOnce.Do(func() {
		_ = p.session.Signal(ssh.SIGKILL)
		_ = p.session.Close()
	})
	return nil
}

var _ Backend = (*Remote)(nil)
var _ Backend = (*Docker)(nil)
var _ Backend = (*Local)(nil)
