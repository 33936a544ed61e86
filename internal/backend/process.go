package backend

import (
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// cmdProcess adapts an os/exec command to the Process interface. Used by the
// docker backend (the CLI client process) and the local backend directly.
type cmdProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader

	killOnce sync.Once
	killErr  error
}

func startCmdProcess(cmd *exec.Cmd) (*cmdProcess, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	// Own process group so Kill reaps children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &cmdProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (p *cmdProcess) Stdout() io.Reader { return p.stdout }
func (p *cmdProcess) Stderr() io.Reader { return p.stderr }

func (p *cmdProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

func (p *cmdProcess) Kill() error {
	p.killOnce.Do(func() {
		if p.cmd.Process == nil {
			return
		}
		// Negative pid signals the whole group.
		p.killErr = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	})
	return p.killErr
}
