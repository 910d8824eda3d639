package stdio

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// exitGrace is how long Close waits after closing stdin before killing.
const exitGrace = 2 * time.Second

// Process wraps a capability server subprocess with access to its pipes.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	closeOnce sync.Once
	closeErr  error
}

// StartProcess launches the server subprocess. env entries are appended to
// the parent environment. Stderr lines are logged at debug level.
func StartProcess(name string, args, env []string, logger *slog.Logger) (*Process, error) {
	cmd := exec.Command(name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting subprocess %q: %w", name, err)
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			logger.Debug("server stderr", "command", name, "line", sc.Text())
		}
	}()

	return &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
	}, nil
}

// Close closes stdin, gives the process a moment to exit and kills it
// otherwise. It is idempotent.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		exited := make(chan error, 1)
		go func() { exited <- p.cmd.Wait() }()
		select {
		case <-exited:
		case <-time.After(exitGrace):
			if err := p.cmd.Process.Kill(); err != nil {
				p.closeErr = fmt.Errorf("killing subprocess: %w", err)
			}
			<-exited
		}
	})
	return p.closeErr
}

// Pid returns the subprocess id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Stdin returns the write end of the subprocess stdin.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the read end of the subprocess stdout.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }
