// Package runner executes a shell script and streams its output line by line.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// MaxChunkSize bounds a single delivered chunk. Longer lines arrive as
// several consecutive chunks.
const MaxChunkSize = 1 << 20

// DefaultShell is used when Command.Shell is empty.
const DefaultShell = "bash"

// Command describes the script to run.
type Command struct {
	Shell  string
	Script string
	Dir    string
	Env    []string // nil inherits the current environment
}

// Handlers receive output chunks without their trailing newline. A handler
// returning an error stops the run: the process group is killed and Run
// returns that error. Handlers for different streams may run concurrently.
type Handlers struct {
	Stdout func(chunk string) error
	Stderr func(chunk string) error
}

// Runner runs commands.
type Runner interface {
	Run(ctx context.Context, c Command, h Handlers) (int, error)
}

// Local runs commands as child processes of the current process.
type Local struct{}

var _ Runner = Local{}

// Run starts `<shell> -c <script>` in its own process group and blocks until
// it exits and both output streams are drained. A non-zero exit is reported
// through the returned code with a nil error; a process killed by a signal
// reports 128+signal. Cancelling ctx kills the process group.
func (Local) Run(ctx context.Context, c Command, h Handlers) (int, error) {
	shell := c.Shell
	if shell == "" {
		shell = DefaultShell
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.Command(shell, "-c", c.Script)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", shell, err)
	}
	pid := cmd.Process.Pid
	log.WithField("pid", pid).Debugf("Started %s -c", shell)

	exited := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			select {
			case <-exited:
			default:
				if err := killGroup(pid); err != nil {
					log.WithField("pid", pid).WithError(err).Debug("Process group already gone")
				}
			}
		case <-exited:
		}
	}()

	var g errgroup.Group
	g.Go(func() error { return pumpOrCancel(stdout, h.Stdout, cancel) })
	g.Go(func() error { return pumpOrCancel(stderr, h.Stderr, cancel) })
	pumpErr := g.Wait()

	waitErr := cmd.Wait()
	close(exited)

	if pumpErr != nil {
		return -1, pumpErr
	}
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				return 128 + int(status.Signal()), nil
			}
			return exitErr.ExitCode(), nil
		}
		return -1, waitErr
	}
	return 0, nil
}

func pumpOrCancel(r io.Reader, fn func(string) error, cancel context.CancelFunc) error {
	if err := pump(r, fn); err != nil {
		cancel()
		return err
	}
	return nil
}

// pump delivers each line of r to fn until EOF.
func pump(r io.Reader, fn func(string) error) error {
	br := bufio.NewReaderSize(r, MaxChunkSize)
	for {
		line, _, err := br.ReadLine()
		if err != nil {
			if err == io.EOF || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
		if fn == nil {
			continue
		}
		if err := fn(string(line)); err != nil {
			return err
		}
	}
}

// killGroup signals the process group led by pid. Setpgid makes the group id
// equal to the leader's pid, and a live group id is never handed out to a new
// process, so this cannot reach an unrelated process once the leader is reaped.
func killGroup(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		return err
	}
	log.WithField("pid", pid).Info("Killed command process group")
	return nil
}
