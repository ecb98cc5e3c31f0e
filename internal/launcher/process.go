package launcher

import (
	"errors"
	"io"
	"os/exec"
	"strconv"
	"time"
)

// Exit is the terminal state of a process.
type Exit struct {
	Code   int    // exit code, -1 when terminated by a signal
	Signal string // signal name when terminated by a signal
	Err    error  // wait error that is not a plain non-zero exit
}

// String renders the exit the way observers see it: the code, or the signal.
func (e Exit) String() string {
	if e.Signal != "" {
		return e.Signal
	}
	return strconv.Itoa(e.Code)
}

// Process is a started external command. It is owned by exactly one job.
type Process struct {
	kind      Kind
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	startedAt time.Time
}

func (p *Process) Kind() Kind           { return p.kind }
func (p *Process) Stdout() io.Reader    { return p.stdout }
func (p *Process) Stderr() io.Reader    { return p.stderr }
func (p *Process) StartedAt() time.Time { return p.startedAt }
func (p *Process) Args() []string       { return append([]string(nil), p.cmd.Args...) }

func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Wait blocks until the process exits. Both output streams must be read to
// EOF before calling Wait, since Wait closes the pipes.
func (p *Process) Wait() Exit {
	err := p.cmd.Wait()
	if err == nil {
		return Exit{Code: 0}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		code := ee.ExitCode()
		return Exit{Code: code, Signal: signalName(ee)}
	}
	return Exit{Code: -1, Err: err}
}
