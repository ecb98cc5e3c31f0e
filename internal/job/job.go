package job

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/loykin/backupd/internal/launcher"
	"github.com/loykin/backupd/internal/stream"
)

// Job is one in-flight external process tracked by an opaque id.
type Job struct {
	id   string
	proc *launcher.Process
	hub  *stream.Hub

	// optional copies of the output, closed after the process exits
	stdoutLog io.WriteCloser
	stderrLog io.WriteCloser

	done chan struct{}
	exit launcher.Exit // valid once done is closed
}

// Info is a point-in-time description of a job.
type Info struct {
	ID          string        `json:"id"`
	Kind        launcher.Kind `json:"kind"`
	PID         int           `json:"pid"`
	StartedAt   time.Time     `json:"started_at"`
	Subscribers int           `json:"subscribers"`
}

func (j *Job) ID() string            { return j.id }
func (j *Job) Kind() launcher.Kind   { return j.proc.Kind() }
func (j *Job) PID() int              { return j.proc.PID() }
func (j *Job) StartedAt() time.Time  { return j.proc.StartedAt() }
func (j *Job) Done() <-chan struct{} { return j.done }

// Exit returns the terminal state. It is only meaningful after Done is closed.
func (j *Job) Exit() launcher.Exit {
	<-j.done
	return j.exit
}

// Subscribe attaches an observer to the job's output from now on.
func (j *Job) Subscribe() *stream.Subscription { return j.hub.Subscribe() }

func (j *Job) Info() Info {
	return Info{
		ID:          j.id,
		Kind:        j.Kind(),
		PID:         j.PID(),
		StartedAt:   j.StartedAt(),
		Subscribers: j.hub.Subscribers(),
	}
}

// run relays both output streams line by line until EOF, then reaps the
// process and publishes the terminal event.
func (j *Job) run() launcher.Exit {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); pump(j.proc.Stdout(), stream.Data, j.hub, j.stdoutLog) }()
	go func() { defer wg.Done(); pump(j.proc.Stderr(), stream.Err, j.hub, j.stderrLog) }()
	wg.Wait()
	for _, c := range []io.Closer{j.stdoutLog, j.stderrLog} {
		if c != nil {
			_ = c.Close()
		}
	}

	exit := j.proc.Wait()
	end := stream.EndEvent(exit.Code)
	end.Data = exit.String()
	j.exit = exit
	j.hub.Close(end)
	return exit
}

// MaxLine caps a published line. Longer output without a newline is
// published in chunks of this size.
const MaxLine = 64 << 10

// pump publishes r line by line. A failing copy is dropped; the stream is
// always drained so the process never blocks on a full pipe.
func pump(r io.Reader, typ stream.Type, hub *stream.Hub, copyTo io.Writer) {
	br := bufio.NewReaderSize(r, MaxLine)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			line := string(chunk)
			if err == nil {
				line = strings.TrimSuffix(line, "\n")
				line = strings.TrimSuffix(line, "\r")
			}
			hub.Publish(stream.Event{Type: typ, Data: line})
			if copyTo != nil {
				if _, werr := io.WriteString(copyTo, line+"\n"); werr != nil {
					copyTo = nil
				}
			}
		}
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}
