package job

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/backupd/internal/launcher"
	"github.com/loykin/backupd/internal/metrics"
	"github.com/loykin/backupd/internal/stream"
)

var ErrNotFound = errors.New("job not found")

// ExitHook is called once per job after it has been evicted.
type ExitHook func(Info, launcher.Exit)

// OutputSink opens per-job copies of stdout and stderr. Either may be nil.
type OutputSink func(id string) (stdout, stderr io.WriteCloser, err error)

// Registry maps job ids to running jobs. Entries are inserted by Register and
// removed only when the process exits.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	hooks  []ExitHook
	sink   OutputSink
	logger *slog.Logger
}

type Option func(*Registry)

// WithExitHook adds a callback invoked after each job is evicted.
func WithExitHook(h ExitHook) Option {
	return func(r *Registry) { r.hooks = append(r.hooks, h) }
}

// WithOutputSink copies every job's output lines to the writers sink opens.
func WithOutputSink(sink OutputSink) Option {
	return func(r *Registry) { r.sink = sink }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		jobs:   make(map[string]*Job),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// newID returns a time-ordered unique id (UUIDv7).
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "job_" + uuid.NewString()
	}
	return "job_" + id.String()
}

// Register takes ownership of p, stores it under a fresh id and starts
// relaying its output. The entry is evicted when the process exits.
func (r *Registry) Register(p *launcher.Process) *Job {
	j := &Job{proc: p, hub: stream.NewHub(), done: make(chan struct{})}

	r.mu.Lock()
	id := newID()
	for r.jobs[id] != nil {
		id = newID()
	}
	j.id = id
	r.jobs[id] = j
	r.mu.Unlock()

	if r.sink != nil {
		out, errw, err := r.sink(id)
		if err != nil {
			r.logger.Warn("job output log unavailable", "job", id, "error", err)
		} else {
			j.stdoutLog, j.stderrLog = out, errw
		}
	}

	metrics.JobStarted(string(p.Kind()))
	r.logger.Info("job started", "job", id, "kind", p.Kind(), "pid", p.PID())
	go r.watch(j)
	return j
}

func (r *Registry) watch(j *Job) {
	info := j.Info()
	exit := j.run()

	r.mu.Lock()
	delete(r.jobs, j.id)
	r.mu.Unlock()

	took := time.Since(info.StartedAt)
	metrics.JobFinished(string(info.Kind), exit.Code, took.Seconds())
	r.logger.Info("job finished", "job", j.id, "kind", info.Kind, "code", exit.Code, "signal", exit.Signal, "duration", took)
	for _, h := range r.hooks {
		h(info, exit)
	}
	close(j.done)
}

// Lookup returns the running job for id, or ErrNotFound.
func (r *Registry) Lookup(id string) (*Job, error) {
	r.mu.RLock()
	j, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return j, nil
}

// List describes the running jobs, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].StartedAt.Equal(out[b].StartedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].StartedAt.Before(out[b].StartedAt)
	})
	return out
}

// Len reports the number of running jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
