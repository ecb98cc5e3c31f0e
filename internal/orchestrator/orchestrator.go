// Package orchestrator glues the launcher, the job registry and the artifact
// store into the operations exposed to clients.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/loykin/backupd/internal/artifact"
	"github.com/loykin/backupd/internal/env"
	"github.com/loykin/backupd/internal/job"
	"github.com/loykin/backupd/internal/launcher"
	"github.com/loykin/backupd/internal/metrics"
	"github.com/loykin/backupd/internal/stream"
)

var ErrInvalidRequest = errors.New("invalid request")

// NoSuchJob is the end event data sent to observers of an unknown job.
const NoSuchJob = "No such job"

// DefaultForwardEnv lists the ambient variables handed to backup scripts.
var DefaultForwardEnv = []string{"DB_HOST", "DB_USER", "DB_PASSWORD", "DB_NAME"}

type Config struct {
	DefaultKeep int      // BACKUP_KEEP when a request does not set one; 0 leaves it to the script
	ForwardEnv  []string // nil means DefaultForwardEnv
}

// BackupOptions are the caller-controlled inputs of a backup.
type BackupOptions struct {
	DryRun   bool               `json:"dryRun"`
	Keep     Keep               `json:"keep"`
	ExtraEnv map[string]*string `json:"extraEnv"`
}

// RestoreOptions select what a restore applies from a backup.
type RestoreOptions struct {
	BackupName string `json:"backupName"`
	DBOnly     bool   `json:"dbOnly"`
	FilesOnly  bool   `json:"filesOnly"`
	DryRun     bool   `json:"dryRun"`
}

// Starter starts external processes. *launcher.Launcher implements it.
type Starter interface {
	Start(req launcher.Request) (*launcher.Process, error)
	Mode() launcher.Mode
}

type Service struct {
	cfg      Config
	starter  Starter
	registry *job.Registry
	store    *artifact.Store
	logger   *slog.Logger
	lookup   func(string) (string, bool)
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithLookupEnv replaces os.LookupEnv for resolving forwarded variables.
func WithLookupEnv(f func(string) (string, bool)) Option {
	return func(s *Service) { s.lookup = f }
}

func New(cfg Config, starter Starter, registry *job.Registry, store *artifact.Store, opts ...Option) *Service {
	if cfg.ForwardEnv == nil {
		cfg.ForwardEnv = DefaultForwardEnv
	}
	s := &Service{cfg: cfg, starter: starter, registry: registry, store: store, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Mode() launcher.Mode { return s.starter.Mode() }

// Registry exposes the job registry backing the service.
func (s *Service) Registry() *job.Registry { return s.registry }

// BackupEnv builds the environment overlay for a backup. Later sources win:
// retention, dry run, forwarded ambient variables, then the caller's extra
// variables, where a nil value removes the variable. BACKUP_KEEP and DRY_RUN
// are unset when not requested so the ambient environment cannot supply them.
func (s *Service) BackupEnv(opts BackupOptions) (env.Overlay, error) {
	if err := opts.Keep.validate(); err != nil {
		return nil, err
	}
	o := env.Overlay{}
	keep := int(opts.Keep)
	if keep == 0 {
		keep = s.cfg.DefaultKeep
	}
	if keep > 0 {
		o.Set("BACKUP_KEEP", strconv.Itoa(keep))
	} else {
		o.Unset("BACKUP_KEEP")
	}
	if opts.DryRun {
		o.Set("DRY_RUN", "true")
	} else {
		o.Unset("DRY_RUN")
	}
	for _, k := range s.cfg.ForwardEnv {
		if s.lookup != nil {
			if v, ok := s.lookup(k); ok {
				o.Set(k, v)
			}
			continue
		}
		o.Forward(k)
	}
	for k, v := range opts.ExtraEnv {
		if k == "" {
			return nil, fmt.Errorf("%w: empty environment variable name", ErrInvalidRequest)
		}
		o.SetPtr(k, v)
	}
	return o, nil
}

// LaunchBackup starts the backup script and returns the registered job.
func (s *Service) LaunchBackup(opts BackupOptions) (*job.Job, error) {
	overlay, err := s.BackupEnv(opts)
	if err != nil {
		return nil, err
	}
	return s.launch(launcher.Request{Kind: launcher.KindBackup, Env: overlay})
}

// LaunchRestore starts the restore script for an existing artifact. The name
// goes through the same path check as downloads.
func (s *Service) LaunchRestore(ctx context.Context, opts RestoreOptions) (*job.Job, error) {
	if opts.BackupName == "" {
		return nil, fmt.Errorf("%w: backupName is required", ErrInvalidRequest)
	}
	e, err := s.store.Stat(ctx, opts.BackupName)
	if err != nil {
		s.logArtifactErr("restore", opts.BackupName, err)
		return nil, err
	}
	args := launcher.RestoreOptions{
		Name:      e.Name,
		DBOnly:    opts.DBOnly,
		FilesOnly: opts.FilesOnly,
		DryRun:    opts.DryRun,
	}.Args()
	return s.launch(launcher.Request{Kind: launcher.KindRestore, Args: args})
}

func (s *Service) launch(req launcher.Request) (*job.Job, error) {
	p, err := s.starter.Start(req)
	if err != nil {
		metrics.IncLaunchFailure(string(req.Kind))
		s.logger.Error("launch failed", "kind", req.Kind, "error", err)
		return nil, err
	}
	return s.registry.Register(p), nil
}

// Subscribe attaches to a job's output. An unknown job yields a subscription
// holding only the terminal event.
func (s *Service) Subscribe(jobID string) *stream.Subscription {
	j, err := s.registry.Lookup(jobID)
	if err != nil {
		return stream.Ended(stream.Event{Type: stream.End, Data: NoSuchJob, Code: -1})
	}
	return j.Subscribe()
}

// Jobs lists the running jobs.
func (s *Service) Jobs() []job.Info { return s.registry.List() }

// List returns the artifacts, newest first.
func (s *Service) List(ctx context.Context) ([]artifact.Entry, error) {
	entries, err := s.store.List(ctx)
	if err != nil {
		s.logArtifactErr("list", "", err)
		return nil, err
	}
	metrics.IncArtifactOp("list", "ok")
	return entries, nil
}

// Fetch opens an artifact for download.
func (s *Service) Fetch(ctx context.Context, name string) (*artifact.Download, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	d, err := s.store.Fetch(ctx, name)
	if err != nil {
		s.logArtifactErr("fetch", name, err)
		return nil, err
	}
	metrics.IncArtifactOp("fetch", "ok")
	return d, nil
}

// Delete removes an artifact.
func (s *Service) Delete(name string) error {
	if name == "" {
		return fmt.Errorf("%w: backupName is required", ErrInvalidRequest)
	}
	if err := s.store.Delete(name); err != nil {
		s.logArtifactErr("delete", name, err)
		return err
	}
	metrics.IncArtifactOp("delete", "ok")
	s.logger.Info("artifact deleted", "name", name)
	return nil
}

func (s *Service) logArtifactErr(op, name string, err error) {
	switch {
	case errors.Is(err, artifact.ErrPathTraversal):
		metrics.IncArtifactOp(op, "traversal")
		s.logger.Warn("rejected artifact path", "op", op, "name", name)
	case errors.Is(err, artifact.ErrNotFound):
		metrics.IncArtifactOp(op, "not_found")
		s.logger.Debug("artifact not found", "op", op, "name", name)
	default:
		metrics.IncArtifactOp(op, "error")
		s.logger.Error("artifact operation failed", "op", op, "name", name, "error", err)
	}
}
