// Package backupd runs backup and restore scripts as observable jobs and
// serves the resulting artifacts. It is the embedding entry point: build a
// Service from a Config and either call it directly or serve its HTTP API.
package backupd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/loykin/backupd/internal/artifact"
	"github.com/loykin/backupd/internal/auth"
	cfg "github.com/loykin/backupd/internal/config"
	"github.com/loykin/backupd/internal/job"
	"github.com/loykin/backupd/internal/launcher"
	"github.com/loykin/backupd/internal/metrics"
	"github.com/loykin/backupd/internal/orchestrator"
	"github.com/loykin/backupd/internal/schedule"
	iapi "github.com/loykin/backupd/internal/server"
	"github.com/loykin/backupd/internal/stream"
	tlsx "github.com/loykin/backupd/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type BackupOptions = orchestrator.BackupOptions

type RestoreOptions = orchestrator.RestoreOptions

type Keep = orchestrator.Keep

type Artifact = artifact.Entry

type Download = artifact.Download

type JobInfo = job.Info

type Job = job.Job

type Event = stream.Event

type Subscription = stream.Subscription

type Mode = launcher.Mode

// Errors callers can match with errors.Is.
var (
	ErrNotFound       = artifact.ErrNotFound
	ErrPathTraversal  = artifact.ErrPathTraversal
	ErrInvalidRequest = orchestrator.ErrInvalidRequest
	ErrLaunch         = launcher.ErrLaunch
)

// ScheduledBackup is the schedule entry name of the configured backup cron.
const ScheduledBackup = "backup"

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Service wires launcher, job registry, artifact store, scheduler, metrics
// and the HTTP router from one Config.
type Service struct {
	conf      *Config
	logger    *slog.Logger
	logCloser io.Closer
	orch      *orchestrator.Service
	sampler   *metrics.Sampler
	sched     *schedule.Scheduler
	auth      *auth.Service
	router    *iapi.Router

	closeOnce sync.Once
}

// Option customises New.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	logOutput  io.Writer
	registerer prometheus.Registerer
}

// WithLogger replaces the logger built from the log configuration.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithLogOutput sets where the configured logger writes (stderr by default).
func WithLogOutput(w io.Writer) Option { return func(o *options) { o.logOutput = w } }

// WithRegisterer registers metrics somewhere other than the default registry.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registerer = r } }

// New builds a Service. Nothing runs until Start or Serve is called, except
// that jobs may be launched right away.
func New(c *Config, opts ...Option) (*Service, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, fn := range opts {
		fn(&o)
	}

	s := &Service{conf: c, logger: o.logger, logCloser: io.NopCloser(nil)} // closer replaced when we own the log file
	if s.logger == nil {
		s.logger, s.logCloser = c.Log.Slog.NewSlogger(o.logOutput)
	}

	loc, err := c.Location()
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	baseEnv, err := c.ScriptEnv()
	if err != nil {
		return nil, err
	}
	scriptEnv := make(map[string]string, len(baseEnv))
	for _, kv := range baseEnv {
		if k, v, ok := strings.Cut(kv, "="); ok {
			scriptEnv[k] = v
		}
	}

	l := launcher.New(c.LauncherConfig())
	l.SetBaseEnv(baseEnv)

	store, err := artifact.New(c.BackupsDir)
	if err != nil {
		return nil, err
	}
	store.SetLocation(loc)

	regOpts := []job.Option{job.WithLogger(s.logger)}
	if c.Log.File.Dir != "" {
		regOpts = append(regOpts, job.WithOutputSink(c.Log.File.Writers))
	}
	registry := job.NewRegistry(regOpts...)

	s.orch = orchestrator.New(
		orchestrator.Config{DefaultKeep: c.BackupKeep, ForwardEnv: c.ForwardEnv},
		l, registry, store,
		orchestrator.WithLogger(s.logger),
		orchestrator.WithLookupEnv(func(k string) (string, bool) {
			v, ok := scriptEnv[k]
			return v, ok
		}),
	)

	routerOpts := []iapi.Option{iapi.WithLogger(s.logger), iapi.WithStaticDir(c.Server.StaticDir)}
	if c.Metrics.Enabled {
		if err := metrics.Register(o.registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		routerOpts = append(routerOpts, iapi.WithMetricsHandler(metricsHandler(o.registerer)))
	}
	s.sampler = metrics.NewSampler(c.Metrics.Sampler)
	if s.sampler.Enabled() {
		if c.Metrics.Enabled {
			if err := s.sampler.RegisterMetrics(o.registerer); err != nil {
				return nil, fmt.Errorf("register sampler metrics: %w", err)
			}
		}
		routerOpts = append(routerOpts, iapi.WithSampler(s.sampler))
	}

	if c.Auth.Enabled {
		s.auth, err = auth.NewService(c.Auth)
		if err != nil {
			return nil, err
		}
		routerOpts = append(routerOpts, iapi.WithAuth(auth.NewMiddleware(s.auth, true)))
	}
	s.router = iapi.NewRouter(s.orch, c.Server.BasePath, routerOpts...)

	s.sched = schedule.New(loc, s.logger)
	if c.Schedule.Backup != "" {
		dryRun := c.Schedule.DryRun
		err := s.sched.Add(&schedule.Entry{
			Name:     ScheduledBackup,
			Schedule: c.Schedule.Backup,
			Run: func() (<-chan struct{}, error) {
				j, err := s.orch.LaunchBackup(BackupOptions{DryRun: dryRun})
				if err != nil {
					return nil, err
				}
				return j.Done(), nil
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// metricsHandler serves the registry r when it can also gather.
func metricsHandler(r prometheus.Registerer) http.Handler {
	if g, ok := r.(prometheus.Gatherer); ok {
		return metrics.HandlerFor(g)
	}
	return metrics.Handler()
}

func (s *Service) Logger() *slog.Logger { return s.logger }
func (s *Service) Mode() Mode           { return s.orch.Mode() }

// Auth returns the token service, or nil when authentication is disabled.
func (s *Service) Auth() *auth.Service { return s.auth }

func (s *Service) LaunchBackup(opts BackupOptions) (*Job, error) { return s.orch.LaunchBackup(opts) }
func (s *Service) LaunchRestore(ctx context.Context, opts RestoreOptions) (*Job, error) {
	return s.orch.LaunchRestore(ctx, opts)
}
func (s *Service) Subscribe(jobID string) *Subscription { return s.orch.Subscribe(jobID) }
func (s *Service) Jobs() []JobInfo                      { return s.orch.Jobs() }
func (s *Service) List(ctx context.Context) ([]Artifact, error) {
	return s.orch.List(ctx)
}
func (s *Service) Fetch(ctx context.Context, name string) (*Download, error) {
	return s.orch.Fetch(ctx, name)
}
func (s *Service) Delete(name string) error { return s.orch.Delete(name) }

// TriggerScheduledBackup runs the scheduled backup now, honouring the
// overlap rule.
func (s *Service) TriggerScheduledBackup() error { return s.sched.Trigger(ScheduledBackup) }

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler { return s.router.Handler() }

// Start begins background work: the scheduler and the job sampler.
func (s *Service) Start(ctx context.Context) {
	s.sched.Start()
	s.sampler.Start(ctx, s.sampleTargets)
	if next, ok := s.sched.Next(ScheduledBackup); ok {
		s.logger.Info("scheduled backup enabled", "schedule", s.conf.Schedule.Backup, "next", next)
	}
}

func (s *Service) sampleTargets() map[string]int32 {
	infos := s.orch.Jobs()
	out := make(map[string]int32, len(infos))
	for _, info := range infos {
		out[info.ID] = int32(info.PID) // #nosec G115 -- pids fit in int32
	}
	return out
}

// Serve starts background work and the HTTP server on the configured
// address, and blocks until ctx is done. Shutdown waits up to the configured
// timeout for in-flight requests; running jobs are left alone.
func (s *Service) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.conf.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.conf.Server.Addr(), err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Service) ServeListener(ctx context.Context, ln net.Listener) error {
	tlsConf, err := tlsx.Setup(s.conf.Server.TLS)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("tls: %w", err)
	}
	if tlsConf != nil {
		ln = tls.NewListener(ln, tlsConf)
	}

	srv := iapi.NewServer(ln.Addr().String(), s.router)
	srv.ErrorLog = slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn)
	// cancelling ctx ends open streams so shutdown does not wait on them
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	s.Start(ctx)
	defer s.stopBackground()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("http server listening", "addr", ln.Addr().String(), "tls", tlsConf != nil, "mode", s.Mode(), "backups_dir", s.conf.BackupsDir)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down", "running_jobs", len(s.orch.Jobs()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.conf.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// streams can outlive the grace period
		_ = srv.Close()
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return nil
}

func (s *Service) stopBackground() {
	s.sched.Stop()
	s.sampler.Stop()
}

// Close releases the log file. Running jobs are not killed.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stopBackground()
		err = s.logCloser.Close()
	})
	return err
}
