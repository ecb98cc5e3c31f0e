package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is a resource snapshot of one job's process.
type Sample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SamplerConfig controls periodic job sampling.
type SamplerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// Sampler periodically records CPU and memory of running jobs. Targets are
// supplied as job id -> pid on every tick, so finished jobs drop out on the
// next tick.
type Sampler struct {
	enabled  bool
	interval time.Duration

	mu     sync.RWMutex
	latest map[string]Sample
	procs  map[string]*process.Process // kept for CPUPercent deltas

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpu *prometheus.GaugeVec
	rss *prometheus.GaugeVec
}

func NewSampler(cfg SamplerConfig) *Sampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{
		enabled:  cfg.Enabled,
		interval: interval,
		latest:   make(map[string]Sample),
		procs:    make(map[string]*process.Process),
		stopCh:   make(chan struct{}),
		cpu: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "backupd",
				Subsystem: "job",
				Name:      "cpu_percent",
				Help:      "CPU usage of running jobs.",
			}, []string{"job"},
		),
		rss: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "backupd",
				Subsystem: "job",
				Name:      "memory_rss_bytes",
				Help:      "Resident memory of running jobs.",
			}, []string{"job"},
		),
	}
}

func (s *Sampler) Enabled() bool { return s.enabled }

// RegisterMetrics registers the sampler's gauges.
func (s *Sampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	for _, c := range []prometheus.Collector{s.cpu, s.rss} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples targets() every interval until ctx is done or Stop is called.
func (s *Sampler) Start(ctx context.Context, targets func() map[string]int32) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Collect(targets())
			}
		}
	}()
}

func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect takes one sample of every target and forgets jobs not listed.
func (s *Sampler) Collect(targets map[string]int32) {
	now := time.Now()
	results := make(map[string]Sample, len(targets))
	for id, pid := range targets {
		if pid <= 0 {
			continue
		}
		sm, err := s.sample(id, pid, now)
		if err != nil {
			slog.Debug("job sample failed", "job", id, "pid", pid, "error", err)
			continue
		}
		results[id] = sm
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.latest {
		if _, ok := targets[id]; !ok {
			delete(s.latest, id)
			delete(s.procs, id)
			s.cpu.DeleteLabelValues(id)
			s.rss.DeleteLabelValues(id)
		}
	}
	for id, sm := range results {
		s.latest[id] = sm
		s.cpu.WithLabelValues(id).Set(sm.CPUPercent)
		s.rss.WithLabelValues(id).Set(float64(sm.MemoryRSS))
	}
}

func (s *Sampler) sample(id string, pid int32, now time.Time) (Sample, error) {
	s.mu.RLock()
	proc := s.procs[id]
	s.mu.RUnlock()
	if proc == nil || proc.Pid != pid {
		p, err := process.NewProcess(pid)
		if err != nil {
			return Sample{}, fmt.Errorf("process handle: %w", err)
		}
		proc = p
		s.mu.Lock()
		s.procs[id] = p
		s.mu.Unlock()
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Sample{}, fmt.Errorf("memory info: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	return Sample{PID: pid, CPUPercent: cpu, MemoryRSS: mem.RSS, NumThreads: threads, Timestamp: now}, nil
}

// Latest returns the most recent sample for a job.
func (s *Sampler) Latest(id string) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sm, ok := s.latest[id]
	return sm, ok
}
