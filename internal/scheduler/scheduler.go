package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sifworks.org/internal/functional"
	"sifworks.org/internal/obs"
)

// ErrShutdownTimeout is returned by Stop when service goroutines are still
// running after the grace period. They are left to exit on their own.
var ErrShutdownTimeout = errors.New("scheduler: services did not stop within the grace period")

// ErrStarted is returned by Start on a scheduler that is already running.
var ErrStarted = errors.New("scheduler: already started")

// Config controls service start-up and the timeout sweep.
type Config struct {
	Classes          []string
	StartupDelay     time.Duration
	TimeoutEnabled   bool
	TimeoutFrequency time.Duration
	ShutdownGrace    time.Duration
}

// Scheduler hosts functional services: one goroutine per service running its
// Startup hook, plus one ticker sweeping expired jobs across all of them.
type Scheduler struct {
	cfg      Config
	registry *Registry

	mu          sync.Mutex
	services    map[string]*functional.Service
	order       []string
	started     bool
	cancel      context.CancelFunc
	stopTicker  context.CancelFunc
	group       *errgroup.Group
	tickerGroup *errgroup.Group
}

// New builds a scheduler over registry. Nothing runs until Start.
func New(registry *Registry, cfg Config) *Scheduler {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		services: make(map[string]*functional.Service),
	}
}

// Start instantiates the selected services, registers them under their
// service names and launches their goroutines, the n-th delayed by
// n × StartupDelay.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.services = make(map[string]*functional.Service)
	s.order = nil

	for _, e := range s.registry.Select(s.cfg.Classes) {
		svc, err := e.New()
		if err != nil {
			obs.Error("functional service construction failed", map[string]any{"class": e.Class, "error": err})
			continue
		}
		if _, dup := s.services[svc.Name()]; dup {
			obs.Warn("functional service already registered", map[string]any{"class": e.Class, "service": svc.Name()})
			continue
		}
		s.services[svc.Name()] = svc
		s.order = append(s.order, svc.Name())
	}
	obs.SetSchedulerServices(len(s.order))

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.group = &errgroup.Group{}
	for i, name := range s.order {
		svc := s.services[name]
		delay := time.Duration(i) * s.cfg.StartupDelay
		s.group.Go(func() error { return run(runCtx, svc, delay) })
	}

	tickCtx, stopTicker := context.WithCancel(runCtx)
	s.stopTicker = stopTicker
	s.tickerGroup = &errgroup.Group{}
	if s.cfg.TimeoutEnabled && s.cfg.TimeoutFrequency > 0 {
		s.tickerGroup.Go(func() error {
			s.sweepLoop(tickCtx)
			return nil
		})
	}
	s.started = true
	obs.Info("scheduler started", map[string]any{"services": s.order})
	return nil
}

func run(ctx context.Context, svc *functional.Service, delay time.Duration) error {
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
	obs.Info("functional service starting", map[string]any{"service": svc.Name()})
	if err := svc.Startup(ctx); err != nil && !errors.Is(err, context.Canceled) {
		obs.Error("functional service stopped with error", map[string]any{"service": svc.Name(), "error": err})
		return fmt.Errorf("service %s: %w", svc.Name(), err)
	}
	return nil
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TimeoutFrequency)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs the job timeout of every registered service in turn and returns
// the per-service reports.
func (s *Scheduler) Sweep(ctx context.Context) map[string]functional.TimeoutReport {
	out := make(map[string]functional.TimeoutReport)
	for _, svc := range s.Services() {
		if ctx.Err() != nil {
			break
		}
		report, err := svc.JobTimeout(ctx)
		if err != nil {
			obs.Error("job timeout sweep failed", map[string]any{"service": svc.Name(), "error": err})
			continue
		}
		out[svc.Name()] = report
	}
	return out
}

// Stop halts the sweep, runs every service's Shutdown hook, cancels the
// service goroutines and waits for them up to the grace period or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	services := make([]*functional.Service, 0, len(s.order))
	for _, name := range s.order {
		services = append(services, s.services[name])
	}
	cancel, group := s.cancel, s.group
	stopTicker, tickerGroup := s.stopTicker, s.tickerGroup
	s.mu.Unlock()

	stopTicker()
	_ = tickerGroup.Wait()

	for _, svc := range services {
		if err := svc.Shutdown(ctx); err != nil {
			obs.Error("functional service shutdown failed", map[string]any{"service": svc.Name(), "error": err})
		}
	}
	cancel()

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	timer := time.NewTimer(s.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case err := <-done:
		obs.Info("scheduler stopped", map[string]any{"services": len(services)})
		return err
	case <-timer.C:
	case <-ctx.Done():
	}
	obs.Error("scheduler stop timed out", map[string]any{"grace": s.cfg.ShutdownGrace.String()})
	return ErrShutdownTimeout
}

// Service looks a running service up by its service name.
func (s *Scheduler) Service(name string) (*functional.Service, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[name]
	return svc, ok
}

// Services returns the registered services in start order.
func (s *Scheduler) Services() []*functional.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*functional.Service, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.services[name])
	}
	return out
}

// Names returns the registered service names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.order...)
	sort.Strings(out)
	return out
}
