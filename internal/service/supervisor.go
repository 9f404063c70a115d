package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/GemAppSec/CxDynEngine/internal/log"
	"github.com/GemAppSec/CxDynEngine/internal/model"
	"github.com/GemAppSec/CxDynEngine/internal/monitor"
	"github.com/GemAppSec/CxDynEngine/internal/queue"
	"github.com/GemAppSec/CxDynEngine/internal/sizing"
)

type Supervisor struct {
	start       chan struct{}
	svc         monitor.ScanService
	sizer       sizing.Sizer
	reconciler  *monitor.Reconciler
	admitted    *queue.Queue[model.Scan]
	finished    *queue.Queue[model.Completion]
	provisioner *Provisioner
	finisher    *Finisher
	uploaders   []model.Uploader
	scheduler   gocron.Scheduler
	oneshot     bool
	adopt       bool
	adopted     bool
}

func NewSupervisor(ctx context.Context, cfg model.Config, svc monitor.ScanService) (*Supervisor, error) {
	pool, err := sizing.NewPool(cfg.Engines.Tiers...)
	if err != nil {
		return nil, fmt.Errorf("initializing engine tiers: %w", err)
	}
	tiers := pool.Tiers()
	if len(tiers) == 0 {
		return nil, fmt.Errorf("initializing engine tiers: no tier configured")
	}

	admitted := queue.New[model.Scan]()
	finished := queue.New[model.Completion]()
	reconciler, err := monitor.New(svc, pool, admitted, finished, monitor.Options{
		Limit:         cfg.Engines.ConcurrentScanLimit,
		BlockFailure:  cfg.Engines.BlockFailure,
		MissingCycles: cfg.Engines.MissingCycles,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing reconciler: %w", err)
	}

	popts := ProvisionerOptions{
		Parallelism: 1,
		Fallback:    tiers[len(tiers)-1],
	}
	if p := cfg.Provisioner; p != nil {
		popts.Parallelism = p.Parallelism
		if p.Command != nil {
			cmd, err := CommandFromConfig(*p.Command)
			if err != nil {
				return nil, fmt.Errorf("provisioner.command: %w", err)
			}
			popts.Command = &cmd
		}
	}

	uploaders, err := uploaders(ctx, cfg.Service)
	if err != nil {
		return nil, fmt.Errorf("initializing uploaders: %w", err)
	}

	var supervisor = &Supervisor{
		start:       make(chan struct{}, 1),
		svc:         svc,
		sizer:       pool,
		reconciler:  reconciler,
		admitted:    admitted,
		finished:    finished,
		provisioner: NewProvisioner(pool, admitted, reconciler, popts),
		finisher:    NewFinisher(finished, uploaders...),
		uploaders:   uploaders,
		oneshot:     cfg.Service.Mode == model.ServiceModeManual,
		adopt:       cfg.Engines.AdoptRunning,
	}
	if cfg.Service.Mode == model.ServiceModeTimer {
		scheduler, err := newScheduler(ctx, cfg.Service.Schedule, supervisor.Start)
		if err != nil {
			_ = closeUploaders(uploaders)
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
		supervisor.scheduler = scheduler
	}
	return supervisor, nil
}

// WithUploaders replaces the uploaders of an initialized Supervisor.
// This method exists for a unit testing only.
func (s *Supervisor) WithUploaders(ctx context.Context, uploaders ...model.Uploader) *Supervisor {
	if err := closeUploaders(s.uploaders); err != nil {
		slog.ErrorContext(ctx, "closing uploader have failed", "error", err)
	}
	s.uploaders = uploaders
	s.finisher.uploaders = uploaders
	return s
}

// Start asks for a reconcile cycle. It never blocks, a request made while
// another one is pending is merged into it.
func (s *Supervisor) Start() {
	select {
	case s.start <- struct{}{}:
	default:
	}
}

func (s *Supervisor) Stats() monitor.Stats {
	return s.reconciler.Stats()
}

// Do runs the supervisor event loop.
//
// Provisioner and Finisher consume the hand-off queues in their own
// goroutines. Reconcile cycles run sequentially on the calling goroutine,
// triggered by the scheduler or Start.
//
// Modes:
//   - Oneshot (manual): a single cycle runs on entry and its error is returned.
//   - Timer: cycle errors are only logged; the loop runs until ctx is cancelled.
//
// Shutdown: the scheduler stops, both queues are closed, the consumers
// drain them and the uploaders are closed last.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "oneshot", s.oneshot)

	defer func() {
		if err := closeUploaders(s.uploaders); err != nil {
			slog.ErrorContext(ctx, "closing uploader have failed", "error", err)
		}
	}()

	var g errgroup.Group
	g.Go(func() error {
		return s.provisioner.Run(ctx)
	})
	g.Go(func() error {
		// reports of scans finished before shutdown are still delivered
		return s.finisher.Run(context.WithoutCancel(ctx))
	})
	defer func() {
		s.admitted.Close()
		s.finished.Close()
		if err := g.Wait(); err != nil {
			slog.ErrorContext(ctx, "consumer has failed", "error", err)
		}
	}()

	if s.oneshot {
		return s.cycle(ctx)
	}

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			if err := s.cycle(ctx); err != nil {
				slog.ErrorContext(ctx, "reconcile cycle returned", "error", err)
			}
		}
	}
}

func (s *Supervisor) cycle(ctx context.Context) error {
	ctx = log.CycleContext(ctx)
	if s.adopt && !s.adopted {
		s.adoptRunning(ctx)
	}
	started := time.Now()
	err := s.reconciler.Cycle(ctx)
	stats := s.reconciler.Stats()
	slog.DebugContext(ctx, "reconcile cycle done",
		"took", time.Since(started).String(),
		"active", stats.Active,
		"working", stats.Working,
		"concurrentCount", stats.Admitted,
		"concurrentLimit", stats.Limit,
		"admittedBacklog", s.admitted.Len(),
		"finishedBacklog", s.finished.Len(),
	)
	return err
}

// adoptRunning registers scans found running before the first cycle, so
// they count against the limit and get a report when they finish. A failed
// fetch is retried on the next cycle.
func (s *Supervisor) adoptRunning(ctx context.Context) {
	scans, err := s.svc.ListQueue(ctx)
	if err != nil {
		slog.WarnContext(ctx, "can't adopt running scans", "error", err)
		return
	}
	s.adopted = true
	for _, scan := range scans {
		if scan.Status != model.StatusScanning {
			continue
		}
		if _, ok := s.sizer.SizeFor(scan.LOC); !ok && scan.LOCKnown() {
			continue
		}
		s.reconciler.RegisterPreExisting(ctx, scan)
	}
}
