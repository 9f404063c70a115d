package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/GemAppSec/CxDynEngine/internal/log"
	"github.com/GemAppSec/CxDynEngine/internal/model"
	"github.com/GemAppSec/CxDynEngine/internal/queue"
	"github.com/GemAppSec/CxDynEngine/internal/sizing"
)

// Admission is notified about admitted scans which could not be provisioned.
type Admission interface {
	UnregisterFailedAdmission(ctx context.Context, scan model.Scan)
}

type ProvisionerOptions struct {
	// Command is executed for every admitted scan, nil only logs the scan.
	Command *Command
	// Parallelism bounds the number of concurrently running commands.
	Parallelism int
	// Fallback is the tier of scans with an unknown LOC.
	Fallback model.Tier
}

// Provisioner consumes admitted scans and prepares an engine for each of
// them by running an external command.
type Provisioner struct {
	sizer     sizing.Sizer
	admitted  *queue.Queue[model.Scan]
	admission Admission
	opts      ProvisionerOptions
}

func NewProvisioner(sizer sizing.Sizer, admitted *queue.Queue[model.Scan], admission Admission, opts ProvisionerOptions) *Provisioner {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Provisioner{
		sizer:     sizer,
		admitted:  admitted,
		admission: admission,
		opts:      opts,
	}
}

// Run consumes the queue until it is closed and drained or ctx is done.
// It waits for all started commands before returning.
func (p *Provisioner) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(p.opts.Parallelism)
	for {
		scan, err := p.admitted.Pop(ctx)
		if err != nil {
			_ = g.Wait()
			if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		g.Go(func() error {
			p.provision(ctx, scan)
			return nil
		})
	}
}

func (p *Provisioner) tierFor(scan model.Scan) model.Tier {
	if tier, ok := p.sizer.SizeFor(scan.LOC); ok {
		return tier
	}
	return p.opts.Fallback
}

func (p *Provisioner) provision(ctx context.Context, scan model.Scan) {
	tier := p.tierFor(scan)
	ctx = log.ContextAttrs(ctx,
		slog.Int64("scan_id", scan.ID),
		slog.String("tier", tier.Name),
	)
	if p.opts.Command == nil {
		slog.InfoContext(ctx, "scan admitted", "loc", scan.LOC)
		return
	}

	cmd := p.opts.Command.WithEnv(
		"CX_SCAN_ID="+strconv.FormatInt(scan.ID, 10),
		"CX_SCAN_LOC="+strconv.FormatInt(scan.LOC, 10),
		"CX_ENGINE_TIER="+tier.Name,
		"CX_ENGINE_MAX_LOC="+strconv.FormatInt(tier.MaxLOC, 10),
	)
	stderr := func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "provisioning hook", "stderr", line)
	}
	res := NewRunner().Run(ctx, cmd, stderr)
	if reason := res.Failed(); reason != "" {
		slog.ErrorContext(ctx, "provisioning has failed", "reason", reason, "path", res.Path)
		p.admission.UnregisterFailedAdmission(ctx, scan)
		return
	}
	slog.InfoContext(ctx, "engine provisioned",
		"took", res.Stopped.Sub(res.Started).String(),
		"stdout", res.Stdout.String(),
	)
}
