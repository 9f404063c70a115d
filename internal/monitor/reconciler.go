package monitor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/GemAppSec/CxDynEngine/internal/model"
	"github.com/GemAppSec/CxDynEngine/internal/queue"
	"github.com/GemAppSec/CxDynEngine/internal/sizing"
)

// ScanService is the part of the scan management API the reconciler uses.
type ScanService interface {
	// ListQueue returns all scans known to the service, in any order.
	ListQueue(ctx context.Context) ([]model.Scan, error)
	// BlockEngine reserves the engine so the service doesn't assign it
	// another scan.
	BlockEngine(ctx context.Context, engineID int64) error
}

// Options tune a Reconciler, zero values select the defaults.
type Options struct {
	// Limit is the maximum number of concurrently admitted scans.
	Limit int
	// BlockFailure is model.BlockFailureCommit (default) or
	// model.BlockFailureRollback.
	BlockFailure string
	// MissingCycles finalizes registered scans absent from the queue for
	// that many consecutive cycles. Zero disables it.
	MissingCycles int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Stats is a point in time view of the reconciler state.
type Stats struct {
	Cycles   uint64 `json:"cycles"`
	Active   int    `json:"active"`
	Working  int    `json:"working"`
	Admitted int    `json:"admitted"`
	Limit    int    `json:"limit"`
}

// Reconciler keeps the admitted scans in line with the scan service queue.
// It is safe for concurrent use.
type Reconciler struct {
	svc      ScanService
	sizer    sizing.Sizer
	admitted *queue.Queue[model.Scan]
	finished *queue.Queue[model.Completion]
	rollback bool
	missing  uint64
	now      func() time.Time

	cycleMx sync.Mutex // serializes cycles
	mx      sync.Mutex // guards reg, lim and cycles
	reg     registry
	lim     limiter
	cycles  uint64 // cycles with a successful fetch
}

// New returns a reconciler pushing admitted scans and completions to the
// given queues.
func New(
	svc ScanService,
	sizer sizing.Sizer,
	admitted *queue.Queue[model.Scan],
	finished *queue.Queue[model.Completion],
	opts Options,
) (*Reconciler, error) {
	if opts.Limit < 1 {
		return nil, fmt.Errorf("concurrent scan limit must be positive, got %d", opts.Limit)
	}
	if opts.MissingCycles < 0 {
		return nil, fmt.Errorf("missing cycles can't be negative, got %d", opts.MissingCycles)
	}
	var rollback bool
	switch opts.BlockFailure {
	case "", model.BlockFailureCommit:
	case model.BlockFailureRollback:
		rollback = true
	default:
		return nil, fmt.Errorf("unsupported block failure policy %q", opts.BlockFailure)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Reconciler{
		svc:      svc,
		sizer:    sizer,
		admitted: admitted,
		finished: finished,
		rollback: rollback,
		missing:  uint64(opts.MissingCycles),
		now:      opts.Now,
		reg:      newRegistry(),
		lim:      newLimiter(opts.Limit),
	}, nil
}

// Cycle fetches the scan queue and reconciles every scan in it. A failed
// fetch returns an error wrapping model.ErrFetch and changes nothing.
// Otherwise the returned error joins the failures of individual scans,
// which never stop the rest of the cycle. A panic is returned as an error.
func (r *Reconciler) Cycle(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reconcile cycle panicked: %v", p)
			slog.ErrorContext(ctx, "reconcile cycle panicked", "panic", p)
		}
	}()

	r.cycleMx.Lock()
	defer r.cycleMx.Unlock()

	scans, err := r.svc.ListQueue(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "polling scan queue failed", "error", err)
		return fmt.Errorf("%w: %w", model.ErrFetch, err)
	}
	slog.DebugContext(ctx, "scan queue polled", "count", len(scans))

	// the service queue order is not reliable
	slices.SortStableFunc(scans, func(a, b model.Scan) int {
		return cmp.Compare(a.ID, b.ID)
	})

	r.mx.Lock()
	defer r.mx.Unlock()
	r.cycles++

	var errs []error
	for _, scan := range scans {
		if err := r.processScan(ctx, scan); err != nil {
			slog.ErrorContext(ctx, "processing scan failed", "scan", scan, "error", err)
			errs = append(errs, fmt.Errorf("scan %d: %w", scan.ID, err))
		}
	}
	if err := r.reapMissing(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Reconciler) processScan(ctx context.Context, scan model.Scan) error {
	e, tracked := r.reg.get(scan.ID)
	// an unknown size is not actionable yet, but must not be ignored. Tracked
	// scans hold a slot and always pass, their size may be known only later.
	if _, ok := r.sizer.SizeFor(scan.LOC); !tracked && !ok && scan.LOCKnown() {
		slog.DebugContext(ctx, "no engine tier for scan size, ignoring", "scan_id", scan.ID, "loc", scan.LOC)
		return nil
	}
	if tracked {
		e.lastSeen = r.cycles
	}

	switch {
	case scan.Status == model.StatusQueued:
		return r.onQueued(ctx, scan)
	case scan.Status == model.StatusScanning:
		return r.onScanning(ctx, scan)
	case scan.Status.Terminal():
		return r.onCompleted(ctx, scan, model.ReasonStatus)
	default:
		return nil
	}
}

func (r *Reconciler) onQueued(ctx context.Context, scan model.Scan) error {
	if _, ok := r.reg.get(scan.ID); ok {
		return nil
	}

	if !r.lim.tryAcquire() {
		slog.DebugContext(ctx, "at concurrent scan limit, deferring scan", "scan_id", scan.ID, "concurrentLimit", r.lim.limit)
		return nil
	}
	r.reg.put(scan, true, r.cycles)

	if err := r.admitted.Push(scan); err != nil {
		r.reg.remove(scan.ID)
		r.releaseSlot(ctx, scan.ID)
		return fmt.Errorf("pushing admitted scan: %w", err)
	}
	slog.InfoContext(ctx, "scan queued",
		"scan", scan,
		"concurrentCount", r.lim.count,
		"concurrentLimit", r.lim.limit,
	)
	return nil
}

func (r *Reconciler) onScanning(ctx context.Context, scan model.Scan) error {
	e, ok := r.reg.get(scan.ID)
	if !ok {
		slog.DebugContext(ctx, "scanning scan is not tracked, ignoring", "scan_id", scan.ID, "error", model.ErrUnknownScan)
		return nil
	}
	if r.reg.isWorking(scan.ID) {
		return nil
	}

	acquired := false
	if !e.counted {
		r.lim.force()
		e.counted = true
		acquired = true
	}

	slog.InfoContext(ctx, "scan is working, blocking engine",
		"scan_id", scan.ID,
		"engine_id", scan.EngineID,
		"concurrentCount", r.lim.count,
		"concurrentLimit", r.lim.limit,
	)
	var blockErr error
	err := r.blockEngine(ctx, scan.EngineID)
	if cur, ok := r.reg.get(scan.ID); !ok || cur != e {
		// unregistered during the call, the slot went with the entry
		slog.InfoContext(ctx, "scan unregistered while blocking engine", "scan_id", scan.ID, "engine_id", scan.EngineID)
		if err != nil {
			return fmt.Errorf("%w %d: %w", model.ErrEngineBlock, scan.EngineID, err)
		}
		return nil
	}
	if err != nil {
		blockErr = fmt.Errorf("%w %d: %w", model.ErrEngineBlock, scan.EngineID, err)
		if r.rollback {
			if acquired && e.counted {
				r.releaseSlot(ctx, scan.ID)
				e.counted = false
			}
			slog.WarnContext(ctx, "engine block failed, retrying next cycle", "scan_id", scan.ID, "engine_id", scan.EngineID, "error", err)
			return blockErr
		}
		slog.WarnContext(ctx, "engine block failed, keeping scan as working", "scan_id", scan.ID, "engine_id", scan.EngineID, "error", err)
	}

	e.scan = scan
	r.reg.markWorking(scan.ID)
	return blockErr
}

// blockEngine calls the service without holding mx, so admission changes
// made by consumers are not stuck behind the remote call. Cycles stay
// serialized by cycleMx.
func (r *Reconciler) blockEngine(ctx context.Context, engineID int64) error {
	r.mx.Unlock()
	defer r.mx.Lock()
	return r.svc.BlockEngine(ctx, engineID)
}

// releaseSlot returns a slot to the limiter, an underflow means the
// counting went wrong and is logged.
func (r *Reconciler) releaseSlot(ctx context.Context, scanID int64) {
	if !r.lim.release() {
		slog.ErrorContext(ctx, "concurrent scan counter underflow", "scan_id", scanID)
	}
}

func (r *Reconciler) onCompleted(ctx context.Context, scan model.Scan, reason string) error {
	e, ok := r.reg.remove(scan.ID)
	if !ok {
		return nil
	}
	if e.counted {
		r.releaseSlot(ctx, scan.ID)
	}

	started := scan.StartedAt
	if started.IsZero() {
		started = e.scan.StartedAt
	}
	var elapsed time.Duration
	if !started.IsZero() {
		elapsed = r.now().Sub(started)
	}

	c := model.Completion{Scan: scan, Elapsed: elapsed, Reason: reason}
	if err := r.finished.Push(c); err != nil {
		return fmt.Errorf("pushing finished scan: %w", err)
	}
	slog.InfoContext(ctx, "scan finished",
		"scan", scan,
		"reason", reason,
		"scanTime", int64(elapsed/time.Second),
		"concurrentCount", r.lim.count,
	)
	return nil
}

// reapMissing finalizes scans which vanished from the queue without
// reporting a terminal status.
func (r *Reconciler) reapMissing(ctx context.Context) error {
	if r.missing == 0 {
		return nil
	}
	var errs []error
	for _, e := range r.reg.stale(r.cycles, r.missing) {
		slog.WarnContext(ctx, "scan missing from queue, finalizing", "scan", e.scan, "cycles", r.cycles-e.lastSeen)
		if err := r.onCompleted(ctx, e.scan, model.ReasonMissing); err != nil {
			errs = append(errs, fmt.Errorf("scan %d: %w", e.scan.ID, err))
		}
	}
	return errors.Join(errs...)
}

// RegisterPreExisting declares a scan already active outside of the queue
// flow, e.g. found running at startup. It takes a slot of the limiter even
// above the ceiling. Registering a known scan is a no-op.
func (r *Reconciler) RegisterPreExisting(ctx context.Context, scan model.Scan) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.reg.get(scan.ID); ok {
		slog.DebugContext(ctx, "pre-existing scan already registered", "scan_id", scan.ID)
		return
	}
	r.reg.put(scan, true, r.cycles)
	r.lim.force()
	slog.InfoContext(ctx, "pre-existing scan registered",
		"scan", scan,
		"concurrentCount", r.lim.count,
		"concurrentLimit", r.lim.limit,
	)
}

// UnregisterFailedAdmission removes a scan whose provisioning failed
// downstream and frees its limiter slot. Nothing is pushed to the finished
// queue. If the scan is still queued, a later cycle admits it again.
func (r *Reconciler) UnregisterFailedAdmission(ctx context.Context, scan model.Scan) {
	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.reg.remove(scan.ID)
	if !ok {
		return
	}
	if e.counted {
		r.releaseSlot(ctx, scan.ID)
	}
	slog.WarnContext(ctx, "scan admission failed, unregistered",
		"scan_id", scan.ID,
		"concurrentCount", r.lim.count,
	)
}

func (r *Reconciler) Stats() Stats {
	r.mx.Lock()
	defer r.mx.Unlock()
	return Stats{
		Cycles:   r.cycles,
		Active:   len(r.reg.active),
		Working:  len(r.reg.working),
		Admitted: r.lim.count,
		Limit:    r.lim.limit,
	}
}
