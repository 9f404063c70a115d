package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/GemAppSec/CxDynEngine/internal/model"
	"github.com/GemAppSec/CxDynEngine/internal/queue"
)

// Report describes a finished scan and is handed to the uploaders as JSON.
type Report struct {
	ReportID        string       `json:"report_id"`
	ScanID          int64        `json:"scan_id"`
	Status          model.Status `json:"status"`
	Reason          string       `json:"reason"`
	EngineID        int64        `json:"engine_id,omitempty"`
	LOC             int64        `json:"loc"`
	ScanTimeSeconds float64      `json:"scan_time_seconds"`
	ReportedAt      time.Time    `json:"reported_at"`
}

func NewReport(c model.Completion, now time.Time) Report {
	return Report{
		ReportID:        uuid.NewString(),
		ScanID:          c.Scan.ID,
		Status:          c.Scan.Status,
		Reason:          c.Reason,
		EngineID:        c.Scan.EngineID,
		LOC:             c.Scan.LOC,
		ScanTimeSeconds: c.Elapsed.Seconds(),
		ReportedAt:      now.UTC(),
	}
}

// Finisher consumes completed scans and uploads a report for each.
type Finisher struct {
	finished  *queue.Queue[model.Completion]
	uploaders []model.Uploader
	now       func() time.Time
}

func NewFinisher(finished *queue.Queue[model.Completion], uploaders ...model.Uploader) *Finisher {
	return &Finisher{
		finished:  finished,
		uploaders: uploaders,
		now:       time.Now,
	}
}

// Run consumes the queue until it is closed and drained or ctx is done.
// Upload failures are logged and never stop the loop.
func (f *Finisher) Run(ctx context.Context) error {
	for {
		c, err := f.finished.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := f.finish(ctx, c); err != nil {
			slog.ErrorContext(ctx, "scan report upload failed", "scan_id", c.Scan.ID, "error", err)
		}
	}
}

func (f *Finisher) finish(ctx context.Context, c model.Completion) error {
	report := NewReport(c, f.now())
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding scan report: %w", err)
	}
	name := fmt.Sprintf("scan-%d.json", c.Scan.ID)
	var errs []error
	for _, u := range f.uploaders {
		if err := u.Upload(ctx, name, raw); err != nil {
			errs = append(errs, err)
		}
	}
	slog.InfoContext(ctx, "scan finished",
		"scan_id", c.Scan.ID,
		"status", c.Scan.Status.String(),
		"reason", c.Reason,
		"scan_time", c.Elapsed.String(),
	)
	return errors.Join(errs...)
}
