package model

import (
	"log/slog"
	"strings"
	"time"
)

// Status is the lifecycle stage of a scan as reported by the scan service.
type Status int

const (
	StatusOther Status = iota
	StatusQueued
	StatusScanning
	StatusCanceled
	StatusDeleted
	StatusFailed
	StatusFinished
)

var statusNames = [...]string{
	StatusOther:    "Other",
	StatusQueued:   "Queued",
	StatusScanning: "Scanning",
	StatusCanceled: "Canceled",
	StatusDeleted:  "Deleted",
	StatusFailed:   "Failed",
	StatusFinished: "Finished",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return statusNames[StatusOther]
	}
	return statusNames[s]
}

// Terminal reports whether the scan will never change its status again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCanceled, StatusDeleted, StatusFailed, StatusFinished:
		return true
	default:
		return false
	}
}

// ParseStatus maps a stage name of the scan service to Status. Stages the
// reconciler does not act on (New, PreScan, PostScan, ...) are StatusOther.
func ParseStatus(stage string) Status {
	switch strings.ToLower(strings.TrimSpace(stage)) {
	case "queued":
		return StatusQueued
	case "scanning":
		return StatusScanning
	case "canceled", "cancelled":
		return StatusCanceled
	case "deleted":
		return StatusDeleted
	case "failed":
		return StatusFailed
	case "finished":
		return StatusFinished
	default:
		return StatusOther
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	*s = ParseStatus(string(text))
	return nil
}

// Scan is one scan job known to the scan service. LOC is negative until the
// service has counted the lines of code, EngineID is zero until an engine
// picked the scan up.
type Scan struct {
	ID        int64     `json:"id"`
	Status    Status    `json:"status"`
	LOC       int64     `json:"loc"`
	EngineID  int64     `json:"engine_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// LOCKnown is false while the scan service has not computed the size yet.
func (s Scan) LOCKnown() bool {
	return s.LOC >= 0
}

func (s Scan) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("id", s.ID),
		slog.String("status", s.Status.String()),
		slog.Int64("loc", s.LOC),
	}
	if s.EngineID != 0 {
		attrs = append(attrs, slog.Int64("engine_id", s.EngineID))
	}
	if !s.StartedAt.IsZero() {
		attrs = append(attrs, slog.Time("started_at", s.StartedAt))
	}
	return slog.GroupValue(attrs...)
}

const (
	ReasonStatus  = "status"
	ReasonMissing = "missing"
)

// Completion is emitted once per admitted scan when it leaves the system.
// Reason is ReasonMissing when the scan vanished from the service queue
// without reporting a terminal status.
type Completion struct {
	Scan    Scan          `json:"scan"`
	Elapsed time.Duration `json:"elapsed"`
	Reason  string        `json:"reason"`
}
