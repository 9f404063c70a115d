package model

import (
	"errors"
	"fmt"
)

var (
	// ErrFetch marks a failed queue snapshot, the whole cycle is skipped.
	ErrFetch = errors.New("fetching scan queue")
	// ErrEngineBlock marks a failed block-engine call for a single scan.
	ErrEngineBlock = errors.New("blocking engine")
	// ErrUnknownScan marks a transition observed for a scan the registry does not track.
	ErrUnknownScan = errors.New("unknown scan")
)

// ServiceError is returned by the scan service client on transport or
// protocol failures.
type ServiceError struct {
	Op         string
	StatusCode int
	Detail     string
	Err        error
}

func (e *ServiceError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: status code: %d, detail: %s", e.Op, e.StatusCode, e.Detail)
	default:
		return fmt.Sprintf("%s: status code: %d", e.Op, e.StatusCode)
	}
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}
