package model

import "context"

// Uploader delivers a finished scan report. name is a stable file or
// object name derived from the scan.
type Uploader interface {
	Upload(ctx context.Context, name string, raw []byte) error
}

type UploadCloser interface {
	Uploader
	Close() error
}
