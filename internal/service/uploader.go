package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/GemAppSec/CxDynEngine/internal/model"
)

func uploaders(_ context.Context, cfg model.Service) ([]model.Uploader, error) {
	dir := deref(cfg.Dir)
	reportURL := deref(cfg.ReportURL)
	if dir == "" && reportURL == "" {
		return []model.Uploader{NewWriteUploader(os.Stdout)}, nil
	}
	var ret []model.Uploader
	if dir != "" {
		u, err := NewOSRootUploader(dir)
		if err != nil {
			return nil, err
		}
		ret = append(ret, u)
	}
	if reportURL != "" {
		u, err := NewReportUploader(reportURL)
		if err != nil {
			return nil, errors.Join(err, closeUploaders(ret))
		}
		ret = append(ret, u)
	}
	return ret, nil
}

func closeUploaders(uploaders []model.Uploader) error {
	var errs []error
	for _, uploader := range uploaders {
		if closer, ok := uploader.(model.UploadCloser); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// WriteUploader writes every report as a single line to w.
type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, _ string, raw []byte) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	if len(raw) == 0 || raw[len(raw)-1] != '\n' {
		raw = append(raw[:len(raw):len(raw)], '\n')
	}
	_, err := u.w.Write(raw)
	return err
}

// OSRootUploader stores every report as a file in a directory. Names
// can't escape the directory.
type OSRootUploader struct {
	root *os.Root
}

func NewOSRootUploader(path string) (*OSRootUploader, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root}, nil
}

func (u *OSRootUploader) Upload(ctx context.Context, name string, b []byte) error {
	if u.root == nil {
		return errors.New("root already closed")
	}

	f, err := u.root.Create(name)
	if err != nil {
		return fmt.Errorf("creating scan report: %w", err)
	}
	_, err = f.Write(b)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving scan report: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing scan report: %w", err)
	}
	slog.InfoContext(ctx, "scan report saved", "path", name)
	return nil
}

func (u *OSRootUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}
