package model

import (
	"fmt"
	"log/slog"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigErrDetail is a single validation failure of a configuration file.
type ConfigErrDetail struct {
	Path    string // engines.concurrent_scan_limit
	Message string
	Line    int
	Column  int
}

func (d ConfigErrDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("path", d.Path),
		slog.String("message", d.Message),
		slog.Int("line", d.Line),
		slog.Int("column", d.Column),
	)
}

// ConfigErrDetails splits a LoadConfig error into per-field details. Errors
// not coming from the CUE validation are returned as a single detail
// without a path.
func ConfigErrDetails(err error) []ConfigErrDetail {
	if err == nil {
		return nil
	}
	cerrs := cueerrors.Errors(err)
	if len(cerrs) == 0 {
		return []ConfigErrDetail{{Message: err.Error()}}
	}

	seen := make(map[string]struct{}, len(cerrs))
	out := make([]ConfigErrDetail, 0, len(cerrs))
	for _, e := range cerrs {
		format, args := e.Msg()
		d := ConfigErrDetail{
			Path:    configPath(e.Path()),
			Message: fmt.Sprintf(format, args...),
		}
		for _, p := range cueerrors.Positions(e) {
			if p.Filename() == "" {
				continue
			}
			d.Line, d.Column = p.Line(), p.Column()
			break
		}
		key := d.Path + "\x00" + d.Message
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}
	return out
}

func configPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
