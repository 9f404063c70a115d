package model

import (
	"context"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ServiceModeTimer  = "timer"
	ServiceModeManual = "manual"

	BlockFailureCommit   = "commit"
	BlockFailureRollback = "rollback"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version     int          `json:"version" yaml:"version"`
	Service     Service      `json:"service" yaml:"service"`
	Cx          Cx           `json:"cx" yaml:"cx"`
	Engines     Engines      `json:"engines" yaml:"engines"`
	Provisioner *Provisioner `json:"provisioner,omitempty" yaml:"provisioner,omitempty"`
}

// Service configures the polling loop and where finished scan reports go.
type Service struct {
	Mode      string    `json:"mode" yaml:"mode"` // "timer" | "manual"
	Verbose   *bool     `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Schedule  *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Dir       *string   `json:"dir,omitempty" yaml:"dir,omitempty"`
	ReportURL *string   `json:"report_url,omitempty" yaml:"report_url,omitempty"`
}

// Schedule is either a cron expression or an ISO8601 duration.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Cx points to the scan management service.
type Cx struct {
	URL     string  `json:"url" yaml:"url"`
	Token   *string `json:"token,omitempty" yaml:"token,omitempty"`
	Timeout *string `json:"timeout,omitempty" yaml:"timeout,omitempty"` // ISO8601
}

type Engines struct {
	ConcurrentScanLimit int    `json:"concurrent_scan_limit" yaml:"concurrent_scan_limit"`
	BlockFailure        string `json:"block_failure" yaml:"block_failure"`   // "commit" | "rollback"
	MissingCycles       int    `json:"missing_cycles" yaml:"missing_cycles"` // 0 disables reaping
	AdoptRunning        bool   `json:"adopt_running" yaml:"adopt_running"`
	Tiers               []Tier `json:"tiers" yaml:"tiers"`
}

// Tier is an engine size able to scan up to MaxLOC lines of code.
type Tier struct {
	Name   string `json:"name" yaml:"name"`
	MaxLOC int64  `json:"max_loc" yaml:"max_loc"`
}

type Provisioner struct {
	Parallelism int      `json:"parallelism" yaml:"parallelism"`
	Command     *Command `json:"command,omitempty" yaml:"command,omitempty"`
}

// Command is an external hook executed for every admitted scan.
type Command struct {
	Path    string            `json:"path" yaml:"path"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout *string           `json:"timeout,omitempty" yaml:"timeout,omitempty"` // ISO8601
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	if err := out.validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// validate covers what the schema can't express
func (c Config) validate() error {
	if c.Service.Mode == ServiceModeTimer && c.Service.Schedule == nil {
		return fmt.Errorf("service.schedule is required in %s mode", ServiceModeTimer)
	}
	if s := c.Service.Schedule; s != nil {
		switch {
		case s.Cron != "" && s.Duration != "":
			return fmt.Errorf("service.schedule: cron and duration are mutually exclusive")
		case s.Cron != "":
			if _, err := ParseCron(s.Cron); err != nil {
				return fmt.Errorf("service.schedule.cron: %w", err)
			}
		case s.Duration != "":
			d, err := ParseISODuration(s.Duration)
			if err != nil {
				return fmt.Errorf("service.schedule.duration: %w", err)
			}
			if d <= 0 {
				return fmt.Errorf("service.schedule.duration: must be positive, got %s", s.Duration)
			}
		}
	}
	seen := make(map[string]struct{}, len(c.Engines.Tiers))
	for _, t := range c.Engines.Tiers {
		if _, ok := seen[t.Name]; ok {
			return fmt.Errorf("engines.tiers: duplicate tier %q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	for name, ptr := range map[string]*string{
		"cx.timeout":                  c.Cx.Timeout,
		"provisioner.command.timeout": c.commandTimeout(),
	} {
		if ptr == nil {
			continue
		}
		if _, err := ParseISODuration(*ptr); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (c Config) commandTimeout() *string {
	if c.Provisioner == nil || c.Provisioner.Command == nil {
		return nil
	}
	return c.Provisioner.Command.Timeout
}

// DefaultConfig returns a configuration which polls a local scan service
// every 20 seconds.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Service: Service{
			Mode:     ServiceModeTimer,
			Schedule: &Schedule{Duration: "PT20S"},
		},
		Cx: Cx{
			URL:     "http://localhost/cxrestapi",
			Timeout: ptr("PT30S"),
		},
		Engines: Engines{
			ConcurrentScanLimit: 10,
			BlockFailure:        BlockFailureCommit,
			AdoptRunning:        true,
			Tiers: []Tier{
				{Name: "S", MaxLOC: 50_000},
				{Name: "M", MaxLOC: 500_000},
				{Name: "L", MaxLOC: 2_000_000},
			},
		},
		Provisioner: &Provisioner{
			Parallelism: 4,
		},
	}
}

// PollInterval returns the fixed polling interval when the schedule is a
// duration, or the interval between the next two cron activations.
func (s Schedule) PollInterval() (time.Duration, error) {
	if s.Duration != "" {
		return ParseISODuration(s.Duration)
	}
	return ParseCron(s.Cron)
}

// DurationOr parses an optional ISO8601 duration, empty means dflt.
func DurationOr(p *string, dflt time.Duration) (time.Duration, error) {
	if p == nil || *p == "" {
		return dflt, nil
	}
	return ParseISODuration(*p)
}

func ptr[T any](v T) *T {
	return &v
}
