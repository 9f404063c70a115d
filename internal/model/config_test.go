package model_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/GemAppSec/CxDynEngine/internal/model"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
service:
  mode: timer
  schedule:
    duration: PT15S
  dir: /var/lib/dynengines
cx:
  url: https://cx.example.com/cxrestapi
  token: ABC123
  timeout: PT10S
engines:
  concurrent_scan_limit: 3
  block_failure: rollback
  missing_cycles: 5
  tiers:
    - name: S
      max_loc: 1000
    - name: L
      max_loc: 100000
provisioner:
  parallelism: 2
  command:
    path: /usr/local/bin/provision
    args: [--engine]
    env:
      REGION: eu-west-1
    timeout: PT5M
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, model.ServiceModeTimer, cfg.Service.Mode)
	require.NotNil(t, cfg.Service.Schedule)
	require.Equal(t, "PT15S", cfg.Service.Schedule.Duration)
	require.NotNil(t, cfg.Service.Dir)
	require.Equal(t, "/var/lib/dynengines", *cfg.Service.Dir)
	require.Equal(t, "https://cx.example.com/cxrestapi", cfg.Cx.URL)
	require.NotNil(t, cfg.Cx.Token)
	require.Equal(t, "ABC123", *cfg.Cx.Token)

	require.Equal(t, 3, cfg.Engines.ConcurrentScanLimit)
	require.Equal(t, model.BlockFailureRollback, cfg.Engines.BlockFailure)
	require.Equal(t, 5, cfg.Engines.MissingCycles)
	require.True(t, cfg.Engines.AdoptRunning)
	require.Equal(t, []model.Tier{{Name: "S", MaxLOC: 1000}, {Name: "L", MaxLOC: 100000}}, cfg.Engines.Tiers)

	require.NotNil(t, cfg.Provisioner)
	require.Equal(t, 2, cfg.Provisioner.Parallelism)
	require.NotNil(t, cfg.Provisioner.Command)
	require.Equal(t, "/usr/local/bin/provision", cfg.Provisioner.Command.Path)
	require.Equal(t, map[string]string{"REGION": "eu-west-1"}, cfg.Provisioner.Command.Env)
}

func TestLoadConfig_Defaults(t *testing.T) {
	yml := `
version: 0
service:
  mode: manual
cx:
  url: http://localhost/cxrestapi
engines:
  tiers:
    - name: S
      max_loc: 1000
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, model.ServiceModeManual, cfg.Service.Mode)
	require.Equal(t, 10, cfg.Engines.ConcurrentScanLimit)
	require.Equal(t, model.BlockFailureCommit, cfg.Engines.BlockFailure)
	require.Zero(t, cfg.Engines.MissingCycles)
	require.True(t, cfg.Engines.AdoptRunning)
	require.Nil(t, cfg.Provisioner)
}

func TestLoadConfig_Fail(t *testing.T) {
	type then struct {
		contains string
	}
	var testCases = []struct {
		scenario string
		given    string
		then     then
	}{
		{
			scenario: "limit below one",
			given: `
version: 0
service: {mode: manual}
cx: {url: "http://localhost"}
engines:
  concurrent_scan_limit: 0
  tiers: [{name: S, max_loc: 1}]
`,
			then: then{"concurrent_scan_limit"},
		},
		{
			scenario: "no tiers",
			given: `
version: 0
service: {mode: manual}
cx: {url: "http://localhost"}
engines:
  tiers: []
`,
			then: then{"tiers"},
		},
		{
			scenario: "timer without schedule",
			given: `
version: 0
service: {mode: timer}
cx: {url: "http://localhost"}
engines:
  tiers: [{name: S, max_loc: 1}]
`,
			then: then{"service.schedule is required"},
		},
		{
			scenario: "duplicate tier",
			given: `
version: 0
service: {mode: manual}
cx: {url: "http://localhost"}
engines:
  tiers: [{name: S, max_loc: 1}, {name: S, max_loc: 2}]
`,
			then: then{"duplicate tier"},
		},
		{
			scenario: "bad cron",
			given: `
version: 0
service:
  mode: timer
  schedule: {cron: "* * 32 * *"}
cx: {url: "http://localhost"}
engines:
  tiers: [{name: S, max_loc: 1}]
`,
			then: then{"service.schedule.cron"},
		},
		{
			scenario: "zero duration",
			given: `
version: 0
service:
  mode: timer
  schedule: {duration: "PT0S"}
cx: {url: "http://localhost"}
engines:
  tiers: [{name: S, max_loc: 1}]
`,
			then: then{"service.schedule.duration: must be positive"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			require.ErrorContains(t, err, tc.then.contains)
		})
	}
}

func TestConfigErrDetails(t *testing.T) {
	yml := `
version: 0
service: {mode: manual}
cx: {url: "ftp://localhost"}
engines:
  tiers: [{name: S, max_loc: 1}]
`
	_, err := model.LoadConfig(strings.NewReader(yml))
	require.Error(t, err)
	details := model.ConfigErrDetails(err)
	require.NotEmpty(t, details)
	var paths []string
	for _, d := range details {
		paths = append(paths, d.Path)
	}
	require.Contains(t, paths, "cx.url")

	require.Nil(t, model.ConfigErrDetails(nil))
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig(t.Context())

	var buf bytes.Buffer
	require.NoError(t, yaml.NewEncoder(&buf).Encode(cfg))

	loaded, err := model.LoadConfig(&buf)
	require.NoError(t, err)
	require.Equal(t, cfg.Engines, loaded.Engines)
	require.Equal(t, cfg.Cx.URL, loaded.Cx.URL)

	d, err := loaded.Service.Schedule.PollInterval()
	require.NoError(t, err)
	require.Equal(t, 20*time.Second, d)
}
