package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/GemAppSec/CxDynEngine/internal/cxapi"
	"github.com/GemAppSec/CxDynEngine/internal/log"
	"github.com/GemAppSec/CxDynEngine/internal/model"
	"github.com/GemAppSec/CxDynEngine/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

const (
	appName        = "dynengines"
	configFileName = appName + ".yaml"
	configEnv      = "DYNENGINESCONFIG"
)

var (
	userConfigPath string // /default/config/path/dynengines on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, appName)
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configFileName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initDynEngines

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error(appName+" failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          appName,
	Short:        "Admits queued scans to dynamically provisioned engines",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run reconciles the scan queue until interrupted",
	RunE:  doRun,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "once runs a single reconcile cycle and exits",
	RunE:  doOnce,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a " + appName,
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println(appName + ": version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:     %s\n", configPath)
		}
		fmt.Printf("dynengines: %s\n", info.Main.Version)
		fmt.Printf("go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:     %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:       %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:      %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, _ []string) error {
	if config.Service.Mode != model.ServiceModeTimer {
		return fmt.Errorf("run needs %s mode, use once for %s mode", model.ServiceModeTimer, config.Service.Mode)
	}
	return supervise(cmd.Context(), "run", config)
}

func doOnce(cmd *cobra.Command, _ []string) error {
	cfg := config
	cfg.Service.Mode = model.ServiceModeManual
	return supervise(cmd.Context(), "once", cfg)
}

func supervise(ctx context.Context, name string, cfg model.Config) error {
	attrs := slog.Group(appName,
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	client, err := cxapi.FromConfig(cfg.Cx)
	if err != nil {
		return fmt.Errorf("initializing scan service client: %w", err)
	}
	supervisor, err := service.NewSupervisor(ctx, cfg, client)
	if err != nil {
		return err
	}

	err = supervisor.Do(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func initDynEngines(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv(configEnv); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, configFileName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
		configPath = filepath.Join(userConfigPath, configFileName)
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.ConfigErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		verbose := true
		config.Service.Verbose = &verbose
	}

	verbose := config.Service.Verbose != nil && *config.Service.Verbose
	slog.SetDefault(log.New(os.Stderr, verbose))

	slog.Debug(appName+" run", "configPath", configPath)
	if sched := config.Service.Schedule; sched != nil {
		if interval, err := sched.PollInterval(); err == nil {
			slog.Debug(appName+" run", "pollInterval", interval.String())
		}
	}
	slog.Debug(appName+" run",
		"mode", config.Service.Mode,
		"cxURL", config.Cx.URL,
		"concurrentLimit", config.Engines.ConcurrentScanLimit,
		"tiers", len(config.Engines.Tiers),
	)
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
