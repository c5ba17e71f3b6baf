package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/abclution/mikback/config"
	"github.com/abclution/mikback/notify"
	"github.com/abclution/mikback/runner"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile   string
	registryFile string
	logLevel     string
	logFormat    string
)

func setupLogger() (*log.Logger, error) {
	logger := log.New()
	logger.SetOutput(os.Stdout)

	lvl, err := log.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(lvl)

	switch logFormat {
	case "text":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format `%s'", logFormat)
	}

	return logger, nil
}

func loadConfig() (*config.Config, *config.Registry, error) {
	cfg := config.Default()

	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return nil, nil, err
		}
	}

	if registryFile != "" {
		cfg.Devices = registryFile
	}

	reg, err := config.LoadRegistry(cfg.Devices)
	if err != nil {
		return nil, nil, err
	}

	return cfg, reg, nil
}

func newRunner(ctx context.Context, logger *log.Logger, dryRun bool) (*runner.Runner, *config.Config, error) {
	cfg, reg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	logger.Infof("%d devices found in %s", reg.Len(), cfg.Devices)

	var r *runner.Runner
	if dryRun {
		r, err = runner.NewDryRun(cfg, reg, logger)
	} else {
		r, err = runner.New(ctx, cfg, reg, logger)
	}
	if err != nil {
		return nil, nil, err
	}

	return r, cfg, nil
}

func run(cmd *cobra.Command, args []string) {
	logger, err := setupLogger()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, cfg, err := newRunner(ctx, logger, false)
	if err != nil {
		logger.Fatal(err)
	}

	report, err := r.Run(ctx, args...)
	if err != nil {
		logger.Error(err)
	}

	n := notify.New(cfg.Notify.URLs, cfg.Notify.On, logger)
	nerr := n.Notify(&notify.Summary{
		RunID:         report.RunID,
		Timestamp:     report.Timestamp,
		Devices:       len(report.Devices),
		FailedDevices: report.FailedDevices(),
		Failures:      report.Failures(),
	})

	if err != nil || nerr != nil || report.Failed() {
		os.Exit(1)
	}
}

func plan(cmd *cobra.Command, args []string) {
	logger, err := setupLogger()
	if err != nil {
		log.Fatal(err)
	}
	logger.SetLevel(log.WarnLevel)

	r, _, err := newRunner(context.Background(), logger, true)
	if err != nil {
		logger.Fatal(err)
	}

	out := cmd.OutOrStdout()
	failed := false

	for _, s := range r.Plan(args...) {
		if s.Err != nil {
			fmt.Fprintf(out, "%s: %v\n", s.Key, s.Err)
			failed = true
			continue
		}

		fmt.Fprintf(out, "%s: %s %s\n", s.Key, s.Kind, s.Mode)
		if s.Command != "" {
			fmt.Fprintf(out, "\tremote: %s\n", s.Command)
		}
		if s.Client != "" {
			fmt.Fprintf(out, "\tclient: %s\n", s.Client)
		}
		if s.File != "" {
			fmt.Fprintf(out, "\tfile:   %s\n", s.File)
		}
	}

	if failed {
		os.Exit(1)
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "mikback [device...]",
		Short: "Export and back up Mikrotik RouterOS configurations over SSH",
		Long: "mikback reads a JSON device registry and, for every device, saves the\n" +
			"requested configuration exports and binary backups under its BASE_PATH.\n" +
			"Devices can be limited by naming their registry keys.",
		Args: cobra.ArbitraryArgs,
		Run:  run,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Settings file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&registryFile, "devices", "d", "", "Device registry (default \""+config.DefaultRegistryFile+"\")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "plan [device...]",
		Short: "Print the commands and files a run would produce",
		Args:  cobra.ArbitraryArgs,
		Run:   plan,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
