// Package main implements the entry point for the IRIS backend.
// IRIS ingests binary telemetry from an instrumented kernel over a Unix
// socket and streams decoded events to WebSocket subscribers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/c360/iris/config"
)

// Build information, set with -ldflags at release time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "iris"

// cliOptions holds flags shared by every subcommand.
type cliOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	validate   bool
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Kernel telemetry backend",
		Long: `IRIS reads framed telemetry from an instrumented kernel over a Unix
domain socket, decodes it and fans events out to WebSocket subscribers.

Running without a subcommand is the same as "iris serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", os.Getenv("IRIS_CONFIG"),
		"Path to a configuration file: YAML (.yaml, .yml) or JSON with comments (env: IRIS_CONFIG)")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format: text, json")

	serve := serveCmd(opts)
	root.Flags().AddFlagSet(serve.Flags())
	root.RunE = serve.RunE

	root.AddCommand(serve, simulateCmd(opts), versionCmd())
	return root
}

func serveCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, cmd.Flags())
			if err != nil {
				return err
			}
			if opts.validate {
				fmt.Println("Configuration is valid")
				return nil
			}

			logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
			slog.SetDefault(logger)
			logger.Info("Starting IRIS backend",
				"version", Version,
				"build_time", BuildTime,
				"config_path", opts.configPath)
			logger.Debug("Effective configuration", "config", cfg.String())

			return serve(cmd.Context(), cfg, logger)
		},
	}

	f := cmd.Flags()
	f.String("socket", "", "Kernel Unix socket path")
	f.String("addr", "", "HTTP listen address")
	f.String("processor", "", "Event processor: count, console, none")
	f.Bool("nats", false, "Publish events to NATS")
	f.String("nats-url", "", "NATS server URL")
	f.BoolVar(&opts.validate, "validate", false, "Validate configuration and exit")
	return cmd
}

// loadConfig layers defaults, the config file, IRIS_* environment variables
// and finally any flags the user set explicitly.
func loadConfig(opts *cliOptions, flags *pflag.FlagSet) (*config.Config, error) {
	loader := config.NewLoader()
	if opts.configPath != "" {
		loader.AddLayer(opts.configPath)
	}
	loader.EnableValidation(false)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := applyFlags(cfg, opts, flags); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, opts *cliOptions, flags *pflag.FlagSet) error {
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}

	var err error
	if flags.Changed("socket") {
		if cfg.Kernel.SocketPath, err = flags.GetString("socket"); err != nil {
			return err
		}
	}
	if flags.Changed("addr") {
		if cfg.Server.Addr, err = flags.GetString("addr"); err != nil {
			return err
		}
	}
	if flags.Changed("processor") {
		if cfg.Engine.Processor, err = flags.GetString("processor"); err != nil {
			return err
		}
	}
	if flags.Changed("nats") {
		if cfg.NATS.Enabled, err = flags.GetBool("nats"); err != nil {
			return err
		}
	}
	if flags.Changed("nats-url") {
		if cfg.NATS.URL, err = flags.GetString("nats-url"); err != nil {
			return err
		}
		cfg.NATS.Enabled = true
	}
	return nil
}

// serve runs the backend until SIGINT or SIGTERM, then shuts down within
// the configured timeout.
func serve(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}

	if err := a.start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = a.shutdown(shutdownCtx)
		return fmt.Errorf("start: %w", err)
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal, stopping", "timeout", cfg.Server.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	start := time.Now()
	if err := a.shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown completed with errors", "error", err)
		return err
	}
	logger.Info("Shutdown complete", "duration", time.Since(start))
	return nil
}

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			if short {
				fmt.Println(Version)
				return
			}
			fmt.Printf("%s version %s\n", appName, Version)
			fmt.Printf("  Built:      %s\n", BuildTime)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")
	return cmd
}
