// Package main is the entry point for the edge gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/gateway"
	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const shutdownTimeout = 30 * time.Second

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	listen      string
	certFile    string
	keyFile     string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags.logLevel, flags.logFormat, config.LogConfig{})

	cfg := loadAndValidateConfig(flags, logger)
	if flags.logLevel == "" || flags.logFormat == "" {
		logger = initLogger(flags.logLevel, flags.logFormat, cfg.Log)
	}
	defer func() { _ = logger.Sync() }()

	tracer := initTracer(cfg, logger)

	gw, err := gateway.New(cfg,
		gateway.WithLogger(logger),
		gateway.WithMetrics(observability.NewMetrics("edgegw")),
		gateway.WithShutdownTimeout(shutdownTimeout),
	)
	if err != nil {
		logger.Fatal("failed to create gateway", observability.Error(err))
	}

	if err := gw.Start(context.Background()); err != nil {
		logger.Fatal("failed to start gateway", observability.Error(err))
	}

	watcher := startConfigWatcher(gw, flags, logger)

	waitForShutdown(gw, watcher, tracer, logger)
}

// parseFlags parses command line flags. Every flag defaults to its GATEWAY_*
// environment variable.
func parseFlags(args []string) cliFlags {
	fs := flag.NewFlagSet("edgegw", flag.ExitOnError)

	var f cliFlags
	fs.StringVar(&f.configPath, "config", getEnvOrDefault("GATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	fs.StringVar(&f.listen, "listen", getEnvOrDefault("GATEWAY_LISTEN", ""),
		"Traffic listen address, overrides the configuration file")
	fs.StringVar(&f.certFile, "cert_file", getEnvOrDefault("GATEWAY_CERT_FILE", ""),
		"TLS certificate file, overrides the configuration file")
	fs.StringVar(&f.keyFile, "key_file", getEnvOrDefault("GATEWAY_KEY_FILE", ""),
		"TLS private key file, overrides the configuration file")
	fs.StringVar(&f.logLevel, "log-level", getEnvOrDefault("GATEWAY_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", getEnvOrDefault("GATEWAY_LOG_FORMAT", ""),
		"Log format (json, console)")
	fs.BoolVar(&f.showVersion, "version", getEnvBool("GATEWAY_VERSION", false), "Show version information")
	_ = fs.Parse(args)

	return f
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("edgegw version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger creates the process logger. Flag values win over the
// configuration file.
func initLogger(level, format string, fromFile config.LogConfig) observability.Logger {
	cfg := observability.DefaultLogConfig()
	if fromFile.Level != "" {
		cfg.Level = fromFile.Level
	}
	if fromFile.Format != "" {
		cfg.Format = fromFile.Format
	}
	if level != "" {
		cfg.Level = level
	}
	if format != "" {
		cfg.Format = format
	}

	logger, err := observability.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads the configuration file, applies flag
// overrides and validates the result.
func loadAndValidateConfig(flags cliFlags, logger observability.Logger) *config.GatewayConfig {
	logger.Info("starting edgegw",
		observability.String("version", version),
		observability.String("config", flags.configPath),
	)

	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}
	applyFlagOverrides(cfg, flags)

	if err := config.ValidateConfig(cfg); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.String("listen", cfg.Listen),
		observability.Bool("tls", cfg.TLS.Enabled()),
		observability.String("discovery", cfg.Discovery.Provider),
		observability.Int("services", len(cfg.Services)),
		observability.Int("routes", len(cfg.Routes)),
	)

	return cfg
}

// applyFlagOverrides replaces configuration values set on the command line.
func applyFlagOverrides(cfg *config.GatewayConfig, flags cliFlags) {
	if flags.listen != "" {
		cfg.Listen = flags.listen
	}
	if flags.certFile != "" || flags.keyFile != "" {
		tls := config.TLSConfig{}
		if cfg.TLS != nil {
			tls = *cfg.TLS
		}
		if flags.certFile != "" {
			tls.CertFile = flags.certFile
		}
		if flags.keyFile != "" {
			tls.KeyFile = flags.keyFile
		}
		cfg.TLS = &tls
	}
}

// initTracer initializes the tracer.
func initTracer(cfg *config.GatewayConfig, logger observability.Logger) *observability.Tracer {
	tracerCfg := observability.TracerConfig{
		ServiceName:  "edgegw",
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.Endpoint,
		SamplingRate: 1.0,
	}
	if cfg.Tracing.ServiceName != "" {
		tracerCfg.ServiceName = cfg.Tracing.ServiceName
	}
	if cfg.Tracing.SamplingRate > 0 {
		tracerCfg.SamplingRate = cfg.Tracing.SamplingRate
	}

	tracer, err := observability.NewTracer(context.Background(), tracerCfg)
	if err != nil {
		logger.Fatal("failed to initialize tracer", observability.Error(err))
	}

	return tracer
}

// startConfigWatcher reloads the gateway when the configuration file
// changes. Flag overrides apply to every reloaded file.
func startConfigWatcher(gw *gateway.Gateway, flags cliFlags, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(flags.configPath, func(newCfg *config.GatewayConfig) error {
		applyFlagOverrides(newCfg, flags)
		return gw.Reload(newCfg)
	}, config.WithLogger(logger))
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
		return nil
	}

	return watcher
}

// waitForShutdown waits for a shutdown signal and stops the gateway.
func waitForShutdown(
	gw *gateway.Gateway,
	watcher *config.Watcher,
	tracer *observability.Tracer,
	logger observability.Logger,
) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop gateway gracefully", observability.Error(err))
	}

	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	logger.Info("edgegw stopped")
}
