package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/timzifer/pulselib/config"
	"github.com/timzifer/pulselib/internal/logging"
	"github.com/timzifer/pulselib/internal/reload"
	"github.com/timzifer/pulselib/pulselib"
	"github.com/timzifer/pulselib/telemetry"
	"github.com/timzifer/pulselib/upload"
)

func main() {
	cfgPath := pflag.StringP("config", "c", "pulselib.yaml", "Path to configuration file or directory")
	configCheck := pflag.Bool("config-check", false, "Validate configuration, finalize all sequences and exit")
	sequences := pflag.StringSliceP("sequence", "s", nil, "Sequences or sweeps to start (default: all)")
	watch := pflag.BoolP("watch", "w", false, "Reload configuration and restart sequences on changes")
	metricsListen := pflag.String("metrics-listen", "", "Expose Prometheus metrics on this address, e.g. :9090")
	pflag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	collector, err := newTelemetryCollector(cfg.Telemetry, *metricsListen != "")
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry disabled")
		collector = telemetry.Noop()
	}
	listen := *metricsListen
	if listen == "" {
		listen = cfg.Telemetry.Listen
	}
	if listen != "" {
		serveMetrics(ctx, listen, logger)
	}

	if *watch || cfg.HotReload {
		if err := runWithHotReload(ctx, *cfgPath, cfg, *sequences, logger, collector); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal().Err(err).Msg("stopped")
		}
		return
	}

	lib, err := pulselib.New(ctx, pulselib.WithConfig(cfg), pulselib.WithLogger(logger), pulselib.WithTelemetry(collector))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build library")
	}
	defer lib.Close()
	if err := startAll(ctx, lib, *sequences); err != nil {
		logger.Fatal().Err(err).Msg("failed to start sequences")
	}
}

func startAll(ctx context.Context, lib *pulselib.Library, requested []string) error {
	names := requested
	if len(names) == 0 {
		names = lib.Sequences()
	}
	for _, name := range names {
		targets := []string{name}
		if sweep, ok := lib.Sweep(name); ok {
			targets = sweep
		}
		for _, target := range targets {
			if _, err := lib.Start(ctx, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func executeConfigCheck(cfg *config.Config) int {
	ctx := context.Background()
	lib, err := pulselib.New(ctx, pulselib.WithConfig(cfg), pulselib.WithUploader("check", upload.NewMemory()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}
	defer lib.Close()

	names := lib.Sequences()
	if len(names) == 0 {
		fmt.Println("No sequences configured.")
		return 0
	}
	exitCode := 0
	for _, name := range names {
		seq, _ := lib.Sequence(name)
		fmt.Printf("Sequence %q\n", name)
		program, err := seq.Finalize(ctx)
		if err != nil {
			exitCode = 1
			fmt.Printf("  Error: %v\n\n", err)
			continue
		}
		fmt.Printf("  Lines: %s\n", strings.Join(program.Channels, ", "))
		fmt.Printf("  Samples: %d (%.1f ns), n_rep %d\n", program.Length(), program.Duration(), program.Repetitions)
		for i, entry := range program.Entries {
			fmt.Printf("    %d. %s x%d: %d samples", i+1, entry.Segment, entry.Repeat, entry.Width())
			if entry.Span > 0 {
				fmt.Printf(" (delay span %d)", entry.Span)
			}
			fmt.Println()
		}
		if len(program.Warnings) > 0 {
			fmt.Println("  Warnings:")
			for _, w := range program.Warnings {
				fmt.Printf("    - %s\n", w)
			}
		} else {
			fmt.Println("  Status: OK")
		}
		fmt.Println()
	}
	if exitCode == 0 {
		fmt.Println("Configuration check completed successfully.")
	} else {
		fmt.Println("Configuration check completed with errors.")
	}
	return exitCode
}

func runWithHotReload(ctx context.Context, cfgPath string, cfg *config.Config, requested []string, logger zerolog.Logger, collector telemetry.Collector) error {
	watcher, err := reload.NewWatcher(cfgPath, cfg)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	changes := make(chan []string, 1)
	go watcher.Run(ctx, time.Second, func(files []string) {
		select {
		case changes <- files:
		default:
		}
	})

	for {
		lib, err := pulselib.New(ctx, pulselib.WithConfig(cfg), pulselib.WithLogger(logger), pulselib.WithTelemetry(collector))
		if err != nil {
			return err
		}
		if err := startAll(ctx, lib, requested); err != nil {
			logger.Error().Err(err).Msg("failed to start sequences")
		}

		var newCfg *config.Config
		for newCfg == nil {
			select {
			case <-ctx.Done():
				_ = lib.Close()
				return ctx.Err()
			case files := <-changes:
				loaded, err := config.Load(cfgPath)
				if err != nil {
					logger.Error().Err(err).Msg("failed to reload configuration")
					_ = watcher.Update(cfgPath, cfg)
					continue
				}
				if err := watcher.Update(cfgPath, loaded); err != nil {
					logger.Error().Err(err).Msg("failed to update watcher state")
				}
				for _, file := range files {
					collector.IncHotReload(file)
				}
				logger.Info().Strs("files", files).Msg("configuration reloaded")
				newCfg = loaded
			}
		}
		_ = lib.Close()
		cfg = newCfg
	}
}

func newTelemetryCollector(cfg config.TelemetryConfig, force bool) (telemetry.Collector, error) {
	if !cfg.Enabled && !force {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}

func serveMetrics(ctx context.Context, listen string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("listen", listen).Msg("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info().Str("listen", listen).Msg("serving metrics")
}
