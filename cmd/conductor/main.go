package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"conductor/internal/config"
	"conductor/internal/progress"
	"conductor/internal/protocol"
	"conductor/internal/report"
	"conductor/internal/telemetry"
)

const (
	ExitSuccess         = 0
	ExitThresholdFailed = 1
	ExitError           = 2
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML benchmark file (required)")
	output := flag.String("output", "text", "output format: text, json")
	quiet := flag.Bool("quiet", false, "suppress progress output during the run")
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	workers := flag.Int("workers", 0, "override the configured number of workers")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")
	otelEndpoint := flag.String("otel-endpoint", "", "OTLP/HTTP endpoint for stage traces")
	progressInterval := flag.Duration("progress-interval", time.Second, "refresh period of the progress line")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "error: --config is required")
		flag.Usage()
		os.Exit(ExitError)
	}

	if *output != "text" && *output != "json" {
		fmt.Fprintf(os.Stderr, "error: --output must be 'text' or 'json', got %q\n", *output)
		os.Exit(ExitError)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: --log-level: %v\n", err)
		os.Exit(ExitError)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(ExitError)
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *otelEndpoint != "" {
		cfg.Telemetry.Endpoint = *otelEndpoint
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	interrupted := watchInterrupt(sigCh, *quiet, cancel)

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, "conductor", version, cfg.Telemetry.Insecure)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(ExitError)
	}

	exporter := report.NewExporter()
	var metricsSrv *http.Server
	if *metricsAddr != "" {
		metricsSrv = serveMetrics(*metricsAddr, exporter, log)
	}

	code := run(ctx, cfg, log, exporter, runOptions{
		output:   *output,
		quiet:    *quiet,
		interval: *progressInterval,
	})
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	_ = shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	done()

	if interrupted.Load() {
		os.Exit(ExitSuccess)
	}
	os.Exit(code)
}

type runOptions struct {
	output   string
	quiet    bool
	interval time.Duration
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger, exporter *report.Exporter, opts runOptions) int {
	f, err := newFleet(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitError
	}
	defer f.Close()

	prog := progress.NewProgress(opts.quiet)
	prog.SetInterval(opts.interval)
	prog.Printf("Conductor starting: %d workers, transport %s, %d scenarios",
		len(f.slaves), cfg.Transport, len(cfg.Scenarios))

	master := protocol.NewMaster(f.slaves, nil,
		protocol.WithAckTimeout(cfg.AckTimeout),
		protocol.WithLogger(log),
		protocol.WithExporter(exporter),
		protocol.WithObserver(prog),
	)

	readyCtx, done := context.WithTimeout(ctx, cfg.AckTimeout)
	err = master.WaitReady(readyCtx)
	done()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitError
	}
	prog.Print("All workers ready")

	summary, runErr := master.Run(ctx, cfg.ToScenarios())
	prog.Stop()

	results := cfg.Thresholds.Check(master.Report())
	if opts.output == "json" {
		if err := report.FormatJSON(os.Stdout, master.Report(), results); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return ExitError
		}
	} else {
		report.FormatText(os.Stdout, master.Report(), results)
		printSummary(summary)
	}

	switch {
	case runErr != nil && !errors.Is(runErr, context.Canceled):
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		return ExitError
	case summary.Aborted:
		fmt.Fprintln(os.Stderr, "\nRun aborted by a failing stage")
		return ExitError
	case summary.Failed():
		fmt.Fprintln(os.Stderr, "\nOne or more scenarios failed")
		return ExitError
	case !results.Passed:
		if opts.output == "text" {
			fmt.Fprintln(os.Stderr, "\nThreshold check failed!")
			printViolations(os.Stderr, results)
		}
		return ExitThresholdFailed
	}
	return ExitSuccess
}

func printSummary(s protocol.Summary) {
	fmt.Println("")
	fmt.Println("Scenarios:")
	for _, sc := range s.Scenarios {
		fmt.Printf("  %-24s %s (%d stages run, %d skipped)\n",
			sc.Name, sc.Result, len(sc.Stages), len(sc.Skipped))
	}
}

// watchInterrupt cancels the run on the first signal from sigCh. The
// returned flag is set before cancel is called.
func watchInterrupt(sigCh <-chan os.Signal, quiet bool, cancel context.CancelFunc) *atomic.Bool {
	interrupted := new(atomic.Bool)
	go func() {
		if _, ok := <-sigCh; !ok {
			return
		}
		interrupted.Store(true)
		if !quiet {
			fmt.Fprintln(os.Stderr, "\nReceived interrupt signal, shutting down...")
		}
		cancel()
	}()
	return interrupted
}

func printViolations(w io.Writer, results *report.ThresholdResults) {
	for _, v := range results.Violations() {
		fmt.Fprintf(w, "  %s %s: %s exceeds %s\n", v.Test, v.Name, v.Actual, v.Threshold)
	}
}

func serveMetrics(addr string, exporter *report.Exporter, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", exporter.Handler)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}
