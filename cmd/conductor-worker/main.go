package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"conductor/internal/config"
	"conductor/internal/memcache"
	"conductor/internal/telemetry"
	"conductor/internal/trait"
	"conductor/internal/transport/natsrpc"
	"conductor/internal/worker"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	index := flag.Int("index", 0, "worker index, unique within the fleet")
	natsURL := flag.String("nats-url", envOr(config.EnvNATSURL, nats.DefaultURL), "NATS server URL")
	prefix := flag.String("prefix", natsrpc.DefaultPrefix, "subject prefix shared with the master")
	maxEntries := flag.Int("max-entries", 0, "bound on entries per cache scope (0 = unbounded)")
	supported := flag.String("supported", "", "comma-separated event types the cache advertises (default: created,updated,removed,evicted)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	otelEndpoint := flag.String("otel-endpoint", os.Getenv(config.EnvOTELEndpoint), "OTLP/HTTP endpoint for stage traces")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: --log-level: %v\n", err)
		os.Exit(2)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With("worker", *index)

	opts := []memcache.Option{memcache.WithMaxEntries(*maxEntries), memcache.WithLogger(log)}
	if *supported != "" {
		var types []trait.EventType
		for _, name := range strings.Split(*supported, ",") {
			t, err := trait.ParseEventType(strings.TrimSpace(name))
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: --supported: %v\n", err)
				os.Exit(2)
			}
			types = append(types, t)
		}
		opts = append(opts, memcache.WithSupported(types...))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, *otelEndpoint, "conductor-worker", version, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	conn, err := nats.Connect(*natsURL, nats.Name(fmt.Sprintf("conductor-worker-%d", *index)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: connecting to %s: %v\n", *natsURL, err)
		os.Exit(2)
	}

	w := worker.New(*index, memcache.New(opts...), worker.WithLogger(log))
	srv, err := natsrpc.Serve(conn, w, natsrpc.WithPrefix(*prefix), natsrpc.WithLogger(log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	<-ctx.Done()
	log.Info("shutting down")
	_ = srv.Close()
	_ = w.Close()
	_ = conn.Drain()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = shutdown(shutdownCtx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
