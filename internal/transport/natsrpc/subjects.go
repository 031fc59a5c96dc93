// Package natsrpc carries stage specs and acks between the master and remote
// workers over NATS request/reply. Every worker owns two subjects:
//
//	<prefix>.worker.<index>.execute
//	<prefix>.worker.<index>.ping
//
// Payloads use the msgp encoding from package wire.
package natsrpc

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPrefix is the subject root used when none is configured.
const DefaultPrefix = "conductor"

func ExecuteSubject(prefix string, index int) string {
	return fmt.Sprintf("%s.worker.%d.execute", prefix, index)
}

func PingSubject(prefix string, index int) string {
	return fmt.Sprintf("%s.worker.%d.ping", prefix, index)
}

type options struct {
	prefix     string
	log        *slog.Logger
	tracer     trace.TracerProvider
	propagator propagation.TextMapPropagator
}

type Option func(*options)

// WithPrefix changes the subject root. Empty values keep the default.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithTracerProvider sets the provider used for worker-side spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

func buildOptions(opts []Option) options {
	o := options{
		prefix:     DefaultPrefix,
		log:        slog.New(slog.DiscardHandler),
		tracer:     otel.GetTracerProvider(),
		propagator: propagation.TraceContext{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
