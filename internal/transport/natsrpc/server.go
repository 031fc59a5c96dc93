package natsrpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"conductor/internal/stage"
	"conductor/internal/wire"
)

// Executor runs stages for one worker index. *worker.Worker satisfies it.
type Executor interface {
	Index() int
	Execute(ctx context.Context, spec stage.Spec) stage.Ack
}

// Server answers execute and ping requests for one Executor.
type Server struct {
	exec   Executor
	opts   options
	tracer trace.Tracer
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
}

// Serve subscribes exec to its subjects on conn. Requests are handled one
// at a time in arrival order.
func Serve(conn *nats.Conn, exec Executor, opts ...Option) (*Server, error) {
	o := buildOptions(opts)
	s := &Server{
		exec:   exec,
		opts:   o,
		tracer: o.tracer.Tracer("conductor/natsrpc"),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	execSub, err := conn.Subscribe(ExecuteSubject(o.prefix, exec.Index()), s.handleExecute)
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("subscribing worker %d: %w", exec.Index(), err)
	}
	pingSub, err := conn.Subscribe(PingSubject(o.prefix, exec.Index()), s.handlePing)
	if err != nil {
		_ = execSub.Unsubscribe()
		s.cancel()
		return nil, fmt.Errorf("subscribing worker %d: %w", exec.Index(), err)
	}
	s.subs = []*nats.Subscription{execSub, pingSub}
	if err := conn.Flush(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("flushing subscriptions: %w", err)
	}
	o.log.Info("worker serving", "worker", exec.Index(), "subject", execSub.Subject)
	return s, nil
}

func (s *Server) handleExecute(msg *nats.Msg) {
	ctx := s.ctx
	if msg.Header != nil {
		ctx = s.opts.propagator.Extract(ctx, propagation.HeaderCarrier(msg.Header))
	}

	var ack stage.Ack
	spec, err := wire.UnmarshalSpec(msg.Data)
	if err != nil {
		s.opts.log.Error("undecodable stage", "worker", s.exec.Index(), "error", err)
		ack = stage.Ack{Worker: s.exec.Index(), Error: fmt.Sprintf("decoding stage: %v", err)}
	} else {
		ctx, span := s.tracer.Start(ctx, "execute "+spec.Type, trace.WithAttributes(
			attribute.String("stage.name", spec.Name),
			attribute.Int("worker", s.exec.Index()),
		))
		ack = s.exec.Execute(ctx, spec)
		span.SetAttributes(attribute.Bool("stage.success", ack.Success))
		span.End()
	}

	if err := msg.Respond(wire.MarshalAck(ack)); err != nil {
		s.opts.log.Error("ack not sent", "worker", s.exec.Index(), "error", err)
	}
}

func (s *Server) handlePing(msg *nats.Msg) {
	if err := msg.Respond(nil); err != nil {
		s.opts.log.Warn("ping not answered", "worker", s.exec.Index(), "error", err)
	}
}

// Close unsubscribes and cancels any running stage.
func (s *Server) Close() error {
	s.cancel()
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
